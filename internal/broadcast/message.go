package broadcast

import (
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
)

// PendingMessage is an inbound message captured for rebroadcast. Identity is
// the (ID, Chat) pair: the protocol message id plus the origin conversation.
type PendingMessage struct {
	ID         types.MessageID
	Chat       types.JID
	Sender     types.JID
	Text       string
	Raw        *waE2E.Message
	Timestamp  time.Time
	EnqueuedAt time.Time
}

// SameIdentity reports whether two messages refer to the same inbound
// delivery. Duplicate deliveries of the same message share identity even if
// the payload pointer differs.
func (m *PendingMessage) SameIdentity(other *PendingMessage) bool {
	if m == nil || other == nil {
		return false
	}
	return m.ID == other.ID && m.Chat == other.Chat
}
