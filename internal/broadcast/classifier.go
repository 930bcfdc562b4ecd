package broadcast

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/types"

	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/config"
	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/stats"
	"github.com/vlsampaio/whatsapp-broadcast-bot/pkg/log"
)

// StatsReporter renders the persisted group statistics for chat replies.
type StatsReporter interface {
	Report(days int, detailed bool) string
}

var (
	statusPattern = regexp.MustCompile(`^(?i)(status|\?)$`)
	statsPattern  = regexp.MustCompile(`^(?i)(\+?stats)(?:\s+([1-9]|[12][0-9]|30))?$`)
)

// Classifier filters inbound messages from the session: chat commands from
// authorized senders get replies, qualifying broadcast candidates are queued,
// and everything is acknowledged with a read receipt.
type Classifier struct {
	pool       *Pool
	dispatcher *Dispatcher
	sender     Sender
	cfg        func() config.Config
	session    *stats.Session
	reports    StatsReporter
}

func NewClassifier(pool *Pool, dispatcher *Dispatcher, sender Sender,
	cfg func() config.Config, session *stats.Session, reports StatsReporter) *Classifier {
	return &Classifier{
		pool:       pool,
		dispatcher: dispatcher,
		sender:     sender,
		cfg:        cfg,
		session:    session,
		reports:    reports,
	}
}

// HandleInbound classifies one inbound message. Messages arriving together
// are expected to be delivered to this method in their original order.
func (c *Classifier) HandleInbound(ctx context.Context, msg *PendingMessage, fromMe bool) {
	defer c.markRead(ctx, msg)

	if fromMe || !c.isAuthorized(msg.Sender) {
		return
	}

	text := strings.TrimSpace(msg.Text)
	cfg := c.cfg()

	switch {
	case statusPattern.MatchString(text):
		log.Print("classifier").WithField("sender", msg.Sender.User).Info("Status requested")
		c.reply(ctx, msg, c.statusReply())

	case statsPattern.MatchString(text):
		if !cfg.GroupStatistics || c.reports == nil {
			return
		}
		log.Print("classifier").WithField("sender", msg.Sender.User).Info("Statistics requested")
		groups := statsPattern.FindStringSubmatch(text)
		days := 0
		if groups[2] != "" {
			days, _ = strconv.Atoi(groups[2])
		}
		detailed := strings.HasPrefix(groups[1], "+")
		c.reply(ctx, msg, c.reports.Report(days, detailed))

	case len(text) > 20 && strings.Contains(text, "http"):
		log.Print("classifier").
			WithField("message", msg.ID).
			WithField("sender", msg.Sender.User).
			Info("Broadcast candidate received")
		if c.pool.EnqueueIfAbsent(msg) {
			c.dispatcher.TryDispatch()
		}
	}
}

func (c *Classifier) isAuthorized(sender types.JID) bool {
	if sender.IsEmpty() || sender.Server != types.DefaultUserServer {
		return false
	}
	full := sender.String()
	for _, number := range c.cfg().AuthorizedNumbers {
		if number != "" && strings.Contains(full, number) {
			return true
		}
	}
	return false
}

func (c *Classifier) statusReply() string {
	var state string
	if c.dispatcher.IsSending() {
		state = fmt.Sprintf("🔄 Sending!\n%s left in the queue.", countLabel(c.pool.Len(), "message"))
	} else {
		state = "🟢 Online!\nWaiting for new messages."
	}
	return fmt.Sprintf("%s\n%s sent since session start at %s",
		state,
		countLabel(c.session.MessagesSent(), "message"),
		c.session.StartTime().Format("2006-01-02 15:04:05"))
}

func (c *Classifier) reply(ctx context.Context, msg *PendingMessage, text string) {
	sendCtx, cancel := context.WithTimeout(ctx, defaultSendTimeout)
	defer cancel()
	if err := c.sender.SendReport(sendCtx, msg.Sender, text, msg); err != nil {
		log.Print("classifier").WithField("recipient", msg.Sender.User).WithError(err).
			Error("Could not deliver reply")
	}
}

func (c *Classifier) markRead(ctx context.Context, msg *PendingMessage) {
	readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.sender.MarkRead(readCtx, msg); err != nil {
		log.Print("classifier").WithField("message", msg.ID).WithError(err).
			Debug("Could not mark inbound message as read")
	}
}

// userJID builds a personal JID from a configured phone number, tolerating
// numbers stored with a jid suffix or a leading plus sign.
func userJID(number string) types.JID {
	if at := strings.IndexByte(number, '@'); at >= 0 {
		number = number[:at]
	}
	number = strings.TrimPrefix(strings.TrimSpace(number), "+")
	if number == "" {
		return types.EmptyJID
	}
	return types.NewJID(number, types.DefaultUserServer)
}
