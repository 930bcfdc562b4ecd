package broadcast

import "errors"

var (
	// ErrSendTimeout is returned when a single group send exceeds the hard
	// send timeout. Treated the same as a protocol-level send failure.
	ErrSendTimeout = errors.New("send timed out")

	// ErrNotConnected is returned when a send is attempted while the
	// session transport is down.
	ErrNotConnected = errors.New("no connection while sending")

	// ErrNoTargetGroups aborts a drain when the group cache is empty.
	ErrNoTargetGroups = errors.New("no target groups to send to")

	// ErrImageDerivation marks recoverable failures while deriving an image
	// from a message link. Callers downgrade the send method instead of
	// aborting the batch.
	ErrImageDerivation = errors.New("image derivation failed")
)
