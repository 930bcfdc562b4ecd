package broadcast

import (
	"context"
	"errors"
	"fmt"
	mathrand "math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.mau.fi/whatsmeow/types"
	"golang.org/x/time/rate"

	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/config"
	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/stats"
	"github.com/vlsampaio/whatsapp-broadcast-bot/pkg/log"
)

// Sender is the outbound surface of the messaging session consumed by the
// dispatch engine. Implementations are expected to honor context deadlines.
type Sender interface {
	IsConnected() bool
	SendText(ctx context.Context, to types.JID, text string) error
	SendForward(ctx context.Context, to types.JID, msg *PendingMessage) error
	SendImage(ctx context.Context, to types.JID, image, thumbnail []byte, caption string) error
	SendReport(ctx context.Context, to types.JID, text string, quoted *PendingMessage) error
	MarkRead(ctx context.Context, msg *PendingMessage) error
}

// ImageDeriver turns the first link of a message into image bytes plus a
// thumbnail. Failures are recoverable: the dispatcher downgrades the send
// method instead of aborting the batch.
type ImageDeriver interface {
	Derive(ctx context.Context, text string) (image, thumbnail []byte, err error)
}

// DispatchCursor is the transient resume state for the in-flight batch: which
// message was being fanned out, how far the group ordering was reached, and
// against which cache generation that index is meaningful.
type DispatchCursor struct {
	MessageID  types.MessageID
	Chat       types.JID
	GroupIndex int
	Generation uint64
	Method     config.SendMethod
}

const defaultSendTimeout = 30 * time.Second

// Dispatcher drains the message pool against the group cache, one message at
// a time, fanning each out across every cached group with pacing and
// all-stop-and-retry-later failure handling. At most one drain loop is active
// at any time.
type Dispatcher struct {
	pool    *Pool
	cache   *GroupCache
	sender  Sender
	deriver ImageDeriver
	cfg     func() config.Config
	session *stats.Session

	// rewrite applies per-group link tracking to the outgoing text.
	rewrite func(text, groupName string) string

	limiter     *rate.Limiter
	sendTimeout time.Duration
	sleep       func(time.Duration)

	sending atomic.Bool

	mu     sync.Mutex
	cursor *DispatchCursor
}

type DispatcherOption func(*Dispatcher)

// WithSendTimeout overrides the hard per-group send timeout.
func WithSendTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) { dp.sendTimeout = d }
}

// WithSendFloor installs a global minimum interval between any two outbound
// sends, on top of the configured jittered pacing.
func WithSendFloor(interval time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		if interval > 0 {
			dp.limiter = rate.NewLimiter(rate.Every(interval), 1)
		}
	}
}

func withSleep(fn func(time.Duration)) DispatcherOption {
	return func(dp *Dispatcher) { dp.sleep = fn }
}

func NewDispatcher(pool *Pool, cache *GroupCache, sender Sender, deriver ImageDeriver,
	cfg func() config.Config, session *stats.Session, rewrite func(text, groupName string) string,
	opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		pool:        pool,
		cache:       cache,
		sender:      sender,
		deriver:     deriver,
		cfg:         cfg,
		session:     session,
		rewrite:     rewrite,
		sendTimeout: defaultSendTimeout,
		sleep:       time.Sleep,
	}
	if d.rewrite == nil {
		d.rewrite = func(text, _ string) string { return text }
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// IsSending reports whether a drain loop is currently active.
func (d *Dispatcher) IsSending() bool {
	return d.sending.Load()
}

// Cursor returns a copy of the saved resume state, if any.
func (d *Dispatcher) Cursor() *DispatchCursor {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursor == nil {
		return nil
	}
	cur := *d.cursor
	return &cur
}

func (d *Dispatcher) setCursor(cur DispatchCursor) {
	d.mu.Lock()
	d.cursor = &cur
	d.mu.Unlock()
}

func (d *Dispatcher) clearCursor() {
	d.mu.Lock()
	d.cursor = nil
	d.mu.Unlock()
}

// TryDispatch claims the sending flag and starts a drain on a new goroutine.
// Callers that find a drain already in flight are a no-op. Returns whether
// this call claimed the flag.
func (d *Dispatcher) TryDispatch() bool {
	if !d.sending.CompareAndSwap(false, true) {
		return false
	}
	go d.drain()
	return true
}

// DispatchBlocking runs a drain on the caller's goroutine. Used by tests and
// by callers that need completion semantics.
func (d *Dispatcher) DispatchBlocking() bool {
	if !d.sending.CompareAndSwap(false, true) {
		return false
	}
	d.drain()
	return true
}

// drain processes the pool until it is empty or a send failure halts the
// batch. The sending flag is always cleared before returning.
func (d *Dispatcher) drain() {
	batchID := uuid.NewString()[:8]
	logger := log.Print("dispatch").WithField("batch", batchID)
	sent := 0

	for {
		groups, generation := d.cache.Ordered()
		if len(groups) == 0 {
			logger.Warn("No target groups to send to, drain aborted")
			d.sending.Store(false)
			return
		}

		msg := d.pool.DequeueFront()
		if msg == nil {
			break
		}

		cfg := d.cfg()
		method := cfg.DefaultSendMethod

		start := 0
		if cur := d.Cursor(); cur != nil && cur.MessageID == msg.ID && cur.Chat == msg.Chat {
			if cur.Generation == generation && cur.GroupIndex < len(groups) {
				start = cur.GroupIndex
				// Resume keeps an intra-batch downgrade, never upgrades.
				if cur.Method != "" {
					method = cur.Method
				}
			} else {
				logger.WithField("message", msg.ID).
					Warn("Group ordering changed since failure, restarting fan-out from the first group")
			}
		}

		var image, thumbnail []byte
		if method == config.SendMethodImage {
			derived, thumb, err := d.deriver.Derive(context.Background(), msg.Text)
			if err != nil {
				logger.WithError(err).Error("Could not prepare image from message link")
				logger.Warn("Switching send method to forward for this batch")
				method = config.SendMethodForward
				d.sleep(5 * time.Second)
			} else {
				image, thumbnail = derived, thumb
			}
		}

		logger.WithField("message", msg.ID).
			Infof("Sending message to %d groups", len(groups)-start)

		for i := start; i < len(groups); i++ {
			group := groups[i]
			// Pick up membership and name patches applied since the batch
			// snapshot; the ordering itself stays fixed for the cursor.
			if rec, ok := d.cache.Lookup(group.JID); ok {
				group = rec
			}
			content := d.rewrite(msg.Text, group.Name)

			if err := d.sendOne(method, group, msg, content, image, thumbnail); err != nil {
				if errors.Is(err, ErrSendTimeout) {
					logger.WithField("message", msg.ID).WithField("group", group.Name).
						Error("Send failed: timed out")
				} else {
					logger.WithField("message", msg.ID).WithField("group", group.Name).
						WithError(err).Error("Send failed")
				}
				if d.pool.RequeueFront(msg) {
					logger.WithField("message", msg.ID).Info("Message returned to the front of the queue")
				}
				d.setCursor(DispatchCursor{
					MessageID:  msg.ID,
					Chat:       msg.Chat,
					GroupIndex: i,
					Generation: generation,
					Method:     method,
				})
				d.sending.Store(false)
				return
			}

			logger.WithField("group", group.Name).
				Infof("%s sent, %d groups remaining", methodLabel(method), len(groups)-i-1)

			if i < len(groups)-1 {
				d.sleep(interGroupDelay(cfg.DelayBetweenGroups))
			}
		}

		d.clearCursor()

		readCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.sender.MarkRead(readCtx, msg); err != nil {
			logger.WithField("message", msg.ID).WithError(err).Warn("Could not mark message as read")
		}
		cancel()

		sent++
		d.session.IncMessagesSent()

		if remaining := d.pool.Len(); remaining > 0 {
			delay := interMessageDelay(cfg.DelayBetweenMessages)
			logger.Infof("%d messages remaining, pausing %.1fs before the next one", remaining, delay.Seconds())
			d.sleep(delay)
		}
	}

	d.sending.Store(false)

	// A drain that woke to an already-empty pool has nothing to report.
	if sent == 0 {
		return
	}

	summary := fmt.Sprintf("✅ Broadcast batch finished!\n%s sent.", countLabel(sent, "message"))
	logger.Info(summary)
	d.reportToAuthorized(summary)
}

// sendOne performs a single group send via the current method, racing it
// against the hard send timeout. A send that outlives the timer counts as a
// timeout failure even if the underlying call ignores its context.
func (d *Dispatcher) sendOne(method config.SendMethod, group *GroupRecord, msg *PendingMessage,
	content string, image, thumbnail []byte) error {
	if !d.sender.IsConnected() {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return ErrSendTimeout
		}
	}

	done := make(chan error, 1)
	go func() {
		switch method {
		case config.SendMethodForward:
			done <- d.sender.SendForward(ctx, group.JID, msg)
		case config.SendMethodImage:
			done <- d.sender.SendImage(ctx, group.JID, image, thumbnail, content)
		default:
			done <- d.sender.SendText(ctx, group.JID, content)
		}
	}()

	select {
	case err := <-done:
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrSendTimeout
		}
		return err
	case <-ctx.Done():
		return ErrSendTimeout
	}
}

// reportToAuthorized delivers the batch summary to every authorized sender,
// pacing between recipients. Failures are logged, never fatal.
func (d *Dispatcher) reportToAuthorized(text string) {
	cfg := d.cfg()
	for i, number := range cfg.AuthorizedNumbers {
		to := userJID(number)
		if to.IsEmpty() {
			continue
		}
		if i > 0 {
			d.sleep(interGroupDelay(cfg.DelayBetweenGroups))
		}
		ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
		if err := d.sender.SendReport(ctx, to, text, nil); err != nil {
			log.Print("dispatch").WithField("recipient", number).WithError(err).
				Error("Could not deliver batch summary")
		}
		cancel()
	}
}

func methodLabel(method config.SendMethod) string {
	switch method {
	case config.SendMethodForward:
		return "Message forwarded"
	case config.SendMethodImage:
		return "Image"
	default:
		return "Message"
	}
}

func countLabel(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

// interGroupDelay is the configured inter-group pause with up to one second
// of jitter either way, floored at zero.
func interGroupDelay(seconds float64) time.Duration {
	jittered := seconds + (mathrand.Float64()*2 - 1)
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered * float64(time.Second))
}

// interMessageDelay scales the jitter window with the configured delay:
// short delays get a fixed small window, longer ones get ±20%.
func interMessageDelay(seconds float64) time.Duration {
	var jittered float64
	if seconds <= 10 {
		jittered = seconds + (mathrand.Float64()*3 - 1)
	} else {
		spread := seconds * 0.2
		jittered = seconds + (mathrand.Float64()*spread*2 - spread)
	}
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered * float64(time.Second))
}
