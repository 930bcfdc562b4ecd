package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/broadcast"
	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/config"
	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/stats"
	"github.com/vlsampaio/whatsapp-broadcast-bot/pkg/log"
	"github.com/vlsampaio/whatsapp-broadcast-bot/pkg/whatsapp"
)

const (
	retryDelay        = 5 * time.Second
	dnsCooldown       = 60 * time.Second
	errorBudgetWindow = 30 * time.Second
	errorBudgetLimit  = 5
	groupFetchTimeout = 60 * time.Second
	credResetTimeout  = 30 * time.Second
	qrPairingTimeout  = 5 * time.Minute
)

// Session is the slice of the messaging session the supervisor drives:
// connection lifecycle, credential management and the event feed.
type Session interface {
	HasCredentials() bool
	Connect(ctx context.Context) error
	Disconnect()
	Reset(ctx context.Context) error
	Events() <-chan whatsapp.Event
	JoinedGroups(ctx context.Context) ([]*types.GroupInfo, error)
	OwnNumber() string
}

// Supervisor owns the connection lifecycle: pairing, reconnection with a
// bounded retry budget, and fan-in of all client events into the broadcast
// and statistics machinery. Events are handled one at a time so cache and
// stats mutations keep the order the protocol delivered them in.
type Supervisor struct {
	session    Session
	manager    *config.Manager
	cache      *broadcast.GroupCache
	pool       *broadcast.Pool
	dispatcher *broadcast.Dispatcher
	classifier *broadcast.Classifier
	store      *stats.Store
	metrics    *stats.Session

	attemptsLeft int
	errorTimes   []time.Time
}

func New(session Session, manager *config.Manager, cache *broadcast.GroupCache,
	pool *broadcast.Pool, dispatcher *broadcast.Dispatcher, classifier *broadcast.Classifier,
	store *stats.Store, metrics *stats.Session) *Supervisor {
	return &Supervisor{
		session:      session,
		manager:      manager,
		cache:        cache,
		pool:         pool,
		dispatcher:   dispatcher,
		classifier:   classifier,
		store:        store,
		metrics:      metrics,
		attemptsLeft: manager.Snapshot().MaxReconnectionAttempts,
	}
}

// Run connects and then processes events until ctx is cancelled or the
// reconnection budget is exhausted.
func (s *Supervisor) Run(ctx context.Context) error {
	logger := log.Print("supervisor")

	for {
		if err := s.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !s.handleFailure(ctx, err.Error()) {
				return fmt.Errorf("reconnection attempts exhausted: %w", err)
			}
			continue
		}

		if err := s.eventLoop(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			logger.Info("Shutting down, disconnecting client")
			s.session.Disconnect()
			return ctx.Err()
		}
	}
}

func (s *Supervisor) connect(ctx context.Context) error {
	if s.session.HasCredentials() {
		return s.session.Connect(ctx)
	}
	pairCtx, cancel := context.WithTimeout(ctx, qrPairingTimeout)
	defer cancel()
	return s.session.Connect(pairCtx)
}

// eventLoop drains session events until the connection drops. A nil return
// with ctx still alive means the caller should reconnect.
func (s *Supervisor) eventLoop(ctx context.Context) error {
	logger := log.Print("supervisor")

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-s.session.Events():
			switch evt.Kind {
			case whatsapp.EventConnected:
				s.onConnected(ctx)
			case whatsapp.EventMessage:
				s.onMessage(ctx, evt.Message)
			case whatsapp.EventGroupInfo:
				s.onGroupInfo(evt.GroupInfo)
			case whatsapp.EventJoinedGroup:
				s.onJoinedGroup(evt.JoinedGroup)
			case whatsapp.EventStreamReplaced:
				logger.Error("Session taken over by another client, stopping")
				s.session.Disconnect()
				return fmt.Errorf("whatsapp stream replaced by another client")
			case whatsapp.EventLoggedOut:
				logger.Warn("Device unlinked from phone (" + evt.Reason + "), credentials will be reset")
				if err := s.resetCredentials(ctx); err != nil {
					return fmt.Errorf("reset credentials after logout: %w", err)
				}
				return nil
			case whatsapp.EventDisconnected:
				logger.Warn("Connection lost")
				if !s.handleFailure(ctx, "connection lost") {
					return fmt.Errorf("reconnection attempts exhausted after disconnect")
				}
				return nil
			case whatsapp.EventConnectFailure:
				logger.WithField("reason", evt.Reason).Error("Connection failure reported by server")
				if !s.handleFailure(ctx, evt.Reason) {
					return fmt.Errorf("reconnection attempts exhausted: %s", evt.Reason)
				}
				return nil
			}
		}
	}
}

func (s *Supervisor) resetCredentials(ctx context.Context) error {
	resetCtx, cancel := context.WithTimeout(ctx, credResetTimeout)
	defer cancel()
	return s.session.Reset(resetCtx)
}

// handleFailure applies the retry policy and sleeps accordingly. DNS
// resolution failures are treated as a network outage: wait longer but do
// not burn a retry attempt. Returns false when the budget is exhausted.
func (s *Supervisor) handleFailure(ctx context.Context, reason string) bool {
	logger := log.Print("supervisor")

	if s.errorBudgetExceeded() {
		logger.Warn("Too many connection errors in a short window, cooling down")
		if !sleepCtx(ctx, dnsCooldown) {
			return true
		}
	}

	if isDNSFailure(reason) {
		logger.Warn("Network appears to be down, waiting before retrying")
		return sleepCtx(ctx, dnsCooldown) || ctx.Err() != nil
	}

	s.attemptsLeft--
	if s.attemptsLeft <= 0 {
		return false
	}
	logger.Warn(fmt.Sprintf("Reconnecting in %s (%d attempts left)", retryDelay, s.attemptsLeft))
	sleepCtx(ctx, retryDelay)
	return true
}

func (s *Supervisor) errorBudgetExceeded() bool {
	now := time.Now()
	kept := s.errorTimes[:0]
	for _, t := range s.errorTimes {
		if now.Sub(t) < errorBudgetWindow {
			kept = append(kept, t)
		}
	}
	s.errorTimes = append(kept, now)
	return len(s.errorTimes) > errorBudgetLimit
}

func isDNSFailure(reason string) bool {
	return strings.Contains(reason, "no such host") ||
		strings.Contains(reason, "server misbehaving") ||
		strings.Contains(reason, "i/o timeout")
}

// onConnected refreshes everything derived from the live session: the group
// cache, session counters, persisted statistics roster, and the config
// write-backs for values discovered at runtime. Finishes by resuming any
// broadcast that was interrupted by the disconnect.
func (s *Supervisor) onConnected(ctx context.Context) {
	logger := log.Print("supervisor")
	logger.Info("Connected to WhatsApp")
	s.attemptsLeft = s.manager.Snapshot().MaxReconnectionAttempts

	fetchCtx, cancel := context.WithTimeout(ctx, groupFetchTimeout)
	groups, err := s.session.JoinedGroups(fetchCtx)
	cancel()
	if err != nil {
		logger.WithError(err).Error("Could not fetch joined groups")
		return
	}

	if s.cache.Rebuild(groups) {
		logger.Info(fmt.Sprintf("Group cache rebuilt: %d target groups", s.cache.Len()))
	}
	s.metrics.SetTotalGroups(s.cache.Len())

	if s.manager.Snapshot().GroupStatistics && s.store != nil {
		s.reconcileStats()
	}

	if number := s.session.OwnNumber(); number != "" {
		if changed, err := s.manager.SetOwnNumber(number); err != nil {
			logger.WithError(err).Warn("Could not persist own number")
		} else if changed {
			logger.Info("Own number stored in configuration")
		}
	}

	if s.pool.Len() > 0 {
		logger.Info(fmt.Sprintf("%d queued messages, resuming broadcast", s.pool.Len()))
		s.dispatcher.TryDispatch()
	}
}

func (s *Supervisor) reconcileStats() {
	records, _ := s.cache.Ordered()
	roster := make([]stats.RosterEntry, 0, len(records))
	for _, rec := range records {
		roster = append(roster, stats.RosterEntry{
			ID:   rec.JID.String(),
			Name: rec.Name,
			Size: rec.Size,
		})
	}
	if err := s.store.StartupReconcile(roster); err != nil {
		log.Print("supervisor").WithError(err).Warn("Could not reconcile statistics roster")
	}
}

func (s *Supervisor) onMessage(ctx context.Context, e *events.Message) {
	if e == nil || e.Info.Chat.Server == types.GroupServer {
		return
	}
	text := messageText(e)
	if text == "" {
		return
	}
	s.classifier.HandleInbound(ctx, &broadcast.PendingMessage{
		ID:         e.Info.ID,
		Chat:       e.Info.Chat,
		Sender:     e.Info.Sender,
		Text:       text,
		Raw:        e.Message,
		Timestamp:  e.Info.Timestamp,
		EnqueuedAt: time.Now(),
	}, e.Info.IsFromMe)
}

func messageText(e *events.Message) string {
	msg := e.Message
	if msg == nil {
		return ""
	}
	switch {
	case msg.GetConversation() != "":
		return msg.GetConversation()
	case msg.ExtendedTextMessage != nil:
		return msg.ExtendedTextMessage.GetText()
	case msg.ImageMessage != nil:
		return msg.ImageMessage.GetCaption()
	default:
		return ""
	}
}

// onGroupInfo patches the cache in place and, when enabled, feeds joins and
// leaves into the persisted statistics.
func (s *Supervisor) onGroupInfo(e *events.GroupInfo) {
	if e == nil {
		return
	}

	if e.Name != nil {
		name := e.Name.Name
		s.cache.ApplyGroupUpdate(broadcast.GroupUpdate{Group: e.JID, Name: &name})
	}

	changes := []struct {
		action  broadcast.ParticipantAction
		members []types.JID
	}{
		{broadcast.ParticipantAdd, e.Join},
		{broadcast.ParticipantRemove, e.Leave},
		{broadcast.ParticipantPromote, e.Promote},
		{broadcast.ParticipantDemote, e.Demote},
	}
	for _, change := range changes {
		if len(change.members) == 0 {
			continue
		}
		s.cache.ApplyParticipantChange(broadcast.ParticipantChange{
			Group:        e.JID,
			Action:       change.action,
			Participants: change.members,
		})
	}

	if s.store == nil || !s.manager.Snapshot().GroupStatistics {
		return
	}
	rec, ok := s.cache.Lookup(e.JID)
	if !ok {
		return
	}
	for _, member := range e.Join {
		s.store.RecordJoin(e.JID.String(), member.String(), rec.Name, rec.Size)
	}
	for _, member := range e.Leave {
		s.store.RecordLeave(e.JID.String(), member.String(), rec.Name, rec.Size)
	}
}

func (s *Supervisor) onJoinedGroup(e *events.JoinedGroup) {
	if e == nil {
		return
	}
	rec := broadcast.RecordFromGroupInfo(&e.GroupInfo)
	if s.cache.ApplyGroupUpsert(rec) {
		log.Print("supervisor").Info("Joined target group: " + rec.Name)
		s.metrics.SetTotalGroups(s.cache.Len())
	}
}

// sleepCtx waits for d unless ctx is cancelled first. Returns true when the
// full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
