package supervisor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/types"

	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/broadcast"
	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/config"
	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/stats"
	"github.com/vlsampaio/whatsapp-broadcast-bot/pkg/whatsapp"
)

// fakeSession scripts the connection surface so the event loop can be
// driven without a live client.
type fakeSession struct {
	mu       sync.Mutex
	events   chan whatsapp.Event
	hasCreds bool
	number   string
	groups   []*types.GroupInfo

	connectErr  error
	connects    int
	disconnects int
	resets      int
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan whatsapp.Event, 8), hasCreds: true}
}

func (f *fakeSession) HasCredentials() bool { return f.hasCreds }

func (f *fakeSession) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeSession) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeSession) Reset(ctx context.Context) error {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Events() <-chan whatsapp.Event { return f.events }

func (f *fakeSession) JoinedGroups(ctx context.Context) ([]*types.GroupInfo, error) {
	return f.groups, nil
}

func (f *fakeSession) OwnNumber() string { return f.number }

// stubSender satisfies the dispatch surface; every send succeeds.
type stubSender struct {
	mu    sync.Mutex
	calls int
}

func (s *stubSender) record() error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return nil
}

func (s *stubSender) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubSender) IsConnected() bool { return true }

func (s *stubSender) SendText(ctx context.Context, to types.JID, text string) error {
	return s.record()
}

func (s *stubSender) SendForward(ctx context.Context, to types.JID, msg *broadcast.PendingMessage) error {
	return s.record()
}

func (s *stubSender) SendImage(ctx context.Context, to types.JID, image, thumbnail []byte, caption string) error {
	return s.record()
}

func (s *stubSender) SendReport(ctx context.Context, to types.JID, text string, quoted *broadcast.PendingMessage) error {
	return s.record()
}

func (s *stubSender) MarkRead(ctx context.Context, msg *broadcast.PendingMessage) error {
	return nil
}

type stubDeriver struct{}

func (stubDeriver) Derive(ctx context.Context, text string) ([]byte, []byte, error) {
	return nil, nil, nil
}

func targetGroup(user, name string, members ...string) *types.GroupInfo {
	info := &types.GroupInfo{JID: types.NewJID(user, types.GroupServer)}
	info.Name = name
	for _, member := range members {
		info.Participants = append(info.Participants, types.GroupParticipant{
			JID: types.NewJID(member, types.DefaultUserServer),
		})
	}
	return info
}

func TestIsDNSFailure(t *testing.T) {
	assert.True(t, isDNSFailure("dial tcp: lookup web.whatsapp.com: no such host"))
	assert.True(t, isDNSFailure("read udp 10.0.0.1:53: i/o timeout"))
	assert.False(t, isDNSFailure("websocket: close 1006 (abnormal closure)"))
	assert.False(t, isDNSFailure("connection lost"))
}

func TestErrorBudget(t *testing.T) {
	s := &Supervisor{}

	for i := 0; i < errorBudgetLimit; i++ {
		assert.False(t, s.errorBudgetExceeded(), "error %d should be within budget", i)
	}
	assert.True(t, s.errorBudgetExceeded())
}

func TestErrorBudgetWindowExpiry(t *testing.T) {
	s := &Supervisor{}
	old := time.Now().Add(-2 * errorBudgetWindow)
	for i := 0; i < errorBudgetLimit; i++ {
		s.errorTimes = append(s.errorTimes, old)
	}

	// Stale entries fall out of the window, so one fresh error is fine.
	assert.False(t, s.errorBudgetExceeded())
}

func TestEventLoopLoggedOutResetsCredentials(t *testing.T) {
	fake := newFakeSession()
	s := &Supervisor{session: fake}
	fake.events <- whatsapp.Event{Kind: whatsapp.EventLoggedOut, Reason: "device removed"}

	// A nil return hands control back to Run, which reconnects and re-pairs.
	require.NoError(t, s.eventLoop(context.Background()))
	assert.Equal(t, 1, fake.resets)
}

func TestEventLoopStreamReplacedStops(t *testing.T) {
	fake := newFakeSession()
	s := &Supervisor{session: fake}
	fake.events <- whatsapp.Event{Kind: whatsapp.EventStreamReplaced}

	err := s.eventLoop(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream replaced")
	assert.Equal(t, 1, fake.disconnects)
}

func TestEventLoopDisconnectExhaustsAttempts(t *testing.T) {
	fake := newFakeSession()
	s := &Supervisor{session: fake, attemptsLeft: 1}
	fake.events <- whatsapp.Event{Kind: whatsapp.EventDisconnected}

	err := s.eventLoop(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted")
}

func TestHandleFailureDecrementsAttempts(t *testing.T) {
	s := &Supervisor{attemptsLeft: 3}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.True(t, s.handleFailure(ctx, "connection lost"))
	assert.Equal(t, 2, s.attemptsLeft)
}

func TestHandleFailureDNSKeepsAttempts(t *testing.T) {
	s := &Supervisor{attemptsLeft: 3}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.True(t, s.handleFailure(ctx, "dial tcp: lookup web.whatsapp.com: no such host"))
	assert.Equal(t, 3, s.attemptsLeft)
}

func TestOnConnectedRebuildsAndResumes(t *testing.T) {
	manager, err := config.NewManager(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)

	fake := newFakeSession()
	fake.number = "5511999990000"
	fake.groups = []*types.GroupInfo{targetGroup("100", "a vagas", "m1", "m2")}

	pool := broadcast.NewPool()
	cache := broadcast.NewGroupCache(func() []string { return []string{"vagas"} })
	sender := &stubSender{}
	metrics := stats.NewSession()
	dispatcher := broadcast.NewDispatcher(pool, cache, sender, stubDeriver{},
		manager.Snapshot, metrics, nil)

	s := New(fake, manager, cache, pool, dispatcher, nil, nil, metrics)
	s.attemptsLeft = 1

	require.True(t, pool.EnqueueIfAbsent(&broadcast.PendingMessage{
		ID:   "msg-1",
		Chat: types.NewJID("5511888880000", types.DefaultUserServer),
		Text: "hello",
	}))

	s.onConnected(context.Background())

	assert.Equal(t, manager.Snapshot().MaxReconnectionAttempts, s.attemptsLeft)
	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, 1, metrics.TotalGroups())
	assert.Equal(t, "5511999990000", manager.Snapshot().OwnNumber)

	// The queued message resumes on its own goroutine.
	require.Eventually(t, func() bool {
		return pool.Len() == 0 && !dispatcher.IsSending()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, sender.sent())
}

func TestSleepCtx(t *testing.T) {
	start := time.Now()
	assert.True(t, sleepCtx(context.Background(), 10*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleepCtx(cancelled, time.Minute))
}
