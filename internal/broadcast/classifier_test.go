package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/types"

	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/config"
	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/stats"
)

type fakeReporter struct {
	days     int
	detailed bool
	calls    int
}

func (f *fakeReporter) Report(days int, detailed bool) string {
	f.calls++
	f.days = days
	f.detailed = detailed
	return "report"
}

type classifierFixture struct {
	pool       *Pool
	sender     *fakeSender
	reporter   *fakeReporter
	classifier *Classifier
}

func newClassifierFixture(t *testing.T, cfg config.Config) *classifierFixture {
	t.Helper()
	f := &classifierFixture{
		pool:     NewPool(),
		sender:   &fakeSender{},
		reporter: &fakeReporter{},
	}
	cache := NewGroupCache(func() []string { return cfg.GroupNameKeywords })
	session := stats.NewSession()
	dispatcher := NewDispatcher(f.pool, cache, f.sender, &fakeDeriver{},
		func() config.Config { return cfg }, session, nil,
		withSleep(func(time.Duration) {}))
	f.classifier = NewClassifier(f.pool, dispatcher, f.sender,
		func() config.Config { return cfg }, session, f.reporter)
	return f
}

func authorizedConfig() config.Config {
	cfg := config.Default()
	cfg.AuthorizedNumbers = []string{"5511999990000"}
	cfg.GroupStatistics = true
	return cfg
}

func inbound(id, text string) *PendingMessage {
	sender := types.NewJID("5511999990000", types.DefaultUserServer)
	return &PendingMessage{
		ID:        id,
		Chat:      sender,
		Sender:    sender,
		Text:      text,
		Timestamp: time.Now(),
	}
}

func TestClassifierStatusCommand(t *testing.T) {
	f := newClassifierFixture(t, authorizedConfig())

	for _, cmd := range []string{"status", "STATUS", "?"} {
		f.sender.reports = nil
		f.classifier.HandleInbound(context.Background(), inbound("m1", cmd), false)
		require.Len(t, f.sender.reports, 1, "command %q", cmd)
		assert.Contains(t, f.sender.reports[0], "Online")
	}
	assert.Equal(t, 0, f.pool.Len())
}

func TestClassifierStatsCommand(t *testing.T) {
	f := newClassifierFixture(t, authorizedConfig())

	f.classifier.HandleInbound(context.Background(), inbound("m1", "stats"), false)
	assert.Equal(t, 1, f.reporter.calls)
	assert.Equal(t, 0, f.reporter.days)
	assert.False(t, f.reporter.detailed)

	f.classifier.HandleInbound(context.Background(), inbound("m2", "+stats 7"), false)
	assert.Equal(t, 2, f.reporter.calls)
	assert.Equal(t, 7, f.reporter.days)
	assert.True(t, f.reporter.detailed)

	// Out-of-range day counts do not parse as the stats command.
	f.classifier.HandleInbound(context.Background(), inbound("m3", "stats 31"), false)
	assert.Equal(t, 2, f.reporter.calls)
}

func TestClassifierStatsDisabled(t *testing.T) {
	cfg := authorizedConfig()
	cfg.GroupStatistics = false
	f := newClassifierFixture(t, cfg)

	f.classifier.HandleInbound(context.Background(), inbound("m1", "stats"), false)
	assert.Equal(t, 0, f.reporter.calls)
	assert.Empty(t, f.sender.reports)
}

func TestClassifierQueuesBroadcastCandidate(t *testing.T) {
	f := newClassifierFixture(t, authorizedConfig())

	msg := inbound("m1", "Nova vaga aberta! Confira em https://example.com/vaga")
	f.classifier.HandleInbound(context.Background(), msg, false)

	// The dispatcher fires on its own goroutine; with no cached groups the
	// message stays queued.
	require.Eventually(t, func() bool {
		return !f.classifier.dispatcher.IsSending()
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.pool.Len())
}

func TestClassifierIgnoresShortOrLinklessMessages(t *testing.T) {
	f := newClassifierFixture(t, authorizedConfig())

	f.classifier.HandleInbound(context.Background(), inbound("m1", "https://x.co"), false)
	f.classifier.HandleInbound(context.Background(), inbound("m2",
		"a long message without any link inside it at all"), false)

	assert.Equal(t, 0, f.pool.Len())
	assert.Empty(t, f.sender.reports)
}

func TestClassifierIgnoresUnauthorizedSender(t *testing.T) {
	f := newClassifierFixture(t, authorizedConfig())

	msg := inbound("m1", "status")
	msg.Sender = types.NewJID("5511777770000", types.DefaultUserServer)
	f.classifier.HandleInbound(context.Background(), msg, false)

	assert.Empty(t, f.sender.reports)
	// Even ignored messages are acknowledged.
	assert.Equal(t, []types.MessageID{"m1"}, f.sender.marked)
}

func TestClassifierIgnoresOwnMessages(t *testing.T) {
	f := newClassifierFixture(t, authorizedConfig())

	f.classifier.HandleInbound(context.Background(),
		inbound("m1", "Nova vaga aberta! Confira em https://example.com/vaga"), true)

	assert.Equal(t, 0, f.pool.Len())
	assert.Empty(t, f.sender.reports)
}

func TestClassifierDuplicateDeliveryQueuedOnce(t *testing.T) {
	f := newClassifierFixture(t, authorizedConfig())
	text := "Nova vaga aberta! Confira em https://example.com/vaga"

	f.classifier.HandleInbound(context.Background(), inbound("m1", text), false)
	f.classifier.HandleInbound(context.Background(), inbound("m1", text), false)

	require.Eventually(t, func() bool {
		return !f.classifier.dispatcher.IsSending()
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.pool.Len())
}

func TestUserJIDNormalization(t *testing.T) {
	assert.Equal(t, "5511999990000", userJID("+5511999990000").User)
	assert.Equal(t, "5511999990000", userJID("5511999990000@s.whatsapp.net").User)
	assert.Equal(t, "5511999990000", userJID(" 5511999990000@s.whatsapp.net").User)
	assert.True(t, userJID("").IsEmpty())
}
