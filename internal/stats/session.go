package stats

import (
	"sync/atomic"
	"time"
)

// Session holds process-wide counters, reset on every run.
type Session struct {
	start        time.Time
	messagesSent atomic.Int64
	totalGroups  atomic.Int64
}

func NewSession() *Session {
	return &Session{start: time.Now()}
}

func (s *Session) StartTime() time.Time {
	return s.start
}

func (s *Session) Uptime() time.Duration {
	return time.Since(s.start)
}

func (s *Session) IncMessagesSent() {
	s.messagesSent.Add(1)
}

func (s *Session) MessagesSent() int {
	return int(s.messagesSent.Load())
}

func (s *Session) SetTotalGroups(n int) {
	s.totalGroups.Store(int64(n))
}

func (s *Session) TotalGroups() int {
	return int(s.totalGroups.Load())
}
