package utils

import (
	"context"
	"time"
)

// Session ties a cancellable context to the moment it began.
type Session struct {
	context   context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

func NewSession(ctx context.Context, now time.Time) Session {
	ctx, cancel := context.WithCancel(ctx)
	return Session{
		context:   ctx,
		cancel:    cancel,
		startTime: now,
	}
}

func (s *Session) Started() time.Time {
	return s.startTime
}

// Uptime is how long the session has been running as of now.
func (s *Session) Uptime(now time.Time) time.Duration {
	return now.Sub(s.startTime)
}

func (s *Session) Ctx() context.Context {
	return s.context
}

func (s *Session) IsDone() bool {
	return s.context.Err() != nil
}

func (s *Session) Cancel() {
	s.cancel()
}
