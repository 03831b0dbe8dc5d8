package verify

import (
	"context"
	"sync"
)

// Runner schedules asynchronous verification work and tracks how much of it
// is outstanding per session. Escalation to a controlled or irreversible
// tier drains the submitting session before execution may start.
type Runner struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
}

type sessionState struct {
	outstanding int
	// zero is closed when outstanding drops back to zero; recreated on the
	// next Schedule.
	zero chan struct{}
}

// NewRunner returns an empty runner.
func NewRunner() *Runner {
	return &Runner{sessions: make(map[string]*sessionState)}
}

// Schedule runs fn on its own goroutine and counts it against the session
// until it returns.
func (r *Runner) Schedule(sessionID string, fn func()) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		s = &sessionState{}
		r.sessions[sessionID] = s
	}
	if s.outstanding == 0 {
		s.zero = make(chan struct{})
	}
	s.outstanding++
	r.mu.Unlock()

	go func() {
		defer r.complete(sessionID)
		fn()
	}()
}

func (r *Runner) complete(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[sessionID]
	if s == nil {
		return
	}
	s.outstanding--
	if s.outstanding == 0 {
		close(s.zero)
	}
}

// Outstanding reports how many scheduled verifications have not finished.
func (r *Runner) Outstanding(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[sessionID]
	if s == nil {
		return 0
	}
	return s.outstanding
}

// Drain blocks until every verification scheduled for the session has
// completed, or the context is cancelled.
func (r *Runner) Drain(ctx context.Context, sessionID string) error {
	for {
		r.mu.Lock()
		s := r.sessions[sessionID]
		if s == nil || s.outstanding == 0 {
			r.mu.Unlock()
			return nil
		}
		zero := s.zero
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-zero:
			// Re-check: another Schedule may have raced in.
		}
	}
}
