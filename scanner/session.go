package scanner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the tick period of a Session.
const DefaultInterval = 30 * time.Second

var (
	// ErrAlreadyStarted is returned by a second Start on the same Session.
	ErrAlreadyStarted = errors.New("scanner: session already started")
	// ErrStopped is returned by Start once Stop has been called.
	ErrStopped = errors.New("scanner: session stopped")
)

// TickResult reports what one pass changed.
type TickResult struct {
	Expired  int
	Unfrozen bool
}

// Session periodically checks one expert's deadlines and freeze window while
// that expert is connected.
type Session struct {
	expertID  string
	expirer   Expirer
	unfreezer Unfreezer
	interval  time.Duration
	logger    *slog.Logger
	metrics   *Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	stopped bool
}

// SessionOption customises a Session.
type SessionOption func(*Session)

func WithInterval(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

func NewSession(expertID string, expirer Expirer, unfreezer Unfreezer, opts ...SessionOption) *Session {
	s := &Session{
		expertID:  expertID,
		expirer:   expirer,
		unfreezer: unfreezer,
		interval:  DefaultInterval,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) ExpertID() string { return s.expertID }

// Start runs one pass synchronously, then keeps ticking on its own goroutine
// until ctx is cancelled or Stop is called. The first pass's error is
// returned for information only; the loop starts regardless. A Session that
// was stopped before it started never runs.
func (s *Session) Start(ctx context.Context) (TickResult, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return TickResult{}, ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return TickResult{}, ErrAlreadyStarted
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	res, err := s.Tick(runCtx)
	go s.loop(runCtx)
	return res, err
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick lifts an elapsed freeze, then expires the expert's overdue proposals.
// Errors are logged; the next tick tries again.
func (s *Session) Tick(ctx context.Context) (TickResult, error) {
	var (
		res  TickResult
		errs []error
	)
	if _, lifted, err := s.unfreezer.UnfreezeIfElapsed(ctx, s.expertID); err != nil {
		errs = append(errs, err)
	} else {
		res.Unfrozen = lifted
	}

	expired, err := s.expirer.ScanExpert(ctx, s.expertID)
	res.Expired = expired
	if err != nil {
		errs = append(errs, err)
	}

	joined := errors.Join(errs...)
	unfrozen := 0
	if res.Unfrozen {
		unfrozen = 1
	}
	s.metrics.observe(SourceSession, res.Expired, unfrozen, joined)
	if joined != nil && ctx.Err() == nil {
		s.logger.Warn("scanner tick failed", "expert_id", s.expertID, "error", joined)
	} else if res.Expired > 0 || res.Unfrozen {
		s.logger.Info("scanner tick", "expert_id", s.expertID, "expired", res.Expired, "unfrozen", res.Unfrozen)
	}
	return res, joined
}

// Stop cancels the loop and waits for it to exit. It is safe to call more
// than once, and on a Session that never started; such a Session can no
// longer be started.
func (s *Session) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
