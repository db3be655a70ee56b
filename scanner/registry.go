package scanner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Registry owns the live Session of each connected expert.
type Registry struct {
	expirer   Expirer
	unfreezer Unfreezer
	opts      []SessionOption
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(expirer Expirer, unfreezer Unfreezer, logger *slog.Logger, opts ...SessionOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		expirer:   expirer,
		unfreezer: unfreezer,
		opts:      append([]SessionOption{WithLogger(logger)}, opts...),
		logger:    logger,
		sessions:  make(map[string]*Session),
	}
}

// Open starts a session for expertID unless one is already running. The
// session outlives the request that opened it, so it is detached from ctx's
// cancellation; Close or CloseAll ends it.
func (r *Registry) Open(ctx context.Context, expertID string) (TickResult, bool, error) {
	r.mu.Lock()
	if _, ok := r.sessions[expertID]; ok {
		r.mu.Unlock()
		return TickResult{}, false, nil
	}
	sess := NewSession(expertID, r.expirer, r.unfreezer, r.opts...)
	r.sessions[expertID] = sess
	r.mu.Unlock()

	res, err := sess.Start(context.WithoutCancel(ctx))
	if errors.Is(err, ErrStopped) {
		// Closed before it got going.
		return TickResult{}, false, nil
	}
	r.logger.Info("scanner session opened", "expert_id", expertID)
	return res, true, err
}

// Close stops the session of expertID. It reports whether one was running.
func (r *Registry) Close(expertID string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[expertID]
	delete(r.sessions, expertID)
	r.mu.Unlock()
	if !ok {
		return false
	}
	sess.Stop()
	r.logger.Info("scanner session closed", "expert_id", expertID)
	return true
}

// CloseAll stops every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop()
		}(sess)
	}
	wg.Wait()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
