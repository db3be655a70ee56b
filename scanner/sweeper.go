package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

const (
	DefaultSweepSpec  = "@every 1m"
	DefaultBatchSize  = 100
	DefaultMaxBatches = 50
)

// SweepResult totals one sweeper pass.
type SweepResult struct {
	Expired  int
	Unfrozen int
}

// Sweeper expires overdue proposals and lifts elapsed freezes for every
// expert on a cron schedule.
type Sweeper struct {
	expirer    Expirer
	unfreezer  Unfreezer
	spec       string
	batchSize  int
	maxBatches int
	logger     *slog.Logger
	metrics    *Metrics

	cron *cron.Cron
	wg   sync.WaitGroup
}

// SweeperOption customises a Sweeper.
type SweeperOption func(*Sweeper)

// WithSchedule sets the cron spec, e.g. "@every 30s" or "*/5 * * * *".
func WithSchedule(spec string) SweeperOption {
	return func(s *Sweeper) {
		if spec != "" {
			s.spec = spec
		}
	}
}

func WithBatchSize(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithMaxBatches bounds how many batches a single pass may process.
func WithMaxBatches(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.maxBatches = n
		}
	}
}

func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSweeperMetrics(m *Metrics) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

func NewSweeper(expirer Expirer, unfreezer Unfreezer, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		expirer:    expirer,
		unfreezer:  unfreezer,
		spec:       DefaultSweepSpec,
		batchSize:  DefaultBatchSize,
		maxBatches: DefaultMaxBatches,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	cronLog := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	return s
}

// Start registers the job, starts the scheduler and runs one pass right away
// so a restart does not wait a full period.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("scanner: schedule %q: %w", s.spec, err)
	}
	s.cron.Start()
	s.logger.Info("sweeper started", "schedule", s.spec, "batch_size", s.batchSize)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.RunOnce(ctx)
	}()
	return nil
}

// Stop halts the schedule and waits for running passes to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

// Run starts the sweeper and blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return ctx.Err()
}

// RunOnce lifts elapsed freezes, then expires overdue proposals batch by
// batch until a batch comes back short or the batch bound is reached.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var (
		res  SweepResult
		errs []error
	)

	unfrozen, err := s.unfreezer.UnfreezeElapsed(ctx, s.batchSize*s.maxBatches)
	res.Unfrozen = unfrozen
	if err != nil {
		errs = append(errs, err)
	}

	for i := 0; i < s.maxBatches; i++ {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		n, err := s.expirer.SweepOverdue(ctx, s.batchSize)
		res.Expired += n
		if err != nil {
			errs = append(errs, err)
		}
		// Failed rows stay at the head of the overdue list. Keep going while a
		// batch makes progress; stop once a batch expires nothing.
		if n == 0 || (err == nil && n < s.batchSize) {
			break
		}
	}

	joined := errors.Join(errs...)
	s.metrics.observe(SourceSweeper, res.Expired, res.Unfrozen, joined)
	if joined != nil {
		s.logger.Warn("sweep pass failed", "expired", res.Expired, "unfrozen", res.Unfrozen, "error", joined)
	} else if res.Expired > 0 || res.Unfrozen > 0 {
		s.logger.Info("sweep pass", "expired", res.Expired, "unfrozen", res.Unfrozen)
	}
	return res, joined
}

// cronLogger routes robfig/cron's logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
