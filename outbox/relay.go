package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Handler delivers one message. Returning an error reschedules it; wrap the
// error with backoff.Permanent to dead-letter it straight away.
type Handler func(ctx context.Context, msg Message) error

// Config tunes polling and retry behaviour.
type Config struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Jitter         float64
}

func DefaultConfig() Config {
	return Config{
		PollInterval:   2 * time.Second,
		BatchSize:      20,
		MaxAttempts:    8,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     10 * time.Minute,
		Jitter:         0.2,
	}
}

// Result counts what one batch did.
type Result struct {
	Claimed   int
	Delivered int
	Retried   int
	Dead      int
}

// Relay claims due messages, runs the handler for their topic and records the
// outcome, all inside one transaction per batch.
type Relay struct {
	pool     TxBeginner
	queue    Queue
	cfg      Config
	handlers map[string]Handler
	now      func() time.Time
	logger   *slog.Logger
	metrics  *Metrics
}

func NewRelay(pool TxBeginner, queue Queue, cfg Config) *Relay {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Relay{
		pool:     pool,
		queue:    queue,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default(),
	}
}

func (r *Relay) WithClock(now func() time.Time) *Relay {
	r.now = now
	return r
}

func (r *Relay) WithLogger(logger *slog.Logger) *Relay {
	r.logger = logger
	return r
}

func (r *Relay) WithMetrics(m *Metrics) *Relay {
	r.metrics = m
	return r
}

// Handle registers h for topic. Call before Run.
func (r *Relay) Handle(topic string, h Handler) {
	r.handlers[topic] = h
}

// Run processes batches every PollInterval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started", "interval", r.cfg.PollInterval, "batch_size", r.cfg.BatchSize)
	for {
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("outbox batch failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain processes batches until one comes back short.
func (r *Relay) Drain(ctx context.Context) (Result, error) {
	var total Result
	for {
		res, err := r.ProcessBatch(ctx)
		total.Claimed += res.Claimed
		total.Delivered += res.Delivered
		total.Retried += res.Retried
		total.Dead += res.Dead
		if err != nil {
			return total, err
		}
		if res.Claimed < r.cfg.BatchSize {
			return total, nil
		}
	}
}

// ProcessBatch claims and handles one batch.
func (r *Relay) ProcessBatch(ctx context.Context) (Result, error) {
	var res Result

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := r.now()
	msgs, err := r.queue.Claim(ctx, tx, now, r.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	res.Claimed = len(msgs)

	for _, msg := range msgs {
		attempts := msg.Attempts + 1
		herr := r.deliver(ctx, msg)
		switch {
		case herr == nil:
			if err := r.queue.MarkProcessed(ctx, tx, msg.ID, now); err != nil {
				return Result{}, err
			}
			res.Delivered++
			r.metrics.incDelivered()
		case isPermanent(herr) || attempts >= r.cfg.MaxAttempts:
			if err := r.queue.MarkDead(ctx, tx, msg.ID, attempts, herr.Error(), now); err != nil {
				return Result{}, err
			}
			res.Dead++
			r.metrics.incDead()
			r.logger.Error("outbox message dead-lettered",
				"message_id", msg.ID, "topic", msg.Topic, "attempts", attempts, "error", herr)
		default:
			next := now.Add(r.RetryDelay(attempts))
			if err := r.queue.MarkRetry(ctx, tx, msg.ID, attempts, next, herr.Error(), now); err != nil {
				return Result{}, err
			}
			res.Retried++
			r.metrics.incRetried()
			r.logger.Warn("outbox delivery failed, rescheduled",
				"message_id", msg.ID, "topic", msg.Topic, "attempts", attempts, "next_attempt_at", next, "error", herr)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("outbox: commit batch: %w", err)
	}
	return res, nil
}

func (r *Relay) deliver(ctx context.Context, msg Message) error {
	h, ok := r.handlers[msg.Topic]
	if !ok {
		return backoff.Permanent(fmt.Errorf("outbox: no handler for topic %q", msg.Topic))
	}
	return h(ctx, msg)
}

// RetryDelay is the wait before the given attempt number is retried.
func (r *Relay) RetryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff
	b.RandomizationFactor = r.cfg.Jitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.InitialInterval
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}
