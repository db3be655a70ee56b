package outbox_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expertflow/clock"
	"expertflow/memstore"
	"expertflow/outbox"
)

const topic = "test.topic"

func newRelay(t *testing.T, store *memstore.Store, clk *clock.Manual, cfg outbox.Config) *outbox.Relay {
	t.Helper()
	return outbox.NewRelay(store, store.Outbox(), cfg).
		WithClock(clk.Now).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func enqueue(t *testing.T, store *memstore.Store, at time.Time, payload string) string {
	t.Helper()
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	id, err := store.Outbox().Enqueue(ctx, tx, topic, []byte(payload), at)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	return id
}

func TestRelay_DeliversAndMarksProcessed(t *testing.T) {
	store := memstore.New()
	clk := clock.NewManual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	relay := newRelay(t, store, clk, outbox.Config{BatchSize: 2})

	var seen []string
	relay.Handle(topic, func(_ context.Context, msg outbox.Message) error {
		seen = append(seen, string(msg.Payload))
		return nil
	})
	for _, p := range []string{"a", "b", "c"} {
		enqueue(t, store, clk.Now(), p)
	}

	res, err := relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Delivered)
	assert.Equal(t, []string{"a", "b", "c"}, seen)

	for _, m := range store.OutboxMessages() {
		assert.Equal(t, outbox.StatusProcessed, m.Status)
		assert.Equal(t, 1, m.Attempts)
	}

	res, err = relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed)
}

func TestRelay_RetriesWithBackoffThenDeadLetters(t *testing.T) {
	store := memstore.New()
	clk := clock.NewManual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	reg := prometheus.NewRegistry()
	metrics := outbox.NewMetrics(reg)
	relay := newRelay(t, store, clk, outbox.Config{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
	}).WithMetrics(metrics)

	calls := 0
	relay.Handle(topic, func(context.Context, outbox.Message) error {
		calls++
		return errors.New("downstream unavailable")
	})
	id := enqueue(t, store, clk.Now(), "x")

	res, err := relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	msg := find(t, store, id)
	assert.Equal(t, outbox.StatusPending, msg.Status)
	assert.Equal(t, 1, msg.Attempts)
	assert.Equal(t, "downstream unavailable", msg.LastError)
	assert.True(t, msg.NextAttemptAt.Equal(clk.Now().Add(time.Second)))

	// Not due yet.
	res, err = relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed)

	clk.Advance(time.Second)
	res, err = relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	assert.True(t, find(t, store, id).NextAttemptAt.Equal(clk.Now().Add(2*time.Second)))

	clk.Advance(2 * time.Second)
	res, err = relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dead)

	msg = find(t, store, id)
	assert.Equal(t, outbox.StatusDead, msg.Status)
	assert.Equal(t, 3, msg.Attempts)
	assert.Equal(t, 3, calls)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.Retried()))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Dead()))
}

func TestRelay_PermanentErrorDeadLettersImmediately(t *testing.T) {
	store := memstore.New()
	clk := clock.NewManual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	relay := newRelay(t, store, clk, outbox.Config{})
	relay.Handle(topic, func(context.Context, outbox.Message) error {
		return backoff.Permanent(errors.New("malformed"))
	})
	id := enqueue(t, store, clk.Now(), "{")
	orphan, err := func() (string, error) {
		ctx := context.Background()
		tx, err := store.Begin(ctx)
		if err != nil {
			return "", err
		}
		id, err := store.Outbox().Enqueue(ctx, tx, "unknown.topic", nil, clk.Now())
		if err != nil {
			return "", err
		}
		return id, tx.Commit(ctx)
	}()
	require.NoError(t, err)

	res, err := relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Dead)
	assert.Equal(t, outbox.StatusDead, find(t, store, id).Status)
	assert.Equal(t, outbox.StatusDead, find(t, store, orphan).Status)
}

func TestRelay_RolledBackEnqueueIsNeverDelivered(t *testing.T) {
	store := memstore.New()
	clk := clock.NewManual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = store.Outbox().Enqueue(ctx, tx, topic, []byte("lost"), clk.Now())
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	relay := newRelay(t, store, clk, outbox.Config{})
	relay.Handle(topic, func(context.Context, outbox.Message) error {
		t.Fatal("handler must not run")
		return nil
	})
	res, err := relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed)
	assert.Empty(t, store.OutboxMessages())
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	store := memstore.New()
	clk := clock.NewManual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	relay := newRelay(t, store, clk, outbox.Config{PollInterval: time.Millisecond})
	delivered := make(chan struct{}, 1)
	relay.Handle(topic, func(context.Context, outbox.Message) error {
		delivered <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- relay.Run(ctx) }()

	enqueue(t, store, clk.Now(), "late")
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("message not relayed")
	}
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestRelay_RetryDelayDoublesUpToMax(t *testing.T) {
	store := memstore.New()
	relay := outbox.NewRelay(store, store.Outbox(), outbox.Config{
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Second,
	})
	assert.Equal(t, time.Second, relay.RetryDelay(1))
	assert.Equal(t, 2*time.Second, relay.RetryDelay(2))
	assert.Equal(t, 4*time.Second, relay.RetryDelay(3))
	assert.Equal(t, 5*time.Second, relay.RetryDelay(4))
	assert.Equal(t, 5*time.Second, relay.RetryDelay(10))
}

func find(t *testing.T, store *memstore.Store, id string) outbox.Message {
	t.Helper()
	for _, m := range store.OutboxMessages() {
		if m.ID == id {
			return m
		}
	}
	t.Fatalf("message %s not found", id)
	return outbox.Message{}
}
