package scanner_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"expertflow/auth"
	"expertflow/clock"
	"expertflow/memstore"
	"expertflow/notification"
	"expertflow/proposal"
	"expertflow/reliability"
	"expertflow/scanner"
)

var t0 = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

type system struct {
	clock       *clock.Manual
	store       *memstore.Store
	proposals   *proposal.Service
	reliability *reliability.Service
	logger      *slog.Logger
}

func newSystem(t *testing.T) *system {
	t.Helper()
	clk := clock.NewManual(t0)
	store := memstore.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	notifier := notification.NewOutboxNotifier(store.Outbox()).WithClock(clk.Now)
	rel := reliability.NewService(store, store.Reliability(), notifier).
		WithClock(clk.Now).
		WithLogger(logger)
	props := proposal.NewService(store, store.Proposals(), rel, notifier).
		WithClock(clk.Now).
		WithLogger(logger)

	store.AddExpert("exp-1", "Jeanne", "Durand")
	store.AddUser("rec-1", "Rémi", "Caron", auth.RoleRecruiter)

	return &system{clock: clk, store: store, proposals: props, reliability: rel, logger: logger}
}

func (s *system) submit(t *testing.T, title string) proposal.Proposal {
	t.Helper()
	p, err := s.proposals.Create(context.Background(), proposal.CreateParams{
		ExpertID: "exp-1",
		Originator: proposal.Originator{
			ClientID:    "rec-1",
			ClientEmail: "rec-1@users.local",
			ClientName:  "Rémi Caron",
		},
		Content: proposal.Content{Title: title, Budget: "600€/j"},
	})
	require.NoError(t, err)
	return p
}

func (s *system) session(opts ...scanner.SessionOption) *scanner.Session {
	return scanner.NewSession("exp-1", s.proposals, s.reliability, append([]scanner.SessionOption{scanner.WithLogger(s.logger)}, opts...)...)
}

func (s *system) state(t *testing.T) reliability.State {
	t.Helper()
	st, err := s.reliability.State(context.Background(), "exp-1")
	require.NoError(t, err)
	return st
}

func TestScenario_UnansweredProposalExpiresWithStrike(t *testing.T) {
	sys := newSystem(t)
	ctx := context.Background()
	p := sys.submit(t, "Audit Kubernetes")

	sys.clock.Advance(59 * time.Minute)
	_, cd, err := sys.proposals.Countdown(ctx, p.ID)
	require.NoError(t, err)
	assert.Greater(t, cd.RemainingMs, int64(0))
	assert.Equal(t, "1m 00s", cd.Text)

	sess := sys.session()
	res, err := sess.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Expired)

	sys.clock.Advance(2 * time.Minute)
	res, err = sess.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	got, err := sys.proposals.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusExpired, got.Status)
	assert.Equal(t, 1, sys.state(t).FreezeStrikes)
	assert.Equal(t, 1, sys.store.StrikeCount("exp-1"))
}

func TestScenario_ThirdExpiryFreezesProfile(t *testing.T) {
	sys := newSystem(t)
	ctx := context.Background()
	sess := sys.session()

	var lastExpiry time.Time
	for i := 0; i < reliability.MaxStrikes; i++ {
		sys.submit(t, "Mission")
		lastExpiry = sys.clock.Advance(61 * time.Minute)
		res, err := sess.Tick(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, res.Expired, "expiry %d", i+1)
	}

	st := sys.state(t)
	assert.False(t, st.IsPublic)
	assert.False(t, st.IsAvailable)
	assert.Equal(t, 0, st.FreezeStrikes)
	require.NotNil(t, st.FrozenUntil)
	assert.True(t, st.FrozenUntil.Equal(lastExpiry.Add(reliability.FreezeDuration)))
	assert.Equal(t, 3, sys.store.StrikeCount("exp-1"))
}

func TestScenario_AcceptedProposalSurvivesTicks(t *testing.T) {
	sys := newSystem(t)
	ctx := context.Background()
	p := sys.submit(t, "Migration Postgres")

	sys.clock.Advance(30 * time.Minute)
	_, err := sys.proposals.Accept(ctx, p.ID, proposal.Actor{ID: "exp-1", Name: "Jeanne Durand"})
	require.NoError(t, err)

	sys.clock.Advance(2 * time.Hour)
	res, err := sys.session().Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Expired)

	got, err := sys.proposals.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusAccepted, got.Status)
	assert.Equal(t, 0, sys.state(t).FreezeStrikes)
}

func TestScenario_AcceptThenComplete(t *testing.T) {
	sys := newSystem(t)
	ctx := context.Background()
	p := sys.submit(t, "Refonte API")
	actor := proposal.Actor{ID: "exp-1", Name: "Jeanne Durand"}

	_, err := sys.proposals.Accept(ctx, p.ID, actor)
	require.NoError(t, err)
	done := sys.clock.Advance(72 * time.Hour)
	completed, err := sys.proposals.Complete(ctx, p.ID, actor)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)
	assert.True(t, completed.CompletedAt.Equal(done))

	for _, attempt := range []func() (proposal.Proposal, error){
		func() (proposal.Proposal, error) { return sys.proposals.Accept(ctx, p.ID, actor) },
		func() (proposal.Proposal, error) { return sys.proposals.Reject(ctx, p.ID, actor) },
		func() (proposal.Proposal, error) { return sys.proposals.Complete(ctx, p.ID, actor) },
	} {
		_, err := attempt()
		assert.ErrorIs(t, err, proposal.ErrInvalidTransition)
	}

	history, err := sys.proposals.History(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, proposal.StatusPending, history[0].ToStatus)
	assert.Equal(t, proposal.StatusAccepted, history[1].ToStatus)
	assert.Equal(t, proposal.StatusCompleted, history[2].ToStatus)
}

func TestScenario_ConcurrentExpiryRecordsOneStrike(t *testing.T) {
	sys := newSystem(t)
	p := sys.submit(t, "Data pipeline")
	sys.clock.Advance(61 * time.Minute)

	var expired atomic.Int32
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			res, err := sys.proposals.ExpireIfDue(ctx, p.ID)
			if err != nil {
				return err
			}
			if res.Expired {
				expired.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), expired.Load())
	assert.Equal(t, 1, sys.store.StrikeCount("exp-1"))
	assert.Equal(t, 1, sys.state(t).FreezeStrikes)
}

func TestSession_TickLiftsElapsedFreezeWithoutRepublishing(t *testing.T) {
	sys := newSystem(t)
	until := t0.Add(-time.Minute)
	sys.store.SetState(reliability.State{
		ExpertID:    "exp-1",
		DisplayName: "Jeanne Durand",
		FrozenUntil: &until,
	})

	res, err := sys.session().Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Unfrozen)

	st := sys.state(t)
	assert.Nil(t, st.FrozenUntil)
	assert.False(t, st.IsPublic)
	assert.False(t, st.IsAvailable)
}

func TestSession_StartRunsImmediatelyThenTicks(t *testing.T) {
	sys := newSystem(t)
	first := sys.submit(t, "Premier")
	sys.clock.Advance(61 * time.Minute)
	second := sys.submit(t, "Second")

	sess := sys.session(scanner.WithInterval(5 * time.Millisecond))
	res, err := sess.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	defer sess.Stop()

	_, err = sess.Start(context.Background())
	assert.ErrorIs(t, err, scanner.ErrAlreadyStarted)

	got, err := sys.proposals.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusExpired, got.Status)

	sys.clock.Advance(61 * time.Minute)
	require.Eventually(t, func() bool {
		p, err := sys.proposals.Get(context.Background(), second.ID)
		return err == nil && p.Status == proposal.StatusExpired
	}, 2*time.Second, 5*time.Millisecond)

	sess.Stop()
	sess.Stop()
}

func TestSession_StopsWithContext(t *testing.T) {
	sys := newSystem(t)
	ctx, cancel := context.WithCancel(context.Background())
	sess := sys.session(scanner.WithInterval(time.Millisecond))
	_, err := sess.Start(ctx)
	require.NoError(t, err)

	cancel()
	stopped := make(chan struct{})
	go func() {
		sess.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop after context cancellation")
	}
}

type failingExpirer struct {
	calls atomic.Int32
}

func (f *failingExpirer) ScanExpert(context.Context, string) (int, error) {
	f.calls.Add(1)
	return 0, errors.New("store down")
}

func (f *failingExpirer) SweepOverdue(context.Context, int) (int, error) {
	f.calls.Add(1)
	return 0, errors.New("store down")
}

func TestSession_FailuresAreRetriedOnNextTick(t *testing.T) {
	sys := newSystem(t)
	exp := &failingExpirer{}
	sess := scanner.NewSession("exp-1", exp, sys.reliability,
		scanner.WithInterval(2*time.Millisecond), scanner.WithLogger(sys.logger))

	_, err := sess.Start(context.Background())
	require.Error(t, err)
	require.Eventually(t, func() bool { return exp.calls.Load() >= 3 }, 2*time.Second, time.Millisecond)
	sess.Stop()
}

func TestRegistry_OpenIsIdempotentPerExpert(t *testing.T) {
	sys := newSystem(t)
	reg := scanner.NewRegistry(sys.proposals, sys.reliability, sys.logger, scanner.WithInterval(time.Hour))
	ctx := context.Background()

	_, opened, err := reg.Open(ctx, "exp-1")
	require.NoError(t, err)
	assert.True(t, opened)
	_, opened, err = reg.Open(ctx, "exp-1")
	require.NoError(t, err)
	assert.False(t, opened)
	assert.Equal(t, 1, reg.Len())

	assert.True(t, reg.Close("exp-1"))
	assert.False(t, reg.Close("exp-1"))

	_, _, err = reg.Open(ctx, "exp-1")
	require.NoError(t, err)
	reg.CloseAll()
	assert.Equal(t, 0, reg.Len())
}

type countingExpirer struct {
	scans atomic.Int64
}

func (c *countingExpirer) ScanExpert(context.Context, string) (int, error) {
	c.scans.Add(1)
	return 0, nil
}

func (c *countingExpirer) SweepOverdue(context.Context, int) (int, error) { return 0, nil }

func TestSession_StopBeforeStartNeverRuns(t *testing.T) {
	sys := newSystem(t)
	exp := &countingExpirer{}
	sess := scanner.NewSession("exp-1", exp, sys.reliability, scanner.WithInterval(time.Millisecond))

	sess.Stop()
	_, err := sess.Start(context.Background())
	require.ErrorIs(t, err, scanner.ErrStopped)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, exp.scans.Load())
	sess.Stop()
}

func TestRegistry_CloseRacingOpenLeavesNoLoop(t *testing.T) {
	sys := newSystem(t)
	exp := &countingExpirer{}
	reg := scanner.NewRegistry(exp, sys.reliability, sys.logger, scanner.WithInterval(time.Millisecond))
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		var g errgroup.Group
		g.Go(func() error {
			_, _, err := reg.Open(ctx, "exp-1")
			return err
		})
		g.Go(func() error {
			reg.Close("exp-1")
			return nil
		})
		require.NoError(t, g.Wait())
	}
	reg.CloseAll()
	require.Equal(t, 0, reg.Len())

	// Nothing is left ticking once every session is closed.
	settled := exp.scans.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, exp.scans.Load())
}

func TestSweeper_ExpiresInBoundedBatches(t *testing.T) {
	sys := newSystem(t)
	sys.store.AddExpert("exp-2", "Paul", "Leroy")
	for i := 0; i < 5; i++ {
		sys.submit(t, "Lot")
	}
	_, err := sys.proposals.Create(context.Background(), proposal.CreateParams{
		ExpertID:   "exp-2",
		Originator: proposal.Originator{ClientEmail: "anon@example.com"},
		Content:    proposal.Content{Title: "Sans compte"},
	})
	require.NoError(t, err)
	sys.clock.Advance(61 * time.Minute)

	limited := scanner.NewSweeper(sys.proposals, sys.reliability,
		scanner.WithBatchSize(2), scanner.WithMaxBatches(1), scanner.WithSweeperLogger(sys.logger))
	res, err := limited.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Expired)

	sweeper := scanner.NewSweeper(sys.proposals, sys.reliability,
		scanner.WithBatchSize(2), scanner.WithSweeperLogger(sys.logger))
	res, err = sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Expired)

	stats, err := sys.proposals.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, stats.ByStatus[proposal.StatusExpired])
	assert.Equal(t, 0, stats.ByStatus[proposal.StatusPending])
}

func TestSweeper_KeepsGoingPastFailingRows(t *testing.T) {
	sys := newSystem(t)
	for i := 0; i < 5; i++ {
		sys.submit(t, "Lot")
	}
	sys.clock.Advance(61 * time.Minute)
	sys.store.FailNext(memstore.OpProposalUpdate, nil)

	sweeper := scanner.NewSweeper(sys.proposals, sys.reliability,
		scanner.WithBatchSize(2), scanner.WithSweeperLogger(sys.logger))
	res, err := sweeper.RunOnce(context.Background())
	require.ErrorIs(t, err, proposal.ErrStoreUnavailable)
	assert.Equal(t, 5, res.Expired)
}

// missingProfiles fails strikes for the listed experts the way the PostgreSQL
// registrar does for a target without an expert profile.
type missingProfiles struct {
	next    proposal.StrikeRegistrar
	missing map[string]bool
}

func (m missingProfiles) RegisterStrike(ctx context.Context, tx pgx.Tx, s reliability.Strike) (reliability.StrikeResult, error) {
	if m.missing[s.ExpertID] {
		return reliability.StrikeResult{}, reliability.ErrNotFound
	}
	return m.next.RegisterStrike(ctx, tx, s)
}

func TestSweeper_ProfilelessTargetsDoNotBlockOthers(t *testing.T) {
	sys := newSystem(t)
	sys.store.AddExpert("exp-ghost", "Sans", "Profil")
	notifier := notification.NewOutboxNotifier(sys.store.Outbox()).WithClock(sys.clock.Now)
	props := proposal.NewService(sys.store, sys.store.Proposals(),
		missingProfiles{next: sys.reliability, missing: map[string]bool{"exp-ghost": true}}, notifier).
		WithClock(sys.clock.Now).
		WithLogger(sys.logger)

	for i := 0; i < 2; i++ {
		_, err := props.Create(context.Background(), proposal.CreateParams{
			ExpertID:   "exp-ghost",
			Originator: proposal.Originator{ClientID: "rec-1", ClientEmail: "rec-1@users.local"},
			Content:    proposal.Content{Title: "Fantôme"},
		})
		require.NoError(t, err)
	}
	sys.clock.Advance(time.Minute)
	healthy := sys.submit(t, "Saine")
	sys.clock.Advance(2 * time.Hour)

	sweeper := scanner.NewSweeper(props, sys.reliability,
		scanner.WithBatchSize(2), scanner.WithSweeperLogger(sys.logger))
	res, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Expired)

	got, err := sys.proposals.Get(context.Background(), healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusExpired, got.Status)
	assert.Equal(t, 1, sys.state(t).FreezeStrikes)
}

func TestSweeper_StartRunsImmediatePassAndLiftsFreezes(t *testing.T) {
	sys := newSystem(t)
	p := sys.submit(t, "Hors ligne")
	sys.clock.Advance(61 * time.Minute)

	until := sys.clock.Now().Add(-time.Second)
	sys.store.AddExpert("exp-frozen", "Lina", "Morel")
	sys.store.SetState(reliability.State{ExpertID: "exp-frozen", FrozenUntil: &until})

	reg := prometheus.NewRegistry()
	metrics := scanner.NewMetrics(reg)
	sweeper := scanner.NewSweeper(sys.proposals, sys.reliability,
		scanner.WithSchedule("@every 1h"),
		scanner.WithSweeperLogger(sys.logger),
		scanner.WithSweeperMetrics(metrics))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sweeper.Start(ctx))

	require.Eventually(t, func() bool {
		got, err := sys.proposals.Get(context.Background(), p.ID)
		return err == nil && got.Status == proposal.StatusExpired
	}, 2*time.Second, 5*time.Millisecond)
	sweeper.Stop()

	st, err := sys.reliability.State(context.Background(), "exp-frozen")
	require.NoError(t, err)
	assert.Nil(t, st.FrozenUntil)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Expired(scanner.SourceSweeper)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Unfrozen(scanner.SourceSweeper)))
}

func TestSweeper_RejectsBadSchedule(t *testing.T) {
	sys := newSystem(t)
	sweeper := scanner.NewSweeper(sys.proposals, sys.reliability,
		scanner.WithSchedule("every now and then"), scanner.WithSweeperLogger(sys.logger))
	assert.Error(t, sweeper.Start(context.Background()))
}
