package reliability_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expertflow/clock"
	"expertflow/memstore"
	"expertflow/notification"
	"expertflow/reliability"
)

var t0 = time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*reliability.Service, *memstore.Store, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0)
	store := memstore.New()
	store.AddExpert("exp-1", "Jeanne", "Durand")
	notifier := notification.NewOutboxNotifier(store.Outbox()).WithClock(clk.Now)
	svc := reliability.NewService(store, store.Reliability(), notifier).
		WithClock(clk.Now).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc, store, clk
}

func strike(t *testing.T, svc *reliability.Service, store *memstore.Store, proposalID string) (reliability.StrikeResult, error) {
	t.Helper()
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	res, err := svc.RegisterStrike(ctx, tx, reliability.Strike{ExpertID: "exp-1", ProposalID: proposalID, ProposalTitle: "Mission " + proposalID})
	if err != nil {
		return res, err
	}
	require.NoError(t, tx.Commit(ctx))
	return res, nil
}

func TestRegisterStrike_AccumulatesThenFreezes(t *testing.T) {
	svc, store, clk := newService(t)

	for i, id := range []string{"p1", "p2"} {
		res, err := strike(t, svc, store, id)
		require.NoError(t, err)
		assert.Equal(t, i+1, res.Count)
		assert.False(t, res.Frozen)
		clk.Advance(2 * time.Hour)
	}

	st, err := svc.State(context.Background(), "exp-1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.FreezeStrikes)
	require.NotNil(t, st.LastStrikeAt)
	assert.True(t, st.IsPublic)

	res, err := strike(t, svc, store, "p3")
	require.NoError(t, err)
	assert.Equal(t, reliability.MaxStrikes, res.Count)
	assert.True(t, res.Frozen)

	st = res.State
	assert.Equal(t, 0, st.FreezeStrikes)
	assert.False(t, st.IsPublic)
	assert.False(t, st.IsAvailable)
	require.NotNil(t, st.FrozenUntil)
	assert.True(t, st.FrozenUntil.Equal(clk.Now().Add(reliability.FreezeDuration)))

	var kinds []notification.Type
	for _, m := range store.OutboxMessages() {
		assert.Equal(t, notification.TopicDispatch, m.Topic)
		kinds = append(kinds, decodeType(t, m.Payload))
	}
	assert.Equal(t, []notification.Type{
		notification.TypeProposalExpiredStrike,
		notification.TypeProposalExpiredStrike,
		notification.TypeProposalExpiredStrike,
		notification.TypeProfileFrozen,
	}, kinds)
}

func TestRegisterStrike_OnePerProposal(t *testing.T) {
	svc, store, _ := newService(t)

	_, err := strike(t, svc, store, "p1")
	require.NoError(t, err)
	_, err = strike(t, svc, store, "p1")
	assert.ErrorIs(t, err, reliability.ErrDuplicateStrike)

	st, err := svc.State(context.Background(), "exp-1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.FreezeStrikes)
}

func TestRegisterStrike_UnknownExpert(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	_, err = svc.RegisterStrike(ctx, tx, reliability.Strike{ExpertID: "ghost", ProposalID: "p"})
	assert.ErrorIs(t, err, reliability.ErrNotFound)
}

func TestFreeze_SelfHealsWithoutRepublishing(t *testing.T) {
	svc, store, clk := newService(t)
	ctx := context.Background()
	for _, id := range []string{"p1", "p2", "p3"} {
		_, err := strike(t, svc, store, id)
		require.NoError(t, err)
	}

	status, err := svc.FreezeStatus(ctx, "exp-1")
	require.NoError(t, err)
	assert.True(t, status.IsFrozen)
	assert.Equal(t, reliability.FreezeDuration.Milliseconds(), status.RemainingMs)

	_, err = svc.SetVisibility(ctx, "exp-1", visibility(true, true))
	assert.ErrorIs(t, err, reliability.ErrFrozen)

	clk.Advance(reliability.FreezeDuration - time.Second)
	_, lifted, err := svc.UnfreezeIfElapsed(ctx, "exp-1")
	require.NoError(t, err)
	assert.False(t, lifted)

	clk.Advance(time.Second)
	status, err = svc.FreezeStatus(ctx, "exp-1")
	require.NoError(t, err)
	assert.False(t, status.IsFrozen)
	assert.Zero(t, status.RemainingMs)

	n, err := svc.UnfreezeElapsed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := svc.State(ctx, "exp-1")
	require.NoError(t, err)
	assert.Nil(t, st.FrozenUntil)
	assert.Equal(t, 0, st.FreezeStrikes)
	assert.False(t, st.IsPublic)
	assert.False(t, st.IsAvailable)

	st, err = svc.SetVisibility(ctx, "exp-1", visibility(true, true))
	require.NoError(t, err)
	assert.True(t, st.IsPublic)
	assert.True(t, st.IsAvailable)
}

func TestUnfreeze_ClearsStrikesImmediately(t *testing.T) {
	svc, store, _ := newService(t)
	_, err := strike(t, svc, store, "p1")
	require.NoError(t, err)

	st, err := svc.Unfreeze(context.Background(), "exp-1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.FreezeStrikes)
	assert.Nil(t, st.FrozenUntil)
	assert.True(t, st.IsPublic)
}

func TestSetVisibility_HidingIsAlwaysAllowed(t *testing.T) {
	svc, store, _ := newService(t)
	for _, id := range []string{"p1", "p2", "p3"} {
		_, err := strike(t, svc, store, id)
		require.NoError(t, err)
	}
	st, err := svc.SetVisibility(context.Background(), "exp-1", visibility(false, false))
	require.NoError(t, err)
	assert.False(t, st.IsPublic)
}

func TestSetVisibility_PartialUpdateKeepsOtherFlag(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	hidden := false
	st, err := svc.SetVisibility(ctx, "exp-1", reliability.VisibilityUpdate{IsAvailable: &hidden})
	require.NoError(t, err)
	assert.True(t, st.IsPublic)
	assert.False(t, st.IsAvailable)

	st, err = svc.SetVisibility(ctx, "exp-1", reliability.VisibilityUpdate{IsPublic: &hidden})
	require.NoError(t, err)
	assert.False(t, st.IsPublic)
	assert.False(t, st.IsAvailable, "an earlier partial update must survive")

	st, err = svc.SetVisibility(ctx, "exp-1", reliability.VisibilityUpdate{})
	require.NoError(t, err)
	assert.False(t, st.IsPublic)
	assert.False(t, st.IsAvailable)
}

func TestState_UnknownExpert(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.FreezeStatus(context.Background(), "ghost")
	assert.True(t, errors.Is(err, reliability.ErrNotFound))
}

func visibility(public, available bool) reliability.VisibilityUpdate {
	return reliability.VisibilityUpdate{IsPublic: &public, IsAvailable: &available}
}

func decodeType(t *testing.T, payload []byte) notification.Type {
	t.Helper()
	var n notification.Notification
	require.NoError(t, json.Unmarshal(payload, &n))
	return n.Type
}
