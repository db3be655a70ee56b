package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"expertflow/notification"
)

var (
	// ErrNotFound signals that the expert does not exist.
	ErrNotFound = errors.New("reliability: expert not found")
	// ErrFrozen signals an operation refused while the freeze window is open.
	ErrFrozen = errors.New("reliability: profile is frozen")
	// ErrDuplicateStrike signals a second strike for the same proposal.
	ErrDuplicateStrike = errors.New("reliability: strike already recorded for proposal")
	// ErrStoreUnavailable wraps failures talking to the store.
	ErrStoreUnavailable = errors.New("reliability: store unavailable")
)

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Notifier queues a notification inside tx.
type Notifier interface {
	Enqueue(ctx context.Context, tx pgx.Tx, n notification.Notification) error
}

// Service turns unanswered proposals into strikes and strikes into a
// temporary freeze of the expert's public profile.
type Service struct {
	pool     TxBeginner
	repo     Repository
	notifier Notifier
	now      func() time.Time
	logger   *slog.Logger
}

func NewService(pool TxBeginner, repo Repository, notifier Notifier) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default(),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// RegisterStrike runs inside the caller's transaction. It records the strike,
// bumps the counter and, on the third strike, freezes the profile and resets
// the counter.
func (s *Service) RegisterStrike(ctx context.Context, tx pgx.Tx, strike Strike) (StrikeResult, error) {
	if strike.ExpertID == "" {
		return StrikeResult{}, ErrNotFound
	}
	st, err := s.repo.GetForUpdate(ctx, tx, strike.ExpertID)
	if err != nil {
		return StrikeResult{}, err
	}

	now := s.now()
	st.FreezeStrikes++
	st.LastStrikeAt = &now
	count := st.FreezeStrikes

	if err := s.repo.RecordStrike(ctx, tx, StrikeRecord{
		ExpertID:      strike.ExpertID,
		ProposalID:    strike.ProposalID,
		ProposalTitle: strike.ProposalTitle,
		Count:         count,
		CreatedAt:     now,
	}); err != nil {
		return StrikeResult{}, err
	}

	title := strike.ProposalTitle
	if title == "" {
		title = "Proposition"
	}
	s.notify(ctx, tx, notification.StrikeRecorded(strike.ExpertID, title, count, MaxStrikes, strike.ProposalID))

	frozen := false
	if count >= MaxStrikes {
		until := now.Add(FreezeDuration)
		st.FrozenUntil = &until
		st.IsPublic = false
		st.IsAvailable = false
		st.FreezeStrikes = 0
		frozen = true
		s.notify(ctx, tx, notification.ProfileFrozen(strike.ExpertID, until))
	}

	saved, err := s.repo.Save(ctx, tx, st, now)
	if err != nil {
		return StrikeResult{}, err
	}

	if frozen {
		s.logger.Info("expert profile frozen",
			"expert_id", strike.ExpertID, "frozen_until", *saved.FrozenUntil, "proposal_id", strike.ProposalID)
	} else {
		s.logger.Info("strike registered",
			"expert_id", strike.ExpertID, "strikes", count, "proposal_id", strike.ProposalID)
	}
	return StrikeResult{State: saved, Count: count, Frozen: frozen}, nil
}

// Unfreeze clears the freeze window and the strike counter. Visibility is left
// as is; the expert re-publishes through SetVisibility.
func (s *Service) Unfreeze(ctx context.Context, expertID string) (State, error) {
	st, _, err := s.unfreeze(ctx, expertID, func(State, time.Time) bool { return true })
	return st, err
}

// UnfreezeIfElapsed clears the freeze only when its window has already passed.
func (s *Service) UnfreezeIfElapsed(ctx context.Context, expertID string) (State, bool, error) {
	return s.unfreeze(ctx, expertID, func(st State, now time.Time) bool { return st.FreezeElapsed(now) })
}

func (s *Service) unfreeze(ctx context.Context, expertID string, should func(State, time.Time) bool) (State, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return State{}, false, storeErr("begin tx", err)
	}
	defer tx.Rollback(ctx)

	st, err := s.repo.GetForUpdate(ctx, tx, expertID)
	if err != nil {
		return State{}, false, err
	}
	now := s.now()
	if !should(st, now) {
		return st, false, nil
	}

	wasFrozen := st.FrozenUntil != nil
	st.FrozenUntil = nil
	st.FreezeStrikes = 0
	saved, err := s.repo.Save(ctx, tx, st, now)
	if err != nil {
		return State{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return State{}, false, storeErr("commit unfreeze", err)
	}
	if wasFrozen {
		s.logger.Info("expert profile unfrozen", "expert_id", expertID)
	}
	return saved, true, nil
}

// UnfreezeElapsed lifts every freeze whose window has passed, up to limit.
func (s *Service) UnfreezeElapsed(ctx context.Context, limit int) (int, error) {
	ids, err := s.repo.ListElapsedFreezes(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	var (
		lifted int
		errs   []error
	)
	for _, id := range ids {
		_, ok, err := s.UnfreezeIfElapsed(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("expert %s: %w", id, err))
			continue
		}
		if ok {
			lifted++
		}
	}
	return lifted, errors.Join(errs...)
}

// State reads the current reliability state of an expert.
func (s *Service) State(ctx context.Context, expertID string) (State, error) {
	return s.repo.Get(ctx, expertID)
}

// FreezeStatus derives the freeze banner from the stored state.
func (s *Service) FreezeStatus(ctx context.Context, expertID string) (FreezeStatus, error) {
	st, err := s.repo.Get(ctx, expertID)
	if err != nil {
		return FreezeStatus{}, err
	}
	return st.Status(s.now()), nil
}

// SetVisibility is how an expert re-publishes their profile. The update is
// merged with the locked row, so concurrent partial updates do not undo each
// other. Making the profile public or available is refused while the freeze
// window is open.
func (s *Service) SetVisibility(ctx context.Context, expertID string, upd VisibilityUpdate) (State, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return State{}, storeErr("begin tx", err)
	}
	defer tx.Rollback(ctx)

	st, err := s.repo.GetForUpdate(ctx, tx, expertID)
	if err != nil {
		return State{}, err
	}
	if upd.IsPublic != nil {
		st.IsPublic = *upd.IsPublic
	}
	if upd.IsAvailable != nil {
		st.IsAvailable = *upd.IsAvailable
	}
	now := s.now()
	if (st.IsPublic || st.IsAvailable) && st.IsFrozen(now) {
		return State{}, ErrFrozen
	}
	saved, err := s.repo.Save(ctx, tx, st, now)
	if err != nil {
		return State{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return State{}, storeErr("commit visibility", err)
	}
	return saved, nil
}

func (s *Service) notify(ctx context.Context, tx pgx.Tx, n notification.Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Enqueue(ctx, tx, n); err != nil {
		s.logger.Warn("enqueue notification failed", "type", n.Type, "user_id", n.UserID, "error", err)
	}
}
