package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"expertflow/auth"
	"expertflow/reliability"
)

// ReliabilityRepo implements reliability.Repository.
type ReliabilityRepo struct {
	s *Store
}

var _ reliability.Repository = (*ReliabilityRepo)(nil)

// AddExpert registers an expert user with a default profile.
func (s *Store) AddExpert(id, firstName, lastName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	u := auth.User{
		ID:        id,
		Email:     id + "@experts.local",
		FirstName: firstName,
		LastName:  lastName,
		Role:      auth.RoleExpert,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.users[id] = u
	s.emails[u.Email] = id
	s.profiles[id] = defaultState(u)
}

// SetState overwrites an expert's reliability state.
func (s *Store) SetState(st reliability.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[st.ExpertID] = st
}

// StrikeCount returns how many strikes are recorded for an expert.
func (s *Store) StrikeCount(expertID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.strikes {
		if rec.ExpertID == expertID {
			n++
		}
	}
	return n
}

func defaultState(u auth.User) reliability.State {
	return reliability.State{
		ExpertID:    u.ID,
		DisplayName: u.DisplayName(),
		IsPublic:    true,
		IsAvailable: true,
		UpdatedAt:   u.UpdatedAt,
	}
}

func (r *ReliabilityRepo) Get(_ context.Context, expertID string) (reliability.State, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if st, ok := r.s.profiles[expertID]; ok {
		return st, nil
	}
	if u, ok := r.s.users[expertID]; ok && u.Role == auth.RoleExpert {
		return defaultState(u), nil
	}
	return reliability.State{}, reliability.ErrNotFound
}

func (r *ReliabilityRepo) GetForUpdate(_ context.Context, tx pgx.Tx, expertID string) (reliability.State, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.profiles[expertID]; ok {
		return st, nil
	}
	u, ok := s.users[expertID]
	if !ok {
		return reliability.State{}, reliability.ErrNotFound
	}
	st := defaultState(u)
	s.profiles[expertID] = st
	record(tx, func() { delete(s.profiles, expertID) })
	return st, nil
}

func (r *ReliabilityRepo) Save(_ context.Context, tx pgx.Tx, st reliability.State, at time.Time) (reliability.State, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(OpReliabilitySave); err != nil {
		return reliability.State{}, fmt.Errorf("%w: save state: %w", reliability.ErrStoreUnavailable, err)
	}
	prev, ok := s.profiles[st.ExpertID]
	if !ok {
		return reliability.State{}, reliability.ErrNotFound
	}
	st.UpdatedAt = at
	s.profiles[st.ExpertID] = st
	record(tx, func() { s.profiles[st.ExpertID] = prev })
	return st, nil
}

func (r *ReliabilityRepo) RecordStrike(_ context.Context, tx pgx.Tx, rec reliability.StrikeRecord) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.strikes[rec.ProposalID]; dup {
		return reliability.ErrDuplicateStrike
	}
	s.strikes[rec.ProposalID] = rec
	record(tx, func() { delete(s.strikes, rec.ProposalID) })
	return nil
}

func (r *ReliabilityRepo) ListElapsedFreezes(_ context.Context, now time.Time, limit int) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var states []reliability.State
	for _, st := range r.s.profiles {
		if st.FreezeElapsed(now) {
			states = append(states, st)
		}
	}
	sort.Slice(states, func(i, j int) bool { return states[i].FrozenUntil.Before(*states[j].FrozenUntil) })
	if limit > 0 && len(states) > limit {
		states = states[:limit]
	}
	ids := make([]string, len(states))
	for i, st := range states {
		ids[i] = st.ExpertID
	}
	return ids, nil
}
