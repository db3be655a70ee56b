package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"expertflow/auth"
	"expertflow/proposal"
)

// ProposalRepo implements proposal.Repository.
type ProposalRepo struct {
	s *Store
}

var _ proposal.Repository = (*ProposalRepo)(nil)

func (r *ProposalRepo) Insert(_ context.Context, tx pgx.Tx, p proposal.Proposal) (proposal.Proposal, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(OpProposalInsert); err != nil {
		return proposal.Proposal{}, fmt.Errorf("%w: insert proposal: %w", proposal.ErrStoreUnavailable, err)
	}
	if u, ok := s.users[p.ExpertID]; !ok || u.Role != auth.RoleExpert {
		if _, ok := s.profiles[p.ExpertID]; !ok {
			return proposal.Proposal{}, &proposal.ValidationError{Field: "expert_id", Msg: "does not name an expert"}
		}
	}
	if _, exists := s.proposals[p.ID]; exists {
		return proposal.Proposal{}, fmt.Errorf("%w: duplicate proposal id %s", proposal.ErrStoreUnavailable, p.ID)
	}

	s.proposals[p.ID] = p
	id := p.ID
	record(tx, func() { delete(s.proposals, id) })
	return p, nil
}

func (r *ProposalRepo) GetByID(_ context.Context, id string) (proposal.Proposal, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.proposals[id]
	if !ok {
		return proposal.Proposal{}, proposal.ErrNotFound
	}
	return p, nil
}

// GetForUpdate needs no row lock: the caller's transaction already excludes
// every other writer.
func (r *ProposalRepo) GetForUpdate(ctx context.Context, _ pgx.Tx, id string) (proposal.Proposal, error) {
	return r.GetByID(ctx, id)
}

func (r *ProposalRepo) UpdateStatus(_ context.Context, tx pgx.Tx, id string, from, to proposal.Status, completedAt *time.Time, at time.Time) (proposal.Proposal, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(OpProposalUpdate); err != nil {
		return proposal.Proposal{}, fmt.Errorf("%w: update status: %w", proposal.ErrStoreUnavailable, err)
	}
	prev, ok := s.proposals[id]
	if !ok {
		return proposal.Proposal{}, proposal.ErrNotFound
	}
	if prev.Status != from {
		return proposal.Proposal{}, &proposal.TransitionError{ProposalID: id, From: from, To: to, Reason: "status changed concurrently"}
	}

	next := prev
	next.Status = to
	if completedAt != nil {
		c := *completedAt
		next.CompletedAt = &c
	}
	next.UpdatedAt = at
	s.proposals[id] = next
	record(tx, func() { s.proposals[id] = prev })
	return next, nil
}

func (r *ProposalRepo) AppendEvent(_ context.Context, tx pgx.Tx, ev proposal.Event) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, ev)
	n := len(s.events) - 1
	record(tx, func() { s.events = s.events[:n] })
	return nil
}

func (r *ProposalRepo) ListByExpert(_ context.Context, expertID string, status proposal.Status) ([]proposal.Proposal, error) {
	return r.filter(func(p proposal.Proposal) bool {
		return p.ExpertID == expertID && (status == "" || p.Status == status)
	}), nil
}

func (r *ProposalRepo) ListByClient(_ context.Context, clientID string, status proposal.Status) ([]proposal.Proposal, error) {
	return r.filter(func(p proposal.Proposal) bool {
		return p.ClientID != nil && *p.ClientID == clientID && (status == "" || p.Status == status)
	}), nil
}

func (r *ProposalRepo) filter(keep func(proposal.Proposal) bool) []proposal.Proposal {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]proposal.Proposal, 0)
	for _, p := range r.s.proposals {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (r *ProposalRepo) ListOverdue(_ context.Context, now time.Time, limit int) ([]proposal.Proposal, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]proposal.Proposal, 0)
	for _, p := range r.s.proposals {
		if proposal.CheckExpiry(p, now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		di, _ := out[i].Deadline()
		dj, _ := out[j].Deadline()
		return di.Before(dj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *ProposalRepo) Events(_ context.Context, proposalID string) ([]proposal.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []proposal.Event
	for _, ev := range r.s.events {
		if ev.ProposalID == proposalID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (r *ProposalRepo) CountByStatus(context.Context) (map[proposal.Status]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	counts := make(map[proposal.Status]int)
	for _, p := range r.s.proposals {
		counts[p.Status]++
	}
	return counts, nil
}
