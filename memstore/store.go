// Package memstore keeps every repository in process memory. It backs
// `serve --in-memory` and the package tests.
//
// Transactions are fully serialised: Begin blocks until the previous
// transaction commits or rolls back, which gives the same outcome as the row
// locks the PostgreSQL repositories take. Writes apply immediately and are
// undone on Rollback.
package memstore

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"expertflow/auth"
	"expertflow/notification"
	"expertflow/outbox"
	"expertflow/proposal"
	"expertflow/reliability"
)

// ErrInjected is the default error returned by FailNext.
var ErrInjected = errors.New("memstore: injected failure")

// Store is the shared in-memory state.
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex

	users     map[string]auth.User
	emails    map[string]string
	proposals map[string]proposal.Proposal
	events    []proposal.Event
	profiles  map[string]reliability.State
	strikes   map[string]reliability.StrikeRecord
	notes     []notification.Notification
	noteByBox map[string]int
	messages  []*outbox.Message
	failures  map[string]error
	newID     func() string
}

func New() *Store {
	return &Store{
		users:     make(map[string]auth.User),
		emails:    make(map[string]string),
		proposals: make(map[string]proposal.Proposal),
		profiles:  make(map[string]reliability.State),
		strikes:   make(map[string]reliability.StrikeRecord),
		noteByBox: make(map[string]int),
		failures:  make(map[string]error),
		newID:     uuid.NewString,
	}
}

// Operation names accepted by FailNext.
const (
	OpBegin              = "begin"
	OpProposalInsert     = "proposal.insert"
	OpProposalUpdate     = "proposal.update"
	OpReliabilitySave    = "reliability.save"
	OpOutboxEnqueue      = "outbox.enqueue"
	OpNotificationInsert = "notification.insert"
)

// FailNext makes the next call of op return err (ErrInjected when nil).
func (s *Store) FailNext(op string, err error) {
	if err == nil {
		err = ErrInjected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

// takeFailure must be called with s.mu held.
func (s *Store) takeFailure(op string) error {
	err, ok := s.failures[op]
	if !ok {
		return nil
	}
	delete(s.failures, op)
	return err
}

// Begin starts a serialised transaction.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	s.mu.Lock()
	err := s.takeFailure(OpBegin)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	locked := make(chan struct{})
	go func() {
		s.txMu.Lock()
		close(locked)
	}()
	select {
	case <-locked:
		return &memTx{store: s}, nil
	case <-ctx.Done():
		go func() {
			<-locked
			s.txMu.Unlock()
		}()
		return nil, ctx.Err()
	}
}

// record applies an undo hook to tx when tx is one of ours. Caller holds s.mu.
func record(tx pgx.Tx, undo func()) {
	if t, ok := tx.(*memTx); ok && t != nil {
		t.undo = append(t.undo, undo)
	}
}

// Proposals returns the proposal.Repository view.
func (s *Store) Proposals() *ProposalRepo { return &ProposalRepo{s: s} }

// Reliability returns the reliability.Repository view.
func (s *Store) Reliability() *ReliabilityRepo { return &ReliabilityRepo{s: s} }

// Notifications returns the notification.Store view.
func (s *Store) Notifications() *NotificationRepo { return &NotificationRepo{s: s} }

// Outbox returns the outbox.Queue view.
func (s *Store) Outbox() *OutboxQueue { return &OutboxQueue{s: s} }

// Users returns the auth.Repository view.
func (s *Store) Users() *UserRepo { return &UserRepo{s: s} }
