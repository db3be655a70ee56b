package memstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var errRawSQL = errors.New("memstore: raw SQL is not supported")

// memTx implements pgx.Tx. A nested Begin acts as a savepoint: its undo log
// is folded into the parent on Commit and replayed on Rollback.
type memTx struct {
	store  *Store
	parent *memTx
	undo   []func()
	done   bool
}

func (t *memTx) Begin(context.Context) (pgx.Tx, error) {
	if t.done {
		return nil, pgx.ErrTxClosed
	}
	return &memTx{store: t.store, parent: t}, nil
}

func (t *memTx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	if t.parent != nil {
		t.parent.undo = append(t.parent.undo, t.undo...)
		return nil
	}
	t.undo = nil
	t.store.txMu.Unlock()
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true

	t.store.mu.Lock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.store.mu.Unlock()
	t.undo = nil

	if t.parent == nil {
		t.store.txMu.Unlock()
	}
	return nil
}

func (t *memTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errRawSQL
}

func (t *memTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("memstore: SendBatch not supported")
}

func (t *memTx) LargeObjects() pgx.LargeObjects {
	panic("memstore: LargeObjects not supported")
}

func (t *memTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errRawSQL
}

func (t *memTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errRawSQL
}

func (t *memTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errRawSQL
}

func (t *memTx) QueryRow(context.Context, string, ...any) pgx.Row {
	return errRow{}
}

func (t *memTx) Conn() *pgx.Conn {
	return nil
}

type errRow struct{}

func (errRow) Scan(...any) error { return errRawSQL }
