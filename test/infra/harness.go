package infra

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns the database a stress run works against: a reused DSN, a
// Postgres 16 container, or a freshly created local database.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// NewHarness picks a database and applies the migrations. A shared database
// (overrideDSN or STRESS_TEST_PG_DSN) gets an isolated schema.
func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	var (
		h      = &Harness{container: &PGContainer{}}
		shared bool
		err    error
	)

	if overrideDSN == "" {
		overrideDSN = os.Getenv("STRESS_TEST_PG_DSN")
	}

	switch {
	case overrideDSN != "":
		h.dsn = overrideDSN
		shared = true
	case dockerAvailable(ctx):
		h.container, h.dsn, err = StartPostgres16(ctx)
	default:
		h.dsn, err = InitLocalDatabase(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("provision postgres: %w", err)
	}

	h.pool, h.teardown, err = ApplyMigrations(ctx, h.dsn, shared)
	if err != nil {
		h.Close(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return h, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	if h.container != nil {
		_ = h.container.Terminate(ctx)
	}
}

// Reset truncates mutable tables to provide a clean slate for next epoch.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"notifications",
		"outbox",
		"expert_strikes",
		"proposal_events",
		"proposals",
		"expert_profiles",
		"users",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}

	return nil
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
