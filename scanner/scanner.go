// Package scanner drives deadline expiry and freeze lifting. A Session runs
// for one connected expert; the Sweeper runs server-side on a cron schedule
// so overdue proposals expire even when nobody is online.
package scanner

import (
	"context"

	"expertflow/reliability"
)

// Expirer is the slice of proposal.Service the scanners call.
type Expirer interface {
	ScanExpert(ctx context.Context, expertID string) (int, error)
	SweepOverdue(ctx context.Context, limit int) (int, error)
}

// Unfreezer is the slice of reliability.Service the scanners call.
type Unfreezer interface {
	UnfreezeIfElapsed(ctx context.Context, expertID string) (reliability.State, bool, error)
	UnfreezeElapsed(ctx context.Context, limit int) (int, error)
}
