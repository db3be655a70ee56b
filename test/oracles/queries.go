package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// MaxAttempts must match the relay configuration used by the stress run.
const MaxAttempts = 5

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_deadline_is_creation_plus_one_hour",
			SQL: `SELECT id, created_at, expires_at FROM proposals
                  WHERE expires_at IS NOT NULL
                    AND expires_at <> created_at + interval '1 hour'`,
		},
		{
			Name: "O2_terminal_status_is_final",
			SQL: `SELECT id, proposal_id, from_status, to_status FROM proposal_events
                  WHERE from_status IN ('rejected','expired','completed')`,
		},
		{
			Name: "O3_single_exit_from_pending",
			SQL: `SELECT proposal_id, COUNT(*) FROM proposal_events
                  WHERE from_status = 'pending'
                  GROUP BY proposal_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_status_matches_history",
			SQL: `SELECT p.id, p.status, last.to_status FROM proposals p
                  JOIN LATERAL (
                      SELECT to_status FROM proposal_events e
                      WHERE e.proposal_id = p.id
                      ORDER BY seq DESC LIMIT 1) last ON true
                  WHERE last.to_status <> p.status`,
		},
		{
			Name: "O5_expiry_has_exactly_one_strike",
			SQL: `SELECT p.id, 'missing' FROM proposals p
                  LEFT JOIN expert_strikes s ON s.proposal_id = p.id
                  WHERE p.status = 'expired' AND s.proposal_id IS NULL
                  UNION ALL
                  SELECT s.proposal_id, p.status FROM expert_strikes s
                  JOIN proposals p ON p.id = s.proposal_id
                  WHERE p.status <> 'expired'`,
		},
		{
			Name: "O6_strike_counter_bounds",
			SQL: `SELECT user_id::text, freeze_strikes::text FROM expert_profiles
                  WHERE freeze_strikes NOT BETWEEN 0 AND 2
                  UNION ALL
                  SELECT proposal_id::text, strike_count::text FROM expert_strikes
                  WHERE strike_count NOT BETWEEN 1 AND 3`,
		},
		{
			Name: "O7_outbox_dead_letters_on_time",
			SQL: fmt.Sprintf(`SELECT id, attempts FROM outbox
                  WHERE status = 'pending' AND attempts >= %d`, MaxAttempts),
		},
		{
			Name: "O8_processed_dispatch_has_notification",
			SQL: `SELECT o.id FROM outbox o
                  LEFT JOIN notifications n ON n.outbox_id = o.id
                  WHERE o.topic = 'notification.dispatch'
                    AND o.status = 'processed'
                    AND n.id IS NULL`,
		},
	}
}

func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
