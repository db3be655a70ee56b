package infra

import (
	"context"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const defaultImage = "postgres:16-alpine"

type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres16 starts a disposable Postgres 16 container for one stress run
// and returns its DSN. STRESS_PG_IMAGE overrides the image.
func StartPostgres16(ctx context.Context) (*PGContainer, string, error) {
	image := os.Getenv("STRESS_PG_IMAGE")
	if image == "" {
		image = defaultImage
	}

	pgC, err := postgres.Run(ctx,
		image,
		postgres.WithDatabase("expertflow"),
		postgres.WithUsername("expertflow"),
		postgres.WithPassword("expertflow"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable", "application_name=expertflow-stress")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", err
	}
	return &PGContainer{C: pgC}, dsn, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}
