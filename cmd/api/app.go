package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"expertflow/auth"
	"expertflow/config"
	"expertflow/db"
	"expertflow/memstore"
	"expertflow/notification"
	"expertflow/outbox"
	"expertflow/proposal"
	"expertflow/reliability"
	"expertflow/scanner"
)

// app holds every wired component of one process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	pool  *pgxpool.Pool
	rdb   *redis.Client
	store *memstore.Store

	registry *prometheus.Registry

	auth          *auth.Service
	proposals     *proposal.Service
	reliability   *reliability.Service
	notifications *notification.Service
	relay         *outbox.Relay
	sweeper       *scanner.Sweeper
	sessions      *scanner.Registry
	feed          notification.Subscriber
}

// newApp connects the stores and builds the services. With inMemory set it
// uses memstore and an in-process feed instead of PostgreSQL and Redis.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, inMemory bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var (
		txs       proposal.TxBeginner
		userRepo  auth.Repository
		propRepo  proposal.Repository
		relRepo   reliability.Repository
		noteStore notification.Store
		queue     outbox.Queue
		feed      interface {
			notification.Publisher
			notification.Subscriber
		}
	)

	if inMemory {
		a.store = memstore.New()
		txs = a.store
		userRepo = a.store.Users()
		propRepo = a.store.Proposals()
		relRepo = a.store.Reliability()
		noteStore = a.store.Notifications()
		queue = a.store.Outbox()
		feed = notification.NewLocalFeed()
		logger.Warn("running with the in-memory store; data is lost on exit")
	} else {
		pool, err := db.NewPool(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		txs = pool
		userRepo = auth.NewRepository(pool)
		propRepo = proposal.NewRepository(pool)
		relRepo = reliability.NewRepository(pool)
		noteStore = notification.NewRepository(pool)
		queue = outbox.NewPGQueue()

		if cfg.Redis.URL != "" {
			rdb, err := db.NewRedisClient(ctx, cfg.Redis.URL)
			if err != nil {
				pool.Close()
				return nil, err
			}
			a.rdb = rdb
			feed = notification.NewRedisFeed(rdb)
		} else {
			logger.Warn("redis.url not set; live feed limited to this process")
			feed = notification.NewLocalFeed()
		}
	}
	a.feed = feed

	notifier := notification.NewOutboxNotifier(queue)
	a.auth = auth.NewService(userRepo, cfg.Auth.JWTSecret, auth.WithTokenTTL(cfg.Auth.TokenTTL))
	a.reliability = reliability.NewService(txs, relRepo, notifier).
		WithLogger(logger.With("component", "reliability"))
	a.proposals = proposal.NewService(txs, propRepo, a.reliability, notifier).
		WithLogger(logger.With("component", "proposal"))

	dispatcher := notification.NewDispatcher(noteStore, feed).
		WithLogger(logger.With("component", "notification"))
	a.notifications = notification.NewService(noteStore, dispatcher)

	a.relay = outbox.NewRelay(txs, queue, outbox.Config{
		PollInterval:   cfg.Outbox.PollInterval,
		BatchSize:      cfg.Outbox.BatchSize,
		MaxAttempts:    cfg.Outbox.MaxAttempts,
		InitialBackoff: cfg.Outbox.InitialBackoff,
		MaxBackoff:     cfg.Outbox.MaxBackoff,
		Jitter:         cfg.Outbox.Jitter,
	}).
		WithLogger(logger.With("component", "outbox")).
		WithMetrics(outbox.NewMetrics(a.registry))
	a.relay.Handle(notification.TopicDispatch, dispatcher.HandleOutbox)

	scanMetrics := scanner.NewMetrics(a.registry)
	a.sessions = scanner.NewRegistry(a.proposals, a.reliability, logger.With("component", "scanner"),
		scanner.WithInterval(cfg.Scanner.Interval),
		scanner.WithMetrics(scanMetrics),
	)
	a.sweeper = scanner.NewSweeper(a.proposals, a.reliability,
		scanner.WithSchedule(cfg.Sweeper.Schedule),
		scanner.WithBatchSize(cfg.Sweeper.BatchSize),
		scanner.WithMaxBatches(cfg.Sweeper.MaxBatches),
		scanner.WithSweeperLogger(logger.With("component", "sweeper")),
		scanner.WithSweeperMetrics(scanMetrics),
	)
	return a, nil
}

// server builds the HTTP API over the wired services.
func (a *app) server() *Server {
	s := &Server{
		authService:         a.auth,
		proposalService:     a.proposals,
		reliabilityService:  a.reliability,
		notificationService: a.notifications,
		sessions:            a.sessions,
		feed:                a.feed,
		metrics:             promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
		logger:              a.logger.With("component", "http"),
	}
	if a.pool != nil {
		s.healthCheck = a.pool.Ping
	}
	return s
}

// httpServer derives every request context from base, so cancelling base
// ends long-lived notification streams and lets Shutdown finish.
func (a *app) httpServer(base context.Context) *http.Server {
	return &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.server().routes(),
		ReadHeaderTimeout: a.cfg.HTTP.ReadTimeout,
		ReadTimeout:       a.cfg.HTTP.ReadTimeout,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
}

func (a *app) close() {
	a.sessions.CloseAll()
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Warn("close redis", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
