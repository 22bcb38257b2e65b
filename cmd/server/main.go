package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"spendvault/internal/audit"
	"spendvault/internal/ledger/idempotency"
	"spendvault/internal/ledger/ports"
	"spendvault/internal/ledger/service"
	memorystore "spendvault/internal/ledger/store/memory"
	postgresstore "spendvault/internal/ledger/store/postgres"
	"spendvault/internal/platform/config"
	"spendvault/internal/platform/httpserver"
	"spendvault/internal/platform/logger"
	"spendvault/internal/platform/metrics"
	"spendvault/internal/platform/middleware"
	platformredis "spendvault/internal/platform/redis"
	"spendvault/internal/ratemon"
	"spendvault/internal/settlement"
	httptransport "spendvault/internal/transport/http"
	"spendvault/pkg/domain"
)

// main wires dependencies and keeps the server lifecycle small. Business
// logic lives in the internal packages.
func main() {
	log := logger.New()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// Ledger store: postgres when configured, in-memory otherwise. The
	// in-memory store is only safe for a single instance.
	var store ports.LedgerStore
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			log.Error("open postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		pg := postgresstore.New(db)
		if err := pg.Migrate(ctx); err != nil {
			log.Error("migrate ledger schema", "error", err)
			os.Exit(1)
		}
		store = pg
	} else {
		log.Warn("POSTGRES_DSN not set, using in-memory ledger store")
		store = memorystore.New()
	}

	// Idempotency cache: redis when configured, in-process otherwise.
	var idem ports.IdempotencyStore
	redisClient, err := platformredis.New(cfg.RedisURL)
	if err != nil {
		log.Error("connect redis", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
		idem = idempotency.NewRedis(redisClient.Client, cfg.IdempotencyRetention)
	} else {
		idem = idempotency.NewMemory(cfg.IdempotencyRetention)
	}

	// Rate monitor, warmed from the stored audit trail so the risk query
	// answers immediately after a restart.
	monitor := ratemon.New(cfg.RateWindowMax)
	if events, err := store.SpendEventsSince(ctx, time.Now().Add(-cfg.RateWindowMax)); err != nil {
		log.Warn("rate monitor rebuild skipped", "error", err)
	} else {
		monitor.Rebuild(events)
	}

	// Audit pipeline: durable append plus async fan-out to the monitor and,
	// when brokers are configured, kafka.
	publisher := audit.NewPublisher(store, audit.WithLogger(log))
	sinks := []audit.Sink{monitor}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink, err := audit.NewKafkaSink(ctx, cfg.KafkaBrokers, cfg.KafkaTopic, log)
		if err != nil {
			log.Error("kafka audit sink", "error", err)
			os.Exit(1)
		}
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}
	worker := audit.NewWorker(publisher.Events(), sinks...)

	var rail settlement.PaymentRail
	if cfg.RailEndpoint != "" {
		rail = settlement.NewHTTPRail(cfg.RailEndpoint)
	} else {
		log.Warn("RAIL_ENDPOINT not set, settlements auto-confirm via noop rail")
		rail = settlement.NoopRail{}
	}
	dispatcher := settlement.New(rail,
		settlement.WithLogger(log),
		settlement.WithMetrics(m),
		settlement.WithTimeout(cfg.RailTimeout),
	)

	opts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(m),
		service.WithIdempotencyStore(idem),
		service.WithCASRetries(cfg.CASRetries),
	}
	if cfg.DefaultMerchant != "" {
		merchant, err := domain.ParseAddress(cfg.DefaultMerchant)
		if err != nil {
			log.Error("MERCHANT_ADDRESS invalid", "error", err)
			os.Exit(1)
		}
		opts = append(opts, service.WithDefaultMerchant(merchant))
	}
	sessions, err := service.New(store, publisher, dispatcher, opts...)
	if err != nil {
		log.Error("session manager init", "error", err)
		os.Exit(1)
	}

	sweeper := service.NewSweeper(store, publisher, cfg.SessionTTL, cfg.SweepInterval,
		service.WithSweeperLogger(log),
		service.WithSweeperMetrics(m),
	)

	ceiling, err := domain.ParseAmount(cfg.RiskWeiPerMinute)
	if err != nil {
		log.Error("RISK_MAX_PER_MINUTE_WEI invalid", "error", err)
		os.Exit(1)
	}
	risk := ratemon.NewRiskService(monitor, ceiling)

	handler := httptransport.NewHandler(sessions, risk)
	var apiMiddleware []func(http.Handler) http.Handler
	if cfg.APIToken != "" {
		apiMiddleware = append(apiMiddleware, middleware.RequireToken(cfg.APIToken, log))
	}
	srv := httpserver.New(cfg.Addr, httptransport.NewRouter(handler, apiMiddleware...))

	log.Info("spendvault starting", "addr", cfg.Addr)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return worker.Run(groupCtx) })
	group.Go(func() error { return sweeper.Run(groupCtx) })
	group.Go(func() error { return monitor.RunCompaction(groupCtx, cfg.SweepInterval) })
	group.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("spendvault stopped", "error", err)
		os.Exit(1)
	}
	log.Info("spendvault stopped cleanly")
}
