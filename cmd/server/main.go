package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/better-wallet/spendguard/internal/api"
	"github.com/better-wallet/spendguard/internal/audit"
	"github.com/better-wallet/spendguard/internal/config"
	"github.com/better-wallet/spendguard/internal/delegation"
	"github.com/better-wallet/spendguard/internal/enforcement"
	"github.com/better-wallet/spendguard/internal/ledger"
	"github.com/better-wallet/spendguard/internal/logger"
	"github.com/better-wallet/spendguard/internal/metering"
	"github.com/better-wallet/spendguard/internal/metrics"
	"github.com/better-wallet/spendguard/internal/payment"
	"github.com/better-wallet/spendguard/internal/policy"
	"github.com/better-wallet/spendguard/internal/ratelimit"
	"github.com/better-wallet/spendguard/internal/session"
	"github.com/better-wallet/spendguard/internal/signing"
	"github.com/better-wallet/spendguard/internal/storage"
	"github.com/better-wallet/spendguard/pkg/types"
)

// stores groups the backing store of every component.
type stores struct {
	policies    policy.Store
	delegations delegation.Store
	sessions    session.Store
	metering    metering.Store
	audit       audit.Sink
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(cfg.Log.Format, cfg.Log.Level); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("spendguard exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	checks := map[string]api.Checker{}

	// Stores: Postgres when a DSN is configured, memory otherwise.
	st := stores{
		policies:    policy.NewMemoryStore(),
		delegations: delegation.NewMemoryStore(),
		sessions:    session.NewMemoryStore(),
		metering:    metering.NewMemoryStore(),
	}
	if cfg.Database.DSN != "" {
		db, err := storage.New(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		slog.Info("connected to database")

		st.policies = storage.NewPolicyRepository(db)
		st.delegations = storage.NewDelegationRepository(db)
		st.sessions = storage.NewSessionRepository(db)
		st.metering = storage.NewMeteringRepository(db)
		st.audit = storage.NewAuditRepository(db)
		checks["postgres"] = db.Ping
	} else {
		slog.Warn("no database configured, state is kept in memory")
	}

	// Rate counters and cross-instance invalidation.
	var (
		counter  ratelimit.Counter = ratelimit.NewMemoryCounter()
		notifier *policy.RedisNotifier
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		counter = ratelimit.NewRedisCounter(rdb, cfg.Redis.Prefix)
		notifier = policy.NewRedisNotifier(rdb, cfg.Redis.Prefix)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	// Ledger registrations.
	var l ledger.Ledger = ledger.NewMemoryLedger()
	if cfg.Ledger.Endpoint != "" {
		l = ledger.NewHTTPLedger(ledger.HTTPConfig{
			Endpoint:          cfg.Ledger.Endpoint,
			APIKey:            cfg.Ledger.APIKey,
			Timeout:           cfg.Ledger.Timeout,
			RequestsPerSecond: cfg.Ledger.RequestsPerSecond,
		}, m)
	} else {
		slog.Warn("no ledger endpoint configured, registrations stay in memory")
	}
	recorder := ledger.NewRecorder(l, ledger.RecorderOptions{
		BufferSize:  cfg.Ledger.BufferSize,
		MaxAttempts: cfg.Ledger.MaxAttempts,
		Timeout:     cfg.Ledger.Timeout,
		Metrics:     m,
	})
	recorder.Start()

	// Audit trail.
	var sinks audit.MultiSink
	for _, name := range cfg.Audit.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, audit.NewSlogSink(slog.Default()))
		case "ledger":
			sinks = append(sinks, audit.NewLedgerSink(recorder))
		case "postgres":
			if st.audit == nil {
				slog.Warn("postgres audit sink requested without a database, skipping")
				continue
			}
			sinks = append(sinks, st.audit)
		default:
			slog.Warn("unknown audit sink", "sink", name)
		}
	}
	auditLog := audit.NewLogger(sinks, audit.Options{
		BufferSize:    cfg.Audit.BufferSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
		WriteTimeout:  cfg.Audit.WriteTimeout,
		Metrics:       m,
	})
	auditLog.Start()

	// Signing.
	signer, err := signing.NewSigner(ctx, cfg.Signing)
	if err != nil {
		return err
	}
	verifier, err := signing.NewVerifier(cfg.Signing)
	if err != nil {
		return err
	}
	slog.Info("signer ready", "scheme", signer.Scheme(), "public_key", signer.PublicKey())

	// Core components.
	var policyNotifier policy.Notifier
	if notifier != nil {
		policyNotifier = notifier
	}
	policies := policy.NewService(st.policies, recorder, policyNotifier, auditLog)

	delegations := delegation.NewManager(st.delegations, delegation.Options{
		Verifier:         verifier,
		Recorder:         recorder,
		Audit:            auditLog,
		Metrics:          m,
		SignatureTimeout: cfg.Signing.Timeout,
	})

	engine := enforcement.NewEngine(policies, policy.NewEvaluator(), enforcement.Options{
		BypassEndpoints:   cfg.Enforcement.BypassEndpoints,
		RequireDelegation: cfg.Enforcement.RequireDelegation,
		CacheTTL:          cfg.Enforcement.CacheTTL,
		EvaluationTimeout: cfg.Enforcement.EvaluationTimeout,
		Delegations:       delegations,
		Counter:           counter,
		Audit:             auditLog,
		Metrics:           m,
	})

	meter := metering.NewService(st.metering, m)

	estimator, err := payment.NewStaticEstimator(cfg.Payment.DefaultCost, cfg.Payment.EndpointCosts)
	if err != nil {
		return err
	}
	fetcher := payment.NewHTTPFetcher(signer, payment.HTTPFetcherConfig{
		Network: cfg.Payment.Network,
		Timeout: cfg.Session.FetchTimeout,
	}, m)

	defaultBudget, err := types.ParseAmount(cfg.Session.DefaultBudget)
	if err != nil {
		return err
	}
	events := session.NewDispatcher(m)
	sessions := session.NewManager(st.sessions, engine, meter, estimator, fetcher, session.Options{
		DefaultTTL:      cfg.Session.DefaultTTL,
		DefaultBudget:   defaultBudget,
		DefaultCurrency: cfg.Session.DefaultCurrency,
		FetchTimeout:    cfg.Session.FetchTimeout,
		EstimateTimeout: cfg.Session.EstimateTimeout,
		Events:          events,
		Audit:           auditLog,
		Metrics:         m,
	})

	// Background work.
	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()

	if notifier != nil {
		go notifier.Listen(bgCtx, engine.InvalidatePolicy, engine.Clear)
	}
	go sessions.RunSweeper(bgCtx, cfg.Session.SweepInterval)
	go sweep(bgCtx, "delegations", cfg.Session.SweepInterval, delegations.CleanupExpired)
	go sweep(bgCtx, "policies", cfg.Session.SweepInterval, policies.ExpireOverdue)
	go logEvents(bgCtx, events)

	server := api.NewServer(cfg.Server, reg, checks)
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	slog.Info("spendguard started",
		"addr", cfg.Server.Addr,
		"postgres", cfg.Database.DSN != "",
		"redis", cfg.Redis.Addr != "",
		"require_delegation", cfg.Enforcement.RequireDelegation,
	)

	var runErr error
	select {
	case runErr = <-serverErrors:
		slog.Error("server error", "error", runErr)
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("error during shutdown", "error", err)
	}
	cancelBg()
	events.Close()
	auditLog.Stop()
	if err := recorder.Stop(shutdownCtx); err != nil {
		slog.Warn("ledger queue not fully drained", "error", err)
	}

	slog.Info("spendguard stopped")
	return runErr
}

// sweep runs fn every interval until ctx is done.
func sweep(ctx context.Context, name string, interval time.Duration, fn func(context.Context) (int, error)) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := fn(ctx)
			if err != nil {
				logger.Error(ctx, "sweep failed", "target", name, "error", err)
				continue
			}
			if n > 0 {
				logger.Info(ctx, "sweep expired records", "target", name, "count", n)
			}
		}
	}
}

// logEvents mirrors runtime events into the debug log.
func logEvents(ctx context.Context, d *session.Dispatcher) {
	ch, cancel := d.Subscribe(256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			logger.Debug(ctx, "runtime event",
				"type", string(ev.Type),
				"session_id", ev.SessionID,
				"agent_id", ev.AgentID,
				"request_id", ev.RequestID,
			)
		}
	}
}
