// Kestrel scores payments for fraud risk in real time.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/feedback"
	"github.com/opensource-finance/kestrel/internal/profile"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(os.Stdout, cfg.Logging))

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"rules_file", cfg.Rules.File,
		"async_ingest", cfg.Scoring.AsyncIngest,
		"tracing", cfg.Tracing.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Repository is optional: scoring never waits on the audit trail.
	var (
		repo        domain.Repository
		alertStore  domain.AlertStore
		policyStore decision.PolicyStore
	)
	if cfg.Repository.Driver != "none" {
		sqlRepo, err := repository.New(ctx, cfg.Repository)
		if err != nil {
			slog.Error("failed to initialize repository", "error", err)
			os.Exit(1)
		}
		defer sqlRepo.Close()
		repo, alertStore, policyStore = sqlRepo, sqlRepo, sqlRepo
		slog.Info("repository initialized", "driver", cfg.Repository.Driver)
	}

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Profiles are snapshotted to the shared cache only when it is shared.
	profileOpts := profile.Options{
		Shards:         cfg.Scoring.ProfileShards,
		Alpha:          cfg.Scoring.ProfileAlpha,
		BeneficiaryCap: cfg.Scoring.BeneficiaryCap,
	}
	if cfg.Cache.Type == "redis" {
		profileOpts.Cache = cacheImpl
		profileOpts.CacheTTL = cfg.Cache.ScoreTTL
	}
	profiles := profile.NewStore(profileOpts)
	updater := profile.NewUpdater(profiles, cfg.Scoring.ProfileShards, cfg.Scoring.UpdateQueueSize)
	defer updater.Close()

	engine, err := rules.NewEngine()
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	rulesFile, stopWatch, err := loadRules(ctx, cfg.Rules, repo, engine)
	if err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	defer stopWatch()
	slog.Info("rule engine initialized",
		"rules_count", engine.Snapshot().Len(),
		"disabled", len(engine.Snapshot().Errors()),
	)

	policy, err := decision.NewPolicy(cfg.Policy.Weights, cfg.Policy.Thresholds, policyStore)
	if err != nil {
		slog.Error("failed to initialize policy", "error", err)
		os.Exit(1)
	}
	alerts := alert.NewQueue(alertStore)
	if repo != nil {
		restoreState(ctx, repo, policy, alerts)
	}
	slog.Info("decision policy initialized",
		"version", policy.Current().Version,
		"pending_alerts", alerts.PendingLen(),
	)

	pipeline := scoring.New(scoring.Deps{
		Profiles: profiles,
		Updater:  updater,
		Rules:    engine,
		Scorer:   anomaly.NewProfileDistance(),
		Policy:   policy,
		Alerts:   alerts,
		Cache:    cacheImpl,
		Repo:     repo,
		Bus:      busImpl,
	}, scoring.Options{
		AnomalyBudget: cfg.Scoring.AnomalyBudget,
		ScoreTTL:      cfg.Cache.ScoreTTL,
	})

	recalibrator := feedback.NewService(alerts, policy, cfg.Feedback, busImpl)
	recalibrator.Start(ctx, cfg.Feedback.Interval)
	defer recalibrator.Stop()

	var ingest *worker.Worker
	if cfg.Scoring.AsyncIngest {
		ingest = worker.NewWorker(busImpl, pipeline)
		if err := ingest.Start(worker.Config{
			Workers:    cfg.Scoring.Workers,
			QueueDepth: cfg.Scoring.QueueDepth,
		}); err != nil {
			slog.Error("failed to start streaming worker", "error", err)
			os.Exit(1)
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Pipeline:  pipeline,
		Alerts:    alerts,
		Rules:     engine,
		Policy:    policy,
		Feedback:  recalibrator,
		RulesFile: rulesFile,
		Repo:      repo,
		Cache:     cacheImpl,
		Bus:       busImpl,
		Worker:    ingest,
	}, Version)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			stop()
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop ingesting before the updater and stores close.
	if ingest != nil {
		if err := ingest.Stop(); err != nil {
			slog.Error("failed to stop streaming worker", "error", err)
		}
	}

	slog.Info("kestrel shutdown complete")
}

func newLogger(w io.Writer, cfg domain.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.LogLevel(cfg)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// loadRules fills the engine from the rules file when one is configured,
// otherwise from the repository, falling back to the built-in rule set.
// The returned stop function ends the file watcher, if any.
func loadRules(ctx context.Context, cfg domain.RulesConfig, repo domain.Repository, engine *rules.Engine) (*config.RulesLoader, func(), error) {
	noop := func() {}

	if cfg.File != "" {
		loader, err := config.NewRulesLoader(cfg.File)
		if err != nil {
			return nil, noop, err
		}
		engine.Load(loader.Rules())
		loader.OnChange(func(defs []*domain.RuleConfig) {
			engine.Load(defs)
		})
		slog.Info("loading rules from file", "path", cfg.File, "count", len(loader.Rules()))

		if !cfg.Watch {
			return loader, noop, nil
		}
		stopWatch, err := loader.Watch()
		if err != nil {
			return nil, noop, err
		}
		slog.Info("watching rules file", "path", cfg.File)
		return loader, stopWatch, nil
	}

	if repo != nil {
		dbRules, err := repo.ListRuleConfigs(ctx)
		if err != nil {
			slog.Warn("failed to list rules from database", "error", err)
		} else if len(dbRules) > 0 {
			slog.Info("loading rules from database", "count", len(dbRules))
			engine.Load(dbRules)
			return nil, noop, nil
		}
	}

	slog.Info("no configured rules - loading built-in rule set")
	engine.Load(rules.DefaultRules())
	return nil, noop, nil
}

// restoreState brings back the last active policy version and unresolved
// review work from the repository.
func restoreState(ctx context.Context, repo domain.Repository, policy *decision.Policy, alerts *alert.Queue) {
	active, err := repo.GetActivePolicy(ctx)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		slog.Warn("failed to load active policy", "error", err)
	default:
		if err := policy.Restore(active); err != nil {
			slog.Warn("stored policy rejected, using defaults", "version", active.Version, "error", err)
		}
	}

	items, err := repo.ListAlerts(ctx, "")
	if err != nil {
		slog.Warn("failed to load alerts", "error", err)
		return
	}
	slog.Info("alerts restored", "count", alerts.Restore(items))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL  real-time payment risk scoring")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /payments                - Score a payment")
	fmt.Println("    POST /payments/async          - Queue a payment for streaming scoring")
	fmt.Println("    GET  /payments/{id}/score     - Get the score result for a payment")
	fmt.Println("    GET  /alerts                  - List alerts (?state=PENDING)")
	fmt.Println("    POST /alerts/next/claim       - Claim the highest-priority alert")
	fmt.Println("    POST /alerts/{id}/resolve     - Record a disposition")
	fmt.Println("    GET  /rules                   - List rules")
	fmt.Println("    POST /rules/reload            - Hot-reload rules")
	fmt.Println("    GET  /policy                  - Active decision policy")
	fmt.Println("    POST /policy/recalibrate      - Compute a recalibration proposal")
	fmt.Println("    POST /policy/activate         - Activate a proposal or explicit policy")
	fmt.Println("    GET  /health                  - Health check")
	fmt.Println("    GET  /metrics                 - Prometheus metrics")
	fmt.Println()
}
