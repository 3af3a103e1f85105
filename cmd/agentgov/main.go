// Package main is the entry point for the agentgov daemon: the governance
// engine that decides whether a proposed agent evolution may go live, routes
// risky changes to human reviewers, and rolls misbehaving agents back to
// their last validated version.
//
// Usage:
//
//	agentgov start [-config path]   — run the engine
//	agentgov version                — print version
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentgov/agentgov/internal/agentlock"
	"github.com/agentgov/agentgov/internal/audit"
	"github.com/agentgov/agentgov/internal/config"
	"github.com/agentgov/agentgov/internal/deploy"
	"github.com/agentgov/agentgov/internal/evaluation"
	"github.com/agentgov/agentgov/internal/observability"
	"github.com/agentgov/agentgov/internal/policy"
	"github.com/agentgov/agentgov/internal/review"
	"github.com/agentgov/agentgov/internal/rollback"
	"github.com/agentgov/agentgov/internal/storage"
	"github.com/agentgov/agentgov/internal/workflow"
)

const (
	version = "0.1.0"
	appName = "agentgov"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		if err := runDaemon(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("%s v%s\n", appName, version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `%s v%s — agent evolution governance engine

Usage:
  %s <command>

Commands:
  start      Run the engine (store, evaluation, review queue, rollback)
  version    Print version
  help       Show this help
`, appName, version, appName)
}

func runDaemon(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "agentgov.yaml", "path to YAML configuration")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(appName, nil)
	metrics := observability.NewMetrics(cfg.Metrics.Namespace)

	store, err := storage.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	var remote audit.Sink
	if cfg.Audit.Endpoint != "" {
		remote = audit.NewHTTPSink(cfg.Audit.Endpoint, cfg.Audit.Timeout)
	}
	recorder := audit.NewRecorder(audit.NewMirrorSink(store, remote), logger.Named("audit"))

	policyClient := policy.NewHTTPClient(policy.HTTPClientConfig{
		Endpoint:         cfg.Policy.Endpoint,
		Timeout:          cfg.Policy.Timeout,
		BreakerThreshold: cfg.Policy.BreakerThreshold,
		BreakerCooldown:  cfg.Policy.BreakerCooldown,
	}, logger.Named("policy"))

	evalEngine, err := evaluation.New(
		policyClient,
		workflow.StoreBaseline(store),
		logger.Named("evaluation"),
		evaluation.WithWeights(cfg.Evaluation.Weights),
		evaluation.WithThresholds(cfg.Evaluation.Thresholds),
		evaluation.WithCacheTTL(cfg.Policy.CacheTTL),
		evaluation.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}

	deployer := deploy.NewHTTPDeployer(cfg.Deploy.Endpoint, cfg.Deploy.Timeout, logger.Named("deploy"))
	locks := agentlock.New()
	queue := review.NewQueue(store, logger.Named("review"), metrics)

	rollbackMgr := rollback.New(store, deployer, recorder, locks, logger.Named("rollback"), metrics)

	engine := workflow.New(workflow.Config{
		Store:    store,
		Eval:     evalEngine,
		Queue:    queue,
		Deployer: deployer,
		Recorder: recorder,
		Locks:    locks,
		Rollback: rollbackMgr,
		Logger:   logger.Named("workflow"),
		Metrics:  metrics,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Sample the policy breaker into the gauge.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetBreakerOpen(policyClient.BreakerState() == policy.BreakerOpen)
			}
		}
	}()

	escalator := review.NewEscalator(queue, recorder, logger.Named("review"), metrics,
		cfg.Review.SweepSchedule, cfg.Review.PendingSLA)
	if err := escalator.Start(ctx); err != nil {
		return err
	}
	defer escalator.Stop()

	if cfg.Metrics.ListenAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.Metrics.ListenAddress, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener failed", "error", err.Error())
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		logger.Info("metrics listening", "addr", cfg.Metrics.ListenAddress)
	}

	// Re-schedule evaluations interrupted by a previous crash.
	if err := engine.Recover(ctx); err != nil {
		return err
	}

	logger.Info("engine started",
		"store", cfg.Store.Path,
		"policy_endpoint", cfg.Policy.Endpoint,
	)

	<-ctx.Done()
	logger.Info("shutting down")
	engine.Close()
	return nil
}
