/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

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

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/canarylabs/promptcanary/internal/config"
	"github.com/canarylabs/promptcanary/internal/httpapi"
	"github.com/canarylabs/promptcanary/internal/judge"
	"github.com/canarylabs/promptcanary/internal/logging"
	"github.com/canarylabs/promptcanary/internal/metrics"
	"github.com/canarylabs/promptcanary/internal/pipeline"
	"github.com/canarylabs/promptcanary/internal/queue"
	"github.com/canarylabs/promptcanary/internal/ratelimit"
	"github.com/canarylabs/promptcanary/internal/release"
	"github.com/canarylabs/promptcanary/internal/router"
	"github.com/canarylabs/promptcanary/internal/scoring"
	"github.com/canarylabs/promptcanary/internal/store/postgres"
	"github.com/canarylabs/promptcanary/internal/tracing"
	"github.com/canarylabs/promptcanary/internal/webhook"
)

// flags groups the CLI flags for the canaryd binary. None of them has an
// environment-variable equivalent: config.FromEnv does not read listener
// addresses, trace export, worker-pool size or retention, so these are set
// only on the command line.
type flags struct {
	apiAddr      string
	healthAddr   string
	metricsAddr  string
	otlpEndpoint string
	otlpEnabled  bool
	checkWorkers int
	retentionAge time.Duration
}

func parseFlags() *flags {
	f := &flags{}
	flag.StringVar(&f.apiAddr, "api-addr", ":8080", "API server listen address")
	flag.StringVar(&f.healthAddr, "health-addr", ":8081", "Health probe listen address")
	flag.StringVar(&f.metricsAddr, "metrics-addr", ":9090", "Metrics server listen address")
	flag.StringVar(&f.otlpEndpoint, "otlp-endpoint", "", "OTLP/HTTP trace collector endpoint")
	flag.BoolVar(&f.otlpEnabled, "otlp-enabled", false, "Enable trace export over OTLP/HTTP")
	flag.IntVar(&f.checkWorkers, "check-workers", 4, "Worker pool size for the async canary-check queue")
	flag.DurationVar(&f.retentionAge, "rollback-retention", 0, "Age past which Evaluation rows are pruned by the daily retention sweep; 0 disables the sweep")
	flag.Parse()
	return f
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	f := parseFlags()

	log, syncLog, err := logging.NewLogger()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer syncLog()

	opts, err := config.FromEnv()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	provider, err := postgres.New(withConnString(postgres.DefaultConfig(), opts.DatabaseURL))
	if err != nil {
		return err
	}
	defer func() { _ = provider.Close() }()

	if err := runMigrations(opts.DatabaseURL, log); err != nil {
		return err
	}
	log.Info("migrations complete")

	tp, err := tracing.NewProvider(ctx, tracing.Config{
		Enabled:     f.otlpEnabled,
		Endpoint:    f.otlpEndpoint,
		ServiceName: "promptcanary",
	})
	if err != nil {
		return fmt.Errorf("creating tracing provider: %w", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	mtx := metrics.New(nil)
	mtx.Initialize()

	scorer, err := scoring.NewScorer()
	if err != nil {
		return fmt.Errorf("creating scorer: %w", err)
	}

	judgeAdapter := judge.NewOpenAIJudge(opts.OpenAIAPIKey, opts.JudgeTimeout, log)
	dispatcher := webhook.NewDispatcher(opts.WebhookURL, log, mtx)

	scheduler, schedulerCleanup, err := buildScheduler(opts, log)
	if err != nil {
		return err
	}
	defer schedulerCleanup()

	rc := release.New(provider, dispatcher, scheduler, tp, log, release.Config{
		DefaultMinSamples: opts.CanaryMinSamples,
		DefaultThreshold:  opts.CanaryThreshold,
		DefaultWindowDays: opts.DefaultWindowDays,
	}, mtx)

	if detached, ok := scheduler.(*release.DetachedScheduler); ok {
		detached.SetChecker(rc.Check)
	}

	if worker, ok := scheduler.(*queue.CheckQueue); ok {
		startCheckWorker(ctx, worker, f.checkWorkers, log, rc)
	}

	p := pipeline.New(provider, router.New(provider), scorer, judgeAdapter, tp, mtx)

	handler := httpapi.NewHandler(provider, p, rc, judgeAdapter, log)
	apiMux := http.NewServeMux()
	handler.RegisterRoutes(apiMux)

	limiter := ratelimit.New(opts.RateLimitRequests, opts.RateLimitWindow)
	var apiHandler http.Handler = apiMux
	apiHandler = metrics.Middleware(mtx, apiHandler)
	apiHandler = ratelimit.Middleware(limiter, apiHandler)
	apiHandler = httpapi.RequestIDMiddleware(apiHandler)

	apiSrv := &http.Server{Addr: f.apiAddr, Handler: apiHandler}
	healthSrv := newHealthServer(f.healthAddr, provider)
	metricsSrv := newMetricsServer(f.metricsAddr)

	startHTTPServer(log, "api", f.apiAddr, apiSrv)
	startHTTPServer(log, "health", f.healthAddr, healthSrv)
	startHTTPServer(log, "metrics", f.metricsAddr, metricsSrv)

	var sweeper *cron.Cron
	if f.retentionAge > 0 {
		sweeper = startRetentionSweep(ctx, provider, log, f.retentionAge)
	}

	log.Info("canaryd ready", "api", f.apiAddr, "health", f.healthAddr, "metrics", f.metricsAddr)

	<-ctx.Done()
	log.Info("shutting down")

	if sweeper != nil {
		sweepCtx := sweeper.Stop()
		<-sweepCtx.Done()
	}
	shutdownServers(log, apiSrv, healthSrv, metricsSrv)
	return nil
}

func withConnString(cfg postgres.Config, connString string) postgres.Config {
	cfg.ConnString = connString
	return cfg
}

func runMigrations(connString string, log logr.Logger) error {
	migrator, err := postgres.NewMigrator(connString, log)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer func() { _ = migrator.Close() }()
	if err := migrator.Up(); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// buildScheduler picks a release.DetachedScheduler, bounded by
// opts.HealthCheckTimeout, when RedisAddr is unset, or a Redis-backed
// CheckQueue otherwise. The returned cleanup function must be deferred by
// the caller. The DetachedScheduler is only half-wired when this returns -
// its SetChecker must still be called once the Controller it feeds exists.
func buildScheduler(opts config.Options, log logr.Logger) (release.Scheduler, func(), error) {
	if opts.RedisAddr == "" {
		return release.NewDetachedScheduler(opts.HealthCheckTimeout, log), func() {}, nil
	}

	q, err := queue.New(opts.RedisAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting check queue: %w", err)
	}
	return q, func() { _ = q.Close() }, nil
}

// startCheckWorker runs a Worker pool that dequeues prompt ids scheduled by
// rc's Release calls and feeds them back into rc.Check, until ctx is
// canceled.
func startCheckWorker(ctx context.Context, q *queue.CheckQueue, workers int, log logr.Logger, rc *release.Controller) {
	worker := queue.NewWorker(q, workers, log, func(checkCtx context.Context, promptID int64) {
		result, err := rc.Check(checkCtx, promptID, release.CheckOptions{})
		if err != nil {
			log.Error(err, "async canary check failed", "prompt_id", promptID)
			return
		}
		log.V(1).Info("async canary check complete", "prompt_id", promptID, "rolled_back", result.RolledBack, "reason", result.Reason)
	})
	go worker.Run(ctx)
}

// startRetentionSweep prunes Evaluation rows older than maxAge once a day.
// This is storage housekeeping, not a canary-check scheduler: it never
// calls release.Controller.Check and never influences rollback decisions.
func startRetentionSweep(ctx context.Context, s *postgres.Provider, log logr.Logger, maxAge time.Duration) *cron.Cron {
	c := cron.New()
	_, err := c.AddFunc("@daily", func() {
		pruned, err := s.PruneEvaluations(ctx, time.Now().Add(-maxAge))
		if err != nil {
			log.Error(err, "retention sweep failed")
			return
		}
		log.Info("retention sweep complete", "pruned_evaluations", pruned, "max_age", maxAge)
	})
	if err != nil {
		log.Error(err, "failed to schedule retention sweep")
		return nil
	}
	c.Start()
	return c
}

func startHTTPServer(log logr.Logger, name, addr string, srv *http.Server) {
	go func() {
		log.Info("starting server", "server", name, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "server error", "server", name)
		}
	}()
}

func shutdownServers(log logr.Logger, servers ...*http.Server) {
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutCtx); err != nil {
			log.Error(err, "server shutdown error", "addr", srv.Addr)
		}
	}
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}

func newHealthServer(addr string, provider *postgres.Provider) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := provider.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("postgres unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{Addr: addr, Handler: mux}
}
