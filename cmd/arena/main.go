package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/moneybench/arena/internal/app/migrate"
	"github.com/moneybench/arena/internal/artifact"
	"github.com/moneybench/arena/internal/domain"
	httpx "github.com/moneybench/arena/internal/http"
	"github.com/moneybench/arena/internal/metrics"
	"github.com/moneybench/arena/internal/repository/postgres"
	sandbox "github.com/moneybench/arena/internal/sandbox/docker"
	"github.com/moneybench/arena/internal/service/build"
	"github.com/moneybench/arena/internal/service/deployer"
	"github.com/moneybench/arena/internal/service/leaderboard"
	"github.com/moneybench/arena/internal/service/ledger"
	"github.com/moneybench/arena/internal/service/routing"
	"github.com/moneybench/arena/internal/service/scheduler"
	"github.com/moneybench/arena/internal/service/submission"
	"github.com/moneybench/arena/internal/workspace"
	"github.com/moneybench/arena/internal/ws"
	"github.com/moneybench/arena/pkg/config"
	"github.com/moneybench/arena/pkg/logger"
)

// fanoutPublisher forwards pipeline events to every sink.
type fanoutPublisher []scheduler.Publisher

func (f fanoutPublisher) Publish(event domain.PipelineEvent) {
	for _, p := range f {
		p.Publish(event)
	}
}

func main() {
	cfg := config.LoadArenaConfig()
	log := logger.New("arena", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	dockerClient, err := sandbox.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to connect to docker", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Error("docker ping failed", "error", err)
		os.Exit(1)
	}

	workspaces, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		log.Error("failed to prepare workspace root", "error", err)
		os.Exit(1)
	}

	limits := sandbox.Limits{
		CPUs:        cfg.BuildCPUs,
		MemoryBytes: int64(cfg.BuildMemoryMB) * 1024 * 1024,
	}

	validator := artifact.NewValidator(cfg.BoundSecrets)
	buildSvc := build.New(dockerClient, workspaces, repo, log, cfg.ImageRegistry, cfg.BuildTimeout, limits)

	routingSvc, err := routing.New(cfg.RoutingConfigDir, cfg.DomainSuffix, cfg.RoutingReloadCmd, cfg.RoutingContainer, log)
	if err != nil {
		log.Error("failed to configure routing", "error", err)
		os.Exit(1)
	}

	deploySvc := deployer.New(dockerClient, routingSvc, repo, log, deployer.Options{
		AppPort:          cfg.AppPort,
		HealthPath:       cfg.HealthPath,
		ReadinessTimeout: cfg.ReadinessTimeout,
		HealthInterval:   cfg.HealthInterval,
		Limits:           limits,
		Env:              secretEnv(cfg.BoundSecrets),
	})

	var dedup ledger.Dedup
	if addr := strings.TrimSpace(cfg.DedupRedisAddr); addr != "" {
		dedup, err = ledger.NewRedisDedup(addr, cfg.DedupRedisPass, cfg.DedupRedisDB, cfg.DedupTTL)
		if err != nil {
			log.Warn("redis dedup unavailable, relying on database constraint", "error", err)
			dedup = nil
		}
	}
	ledgerSvc := ledger.New(repo, repo, repo, dedup, log, cfg.LedgerLateCutoff)

	submissions := submission.New(repo, repo, repo, log)
	board := leaderboard.New(repo)

	if pollURL := strings.TrimSpace(cfg.ProcessorPollURL); pollURL != "" {
		source := ledger.NewHTTPSource(pollURL, cfg.ProcessorPollToken)
		poller := ledger.NewPoller(source, ledgerSvc, log, cfg.ProcessorPollEvery)
		go poller.Run(ctx)
	}

	hub := ws.NewHub(cfg.EventBuffer)
	defer hub.Shutdown()
	publisher := fanoutPublisher{
		hub,
		metrics.NewPipeline(),
		leaderboard.NewBroadcaster(board, hub, log),
	}

	sched := scheduler.New(repo, repo, repo, validator, buildSvc, deploySvc, publisher, log, scheduler.Options{
		CycleLength:      cfg.CycleLength,
		ArtifactDeadline: cfg.ArtifactDeadline,
		SubmissionPoll:   cfg.SubmissionPoll,
	})
	go func() {
		if err := sched.Run(ctx); err != nil {
			log.Error("scheduler stopped", "error", err)
		}
	}()

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, submissions, ledgerSvc, board, repo, repo, repo, hub, limiter, cfg.PaymentWebhookSecret, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("arena server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("arena server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// secretEnv resolves bound secret names from the host environment into
// NAME=value pairs for serving containers. Unset names are skipped.
func secretEnv(names []string) []string {
	var env []string
	for _, name := range names {
		if value, ok := os.LookupEnv(name); ok && value != "" {
			env = append(env, name+"="+value)
		}
	}
	return env
}
