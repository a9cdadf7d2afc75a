package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/time/rate"

	"github.com/tileworks/platform/internal/broker"
	"github.com/tileworks/platform/internal/config"
	"github.com/tileworks/platform/internal/executor"
	"github.com/tileworks/platform/internal/jobs"
	"github.com/tileworks/platform/internal/lock"
	"github.com/tileworks/platform/internal/metrics"
	"github.com/tileworks/platform/internal/provider"
	"github.com/tileworks/platform/internal/retry"
	"github.com/tileworks/platform/internal/saga"
	commonerrors "github.com/tileworks/platform/pkg/errors"
	"github.com/tileworks/platform/pkg/health"
	"github.com/tileworks/platform/pkg/logger"
	pkgredis "github.com/tileworks/platform/pkg/redis"
	"github.com/tileworks/platform/pkg/response"
	"github.com/tileworks/platform/pkg/tracing"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.ServiceName, os.Stdout).SetLevel(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("invalid config")
		os.Exit(1)
	}
	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("coordinator stopped")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(tracing.ConfigFromEnv(cfg.ServiceName))
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// 连接数据库
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	runRepo := jobs.NewPostgresRunRepository(db)
	if err := runRepo.EnsureSchema(ctx); err != nil {
		return err
	}
	log.Info("connected to PostgreSQL")

	// 连接 Redis
	redisCfg, err := pkgredis.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("redis config: %w", err)
	}
	rdb, err := pkgredis.NewClient(ctx, redisCfg)
	if err != nil {
		return err
	}
	defer rdb.Close()
	log.Info("connected to Redis")

	m := metrics.NewDefault()
	store := pkgredis.NewStore(rdb.Client, "")

	// broker
	brokerClient := broker.NewRedisClient(
		pkgredis.NewStreamClient(rdb.Client, cfg.StreamMaxLen),
		cfg.StreamPrefix,
		broker.WithReplyPrefix(cfg.ReplyChannel),
		broker.WithClientLogger(log),
	)

	// saga
	orch := saga.NewOrchestrator(
		saga.NewRedisRepository(store, cfg.Saga.KeyPrefix, cfg.Saga.TTL),
		saga.WithLogger(log),
		saga.WithMetrics(m),
	)
	loop := executor.New(orch, brokerClient, executor.Config{
		StepTimeout: cfg.Saga.StepTimeout,
		MaxDuration: cfg.Saga.MaxDuration,
	}, executor.WithLogger(log), executor.WithMetrics(m))

	// retry + requeue
	retryOpts := []retry.Option{retry.WithLogger(log), retry.WithMetrics(m)}
	if cfg.Retry.ProviderRPS > 0 {
		retryOpts = append(retryOpts, retry.WithLimiter(rate.NewLimiter(rate.Limit(cfg.Retry.ProviderRPS), cfg.Retry.ProviderBurst)))
	}
	retries := retry.New(retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}, retryOpts...)
	requeuer := jobs.NewRequeuer(brokerClient, retries, cfg.Retry.MaxRequeueAttempts,
		jobs.WithRequeueLogger(log), jobs.WithRequeueMetrics(m))

	tiles := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout)
	syncWorker := jobs.NewWorker(cfg.Scheduler.Pattern, tiles.SyncJob(), retries, requeuer, log)

	// background saga runs started over the broker
	var sagaRuns sync.WaitGroup
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRuns()

	router := broker.NewRouter()
	syncService, syncAction := splitPattern(cfg.Scheduler.Pattern)
	if err := router.Register(syncService, syncAction, syncWorker.Handle); err != nil {
		return err
	}
	if err := router.Register("saga", "start", startSagaHandler(orch, loop, runCtx, &sagaRuns, log)); err != nil {
		return err
	}
	if err := router.Require(cfg.Scheduler.Pattern, broker.Pattern("saga", "start")); err != nil {
		return err
	}

	var consumerLoop, schedulerLoop health.LoopMonitor
	consumerLoop.Tick()
	server := broker.NewServer(brokerClient, router, broker.ServerConfig{
		Group:        cfg.ConsumerGroup,
		Consumer:     cfg.ConsumerName,
		MaxRetries:   cfg.BrokerRetries,
		ClaimMinIdle: cfg.ClaimMinIdle,
	}, broker.WithServerLogger(log), broker.WithServerMetrics(m), broker.WithLoopMonitor(&consumerLoop))

	// job ledger + scheduler
	ledger := jobs.NewLedger(runRepo, jobs.WithLedgerLogger(log), jobs.WithLedgerMetrics(m))
	dispatcher := jobs.NewDispatcher(brokerClient, ledger, cfg.Scheduler.RPCWait, log)
	locker := lock.New(store, lock.WithLogger(log), lock.WithMetrics(m))
	scheduler := jobs.NewScheduler(locker, dispatcher,
		jobs.WithSchedulerLogger(log), jobs.WithSchedulerMonitor(&schedulerLoop))
	if cfg.Scheduler.Enabled {
		schedulerLoop.Tick()
		err := scheduler.Add(jobs.ScheduledJob{
			JobID:   cfg.Scheduler.JobID,
			Spec:    cfg.Scheduler.Spec,
			LockTTL: cfg.Scheduler.LockTTL,
			Source: provider.RegionSource(cfg.Scheduler.JobID, cfg.Scheduler.Pattern,
				cfg.Scheduler.Regions, cfg.Scheduler.Zoom, cfg.Scheduler.Await, cfg.Scheduler.RPCWait),
		})
		if err != nil {
			return err
		}
	}

	// health
	h := health.New()
	h.Register(health.NewPostgresChecker(db))
	h.Register(health.NewRedisChecker(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }))
	h.Register(health.NewLoopChecker("broker_consumer", &consumerLoop, 30*time.Second))
	if cfg.Scheduler.Enabled {
		// the scheduler ticks once per cycle
		h.Register(health.NewLoopChecker("scheduler", &schedulerLoop, cfg.Scheduler.StaleAfter))
	}

	// HTTP 服务
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/live", h.LiveHandler())
	mux.Handle("/ready", h.ReadyHandler())
	mux.Handle("/health", h.HealthHandler())
	mux.HandleFunc("GET /v1/sagas/{id}", func(w http.ResponseWriter, r *http.Request) {
		state, err := orch.GetSaga(r.Context(), r.PathValue("id"))
		if err != nil {
			response.WriteErr(w, r, err)
			return
		}
		response.WriteJSON(w, http.StatusOK, state)
	})
	mux.HandleFunc("GET /v1/job-runs", func(w http.ResponseWriter, r *http.Request) {
		scheduleRunID := r.URL.Query().Get("scheduleRunId")
		if scheduleRunID == "" {
			response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "scheduleRunId required")
			return
		}
		runs, err := ledger.History(r.Context(), scheduleRunID)
		if err != nil {
			response.WriteErr(w, r, err)
			return
		}
		response.WriteJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
	})

	var handler http.Handler = mux
	handler = tracing.HTTPMiddleware(handler)
	handler = response.RecoveryMiddleware(log)(handler)
	handler = response.RequestIDMiddleware(handler)
	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := server.Start(ctx); err != nil {
			errCh <- fmt.Errorf("broker server: %w", err)
		}
	}()
	if cfg.Scheduler.Enabled {
		scheduler.Start(ctx)
	}
	go func() {
		log.Infof("http server listening", map[string]interface{}{"port": cfg.HTTPPort})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	h.SetReady(true)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errCh:
		log.WithError(runErr).Error("component failed, shutting down")
	}
	h.SetReady(false)
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if cfg.Scheduler.Enabled {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			log.WithError(err).Warn("scheduler shutdown")
		}
	}
	// in-flight sagas stay resumable from the store
	cancelRuns()
	sagaRuns.Wait()
	return runErr
}

type startSagaRequest struct {
	TransactionType string                `json:"transactionType"`
	Steps           []saga.StepDefinition `json:"steps"`
}

// startSagaHandler creates the saga synchronously and drives it in the
// background, replying with the id right away.
func startSagaHandler(orch *saga.Orchestrator, loop *executor.Loop, runCtx context.Context, wg *sync.WaitGroup, log *logger.Logger) broker.Handler {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req startSagaRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, commonerrors.Newf(commonerrors.CodeInvalidRequest, "decode saga request: %v", err)
		}
		sagaID, err := orch.CreateSaga(ctx, req.TransactionType, req.Steps)
		if err != nil {
			return nil, err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := loop.Run(runCtx, sagaID)
			if err != nil {
				log.WithError(err).Errorf("saga run ended with error", map[string]interface{}{
					"sagaId": sagaID,
					"status": out.Status,
				})
			}
		}()
		return map[string]string{"sagaId": sagaID}, nil
	}
}

func splitPattern(pattern string) (service, action string) {
	service, action, _ = strings.Cut(pattern, ".")
	return service, action
}
