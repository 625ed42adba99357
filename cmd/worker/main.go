package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"run-orchestrator/internal/artifacts"
	"run-orchestrator/internal/config"
	"run-orchestrator/internal/dispatch"
	"run-orchestrator/internal/enqueue"
	"run-orchestrator/internal/ingest"
	"run-orchestrator/internal/logger"
	"run-orchestrator/internal/queue"
	"run-orchestrator/internal/scheduler"
	"run-orchestrator/internal/store"
	"run-orchestrator/internal/telemetry"
	"run-orchestrator/internal/worker"
)

func main() {
	cfg := config.Load()
	logg := logger.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	runQueue := queue.NewRedisQueue(redisClient, queue.Options{
		Namespace:      "runs",
		PriorityQueues: cfg.PriorityQueues,
		Visibility:     cfg.VisibilityTimeout,
		DLQName:        cfg.DLQName,
	})
	normalizeQueue := queue.NewRedisQueue(redisClient, queue.Options{
		Namespace:  "normalize",
		Visibility: cfg.VisibilityTimeout,
	})

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	registry := dispatch.NewRegistry(map[string]dispatch.Handler{
		"ping":            dispatch.PingHandler,
		"report.generate": dispatch.ReportHandler,
	})
	policy := dispatch.NewPolicy(dispatch.DefaultAllowlist())
	dispatcher := dispatch.NewDispatcher(registry, policy, logg)

	sink, err := artifacts.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init artifact store: %v", err)
	}

	runProcessor := worker.NewProcessor(cfg, runQueue, st, dispatcher, sink, workerID, logg)
	if len(cfg.RetrySchedule) > 0 {
		runProcessor.SetBackoffPolicy(worker.FixedSchedule(cfg.RetrySchedule...))
	}
	normalizeProcessor := ingest.NewProcessor(cfg, normalizeQueue, st, workerID, logg)

	enqueuer := enqueue.New(st, runQueue, policy, logg)
	sched := scheduler.New(st, enqueuer, cfg.SchedulerInterval, logg)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	go func() {
		if err := normalizeProcessor.Run(ctx); err != nil {
			logg.Error("normalize processor stopped", "error", err)
		}
	}()
	go func() {
		if err := sched.Run(ctx); err != nil {
			logg.Error("scheduler stopped", "error", err)
		}
	}()

	logg.Info("worker started",
		"worker_id", workerID,
		"visibility", cfg.VisibilityTimeout,
		"backoff_initial", cfg.BackoffInitial,
		"job_types", registry.JobTypes())
	if err := runProcessor.Run(ctx); err != nil {
		logg.Error("worker stopped", "error", err)
	}
}
