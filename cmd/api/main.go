package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"run-orchestrator/internal/api"
	"run-orchestrator/internal/config"
	"run-orchestrator/internal/dispatch"
	"run-orchestrator/internal/enqueue"
	"run-orchestrator/internal/ingest"
	"run-orchestrator/internal/logger"
	"run-orchestrator/internal/queue"
	"run-orchestrator/internal/ratelimit"
	"run-orchestrator/internal/store"
)

func main() {
	cfg := config.Load()
	logg := logger.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
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

	policy := dispatch.NewPolicy(dispatch.DefaultAllowlist())
	enqueuer := enqueue.New(st, runQueue, policy, logg)
	intake := ingest.NewIntake(st, normalizeQueue, logg)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, st, runQueue, enqueuer, intake, limiter, logg)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logg.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
