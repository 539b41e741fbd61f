package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/nimasrn/message-dispatcher/internal/config"
	"github.com/nimasrn/message-dispatcher/internal/dispatcher"
	"github.com/nimasrn/message-dispatcher/internal/queue"
	"github.com/nimasrn/message-dispatcher/internal/repository"
	"github.com/nimasrn/message-dispatcher/pkg/logger"
	"github.com/nimasrn/message-dispatcher/pkg/pg"
	"github.com/nimasrn/message-dispatcher/pkg/prom"
	"github.com/nimasrn/message-dispatcher/pkg/redis"
)

// main.go --limit=100 --env=.env
func main() {
	err := config.Load(config.EnvPathFromArgs(os.Args))
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := config.Get()

	limit := cfg.DispatchLimit
	if v := config.ArgValue(os.Args, "limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			logger.Error("invalid --limit", "value", v, "error", err)
			os.Exit(1)
		}
		limit = n
	}

	db, err := pg.CreateReadWrite(cfg.PostgresRead(), cfg.PostgresWrite(), cfg.AppEnv == "dev")
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		os.Exit(1)
	}

	redisAdap, err := redis.NewRedisAdapter("default", cfg.RedisUniversalKeyPrefix, cfg.RedisOptions("dispatch"))
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		os.Exit(1)
	}

	q, err := queue.NewQueue(redisAdap, cfg.Queue())
	if err != nil {
		logger.Error("failed creating queue", "error", err)
		os.Exit(1)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if err := prom.Create(hostname, cfg.AppEnv, cfg.PromNamespace); err != nil {
		logger.Warn("failed to create prometheus metrics", "error", err)
	}

	var pacer dispatcher.Pacer = dispatcher.SleepPacer{}
	if cfg.DispatchPacer == config.PacerTokenBucket {
		pacer = dispatcher.NewTokenBucketPacer()
	}

	d := dispatcher.NewBatchDispatcher(
		repository.NewMessageRepository(db),
		queue.NewTaskSubmitter(q),
		pacer,
		logger.GetLogger(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Processing pending messages", "limit", limit, "rate_limit", cfg.MessageRateLimit, "rate_interval", cfg.MessageRateInterval)
	n, err := d.Dispatch(ctx, limit, cfg.MessageRateLimit, cfg.MessageRateInterval)
	if err != nil {
		logger.Error("dispatch stopped", "submitted", n, "error", err)
		os.Exit(1)
	}
	logger.Info("Dispatched messages for delivery", "submitted", n)
}
