package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/nimasrn/message-dispatcher/internal/cache"
	"github.com/nimasrn/message-dispatcher/internal/config"
	"github.com/nimasrn/message-dispatcher/internal/delivery"
	"github.com/nimasrn/message-dispatcher/internal/processor"
	"github.com/nimasrn/message-dispatcher/internal/queue"
	"github.com/nimasrn/message-dispatcher/internal/repository"
	"github.com/nimasrn/message-dispatcher/internal/webhook"
	"github.com/nimasrn/message-dispatcher/pkg/logger"
	"github.com/nimasrn/message-dispatcher/pkg/pg"
	"github.com/nimasrn/message-dispatcher/pkg/prom"
	"github.com/nimasrn/message-dispatcher/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	err := config.Load(config.EnvPathFromArgs(os.Args))
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}
	cfg := config.Get()
	logger.Info("starting processor", "version", version, "commit", commit, "date", date)

	db, err := pg.CreateReadWrite(cfg.PostgresRead(), cfg.PostgresWrite(), cfg.AppEnv == "dev")
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", cfg.RedisUniversalKeyPrefix, cfg.RedisOptions("processor"))
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	wcfg := webhook.DefaultConfig()
	wcfg.URL = cfg.WebhookURL
	wcfg.AuthKey = cfg.WebhookAuthKey
	wcfg.ConnectTimeout = cfg.WebhookConnectTimeout
	wcfg.Timeout = cfg.WebhookTimeout
	client, err := webhook.NewClient(wcfg)
	if err != nil {
		logger.Error("failed to create webhook client", "error", err)
		return
	}
	defer client.Close()

	// publish-only handle, records land on the reconciliation stream
	reconcileQ, err := queue.NewQueue(redisAdap, cfg.Queue())
	if err != nil {
		logger.Error("failed creating queue", "error", err)
		return
	}

	dcfg := delivery.DefaultConfig()
	dcfg.AttemptTimeout = cfg.DeliveryAttemptTimeout
	dcfg.MaxAttempts = cfg.DeliveryMaxAttempts
	worker := delivery.NewWorker(
		repository.NewMessageRepository(db),
		cache.NewDeliveryCache(redisAdap, cache.DeliveryCacheConfig{TTL: cfg.DeliveryCacheTTL}),
		client,
		processor.NewQueueReconciler(reconcileQ),
		logger.GetLogger(),
		dcfg,
	)

	lock := processor.NewDeliveryLock(redisAdap, processor.DeliveryLockConfig{TTL: cfg.QueueVisibilityTimeout})
	service, err := processor.NewProcessorService(redisAdap, processor.ServiceConfig{
		Queue:      cfg.Queue(),
		Consumers:  cfg.ProcessorConsumers,
		Workers:    cfg.ProcessorWorkers,
		BufferSize: cfg.ProcessorBufferSize,
	}, processor.NewDeliveryProcessor(worker, lock))
	if err != nil {
		logger.Error("failed to create the processor", "error", err)
		return
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	err = prom.Create(hostname, cfg.AppEnv, cfg.PromNamespace)
	if err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}

	go func() {
		prom.ListenAndServer(cfg.PromAddr, "/metrics")
	}()

	if err := service.Start(); err != nil {
		logger.Error("failed to start processor", "error", err)
		return
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	service.Stop()
	logger.Info("processor stopped", "stats", service.Metrics().GetStats())
}
