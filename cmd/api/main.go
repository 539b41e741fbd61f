package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/nimasrn/message-dispatcher/internal/cache"
	"github.com/nimasrn/message-dispatcher/internal/config"
	"github.com/nimasrn/message-dispatcher/internal/handlers"
	"github.com/nimasrn/message-dispatcher/internal/repository"
	"github.com/nimasrn/message-dispatcher/internal/services"
	xhttp "github.com/nimasrn/message-dispatcher/pkg/http"
	"github.com/nimasrn/message-dispatcher/pkg/logger"
	"github.com/nimasrn/message-dispatcher/pkg/pg"
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
	logger.Info("starting api", "version", version, "commit", commit, "date", date)

	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Server.ReadBufferSize = 1024 * 16
	s.Server.WriteBufferSize = 1024 * 16
	s.Use(xhttp.RecoverMiddleware)
	s.Use(xhttp.RequestIDMiddleware)
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.TimeoutMiddleware(cfg.HttpRequestTimeout))

	db, err := pg.CreateReadWrite(cfg.PostgresRead(), cfg.PostgresWrite(), cfg.AppEnv == "dev")
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", cfg.RedisUniversalKeyPrefix, cfg.RedisOptions("api"))
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	messageRepo := repository.NewMessageRepository(db)
	deliveryCache := cache.NewDeliveryCache(redisAdap, cache.DeliveryCacheConfig{TTL: cfg.DeliveryCacheTTL})

	// services
	messageService := services.NewMessageService(messageRepo, deliveryCache, cfg.MessageMaxLength)
	healthService := services.NewHealthService(map[string]services.Pinger{
		"postgres": db,
		"redis":    redisAdap,
	})

	// v1 handlers
	g := s.Router.Group("/api/v1")
	handlers.RegisterMessageRoutes(g, handlers.NewMessageHandler(messageService))
	handlers.RegisterHealthRoutes(g, handlers.NewHealthHandler(healthService))

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := s.ListenAndServe(cfg.HttpListenAddr); err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	<-c
	s.Shutdown()
}
