package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"termcollab/backend/internal/cache"
	"termcollab/backend/internal/collab"
	"termcollab/backend/internal/httpapi/handlers"
	"termcollab/backend/internal/httpapi/middleware"
	"termcollab/backend/internal/ws"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket sync server and share HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	// === Redis presence（未配置时跳过）===
	var presence cache.PresenceCache
	if len(cfg.Redis.Addrs) > 0 {
		// 多个地址时 UniversalClient 自动使用集群模式
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		presence = cache.NewRedisPresence(rdb)
	}

	// === Kafka 事件（未配置时跳过）===
	var events ws.EventSink
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()

		dispatcher := collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(),
			collab.KafkaDispatcherOptions{
				QueueSize:    cfg.Kafka.QueueSize,
				Workers:      cfg.Kafka.Workers,
				MaxRetry:     cfg.Kafka.MaxRetry,
				BaseBackoff:  cfg.Kafka.BaseBackoff,
				MaxBackoff:   cfg.Kafka.MaxBackoff,
				DrainTimeout: cfg.Kafka.DrainTimeout,
			},
			logger,
		)
		// 先关 dispatcher 把队列发完，再关 producer
		defer dispatcher.Close()
		events = dispatcher
	}

	// === 分享管理 ===
	shares, err := a.newShareManager(ctx)
	if err != nil {
		return err
	}
	shares.Start(ctx)
	defer shares.Stop()

	// === 会话同步 ===
	coord := collab.NewCoordinator()
	sessionHandlers := ws.NewSessionHandlers(coord, ws.SessionHandlersOptions{
		Presence:    presence,
		Events:      events,
		PresenceTTL: cfg.Redis.PresenceTTL,
		Logger:      logger,
	})
	router := ws.NewSessionRouter(sessionHandlers, logger)
	hub := ws.NewHub()
	wsSem := collab.NewSemaphoreControlWithLimit(cfg.WS.MaxInflight)
	manager := ws.NewManager(hub, router, sessionHandlers, wsSem, cfg.WS.AllowedOrigins, logger)

	syncer := ws.NewSessionSyncer(hub, sessionHandlers, cfg.Sync.Interval, logger)
	syncer.Start(ctx)
	defer syncer.Stop()

	r := gin.New()
	// 中间件
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok", "sessions": len(hub.Sessions())})
	})
	authed := r.Group("/collab")
	// 从 Authorization 或 ?token= 提取 token，本地校验后写入 userId/username
	authed.Use(middleware.AuthMiddleware([]byte(cfg.Auth.Secret)))
	authed.GET("/ws", manager.WebSocketConnect)
	handlers.NewShareHandler(shares).Register(authed)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("sync server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Running.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	return nil
}
