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

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/wyfcoding/ordersettlement/internal/events"
	"github.com/wyfcoding/ordersettlement/internal/processor/application"
	procdomain "github.com/wyfcoding/ordersettlement/internal/processor/domain"
	"github.com/wyfcoding/ordersettlement/internal/processor/infrastructure/persistence/mysql"
	"github.com/wyfcoding/ordersettlement/internal/processor/interfaces/consumer"
	prochttp "github.com/wyfcoding/ordersettlement/internal/processor/interfaces/http"
	"github.com/wyfcoding/ordersettlement/pkg/cache"
	"github.com/wyfcoding/ordersettlement/pkg/config"
	"github.com/wyfcoding/ordersettlement/pkg/db"
	"github.com/wyfcoding/ordersettlement/pkg/idempotency"
	"github.com/wyfcoding/ordersettlement/pkg/lock"
	"github.com/wyfcoding/ordersettlement/pkg/logger"
	"github.com/wyfcoding/ordersettlement/pkg/metrics"
	"github.com/wyfcoding/ordersettlement/pkg/middleware"
	"github.com/wyfcoding/ordersettlement/pkg/mq"
	"github.com/wyfcoding/ordersettlement/pkg/outbox"
)

func main() {
	configPath := flag.String("config", "configs/processor/config.toml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info(ctx, "Starting order processor service",
		"version", cfg.Version, "environment", cfg.Environment)

	database, err := db.Init(db.Config{
		Driver:             cfg.Database.Driver,
		DSN:                cfg.Database.DSN,
		MaxOpenConns:       cfg.Database.MaxOpenConns,
		MaxIdleConns:       cfg.Database.MaxIdleConns,
		ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
		LogEnabled:         cfg.Database.LogEnabled,
		SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
	})
	if err != nil {
		logger.Fatal(ctx, "Failed to init database", "error", err)
	}
	defer database.Close()

	if err := database.AutoMigrate(
		&procdomain.QueueEntry{},
		&procdomain.Trade{},
		&procdomain.SagaInstance{},
		&outbox.Record{},
		&idempotency.ProcessedEvent{},
	); err != nil {
		logger.Fatal(ctx, "Failed to migrate database", "error", err)
	}

	redisCache, err := cache.New(cache.Config{
		Host:        cfg.Redis.Host,
		Port:        cfg.Redis.Port,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		MaxPoolSize: cfg.Redis.MaxPoolSize,
		ConnTimeout: cfg.Redis.ConnTimeout,
	})
	if err != nil {
		logger.Fatal(ctx, "Failed to connect to Redis", "error", err)
	}
	defer redisCache.Close()

	kafkaCfg := mq.KafkaConfig{
		Brokers:        cfg.Kafka.Brokers,
		GroupID:        cfg.Kafka.GroupID,
		SessionTimeout: cfg.Kafka.SessionTimeout,
		MaxRetries:     cfg.Kafka.MaxRetries,
		RetryBackoff:   cfg.Kafka.RetryBackoff,
	}
	producer, err := mq.NewProducer(kafkaCfg)
	if err != nil {
		logger.Fatal(ctx, "Failed to create Kafka producer", "error", err)
	}
	defer producer.Close()

	orderConsumer, err := mq.NewConsumer(kafkaCfg, events.TopicOrderEvents)
	if err != nil {
		logger.Fatal(ctx, "Failed to create Kafka consumer", "error", err)
	}
	defer orderConsumer.Close()

	m := metrics.New("processor")
	if cfg.Metrics.Enabled {
		if err := m.Register(); err != nil {
			logger.Fatal(ctx, "Failed to register metrics", "error", err)
		}
		if err := metrics.StartHTTPServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			logger.Fatal(ctx, "Failed to start metrics server", "error", err)
		}
	}

	instanceID := fmt.Sprintf("processor-%s", uuid.NewString())
	locks := lock.NewKeyedMutex()
	queue := mysql.NewQueueRepository(database.DB)
	trades := mysql.NewTradeRepository(database.DB)
	sagas := mysql.NewSagaRepository(database.DB)
	matching := application.NewMatchingService(database.DB, queue, trades, locks, m)
	orchestrator := application.NewSagaOrchestrator(database.DB, sagas, matching, m, cfg.Saga.MaxRetries)
	guard := idempotency.NewGuard(database.DB)

	relay := outbox.NewRelay(database.DB, producer,
		cache.NewLease(redisCache, "lease:processor:outbox", instanceID, 30*time.Second),
		outbox.RelayConfig{
			PollInterval: time.Duration(cfg.Outbox.PollInterval) * time.Millisecond,
			BatchSize:    cfg.Outbox.BatchSize,
			MaxRetries:   cfg.Outbox.MaxRetries,
			Retention:    time.Duration(cfg.Outbox.RetentionHours) * time.Hour,
		}, m)
	go relay.Run(ctx)

	sweeper := application.NewRecoverySweeper(orchestrator,
		cache.NewLease(redisCache, "lease:processor:saga-sweep", instanceID, 30*time.Second),
		time.Duration(cfg.Saga.SweepInterval)*time.Second,
		time.Duration(cfg.Saga.Timeout)*time.Second)
	go sweeper.Run(ctx)

	eventConsumer := consumer.NewOrderEventConsumer(guard, orchestrator, matching, m)
	go func() {
		if err := orderConsumer.Run(ctx, eventConsumer.Handle); err != nil {
			logger.Error(ctx, "Order event consumer stopped with error", "error", err)
		}
	}()

	if cfg.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(middleware.RequestID(), middleware.AccessLog(), middleware.Recovery())
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": cfg.ServiceName})
	})
	prochttp.NewHandler(matching, orchestrator).RegisterRoutes(engine)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      engine,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}
	go func() {
		logger.Info(ctx, "HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "HTTP server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "Shutting down order processor service")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "HTTP server shutdown failed", "error", err)
	}
	logger.Info(ctx, "Order processor service stopped")
}
