package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/unibooks/orderflow/internal/catalog"
	"github.com/unibooks/orderflow/internal/gateway"
	"github.com/unibooks/orderflow/internal/repository"
	"github.com/unibooks/orderflow/internal/service"
	transportHTTP "github.com/unibooks/orderflow/internal/transport/http"
	"github.com/unibooks/orderflow/internal/transport/http/handler"
	transportKafka "github.com/unibooks/orderflow/internal/transport/kafka"
	"github.com/unibooks/orderflow/pkg/config"
	"github.com/unibooks/orderflow/pkg/db"
	pkgKafka "github.com/unibooks/orderflow/pkg/kafka"
	"github.com/unibooks/orderflow/pkg/mylogger"
	outboxRepository "github.com/unibooks/orderflow/pkg/outbox/repository"
	"github.com/unibooks/orderflow/pkg/outbox/worker"
	"github.com/unibooks/orderflow/pkg/utils"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg := config.MustLoad()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := utils.InitTracer(ctx, "orderflow")
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}

	pool, err := db.NewPostgresDB(cfg.Postgres.URL)
	if err != nil {
		log.Fatalf("failed to create pool: %v", err)
	}

	logger, err := config.NewLogger(config.LoggerConfig{
		Level: "Info",
		Env:   cfg.Env,
	})
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	bookRepo := repository.NewBookRepository(pool, logger)
	orderRepo := repository.NewOrderRepository(pool, logger)
	paymentRepo := repository.NewPaymentRepository(pool, logger)
	settlementRepo := repository.NewSettlementRepository(pool, logger)
	outboxRepo := outboxRepository.NewOutboxRepository(pool, logger)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	catalogClient := catalog.NewCachedClient(
		catalog.NewClient(cfg.Catalog.BaseURL, cfg.Catalog.Timeout, logger),
		redisClient,
		cfg.Catalog.CacheTTL,
	)

	payoutClient := gateway.NewPayoutClient(
		cfg.Gateway.BaseURL,
		cfg.Gateway.Timeout,
		cfg.Settlement.PayoutRetries,
		logger,
	)

	topics := service.Topics{
		Notifications: cfg.Kafka.NotificationTopic,
		Catalog:       cfg.Kafka.CatalogTopic,
	}

	guard := service.NewInventoryGuard(pool, logger, bookRepo, orderRepo, catalogClient, outboxRepo, topics)
	orderService := service.NewOrderService(pool, logger, orderRepo, settlementRepo, guard, outboxRepo, topics)
	paymentService := service.NewPaymentService(
		pool,
		logger,
		orderRepo,
		paymentRepo,
		settlementRepo,
		guard,
		outboxRepo,
		topics,
		cfg.Lifecycle.PaymentFailureCeil,
		cfg.Settlement.DisputeWindow,
	)
	settlementService := service.NewSettlementService(
		pool,
		logger,
		orderRepo,
		bookRepo,
		settlementRepo,
		payoutClient,
		outboxRepo,
		topics,
	)

	kafkaProducer, err := pkgKafka.NewProducer(cfg.Kafka.Brokers)
	if err != nil {
		log.Fatalf("error creating kafka producer: %v", err)
	}

	outboxProcessor := worker.NewOutboxProcessor(
		pool,
		outboxRepo,
		kafkaProducer,
		logger,
		cfg.Outbox.BatchSize,
		cfg.Outbox.Interval,
	)

	go outboxProcessor.Start(ctx)

	sweeper := service.NewSweeper(
		pool,
		logger,
		orderRepo,
		orderService,
		settlementService,
		outboxRepo,
		topics,
		cfg.Lifecycle.SweepInterval,
		cfg.Lifecycle.PaymentTimeout,
		cfg.Lifecycle.NoObjectionWindow,
		cfg.Settlement.GracePeriod,
	)

	go sweeper.Start(ctx)

	consumer := transportKafka.NewConsumer(orderService, logger, cfg.Kafka.ConsumerGroup, cfg.Kafka.ArbitrationTopic)

	go consumer.Start(ctx, cfg.Kafka.Brokers)

	app := fiber.New(fiber.Config{
		ReadTimeout: cfg.HTTP.Timeout,
	})

	transportHTTP.RegisterRoutes(app, &transportHTTP.Handlers{
		Book:    handler.NewBookHandler(guard, logger),
		Order:   handler.NewOrderHandler(guard, orderService, settlementService, logger),
		Payment: handler.NewPaymentHandler(paymentService, logger),
	})

	go func() {
		if err := app.Listen(cfg.HTTP.Port); err != nil {
			log.Fatalf("error serving http: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, exit := context.WithTimeout(context.WithoutCancel(ctx), time.Second*5)
	defer exit()

	mylogger.Info(
		shutdownCtx,
		logger,
		"Shutting down orderflow",
	)

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		mylogger.Warn(
			shutdownCtx,
			logger,
			"Failed to shut down http server",
			zap.Error(err),
		)
	}

	if err := kafkaProducer.Close(); err != nil {
		mylogger.Warn(
			shutdownCtx,
			logger,
			"Failed to close kafka producer",
			zap.Error(err),
		)
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		mylogger.Warn(
			shutdownCtx,
			logger,
			"Failed to shut down telemetry",
			zap.Error(err),
		)
	}

	if err := redisClient.Close(); err != nil {
		mylogger.Warn(
			shutdownCtx,
			logger,
			"Failed to close redis client",
			zap.Error(err),
		)
	}

	pool.Close()
}
