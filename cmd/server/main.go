package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"supplydesk-backend/internal/app"
	"supplydesk-backend/internal/config"
	"supplydesk-backend/internal/database"
	"supplydesk-backend/internal/events"
	"supplydesk-backend/internal/observability"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, shutdownTracing, err := observability.SetupTracing(ctx, cfg.Otel)
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}
	shutdownLogging, err := observability.SetupLogging(ctx, cfg.Otel)
	if err != nil {
		log.Fatalf("otel logging: %v", err)
	}
	shutdownOtel := observability.JoinShutdown(shutdownTracing, shutdownLogging)

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.Otel.Enabled())
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}

	database.Init(cfg, logger)

	bus := events.NewBus(logger.Named("bus"))
	engine := app.NewEngine(cfg, database.DB, bus, logger)

	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	hub := events.NewHub(logger.Named("hub"))
	hubFeed := bus.Subscribe("hub", 256)
	run(func() { hub.Run(ctx, hubFeed) })

	if cfg.Kafka.Enabled() {
		outbox, err := events.OpenOutbox(cfg.Kafka.OutboxPath)
		if err != nil {
			logger.Fatal("outbox open failed", zap.Error(err))
		}
		defer outbox.Close()

		var provider trace.TracerProvider = otel.GetTracerProvider()
		if tp != nil {
			provider = tp
		}
		producer, err := events.NewKafkaWriter(cfg.Kafka, provider)
		if err != nil {
			logger.Fatal("kafka writer failed", zap.Error(err))
		}
		defer producer.Close()

		relay := events.NewRelay(outbox, producer, cfg.Kafka, logger.Named("relay"))
		kafkaFeed := bus.Subscribe("kafka", 1024)
		run(func() { relay.Run(ctx, kafkaFeed) })
		logger.Info("kafka relay started", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	// Repairs stock rows missing after a crash between catalog insert and provisioning.
	if n, err := engine.Catalog.ProvisionAll(ctx); err != nil {
		logger.Error("startup provisioning failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("provisioned missing stock entries", zap.Int64("created", n))
	}

	run(func() { engine.Scheduler.Run(ctx) })

	server := app.NewServer(engine, hub, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		if err := server.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Error("http shutdown", zap.Error(err))
		}
	}()

	logger.Info("server listening", zap.String("port", cfg.HTTPPort))
	if err := server.Listen(":" + cfg.HTTPPort); err != nil {
		logger.Error("http server stopped", zap.Error(err))
		stop()
	}

	bus.Close()
	wg.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownOtel(flushCtx); err != nil {
		logger.Warn("otel shutdown", zap.Error(err))
	}
}
