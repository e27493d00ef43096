// Package main provides the audit archiver entry point.
// It consumes the audit trail from Redpanda and stores it in MongoDB.
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

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dralejandroc/MINDHUB-sub001/internal/config"
	"github.com/dralejandroc/MINDHUB-sub001/internal/infrastructure/mongo"
	"github.com/dralejandroc/MINDHUB-sub001/internal/infrastructure/redpanda"
	"github.com/dralejandroc/MINDHUB-sub001/internal/observability/logging"
	"github.com/dralejandroc/MINDHUB-sub001/internal/observability/metrics"
	"github.com/dralejandroc/MINDHUB-sub001/internal/observability/tracing"
	"github.com/dralejandroc/MINDHUB-sub001/pkg/circuitbreaker"
)

const serviceName = "audit-archiver"

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Require("KAFKA_BROKERS", "MONGO_URI"); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	base, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Service(base, serviceName)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, cfg.Tracing(serviceName, version))
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	m := metrics.New(prometheus.DefaultRegisterer)

	mongoCfg := mongo.DefaultConfig()
	mongoCfg.URI = cfg.MongoURI
	mongoCfg.Database = cfg.MongoDatabase
	mongoCfg.Collection = cfg.MongoCollection

	client, err := mongo.Connect(ctx, mongoCfg)
	if err != nil {
		logger.Fatal("mongo connection failed", zap.Error(err))
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(disconnectCtx)
	}()

	archive := mongo.NewArchive(client, mongoCfg, logger)
	if err := archive.EnsureIndexes(ctx); err != nil {
		logger.Fatal("archive index creation failed", zap.Error(err))
	}
	logger.Info("connected to MongoDB",
		zap.String("database", mongoCfg.Database),
		zap.String("collection", mongoCfg.Collection),
	)

	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("audit-archive"), m, logger)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.ArchiverGroup
	consumerCfg.Topics = []string{redpanda.TopicAuditTrail}

	handler := newArchiver(archive, breaker, cfg.ArchiverWorkers, logger)
	consumer, err := redpanda.NewConsumer(consumerCfg, handler.Handle, m, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	go func() {
		if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	consumer.Start()
	logger.Info("audit archiver started",
		zap.String("group", consumerCfg.GroupID),
		zap.Int("workers", cfg.ArchiverWorkers),
	)

	<-ctx.Done()

	logger.Info("shutting down")
	consumer.Stop()
	logger.Info("audit archiver stopped")
}
