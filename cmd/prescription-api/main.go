// Package main provides the prescription API service entry point.
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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dralejandroc/MINDHUB-sub001/internal/api/handlers"
	"github.com/dralejandroc/MINDHUB-sub001/internal/api/middleware"
	"github.com/dralejandroc/MINDHUB-sub001/internal/audit"
	"github.com/dralejandroc/MINDHUB-sub001/internal/config"
	"github.com/dralejandroc/MINDHUB-sub001/internal/domain/prescription"
	"github.com/dralejandroc/MINDHUB-sub001/internal/fhir/mapper"
	"github.com/dralejandroc/MINDHUB-sub001/internal/infrastructure/postgres"
	"github.com/dralejandroc/MINDHUB-sub001/internal/infrastructure/redpanda"
	"github.com/dralejandroc/MINDHUB-sub001/internal/observability/logging"
	"github.com/dralejandroc/MINDHUB-sub001/internal/observability/metrics"
	"github.com/dralejandroc/MINDHUB-sub001/internal/observability/tracing"
	"github.com/dralejandroc/MINDHUB-sub001/internal/render"
	"github.com/dralejandroc/MINDHUB-sub001/internal/verification"
	"github.com/dralejandroc/MINDHUB-sub001/pkg/circuitbreaker"
	"github.com/dralejandroc/MINDHUB-sub001/pkg/idempotency"
)

const serviceName = "prescription-api"

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Require("DATABASE_URL"); err != nil {
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
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	if cfg.IsDev() {
		applied, err := postgres.NewMigrator(pool, postgres.Migrations(), logger).Up(ctx)
		if err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
		logger.Info("migrations applied", zap.Int("count", applied))
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	checks := map[string]handlers.Check{"postgres": pool.Ping}
	sinks := []audit.Sink{audit.NewLogSink(logger)}
	if cfg.AuditToKafka {
		producerCfg := redpanda.DefaultProducerConfig()
		producerCfg.Brokers = cfg.KafkaBrokers
		producerCfg.ClientID = serviceName

		producer, err := redpanda.NewProducer(producerCfg, m, logger)
		if err != nil {
			logger.Fatal("producer creation failed", zap.Error(err))
		}
		defer producer.Close()

		breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("audit-kafka"), m, logger)
		if err != nil {
			logger.Fatal("circuit breaker creation failed", zap.Error(err))
		}
		sinks = append(sinks, audit.NewKafkaSink(producer, redpanda.TopicAuditTrail, breaker))
		checks["kafka"] = producer.Ping
		logger.Info("audit trail published to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))
	}
	recorder := audit.NewRecorder(m, logger, sinks)

	signer, err := verification.NewSigner(cfg.VerifyBaseURL, cfg.VerifySecret)
	if err != nil {
		logger.Fatal("verification signer failed", zap.Error(err))
	}

	repo := prescription.NewRepository(pool, logger)
	engineCfg := prescription.DefaultConfig()
	engineCfg.MaxNumberAttempts = cfg.MaxNumberAttempts
	engine := prescription.NewEngine(prescription.Dependencies{
		Store:     repo,
		Directory: repo,
		Renderer:  render.NewRenderer(verification.NewQREncoder()),
		Signer:    signer,
		Auditor:   recorder,
		Metrics:   m,
		Logger:    logger,
	}, engineCfg)

	inboxCfg := idempotency.DefaultInboxConfig()
	inboxCfg.DefaultTTL = cfg.IdempotencyTTL
	inboxCfg.Terminal = handlers.TerminalError
	inbox := idempotency.NewInbox(idempotency.NewPGStore(pool), inboxCfg, logger)

	apiKeys, err := cfg.APIKeyMap()
	if err != nil {
		logger.Fatal("invalid API keys", zap.Error(err))
	}
	if len(apiKeys) == 0 {
		logger.Warn("API key authentication disabled")
	}

	prescriptionHandler := handlers.NewPrescriptionHandler(engine, inbox,
		mapper.NewPrescriptionMapper(cfg.VerifyBaseURL+"/fhir"), logger)
	healthHandler := handlers.NewHealthHandler(serviceName, version, checks, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.Logger(logger))

	r.Get("/health", healthHandler.Live)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", metrics.Handler())

	// scanned from the printed document
	r.Get("/verify/{number}", prescriptionHandler.Verify)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(apiKeys))
		r.Use(middleware.Actor)
		r.Mount("/prescriptions", prescriptionHandler.Routes())
		r.Mount("/patients", prescriptionHandler.PatientRoutes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting prescription API", zap.String("port", cfg.Port), zap.String("version", version))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
	<-stopped

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := recorder.Close(flushCtx); err != nil {
		logger.Warn("audit queue not fully flushed", zap.Error(err))
	}
	logger.Info("server stopped")
}
