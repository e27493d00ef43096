// Package main provides the outbox relay service entry point.
// It publishes committed prescription events from the outbox table to
// Redpanda and runs the outbox and idempotency maintenance jobs.
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
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dralejandroc/MINDHUB-sub001/internal/config"
	"github.com/dralejandroc/MINDHUB-sub001/internal/domain/prescription"
	"github.com/dralejandroc/MINDHUB-sub001/internal/infrastructure/postgres"
	"github.com/dralejandroc/MINDHUB-sub001/internal/infrastructure/redpanda"
	"github.com/dralejandroc/MINDHUB-sub001/internal/observability/logging"
	"github.com/dralejandroc/MINDHUB-sub001/internal/observability/metrics"
	"github.com/dralejandroc/MINDHUB-sub001/internal/observability/tracing"
	"github.com/dralejandroc/MINDHUB-sub001/pkg/idempotency"
)

const serviceName = "outbox-relay"

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Require("DATABASE_URL", "KAFKA_BROKERS"); err != nil {
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

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	m := metrics.New(prometheus.DefaultRegisterer)

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producerCfg.ClientID = serviceName
	producer, err := redpanda.NewProducer(producerCfg, m, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	relayCfg := postgres.DefaultRelayConfig()
	relayCfg.BatchSize = cfg.OutboxBatchSize
	relayCfg.PollInterval = cfg.OutboxPollInterval
	relayCfg.MaxAttempts = cfg.OutboxMaxRetries
	relayCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	relayCfg.Routes = eventRoutes()
	relay := postgres.NewRelay(pool, producer, relayCfg, logger).WithPendingGauge(m)

	inbox := idempotency.NewInbox(idempotency.NewPGStore(pool), idempotency.DefaultInboxConfig(), logger)

	scheduler, err := newScheduler(ctx, cfg, relay, inbox, logger)
	if err != nil {
		logger.Fatal("scheduler setup failed", zap.Error(err))
	}

	go func() {
		if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		relay.Run(ctx)
	}()
	scheduler.Start()
	logger.Info("outbox relay started",
		zap.Int("batch_size", relayCfg.BatchSize),
		zap.Duration("poll_interval", relayCfg.PollInterval),
		zap.Int("routes", len(relayCfg.Routes)),
	)

	<-ctx.Done()

	logger.Info("shutting down")
	<-scheduler.Stop().Done()
	<-relayDone
	logger.Info("outbox relay stopped")
}

// eventRoutes sends each prescription event type to its own topic
func eventRoutes() postgres.Router {
	return postgres.Router{
		string(prescription.EventPrescriptionCreated):      redpanda.TopicPrescriptionCreated,
		string(prescription.EventPrescriptionModified):     redpanda.TopicPrescriptionModified,
		string(prescription.EventPrescriptionDiscontinued): redpanda.TopicPrescriptionDiscontinued,
	}
}

// maintenance is the subset of the relay the scheduled jobs use
type maintenance interface {
	DeadLetter(ctx context.Context) (int64, error)
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
	Stats(ctx context.Context) (*postgres.RelayStats, error)
}

type inboxCleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

// newScheduler registers the maintenance jobs. Jobs are skipped rather than
// overlapped when a previous run is still going.
func newScheduler(ctx context.Context, cfg *config.Config, outbox maintenance, inbox inboxCleaner, logger *zap.Logger) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger{logger}),
		cron.SkipIfStillRunning(cronLogger{logger}),
	))

	jobs := []struct {
		name     string
		schedule string
		run      func(ctx context.Context) error
	}{
		{"dead_letter", cfg.DeadLetterSchedule, func(ctx context.Context) error {
			n, err := outbox.DeadLetter(ctx)
			if n > 0 {
				logger.Warn("outbox entries dead-lettered", zap.Int64("count", n))
			}
			return err
		}},
		{"outbox_cleanup", cfg.CleanupSchedule, func(ctx context.Context) error {
			n, err := outbox.Prune(ctx, cfg.OutboxRetention)
			if n > 0 {
				logger.Info("processed outbox entries removed", zap.Int64("count", n))
			}
			return err
		}},
		{"inbox_cleanup", cfg.CleanupSchedule, func(ctx context.Context) error {
			_, err := inbox.Cleanup(ctx)
			return err
		}},
		{"outbox_stats", cfg.StatsSchedule, func(ctx context.Context) error {
			stats, err := outbox.Stats(ctx)
			if err != nil {
				return err
			}
			logger.Debug("outbox stats",
				zap.Int64("pending", stats.Pending),
				zap.Int64("exhausted", stats.Exhausted),
			)
			return nil
		}},
	}

	for _, job := range jobs {
		job := job
		_, err := c.AddFunc(job.schedule, func() {
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			if err := job.run(runCtx); err != nil {
				logger.Error("scheduled job failed", zap.String("job", job.name), zap.Error(err))
			}
		})
		if err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", job.name, job.schedule, err)
		}
	}
	return c, nil
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
