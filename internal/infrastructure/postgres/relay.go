package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RelayConfig holds configuration for the outbox relay
type RelayConfig struct {
	// BatchSize is the number of entries relayed per poll
	BatchSize int
	// PollInterval is how often the outbox is polled
	PollInterval time.Duration
	// MaxAttempts is the number of failed publishes before an entry is
	// dead-lettered
	MaxAttempts int
	// DeadLetterTopic receives entries that exhausted MaxAttempts
	DeadLetterTopic string
	// LockID is the advisory lock held while relaying a batch
	LockID int64
	// Routes picks the topic per event type
	Routes Router
}

// DefaultRelayConfig returns sensible defaults
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:       100,
		PollInterval:    100 * time.Millisecond,
		MaxAttempts:     5,
		DeadLetterTopic: "dead.letter",
		LockID:          0x52585f4f5554, // "RX_OUT"
	}
}

// Publisher delivers one message
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// PendingGauge receives the pending entry count after each stats refresh
type PendingGauge interface {
	SetOutboxPending(n int64)
}

// relayStore is the outbox table as the relay loop sees it
type relayStore interface {
	// claim calls fn with up to limit pending entries in commit order while
	// holding the relay lock. It returns without calling fn when another
	// relay holds the lock.
	claim(ctx context.Context, maxAttempts, limit int, fn func([]*Entry)) error
	relayed(ctx context.Context, id int64) error
	failed(ctx context.Context, id int64, cause string) error
}

// Relay publishes committed outbox entries to their topics
type Relay struct {
	store     relayStore
	pool      *pgxpool.Pool
	publisher Publisher
	config    RelayConfig
	logger    *zap.Logger
	tracer    trace.Tracer
	pending   PendingGauge
}

// NewRelay creates a relay over the outbox table in pool
func NewRelay(pool *pgxpool.Pool, publisher Publisher, cfg RelayConfig, logger *zap.Logger) *Relay {
	r := newRelay(&pgRelayStore{pool: pool, lockID: cfg.LockID}, publisher, cfg, logger)
	r.pool = pool
	return r
}

func newRelay(store relayStore, publisher Publisher, cfg RelayConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		config:    cfg,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
	}
}

// WithPendingGauge reports pending counts from Stats to g
func (r *Relay) WithPendingGauge(g PendingGauge) *Relay {
	r.pending = g
	return r
}

// Run relays a batch every PollInterval until ctx is done
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RelayBatch(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("outbox batch failed", zap.Error(err))
			}
		}
	}
}

// RelayBatch publishes one batch and returns how many entries went out.
// After a failed publish the remaining entries with the same key wait for
// the next batch, so one patient's events never overtake each other.
func (r *Relay) RelayBatch(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.relay_batch")
	defer span.End()

	var sent int
	err := r.store.claim(ctx, r.config.MaxAttempts, r.config.BatchSize, func(entries []*Entry) {
		span.SetAttributes(attribute.Int("outbox.batch_size", len(entries)))
		held := make(map[string]bool)
		for _, e := range entries {
			if e.Key != "" && held[e.Key] {
				continue
			}
			if err := r.relay(ctx, e); err != nil {
				held[e.Key] = true
				r.logger.Warn("outbox entry not relayed",
					zap.Int64("id", e.ID),
					zap.String("event_type", e.EventType),
					zap.String("key", e.Key),
					zap.Error(err))
				continue
			}
			sent++
		}
	})
	span.SetAttributes(attribute.Int("outbox.relayed", sent))
	if err != nil {
		span.RecordError(err)
		return sent, err
	}
	return sent, nil
}

func (r *Relay) relay(ctx context.Context, e *Entry) error {
	topic := r.config.Routes.Topic(e)
	ctx, span := r.tracer.Start(ctx, "outbox.relay_entry", trace.WithAttributes(
		attribute.Int64("outbox.entry_id", e.ID),
		attribute.String("outbox.event_type", e.EventType),
		attribute.String("outbox.topic", topic),
		attribute.String("aggregate_id", e.AggregateID),
	))
	defer span.End()

	if err := r.publisher.Publish(ctx, topic, e.Key, e.Payload); err != nil {
		span.RecordError(err)
		if markErr := r.store.failed(ctx, e.ID, err.Error()); markErr != nil {
			r.logger.Error("failed to record outbox attempt", zap.Int64("id", e.ID), zap.Error(markErr))
		}
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	if err := r.store.relayed(ctx, e.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark entry %d relayed: %w", e.ID, err)
	}
	r.logger.Debug("outbox entry relayed", zap.Int64("id", e.ID), zap.String("topic", topic))
	return nil
}

// DeadLetter moves entries that exhausted MaxAttempts to the dead letter
// topic and marks them processed
func (r *Relay) DeadLetter(ctx context.Context) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.dead_letter")
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT `+entryColumns+`
		FROM outbox
		WHERE processed_at IS NULL AND retry_count >= $1
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, r.config.MaxAttempts, r.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("query exhausted entries: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return 0, err
	}

	var moved int64
	for _, e := range entries {
		payload, err := DeadLetterPayload(e, r.config.Routes.Topic(e))
		if err != nil {
			r.logger.Error("failed to encode dead letter", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		if err := r.publisher.Publish(ctx, r.config.DeadLetterTopic, e.Key, payload); err != nil {
			r.logger.Error("failed to publish dead letter", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, e.ID); err != nil {
			return 0, fmt.Errorf("mark dead letter entry %d: %w", e.ID, err)
		}
		moved++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	span.SetAttributes(attribute.Int64("outbox.moved", moved))
	return moved, nil
}

// Prune deletes entries processed more than olderThan ago
func (r *Relay) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - $1::interval`, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("prune outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RelayStats summarises the outbox table
type RelayStats struct {
	Pending        int64
	Exhausted      int64
	RelayedLastDay int64
	OldestPending  *time.Time
}

// Stats reads the current outbox counts and feeds the pending gauge
func (r *Relay) Stats(ctx context.Context) (*RelayStats, error) {
	s := &RelayStats{}
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox`, r.config.MaxAttempts,
	).Scan(&s.Pending, &s.Exhausted, &s.RelayedLastDay, &s.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	if r.pending != nil {
		r.pending.SetOutboxPending(s.Pending)
	}
	return s, nil
}

type pgRelayStore struct {
	pool   *pgxpool.Pool
	lockID int64
}

func (s *pgRelayStore) claim(ctx context.Context, maxAttempts, limit int, fn func([]*Entry)) error {
	// advisory locks are per session, so pin one connection for lock and unlock
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, s.lockID).Scan(&locked); err != nil {
		return fmt.Errorf("relay lock: %w", err)
	}
	if !locked {
		return nil
	}
	defer conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, s.lockID)

	rows, err := conn.Query(ctx, `
		SELECT `+entryColumns+`
		FROM outbox
		WHERE processed_at IS NULL AND retry_count < $1
		ORDER BY id
		LIMIT $2`, maxAttempts, limit)
	if err != nil {
		return fmt.Errorf("query pending entries: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		fn(entries)
	}
	return nil
}

func (s *pgRelayStore) relayed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (s *pgRelayStore) failed(ctx context.Context, id int64, cause string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox
		SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
		WHERE id = $2`, cause, id)
	return err
}
