// Package postgres provides the PostgreSQL pool, schema migrations and the
// transactional outbox that carries prescription events to Redpanda.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Entry is one committed event waiting in the outbox table
type Entry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	// Topic is the fallback topic for event types the relay has no route for
	Topic string
	// Key orders delivery; entries sharing a key are relayed in commit order
	Key       string
	CreatedAt time.Time
	Attempts  int
	LastError *string
}

// WriteEntry inserts e using tx, so the event commits or rolls back with the
// change it describes
func WriteEntry(ctx context.Context, tx pgx.Tx, e *Entry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		e.AggregateID, e.AggregateType, e.EventType, e.Payload, e.Topic, e.Key,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Router maps event types to the topic they are relayed to
type Router map[string]string

// Topic returns the routed topic for e, or the topic e was written with
func (r Router) Topic(e *Entry) string {
	if t := r[e.EventType]; t != "" {
		return t
	}
	return e.Topic
}

// DeadLetterPayload wraps an exhausted entry with its delivery history
func DeadLetterPayload(e *Entry, topic string) ([]byte, error) {
	return json.Marshal(struct {
		Topic         string          `json:"original_topic"`
		EventType     string          `json:"event_type"`
		AggregateID   string          `json:"aggregate_id"`
		AggregateType string          `json:"aggregate_type"`
		Key           string          `json:"key"`
		Payload       json.RawMessage `json:"payload"`
		Attempts      int             `json:"attempts"`
		LastError     *string         `json:"last_error"`
		CreatedAt     time.Time       `json:"created_at"`
	}{topic, e.EventType, e.AggregateID, e.AggregateType, e.Key, e.Payload, e.Attempts, e.LastError, e.CreatedAt})
}

const entryColumns = `id, aggregate_id, aggregate_type, event_type, payload,
	kafka_topic, kafka_key, created_at, retry_count, last_error`

func scanEntries(rows pgx.Rows) ([]*Entry, error) {
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(
			&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.Topic, &e.Key, &e.CreatedAt, &e.Attempts, &e.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
