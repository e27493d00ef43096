package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps inbox entries in the inbox table
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a Postgres-backed store
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

type fingerprintPayload struct {
	Fingerprint string `json:"fingerprint"`
}

// Get implements Store
func (s *PGStore) Get(ctx context.Context, key string) (*Entry, error) {
	query := `
		SELECT idempotency_key, handler_name, status, payload, result, created_at, updated_at, expires_at
		FROM inbox
		WHERE idempotency_key = $1
	`

	var (
		entry   Entry
		status  string
		payload []byte
	)
	err := s.pool.QueryRow(ctx, query, key).Scan(
		&entry.IdempotencyKey, &entry.HandlerName, &status,
		&payload, &entry.Result, &entry.CreatedAt, &entry.UpdatedAt, &entry.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	entry.Status = Status(status)

	var fp fingerprintPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fp); err != nil {
			return nil, err
		}
	}
	entry.Fingerprint = fp.Fingerprint
	return &entry, nil
}

// Start implements Store
func (s *PGStore) Start(ctx context.Context, key, handlerName, fingerprint string, expiresAt time.Time) error {
	payload, err := json.Marshal(fingerprintPayload{Fingerprint: fingerprint})
	if err != nil {
		return err
	}

	query := `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = EXCLUDED.status, payload = EXCLUDED.payload, result = NULL,
		    expires_at = EXCLUDED.expires_at, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE' OR inbox.expires_at < NOW()
		RETURNING idempotency_key
	`

	var returned string
	err = s.pool.QueryRow(ctx, query, key, handlerName, string(StatusStarted), payload, expiresAt).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateMessage
	}
	return err
}

// Complete implements Store
func (s *PGStore) Complete(ctx context.Context, key string, status Status, result json.RawMessage) error {
	query := `
		UPDATE inbox
		SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3
	`

	var res []byte
	if len(result) > 0 {
		res = result
	}
	_, err := s.pool.Exec(ctx, query, string(status), res, key)
	return err
}

// Cleanup implements Store
func (s *PGStore) Cleanup(ctx context.Context) (int64, error) {
	result, err := s.pool.Exec(ctx, "DELETE FROM inbox WHERE expires_at < NOW()")
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
