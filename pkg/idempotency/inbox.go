// Package idempotency provides the Inbox pattern for exactly-once request
// processing. A client-supplied key is recorded with a fingerprint of the
// request; a repeated key replays the stored result instead of running the
// handler again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Entry is one recorded key
type Entry struct {
	IdempotencyKey string
	HandlerName    string
	Status         Status
	Fingerprint    string
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

var (
	// ErrNotFound is returned by Store.Get for unknown keys
	ErrNotFound = errors.New("idempotency key not found")
	// ErrDuplicateMessage is returned by Store.Start when the key is held by
	// an entry that cannot be taken over
	ErrDuplicateMessage = errors.New("duplicate message: already processed")
	// ErrMessageInProgress indicates another request holds the key
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrKeyReused indicates the key was first used with a different request
	ErrKeyReused = errors.New("idempotency key reused with a different request")
	// ErrPreviouslyFailed indicates the key's first attempt failed permanently
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// Store persists inbox entries
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	// Start records key as STARTED. It takes over RECOVERABLE or expired
	// entries and returns ErrDuplicateMessage for any other existing entry.
	Start(ctx context.Context, key, handlerName, fingerprint string, expiresAt time.Time) error
	// Complete sets the final status and result
	Complete(ctx context.Context, key string, status Status, result json.RawMessage) error
	// Cleanup deletes expired entries
	Cleanup(ctx context.Context) (int64, error)
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// DefaultTTL is how long a key is remembered
	DefaultTTL time.Duration
	// RecoveryTimeout is when to consider a STARTED entry as stale
	RecoveryTimeout time.Duration
	// Terminal classifies handler errors that must not be retried under the
	// same key. Nil treats every error as recoverable.
	Terminal func(error) bool
}

// DefaultInboxConfig returns sensible defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      24 * time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox manages idempotent message processing
type Inbox struct {
	store  Store
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewInbox creates a new inbox manager
func NewInbox(store Store, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{
		store:  store,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		now:    time.Now,
	}
}

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	// Replayed is true when Result comes from an earlier request
	Replayed     bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// Fingerprint hashes a request payload
func Fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Process runs fn at most once per key. payload identifies the request; the
// same key with a different payload is rejected with ErrKeyReused.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload []byte, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	fingerprint := Fingerprint(payload)
	now := i.now()

	entry, err := i.store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to check inbox: %w", err)
	}
	if entry != nil && entry.ExpiresAt != nil && entry.ExpiresAt.Before(now) {
		entry = nil
	}

	if entry != nil {
		if entry.Fingerprint != fingerprint {
			return nil, ErrKeyReused
		}
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{Replayed: true, Result: entry.Result}, nil

		case StatusFailed:
			span.SetAttributes(attribute.Bool("previously_failed", true))
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, failureMessage(entry.Result))

		case StatusStarted:
			if now.Sub(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			if err := i.store.Complete(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("failed to mark recoverable: %w", err)
			}
			i.logger.Warn("recovering stale inbox entry", zap.String("key", key))

		case StatusRecoverable:
			span.SetAttributes(attribute.Bool("recovered", true))
		}
	}

	if err := i.store.Start(ctx, key, handlerName, fingerprint, now.Add(i.config.DefaultTTL)); err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			return nil, ErrMessageInProgress
		}
		return nil, fmt.Errorf("failed to start processing: %w", err)
	}

	result, handlerErr := fn(ctx)
	if handlerErr != nil {
		status := StatusRecoverable
		if i.config.Terminal != nil && i.config.Terminal(handlerErr) {
			status = StatusFailed
		}
		failure, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.store.Complete(ctx, key, status, failure); err != nil {
			i.logger.Error("failed to mark error status", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.store.Complete(ctx, key, StatusFinished, result); err != nil {
		// the handler succeeded; a later retry will run it again
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}

	return &ProcessResult{
		WasRecovered: entry != nil,
		Result:       result,
	}, nil
}

// Cleanup removes expired entries
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	n, err := i.store.Cleanup(ctx)
	if err != nil {
		return 0, fmt.Errorf("inbox cleanup: %w", err)
	}
	if n > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
	}
	return n, nil
}

func failureMessage(result json.RawMessage) string {
	var f struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(result, &f); err != nil || f.Error == "" {
		return "unknown error"
	}
	return f.Error
}
