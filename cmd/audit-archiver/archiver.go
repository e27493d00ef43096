package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dralejandroc/MINDHUB-sub001/internal/audit"
	"github.com/dralejandroc/MINDHUB-sub001/internal/infrastructure/redpanda"
	"github.com/dralejandroc/MINDHUB-sub001/pkg/circuitbreaker"
	"github.com/dralejandroc/MINDHUB-sub001/pkg/workerpool"
)

// batchWriter stores decoded audit records
type batchWriter interface {
	WriteMany(ctx context.Context, records []*audit.Record) (int, error)
}

// archiver moves audit.trail batches into the long-term archive
type archiver struct {
	writer  batchWriter
	breaker *circuitbreaker.CircuitBreaker
	pool    workerpool.Config
	logger  *zap.Logger
}

func newArchiver(writer batchWriter, breaker *circuitbreaker.CircuitBreaker, workers int, logger *zap.Logger) *archiver {
	cfg := workerpool.DefaultConfig()
	if workers > 0 {
		cfg.Workers = workers
	}
	cfg.ShouldRetry = func(err error) bool { return !errors.Is(err, audit.ErrMalformed) }
	return &archiver{writer: writer, breaker: breaker, pool: cfg, logger: logger}
}

// Handle is the consumer's batch handler. Malformed records are logged and
// skipped; any other failure leaves the batch uncommitted.
func (a *archiver) Handle(ctx context.Context, msgs []*redpanda.ConsumedMessage) error {
	tasks := make([]*workerpool.Task, len(msgs))
	for i, msg := range msgs {
		tasks[i] = &workerpool.Task{
			ID:      fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset),
			Payload: msg.Value,
		}
	}

	results, err := workerpool.Map(ctx, a.pool, tasks, decodeTask, a.logger)
	if err != nil {
		return err
	}

	records := make([]*audit.Record, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			if !errors.Is(r.Err, audit.ErrMalformed) {
				return r.Err
			}
			a.logger.Warn("skipping malformed audit record", zap.String("message", r.TaskID), zap.Error(r.Err))
			continue
		}
		records = append(records, r.Data.(*audit.Record))
	}
	if len(records) == 0 {
		return nil
	}

	written, err := a.write(ctx, records)
	if circuitbreaker.IsPermanent(err) {
		written, err = a.writeEach(ctx, records)
	}
	if err != nil {
		return err
	}
	a.logger.Debug("audit batch archived",
		zap.Int("received", len(msgs)),
		zap.Int("archived", written),
	)
	return nil
}

func (a *archiver) write(ctx context.Context, records []*audit.Record) (int, error) {
	var written int
	err := a.breaker.Execute(ctx, func(ctx context.Context) error {
		n, err := a.writer.WriteMany(ctx, records)
		written = n
		return err
	})
	return written, err
}

// writeEach isolates records the archive refuses
func (a *archiver) writeEach(ctx context.Context, records []*audit.Record) (int, error) {
	total := 0
	for _, r := range records {
		n, err := a.write(ctx, []*audit.Record{r})
		if circuitbreaker.IsPermanent(err) {
			a.logger.Warn("skipping unarchivable audit record",
				zap.String("record_id", r.ID),
				zap.String("event_type", r.EventType),
				zap.Error(err),
			)
			continue
		}
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func decodeTask(_ context.Context, task *workerpool.Task) (interface{}, error) {
	data, ok := task.Payload.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected payload %T", audit.ErrMalformed, task.Payload)
	}
	return audit.Decode(data)
}
