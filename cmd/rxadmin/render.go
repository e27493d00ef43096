package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/dralejandroc/MINDHUB-sub001/internal/domain/prescription"
	"github.com/dralejandroc/MINDHUB-sub001/internal/printconfig"
	"github.com/dralejandroc/MINDHUB-sub001/pkg/workerpool"
)

type documentRenderer interface {
	RenderDocument(ctx context.Context, id, actorID string, override *printconfig.Config) (*prescription.Document, error)
}

// renderOutcome is one line of the render report
type renderOutcome struct {
	ID   string
	Path string
	Err  error
}

// renderAll renders every prescription into dir concurrently on behalf of
// actorID. A failed document does not stop the others.
func renderAll(ctx context.Context, r documentRenderer, ids []string, dir, actorID string, workers int, logger *zap.Logger) ([]renderOutcome, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	tasks := make([]*workerpool.Task, len(ids))
	for i, id := range ids {
		tasks[i] = &workerpool.Task{ID: id, Payload: id}
	}

	cfg := workerpool.DefaultConfig()
	if workers > 0 {
		cfg.Workers = workers
	}
	// only storage hiccups are worth another attempt
	cfg.ShouldRetry = func(err error) bool {
		return prescription.KindOf(err) == prescription.KindPersistence
	}

	results, err := workerpool.Map(ctx, cfg, tasks, func(ctx context.Context, task *workerpool.Task) (interface{}, error) {
		doc, err := r.RenderDocument(ctx, task.ID, actorID, nil)
		if err != nil {
			return nil, err
		}
		path := filepath.Join(dir, doc.Filename)
		if err := os.WriteFile(path, doc.Data, 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
		return path, nil
	}, logger)
	if err != nil {
		return nil, err
	}

	out := make([]renderOutcome, len(results))
	for i, res := range results {
		out[i] = renderOutcome{ID: res.TaskID, Err: res.Err}
		if path, ok := res.Data.(string); ok {
			out[i].Path = path
		}
	}
	return out, nil
}
