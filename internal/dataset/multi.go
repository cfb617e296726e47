package dataset

import (
	"context"
	"log/slog"

	"github.com/crawlkit/crawlkit/internal/types"
)

// MultiDataset fans a single PushData call out to several backing datasets,
// continuing through the remaining backends even if one fails so a single
// broken sink doesn't stop the others from receiving the item.
type MultiDataset struct {
	backends []Dataset
	logger   *slog.Logger
}

// NewMultiDataset builds a fan-out Dataset over backends.
func NewMultiDataset(backends []Dataset, logger *slog.Logger) *MultiDataset {
	return &MultiDataset{backends: backends, logger: logger.With("component", "multi_dataset")}
}

func (d *MultiDataset) PushData(ctx context.Context, item *types.Item) error {
	var firstErr error
	for i, backend := range d.backends {
		if err := backend.PushData(ctx, item); err != nil {
			d.logger.Error("backend push failed", "backend_index", i, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (d *MultiDataset) Close() error {
	var firstErr error
	for _, backend := range d.backends {
		if err := backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
