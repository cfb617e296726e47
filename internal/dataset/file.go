package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/crawlkit/crawlkit/internal/types"
)

// FileDataset appends one JSON object per line to a file, streaming writes
// the same way the teacher's JSONLStorage does rather than buffering the
// whole run in memory.
type FileDataset struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	enc    *json.Encoder
	count  int
	logger *slog.Logger
}

// NewFileDataset creates (or truncates) outputPath for streaming JSONL
// writes.
func NewFileDataset(outputPath string, logger *slog.Logger) (*FileDataset, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, fmt.Errorf("create dataset dir: %w", err)
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("create dataset file: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &FileDataset{
		path:   outputPath,
		file:   f,
		enc:    json.NewEncoder(f),
		logger: logger.With("component", "file_dataset"),
	}, nil
}

func (d *FileDataset) PushData(ctx context.Context, item *types.Item) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry := make(map[string]any, len(item.Fields)+3)
	entry["_url"] = item.URL
	entry["_timestamp"] = item.Timestamp
	if item.SpiderName != "" {
		entry["_spider"] = item.SpiderName
	}
	for k, v := range item.Fields {
		entry[k] = v
	}

	if err := d.enc.Encode(entry); err != nil {
		return fmt.Errorf("encode dataset item: %w", err)
	}
	d.count++
	return nil
}

func (d *FileDataset) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Info("dataset written", "path", d.path, "items", d.count)
	if d.file != nil {
		return d.file.Close()
	}
	return nil
}
