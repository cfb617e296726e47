package dataset

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/crawlkit/crawlkit/internal/types"
)

// CSVDataset writes items as CSV rows, deriving the header row from the
// first item's flattened fields and holding every later item to that
// column set.
type CSVDataset struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	writer  *csv.Writer
	headers []string
	count   int
	logger  *slog.Logger
}

// NewCSVDataset creates (or truncates) outputPath for CSV writes.
func NewCSVDataset(outputPath string, logger *slog.Logger) (*CSVDataset, error) {
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
	return &CSVDataset{
		path:   outputPath,
		file:   f,
		writer: csv.NewWriter(f),
		logger: logger.With("component", "csv_dataset"),
	}, nil
}

func (d *CSVDataset) PushData(ctx context.Context, item *types.Item) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	flat := item.ToFlatMap()

	if d.headers == nil {
		d.headers = make([]string, 0, len(flat))
		for k := range flat {
			d.headers = append(d.headers, k)
		}
		sort.Strings(d.headers)
		if err := d.writer.Write(d.headers); err != nil {
			return fmt.Errorf("write CSV header: %w", err)
		}
	}

	row := make([]string, len(d.headers))
	for i, h := range d.headers {
		row[i] = flat[h]
	}
	if err := d.writer.Write(row); err != nil {
		return fmt.Errorf("write CSV row: %w", err)
	}
	d.writer.Flush()
	if err := d.writer.Error(); err != nil {
		return fmt.Errorf("flush CSV: %w", err)
	}

	d.count++
	return nil
}

func (d *CSVDataset) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writer.Flush()
	d.logger.Info("dataset written", "path", d.path, "items", d.count)
	if d.file != nil {
		return d.file.Close()
	}
	return nil
}
