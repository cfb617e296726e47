package dataset

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/crawlkit/crawlkit/internal/types"
)

func TestFileDatasetWritesOneJSONLinePerItem(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "out", "items.jsonl")

	ds, err := NewFileDataset(outPath, nil)
	if err != nil {
		t.Fatalf("NewFileDataset: %v", err)
	}

	first := types.NewItem("https://example.com/a")
	first.SpiderName = "products"
	first.Set("title", "widget")

	second := types.NewItem("https://example.com/b")
	second.Set("title", "gadget")

	ctx := context.Background()
	if err := ds.PushData(ctx, first); err != nil {
		t.Fatalf("PushData(first): %v", err)
	}
	if err := ds.PushData(ctx, second); err != nil {
		t.Fatalf("PushData(second): %v", err)
	}
	if err := ds.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(outPath)
	if err != nil {
		t.Fatalf("open written dataset: %v", err)
	}
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("unmarshal line %q: %v", scanner.Text(), err)
		}
		lines = append(lines, entry)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	if lines[0]["_url"] != "https://example.com/a" {
		t.Fatalf("expected first line _url to match, got %+v", lines[0])
	}
	if lines[0]["_spider"] != "products" {
		t.Fatalf("expected first line _spider=products, got %+v", lines[0])
	}
	if lines[0]["title"] != "widget" {
		t.Fatalf("expected first line title=widget, got %+v", lines[0])
	}

	if _, ok := lines[1]["_spider"]; ok {
		t.Fatalf("expected second line to omit empty _spider, got %+v", lines[1])
	}
	if lines[1]["title"] != "gadget" {
		t.Fatalf("expected second line title=gadget, got %+v", lines[1])
	}
}

func TestFileDatasetRejectsUnwritableDirectory(t *testing.T) {
	// A path nested under a file (not a directory) cannot be created.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed blocker file: %v", err)
	}

	if _, err := NewFileDataset(filepath.Join(blocker, "sub", "out.jsonl"), nil); err == nil {
		t.Fatalf("expected NewFileDataset to fail when parent path is not a directory")
	}
}

var _ Dataset = (*MongoDataset)(nil)
var _ Dataset = (*FileDataset)(nil)
