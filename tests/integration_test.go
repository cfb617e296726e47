package integration

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/crawlkit/crawlkit/internal/config"
	"github.com/crawlkit/crawlkit/internal/dataset"
	"github.com/crawlkit/crawlkit/internal/fetcher"
	"github.com/crawlkit/crawlkit/internal/robots"
	"github.com/crawlkit/crawlkit/internal/types"
	"github.com/crawlkit/crawlkit/pkg/crawlkit"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// TestLiveFetch tests fetching a real URL.
func TestLiveFetch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping live test")
	}

	cfg := config.DefaultConfig()
	f, err := fetcher.NewHTTPFetcher(cfg, testLogger)
	if err != nil {
		t.Fatalf("create fetcher: %v", err)
	}
	defer f.Close()

	req, _ := types.NewRequest("https://quotes.toscrape.com")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	resp, err := f.Fetch(ctx, req)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}

	t.Logf("Status: %d", resp.StatusCode)
	t.Logf("Content-Type: %s", resp.ContentType)
	t.Logf("Body size: %d bytes", len(resp.Body))
	t.Logf("Duration: %s", resp.FetchDuration)

	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if len(resp.Body) < 100 {
		t.Error("body too short")
	}
}

// TestLiveFetchAndParseLinks tests fetching a real page and extracting links
// via goquery, the same document access the SDK's OnHTML callbacks use.
func TestLiveFetchAndParseLinks(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping live test")
	}

	cfg := config.DefaultConfig()
	f, _ := fetcher.NewHTTPFetcher(cfg, testLogger)
	defer f.Close()

	req, _ := types.NewRequest("https://quotes.toscrape.com")
	resp, err := f.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	doc, err := resp.Document()
	if err != nil {
		t.Fatalf("parse document: %v", err)
	}

	quotes := doc.Find(".quote .text")
	links := doc.Find("a[href]")

	t.Logf("CSS: %d quotes, %d links", quotes.Length(), links.Length())
	if quotes.Length() == 0 {
		t.Error("expected at least one quote")
	}
	if links.Length() < 5 {
		t.Errorf("expected at least 5 links, got %d", links.Length())
	}
}

// TestLiveRobotsCheck tests robots.txt fetch/parse/match against a real site.
func TestLiveRobotsCheck(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping live test")
	}

	checker := robots.New("crawlkit-test")
	if !checker.IsAllowed("https://quotes.toscrape.com/") {
		t.Error("expected root path to be allowed")
	}

	delay := checker.CrawlDelay("quotes.toscrape.com")
	t.Logf("Crawl-delay: %s", delay)
}

// TestLiveCrawl drives a full pkg/crawlkit crawl against a real site and
// verifies the dataset, statistics, and state store all reflect the run.
func TestLiveCrawl(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping live test")
	}

	outputDir := t.TempDir()

	seen := 0
	c := crawlkit.NewCrawler(
		crawlkit.WithConcurrency(2),
		crawlkit.WithDelay(200*time.Millisecond),
		crawlkit.WithOutput("jsonl", outputDir),
		crawlkit.WithMaxRequests(5),
		crawlkit.WithAllowedDomains("quotes.toscrape.com"),
	)
	c.OnHTML(".quote", func(e *crawlkit.Element) {
		seen++
		e.Item.Set("text", e.Selection.Find(".text").Text())
		e.Item.Set("author", e.Selection.Find(".author").Text())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := c.Run(ctx, "https://quotes.toscrape.com"); err != nil {
		t.Fatalf("run: %v", err)
	}

	snap := c.Stats()
	t.Logf("Finished: %d, Failed: %d", snap.Finished, snap.Failed)
	if snap.Finished < 1 {
		t.Error("expected at least 1 finished request")
	}
	if seen == 0 {
		t.Error("expected at least one quote to be extracted")
	}

	entries, err := os.ReadDir(outputDir)
	if err != nil {
		t.Fatalf("read output dir: %v", err)
	}
	if len(entries) == 0 {
		t.Error("expected output directory to contain dataset/state files")
	}
}

// TestFileDatasetRoundTrip exercises the dataset sink the SDK writes to.
func TestFileDatasetRoundTrip(t *testing.T) {
	path := t.TempDir() + "/results.jsonl"
	ds, err := dataset.NewFileDataset(path, testLogger)
	if err != nil {
		t.Fatalf("create dataset: %v", err)
	}

	item := types.NewItem("https://example.com/a")
	item.Set("title", "Example")
	if err := ds.PushData(context.Background(), item); err != nil {
		t.Fatalf("push data: %v", err)
	}
	if err := ds.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected non-empty output file")
	}
}
