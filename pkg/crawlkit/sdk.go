// Package crawlkit provides a public SDK for embedding the crawler as a
// library.
//
// Example usage:
//
//	crawler := crawlkit.NewCrawler(
//	    crawlkit.WithConcurrency(5),
//	    crawlkit.WithOutput("jsonl", "./output"),
//	)
//
//	crawler.OnHTML("h1", func(e *crawlkit.Element) {
//	    e.Item.Set("title", e.Text())
//	})
//
//	crawler.OnHTML("a[href]", func(e *crawlkit.Element) {
//	    e.Follow(e.Attr("href"))
//	})
//
//	crawler.Run(context.Background(), "https://example.com")
package crawlkit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/crawlkit/crawlkit/internal/config"
	"github.com/crawlkit/crawlkit/internal/crawler"
	"github.com/crawlkit/crawlkit/internal/dataset"
	"github.com/crawlkit/crawlkit/internal/fetcher"
	"github.com/crawlkit/crawlkit/internal/kvstore"
	"github.com/crawlkit/crawlkit/internal/parser"
	"github.com/crawlkit/crawlkit/internal/pipeline"
	"github.com/crawlkit/crawlkit/internal/requestqueue"
	"github.com/crawlkit/crawlkit/internal/robots"
	"github.com/crawlkit/crawlkit/internal/statistics"
	"github.com/crawlkit/crawlkit/internal/types"
)

// HTMLCallback is called for each element matching a CSS selector.
type HTMLCallback func(e *Element)

// Element represents a matched DOM element in a callback.
type Element struct {
	// Selection is the goquery selection.
	Selection *goquery.Selection

	// Item is the item being built for this page.
	Item *types.Item

	// Response is the page response.
	Response *types.Response

	// NewRequests collects follow-up URLs discovered by the callback.
	NewRequests []*types.Request
}

// Text returns the text content of the element.
func (e *Element) Text() string { return e.Selection.Text() }

// Attr returns the value of the given attribute.
func (e *Element) Attr(name string) string {
	val, _ := e.Selection.Attr(name)
	return val
}

// HTML returns the inner HTML of the element.
func (e *Element) HTML() string {
	html, _ := e.Selection.Html()
	return html
}

// Follow queues rawURL to be crawled.
func (e *Element) Follow(rawURL string) {
	req, err := types.NewRequest(rawURL)
	if err != nil {
		return
	}
	e.NewRequests = append(e.NewRequests, req)
}

// Option configures a Crawler.
type Option func(*settings)

type settings struct {
	cfg             *config.Config
	outputFormat    string
	outputPath      string
	respectRobots   bool
	maxTasksPerMin  int
	politenessDelay time.Duration
	middlewares     []pipeline.Middleware
	autoExtract     bool
}

// WithConcurrency sets the min/max worker concurrency.
func WithConcurrency(n int) Option {
	return func(s *settings) { s.cfg.Engine.Concurrency = n }
}

// WithMaxDepth sets the maximum crawl depth (enforced by the caller's own
// link-following logic; the runtime itself is depth-agnostic).
func WithMaxDepth(depth int) Option {
	return func(s *settings) { s.cfg.Engine.MaxDepth = depth }
}

// WithMaxRequests caps the total number of requests processed in this run
// (0, the default, means unlimited).
func WithMaxRequests(n int) Option {
	return func(s *settings) { s.cfg.Engine.MaxRequests = n }
}

// WithDelay sets the minimum politeness delay enforced between two
// dispatches to the same domain.
func WithDelay(d time.Duration) Option {
	return func(s *settings) { s.politenessDelay = d }
}

// WithOutput sets the dataset format ("json", "jsonl", or "csv") and path.
func WithOutput(format, path string) Option {
	return func(s *settings) {
		s.outputFormat = format
		s.outputPath = path
	}
}

// WithUserAgent sets a custom User-Agent.
func WithUserAgent(ua string) Option {
	return func(s *settings) { s.cfg.Engine.UserAgents = []string{ua} }
}

// WithAllowedDomains restricts crawling to the given domains.
func WithAllowedDomains(domains ...string) Option {
	return func(s *settings) { s.cfg.Engine.AllowedDomains = domains }
}

// WithDisallowedDomains excludes the given domains from crawling.
func WithDisallowedDomains(domains ...string) Option {
	return func(s *settings) { s.cfg.Engine.DisallowedDomains = domains }
}

// WithProxy enables proxy rotation through the given proxy URLs.
func WithProxy(urls ...string) Option {
	return func(s *settings) {
		s.cfg.Proxy.Enabled = true
		s.cfg.Proxy.URLs = urls
	}
}

// WithRobotsRespect enables/disables robots.txt compliance.
func WithRobotsRespect(respect bool) Option {
	return func(s *settings) { s.respectRobots = respect }
}

// WithMaxTasksPerMinute caps how many new requests may start per minute.
func WithMaxTasksPerMinute(n int) Option {
	return func(s *settings) { s.maxTasksPerMin = n }
}

// WithVerbose enables debug-level logging.
func WithVerbose() Option {
	return func(s *settings) { s.cfg.Logging.Level = "debug" }
}

// WithItemMiddleware appends item post-processing middleware, applied in
// order to every item before it reaches the dataset. A TrimMiddleware always
// runs first, regardless of this option.
func WithItemMiddleware(mws ...pipeline.Middleware) Option {
	return func(s *settings) { s.middlewares = append(s.middlewares, mws...) }
}

// WithAutoExtract enables structured-data and CSS link-discovery extraction
// on pages that no OnHTML rule matched, via internal/parser's CompositeParser.
// Discovered links are queued and any JSON-LD/OpenGraph/meta data found is
// pushed to the dataset as its own item.
func WithAutoExtract() Option {
	return func(s *settings) { s.autoExtract = true }
}

// Crawler is the high-level API for embedding the crawler runtime.
type Crawler struct {
	settings  *settings
	logger    *slog.Logger
	htmlRules map[string]HTMLCallback
	runtime   *crawler.Runtime
	ds        dataset.Dataset
	store     *kvstore.Store
	pipe      *pipeline.Pipeline
	autoParse *parser.CompositeParser
}

// NewCrawler creates a new Crawler with the given options.
func NewCrawler(opts ...Option) *Crawler {
	s := &settings{cfg: config.DefaultConfig(), outputFormat: "jsonl", outputPath: "./output"}
	for _, opt := range opts {
		opt(s)
	}

	level := slog.LevelInfo
	if s.cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	pipe := pipeline.New(logger)
	pipe.Use(&pipeline.TrimMiddleware{})
	for _, mw := range s.middlewares {
		pipe.Use(mw)
	}

	c := &Crawler{
		settings:  s,
		logger:    logger,
		htmlRules: make(map[string]HTMLCallback),
		pipe:      pipe,
	}
	if s.autoExtract {
		c.autoParse = parser.NewCompositeParser(logger)
	}
	return c
}

// OnHTML registers a callback for elements matching the CSS selector.
func (c *Crawler) OnHTML(selector string, cb HTMLCallback) {
	c.htmlRules[selector] = cb
}

// Run crawls the given seed URLs to completion, blocking until the crawl is
// done, the context is canceled, or an unrecoverable runtime error occurs.
func (c *Crawler) Run(ctx context.Context, urls ...string) error {
	httpFetcher, err := fetcher.NewHTTPFetcher(c.settings.cfg, c.logger)
	if err != nil {
		return fmt.Errorf("create fetcher: %w", err)
	}
	defer httpFetcher.Close()

	ds, err := c.buildDataset()
	if err != nil {
		return fmt.Errorf("create dataset: %w", err)
	}
	c.ds = ds
	defer ds.Close()

	var robotsChecker *robots.Checker
	if c.settings.respectRobots {
		ua := "crawlkit"
		if len(c.settings.cfg.Engine.UserAgents) > 0 {
			ua = c.settings.cfg.Engine.UserAgents[0]
		}
		robotsChecker = robots.New(ua)
	}

	store, err := kvstore.Open(filepath.Join(c.settings.outputPath, ".state"))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	c.store = store
	defer store.Close()

	queueDir := filepath.Join(c.settings.outputPath, ".queue")
	queueClient, err := requestqueue.NewFileClient(queueDir)
	if err != nil {
		return fmt.Errorf("create request queue backing store: %w", err)
	}

	handler := c.buildHandler(httpFetcher, ds, robotsChecker)

	c.runtime = crawler.New(handler, queueClient, store, crawler.Options{
		MinConcurrency:      c.settings.cfg.Engine.Concurrency,
		MaxConcurrency:      c.settings.cfg.Engine.Concurrency,
		MaxRequestsPerCrawl: c.settings.cfg.Engine.MaxRequests,
		MaxRequestRetries:   c.settings.cfg.Engine.MaxRetries,
		MaxTasksPerMinute:   c.settings.maxTasksPerMin,
		AllowedDomains:      c.settings.cfg.Engine.AllowedDomains,
		DisallowedDomains:   c.settings.cfg.Engine.DisallowedDomains,
		PolitenessDelay:     c.settings.politenessDelay,
		Logger:              c.logger,
	})

	seeds := make([]*types.Request, 0, len(urls))
	for _, u := range urls {
		req, err := types.NewRequest(u)
		if err != nil {
			c.logger.Warn("seed skipped", "url", u, "reason", err)
			continue
		}
		seeds = append(seeds, req)
	}
	if len(seeds) == 0 && len(urls) > 0 {
		return fmt.Errorf("all %d seed(s) failed to parse", len(urls))
	}

	return c.runtime.Run(ctx, seeds)
}

// Stop aborts an in-progress crawl, letting in-flight requests drain.
func (c *Crawler) Stop() {
	if c.runtime != nil {
		c.runtime.Abort()
	}
}

// Stats returns crawl statistics gathered so far.
func (c *Crawler) Stats() statistics.Snapshot {
	if c.runtime == nil {
		return statistics.Snapshot{}
	}
	return c.runtime.Stats()
}

func (c *Crawler) buildDataset() (dataset.Dataset, error) {
	switch c.settings.outputFormat {
	case "csv":
		return dataset.NewCSVDataset(filepath.Join(c.settings.outputPath, "results.csv"), c.logger)
	case "json", "jsonl":
		return dataset.NewFileDataset(filepath.Join(c.settings.outputPath, "results.jsonl"), c.logger)
	default:
		return nil, fmt.Errorf("unsupported output format: %s", c.settings.outputFormat)
	}
}

func (c *Crawler) buildHandler(f *fetcher.HTTPFetcher, ds dataset.Dataset, robotsChecker *robots.Checker) crawler.RequestHandler {
	return func(rc *crawler.RequestContext) error {
		rawURL := rc.Request.URL
		if robotsChecker != nil && !robotsChecker.IsAllowed(rawURL) {
			return types.ErrNoRetry
		}

		parsedURL, err := url.Parse(rawURL)
		if err != nil {
			return fmt.Errorf("%w: %s", types.ErrMalformedInput, rawURL)
		}

		if cookies := rc.Session.GetCookieString(parsedURL); cookies != "" {
			rc.Request.Headers.Set("Cookie", cookies)
		}

		resp, err := f.Fetch(rc.Context, rc.Request)
		if err != nil {
			return err
		}
		rc.Session.SetCookiesFromResponse(&http.Response{Header: resp.Headers}, parsedURL)

		if len(c.htmlRules) == 0 {
			return c.autoExtractPage(rc, resp)
		}

		doc, err := resp.Document()
		if err != nil {
			return fmt.Errorf("parse document: %w", err)
		}

		matched := false
		for selector, cb := range c.htmlRules {
			var cbErr error
			doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
				matched = true
				item := types.NewItem(rawURL)
				elem := &Element{Selection: sel, Item: item, Response: resp}
				cb(elem)

				for _, newReq := range elem.NewRequests {
					if _, err := rc.Queue.AddRequest(rc.Context, newReq, false); err != nil {
						cbErr = err
					}
				}

				if len(item.Fields) == 0 {
					return
				}
				processed, err := c.pipe.Process(item)
				if err != nil {
					cbErr = err
					return
				}
				if processed == nil {
					return
				}
				if err := ds.PushData(rc.Context, processed); err != nil {
					cbErr = err
				}
			})
			if cbErr != nil {
				return cbErr
			}
		}
		if !matched {
			return c.autoExtractPage(rc, resp)
		}
		return nil
	}
}

// autoExtractPage runs the composite structured-data/CSS fallback extractor
// over a page that matched no registered OnHTML selector, queuing any
// discovered links and pushing any structured data found.
func (c *Crawler) autoExtractPage(rc *crawler.RequestContext, resp *types.Response) error {
	if c.autoParse == nil {
		return nil
	}
	items, links, err := c.autoParse.Parse(resp, nil)
	if err != nil {
		return fmt.Errorf("auto-extract: %w", err)
	}
	for _, link := range links {
		req, err := types.NewRequest(link)
		if err != nil {
			continue
		}
		if _, err := rc.Queue.AddRequest(rc.Context, req, false); err != nil {
			return err
		}
	}
	for _, item := range items {
		if len(item.Fields) == 0 {
			continue
		}
		processed, err := c.pipe.Process(item)
		if err != nil {
			return err
		}
		if processed == nil || len(processed.Fields) == 0 {
			continue
		}
		if err := c.ds.PushData(rc.Context, processed); err != nil {
			return err
		}
	}
	return nil
}
