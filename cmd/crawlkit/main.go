package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crawlkit/crawlkit/internal/config"
	"github.com/crawlkit/crawlkit/internal/metrics"
	"github.com/crawlkit/crawlkit/pkg/crawlkit"
)

var (
	cfgFile        string
	verbose        bool
	outputPath     string
	outputType     string
	concurrent     int
	delay          string
	userAgent      string
	maxRequests    int
	maxRetries     int
	allowedDomains string
	respectRobots  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "crawlkit",
		Short: "CrawlKit — autoscaled, durable web crawling runtime",
		Long: `CrawlKit drives a web crawl through a durable, deduplicated request
queue, a self-tuning autoscaled worker pool, and a rotating session pool,
extracting data via CSS selectors and writing it to JSON, JSONL, or CSV.`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(crawlCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func crawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl [url...]",
		Short: "Crawl the given seed URL(s)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runCrawl,
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "./output", "output directory")
	cmd.Flags().StringVarP(&outputType, "format", "f", "jsonl", "output format: jsonl, json, csv")
	cmd.Flags().IntVarP(&concurrent, "concurrency", "n", 10, "worker concurrency (min=max)")
	cmd.Flags().StringVar(&delay, "delay", "0s", "politeness delay between requests per domain")
	cmd.Flags().StringVar(&userAgent, "user-agent", "", "custom User-Agent string")
	cmd.Flags().IntVarP(&maxRequests, "max-requests", "m", 0, "maximum total requests (0 = unlimited)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 3, "accepted but not applied; the crawler uses its built-in retry limit")
	cmd.Flags().StringVar(&allowedDomains, "allowed-domains", "", "comma-separated domains to stay within")
	cmd.Flags().BoolVar(&respectRobots, "respect-robots", true, "honor robots.txt")

	return cmd
}

func runCrawl(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for _, rawURL := range args {
		if err := config.ValidateURL(rawURL); err != nil {
			return fmt.Errorf("invalid URL %q: %w", rawURL, err)
		}
	}

	opts := []crawlkit.Option{
		crawlkit.WithConcurrency(concurrent),
		crawlkit.WithOutput(strings.ToLower(outputType), outputPath),
		crawlkit.WithRobotsRespect(respectRobots),
	}
	if d, err := time.ParseDuration(delay); err == nil {
		opts = append(opts, crawlkit.WithDelay(d))
	}
	if userAgent != "" {
		opts = append(opts, crawlkit.WithUserAgent(userAgent))
	}
	if maxRequests > 0 {
		opts = append(opts, crawlkit.WithMaxRequests(maxRequests))
	}
	if allowedDomains != "" {
		var domains []string
		for _, d := range strings.Split(allowedDomains, ",") {
			if d = strings.TrimSpace(d); d != "" {
				domains = append(domains, d)
			}
		}
		opts = append(opts, crawlkit.WithAllowedDomains(domains...))
	}
	if verbose {
		opts = append(opts, crawlkit.WithVerbose())
	}
	if cfg.Proxy.Enabled && len(cfg.Proxy.URLs) > 0 {
		opts = append(opts, crawlkit.WithProxy(cfg.Proxy.URLs...))
	}

	c := crawlkit.NewCrawler(opts...)

	c.OnHTML("title", func(e *crawlkit.Element) {
		e.Item.Set("title", strings.TrimSpace(e.Text()))
	})
	c.OnHTML("a[href]", func(e *crawlkit.Element) {
		e.Follow(e.Attr("href"))
	})

	if cfg.Metrics.Enabled {
		reg := metrics.New()
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, reg.Handler())
		addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Warn("metrics server error", "error", err)
			}
		}()
		logger.Info("metrics server listening", "addr", addr, "path", cfg.Metrics.Path)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		c.Stop()
		cancel()
	}()

	logger.Info("starting crawl", "seeds", args, "concurrency", concurrent, "output", outputPath)

	start := time.Now()
	if err := c.Run(ctx, args...); err != nil {
		return fmt.Errorf("run crawl: %w", err)
	}
	elapsed := time.Since(start)

	snap := c.Stats()
	fmt.Printf("\nCrawl complete in %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  Finished:  %d\n", snap.Finished)
	fmt.Printf("  Failed:    %d\n", snap.Failed)
	fmt.Printf("  Output:    %s\n", outputPath)

	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("crawlkit %s\n", config.Version)
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			fmt.Printf("Engine:\n")
			fmt.Printf("  Concurrency:       %d\n", cfg.Engine.Concurrency)
			fmt.Printf("  Request Timeout:   %s\n", cfg.Engine.RequestTimeout)
			fmt.Printf("  Politeness Delay:  %s\n", cfg.Engine.PolitenessDelay)
			fmt.Printf("  Respect robots.txt: %v\n", cfg.Engine.RespectRobotsTxt)
			fmt.Printf("  Max Retries:       %d\n", cfg.Engine.MaxRetries)
			fmt.Printf("\nProxy:\n")
			fmt.Printf("  Enabled:           %v\n", cfg.Proxy.Enabled)
			fmt.Printf("  Rotation:          %s\n", cfg.Proxy.Rotation)
			fmt.Printf("  Count:             %d\n", len(cfg.Proxy.URLs))
			fmt.Printf("\nMetrics:\n")
			fmt.Printf("  Enabled:           %v\n", cfg.Metrics.Enabled)
			fmt.Printf("  Port:              %d\n", cfg.Metrics.Port)
			return nil
		},
	}
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
