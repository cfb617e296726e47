package robots

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIsAllowedHonorsDisallowAndAllowOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nDisallow: /private\nAllow: /private/public-page\nCrawl-delay: 2\n"))
	}))
	defer srv.Close()

	c := New("crawlkit")

	if !c.IsAllowed(srv.URL + "/open") {
		t.Fatalf("expected /open to be allowed")
	}
	if c.IsAllowed(srv.URL + "/private/secret") {
		t.Fatalf("expected /private/secret to be disallowed")
	}
	if !c.IsAllowed(srv.URL + "/private/public-page") {
		t.Fatalf("expected explicit Allow to override Disallow")
	}
	if delay := c.CrawlDelay(srv.URL); delay != 2*time.Second {
		t.Fatalf("expected crawl-delay 2s, got %s", delay)
	}
}

func TestIsAllowedDefaultsToTrueWhenRobotsTxtUnfetchable(t *testing.T) {
	c := New("crawlkit")
	if !c.IsAllowed("http://127.0.0.1:1/whatever") {
		t.Fatalf("expected unreachable domain to default to allowed")
	}
}

func TestIsAllowedCachesPerDomain(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("User-agent: *\nDisallow: /blocked\n"))
	}))
	defer srv.Close()

	c := New("crawlkit")
	c.IsAllowed(srv.URL + "/a")
	c.IsAllowed(srv.URL + "/b")
	c.IsAllowed(srv.URL + "/blocked")

	if hits != 1 {
		t.Fatalf("expected robots.txt to be fetched once and cached, got %d fetches", hits)
	}
}

func TestSitemapsAreParsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Sitemap: https://example.com/sitemap.xml\n"))
	}))
	defer srv.Close()

	c := New("crawlkit")
	c.IsAllowed(srv.URL + "/x")

	maps := c.Sitemaps(srv.URL)
	if len(maps) != 1 || maps[0] != "https://example.com/sitemap.xml" {
		t.Fatalf("expected one sitemap entry, got %v", maps)
	}
}
