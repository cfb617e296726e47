package session

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/crawlkit/crawlkit/internal/eventbus"
)

// TestSessionScoring covers a fresh session with errorScoreDecrement=0.5.
// markGood() once -> usageCount=1, errorScore=0. Then errorScore is forced
// to 1, and markGood() again -> errorScore=0.5.
func TestSessionScoring(t *testing.T) {
	s := newSession(Options{ErrorScoreDecrement: 0.5, MaxErrorScore: 100, MaxUsageCount: 100, MaxAgeSecs: 100}, nil)

	s.MarkGood()
	if s.UsageCount() != 1 {
		t.Fatalf("expected usageCount=1, got %d", s.UsageCount())
	}
	if s.ErrorScore() != 0 {
		t.Fatalf("expected errorScore=0, got %v", s.ErrorScore())
	}

	s.mu.Lock()
	s.errorScore = 1
	s.mu.Unlock()

	s.MarkGood()
	if s.ErrorScore() != 0.5 {
		t.Fatalf("expected errorScore=0.5 after decrement from 1, got %v", s.ErrorScore())
	}
}

func TestIsUsablePredicates(t *testing.T) {
	s := newSession(Options{MaxUsageCount: 1, MaxErrorScore: 1, MaxAgeSecs: 100}, nil)
	if !s.IsUsable() {
		t.Fatalf("expected a fresh session to be usable")
	}

	s.MarkBad() // usageCount=1 (== max), errorScore=1 (== max) -> retires
	if s.IsUsable() {
		t.Fatalf("expected session unusable after hitting max usage and error score")
	}
}

func TestIsExpired(t *testing.T) {
	s := newSession(Options{MaxAgeSecs: 100}, nil)
	if s.IsExpired() {
		t.Fatalf("expected fresh session not expired")
	}
	s.expiresAt = time.Now().Add(-time.Second)
	if !s.IsExpired() {
		t.Fatalf("expected expired session after expiresAt has passed")
	}
}

func TestRetireEmitsSessionRetiredEvent(t *testing.T) {
	bus := eventbus.New()
	s := newSession(Options{MaxAgeSecs: 100}, bus)

	var gotID string
	bus.Subscribe(eventbus.EventSessionRetired, func(payload any) {
		gotID = payload.(string)
	})

	s.Retire()
	if gotID != s.ID() {
		t.Fatalf("expected SESSION_RETIRED payload %q, got %q", s.ID(), gotID)
	}
}

func TestRetireOnBlockedStatusCodes(t *testing.T) {
	s := newSession(Options{MaxAgeSecs: 100}, nil)
	blocked := map[int]struct{}{401: {}, 403: {}, 429: {}}

	if s.RetireOnBlockedStatusCodes(200, blocked) {
		t.Fatalf("expected 200 to not trigger retirement")
	}
	if !s.RetireOnBlockedStatusCodes(429, blocked) {
		t.Fatalf("expected 429 to trigger retirement")
	}
	if !s.isRetired() {
		t.Fatalf("expected session retired after a blocked status code")
	}
}

// TestCookieMergeOnRedirect covers a Set-Cookie observed on a redirect
// response: it must be present on the session's jar for the next hop.
func TestCookieMergeOnRedirect(t *testing.T) {
	s := newSession(Options{MaxAgeSecs: 100}, nil)
	u, _ := url.Parse("https://example.com/redirectAndCookies")

	resp := &http.Response{Header: make(http.Header)}
	resp.Header.Add("Set-Cookie", "foo=bar; Path=/")
	resp.Header.Add("Set-Cookie", "not a valid cookie header at all;;;===")

	s.SetCookiesFromResponse(resp, u)

	cookieStr := s.GetCookieString(u)
	if cookieStr != "foo=bar" {
		t.Fatalf("expected cookie string 'foo=bar' on next hop, got %q", cookieStr)
	}
}

func TestDiffCookies(t *testing.T) {
	prior := []*http.Cookie{{Name: "a", Value: "1"}}
	next := []*http.Cookie{{Name: "a", Value: "1"}, {Name: "foo", Value: "bar"}}

	delta := DiffCookies(prior, next)
	if len(delta) != 1 || delta[0].Name != "foo" {
		t.Fatalf("expected delta=[foo], got %+v", delta)
	}
}
