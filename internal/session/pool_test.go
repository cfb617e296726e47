package session

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/crawlkit/crawlkit/internal/eventbus"
	"github.com/crawlkit/crawlkit/internal/kvstore"
)

func TestGetSessionConstructsUpToMaxPoolSize(t *testing.T) {
	p := NewPool(PoolOptions{MaxPoolSize: 5, SessionOptions: Options{MaxAgeSecs: 100, MaxUsageCount: 100, MaxErrorScore: 100}}, nil, nil)

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		s := p.GetSession()
		seen[s.ID()] = true
	}

	if p.Size() > 5 {
		t.Fatalf("expected pool to never exceed maxPoolSize=5, got %d", p.Size())
	}
}

func TestPoolRemovesSessionOnRetirement(t *testing.T) {
	bus := eventbus.New()
	p := NewPool(PoolOptions{MaxPoolSize: 1, SessionOptions: Options{MaxAgeSecs: 100, MaxUsageCount: 100, MaxErrorScore: 100}}, bus, nil)

	s := p.GetSession()
	if p.Size() != 1 {
		t.Fatalf("expected pool size 1 after first GetSession, got %d", p.Size())
	}

	s.Retire()
	if p.Size() != 0 {
		t.Fatalf("expected pool size 0 after retirement, got %d", p.Size())
	}
}

func TestPoolPersistAndRehydrate(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()

	p1 := NewPool(PoolOptions{MaxPoolSize: 10, SessionOptions: Options{MaxAgeSecs: 100, MaxUsageCount: 100, MaxErrorScore: 100}}, nil, store)
	s := p1.GetSession()
	s.MarkGood()

	siteURL, _ := url.Parse("https://example.com/")
	s.SetCookies([]*http.Cookie{{Name: "session_id", Value: "abc123"}}, siteURL)

	if err := p1.Persist(ctx); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	p2 := NewPool(PoolOptions{MaxPoolSize: 10, SessionOptions: Options{MaxAgeSecs: 100, MaxUsageCount: 100, MaxErrorScore: 100}}, nil, store)
	if err := p2.Rehydrate(ctx); err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}

	if p2.Size() != 1 {
		t.Fatalf("expected 1 rehydrated session, got %d", p2.Size())
	}

	rehydrated := p2.sessions[0]
	cookies := rehydrated.GetCookies(siteURL)
	if len(cookies) != 1 || cookies[0].Value != "abc123" {
		t.Fatalf("expected cookie to survive persist/rehydrate round-trip, got %v", cookies)
	}
}

func TestBlockedStatusCodesDefaults(t *testing.T) {
	p := NewPool(PoolOptions{}, nil, nil)
	blocked := p.BlockedStatusCodes()
	for _, code := range []int{401, 403, 429} {
		if _, ok := blocked[code]; !ok {
			t.Fatalf("expected %d in default blocked status codes", code)
		}
	}
}
