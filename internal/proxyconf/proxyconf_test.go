package proxyconf

import (
	"errors"
	"testing"
)

func TestNewURLIsStickyPerSession(t *testing.T) {
	pool, err := New(Options{URLs: []string{
		"http://proxy-a.example.com:8080",
		"http://proxy-b.example.com:8080",
		"http://proxy-c.example.com:8080",
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first, err := pool.NewURL("session-1")
	if err != nil {
		t.Fatalf("NewURL: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := pool.NewURL("session-1")
		if err != nil {
			t.Fatalf("NewURL: %v", err)
		}
		if again.String() != first.String() {
			t.Fatalf("expected sticky proxy %s, got %s", first, again)
		}
	}
}

func TestNewURLWithoutSessionIDRotates(t *testing.T) {
	pool, err := New(Options{URLs: []string{
		"http://proxy-a.example.com:8080",
		"http://proxy-b.example.com:8080",
	}, Rotation: RotationRoundRobin})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		u, err := pool.NewURL("")
		if err != nil {
			t.Fatalf("NewURL: %v", err)
		}
		seen[u.String()] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected round-robin to visit both proxies, saw %v", seen)
	}
}

func TestMarkFailedEvictsStickySession(t *testing.T) {
	pool, err := New(Options{URLs: []string{
		"http://proxy-a.example.com:8080",
		"http://proxy-b.example.com:8080",
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	bound, err := pool.NewURL("session-1")
	if err != nil {
		t.Fatalf("NewURL: %v", err)
	}

	pool.MarkFailed(bound, errors.New("connection refused"))

	reassigned, err := pool.NewURL("session-1")
	if err != nil {
		t.Fatalf("NewURL after MarkFailed: %v", err)
	}
	if reassigned.String() == bound.String() {
		t.Fatalf("expected session to be reassigned off the failed proxy")
	}
}

func TestNewURLExhaustsWithNoHealthyProxies(t *testing.T) {
	pool, err := New(Options{URLs: []string{"http://only-proxy.example.com:8080"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	u, err := pool.NewURL("")
	if err != nil {
		t.Fatalf("NewURL: %v", err)
	}
	pool.MarkFailed(u, errors.New("down"))

	if _, err := pool.NewURL(""); !errors.Is(err, ErrNoHealthyProxies) {
		t.Fatalf("expected ErrNoHealthyProxies, got %v", err)
	}
}

func TestNewRejectsEmptyURLList(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected New to reject an empty URL list")
	}
}

var _ ProxyConfiguration = (*Pool)(nil)
