package requestqueue

import (
	"context"
	"testing"
	"time"

	"github.com/crawlkit/crawlkit/internal/types"
)

func mustRequest(t *testing.T, rawURL string) *types.Request {
	t.Helper()
	r, err := types.NewRequest(rawURL)
	if err != nil {
		t.Fatalf("NewRequest(%s): %v", rawURL, err)
	}
	return r
}

func TestAddRequestDedupesByUniqueKey(t *testing.T) {
	ctx := context.Background()
	q := New(NewMemoryClient(), Options{})

	r1 := mustRequest(t, "https://example.com/a")
	res1, err := q.AddRequest(ctx, r1, false)
	if err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	if res1.WasAlreadyPresent {
		t.Fatalf("expected first add to report wasAlreadyPresent=false")
	}

	r2 := mustRequest(t, "https://example.com/a") // same canonical URL
	res2, err := q.AddRequest(ctx, r2, false)
	if err != nil {
		t.Fatalf("AddRequest (dup): %v", err)
	}
	if !res2.WasAlreadyPresent {
		t.Fatalf("expected duplicate add to report wasAlreadyPresent=true")
	}
	if res2.RequestID != res1.RequestID {
		t.Fatalf("expected duplicate to resolve to the original request id")
	}
}

func TestMarkHandledIsReportedOnReAdd(t *testing.T) {
	ctx := context.Background()
	q := New(NewMemoryClient(), Options{})

	r := mustRequest(t, "https://example.com/a")
	if _, err := q.AddRequest(ctx, r, false); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	fetched, err := q.FetchNextRequest(ctx)
	if err != nil || fetched == nil {
		t.Fatalf("FetchNextRequest: %v (req=%v)", err, fetched)
	}

	if err := q.MarkRequestHandled(ctx, fetched); err != nil {
		t.Fatalf("MarkRequestHandled: %v", err)
	}

	dup := mustRequest(t, "https://example.com/a")
	res, err := q.AddRequest(ctx, dup, false)
	if err != nil {
		t.Fatalf("AddRequest (post-handled dup): %v", err)
	}
	if !res.WasAlreadyHandled {
		t.Fatalf("expected wasAlreadyHandled=true for a re-add of a handled request")
	}
}

func TestForefrontInsertsAtHead(t *testing.T) {
	ctx := context.Background()
	q := New(NewMemoryClient(), Options{})

	first := mustRequest(t, "https://example.com/first")
	second := mustRequest(t, "https://example.com/second")

	if _, err := q.AddRequest(ctx, first, false); err != nil {
		t.Fatalf("AddRequest(first): %v", err)
	}
	if _, err := q.AddRequest(ctx, second, true); err != nil {
		t.Fatalf("AddRequest(second, forefront): %v", err)
	}

	got, err := q.FetchNextRequest(ctx)
	if err != nil || got == nil {
		t.Fatalf("FetchNextRequest: %v", err)
	}
	if got.ID != second.ID {
		t.Fatalf("expected forefront request to be fetched first")
	}
}

func TestFetchNextRequestReturnsNilWhenEmpty(t *testing.T) {
	ctx := context.Background()
	q := New(NewMemoryClient(), Options{})

	got, err := q.FetchNextRequest(ctx)
	if err != nil {
		t.Fatalf("FetchNextRequest: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil from an empty queue")
	}
}

func TestEveryRequestIsInExactlyOneBucket(t *testing.T) {
	ctx := context.Background()
	q := New(NewMemoryClient(), Options{})

	r := mustRequest(t, "https://example.com/a")
	if _, err := q.AddRequest(ctx, r, false); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	empty, err := q.IsEmpty(ctx)
	if err != nil || empty {
		t.Fatalf("expected non-empty with one pending request, empty=%v err=%v", empty, err)
	}

	fetched, err := q.FetchNextRequest(ctx)
	if err != nil || fetched == nil {
		t.Fatalf("FetchNextRequest: %v", err)
	}

	q.mu.Lock()
	_, inProgress := q.inProgress[fetched.ID]
	q.mu.Unlock()
	if !inProgress {
		t.Fatalf("expected fetched request to be in progress")
	}

	if err := q.MarkRequestHandled(ctx, fetched); err != nil {
		t.Fatalf("MarkRequestHandled: %v", err)
	}

	q.mu.Lock()
	_, stillInProgress := q.inProgress[fetched.ID]
	q.mu.Unlock()
	if stillInProgress {
		t.Fatalf("expected handled request removed from in-progress")
	}
	if !fetched.IsHandled() {
		t.Fatalf("expected fetched request marked handled")
	}
}

// TestStallRecovery enqueues 3 requests and injects a phantom in-progress
// id with no backing worker; with a short InternalTimeout, IsFinished must
// eventually become true once the stale entry is reclaimed.
func TestStallRecovery(t *testing.T) {
	ctx := context.Background()
	q := New(NewMemoryClient(), Options{InternalTimeout: 20 * time.Millisecond})

	for _, u := range []string{"https://example.com/1", "https://example.com/2", "https://example.com/3"} {
		if _, err := q.AddRequest(ctx, mustRequest(t, u), false); err != nil {
			t.Fatalf("AddRequest(%s): %v", u, err)
		}
	}

	for i := 0; i < 3; i++ {
		r, err := q.FetchNextRequest(ctx)
		if err != nil || r == nil {
			t.Fatalf("FetchNextRequest #%d: %v (req=%v)", i, err, r)
		}
		if err := q.MarkRequestHandled(ctx, r); err != nil {
			t.Fatalf("MarkRequestHandled: %v", err)
		}
	}

	q.InjectInProgress("phantom-worker-claim", time.Now())

	finished, err := q.IsFinished(ctx)
	if err != nil {
		t.Fatalf("IsFinished: %v", err)
	}
	if finished {
		t.Fatalf("expected not finished while the phantom claim is still fresh")
	}

	time.Sleep(30 * time.Millisecond)

	finished, err = q.IsFinished(ctx)
	if err != nil {
		t.Fatalf("IsFinished (after timeout): %v", err)
	}
	if !finished {
		t.Fatalf("expected finished once the stale phantom claim is reclaimed")
	}
}
