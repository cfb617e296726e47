package requestqueue

import (
	"context"
	"testing"

	"github.com/crawlkit/crawlkit/internal/types"
)

func TestFileClientPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	c1, err := NewFileClient(dir)
	if err != nil {
		t.Fatalf("NewFileClient: %v", err)
	}
	r, err := types.NewRequest("https://example.com/a")
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if _, err := c1.AddRequest(ctx, r, false); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	c2, err := NewFileClient(dir)
	if err != nil {
		t.Fatalf("NewFileClient (reopen): %v", err)
	}
	got, err := c2.GetRequest(ctx, r.ID)
	if err != nil || got == nil {
		t.Fatalf("GetRequest after reopen: %v (got=%v)", err, got)
	}
	if got.URL != r.URL {
		t.Fatalf("expected reloaded request URL %q, got %q", r.URL, got.URL)
	}
}

func TestFileClientListHeadExcludesHandled(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c, err := NewFileClient(dir)
	if err != nil {
		t.Fatalf("NewFileClient: %v", err)
	}

	r, err := types.NewRequest("https://example.com/a")
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if _, err := c.AddRequest(ctx, r, false); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	r.MarkHandled(r.CreatedAt)
	if err := c.UpdateRequest(ctx, r); err != nil {
		t.Fatalf("UpdateRequest: %v", err)
	}

	head, err := c.ListHead(ctx, 10)
	if err != nil {
		t.Fatalf("ListHead: %v", err)
	}
	if len(head) != 0 {
		t.Fatalf("expected handled request excluded from ListHead, got %d entries", len(head))
	}
}
