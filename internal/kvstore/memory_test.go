package kvstore

import (
	"context"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, ok, err := s.GetValue(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing key to report ok=false, got ok=%v err=%v", ok, err)
	}

	if err := s.SetValue(ctx, "k1", []byte("v1"), "text/plain"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	v, ok, err := s.GetValue(ctx, "k1")
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("expected v1, got %q ok=%v err=%v", v, ok, err)
	}
}

func TestMemoryStoreListKeysOrderedAndPaged(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, k := range []string{"b", "a", "c"} {
		if err := s.SetValue(ctx, k, []byte("x"), ""); err != nil {
			t.Fatalf("SetValue(%s): %v", k, err)
		}
	}

	keys, err := s.ListKeys(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(keys) != len(want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, keys)
		}
	}

	paged, err := s.ListKeys(ctx, "a", 1)
	if err != nil || len(paged) != 1 || paged[0] != "b" {
		t.Fatalf("expected [b] after exclusiveStartKey=a, got %v err=%v", paged, err)
	}
}
