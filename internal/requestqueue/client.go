package requestqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/crawlkit/crawlkit/internal/types"
)

// Client is the durable storage interface the RequestQueue persists
// through — the RequestQueueClient external interface.
type Client interface {
	AddRequest(ctx context.Context, r *types.Request, forefront bool) (AddResult, error)
	GetRequest(ctx context.Context, id string) (*types.Request, error)
	ListHead(ctx context.Context, limit int) ([]*types.Request, error)
	UpdateRequest(ctx context.Context, r *types.Request) error
}

// AddResult is the outcome of adding a single request to the queue.
type AddResult struct {
	RequestID         string
	WasAlreadyPresent bool
	WasAlreadyHandled bool
}

// MemoryClient is an in-process Client with no durability beyond the
// process's lifetime.
type MemoryClient struct {
	mu    sync.Mutex
	byID  map[string]*types.Request
	order []string // insertion order, forefront entries prepended
}

// NewMemoryClient returns an empty MemoryClient.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{byID: make(map[string]*types.Request)}
}

func (c *MemoryClient) AddRequest(ctx context.Context, r *types.Request, forefront bool) (AddResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byID[r.ID]; ok {
		return AddResult{RequestID: r.ID, WasAlreadyPresent: true, WasAlreadyHandled: existing.IsHandled()}, nil
	}

	c.byID[r.ID] = r.Clone()
	if forefront {
		c.order = append([]string{r.ID}, c.order...)
	} else {
		c.order = append(c.order, r.ID)
	}
	return AddResult{RequestID: r.ID}, nil
}

func (c *MemoryClient) GetRequest(ctx context.Context, id string) (*types.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.byID[id]
	if !ok {
		return nil, nil
	}
	return r.Clone(), nil
}

func (c *MemoryClient) ListHead(ctx context.Context, limit int) ([]*types.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*types.Request, 0, limit)
	for _, id := range c.order {
		r := c.byID[id]
		if r.IsHandled() {
			continue
		}
		out = append(out, r.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (c *MemoryClient) UpdateRequest(ctx context.Context, r *types.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[r.ID]; !ok {
		return fmt.Errorf("update request %s: not found", r.ID)
	}
	c.byID[r.ID] = r.Clone()
	return nil
}

// FileClient is a Client persisting every request as its own JSON file
// under dir, written atomically via temp-file-then-rename.
type FileClient struct {
	mu  sync.Mutex
	dir string

	order []string
	cache map[string]*types.Request
}

// NewFileClient opens (creating if absent) a directory-backed Client.
func NewFileClient(dir string) (*FileClient, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create request queue dir: %w", err)
	}
	c := &FileClient{dir: dir, cache: make(map[string]*types.Request)}
	if err := c.loadExisting(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *FileClient) loadExisting() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, entry.Name()))
		if err != nil {
			continue
		}
		var r types.Request
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		c.cache[r.ID] = &r
		c.order = append(c.order, r.ID)
	}
	return nil
}

func (c *FileClient) path(id string) string {
	return filepath.Join(c.dir, id+".json")
}

func (c *FileClient) writeLocked(r *types.Request) error {
	tmp := c.path(r.ID) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create request file: %w", err)
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(r); err != nil {
		f.Close()
		return fmt.Errorf("encode request: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, c.path(r.ID))
}

func (c *FileClient) AddRequest(ctx context.Context, r *types.Request, forefront bool) (AddResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.cache[r.ID]; ok {
		return AddResult{RequestID: r.ID, WasAlreadyPresent: true, WasAlreadyHandled: existing.IsHandled()}, nil
	}

	clone := r.Clone()
	if err := c.writeLocked(clone); err != nil {
		return AddResult{}, err
	}
	c.cache[r.ID] = clone
	if forefront {
		c.order = append([]string{r.ID}, c.order...)
	} else {
		c.order = append(c.order, r.ID)
	}
	return AddResult{RequestID: r.ID}, nil
}

func (c *FileClient) GetRequest(ctx context.Context, id string) (*types.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.cache[id]
	if !ok {
		return nil, nil
	}
	return r.Clone(), nil
}

func (c *FileClient) ListHead(ctx context.Context, limit int) ([]*types.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*types.Request, 0, limit)
	for _, id := range c.order {
		r := c.cache[id]
		if r.IsHandled() {
			continue
		}
		out = append(out, r.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (c *FileClient) UpdateRequest(ctx context.Context, r *types.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cache[r.ID]; !ok {
		return fmt.Errorf("update request %s: not found", r.ID)
	}
	clone := r.Clone()
	if err := c.writeLocked(clone); err != nil {
		return err
	}
	c.cache[r.ID] = clone
	return nil
}
