// Package requestqueue implements the durable, deduplicated work queue
// workers draw requests from. The in-memory queueHead is a plain FIFO fed
// from a durable Client in batches; priority ordering is the caller's
// concern (forefront vs normal insertion) rather than a numeric priority
// field on every pop.
package requestqueue

import (
	"context"
	"sync"
	"time"

	"github.com/crawlkit/crawlkit/internal/types"
)

// DefaultInternalTimeout is CRAWLEE_INTERNAL_TIMEOUT: how long a stale
// in-progress entry is tolerated before auto-reset reclaims it.
const DefaultInternalTimeout = 30 * time.Second

// DefaultHeadBatchSize is how many requests are pulled from the durable
// Client on each queueHead refill.
const DefaultHeadBatchSize = 100

// Options configures a RequestQueue.
type Options struct {
	InternalTimeout time.Duration
	HeadBatchSize   int
}

func (o *Options) setDefaults() {
	if o.InternalTimeout == 0 {
		o.InternalTimeout = DefaultInternalTimeout
	}
	if o.HeadBatchSize == 0 {
		o.HeadBatchSize = DefaultHeadBatchSize
	}
}

type inProgressEntry struct {
	startedAt time.Time
}

// RequestQueue coordinates a durable Client with an in-memory queueHead
// that workers actually consume from.
type RequestQueue struct {
	mu sync.Mutex

	client Client
	opts   Options

	queueHead     []*types.Request
	uniqueKeyToID map[string]string
	inProgress    map[string]inProgressEntry
}

// New constructs a RequestQueue backed by client.
func New(client Client, opts Options) *RequestQueue {
	opts.setDefaults()
	return &RequestQueue{
		client:        client,
		opts:          opts,
		uniqueKeyToID: make(map[string]string),
		inProgress:    make(map[string]inProgressEntry),
	}
}

// AddRequest adds a single request, deduplicated by its UniqueKey.
func (q *RequestQueue) AddRequest(ctx context.Context, r *types.Request, forefront bool) (AddResult, error) {
	q.mu.Lock()

	if existingID, ok := q.uniqueKeyToID[r.UniqueKey]; ok {
		q.mu.Unlock()
		existing, err := q.client.GetRequest(ctx, existingID)
		if err != nil {
			return AddResult{}, err
		}
		return AddResult{
			RequestID:         existingID,
			WasAlreadyPresent: true,
			WasAlreadyHandled: existing != nil && existing.IsHandled(),
		}, nil
	}

	q.uniqueKeyToID[r.UniqueKey] = r.ID
	q.mu.Unlock()

	result, err := q.client.AddRequest(ctx, r, forefront)
	if err != nil {
		return AddResult{}, err
	}
	if result.WasAlreadyPresent {
		return result, nil
	}

	q.mu.Lock()
	if forefront {
		q.queueHead = append([]*types.Request{r}, q.queueHead...)
	} else {
		q.queueHead = append(q.queueHead, r)
	}
	q.mu.Unlock()

	return result, nil
}

// AddRequests adds a batch of requests in order, returning one AddResult
// per input request.
func (q *RequestQueue) AddRequests(ctx context.Context, batch []*types.Request, forefront bool) ([]AddResult, error) {
	results := make([]AddResult, len(batch))
	for i, r := range batch {
		res, err := q.AddRequest(ctx, r, forefront)
		if err != nil {
			return results, err
		}
		results[i] = res
	}
	return results, nil
}

// FetchNextRequest returns the next pending request not already in
// progress, or nil when the queue appears empty. It also performs
// stall detection: if in-progress entries have aged past InternalTimeout,
// they're reclaimed back to the head before reporting emptiness.
func (q *RequestQueue) FetchNextRequest(ctx context.Context) (*types.Request, error) {
	q.mu.Lock()
	q.reclaimStaleLocked()

	if len(q.queueHead) == 0 {
		q.mu.Unlock()
		if err := q.refillHead(ctx); err != nil {
			return nil, err
		}
		q.mu.Lock()
	}

	if len(q.queueHead) == 0 {
		q.mu.Unlock()
		return nil, nil
	}

	r := q.queueHead[0]
	q.queueHead = q.queueHead[1:]
	q.inProgress[r.ID] = inProgressEntry{startedAt: time.Now()}
	q.mu.Unlock()

	return r, nil
}

// refillHead pulls a batch from the durable Client into queueHead, skipping
// anything already in progress or already present in queueHead.
func (q *RequestQueue) refillHead(ctx context.Context) error {
	batch, err := q.client.ListHead(ctx, q.opts.HeadBatchSize)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	present := make(map[string]struct{}, len(q.queueHead))
	for _, r := range q.queueHead {
		present[r.ID] = struct{}{}
	}

	for _, r := range batch {
		if _, ok := q.inProgress[r.ID]; ok {
			continue
		}
		if _, ok := present[r.ID]; ok {
			continue
		}
		q.queueHead = append(q.queueHead, r)
		present[r.ID] = struct{}{}
	}
	return nil
}

// reclaimStaleLocked evicts in-progress entries older than InternalTimeout
// back onto the head. Caller must hold q.mu.
func (q *RequestQueue) reclaimStaleLocked() {
	if len(q.inProgress) == 0 {
		return
	}
	now := time.Now()
	for id, entry := range q.inProgress {
		if now.Sub(entry.startedAt) <= q.opts.InternalTimeout {
			continue
		}
		delete(q.inProgress, id)
		// Best-effort: the durable record may already be gone (e.g. a
		// synthetic in-progress entry injected without a backing request);
		// either way it no longer blocks completion.
		if req, err := q.client.GetRequest(context.Background(), id); err == nil && req != nil && !req.IsHandled() {
			q.queueHead = append(q.queueHead, req)
		}
	}
}

// MarkRequestHandled moves r out of in-progress, stamps HandledAt, and
// persists it.
func (q *RequestQueue) MarkRequestHandled(ctx context.Context, r *types.Request) error {
	r.MarkHandled(time.Now())

	q.mu.Lock()
	delete(q.inProgress, r.ID)
	q.mu.Unlock()

	return q.client.UpdateRequest(ctx, r)
}

// ReclaimRequest returns r to pending (at the head if forefront) and clears
// it from in-progress, without marking it handled. The caller is expected
// to have already updated r's RetryCount/ErrorMessages.
func (q *RequestQueue) ReclaimRequest(ctx context.Context, r *types.Request, forefront bool) error {
	q.mu.Lock()
	delete(q.inProgress, r.ID)
	if forefront {
		q.queueHead = append([]*types.Request{r}, q.queueHead...)
	} else {
		q.queueHead = append(q.queueHead, r)
	}
	q.mu.Unlock()

	return q.client.UpdateRequest(ctx, r)
}

// IsEmpty reports whether the queue has nothing pending (in-memory or
// durable). In-progress requests don't count — they may still complete.
func (q *RequestQueue) IsEmpty(ctx context.Context) (bool, error) {
	q.mu.Lock()
	empty := len(q.queueHead) == 0
	q.mu.Unlock()

	if !empty {
		return false, nil
	}
	if err := q.refillHead(ctx); err != nil {
		return false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queueHead) == 0, nil
}

// IsFinished reports whether the queue is empty AND has nothing in
// progress. Stale in-progress entries are reclaimed (and thereby resolved)
// as part of this check.
func (q *RequestQueue) IsFinished(ctx context.Context) (bool, error) {
	q.mu.Lock()
	q.reclaimStaleLocked()
	q.mu.Unlock()

	empty, err := q.IsEmpty(ctx)
	if err != nil {
		return false, err
	}
	if !empty {
		return false, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inProgress) == 0, nil
}

// InjectInProgress is a test seam: it marks id as in-progress without a
// corresponding queueHead entry, simulating a crashed worker's orphaned
// claim for stall-recovery tests.
func (q *RequestQueue) InjectInProgress(id string, startedAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inProgress[id] = inProgressEntry{startedAt: startedAt}
}
