// Package crawler implements CrawlerRuntime: the run(initialRequests)
// entrypoint that wires RequestQueue, SessionPool, Statistics, Snapshotter,
// SystemStatus, and AutoscaledPool together and drives one request at a time
// through a user-supplied handler.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crawlkit/crawlkit/internal/autoscaledpool"
	"github.com/crawlkit/crawlkit/internal/eventbus"
	"github.com/crawlkit/crawlkit/internal/requestqueue"
	"github.com/crawlkit/crawlkit/internal/session"
	"github.com/crawlkit/crawlkit/internal/snapshot"
	"github.com/crawlkit/crawlkit/internal/statistics"
	"github.com/crawlkit/crawlkit/internal/sysstatus"
	"github.com/crawlkit/crawlkit/internal/types"
)

// RequestContext is handed to the user's RequestHandler for one dispatch
// attempt.
type RequestContext struct {
	Context context.Context
	Request *types.Request
	Session *session.Session
	Queue   *requestqueue.RequestQueue
	Stats   *statistics.Statistics
}

// RequestHandler processes one request. A returned error drives the
// retry/terminal-failure decision in runOneRequest; it never rejects Run.
type RequestHandler func(rc *RequestContext) error

// Store is the persistence surface Statistics and the session Pool persist
// through.
type Store interface {
	GetValue(ctx context.Context, key string) ([]byte, bool, error)
	SetValue(ctx context.Context, key string, value []byte, contentType string) error
}

// Options configures a Runtime.
type Options struct {
	MinConcurrency int
	MaxConcurrency int

	MaxRequestsPerCrawl int // 0 = unlimited
	MaxRequestRetries   int // default 3

	RequestHandlerTimeout time.Duration // default 60s

	SessionPoolOptions session.PoolOptions
	MaxTasksPerMinute  int
	MaybeRunInterval   time.Duration // passed through to the AutoscaledPool tick

	SaveErrorSnapshots bool

	// AllowedDomains / DisallowedDomains gate which requests are accepted
	// into the queue at all (an allow-list takes precedence when non-empty).
	AllowedDomains    []string
	DisallowedDomains []string

	// PolitenessDelay, when > 0, is the minimum gap enforced between two
	// dispatches to the same domain.
	PolitenessDelay time.Duration

	StatisticsID string

	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.MinConcurrency <= 0 {
		o.MinConcurrency = 1
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = o.MinConcurrency
	}
	if o.MaxRequestRetries <= 0 {
		o.MaxRequestRetries = 3
	}
	if o.RequestHandlerTimeout <= 0 {
		o.RequestHandlerTimeout = 60 * time.Second
	}
	if o.StatisticsID == "" {
		o.StatisticsID = "0"
	}
}

// Runtime is the assembled crawler: queue, session pool, statistics,
// resource monitor, and the autoscaled dispatch loop.
type Runtime struct {
	opts    Options
	handler RequestHandler
	logger  *slog.Logger

	queue       *requestqueue.RequestQueue
	sessions    *session.Pool
	stats       *statistics.Statistics
	snapshotter *snapshot.Snapshotter
	status      *sysstatus.Checker
	pool        *autoscaledpool.Pool
	store       Store
	bus         *eventbus.Bus

	aborted            atomic.Bool
	requestsDispatched atomic.Int64

	domainMu          sync.Mutex
	lastFetchByDomain map[string]time.Time
}

// New assembles a Runtime. client is the durable backend for the request
// queue; store is the key-value backend Statistics and the session pool
// persist through.
func New(handler RequestHandler, client requestqueue.Client, store Store, opts Options) *Runtime {
	opts.setDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	logger = logger.With("component", "crawler_runtime")

	bus := eventbus.New()

	snapshotter := snapshot.New(snapshot.Options{}, logger)
	statusChecker := sysstatus.New(snapshotter, sysstatus.Options{})
	sessions := session.NewPool(opts.SessionPoolOptions, bus, store)
	stats := statistics.New(opts.StatisticsID, store)

	rt := &Runtime{
		opts:              opts,
		handler:           handler,
		logger:            logger,
		queue:             requestqueue.New(client, requestqueue.Options{}),
		sessions:          sessions,
		stats:             stats,
		snapshotter:       snapshotter,
		status:            statusChecker,
		store:             store,
		bus:               bus,
		lastFetchByDomain: make(map[string]time.Time),
	}

	rt.pool = autoscaledpool.New(autoscaledpool.Options{
		MinConcurrency:    opts.MinConcurrency,
		MaxConcurrency:    opts.MaxConcurrency,
		MaxTasksPerMinute: opts.MaxTasksPerMinute,
		MaybeRunInterval:  opts.MaybeRunInterval,
	}, autoscaledpool.Hooks{
		IsTaskReady: rt.isTaskReady,
		IsFinished:  rt.isFinished,
		RunTask:     rt.runTask,
	}, statusChecker, logger)

	return rt
}

// Run seeds the queue with initialRequests and drives dispatch until the
// queue is finished, maxRequestsPerCrawl is reached, or abort is called.
// A seeding error is returned before the pool starts and before any state is
// persisted. Once the pool has run, state is persisted before returning, and
// any pool error other than context.Canceled is returned wrapped in
// ErrPoolFatal.
func (rt *Runtime) Run(ctx context.Context, initialRequests []*types.Request) error {
	rt.rehydrate(ctx)

	for _, r := range initialRequests {
		if !rt.isDomainAllowed(r.Domain()) {
			rt.logger.Warn("dropping seed request: domain not allowed", "url", r.URL, "domain", r.Domain())
			continue
		}
		if _, err := rt.queue.AddRequest(ctx, r, false); err != nil {
			return fmt.Errorf("seeding request %q: %w", r.URL, err)
		}
	}

	snapCtx, cancelSnap := context.WithCancel(ctx)
	defer cancelSnap()
	rt.snapshotter.Start(snapCtx)
	defer rt.snapshotter.Stop()

	stopPersistTicker := rt.bus.StartPersistTicker(60 * time.Second)
	defer stopPersistTicker()
	unsubscribe := rt.bus.Subscribe(eventbus.EventPersistState, func(any) {
		persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rt.persist(persistCtx)
	})
	defer unsubscribe()

	runErr := rt.pool.Run(ctx)

	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rt.persist(persistCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("%w: %v", types.ErrPoolFatal, runErr)
	}
	return nil
}

// Abort prevents future task starts; in-flight tasks drain up to the pool's
// AbortTimeout.
func (rt *Runtime) Abort() {
	rt.aborted.Store(true)
	rt.pool.Abort()
}

// rehydrate reconstructs statistics and session pool state from the
// configured Store, if a prior run persisted any. The two loads are
// independent of each other, so they run concurrently with first-error-wins
// cancellation; a failure is logged, not fatal, since a crawl still starts
// correctly from zero state.
func (rt *Runtime) rehydrate(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.stats.Rehydrate(gctx) })
	g.Go(func() error { return rt.sessions.Rehydrate(gctx) })
	if err := g.Wait(); err != nil {
		rt.logger.Error("failed to rehydrate prior run state", "error", err)
	}
}

func (rt *Runtime) persist(ctx context.Context) {
	if err := rt.stats.Persist(ctx); err != nil {
		rt.logger.Error("failed to persist statistics", "error", err)
	}
	if err := rt.sessions.Persist(ctx); err != nil {
		rt.logger.Error("failed to persist session pool", "error", err)
	}
}

func (rt *Runtime) isTaskReady() bool {
	if rt.aborted.Load() {
		return false
	}
	empty, err := rt.queue.IsEmpty(context.Background())
	if err != nil {
		rt.logger.Error("IsEmpty check failed", "error", err)
		return false
	}
	return !empty
}

func (rt *Runtime) isFinished() bool {
	if rt.aborted.Load() {
		return true
	}
	if rt.opts.MaxRequestsPerCrawl > 0 && rt.requestsDispatched.Load() >= int64(rt.opts.MaxRequestsPerCrawl) {
		return true
	}
	finished, err := rt.queue.IsFinished(context.Background())
	if err != nil {
		rt.logger.Error("IsFinished check failed", "error", err)
		return false
	}
	return finished
}

// runTask is the AutoscaledPool RunTask hook: one call to runOneRequest.
// It never returns a non-nil error for ordinary handler failures — those
// are absorbed by the retry pipeline. A non-nil return here is reserved for
// genuine pool-machinery faults.
func (rt *Runtime) runTask(ctx context.Context) error {
	return rt.runOneRequest(ctx)
}

func (rt *Runtime) runOneRequest(ctx context.Context) error {
	req, err := rt.queue.FetchNextRequest(ctx)
	if err != nil {
		return fmt.Errorf("fetching next request: %w", err)
	}
	if req == nil {
		return nil
	}

	rt.requestsDispatched.Add(1)
	rt.awaitPoliteness(req.Domain())

	sess := rt.sessions.GetSession()

	rt.stats.StartJob(req.ID)

	handlerCtx, cancel := context.WithTimeout(ctx, rt.opts.RequestHandlerTimeout)
	defer cancel()

	rc := &RequestContext{Context: handlerCtx, Request: req, Session: sess, Queue: rt.queue, Stats: rt.stats}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("request handler panicked: %v", r)
			}
		}()
		done <- rt.handler(rc)
	}()

	var handlerErr error
	select {
	case handlerErr = <-done:
	case <-handlerCtx.Done():
		handlerErr = fmt.Errorf("%w: exceeded %s", types.ErrHandlerTimeout, rt.opts.RequestHandlerTimeout)
	}

	if handlerErr == nil {
		rt.stats.FinishJob(req.ID)
		sess.MarkGood()
		return rt.queue.MarkRequestHandled(ctx, req)
	}

	return rt.handleFailure(ctx, req, sess, handlerErr)
}

func (rt *Runtime) handleFailure(ctx context.Context, req *types.Request, sess *session.Session, handlerErr error) error {
	sess.MarkBad()

	var fetchErr *types.FetchError
	if errors.As(handlerErr, &fetchErr) && sess.RetireOnBlockedStatusCodes(fetchErr.StatusCode, rt.sessions.BlockedStatusCodes()) {
		rt.logger.Info("session retired: blocked status code", "url", req.URL, "status", fetchErr.StatusCode)
	}

	terminal := req.NoRetry || req.RetryCount+1 >= rt.opts.MaxRequestRetries
	req.AppendError(handlerErr.Error())

	if terminal {
		rt.stats.FailJob(req.ID)
		rt.logger.Warn("request terminally failed", "url", req.URL, "retry_count", req.RetryCount, "error", handlerErr)
		return rt.queue.MarkRequestHandled(ctx, req)
	}

	req.RetryCount++
	rt.logger.Info("request reclaimed for retry", "url", req.URL, "retry_count", req.RetryCount, "error", handlerErr)
	return rt.queue.ReclaimRequest(ctx, req, false)
}

func (rt *Runtime) awaitPoliteness(domain string) {
	if rt.opts.PolitenessDelay <= 0 || domain == "" {
		return
	}

	rt.domainMu.Lock()
	last, ok := rt.lastFetchByDomain[domain]
	rt.lastFetchByDomain[domain] = time.Now()
	rt.domainMu.Unlock()

	if !ok {
		return
	}
	if wait := rt.opts.PolitenessDelay - time.Since(last); wait > 0 {
		time.Sleep(wait)
	}
}

func (rt *Runtime) isDomainAllowed(domain string) bool {
	if len(rt.opts.AllowedDomains) > 0 {
		for _, d := range rt.opts.AllowedDomains {
			if d == domain {
				return true
			}
		}
		return false
	}
	for _, d := range rt.opts.DisallowedDomains {
		if d == domain {
			return false
		}
	}
	return true
}

// Stats exposes the current statistics snapshot.
func (rt *Runtime) Stats() statistics.Snapshot {
	return rt.stats.GetCurrent()
}

