// Package autoscaledpool implements the closed-loop concurrency controller
// that drives the crawler's worker tasks: a cooperative tick scans for
// spawnable work, applies an optional per-minute rate cap, and nudges
// desiredConcurrency up or down based on system idle/overload history.
package autoscaledpool

import (
	"context"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/crawlkit/crawlkit/internal/sysstatus"
)

// Defaults mirror the documented configuration knobs.
const (
	DefaultDesiredConcurrencyRatio = 0.90
	DefaultScaleUpStepRatio        = 0.05
	DefaultScaleDownStepRatio      = 0.05
	DefaultMaybeRunInterval        = 500 * time.Millisecond
	DefaultLoggingInterval         = 60 * time.Second
	DefaultAbortTimeout            = 30 * time.Second
)

// Options configures a Pool.
type Options struct {
	MinConcurrency int
	MaxConcurrency int

	DesiredConcurrencyRatio float64
	ScaleUpStepRatio        float64
	ScaleDownStepRatio      float64

	MaybeRunInterval time.Duration
	MaxTasksPerMinute int
	LoggingInterval   time.Duration
	AbortTimeout      time.Duration
}

func (o *Options) setDefaults() {
	if o.MinConcurrency <= 0 {
		o.MinConcurrency = 1
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = o.MinConcurrency
	}
	if o.MaxConcurrency < o.MinConcurrency {
		o.MaxConcurrency = o.MinConcurrency
	}
	if o.DesiredConcurrencyRatio == 0 {
		o.DesiredConcurrencyRatio = DefaultDesiredConcurrencyRatio
	}
	if o.ScaleUpStepRatio == 0 {
		o.ScaleUpStepRatio = DefaultScaleUpStepRatio
	}
	if o.ScaleDownStepRatio == 0 {
		o.ScaleDownStepRatio = DefaultScaleDownStepRatio
	}
	if o.MaybeRunInterval == 0 {
		o.MaybeRunInterval = DefaultMaybeRunInterval
	}
	if o.LoggingInterval == 0 {
		o.LoggingInterval = DefaultLoggingInterval
	}
	if o.AbortTimeout == 0 {
		o.AbortTimeout = DefaultAbortTimeout
	}
}

// SystemStatus is the subset of *sysstatus.Checker the pool reads from on
// every tick to decide whether to scale up or down.
type SystemStatus interface {
	GetHistoricalStatus() sysstatus.Status
}

// Hooks are the three collaborator callbacks the owning crawler runtime
// wires in.
type Hooks struct {
	// IsFinished reports whether there is no more work, ever. Latches
	// permanently once observed true.
	IsFinished func() bool
	// IsTaskReady reports whether at least one task could be started right
	// now (e.g. the request queue has a head item).
	IsTaskReady func() bool
	// RunTask executes one unit of work. A non-nil return rejects Run —
	// per-task handler failures must be absorbed by the caller and must
	// not surface here.
	RunTask func(ctx context.Context) error
}

// Pool is the autoscaling task-concurrency controller.
type Pool struct {
	opts  Options
	hooks Hooks
	status SystemStatus
	limiter *rate.Limiter
	logger  *slog.Logger

	mu                 sync.Mutex
	desiredConcurrency int
	currentConcurrency int
	finished           bool
	aborting           bool

	tasksStarted   int64
	tasksCompleted int64
	tasksFailed    int64
}

// New constructs a Pool. status may be nil, in which case autoscaling never
// adjusts desiredConcurrency away from MinConcurrency.
func New(opts Options, hooks Hooks, status SystemStatus, logger *slog.Logger) *Pool {
	opts.setDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	var limiter *rate.Limiter
	if opts.MaxTasksPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.MaxTasksPerMinute)), 1)
	}

	return &Pool{
		opts:               opts,
		hooks:              hooks,
		status:             status,
		limiter:            limiter,
		logger:             logger.With("component", "autoscaled_pool"),
		desiredConcurrency: opts.MinConcurrency,
	}
}

// Abort prevents future task starts; Run resolves once in-flight tasks
// drain, bounded by AbortTimeout.
func (p *Pool) Abort() {
	p.mu.Lock()
	p.aborting = true
	p.mu.Unlock()
}

// CurrentConcurrency returns the number of tasks currently running.
func (p *Pool) CurrentConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentConcurrency
}

// DesiredConcurrency returns the controller's current target concurrency.
func (p *Pool) DesiredConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desiredConcurrency
}

// Run drives the tick loop until the hooks report completion, an abort
// fully drains, a task returns a fatal error, or ctx is canceled.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.MaybeRunInterval)
	defer ticker.Stop()

	var loggingTicker *time.Ticker
	var loggingC <-chan time.Time
	if p.opts.LoggingInterval > 0 {
		loggingTicker = time.NewTicker(p.opts.LoggingInterval)
		loggingC = loggingTicker.C
		defer loggingTicker.Stop()
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	var reportErrOnce sync.Once

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()

		case err := <-errCh:
			wg.Wait()
			return err

		case <-loggingC:
			p.logStatus()

		case <-ticker.C:
			if p.tick(ctx, &wg, errCh, &reportErrOnce) {
				if p.drain(&wg) {
					return nil
				}
				select {
				case err := <-errCh:
					return err
				default:
					return nil
				}
			}
		}
	}
}

// tick performs one scheduling-and-autoscale pass. It returns true when the
// pool has latched "finished" and the caller should stop ticking.
func (p *Pool) tick(ctx context.Context, wg *sync.WaitGroup, errCh chan error, once *sync.Once) bool {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return true
	}
	if p.aborting {
		p.finished = true
		p.mu.Unlock()
		return true
	}
	if p.hooks.IsFinished != nil && p.hooks.IsFinished() {
		p.finished = true
		p.mu.Unlock()
		return true
	}
	p.mu.Unlock()

	p.spawnReadyTasks(ctx, wg, errCh, once)
	p.autoscale()
	return false
}

func (p *Pool) spawnReadyTasks(ctx context.Context, wg *sync.WaitGroup, errCh chan error, once *sync.Once) {
	for {
		p.mu.Lock()
		if p.aborting {
			p.mu.Unlock()
			return
		}
		if p.currentConcurrency >= p.desiredConcurrency {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		if p.hooks.IsTaskReady == nil || !p.hooks.IsTaskReady() {
			return
		}
		if p.limiter != nil && !p.limiter.Allow() {
			return
		}

		p.mu.Lock()
		p.currentConcurrency++
		p.tasksStarted++
		p.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				p.mu.Lock()
				p.currentConcurrency--
				p.mu.Unlock()
			}()

			err := p.hooks.RunTask(ctx)

			p.mu.Lock()
			if err != nil {
				p.tasksFailed++
			} else {
				p.tasksCompleted++
			}
			p.mu.Unlock()

			if err != nil {
				once.Do(func() { errCh <- err })
			}
		}()
	}
}

// autoscale applies the scale-up/scale-down rule against historical system
// status.
func (p *Pool) autoscale() {
	if p.status == nil {
		return
	}
	historical := p.status.GetHistoricalStatus()

	p.mu.Lock()
	defer p.mu.Unlock()

	eligibleForScaleUp := p.currentConcurrency >= int(math.Floor(float64(p.desiredConcurrency)*p.opts.DesiredConcurrencyRatio))

	if historical.IsSystemIdle && eligibleForScaleUp {
		step := int(math.Ceil(float64(p.desiredConcurrency) * p.opts.ScaleUpStepRatio))
		p.desiredConcurrency = min(p.opts.MaxConcurrency, p.desiredConcurrency+step)
	} else if !historical.IsSystemIdle {
		step := int(math.Ceil(float64(p.desiredConcurrency) * p.opts.ScaleDownStepRatio))
		p.desiredConcurrency = max(p.opts.MinConcurrency, p.desiredConcurrency-step)
	}
}

// drain waits for in-flight tasks to finish, bounded by AbortTimeout when
// the pool is aborting. Returns true if it fully drained.
func (p *Pool) drain(wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	p.mu.Lock()
	aborting := p.aborting
	p.mu.Unlock()

	if !aborting {
		<-done
		return true
	}

	select {
	case <-done:
		return true
	case <-time.After(p.opts.AbortTimeout):
		return false
	}
}

func (p *Pool) logStatus() {
	p.mu.Lock()
	desired, current, started, completed, failed := p.desiredConcurrency, p.currentConcurrency, p.tasksStarted, p.tasksCompleted, p.tasksFailed
	p.mu.Unlock()

	p.logger.Info("autoscaled pool status",
		"desired_concurrency", desired,
		"current_concurrency", current,
		"tasks_started", started,
		"tasks_completed", completed,
		"tasks_failed", failed,
	)
}
