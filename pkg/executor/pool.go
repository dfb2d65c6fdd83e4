package executor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/flowrunner/pkg/resilience"
	"github.com/swarmguard/flowrunner/pkg/state"
	"github.com/swarmguard/flowrunner/pkg/tagqueue"
)

// Limiter is the overload-protection hook a PoolExecutor consults before
// dispatching each submitted unit. *resilience.HybridRateLimiter satisfies
// this directly.
type Limiter interface {
	AllowOrWait(ctx context.Context) error
}

// PoolExecutor runs submitted units across a fixed-size worker pool,
// mirroring the teacher orchestrator's ready-channel/results-channel/
// coordinator pattern but generalized to arbitrary RunFuncs rather than a
// single DAG's node list — the Flow Runner owns topological dispatch order
// and calls Submit per ready task.
type PoolExecutor struct {
	id         string
	maxWorkers int
	limiter    Limiter

	jobs chan job
	wg   sync.WaitGroup
	stop chan struct{}

	activeGauge metric.Int64UpDownCounter
}

type job struct {
	fn func()
}

// NewPoolExecutor returns a worker-pool Executor with maxWorkers concurrent
// goroutines. limiter may be nil to skip overload protection; meter may be
// nil to skip instrumentation.
func NewPoolExecutor(maxWorkers int, limiter Limiter, meter metric.Meter) *PoolExecutor {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	p := &PoolExecutor{
		id:         "pool-" + uuid.NewString(),
		maxWorkers: maxWorkers,
		limiter:    limiter,
		jobs:       make(chan job, maxWorkers*4),
		stop:       make(chan struct{}),
	}
	if meter != nil {
		p.activeGauge, _ = meter.Int64UpDownCounter("flowrunner_pool_active_workers")
	}
	return p
}

// Start launches the worker pool. The returned teardown drains in-flight
// jobs and stops every worker goroutine.
func (p *PoolExecutor) Start(ctx context.Context) (func(), error) {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return func() {
		close(p.stop)
		p.wg.Wait()
	}, nil
}

func (p *PoolExecutor) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			if p.activeGauge != nil {
				p.activeGauge.Add(ctx, 1)
			}
			j.fn()
			if p.activeGauge != nil {
				p.activeGauge.Add(ctx, -1)
			}
		}
	}
}

func (p *PoolExecutor) Submit(ctx context.Context, fn RunFunc) *Future {
	f := NewFuture()
	p.dispatch(ctx, func() {
		f.Resolve(fn(ctx))
	})
	return f
}

func (p *PoolExecutor) Map(ctx context.Context, fns []RunFunc) *Future {
	f := NewFuture()
	if len(fns) == 0 {
		f.Resolve(state.NewMapped(nil))
		return f
	}

	children := make([]state.State, len(fns))
	var wg sync.WaitGroup
	wg.Add(len(fns))
	for i, fn := range fns {
		i, fn := i, fn
		p.dispatch(ctx, func() {
			defer wg.Done()
			children[i] = fn(ctx)
		})
	}
	go func() {
		wg.Wait()
		f.Resolve(state.NewMapped(children))
	}()
	return f
}

// dispatch runs fn through the worker pool, first consulting the limiter if
// one is configured. A limiter denial or cancelled ctx still resolves the
// caller's future (the caller's RunFunc is responsible for turning a
// context error into a Failed/TimedOut state).
func (p *PoolExecutor) dispatch(ctx context.Context, fn func()) {
	go func() {
		if p.limiter != nil {
			if err := p.limiter.AllowOrWait(ctx); err != nil {
				fn()
				return
			}
		}
		select {
		case p.jobs <- job{fn: fn}:
		case <-ctx.Done():
			fn()
		case <-p.stop:
			fn()
		}
	}()
}

func (p *PoolExecutor) Wait(f *Future) state.State {
	return f.Wait()
}

func (p *PoolExecutor) WaitMap(futures map[string]*Future) map[string]state.State {
	out := make(map[string]state.State, len(futures))
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(len(futures))
	for id, f := range futures {
		id, f := id, f
		go func() {
			defer wg.Done()
			s := f.Wait()
			mu.Lock()
			out[id] = s
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

func (p *PoolExecutor) Queue(size int) *tagqueue.Queue {
	return tagqueue.NewQueue(size)
}

func (p *PoolExecutor) RunWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (any, error)) (any, error) {
	return RunWithTimeout(ctx, timeout, fn)
}

func (p *PoolExecutor) ExecutorID() string {
	return p.id
}

var _ Limiter = (*resilience.HybridRateLimiter)(nil)
