package executor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/swarmguard/flowrunner/pkg/state"
	"github.com/swarmguard/flowrunner/pkg/tagqueue"
)

// SyncExecutor runs every submitted unit inline, on the caller's goroutine,
// in submission order. It is the default for local development and tests:
// no concurrency means no flakiness, at the cost of ignoring tag-queue
// parallelism (tasks still acquire and release tickets, they just never
// contend for them concurrently).
type SyncExecutor struct {
	id string
}

// NewSyncExecutor returns a synchronous in-process Executor.
func NewSyncExecutor() *SyncExecutor {
	return &SyncExecutor{id: "sync-" + uuid.NewString()}
}

func (e *SyncExecutor) Start(ctx context.Context) (func(), error) {
	return func() {}, nil
}

func (e *SyncExecutor) Submit(ctx context.Context, fn RunFunc) *Future {
	return Resolved(fn(ctx))
}

func (e *SyncExecutor) Map(ctx context.Context, fns []RunFunc) *Future {
	children := make([]state.State, len(fns))
	for i, fn := range fns {
		children[i] = fn(ctx)
	}
	return Resolved(state.NewMapped(children))
}

func (e *SyncExecutor) Wait(f *Future) state.State {
	return f.Wait()
}

func (e *SyncExecutor) WaitMap(futures map[string]*Future) map[string]state.State {
	out := make(map[string]state.State, len(futures))
	for id, f := range futures {
		out[id] = f.Wait()
	}
	return out
}

func (e *SyncExecutor) Queue(size int) *tagqueue.Queue {
	return tagqueue.NewQueue(size)
}

func (e *SyncExecutor) RunWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (any, error)) (any, error) {
	return RunWithTimeout(ctx, timeout, fn)
}

func (e *SyncExecutor) ExecutorID() string {
	return e.id
}
