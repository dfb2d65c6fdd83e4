package executor

import (
	"context"

	"github.com/swarmguard/flowrunner/pkg/resilience"
	"github.com/swarmguard/flowrunner/pkg/state"
)

// GuardedExecutor decorates another Executor with a CircuitBreaker: once a
// run's Submit failure rate trips the breaker, further submissions resolve
// immediately to a Failed state without ever reaching the wrapped executor,
// so a systemic outage (bad credentials, a dead dependency) doesn't burn
// the whole run's wall-clock budget retrying doomed tasks one at a time.
type GuardedExecutor struct {
	Executor
	breaker *resilience.CircuitBreaker
}

// NewGuardedExecutor wraps inner with breaker.
func NewGuardedExecutor(inner Executor, breaker *resilience.CircuitBreaker) *GuardedExecutor {
	return &GuardedExecutor{Executor: inner, breaker: breaker}
}

func (g *GuardedExecutor) Submit(ctx context.Context, fn RunFunc) *Future {
	if !g.breaker.Allow() {
		return Resolved(state.NewFailed("circuit breaker open: too many recent task failures"))
	}
	return g.Executor.Submit(ctx, func(ctx context.Context) state.State {
		s := fn(ctx)
		g.breaker.RecordResult(s.IsSuccessful())
		return s
	})
}

func (g *GuardedExecutor) Map(ctx context.Context, fns []RunFunc) *Future {
	guarded := make([]RunFunc, len(fns))
	for i, fn := range fns {
		fn := fn
		guarded[i] = func(ctx context.Context) state.State {
			if !g.breaker.Allow() {
				return state.NewFailed("circuit breaker open: too many recent task failures")
			}
			s := fn(ctx)
			g.breaker.RecordResult(s.IsSuccessful())
			return s
		}
	}
	return g.Executor.Map(ctx, guarded)
}

var (
	_ Executor = (*SyncExecutor)(nil)
	_ Executor = (*PoolExecutor)(nil)
	_ Executor = (*GuardedExecutor)(nil)
)
