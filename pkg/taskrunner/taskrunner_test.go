package taskrunner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/swarmguard/flowrunner/pkg/executor"
	"github.com/swarmguard/flowrunner/pkg/flow"
	"github.com/swarmguard/flowrunner/pkg/flowctx"
	"github.com/swarmguard/flowrunner/pkg/resultcache"
	"github.com/swarmguard/flowrunner/pkg/signal"
	"github.com/swarmguard/flowrunner/pkg/state"
)

func newRunner(task *flow.Task, cache resultcache.Cache) *TaskRunner {
	return New(task, executor.NewSyncExecutor(), cache, nil, nil)
}

func TestRunIsIdempotentOnFinishedState(t *testing.T) {
	task := flow.NewTask("t", func(ctx context.Context, inputs map[string]any) (any, error) {
		t.Fatal("Fn should not be invoked when current is already finished")
		return nil, nil
	})
	tr := newRunner(task, nil)

	already := state.NewSuccess("cached-result")
	got := tr.Run(context.Background(), flowctx.New(nil), already, nil, nil, false)

	if got.Kind != state.Success || got.Result != "cached-result" {
		t.Errorf("Run() = %+v, want the already-finished state returned unchanged", got)
	}
}

func TestRunSkipsWhenUpstreamSkipped(t *testing.T) {
	task := flow.NewTask("t", func(ctx context.Context, inputs map[string]any) (any, error) {
		t.Fatal("Fn should not be invoked when upstream was skipped")
		return nil, nil
	})
	tr := newRunner(task, nil)

	upstream := map[string]state.State{"a": state.NewSkipped("upstream skip")}
	got := tr.Run(context.Background(), flowctx.New(nil), state.NewPending(), upstream, nil, false)

	if got.Kind != state.Skipped {
		t.Errorf("Kind = %v, want Skipped", got.Kind)
	}
}

func TestRunReportsTriggerFailedWhenUpstreamFailed(t *testing.T) {
	task := flow.NewTask("t", func(ctx context.Context, inputs map[string]any) (any, error) {
		t.Fatal("Fn should not be invoked when the default AllSuccessful trigger does not fire")
		return nil, nil
	})
	task.SkipOnUpstreamSkip = false
	tr := newRunner(task, nil)

	upstream := map[string]state.State{"a": state.NewFailed("boom")}
	got := tr.Run(context.Background(), flowctx.New(nil), state.NewPending(), upstream, nil, false)

	if got.Kind != state.TriggerFailed {
		t.Errorf("Kind = %v, want TriggerFailed", got.Kind)
	}
}

func TestRunIgnoreTriggerBypassesFailedUpstream(t *testing.T) {
	ran := false
	task := flow.NewTask("t", func(ctx context.Context, inputs map[string]any) (any, error) {
		ran = true
		return "ok", nil
	})
	task.SkipOnUpstreamSkip = false
	tr := newRunner(task, nil)

	upstream := map[string]state.State{"a": state.NewFailed("boom")}
	got := tr.Run(context.Background(), flowctx.New(nil), state.NewPending(), upstream, nil, true)

	if !ran {
		t.Fatal("expected Fn to run when ignoreTrigger bypasses trigger evaluation")
	}
	if got.Kind != state.Success {
		t.Errorf("Kind = %v, want Success", got.Kind)
	}
}

func TestRunSucceeds(t *testing.T) {
	task := flow.NewTask("t", func(ctx context.Context, inputs map[string]any) (any, error) {
		return inputs["x"], nil
	})
	tr := newRunner(task, nil)

	got := tr.Run(context.Background(), flowctx.New(nil), state.NewPending(), nil, map[string]any{"x": 7}, false)

	if got.Kind != state.Success || got.Result != 7 {
		t.Errorf("Run() = %+v, want Success with Result=7", got)
	}
}

// TestRunOneAttemptPerCallReturnsRetrying verifies that a single Run call
// never blocks to retry in place (spec §7): a failing attempt with budget
// remaining returns Retrying carrying a future StartTime and an incremented
// RunCount, without task.Fn running a second time within the same call.
func TestRunOneAttemptPerCallReturnsRetrying(t *testing.T) {
	attempts := 0
	task := flow.NewTask("t", func(ctx context.Context, inputs map[string]any) (any, error) {
		attempts++
		return nil, errors.New("transient failure")
	})
	task.WithRetries(2, time.Hour)
	tr := newRunner(task, nil)

	before := time.Now()
	got := tr.Run(context.Background(), flowctx.New(nil), state.NewPending(), nil, nil, false)

	if attempts != 1 {
		t.Fatalf("attempts = %d, want exactly 1 (Run must not loop/sleep in place)", attempts)
	}
	if got.Kind != state.Retrying {
		t.Fatalf("Kind = %v, want Retrying", got.Kind)
	}
	if got.RunCount != 1 {
		t.Errorf("RunCount = %d, want 1", got.RunCount)
	}
	if !got.StartTime.After(before) {
		t.Errorf("StartTime = %v, want it in the future (now + RetryDelay)", got.StartTime)
	}
}

// TestRunRetryingNotYetDueIsANoOp verifies the check_task_is_ready gate
// (spec §4.3 step 1): re-entering Run with a Retrying state whose StartTime
// hasn't arrived yet returns that state unchanged without invoking Fn.
func TestRunRetryingNotYetDueIsANoOp(t *testing.T) {
	task := flow.NewTask("t", func(ctx context.Context, inputs map[string]any) (any, error) {
		t.Fatal("Fn should not run before the Retrying state's StartTime is reached")
		return nil, nil
	})
	task.WithRetries(2, time.Second)
	tr := newRunner(task, nil)

	notYetDue := state.NewRetrying("transient failure", time.Now().Add(time.Hour), 1)
	got := tr.Run(context.Background(), flowctx.New(nil), notYetDue, nil, nil, false)

	if got.Kind != state.Retrying || got.RunCount != 1 {
		t.Errorf("Run() = %+v, want the unchanged Retrying state", got)
	}
}

// TestRunRetryingDueResumesAndSucceeds drives a task across two separate
// Run calls, the way the Flow Runner would across two separate dispatches
// once the caller observes the Retrying state's StartTime has passed —
// mirroring spec §7's "the next invocation (outside this run) is
// responsible for re-scheduling."
func TestRunRetryingDueResumesAndSucceeds(t *testing.T) {
	attempts := 0
	task := flow.NewTask("t", func(ctx context.Context, inputs map[string]any) (any, error) {
		attempts++
		if attempts < 2 {
			return nil, errors.New("transient failure")
		}
		return "done", nil
	})
	task.WithRetries(2, time.Millisecond)
	tr := newRunner(task, nil)

	first := tr.Run(context.Background(), flowctx.New(nil), state.NewPending(), nil, nil, false)
	if first.Kind != state.Retrying || first.RunCount != 1 {
		t.Fatalf("first Run() = %+v, want Retrying(RunCount=1)", first)
	}

	due := state.NewRetrying(first.Message, time.Now().Add(-time.Second), first.RunCount)
	second := tr.Run(context.Background(), flowctx.New(nil), due, nil, nil, false)

	if second.Kind != state.Success || second.Result != "done" {
		t.Errorf("second Run() = %+v, want Success(done)", second)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2 (one per Run call)", attempts)
	}
}

// TestRunExhaustsRetriesAndFails verifies that once priorAttempts reaches
// MaxRetries, a further failure resolves straight to Failed instead of
// another Retrying state.
func TestRunExhaustsRetriesAndFails(t *testing.T) {
	task := flow.NewTask("t", func(ctx context.Context, inputs map[string]any) (any, error) {
		return nil, errors.New("always fails")
	})
	task.WithRetries(1, time.Millisecond)
	tr := newRunner(task, nil)

	first := tr.Run(context.Background(), flowctx.New(nil), state.NewPending(), nil, nil, false)
	if first.Kind != state.Retrying || first.RunCount != 1 {
		t.Fatalf("first Run() = %+v, want Retrying(RunCount=1)", first)
	}

	due := state.NewRetrying(first.Message, time.Now().Add(-time.Second), first.RunCount)
	second := tr.Run(context.Background(), flowctx.New(nil), due, nil, nil, false)

	if second.Kind != state.Failed {
		t.Errorf("second Run() Kind = %v, want Failed (retry budget exhausted)", second.Kind)
	}
}

func TestRunHonorsFailSignal(t *testing.T) {
	task := flow.NewTask("t", func(ctx context.Context, inputs map[string]any) (any, error) {
		return nil, signal.Fail("explicit failure")
	})
	task.WithRetries(3, time.Millisecond)
	tr := newRunner(task, nil)

	got := tr.Run(context.Background(), flowctx.New(nil), state.NewPending(), nil, nil, false)

	if got.Kind != state.Failed || got.Message != "explicit failure" {
		t.Errorf("Run() = %+v, want Failed(explicit failure) without retrying", got)
	}
}

func TestRunHonorsSkipSignal(t *testing.T) {
	task := flow.NewTask("t", func(ctx context.Context, inputs map[string]any) (any, error) {
		return nil, signal.Skip("nothing to do")
	})
	tr := newRunner(task, nil)

	got := tr.Run(context.Background(), flowctx.New(nil), state.NewPending(), nil, nil, false)

	if got.Kind != state.Skipped {
		t.Errorf("Kind = %v, want Skipped", got.Kind)
	}
}

func TestRunHonorsTriggerFailSignal(t *testing.T) {
	task := flow.NewTask("t", func(ctx context.Context, inputs map[string]any) (any, error) {
		return nil, signal.TriggerFail("custom trigger reason")
	})
	tr := newRunner(task, nil)

	got := tr.Run(context.Background(), flowctx.New(nil), state.NewPending(), nil, nil, false)

	if got.Kind != state.TriggerFailed {
		t.Errorf("Kind = %v, want TriggerFailed", got.Kind)
	}
}

func TestRunHonorsSuccessSignal(t *testing.T) {
	task := flow.NewTask("t", func(ctx context.Context, inputs map[string]any) (any, error) {
		return nil, signal.Success("short-circuited", "custom-result")
	})
	tr := newRunner(task, nil)

	got := tr.Run(context.Background(), flowctx.New(nil), state.NewPending(), nil, nil, false)

	if got.Kind != state.Success || got.Result != "custom-result" {
		t.Errorf("Run() = %+v, want Success(custom-result)", got)
	}
}

func TestRunHonorsRetrySignal(t *testing.T) {
	task := flow.NewTask("t", func(ctx context.Context, inputs map[string]any) (any, error) {
		return nil, signal.Retry("try again", 5*time.Minute)
	})
	task.WithRetries(2, time.Millisecond)
	tr := newRunner(task, nil)

	got := tr.Run(context.Background(), flowctx.New(nil), state.NewPending(), nil, nil, false)

	if got.Kind != state.Retrying {
		t.Fatalf("Kind = %v, want Retrying", got.Kind)
	}
	if got.Message != "try again" {
		t.Errorf("Message = %q, want %q", got.Message, "try again")
	}
	wantDue := time.Now().Add(5 * time.Minute)
	if got.StartTime.Before(wantDue.Add(-time.Minute)) || got.StartTime.After(wantDue.Add(time.Minute)) {
		t.Errorf("StartTime = %v, want ~%v (sig.RetryDelay overrides task.RetryDelay)", got.StartTime, wantDue)
	}
}

func TestRunTimesOut(t *testing.T) {
	task := flow.NewTask("t", func(ctx context.Context, inputs map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	task.WithTimeout(5 * time.Millisecond)
	tr := newRunner(task, nil)

	got := tr.Run(context.Background(), flowctx.New(nil), state.NewPending(), nil, nil, false)

	if got.Kind != state.TimedOut {
		t.Errorf("Kind = %v, want TimedOut", got.Kind)
	}
}

func TestRunUsesCacheHit(t *testing.T) {
	cache := resultcache.NewMemoryCache(10)
	cache.Put("k", state.NewSuccess("cached-value"), time.Minute)

	task := flow.NewTask("t", func(ctx context.Context, inputs map[string]any) (any, error) {
		t.Fatal("Fn should not run on a cache hit")
		return nil, nil
	})
	task.WithCache("k", time.Minute, nil)
	tr := newRunner(task, cache)

	got := tr.Run(context.Background(), flowctx.New(nil), state.NewPending(), nil, nil, false)

	if got.Kind != state.Cached || got.Result != "cached-value" {
		t.Errorf("Run() = %+v, want Cached(cached-value)", got)
	}
}

func TestRunSkipsCacheWhenValidatorRejects(t *testing.T) {
	cache := resultcache.NewMemoryCache(10)
	cache.Put("k", state.NewSuccess("stale"), time.Minute)

	ran := false
	task := flow.NewTask("t", func(ctx context.Context, inputs map[string]any) (any, error) {
		ran = true
		return "fresh", nil
	})
	task.WithCache("k", time.Minute, func(cached state.State, inputs map[string]any) bool {
		return false
	})
	tr := newRunner(task, cache)

	got := tr.Run(context.Background(), flowctx.New(nil), state.NewPending(), nil, nil, false)

	if !ran {
		t.Fatal("expected Fn to run once the cache validator rejects the cached entry")
	}
	if got.Kind != state.Success || got.Result != "fresh" {
		t.Errorf("Run() = %+v, want Success(fresh)", got)
	}
}

func TestRunStoresSuccessfulResultInCache(t *testing.T) {
	cache := resultcache.NewMemoryCache(10)
	task := flow.NewTask("t", func(ctx context.Context, inputs map[string]any) (any, error) {
		return "computed", nil
	})
	task.WithCache("k", time.Minute, nil)
	tr := newRunner(task, cache)

	tr.Run(context.Background(), flowctx.New(nil), state.NewPending(), nil, nil, false)

	got, ok := cache.Get("k")
	if !ok || got.Result != "computed" {
		t.Errorf("cache.Get(k) = (%+v, %v), want (Result=computed, true)", got, ok)
	}
}

func TestRunDoesNotCacheFailures(t *testing.T) {
	cache := resultcache.NewMemoryCache(10)
	task := flow.NewTask("t", func(ctx context.Context, inputs map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	task.WithCache("k", time.Minute, nil)
	tr := newRunner(task, cache)

	tr.Run(context.Background(), flowctx.New(nil), state.NewPending(), nil, nil, false)

	if _, ok := cache.Get("k"); ok {
		t.Error("expected a failed run not to populate the cache")
	}
}

func TestRunAppliesStateHandlerSubstitution(t *testing.T) {
	task := flow.NewTask("t", func(ctx context.Context, inputs map[string]any) (any, error) {
		return "ok", nil
	})
	task.WithStateHandlers(func(old, new state.State) state.State {
		if new.Kind == state.Success {
			return state.NewFailed("downgraded by policy")
		}
		return new
	})
	tr := newRunner(task, nil)

	got := tr.Run(context.Background(), flowctx.New(nil), state.NewPending(), nil, nil, false)

	if got.Kind != state.Failed || got.Message != "downgraded by policy" {
		t.Errorf("Run() = %+v, want the state handler's substituted Failed state", got)
	}
}

func TestRunHandlerChainAppliesInOrder(t *testing.T) {
	task := flow.NewTask("t", func(ctx context.Context, inputs map[string]any) (any, error) {
		return "ok", nil
	})
	task.WithStateHandlers(
		func(old, new state.State) state.State { return new.WithMessage(new.Message + "a") },
		func(old, new state.State) state.State { return new.WithMessage(new.Message + "b") },
	)
	tr := newRunner(task, nil)

	got := tr.Run(context.Background(), flowctx.New(nil), state.NewPending(), nil, nil, false)

	if got.Message != "ab" {
		t.Errorf("Message = %q, want \"ab\" (handlers applied in registration order)", got.Message)
	}
}
