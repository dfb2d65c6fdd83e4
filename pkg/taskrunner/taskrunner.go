// Package taskrunner implements the per-task state machine spec §4.3
// describes: a fixed pipeline of guarded checks (readiness, idempotence,
// upstream finished, upstream skip, trigger, cache, a single guarded
// attempt, cache-store)
// where every transition passes through the task's state-handler chain
// exactly once. Grounded on the teacher orchestrator's executeTask
// (timeout-scoped context, span-per-task, duration/retry/failure metrics)
// and on flow_runner.py's TaskRunner method sequence (check_task_is_ready
// through cache_result), with Python's ENDRUN exception-based early return
// reimplemented as a plain early `return` of the terminal State. Unlike
// the teacher's executeTask, a single Run call never loops or sleeps
// across retry attempts — see Run's doc comment.
package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/flowrunner/pkg/executor"
	"github.com/swarmguard/flowrunner/pkg/flow"
	"github.com/swarmguard/flowrunner/pkg/flowctx"
	"github.com/swarmguard/flowrunner/pkg/resultcache"
	"github.com/swarmguard/flowrunner/pkg/signal"
	"github.com/swarmguard/flowrunner/pkg/state"
)

// TaskRunner drives a single Task through its full lifecycle for one
// invocation (one element, for a mapped task's fan-out).
type TaskRunner struct {
	task  *flow.Task
	exec  executor.Executor
	cache resultcache.Cache
	log   *slog.Logger

	tracer       trace.Tracer
	taskDuration metric.Float64Histogram
	taskFailures metric.Int64Counter
	taskRetries  metric.Int64Counter
}

// New builds a TaskRunner for task. cache may be nil to disable result
// caching regardless of the task's CacheKey. meter may be nil to skip
// instrumentation. logger may be nil, in which case slog.Default() is used.
func New(task *flow.Task, exec executor.Executor, cache resultcache.Cache, logger *slog.Logger, meter metric.Meter) *TaskRunner {
	if logger == nil {
		logger = slog.Default()
	}
	tr := &TaskRunner{
		task:   task,
		exec:   exec,
		cache:  cache,
		log:    logger,
		tracer: otel.Tracer("flowrunner/taskrunner"),
	}
	if meter != nil {
		tr.taskDuration, _ = meter.Float64Histogram("flowrunner_task_duration_ms")
		tr.taskFailures, _ = meter.Int64Counter("flowrunner_task_failures_total")
		tr.taskRetries, _ = meter.Int64Counter("flowrunner_task_retries_total")
	}
	return tr
}

// Run drives task through the pipeline once: readiness gating, idempotence,
// upstream-finished gating (skipped when ignoreTrigger is set),
// upstream-skip propagation, trigger evaluation, cache lookup, a single
// guarded attempt (with timeout), and cache storage. current is the task's
// state before this invocation (Pending on a first attempt; Retrying or
// Scheduled on a re-dispatch); upstream is the resolved state of every
// upstream task, keyed by task ID; inputs is the already-resolved input map
// (cached_inputs merged with upstream results, computed by the caller per
// spec §4.3 step 7 since only the Flow Runner knows the edge topology).
//
// Per spec §4.3 step 8 / §7, a single Run call makes at most one attempt at
// task.Fn. A retryable failure does not block and sleep here: it returns a
// Retrying state carrying the time the next attempt becomes due, and it is
// the caller's responsibility to invoke Run again (e.g. on a later
// FlowRunner.Run, feeding this Retrying state back in via TaskStates) once
// that time has passed. check_task_is_ready (step 1) enforces the other
// half of this contract: a Run call made before a Retrying/Scheduled
// state's StartTime is reached is a no-op that returns the state unchanged.
func (tr *TaskRunner) Run(ctx context.Context, fctx flowctx.Context, current state.State, upstream map[string]state.State, inputs map[string]any, ignoreTrigger bool) state.State {
	ctx, span := tr.tracer.Start(ctx, "task.run", trace.WithAttributes(
		attribute.String("task_id", tr.task.ID),
	))
	defer span.End()

	apply := func(old, new state.State) state.State {
		return applyHandlers(tr.task.StateHandlers, old, new)
	}

	// 1. check_task_is_ready.
	if current.IsFinished() {
		return current
	}
	if current.Kind == state.Retrying || current.Kind == state.Scheduled {
		if !current.StartTime.IsZero() && time.Now().Before(current.StartTime) {
			span.AddEvent("not_yet_due")
			return current
		}
	}

	// check_upstream_finished. Unless the trigger is ignored, an upstream
	// task that has not finished leaves this task in its current state.
	if !ignoreTrigger {
		for _, s := range upstream {
			if !s.IsFinished() {
				span.AddEvent("upstream_not_finished")
				return current
			}
		}
	}

	// 2. upstream-skip propagation.
	if tr.task.SkipOnUpstreamSkip {
		for _, s := range upstream {
			if s.IsSkipped() {
				return apply(current, state.NewSkipped("Upstream task was skipped."))
			}
		}
	}

	// 3. trigger evaluation. ignoreTrigger lets the Flow Runner force a
	// caller-designated start task to run regardless of upstream state,
	// mirroring flow_runner.py's `ignore_trigger=(task in start_tasks)`.
	if !ignoreTrigger {
		trigger := tr.task.Trigger
		if trigger == nil {
			trigger = flow.AllSuccessful
		}
		ok, err := trigger(upstream)
		if err != nil {
			return apply(current, state.NewTriggerFailed(err.Error()))
		}
		if !ok {
			return apply(current, state.NewTriggerFailed("Trigger did not fire for the current upstream states."))
		}
	}

	// 4. cache lookup.
	if tr.task.CacheKey != "" && tr.cache != nil {
		if cached, found := tr.cache.Get(tr.task.CacheKey); found {
			valid := true
			if tr.task.CacheValidator != nil {
				valid = tr.task.CacheValidator(cached, inputs)
			}
			if valid {
				span.AddEvent("cache_hit")
				return apply(current, state.State{
					Kind:         state.Cached,
					Message:      "Cached result used.",
					Result:       cached.Result,
					CachedResult: cached.Result,
				})
			}
		}
	}

	// 5. transition to Running. priorAttempts carries forward across
	// re-dispatches via current.RunCount so the retry budget is tracked
	// correctly regardless of how many prior Run calls this task has seen.
	priorAttempts := current.RunCount
	current = apply(current, state.State{Kind: state.Running, StartTime: time.Now()})

	// 6/7/8. resolve+run a single attempt, then classify the outcome.
	start := time.Now()
	final := tr.runOnce(ctx, fctx, inputs, priorAttempts)
	duration := time.Since(start)

	final = apply(current, final)

	if tr.taskDuration != nil {
		tr.taskDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(
			attribute.String("task_id", tr.task.ID),
		))
	}
	if final.Kind == state.Retrying && tr.taskRetries != nil {
		tr.taskRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("task_id", tr.task.ID)))
	}
	if final.IsFailed() && tr.taskFailures != nil {
		tr.taskFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("task_id", tr.task.ID)))
	}

	// 9. cache the result, successful runs only.
	if tr.task.CacheKey != "" && tr.cache != nil && final.IsSuccessful() && final.Kind != state.Skipped {
		tr.cache.Put(tr.task.CacheKey, final, tr.task.CacheFor)
	}

	return final
}

// runOnce executes task.Fn exactly once under the executor's timeout
// handler and classifies the outcome into the next State: a plain success
// becomes Success; a *signal.Signal steers a specific transition
// (Fail/Skip/TriggerFail/Success bypass retrying entirely); a timeout
// becomes TimedOut; anything else (a signal.Retry or a plain error) is
// handed to retryOrFail to decide between Retrying and Failed against the
// task's remaining budget.
func (tr *TaskRunner) runOnce(ctx context.Context, fctx flowctx.Context, inputs map[string]any, priorAttempts int) state.State {
	runCtx := flowctx.Into(ctx, fctx)
	result, err := tr.exec.RunWithTimeout(runCtx, tr.task.Timeout, func(ctx context.Context) (any, error) {
		return tr.runTaskFn(ctx, fctx, inputs)
	})
	if err == nil {
		return state.NewSuccess(result)
	}

	if sig, ok := signal.As(err); ok {
		switch sig.Kind {
		case signal.KindFail:
			return state.NewFailed(sig.Message)
		case signal.KindSkip:
			return state.NewSkipped(sig.Message)
		case signal.KindTriggerFail:
			return state.NewTriggerFailed(sig.Message)
		case signal.KindSuccess:
			return state.NewSuccess(sig.Result).WithMessage(sig.Message)
		case signal.KindRetry:
			// sig.RetryDelay overrides the task's own configured backoff
			// for this one step, per signal.Retry's documented contract.
			delay := tr.task.RetryDelay
			if sig.RetryDelay > 0 {
				delay = sig.RetryDelay
			}
			return tr.retryOrFail(priorAttempts, sig.Message, delay)
		}
	}

	if errors.Is(err, executor.ErrTimeout) {
		return state.NewTimedOut("task exceeded its configured timeout")
	}

	return tr.retryOrFail(priorAttempts, err.Error(), tr.task.RetryDelay)
}

// retryOrFail decides, against task.MaxRetries, whether priorAttempts (the
// number of attempts already made before this one) leaves any retry budget:
// if so it returns Retrying with StartTime pushed delay into the future and
// RunCount incremented; otherwise Failed. No sleeping happens here — the
// delay is only ever a field on the returned state, per spec §7's
// "the next invocation... is responsible for re-scheduling."
func (tr *TaskRunner) retryOrFail(priorAttempts int, msg string, delay time.Duration) state.State {
	if priorAttempts < tr.task.MaxRetries {
		return state.NewRetrying(msg, time.Now().Add(delay), priorAttempts+1)
	}
	return state.NewFailed(msg)
}

// runTaskFn invokes the task's Fn, recovering a panic into a plain error so a
// misbehaving task cannot crash the goroutine dispatching it (spec §4.3 step
// 8 / §7: "raises any other exception -> Failed(message=exc)"; a panic is
// the closest Go analogue to an uncaught exception from arbitrary user
// code). The recovered error flows through the same retry/Failed path as
// any other task error. When the run requested RaiseOnException, the panic
// is re-raised instead of swallowed — the caller explicitly opted out of
// the default containment, mirroring FlowRunner.Run's own RaiseOnException
// escape hatch for unexpected errors.
func (tr *TaskRunner) runTaskFn(ctx context.Context, fctx flowctx.Context, inputs map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			if fctx.RaiseOnException() {
				panic(r)
			}
			tr.log.ErrorContext(ctx, "taskrunner: recovered panic in task", "task_id", tr.task.ID, "panic", r)
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return tr.task.Fn(ctx, inputs)
}

// applyHandlers runs every handler in order, feeding each one's return
// value forward as the "new" state for the next, and returns the final
// substituted state. old is the state the transition started from and is
// never altered mid-chain.
func applyHandlers(handlers []flow.StateHandler, old, new state.State) state.State {
	for _, h := range handlers {
		new = h(old, new)
	}
	return new
}
