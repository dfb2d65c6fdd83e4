// Package flowrunner implements the Flow Runner (spec §4.4): validates a
// run's arguments, dispatches every task in topological order through the
// Executor, and classifies the flow's own terminal state from its
// reference tasks' outcomes once the run settles. Grounded on
// flow_runner.py's FlowRunner.run/get_flow_run_state method sequence, with
// Python's ENDRUN exception-based early return reimplemented as a plain
// early `return` of the terminal State, and on the teacher orchestrator's
// DAGEngine.Execute for the Go-idiomatic concurrency shape (dispatch via an
// Executor, collect via futures, instrument with otel).
package flowrunner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/flowrunner/pkg/executor"
	"github.com/swarmguard/flowrunner/pkg/flow"
	"github.com/swarmguard/flowrunner/pkg/flowctx"
	"github.com/swarmguard/flowrunner/pkg/resultcache"
	"github.com/swarmguard/flowrunner/pkg/state"
	"github.com/swarmguard/flowrunner/pkg/tagqueue"
	"github.com/swarmguard/flowrunner/pkg/taskrunner"
)

// RunOptions mirrors FlowRunner.run's keyword arguments in flow_runner.py.
type RunOptions struct {
	State        state.State // starting flow state; zero value defaults to Pending
	TaskStates   map[string]state.State
	StartTasks   []string // defaults to flow.RootTasks()
	ReturnTasks  []string
	ReturnFailed bool
	Parameters   map[string]any
	TaskContexts map[string]map[string]any
	Throttle     map[string]int // overrides flow.Throttle when non-nil
	RaiseOnException bool
}

// FlowRunner runs one Flow's tasks to completion against an Executor.
type FlowRunner struct {
	flow  *flow.Flow
	exec  executor.Executor
	cache resultcache.Cache
	log   *slog.Logger
	meter metric.Meter

	tracer       trace.Tracer
	flowDuration metric.Float64Histogram
}

// New builds a FlowRunner for f. cache may be nil to disable result
// caching for every task. meter/logger may be nil to skip instrumentation
// (logger defaults to slog.Default()).
func New(f *flow.Flow, exec executor.Executor, cache resultcache.Cache, logger *slog.Logger, meter metric.Meter) *FlowRunner {
	if logger == nil {
		logger = slog.Default()
	}
	fr := &FlowRunner{
		flow:   f,
		exec:   exec,
		cache:  cache,
		log:    logger,
		meter:  meter,
		tracer: otel.Tracer("flowrunner/flowrunner"),
	}
	if meter != nil {
		fr.flowDuration, _ = meter.Float64Histogram("flowrunner_flow_duration_ms")
	}
	return fr
}

// Run performs the flow's full computation and returns its final
// classified State. A non-nil error is a *flow.ConfigError from pre-flight
// validation (spec §7) or an error returned by the Executor's Start; every
// other failure mode — a panicking
// task, an unexpected internal error — is folded into a Failed flow state
// unless opts.RaiseOnException requests it propagate instead (supplemented
// from flow_runner.py's `_raise_on_exception`).
func (fr *FlowRunner) Run(ctx context.Context, opts RunOptions) (state.State, error) {
	if err := fr.flow.Validate(); err != nil {
		return state.State{}, err
	}

	throttle := opts.Throttle
	if throttle == nil {
		throttle = fr.flow.Throttle
	}
	for tag, size := range throttle {
		if size <= 0 {
			return state.State{}, &flow.ConfigError{Msg: fmt.Sprintf(
				"cannot throttle tag %q: an invalid value less than 1 was provided", tag)}
		}
	}

	returnSet := toSet(opts.ReturnTasks)
	for id := range returnSet {
		if !fr.flow.HasTask(id) {
			return state.State{}, &flow.ConfigError{Msg: fmt.Sprintf(
				"return task %q was not found in the flow", id)}
		}
	}

	teardown, err := fr.exec.Start(ctx)
	if err != nil {
		return state.State{}, err
	}
	defer teardown()

	fc := flowctx.New(map[string]any{
		flowctx.KeyFlowName:         fr.flow.Name,
		flowctx.KeyFlowVersion:      fr.flow.Version,
		flowctx.KeyParameters:       opts.Parameters,
		flowctx.KeyExecutorID:       fr.exec.ExecutorID(),
		flowctx.KeyRaiseOnException: opts.RaiseOnException,
	})

	ctx, span := fr.tracer.Start(ctx, "flow.run", trace.WithAttributes(
		attribute.String("flow_name", fr.flow.Name),
		attribute.String("flow_version", fr.flow.Version),
		attribute.String("run_id", uuid.NewString()),
	))
	defer span.End()

	flowState := opts.State
	if flowState.Kind == "" && !flowState.Mapped {
		flowState = state.NewPending()
	}

	apply := func(old, new state.State) state.State {
		for _, h := range fr.flow.StateHandlers {
			new = h(old, new)
		}
		return new
	}

	// check_flow_is_pending_or_running
	if flowState.IsFinished() {
		fr.log.DebugContext(ctx, "flow run has already finished", "flow", fr.flow.Name)
		return flowState, nil
	}
	if !flowState.IsPending() && !flowState.IsRunning() {
		fr.log.DebugContext(ctx, "flow is not ready to run", "flow", fr.flow.Name)
		return flowState, nil
	}

	// set_flow_to_running
	running := flowState
	if flowState.IsPending() {
		running = apply(flowState, state.State{Kind: state.Running, Message: "Running flow."})
	}

	runStart := time.Now()
	final, runErr := fr.getFlowRunState(ctx, fc, opts, throttle, returnSet)
	if fr.flowDuration != nil {
		fr.flowDuration.Record(ctx, float64(time.Since(runStart).Milliseconds()), metric.WithAttributes(
			attribute.String("flow_name", fr.flow.Name),
		))
	}
	if runErr != nil {
		if opts.RaiseOnException {
			return state.State{}, runErr
		}
		fr.log.DebugContext(ctx, "unexpected error while running flow", "flow", fr.flow.Name, "error", runErr)
		return state.NewFailed(runErr.Error()), nil
	}

	return apply(running, final), nil
}

func (fr *FlowRunner) getFlowRunState(ctx context.Context, fc flowctx.Context, opts RunOptions, throttle map[string]int, returnSet map[string]bool) (state.State, error) {
	queues := make(map[string]*tagqueue.Queue, len(throttle))
	for tag, size := range throttle {
		queues[tag] = fr.exec.Queue(size)
	}
	pool := tagqueue.NewPoolFromQueues(queues, fr.meter)

	startTasks := opts.StartTasks
	if len(startTasks) == 0 {
		startTasks = fr.flow.RootTasks()
	}
	startSet := toSet(startTasks)

	order, err := fr.flow.SortedTasks(startTasks)
	if err != nil {
		return state.State{}, err
	}

	futures := make(map[string]*executor.Future, len(order))

	for _, id := range order {
		task, _ := fr.flow.Task(id)
		edges := fr.flow.EdgesTo(id)

		upstreamFutures := make(map[string]*executor.Future, len(edges))
		// An upstream outside this run's dispatch order takes the caller's
		// TaskStates entry, or Failed("Task state not available.") if none.
		for _, e := range edges {
			if f, ok := futures[e.Upstream]; ok {
				upstreamFutures[e.Upstream] = f
			} else if s, ok := opts.TaskStates[e.Upstream]; ok {
				upstreamFutures[e.Upstream] = executor.Resolved(s)
			} else {
				upstreamFutures[e.Upstream] = executor.Resolved(state.NewFailed("Task state not available."))
			}
		}

		taskQueues := pool.QueuesFor(task.Tags)
		ignoreTrigger := startSet[id]

		initial := state.NewPending()
		var cachedInputs map[string]any
		if provided, ok := opts.TaskStates[id]; ok {
			initial = provided
			if startSet[id] && !provided.Mapped {
				cachedInputs = provided.CachedInputs
			}
		}

		taskCtx := opts.TaskContexts[task.ID]
		elementFctx := fc
		if len(taskCtx) > 0 {
			elementFctx = fc.With(taskCtx)
		}

		tr := taskrunner.New(task, fr.exec, fr.cache, fr.log, fr.meter)

		runFn := fr.buildTaskFn(tr, task, edges, upstreamFutures, initial, cachedInputs, elementFctx, ignoreTrigger, taskQueues)
		futures[id] = fr.exec.Submit(ctx, runFn)
	}

	terminalTasks := fr.flow.TerminalTasks()
	referenceTasks := fr.flow.ReferenceTasks()

	var finalStates map[string]state.State
	if opts.ReturnFailed {
		all := fr.exec.WaitMap(futures)
		for id, s := range all {
			if s.IsFailed() {
				returnSet[id] = true
			}
		}
		finalStates = all
	} else {
		need := make(map[string]*executor.Future)
		for _, id := range terminalTasks {
			if f, ok := futures[id]; ok {
				need[id] = f
			}
		}
		for _, id := range referenceTasks {
			if f, ok := futures[id]; ok {
				need[id] = f
			}
		}
		for id := range returnSet {
			if f, ok := futures[id]; ok {
				need[id] = f
			}
		}
		finalStates = fr.exec.WaitMap(need)
	}

	resolve := func(id string) state.State {
		if s, ok := finalStates[id]; ok {
			return s
		}
		return state.NewFailed("Task state not available.")
	}

	var terminalStates, keyStates []state.State
	for _, id := range terminalTasks {
		terminalStates = append(terminalStates, resolve(id))
	}
	for _, id := range referenceTasks {
		keyStates = append(keyStates, resolve(id))
	}
	terminalStates = state.Flatten(terminalStates)
	keyStates = state.Flatten(keyStates)

	returnStates := make(map[string]state.State, len(returnSet))
	ids := make([]string, 0, len(returnSet))
	for id := range returnSet {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		returnStates[id] = resolve(id)
	}

	switch {
	case !allFinished(terminalStates):
		fr.log.InfoContext(ctx, "flow run PENDING: terminal tasks are incomplete", "flow", fr.flow.Name)
		return state.State{Kind: state.Pending, Message: "Some terminal tasks are still pending.", Result: returnStates}, nil
	case anyFailed(keyStates):
		fr.log.InfoContext(ctx, "flow run FAILED: some reference tasks failed", "flow", fr.flow.Name)
		return state.State{Kind: state.Failed, Message: "Some reference tasks failed.", Result: returnStates}, nil
	case allSuccessful(keyStates):
		fr.log.InfoContext(ctx, "flow run SUCCESS: all reference tasks succeeded", "flow", fr.flow.Name)
		return state.State{Kind: state.Success, Message: "All reference tasks succeeded.", Result: returnStates}, nil
	default:
		fr.log.InfoContext(ctx, "flow run SUCCESS: no reference tasks failed", "flow", fr.flow.Name)
		return state.State{Kind: state.Success, Message: "No reference tasks failed.", Result: returnStates}, nil
	}
}

// buildTaskFn returns the RunFunc dispatched through the Executor for one
// task. It resolves upstream futures lazily (blocking only this task's own
// goroutine), so independent branches of the DAG proceed concurrently
// without the scheduling loop itself ever blocking.
//
// The two branches below resolve upstream futures at different points,
// preserving the asymmetry spec §9's Design Notes call out: a non-mapped
// task must see its mapped upstream's full element sequence materialized
// before it can decide on a single scalar input (so it waits on every
// upstream future right here, up front); a mapped task passes its upstream
// futures through unresolved and only waits on them inside runMapped, at
// the point the fan-out actually needs the element count and per-element
// results. In the source this distinction exists because the single-
// threaded scheduling loop itself would otherwise block on behalf of the
// non-mapped case; here every task already runs its own goroutine via the
// Executor, so neither branch ever blocks the scheduling loop — but the
// resolution *site* still differs, and a mapped downstream task remains
// free to act on a not-yet-fully-resolved upstream future (e.g. an
// Executor that exposed per-element futures) without this function forcing
// it closed first. See DESIGN.md's Open Question entry for the full
// reasoning.
func (fr *FlowRunner) buildTaskFn(
	tr *taskrunner.TaskRunner,
	task *flow.Task,
	edges []flow.Edge,
	upstreamFutures map[string]*executor.Future,
	initial state.State,
	cachedInputs map[string]any,
	fc flowctx.Context,
	ignoreTrigger bool,
	queues []*tagqueue.Queue,
) executor.RunFunc {
	return func(ctx context.Context) state.State {
		if err := tagqueue.AcquireAll(ctx, queues); err != nil {
			return state.NewFailed(err.Error())
		}
		defer tagqueue.ReleaseAll(queues)

		if task.Mapped {
			sharedInputs := make(map[string]any, len(cachedInputs))
			for k, v := range cachedInputs {
				sharedInputs[k] = v
			}
			return fr.runMapped(ctx, tr, edges, upstreamFutures, sharedInputs, fc, ignoreTrigger)
		}

		upstream := make(map[string]state.State, len(upstreamFutures))
		for id, f := range upstreamFutures {
			upstream[id] = fr.exec.Wait(f)
		}

		inputs := make(map[string]any, len(edges))
		for _, e := range edges {
			s := upstream[e.Upstream]
			if s.Mapped {
				inputs[e.Key] = resultsOf(s.Children)
			} else {
				inputs[e.Key] = s.Result
			}
		}
		// cached_inputs take precedence over edge-derived values on key
		// collision, matching flow_runner.py's task_inputs.update(cached_inputs)
		// running after upstream results are populated.
		for k, v := range cachedInputs {
			inputs[k] = v
		}

		return tr.Run(ctx, fc, initial, upstream, inputs, ignoreTrigger)
	}
}

// runMapped fans a mapped task out over its mapped upstream edges' elements.
// Non-mapped edges contribute the same value to every element. Upstream
// futures are resolved here, at the point the fan-out needs them, rather
// than by buildTaskFn before branching — see its doc comment.
func (fr *FlowRunner) runMapped(
	ctx context.Context,
	tr *taskrunner.TaskRunner,
	edges []flow.Edge,
	upstreamFutures map[string]*executor.Future,
	sharedInputs map[string]any,
	fc flowctx.Context,
	ignoreTrigger bool,
) state.State {
	upstream := make(map[string]state.State, len(upstreamFutures))
	for id, f := range upstreamFutures {
		upstream[id] = fr.exec.Wait(f)
	}

	n := 0
	for _, e := range edges {
		if e.Mapped {
			if c := len(upstream[e.Upstream].Children); c > n {
				n = c
			}
		}
	}
	if n == 0 {
		return state.NewMapped(nil)
	}

	fns := make([]executor.RunFunc, n)
	for i := 0; i < n; i++ {
		i := i
		inputs := make(map[string]any, len(edges)+len(sharedInputs))
		for k, v := range sharedInputs {
			inputs[k] = v
		}
		for _, e := range edges {
			s := upstream[e.Upstream]
			if e.Mapped {
				if i < len(s.Children) {
					inputs[e.Key] = s.Children[i].Result
				}
			} else {
				inputs[e.Key] = s.Result
			}
		}
		fns[i] = func(ctx context.Context) state.State {
			return tr.Run(ctx, fc, state.NewPending(), upstream, inputs, ignoreTrigger)
		}
	}

	f := fr.exec.Map(ctx, fns)
	return fr.exec.Wait(f)
}

func resultsOf(children []state.State) []any {
	out := make([]any, len(children))
	for i, c := range children {
		out[i] = c.Result
	}
	return out
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func allFinished(states []state.State) bool {
	for _, s := range states {
		if !s.IsFinished() {
			return false
		}
	}
	return true
}

func anyFailed(states []state.State) bool {
	for _, s := range states {
		if s.IsFailed() {
			return true
		}
	}
	return false
}

func allSuccessful(states []state.State) bool {
	for _, s := range states {
		if !s.IsSuccessful() {
			return false
		}
	}
	return true
}
