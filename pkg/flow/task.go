package flow

import (
	"context"
	"time"

	"github.com/swarmguard/flowrunner/pkg/state"
)

// TaskFunc is the user callable a Task wraps. It receives the resolved,
// merged inputs for this invocation (cached_inputs merged with
// upstream-derived inputs per spec §4.3 step 7) and returns a result or an
// error. User code signals non-error outcomes (skip, explicit retry, etc.)
// by returning a *Signal error from the signal subpackage.
type TaskFunc func(ctx context.Context, inputs map[string]any) (any, error)

// Trigger evaluates whether a task is permitted to run given the resolved
// states of its upstream tasks, keyed by upstream task ID. The default
// trigger is AllSuccessful.
type Trigger func(upstream map[string]state.State) (bool, error)

// CacheValidator decides whether a previously cached result is still valid
// for this invocation's inputs.
type CacheValidator func(cached state.State, inputs map[string]any) bool

// StateHandler is invoked on every state transition for the task/flow it is
// registered on, receiving the pre-handler (old, new) pair, and may return a
// substituted new state (e.g. to downgrade Success to Failed for policy
// reasons). Handlers run in registration order; every transition invokes the
// full chain exactly once.
type StateHandler func(old, new state.State) state.State

// Task is an immutable node identified by its stable ID.
type Task struct {
	ID string

	Fn   TaskFunc
	Tags []string

	Trigger            Trigger
	SkipOnUpstreamSkip bool // default true, see NewTask

	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration

	CacheKey       string
	CacheValidator CacheValidator
	CacheFor       time.Duration

	// Mapped marks this task to be executed elementwise (fan-out) over its
	// mapped upstream edges, producing a sequence state.
	Mapped bool

	StateHandlers []StateHandler
}

// NewTask returns a Task with the spec's defaults: AllSuccessful trigger,
// skip-on-upstream-skip enabled, zero retries, no timeout.
func NewTask(id string, fn TaskFunc) *Task {
	return &Task{
		ID:                 id,
		Fn:                 fn,
		Trigger:            AllSuccessful,
		SkipOnUpstreamSkip: true,
	}
}

// WithTags returns t with Tags set (builder-style, returns the same pointer
// for chaining at construction time).
func (t *Task) WithTags(tags ...string) *Task {
	t.Tags = tags
	return t
}

// WithRetries sets MaxRetries and RetryDelay.
func (t *Task) WithRetries(maxRetries int, delay time.Duration) *Task {
	t.MaxRetries = maxRetries
	t.RetryDelay = delay
	return t
}

// WithTimeout sets the per-task wall-clock timeout enforced by the
// executor's timeout handler.
func (t *Task) WithTimeout(d time.Duration) *Task {
	t.Timeout = d
	return t
}

// WithCache enables result caching: cacheKey identifies the cache slot,
// cacheFor is the TTL, validator (nil defaults to "always valid while not
// expired") decides whether a hit should be honored for these inputs.
func (t *Task) WithCache(cacheKey string, cacheFor time.Duration, validator CacheValidator) *Task {
	t.CacheKey = cacheKey
	t.CacheFor = cacheFor
	t.CacheValidator = validator
	return t
}

// WithTrigger overrides the default AllSuccessful trigger.
func (t *Task) WithTrigger(trig Trigger) *Task {
	t.Trigger = trig
	return t
}

// Mappable marks the task as mapped (elementwise fan-out over mapped
// upstream edges).
func (t *Task) Mappable() *Task {
	t.Mapped = true
	return t
}

// WithStateHandlers appends handlers run in order on every transition.
func (t *Task) WithStateHandlers(handlers ...StateHandler) *Task {
	t.StateHandlers = append(t.StateHandlers, handlers...)
	return t
}
