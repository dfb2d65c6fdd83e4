// Package tagqueue implements the bounded ticket-pool semaphores that back
// per-tag concurrency throttling (spec §4.2). Each tag in a flow run's
// throttle configuration gets its own bounded queue, pre-populated with
// `size` opaque tickets; each task dispatched by the Flow Runner acquires
// one ticket per tag before its Task Runner runs,
// sorted by tag name to give concurrent tasks a deterministic, shared
// acquisition order and avoid deadlock among tasks with overlapping tags.
package tagqueue

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel/metric"
)

// Queue is a bounded blocking ticket pool for a single tag.
type Queue struct {
	tickets chan struct{}
}

// NewQueue pre-populates a queue with size opaque tickets.
func NewQueue(size int) *Queue {
	q := &Queue{tickets: make(chan struct{}, size)}
	for i := 0; i < size; i++ {
		q.tickets <- struct{}{}
	}
	return q
}

// Acquire blocks until a ticket is available or ctx is done.
func (q *Queue) Acquire(ctx context.Context) error {
	select {
	case <-q.tickets:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a ticket to the pool. Safe to call on all exit paths
// (success, failure, timeout, panic-recovery) exactly once per Acquire.
func (q *Queue) Release() {
	select {
	case q.tickets <- struct{}{}:
	default:
		// pool already full; a Release without a matching Acquire is a
		// caller bug, but tagqueue stays best-effort rather than panicking.
	}
}

// Pool holds one Queue per throttled tag for a single flow run.
type Pool struct {
	queues map[string]*Queue
	waitMs metric.Float64Histogram
}

// NewPool validates the throttle map (every value must be > 0, per spec
// §4.2) and builds one Queue per tag. meter may be nil to skip
// instrumentation.
func NewPool(throttle map[string]int, meter metric.Meter) (*Pool, error) {
	for tag, size := range throttle {
		if size <= 0 {
			return nil, &ConfigError{Tag: tag, Size: size}
		}
	}
	queues := make(map[string]*Queue, len(throttle))
	for tag, size := range throttle {
		queues[tag] = NewQueue(size)
	}
	return NewPoolFromQueues(queues, meter), nil
}

// NewPoolFromQueues builds a Pool around already-constructed queues — used
// by the Flow Runner, which builds each tag's Queue via the Executor's
// Queue method (spec §4.1's executor.queue) rather than calling NewQueue
// directly, so a non-default Executor can back tag tickets with whatever
// primitive its backend prefers.
func NewPoolFromQueues(queues map[string]*Queue, meter metric.Meter) *Pool {
	p := &Pool{queues: queues}
	if meter != nil {
		p.waitMs, _ = meter.Float64Histogram("flowrunner_tag_queue_wait_ms")
	}
	return p
}

// QueuesFor returns the queues for the given tags that are actually
// throttled, sorted and de-duplicated by tag name for deterministic
// acquisition order.
func (p *Pool) QueuesFor(tags []string) []*Queue {
	unique := make(map[string]struct{}, len(tags))
	sorted := make([]string, 0, len(tags))
	for _, t := range tags {
		if _, ok := unique[t]; ok {
			continue
		}
		unique[t] = struct{}{}
		sorted = append(sorted, t)
	}
	sort.Strings(sorted)

	out := make([]*Queue, 0, len(sorted))
	for _, tag := range sorted {
		if q, ok := p.queues[tag]; ok {
			out = append(out, q)
		}
	}
	return out
}

// AcquireAll acquires queues in order, releasing anything already acquired
// if a later acquisition fails (e.g. ctx cancelled). On success the caller
// must eventually call ReleaseAll(queues) exactly once.
func AcquireAll(ctx context.Context, queues []*Queue) error {
	for i, q := range queues {
		if err := q.Acquire(ctx); err != nil {
			ReleaseAll(queues[:i])
			return err
		}
	}
	return nil
}

// ReleaseAll releases every queue in queues.
func ReleaseAll(queues []*Queue) {
	for _, q := range queues {
		q.Release()
	}
}

// ConfigError indicates an invalid (non-positive) throttle value for a tag.
type ConfigError struct {
	Tag  string
	Size int
}

func (e *ConfigError) Error() string {
	return "tagqueue: invalid throttle for tag " + e.Tag + ": must be > 0"
}
