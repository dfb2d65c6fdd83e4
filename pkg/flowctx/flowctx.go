// Package flowctx implements the scoped per-run key/value bag visible to
// tasks (spec §4.5). The Task Runner and Flow Runner take a Context value
// explicitly on every entry point rather than reading goroutine-local state,
// per the design notes' stated preference for explicit plumbing over
// implicit scoping — a concurrent task observes only its own frozen
// snapshot, with no ordering guarantee relative to siblings.
package flowctx

// well-known keys populated by the flow runner before dispatch.
const (
	KeyFlowName        = "_flow_name"
	KeyFlowVersion     = "_flow_version"
	KeyParameters      = "_parameters"
	KeyExecutorID      = "_executor_id"
	KeyRaiseOnException = "_raise_on_exception"
)

// Context is an immutable flat key/value view. Merging always produces a
// new Context; the zero value is an empty context.
type Context struct {
	values map[string]any
}

// New builds a Context seeded with the given values (not retained; New
// copies the map).
func New(values map[string]any) Context {
	return Context{values: cloneMap(values)}
}

// With returns a new Context containing c's values overlaid with updates.
// Keys in updates take precedence.
func (c Context) With(updates map[string]any) Context {
	merged := cloneMap(c.values)
	for k, v := range updates {
		merged[k] = v
	}
	return Context{values: merged}
}

// Get returns the value bound to key, and whether it was present.
func (c Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// GetString returns the string bound to key, or "" if absent or not a
// string.
func (c Context) GetString(key string) string {
	v, ok := c.values[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// RaiseOnException reports whether the caller asked unexpected flow-level
// errors to propagate rather than be folded into a Failed state (spec §4.4,
// §7; supplemented from flow_runner.py's `_raise_on_exception`).
func (c Context) RaiseOnException() bool {
	v, ok := c.values[KeyRaiseOnException]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Snapshot returns a defensive copy of the flat view, for handing to user
// task code.
func (c Context) Snapshot() map[string]any {
	return cloneMap(c.values)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
