package flowctx

import "sync"

// stack backs the process-wide scoped context used by With. It exists for
// callers that want Python-`with`-style
// scoping; the engine itself never reads it, taking Context values
// explicitly per entry point instead.
var (
	stackMu sync.Mutex
	stack   = []Context{{}}
)

// Current returns the innermost pushed Context, or an empty Context if none
// has been pushed.
func Current() Context {
	stackMu.Lock()
	defer stackMu.Unlock()
	return stack[len(stack)-1]
}

// With pushes a Context merging Current() with updates, runs fn, and
// restores the previous Context unconditionally on return — including when
// fn panics — the scoped-context restore-on-exit semantics spec §4.5
// describes ("on exit the previous binding is restored unconditionally").
func With(updates map[string]any, fn func(Context)) {
	stackMu.Lock()
	next := stack[len(stack)-1].With(updates)
	stack = append(stack, next)
	stackMu.Unlock()

	defer func() {
		stackMu.Lock()
		stack = stack[:len(stack)-1]
		stackMu.Unlock()
	}()

	fn(next)
}
