package flowctx

import "context"

type ctxKey struct{}

// Into embeds fc into ctx so task code can retrieve it via context.Context
// without the Task Runner threading a second parameter through every
// TaskFunc call. The Flow Runner still builds and passes fc explicitly at
// every call site — this only rides along on the stdlib context already
// required for cancellation/deadlines.
func Into(ctx context.Context, fc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, fc)
}

// From retrieves a Context embedded by Into, if any.
func From(ctx context.Context) (Context, bool) {
	fc, ok := ctx.Value(ctxKey{}).(Context)
	return fc, ok
}
