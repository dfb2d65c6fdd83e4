// Package signal implements the explicit-outcome escape hatch task code
// uses to steer its own state transition (spec §4.3 step 8's named
// SUCCESS/FAIL/SKIP/RETRY signals), reimplemented as a plain Go error type
// rather than an exception-based control flow — the Task Runner
// type-switches on the returned error instead of catching.
package signal

import "time"

// Kind names which state transition a Signal requests.
type Kind string

const (
	KindSuccess     Kind = "SUCCESS"
	KindFail        Kind = "FAIL"
	KindSkip        Kind = "SKIP"
	KindRetry       Kind = "RETRY"
	KindTriggerFail Kind = "TRIGGER_FAIL"
)

// Signal is an error a TaskFunc returns to request a specific state
// transition instead of letting the Task Runner infer one from a plain
// error. It satisfies the error interface so existing error-returning code
// needs no change to remain compatible.
type Signal struct {
	Kind       Kind
	Message    string
	Result     any
	RetryDelay time.Duration // overrides the task's configured RetryDelay, RETRY only
}

func (s *Signal) Error() string { return s.Message }

// Success requests an immediate Success transition carrying result,
// bypassing normal completion bookkeeping (rarely needed; most TaskFuncs
// just return a result with a nil error).
func Success(msg string, result any) *Signal {
	return &Signal{Kind: KindSuccess, Message: msg, Result: result}
}

// Fail requests an immediate Failed transition, skipping any remaining
// retry attempts.
func Fail(msg string) *Signal {
	return &Signal{Kind: KindFail, Message: msg}
}

// Skip requests a Skipped transition.
func Skip(msg string) *Signal {
	return &Signal{Kind: KindSkip, Message: msg}
}

// Retry requests another attempt after delay. The Task Runner grants it
// only while the task's MaxRetries budget has attempts left; once the
// budget is used up the task goes to Failed. A zero delay uses the task's
// configured RetryDelay.
func Retry(msg string, delay time.Duration) *Signal {
	return &Signal{Kind: KindRetry, Message: msg, RetryDelay: delay}
}

// TriggerFail requests a TriggerFailed transition, used by custom Trigger
// implementations that want to report a distinguishable cause.
func TriggerFail(msg string) *Signal {
	return &Signal{Kind: KindTriggerFail, Message: msg}
}

// As reports whether err is a *Signal, for callers preferring errors.As
// style over a type assertion.
func As(err error) (*Signal, bool) {
	s, ok := err.(*Signal)
	return s, ok
}
