package flow

import "fmt"

// ConfigError is returned for invalid flow construction or invalid
// FlowRunner invocation arguments (bad throttle values, return_tasks not in
// the flow, cyclic graphs). Per spec §7 it is the only error surfaced to the
// caller before any dispatch; every later error becomes a terminal State.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

func configErrorf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}
