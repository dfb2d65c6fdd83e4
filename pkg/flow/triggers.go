package flow

import "github.com/swarmguard/flowrunner/pkg/state"

// AllSuccessful is the default trigger: every upstream task must be in a
// success-like state (Success, Cached, Skipped).
func AllSuccessful(upstream map[string]state.State) (bool, error) {
	for _, s := range upstream {
		if !s.IsSuccessful() {
			return false, nil
		}
	}
	return true, nil
}

// AllFailed requires every upstream task to be failed-like.
func AllFailed(upstream map[string]state.State) (bool, error) {
	for _, s := range upstream {
		if !s.IsFailed() {
			return false, nil
		}
	}
	return true, nil
}

// AnyFailed requires at least one upstream task to be failed-like.
func AnyFailed(upstream map[string]state.State) (bool, error) {
	for _, s := range upstream {
		if s.IsFailed() {
			return true, nil
		}
	}
	return false, nil
}

// AnySuccessful requires at least one upstream task to be success-like.
func AnySuccessful(upstream map[string]state.State) (bool, error) {
	for _, s := range upstream {
		if s.IsSuccessful() {
			return true, nil
		}
	}
	return false, nil
}

// AllFinished requires every upstream task to be in any finished state,
// regardless of success or failure.
func AllFinished(upstream map[string]state.State) (bool, error) {
	for _, s := range upstream {
		if !s.IsFinished() {
			return false, nil
		}
	}
	return true, nil
}

// Always never fails the trigger, running regardless of upstream outcome.
func Always(map[string]state.State) (bool, error) {
	return true, nil
}
