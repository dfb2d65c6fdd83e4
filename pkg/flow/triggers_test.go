package flow

import (
	"testing"

	"github.com/swarmguard/flowrunner/pkg/state"
)

func TestAllSuccessful(t *testing.T) {
	ok := map[string]state.State{"a": state.NewSuccess(1), "b": state.NewSkipped("skip")}
	if got, _ := AllSuccessful(ok); !got {
		t.Error("expected AllSuccessful to fire when every upstream is success-like")
	}

	bad := map[string]state.State{"a": state.NewSuccess(1), "b": state.NewFailed("x")}
	if got, _ := AllSuccessful(bad); got {
		t.Error("expected AllSuccessful to not fire when one upstream failed")
	}
}

func TestAnyFailedAndAllFailed(t *testing.T) {
	mixed := map[string]state.State{"a": state.NewSuccess(1), "b": state.NewFailed("x")}
	if got, _ := AnyFailed(mixed); !got {
		t.Error("expected AnyFailed to fire")
	}
	if got, _ := AllFailed(mixed); got {
		t.Error("expected AllFailed to not fire when one upstream succeeded")
	}
}

func TestAlwaysIgnoresUpstream(t *testing.T) {
	got, err := Always(map[string]state.State{"a": state.NewFailed("x")})
	if err != nil || !got {
		t.Errorf("Always() = (%v, %v), want (true, nil)", got, err)
	}
}
