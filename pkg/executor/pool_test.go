package executor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/swarmguard/flowrunner/pkg/state"
)

func TestPoolExecutorRunsConcurrently(t *testing.T) {
	p := NewPoolExecutor(4, nil, nil)
	ctx := context.Background()
	teardown, err := p.Start(ctx)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer teardown()

	var inFlight, maxInFlight int32
	bump := func(delta int32) {
		v := atomic.AddInt32(&inFlight, delta)
		for {
			cur := atomic.LoadInt32(&maxInFlight)
			if v <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, v) {
				break
			}
		}
	}

	futures := make([]*Future, 4)
	for i := range futures {
		futures[i] = p.Submit(ctx, func(ctx context.Context) state.State {
			bump(1)
			time.Sleep(50 * time.Millisecond)
			bump(-1)
			return state.NewSuccess(nil)
		})
	}
	for _, f := range futures {
		p.Wait(f)
	}

	if atomic.LoadInt32(&maxInFlight) < 2 {
		t.Errorf("max concurrent in-flight = %d, want at least 2 across 4 workers", maxInFlight)
	}
}

func TestPoolExecutorMapWaitsForAllElements(t *testing.T) {
	p := NewPoolExecutor(2, nil, nil)
	ctx := context.Background()
	teardown, _ := p.Start(ctx)
	defer teardown()

	fns := []RunFunc{
		func(ctx context.Context) state.State { return state.NewSuccess(1) },
		func(ctx context.Context) state.State { return state.NewSuccess(2) },
		func(ctx context.Context) state.State { return state.NewSuccess(3) },
	}
	got := p.Wait(p.Map(ctx, fns))
	if !got.Mapped || len(got.Children) != 3 {
		t.Fatalf("Map() = %+v, want a 3-child Mapped state", got)
	}
}

func TestPoolExecutorMapOfEmptyReturnsEmptyMapped(t *testing.T) {
	p := NewPoolExecutor(2, nil, nil)
	got := p.Wait(p.Map(context.Background(), nil))
	if !got.Mapped || len(got.Children) != 0 {
		t.Errorf("Map(nil) = %+v, want an empty Mapped state", got)
	}
}
