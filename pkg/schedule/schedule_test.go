package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/swarmguard/flowrunner/pkg/executor"
	"github.com/swarmguard/flowrunner/pkg/flow"
	"github.com/swarmguard/flowrunner/pkg/flowrunner"
)

func TestAddAndRemoveCronEntry(t *testing.T) {
	var runs int32
	f := flow.NewFlow("scheduled", "v1")
	f.AddTask(flow.NewTask("a", func(ctx context.Context, inputs map[string]any) (any, error) {
		atomic.AddInt32(&runs, 1)
		return nil, nil
	}))
	fr := flowrunner.New(f, executor.NewSyncExecutor(), nil, nil, nil)

	s := New(fr, nil, nil)
	// cron's @every schedules round sub-second delays up to one second, so
	// the first run lands within a second of Start.
	id, err := s.AddCron(Config{CronExpr: "@every 1s"})
	if err != nil {
		t.Fatalf("AddCron() error = %v", err)
	}

	s.Start()
	time.Sleep(1500 * time.Millisecond)
	s.RemoveCron(id)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if atomic.LoadInt32(&runs) == 0 {
		t.Error("expected at least one scheduled run to have fired before removal")
	}
}

func TestAddCronRejectsInvalidExpression(t *testing.T) {
	f := flow.NewFlow("f", "v1")
	fr := flowrunner.New(f, executor.NewSyncExecutor(), nil, nil, nil)
	s := New(fr, nil, nil)

	if _, err := s.AddCron(Config{CronExpr: "not-a-cron-expression"}); err == nil {
		t.Error("expected AddCron() to reject a malformed cron expression")
	}
}
