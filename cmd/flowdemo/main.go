// Command flowdemo wires logging, tracing/metrics, a pooled Executor, and
// the Flow Runner into a small sample flow, analogous to the teacher
// orchestrator's main.go HTTP service but driving the flow runner directly
// rather than exposing a workflow-registry API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/flowrunner/pkg/executor"
	"github.com/swarmguard/flowrunner/pkg/flow"
	"github.com/swarmguard/flowrunner/pkg/flowrunner"
	"github.com/swarmguard/flowrunner/pkg/logging"
	"github.com/swarmguard/flowrunner/pkg/otelinit"
	"github.com/swarmguard/flowrunner/pkg/resilience"
	"github.com/swarmguard/flowrunner/pkg/resultcache"
	"github.com/swarmguard/flowrunner/pkg/schedule"
)

func buildSampleFlow() *flow.Flow {
	f := flow.NewFlow("sample-etl", "v1")

	extract := flow.NewTask("extract", func(ctx context.Context, inputs map[string]any) (any, error) {
		return []int{1, 2, 3, 4, 5}, nil
	}).WithTags("io").WithTimeout(5 * time.Second)

	transform := flow.NewTask("transform", func(ctx context.Context, inputs map[string]any) (any, error) {
		rows, _ := inputs["rows"].([]int)
		out := make([]int, len(rows))
		for i, v := range rows {
			out[i] = v * v
		}
		return out, nil
	}).WithRetries(2, 200*time.Millisecond)

	load := flow.NewTask("load", func(ctx context.Context, inputs map[string]any) (any, error) {
		if rand.Intn(10) == 0 {
			return nil, errors.New("destination temporarily unavailable")
		}
		return "loaded", nil
	}).WithCache("load-result", time.Minute, nil).WithTags("io")

	f.AddTask(extract).AddTask(transform).AddTask(load)
	f.AddEdge(flow.Edge{Upstream: "extract", Downstream: "transform", Key: "rows"})
	f.AddEdge(flow.Edge{Upstream: "transform", Downstream: "load", Key: "rows"})
	f.SetThrottle(map[string]int{"io": 2})

	return f
}

func main() {
	service := "flowdemo"
	logger := logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _ := otelinit.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter(service)

	limiter := resilience.NewHybridRateLimiter(20, 10, 100, 50*time.Millisecond)
	exec := executor.NewPoolExecutor(8, limiter, meter)

	cache := resultcache.NewMemoryCache(1024)

	f := buildSampleFlow()
	fr := flowrunner.New(f, exec, cache, logger, meter)

	sched := schedule.New(fr, logger, meter)
	if _, err := sched.AddCron(schedule.Config{
		CronExpr: "*/30 * * * * *",
		Timeout:  10 * time.Second,
		Options:  flowrunner.RunOptions{ReturnFailed: true},
	}); err != nil {
		logger.Error("failed to register schedule", "error", err)
	}
	sched.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/run", func(w http.ResponseWriter, r *http.Request) {
		runCtx, cancelRun := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancelRun()

		final, err := fr.Run(runCtx, flowrunner.RunOptions{ReturnFailed: true})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, "flow finished: %s (%s)\n", final.Kind, final.Message)
	})

	srv := &http.Server{Addr: ":8080", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	logger.Info("flowdemo started")
	<-ctx.Done()
	logger.Info("shutdown initiated")

	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	_ = sched.Stop(ctxSd)
	_ = srv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	logger.Info("shutdown complete")
}
