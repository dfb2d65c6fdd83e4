// Package schedule adds cron-driven recurring execution on top of a
// FlowRunner, grounded on the teacher orchestrator's Scheduler (cron side)
// with BoltDB-backed workflow/executor lookups replaced by a direct
// FlowRunner reference, since this module runs a single known Flow rather
// than a named registry of them.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/flowrunner/pkg/flowrunner"
)

// Config describes one cron-triggered run of a flow.
type Config struct {
	CronExpr string // e.g. "0 */5 * * * *" (seconds precision, per cron.WithSeconds)
	Timeout  time.Duration
	Options  flowrunner.RunOptions
}

// Scheduler runs a FlowRunner on a cron schedule.
type Scheduler struct {
	cron *cron.Cron
	fr   *flowrunner.FlowRunner
	log  *slog.Logger

	scheduleRuns  metric.Int64Counter
	scheduleFails metric.Int64Counter
	tracer        trace.Tracer
}

// New builds a Scheduler around fr. logger/meter may be nil.
func New(fr *flowrunner.FlowRunner, logger *slog.Logger, meter metric.Meter) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		fr:     fr,
		log:    logger,
		tracer: otel.Tracer("flowrunner/schedule"),
	}
	if meter != nil {
		s.scheduleRuns, _ = meter.Int64Counter("flowrunner_schedule_runs_total")
		s.scheduleFails, _ = meter.Int64Counter("flowrunner_schedule_failures_total")
	}
	return s
}

// Start begins dispatching scheduled entries. Safe to call once.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("schedule: cron started")
}

// Stop waits for in-flight scheduled runs to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.log.Info("schedule: cron stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("schedule: stop timed out")
		return ctx.Err()
	}
}

// AddCron registers cfg's CronExpr to run the flow. Returns the cron entry
// ID, usable with RemoveCron.
func (s *Scheduler) AddCron(cfg Config) (cron.EntryID, error) {
	id, err := s.cron.AddFunc(cfg.CronExpr, func() {
		s.runScheduled(context.Background(), cfg)
	})
	if err != nil {
		return 0, fmt.Errorf("schedule: add cron %q: %w", cfg.CronExpr, err)
	}
	s.log.Info("schedule: cron added", "cron", cfg.CronExpr, "entry_id", id)
	return id, nil
}

// RemoveCron unregisters a previously-added cron entry.
func (s *Scheduler) RemoveCron(id cron.EntryID) {
	s.cron.Remove(id)
}

func (s *Scheduler) runScheduled(ctx context.Context, cfg Config) {
	ctx, span := s.tracer.Start(ctx, "schedule.run", trace.WithAttributes(
		attribute.String("cron", cfg.CronExpr),
	))
	defer span.End()

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	final, err := s.fr.Run(ctx, cfg.Options)
	duration := time.Since(start)

	if err != nil {
		s.log.Error("schedule: run failed", "error", err, "duration_ms", duration.Milliseconds())
		if s.scheduleFails != nil {
			s.scheduleFails.Add(ctx, 1)
		}
		return
	}

	s.log.Info("schedule: run completed", "state", final.Kind, "duration_ms", duration.Milliseconds())
	if s.scheduleRuns != nil {
		s.scheduleRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(final.Kind))))
	}
}
