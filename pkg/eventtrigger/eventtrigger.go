// Package eventtrigger runs a FlowRunner in response to NATS messages,
// grounded on the teacher orchestrator's Scheduler (event-handler side:
// registerEventHandler/TriggerEvent/matchesFilter) for the filter and
// concurrency-limiting logic, and on libs/go/core/natsctx for the
// trace-context-propagating Subscribe wrapper.
package eventtrigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/flowrunner/pkg/flowrunner"
)

var propagator = propagation.TraceContext{}

// Filter is a subset of an incoming event's decoded fields that must match
// for the event to trigger a run, values compared by their %v formatting
// (see matchesFilter); nil/empty matches everything.
type Filter map[string]any

// Config describes one NATS subject that should trigger a flow run.
type Config struct {
	Subject       string
	Filter        Filter
	MaxConcurrent int // 0 = unlimited
	Timeout       time.Duration
	Options       flowrunner.RunOptions
}

// Trigger subscribes to NATS subjects and runs a FlowRunner when a matching
// message arrives.
type Trigger struct {
	nc  *nats.Conn
	fr  *flowrunner.FlowRunner
	log *slog.Logger

	mu      sync.Mutex
	running map[string]int

	eventTriggers metric.Int64Counter
	tracer        trace.Tracer

	subs []*nats.Subscription
}

// New builds a Trigger around an established NATS connection and FlowRunner.
// logger/meter may be nil.
func New(nc *nats.Conn, fr *flowrunner.FlowRunner, logger *slog.Logger, meter metric.Meter) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Trigger{
		nc:      nc,
		fr:      fr,
		log:     logger,
		running: make(map[string]int),
		tracer:  otel.Tracer("flowrunner/eventtrigger"),
	}
	if meter != nil {
		t.eventTriggers, _ = meter.Int64Counter("flowrunner_event_triggers_total")
	}
	return t
}

// Subscribe registers cfg against its subject. The subscription stays open
// until Close is called.
func (t *Trigger) Subscribe(cfg Config) error {
	sub, err := t.nc.Subscribe(cfg.Subject, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		ctx, span := t.tracer.Start(ctx, "eventtrigger.consume",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(attribute.String("subject", cfg.Subject)),
		)
		defer span.End()
		t.handle(ctx, cfg, m)
	})
	if err != nil {
		return fmt.Errorf("eventtrigger: subscribe %q: %w", cfg.Subject, err)
	}
	t.subs = append(t.subs, sub)
	t.log.Info("eventtrigger: subscribed", "subject", cfg.Subject)
	return nil
}

// Close unsubscribes every registered subject.
func (t *Trigger) Close() error {
	var firstErr error
	for _, sub := range t.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *Trigger) handle(ctx context.Context, cfg Config, m *nats.Msg) {
	var event map[string]any
	if err := json.Unmarshal(m.Data, &event); err != nil {
		t.log.Warn("eventtrigger: malformed event payload", "subject", cfg.Subject, "error", err)
		return
	}

	if !matchesFilter(event, cfg.Filter) {
		return
	}

	if cfg.MaxConcurrent > 0 {
		t.mu.Lock()
		if t.running[cfg.Subject] >= cfg.MaxConcurrent {
			t.mu.Unlock()
			t.log.Warn("eventtrigger: max concurrent runs reached", "subject", cfg.Subject, "max", cfg.MaxConcurrent)
			return
		}
		t.running[cfg.Subject]++
		t.mu.Unlock()
		defer func() {
			t.mu.Lock()
			t.running[cfg.Subject]--
			t.mu.Unlock()
		}()
	}

	if t.eventTriggers != nil {
		t.eventTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", cfg.Subject)))
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	final, err := t.fr.Run(ctx, cfg.Options)
	duration := time.Since(start)
	if err != nil {
		t.log.Error("eventtrigger: run failed", "subject", cfg.Subject, "error", err, "duration_ms", duration.Milliseconds())
		return
	}
	t.log.Info("eventtrigger: run completed", "subject", cfg.Subject, "state", final.Kind, "duration_ms", duration.Milliseconds())
}

// matchesFilter reports whether every key in filter is present in event
// with an equal value (compared via fmt.Sprintf, matching the teacher's
// simple-equality semantics). An empty filter matches everything.
func matchesFilter(event map[string]any, filter Filter) bool {
	if len(filter) == 0 {
		return true
	}
	for key, expected := range filter {
		actual, ok := event[key]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", actual) != fmt.Sprintf("%v", expected) {
			return false
		}
	}
	return true
}

// Publish injects the current trace context into headers and publishes —
// exposed so callers/tests can emit events the same way producers would.
func Publish(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	hdr := nats.Header{}
	carrier := propagation.HeaderCarrier(hdr)
	propagator.Inject(ctx, carrier)
	return nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: hdr})
}
