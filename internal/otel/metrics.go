package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all agenthost metric instruments.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	LifecycleDuration metric.Float64Histogram
	ActiveAgents      metric.Int64UpDownCounter
	DeleteAttempts    metric.Int64Counter
	TickDuration      metric.Float64Histogram
	TaskExecutions    metric.Int64Counter
	WorkerErrors      metric.Int64Counter
	RateLimitRejects  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("agenthost.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LifecycleDuration, err = meter.Float64Histogram("agenthost.lifecycle.duration",
		metric.WithDescription("Agent lifecycle operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveAgents, err = meter.Int64UpDownCounter("agenthost.agents.active",
		metric.WithDescription("Number of agents with a live runtime"),
	)
	if err != nil {
		return nil, err
	}

	m.DeleteAttempts, err = meter.Int64Counter("agenthost.delete.attempts",
		metric.WithDescription("Agent record delete attempts, including retries"),
	)
	if err != nil {
		return nil, err
	}

	m.TickDuration, err = meter.Float64Histogram("agenthost.scheduler.tick.duration",
		metric.WithDescription("Task scheduler tick duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskExecutions, err = meter.Int64Counter("agenthost.task.executions",
		metric.WithDescription("Task executions by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkerErrors, err = meter.Int64Counter("agenthost.worker.errors",
		metric.WithDescription("Worker validate/execute failures"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("agenthost.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ObserveLifecycle records one lifecycle operation. Nil receivers are ignored
// so callers can run without metrics.
func (m *Metrics) ObserveLifecycle(ctx context.Context, op, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.LifecycleDuration.Record(ctx, time.Since(started).Seconds(),
		metric.WithAttributes(attribute.String("op", op), attribute.String("outcome", outcome)))
}

// AgentActivated adjusts the active agent gauge by delta.
func (m *Metrics) AgentActivated(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveAgents.Add(ctx, delta)
}

// DeleteAttempt counts one store delete attempt.
func (m *Metrics) DeleteAttempt(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.DeleteAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// ObserveTick records how long one scheduler tick took and how many tasks it dispatched.
func (m *Metrics) ObserveTick(ctx context.Context, started time.Time, dispatched int) {
	if m == nil {
		return
	}
	m.TickDuration.Record(ctx, time.Since(started).Seconds(),
		metric.WithAttributes(attribute.Int("dispatched", dispatched)))
}

// TaskExecuted counts a task execution outcome (ok, error, skipped).
func (m *Metrics) TaskExecuted(ctx context.Context, worker, outcome string) {
	if m == nil {
		return
	}
	m.TaskExecutions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("worker", worker), attribute.String("outcome", outcome)))
}

// WorkerError counts a contained worker failure.
func (m *Metrics) WorkerError(ctx context.Context, worker string) {
	if m == nil {
		return
	}
	m.WorkerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("worker", worker)))
}

// RateLimited counts a rejected request.
func (m *Metrics) RateLimited(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1)
}

// ObserveRequest records a gateway request.
func (m *Metrics) ObserveRequest(ctx context.Context, route string, status int, started time.Time) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, time.Since(started).Seconds(),
		metric.WithAttributes(attribute.String("route", route), attribute.Int("status", status)))
}
