package otel

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.RequestDuration == nil || m.LifecycleDuration == nil || m.ActiveAgents == nil ||
		m.DeleteAttempts == nil || m.TickDuration == nil || m.TaskExecutions == nil ||
		m.WorkerErrors == nil || m.RateLimitRejects == nil {
		t.Fatalf("instrument missing: %+v", m)
	}
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.ObserveLifecycle(ctx, "start", "ok", time.Now())
	m.AgentActivated(ctx, 1)
	m.DeleteAttempt(ctx, "conflict")
	m.ObserveTick(ctx, time.Now(), 0)
	m.TaskExecuted(ctx, "HEARTBEAT", "ok")
	m.WorkerError(ctx, "HEARTBEAT")
	m.RateLimited(ctx)
	m.ObserveRequest(ctx, "/api/agents", 200, time.Now())
}

func TestMetricsHandler_ExposesRecordedInstruments(t *testing.T) {
	p, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.TaskExecuted(ctx, "HEARTBEAT", "ok")
	m.AgentActivated(ctx, 1)

	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"agenthost_task_executions", "agenthost_agents_active"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}
