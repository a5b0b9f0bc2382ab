package agent

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/agenthost/internal/apperr"
	"github.com/basket/agenthost/internal/audit"
	"github.com/basket/agenthost/internal/bus"
	otelPkg "github.com/basket/agenthost/internal/otel"
)

// DeleteResult describes how a Delete call ended for the caller.
type DeleteResult string

const (
	// DeleteDeleted means the record is gone.
	DeleteDeleted DeleteResult = "deleted"
	// DeleteAlreadyGone means there was nothing to delete. Callers treat it as success.
	DeleteAlreadyGone DeleteResult = "already_gone"
	// DeleteAccepted means the retry loop outlived the soft timeout and
	// continues in the background.
	DeleteAccepted DeleteResult = "accepted"
)

type deleteOutcome struct {
	result DeleteResult
	err    error
}

// pendingDeletes tracks delete loops so shutdown can wait for them.
type pendingDeletes struct {
	wg sync.WaitGroup
}

func newPendingDeletes() *pendingDeletes {
	return &pendingDeletes{}
}

func (p *pendingDeletes) wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Delete stops the agent if needed and removes its record with bounded
// retries. If the retry loop has not finished after the soft timeout, or
// the caller's context ends first, Delete returns DeleteAccepted and the
// loop keeps running on a detached context.
func (m *Manager) Delete(ctx context.Context, id string) (DeleteResult, error) {
	done := make(chan deleteOutcome, 1)
	bgCtx := context.WithoutCancel(ctx)
	m.pending.wg.Add(1)
	go func() {
		defer m.pending.wg.Done()
		res, err := m.runDelete(bgCtx, id)
		done <- deleteOutcome{result: res, err: err}
	}()

	timer := time.NewTimer(m.deleteSoftTimeout)
	defer timer.Stop()
	select {
	case out := <-done:
		return out.result, out.err
	case <-timer.C:
	case <-ctx.Done():
	}
	m.logger.Info("agent delete accepted, continuing in background", "agent_id", id)
	audit.Record(ctx, "agent.delete", id, audit.OutcomeAccepted, "")
	m.bus.Publish(bus.TopicAgentDeleteAccepted, bus.AgentEvent{AgentID: id})
	return DeleteAccepted, nil
}

func (m *Manager) runDelete(ctx context.Context, id string) (result DeleteResult, err error) {
	started := time.Now()
	ctx, span, logger := m.begin(ctx, "delete", id)
	defer func() { m.finish(ctx, span, "delete", started, err) }()

	unlock := m.locks.Lock(id)
	defer unlock()

	rec, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return DeleteAlreadyGone, nil
	}
	m.deactivate(ctx, id, rec.Name, logger)

	for attempt := 0; attempt <= m.deleteMaxRetries; attempt++ {
		span.AddEvent("delete.attempt", traceAttempt(attempt))
		err = m.store.DeleteAgent(ctx, id)
		if err == nil {
			m.metrics.DeleteAttempt(ctx, "ok")
			logger.Info("agent deleted", "attempts", attempt+1)
			audit.Record(ctx, "agent.delete", id, audit.OutcomeOK, rec.Name)
			m.bus.Publish(bus.TopicAgentDeleted, bus.AgentEvent{AgentID: id, Name: rec.Name})
			return DeleteDeleted, nil
		}
		if apperr.Is(err, apperr.KindNotFound) {
			m.metrics.DeleteAttempt(ctx, "already_gone")
			return DeleteAlreadyGone, nil
		}
		m.metrics.DeleteAttempt(ctx, string(apperr.KindOf(err)))
		if attempt == m.deleteMaxRetries {
			break
		}
		backoff := m.deleteBaseBackoff << attempt
		logger.Warn("agent delete attempt failed, retrying",
			"attempt", attempt+1, "backoff", backoff.String(), "error", err)
		time.Sleep(backoff)
	}

	err = classifyDeleteErr(err)
	logger.Error("agent delete failed", "error", err)
	audit.Record(ctx, "agent.delete", id, audit.OutcomeError, err.Error())
	return "", err
}

// classifyDeleteErr maps the last attempt's error to the terminal kind.
func classifyDeleteErr(err error) error {
	switch apperr.KindOf(err) {
	case apperr.KindConflict, apperr.KindTimeout, apperr.KindStoreUnavailable:
		return err
	}
	return apperr.Wrap("agent.delete", apperr.KindDeleteError, err)
}

func traceAttempt(attempt int) trace.EventOption {
	return trace.WithAttributes(otelPkg.AttrAttempt.Int(attempt + 1))
}
