package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/agenthost/internal/apperr"
	"github.com/basket/agenthost/internal/audit"
	"github.com/basket/agenthost/internal/bus"
	otelPkg "github.com/basket/agenthost/internal/otel"
	"github.com/basket/agenthost/internal/persistence"
	"github.com/basket/agenthost/internal/secrets"
	"github.com/basket/agenthost/internal/telemetry"
)

// Derived agent statuses.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

const defaultStopDrain = 5 * time.Second

// AgentView is an agent record as returned to callers: status computed at
// read time, secrets masked.
type AgentView struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	CharacterConfig map[string]any `json:"characterConfig"`
	Status          string         `json:"status"`
	CreatedAt       int64          `json:"createdAt"`
	UpdatedAt       int64          `json:"updatedAt"`
}

// Seed is a configured agent that Restore creates when missing.
type Seed struct {
	Character map[string]any
	Autostart bool
}

// Options configures a Manager. Store, Registry and Codec are required.
type Options struct {
	Store    Store
	Registry *Registry
	Codec    *secrets.Codec
	Salt     string
	Plugins  []Plugin
	Bus      *bus.Bus
	Logger   *slog.Logger
	Metrics  *otelPkg.Metrics
	Tracer   trace.Tracer

	// DeleteMaxRetries is the number of retries after the first delete
	// attempt. Negative values are treated as zero.
	DeleteMaxRetries  int
	DeleteBaseBackoff time.Duration
	DeleteSoftTimeout time.Duration
	StopDrainTimeout  time.Duration
	BreakerFailures   int
	BreakerCooldown   time.Duration
}

// Manager owns agent lifecycle transitions. Operations on the same id are
// serialized; the registry is the only record of which agents are active.
type Manager struct {
	store    *guardedStore
	registry *Registry
	codec    *secrets.Codec
	salt     string
	plugins  []Plugin
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *otelPkg.Metrics
	tracer   trace.Tracer
	locks    *keyedMutex

	deleteMaxRetries  int
	deleteBaseBackoff time.Duration
	deleteSoftTimeout time.Duration
	stopDrain         time.Duration

	pending *pendingDeletes
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Registry == nil || opts.Codec == nil {
		return nil, errors.New("agent manager: store, registry and codec are required")
	}
	if opts.Salt == "" {
		return nil, secrets.ErrEmptySalt
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "lifecycle")
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("agenthost")
	}
	m := &Manager{
		store:             newGuardedStore(opts.Store, opts.BreakerFailures, opts.BreakerCooldown, logger),
		registry:          opts.Registry,
		codec:             opts.Codec,
		salt:              opts.Salt,
		plugins:           opts.Plugins,
		bus:               opts.Bus,
		logger:            logger,
		metrics:           opts.Metrics,
		tracer:            tracer,
		locks:             newKeyedMutex(),
		deleteMaxRetries:  max(opts.DeleteMaxRetries, 0),
		deleteBaseBackoff: opts.DeleteBaseBackoff,
		deleteSoftTimeout: opts.DeleteSoftTimeout,
		stopDrain:         opts.StopDrainTimeout,
		pending:           newPendingDeletes(),
	}
	if m.deleteBaseBackoff <= 0 {
		m.deleteBaseBackoff = time.Second
	}
	if m.deleteSoftTimeout <= 0 {
		m.deleteSoftTimeout = 10 * time.Second
	}
	if m.stopDrain <= 0 {
		m.stopDrain = defaultStopDrain
	}
	return m, nil
}

// Registry exposes the runtime registry for workers that need to look up
// a world's runtime.
func (m *Manager) Registry() *Registry {
	return m.registry
}

func (m *Manager) status(id string) string {
	if m.registry.Has(id) {
		return StatusActive
	}
	return StatusInactive
}

func (m *Manager) view(rec *persistence.AgentRecord) *AgentView {
	return &AgentView{
		ID:              rec.ID,
		Name:            rec.Name,
		CharacterConfig: maskSecrets(rec.CharacterConfig),
		Status:          m.status(rec.ID),
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
}

func (m *Manager) begin(ctx context.Context, op, id string) (context.Context, trace.Span, *slog.Logger) {
	ctx, span := otelPkg.StartSpan(ctx, m.tracer, "agent."+op,
		otelPkg.AttrLifecycle.String(op),
		otelPkg.AttrAgentID.String(id),
	)
	return ctx, span, telemetry.WithContext(ctx, m.logger).With("agent_id", id)
}

func (m *Manager) finish(ctx context.Context, span trace.Span, op string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
	}
	m.metrics.ObserveLifecycle(ctx, op, outcome, started)
	otelPkg.EndSpan(span, err)
}

// getRecord loads a record and turns absence into NotFound.
func (m *Manager) getRecord(ctx context.Context, op, id string) (*persistence.AgentRecord, error) {
	rec, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperr.Newf(op, apperr.KindNotFound, "agent %q not found", id)
	}
	return rec, nil
}

// Create validates cfg, seals its secrets and persists it under the id
// derived from its name. An existing record is returned unchanged. The
// agent is never started.
func (m *Manager) Create(ctx context.Context, cfg map[string]any) (view *AgentView, err error) {
	started := time.Now()
	if cfg == nil {
		return nil, apperr.New("agent.create", apperr.KindValidation, "configuration must be an object")
	}
	norm, err := normalizeJSON(cfg)
	if err != nil {
		return nil, apperr.Wrap("agent.create", apperr.KindValidation, err)
	}
	if err := ValidateCharacter(norm); err != nil {
		return nil, err
	}
	name := configName(norm)
	id := AgentID(name)

	ctx, span, logger := m.begin(ctx, "create", id)
	defer func() { m.finish(ctx, span, "create", started, err) }()

	unlock := m.locks.Lock(id)
	defer unlock()

	existing, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return m.view(existing), nil
	}

	sealed, err := sealSecrets(m.codec, m.salt, norm)
	if err != nil {
		return nil, apperr.Wrap("agent.create", apperr.KindInternal, err)
	}
	stored, err := m.store.CreateAgent(ctx, persistence.AgentRecord{ID: id, Name: name, CharacterConfig: sealed})
	if err != nil {
		audit.Record(ctx, "agent.create", id, audit.OutcomeError, err.Error())
		return nil, err
	}
	logger.Info("agent created", "name", name)
	audit.Record(ctx, "agent.create", id, audit.OutcomeOK, name)
	m.bus.Publish(bus.TopicAgentCreated, bus.AgentEvent{AgentID: id, Name: name, Status: StatusInactive})
	return m.view(stored), nil
}

// Start builds and registers the agent's runtime. Starting an active agent
// is a no-op.
func (m *Manager) Start(ctx context.Context, id string) (status string, err error) {
	started := time.Now()
	ctx, span, logger := m.begin(ctx, "start", id)
	defer func() { m.finish(ctx, span, "start", started, err) }()

	unlock := m.locks.Lock(id)
	defer unlock()

	if m.registry.Has(id) {
		return StatusActive, nil
	}
	rec, err := m.getRecord(ctx, "agent.start", id)
	if err != nil {
		return "", err
	}
	rt, err := m.buildRuntime(ctx, rec)
	if err != nil {
		logger.Warn("agent start failed", "error", err)
		audit.Record(ctx, "agent.start", id, audit.OutcomeError, err.Error())
		return "", err
	}
	if err := m.registry.Insert(id, rt); err != nil {
		// Another caller activated the agent first.
		rt.Close(m.stopDrain)
		return StatusActive, nil
	}
	m.metrics.AgentActivated(ctx, 1)
	logger.Info("agent started", "name", rec.Name)
	audit.Record(ctx, "agent.start", id, audit.OutcomeOK, rec.Name)
	m.bus.Publish(bus.TopicAgentStarted, bus.AgentEvent{AgentID: id, Name: rec.Name, Status: StatusActive})
	return StatusActive, nil
}

// deactivate removes the runtime from the registry and tears it down.
// It reports whether a runtime was active.
func (m *Manager) deactivate(ctx context.Context, id, name string, logger *slog.Logger) bool {
	rt, ok := m.registry.Remove(id)
	if !ok {
		return false
	}
	m.metrics.AgentActivated(ctx, -1)
	if !rt.Close(m.stopDrain) {
		logger.Warn("runtime drain timed out", "timeout", m.stopDrain.String())
	}
	m.bus.Publish(bus.TopicAgentStopped, bus.AgentEvent{AgentID: id, Name: name, Status: StatusInactive})
	return true
}

// Stop deactivates an agent. Stopping an inactive agent succeeds; an
// unknown id is NotFound.
func (m *Manager) Stop(ctx context.Context, id string) (status string, err error) {
	started := time.Now()
	ctx, span, logger := m.begin(ctx, "stop", id)
	defer func() { m.finish(ctx, span, "stop", started, err) }()

	unlock := m.locks.Lock(id)
	defer unlock()

	rec, err := m.getRecord(ctx, "agent.stop", id)
	if err != nil {
		return "", err
	}
	if m.deactivate(ctx, id, rec.Name, logger) {
		logger.Info("agent stopped")
		audit.Record(ctx, "agent.stop", id, audit.OutcomeOK, rec.Name)
	}
	return StatusInactive, nil
}

// Update deep-merges patch into the stored configuration. An active agent
// is rebuilt from the new record and swapped in before the old runtime is
// closed; if the rebuild fails the old runtime keeps serving.
func (m *Manager) Update(ctx context.Context, id string, patch map[string]any) (view *AgentView, err error) {
	started := time.Now()
	ctx, span, logger := m.begin(ctx, "update", id)
	defer func() { m.finish(ctx, span, "update", started, err) }()

	if err := ValidatePatch(patch); err != nil {
		return nil, err
	}
	norm, err := normalizeJSON(patch)
	if err != nil {
		return nil, apperr.Wrap("agent.update", apperr.KindValidation, err)
	}
	sealed, err := sealSecrets(m.codec, m.salt, dropRedacted(norm))
	if err != nil {
		return nil, apperr.Wrap("agent.update", apperr.KindInternal, err)
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	rec, err := m.getRecord(ctx, "agent.update", id)
	if err != nil {
		return nil, err
	}
	// The id is derived from the name, so the name is fixed for life.
	if _, renames := norm["name"]; renames && configName(norm) != rec.Name {
		return nil, apperr.Newf("agent.update", apperr.KindValidation,
			"name is immutable: agent %s is %q", id, rec.Name)
	}
	merged := deepMerge(rec.CharacterConfig, sealed)
	if err := ValidateCharacter(merged); err != nil {
		return nil, err
	}
	updated, err := m.store.UpdateAgent(ctx, id, configName(merged), merged)
	if err != nil {
		audit.Record(ctx, "agent.update", id, audit.OutcomeError, err.Error())
		return nil, err
	}
	audit.Record(ctx, "agent.update", id, audit.OutcomeOK, updated.Name)
	m.bus.Publish(bus.TopicAgentUpdated, bus.AgentEvent{AgentID: id, Name: updated.Name})

	if m.registry.Has(id) {
		if err := m.restart(ctx, updated, logger); err != nil {
			return m.view(updated), err
		}
	}
	return m.view(updated), nil
}

// restart must run under the agent's lock.
func (m *Manager) restart(ctx context.Context, rec *persistence.AgentRecord, logger *slog.Logger) error {
	rt, err := m.buildRuntime(ctx, rec)
	if err != nil {
		logger.Warn("agent restart failed, keeping previous runtime", "error", err)
		audit.Record(ctx, "agent.restart", rec.ID, audit.OutcomeError, err.Error())
		return err
	}
	old, ok := m.registry.Replace(rec.ID, rt)
	if !ok {
		// Drained concurrently by shutdown.
		rt.Close(m.stopDrain)
		return nil
	}
	if !old.Close(m.stopDrain) {
		logger.Warn("previous runtime drain timed out", "timeout", m.stopDrain.String())
	}
	logger.Info("agent restarted")
	audit.Record(ctx, "agent.restart", rec.ID, audit.OutcomeOK, rec.Name)
	m.bus.Publish(bus.TopicAgentRestarted, bus.AgentEvent{AgentID: rec.ID, Name: rec.Name, Status: StatusActive})
	return nil
}

// Get returns one agent with secrets masked.
func (m *Manager) Get(ctx context.Context, id string) (*AgentView, error) {
	rec, err := m.getRecord(ctx, "agent.get", id)
	if err != nil {
		return nil, err
	}
	return m.view(rec), nil
}

// List returns every agent with secrets masked, oldest first.
func (m *Manager) List(ctx context.Context) ([]AgentView, error) {
	recs, err := m.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]AgentView, 0, len(recs))
	for i := range recs {
		out = append(out, *m.view(&recs[i]))
	}
	return out, nil
}

// Dispatchable reports whether new work may be dispatched for worldID.
// Tasks without a world always are.
func (m *Manager) Dispatchable(worldID string) bool {
	return worldID == "" || m.registry.Has(worldID)
}

// Restore creates missing seed agents and starts the ones marked autostart.
func (m *Manager) Restore(ctx context.Context, seeds []Seed) error {
	var errs []error
	for _, seed := range seeds {
		v, err := m.Create(ctx, seed.Character)
		if err != nil {
			errs = append(errs, fmt.Errorf("seed %q: %w", configName(seed.Character), err))
			continue
		}
		if !seed.Autostart {
			continue
		}
		if _, err := m.Start(ctx, v.ID); err != nil {
			errs = append(errs, fmt.Errorf("start seed %q: %w", v.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown waits for background deletes until ctx is done and then drains
// every active runtime.
func (m *Manager) Shutdown(ctx context.Context) {
	m.pending.wait(ctx)
	n := m.registry.Len()
	m.registry.DrainAll(m.stopDrain)
	m.metrics.AgentActivated(ctx, -int64(n))
	m.logger.Info("agent runtimes drained", "count", n)
}
