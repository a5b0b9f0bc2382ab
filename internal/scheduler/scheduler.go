// Package scheduler drives the tag-addressed task queue: it loads queued
// task definitions on every tick, picks the eligible ones and runs them on
// the registered workers with bounded concurrency.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/basket/agenthost/internal/apperr"
	"github.com/basket/agenthost/internal/bus"
	otelPkg "github.com/basket/agenthost/internal/otel"
	"github.com/basket/agenthost/internal/persistence"
	"github.com/basket/agenthost/internal/shared"
	"github.com/basket/agenthost/internal/telemetry"
)

const (
	defaultTickInterval   = time.Second
	defaultMaxConcurrency = 4
)

// Worker executes tasks whose name equals Name().
type Worker interface {
	Name() string
	// Validate reports whether the task can run now. Returning false skips
	// the task without touching its timestamps.
	Validate(ctx context.Context, task persistence.TaskDefinition) bool
	Execute(ctx context.Context, task persistence.TaskDefinition) error
}

// Gate decides whether new work may be dispatched for a world.
type Gate interface {
	Dispatchable(worldID string) bool
}

// GateFunc adapts a function to Gate.
type GateFunc func(worldID string) bool

func (f GateFunc) Dispatchable(worldID string) bool { return f(worldID) }

// Store is the task definition surface of persistence.Store.
type Store interface {
	CreateTaskDefinition(ctx context.Context, t persistence.TaskDefinition) error
	GetTaskDefinition(ctx context.Context, id string) (*persistence.TaskDefinition, error)
	ListTaskDefinitions(ctx context.Context, f persistence.TaskFilter) ([]persistence.TaskDefinition, error)
	DeleteTaskDefinition(ctx context.Context, id string) error
	DeleteTaskDefinitions(ctx context.Context, f persistence.TaskFilter) (int, error)
	MarkTaskRun(ctx context.Context, id string, at int64) error
	MarkTaskAttempt(ctx context.Context, id string, at int64) error
}

// Query selects task definitions. A task matches when it carries every
// listed tag; an empty WorldID matches all worlds.
type Query struct {
	Tags    []string
	WorldID string
}

// Config holds the scheduler's dependencies.
type Config struct {
	Store          Store
	Gate           Gate
	Bus            *bus.Bus
	Logger         *slog.Logger
	Metrics        *otelPkg.Metrics
	Tracer         trace.Tracer
	TickInterval   time.Duration
	MaxConcurrency int
	// Now defaults to time.Now. Tests substitute a fake clock.
	Now func() time.Time
}

// Scheduler owns the worker table and the tick loop.
type Scheduler struct {
	store       Store
	bus         *bus.Bus
	logger      *slog.Logger
	metrics     *otelPkg.Metrics
	tracer      trace.Tracer
	interval    time.Duration
	concurrency int
	now         func() time.Time

	mu       sync.RWMutex
	gate     Gate
	workers  map[string]Worker
	inFlight map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler. Without a Gate every world is dispatchable.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("agenthost")
	}
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = defaultTickInterval
	}
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = defaultMaxConcurrency
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:       cfg.Store,
		bus:         cfg.Bus,
		logger:      logger.With("component", "scheduler"),
		metrics:     cfg.Metrics,
		tracer:      tracer,
		interval:    interval,
		concurrency: concurrency,
		now:         now,
		gate:        cfg.Gate,
		workers:     make(map[string]Worker),
		inFlight:    make(map[string]struct{}),
	}
}

// SetGate installs the dispatch gate. The lifecycle manager is usually
// built after the scheduler, so main wires it late.
func (s *Scheduler) SetGate(g Gate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = g
}

// RegisterWorker adds w, replacing any worker with the same name.
func (s *Scheduler) RegisterWorker(w Worker) {
	s.mu.Lock()
	s.workers[w.Name()] = w
	s.mu.Unlock()
	s.logger.Debug("worker registered", "worker", w.Name())
	s.bus.Publish(bus.TopicWorkerRegistered, bus.WorkerEvent{Name: w.Name()})
}

// UnregisterWorker removes the worker registered under name.
func (s *Scheduler) UnregisterWorker(name string) {
	s.mu.Lock()
	_, ok := s.workers[name]
	delete(s.workers, name)
	s.mu.Unlock()
	if ok {
		s.bus.Publish(bus.TopicWorkerUnregistered, bus.WorkerEvent{Name: name})
	}
}

// Worker returns the worker registered under name.
func (s *Scheduler) Worker(name string) (Worker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[name]
	return w, ok
}

// CreateTask assigns an id when missing, stamps the creation times and
// persists the task. A repeat task needs a positive update interval.
func (s *Scheduler) CreateTask(ctx context.Context, t persistence.TaskDefinition) (persistence.TaskDefinition, error) {
	if t.Name == "" {
		return t, apperr.New("scheduler.create_task", apperr.KindValidation, "task name is required")
	}
	if t.HasTag(persistence.TagRepeat) && t.Metadata.UpdateInterval <= 0 {
		return t, apperr.Newf("scheduler.create_task", apperr.KindValidation,
			"repeat task %q requires updateInterval > 0", t.Name)
	}
	if t.Metadata.UpdateInterval < 0 {
		return t, apperr.New("scheduler.create_task", apperr.KindValidation, "updateInterval must not be negative")
	}
	if t.ID == "" {
		t.ID = ulid.Make().String()
	}
	now := s.now().UnixMilli()
	t.Metadata.CreatedAt = now
	t.Metadata.UpdatedAt = now
	t.Metadata.LastRunAt = 0
	if err := s.store.CreateTaskDefinition(ctx, t); err != nil {
		return t, persistence.Classify("scheduler.create_task", err)
	}
	s.bus.Publish(bus.TopicTaskCreated, bus.TaskEvent{TaskID: t.ID, Name: t.Name, WorldID: t.WorldID})
	return t, nil
}

// GetTask returns one task, or NotFound.
func (s *Scheduler) GetTask(ctx context.Context, id string) (*persistence.TaskDefinition, error) {
	t, err := s.store.GetTaskDefinition(ctx, id)
	if err != nil {
		return nil, persistence.Classify("scheduler.get_task", err)
	}
	if t == nil {
		return nil, apperr.Newf("scheduler.get_task", apperr.KindNotFound, "task %q not found", id)
	}
	return t, nil
}

// GetTasks returns the tasks matching q.
func (s *Scheduler) GetTasks(ctx context.Context, q Query) ([]persistence.TaskDefinition, error) {
	tasks, err := s.store.ListTaskDefinitions(ctx, persistence.TaskFilter{Tags: q.Tags, WorldID: q.WorldID})
	if err != nil {
		return nil, persistence.Classify("scheduler.get_tasks", err)
	}
	return tasks, nil
}

// GetTasksByName returns every task with the given name across worlds.
func (s *Scheduler) GetTasksByName(ctx context.Context, name string) ([]persistence.TaskDefinition, error) {
	tasks, err := s.store.ListTaskDefinitions(ctx, persistence.TaskFilter{Name: name})
	if err != nil {
		return nil, persistence.Classify("scheduler.get_tasks_by_name", err)
	}
	return tasks, nil
}

// ListTasks filters by name, world and tags together.
func (s *Scheduler) ListTasks(ctx context.Context, f persistence.TaskFilter) ([]persistence.TaskDefinition, error) {
	tasks, err := s.store.ListTaskDefinitions(ctx, f)
	if err != nil {
		return nil, persistence.Classify("scheduler.list_tasks", err)
	}
	return tasks, nil
}

// DeleteTask removes one task. An unknown id is NotFound.
func (s *Scheduler) DeleteTask(ctx context.Context, id string) error {
	if err := s.store.DeleteTaskDefinition(ctx, id); err != nil {
		return persistence.Classify("scheduler.delete_task", err)
	}
	s.bus.Publish(bus.TopicTaskDeleted, bus.TaskEvent{TaskID: id})
	return nil
}

// DeleteTasks removes every task matching q and returns the count.
func (s *Scheduler) DeleteTasks(ctx context.Context, q Query) (int, error) {
	n, err := s.store.DeleteTaskDefinitions(ctx, persistence.TaskFilter{Tags: q.Tags, WorldID: q.WorldID})
	if err != nil {
		return n, persistence.Classify("scheduler.delete_tasks", err)
	}
	return n, nil
}

// DeleteTasksByName removes the tasks named name, scoped to worldID when
// it is set. Workers use it to deregister themselves.
func (s *Scheduler) DeleteTasksByName(ctx context.Context, name, worldID string) (int, error) {
	if name == "" {
		return 0, apperr.New("scheduler.delete_tasks_by_name", apperr.KindValidation, "task name is required")
	}
	n, err := s.store.DeleteTaskDefinitions(ctx, persistence.TaskFilter{Name: name, WorldID: worldID})
	if err != nil {
		return n, persistence.Classify("scheduler.delete_tasks_by_name", err)
	}
	return n, nil
}

// Start runs the tick loop in the background until ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("task scheduler started", "interval", s.interval.String(), "max_concurrency", s.concurrency)
}

// Stop cancels the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("task scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick loads queued tasks, dispatches the eligible ones and waits for them
// to finish. It returns the number of tasks dispatched.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	started := time.Now()
	tasks, err := s.store.ListTaskDefinitions(ctx, persistence.TaskFilter{Tags: []string{persistence.TagQueue}})
	if err != nil {
		return 0, persistence.Classify("scheduler.tick", err)
	}
	now := s.now().UnixMilli()

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	dispatched := 0
	for _, task := range tasks {
		w, ok := s.eligible(task, now)
		if !ok {
			continue
		}
		if !s.claim(task.ID) {
			continue
		}
		dispatched++
		g.Go(func() error {
			defer s.release(task.ID)
			s.run(ctx, w, task, now)
			return nil
		})
	}
	_ = g.Wait()
	s.metrics.ObserveTick(ctx, started, dispatched)
	return dispatched, nil
}

// eligible applies the worker, gate and timing rules. The in-flight check
// happens separately in claim.
func (s *Scheduler) eligible(task persistence.TaskDefinition, now int64) (Worker, bool) {
	s.mu.RLock()
	w, ok := s.workers[task.Name]
	gate := s.gate
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if gate != nil && !gate.Dispatchable(task.WorldID) {
		return nil, false
	}
	return w, Due(task, now)
}

// Due reports whether task is due at now (unix ms) by its timing tags alone.
func Due(task persistence.TaskDefinition, now int64) bool {
	md := task.Metadata
	if !task.HasTag(persistence.TagRepeat) {
		return md.LastRunAt == 0
	}
	// Immediate covers the first attempt only; a failed attempt moves
	// updatedAt off createdAt.
	if task.HasTag(persistence.TagImmediate) && md.LastRunAt == 0 && md.UpdatedAt == md.CreatedAt {
		return true
	}
	return now-md.UpdatedAt >= md.UpdateInterval
}

func (s *Scheduler) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

// run validates and executes one task. Worker failures are contained.
func (s *Scheduler) run(ctx context.Context, w Worker, task persistence.TaskDefinition, now int64) {
	ctx = shared.WithTaskID(ctx, task.ID)
	if task.WorldID != "" {
		ctx = shared.WithWorldID(ctx, task.WorldID)
	}
	ctx, span := otelPkg.StartSpan(ctx, s.tracer, "scheduler.run",
		otelPkg.AttrTaskID.String(task.ID),
		otelPkg.AttrWorkerName.String(w.Name()),
		otelPkg.AttrWorldID.String(task.WorldID),
	)
	logger := telemetry.WithContext(ctx, s.logger).With("worker", w.Name())

	ok, err := safeValidate(ctx, w, task)
	if err != nil {
		s.fail(ctx, span, logger, w, task, now, err, 0)
		return
	}
	if !ok {
		s.metrics.TaskExecuted(ctx, w.Name(), "skipped")
		otelPkg.EndSpan(span, nil)
		return
	}

	execStart := time.Now()
	if err := safeExecute(ctx, w, task); err != nil {
		s.fail(ctx, span, logger, w, task, now, err, time.Since(execStart))
		return
	}
	elapsed := time.Since(execStart)

	if !task.HasTag(persistence.TagRepeat) {
		if err := s.store.DeleteTaskDefinition(ctx, task.ID); err != nil && !errors.Is(err, persistence.ErrNotFound) {
			logger.Error("delete one-shot task failed", "error", err)
		}
	} else if err := s.store.MarkTaskRun(ctx, task.ID, now); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		logger.Error("mark task run failed", "error", err)
	}

	s.metrics.TaskExecuted(ctx, w.Name(), "ok")
	logger.Debug("task executed", "duration_ms", elapsed.Milliseconds())
	s.bus.Publish(bus.TopicTaskExecuted, bus.TaskEvent{
		TaskID: task.ID, Name: task.Name, WorldID: task.WorldID, Duration: elapsed.Milliseconds(),
	})
	otelPkg.EndSpan(span, nil)
}

// fail contains a worker error. A repeat task is stamped so it waits out
// its interval instead of retrying on every tick.
func (s *Scheduler) fail(ctx context.Context, span trace.Span, logger *slog.Logger, w Worker, task persistence.TaskDefinition, now int64, err error, elapsed time.Duration) {
	werr := apperr.Wrap("scheduler.execute", apperr.KindWorkerExecution, err)
	logger.Warn("task execution failed", "error", werr)
	if task.HasTag(persistence.TagRepeat) {
		if err := s.store.MarkTaskAttempt(ctx, task.ID, now); err != nil && !errors.Is(err, persistence.ErrNotFound) {
			logger.Error("mark task attempt failed", "error", err)
		}
	}
	s.metrics.WorkerError(ctx, w.Name())
	s.metrics.TaskExecuted(ctx, w.Name(), "error")
	s.bus.Publish(bus.TopicTaskFailed, bus.TaskEvent{
		TaskID: task.ID, Name: task.Name, WorldID: task.WorldID,
		Duration: elapsed.Milliseconds(), Error: werr.Error(),
	})
	otelPkg.EndSpan(span, werr)
}

func safeValidate(ctx context.Context, w Worker, task persistence.TaskDefinition) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("validate panicked: %v", r)
		}
	}()
	return w.Validate(ctx, task), nil
}

func safeExecute(ctx context.Context, w Worker, task persistence.TaskDefinition) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("execute panicked: %v", r)
		}
	}()
	return w.Execute(ctx, task)
}
