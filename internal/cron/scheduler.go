// Package cron fires configured cron schedules by seeding one-shot tasks
// into the task queue.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agenthost/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Entry is one configured schedule. Task names the worker that will
// execute the seeded task.
type Entry struct {
	Name        string
	Cron        string
	Task        string
	WorldID     string
	Description string
	Payload     map[string]any
}

// TaskCreator is the slice of the task scheduler cron needs.
type TaskCreator interface {
	CreateTask(ctx context.Context, t persistence.TaskDefinition) (persistence.TaskDefinition, error)
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Tasks    TaskCreator
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Now      func() time.Time
}

type entryState struct {
	Entry
	schedule cronlib.Schedule
	next     time.Time
}

// Scheduler keeps next-run times in memory and creates a queue task for
// every entry that comes due.
type Scheduler struct {
	tasks    TaskCreator
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries []*entryState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		tasks:    cfg.Tasks,
		logger:   logger.With("component", "cron"),
		interval: interval,
		now:      now,
	}
}

// SetEntries replaces the schedule set. Entries whose name and expression
// did not change keep their pending next-run time. All expressions are
// parsed before anything is replaced.
func (s *Scheduler) SetEntries(entries []Entry) error {
	now := s.now()
	parsed := make([]*entryState, 0, len(entries))
	var errs []error
	for _, e := range entries {
		sched, err := cronParser.Parse(e.Cron)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", e.Name, err))
			continue
		}
		parsed = append(parsed, &entryState{Entry: e, schedule: sched, next: sched.Next(now)})
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := make(map[string]*entryState, len(s.entries))
	for _, st := range s.entries {
		prev[st.Name] = st
	}
	for _, st := range parsed {
		if old, ok := prev[st.Name]; ok && old.Cron == st.Cron {
			st.next = old.next
		}
	}
	s.entries = parsed
	return nil
}

// NextRuns returns the pending next-run time per entry name.
func (s *Scheduler) NextRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for _, st := range s.entries {
		out[st.Name] = st.next
	}
	return out
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval.String())
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
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
			s.Tick(ctx)
		}
	}
}

// Tick fires every due entry and returns how many tasks were created.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()
	s.mu.Lock()
	var due []*entryState
	for _, st := range s.entries {
		if !now.Before(st.next) {
			due = append(due, st)
		}
	}
	s.mu.Unlock()

	fired := 0
	for _, st := range due {
		if s.fire(ctx, st, now) {
			fired++
		}
	}
	return fired
}

// fire creates the task and advances the entry. A failed create keeps the
// entry due so the next tick retries it.
func (s *Scheduler) fire(ctx context.Context, st *entryState, now time.Time) bool {
	task, err := s.tasks.CreateTask(ctx, persistence.TaskDefinition{
		Name:        st.Task,
		Description: st.Description,
		WorldID:     st.WorldID,
		Tags:        []string{persistence.TagQueue},
		Metadata:    persistence.TaskMetadata{Payload: st.Payload},
	})
	if err != nil {
		s.logger.Error("cron: failed to create task for schedule",
			"schedule_name", st.Name,
			"error", err,
		)
		return false
	}

	next := st.schedule.Next(now)
	s.mu.Lock()
	st.next = next
	// A reload during CreateTask copied the stale next-run into a new
	// state; advance that one too.
	for _, cur := range s.entries {
		if cur != st && cur.Name == st.Name && cur.Cron == st.Cron && cur.next.Before(next) {
			cur.next = next
		}
	}
	s.mu.Unlock()

	s.logger.Info("cron: schedule fired",
		"schedule_name", st.Name,
		"task_id", task.ID,
		"next_run_at", next,
	)
	return true
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
