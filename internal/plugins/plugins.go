// Package plugins holds the built-in runtime plugins. Each plugin follows
// the same registration protocol at setup: clear the agent's tasks under
// the plugin's tag, register the worker, then create fresh tasks.
package plugins

import (
	"context"
	"fmt"

	"github.com/basket/agenthost/internal/persistence"
	"github.com/basket/agenthost/internal/scheduler"
)

// Cache is the per-agent key/value surface workers write to.
type Cache interface {
	SetCache(ctx context.Context, agentID, key, value string) error
	GetCache(ctx context.Context, agentID, key string) (string, bool, error)
}

// register replaces the tasks a plugin owns in worldID.
func register(ctx context.Context, sched *scheduler.Scheduler, tag, worldID string, w scheduler.Worker, tasks ...persistence.TaskDefinition) error {
	q := scheduler.Query{Tags: []string{tag}, WorldID: worldID}
	existing, err := sched.GetTasks(ctx, q)
	if err != nil {
		return fmt.Errorf("query %s tasks: %w", tag, err)
	}
	if len(existing) > 0 {
		if _, err := sched.DeleteTasks(ctx, q); err != nil {
			return fmt.Errorf("clear %s tasks: %w", tag, err)
		}
	}
	sched.RegisterWorker(w)
	for _, t := range tasks {
		t.WorldID = worldID
		if _, err := sched.CreateTask(ctx, t); err != nil {
			return fmt.Errorf("create %s task: %w", t.Name, err)
		}
	}
	return nil
}
