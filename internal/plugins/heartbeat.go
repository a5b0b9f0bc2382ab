package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/agenthost/internal/agent"
	"github.com/basket/agenthost/internal/bus"
	"github.com/basket/agenthost/internal/persistence"
	"github.com/basket/agenthost/internal/scheduler"
)

const (
	HeartbeatWorker   = "HEARTBEAT"
	HeartbeatTag      = "heartbeat"
	HeartbeatCacheKey = "heartbeat"

	defaultHeartbeatIntervalMs = 60000
)

// Heartbeat stamps agent_cache[heartbeat] on a repeat task per agent.
type Heartbeat struct {
	sched  *scheduler.Scheduler
	cache  Cache
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time
}

func NewHeartbeat(sched *scheduler.Scheduler, cache Cache, b *bus.Bus, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		sched:  sched,
		cache:  cache,
		bus:    b,
		logger: logger.With("component", "plugin.heartbeat"),
		now:    time.Now,
	}
}

func (h *Heartbeat) Name() string { return "heartbeat" }

// Setup schedules the agent's heartbeat at settings.heartbeatIntervalMs.
func (h *Heartbeat) Setup(ctx context.Context, rt *agent.Runtime) error {
	interval := rt.SettingInt("heartbeatIntervalMs", defaultHeartbeatIntervalMs)
	if interval <= 0 {
		interval = defaultHeartbeatIntervalMs
	}
	return register(ctx, h.sched, HeartbeatTag, rt.ID, &heartbeatWorker{h},
		persistence.TaskDefinition{
			Name:        HeartbeatWorker,
			Description: "record agent liveness",
			Tags:        []string{persistence.TagQueue, persistence.TagRepeat, persistence.TagImmediate, HeartbeatTag},
			Metadata:    persistence.TaskMetadata{UpdateInterval: interval},
		})
}

type heartbeatWorker struct {
	h *Heartbeat
}

func (w *heartbeatWorker) Name() string { return HeartbeatWorker }

func (w *heartbeatWorker) Validate(_ context.Context, task persistence.TaskDefinition) bool {
	return task.WorldID != ""
}

func (w *heartbeatWorker) Execute(ctx context.Context, task persistence.TaskDefinition) error {
	stamp := w.h.now().UTC().Format(time.RFC3339Nano)
	if err := w.h.cache.SetCache(ctx, task.WorldID, HeartbeatCacheKey, stamp); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	w.h.bus.Publish(bus.TopicAgentHeartbeat, bus.AgentEvent{AgentID: task.WorldID, Detail: stamp})
	return nil
}
