package bus

// Agent lifecycle topics.
const (
	TopicAgentCreated        = "agent.created"
	TopicAgentStarted        = "agent.started"
	TopicAgentStopped        = "agent.stopped"
	TopicAgentUpdated        = "agent.updated"
	TopicAgentRestarted      = "agent.restarted"
	TopicAgentDeleted        = "agent.deleted"
	TopicAgentDeleteAccepted = "agent.delete_accepted"
	TopicAgentHeartbeat      = "agent.heartbeat"
)

// Task queue topics.
const (
	TopicTaskCreated  = "task.created"
	TopicTaskExecuted = "task.executed"
	TopicTaskFailed   = "task.failed"
	TopicTaskDeleted  = "task.deleted"
)

// Worker registration topics.
const (
	TopicWorkerRegistered   = "worker.registered"
	TopicWorkerUnregistered = "worker.unregistered"
)

// TopicConfigReloaded is published after the config file changed on disk.
const TopicConfigReloaded = "config.reloaded"

// AgentEvent is the payload for agent.* topics.
type AgentEvent struct {
	AgentID string `json:"agentId"`
	Name    string `json:"name,omitempty"`
	Status  string `json:"status,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// TaskEvent is the payload for task.* topics.
type TaskEvent struct {
	TaskID   string `json:"taskId"`
	Name     string `json:"name"`
	WorldID  string `json:"worldId,omitempty"`
	Duration int64  `json:"durationMs,omitempty"`
	Error    string `json:"error,omitempty"`
}

// WorkerEvent is the payload for worker.* topics.
type WorkerEvent struct {
	Name string `json:"name"`
}
