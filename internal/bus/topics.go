package bus

// Reconciliation topics.
const (
	TopicTaskSynced   = "sync.task.synced"
	TopicTaskFailed   = "sync.task.failed"
	TopicRunCompleted = "sync.run.completed"
)

// Chain listener topics.
const (
	TopicChainTaskCreated  = "chain.event.task_created"
	TopicChainTaskAccepted = "chain.event.task_accepted"
)

// Mirror maintenance topics.
const (
	TopicMirrorTaskDeleted = "mirror.task.deleted"
	TopicMirrorMetadata    = "mirror.task.metadata"
	TopicMirrorProfile     = "mirror.profile.upserted"
	TopicConfigReloaded    = "config.reloaded"
)

// TaskSyncedEvent is published after the coordinator changed mirror rows for a task.
type TaskSyncedEvent struct {
	ChainID string `json:"chain_id"`
	TaskID  string `json:"task_id"`
	Action  string `json:"action"` // created, contact_key_created, helper_key_updated
	Source  string `json:"source"` // event, chain-sync, manual
}

// TaskFailedEvent is published when a single task could not be reconciled.
type TaskFailedEvent struct {
	ChainID string `json:"chain_id"`
	TaskID  string `json:"task_id"`
	Source  string `json:"source"`
	Error   string `json:"error"`
}

// RunCompletedEvent summarizes a batch reconciliation.
type RunCompletedEvent struct {
	RunID   string `json:"run_id"`
	ChainID string `json:"chain_id"`
	Source  string `json:"source"`
	Synced  int    `json:"synced"`
	Failed  int    `json:"failed"`
	Skipped int    `json:"skipped"`
}

// ChainTaskEvent mirrors a decoded TaskCreated or TaskAccepted log.
type ChainTaskEvent struct {
	ChainID     string `json:"chain_id"`
	TaskID      string `json:"task_id"`
	Party       string `json:"party"` // creator for TaskCreated, helper for TaskAccepted
	TaskURI     string `json:"task_uri,omitempty"`
	BlockNumber uint64 `json:"block_number"`
	TxHash      string `json:"tx_hash"`
}

// TaskDeletedEvent is published when an orphan row is removed from the mirror.
type TaskDeletedEvent struct {
	ChainID string `json:"chain_id"`
	TaskID  string `json:"task_id"`
	Reason  string `json:"reason"`
}

// MetadataUpdatedEvent is published when task metadata was refreshed from its taskURI.
type MetadataUpdatedEvent struct {
	ChainID     string `json:"chain_id"`
	TaskID      string `json:"task_id"`
	Placeholder bool   `json:"placeholder"`
}

// ProfileUpsertedEvent is published when a wallet profile was saved through the API.
type ProfileUpsertedEvent struct {
	Address string `json:"address"`
	HasKey  bool   `json:"has_key"`
}

// ConfigReloadedEvent is published after the daemon re-read config.yaml.
type ConfigReloadedEvent struct {
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Error       string `json:"error,omitempty"`
}
