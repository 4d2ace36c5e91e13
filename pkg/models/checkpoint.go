package models

import "time"

// CheckpointPhase represents the current phase of a stage run
type CheckpointPhase string

const (
	PhasePending  CheckpointPhase = "pending"
	PhaseRunning  CheckpointPhase = "running"
	PhaseComplete CheckpointPhase = "complete"
)

// Checkpoint represents the saved state of a stage run inside a session
type Checkpoint struct {
	// Session identification
	SessionID   string    `json:"session_id"`
	CreatedAt   time.Time `json:"created_at"`
	LastSavedAt time.Time `json:"last_saved_at"`

	// Stage being checkpointed and its files
	Stage       string          `json:"stage"`
	InputPath   string          `json:"input_path"`
	PartialPath string          `json:"partial_path"`
	Phase       CheckpointPhase `json:"phase"`

	// Rows finished so far, keyed by Request_ID
	CompletedIDs map[string]bool `json:"completed_ids"`

	Stats StageStats `json:"stats"`

	// Configuration snapshot (for validation)
	ConfigHash string `json:"config_hash"`
}
