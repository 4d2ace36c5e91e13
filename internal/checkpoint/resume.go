package checkpoint

import (
	"fmt"

	"github.com/lamim/cs4/internal/config"
	"github.com/lamim/cs4/pkg/models"
)

// ValidateCheckpoint verifies a checkpoint can be resumed with the current config
func ValidateCheckpoint(cp *models.Checkpoint, cfg *config.Config) error {
	expectedHash := ComputeConfigHash(cfg, cp.Stage)
	if cp.ConfigHash != expectedHash {
		return fmt.Errorf("checkpoint config mismatch: stage %s was run with different models or counts (hash: %s vs %s)",
			cp.Stage, cp.ConfigHash, expectedHash)
	}

	if cp.Phase == models.PhaseComplete {
		return fmt.Errorf("stage %s is already complete, nothing to resume", cp.Stage)
	}

	return nil
}

// Pending returns the ids not yet completed, in input order
func Pending(cp *models.Checkpoint, ids []string) []string {
	var pending []string
	for _, id := range ids {
		if !cp.CompletedIDs[id] {
			pending = append(pending, id)
		}
	}
	return pending
}

// GetCompletedCount returns the number of completed rows
func GetCompletedCount(cp *models.Checkpoint) int {
	return len(cp.CompletedIDs)
}

// GetProgressPercentage returns completion percentage
func GetProgressPercentage(cp *models.Checkpoint) float64 {
	total := cp.Stats.TotalRows
	if total == 0 {
		return 0.0
	}
	return float64(GetCompletedCount(cp)) / float64(total) * 100.0
}
