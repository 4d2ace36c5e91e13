package checkpoint

import (
	"testing"

	"github.com/lamim/cs4/pkg/models"
)

func TestValidateCheckpoint(t *testing.T) {
	cfg := testConfig(true, 10)

	tests := []struct {
		name    string
		cp      *models.Checkpoint
		wantErr bool
	}{
		{
			name:    "matching config",
			cp:      &models.Checkpoint{Stage: "generate", Phase: models.PhaseRunning, ConfigHash: ComputeConfigHash(cfg, "generate")},
			wantErr: false,
		},
		{
			name:    "hash from another stage",
			cp:      &models.Checkpoint{Stage: "generate", Phase: models.PhaseRunning, ConfigHash: ComputeConfigHash(cfg, "quality")},
			wantErr: true,
		},
		{
			name:    "already complete",
			cp:      &models.Checkpoint{Stage: "generate", Phase: models.PhaseComplete, ConfigHash: ComputeConfigHash(cfg, "generate")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCheckpoint(tt.cp, cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCheckpoint() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestComputeConfigHash_ModelChange(t *testing.T) {
	a := testConfig(true, 1)
	b := testConfig(true, 1)
	if ComputeConfigHash(a, "generate") != ComputeConfigHash(b, "generate") {
		t.Error("identical configs must hash equally")
	}
	b.Models["gemma"] = a.Models["olmo_sft"]
	if ComputeConfigHash(a, "generate") == ComputeConfigHash(b, "generate") {
		t.Error("adding a model must change the hash")
	}
}

func TestPending(t *testing.T) {
	cp := &models.Checkpoint{CompletedIDs: map[string]bool{"b": true, "d": true}}
	got := Pending(cp, []string{"a", "b", "c", "d"})
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("Pending() = %v", got)
	}
}

func TestGetProgressPercentage(t *testing.T) {
	cp := &models.Checkpoint{
		CompletedIDs: map[string]bool{"a": true},
		Stats:        models.StageStats{TotalRows: 4},
	}
	if got := GetProgressPercentage(cp); got != 25.0 {
		t.Errorf("GetProgressPercentage() = %v", got)
	}
	if got := GetProgressPercentage(&models.Checkpoint{}); got != 0 {
		t.Errorf("empty checkpoint progress = %v", got)
	}
}
