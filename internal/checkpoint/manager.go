package checkpoint

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lamim/cs4/internal/config"
	"github.com/lamim/cs4/pkg/models"
)

const (
	filePrefix = "checkpoint_"
	fileSuffix = ".json"
)

// Filename returns the checkpoint file name for a stage
func Filename(stage string) string {
	return filePrefix + stage + fileSuffix
}

// Manager tracks completed rows of one stage with async write support
type Manager struct {
	sessionDir string
	checkpoint *models.Checkpoint
	mu         sync.RWMutex
	logger     *slog.Logger
	interval   int // Save every N rows
	rowCounter int // Rows since last save
	enabled    bool

	writeChan   chan *models.Checkpoint
	writeWg     sync.WaitGroup
	stopWriter  chan struct{}
	writerError error
	errorMu     sync.Mutex
	writeMu     sync.Mutex // Protects concurrent disk writes
}

// NewManager creates a checkpoint for a fresh stage run
func NewManager(sessionDir, stage, inputPath, partialPath string, cfg *config.Config, logger *slog.Logger) *Manager {
	cp := &models.Checkpoint{
		SessionID:    uuid.New().String(),
		CreatedAt:    time.Now(),
		Stage:        stage,
		InputPath:    inputPath,
		PartialPath:  partialPath,
		Phase:        models.PhasePending,
		CompletedIDs: make(map[string]bool),
		ConfigHash:   ComputeConfigHash(cfg, stage),
	}
	return newManager(sessionDir, cp, cfg, logger)
}

// NewManagerFromCheckpoint continues a stage run from a loaded checkpoint
func NewManagerFromCheckpoint(sessionDir string, cp *models.Checkpoint, cfg *config.Config, logger *slog.Logger) *Manager {
	if cp.CompletedIDs == nil {
		cp.CompletedIDs = make(map[string]bool)
	}
	return newManager(sessionDir, cp, cfg, logger)
}

func newManager(sessionDir string, cp *models.Checkpoint, cfg *config.Config, logger *slog.Logger) *Manager {
	interval := cfg.Generation.CheckpointInterval
	if interval < 1 {
		interval = 20
	}
	m := &Manager{
		sessionDir: sessionDir,
		checkpoint: cp,
		logger:     logger.With("component", "checkpoint", "stage", cp.Stage),
		interval:   interval,
		enabled:    cfg.Generation.EnableCheckpointing,
		writeChan:  make(chan *models.Checkpoint, 10),
		stopWriter: make(chan struct{}),
	}

	if m.enabled {
		m.startAsyncWriter()
	}
	return m
}

// Enabled reports whether checkpoints are written
func (m *Manager) Enabled() bool { return m.enabled }

func (m *Manager) startAsyncWriter() {
	m.writeWg.Add(1)
	go func() {
		defer m.writeWg.Done()
		for {
			select {
			case cp := <-m.writeChan:
				if err := m.writeCheckpointToDisk(cp); err != nil {
					m.errorMu.Lock()
					m.writerError = err
					m.errorMu.Unlock()
					m.logger.Error("Failed to write checkpoint", "error", err)
				}
			case <-m.stopWriter:
				// Drain remaining writes before stopping
				for len(m.writeChan) > 0 {
					cp := <-m.writeChan
					if err := m.writeCheckpointToDisk(cp); err != nil {
						m.logger.Error("Failed to write checkpoint during shutdown", "error", err)
					}
				}
				return
			}
		}
	}()
}

func (m *Manager) writeCheckpointToDisk(cp *models.Checkpoint) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	checkpointPath := filepath.Join(m.sessionDir, Filename(cp.Stage))
	tempPath := checkpointPath + ".tmp"

	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}
	if err := os.Rename(tempPath, checkpointPath); err != nil {
		return fmt.Errorf("failed to rename checkpoint: %w", err)
	}

	m.logger.Debug("Checkpoint saved", "path", checkpointPath, "completed", len(cp.CompletedIDs))
	return nil
}

// Save queues the checkpoint for an async write
func (m *Manager) Save() error {
	if !m.enabled {
		return nil
	}

	m.mu.Lock()
	m.checkpoint.LastSavedAt = time.Now()
	cpCopy := m.copyCheckpoint()
	m.mu.Unlock()

	select {
	case m.writeChan <- cpCopy:
		return nil
	default:
		m.logger.Warn("Checkpoint write buffer full, writing synchronously")
		return m.writeCheckpointToDisk(cpCopy)
	}
}

// SaveSync writes the checkpoint before returning
func (m *Manager) SaveSync() error {
	if !m.enabled {
		return nil
	}

	m.mu.Lock()
	m.checkpoint.LastSavedAt = time.Now()
	cpCopy := m.copyCheckpoint()
	m.mu.Unlock()

	return m.writeCheckpointToDisk(cpCopy)
}

func (m *Manager) copyCheckpoint() *models.Checkpoint {
	cp := *m.checkpoint
	cp.CompletedIDs = make(map[string]bool, len(m.checkpoint.CompletedIDs))
	for k, v := range m.checkpoint.CompletedIDs {
		cp.CompletedIDs[k] = v
	}
	return &cp
}

// Load reads a stage checkpoint from a session directory
func Load(sessionDir, stage string, logger *slog.Logger) (*models.Checkpoint, error) {
	checkpointPath := filepath.Join(sessionDir, Filename(stage))

	data, err := os.ReadFile(checkpointPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}

	logger.Info("Checkpoint loaded",
		"session_id", cp.SessionID,
		"stage", cp.Stage,
		"phase", cp.Phase,
		"completed_rows", len(cp.CompletedIDs))

	return &cp, nil
}

// List returns the stages with a checkpoint in sessionDir, sorted
func List(sessionDir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(sessionDir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return nil, err
	}
	stages := make([]string, 0, len(matches))
	for _, path := range matches {
		name := filepath.Base(path)
		stages = append(stages, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
	}
	sort.Strings(stages)
	return stages, nil
}

// MarkStarted records the row total and moves the stage to running
func (m *Manager) MarkStarted(totalRows int) error {
	m.mu.Lock()
	m.checkpoint.Phase = models.PhaseRunning
	m.checkpoint.Stats.TotalRows = totalRows
	if m.checkpoint.Stats.StartTime.IsZero() {
		m.checkpoint.Stats.StartTime = time.Now()
	}
	m.mu.Unlock()

	return m.SaveSync()
}

// MarkRowsComplete records finished rows, saving every interval rows
func (m *Manager) MarkRowsComplete(ids []string, stats models.StageStats) error {
	if !m.enabled {
		return nil
	}

	m.mu.Lock()
	for _, id := range ids {
		m.checkpoint.CompletedIDs[id] = true
	}
	stats.TotalRows = max(stats.TotalRows, m.checkpoint.Stats.TotalRows)
	if stats.StartTime.IsZero() {
		stats.StartTime = m.checkpoint.Stats.StartTime
	}
	m.checkpoint.Stats = stats
	m.rowCounter += len(ids)
	shouldSave := m.rowCounter >= m.interval
	if shouldSave {
		m.rowCounter = 0
	}
	m.mu.Unlock()

	if shouldSave {
		return m.Save()
	}
	return nil
}

// IsCompleted reports whether a row finished in an earlier run
func (m *Manager) IsCompleted(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkpoint.CompletedIDs[id]
}

// MarkComplete marks the whole stage done
func (m *Manager) MarkComplete(stats models.StageStats) error {
	m.mu.Lock()
	m.checkpoint.Phase = models.PhaseComplete
	stats.EndTime = time.Now()
	if stats.StartTime.IsZero() {
		stats.StartTime = m.checkpoint.Stats.StartTime
	}
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	m.checkpoint.Stats = stats
	m.mu.Unlock()

	return m.SaveSync()
}

// GetCheckpoint returns a copy of the current checkpoint
func (m *Manager) GetCheckpoint() *models.Checkpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyCheckpoint()
}

// Close stops the async writer and waits for pending writes
func (m *Manager) Close() error {
	if !m.enabled {
		return nil
	}

	close(m.stopWriter)
	m.writeWg.Wait()

	m.errorMu.Lock()
	defer m.errorMu.Unlock()
	return m.writerError
}

// ComputeConfigHash hashes the settings that change a stage's output
func ComputeConfigHash(cfg *config.Config, stage string) string {
	endpoints := make([]string, 0, len(cfg.Models))
	for key, mc := range cfg.Models {
		endpoints = append(endpoints, fmt.Sprintf("%s=%s@%s", key, mc.ModelName, mc.BaseURL))
	}
	sort.Strings(endpoints)

	data := fmt.Sprintf("%s:%s:%v:%d:%d:%s",
		stage,
		cfg.Generation.Direction,
		cfg.Generation.ConstraintCounts,
		cfg.Evaluation.MaxTrials,
		cfg.Evaluation.ReferenceConstraints,
		strings.Join(endpoints, ","))
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:8])
}
