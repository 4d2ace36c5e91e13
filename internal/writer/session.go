package writer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// SessionManager manages session directories and files
type SessionManager struct {
	outputDir  string
	sessionDir string
	logger     *slog.Logger
}

// NewSessionManager creates a timestamped session under outputDir, or
// reopens resumeFromSession when it is set
func NewSessionManager(logger *slog.Logger, outputDir, resumeFromSession string) (*SessionManager, error) {
	if outputDir == "" {
		outputDir = "output"
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var sessionDir string
	if resumeFromSession != "" {
		if err := ValidateSessionPath(outputDir, resumeFromSession); err != nil {
			return nil, err
		}
		sessionDir = filepath.Join(outputDir, resumeFromSession)
		if _, err := os.Stat(sessionDir); os.IsNotExist(err) {
			return nil, fmt.Errorf("session directory not found: %s", sessionDir)
		}
		logger.Info("Resuming from existing session", "path", sessionDir)
	} else {
		timestamp := time.Now().Format("2006-01-02T15-04-05")
		sessionDir = filepath.Join(outputDir, "session_"+timestamp)

		if err := os.MkdirAll(sessionDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}

		logger.Info("Created new session directory", "path", sessionDir)
	}

	return &SessionManager{
		outputDir:  outputDir,
		sessionDir: sessionDir,
		logger:     logger,
	}, nil
}

// SetLogger replaces the bootstrap logger once the session logger exists
func (sm *SessionManager) SetLogger(logger *slog.Logger) { sm.logger = logger }

// GetSessionDir returns the session directory path
func (sm *SessionManager) GetSessionDir() string {
	return sm.sessionDir
}

// GetLogPath returns the full path to the session log file
func (sm *SessionManager) GetLogPath() string {
	return filepath.Join(sm.sessionDir, "session.log")
}

// GetConfigBackupPath returns the full path to the config backup
func (sm *SessionManager) GetConfigBackupPath() string {
	return filepath.Join(sm.sessionDir, "config.toml.bak")
}

// GetPartialPath returns where a stage saves rows while it runs
func (sm *SessionManager) GetPartialPath(stage string) string {
	return filepath.Join(sm.sessionDir, "partial", stage+".csv")
}

// GetReportPath returns the HTML summary path
func (sm *SessionManager) GetReportPath() string {
	return filepath.Join(sm.sessionDir, "report.html")
}

// BackupConfig copies the config file to the session directory
func (sm *SessionManager) BackupConfig(configPath string) error {
	source, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	backupPath := sm.GetConfigBackupPath()
	if err := os.WriteFile(backupPath, source, 0o644); err != nil {
		return fmt.Errorf("failed to write config backup: %w", err)
	}

	sm.logger.Info("Backed up config file", "path", backupPath)
	return nil
}
