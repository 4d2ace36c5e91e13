package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lamim/cs4/internal/api"
	"github.com/lamim/cs4/internal/backend"
	"github.com/lamim/cs4/internal/batch"
	"github.com/lamim/cs4/internal/checkpoint"
	"github.com/lamim/cs4/internal/config"
	"github.com/lamim/cs4/internal/metering"
	"github.com/lamim/cs4/internal/metrics"
	"github.com/lamim/cs4/internal/report"
	"github.com/lamim/cs4/internal/table"
	"github.com/lamim/cs4/internal/writer"
	"github.com/lamim/cs4/pkg/models"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// app carries the state shared by every subcommand of one invocation. A
// pipeline run executes several stages against the same session.
type app struct {
	configPath string
	envFile    string
	verbose    bool
	resume     string

	cfg       *config.Config
	secrets   *config.Secrets
	session   *writer.SessionManager
	logger    *slog.Logger
	logFile   *os.File
	collector *metrics.Collector
	client    *api.Client
	ledger    *metering.Ledger
	usageLog  *metering.FileMeter
	report    *report.Report
}

func main() {
	a := &app{}
	rootCmd := newRootCmd(a)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	a.close()

	if err != nil {
		if errors.Is(err, context.Canceled) && a.session != nil {
			fmt.Fprintf(os.Stderr, "Interrupted. Resume with: cs4 --resume %s <command>\n", filepath.Base(a.session.GetSessionDir()))
		}
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cs4",
		Short: "cs4 - constrained story generation and evaluation",
		Long: `cs4 generates short stories under growing numbers of writing constraints
with several language models and evaluates them: constraint satisfaction,
pairwise quality, lexical diversity, perplexity and quality under constraints.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "config.toml", "Path to configuration file")
	pf.StringVar(&a.envFile, "env-file", ".env", "Path to environment file")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose logging")
	pf.StringVar(&a.resume, "resume", "", "Session directory (under output_dir) to resume")

	for _, newCmd := range stageCommands {
		rootCmd.AddCommand(newCmd(a))
	}
	rootCmd.AddCommand(
		newRunCmd(a),
		newUsageCmd(a),
		newCacheCmd(a),
		newCheckpointCmd(a),
	)
	return rootCmd
}

// loadConfig reads the env file and configuration without opening a session
func (a *app) loadConfig() error {
	if a.cfg != nil {
		return nil
	}

	if a.envFile != "" {
		if err := config.LoadEnvFile(a.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
		}
	}

	cfg, secrets, err := config.LoadOrDefault(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if a.resume != "" {
		cfg.Generation.ResumeFromSession = a.resume
	}
	a.cfg, a.secrets = cfg, secrets
	return nil
}

func (a *app) logLevel() slog.Level {
	if a.verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// consoleLogger is used by commands that do not open a session
func (a *app) consoleLogger() *slog.Logger {
	if a.logger != nil {
		return a.logger
	}
	return writer.NewLogger(os.Stderr, nil, a.logLevel())
}

// setup loads configuration and opens the session once per invocation
func (a *app) setup() error {
	if a.session != nil {
		return nil
	}
	if err := a.loadConfig(); err != nil {
		return err
	}
	cfg := a.cfg

	session, err := writer.NewSessionManager(slog.Default(), cfg.Generation.OutputDir, cfg.Generation.ResumeFromSession)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	logger, logFile, err := writer.SetupLogger(session, a.logLevel())
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	session.SetLogger(logger)

	a.session, a.logger, a.logFile = session, logger, logFile
	a.collector = metrics.NewCollector(logger)
	a.report = report.New("cs4 " + filepath.Base(session.GetSessionDir()))

	logger.Info("cs4 starting",
		"version", Version,
		"config", a.configPath,
		"session_dir", session.GetSessionDir(),
		"resume", cfg.Generation.ResumeFromSession != "")

	if _, err := os.Stat(a.configPath); err == nil && cfg.Generation.ResumeFromSession == "" {
		if err := session.BackupConfig(a.configPath); err != nil {
			return fmt.Errorf("failed to backup config: %w", err)
		}
	}
	return nil
}

// start sets the app up and checks every input file exists
func (a *app) start(inputs ...string) error {
	if err := a.setup(); err != nil {
		return err
	}
	return requireFiles(inputs...)
}

func requireFiles(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("input %s: %w", p, err)
		}
		if info.IsDir() {
			return fmt.Errorf("input %s is a directory", p)
		}
	}
	return nil
}

// apiClient builds the shared client and its usage meters on first use
func (a *app) apiClient() (*api.Client, error) {
	if a.client != nil {
		return a.client, nil
	}

	meters := metering.Multi{metering.NewPromMeter(a.collector)}
	if path := a.cfg.Usage.LogPath; path != "" {
		fm, err := metering.NewFileMeter(path)
		if err != nil {
			return nil, err
		}
		a.usageLog = fm
		meters = append(meters, fm)
	}
	if path := a.cfg.Usage.LedgerPath; path != "" {
		ledger, err := metering.OpenLedger(path, a.logger)
		if err != nil {
			return nil, err
		}
		a.ledger = ledger
		meters = append(meters, ledger)
	}

	client := api.NewClient(a.logger)
	client.SetMeter(meters)
	client.SetCollector(a.collector)
	a.client = client
	return client, nil
}

// backendFor builds the backend of models.<key>
func (a *app) backendFor(key, system string) (backend.Backend, config.ModelConfig, error) {
	mc, err := a.cfg.Model(key)
	if err != nil {
		return nil, mc, err
	}
	client, err := a.apiClient()
	if err != nil {
		return nil, mc, err
	}
	b, err := backend.New(client, mc, a.secrets.GetAPIKey(mc.BaseURL), system, a.logger)
	if err != nil {
		return nil, mc, err
	}
	return b, mc, nil
}

func (a *app) runner(b backend.Backend) *batch.Runner {
	r := batch.NewRunner(b, a.cfg.Generation.BatchSize, a.logger)
	r.SetCollector(a.collector)
	r.SetProgress(true)
	return r
}

// checkpointFor resumes the stage checkpoint of the session when one exists
func (a *app) checkpointFor(stage, input, partialPath string) (*checkpoint.Manager, error) {
	dir := a.session.GetSessionDir()
	if a.cfg.Generation.ResumeFromSession != "" {
		cp, err := checkpoint.Load(dir, stage, a.logger)
		switch {
		case err == nil:
			if cp.Phase == models.PhaseComplete {
				if cp.ConfigHash != checkpoint.ComputeConfigHash(a.cfg, stage) {
					return nil, fmt.Errorf("checkpoint config mismatch for completed stage %s", stage)
				}
				a.logger.Info("Stage already complete in this session, reusing its rows", "stage", stage)
			} else if err := checkpoint.ValidateCheckpoint(cp, a.cfg); err != nil {
				return nil, fmt.Errorf("checkpoint validation failed: %w", err)
			}
			a.logger.Info("Resuming stage",
				"stage", stage,
				"completed_rows", checkpoint.GetCompletedCount(cp),
				"progress", fmt.Sprintf("%.1f%%", checkpoint.GetProgressPercentage(cp)))
			return checkpoint.NewManagerFromCheckpoint(dir, cp, a.cfg, a.logger), nil
		case !errors.Is(err, fs.ErrNotExist):
			return nil, err
		}
	}
	return checkpoint.NewManager(dir, stage, input, partialPath, a.cfg, a.logger), nil
}

// writeTable saves t and logs where it went
func (a *app) writeTable(path string, t *table.Table) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := table.Write(path, t); err != nil {
		return err
	}
	a.logger.Info("Wrote table", "path", path, "rows", t.Len())
	return nil
}

// close flushes the session report, metrics and usage sinks
func (a *app) close() {
	if a.logger == nil {
		return
	}

	if a.ledger != nil {
		totals, err := a.ledger.Totals(context.Background())
		if err != nil {
			a.logger.Warn("Failed to read usage ledger", "error", err)
		} else if len(totals) > 0 {
			a.report.AddUsage(metering.Cost(totals, a.cfg.Pricing))
		}
	}
	if !a.report.Empty() {
		if path, err := a.report.Write(a.session.GetSessionDir()); err != nil {
			a.logger.Error("Failed to write session report", "error", err)
		} else {
			a.logger.Info("Session report written", "path", path)
		}
	}

	if path := a.cfg.Usage.MetricsPath; path != "" {
		if err := a.collector.WriteTextfile(path); err != nil {
			a.logger.Error("Failed to write metrics", "error", err)
		}
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.logger.Error("Failed to close usage ledger", "error", err)
		}
	}
	if a.usageLog != nil {
		if err := a.usageLog.Close(); err != nil {
			a.logger.Error("Failed to close usage log", "error", err)
		}
	}
	if a.logFile != nil {
		_ = a.logFile.Sync()
		_ = a.logFile.Close()
	}
}
