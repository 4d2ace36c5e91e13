package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lamim/cs4/internal/cache"
	"github.com/lamim/cs4/internal/checkpoint"
	"github.com/lamim/cs4/internal/metering"
	"github.com/lamim/cs4/internal/pipeline"
	"github.com/lamim/cs4/internal/writer"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// sessionPlaceholder in manifest arguments expands to the session directory
const sessionPlaceholder = "{session}"

func newRunCmd(a *app) *cobra.Command {
	var manifestPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline manifest of stages in order",
		Long: `Run the stages of a YAML manifest in order, stopping at the first failure.

  name: d3-gemma
  stages:
    - stage: select
      args: {input: base_stories.csv, output: "{session}/selected.csv", direction: d3}
    - stage: generate
      args: {input: "{session}/selected.csv", model: gemma}

Arguments are the stage command's flags; underscores may stand for dashes
and list values repeat the flag. {session} expands to the session directory.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.start(manifestPath); err != nil {
				return err
			}
			m, err := pipeline.LoadManifest(manifestPath)
			if err != nil {
				return err
			}
			runner := pipeline.NewRunner(stageRegistry(a), a.logger)
			result, err := runner.Run(cmd.Context(), m)

			var b strings.Builder
			for _, s := range result.Steps {
				status := "ok"
				switch {
				case s.Skipped:
					status = "skipped"
				case s.Err != nil:
					status = "failed: " + s.Err.Error()
				}
				fmt.Fprintf(&b, "- %s (%s): %s in %s\n", s.Name, s.Stage, status, s.Duration.Round(time.Millisecond))
			}
			if b.Len() > 0 {
				a.report.AddText("Pipeline "+m.Name, b.String())
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "Pipeline manifest (YAML)")
	_ = cmd.MarkFlagRequired("manifest")
	return cmd
}

// stageRegistry exposes every stage command to pipeline manifests. Each
// step gets a fresh command so flags never leak between steps.
func stageRegistry(a *app) *pipeline.Registry {
	reg := pipeline.NewRegistry()
	for _, newCmd := range stageCommands {
		name := newCmd(a).Name()
		reg.Register(name, func(ctx context.Context, args pipeline.Args) error {
			cmd := newCmd(a)
			if err := applyArgs(cmd, args, a.session.GetSessionDir()); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			if err := cmd.ValidateRequiredFlags(); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			cmd.SetContext(ctx)
			return cmd.RunE(cmd, nil)
		})
	}
	return reg
}

// applyArgs sets the command's flags from manifest arguments
func applyArgs(cmd *cobra.Command, args pipeline.Args, sessionDir string) error {
	for _, key := range args.Keys() {
		name := strings.ReplaceAll(key, "_", "-")
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			return fmt.Errorf("unknown argument %q", key)
		}
		values := args[key]
		multi := strings.HasSuffix(flag.Value.Type(), "Slice") || strings.HasSuffix(flag.Value.Type(), "Array")
		if len(values) > 1 && !multi {
			return fmt.Errorf("argument %q takes a single value", key)
		}
		for _, v := range values {
			v = strings.ReplaceAll(v, sessionPlaceholder, sessionDir)
			if err := cmd.Flags().Set(name, v); err != nil {
				return fmt.Errorf("argument %q: %w", key, err)
			}
		}
	}
	return nil
}

func newUsageCmd(a *app) *cobra.Command {
	var ledgerPath, logPath string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Report token usage and cost per model",
		Long: `Report tokens and cost per model from the SQLite usage ledger or, when no
ledger exists, from the plain usage log. Prices come from [pricing].`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.loadConfig(); err != nil {
				return err
			}
			if ledgerPath == "" && logPath == "" {
				ledgerPath = a.cfg.Usage.LedgerPath
				if _, err := os.Stat(ledgerPath); ledgerPath == "" || err != nil {
					ledgerPath = ""
					logPath = a.cfg.Usage.LogPath
				}
			}
			out := cmd.OutOrStdout()

			if ledgerPath != "" {
				ledger, err := metering.OpenLedger(ledgerPath, a.consoleLogger())
				if err != nil {
					return err
				}
				defer func() { _ = ledger.Close() }()
				totals, err := ledger.Totals(cmd.Context())
				if err != nil {
					return err
				}
				if err := metering.Cost(totals, a.cfg.Pricing).Print(out); err != nil {
					return err
				}
				stages, err := ledger.StageTotals(cmd.Context())
				if err != nil {
					return err
				}
				if len(stages) > 0 {
					fmt.Fprintln(out)
					fmt.Fprintf(out, "%-20s %-40s %s\n", "STAGE", "MODEL", "TOKENS")
					fmt.Fprintln(out, strings.Repeat("-", 72))
					for _, s := range stages {
						fmt.Fprintf(out, "%-20s %-40s %d\n", s.Stage, s.Model, s.Tokens)
					}
				}
				return nil
			}

			f, err := os.Open(logPath)
			if errors.Is(err, fs.ErrNotExist) {
				fmt.Fprintln(out, "No usage recorded yet.")
				return nil
			}
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			totals, err := metering.ParseLog(f)
			if err != nil {
				return err
			}
			return metering.Cost(totals, a.cfg.Pricing).Print(out)
		},
	}
	cmd.Flags().StringVar(&ledgerPath, "ledger", "", "SQLite usage ledger (default usage.ledger_path)")
	cmd.Flags().StringVar(&logPath, "log", "", "Plain usage log (default usage.log_path)")
	cmd.MarkFlagsMutuallyExclusive("ledger", "log")
	return cmd
}

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and evict the local model cache",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List cache entries, least recently used first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.loadConfig(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			entries, err := cache.Scan(a.cfg.Cache.Dir)
			if errors.Is(err, fs.ErrNotExist) {
				fmt.Fprintf(out, "No cache directory at %s\n", a.cfg.Cache.Dir)
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Cache: %s\n", a.cfg.Cache.Dir)
			if u, err := cache.DiskUsage(a.cfg.Cache.Dir); err == nil {
				fmt.Fprintf(out, "Filesystem usage: %.1f%% (threshold %.0f%%)\n", u.Percent(), a.cfg.Cache.ThresholdPercent)
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "%-50s %14s  %s\n", "ENTRY", "BYTES", "LAST USED")
			fmt.Fprintln(out, strings.Repeat("-", 90))
			var total int64
			for _, e := range entries {
				total += e.Size
				fmt.Fprintf(out, "%-50s %14d  %s\n", e.Name, e.Size, e.LastUsed.Format("2006-01-02 15:04:05"))
			}
			fmt.Fprintf(out, "\n%d entries, %d bytes\n", len(entries), total)
			return nil
		},
	}

	var dryRun bool
	var pins []string
	evictCmd := &cobra.Command{
		Use:   "evict",
		Short: "Evict least recently used entries until usage is within budget",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.loadConfig(); err != nil {
				return err
			}
			ev := cache.NewEvictor(a.cfg.Cache, a.consoleLogger())
			ev.SetDryRun(dryRun)
			for _, p := range pins {
				if mc, err := a.cfg.Model(p); err == nil {
					p = mc.ModelName
				}
				ev.Pin(p)
			}
			report, err := ev.Evict(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			verb := "Evicted"
			if report.DryRun {
				verb = "Would evict"
			}
			for _, e := range report.Evicted {
				fmt.Fprintf(out, "%s %s (%d bytes)\n", verb, e.Name, e.Size)
			}
			fmt.Fprintf(out, "%s %d entries, %d bytes. Usage %.1f%% -> %.1f%%\n",
				verb, len(report.Evicted), report.Freed, report.PercentBefore, report.PercentAfter)
			return nil
		},
	}
	evictCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be evicted without deleting")
	evictCmd.Flags().StringSliceVar(&pins, "pin", nil, "Entries or models.<key> never to evict")

	cmd.AddCommand(listCmd, evictCmd)
	return cmd
}

func newCheckpointCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage checkpoints and resume sessions",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions and their stage checkpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.loadConfig(); err != nil {
				return err
			}
			return listCheckpoints(cmd, a.cfg.Generation.OutputDir)
		},
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect <session-dir> [stage]",
		Short: "Inspect the checkpoints of a session",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.loadConfig(); err != nil {
				return err
			}
			return inspectCheckpoint(cmd, a.cfg.Generation.OutputDir, args)
		},
	}

	cmd.AddCommand(listCmd, inspectCmd)
	return cmd
}

// listCheckpoints lists session directories with their checkpointed stages
func listCheckpoints(cmd *cobra.Command, outputDir string) error {
	out := cmd.OutOrStdout()
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintln(out, "No output directory found. Run a stage first.")
			return nil
		}
		return fmt.Errorf("failed to read output directory: %w", err)
	}

	found := false
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "session_") {
			continue
		}
		if !found {
			fmt.Fprintf(out, "%-35s %-30s %-10s %s\n", "SESSION", "STAGE", "PHASE", "PROGRESS")
			fmt.Fprintln(out, strings.Repeat("-", 90))
			found = true
		}

		sessionPath := filepath.Join(outputDir, entry.Name())
		stages, err := checkpoint.List(sessionPath)
		if err != nil {
			return err
		}
		if len(stages) == 0 {
			fmt.Fprintf(out, "%-35s %-30s %-10s %s\n", entry.Name(), "-", "N/A", "-")
			continue
		}
		for _, stage := range stages {
			phase, progress := "unreadable", 0.0
			if cp, err := checkpoint.Load(sessionPath, stage, discardLogger); err == nil {
				phase = string(cp.Phase)
				progress = checkpoint.GetProgressPercentage(cp)
			}
			fmt.Fprintf(out, "%-35s %-30s %-10s %.1f%%\n", entry.Name(), stage, phase, progress)
		}
	}

	if !found {
		fmt.Fprintln(out, "No session directories found.")
		return nil
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Resume with: cs4 --resume <session> <command>")
	return nil
}

// inspectCheckpoint prints the details of one or every stage checkpoint
func inspectCheckpoint(cmd *cobra.Command, outputDir string, args []string) error {
	sessionDir := args[0]
	if err := writer.ValidateSessionPath(outputDir, sessionDir); err != nil {
		return fmt.Errorf("invalid session directory: %w", err)
	}
	fullPath := filepath.Join(outputDir, sessionDir)
	if _, err := os.Stat(fullPath); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("session directory not found: %s", sessionDir)
	}

	stages := args[1:]
	if len(stages) == 0 {
		var err error
		if stages, err = checkpoint.List(fullPath); err != nil {
			return err
		}
		if len(stages) == 0 {
			return fmt.Errorf("no checkpoints in %s", sessionDir)
		}
	}

	out := cmd.OutOrStdout()
	for _, stage := range stages {
		cp, err := checkpoint.Load(fullPath, stage, discardLogger)
		if err != nil {
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		fmt.Fprintf(out, "Checkpoint %s in %s\n", cp.Stage, sessionDir)
		fmt.Fprintln(out, strings.Repeat("=", 80))
		fmt.Fprintf(out, "Session ID:          %s\n", cp.SessionID)
		fmt.Fprintf(out, "Created At:          %s\n", cp.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(out, "Last Saved At:       %s\n", cp.LastSavedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(out, "Phase:               %s\n", cp.Phase)
		fmt.Fprintf(out, "Input:               %s\n", cp.InputPath)
		fmt.Fprintf(out, "Partial Rows:        %s\n", cp.PartialPath)
		fmt.Fprintf(out, "Config Hash:         %s\n", cp.ConfigHash)
		fmt.Fprintf(out, "Rows:                %d / %d completed (%.1f%%)\n",
			checkpoint.GetCompletedCount(cp), cp.Stats.TotalRows, checkpoint.GetProgressPercentage(cp))
		fmt.Fprintf(out, "Succeeded:           %d\n", cp.Stats.SuccessCount)
		fmt.Fprintf(out, "Failed:              %d\n", cp.Stats.FailureCount)
		fmt.Fprintf(out, "Skipped:             %d\n", cp.Stats.SkippedCount)
		if cp.Stats.Duration > 0 {
			fmt.Fprintf(out, "Duration:            %s\n", cp.Stats.Duration)
		}
		fmt.Fprintln(out)
	}
	return nil
}
