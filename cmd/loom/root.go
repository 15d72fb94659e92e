package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/backupstore"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/dispatch"
	"github.com/loomhq/loom/internal/envelope"
	"github.com/loomhq/loom/internal/jjdriver"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/store"
)

// Package-level state cobra's Run/RunE functions read, mirroring the
// teacher's package-level dbPath/jsonOutput/rootCtx globals in cmd/bd/main.go.
var (
	jsonOutput bool
	dryRun     bool
	commandID  string
	repoFlag   string
	quietFlag  bool

	rootCtx    context.Context
	rootCancel context.CancelFunc

	logger *slog.Logger
	disp   *dispatch.Dispatcher
	cfg    config.Config

	exitCode int
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "loom - parallel-agent workspace isolation and merge coordination",
	Long: `loom coordinates multiple development agents working in isolated
jj workspaces against one shared repository: session lifecycle, a
priority merge queue, fail-fast advisory locks, and a conflict
pre-check before anything lands on the tracking branch.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		logger = observability.NewLogger(os.Stderr, jsonOutput)

		// help, version, and the config subcommands are the only commands
		// that run without a fully wired dispatcher (config init in
		// particular must work before .loom/config.yaml exists at all).
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}
		if cmd.Parent() != nil && cmd.Parent().Name() == "config" {
			return nil
		}

		root := repoFlag
		if root == "" {
			r, err := jjdriver.FindRoot(".")
			if err != nil {
				return err
			}
			root = r
		}

		loaded, err := config.Load(root)
		if err != nil {
			return err
		}
		cfg = loaded

		if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o750); err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.WorkspacesDir, 0o750); err != nil {
			return err
		}
		storeCfg := store.DefaultConfig()
		storeCfg.MaxOpenConns = cfg.MaxOpenConns
		storeCfg.AcquireTimeout = cfg.AcquireTimeout
		pool, err := store.Open(cfg.DatabasePath, storeCfg)
		if err != nil {
			return err
		}

		driver := jjdriver.New(root)
		backups := backupstore.New(root)
		disp = dispatch.New(pool, cfg, driver, backups)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if rootCancel != nil {
			rootCancel()
		}
		if disp != nil {
			return disp.Pool.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON envelope format")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "report what would happen without mutating state")
	rootCmd.PersistentFlags().StringVar(&commandID, "command-id", "", "idempotency key: replays of the same ID return the original result")
	rootCmd.PersistentFlags().StringVar(&repoFlag, "repo", "", "repository root (default: auto-discover the enclosing jj repo)")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "suppress non-essential output")

	rootCmd.AddCommand(sessionCmd, agentCmd, lockCmd, queueCmd, integrityCmd)
}

// emit renders env per --json and sets exitCode for main() to propagate,
// matching the teacher's emitEnvelope/finishEnvelope split in
// cmd/bd/control_plane_helpers.go.
func emit(env envelope.Envelope) error {
	if err := envelope.Emit(os.Stdout, env, jsonOutput); err != nil {
		return err
	}
	if !env.OK && env.Error != nil {
		exitCode = envelope.ExitCodeFor(env.Error.Kind)
	}
	return nil
}

func emitSuccess(data any, links ...envelope.Link) error {
	return emit(envelope.Success(data, links...))
}

func emitFailure(err error, hint string, links ...envelope.Link) error {
	return emit(envelope.Failure(err, hint, links...))
}
