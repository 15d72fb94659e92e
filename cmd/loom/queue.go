package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/types"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "priority merge queue: workspaces waiting to land on the tracking branch",
}

var (
	queuePriority      int
	queueFailMessage   string
	queueFailRetryable bool
	queueListStatus    string
	queueListWatch     bool
)

func init() {
	enqueueCmd := &cobra.Command{
		Use:   "enqueue <workspace> <task-id>",
		Short: "enqueue a workspace for merge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := disp.EnqueueQueue(rootCtx, commandID, args[0], args[1], queuePriority)
			if err != nil {
				return emitFailure(err, "a pending entry for this workspace may already exist; check `loom queue list`")
			}
			return emitSuccess(entry)
		},
	}
	enqueueCmd.Flags().IntVar(&queuePriority, "priority", 0, "lower values claim first")

	claimCmd := &cobra.Command{
		Use:   "claim <worker-id>",
		Short: "claim the highest-priority pending entry under the processing lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := disp.ClaimQueue(rootCtx, args[0])
			if err != nil {
				return emitFailure(err, "nothing claimable right now; poll again shortly")
			}
			return emitSuccess(entry)
		},
	}

	doneCmd := &cobra.Command{
		Use:   "done <entry-id>",
		Short: "mark a claimed entry done and release the processing lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return emitFailure(err, "entry-id must be an integer")
			}
			if err := disp.QueueDone(rootCtx, commandID, id); err != nil {
				return emitFailure(err, "")
			}
			return emitSuccess(map[string]string{"done": args[0]})
		},
	}

	failCmd := &cobra.Command{
		Use:   "fail <entry-id>",
		Short: "mark a claimed entry failed, retrying unless the attempt cap is reached",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return emitFailure(err, "entry-id must be an integer")
			}
			if err := disp.QueueFail(rootCtx, commandID, id, queueFailMessage, queueFailRetryable); err != nil {
				return emitFailure(err, "")
			}
			return emitSuccess(map[string]string{"failed": args[0]})
		},
	}
	failCmd.Flags().StringVar(&queueFailMessage, "message", "", "failure detail recorded on the entry")
	failCmd.Flags().BoolVar(&queueFailRetryable, "retryable", true, "return to pending instead of failing terminally")

	reclaimCmd := &cobra.Command{
		Use:   "reclaim",
		Short: "return processing entries whose claimant is no longer live to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := disp.QueueReclaim(rootCtx)
			if err != nil {
				return emitFailure(err, "")
			}
			return emitSuccess(map[string]int{"reclaimed": n})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list merge queue entries in claim order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if queueListWatch {
				watchQueue()
				return nil
			}
			var status *types.QueueStatus
			if queueListStatus != "" {
				s := types.QueueStatus(queueListStatus)
				status = &s
			}
			entries, err := disp.ListQueue(rootCtx, status)
			if err != nil {
				return emitFailure(err, "")
			}
			return emitSuccess(entries)
		},
	}
	listCmd.Flags().StringVar(&queueListStatus, "status", "", "filter by queue entry status")
	listCmd.Flags().BoolVar(&queueListWatch, "watch", false, "re-render whenever the queue changes, until interrupted")

	queueCmd.AddCommand(enqueueCmd, claimCmd, doneCmd, failCmd, reclaimCmd, listCmd)
}

// renderQueue prints the current queue snapshot once, respecting --status.
func renderQueue() {
	var status *types.QueueStatus
	if queueListStatus != "" {
		s := types.QueueStatus(queueListStatus)
		status = &s
	}
	entries, err := disp.ListQueue(rootCtx, status)
	if err != nil {
		_ = emitFailure(err, "")
		return
	}
	_ = emitSuccess(entries)
}

// watchQueue watches the database file's directory for writes and re-renders
// the queue snapshot on change, debounced against the WAL's burst of
// successive fsync'd writes.
func watchQueue() {
	dbDir := filepath.Dir(cfg.DatabasePath)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		_ = emitFailure(err, "could not start a filesystem watcher")
		return
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(dbDir); err != nil {
		_ = emitFailure(err, "could not watch "+dbDir)
		return
	}

	renderQueue()
	fmt.Fprintf(os.Stderr, "\nwatching %s for changes... (press Ctrl+C to exit)\n", dbDir)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var debounceTimer *time.Timer
	const debounceDelay = 300 * time.Millisecond

	for {
		select {
		case <-sigChan:
			fmt.Fprintf(os.Stderr, "\nstopped watching.\n")
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) {
				continue
			}
			base := filepath.Base(event.Name)
			if base != filepath.Base(cfg.DatabasePath) && !strings.HasSuffix(base, "-wal") {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				renderQueue()
				fmt.Fprintf(os.Stderr, "\nwatching %s for changes... (press Ctrl+C to exit)\n", dbDir)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
		}
	}
}
