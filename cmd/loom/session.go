package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/dispatch"
	"github.com/loomhq/loom/internal/envelope"
	"github.com/loomhq/loom/internal/loomerr"
	"github.com/loomhq/loom/internal/pipeline"
	"github.com/loomhq/loom/internal/tmux"
	"github.com/loomhq/loom/internal/types"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "manage isolated workspace sessions",
}

var (
	sessionTaskID        string
	sessionSync          bool
	sessionForce         bool
	sessionKeepWorkspace bool
	sessionAttach        bool
	sessionStatusFilter  string
	sessionIdempotent    bool
)

func init() {
	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "create a new session with a freshly provisioned workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			workspacePath := filepath.Join(cfg.WorkspacesDir, name)
			sess, err := disp.CreateSession(rootCtx, dispatch.CreateSessionParams{
				CommandID:     commandID,
				Name:          name,
				WorkspacePath: workspacePath,
				TaskID:        sessionTaskID,
				Idempotent:    sessionIdempotent,
			})
			if err != nil {
				hint := "choose a different name or remove the existing session first"
				if sessionIdempotent && errors.Is(err, loomerr.ErrSessionExists) {
					hint = "the existing session is not resumable; inspect it with `loom integrity check` and fix it with `loom integrity repair`"
				}
				return emitFailure(err, hint)
			}
			if sessionAttach {
				_ = tmux.NewWindow(rootCtx, name, workspacePath)
			}
			return emitSuccess(sess)
		},
	}
	createCmd.Flags().StringVar(&sessionTaskID, "task-id", "", "opaque external task reference")
	createCmd.Flags().BoolVar(&sessionAttach, "attach", false, "open a tmux window for the new workspace")
	createCmd.Flags().BoolVar(&sessionIdempotent, "idempotent", false, "succeed if a resumable session with this name already exists")

	switchCmd := &cobra.Command{
		Use:   "switch <name>",
		Short: "attach the terminal to an existing session's workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := disp.GetSession(rootCtx, args[0])
			if err != nil {
				return emitFailure(err, "")
			}
			if !tmux.HasSession(rootCtx, sess.Name) {
				if err := tmux.NewWindow(rootCtx, sess.Name, sess.WorkspacePath); err != nil {
					return emitFailure(err, "")
				}
			}
			if err := tmux.SelectWindow(rootCtx, sess.Name); err != nil {
				return emitFailure(err, "")
			}
			return emitSuccess(sess)
		},
	}

	syncCmd := &cobra.Command{
		Use:   "sync <name>",
		Short: "rebase a session's workspace onto the tracking branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := disp.SyncSession(rootCtx, dispatch.SyncSessionParams{CommandID: commandID, Name: args[0]})
			if err != nil {
				return emitFailure(err, "resolve the conflict, then retry sync or run `loom session done --force`")
			}
			return emitSuccess(sess)
		},
	}

	doneCmd := &cobra.Command{
		Use:   "done <name> <agent-id>",
		Short: "land a session's changes on the tracking branch and clean up",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := disp.DoneSession(rootCtx, commandID, args[1], args[0], pipeline.DoneOptions{
				Sync:          sessionSync,
				Force:         sessionForce,
				KeepWorkspace: sessionKeepWorkspace,
			})
			if err != nil {
				return emitFailure(err, "inspect the conflict report, then retry with --force if the overlap is a false positive",
					envelope.Link{Rel: "conflict-check", Href: fmt.Sprintf("loom session show %s", args[0])})
			}
			return emitSuccess(result)
		},
	}
	doneCmd.Flags().BoolVar(&sessionSync, "sync", false, "rebase onto the tracking branch before merging")
	doneCmd.Flags().BoolVar(&sessionForce, "force", false, "merge even if the conflict pre-check reports overlap")
	doneCmd.Flags().BoolVar(&sessionKeepWorkspace, "keep-workspace", false, "do not remove the workspace after landing")

	removeCmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "abandon a session and remove its workspace without merging",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := disp.RemoveSession(rootCtx, commandID, args[0]); err != nil {
				return emitFailure(err, "check `loom integrity check` if removal left the workspace in a failed state")
			}
			return emitSuccess(map[string]string{"removed": args[0]})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter types.Filter
			if sessionStatusFilter != "" {
				status := types.SessionStatus(sessionStatusFilter)
				filter.Status = &status
			}
			sessions, err := disp.ListSessions(rootCtx, filter)
			if err != nil {
				return emitFailure(err, "")
			}
			return emitSuccess(sessions)
		},
	}
	listCmd.Flags().StringVar(&sessionStatusFilter, "status", "", "filter by session status")

	showCmd := &cobra.Command{
		Use:   "show <name>",
		Short: "show one session's full record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := disp.GetSession(rootCtx, args[0])
			if err != nil {
				return emitFailure(err, "")
			}
			return emitSuccess(sess)
		},
	}

	sessionCmd.AddCommand(createCmd, switchCmd, syncCmd, doneCmd, removeCmd, listCmd, showCmd)
}
