package main

import (
	"strconv"

	"github.com/spf13/cobra"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "fail-fast advisory locks on a session, scoped to one agent at a time",
}

var lockAdditionalSeconds int64

func init() {
	acquireCmd := &cobra.Command{
		Use:   "acquire <session> <agent-id>",
		Short: "acquire a session's lock, or report who already holds it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := disp.AcquireLock(rootCtx, commandID, args[0], args[1])
			if err != nil {
				return emitFailure(err, "wait for the current holder to release, or contact them directly")
			}
			return emitSuccess(l)
		},
	}

	releaseCmd := &cobra.Command{
		Use:   "release <lock-id> <agent-id>",
		Short: "release a lock you hold",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return emitFailure(err, "lock-id must be an integer")
			}
			if err := disp.ReleaseLock(rootCtx, commandID, id, args[1]); err != nil {
				return emitFailure(err, "")
			}
			return emitSuccess(map[string]string{"released": args[0]})
		},
	}

	extendCmd := &cobra.Command{
		Use:   "extend <lock-id> <agent-id>",
		Short: "push a held lock's expiry further out",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return emitFailure(err, "lock-id must be an integer")
			}
			l, err := disp.ExtendLock(rootCtx, commandID, id, args[1], lockAdditionalSeconds)
			if err != nil {
				return emitFailure(err, "")
			}
			return emitSuccess(l)
		},
	}
	extendCmd.Flags().Int64Var(&lockAdditionalSeconds, "seconds", 300, "additional seconds to extend the lock by")

	lockCmd.AddCommand(acquireCmd, releaseCmd, extendCmd)
}
