package main

import (
	"github.com/spf13/cobra"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "manage agent identities, heartbeats, and cross-agent messages",
}

var (
	agentSession        string
	agentCurrentCommand string
)

func init() {
	registerCmd := &cobra.Command{
		Use:   "register <agent-id>",
		Short: "register an agent identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := disp.RegisterAgent(rootCtx, commandID, args[0], agentSession)
			if err != nil {
				return emitFailure(err, "")
			}
			return emitSuccess(a)
		},
	}
	registerCmd.Flags().StringVar(&agentSession, "session", "", "session this agent is working within")

	heartbeatCmd := &cobra.Command{
		Use:   "heartbeat <agent-id>",
		Short: "record liveness and the agent's current command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := disp.HeartbeatAgent(rootCtx, args[0], agentCurrentCommand); err != nil {
				return emitFailure(err, "register the agent first with `loom agent register`")
			}
			return emitSuccess(map[string]string{"agent_id": args[0]})
		},
	}
	heartbeatCmd.Flags().StringVar(&agentCurrentCommand, "current-command", "", "what the agent is doing right now")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list agents whose heartbeat is within the liveness window",
		RunE: func(cmd *cobra.Command, args []string) error {
			agents, err := disp.ListActiveAgents(rootCtx)
			if err != nil {
				return emitFailure(err, "")
			}
			return emitSuccess(agents)
		},
	}

	broadcastCmd := &cobra.Command{
		Use:   "broadcast <sender-id> <message>",
		Short: "send a message to every other currently active agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			recipients, err := disp.BroadcastAgent(rootCtx, commandID, args[0], args[1])
			if err != nil {
				return emitFailure(err, "")
			}
			return emitSuccess(map[string]any{"recipients": recipients})
		},
	}

	expireStaleCmd := &cobra.Command{
		Use:   "expire-stale",
		Short: "remove agents whose heartbeat has gone quiet and release the locks they held",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := disp.ExpireStaleAgents(rootCtx)
			if err != nil {
				return emitFailure(err, "")
			}
			return emitSuccess(map[string]int{"expired": n})
		},
	}

	agentCmd.AddCommand(registerCmd, heartbeatCmd, listCmd, broadcastCmd, expireStaleCmd)
}
