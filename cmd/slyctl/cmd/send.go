package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send [agent-id] [text]",
	Short: "Send a message to an agent",
	Long: `Send a text message to an agent, creating a new task or continuing
an existing one.

Examples:
  slyctl send agent-translate "translate this to French"
  slyctl send agent-translate "and this too" --context ctx-42
  slyctl send "" "follow-up input" --task task-123`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		agentID, text := args[0], args[1]

		taskID, _ := cmd.Flags().GetString("task")
		contextID, _ := cmd.Flags().GetString("context")
		tenantID, _ := cmd.Flags().GetString("tenant")
		history, _ := cmd.Flags().GetInt("history")

		message := map[string]any{
			"role":  "user",
			"parts": []map[string]any{{"kind": "text", "text": text}},
		}
		if agentID != "" {
			message["agentId"] = agentID
		}
		if taskID != "" {
			message["taskId"] = taskID
		}
		if contextID != "" {
			message["contextId"] = contextID
		}

		params := map[string]any{"message": message}
		if tenantID != "" {
			params["tenantId"] = tenantID
		}
		if history > 0 {
			params["historyLength"] = history
		}

		result, err := rpcCall("/rpc", "message/send", params)
		if err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}

		return printTaskResult(result)
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().String("task", "", "continue an existing task by ID")
	sendCmd.Flags().String("context", "", "context ID for multi-turn routing")
	sendCmd.Flags().String("tenant", "", "tenant ID override")
	sendCmd.Flags().Int("history", 0, "number of recent history messages to return")
}
