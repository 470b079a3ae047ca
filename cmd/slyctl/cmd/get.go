package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// getCmd represents the get command
var getCmd = &cobra.Command{
	Use:   "get [task-id]",
	Short: "Get a task by ID",
	Long: `Fetch a task with its message history and artifacts.

Example:
  slyctl get task-123 --history 10`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		history, _ := cmd.Flags().GetInt("history")

		params := map[string]any{"id": args[0]}
		if history > 0 {
			params["historyLength"] = history
		}

		result, err := rpcCall("/rpc", "tasks/get", params)
		if err != nil {
			return fmt.Errorf("failed to get task: %w", err)
		}

		return printTaskResult(result)
	},
}

func init() {
	rootCmd.AddCommand(getCmd)

	getCmd.Flags().Int("history", 0, "number of recent history messages to return (0 = all)")
}
