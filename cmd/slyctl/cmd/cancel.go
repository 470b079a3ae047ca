package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// cancelCmd represents the cancel command
var cancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a task",
	Long: `Cancel a non-terminal task.

Example:
  slyctl cancel task-123 --reason "no longer needed"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		result, err := rpcCall("/rpc", "tasks/cancel", map[string]any{
			"id":     args[0],
			"reason": reason,
		})
		if err != nil {
			return fmt.Errorf("failed to cancel task: %w", err)
		}

		return printTaskResult(result)
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)

	cancelCmd.Flags().String("reason", "", "cancellation reason recorded on the task")
}
