package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// dlqCmd represents the dlq command
var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Manage dead-lettered webhook deliveries",
	Long:  `Inspect and replay tasks whose webhook delivery was dead-lettered.`,
}

// dlqRetryCmd represents the dlq retry command
var dlqRetryCmd = &cobra.Command{
	Use:   "retry [task-id]",
	Short: "Replay a dead-lettered delivery",
	Long: `Requeue a task whose webhook delivery exhausted its retries.
The task returns to the submitted state with delivery bookkeeping reset,
so a worker will claim and redeliver it.

Example:
  slyctl dlq retry task-123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := rpcCall("/rpc", "tasks/retryWebhook", map[string]any{"id": args[0]})
		if err != nil {
			return fmt.Errorf("failed to retry delivery: %w", err)
		}

		if !outputJSON {
			fmt.Printf("Task %s requeued for delivery\n", args[0])
		}
		return printTaskResult(result)
	},
}

// dlqListCmd represents the dlq list command
var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks whose delivery was dead-lettered",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Dead-lettered deliveries leave the task in the failed state;
		// the webhook status column distinguishes them client-side.
		result, err := rpcCall("/rpc", "tasks/list", map[string]any{"state": "failed"})
		if err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}

		if outputJSON {
			printJSON(result)
			return nil
		}

		var parsed struct {
			Tasks []taskView `json:"tasks"`
		}
		if err := parseJSONResult(result, &parsed); err != nil {
			return err
		}

		found := 0
		for _, t := range parsed.Tasks {
			if t.WebhookStatus != "dlq" {
				continue
			}
			if found == 0 {
				fmt.Printf("%-38s %-20s %-10s\n", "TASK", "AGENT", "ATTEMPTS")
			}
			fmt.Printf("%-38s %-20s %-10d\n", t.ID, t.AgentID, t.WebhookAttempts)
			found++
		}
		if found == 0 {
			fmt.Println("No dead-lettered deliveries")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
	dlqCmd.AddCommand(dlqListCmd)
}
