package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Long: `List tasks, optionally filtered by agent, state, or direction.

Examples:
  slyctl list --state submitted
  slyctl list --agent agent-translate --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		agentID, _ := cmd.Flags().GetString("agent")
		state, _ := cmd.Flags().GetString("state")
		direction, _ := cmd.Flags().GetString("direction")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		params := map[string]any{}
		if agentID != "" {
			params["agentId"] = agentID
		}
		if state != "" {
			params["state"] = state
		}
		if direction != "" {
			params["direction"] = direction
		}
		if limit > 0 {
			params["limit"] = limit
		}
		if offset > 0 {
			params["offset"] = offset
		}

		result, err := rpcCall("/rpc", "tasks/list", params)
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
		if err := json.Unmarshal(result, &parsed); err != nil {
			return fmt.Errorf("failed to parse task list: %w", err)
		}

		if len(parsed.Tasks) == 0 {
			fmt.Println("No tasks found")
			return nil
		}

		fmt.Printf("%-38s %-16s %-20s %s\n", "TASK", "STATUS", "AGENT", "UPDATED")
		for _, t := range parsed.Tasks {
			fmt.Printf("%-38s %-16s %-20s %s\n", t.ID, t.Status, t.AgentID, t.UpdatedAt.Format("2006-01-02 15:04:05"))
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().String("agent", "", "filter by agent ID")
	listCmd.Flags().String("state", "", "filter by task state")
	listCmd.Flags().String("direction", "", "filter by direction (inbound/outbound)")
	listCmd.Flags().Int("limit", 0, "maximum number of tasks to return")
	listCmd.Flags().Int("offset", 0, "pagination offset")
}
