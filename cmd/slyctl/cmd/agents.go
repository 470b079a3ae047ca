package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// agentsCmd represents the agents command
var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Discover agents through the gateway",
	Long: `List or search discoverable agents via the gateway endpoint.

Examples:
  slyctl agents
  slyctl agents --query translate
  slyctl agents --tags translation,summarization`,
	RunE: func(cmd *cobra.Command, args []string) error {
		query, _ := cmd.Flags().GetString("query")
		tagsCSV, _ := cmd.Flags().GetString("tags")

		skill := map[string]any{"skill": "list_agents"}
		if query != "" || tagsCSV != "" {
			skill["skill"] = "find_agent"
			if query != "" {
				skill["query"] = query
			}
			if tagsCSV != "" {
				tags := strings.Split(tagsCSV, ",")
				for i := range tags {
					tags[i] = strings.TrimSpace(tags[i])
				}
				skill["tags"] = tags
			}
		}

		params := map[string]any{
			"message": map[string]any{
				"role":  "user",
				"parts": []map[string]any{{"kind": "data", "data": skill}},
			},
		}

		result, err := rpcCall("/gateway", "message/send", params)
		if err != nil {
			return fmt.Errorf("discovery failed: %w", err)
		}

		if outputJSON {
			printJSON(result)
			return nil
		}

		var parsed struct {
			Artifacts []struct {
				Parts []struct {
					Data struct {
						Agents []struct {
							ID          string   `json:"id"`
							Name        string   `json:"name"`
							Description string   `json:"description"`
							URL         string   `json:"url"`
							Tags        []string `json:"tags"`
						} `json:"agents"`
						Count int `json:"count"`
					} `json:"data"`
				} `json:"parts"`
			} `json:"artifacts"`
		}
		if err := json.Unmarshal(result, &parsed); err != nil {
			return fmt.Errorf("failed to parse discovery result: %w", err)
		}
		if len(parsed.Artifacts) == 0 || len(parsed.Artifacts[0].Parts) == 0 {
			fmt.Println("No agents found")
			return nil
		}

		data := parsed.Artifacts[0].Parts[0].Data
		if data.Count == 0 {
			fmt.Println("No agents found")
			return nil
		}

		fmt.Printf("Found %d agent(s):\n", data.Count)
		for _, a := range data.Agents {
			fmt.Printf("\n  %s (%s)\n", a.Name, a.ID)
			if a.Description != "" {
				fmt.Printf("    %s\n", a.Description)
			}
			if a.URL != "" {
				fmt.Printf("    URL: %s\n", a.URL)
			}
			if len(a.Tags) > 0 {
				fmt.Printf("    Tags: %s\n", strings.Join(a.Tags, ", "))
			}
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(agentsCmd)

	agentsCmd.Flags().String("query", "", "free-text search over name/description/tags")
	agentsCmd.Flags().String("tags", "", "comma-separated capability tags to match")
}
