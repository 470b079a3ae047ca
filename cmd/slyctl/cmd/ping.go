package cmd

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

// pingCmd represents the ping command
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Ping the Sly service",
	Long:  `Hit the health endpoint to verify the Sly service is running and its database is reachable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		url := strings.TrimRight(serverURL, "/") + "/healthz"

		client := &http.Client{Timeout: timeout}
		resp, err := client.Get(url)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unhealthy (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		fmt.Println("Pong! Service is healthy")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
