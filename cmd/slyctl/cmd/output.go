package cmd

import (
	"encoding/json"
	"fmt"
	"time"
)

// taskView mirrors the task wire shape for human-readable output.
type taskView struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenantId"`
	AgentID       string `json:"agentId"`
	ContextID     string `json:"contextId"`
	Status        string `json:"status"`
	StatusMessage string `json:"statusMessage"`
	ErrorDetails  string `json:"errorDetails"`
	TransferID    string `json:"transferId"`
	MandateID     string `json:"mandateId"`

	ProcessorID     string `json:"processorId"`
	WebhookStatus   string `json:"webhookStatus"`
	WebhookAttempts int    `json:"webhookAttempts"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	History []struct {
		Role  string `json:"role"`
		Parts []struct {
			Kind string `json:"kind"`
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"history"`

	Artifacts []struct {
		Name      string `json:"name"`
		MediaType string `json:"mediaType"`
	} `json:"artifacts"`
}

// parseJSONResult decodes a JSON-RPC result payload into v.
func parseJSONResult(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// printTaskResult prints a single-task JSON-RPC result.
func printTaskResult(raw json.RawMessage) error {
	if outputJSON {
		printJSON(raw)
		return nil
	}

	var t taskView
	if err := json.Unmarshal(raw, &t); err != nil {
		return fmt.Errorf("failed to parse task: %w", err)
	}

	fmt.Printf("Task %s\n", t.ID)
	fmt.Printf("  Status: %s\n", t.Status)
	if t.StatusMessage != "" {
		fmt.Printf("  Status message: %s\n", t.StatusMessage)
	}
	fmt.Printf("  Agent: %s\n", t.AgentID)
	if t.TenantID != "" {
		fmt.Printf("  Tenant: %s\n", t.TenantID)
	}
	if t.ContextID != "" {
		fmt.Printf("  Context: %s\n", t.ContextID)
	}
	if t.ProcessorID != "" {
		fmt.Printf("  Processor: %s\n", t.ProcessorID)
	}
	if t.TransferID != "" {
		fmt.Printf("  Transfer: %s\n", t.TransferID)
	}
	if t.MandateID != "" {
		fmt.Printf("  Mandate: %s\n", t.MandateID)
	}
	if t.WebhookStatus != "" {
		fmt.Printf("  Webhook: %s (attempts: %d)\n", t.WebhookStatus, t.WebhookAttempts)
	}
	if t.ErrorDetails != "" {
		fmt.Printf("  Error: %s\n", t.ErrorDetails)
	}
	if !t.CreatedAt.IsZero() {
		fmt.Printf("  Created: %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	}

	if len(t.History) > 0 {
		fmt.Println("  History:")
		for _, m := range t.History {
			for _, p := range m.Parts {
				if p.Kind == "text" {
					fmt.Printf("    [%s] %s\n", m.Role, p.Text)
				} else {
					fmt.Printf("    [%s] (%s part)\n", m.Role, p.Kind)
				}
			}
		}
	}
	if len(t.Artifacts) > 0 {
		fmt.Println("  Artifacts:")
		for _, a := range t.Artifacts {
			fmt.Printf("    %s (%s)\n", a.Name, a.MediaType)
		}
	}

	return nil
}
