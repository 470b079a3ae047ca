package logging

import (
	"context"
	"errors"
	"testing"
)

func TestNewLogger(t *testing.T) {
	logger := New("test-service")
	if logger.service != "test-service" {
		t.Errorf("New() service = %q, want %q", logger.service, "test-service")
	}
}

func TestPlainEntry(t *testing.T) {
	logger := New("sly-api")
	entry := logger.Plain()

	if entry.Service != "sly-api" {
		t.Errorf("Plain() Service = %q, want %q", entry.Service, "sly-api")
	}
	if entry.Time.IsZero() {
		t.Error("Plain() Time is zero")
	}
	if entry.Fields == nil {
		t.Error("Plain() Fields is nil")
	}
}

func TestFluentFields(t *testing.T) {
	entry := New("w").Plain().
		WithTenant("tenant-1").
		WithTask("task-1").
		WithAgent("agent-1").
		WithDelivery("dlv-1").
		WithField("attempt", 3)

	if entry.TenantID != "tenant-1" {
		t.Errorf("TenantID = %q, want %q", entry.TenantID, "tenant-1")
	}
	if entry.TaskID != "task-1" {
		t.Errorf("TaskID = %q, want %q", entry.TaskID, "task-1")
	}
	if entry.AgentID != "agent-1" {
		t.Errorf("AgentID = %q, want %q", entry.AgentID, "agent-1")
	}
	if entry.DeliveryID != "dlv-1" {
		t.Errorf("DeliveryID = %q, want %q", entry.DeliveryID, "dlv-1")
	}
	if got := entry.Fields["attempt"]; got != 3 {
		t.Errorf("Fields[attempt] = %v, want 3", got)
	}
}

func TestWithError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantField bool
	}{
		{name: "non-nil error recorded", err: errors.New("boom"), wantField: true},
		{name: "nil error ignored", err: nil, wantField: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &LogEntry{}
			entry.WithError(tt.err)

			_, ok := entry.Fields["error"]
			if ok != tt.wantField {
				t.Errorf("WithError(%v) field present = %v, want %v", tt.err, ok, tt.wantField)
			}
			if tt.wantField && entry.Fields["error"] != "boom" {
				t.Errorf("Fields[error] = %v, want %q", entry.Fields["error"], "boom")
			}
		})
	}
}

func TestWithFieldsMerge(t *testing.T) {
	entry := New("w").WithFields(map[string]any{"a": 1})
	entry.WithFields(map[string]any{"b": 2})

	if entry.Fields["a"] != 1 || entry.Fields["b"] != 2 {
		t.Errorf("WithFields merge = %v, want a=1 b=2", entry.Fields)
	}
}

func TestWithContextNoSpan(t *testing.T) {
	entry := New("w").WithContext(context.Background())
	if entry.TraceID != "" {
		t.Errorf("WithContext() TraceID = %q, want empty without active span", entry.TraceID)
	}
}

func TestSetDefaultService(t *testing.T) {
	SetDefaultService("custom")
	defer SetDefaultService("sly")

	entry := Plain()
	if entry.Service != "custom" {
		t.Errorf("default Plain() Service = %q, want %q", entry.Service, "custom")
	}
}
