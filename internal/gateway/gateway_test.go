package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/slyhq/sly/internal/registry"
	"github.com/slyhq/sly/internal/rpc"
	"github.com/slyhq/sly/internal/task"
)

func newTestGateway() *Gateway {
	reg := registry.NewMemoryRegistry()
	reg.PutAgent(&registry.Agent{
		ID: "agent-translate", TenantID: "tenant-1", Name: "Translator",
		Description: "Translates documents between languages",
		Tags:        []string{"translation", "nlp"},
		Active:      true, Discoverable: true,
	})
	reg.PutAgent(&registry.Agent{
		ID: "agent-summarize", TenantID: "tenant-2", Name: "Summarizer",
		Description: "Summarizes long text",
		Tags:        []string{"nlp"},
		Active:      true, Discoverable: true,
	})
	reg.PutAgent(&registry.Agent{
		ID: "agent-hidden", TenantID: "tenant-2", Name: "Internal Tool",
		Active: true, Discoverable: false,
	})
	reg.PutAgent(&registry.Agent{
		ID: "agent-retired", TenantID: "tenant-1", Name: "Old Translator",
		Active: false, Discoverable: true,
	})
	return New(reg)
}

func send(t *testing.T, g *Gateway, parts []map[string]any) *task.Task {
	t.Helper()
	params, err := json.Marshal(map[string]any{"message": map[string]any{"parts": parts}})
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	resp := g.Handle(context.Background(), &rpc.Request{
		JSONRPC: "2.0", Method: "message/send", Params: params, ID: json.RawMessage(`1`),
	})
	if resp.Error != nil {
		t.Fatalf("message/send error: %+v", resp.Error)
	}
	return resp.Result.(*task.Task)
}

func matchedIDs(t *testing.T, tk *task.Task) []string {
	t.Helper()
	if len(tk.Artifacts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(tk.Artifacts))
	}
	data := tk.Artifacts[0].Parts[0].Data
	agents, ok := data["agents"].([]map[string]any)
	if !ok {
		t.Fatalf("artifact agents type %T", data["agents"])
	}
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a["id"].(string))
	}
	return ids
}

func TestListAgentsSkill(t *testing.T) {
	g := newTestGateway()
	tk := send(t, g, []map[string]any{
		{"kind": "data", "data": map[string]any{"skill": "list_agents"}},
	})

	if tk.State != task.StateCompleted {
		t.Errorf("synthetic task state = %q, want %q", tk.State, task.StateCompleted)
	}
	ids := matchedIDs(t, tk)
	if len(ids) != 2 {
		t.Fatalf("listed %d agents, want 2 (active + discoverable only): %v", len(ids), ids)
	}
	for _, id := range ids {
		if id == "agent-hidden" || id == "agent-retired" {
			t.Errorf("listed %q, which is not discoverable", id)
		}
	}
}

func TestFindAgentByQuery(t *testing.T) {
	g := newTestGateway()
	tk := send(t, g, []map[string]any{
		{"kind": "data", "data": map[string]any{"skill": "find_agent", "query": "translate"}},
	})
	ids := matchedIDs(t, tk)
	if len(ids) != 1 || ids[0] != "agent-translate" {
		t.Errorf("find_agent(translate) = %v, want [agent-translate]", ids)
	}
}

func TestFindAgentByTags(t *testing.T) {
	g := newTestGateway()
	tk := send(t, g, []map[string]any{
		{"kind": "data", "data": map[string]any{"skill": "find_agent", "tags": []string{"nlp"}}},
	})
	ids := matchedIDs(t, tk)
	if len(ids) != 2 {
		t.Errorf("find_agent(tags=nlp) matched %v, want both nlp agents", ids)
	}
}

func TestFreeTextIsFindAgent(t *testing.T) {
	g := newTestGateway()
	tk := send(t, g, []map[string]any{
		{"kind": "text", "text": "summarize"},
	})
	ids := matchedIDs(t, tk)
	if len(ids) != 1 || ids[0] != "agent-summarize" {
		t.Errorf("free text query matched %v, want [agent-summarize]", ids)
	}
}

func TestFindAgentNoMatchesIsEmptyNotError(t *testing.T) {
	g := newTestGateway()
	tk := send(t, g, []map[string]any{
		{"kind": "text", "text": "underwater basket weaving"},
	})
	if ids := matchedIDs(t, tk); len(ids) != 0 {
		t.Errorf("matched %v, want none", ids)
	}
}

func TestUnsupportedMethod(t *testing.T) {
	g := newTestGateway()
	resp := g.Handle(context.Background(), &rpc.Request{
		JSONRPC: "2.0", Method: "tasks/get", Params: json.RawMessage(`{}`), ID: json.RawMessage(`1`),
	})
	if resp.Error == nil || resp.Error.Code != rpc.CodeMethodNotFound {
		t.Fatalf("error = %+v, want METHOD_NOT_FOUND", resp.Error)
	}
}

func TestEmptyPartsRejected(t *testing.T) {
	g := newTestGateway()
	params := json.RawMessage(`{"message":{"parts":[]}}`)
	resp := g.Handle(context.Background(), &rpc.Request{
		JSONRPC: "2.0", Method: "message/send", Params: params, ID: json.RawMessage(`1`),
	})
	if resp.Error == nil || resp.Error.Code != rpc.CodeInvalidParams {
		t.Fatalf("error = %+v, want INVALID_PARAMS", resp.Error)
	}
}
