package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/slyhq/sly/internal/eventbus"
	"github.com/slyhq/sly/internal/payments"
	"github.com/slyhq/sly/internal/registry"
	"github.com/slyhq/sly/internal/rpc"
	"github.com/slyhq/sly/internal/task"
	"github.com/slyhq/sly/internal/webhook"
)

// completingProcessor drives claimed tasks to completed, the way a
// real managed processor is expected to.
type completingProcessor struct {
	tasks *task.Service
}

func (p *completingProcessor) ProcessTask(ctx context.Context, taskID string) error {
	if _, err := p.tasks.AppendMessage(ctx, taskID, task.RoleAgent, []task.Part{task.TextPart("done")}, nil); err != nil {
		return err
	}
	_, err := p.tasks.UpdateState(ctx, taskID, task.StateUpdate{
		State:         task.StateCompleted,
		StatusMessage: "processed",
	})
	return err
}

func rpcSend(t *testing.T, d *rpc.Dispatcher, message map[string]any) *task.Task {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"message": message})
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	resp := d.Handle(context.Background(), &rpc.Request{
		JSONRPC: "2.0",
		Method:  "message/send",
		Params:  raw,
		ID:      json.RawMessage(`1`),
	})
	if resp.Error != nil {
		t.Fatalf("message/send error: %+v", resp.Error)
	}
	return resp.Result.(*task.Task)
}

// Full lifecycle: create over RPC, claim, park for payment, satisfy the
// gate with a proof over RPC, reclaim, finish terminal.
func TestPaymentGatedLifecycle(t *testing.T) {
	ctx := context.Background()

	svc := task.NewService(task.NewMemoryStore(), eventbus.New(task.TerminalEventFilter))
	reg := registry.NewMemoryRegistry()
	reg.PutAgent(&registry.Agent{ID: "agent-a", TenantID: "tenant-1", ProcessingMode: "managed", Active: true})
	reg.PutTransfer(&registry.Transfer{ID: "tr-10usd", TenantID: "tenant-1", Status: registry.TransferCompleted, Amount: 10, Currency: "USD"})

	gate := payments.NewGate(svc, reg, reg)
	webhooks := webhook.NewDispatcher(svc)
	dispatcher := rpc.NewDispatcher(svc, gate, reg, webhooks)
	w := New("worker-lc", svc, reg, webhooks, &completingProcessor{tasks: svc}, testConfig())

	tk := rpcSend(t, dispatcher, map[string]any{
		"agentId": "agent-a",
		"parts":   []map[string]any{{"kind": "text", "text": "Hello"}},
	})
	if tk.State != task.StateSubmitted {
		t.Fatalf("created state = %q, want %q", tk.State, task.StateSubmitted)
	}
	if len(tk.History) != 1 {
		t.Fatalf("history = %d messages, want 1", len(tk.History))
	}

	// A worker claims the task before the processor asks for payment.
	claimed, won, err := svc.Claim(ctx, tk.ID, w.ID())
	if err != nil || !won {
		t.Fatalf("claim: won=%v err=%v", won, err)
	}
	if claimed.State != task.StateWorking {
		t.Fatalf("claimed state = %q, want %q", claimed.State, task.StateWorking)
	}

	if _, err := gate.RequirePayment(ctx, tk.ID, payments.Request{Amount: 10, Currency: "USD"}); err != nil {
		t.Fatalf("RequirePayment: %v", err)
	}
	parked, _ := svc.Get(ctx, tk.ID, 0)
	if parked.State != task.StateInputRequired {
		t.Fatalf("parked state = %q, want %q", parked.State, task.StateInputRequired)
	}
	if len(parked.History) != 2 {
		t.Fatalf("history = %d messages, want 2 after payment request", len(parked.History))
	}

	if parked.ProcessorID != "" {
		t.Fatalf("processorId = %q, want ownership cleared while parked", parked.ProcessorID)
	}

	resumed := rpcSend(t, dispatcher, map[string]any{
		"taskId": tk.ID,
		"parts": []map[string]any{{
			"kind": "data",
			"data": map[string]any{"kind": "payment_proof", "type": "x402", "transferId": "tr-10usd"},
		}},
	})
	if resumed.State != task.StateSubmitted {
		t.Fatalf("resumed state = %q, want %q after verified proof", resumed.State, task.StateSubmitted)
	}
	if resumed.TransferID != "tr-10usd" {
		t.Fatalf("transferId = %q, want linked transfer", resumed.TransferID)
	}

	// The worker reclaims and the managed processor finishes the task.
	w.cycle(ctx)
	w.wg.Wait()

	final, err := svc.Get(ctx, tk.ID, 0)
	if err != nil {
		t.Fatalf("get final: %v", err)
	}
	if final.State != task.StateCompleted {
		t.Fatalf("final state = %q, want %q", final.State, task.StateCompleted)
	}
	if final.ProcessingCompletedAt == nil {
		t.Errorf("processing completion not recorded")
	}
}
