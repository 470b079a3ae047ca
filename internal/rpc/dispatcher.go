package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/slyhq/sly/internal/logging"
	"github.com/slyhq/sly/internal/payments"
	"github.com/slyhq/sly/internal/registry"
	"github.com/slyhq/sly/internal/task"
	"github.com/slyhq/sly/internal/tracing"
	"github.com/slyhq/sly/internal/webhook"
)

// Dispatcher routes JSON-RPC methods onto the task service and payment
// gate. Every failure becomes a JSON-RPC error object; nothing escapes
// as a raw error to the transport.
type Dispatcher struct {
	tasks    *task.Service
	gate     *payments.Gate
	agents   registry.AgentLookup
	webhooks *webhook.Dispatcher
	logger   *logging.Logger
}

func NewDispatcher(tasks *task.Service, gate *payments.Gate, agents registry.AgentLookup, webhooks *webhook.Dispatcher) *Dispatcher {
	return &Dispatcher{
		tasks:    tasks,
		gate:     gate,
		agents:   agents,
		webhooks: webhooks,
		logger:   logging.New("rpc"),
	}
}

// Handle dispatches one request. Panics in method handlers are caught
// and returned as INTERNAL_ERROR.
func (d *Dispatcher) Handle(ctx context.Context, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithContext(ctx).WithField("method", req.Method).
				WithField("panic", fmt.Sprint(r)).Error("rpc handler panicked")
			resp = ErrorResponse(req.ID, NewError(CodeInternalError, "internal error"))
		}
	}()

	if req.JSONRPC != "2.0" || req.Method == "" {
		return ErrorResponse(req.ID, NewError(CodeInvalidRequest, "invalid JSON-RPC 2.0 request"))
	}

	ctx, span := tracing.StartSpan(ctx, "rpc."+req.Method,
		attribute.String("rpc.method", req.Method),
	)
	defer span.End()

	var (
		result any
		err    *Error
	)
	switch req.Method {
	case "message/send":
		result, err = d.messageSend(ctx, req.Params)
	case "tasks/get":
		result, err = d.tasksGet(ctx, req.Params)
	case "tasks/cancel":
		result, err = d.tasksCancel(ctx, req.Params)
	case "tasks/list":
		result, err = d.tasksList(ctx, req.Params)
	case "tasks/retryWebhook":
		result, err = d.tasksRetryWebhook(ctx, req.Params)
	default:
		err = NewError(CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
	if err != nil {
		return ErrorResponse(req.ID, err)
	}
	return ResultResponse(req.ID, result)
}

type sendMessage struct {
	TaskID    string         `json:"taskId,omitempty"`
	ContextID string         `json:"contextId,omitempty"`
	AgentID   string         `json:"agentId,omitempty"`
	Role      task.Role      `json:"role,omitempty"`
	Parts     []task.Part    `json:"parts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type sendParams struct {
	Message        sendMessage `json:"message"`
	TenantID       string      `json:"tenantId,omitempty"`
	HistoryLength  int         `json:"historyLength,omitempty"`
	CallbackURL    string      `json:"callbackUrl,omitempty"`
	CallbackSecret string      `json:"callbackSecret,omitempty"`
}

// messageSend creates or continues a task from an inbound message and,
// for payment-gated tasks, runs the attached proof through the gate.
func (d *Dispatcher) messageSend(ctx context.Context, raw json.RawMessage) (any, *Error) {
	var p sendParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, NewError(CodeInvalidParams, "malformed params: "+err.Error())
	}
	if len(p.Message.Parts) == 0 {
		return nil, NewError(CodeInvalidParams, "message.parts must be non-empty")
	}
	role := p.Message.Role
	if role == "" {
		role = task.RoleUser
	}

	t, rerr := d.resolveTarget(ctx, p)
	if rerr != nil {
		return nil, rerr
	}

	created := t == nil
	if created {
		agent, err := d.agents.GetAgent(ctx, p.Message.AgentID)
		if err != nil {
			if errors.Is(err, registry.ErrAgentNotFound) {
				return nil, NewError(CodeAgentNotFound, fmt.Sprintf("agent %q not found", p.Message.AgentID))
			}
			return nil, NewError(CodeInternalError, err.Error())
		}
		newTask := &task.Task{
			TenantID:       firstNonEmpty(p.TenantID, agent.TenantID),
			AgentID:        agent.ID,
			ContextID:      p.Message.ContextID,
			Metadata:       p.Message.Metadata,
			CallbackURL:    p.CallbackURL,
			CallbackSecret: p.CallbackSecret,
		}
		msg := task.NewMessage("", role, p.Message.Parts)
		msg.Metadata = p.Message.Metadata
		var cErr error
		t, cErr = d.tasks.Create(ctx, newTask, msg)
		if cErr != nil {
			return nil, NewError(CodeInternalError, cErr.Error())
		}
	} else {
		if t.State.Terminal() {
			return nil, NewError(CodeInvalidParams, fmt.Sprintf("cannot send message to task in state %q", t.State))
		}
		if _, err := d.tasks.AppendMessage(ctx, t.ID, role, p.Message.Parts, p.Message.Metadata); err != nil {
			if task.IsStateConflict(err) {
				return nil, NewError(CodeInvalidParams, err.Error())
			}
			return nil, NewError(CodeInternalError, err.Error())
		}
	}

	// A follow-up into a payment-gated task either satisfies the gate
	// or requeues the task as plain new input.
	if !created && t.State == task.StateInputRequired {
		if rerr := d.resumeGated(ctx, t.ID, p.Message.Parts); rerr != nil {
			return nil, rerr
		}
	}

	refreshed, err := d.tasks.Get(ctx, t.ID, p.HistoryLength)
	if err != nil {
		return nil, NewError(CodeInternalError, err.Error())
	}
	return refreshed, nil
}

// resolveTarget finds the task the message belongs to: an explicit
// taskId wins, then a live (agent, contextId) match; nil means a new
// task should be created.
func (d *Dispatcher) resolveTarget(ctx context.Context, p sendParams) (*task.Task, *Error) {
	if p.Message.TaskID != "" {
		t, err := d.tasks.Get(ctx, p.Message.TaskID, 0)
		if errors.Is(err, task.ErrNotFound) {
			return nil, NewError(CodeTaskNotFound, fmt.Sprintf("task %q not found", p.Message.TaskID))
		}
		if err != nil {
			return nil, NewError(CodeInternalError, err.Error())
		}
		return t, nil
	}
	if p.Message.ContextID != "" {
		t, err := d.tasks.FindByContext(ctx, p.Message.AgentID, p.Message.ContextID)
		if errors.Is(err, task.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, NewError(CodeInternalError, err.Error())
		}
		if t.State.Terminal() {
			// Terminal context tasks are history; start a fresh one.
			return nil, nil
		}
		return t, nil
	}
	return nil, nil
}

// resumeGated handles a follow-up message into an input-required task:
// a payment proof goes through the gate; plain input requeues directly.
func (d *Dispatcher) resumeGated(ctx context.Context, taskID string, parts []task.Part) *Error {
	proof, hasProof := payments.ExtractProof(parts)
	if !hasProof {
		if _, err := d.tasks.UpdateState(ctx, taskID, task.StateUpdate{
			State:         task.StateSubmitted,
			StatusMessage: "new input received",
		}); err != nil {
			return NewError(CodeInternalError, err.Error())
		}
		return nil
	}

	res, err := d.gate.ProcessPayment(ctx, taskID, proof)
	if err != nil {
		return NewError(CodeInternalError, err.Error())
	}
	tracing.AddSpanEvent(ctx, "payment.processed",
		attribute.String("proof_type", proof.Type),
		attribute.Bool("verified", res.Verified),
	)
	if !res.Verified {
		explain := []task.Part{task.TextPart("Payment verification failed: " + res.Reason)}
		if _, err := d.tasks.AppendMessage(ctx, taskID, task.RoleAgent, explain, nil); err != nil {
			return NewError(CodeInternalError, err.Error())
		}
		// Task stays input-required; the caller sees the explanation
		// in the returned history.
		return nil
	}

	// The gate left the task working; requeue so a worker re-claims
	// and finishes processing.
	if _, err := d.tasks.UpdateState(ctx, taskID, task.StateUpdate{
		State:         task.StateSubmitted,
		StatusMessage: "payment verified, requeued",
	}); err != nil {
		return NewError(CodeInternalError, err.Error())
	}
	return nil
}

type getParams struct {
	ID            string `json:"id"`
	HistoryLength int    `json:"historyLength,omitempty"`
}

func (d *Dispatcher) tasksGet(ctx context.Context, raw json.RawMessage) (any, *Error) {
	var p getParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, NewError(CodeInvalidParams, "malformed params: "+err.Error())
	}
	if p.ID == "" {
		return nil, NewError(CodeInvalidParams, "id is required")
	}
	t, err := d.tasks.Get(ctx, p.ID, p.HistoryLength)
	if errors.Is(err, task.ErrNotFound) {
		return nil, NewError(CodeTaskNotFound, fmt.Sprintf("task %q not found", p.ID))
	}
	if err != nil {
		return nil, NewError(CodeInternalError, err.Error())
	}
	return t, nil
}

type cancelParams struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

func (d *Dispatcher) tasksCancel(ctx context.Context, raw json.RawMessage) (any, *Error) {
	var p cancelParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, NewError(CodeInvalidParams, "malformed params: "+err.Error())
	}
	if p.ID == "" {
		return nil, NewError(CodeInvalidParams, "id is required")
	}
	t, err := d.tasks.Cancel(ctx, p.ID, p.Reason)
	if errors.Is(err, task.ErrNotFound) {
		return nil, NewError(CodeTaskNotFound, fmt.Sprintf("task %q not found", p.ID))
	}
	if task.IsStateConflict(err) {
		return nil, NewError(CodeInvalidParams, err.Error())
	}
	if err != nil {
		return nil, NewError(CodeInternalError, err.Error())
	}
	return t, nil
}

type retryWebhookParams struct {
	ID string `json:"id"`
}

// tasksRetryWebhook replays a dead-lettered delivery. Only tasks whose
// webhook status is dlq are eligible; everything else is rejected.
func (d *Dispatcher) tasksRetryWebhook(ctx context.Context, raw json.RawMessage) (any, *Error) {
	var p retryWebhookParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, NewError(CodeInvalidParams, "malformed params: "+err.Error())
	}
	if p.ID == "" {
		return nil, NewError(CodeInvalidParams, "id is required")
	}
	if _, err := d.tasks.Get(ctx, p.ID, 0); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return nil, NewError(CodeTaskNotFound, fmt.Sprintf("task %q not found", p.ID))
		}
		return nil, NewError(CodeInternalError, err.Error())
	}
	ok, err := d.webhooks.RetryFromDlq(ctx, p.ID)
	if err != nil {
		return nil, NewError(CodeInternalError, err.Error())
	}
	if !ok {
		return nil, NewError(CodeInvalidParams, fmt.Sprintf("task %q is not dead-lettered", p.ID))
	}
	t, err := d.tasks.Get(ctx, p.ID, 0)
	if err != nil {
		return nil, NewError(CodeInternalError, err.Error())
	}
	return t, nil
}

type listParams struct {
	AgentID   string `json:"agentId,omitempty"`
	State     string `json:"state,omitempty"`
	Direction string `json:"direction,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

func (d *Dispatcher) tasksList(ctx context.Context, raw json.RawMessage) (any, *Error) {
	var p listParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, NewError(CodeInvalidParams, "malformed params: "+err.Error())
		}
	}
	if p.State != "" && !task.State(p.State).Valid() {
		return nil, NewError(CodeInvalidParams, fmt.Sprintf("unknown state %q", p.State))
	}
	tasks, err := d.tasks.List(ctx, task.Filter{
		AgentID:   p.AgentID,
		State:     task.State(p.State),
		Direction: task.Direction(p.Direction),
		Limit:     p.Limit,
		Offset:    p.Offset,
	})
	if err != nil {
		return nil, NewError(CodeInternalError, err.Error())
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	return map[string]any{"tasks": tasks}, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
