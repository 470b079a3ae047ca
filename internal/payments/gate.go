// Package payments gates task transitions on verified payment proofs.
// Verification is a pure read against the registry: a failed proof
// never mutates the task, it only reports why the gate stayed closed.
package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/slyhq/sly/internal/logging"
	"github.com/slyhq/sly/internal/metrics"
	"github.com/slyhq/sly/internal/registry"
	"github.com/slyhq/sly/internal/task"
	"github.com/slyhq/sly/internal/tracing"
)

// Proof types accepted on the wire.
const (
	ProofX402   = "x402"
	ProofWallet = "wallet"
	ProofAP2    = "ap2"
)

// Proof is a payment attestation extracted from a message data part.
type Proof struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId,omitempty"`
	MandateID  string `json:"mandateId,omitempty"`
}

// Result reports a verification outcome. Verified=false carries the
// denial reason for the caller to relay; nothing was mutated.
type Result struct {
	Verified bool
	Reason   string
}

// Gate verifies payment proofs against the registry and advances the
// gated task on success.
type Gate struct {
	tasks     *task.Service
	transfers registry.TransferLookup
	mandates  registry.MandateLookup
	logger    *logging.Logger
}

func NewGate(tasks *task.Service, transfers registry.TransferLookup, mandates registry.MandateLookup) *Gate {
	return &Gate{
		tasks:     tasks,
		transfers: transfers,
		mandates:  mandates,
		logger:    logging.New("payments"),
	}
}

// Request describes a payment requirement attached to a task.
type Request struct {
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Endpoint    string  `json:"endpoint,omitempty"`
	Description string  `json:"description,omitempty"`
}

// RequirePayment parks the task in input-required with a payment
// request the client can satisfy. The agent message carries both a
// human-readable summary and a structured data part so programmatic
// clients don't have to parse prose.
func (g *Gate) RequirePayment(ctx context.Context, taskID string, req Request) (*task.Task, error) {
	ctx, span := tracing.StartSpan(ctx, "payments.require")
	defer span.End()

	statusMsg := fmt.Sprintf("payment required: %.2f %s", req.Amount, req.Currency)
	t, err := g.tasks.UpdateState(ctx, taskID, task.StateUpdate{
		State:         task.StateInputRequired,
		StatusMessage: statusMsg,
	})
	if err != nil {
		return nil, err
	}

	human := statusMsg
	if req.Description != "" {
		human = fmt.Sprintf("%s (%s)", statusMsg, req.Description)
	}
	data := map[string]any{
		"kind":     "payment_request",
		"amount":   req.Amount,
		"currency": req.Currency,
	}
	if req.Endpoint != "" {
		data["endpoint"] = req.Endpoint
	}
	if req.Description != "" {
		data["description"] = req.Description
	}
	parts := []task.Part{task.TextPart(human), task.DataPart(data)}
	if _, err := g.tasks.AppendMessage(ctx, taskID, task.RoleAgent, parts, nil); err != nil {
		return nil, err
	}
	g.logger.WithContext(ctx).WithTask(taskID).WithFields(map[string]any{
		"amount":   req.Amount,
		"currency": req.Currency,
	}).Info("task gated on payment")
	return t, nil
}

// ProcessPayment verifies the proof and, on success, links the payment
// to the task and moves it to working; the caller decides whether to
// requeue it for claiming. On failure the task is left exactly as it was.
func (g *Gate) ProcessPayment(ctx context.Context, taskID string, proof Proof) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "payments.process")
	defer span.End()

	var res Result
	var err error
	switch proof.Type {
	case ProofX402, ProofWallet:
		res, err = g.verifyTransfer(ctx, taskID, proof)
	case ProofAP2:
		res, err = g.verifyMandate(ctx, taskID, proof)
	default:
		res = Result{Reason: fmt.Sprintf("unsupported proof type %q", proof.Type)}
	}
	if err != nil {
		return Result{}, err
	}
	metrics.RecordPaymentVerification(proof.Type, res.Verified)
	if !res.Verified {
		g.logger.WithContext(ctx).WithTask(taskID).WithFields(map[string]any{
			"proof_type": proof.Type,
			"reason":     res.Reason,
		}).Warn("payment verification failed")
		return res, nil
	}

	if _, err := g.tasks.UpdateState(ctx, taskID, task.StateUpdate{
		State:         task.StateWorking,
		StatusMessage: "payment verified",
	}); err != nil {
		return Result{}, err
	}
	g.logger.WithContext(ctx).WithTask(taskID).WithField("proof_type", proof.Type).Info("payment verified")
	return res, nil
}

func (g *Gate) verifyTransfer(ctx context.Context, taskID string, proof Proof) (Result, error) {
	if proof.TransferID == "" {
		return Result{Reason: "missing transferId"}, nil
	}
	tr, err := g.transfers.GetTransfer(ctx, proof.TransferID)
	if errors.Is(err, registry.ErrTransferNotFound) {
		return Result{Reason: "transfer not found"}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if tr.Status != registry.TransferCompleted {
		return Result{Reason: fmt.Sprintf("transfer status is %q, want completed", tr.Status)}, nil
	}
	if err := g.tasks.LinkPayment(ctx, taskID, tr.ID, ""); err != nil {
		return Result{}, err
	}
	return Result{Verified: true}, nil
}

func (g *Gate) verifyMandate(ctx context.Context, taskID string, proof Proof) (Result, error) {
	if proof.MandateID == "" {
		return Result{Reason: "missing mandateId"}, nil
	}
	m, err := g.mandates.GetMandate(ctx, proof.MandateID)
	if errors.Is(err, registry.ErrMandateNotFound) {
		return Result{Reason: "mandate not found"}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if m.Status != registry.MandateActive {
		return Result{Reason: fmt.Sprintf("mandate status is %q, want active", m.Status)}, nil
	}
	// Mandate proofs may also reference the transfer drawn against it.
	if err := g.tasks.LinkPayment(ctx, taskID, proof.TransferID, m.ID); err != nil {
		return Result{}, err
	}
	if err := g.mandates.StampMandateTask(ctx, m.ID, taskID); err != nil {
		return Result{}, err
	}
	return Result{Verified: true}, nil
}

// CanUseSlyNativePayment reports whether the requester and the agent
// share a tenant, which allows internal settlement instead of an
// external proof. Pure query; no state is touched.
func CanUseSlyNativePayment(ctx context.Context, agents registry.AgentLookup, requesterTenantID, agentID string) (bool, error) {
	a, err := agents.GetAgent(ctx, agentID)
	if errors.Is(err, registry.ErrAgentNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return requesterTenantID != "" && a.TenantID == requesterTenantID, nil
}

// ExtractProof scans message parts for a payment proof data part
// (kind == "payment_proof") and decodes it. Returns ok=false when no
// proof part is present.
func ExtractProof(parts []task.Part) (Proof, bool) {
	for _, p := range parts {
		if p.Kind != task.PartKindData || p.Data == nil {
			continue
		}
		kind, _ := p.Data["kind"].(string)
		if kind != "payment_proof" {
			continue
		}
		var proof Proof
		if v, ok := p.Data["type"].(string); ok {
			proof.Type = v
		}
		if v, ok := p.Data["transferId"].(string); ok {
			proof.TransferID = v
		}
		if v, ok := p.Data["mandateId"].(string); ok {
			proof.MandateID = v
		}
		return proof, true
	}
	return Proof{}, false
}
