package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry implements the lookup interfaces in memory for tests
// and local development.
type MemoryRegistry struct {
	mu        sync.RWMutex
	agents    map[string]*Agent
	transfers map[string]*Transfer
	mandates  map[string]*Mandate
}

var (
	_ AgentLookup    = (*MemoryRegistry)(nil)
	_ TransferLookup = (*MemoryRegistry)(nil)
	_ MandateLookup  = (*MemoryRegistry)(nil)
)

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		agents:    make(map[string]*Agent),
		transfers: make(map[string]*Transfer),
		mandates:  make(map[string]*Mandate),
	}
}

func (r *MemoryRegistry) PutAgent(a *Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.agents[a.ID] = &cp
}

func (r *MemoryRegistry) PutTransfer(t *Transfer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.transfers[t.ID] = &cp
}

func (r *MemoryRegistry) PutMandate(m *Mandate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *m
	r.mandates[m.ID] = &cp
}

func (r *MemoryRegistry) GetAgent(ctx context.Context, id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryRegistry) ListAgents(ctx context.Context) ([]*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRegistry) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transfers[id]
	if !ok {
		return nil, ErrTransferNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *MemoryRegistry) GetMandate(ctx context.Context, id string) (*Mandate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mandates[id]
	if !ok {
		return nil, ErrMandateNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *MemoryRegistry) StampMandateTask(ctx context.Context, mandateID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mandates[mandateID]
	if !ok {
		return ErrMandateNotFound
	}
	m.TaskID = taskID
	return nil
}
