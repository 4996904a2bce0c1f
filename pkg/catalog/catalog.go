package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rhuss/labflow/pkg/api"
)

// Catalog resolves protocols by ID.
type Catalog interface {
	// Protocol returns an active protocol. Missing and inactive protocols
	// both yield an error matching api.ErrProtocolNotFound.
	Protocol(ctx context.Context, id string) (*api.Protocol, error)

	// List returns every protocol, active or not, ordered by ID.
	List(ctx context.Context) ([]*api.Protocol, error)
}

// Memory is an in-memory Catalog. The whole protocol set is swapped
// atomically by Replace.
type Memory struct {
	mu        sync.RWMutex
	protocols map[string]*api.Protocol
}

var _ Catalog = (*Memory)(nil)

// NewMemory creates a catalog holding the given protocols.
func NewMemory(protocols ...*api.Protocol) (*Memory, error) {
	m := &Memory{protocols: map[string]*api.Protocol{}}
	if err := m.Replace(protocols); err != nil {
		return nil, err
	}
	return m, nil
}

// Replace validates protocols and swaps them in. On error the previous
// set stays in place.
func (m *Memory) Replace(protocols []*api.Protocol) error {
	next := make(map[string]*api.Protocol, len(protocols))
	for _, p := range protocols {
		if apiErr := api.ValidateProtocol(p); apiErr != nil {
			return apiErr
		}
		if _, dup := next[p.ID]; dup {
			return fmt.Errorf("duplicate protocol id %q", p.ID)
		}
		next[p.ID] = cloneProtocol(p)
	}

	m.mu.Lock()
	m.protocols = next
	m.mu.Unlock()
	return nil
}

// Protocol implements Catalog.
func (m *Memory) Protocol(_ context.Context, id string) (*api.Protocol, error) {
	m.mu.RLock()
	p, ok := m.protocols[id]
	m.mu.RUnlock()

	if !ok || !p.Active {
		return nil, api.NewProtocolNotFoundError(id)
	}
	return cloneProtocol(p), nil
}

// List implements Catalog.
func (m *Memory) List(_ context.Context) ([]*api.Protocol, error) {
	m.mu.RLock()
	out := make([]*api.Protocol, 0, len(m.protocols))
	for _, p := range m.protocols {
		out = append(out, cloneProtocol(p))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Len returns the number of loaded protocols.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.protocols)
}

// cloneProtocol copies p with its steps sorted by order and stamped with
// the protocol ID.
func cloneProtocol(p *api.Protocol) *api.Protocol {
	out := *p
	out.Steps = api.CloneSteps(p.Steps)
	sort.Slice(out.Steps, func(i, j int) bool { return out.Steps[i].Order < out.Steps[j].Order })
	for i := range out.Steps {
		if out.Steps[i].ProtocolID == "" {
			out.Steps[i].ProtocolID = p.ID
		}
	}
	return &out
}
