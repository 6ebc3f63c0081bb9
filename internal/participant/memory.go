package participant

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-memory registry for development mode and tests.
type MemoryRegistry struct {
	mu           sync.RWMutex
	participants map[string]Participant
	endpoints    map[string][]Endpoint
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		participants: make(map[string]Participant),
		endpoints:    make(map[string][]Endpoint),
	}
}

// Add registers or replaces a participant.
func (m *MemoryRegistry) Add(p Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participants[p.Name] = p
}

// AddEndpoint registers an endpoint for name, replacing one of the same type.
func (m *MemoryRegistry) AddEndpoint(name string, ep Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eps := m.endpoints[name]
	for i := range eps {
		if eps[i].Type == ep.Type {
			eps[i] = ep
			return
		}
	}
	m.endpoints[name] = append(eps, ep)
}

func (m *MemoryRegistry) ValidateParticipant(_ context.Context, name string) (*Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[name]
	if !ok || !p.Active() {
		return nil, nil
	}
	return &p, nil
}

func (m *MemoryRegistry) Endpoints(_ context.Context, name string) ([]Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.participants[name]; !ok {
		return nil, ErrNotFound
	}
	eps := make([]Endpoint, len(m.endpoints[name]))
	copy(eps, m.endpoints[name])
	return eps, nil
}

func (m *MemoryRegistry) ListProxies(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for _, p := range m.participants {
		if p.IsProxy && p.Active() {
			names = append(names, p.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}
