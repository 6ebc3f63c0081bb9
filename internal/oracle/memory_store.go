package oracle

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/alswitch/internal/fspiop"
)

// MemoryStore keeps oracle descriptors in memory, for development mode
// (seeded from ORACLE_ENDPOINTS) and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]Descriptor
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[int64]Descriptor)}
}

// Create stores d, assigning an id when it has none.
func (m *MemoryStore) Create(_ context.Context, d *Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == 0 {
		m.nextID++
		d.ID = m.nextID
	} else if d.ID > m.nextID {
		m.nextID = d.ID
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	m.byID[d.ID] = *d
	return nil
}

func (m *MemoryStore) ByType(_ context.Context, t fspiop.PartyIDType) ([]Descriptor, error) {
	return m.filter(func(d Descriptor) bool { return d.PartyIDType == t }), nil
}

func (m *MemoryStore) ByTypeAndCurrency(_ context.Context, t fspiop.PartyIDType, currency string) ([]Descriptor, error) {
	return m.filter(func(d Descriptor) bool {
		return d.PartyIDType == t && d.Currency != nil && strings.EqualFold(*d.Currency, currency)
	}), nil
}

// List returns every descriptor ordered by id.
func (m *MemoryStore) List(_ context.Context) ([]Descriptor, error) {
	return m.filter(func(Descriptor) bool { return true }), nil
}

func (m *MemoryStore) filter(keep func(Descriptor) bool) []Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Descriptor
	for _, d := range m.byID {
		if keep(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
