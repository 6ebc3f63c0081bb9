package proxycache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryClient is a single-process Client for development mode and tests.
type MemoryClient struct {
	mu         sync.Mutex
	opts       Options
	now        func() time.Time
	mappings   map[string]string
	pending    map[string]map[string]struct{}
	alsExpiry  map[string]time.Time
	getParties map[string]time.Time

	down bool
}

// NewMemoryClient creates an empty client.
func NewMemoryClient(opts Options) *MemoryClient {
	return &MemoryClient{
		opts:       opts.withDefaults(),
		now:        time.Now,
		mappings:   make(map[string]string),
		pending:    make(map[string]map[string]struct{}),
		alsExpiry:  make(map[string]time.Time),
		getParties: make(map[string]time.Time),
	}
}

// WithClock replaces the time source. Used by tests.
func (m *MemoryClient) WithClock(now func() time.Time) *MemoryClient {
	m.now = now
	return m
}

func (m *MemoryClient) check(op string) error {
	if m.down {
		cacheErrors.WithLabelValues(op).Inc()
		return &UnavailableError{Op: op, Err: errors.New("memory cache marked down")}
	}
	return nil
}

func (m *MemoryClient) LookupProxyByDfspID(_ context.Context, fspID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("lookup_proxy"); err != nil {
		return "", err
	}
	return m.mappings[fspID], nil
}

func (m *MemoryClient) AddDfspIDToProxyMapping(_ context.Context, fspID, proxyID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("add_mapping"); err != nil {
		return false, err
	}
	changed := m.mappings[fspID] != proxyID
	m.mappings[fspID] = proxyID
	return changed, nil
}

func (m *MemoryClient) RemoveDfspIDFromProxyMapping(_ context.Context, fspID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("remove_mapping"); err != nil {
		return false, err
	}
	_, ok := m.mappings[fspID]
	delete(m.mappings, fspID)
	return ok, nil
}

func (m *MemoryClient) SetSendToProxiesList(_ context.Context, req AlsRequest, proxies []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("set_proxies"); err != nil {
		return false, err
	}
	set := make(map[string]struct{}, len(proxies))
	for _, p := range proxies {
		set[p] = struct{}{}
	}
	key := req.Key()
	m.pending[key] = set
	m.alsExpiry[key] = m.now().Add(m.opts.DiscoveryTTL)
	return true, nil
}

func (m *MemoryClient) ReceivedSuccessResponse(_ context.Context, req AlsRequest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("received_success"); err != nil {
		return false, err
	}
	key := req.Key()
	_, ok := m.pending[key]
	delete(m.pending, key)
	delete(m.alsExpiry, key)
	return ok, nil
}

func (m *MemoryClient) ReceivedErrorResponse(_ context.Context, req AlsRequest, proxyID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("received_error"); err != nil {
		return false, err
	}
	key := req.Key()
	set := m.pending[key]
	delete(set, proxyID)
	if len(set) == 0 {
		delete(m.pending, key)
		delete(m.alsExpiry, key)
		return true, nil
	}
	return false, nil
}

func (m *MemoryClient) SetProxyGetPartiesTimeout(_ context.Context, req AlsRequest, proxyID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("set_get_parties_timeout"); err != nil {
		return false, err
	}
	m.getParties[getPartiesMember(req, proxyID)] = m.now().Add(m.opts.GetPartiesTTL)
	return true, nil
}

func (m *MemoryClient) RemoveProxyGetPartiesTimeout(_ context.Context, req AlsRequest, proxyID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("remove_get_parties_timeout"); err != nil {
		return false, err
	}
	member := getPartiesMember(req, proxyID)
	_, ok := m.getParties[member]
	delete(m.getParties, member)
	return ok, nil
}

func (m *MemoryClient) ProcessExpiredAlsKeys(ctx context.Context, handler Handler, batchSize int) error {
	return m.processExpired(ctx, VariantInterScheme, handler, batchSize)
}

func (m *MemoryClient) ProcessExpiredProxyGetPartiesKeys(ctx context.Context, handler Handler, batchSize int) error {
	return m.processExpired(ctx, VariantProxyGetParties, handler, batchSize)
}

func (m *MemoryClient) processExpired(ctx context.Context, v Variant, handler Handler, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 100
	}
	var errs []error
	for ctx.Err() == nil {
		batch, err := m.claimBatch(v, batchSize)
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
		for _, member := range batch {
			expiredKeys.WithLabelValues(string(v)).Inc()
			key, err := expiredFromMember(v, member)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if err := handler(ctx, key); err != nil {
				errs = append(errs, err)
			}
		}
		if len(batch) < batchSize {
			break
		}
	}
	return errors.Join(errs...)
}

// claimBatch removes up to n expired members, oldest deadline first.
func (m *MemoryClient) claimBatch(v Variant, n int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("process_expired_" + string(v)); err != nil {
		return nil, err
	}

	index := m.alsExpiry
	if v == VariantProxyGetParties {
		index = m.getParties
	}
	now := m.now()
	var due []string
	for member, at := range index {
		if !at.After(now) {
			due = append(due, member)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if index[due[i]].Equal(index[due[j]]) {
			return due[i] < due[j]
		}
		return index[due[i]].Before(index[due[j]])
	})
	if len(due) > n {
		due = due[:n]
	}
	for _, member := range due {
		delete(index, member)
		if v == VariantInterScheme {
			delete(m.pending, member)
		}
	}
	return due, nil
}

func (m *MemoryClient) HealthCheck(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.down
}

// SetDown toggles simulated unavailability.
func (m *MemoryClient) SetDown(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
}
