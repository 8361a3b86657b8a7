package aggregator

import (
	"context"
	"math/big"
	"sort"
	"sync"
)

// MemoryStore keeps everything in process memory. Transactions stage writes and
// publish them on success.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string]*memChain
}

type memChain struct {
	samples   map[string]Sample
	members   map[WindowKind][]string
	state     State
	hasState  bool
	cursor    uint64
	hasCursor bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string]*memChain)}
}

func (m *MemoryStore) chain(chainID string) *memChain {
	c, ok := m.chains[chainID]
	if !ok {
		c = &memChain{
			samples: make(map[string]Sample),
			members: make(map[WindowKind][]string),
		}
		m.chains[chainID] = c
	}
	return c
}

// Apply implements Store.
func (m *MemoryStore) Apply(ctx context.Context, chainID string, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		base:    m.chain(chainID),
		samples: make(map[string]Sample),
		members: make(map[WindowKind][]string),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// State implements Store.
func (m *MemoryStore) State(_ context.Context, chainID string) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.chains[chainID]
	if !ok || !c.hasState {
		return EmptyState(chainID), nil
	}
	return copyState(c.state), nil
}

// ListSamples returns samples with from <= ObservedAt < to in block order.
func (m *MemoryStore) ListSamples(_ context.Context, chainID string, from, to uint64) ([]Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Sample, 0)
	if c, ok := m.chains[chainID]; ok {
		for _, s := range c.samples {
			if s.ObservedAt >= from && s.ObservedAt < to {
				out = append(out, copySample(s))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockNumber < out[j].BlockNumber })
	return out, nil
}

// RecentSamples returns up to limit samples, newest first.
func (m *MemoryStore) RecentSamples(_ context.Context, chainID string, limit int) ([]Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Sample, 0)
	if c, ok := m.chains[chainID]; ok {
		for _, s := range c.samples {
			out = append(out, copySample(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockNumber > out[j].BlockNumber })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Cursor implements CursorStore.
func (m *MemoryStore) Cursor(_ context.Context, chainID string) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.chains[chainID]
	if !ok || !c.hasCursor {
		return 0, false, nil
	}
	return c.cursor, true, nil
}

// SetCursor implements CursorStore.
func (m *MemoryStore) SetCursor(_ context.Context, chainID string, height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.chain(chainID)
	c.cursor = height
	c.hasCursor = true
	return nil
}

type memTx struct {
	base    *memChain
	samples map[string]Sample
	members map[WindowKind][]string
	state   *State
}

func (t *memTx) Sample(_ context.Context, id string) (Sample, bool, error) {
	if s, ok := t.samples[id]; ok {
		return copySample(s), true, nil
	}
	if s, ok := t.base.samples[id]; ok {
		return copySample(s), true, nil
	}
	return Sample{}, false, nil
}

func (t *memTx) Samples(ctx context.Context, ids []string) (map[string]Sample, error) {
	out := make(map[string]Sample, len(ids))
	for _, id := range ids {
		if s, ok, _ := t.Sample(ctx, id); ok {
			out[id] = s
		}
	}
	return out, nil
}

func (t *memTx) InsertSample(_ context.Context, sample Sample) error {
	t.samples[sample.ID] = copySample(sample)
	return nil
}

func (t *memTx) Membership(_ context.Context, kind WindowKind) ([]string, error) {
	if ids, ok := t.members[kind]; ok {
		return append([]string(nil), ids...), nil
	}
	return append([]string(nil), t.base.members[kind]...), nil
}

func (t *memTx) SetMembership(_ context.Context, kind WindowKind, ids []string) error {
	t.members[kind] = append([]string(nil), ids...)
	return nil
}

func (t *memTx) State(_ context.Context) (State, error) {
	if t.state != nil {
		return copyState(*t.state), nil
	}
	if !t.base.hasState {
		return EmptyState(""), nil
	}
	return copyState(t.base.state), nil
}

func (t *memTx) SetState(_ context.Context, state State) error {
	s := copyState(state)
	t.state = &s
	return nil
}

func (t *memTx) commit() {
	for id, s := range t.samples {
		t.base.samples[id] = s
	}
	for kind, ids := range t.members {
		t.base.members[kind] = ids
	}
	if t.state != nil {
		t.base.state = *t.state
		t.base.hasState = true
	}
}

func copySample(s Sample) Sample {
	if s.FeeValue != nil {
		s.FeeValue = new(big.Int).Set(s.FeeValue)
	}
	return s
}

func copyState(s State) State {
	s.AverageDaily = cloneInt(s.AverageDaily)
	s.AverageWeekly = cloneInt(s.AverageWeekly)
	s.AverageMonthly = cloneInt(s.AverageMonthly)
	return s
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

var (
	_ Store        = (*MemoryStore)(nil)
	_ SampleLister = (*MemoryStore)(nil)
	_ CursorStore  = (*MemoryStore)(nil)
)
