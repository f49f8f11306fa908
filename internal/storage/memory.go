package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps entities and ballots in process memory.
// Used by tests and ephemeral runs; no durability across restarts.
type memoryStore struct {
	mu       sync.Mutex
	entities map[Kind]map[string]Entity
	ballots  map[string]map[string]string // voteID -> voterID -> option
	dedup    map[string]time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		entities: map[Kind]map[string]Entity{},
		ballots:  map[string]map[string]string{},
		dedup:    map[string]time.Time{},
	}
}

func (m *memoryStore) ListNonTerminal(ctx context.Context, kind Kind) ([]Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entity
	for _, e := range m.entities[kind] {
		if !e.Status.Terminal() {
			out = append(out, e)
		}
	}
	// Stable order keeps batch processing deterministic.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) GetByID(ctx context.Context, kind Kind, id string) (Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[kind][id]
	if !ok {
		return Entity{}, ErrNotFound
	}
	return e, nil
}

func (m *memoryStore) Put(ctx context.Context, e Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	byID := m.entities[e.Kind]
	if byID == nil {
		byID = map[string]Entity{}
		m.entities[e.Kind] = byID
	}
	byID[e.ID] = e
	return nil
}

func (m *memoryStore) SetStatus(ctx context.Context, kind Kind, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[kind][id]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	e.UpdatedAt = time.Now()
	m.entities[kind][id] = e
	return nil
}

func (m *memoryStore) GetTally(ctx context.Context, voteID string) (Tally, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := Tally{}
	for voter, option := range m.ballots[voteID] {
		t[option] = append(t[option], voter)
	}
	for option := range t {
		sort.Strings(t[option])
	}
	return t, nil
}

func (m *memoryStore) SetBallot(ctx context.Context, voteID, voterID, option string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byVoter := m.ballots[voteID]
	if byVoter == nil {
		byVoter = map[string]string{}
		m.ballots[voteID] = byVoter
	}
	// Keyed by voter, so re-voting replaces the old option in one step.
	byVoter[voterID] = option
	return nil
}

func (m *memoryStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dedup[key] = until
	return nil
}

func (m *memoryStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.dedup[key]
	return until, ok, nil
}

func (m *memoryStore) Close() error { return nil }
