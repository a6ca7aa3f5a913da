package session

import (
	"context"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/metapod/internal/fault"
	"github.com/fyrsmithlabs/metapod/internal/ledger"
)

// Store persists session records.
type Store interface {
	// Save writes the full record of s.
	Save(ctx context.Context, s *Session) error
	// Load restores a session, active or archived.
	Load(ctx context.Context, id string) (*Session, error)
	// List summarizes every stored session, newest first.
	List(ctx context.Context) ([]Info, error)
	// FindActive returns the non-terminal session for workspace or ErrSessionNotFound.
	FindActive(ctx context.Context, workspace string) (*Session, error)
	// Archive moves a terminal session out of the active set.
	Archive(ctx context.Context, id string) error
}

// MemoryStore keeps records in memory. Records are stored in persisted form
// so Load always replays the journal.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]Record
	archived map[string]bool
	opts     []ledger.Option
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...ledger.Option) *MemoryStore {
	return &MemoryStore{records: make(map[string]Record), archived: make(map[string]bool), opts: opts}
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[s.ID] = s.Record()
	return nil
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	r, ok := m.records[id]
	m.mu.Unlock()
	if !ok {
		return nil, notFound("store.load", id)
	}
	return FromRecord(r, m.opts...)
}

// Put stores a raw record, for tests that simulate crashes.
func (m *MemoryStore) Put(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.Session.ID] = r
}

// Get returns the raw record of id.
func (m *MemoryStore) Get(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	return r, ok
}

// List implements Store.
func (m *MemoryStore) List(ctx context.Context) ([]Info, error) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(ids))
	for _, id := range ids {
		s, err := m.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		archived := m.archived[id]
		m.mu.Unlock()
		out = append(out, InfoOf(s, archived))
	}
	sortInfos(out)
	return out, nil
}

// FindActive implements Store.
func (m *MemoryStore) FindActive(ctx context.Context, workspace string) (*Session, error) {
	m.mu.Lock()
	var id string
	for rid, r := range m.records {
		if !m.archived[rid] && r.Session.Workspace == workspace && !r.Session.Status.Terminal() {
			id = rid
			break
		}
	}
	m.mu.Unlock()
	if id == "" {
		return nil, notFound("store.find_active", workspace)
	}
	return m.Load(ctx, id)
}

// Archive implements Store.
func (m *MemoryStore) Archive(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return notFound("store.archive", id)
	}
	if !r.Session.Status.Terminal() {
		return fault.Validationf("store.archive", "session %s is %s", id, r.Session.Status)
	}
	m.archived[id] = true
	return nil
}

func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].UpdatedAt.Equal(infos[j].UpdatedAt) {
			return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
		}
		return infos[i].ID < infos[j].ID
	})
}
