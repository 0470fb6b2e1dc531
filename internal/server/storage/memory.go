package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps everything in process. It is the default backend of
// the development server and of tests.
type MemoryBackend struct {
	mu  sync.RWMutex
	dbs map[string]map[string]*Record
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{dbs: make(map[string]map[string]*Record)}
}

func (m *MemoryBackend) CreateDatabase(ctx context.Context, db string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dbs[db]; ok {
		return errDatabaseExists(db)
	}
	m.dbs[db] = make(map[string]*Record)
	return nil
}

func (m *MemoryBackend) DeleteDatabase(ctx context.Context, db string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dbs[db]; !ok {
		return errNoDatabase(db)
	}
	delete(m.dbs, db)
	return nil
}

func (m *MemoryBackend) DatabaseExists(ctx context.Context, db string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.dbs[db]
	return ok, nil
}

func (m *MemoryBackend) ListDatabases(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.dbs))
	for name := range m.dbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryBackend) Get(ctx context.Context, db, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs, ok := m.dbs[db]
	if !ok {
		return nil, errNoDatabase(db)
	}
	rec, ok := docs[id]
	if !ok {
		return nil, errNoDocument(id)
	}
	return rec.Clone(), nil
}

func (m *MemoryBackend) Put(ctx context.Context, db string, rec *Record, expectRev string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs, ok := m.dbs[db]
	if !ok {
		return errNoDatabase(db)
	}
	if err := checkRevision(docs[rec.DocID], expectRev); err != nil {
		return err
	}
	docs[rec.DocID] = rec.Clone()
	return nil
}

func (m *MemoryBackend) List(ctx context.Context, db string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs, ok := m.dbs[db]
	if !ok {
		return nil, errNoDatabase(db)
	}
	out := make([]*Record, 0, len(docs))
	for _, rec := range docs {
		if !rec.Deleted {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocID < out[j].DocID })
	return out, nil
}

func (m *MemoryBackend) Close(ctx context.Context) error {
	return nil
}
