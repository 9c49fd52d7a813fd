package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Memory is an in-memory Store. All operations are serialized behind one
// mutex, which is what makes its batches and transactions atomic.
type Memory struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte)}
}

func (m *Memory) Get(ctx context.Context, path string, dest any) error {
	m.mu.RLock()
	raw, ok := m.docs[path]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return json.Unmarshal(raw, dest)
}

func (m *Memory) Set(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	m.mu.Lock()
	m.docs[path] = raw
	m.mu.Unlock()
	return nil
}

func (m *Memory) Update(ctx context.Context, path string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(path, fields)
}

func (m *Memory) updateLocked(path string, fields map[string]any) error {
	raw, ok := m.docs[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	doc := make(map[string]any)
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if err := applyFields(doc, fields); err != nil {
		return err
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to re-encode %s: %w", path, err)
	}
	m.docs[path] = merged
	return nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	delete(m.docs, path)
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(ctx context.Context, collection string) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(collection), nil
}

func (m *Memory) listLocked(collection string) []Snapshot {
	prefix := collection + "/"
	var snaps []Snapshot
	for path, raw := range m.docs {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		id := path[len(prefix):]
		if strings.Contains(id, "/") {
			continue // document in a nested subcollection
		}
		data := make([]byte, len(raw))
		copy(data, raw)
		snaps = append(snaps, Snapshot{ID: id, Data: data})
	}
	sortSnapshots(snaps)
	return snaps
}

func (m *Memory) DeleteCollection(ctx context.Context, collection string) error {
	prefix := collection + "/"
	m.mu.Lock()
	for path := range m.docs {
		if strings.HasPrefix(path, prefix) {
			delete(m.docs, path)
		}
	}
	m.mu.Unlock()
	return nil
}

// ============================================================================
// BATCHES AND TRANSACTIONS
// ============================================================================

type memoryWrite struct {
	kind   string // "set", "update", "delete"
	path   string
	value  any
	fields map[string]any
}

type memoryBatch struct {
	writes []memoryWrite
}

func (b *memoryBatch) Set(path string, value any) {
	b.writes = append(b.writes, memoryWrite{kind: "set", path: path, value: value})
}

func (b *memoryBatch) Update(path string, fields map[string]any) {
	b.writes = append(b.writes, memoryWrite{kind: "update", path: path, fields: fields})
}

func (b *memoryBatch) Delete(path string) {
	b.writes = append(b.writes, memoryWrite{kind: "delete", path: path})
}

func (m *Memory) applyLocked(writes []memoryWrite) error {
	for _, w := range writes {
		switch w.kind {
		case "set":
			raw, err := json.Marshal(w.value)
			if err != nil {
				return fmt.Errorf("failed to marshal %s: %w", w.path, err)
			}
			m.docs[w.path] = raw
		case "update":
			if err := m.updateLocked(w.path, w.fields); err != nil {
				return err
			}
		case "delete":
			delete(m.docs, w.path)
		}
	}
	return nil
}

func (m *Memory) RunBatch(ctx context.Context, fn func(b Writer) error) error {
	batch := &memoryBatch{}
	if err := fn(batch); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(batch.writes)
}

type memoryTx struct {
	memoryBatch
	store *Memory
}

func (t *memoryTx) Get(path string, dest any) error {
	raw, ok := t.store.docs[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return json.Unmarshal(raw, dest)
}

func (t *memoryTx) List(collection string) ([]Snapshot, error) {
	return t.store.listLocked(collection), nil
}

// RunTransaction holds the store lock for the duration of fn, so reads see a
// stable view and the staged writes apply atomically.
func (m *Memory) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memoryTx{store: m}
	if err := fn(tx); err != nil {
		return err
	}
	return m.applyLocked(tx.writes)
}
