// Package testutil provides an in-memory store.DB for use in tests across
// the module. Never import this from production code.
package testutil

import (
	"sort"
	"strings"
	"sync"

	"github.com/tolelom/latticenode/store"
)

// MemStore is a thread-safe in-memory store.DB, sharing the exact
// read/write-transaction and write-queue semantics LevelStore provides so
// that tests exercise the same concurrency contract as the production
// engine (spec §5).
type MemStore struct {
	mu    sync.RWMutex
	data  map[string][]byte
	queue *store.WriteQueue
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte), queue: store.NewWriteQueue()}
}

func (m *MemStore) Queue() *store.WriteQueue { return m.queue }
func (m *MemStore) Close() error             { return nil }

func (m *MemStore) MetaVersion() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(store.TableMeta)+"version"]
	if !ok {
		return 0, nil
	}
	return int(v[0])<<24 | int(v[1])<<16 | int(v[2])<<8 | int(v[3]), nil
}

func (m *MemStore) SetMetaVersion(version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(store.TableMeta)+"version"] = []byte{byte(version >> 24), byte(version >> 16), byte(version >> 8), byte(version)}
	return nil
}

func (m *MemStore) snapshot() map[string][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make(map[string][]byte, len(m.data))
	for k, v := range m.data {
		cp[k] = v
	}
	return cp
}

// ---- read transaction ----

type memTx struct {
	view map[string][]byte
}

func (m *MemStore) BeginRead() store.Tx {
	return &memTx{view: m.snapshot()}
}

func (t *memTx) Get(table store.Table, key []byte) ([]byte, error) {
	v, ok := t.view[string(table)+string(key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (t *memTx) Exists(table store.Table, key []byte) (bool, error) {
	_, err := t.Get(table, key)
	if err == store.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (t *memTx) Count(table store.Table) (int, error) {
	it := t.Iterate(table, nil)
	n := 0
	for it.Next() {
		n++
	}
	return n, nil
}

func (t *memTx) Iterate(table store.Table, prefix []byte) store.Iterator {
	full := string(table) + string(prefix)
	var keys []string
	for k := range t.view {
		if strings.HasPrefix(k, full) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return &memIterator{view: t.view, keys: keys, prefixLen: len(table), idx: -1}
}

func (t *memTx) Discard() {}

type memIterator struct {
	view      map[string][]byte
	keys      []string
	prefixLen int
	idx       int
}

func (i *memIterator) Next() bool {
	i.idx++
	return i.idx < len(i.keys)
}
func (i *memIterator) Key() []byte   { return []byte(i.keys[i.idx])[i.prefixLen:] }
func (i *memIterator) Value() []byte { return i.view[i.keys[i.idx]] }
func (i *memIterator) Release()      {}
func (i *memIterator) Error() error  { return nil }

// ---- write transaction ----

type memTxn struct {
	store   *MemStore
	release func()
	view    map[string][]byte
	dirty   map[string][]byte
	deleted map[string]bool
	done    bool
}

func (m *MemStore) BeginWrite() store.Txn {
	release := m.queue.Wait()
	return &memTxn{
		store:   m,
		release: release,
		view:    m.snapshot(),
		dirty:   make(map[string][]byte),
		deleted: make(map[string]bool),
	}
}

func (t *memTxn) fullKey(table store.Table, key []byte) string {
	return string(table) + string(key)
}

func (t *memTxn) Get(table store.Table, key []byte) ([]byte, error) {
	fk := t.fullKey(table, key)
	if t.deleted[fk] {
		return nil, store.ErrNotFound
	}
	if v, ok := t.dirty[fk]; ok {
		return v, nil
	}
	if v, ok := t.view[fk]; ok {
		return v, nil
	}
	return nil, store.ErrNotFound
}

func (t *memTxn) Exists(table store.Table, key []byte) (bool, error) {
	_, err := t.Get(table, key)
	if err == store.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (t *memTxn) Count(table store.Table) (int, error) {
	it := t.Iterate(table, nil)
	n := 0
	for it.Next() {
		n++
	}
	return n, nil
}

func (t *memTxn) Iterate(table store.Table, prefix []byte) store.Iterator {
	full := string(table) + string(prefix)
	merged := make(map[string][]byte)
	for k, v := range t.view {
		if strings.HasPrefix(k, full) {
			merged[k] = v
		}
	}
	for k, v := range t.dirty {
		if strings.HasPrefix(k, full) {
			merged[k] = v
		}
	}
	for k := range t.deleted {
		delete(merged, k)
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &memIterator{view: merged, keys: keys, prefixLen: len(table), idx: -1}
}

func (t *memTxn) Put(table store.Table, key, value []byte) error {
	fk := t.fullKey(table, key)
	delete(t.deleted, fk)
	cp := make([]byte, len(value))
	copy(cp, value)
	t.dirty[fk] = cp
	return nil
}

func (t *memTxn) Delete(table store.Table, key []byte) error {
	fk := t.fullKey(table, key)
	delete(t.dirty, fk)
	t.deleted[fk] = true
	return nil
}

func (t *memTxn) Commit() error {
	if t.done {
		return nil
	}
	t.store.mu.Lock()
	for k, v := range t.dirty {
		t.store.data[k] = v
	}
	for k := range t.deleted {
		delete(t.store.data, k)
	}
	t.store.mu.Unlock()
	t.finish()
	return nil
}

func (t *memTxn) Discard() {
	if t.done {
		return
	}
	t.finish()
}

func (t *memTxn) finish() {
	t.done = true
	t.release()
}

var _ store.DB = (*MemStore)(nil)
