// Package store provides the ordered key-value tables the rest of the node
// persists into: blocks, accounts, pending, unchecked, frontiers,
// representation, vote, online_weight, peers, confirmation_height and meta
// (spec §4.1). It exposes two transaction kinds — read (an independent
// snapshot, may overlap with other reads and with the single writer) and
// write (exclusive, admitted FIFO through WriteQueue) — so that
// confirmation-height and block-processor writers never interleave
// (spec §5).
package store

import "errors"

// ErrNotFound is returned when a requested key does not exist.
var ErrNotFound = errors.New("store: not found")

// Table names one of the node's logical tables. Each is implemented as a
// key prefix over the single LevelDB keyspace, the same technique the
// teacher's StateDB used for its five entity prefixes (generalized here to
// the spec's eleven tables).
type Table string

const (
	TableBlocks             Table = "blocks/"
	TableAccounts           Table = "accounts/"
	TablePending            Table = "pending/"
	TableUnchecked          Table = "unchecked/"
	TableFrontiers          Table = "frontiers/"
	TableRepresentation     Table = "representation/"
	TableVote               Table = "vote/"
	TableOnlineWeight       Table = "online_weight/"
	TablePeers              Table = "peers/"
	TableConfirmationHeight Table = "confirmation_height/"
	TableMeta               Table = "meta/"
)

// AllTables enumerates every table for iteration/migration purposes.
var AllTables = []Table{
	TableBlocks, TableAccounts, TablePending, TableUnchecked, TableFrontiers,
	TableRepresentation, TableVote, TableOnlineWeight, TablePeers,
	TableConfirmationHeight, TableMeta,
}

// Iterator walks key-value pairs matching a prefix within one table, in key
// order.
type Iterator interface {
	Next() bool
	Key() []byte   // key with the table prefix stripped
	Value() []byte
	Release()
	Error() error
}

// Reader is the read-only subset of operations available both inside a read
// transaction and inside a write transaction (which can read back its own
// uncommitted writes).
type Reader interface {
	Get(table Table, key []byte) ([]byte, error)
	Exists(table Table, key []byte) (bool, error)
	Count(table Table) (int, error)
	Iterate(table Table, prefix []byte) Iterator
}

// Tx is a read-only snapshot transaction. Multiple Tx may be open
// concurrently with each other and with the single active Txn (spec §5:
// "Readers take independent read transactions and never block writers.").
type Tx interface {
	Reader
	Discard()
}

// Txn is the single writable transaction. Obtained only through
// DB.BeginWrite, which waits on the WriteQueue so that writers are admitted
// FIFO across writer classes (spec §4.1, §5).
type Txn interface {
	Reader
	Put(table Table, key, value []byte) error
	Delete(table Table, key []byte) error
	// Commit flushes all buffered writes atomically and releases the
	// writer ticket. Discard abandons them.
	Commit() error
	Discard()
}

// DB is the store engine: it opens read transactions freely and serializes
// write transactions through its WriteQueue.
type DB interface {
	BeginRead() Tx
	// BeginWrite blocks until this caller reaches the head of the write
	// queue (spec §5), then returns the single buffered write transaction.
	// Callers must Commit or Discard exactly once.
	BeginWrite() Txn
	Queue() *WriteQueue
	// MetaVersion/SetMetaVersion back the migration subsystem (migration.go).
	MetaVersion() (int, error)
	SetMetaVersion(int) error
	Close() error
}
