package types

// Sideband is per-block metadata stored alongside the block but outside its
// hash (spec §3.3). It makes chain traversal O(1) per step and balance
// lookups O(1) without re-walking the chain. RepresentativeAfter and
// EpochAfter extend the spec's literal five fields for the same reason
// BalanceAfter is there: rollback needs to restore the account row to its
// exact pre-block state without re-deriving it by walking further back
// through blocks that don't carry the field themselves (legacy send/receive
// blocks never carry a representative).
type Sideband struct {
	Successor           Hash // zero if this is the current chain head
	Account              Account
	BalanceAfter         Amount
	RepresentativeAfter Account
	EpochAfter          Epoch
	Height              uint64 // 1 for the opening block
	Timestamp           int64  // unix seconds
}

// StoredBlock pairs a Block with its Sideband, the unit actually persisted
// in the `blocks` table.
type StoredBlock struct {
	Block    *Block
	Sideband Sideband
}

// AccountInfo is the per-account row described in spec §3.4.
type AccountInfo struct {
	Head           Hash
	Representative Account
	OpenBlock      Hash
	Balance        Amount
	ModifiedUnix   int64
	BlockCount     uint64
	Epoch          Epoch
}

// PendingKey identifies a pending (unreceived send) entry: the destination
// account and the hash of the send block (spec §3.5).
type PendingKey struct {
	Destination Account
	Send        Hash
}

// PendingEntry is the value half of a pending entry: who sent it, how much,
// and under which epoch.
type PendingEntry struct {
	Source Account
	Amount Amount
	Epoch  Epoch
}
