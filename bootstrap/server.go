package bootstrap

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/latticenode/ledger"
	"github.com/tolelom/latticenode/store"
	"github.com/tolelom/latticenode/types"
)

// Server answers the peer-initiated requests spec §4.10 names: frontier_req,
// bulk_pull, bulk_pull_account, bulk_push. It only reads/writes the store —
// the wire framing and response delivery belong to network/, which embeds a
// Server and calls these methods once it has decoded an incoming header.
type Server struct {
	db   store.DB
	sink BlockSink
}

// NewServer constructs a Server bound to db and sink (the same unverified
// queue bulk_push'd blocks are fed into).
func NewServer(db store.DB, sink BlockSink) *Server {
	return &Server{db: db, sink: sink}
}

// FrontierReq streams (account, head) pairs starting at start, in ascending
// account order, stopping after count pairs or when each returns false
// (spec §6.1 frontier_req: `{start[32], age_le_u32, count_le_u32}`). Age
// filtering is left to the caller, who has the ModifiedUnix timestamp
// available via a direct ledger.LoadAccountInfo lookup if needed.
func (s *Server) FrontierReq(start types.Account, count uint32, each func(account types.Account, head types.Hash) bool) error {
	r := s.db.BeginRead()
	defer r.Discard()
	sent := uint32(0)
	return ledger.IterateFrontiers(r, start, func(f ledger.Frontier) bool {
		if count > 0 && sent >= count {
			return false
		}
		sent++
		return each(f.Account, f.Head)
	})
}

// BulkPull streams every block in account's chain between start (exclusive,
// the peer's last-known head) and end (the chain head if zero), oldest
// first (spec §6.1 bulk_pull: `{start[32], end[32]}`).
func (s *Server) BulkPull(account types.Account, start, end types.Hash, each func(typ types.BlockType, raw []byte) error) error {
	r := s.db.BeginRead()
	defer r.Discard()

	info, err := ledger.LoadAccountInfo(r, account)
	if err != nil {
		return err
	}
	if info == nil {
		return nil
	}
	head := info.Head
	if !end.IsZero() {
		head = end
	}

	var chain []*types.StoredBlock
	cursor := head
	for cursor != start {
		if cursor.IsZero() {
			break
		}
		stored, err := ledger.LoadBlock(r, cursor)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				break
			}
			return err
		}
		chain = append(chain, stored)
		cursor = stored.Block.Previous
	}
	for i := len(chain) - 1; i >= 0; i-- {
		raw, err := chain[i].Block.MarshalBinary()
		if err != nil {
			return err
		}
		if err := each(chain[i].Block.Type, raw); err != nil {
			return err
		}
	}
	return nil
}

// PullByHash streams exactly the single block stored under hash, if any,
// for a lazy bootstrap predecessor walk that supplies a specific hash
// rather than an account to stream a whole chain from (spec §4.10 "Lazy").
func (s *Server) PullByHash(hash types.Hash, each func(typ types.BlockType, raw []byte) error) (bool, error) {
	r := s.db.BeginRead()
	defer r.Discard()
	stored, err := ledger.LoadBlock(r, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	raw, err := stored.Block.MarshalBinary()
	if err != nil {
		return false, err
	}
	return true, each(stored.Block.Type, raw)
}

// PendingEntry is one row of a bulk_pull_account response.
type PendingEntry struct {
	Send   types.Hash
	Source types.Account
	Amount types.Amount
}

// BulkPullAccount streams account's pending (unreceived) entries whose
// amount is at least minAmount (spec §6.1 bulk_pull_account:
// `{account[32], min_amount[16], flags_u8}`).
func (s *Server) BulkPullAccount(account types.Account, minAmount types.Amount, each func(PendingEntry) bool) error {
	r := s.db.BeginRead()
	defer r.Discard()
	it := r.Iterate(store.TablePending, account[:])
	defer it.Release()
	for it.Next() {
		var send types.Hash
		copy(send[:], it.Key()[types.AccountSize:])
		var entry types.PendingEntry
		if err := json.Unmarshal(it.Value(), &entry); err != nil {
			return fmt.Errorf("bootstrap: decode pending entry: %w", err)
		}
		if entry.Amount.Cmp(minAmount) < 0 {
			continue
		}
		if !each(PendingEntry{Send: send, Source: entry.Source, Amount: entry.Amount}) {
			return nil
		}
	}
	return it.Error()
}

// BulkPush accepts a stream of client-uploaded blocks, feeding each into the
// same unverified queue a pulled block would go through (spec §6.1
// bulk_push: blocks stream follows until a terminating not_a_block type
// byte; the terminator itself is the caller's concern, not this method's —
// it simply processes whatever it's handed, one block at a time).
func (s *Server) BulkPush(typ types.BlockType, raw []byte) error {
	block, err := types.UnmarshalBlock(typ, raw)
	if err != nil {
		return err
	}
	return s.sink.Enqueue(block)
}
