// Package ledger implements the block-lattice validation state machine
// (spec §4.2): it processes one block at a time against the current store
// state, enforcing the ordering, balance and signature invariants of spec
// §3.9, and maintains the incremental representative-weight index. It is a
// pure function of store state — no goroutines, no caches, no network
// awareness.
package ledger

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/tolelom/latticenode/store"
	"github.com/tolelom/latticenode/types"
)

// Code is the outcome of Process, mirroring the original node's
// process_return::process_result enum (spec §4.2).
type Code int

const (
	Progress Code = iota
	BadSignature
	Old
	NegativeSpend
	Fork
	Unreceivable
	GapPrevious
	GapSource
	OpenedBurnAccount
	BalanceMismatch
	RepresentativeMismatch
	BlockPosition
)

func (c Code) String() string {
	switch c {
	case Progress:
		return "progress"
	case BadSignature:
		return "bad_signature"
	case Old:
		return "old"
	case NegativeSpend:
		return "negative_spend"
	case Fork:
		return "fork"
	case Unreceivable:
		return "unreceivable"
	case GapPrevious:
		return "gap_previous"
	case GapSource:
		return "gap_source"
	case OpenedBurnAccount:
		return "opened_burn_account"
	case BalanceMismatch:
		return "balance_mismatch"
	case RepresentativeMismatch:
		return "representative_mismatch"
	case BlockPosition:
		return "block_position"
	default:
		return "unknown"
	}
}

// Result carries everything callers (block processor, active transactions)
// need after a Process call.
type Result struct {
	Code           Code
	Account        types.Account
	Amount         types.Amount // the send/receive delta; zero for change/epoch
	PendingAccount types.Account // destination (for sends) or source (for receives)
	IsSend         bool
	Verified       bool // true if Process itself checked the signature
}

// Params holds the network constants the ledger needs but does not own:
// the epoch-marker link table and the signing key for each epoch upgrade
// block (spec §9's decision: a single network-constant epoch link set,
// no separate receive threshold).
type Params struct {
	EpochLinks   map[types.Hash]types.Epoch
	EpochSigners map[types.Epoch]types.Account
}

// Ledger is the validation state machine bound to one set of network
// parameters.
type Ledger struct {
	params Params
}

// New builds a Ledger for the given network parameters.
func New(params Params) *Ledger {
	return &Ledger{params: params}
}

// Process validates and, on success, commits block into txn (spec §4.2).
// signatureVerified tells Process whether the caller (typically the block
// processor, after a sigcheck batch) has already checked the signature;
// Process never checks work, and neither does the block processor that
// calls it; the network layer's Epoch0 floor on publish and bulk_push is
// the only work check, and blocks submitted over RPC meet none (spec §4.2
// step 3).
func (l *Ledger) Process(txn store.Txn, block *types.Block, signatureVerified bool) (Result, error) {
	res := Result{Verified: signatureVerified}
	hash := block.Hash()

	// 1. Existence check.
	if exists, err := txn.Exists(store.TableBlocks, hash[:]); err != nil {
		return res, fmt.Errorf("ledger: check existence: %w", err)
	} else if exists {
		res.Code = Old
		return res, nil
	}

	// Resolve the owning account and its current info (absent for openers).
	account, info, err := l.resolveAccount(txn, block)
	if err != nil {
		if errors.Is(err, errGapPrevious) {
			res.Code = GapPrevious
			return res, nil
		}
		return res, err
	}
	res.Account = account

	// 2. Signature.
	if !signatureVerified {
		signer := l.signerFor(account, block, info)
		if !verify(signer, hash, block.Signature) {
			res.Code = BadSignature
			return res, nil
		}
		res.Verified = true
	}

	// 3. Work is assumed pre-validated by the caller; Process performs no
	// work check of its own.

	// 4/5/6. Predecessor, position and chain-head checks.
	if code := l.checkPosition(block, info); code != Progress {
		res.Code = code
		return res, nil
	}

	// 8. Burn account.
	if (block.Type == types.BlockOpen || (block.Type == types.BlockState && block.Previous.IsZero())) && account.IsZero() {
		res.Code = OpenedBurnAccount
		return res, nil
	}

	// 7. Balance & semantics, by variant.
	code, next, err := l.applySemantics(txn, account, block, info, &res)
	if err != nil {
		return res, err
	}
	if code != Progress {
		res.Code = code
		return res, nil
	}

	// 9. Commit.
	if err := l.commit(txn, account, block, hash, info, next); err != nil {
		return res, err
	}
	res.Code = Progress
	return res, nil
}

// signerFor determines which public key a block's signature must verify
// against: the account itself, unless this is a state block carrying an
// epoch-upgrade link, in which case the network's configured epoch signer
// for that epoch applies instead.
func (l *Ledger) signerFor(account types.Account, block *types.Block, info *types.AccountInfo) types.Account {
	if block.Type != types.BlockState {
		return account
	}
	prevBalance := types.ZeroAmount
	if info != nil {
		prevBalance = info.Balance
	}
	if types.ClassifyState(block.Balance, prevBalance, block.Link, l.params.EpochLinks) == types.StateEpoch {
		if s, ok := l.params.EpochSigners[l.params.EpochLinks[block.Link]]; ok {
			return s
		}
	}
	return account
}

// ResolveSigner determines the owning account and required signer for
// block without committing anything, for callers (the block processor)
// that want to batch signature verification ahead of the write
// transaction that actually runs Process.
func (l *Ledger) ResolveSigner(r store.Reader, block *types.Block) (account, signer types.Account, err error) {
	account, info, err := l.resolveAccount(r, block)
	if err != nil {
		return types.Account{}, types.Account{}, err
	}
	return account, l.signerFor(account, block, info), nil
}

var errGapPrevious = errors.New("ledger: gap previous")

// resolveAccount determines which account a block belongs to and loads its
// current AccountInfo (nil if the account has no blocks yet).
func (l *Ledger) resolveAccount(r store.Reader, block *types.Block) (types.Account, *types.AccountInfo, error) {
	if acc, ok := block.AccountField(); ok {
		info, err := loadAccountInfo(r, acc)
		if err != nil {
			return acc, nil, err
		}
		return acc, info, nil
	}
	// Classic send/receive/change carry no account field: the account is
	// whoever owns the previous block.
	if block.Previous.IsZero() {
		return types.Account{}, nil, fmt.Errorf("ledger: non-opener block missing previous")
	}
	prevStored, err := loadStoredBlock(r, block.Previous)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Account{}, nil, errGapPrevious
		}
		return types.Account{}, nil, err
	}
	acc := prevStored.Sideband.Account
	info, err := loadAccountInfo(r, acc)
	if err != nil {
		return acc, nil, err
	}
	return acc, info, nil
}

// checkPosition covers spec §4.2 steps 4-6 from the account row alone: a
// second opener is block_position, a non-opener for an account with no
// chain is gap_previous, and otherwise the account's current head must
// equal the new block's previous (fork if not). The predecessor's variant
// is not inspected, so a classic block following a state block is not
// rejected here.
func (l *Ledger) checkPosition(block *types.Block, info *types.AccountInfo) Code {
	isOpener := block.Previous.IsZero() && (block.Type == types.BlockOpen ||
		(block.Type == types.BlockState && info == nil))
	if isOpener {
		if info != nil {
			// Second open for an already-opened account.
			return BlockPosition
		}
		return Progress
	}
	if info == nil {
		// A non-opener referencing an account with no chain yet: its
		// previous cannot exist either.
		return GapPrevious
	}
	if info.Head != block.Previous {
		return Fork
	}
	return Progress
}

// nextState is the computed post-block account row, built by applySemantics
// and written by commit.
type nextState struct {
	balance types.Amount
	rep     types.Account
	openH   types.Hash
	epoch   types.Epoch
}

func (l *Ledger) applySemantics(txn store.Txn, account types.Account, block *types.Block, info *types.AccountInfo, res *Result) (Code, nextState, error) {
	var prevBalance types.Amount
	var prevRep types.Account
	var openH types.Hash
	var epoch types.Epoch
	if info != nil {
		prevBalance = info.Balance
		prevRep = info.Representative
		openH = info.OpenBlock
		epoch = info.Epoch
	}

	switch block.Type {
	case types.BlockSend:
		cmp := block.ResultingBalance.Cmp(prevBalance)
		if cmp > 0 {
			return NegativeSpend, nextState{}, nil
		}
		if cmp == 0 {
			// A send must strictly decrease the balance (spec §8 boundary
			// case); resultingBalance == previous sends nothing at all.
			return BalanceMismatch, nextState{}, nil
		}
		delta, err := prevBalance.Sub(block.ResultingBalance)
		if err != nil {
			return NegativeSpend, nextState{}, nil
		}
		res.Amount = delta
		res.PendingAccount = block.DestinationAccount
		res.IsSend = true
		return Progress, nextState{balance: block.ResultingBalance, rep: prevRep, openH: openH, epoch: epoch}, nil

	case types.BlockReceive:
		return l.applyReceive(txn, account, block.SourceHash, prevBalance, prevRep, openH, epoch, res)

	case types.BlockOpen:
		if account.IsZero() {
			return OpenedBurnAccount, nextState{}, nil
		}
		code, next, err := l.applyOpen(txn, account, block.SourceHash, block.Representative, res)
		return code, next, err

	case types.BlockChange:
		res.IsSend = false
		return Progress, nextState{balance: prevBalance, rep: block.NewRepresentative, openH: openH, epoch: epoch}, nil

	case types.BlockState:
		return l.applyState(txn, account, block, prevBalance, prevRep, openH, epoch, res)

	default:
		return BlockPosition, nextState{}, fmt.Errorf("ledger: unknown block type %d", block.Type)
	}
}

func (l *Ledger) applyReceive(txn store.Txn, account types.Account, source types.Hash, prevBalance types.Amount, prevRep types.Account, openH types.Hash, epoch types.Epoch, res *Result) (Code, nextState, error) {
	if exists, err := txn.Exists(store.TableBlocks, source[:]); err != nil {
		return Progress, nextState{}, fmt.Errorf("ledger: check source: %w", err)
	} else if !exists {
		return GapSource, nextState{}, nil
	}
	key := types.PendingKey{Destination: account, Send: source}
	raw, err := txn.Get(store.TablePending, pendingKeyBytes(key))
	if errors.Is(err, store.ErrNotFound) {
		return Unreceivable, nextState{}, nil
	}
	if err != nil {
		return Progress, nextState{}, fmt.Errorf("ledger: load pending: %w", err)
	}
	entry, err := decodePendingEntry(raw)
	if err != nil {
		return Progress, nextState{}, err
	}
	newBalance, err := prevBalance.Add(entry.Amount)
	if err != nil {
		return Progress, nextState{}, fmt.Errorf("ledger: balance overflow: %w", err)
	}
	res.Amount = entry.Amount
	res.PendingAccount = entry.Source
	res.IsSend = false
	return Progress, nextState{balance: newBalance, rep: prevRep, openH: openH, epoch: epoch}, nil
}

func (l *Ledger) applyOpen(txn store.Txn, account types.Account, source types.Hash, rep types.Account, res *Result) (Code, nextState, error) {
	if exists, err := txn.Exists(store.TableBlocks, source[:]); err != nil {
		return Progress, nextState{}, fmt.Errorf("ledger: check source: %w", err)
	} else if !exists {
		return GapSource, nextState{}, nil
	}
	key := types.PendingKey{Destination: account, Send: source}
	raw, err := txn.Get(store.TablePending, pendingKeyBytes(key))
	if errors.Is(err, store.ErrNotFound) {
		return Unreceivable, nextState{}, nil
	}
	if err != nil {
		return Progress, nextState{}, fmt.Errorf("ledger: load pending: %w", err)
	}
	entry, err := decodePendingEntry(raw)
	if err != nil {
		return Progress, nextState{}, err
	}
	res.Amount = entry.Amount
	res.PendingAccount = entry.Source
	res.IsSend = false
	return Progress, nextState{balance: entry.Amount, rep: rep, openH: types.Hash{}, epoch: types.Epoch0}, nil
}

func (l *Ledger) applyState(txn store.Txn, account types.Account, block *types.Block, prevBalance types.Amount, prevRep types.Account, openH types.Hash, epoch types.Epoch, res *Result) (Code, nextState, error) {
	subtype := types.ClassifyState(block.Balance, prevBalance, block.Link, l.params.EpochLinks)
	switch subtype {
	case types.StateSend:
		dest, err := types.AccountFromBytes(block.Link[:])
		if err != nil {
			return BlockPosition, nextState{}, nil
		}
		delta, err := prevBalance.Sub(block.Balance)
		if err != nil {
			return NegativeSpend, nextState{}, nil
		}
		res.Amount = delta
		res.PendingAccount = dest
		res.IsSend = true
		return Progress, nextState{balance: block.Balance, rep: prevRep, openH: openH, epoch: epoch}, nil

	case types.StateReceive:
		code, next, err := l.applyReceive(txn, account, block.Link, prevBalance, block.Representative, openH, epoch, res)
		if code != Progress || err != nil {
			return code, next, err
		}
		if next.balance.Cmp(block.Balance) != 0 {
			return BalanceMismatch, nextState{}, nil
		}
		if openH.IsZero() {
			next.openH = block.Hash()
		}
		next.rep = block.Representative
		return Progress, next, nil

	case types.StateChange:
		res.IsSend = false
		return Progress, nextState{balance: prevBalance, rep: block.Representative, openH: openH, epoch: epoch}, nil

	case types.StateEpoch:
		newEpoch, ok := l.params.EpochLinks[block.Link]
		if !ok || newEpoch != epoch+1 {
			return BlockPosition, nextState{}, nil
		}
		if block.Representative != prevRep && !block.Representative.IsZero() {
			return RepresentativeMismatch, nextState{}, nil
		}
		res.IsSend = false
		return Progress, nextState{balance: prevBalance, rep: prevRep, openH: openH, epoch: newEpoch}, nil

	default:
		return BlockPosition, nextState{}, fmt.Errorf("ledger: unknown state subtype %d", subtype)
	}
}

// commit writes the block, its sideband, the updated account row, pending
// table changes and the incremental weight index (spec §4.2 step 9).
func (l *Ledger) commit(txn store.Txn, account types.Account, block *types.Block, hash types.Hash, info *types.AccountInfo, next nextState) error {
	height := uint64(1)
	var prevRep types.Account
	var prevBalance types.Amount
	if info != nil {
		height = info.BlockCount + 1
		prevRep = info.Representative
		prevBalance = info.Balance
	} else {
		next.openH = hash
	}

	if err := l.adjustWeight(txn, prevRep, prevBalance, next.rep, next.balance); err != nil {
		return err
	}

	sb := types.Sideband{
		Account:             account,
		BalanceAfter:        next.balance,
		RepresentativeAfter: next.rep,
		EpochAfter:          next.epoch,
		Height:              height,
		Timestamp:           time.Now().Unix(),
	}
	stored := &types.StoredBlock{Block: block, Sideband: sb}
	raw, err := encodeStoredBlock(stored)
	if err != nil {
		return err
	}
	if err := txn.Put(store.TableBlocks, hash[:], raw); err != nil {
		return err
	}
	if info != nil {
		prevStored, err := loadStoredBlock(txn, info.Head)
		if err != nil {
			return fmt.Errorf("ledger: load previous head for successor link: %w", err)
		}
		prevStored.Sideband.Successor = hash
		prevRaw, err := encodeStoredBlock(prevStored)
		if err != nil {
			return err
		}
		if err := txn.Put(store.TableBlocks, info.Head[:], prevRaw); err != nil {
			return err
		}
	}

	newInfo := &types.AccountInfo{
		Head:           hash,
		Representative: next.rep,
		OpenBlock:      next.openH,
		Balance:        next.balance,
		ModifiedUnix:   time.Now().Unix(),
		BlockCount:     height,
		Epoch:          next.epoch,
	}
	infoRaw, err := encodeAccountInfo(newInfo)
	if err != nil {
		return err
	}
	if err := txn.Put(store.TableAccounts, account[:], infoRaw); err != nil {
		return err
	}

	switch block.Type {
	case types.BlockSend:
		return l.putPending(txn, block.DestinationAccount, hash, account, next.balanceDeltaAmount(prevBalance), next.epoch)
	case types.BlockReceive:
		return l.deletePending(txn, account, block.SourceHash)
	case types.BlockOpen:
		return l.deletePending(txn, account, block.SourceHash)
	case types.BlockState:
		subtype := types.ClassifyState(block.Balance, prevBalance, block.Link, l.params.EpochLinks)
		switch subtype {
		case types.StateSend:
			dest, _ := types.AccountFromBytes(block.Link[:])
			amount, err := prevBalance.Sub(block.Balance)
			if err != nil {
				return err
			}
			return l.putPending(txn, dest, hash, account, amount, next.epoch)
		case types.StateReceive:
			return l.deletePending(txn, account, block.Link)
		}
	}
	return nil
}

// balanceDeltaAmount is a small convenience so commit's send branch doesn't
// need to recompute the delta a second time; next.balance is the post-send
// balance, prevBalance the pre-send one.
func (n nextState) balanceDeltaAmount(prevBalance types.Amount) types.Amount {
	delta, err := prevBalance.Sub(n.balance)
	if err != nil {
		return types.ZeroAmount
	}
	return delta
}

func (l *Ledger) putPending(txn store.Txn, destination types.Account, send types.Hash, source types.Account, amount types.Amount, epoch types.Epoch) error {
	entry := &types.PendingEntry{Source: source, Amount: amount, Epoch: epoch}
	raw, err := encodePendingEntry(entry)
	if err != nil {
		return err
	}
	key := types.PendingKey{Destination: destination, Send: send}
	return txn.Put(store.TablePending, pendingKeyBytes(key), raw)
}

func (l *Ledger) deletePending(txn store.Txn, destination types.Account, send types.Hash) error {
	key := types.PendingKey{Destination: destination, Send: send}
	return txn.Delete(store.TablePending, pendingKeyBytes(key))
}

// Rollback walks successors from target forward to the account's current
// head, reversing each commit in order (undo balance, pending,
// representation, account head), and refuses if any block along the way
// is at or below the account's confirmed height — confirmed blocks are
// immutable (spec §4.2 "Rollback").
func (l *Ledger) Rollback(txn store.Txn, account types.Account, target types.Hash) ([]types.Hash, error) {
	info, err := loadAccountInfo(txn, account)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("ledger: rollback: account %s has no chain", account)
	}
	confirmed, err := loadConfirmationHeight(txn, account)
	if err != nil {
		return nil, err
	}

	var chain []types.Hash
	cur := info.Head
	for cur != target {
		if cur.IsZero() {
			return nil, fmt.Errorf("ledger: rollback: target %s not found in %s's chain", target, account)
		}
		stored, err := loadStoredBlock(txn, cur)
		if err != nil {
			return nil, fmt.Errorf("ledger: rollback: load %s: %w", cur, err)
		}
		if stored.Sideband.Height <= confirmed {
			return nil, fmt.Errorf("ledger: rollback: %s is already confirmed", cur)
		}
		chain = append(chain, cur)
		if stored.Block.Type == types.BlockOpen {
			cur = types.Hash{}
		} else {
			cur = stored.Block.Previous
		}
	}

	reverted := make([]types.Hash, 0, len(chain))
	for _, h := range chain {
		stored, err := loadStoredBlock(txn, h)
		if err != nil {
			return reverted, err
		}
		if err := l.revertOne(txn, account, stored); err != nil {
			return reverted, err
		}
		reverted = append(reverted, h)
	}
	return reverted, nil
}

// revertOne undoes a single block's commit: deletes it, restores the
// account row and pending table to their pre-block state, clears the
// predecessor's successor pointer, and reverses the weight-index update.
func (l *Ledger) revertOne(txn store.Txn, account types.Account, stored *types.StoredBlock) error {
	block := stored.Block
	hash := block.Hash()

	var priorBalance types.Amount
	var priorRep types.Account
	var priorEpoch types.Epoch
	var priorHead types.Hash
	var priorOpen types.Hash
	var priorHeight uint64

	if block.Type != types.BlockOpen && !block.Previous.IsZero() {
		prevStored, err := loadStoredBlock(txn, block.Previous)
		if err != nil {
			return fmt.Errorf("ledger: revert %s: load predecessor: %w", hash, err)
		}
		priorBalance = prevStored.Sideband.BalanceAfter
		priorRep = prevStored.Sideband.RepresentativeAfter
		priorEpoch = prevStored.Sideband.EpochAfter
		priorHeight = prevStored.Sideband.Height
		priorHead = block.Previous
		prevStored.Sideband.Successor = types.Hash{}
		raw, err := encodeStoredBlock(prevStored)
		if err != nil {
			return err
		}
		if err := txn.Put(store.TableBlocks, block.Previous[:], raw); err != nil {
			return err
		}
		info, err := loadAccountInfo(txn, account)
		if err != nil {
			return err
		}
		if info != nil {
			priorOpen = info.OpenBlock
		}
	}

	if err := l.adjustWeight(txn, stored.Sideband.RepresentativeAfter, stored.Sideband.BalanceAfter, priorRep, priorBalance); err != nil {
		return err
	}

	if err := txn.Delete(store.TableBlocks, hash[:]); err != nil {
		return err
	}

	switch block.Type {
	case types.BlockSend:
		if err := l.deletePending(txn, block.DestinationAccount, hash); err != nil {
			return err
		}
	case types.BlockReceive, types.BlockOpen:
		source := block.SourceHash
		if err := l.restorePending(txn, account, source); err != nil {
			return err
		}
	case types.BlockState:
		subtype := types.ClassifyState(block.Balance, priorBalance, block.Link, l.params.EpochLinks)
		if subtype == types.StateSend {
			dest, _ := types.AccountFromBytes(block.Link[:])
			if err := l.deletePending(txn, dest, hash); err != nil {
				return err
			}
		} else if subtype == types.StateReceive {
			if err := l.restorePending(txn, account, block.Link); err != nil {
				return err
			}
		}
	}

	if priorHeight == 0 && priorHead.IsZero() {
		return txn.Delete(store.TableAccounts, account[:])
	}
	newInfo := &types.AccountInfo{
		Head:           priorHead,
		Representative: priorRep,
		OpenBlock:      priorOpen,
		Balance:        priorBalance,
		ModifiedUnix:   time.Now().Unix(),
		BlockCount:     priorHeight,
		Epoch:          priorEpoch,
	}
	raw, err := encodeAccountInfo(newInfo)
	if err != nil {
		return err
	}
	return txn.Put(store.TableAccounts, account[:], raw)
}

// restorePending re-creates a pending entry consumed by a receive/open that
// is being reverted. The source send block still exists (only its
// recipient's receive is being undone), so its sideband gives back the
// amount and sender.
func (l *Ledger) restorePending(txn store.Txn, destination types.Account, send types.Hash) error {
	sourceStored, err := loadStoredBlock(txn, send)
	if err != nil {
		return fmt.Errorf("ledger: restore pending: load send %s: %w", send, err)
	}
	if sourceStored.Block.Type != types.BlockSend && sourceStored.Block.Type != types.BlockState {
		return fmt.Errorf("ledger: restore pending: %s is not a send", send)
	}
	amount := amountSinceSend(txn, sourceStored)
	return l.putPending(txn, destination, send, sourceStored.Sideband.Account, amount, sourceStored.Sideband.EpochAfter)
}

// amountSinceSend recomputes a state-send's amount from its own balance and
// its predecessor's sideband balance.
func amountSinceSend(txn store.Txn, sourceStored *types.StoredBlock) types.Amount {
	if sourceStored.Block.Previous.IsZero() {
		return types.ZeroAmount
	}
	priorStored, err := loadStoredBlock(txn, sourceStored.Block.Previous)
	if err != nil {
		return types.ZeroAmount
	}
	amount, err := priorStored.Sideband.BalanceAfter.Sub(sourceStored.Sideband.BalanceAfter)
	if err != nil {
		return types.ZeroAmount
	}
	return amount
}

func loadConfirmationHeight(r store.Reader, account types.Account) (uint64, error) {
	raw, err := r.Get(store.TableConfirmationHeight, account[:])
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: load confirmation height: %w", err)
	}
	return DecodeHeight(raw)
}

// adjustWeight updates the incremental representative-weight index: remove
// oldRep's stake in oldBalance, add newRep's stake in newBalance (spec §4.2,
// "weight index ... maintained incrementally on each commit/rollback").
func (l *Ledger) adjustWeight(txn store.Txn, oldRep types.Account, oldBalance types.Amount, newRep types.Account, newBalance types.Amount) error {
	if !oldRep.IsZero() {
		if err := l.addWeight(txn, oldRep, oldBalance, true); err != nil {
			return err
		}
	}
	if !newRep.IsZero() {
		if err := l.addWeight(txn, newRep, newBalance, false); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) addWeight(txn store.Txn, rep types.Account, amount types.Amount, subtract bool) error {
	current, err := Weight(txn, rep)
	if err != nil {
		return err
	}
	var updated types.Amount
	if subtract {
		updated, err = current.Sub(amount)
	} else {
		updated, err = current.Add(amount)
	}
	if err != nil {
		return fmt.Errorf("ledger: weight index overflow for %s: %w", rep, err)
	}
	return txn.Put(store.TableRepresentation, rep[:], encodeAmount(updated))
}

// Weight returns the current total balance of accounts represented by rep
// (spec §4.2, "weight(account)").
func Weight(r store.Reader, rep types.Account) (types.Amount, error) {
	raw, err := r.Get(store.TableRepresentation, rep[:])
	if errors.Is(err, store.ErrNotFound) {
		return types.ZeroAmount, nil
	}
	if err != nil {
		return types.ZeroAmount, fmt.Errorf("ledger: load weight: %w", err)
	}
	return decodeAmount(raw)
}

func verify(signer types.Account, hash types.Hash, sig types.Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(signer[:]), hash[:], sig[:])
}

func loadStoredBlock(r store.Reader, hash types.Hash) (*types.StoredBlock, error) {
	raw, err := r.Get(store.TableBlocks, hash[:])
	if err != nil {
		return nil, err
	}
	return decodeStoredBlock(raw)
}

func loadAccountInfo(r store.Reader, account types.Account) (*types.AccountInfo, error) {
	raw, err := r.Get(store.TableAccounts, account[:])
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: load account info: %w", err)
	}
	return decodeAccountInfo(raw)
}

// LoadBlock returns the stored block and sideband for hash, for callers
// outside the package (confheight's chain walk, bootstrap's frontier diff)
// that need read access to committed blocks without duplicating the codec.
func LoadBlock(r store.Reader, hash types.Hash) (*types.StoredBlock, error) {
	return loadStoredBlock(r, hash)
}

// LoadAccountInfo returns the account row for account, or nil if the
// account has never opened.
func LoadAccountInfo(r store.Reader, account types.Account) (*types.AccountInfo, error) {
	return loadAccountInfo(r, account)
}

// LoadConfirmationHeight returns account's current confirmation height, or
// 0 if it has never been confirmed.
func LoadConfirmationHeight(r store.Reader, account types.Account) (uint64, error) {
	return loadConfirmationHeight(r, account)
}

// Bootstrap commits the network's genesis block directly, bypassing the
// normal receive/open rule that a source block and a matching pending
// entry must already exist. Genesis is the one state transition the
// protocol permits with nothing preceding it (spec §3.2/§8 scenario 1);
// every other open must trace back to a real send. block must already be
// an Open block, signed, with Representative and Account set; balance is
// the total initial supply credited to Account.
func (l *Ledger) Bootstrap(txn store.Txn, block *types.Block, balance types.Amount) (types.Hash, error) {
	if block.Type != types.BlockOpen {
		return types.Hash{}, fmt.Errorf("ledger: bootstrap block must be an open block")
	}
	if exists, err := txn.Exists(store.TableAccounts, block.Account[:]); err != nil {
		return types.Hash{}, fmt.Errorf("ledger: bootstrap: check existing account: %w", err)
	} else if exists {
		return types.Hash{}, fmt.Errorf("ledger: bootstrap: account already has a chain")
	}
	hash := block.Hash()
	if !verify(block.Account, hash, block.Signature) {
		return types.Hash{}, fmt.Errorf("ledger: bootstrap: bad signature")
	}
	next := nextState{balance: balance, rep: block.Representative, epoch: types.Epoch0}
	if err := l.commit(txn, block.Account, block, hash, nil, next); err != nil {
		return types.Hash{}, fmt.Errorf("ledger: bootstrap: commit: %w", err)
	}
	return hash, nil
}

// Frontier is one row of the account→head-hash table bootstrap's frontier
// request walks (spec §4.10, §6.1 frontier_req).
type Frontier struct {
	Account types.Account
	Head    types.Hash
}

// IterateFrontiers calls fn for every account in ascending account-key
// order, starting at the first account >= start, until fn returns false or
// the table is exhausted. It underlies the frontier_req server handler,
// which has no need for the rest of AccountInfo.
func IterateFrontiers(r store.Reader, start types.Account, fn func(Frontier) bool) error {
	it := r.Iterate(store.TableAccounts, nil)
	defer it.Release()
	for it.Next() {
		var account types.Account
		copy(account[:], it.Key())
		if bytesLess(account[:], start[:]) {
			continue
		}
		info, err := decodeAccountInfo(it.Value())
		if err != nil {
			return err
		}
		if !fn(Frontier{Account: account, Head: info.Head}) {
			return nil
		}
	}
	return it.Error()
}

func bytesLess(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
