package types

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// BlockType discriminates the five block variants of spec §3.2. Block is a
// tagged union: exactly the fields relevant to Type are meaningful, the
// others are zero. Dispatch on Type replaces the visitor pattern the
// original C++ node uses (spec §9).
type BlockType uint8

const (
	BlockInvalid BlockType = iota
	BlockSend
	BlockReceive
	BlockOpen
	BlockChange
	BlockState
)

func (t BlockType) String() string {
	switch t {
	case BlockSend:
		return "send"
	case BlockReceive:
		return "receive"
	case BlockOpen:
		return "open"
	case BlockChange:
		return "change"
	case BlockState:
		return "state"
	default:
		return "invalid"
	}
}

// Epoch is a ledger-wide version marker carried by zero-amount state blocks
// (spec §3.9, GLOSSARY).
type Epoch uint8

const (
	Epoch0 Epoch = iota
	Epoch1
	Epoch2
)

// EpochLink is the account-independent link value that marks a state block
// as an epoch-upgrade block rather than a send/receive/change. One link per
// epoch per network, supplied by config.Network.
type EpochLink = Hash

// Block is the tagged-union representation of all five variants. Every
// variant carries Signature and Work in addition to its hashable fields
// (spec §3.2).
type Block struct {
	Type BlockType

	// send
	Previous           Hash
	DestinationAccount Account
	ResultingBalance   Amount

	// receive (also uses Previous)
	SourceHash Hash

	// open (also uses SourceHash)
	Representative Account
	Account        Account

	// change (also uses Previous)
	NewRepresentative Account

	// state: Account, Previous, Representative, Balance, Link
	Balance Amount
	Link    Hash

	Signature Signature
	Work      uint64
}

// Hash returns the deterministic Blake2b-256 digest over exactly the
// hashable fields of the variant (spec §3.2 table). Work and Signature are
// never part of the hash.
func (b *Block) Hash() Hash {
	h, _ := blake2b.New256(nil)
	switch b.Type {
	case BlockSend:
		h.Write(b.Previous[:])
		h.Write(b.DestinationAccount[:])
		h.Write(b.ResultingBalance[:])
	case BlockReceive:
		h.Write(b.Previous[:])
		h.Write(b.SourceHash[:])
	case BlockOpen:
		h.Write(b.SourceHash[:])
		h.Write(b.Representative[:])
		h.Write(b.Account[:])
	case BlockChange:
		h.Write(b.Previous[:])
		h.Write(b.NewRepresentative[:])
	case BlockState:
		h.Write(b.Account[:])
		h.Write(b.Previous[:])
		h.Write(b.Representative[:])
		h.Write(b.Balance[:])
		h.Write(b.Link[:])
	default:
		panic(fmt.Sprintf("types: hash of invalid block type %d", b.Type))
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Root returns the block's election root (spec §3.1): the account for an
// opener, the previous-block hash otherwise.
func (b *Block) Root() Root {
	switch b.Type {
	case BlockOpen:
		return Hash(b.Account)
	case BlockState:
		if b.Previous.IsZero() {
			return Hash(b.Account)
		}
		return b.Previous
	default:
		return b.Previous
	}
}

// QualifiedRoot returns the (root, previous) election key of spec §3.1/§3.8.
func (b *Block) QualifiedRoot() QualifiedRoot {
	return QualifiedRoot{Root: b.Root(), Previous: b.Previous}
}

// AccountField returns the account this block belongs to when it is
// statically known from the block itself (open, state); returns false for
// send/receive/change, whose account must come from the ledger's chain-head
// lookup of Previous.
func (b *Block) AccountField() (Account, bool) {
	switch b.Type {
	case BlockOpen, BlockState:
		return b.Account, true
	default:
		return Account{}, false
	}
}

// WorkRoot is the input to the proof-of-work function: the account for an
// opener (state block with zero previous counts as an opener), the previous
// hash otherwise (spec §4.4).
func (b *Block) WorkRoot() Hash {
	if b.Previous.IsZero() {
		if acc, ok := b.AccountField(); ok {
			return Hash(acc)
		}
	}
	return b.Previous
}

// StateSubtype classifies a `state` block by comparing its balance against
// the previous block's balance and inspecting Link, per spec §4.2 step 7.
// prevBalance is ZeroAmount for an opening state block.
type StateSubtype int

const (
	StateSend StateSubtype = iota
	StateReceive
	StateChange
	StateEpoch
)

// ClassifyState determines which of send/receive/change/epoch a state
// block represents, given the account's previous balance and the set of
// epoch-marker links known to the network.
func ClassifyState(balance, prevBalance Amount, link Hash, epochLinks map[Hash]Epoch) StateSubtype {
	cmp := balance.Cmp(prevBalance)
	if cmp == 0 {
		if _, isEpoch := epochLinks[link]; isEpoch {
			return StateEpoch
		}
		return StateChange
	}
	if cmp < 0 {
		return StateSend
	}
	return StateReceive
}

// MarshalBinary encodes the block as hashable fields, then Signature(64),
// then Work as a little-endian uint64 (spec §6.1).
func (b *Block) MarshalBinary() ([]byte, error) {
	var body []byte
	switch b.Type {
	case BlockSend:
		body = concat(b.Previous[:], b.DestinationAccount[:], b.ResultingBalance[:])
	case BlockReceive:
		body = concat(b.Previous[:], b.SourceHash[:])
	case BlockOpen:
		body = concat(b.SourceHash[:], b.Representative[:], b.Account[:])
	case BlockChange:
		body = concat(b.Previous[:], b.NewRepresentative[:])
	case BlockState:
		body = concat(b.Account[:], b.Previous[:], b.Representative[:], b.Balance[:], b.Link[:])
	default:
		return nil, fmt.Errorf("types: marshal invalid block type %d", b.Type)
	}
	out := make([]byte, 0, len(body)+SignatureSize+8)
	out = append(out, body...)
	out = append(out, b.Signature[:]...)
	var workBuf [8]byte
	binary.LittleEndian.PutUint64(workBuf[:], b.Work)
	out = append(out, workBuf[:]...)
	return out, nil
}

// UnmarshalBlock decodes a wire-format block of the given type.
func UnmarshalBlock(typ BlockType, data []byte) (*Block, error) {
	b := &Block{Type: typ}
	var bodyLen int
	switch typ {
	case BlockSend:
		bodyLen = HashSize + AccountSize + AmountSize
	case BlockReceive:
		bodyLen = HashSize + HashSize
	case BlockOpen:
		bodyLen = HashSize + AccountSize + AccountSize
	case BlockChange:
		bodyLen = HashSize + AccountSize
	case BlockState:
		bodyLen = AccountSize + HashSize + AccountSize + AmountSize + HashSize
	default:
		return nil, fmt.Errorf("types: unmarshal invalid block type %d", typ)
	}
	want := bodyLen + SignatureSize + 8
	if len(data) != want {
		return nil, fmt.Errorf("types: block %s wants %d bytes, got %d", typ, want, len(data))
	}
	off := 0
	read := func(n int) []byte {
		s := data[off : off+n]
		off += n
		return s
	}
	switch typ {
	case BlockSend:
		copy(b.Previous[:], read(HashSize))
		copy(b.DestinationAccount[:], read(AccountSize))
		copy(b.ResultingBalance[:], read(AmountSize))
	case BlockReceive:
		copy(b.Previous[:], read(HashSize))
		copy(b.SourceHash[:], read(HashSize))
	case BlockOpen:
		copy(b.SourceHash[:], read(HashSize))
		copy(b.Representative[:], read(AccountSize))
		copy(b.Account[:], read(AccountSize))
	case BlockChange:
		copy(b.Previous[:], read(HashSize))
		copy(b.NewRepresentative[:], read(AccountSize))
	case BlockState:
		copy(b.Account[:], read(AccountSize))
		copy(b.Previous[:], read(HashSize))
		copy(b.Representative[:], read(AccountSize))
		copy(b.Balance[:], read(AmountSize))
		copy(b.Link[:], read(HashSize))
	}
	sig, _ := SignatureFromBytes(read(SignatureSize))
	b.Signature = sig
	b.Work = binary.LittleEndian.Uint64(read(8))
	return b, nil
}

// BlockWireSize returns the exact wire-encoded length of a block of the
// given type, letting a frame reader know how many bytes to read before
// calling UnmarshalBlock (spec §6.1: "fixed-size per variant").
func BlockWireSize(typ BlockType) (int, error) {
	var bodyLen int
	switch typ {
	case BlockSend:
		bodyLen = HashSize + AccountSize + AmountSize
	case BlockReceive:
		bodyLen = HashSize + HashSize
	case BlockOpen:
		bodyLen = HashSize + AccountSize + AccountSize
	case BlockChange:
		bodyLen = HashSize + AccountSize
	case BlockState:
		bodyLen = AccountSize + HashSize + AccountSize + AmountSize + HashSize
	default:
		return 0, fmt.Errorf("types: unknown block type %d", typ)
	}
	return bodyLen + SignatureSize + 8, nil
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
