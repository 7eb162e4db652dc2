// Package work implements the node's proof-of-work validator (spec §4.4):
// it hashes a work nonce against a block's work root and compares the
// result to the effective per-epoch difficulty threshold. It never
// generates work — generation is an external collaborator (spec §1's OpenCL
// / CPU generator is explicitly out of scope).
package work

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/tolelom/latticenode/types"
)

// workHashSize is the width of the work digest: 64 bits, compared directly
// against a uint64 threshold (spec §4.4).
const workHashSize = 8

// Thresholds maps an epoch to its minimum acceptable work value. The spec's
// Open Questions (§9) note that a separate receive-side threshold is
// inconsistently implied by the original helper code; this node treats the
// effective threshold as a single network-constant function of epoch, with
// no separate receive threshold, per the decision recorded in the design
// notes.
type Thresholds map[types.Epoch]uint64

// DefaultThresholds returns the canonical difficulty ladder: threshold rises
// with epoch so that accounts which have upgraded cannot be spammed with
// cheap pre-upgrade work.
func DefaultThresholds() Thresholds {
	return Thresholds{
		types.Epoch0: 0xffffffc000000000,
		types.Epoch1: 0xfffffff800000000,
		types.Epoch2: 0xfffffffc00000000,
	}
}

// Threshold returns the minimum work value required for blocks on an
// account currently at epoch. Unknown epochs fall back to the highest known
// threshold, since an epoch the node has never heard of can only be a
// future upgrade and must not be treated as easier than the newest known
// one.
func (t Thresholds) Threshold(epoch types.Epoch) uint64 {
	if v, ok := t[epoch]; ok {
		return v
	}
	var max uint64
	for _, v := range t {
		if v > max {
			max = v
		}
	}
	return max
}

// Value computes the 64-bit work value for a given root and nonce: Blake2b
// over nonce∥root (little-endian nonce first), truncated to its first 8
// bytes read as a little-endian uint64 (spec §4.4).
func Value(root types.Hash, nonce uint64) uint64 {
	h, err := blake2b.New(workHashSize, nil)
	if err != nil {
		// workHashSize is a valid blake2b output size (1-64); this cannot
		// fail in practice.
		panic(fmt.Sprintf("work: blake2b init: %v", err))
	}
	var nonceBuf [8]byte
	binary.LittleEndian.PutUint64(nonceBuf[:], nonce)
	h.Write(nonceBuf[:])
	h.Write(root[:])
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum)
}

// Validate reports whether block's work nonce meets the threshold effective
// for epoch, and returns the computed work value alongside for callers that
// want to log or compare it (the network layer's callers discard it).
func (t Thresholds) Validate(block *types.Block, epoch types.Epoch) (ok bool, value uint64) {
	value = Value(block.WorkRoot(), block.Work)
	return value >= t.Threshold(epoch), value
}
