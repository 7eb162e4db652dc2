package active

import "github.com/tolelom/latticenode/types"

// dependencyPenalty is subtracted from a block's raw work difficulty for
// every level of unconfirmed dependency it sits behind, so that elections
// with no outstanding prerequisite float to the top of the adjusted-
// difficulty ordering (spec §4.7 "Adjusted difficulty") and get requested
// first. The exact constant is not network-specified; this keeps a few
// dependency levels distinguishable within a uint64 difficulty space
// without risking underflow.
const dependencyPenalty = 1 << 40

// dependenciesOf returns the block hashes this block cannot confirm ahead
// of: its previous block, and for receive/open/state-receive variants, the
// source block it consumes.
func dependenciesOf(block *types.Block) []types.Hash {
	var deps []types.Hash
	if !block.Previous.IsZero() {
		deps = append(deps, block.Previous)
	}
	switch block.Type {
	case types.BlockReceive, types.BlockOpen:
		deps = append(deps, block.SourceHash)
	case types.BlockState:
		// A state receive's Link carries the source hash; sends/changes/
		// epoch-markers reference no source dependency of their own, but
		// the generic Link is a harmless no-op dependency lookup if it
		// happens not to resolve to any active election.
		if !block.Link.IsZero() {
			deps = append(deps, block.Link)
		}
	}
	return deps
}

// recomputeAdjusted walks e's dependency chain through byHash, accumulating
// depth for every link that still points at an unconfirmed, tracked
// election, and stores the resulting adjusted difficulty on e.
func recomputeAdjusted(e *Election, block *types.Block, byHash map[types.Hash]*Election) {
	depth := dependencyDepth(dependenciesOf(block), byHash, map[types.Hash]bool{e.qualifiedRoot.Root: true})
	adjusted := e.difficulty
	penalty := uint64(depth) * dependencyPenalty
	if penalty >= adjusted {
		adjusted = 0
	} else {
		adjusted -= penalty
	}
	e.setAdjustedDifficulty(adjusted)
	e.setDependentBlocks(dependenciesOf(block))
}

// dependencyDepth counts how many hops of unconfirmed, still-tracked
// dependency lie beneath deps, capped implicitly by the visited set to
// avoid cycles across malformed input.
func dependencyDepth(deps []types.Hash, byHash map[types.Hash]*Election, visited map[types.Hash]bool) int {
	best := 0
	for _, dep := range deps {
		other, ok := byHash[dep]
		if !ok || other.isConfirmed() {
			continue
		}
		if visited[other.qualifiedRoot.Root] {
			continue
		}
		visited[other.qualifiedRoot.Root] = true
		sub := 1 + dependencyDepth(other.getDependentBlocks(), byHash, visited)
		if sub > best {
			best = sub
		}
	}
	return best
}
