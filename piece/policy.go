package piece

import "github.com/willf/bitset"

// SelectionPolicy picks one piece to request next from among candidates
// (pieces the peer has, that are not yet Verified). The two implementations
// below are the two options spec.md §4.4 names explicitly: sequential (the
// minimal policy) and rarest-first (preferred for real-world throughput).
// Modeled on uber-kraken's pieceSelectionPolicy interface
// (lib/torrent/scheduler/dispatch/piecerequest/policy.go), simplified from
// its (limit, valid, candidates, numPeersByPiece) shape to a single pick
// per call since spec.md §4.4's tie-break rule ("lowest index") needs a
// deterministic choice, not kraken's randomised reservoir sample.
type SelectionPolicy interface {
	// SelectPiece returns the chosen piece index and true, or (0, false) if
	// candidates has no set bit. rarity(i) is the number of known peers
	// that have announced piece i; policies that don't use rarity ignore
	// the argument.
	SelectPiece(candidates *bitset.BitSet, rarity func(i int) int) (int, bool)
}

// SequentialPolicy always picks the lowest-index candidate.
type SequentialPolicy struct{}

func (SequentialPolicy) SelectPiece(candidates *bitset.BitSet, rarity func(i int) int) (int, bool) {
	i, ok := candidates.NextSet(0)
	if !ok {
		return 0, false
	}
	return int(i), true
}

// RarestFirstPolicy picks the candidate with the fewest peers known to have
// it, breaking ties by lowest index (spec.md §4.4).
type RarestFirstPolicy struct{}

func (RarestFirstPolicy) SelectPiece(candidates *bitset.BitSet, rarity func(i int) int) (int, bool) {
	best := -1
	bestRarity := int(^uint(0) >> 1) // max int

	for i, ok := candidates.NextSet(0); ok; i, ok = candidates.NextSet(i + 1) {
		r := rarity(int(i))
		if r < bestRarity {
			best = int(i)
			bestRarity = r
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}
