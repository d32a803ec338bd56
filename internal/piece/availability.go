package piece

import "sort"

// Availability counts, per piece index, how many connected peers have
// announced that piece, driving rarest-first selection.
type Availability struct {
	counts []int
}

// NewAvailability allocates counters for numPieces pieces.
func NewAvailability(numPieces int) *Availability {
	return &Availability{counts: make([]int, numPieces)}
}

// AddPeerBitfield increments the count for every piece bf has set.
func (a *Availability) AddPeerBitfield(bf *Bitfield) {
	for i := range a.counts {
		if bf.Get(i) {
			a.counts[i]++
		}
	}
}

// RemovePeerBitfield decrements the count for every piece bf has set,
// called when a peer disconnects.
func (a *Availability) RemovePeerBitfield(bf *Bitfield) {
	for i := range a.counts {
		if bf.Get(i) && a.counts[i] > 0 {
			a.counts[i]--
		}
	}
}

// HavePiece increments a single piece's count, for an incremental HAVE
// message rather than a full bitfield.
func (a *Availability) HavePiece(index int) {
	if index >= 0 && index < len(a.counts) {
		a.counts[index]++
	}
}

// Count returns how many peers are known to have piece index.
func (a *Availability) Count(index int) int {
	if index < 0 || index >= len(a.counts) {
		return 0
	}
	return a.counts[index]
}

// RarestFirst returns candidate indices, chosen from those in want and
// available (peerHas), ordered rarest first with ties broken by lowest
// piece index for determinism.
func (a *Availability) RarestFirst(want []int, peerHas *Bitfield) []int {
	candidates := make([]int, 0, len(want))
	for _, idx := range want {
		if peerHas.Get(idx) {
			candidates = append(candidates, idx)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ci, cj := a.Count(candidates[i]), a.Count(candidates[j])
		if ci != cj {
			return ci < cj
		}
		return candidates[i] < candidates[j]
	})
	return candidates
}
