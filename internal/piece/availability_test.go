package piece

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRarestFirstOrdersByScarcity(t *testing.T) {
	a := NewAvailability(4)

	peerA := NewBitfield(4)
	peerA.Set(0)
	peerA.Set(1)
	peerA.Set(2)
	a.AddPeerBitfield(peerA)

	peerB := NewBitfield(4)
	peerB.Set(0)
	peerB.Set(1)
	a.AddPeerBitfield(peerB)

	peerC := NewBitfield(4)
	peerC.Set(0)
	a.AddPeerBitfield(peerC)

	// piece 0: 3 peers, piece 1: 2 peers, piece 2: 1 peer, piece 3: 0 peers.
	// peerA only has 0,1,2, so candidates are those three, rarest first.
	want := []int{0, 1, 2, 3}
	ranked := a.RarestFirst(want, peerA)
	require.Equal(t, []int{2, 1, 0}, ranked)
}

func TestRarestFirstTieBreakLowestIndex(t *testing.T) {
	a := NewAvailability(3)
	peerHas := NewBitfield(3)
	peerHas.Set(0)
	peerHas.Set(1)
	peerHas.Set(2)

	ranked := a.RarestFirst([]int{2, 1, 0}, peerHas)
	require.Equal(t, []int{0, 1, 2}, ranked)
}

func TestRemovePeerBitfieldDecrementsCounts(t *testing.T) {
	a := NewAvailability(2)
	peer := NewBitfield(2)
	peer.Set(0)
	a.AddPeerBitfield(peer)
	require.Equal(t, 1, a.Count(0))
	a.RemovePeerBitfield(peer)
	require.Equal(t, 0, a.Count(0))
}
