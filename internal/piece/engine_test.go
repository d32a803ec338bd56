package piece

import (
	"crypto/sha1"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cenkalti/dlrain/internal/config"
	"github.com/cenkalti/dlrain/internal/torrentfile"
)

func singleFileInfo(t *testing.T, name string, pieceLength int64, data []byte) *torrentfile.Info {
	t.Helper()
	numPieces := (int64(len(data)) + pieceLength - 1) / pieceLength
	pieces := make([]byte, 0, numPieces*20)
	for i := int64(0); i < numPieces; i++ {
		start := i * pieceLength
		end := start + pieceLength
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		sum := sha1.Sum(data[start:end])
		pieces = append(pieces, sum[:]...)
	}
	return &torrentfile.Info{
		Name:        name,
		PieceLength: pieceLength,
		Pieces:      pieces,
		Length:      int64(len(data)),
	}
}

func TestEngineReceiveBlockVerifiesAndSaves(t *testing.T) {
	data := make([]byte, 32*1024) // two pieces of 16KiB
	for i := range data {
		data[i] = byte(i)
	}
	info := singleFileInfo(t, "file.bin", BlockSize, data)

	dir := t.TempDir()
	e, err := NewEngine(info, dir, config.AllocSparse, nil)
	require.NoError(t, err)
	defer e.Close()

	require.Equal(t, 2, e.NumPieces())
	require.False(t, e.IsComplete())

	err = e.ReceiveBlock(0, 0, data[:BlockSize])
	require.NoError(t, err)
	require.True(t, e.Have().Get(0))

	err = e.ReceiveBlock(1, 0, data[BlockSize:])
	require.NoError(t, err)
	require.True(t, e.Have().Get(1))

	require.True(t, e.IsComplete())

	written, err := filepath.Glob(filepath.Join(dir, "file.bin"))
	require.NoError(t, err)
	require.Len(t, written, 1)
}

func TestEngineReceiveBlockRejectsBadHash(t *testing.T) {
	data := make([]byte, BlockSize)
	info := singleFileInfo(t, "file.bin", BlockSize, data)

	e, err := NewEngine(info, t.TempDir(), config.AllocSparse, nil)
	require.NoError(t, err)
	defer e.Close()

	corrupted := make([]byte, BlockSize)
	copy(corrupted, data)
	corrupted[0] ^= 0xFF

	err = e.ReceiveBlock(0, 0, corrupted)
	require.Error(t, err)
	require.False(t, e.Have().Get(0))
}

func TestEngineEndgameAllowsRacingNearCompletion(t *testing.T) {
	data := make([]byte, BlockSize)
	info := singleFileInfo(t, "file.bin", BlockSize, data)
	e, err := NewEngine(info, t.TempDir(), config.AllocSparse, nil)
	require.NoError(t, err)
	defer e.Close()

	require.True(t, e.endgame, "single-piece torrent should start in endgame")

	peerHas := NewBitfield(1)
	peerHas.Set(0)

	e.BeginBlockRequest(0, 0, "peer-a")
	_, ok := e.SelectPiece("peer-b", peerHas)
	require.True(t, ok, "endgame should allow racing the same block against a second peer")
}
