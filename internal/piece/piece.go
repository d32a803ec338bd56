package piece

import "github.com/cenkalti/dlrain/internal/torrentfile"

// BlockSize is the fixed block size blocks are requested in, per BEP3.
const BlockSize = 16 * 1024

// Block is one BlockSize-aligned (except the last) slice of a piece.
type Block struct {
	Index  int // block index within its piece
	Begin  int64
	Length int64
}

// Piece is one SHA-1-verified unit of a torrent, split into blocks the
// way the teacher's piecedownloader expects.
type Piece struct {
	Index  int
	Length int64
	Hash   [20]byte
	Blocks []Block
}

// PiecesFromInfo splits a torrent's Info into Pieces with their Blocks,
// grounded on the block layout piecedownloader.go consumes.
func PiecesFromInfo(info *torrentfile.Info) []Piece {
	total := info.TotalLength()
	numPieces := info.NumPieces()
	pieces := make([]Piece, numPieces)
	for i := 0; i < numPieces; i++ {
		length := info.PieceLength
		if i == numPieces-1 {
			length = total - info.PieceLength*int64(numPieces-1)
		}
		pieces[i] = Piece{
			Index:  i,
			Length: length,
			Hash:   info.PieceHash(i),
			Blocks: blocksForLength(length),
		}
	}
	return pieces
}

func blocksForLength(length int64) []Block {
	n := int((length + BlockSize - 1) / BlockSize)
	blocks := make([]Block, n)
	for i := 0; i < n; i++ {
		begin := int64(i) * BlockSize
		blen := int64(BlockSize)
		if begin+blen > length {
			blen = length - begin
		}
		blocks[i] = Block{Index: i, Begin: begin, Length: blen}
	}
	return blocks
}
