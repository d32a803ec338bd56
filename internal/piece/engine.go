package piece

import (
	"crypto/sha1"
	"sync"

	"github.com/cenkalti/dlrain/internal/config"
	"github.com/cenkalti/dlrain/internal/logger"
	"github.com/cenkalti/dlrain/internal/model"
	"github.com/cenkalti/dlrain/internal/torrentfile"
)

// endgameThreshold is the remaining-piece count at or below which the engine
// starts requesting the same block from multiple peers.
const endgameThreshold = 10

// pendingBlock tracks in-flight requests for one block of a piece not
// yet fully received.
type pendingBlock struct {
	data        []byte
	requestedBy map[string]bool // peer ids currently holding a request for this block
}

type pendingPiece struct {
	piece  Piece
	blocks []pendingBlock
}

func (p *pendingPiece) allBlocksPresent() bool {
	for i := range p.blocks {
		if p.blocks[i].data == nil {
			return false
		}
	}
	return true
}

func (p *pendingPiece) assemble() []byte {
	buf := make([]byte, 0, p.piece.Length)
	for i := range p.blocks {
		buf = append(buf, p.blocks[i].data...)
	}
	return buf
}

// Engine owns piece and block bookkeeping, peer availability,
// rarest-first/endgame selection, and verify-and-save. It has no
// knowledge of peer wire framing; callers
// feed it blocks received from wherever (peerwire, in practice).
type Engine struct {
	mu sync.Mutex

	pieces       []Piece
	have         *Bitfield
	availability *Availability
	pending      map[int]*pendingPiece
	endgame      bool

	writer *Writer
	log    logger.Logger
}

// NewEngine builds an Engine for info, writing completed pieces under
// saveDir. existing, if non-nil, seeds the have-bitfield from a resume
// cache; callers should still verify-existing when existing is nil or
// suspect.
func NewEngine(info *torrentfile.Info, saveDir string, mode config.AllocationMode, existing *Bitfield) (*Engine, error) {
	pieces := PiecesFromInfo(info)
	w, err := NewWriter(info, saveDir)
	if err != nil {
		return nil, err
	}
	if err := w.Allocate(mode); err != nil {
		return nil, err
	}

	have := existing
	if have == nil {
		have = NewBitfield(len(pieces))
	}

	e := &Engine{
		pieces:       pieces,
		have:         have,
		availability: NewAvailability(len(pieces)),
		pending:      make(map[int]*pendingPiece),
		writer:       w,
		log:          logger.New("piece"),
	}
	e.refreshEndgame()
	return e, nil
}

// Have returns a snapshot of the completed-pieces bitfield.
func (e *Engine) Have() *Bitfield { return e.have }

// NumPieces returns the total piece count.
func (e *Engine) NumPieces() int { return len(e.pieces) }

// IsComplete reports whether every piece has been verified and saved.
func (e *Engine) IsComplete() bool { return e.have.Complete() }

// AddPeerBitfield registers a peer's announced pieces for availability
// tracking.
func (e *Engine) AddPeerBitfield(bf *Bitfield) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.availability.AddPeerBitfield(bf)
}

// RemovePeerBitfield removes a disconnected peer's contribution to
// availability counts.
func (e *Engine) RemovePeerBitfield(bf *Bitfield) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.availability.RemovePeerBitfield(bf)
}

// HavePiece records an incremental HAVE announcement from a peer.
func (e *Engine) HavePiece(index int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.availability.HavePiece(index)
}

// wantedIndices returns every piece index not yet marked complete.
func (e *Engine) wantedIndices() []int {
	var want []int
	for i := 0; i < len(e.pieces); i++ {
		if !e.have.get(i) {
			want = append(want, i)
		}
	}
	return want
}

// SelectPiece picks the next piece to request from a peer whose
// announced pieces are peerHas, applying rarest-first selection with
// lowest-index tie-break. In endgame it may return a piece already
// in-flight from another peer so long as peerID hasn't already
// requested it, racing completion across peers.
func (e *Engine) SelectPiece(peerID string, peerHas *Bitfield) (Piece, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	want := e.wantedIndices()
	ranked := e.availability.RarestFirst(want, peerHas)
	for _, idx := range ranked {
		pp, inFlight := e.pending[idx]
		if !inFlight {
			return e.pieces[idx], true
		}
		if e.endgame && !allBlocksRequestedBy(pp, peerID) {
			return e.pieces[idx], true
		}
	}
	return Piece{}, false
}

func allBlocksRequestedBy(pp *pendingPiece, peerID string) bool {
	for i := range pp.blocks {
		if pp.blocks[i].data != nil {
			continue
		}
		if pp.blocks[i].requestedBy[peerID] {
			return true
		}
	}
	return false
}

// BeginBlockRequest records that peerID has requested a block, so
// endgame selection can avoid re-racing it against the same peer twice.
func (e *Engine) BeginBlockRequest(pieceIndex, blockIndex int, peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pp := e.pendingFor(pieceIndex)
	if pp.blocks[blockIndex].requestedBy == nil {
		pp.blocks[blockIndex].requestedBy = make(map[string]bool)
	}
	pp.blocks[blockIndex].requestedBy[peerID] = true
}

func (e *Engine) pendingFor(pieceIndex int) *pendingPiece {
	pp, ok := e.pending[pieceIndex]
	if !ok {
		pp = &pendingPiece{piece: e.pieces[pieceIndex], blocks: make([]pendingBlock, len(e.pieces[pieceIndex].Blocks))}
		e.pending[pieceIndex] = pp
	}
	return pp
}

// ReceiveBlock stores a received block's data. When every block of the
// piece has arrived, it verifies the assembled piece's SHA-1 hash,
// writes it to disk on success, and discards the pending piece on
// mismatch so it can be re-requested; availability counts are left as
// they are.
func (e *Engine) ReceiveBlock(pieceIndex, blockIndex int, data []byte) error {
	e.mu.Lock()
	pp := e.pendingFor(pieceIndex)
	if blockIndex < 0 || blockIndex >= len(pp.blocks) {
		e.mu.Unlock()
		return model.Protocol(model.ProtoPeerProtocol, "block index %d out of range for piece %d", blockIndex, pieceIndex)
	}
	if pp.blocks[blockIndex].data != nil {
		e.mu.Unlock()
		return nil // duplicate, e.g. from endgame racing
	}
	pp.blocks[blockIndex].data = data
	complete := pp.allBlocksPresent()
	var assembled []byte
	if complete {
		assembled = pp.assemble()
	}
	e.mu.Unlock()

	if !complete {
		return nil
	}

	piece := e.pieces[pieceIndex]
	sum := sha1.Sum(assembled)
	if sum != piece.Hash {
		e.log.Warningf("piece %d failed hash check, discarding", pieceIndex)
		e.mu.Lock()
		delete(e.pending, pieceIndex)
		e.mu.Unlock()
		return model.Protocol(model.ProtoInvalidTorrent, "piece %d hash mismatch", pieceIndex)
	}

	offset := int64(pieceIndex) * piece0Length(e.pieces)
	if err := e.writer.WriteAt(offset, assembled); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.pending, pieceIndex)
	e.have.Set(pieceIndex)
	e.refreshEndgame()
	e.mu.Unlock()
	return nil
}

// piece0Length returns the nominal (non-final) piece length, which is
// the stride between pieces in the torrent's flattened address space.
func piece0Length(pieces []Piece) int64 {
	if len(pieces) == 0 {
		return 0
	}
	return pieces[0].Length
}

func (e *Engine) refreshEndgame() {
	remaining := 0
	for i := 0; i < len(e.pieces); i++ {
		if !e.have.get(i) {
			remaining++
		}
	}
	e.endgame = remaining > 0 && remaining <= endgameThreshold
}

// VerifyExisting re-hashes every piece already on disk against its
// expected hash and marks the have-bitfield accordingly, used on
// startup instead of trusting a stale resume cache.
func (e *Engine) VerifyExisting() error {
	buf := make([]byte, 0)
	for _, p := range e.pieces {
		if cap(buf) < int(p.Length) {
			buf = make([]byte, p.Length)
		}
		b := buf[:p.Length]
		offset := int64(p.Index) * piece0Length(e.pieces)
		n, err := e.writer.ReadAt(offset, b)
		if err != nil || n != len(b) {
			e.have.Clear(p.Index)
			continue
		}
		if sha1.Sum(b) == p.Hash {
			e.have.Set(p.Index)
		} else {
			e.have.Clear(p.Index)
		}
	}
	e.mu.Lock()
	e.refreshEndgame()
	e.mu.Unlock()
	return nil
}

// Close releases the underlying file handles.
func (e *Engine) Close() error { return e.writer.Close() }
