// Package orchestrator drives a single torrent's peer set: the tracker
// announce cycle, DHT-discovered peers, the admission gate bounding how
// many connections run at once, and feeding received blocks into the
// piece engine. It knows nothing about other torrents; Coordinator owns
// the fleet.
package orchestrator

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cenkalti/dlrain/internal/discovery"
	"github.com/cenkalti/dlrain/internal/logger"
	"github.com/cenkalti/dlrain/internal/model"
	"github.com/cenkalti/dlrain/internal/peerwire"
	"github.com/cenkalti/dlrain/internal/piece"
	"github.com/cenkalti/dlrain/internal/torrentfile"
	"github.com/cenkalti/dlrain/internal/tracker"
)

// State is the torrent-level lifecycle, richer than model.StateTag
// because a torrent has phases (hash-checking existing data, fetching
// metadata for a magnet) an HTTP download never goes through.
type State int

const (
	StateChecking State = iota
	StateFetchingMetadata
	StateDownloading
	StateSeeding
	StatePaused
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateFetchingMetadata:
		return "fetching_metadata"
	case StateDownloading:
		return "downloading"
	case StateSeeding:
		return "seeding"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ToStateTag projects the richer torrent state down to the external
// model.StateTag every download kind shares.
func (s State) ToStateTag() model.StateTag {
	switch s {
	case StateChecking, StateFetchingMetadata:
		return model.StateConnecting
	case StateDownloading:
		return model.StateDownloading
	case StateSeeding:
		return model.StateSeeding
	case StatePaused:
		return model.StatePaused
	case StateStopped:
		return model.StateCompleted
	default:
		return model.StateError
	}
}

// Config bundles the torrent-specific knobs an Orchestrator needs.
type Config struct {
	InfoHash    [20]byte
	Trackers    []string
	PeerID      [20]byte
	ListenPort  int
	MaxPeers    int
	MaxPending  int
	PeerTimeout time.Duration
	SeedRatio   float64
}

// Orchestrator manages one torrent's peer connections and piece
// requests.
type Orchestrator struct {
	cfg     Config
	engine  *piece.Engine
	info    *torrentfile.Info
	tracker *tracker.Client
	disc    discovery.Discoverer

	sem *semaphore.Weighted

	mu        sync.Mutex
	state     State
	uploaded  int64
	peers     map[string]*peerSession
	log       logger.Logger

	stopC chan struct{}
}

// New builds an Orchestrator for a torrent whose pieces are already
// tracked by engine.
func New(cfg Config, info *torrentfile.Info, engine *piece.Engine, trackerClient *tracker.Client, disc discovery.Discoverer) *Orchestrator {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 55
	}
	return &Orchestrator{
		cfg:     cfg,
		engine:  engine,
		info:    info,
		tracker: trackerClient,
		disc:    disc,
		sem:     semaphore.NewWeighted(int64(cfg.MaxPeers)),
		state:   StateChecking,
		peers:   make(map[string]*peerSession),
		log:     logger.New("orchestrator"),
		stopC:   make(chan struct{}),
	}
}

// State returns the current torrent-level state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// PeerCount returns the number of currently connected peers.
func (o *Orchestrator) PeerCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.peers)
}

// Run starts the tracker cycle and peer management loop. It returns
// when ctx is cancelled or Stop is called.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.setState(StateChecking)
	if err := o.engine.VerifyExisting(); err != nil {
		o.setState(StateError)
		return err
	}

	if o.engine.IsComplete() {
		o.setState(StateSeeding)
	} else {
		o.setState(StateDownloading)
	}

	if o.disc != nil {
		if err := o.disc.Announce(o.cfg.InfoHash); err != nil {
			o.log.Warningf("dht announce failed: %s", err)
		}
	}

	announceC := o.announceLoop(ctx)
	discoveredC := o.discoveryFeed()

	for {
		select {
		case <-ctx.Done():
			o.shutdownPeers()
			return nil
		case <-o.stopC:
			o.shutdownPeers()
			return nil
		case addrs := <-announceC:
			for _, addr := range addrs {
				o.maybeConnect(ctx, addr)
			}
		case addr, ok := <-discoveredC:
			if !ok {
				discoveredC = nil
				continue
			}
			o.maybeConnect(ctx, addr)
		}
	}
}

// Stop ends Run without waiting for ctx cancellation.
func (o *Orchestrator) Stop() {
	select {
	case <-o.stopC:
	default:
		close(o.stopC)
	}
}

func (o *Orchestrator) announceLoop(ctx context.Context) <-chan []string {
	out := make(chan []string, 1)
	go func() {
		defer close(out)
		interval := 0 * time.Second
		for {
			peers, reportedInterval := o.tracker.AnnounceAll(ctx, o.cfg.Trackers, trackerRequest(o.cfg, o.bytesLeft()))
			select {
			case out <- peers:
			case <-ctx.Done():
				return
			case <-o.stopC:
				return
			}
			if reportedInterval > 0 {
				interval = time.Duration(reportedInterval) * time.Second
			} else {
				interval = 30 * time.Minute
			}
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return
			case <-o.stopC:
				return
			}
		}
	}()
	return out
}

// bytesLeft estimates the remaining bytes to announce to trackers from
// completed piece count; the last piece's true length is ignored, which
// undercounts "left" by at most one piece length.
func (o *Orchestrator) bytesLeft() int64 {
	total := o.info.TotalLength()
	done := int64(o.engine.Have().Count()) * o.info.PieceLength
	left := total - done
	if left < 0 {
		left = 0
	}
	return left
}

func trackerRequest(cfg Config, left int64) tracker.Request {
	return tracker.Request{
		InfoHash: cfg.InfoHash,
		PeerID:   cfg.PeerID,
		Port:     cfg.ListenPort,
		Left:     left,
		NumWant:  50,
	}
}

func (o *Orchestrator) discoveryFeed() <-chan string {
	if o.disc == nil {
		return nil
	}
	return o.disc.Peers()
}

func (o *Orchestrator) maybeConnect(ctx context.Context, addr string) {
	o.mu.Lock()
	_, exists := o.peers[addr]
	o.mu.Unlock()
	if exists {
		return
	}
	if !o.sem.TryAcquire(1) {
		return
	}
	go o.connectAndRun(ctx, addr)
}

func (o *Orchestrator) connectAndRun(ctx context.Context, addr string) {
	defer o.sem.Release(1)

	conn, _, err := peerwire.Dial(addr, o.cfg.PeerTimeout, peerwire.Handshake{InfoHash: o.cfg.InfoHash, PeerID: o.cfg.PeerID})
	if err != nil {
		o.log.Debugf("dial %s: %s", addr, err)
		return
	}

	sess := newPeerSession(addr, conn, o.cfg.MaxPending)
	o.mu.Lock()
	o.peers[addr] = sess
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.peers, addr)
		o.mu.Unlock()
		conn.Close()
		if sess.bitfield != nil {
			o.engine.RemovePeerBitfield(sess.bitfield)
		}
	}()

	peerwire.WriteBitfield(conn, o.engine.Have().Bytes())
	peerwire.WriteStateOnly(conn, peerwire.MsgUnchoke)
	peerwire.WriteStateOnly(conn, peerwire.MsgInterested)

	reader := peerwire.NewReader(conn)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(o.cfg.PeerTimeout)); err != nil {
			return
		}
		msg, err := reader.ReadMessage()
		if err == peerwire.ErrKeepAlive {
			continue
		}
		if err != nil {
			return
		}
		o.handleMessage(sess, msg)

		select {
		case <-ctx.Done():
			return
		case <-o.stopC:
			return
		default:
		}
		o.fillRequests(sess)
	}
}

func (o *Orchestrator) handleMessage(sess *peerSession, msg peerwire.Message) {
	switch msg.ID {
	case peerwire.MsgBitfield:
		bf := piece.NewBitfieldFromBytes(msg.Payload, o.engine.NumPieces())
		sess.bitfield = bf
		o.engine.AddPeerBitfield(bf)
	case peerwire.MsgHave:
		if sess.bitfield == nil {
			sess.bitfield = piece.NewBitfield(o.engine.NumPieces())
		}
		sess.bitfield.Set(msg.Index)
		o.engine.HavePiece(msg.Index)
	case peerwire.MsgChoke:
		sess.choked = true
	case peerwire.MsgUnchoke:
		sess.choked = false
	case peerwire.MsgPiece:
		sess.pendingMu.Lock()
		delete(sess.pending, blockKey{msg.Index, msg.Begin})
		sess.pendingMu.Unlock()
		blockIndex := int(msg.Begin / piece.BlockSize)
		if err := o.engine.ReceiveBlock(msg.Index, blockIndex, msg.Payload); err != nil {
			o.log.Debugf("peer %s sent bad block for piece %d: %s", sess.addr, msg.Index, err)
		}
		if o.engine.IsComplete() {
			o.setState(StateSeeding)
		}
	}
}

// fillRequests tops up a peer's in-flight request count up to MaxPending,
// selecting pieces via the engine's rarest-first/endgame logic.
func (o *Orchestrator) fillRequests(sess *peerSession) {
	if sess.choked || sess.bitfield == nil {
		return
	}
	sess.pendingMu.Lock()
	inFlight := len(sess.pending)
	sess.pendingMu.Unlock()

	for inFlight < o.cfg.MaxPending {
		p, ok := o.engine.SelectPiece(sess.addr, sess.bitfield)
		if !ok {
			return
		}
		requested := false
		for _, b := range p.Blocks {
			key := blockKey{p.Index, b.Begin}
			sess.pendingMu.Lock()
			_, already := sess.pending[key]
			if !already {
				sess.pending[key] = struct{}{}
			}
			sess.pendingMu.Unlock()
			if already {
				continue
			}
			o.engine.BeginBlockRequest(p.Index, int(b.Begin/piece.BlockSize), sess.addr)
			if err := peerwire.WriteRequest(sess.conn, p.Index, b.Begin, b.Length); err != nil {
				return
			}
			requested = true
			inFlight++
			if inFlight >= o.cfg.MaxPending {
				return
			}
		}
		if !requested {
			return
		}
	}
}

func (o *Orchestrator) shutdownPeers() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.peers {
		s.conn.Close()
	}
}

type blockKey struct {
	piece int
	begin int64
}

type peerSession struct {
	addr      string
	conn      net.Conn
	bitfield  *piece.Bitfield
	choked    bool
	pendingMu sync.Mutex
	pending   map[blockKey]struct{}
}

func newPeerSession(addr string, conn net.Conn, maxPending int) *peerSession {
	if maxPending <= 0 {
		maxPending = 16
	}
	return &peerSession{
		addr:    addr,
		conn:    conn,
		choked:  true,
		pending: make(map[blockKey]struct{}, maxPending),
	}
}

// NewPeerID generates a random 20-byte peer id with the dlrain client
// prefix, following the Azureus-style convention BEP20 recommends.
func NewPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], "-DL0100-")
	if _, err := rand.Read(id[8:]); err != nil {
		return id, fmt.Errorf("generate peer id: %w", err)
	}
	return id, nil
}
