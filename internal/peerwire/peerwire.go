// Package peerwire is deliberately thin: peer wire framing (handshake
// bytes, message IDs, extension negotiation) is an external collaborator
// the core piece engine drives, not something the core reimplements in
// depth. This package gives the orchestrator just enough of a handshake
// and message envelope to hand parsed blocks to
// internal/piece, grounded on the shape of torrent/internal/peerconn.
package peerwire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/dlrain/internal/model"
)

const protocolString = "BitTorrent protocol"

// MessageID identifies a peer wire message, per BEP3.
type MessageID byte

const (
	MsgChoke MessageID = iota
	MsgUnchoke
	MsgInterested
	MsgNotInterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
	MsgCancel
)

// Handshake is the 68-byte BitTorrent handshake.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Reserved [8]byte
}

// WriteHandshake sends the initial handshake bytes.
func WriteHandshake(w io.Writer, hs Handshake) error {
	buf := make([]byte, 0, 68)
	buf = append(buf, byte(len(protocolString)))
	buf = append(buf, protocolString...)
	buf = append(buf, hs.Reserved[:]...)
	buf = append(buf, hs.InfoHash[:]...)
	buf = append(buf, hs.PeerID[:]...)
	_, err := w.Write(buf)
	if err != nil {
		return model.Protocol(model.ProtoHandshakeFailed, "write handshake: %s", err)
	}
	return nil
}

// ReadHandshake reads and validates the peer's handshake, checking the
// info hash matches expected (the zero value skips that check, for the
// accepting side before the torrent is known).
func ReadHandshake(r io.Reader, expected *[20]byte) (Handshake, error) {
	var hs Handshake
	pstrlen := make([]byte, 1)
	if _, err := io.ReadFull(r, pstrlen); err != nil {
		return hs, model.Protocol(model.ProtoHandshakeFailed, "read pstrlen: %s", err)
	}
	rest := make([]byte, int(pstrlen[0])+48)
	if _, err := io.ReadFull(r, rest); err != nil {
		return hs, model.Protocol(model.ProtoHandshakeFailed, "read handshake body: %s", err)
	}
	off := int(pstrlen[0])
	copy(hs.Reserved[:], rest[off:off+8])
	copy(hs.InfoHash[:], rest[off+8:off+28])
	copy(hs.PeerID[:], rest[off+28:off+48])

	if expected != nil && hs.InfoHash != *expected {
		return hs, model.Protocol(model.ProtoHandshakeFailed, "info hash mismatch")
	}
	return hs, nil
}

// Dial performs the outgoing TCP connect and handshake exchange.
func Dial(addr string, timeout time.Duration, hs Handshake) (net.Conn, Handshake, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, Handshake{}, model.Network(model.NetTimeout, 0, "dial %s: %s", addr, err)
	}
	if err := WriteHandshake(conn, hs); err != nil {
		conn.Close()
		return nil, Handshake{}, err
	}
	peerHS, err := ReadHandshake(conn, &hs.InfoHash)
	if err != nil {
		conn.Close()
		return nil, Handshake{}, err
	}
	return conn, peerHS, nil
}

// Message is a decoded peer wire message.
type Message struct {
	ID      MessageID
	Index   int
	Begin   int64
	Length  int64
	Payload []byte // piece data, for MsgPiece
}

// Reader decodes length-prefixed peer wire messages from a connection.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r for message-by-message reading.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024)}
}

// ReadMessage blocks until the next message arrives. A zero-length
// message is a keep-alive and is reported as an error the caller can
// filter on: callers loop calling ReadMessage and ignore ErrKeepAlive.
func (r *Reader) ReadMessage() (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.br, lenBuf[:]); err != nil {
		return Message{}, model.Network(model.NetOther, 0, "read length prefix: %s", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Message{}, ErrKeepAlive
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r.br, body); err != nil {
		return Message{}, model.Network(model.NetOther, 0, "read message body: %s", err)
	}

	msg := Message{ID: MessageID(body[0])}
	payload := body[1:]
	switch msg.ID {
	case MsgHave:
		msg.Index = int(binary.BigEndian.Uint32(payload))
	case MsgBitfield:
		msg.Payload = payload
	case MsgRequest, MsgCancel:
		msg.Index = int(binary.BigEndian.Uint32(payload[0:4]))
		msg.Begin = int64(binary.BigEndian.Uint32(payload[4:8]))
		msg.Length = int64(binary.BigEndian.Uint32(payload[8:12]))
	case MsgPiece:
		msg.Index = int(binary.BigEndian.Uint32(payload[0:4]))
		msg.Begin = int64(binary.BigEndian.Uint32(payload[4:8]))
		msg.Payload = payload[8:]
	}
	return msg, nil
}

// ErrKeepAlive signals a zero-length keep-alive message was read.
var ErrKeepAlive = model.Protocol(model.ProtoPeerProtocol, "keep-alive")

// WriteRequest sends a block request message.
func WriteRequest(w io.Writer, index int, begin, length int64) error {
	return writeIndexBeginLength(w, MsgRequest, index, begin, length)
}

// WriteCancel sends a block cancel message.
func WriteCancel(w io.Writer, index int, begin, length int64) error {
	return writeIndexBeginLength(w, MsgCancel, index, begin, length)
}

func writeIndexBeginLength(w io.Writer, id MessageID, index int, begin, length int64) error {
	buf := make([]byte, 4+1+12)
	binary.BigEndian.PutUint32(buf[0:4], 13)
	buf[4] = byte(id)
	binary.BigEndian.PutUint32(buf[5:9], uint32(index))
	binary.BigEndian.PutUint32(buf[9:13], uint32(begin))
	binary.BigEndian.PutUint32(buf[13:17], uint32(length))
	_, err := w.Write(buf)
	if err != nil {
		return model.Network(model.NetOther, 0, "write %v: %s", id, err)
	}
	return nil
}

// WriteBitfield sends our piece bitfield.
func WriteBitfield(w io.Writer, bits []byte) error {
	buf := make([]byte, 4+1+len(bits))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(bits)))
	buf[4] = byte(MsgBitfield)
	copy(buf[5:], bits)
	_, err := w.Write(buf)
	if err != nil {
		return model.Network(model.NetOther, 0, "write bitfield: %s", err)
	}
	return nil
}

// WriteStateOnly sends a fixed message with no payload (choke, unchoke,
// interested, not interested).
func WriteStateOnly(w io.Writer, id MessageID) error {
	buf := []byte{0, 0, 0, 1, byte(id)}
	_, err := w.Write(buf)
	if err != nil {
		return model.Network(model.NetOther, 0, "write %v: %s", id, err)
	}
	return nil
}

func (id MessageID) String() string {
	switch id {
	case MsgChoke:
		return "choke"
	case MsgUnchoke:
		return "unchoke"
	case MsgInterested:
		return "interested"
	case MsgNotInterested:
		return "not_interested"
	case MsgHave:
		return "have"
	case MsgBitfield:
		return "bitfield"
	case MsgRequest:
		return "request"
	case MsgPiece:
		return "piece"
	case MsgCancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", byte(id))
	}
}
