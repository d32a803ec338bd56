package peerwire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash [20]byte
	for i := range infoHash {
		infoHash[i] = byte(i)
	}
	var peerID [20]byte
	for i := range peerID {
		peerID[i] = byte(20 + i)
	}

	hs := Handshake{InfoHash: infoHash, PeerID: peerID}

	var buf bytes.Buffer
	require.NoError(t, WriteHandshake(&buf, hs))
	require.Equal(t, 68, buf.Len())
	require.Equal(t, byte(19), buf.Bytes()[0])
	require.Equal(t, protocolString, string(buf.Bytes()[1:20]))

	got, err := ReadHandshake(&buf, &infoHash)
	require.NoError(t, err)
	require.Equal(t, infoHash, got.InfoHash)
	require.Equal(t, peerID, got.PeerID)
}

func TestReadHandshakeRejectsMismatchedInfoHash(t *testing.T) {
	var infoHash, other [20]byte
	infoHash[0] = 1
	other[0] = 2

	var buf bytes.Buffer
	require.NoError(t, WriteHandshake(&buf, Handshake{InfoHash: infoHash}))

	_, err := ReadHandshake(&buf, &other)
	require.Error(t, err)
}

func TestRequestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, 3, 16384, 16384))

	r := NewReader(&buf)
	msg, err := r.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, MsgRequest, msg.ID)
	require.Equal(t, 3, msg.Index)
	require.Equal(t, int64(16384), msg.Begin)
	require.Equal(t, int64(16384), msg.Length)
}

func TestPieceMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	length := uint32(1 + 4 + 4 + 3)
	buf.Write([]byte{0, 0, 0, byte(length)})
	buf.WriteByte(byte(MsgPiece))
	buf.Write([]byte{0, 0, 0, 5}) // index 5
	buf.Write([]byte{0, 0, 0, 0}) // begin 0
	buf.Write([]byte{'a', 'b', 'c'})

	r := NewReader(&buf)
	msg, err := r.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, MsgPiece, msg.ID)
	require.Equal(t, 5, msg.Index)
	require.Equal(t, []byte("abc"), msg.Payload)
}

func TestReadMessageKeepAlive(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})

	r := NewReader(&buf)
	_, err := r.ReadMessage()
	require.ErrorIs(t, err, ErrKeepAlive)
}

func TestBitfieldMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteBitfield(&buf, []byte{0xFF, 0x00}))

	r := NewReader(&buf)
	msg, err := r.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, MsgBitfield, msg.ID)
	require.Equal(t, []byte{0xFF, 0x00}, msg.Payload)
}
