package torrentfile

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"
)

func encodeTestTorrent(t *testing.T) []byte {
	t.Helper()
	info := map[string]interface{}{
		"name":         "file.bin",
		"piece length": int64(16384),
		"pieces":       string(bytes.Repeat([]byte{0xAB}, 40)), // 2 pieces
		"length":       int64(16384 + 100),
	}
	infoBytes, err := bencode.EncodeBytes(info)
	require.NoError(t, err)

	raw := map[string]interface{}{
		"announce": "http://tracker.example.com/announce",
		"info":     bencode.RawMessage(infoBytes),
	}
	b, err := bencode.EncodeBytes(raw)
	require.NoError(t, err)
	return b
}

func TestParseMetaInfo(t *testing.T) {
	b := encodeTestTorrent(t)
	mi, err := ParseMetaInfo(bytes.NewReader(b))
	require.NoError(t, err)
	require.Equal(t, "file.bin", mi.Info.Name)
	require.Equal(t, 2, mi.Info.NumPieces())
	require.Equal(t, int64(16384+100), mi.Info.TotalLength())
	require.Equal(t, "http://tracker.example.com/announce", mi.Announce)
}

func TestParseMetaInfoMissingInfo(t *testing.T) {
	raw := map[string]interface{}{"announce": "http://tracker.example.com"}
	b, err := bencode.EncodeBytes(raw)
	require.NoError(t, err)
	_, err = ParseMetaInfo(bytes.NewReader(b))
	require.Error(t, err)
}

func TestParseMagnetHex(t *testing.T) {
	uri := "magnet:?xt=urn:btih:AABBCCDDEEFF00112233445566778899AABBCCDD&dn=Test&tr=http://tracker.example.com/announce"
	m, err := ParseMagnet(uri)
	require.NoError(t, err)
	require.Equal(t, "Test", m.DisplayName)
	require.Len(t, m.Trackers, 1)
	require.Equal(t, byte(0xAA), m.InfoHash[0])
}

func TestParseMagnetMissingXT(t *testing.T) {
	_, err := ParseMagnet("magnet:?dn=Test")
	require.Error(t, err)
}

func TestParseMagnetNotMagnet(t *testing.T) {
	_, err := ParseMagnet("http://example.com")
	require.Error(t, err)
}
