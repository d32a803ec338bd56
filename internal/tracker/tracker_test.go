package tracker

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"
)

func compactPeer(ip [4]byte, port uint16) string {
	b := make([]byte, 6)
	copy(b, ip[:])
	binary.BigEndian.PutUint16(b[4:], port)
	return string(b)
}

func TestAnnounceParsesCompactPeers(t *testing.T) {
	peers := compactPeer([4]byte{127, 0, 0, 1}, 6881) + compactPeer([4]byte{127, 0, 0, 2}, 6882)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "1", r.URL.Query().Get("compact"))
		enc, err := bencode.EncodeBytes(map[string]interface{}{
			"interval": 1800,
			"peers":    peers,
		})
		require.NoError(t, err)
		w.Write(enc)
	}))
	defer srv.Close()

	c := New(nil)
	resp, err := c.Announce(context.Background(), Request{
		AnnounceURL: srv.URL,
		InfoHash:    [20]byte{1},
		PeerID:      [20]byte{2},
		Port:        6881,
	})
	require.NoError(t, err)
	require.Equal(t, 1800, resp.Interval)
	require.ElementsMatch(t, []string{"127.0.0.1:6881", "127.0.0.2:6882"}, resp.Peers)
}

func TestAnnounceFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc, _ := bencode.EncodeBytes(map[string]interface{}{
			"failure reason": "unregistered torrent",
		})
		w.Write(enc)
	}))
	defer srv.Close()

	c := New(nil)
	_, err := c.Announce(context.Background(), Request{AnnounceURL: srv.URL})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unregistered torrent")
}

func TestAnnounceHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(nil)
	_, err := c.Announce(context.Background(), Request{AnnounceURL: srv.URL})
	require.Error(t, err)
}

func TestAnnounceAllToleratesPartialFailure(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc, _ := bencode.EncodeBytes(map[string]interface{}{
			"interval": 900,
			"peers":    compactPeer([4]byte{10, 0, 0, 1}, 6881),
		})
		w.Write(enc)
	}))
	defer good.Close()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	c := New(nil)
	peers, interval := c.AnnounceAll(context.Background(), []string{good.URL, bad.URL}, Request{
		InfoHash: [20]byte{1},
		PeerID:   [20]byte{2},
		Port:     6881,
	})
	require.Equal(t, []string{"10.0.0.1:6881"}, peers)
	require.Equal(t, 900, interval)
}

func TestParseCompactPeersRejectsBadLength(t *testing.T) {
	_, err := parseCompactPeers("abc", false)
	require.Error(t, err)
}
