// Package tracker implements an HTTP announce client: it turns a Request
// into a list of peer addresses, tolerating individual tracker failures
// so one bad tracker in an announce-list doesn't sink the whole cycle.
package tracker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/zeebo/bencode"

	"github.com/cenkalti/dlrain/internal/logger"
	"github.com/cenkalti/dlrain/internal/model"
)

// Event is the announce event parameter, per BEP3.
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
	EventCompleted Event = "completed"
)

// Request is a single announce call.
type Request struct {
	AnnounceURL string
	InfoHash    [20]byte
	PeerID      [20]byte
	Port        int
	Uploaded    int64
	Downloaded  int64
	Left        int64
	Event       Event
	NumWant     int
}

// Response is a tracker's announce reply.
type Response struct {
	Interval int
	Peers    []string // host:port
}

type bencodeResponse struct {
	FailureReason string      `bencode:"failure reason"`
	Interval      int         `bencode:"interval"`
	Peers         interface{} `bencode:"peers"`
	Peers6        string      `bencode:"peers6"`
}

var log = logger.New("tracker")

// Client announces to HTTP(S) trackers.
type Client struct {
	http *http.Client
}

// New builds a Client using httpClient, or http.DefaultClient if nil.
func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{http: httpClient}
}

// Announce performs a single announce call against req.AnnounceURL.
func (c *Client) Announce(ctx context.Context, req Request) (Response, error) {
	announceURL, err := buildAnnounceURL(req)
	if err != nil {
		return Response{}, model.InvalidInput("announce_url", "%s", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, announceURL, nil)
	if err != nil {
		return Response{}, model.InvalidInput("announce_url", "%s", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, model.Network(model.NetTimeout, 0, "announce %s: %s", req.AnnounceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Response{}, model.Network(model.NetHTTPStatus, resp.StatusCode, "tracker %s returned %s", req.AnnounceURL, resp.Status)
	}

	var br bencodeResponse
	if err := bencode.NewDecoder(resp.Body).Decode(&br); err != nil {
		return Response{}, model.Protocol(model.ProtoPeerProtocol, "decode tracker response from %s: %s", req.AnnounceURL, err)
	}
	if br.FailureReason != "" {
		return Response{}, model.Protocol(model.ProtoPeerProtocol, "tracker %s: %s", req.AnnounceURL, br.FailureReason)
	}

	peers, err := decodePeers(br.Peers)
	if err != nil {
		return Response{}, model.Protocol(model.ProtoPeerProtocol, "decode peers from %s: %s", req.AnnounceURL, err)
	}
	if br.Peers6 != "" {
		peers6, err := parseCompactPeers(br.Peers6, true)
		if err == nil {
			peers = append(peers, peers6...)
		}
	}

	return Response{Interval: br.Interval, Peers: peers}, nil
}

// AnnounceAll announces to every tracker in urls concurrently, logging
// and skipping individual failures, and returns the deduplicated union
// of peers plus the shortest reported interval (0 if none succeeded).
func (c *Client) AnnounceAll(ctx context.Context, urls []string, base Request) ([]string, int) {
	type result struct {
		resp Response
		err  error
		url  string
	}

	results := make(chan result, len(urls))
	for _, u := range urls {
		go func(u string) {
			req := base
			req.AnnounceURL = u
			resp, err := c.Announce(ctx, req)
			results <- result{resp, err, u}
		}(u)
	}

	seen := make(map[string]bool)
	var peers []string
	interval := 0

	for range urls {
		r := <-results
		if r.err != nil {
			log.Warningf("tracker %s failed: %s", r.url, r.err)
			continue
		}
		for _, p := range r.resp.Peers {
			if !seen[p] {
				seen[p] = true
				peers = append(peers, p)
			}
		}
		if interval == 0 || (r.resp.Interval > 0 && r.resp.Interval < interval) {
			interval = r.resp.Interval
		}
	}

	return peers, interval
}

func buildAnnounceURL(req Request) (string, error) {
	u, err := url.Parse(req.AnnounceURL)
	if err != nil {
		return "", err
	}
	q := url.Values{
		"info_hash":  []string{string(req.InfoHash[:])},
		"peer_id":    []string{string(req.PeerID[:])},
		"port":       []string{strconv.Itoa(req.Port)},
		"uploaded":   []string{strconv.FormatInt(req.Uploaded, 10)},
		"downloaded": []string{strconv.FormatInt(req.Downloaded, 10)},
		"left":       []string{strconv.FormatInt(req.Left, 10)},
		"compact":    []string{"1"},
	}
	if req.Event != EventNone {
		q.Set("event", string(req.Event))
	}
	if req.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(req.NumWant))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// decodePeers handles both the compact (binary string) and non-compact
// (list of dicts) peer encodings a tracker may return.
func decodePeers(raw interface{}) ([]string, error) {
	switch v := raw.(type) {
	case string:
		return parseCompactPeers(v, false)
	case []interface{}:
		peers := make([]string, 0, len(v))
		for _, item := range v {
			dict, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			ip, _ := dict["ip"].(string)
			portVal, _ := dict["port"].(int64)
			if ip == "" || portVal == 0 {
				continue
			}
			peers = append(peers, net.JoinHostPort(ip, strconv.FormatInt(portVal, 10)))
		}
		return peers, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected peers encoding %T", raw)
	}
}

// parseCompactPeers decodes the BEP23 compact peer list format.
func parseCompactPeers(peers string, ipv6 bool) ([]string, error) {
	data := []byte(peers)
	ipSize := net.IPv4len
	if ipv6 {
		ipSize = net.IPv6len
	}
	peerSize := ipSize + 2
	if len(data)%peerSize != 0 {
		return nil, fmt.Errorf("compact peer list length %d not divisible by %d", len(data), peerSize)
	}

	result := make([]string, 0, len(data)/peerSize)
	for i := 0; i < len(data); i += peerSize {
		ip := net.IP(data[i : i+ipSize])
		port := int(data[i+ipSize])<<8 | int(data[i+ipSize+1])
		result = append(result, net.JoinHostPort(ip.String(), strconv.Itoa(port)))
	}
	return result, nil
}
