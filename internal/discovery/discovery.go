// Package discovery finds peers for a torrent outside of tracker
// announces: BEP5 DHT, with PEX and LPD left as interface stubs a
// future transport can fill in. Private torrents (info.Private) must
// disable all three, per BEP27.
package discovery

import (
	"time"

	"github.com/nictuku/dht"

	"github.com/cenkalti/dlrain/internal/logger"
	"github.com/cenkalti/dlrain/internal/model"
)

// Discoverer finds peer addresses for an info hash, outside of the
// tracker announce cycle.
type Discoverer interface {
	// Announce registers interest in infoHash and starts contributing
	// discovered peers to the channel returned by Peers.
	Announce(infoHash [20]byte) error
	// Peers delivers host:port strings as they're discovered.
	Peers() <-chan string
	Close() error
}

var log = logger.New("discovery")

// DHTConfig configures the DHT discoverer.
type DHTConfig struct {
	Port           int
	BootstrapNodes []string
	MaxNodes       int
}

// DHT wraps a Kademlia-based BitTorrent DHT node (BEP5) as a Discoverer.
type DHT struct {
	node     *dht.DHT
	peersOut chan string
	done     chan struct{}
}

// NewDHT starts a DHT node listening on cfg.Port.
func NewDHT(cfg DHTConfig) (*DHT, error) {
	dhtCfg := dht.NewConfig()
	dhtCfg.Port = cfg.Port
	if cfg.MaxNodes > 0 {
		dhtCfg.MaxNodes = cfg.MaxNodes
	}
	if len(cfg.BootstrapNodes) > 0 {
		dhtCfg.DHTRouters = joinHosts(cfg.BootstrapNodes)
	}

	node, err := dht.New(dhtCfg)
	if err != nil {
		return nil, model.Network(model.NetOther, 0, "start dht node: %s", err)
	}
	if err := node.Run(); err != nil {
		return nil, model.Network(model.NetOther, 0, "run dht node: %s", err)
	}

	d := &DHT{
		node:     node,
		peersOut: make(chan string, 256),
		done:     make(chan struct{}),
	}
	go d.pump()
	return d, nil
}

func joinHosts(hosts []string) string {
	out := hosts[0]
	for _, h := range hosts[1:] {
		out += "," + h
	}
	return out
}

// Announce asks the DHT's routing table to find peers for infoHash and
// to announce ourself as a peer for it.
func (d *DHT) Announce(infoHash [20]byte) error {
	d.node.PeersRequest(string(infoHash[:]), true)
	return nil
}

// Peers delivers discovered host:port peer addresses.
func (d *DHT) Peers() <-chan string { return d.peersOut }

func (d *DHT) pump() {
	for {
		select {
		case <-d.done:
			return
		case r, ok := <-d.node.PeersRequestResults:
			if !ok {
				return
			}
			for _, peers := range r {
				for _, compact := range peers {
					addr := dht.DecodePeerAddress(compact)
					select {
					case d.peersOut <- addr:
					case <-d.done:
						return
					}
				}
			}
		}
	}
}

// Close stops the DHT node and its discovered-peer feed.
func (d *DHT) Close() error {
	close(d.done)
	d.node.Stop()
	close(d.peersOut)
	return nil
}

// WaitReady gives the DHT node a grace period to exchange find_node
// queries with its bootstrap routers before the first announce, since
// an announce issued against an empty routing table finds nothing.
func (d *DHT) WaitReady(grace time.Duration) {
	time.Sleep(grace)
}

// Disabled is a no-op Discoverer used for private torrents, where BEP27
// forbids DHT, PEX, and local peer discovery entirely.
type Disabled struct{}

func (Disabled) Announce([20]byte) error { return nil }
func (Disabled) Peers() <-chan string    { return nil }
func (Disabled) Close() error            { return nil }

// PEX and LPD are not implemented, only stubbed at the Discoverer
// interface boundary. NewPEX/NewLPD intentionally don't exist yet; a
// future Discoverer implementation can be added without changing this
// package's interface.
