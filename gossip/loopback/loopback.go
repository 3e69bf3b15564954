// Package loopback is an in-process gossip.RoundTransport fake, grounded
// on BigBossBooling's internal/network/simulation.go -- the one example
// repo in the pack with an in-memory network fake. It is used by
// scenario tests and single-node devnets where a real socket transport
// would add nothing but flakiness.
package loopback

import (
	"context"
	"sync"

	"findag.dev/core/gossip"
)

// Network is a shared medium a set of Peers broadcast onto; every other
// Peer registered on the same Network receives each message.
type Network struct {
	mu    sync.RWMutex
	peers map[*Peer]struct{}
}

func NewNetwork() *Network {
	return &Network{peers: make(map[*Peer]struct{})}
}

// Peer is one node's view of the loopback network; it satisfies
// gossip.RoundTransport.
type Peer struct {
	net     *Network
	inbound chan gossip.Message

	mu        sync.RWMutex
	responder func(ctx context.Context, req gossip.Request) (gossip.Response, error)
}

func (n *Network) NewPeer(bufSize int) *Peer {
	if bufSize <= 0 {
		bufSize = 256
	}
	p := &Peer{net: n, inbound: make(chan gossip.Message, bufSize)}
	n.mu.Lock()
	n.peers[p] = struct{}{}
	n.mu.Unlock()
	return p
}

func (n *Network) removePeer(p *Peer) {
	n.mu.Lock()
	delete(n.peers, p)
	n.mu.Unlock()
}

func (p *Peer) Close() { p.net.removePeer(p) }

func (p *Peer) Messages() <-chan gossip.Message { return p.inbound }

// Broadcast fans msg out to every other peer on the network; the
// sending peer does not receive its own message, matching a real
// transport where a node already has local state for what it produced.
func (p *Peer) Broadcast(msg gossip.Message) error {
	p.net.mu.RLock()
	defer p.net.mu.RUnlock()
	for peer := range p.net.peers {
		if peer == p {
			continue
		}
		select {
		case peer.inbound <- msg:
		default:
			// Slow consumer: drop rather than block the broadcaster,
			// matching real gossip's best-effort delivery.
		}
	}
	return nil
}

// SetResponder installs the function this peer answers DirectRequests
// with, e.g. one serving blocks/rounds from that node's store. A peer
// without a responder is skipped by DirectRequest.
func (p *Peer) SetResponder(fn func(ctx context.Context, req gossip.Request) (gossip.Response, error)) {
	p.mu.Lock()
	p.responder = fn
	p.mu.Unlock()
}

func (p *Peer) DirectRequest(ctx context.Context, peerAddr string, req gossip.Request) (gossip.Response, error) {
	p.net.mu.RLock()
	defer p.net.mu.RUnlock()
	for other := range p.net.peers {
		if other == p {
			continue
		}
		other.mu.RLock()
		responder := other.responder
		other.mu.RUnlock()
		if responder != nil {
			return responder(ctx, req)
		}
	}
	return gossip.Response{Found: false}, nil
}

var _ gossip.RoundTransport = (*Peer)(nil)
