// Package local is an in-process gossip transport used by tests: a
// Hub connects endpoints by address and delivers messages directly.
package local

import (
	"fmt"
	"sync"

	"github.com/krampslaag/bikera/pkg/gossip"
)

// Hub connects local transports by address.
type Hub struct {
	mu        sync.Mutex
	endpoints map[string]*Transport
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]*Transport)}
}

// Transport is one endpoint on a Hub.
type Transport struct {
	hub  *Hub
	addr string

	mu   sync.Mutex
	recv func(p gossip.Peer, m gossip.Message)
}

// NewTransport creates an endpoint attached to the hub.
func (h *Hub) NewTransport() *Transport {
	return &Transport{hub: h}
}

// Listen registers the endpoint under addr.
func (t *Transport) Listen(addr string, recv func(p gossip.Peer, m gossip.Message)) error {
	t.mu.Lock()
	t.addr = addr
	t.recv = recv
	t.mu.Unlock()

	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	t.hub.endpoints[addr] = t
	return nil
}

// Connect links this endpoint to the one listening on addr and
// returns the peer representing the remote side.
func (t *Transport) Connect(addr string, recv func(p gossip.Peer, m gossip.Message)) (gossip.Peer, error) {
	t.hub.mu.Lock()
	remote, ok := t.hub.endpoints[addr]
	t.hub.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("peer not found: %s", addr)
	}

	local := &Peer{addr: t.addr}
	remotePeer := &Peer{addr: addr}

	// messages sent to the remote peer arrive at the remote
	// endpoint's recv, carried by a peer representing us
	remotePeer.deliver = func(m gossip.Message) {
		remote.mu.Lock()
		h := remote.recv
		remote.mu.Unlock()
		if h != nil {
			h(local, m)
		}
	}
	local.deliver = func(m gossip.Message) {
		t.mu.Lock()
		h := t.recv
		if h == nil {
			h = recv
		}
		t.mu.Unlock()
		if h != nil {
			h(remotePeer, m)
		}
	}

	return remotePeer, nil
}

// Peer is one direction of a local link.
type Peer struct {
	addr    string
	mu      sync.Mutex
	closed  bool
	deliver func(m gossip.Message)
}

// Send delivers the message synchronously to the remote endpoint.
func (p *Peer) Send(m gossip.Message) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return fmt.Errorf("peer closed: %s", p.addr)
	}
	p.deliver(m)
	return nil
}

// Close marks the peer closed.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// RemoteAddr returns the remote address of the link.
func (p *Peer) RemoteAddr() string {
	return p.addr
}
