package gossip

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	log "github.com/helinwang/log15"
)

// seenCacheSize bounds the de-duplication cache. The original design
// grew its seen-set without bound; an LRU of this size keeps the same
// observable behavior for any realistic message rate.
const seenCacheSize = 4096

// Peer is one live connection to a remote node.
type Peer interface {
	Send(m Message) error
	Close() error
	RemoteAddr() string
}

// Transport delivers messages between nodes. recv is invoked for
// every message arriving on a connection the transport owns.
type Transport interface {
	Listen(addr string, recv func(p Peer, m Message)) error
	Connect(addr string, recv func(p Peer, m Message)) (Peer, error)
}

// PeerInfo is the liveness record kept per known peer.
type PeerInfo struct {
	NodeID   string
	Addr     string
	LastSeen time.Time
}

// Node is the gossip endpoint of one process: it fans broadcasts out
// to every connected peer, supports direct sends, de-duplicates by
// message id, and dispatches by message type to registered handlers.
type Node struct {
	id          string
	addr        string
	transport   Transport
	peerTimeout time.Duration
	seen        *lru.Cache

	mu       sync.Mutex
	peers    map[string]Peer
	peerInfo map[string]*PeerInfo
	handlers map[MsgType]func(Message)
}

// NewNode creates a gossip node. addr is the address the node will
// advertise in handshakes.
func NewNode(id, addr string, transport Transport, peerTimeout time.Duration) *Node {
	seen, err := lru.New(seenCacheSize)
	if err != nil {
		// only fails for a non-positive size
		panic(err)
	}

	return &Node{
		id:          id,
		addr:        addr,
		transport:   transport,
		peerTimeout: peerTimeout,
		seen:        seen,
		peers:       make(map[string]Peer),
		peerInfo:    make(map[string]*PeerInfo),
		handlers:    make(map[MsgType]func(Message)),
	}
}

// ID returns the node id.
func (n *Node) ID() string { return n.id }

// Handle registers the handler for a message type. Handlers must be
// registered before Start.
func (n *Node) Handle(t MsgType, h func(Message)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[t] = h
}

// Start begins listening and connects to the seed addresses. Seed
// failures are logged and skipped; the node still starts.
func (n *Node) Start(seedAddrs []string) error {
	if err := n.transport.Listen(n.addr, n.receive); err != nil {
		return fmt.Errorf("listen on %s: %w", n.addr, err)
	}

	for _, addr := range seedAddrs {
		if addr == "" || addr == n.addr {
			continue
		}
		if err := n.connect(addr); err != nil {
			log.Warn("connect to seed failed", "addr", addr, "err", err)
		}
	}
	return nil
}

func (n *Node) connect(addr string) error {
	p, err := n.transport.Connect(addr, n.receive)
	if err != nil {
		return err
	}

	hs, err := NewMessage(MsgHandshake, n.id, HandshakePayload{NodeID: n.id, Addr: n.addr})
	if err != nil {
		return err
	}
	if err := p.Send(hs); err != nil {
		return err
	}

	log.Info("connected to peer", "addr", addr)
	return nil
}

// Broadcast fans the message out to every connected peer. Send
// failures are logged per peer and the failing peer is dropped; the
// fan-out continues.
func (n *Node) Broadcast(m Message) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.seen.Add(m.ID, true)
	for id, p := range n.peers {
		id, p := id, p
		go func() {
			if err := p.Send(m); err != nil {
				log.Error("broadcast to peer failed", "peer", id, "type", m.Type, "err", err)
				n.RemovePeer(id)
			}
		}()
	}
}

// SendDirect targets one peer by node id.
func (n *Node) SendDirect(peerID string, m Message) error {
	n.mu.Lock()
	p, ok := n.peers[peerID]
	n.mu.Unlock()

	if !ok {
		return fmt.Errorf("peer not connected: %s", peerID)
	}

	if err := p.Send(m); err != nil {
		n.RemovePeer(peerID)
		return err
	}
	return nil
}

// receive is the single entry point for messages arriving over the
// transport.
func (n *Node) receive(p Peer, m Message) {
	if m.SenderID == n.id {
		return
	}

	n.mu.Lock()
	if _, dup := n.seen.Get(m.ID); dup {
		n.mu.Unlock()
		return
	}
	n.seen.Add(m.ID, true)

	if m.Type == MsgHandshake {
		var hs HandshakePayload
		if err := m.Decode(&hs); err != nil {
			n.mu.Unlock()
			log.Error("bad handshake payload", "err", err)
			return
		}
		_, known := n.peers[hs.NodeID]
		n.peers[hs.NodeID] = p
		n.peerInfo[hs.NodeID] = &PeerInfo{NodeID: hs.NodeID, Addr: hs.Addr, LastSeen: time.Now()}
		n.mu.Unlock()

		// a handshake from an already-known peer is itself an ack;
		// answering it again would bounce acks between the two
		// endpoints forever
		if known {
			return
		}
		log.Info("peer registered", "peer", hs.NodeID, "addr", hs.Addr)

		// answer so the dialing side learns our identity too
		ack, err := NewMessage(MsgHandshake, n.id, HandshakePayload{NodeID: n.id, Addr: n.addr})
		if err == nil {
			if err := p.Send(ack); err != nil {
				log.Error("handshake ack failed", "peer", hs.NodeID, "err", err)
			}
		}
		return
	}

	if info, ok := n.peerInfo[m.SenderID]; ok {
		info.LastSeen = time.Now()
	}
	h := n.handlers[m.Type]
	n.mu.Unlock()

	if h == nil {
		log.Debug("no handler for message type", "type", m.Type)
		return
	}
	h(m)
}

// RemovePeer closes and forgets a peer connection.
func (n *Node) RemovePeer(peerID string) {
	n.mu.Lock()
	p, ok := n.peers[peerID]
	delete(n.peers, peerID)
	delete(n.peerInfo, peerID)
	n.mu.Unlock()

	if ok {
		log.Info("removing peer", "peer", peerID)
		if err := p.Close(); err != nil {
			log.Debug("close peer conn", "peer", peerID, "err", err)
		}
	}
}

// ActivePeers returns the peers with a recent heartbeat or message.
func (n *Node) ActivePeers() []PeerInfo {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []PeerInfo
	for _, info := range n.peerInfo {
		if time.Since(info.LastSeen) < n.peerTimeout {
			out = append(out, *info)
		}
	}
	return out
}

// RunHeartbeat broadcasts heartbeats on the given tick and prunes
// peers that stayed silent past the timeout, until ctx is cancelled.
func (n *Node) RunHeartbeat(ctx context.Context, tick time.Duration) {
	t := time.NewTicker(tick)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hb, err := NewMessage(MsgHeartbeat, n.id, HeartbeatPayload{Status: "alive"})
			if err == nil {
				n.Broadcast(hb)
			}
			n.pruneDeadPeers()
		}
	}
}

func (n *Node) pruneDeadPeers() {
	n.mu.Lock()
	var dead []string
	for id, info := range n.peerInfo {
		if time.Since(info.LastSeen) > n.peerTimeout {
			dead = append(dead, id)
		}
	}
	n.mu.Unlock()

	for _, id := range dead {
		log.Info("pruning dead peer", "peer", id)
		n.RemovePeer(id)
	}
}
