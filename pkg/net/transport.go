// Package net implements the gossip transport as gob packets over
// TCP. One Peer wraps one connection; a read loop decodes incoming
// messages and hands them to the gossip layer.
package net

import (
	"encoding/gob"
	"net"
	"sync"

	log "github.com/helinwang/log15"

	"github.com/krampslaag/bikera/pkg/gossip"
)

// Transport is a gossip.Transport over TCP.
type Transport struct {
	mu       sync.Mutex
	listener net.Listener
}

// NewTransport creates a TCP transport.
func NewTransport() *Transport {
	return &Transport{}
}

// Listen accepts connections on addr. Every accepted connection gets
// its own Peer and read loop; recv is invoked for each decoded
// message.
func (t *Transport) Listen(addr string, recv func(p gossip.Peer, m gossip.Message)) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				log.Info("listener closed", "addr", addr, "err", err)
				return
			}
			newPeer(conn, recv)
		}
	}()

	return nil
}

// Connect dials a peer and starts its read loop.
func (t *Transport) Connect(addr string, recv func(p gossip.Peer, m gossip.Message)) (gossip.Peer, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return newPeer(conn, recv), nil
}

// Close stops accepting new connections.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Close()
}

// Peer is one TCP connection speaking gob-encoded gossip messages.
// Writes are serialized by a mutex; the read loop runs until the
// connection errors out.
type Peer struct {
	conn net.Conn

	mu  sync.Mutex
	enc *gob.Encoder
	err error
}

func newPeer(conn net.Conn, recv func(p gossip.Peer, m gossip.Message)) *Peer {
	p := &Peer{
		conn: conn,
		enc:  gob.NewEncoder(conn),
	}
	go p.read(recv)
	return p
}

func (p *Peer) read(recv func(p gossip.Peer, m gossip.Message)) {
	dec := gob.NewDecoder(p.conn)
	for {
		var m gossip.Message
		if err := dec.Decode(&m); err != nil {
			p.onErr(err)
			return
		}
		recv(p, m)
	}
}

func (p *Peer) onErr(err error) {
	log.Info("peer error, closing connection", "addr", p.RemoteAddr(), "err", err)
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()

	if cerr := p.conn.Close(); cerr != nil {
		log.Debug("close conn", "err", cerr)
	}
}

// Send encodes one message onto the connection.
func (p *Peer) Send(m gossip.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	if err := p.enc.Encode(m); err != nil {
		p.err = err
		return err
	}
	return nil
}

// Close closes the underlying connection.
func (p *Peer) Close() error {
	return p.conn.Close()
}

// RemoteAddr returns the remote end of the connection.
func (p *Peer) RemoteAddr() string {
	return p.conn.RemoteAddr().String()
}
