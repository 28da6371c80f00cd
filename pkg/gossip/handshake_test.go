package gossip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type replayPeer struct {
	sent []Message
}

func (p *replayPeer) Send(m Message) error {
	p.sent = append(p.sent, m)
	return nil
}

func (p *replayPeer) Close() error { return nil }

func (p *replayPeer) RemoteAddr() string { return "replay" }

func TestRepeatedHandshakeNotReAcked(t *testing.T) {
	n := NewNode("node-a", "addr-a", nil, 30*time.Second)
	p := &replayPeer{}

	first, err := NewMessage(MsgHandshake, "node-b", HandshakePayload{NodeID: "node-b", Addr: "addr-b"})
	require.NoError(t, err)

	n.receive(p, first)
	require.Len(t, p.sent, 1)
	assert.Equal(t, MsgHandshake, p.sent[0].Type)
	assert.Equal(t, "node-a", p.sent[0].SenderID)

	// the peer acks our ack with another handshake; answering again
	// would loop forever
	second := first
	second.Timestamp += 1
	second.ID = second.deriveID()

	n.receive(p, second)
	assert.Len(t, p.sent, 1)

	peers := n.ActivePeers()
	require.Len(t, peers, 1)
	assert.Equal(t, "node-b", peers[0].NodeID)
}
