package gossip_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krampslaag/bikera/pkg/gossip"
	"github.com/krampslaag/bikera/pkg/net/local"
)

func TestHandshakeRegistersBothSides(t *testing.T) {
	hub := local.NewHub()

	a := gossip.NewNode("node-a", "addr-a", hub.NewTransport(), 30*time.Second)
	b := gossip.NewNode("node-b", "addr-b", hub.NewTransport(), 30*time.Second)

	require.NoError(t, b.Start(nil))
	require.NoError(t, a.Start([]string{"addr-b"}))

	peersOfA := a.ActivePeers()
	require.Len(t, peersOfA, 1)
	assert.Equal(t, "node-b", peersOfA[0].NodeID)
	assert.Equal(t, "addr-b", peersOfA[0].Addr)

	peersOfB := b.ActivePeers()
	require.Len(t, peersOfB, 1)
	assert.Equal(t, "node-a", peersOfB[0].NodeID)
}

func TestBroadcastReachesPeers(t *testing.T) {
	hub := local.NewHub()

	a := gossip.NewNode("node-a", "addr-a", hub.NewTransport(), 30*time.Second)
	b := gossip.NewNode("node-b", "addr-b", hub.NewTransport(), 30*time.Second)

	var got atomic.Int32
	b.Handle(gossip.MsgBlock, func(m gossip.Message) {
		var p gossip.BlockPayload
		if err := m.Decode(&p); err == nil && p.Height == 7 {
			got.Add(1)
		}
	})

	require.NoError(t, b.Start(nil))
	require.NoError(t, a.Start([]string{"addr-b"}))

	m, err := gossip.NewMessage(gossip.MsgBlock, "node-a", gossip.BlockPayload{Height: 7, Hash: "h"})
	require.NoError(t, err)
	a.Broadcast(m)

	require.Eventually(t, func() bool { return got.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestDuplicateMessagesDroppedOnce(t *testing.T) {
	hub := local.NewHub()

	a := gossip.NewNode("node-a", "addr-a", hub.NewTransport(), 30*time.Second)
	b := gossip.NewNode("node-b", "addr-b", hub.NewTransport(), 30*time.Second)

	var got atomic.Int32
	b.Handle(gossip.MsgBlock, func(m gossip.Message) { got.Add(1) })

	require.NoError(t, b.Start(nil))
	require.NoError(t, a.Start([]string{"addr-b"}))

	m, err := gossip.NewMessage(gossip.MsgBlock, "node-a", gossip.BlockPayload{Height: 1, Hash: "h"})
	require.NoError(t, err)

	require.NoError(t, a.SendDirect("node-b", m))
	require.NoError(t, a.SendDirect("node-b", m))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), got.Load())
}

func TestSendDirectUnknownPeer(t *testing.T) {
	hub := local.NewHub()
	a := gossip.NewNode("node-a", "addr-a", hub.NewTransport(), 30*time.Second)
	require.NoError(t, a.Start(nil))

	m, err := gossip.NewMessage(gossip.MsgHeartbeat, "node-a", gossip.HeartbeatPayload{Status: "alive"})
	require.NoError(t, err)
	assert.Error(t, a.SendDirect("node-x", m))
}

func TestRemovePeer(t *testing.T) {
	hub := local.NewHub()

	a := gossip.NewNode("node-a", "addr-a", hub.NewTransport(), 30*time.Second)
	b := gossip.NewNode("node-b", "addr-b", hub.NewTransport(), 30*time.Second)

	require.NoError(t, b.Start(nil))
	require.NoError(t, a.Start([]string{"addr-b"}))
	require.Len(t, a.ActivePeers(), 1)

	a.RemovePeer("node-b")
	assert.Len(t, a.ActivePeers(), 0)
}
