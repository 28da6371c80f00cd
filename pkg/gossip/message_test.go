package gossip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	m, err := NewMessage(MsgHandshake, "node-a", HandshakePayload{NodeID: "node-a", Addr: ":9080"})
	require.NoError(t, err)

	assert.Equal(t, MsgHandshake, m.Type)
	assert.Equal(t, "node-a", m.SenderID)
	assert.Len(t, m.ID, 16)
	assert.Greater(t, m.Timestamp, 0.0)

	var hs HandshakePayload
	require.NoError(t, m.Decode(&hs))
	assert.Equal(t, "node-a", hs.NodeID)
	assert.Equal(t, ":9080", hs.Addr)
}

func TestMessageIDDerivation(t *testing.T) {
	m, err := NewMessage(MsgHeartbeat, "node-a", HeartbeatPayload{Status: "alive"})
	require.NoError(t, err)
	assert.Equal(t, m.ID, m.deriveID())

	other := m
	other.SenderID = "node-b"
	assert.NotEqual(t, m.ID, other.deriveID())
}

func TestNewMessageRejectsUnserializablePayload(t *testing.T) {
	_, err := NewMessage(MsgBlock, "node-a", func() {})
	assert.Error(t, err)
}
