package gossip

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"
)

// MsgType discriminates gossip messages.
type MsgType string

// message types exchanged between nodes
const (
	MsgHandshake MsgType = "handshake"
	MsgHeartbeat MsgType = "heartbeat"
	MsgBlock     MsgType = "block"
	MsgProposal  MsgType = "consensus_proposal"
	MsgVote      MsgType = "consensus_vote"
	MsgResult    MsgType = "consensus_result"
	MsgVRFProof  MsgType = "vrf_proof"
)

// Message is the envelope carried by both broadcast and direct
// delivery. ID is derived from (type, sender, timestamp) and is used
// for de-duplication.
type Message struct {
	Type      MsgType         `json:"type"`
	SenderID  string          `json:"sender_id"`
	Timestamp float64         `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	ID        string          `json:"message_id"`
}

// NewMessage builds a message with the payload marshaled to JSON and
// the ID derived. Marshaling only fails for non-serializable
// payloads, which would be a programming error.
func NewMessage(t MsgType, sender string, payload interface{}) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}

	m := Message{
		Type:      t,
		SenderID:  sender,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		Payload:   raw,
	}
	m.ID = m.deriveID()
	return m, nil
}

func (m Message) deriveID() string {
	d := sha3.Sum256([]byte(fmt.Sprintf("%s%s%v", m.Type, m.SenderID, m.Timestamp)))
	return hex.EncodeToString(d[:])[:16]
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

// HandshakePayload announces a node's identity after a connection is
// established.
type HandshakePayload struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"`
}

// HeartbeatPayload keeps peer liveness bookkeeping fresh.
type HeartbeatPayload struct {
	Status string `json:"status"`
}

// BlockPayload announces a freshly committed block to peers.
type BlockPayload struct {
	Height int    `json:"height"`
	Hash   string `json:"hash"`
}
