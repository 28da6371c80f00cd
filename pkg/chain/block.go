package chain

import (
	"encoding/hex"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"
)

// genesisPrevHash is the previous-hash value carried by the genesis
// block. Integrity verification rejects any chain whose first block
// does not carry it.
const genesisPrevHash = "0"

// Block is one committed mining interval outcome. Blocks are
// immutable after creation; the only way to remove one is a
// full-chain replacement during recovery.
//
// The mining fields are optional: the genesis block carries none of
// them.
type Block struct {
	Height         int             `json:"block_height"`
	Timestamp      float64         `json:"timestamp"`
	Data           string          `json:"data"`
	PrevHash       string          `json:"previous_hash"`
	Hash           string          `json:"hash"`
	TargetDistance *float64        `json:"target_distance,omitempty"`
	WinnerToken    string          `json:"winner_token,omitempty"`
	TravelDistance *float64        `json:"travel_distance,omitempty"`
	RewardAddress  string          `json:"reward_address,omitempty"`
	Reward         decimal.Decimal `json:"reward"`
}

// computeHash derives the block hash from the fields that existed at
// creation time. The reward fields are not part of the preimage, so a
// reloaded chain hashes identically.
func (b *Block) computeHash() string {
	target := "none"
	if b.TargetDistance != nil {
		target = formatFloat(*b.TargetDistance)
	}

	return hashHex(
		[]byte(formatFloat(b.Timestamp)),
		[]byte(b.Data),
		[]byte(b.PrevHash),
		[]byte(target),
	)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// nowUnix returns the wall clock as fractional unix seconds, the
// timestamp representation used throughout the persisted chain.
func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func hashHex(parts ...[]byte) string {
	d := sha3.New256()
	for _, p := range parts {
		// the sha3 state never returns a write error
		d.Write(p)
	}
	return hex.EncodeToString(d.Sum(nil))
}
