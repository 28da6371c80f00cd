package node

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config carries every tunable of a node. DefaultConfig returns the
// production defaults; cmd/node overrides them from flags.
type Config struct {
	NodeID  string
	DataDir string

	// mining
	IntervalDuration time.Duration // 600 * time.Second
	MinTargetKm      float64       // 0.1
	MaxTargetKm      float64       // 10.0
	MaxTravelKm      float64       // 50.0
	BlockReward      decimal.Decimal

	// era rotation
	EraLength int // 100 intervals per era

	// peers
	HeartbeatInterval time.Duration // 10 * time.Second
	PeerTimeout       time.Duration // 30 * time.Second
	PeerPurgeTimeout  time.Duration // 300 * time.Second

	// consensus
	ConsensusRoundDuration time.Duration // 30 * time.Second
	MinNodes               int           // 1
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		IntervalDuration:       600 * time.Second,
		MinTargetKm:            0.1,
		MaxTargetKm:            10.0,
		MaxTravelKm:            50.0,
		BlockReward:            decimal.NewFromFloat(1000.0),
		EraLength:              100,
		HeartbeatInterval:      10 * time.Second,
		PeerTimeout:            30 * time.Second,
		PeerPurgeTimeout:       300 * time.Second,
		ConsensusRoundDuration: 30 * time.Second,
		MinNodes:               1,
	}
}
