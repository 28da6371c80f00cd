package chain

import (
	"fmt"
	"sync"

	log "github.com/helinwang/log15"
	"github.com/shopspring/decimal"
)

// Stats is a read-only summary of the ledger.
type Stats struct {
	TotalBlocks           int
	TotalReward           decimal.Decimal
	UniqueRewardAddresses int
	LastBlockTime         float64
	ChainHeight           int
	GenesisTime           float64
}

// RewardSummary reports the rewards accumulated by one address.
type RewardSummary struct {
	TotalReward    decimal.Decimal
	BlocksWon      int
	FirstBlockTime float64
	LastBlockTime  float64
}

// Ledger is the ordered, hash-linked sequence of committed interval
// outcomes. It owns its file on disk: every append is persisted
// synchronously before AddBlock returns, and a load failure walks the
// live file, the .backup file, and finally a fresh genesis.
//
// A Ledger is expected to have a single writing process. The mutex
// only protects in-process readers against the appending goroutine;
// cross-process exclusion is advisory (era handler rotation) and not
// enforced here.
type Ledger struct {
	mu     sync.RWMutex
	path   string
	reward decimal.Decimal
	blocks []*Block
}

// Open loads the ledger stored at path, recovering from the backup
// file or seeding a fresh genesis chain when needed. reward is the
// amount attached to every mined block.
func Open(path string, reward decimal.Decimal) (*Ledger, error) {
	l := &Ledger{path: path, reward: reward}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// AddBlock appends a new block linked to the current tail and
// persists the chain before returning. On a persistence error the
// append is rolled back: the block must not be treated as committed
// (or re-broadcast) by the caller.
func (l *Ledger) AddBlock(data string, targetDistance float64, winnerToken string, travelDistance float64, rewardAddress string) (*Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tail := l.blocks[len(l.blocks)-1]
	target := targetDistance
	travel := travelDistance
	b := &Block{
		Height:         len(l.blocks),
		Timestamp:      nowUnix(),
		Data:           data,
		PrevHash:       tail.Hash,
		TargetDistance: &target,
		WinnerToken:    winnerToken,
		TravelDistance: &travel,
		RewardAddress:  rewardAddress,
		Reward:         l.reward,
	}
	b.Hash = b.computeHash()

	l.blocks = append(l.blocks, b)
	if err := l.save(); err != nil {
		l.blocks = l.blocks[:len(l.blocks)-1]
		return nil, fmt.Errorf("persist block %d: %w", b.Height, err)
	}

	log.Info("block committed", "height", b.Height, "hash", shortHash(b.Hash), "target", targetDistance, "travel", travelDistance, "address", rewardAddress)
	return b, nil
}

// VerifyIntegrity walks the chain checking the genesis shape, the
// previous-hash linkage and the height sequence. Hashes are not
// recomputed from the payload fields: imported chains are trusted
// once linkage verifies.
func (l *Ledger) VerifyIntegrity() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verifyChain(l.blocks)
}

func verifyChain(blocks []*Block) bool {
	if len(blocks) == 0 {
		return false
	}

	if blocks[0].PrevHash != genesisPrevHash || blocks[0].Height != 0 {
		log.Error("genesis block malformed", "prev", blocks[0].PrevHash, "height", blocks[0].Height)
		return false
	}

	for i := 1; i < len(blocks); i++ {
		if blocks[i].PrevHash != blocks[i-1].Hash {
			log.Error("previous hash mismatch", "height", i)
			return false
		}
		if blocks[i].Height != i {
			log.Error("height out of sequence", "height", blocks[i].Height, "expected", i)
			return false
		}
	}
	return true
}

// AdoptLongestChain compares the local chain against the candidate
// chains received from peers and switches to the longest one that
// verifies, persisting the switch. It reports whether the local chain
// was replaced. This is the operational remedy for divergent chains,
// not a protocol guarantee.
func (l *Ledger) AdoptLongestChain(candidates [][]*Block) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	best := l.blocks
	adopted := false
	for _, c := range candidates {
		if len(c) <= len(best) {
			continue
		}
		if !verifyChain(c) {
			log.Warn("rejecting longer candidate chain, integrity check failed", "length", len(c))
			continue
		}
		best = c
		adopted = true
	}

	if !adopted {
		return false, nil
	}

	old := l.blocks
	l.blocks = best
	if err := l.save(); err != nil {
		l.blocks = old
		return false, fmt.Errorf("persist adopted chain: %w", err)
	}

	log.Info("adopted longer chain", "length", len(best))
	return true, nil
}

// Height returns the height of the tail block.
func (l *Ledger) Height() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.blocks) - 1
}

// Tip returns a copy of the tail block.
func (l *Ledger) Tip() Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return *l.blocks[len(l.blocks)-1]
}

// Export returns the ordered block records for external backup or
// inspection.
func (l *Ledger) Export() []Block {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Block, len(l.blocks))
	for i, b := range l.blocks {
		out[i] = *b
	}
	return out
}

// GetStats summarizes the chain. The genesis block does not count
// toward rewards or the unique address set.
func (l *Ledger) GetStats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Stats{
		TotalBlocks: len(l.blocks),
		TotalReward: decimal.Zero,
		ChainHeight: len(l.blocks) - 1,
		GenesisTime: l.blocks[0].Timestamp,
	}
	s.LastBlockTime = l.blocks[len(l.blocks)-1].Timestamp

	addrs := make(map[string]bool)
	for _, b := range l.blocks[1:] {
		s.TotalReward = s.TotalReward.Add(b.Reward)
		if b.RewardAddress != "" {
			addrs[b.RewardAddress] = true
		}
	}
	s.UniqueRewardAddresses = len(addrs)
	return s
}

// RewardsFor summarizes the rewards won by one address.
func (l *Ledger) RewardsFor(address string) RewardSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := RewardSummary{TotalReward: decimal.Zero}
	for _, b := range l.blocks[1:] {
		if b.RewardAddress != address {
			continue
		}
		s.TotalReward = s.TotalReward.Add(b.Reward)
		s.BlocksWon++
		if s.FirstBlockTime == 0 {
			s.FirstBlockTime = b.Timestamp
		}
		s.LastBlockTime = b.Timestamp
	}
	return s
}

func shortHash(h string) string {
	if len(h) <= 16 {
		return h
	}
	return h[:16]
}
