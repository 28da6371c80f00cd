package chain

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/helinwang/log15"
	"github.com/shopspring/decimal"
)

// The chain is persisted as one whole-file JSON snapshot. Writes go
// to a temp file first, the previous live file is rotated to .backup,
// and the temp file is renamed into place. This keeps a one-save-old
// snapshot around for recovery and makes the replace as atomic as the
// filesystem allows.

const (
	backupSuffix = ".backup"
	tempSuffix   = ".tmp"
)

// must be called with the mutex held
func (l *Ledger) save() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(l.blocks, "", "  ")
	if err != nil {
		return err
	}

	tmp := l.path + tempSuffix
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}

	if _, err := os.Stat(l.path); err == nil {
		if err := os.Rename(l.path, l.path+backupSuffix); err != nil {
			return err
		}
	}

	if err := os.Rename(tmp, l.path); err != nil {
		return err
	}

	log.Debug("chain saved", "path", l.path, "blocks", len(l.blocks))
	return nil
}

// load walks the recovery ladder: the live file, then the backup
// file, then a fresh genesis chain. Integrity failures never
// propagate; only an unwritable storage location is fatal.
func (l *Ledger) load() error {
	if blocks, ok := loadChainFile(l.path); ok {
		l.blocks = blocks
		log.Info("chain loaded", "path", l.path, "blocks", len(blocks))
		return nil
	}

	if blocks, ok := loadChainFile(l.path + backupSuffix); ok {
		l.blocks = blocks
		log.Warn("chain recovered from backup", "blocks", len(blocks))
		// re-persist the recovered chain as the live file
		if err := l.save(); err != nil {
			return fmt.Errorf("persist recovered chain: %w", err)
		}
		return nil
	}

	log.Warn("no usable chain on disk, seeding genesis", "path", l.path)
	l.blocks = []*Block{newGenesisBlock()}
	if err := l.save(); err != nil {
		return fmt.Errorf("persist genesis: %w", err)
	}
	return nil
}

func loadChainFile(path string) ([]*Block, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error("read chain file", "path", path, "err", err)
		}
		return nil, false
	}

	var blocks []*Block
	if err := json.Unmarshal(data, &blocks); err != nil {
		log.Error("chain file corrupt", "path", path, "err", err)
		return nil, false
	}

	if !verifyChain(blocks) {
		log.Error("chain file failed integrity check", "path", path)
		return nil, false
	}
	return blocks, true
}

func newGenesisBlock() *Block {
	b := &Block{
		Height:    0,
		Timestamp: nowUnix(),
		Data:      "genesis",
		PrevHash:  genesisPrevHash,
		Reward:    decimal.Zero,
	}
	b.Hash = b.computeHash()
	return b
}
