package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/helinwang/log15"

	"github.com/krampslaag/bikera/pkg/chain"
	"github.com/krampslaag/bikera/pkg/gossip"
	"github.com/krampslaag/bikera/pkg/mining"
)

// submission gating errors
var (
	ErrNoRewardAddress  = errors.New("participant has no reward address")
	ErrIntervalInactive = errors.New("no active mining interval")
	ErrBadAddress       = errors.New("invalid reward address")
)

// Snapshot is the read-only view of the current interval.
type Snapshot struct {
	IntervalNumber   uint64
	Active           bool
	TimeRemaining    time.Duration
	TargetDistance   float64
	ParticipantCount int
}

// Service is the explicitly constructed core object: it owns the
// ledger, the interval loop, the participant/address bindings, and
// the read API consumed by external surfaces. Its lifecycle belongs
// to process startup/shutdown; there are no module-level singletons.
type Service struct {
	cfg     Config
	ledger  *chain.Ledger
	manager *Manager
	peers   *gossip.Node // nil when running without networking
	path    string

	mu            sync.Mutex
	participants  map[int64]string
	counter       uint64
	curr          *mining.Interval
	prev          *mining.Interval
	prevFinalized map[string]mining.Sample
}

type serviceState struct {
	Participants    map[int64]string `json:"participants"`
	IntervalCounter uint64           `json:"interval_counter"`
}

// NewService builds the core service and loads the persisted
// participant bindings and interval counter.
func NewService(cfg Config, ledger *chain.Ledger, manager *Manager, peers *gossip.Node) (*Service, error) {
	s := &Service{
		cfg:          cfg,
		ledger:       ledger,
		manager:      manager,
		peers:        peers,
		path:         filepath.Join(cfg.DataDir, "user_data.json"),
		participants: make(map[int64]string),
	}

	if err := s.loadState(); err != nil {
		return nil, err
	}

	if peers != nil {
		peers.Handle(gossip.MsgBlock, s.onBlockAnnouncement)
	}
	return s, nil
}

// RegisterParticipant binds a participant to a reward address,
// replacing any previous binding.
func (s *Service) RegisterParticipant(id int64, address string) error {
	if !ValidateRewardAddress(address) {
		return ErrBadAddress
	}

	s.mu.Lock()
	s.participants[id] = address
	err := s.saveState()
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("persist participant binding: %w", err)
	}
	log.Info("participant registered", "participant", id, "address", shortAddress(address))
	return nil
}

// RewardAddress returns the registered address for a participant.
func (s *Service) RewardAddress(id int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, ok := s.participants[id]
	return addr, ok
}

// SubmitLocation stages a raw location sample for the active
// interval. Submissions are gated on a registered reward address and
// an active interval.
func (s *Service) SubmitLocation(id int64, lat, lon float64) error {
	s.mu.Lock()
	_, registered := s.participants[id]
	iv := s.curr
	s.mu.Unlock()

	if !registered {
		return ErrNoRewardAddress
	}
	if iv == nil || !iv.Active() {
		return ErrIntervalInactive
	}

	iv.Stage(id, lat, lon)
	return nil
}

// CurrentIntervalSnapshot reports the state of the current interval.
func (s *Service) CurrentIntervalSnapshot() Snapshot {
	s.mu.Lock()
	iv := s.curr
	counter := s.counter
	s.mu.Unlock()

	if iv == nil {
		return Snapshot{IntervalNumber: counter}
	}
	return Snapshot{
		IntervalNumber:   iv.Number(),
		Active:           iv.Active(),
		TimeRemaining:    iv.TimeRemaining(),
		TargetDistance:   iv.Target(),
		ParticipantCount: iv.ParticipantCount(),
	}
}

// LedgerStats returns the ledger summary.
func (s *Service) LedgerStats() chain.Stats {
	return s.ledger.GetStats()
}

// ExportChain returns the ordered block records.
func (s *Service) ExportChain() []chain.Block {
	return s.ledger.Export()
}

// NodeStatus reports the registry view of this node.
func (s *Service) NodeStatus() Status {
	return s.manager.Status()
}

// Run drives the node until ctx is cancelled: the heartbeat loop and
// the interval loop. In-flight persistence finishes before a loop
// observes cancellation.
func (s *Service) Run(ctx context.Context) error {
	if err := s.manager.Register(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runHeartbeat(ctx)
	}()

	s.runIntervalLoop(ctx)
	wg.Wait()

	s.mu.Lock()
	err := s.saveState()
	s.mu.Unlock()
	return err
}

func (s *Service) runHeartbeat(ctx context.Context) {
	beat := time.NewTicker(s.cfg.HeartbeatInterval)
	purge := time.NewTicker(s.cfg.PeerPurgeTimeout)
	defer beat.Stop()
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-beat.C:
			if err := s.manager.UpdateHeartbeat(); err != nil {
				log.Error("heartbeat failed", "err", err)
			}
		case <-purge.C:
			s.manager.PurgeInactive()
		}
	}
}

// runIntervalLoop advances the interval counter once per slot on
// every node, so eras progress in step across the cluster; only the
// designated handler opens a window and settles it.
func (s *Service) runIntervalLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		s.counter++
		next := s.counter
		if err := s.saveState(); err != nil {
			log.Error("persist interval counter", "err", err)
		}
		s.mu.Unlock()

		should, handler := s.manager.ShouldHandle(next)
		if !should {
			log.Info("not the handler, standing by", "interval", next, "handler", handler)
			if !sleepCtx(ctx, s.cfg.IntervalDuration) {
				return
			}
			continue
		}

		s.startInterval(next)

		if !sleepCtx(ctx, s.cfg.IntervalDuration) {
			// shutdown mid-interval: close the window without
			// settling a partial one
			s.mu.Lock()
			if s.curr != nil {
				s.curr.Finalize()
			}
			s.mu.Unlock()
			return
		}

		s.SettleInterval()
	}
}

func (s *Service) startInterval(number uint64) {
	iv := mining.StartInterval(number, s.cfg.MinTargetKm, s.cfg.MaxTargetKm, s.cfg.IntervalDuration)

	s.mu.Lock()
	s.curr = iv
	s.mu.Unlock()
}

// IntervalCounter returns the last interval slot this node observed.
func (s *Service) IntervalCounter() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

// SettleInterval finalizes the current interval, determines the
// winner against the previous one, and commits the outcome. A failed
// settlement produces no block and is not an error: the stats simply
// report no winner for this interval.
func (s *Service) SettleInterval() {
	s.mu.Lock()
	iv := s.curr
	prev := s.prev
	prevFinalized := s.prevFinalized
	s.mu.Unlock()

	if iv == nil {
		return
	}

	finalized := iv.Finalize()

	if prevFinalized != nil {
		s.settle(prev, prevFinalized, iv, finalized)
	} else {
		log.Info("no previous interval data, skipping winner determination", "interval", iv.Number())
	}

	s.mu.Lock()
	s.prev = iv
	s.prevFinalized = finalized
	s.curr = nil
	s.mu.Unlock()
}

func (s *Service) settle(prev *mining.Interval, prevFinalized map[string]mining.Sample, curr *mining.Interval, finalized map[string]mining.Sample) {
	w := mining.DetermineWinner(prevFinalized, finalized, curr.Target(), prev, curr, s.cfg.MaxTravelKm)
	if w == nil {
		log.Info("interval settled without a winner", "interval", curr.Number())
		return
	}

	address, ok := s.RewardAddress(w.ParticipantID)
	if !ok {
		// the win is discarded; nothing is appended
		log.Warn("winner has no reward address, discarding win", "participant", w.ParticipantID, "interval", curr.Number())
		return
	}

	data := fmt.Sprintf("interval %d: target %.3fkm, travel %.3fkm", curr.Number(), w.TargetDistance, w.TravelDistance)
	b, err := s.ledger.AddBlock(data, w.TargetDistance, w.Token, w.TravelDistance, address)
	if err != nil {
		// the block is not committed; do not announce it
		log.Error("block commit failed", "interval", curr.Number(), "err", err)
		return
	}

	s.announceBlock(b)
}

func (s *Service) announceBlock(b *chain.Block) {
	if s.peers == nil {
		return
	}

	m, err := gossip.NewMessage(gossip.MsgBlock, s.manager.NodeID(), gossip.BlockPayload{Height: b.Height, Hash: b.Hash})
	if err != nil {
		log.Error("encode block announcement", "err", err)
		return
	}
	s.peers.Broadcast(m)
}

func (s *Service) onBlockAnnouncement(m gossip.Message) {
	var p gossip.BlockPayload
	if err := m.Decode(&p); err != nil {
		log.Error("bad block announcement", "err", err)
		return
	}
	log.Info("peer committed block", "peer", m.SenderID, "height", p.Height, "hash", shortAddress(p.Hash))
}

// must be called with the mutex held
func (s *Service) loadState() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read service state: %w", err)
	}

	var st serviceState
	if err := json.Unmarshal(data, &st); err != nil {
		log.Error("service state corrupt, starting fresh", "path", s.path, "err", err)
		return nil
	}

	if st.Participants != nil {
		s.participants = st.Participants
	}
	s.counter = st.IntervalCounter
	log.Info("service state loaded", "participants", len(s.participants), "interval", s.counter)
	return nil
}

// must be called with the mutex held
func (s *Service) saveState() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	st := serviceState{Participants: s.participants, IntervalCounter: s.counter}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func shortAddress(a string) string {
	if len(a) <= 16 {
		return a
	}
	return a[:8] + "..." + a[len(a)-8:]
}

// sleepCtx sleeps for d unless ctx is cancelled first; it reports
// whether the full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
