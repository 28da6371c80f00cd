package gossip

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/helinwang/log15"
)

// Round is one consensus round. Rounds are transient: a new Round is
// built every cycle and nothing here is persisted.
type Round struct {
	Number       uint64
	StartTime    time.Time
	Duration     time.Duration
	Participants []string
	Proposals    map[string]Proposal
	Votes        map[string]string // voter id -> proposal id
	Winner       string
	Complete     bool
}

// Proposal is a round proposal authored by the elected leader.
type Proposal struct {
	Round     uint64  `json:"round_number"`
	Proposer  string  `json:"proposer"`
	Timestamp float64 `json:"timestamp"`
	Kind      string  `json:"proposal_type"`
	Interval  uint64  `json:"interval_number"`
}

// VotePayload is one always-approve vote for a proposal.
type VotePayload struct {
	Round      uint64 `json:"round_number"`
	Voter      string `json:"voter"`
	ProposalID string `json:"proposal_id"`
	Vote       string `json:"vote"`
}

// ResultPayload announces the locally tallied round winner.
type ResultPayload struct {
	Round  uint64         `json:"round_number"`
	Winner string         `json:"winner"`
	Votes  map[string]int `json:"votes"`
}

// Consensus runs the best-effort round protocol: per round every
// node exchanges VRF proofs, the verified lowest proof hash earns the
// proposer role, peers vote (always approve), and each node tallies
// the votes it saw by plurality. Nodes may observe different vote
// sets and disagree; this is a liveness mechanism, not a safety one.
type Consensus struct {
	node     *Node
	vrf      *VRF
	duration time.Duration
	minNodes int

	mu         sync.Mutex
	counter    uint64
	round      *Round
	proofs     map[string]Proof
	leader     bool
	intervalFn func() uint64
}

// NewConsensus wires the round protocol onto a gossip node and
// registers its message handlers.
func NewConsensus(node *Node, vrf *VRF, roundDuration time.Duration, minNodes int) *Consensus {
	c := &Consensus{
		node:     node,
		vrf:      vrf,
		duration: roundDuration,
		minNodes: minNodes,
	}

	node.Handle(MsgVRFProof, c.handleProof)
	node.Handle(MsgProposal, c.handleProposal)
	node.Handle(MsgVote, c.handleVote)
	node.Handle(MsgResult, c.handleResult)

	log.Info("consensus manager initialized", "node", node.ID())
	return c
}

// SetIntervalSource wires in the mining interval counter stamped on
// proposals. Without a source, proposals carry interval 0.
func (c *Consensus) SetIntervalSource(fn func() uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intervalFn = fn
}

// Run executes rounds until ctx is cancelled.
func (c *Consensus) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		active := c.node.ActivePeers()
		if len(active)+1 < c.minNodes {
			log.Info("not enough nodes for consensus", "have", len(active)+1, "want", c.minNodes)
			if !sleepCtx(ctx, c.duration) {
				return
			}
			continue
		}

		c.startRound(active)

		// give proofs a head start before electing the proposer
		if !sleepCtx(ctx, c.duration/5) {
			return
		}
		c.electLeader()

		if !sleepCtx(ctx, c.duration-c.duration/5) {
			return
		}
		c.finalizeRound()
	}
}

// IsLeader reports whether this node won the proposer role for the
// current round.
func (c *Consensus) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader
}

// CurrentRound returns a copy of the current round, if any.
func (c *Consensus) CurrentRound() (Round, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.round == nil {
		return Round{}, false
	}
	return *c.round, true
}

func (c *Consensus) startRound(active []PeerInfo) {
	c.mu.Lock()
	c.counter++
	participants := make([]string, 0, len(active)+1)
	for _, p := range active {
		participants = append(participants, p.NodeID)
	}
	participants = append(participants, c.node.ID())

	c.round = &Round{
		Number:       c.counter,
		StartTime:    time.Now(),
		Duration:     c.duration,
		Participants: participants,
		Proposals:    make(map[string]Proposal),
		Votes:        make(map[string]string),
	}
	c.proofs = make(map[string]Proof)
	c.leader = false

	seed := fmt.Sprintf("round_%d_%d", c.round.Number, c.round.StartTime.Unix())
	proof := c.vrf.Prove(seed, c.node.ID())
	c.proofs[c.node.ID()] = proof
	round := c.round.Number
	c.mu.Unlock()

	log.Info("consensus round started", "round", round, "participants", len(participants))

	m, err := NewMessage(MsgVRFProof, c.node.ID(), proof)
	if err != nil {
		log.Error("encode vrf proof", "err", err)
		return
	}
	c.node.Broadcast(m)
}

// electLeader compares every verified proof received for the round;
// the lowest proof hash wins the proposer role.
func (c *Consensus) electLeader() {
	c.mu.Lock()
	if c.round == nil {
		c.mu.Unlock()
		return
	}

	best := ""
	var bestProof Proof
	for id, p := range c.proofs {
		if best == "" || p.Less(bestProof) {
			best = id
			bestProof = p
		}
	}
	c.leader = best == c.node.ID()
	round := c.round.Number
	intervalFn := c.intervalFn
	c.mu.Unlock()

	interval := uint64(0)
	if intervalFn != nil {
		interval = intervalFn()
	}

	if !c.leader {
		log.Info("proposer elected", "round", round, "leader", best)
		return
	}

	log.Info("elected as proposer", "round", round)
	c.propose(round, interval)
}

func (c *Consensus) propose(round, interval uint64) {
	p := Proposal{
		Round:     round,
		Proposer:  c.node.ID(),
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		Kind:      "interval_validation",
		Interval:  interval,
	}

	c.mu.Lock()
	if c.round != nil && c.round.Number == round {
		c.round.Proposals[proposalID(p)] = p
	}
	c.mu.Unlock()

	m, err := NewMessage(MsgProposal, c.node.ID(), p)
	if err != nil {
		log.Error("encode proposal", "err", err)
		return
	}
	c.node.Broadcast(m)
	log.Info("proposal broadcast", "round", round, "id", proposalID(p))

	// the proposer votes for itself as well
	c.vote(round, proposalID(p))
}

func (c *Consensus) handleProof(m Message) {
	var p Proof
	if err := m.Decode(&p); err != nil {
		log.Error("bad vrf proof payload", "err", err)
		return
	}
	if !p.Verify() {
		log.Warn("rejecting invalid vrf proof", "node", p.NodeID)
		return
	}

	c.mu.Lock()
	if c.proofs != nil {
		c.proofs[p.NodeID] = p
	}
	c.mu.Unlock()
}

func (c *Consensus) handleProposal(m Message) {
	var p Proposal
	if err := m.Decode(&p); err != nil {
		log.Error("bad proposal payload", "err", err)
		return
	}

	c.mu.Lock()
	if c.round == nil {
		c.mu.Unlock()
		return
	}
	id := proposalID(p)
	c.round.Proposals[id] = p
	round := c.round.Number
	c.mu.Unlock()

	log.Info("proposal received", "round", p.Round, "from", p.Proposer)

	// voting currently always approves
	c.vote(round, id)
}

func (c *Consensus) vote(round uint64, proposalID string) {
	c.mu.Lock()
	if c.round != nil && c.round.Number == round {
		c.round.Votes[c.node.ID()] = proposalID
	}
	c.mu.Unlock()

	v := VotePayload{Round: round, Voter: c.node.ID(), ProposalID: proposalID, Vote: "approve"}
	m, err := NewMessage(MsgVote, c.node.ID(), v)
	if err != nil {
		log.Error("encode vote", "err", err)
		return
	}
	c.node.Broadcast(m)
	log.Debug("vote broadcast", "round", round, "proposal", proposalID)
}

func (c *Consensus) handleVote(m Message) {
	var v VotePayload
	if err := m.Decode(&v); err != nil {
		log.Error("bad vote payload", "err", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.round == nil || c.round.Number != v.Round {
		return
	}
	c.round.Votes[v.Voter] = v.ProposalID
}

// finalizeRound tallies the votes this node observed and declares
// the plurality winner locally.
func (c *Consensus) finalizeRound() {
	c.mu.Lock()
	if c.round == nil {
		c.mu.Unlock()
		return
	}

	counts := make(map[string]int)
	for _, id := range c.round.Votes {
		counts[id]++
	}

	winner := ""
	for id, n := range counts {
		if winner == "" || n > counts[winner] {
			winner = id
		}
	}
	c.round.Winner = winner
	c.round.Complete = true
	round := c.round.Number
	c.mu.Unlock()

	if winner == "" {
		log.Warn("round ended without votes", "round", round)
		return
	}

	log.Info("round complete", "round", round, "winner", winner, "votes", counts[winner])

	m, err := NewMessage(MsgResult, c.node.ID(), ResultPayload{Round: round, Winner: winner, Votes: counts})
	if err != nil {
		log.Error("encode result", "err", err)
		return
	}
	c.node.Broadcast(m)
}

func (c *Consensus) handleResult(m Message) {
	var r ResultPayload
	if err := m.Decode(&r); err != nil {
		log.Error("bad result payload", "err", err)
		return
	}
	log.Info("round result received", "round", r.Round, "winner", r.Winner, "from", m.SenderID)
}

func proposalID(p Proposal) string {
	return fmt.Sprintf("proposal_%s_%d", p.Proposer, p.Round)
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
