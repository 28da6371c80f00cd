package node

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/helinwang/log15"
)

// peerRecord is one entry of the heartbeat registry file.
type peerRecord struct {
	LastHeartbeat float64 `json:"last_heartbeat"`
	RegisteredAt  float64 `json:"registered_at"`
	Hostname      string  `json:"hostname"`
	Status        string  `json:"status"`
}

// Status summarizes the registry from this node's point of view.
type Status struct {
	NodeID       string
	TotalNodes   int
	ActiveNodes  int
	IsRegistered bool
	IsActive     bool
}

// Manager owns the era-based handler rotation. Nodes register in a
// shared JSON registry refreshed by heartbeats; per era exactly one
// node of the sorted active set is the external-interface handler.
//
// Agreement relies on every node observing a consistent active set.
// The heartbeat registry is eventually consistent, which is accepted
// as good enough; the rotation is advisory, not a lock.
type Manager struct {
	mu          sync.Mutex
	nodeID      string
	path        string
	eraLength   int
	peerTimeout time.Duration
	purgeAfter  time.Duration
}

// NewManager creates a manager writing its registry under dataDir.
func NewManager(nodeID, dataDir string, eraLength int, peerTimeout, purgeAfter time.Duration) *Manager {
	return &Manager{
		nodeID:      nodeID,
		path:        filepath.Join(dataDir, "active_nodes.json"),
		eraLength:   eraLength,
		peerTimeout: peerTimeout,
		purgeAfter:  purgeAfter,
	}
}

// NodeID returns this node's id.
func (m *Manager) NodeID() string { return m.nodeID }

// Era returns the era of an interval: eras are fixed-size blocks of
// consecutive intervals sharing one handler.
func (m *Manager) Era(interval uint64) uint64 {
	if interval == 0 {
		return 1
	}
	return (interval-1)/uint64(m.eraLength) + 1
}

// Register adds or refreshes this node in the registry.
func (m *Manager) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	nodes := m.load()
	now := unixNow()
	rec, ok := nodes[m.nodeID]
	if !ok {
		rec = peerRecord{RegisteredAt: now}
	}
	rec.LastHeartbeat = now
	rec.Hostname = hostname()
	rec.Status = "active"
	nodes[m.nodeID] = rec

	if err := m.save(nodes); err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	log.Info("node registered", "node", m.nodeID)
	return nil
}

// UpdateHeartbeat refreshes this node's heartbeat, re-registering if
// the record disappeared.
func (m *Manager) UpdateHeartbeat() error {
	m.mu.Lock()
	nodes := m.load()
	rec, ok := nodes[m.nodeID]
	if !ok {
		m.mu.Unlock()
		return m.Register()
	}

	rec.LastHeartbeat = unixNow()
	rec.Status = "active"
	nodes[m.nodeID] = rec
	err := m.save(nodes)
	m.mu.Unlock()
	return err
}

// ActivePeers returns the ids with a recent heartbeat, sorted for
// deterministic ordering across nodes observing the same membership.
func (m *Manager) ActivePeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activePeers(m.load())
}

func (m *Manager) activePeers(nodes map[string]peerRecord) []string {
	now := unixNow()
	var active []string
	for id, rec := range nodes {
		if now-rec.LastHeartbeat < m.peerTimeout.Seconds() {
			active = append(active, id)
		}
	}
	sort.Strings(active)
	return active
}

// ShouldHandle decides whether this node is the designated handler
// for the interval's era, and returns the handler's id either way.
func (m *Manager) ShouldHandle(interval uint64) (bool, string) {
	era := m.Era(interval)

	if err := m.UpdateHeartbeat(); err != nil {
		log.Error("heartbeat update failed", "err", err)
	}

	active := m.ActivePeers()
	if len(active) == 0 {
		if err := m.Register(); err != nil {
			log.Error("self registration failed", "err", err)
		}
		log.Info("no active nodes found, becoming handler", "node", m.nodeID)
		return true, m.nodeID
	}

	handler := active[(era-1)%uint64(len(active))]
	should := handler == m.nodeID

	if should {
		log.Info("designated handler for era", "era", era, "node", m.nodeID)
	} else {
		log.Debug("another node handles this era", "era", era, "handler", handler)
	}
	return should, handler
}

// PurgeInactive removes nodes silent beyond the purge timeout and
// returns how many were removed.
func (m *Manager) PurgeInactive() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	nodes := m.load()
	now := unixNow()
	removed := 0
	for id, rec := range nodes {
		if now-rec.LastHeartbeat > m.purgeAfter.Seconds() {
			delete(nodes, id)
			removed++
			log.Info("removed inactive node", "node", id)
		}
	}

	if removed > 0 {
		if err := m.save(nodes); err != nil {
			log.Error("persist registry after purge", "err", err)
		}
	}
	return removed
}

// Status reports the registry state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	nodes := m.load()
	active := m.activePeers(nodes)

	s := Status{
		NodeID:      m.nodeID,
		TotalNodes:  len(nodes),
		ActiveNodes: len(active),
	}
	_, s.IsRegistered = nodes[m.nodeID]
	for _, id := range active {
		if id == m.nodeID {
			s.IsActive = true
		}
	}
	return s
}

// must be called with the mutex held
func (m *Manager) load() map[string]peerRecord {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error("read registry", "path", m.path, "err", err)
		}
		return make(map[string]peerRecord)
	}

	var nodes map[string]peerRecord
	if err := json.Unmarshal(data, &nodes); err != nil {
		log.Error("registry corrupt, starting empty", "path", m.path, "err", err)
		return make(map[string]peerRecord)
	}
	return nodes
}

// must be called with the mutex held
func (m *Manager) save(nodes map[string]peerRecord) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(nodes, "", "  ")
	if err != nil {
		return err
	}

	// the registry is shared between node processes, so the temp file
	// name must be unique per writer
	tmp, err := os.CreateTemp(filepath.Dir(m.path), "active_nodes_*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), m.path)
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
