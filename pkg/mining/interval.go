package mining

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	log "github.com/helinwang/log15"
)

// Sample is one participant's finalized pair of coordinates for an
// interval. The interval records its single staged sample as both
// endpoints: travel is measured between consecutive intervals, not
// within one.
type Sample struct {
	Start Coordinate
	End   Coordinate
}

// Interval is one fixed-duration mining window. A new Interval is
// created for every window and never reused; once finalized it is
// terminal.
//
// The token→participant table is transient: it lives only inside the
// interval object and is never persisted.
type Interval struct {
	mu        sync.Mutex
	number    uint64
	startTime time.Time
	duration  time.Duration
	active    bool
	target    float64
	obf       *Obfuscator
	staged    map[string]Coordinate
	identity  map[string]int64
}

// NewInterval builds an interval with an explicit target and salt.
// Callers normally use StartInterval; this constructor exists for
// deterministic setups.
func NewInterval(number uint64, target float64, salt string, duration time.Duration) *Interval {
	return &Interval{
		number:    number,
		startTime: time.Now(),
		duration:  duration,
		active:    true,
		target:    target,
		obf:       NewObfuscator(salt),
		staged:    make(map[string]Coordinate),
		identity:  make(map[string]int64),
	}
}

// StartInterval opens a new active interval: the target distance is
// drawn uniformly from [minKm, maxKm] and the obfuscation salt is
// derived from the interval number and a coarse wall-clock bucket.
func StartInterval(number uint64, minKm, maxKm float64, duration time.Duration) *Interval {
	target := minKm + rand.Float64()*(maxKm-minKm)
	salt := fmt.Sprintf("interval_%d_%d", number, time.Now().Unix()/3600)

	iv := NewInterval(number, target, salt, duration)
	log.Info("mining interval started", "interval", number, "target", fmt.Sprintf("%.3fkm", target))
	return iv
}

// Stage obfuscates and stores a participant's location sample.
// Re-submission within the same interval overwrites the previous
// entry (last write wins). Staging against an inactive interval is a
// logged no-op.
func (iv *Interval) Stage(participantID int64, lat, lon float64) {
	iv.mu.Lock()
	defer iv.mu.Unlock()

	if !iv.active {
		log.Warn("stage rejected, interval not active", "interval", iv.number, "participant", participantID)
		return
	}

	coord := iv.obf.Obfuscate(lat, lon, participantID, iv.number, nowUnix())
	iv.staged[coord.Token] = coord
	iv.identity[coord.Token] = participantID

	log.Info("coordinates staged", "interval", iv.number, "zone", coord.Zone[:8], "token", coord.Token[:8])
}

// Finalize closes the interval and returns the finalized map. Each
// staged sample becomes both endpoints of its participant's Sample.
// The staged map is cleared; Finalize is terminal for the interval.
func (iv *Interval) Finalize() map[string]Sample {
	iv.mu.Lock()
	defer iv.mu.Unlock()

	iv.active = false
	finalized := make(map[string]Sample, len(iv.staged))
	for token, coord := range iv.staged {
		finalized[token] = Sample{Start: coord, End: coord}
	}
	iv.staged = make(map[string]Coordinate)

	log.Info("mining interval finalized", "interval", iv.number, "participants", len(finalized))
	return finalized
}

// TimeRemaining reports how long the interval stays open; zero
// whenever the interval is inactive.
func (iv *Interval) TimeRemaining() time.Duration {
	iv.mu.Lock()
	defer iv.mu.Unlock()

	if !iv.active {
		return 0
	}
	remaining := iv.duration - time.Since(iv.startTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ResolveToken maps a token back to the real participant id through
// the interval's transient identity table.
func (iv *Interval) ResolveToken(token string) (int64, bool) {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	id, ok := iv.identity[token]
	return id, ok
}

// Number returns the interval number.
func (iv *Interval) Number() uint64 { return iv.number }

// Target returns the target distance drawn for this interval.
func (iv *Interval) Target() float64 { return iv.target }

// Active reports whether the interval is still collecting samples.
func (iv *Interval) Active() bool {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	return iv.active
}

// ParticipantCount returns the number of staged participants.
func (iv *Interval) ParticipantCount() int {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	return len(iv.staged)
}

// Obfuscator exposes the interval's obfuscator; winner determination
// must measure with the current interval's zone scheme.
func (iv *Interval) Obfuscator() *Obfuscator { return iv.obf }

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
