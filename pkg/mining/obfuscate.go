package mining

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"golang.org/x/crypto/sha3"
)

const (
	// zoneSize is the geographic grid cell edge in degrees, roughly
	// one kilometer.
	zoneSize = 0.01

	// scaleFactor stretches local coordinates so they do not resemble
	// raw geographic units.
	scaleFactor = 100000

	// offsetWindow bounds the per-participant offset to about ±500 m.
	offsetWindow = 0.01

	kmPerDegreeLat = 111.0
)

// kmPerDegreeLon uses a fixed mid-latitude correction. Distances
// recovered from obfuscated coordinates are an approximation valid
// only within one grid cell.
var kmPerDegreeLon = 111.0 * math.Cos(45.0*math.Pi/180.0)

// Coordinate is a privacy-obfuscated location sample. Two coordinates
// are comparable only when their Zone matches.
type Coordinate struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Zone      string  `json:"zone"`
	Timestamp float64 `json:"timestamp"`
	Token     string  `json:"token"`
}

// Obfuscator is the deterministic, salted transform from raw
// latitude/longitude to local zone coordinates. One obfuscator is
// created per mining interval; the salt ties every derived value to
// that interval.
type Obfuscator struct {
	salt string
}

// NewObfuscator creates an obfuscator for the given interval salt.
func NewObfuscator(salt string) *Obfuscator {
	return &Obfuscator{salt: salt}
}

// Obfuscate transforms a raw coordinate into its obfuscated form:
// the position is expressed relative to the center of its ~1 km grid
// cell, shifted by a bounded per-participant offset, and scaled. The
// same inputs always yield the same output.
func (o *Obfuscator) Obfuscate(lat, lon float64, participantID int64, interval uint64, timestamp float64) Coordinate {
	zoneLat, zoneLon := zoneCell(lat, lon)

	xOffset, yOffset, token := o.participantDerivation(participantID, interval)

	centerLat := float64(zoneLat)*zoneSize + zoneSize/2
	centerLon := float64(zoneLon)*zoneSize + zoneSize/2

	return Coordinate{
		X:         ((lon - centerLon) + xOffset) * scaleFactor,
		Y:         ((lat - centerLat) + yOffset) * scaleFactor,
		Zone:      o.zoneID(zoneLat, zoneLon),
		Timestamp: timestamp,
		Token:     token,
	}
}

// Token derives the per-interval pseudonym for a participant without
// producing a full coordinate.
func (o *Obfuscator) Token(participantID int64, interval uint64) string {
	_, _, token := o.participantDerivation(participantID, interval)
	return token
}

// Distance recovers the approximate real-world distance in
// kilometers between two obfuscated coordinates. It reports ok=false
// when the coordinates belong to different zones: cross-zone
// distances are not comparable under this scheme. That is a
// documented limitation, not an error.
func (o *Obfuscator) Distance(a, b Coordinate) (km float64, ok bool) {
	if a.Zone != b.Zone {
		return 0, false
	}

	dx := (b.X - a.X) / scaleFactor
	dy := (b.Y - a.Y) / scaleFactor
	km = math.Sqrt(math.Pow(dx*kmPerDegreeLon, 2) + math.Pow(dy*kmPerDegreeLat, 2))
	return km, true
}

func zoneCell(lat, lon float64) (int, int) {
	// truncation toward zero, matching the grid used by every node
	return int(lat / zoneSize), int(lon / zoneSize)
}

func (o *Obfuscator) zoneID(zoneLat, zoneLon int) string {
	d := sha3.Sum256([]byte(fmt.Sprintf("%d:%d:%s", zoneLat, zoneLon, o.salt)))
	return hex.EncodeToString(d[:])[:16]
}

// participantDerivation expands one salted hash into the bounded
// coordinate offsets and the participant token. The token is a
// truncated hex form of the digest; without the interval's transient
// identity table it cannot be reversed to a participant.
func (o *Obfuscator) participantDerivation(participantID int64, interval uint64) (xOffset, yOffset float64, token string) {
	d := sha3.Sum256([]byte(fmt.Sprintf("%d:%d:%s", participantID, interval, o.salt)))

	xSeed := binary.BigEndian.Uint64(d[:8])
	ySeed := binary.BigEndian.Uint64(d[8:16])
	xOffset = (float64(xSeed%10000)/10000.0 - 0.5) * offsetWindow
	yOffset = (float64(ySeed%10000)/10000.0 - 0.5) * offsetWindow

	token = hex.EncodeToString(d[:])[:16]
	return
}
