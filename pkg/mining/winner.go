package mining

import (
	"math"
	"sort"

	log "github.com/helinwang/log15"
)

// Winner identifies the participant whose travel distance came
// closest to the interval's target.
type Winner struct {
	ParticipantID  int64
	Token          string
	TravelDistance float64
	TargetDistance float64
	Difference     float64
}

// DetermineWinner compares the finalized coordinates of two
// consecutive intervals and picks the participant whose travel
// distance is closest to target. Travel is measured with the current
// interval's obfuscator, so both samples must share the current zone
// scheme; cross-zone travels and travels above maxTravelKm are
// skipped. Tokens are visited in sorted order, which makes ties
// deterministic across nodes. Returns nil when no eligible candidate
// remains.
func DetermineWinner(prev, curr map[string]Sample, target float64, prevInterval, currInterval *Interval, maxTravelKm float64) *Winner {
	if len(prev) == 0 || len(curr) == 0 {
		log.Warn("winner determination skipped, missing coordinate data")
		return nil
	}
	if prevInterval == nil || currInterval == nil {
		log.Error("winner determination skipped, missing interval context")
		return nil
	}

	common := make([]string, 0, len(curr))
	for token := range curr {
		if _, ok := prev[token]; ok {
			common = append(common, token)
		}
	}
	sort.Strings(common)

	log.Info("determining winner", "target", target, "previous", len(prev), "current", len(curr), "common", len(common))
	if len(common) == 0 {
		log.Warn("no participants present in both intervals")
		return nil
	}

	obf := currInterval.Obfuscator()
	bestToken := ""
	bestTravel := 0.0
	closest := math.Inf(1)

	for _, token := range common {
		travel, ok := obf.Distance(prev[token].End, curr[token].End)
		if !ok {
			log.Warn("skipping cross-zone travel", "token", token[:8])
			continue
		}
		if travel > maxTravelKm {
			log.Warn("skipping implausible travel", "token", token[:8], "travel", travel)
			continue
		}

		diff := math.Abs(travel - target)
		log.Debug("candidate travel", "token", token[:8], "travel", travel, "diff", diff)

		if diff < closest {
			closest = diff
			bestToken = token
			bestTravel = travel
		}
	}

	if bestToken == "" {
		log.Warn("no winner could be determined")
		return nil
	}

	// resolution happens once, for the minimal-diff token; a token
	// without an identity mapping discards the whole win rather than
	// promoting a worse candidate
	id, known := currInterval.ResolveToken(bestToken)
	if !known {
		log.Warn("winning token has no identity mapping, discarding win", "token", bestToken[:8])
		return nil
	}

	winner := &Winner{
		ParticipantID:  id,
		Token:          bestToken,
		TravelDistance: bestTravel,
		TargetDistance: target,
		Difference:     closest,
	}
	log.Info("winner determined", "token", winner.Token[:8], "diff", winner.Difference)
	return winner
}
