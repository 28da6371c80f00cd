package mining

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// twoIntervals builds consecutive windows sharing one zone scheme so
// that participant tokens carry over between them.
func twoIntervals(target float64) (*Interval, *Interval) {
	prev := NewInterval(5, target, "salt", time.Minute)
	curr := NewInterval(5, target, "salt", time.Minute)
	return prev, curr
}

func TestDetermineWinnerClosestToTarget(t *testing.T) {
	prev, curr := twoIntervals(0.5)

	// participant 1 travels ~0.56 km, participant 2 ~0.10 km
	prev.Stage(1, 45.0020, 7.0050)
	prev.Stage(2, 45.0020, 7.0020)
	prevFinal := prev.Finalize()

	curr.Stage(1, 45.0070, 7.0050)
	curr.Stage(2, 45.0029, 7.0020)
	currFinal := curr.Finalize()

	w := DetermineWinner(prevFinal, currFinal, 0.5, prev, curr, 50.0)
	require.NotNil(t, w)
	assert.Equal(t, int64(1), w.ParticipantID)
	assert.InDelta(t, 0.56, w.TravelDistance, 0.02)
	assert.InDelta(t, 0.06, w.Difference, 0.02)
	assert.Equal(t, 0.5, w.TargetDistance)
}

func TestDetermineWinnerNoCommonParticipants(t *testing.T) {
	prev, curr := twoIntervals(0.5)

	prev.Stage(1, 45.0020, 7.0050)
	prevFinal := prev.Finalize()

	curr.Stage(2, 45.0029, 7.0020)
	currFinal := curr.Finalize()

	assert.Nil(t, DetermineWinner(prevFinal, currFinal, 0.5, prev, curr, 50.0))
}

func TestDetermineWinnerEmptyInput(t *testing.T) {
	prev, curr := twoIntervals(0.5)
	prevFinal := prev.Finalize()

	curr.Stage(1, 45.0020, 7.0050)
	currFinal := curr.Finalize()

	assert.Nil(t, DetermineWinner(prevFinal, currFinal, 0.5, prev, curr, 50.0))
	assert.Nil(t, DetermineWinner(currFinal, prevFinal, 0.5, prev, curr, 50.0))
	assert.Nil(t, DetermineWinner(currFinal, currFinal, 0.5, nil, curr, 50.0))
}

func TestDetermineWinnerSkipsCrossZone(t *testing.T) {
	prev, curr := twoIntervals(0.5)

	// participant 1 crosses into another cell, participant 2 stays
	prev.Stage(1, 45.0090, 7.0050)
	prev.Stage(2, 45.0020, 7.0020)
	prevFinal := prev.Finalize()

	curr.Stage(1, 45.0110, 7.0050)
	curr.Stage(2, 45.0029, 7.0020)
	currFinal := curr.Finalize()

	w := DetermineWinner(prevFinal, currFinal, 0.5, prev, curr, 50.0)
	require.NotNil(t, w)
	assert.Equal(t, int64(2), w.ParticipantID)
}

func TestDetermineWinnerSkipsImplausibleTravel(t *testing.T) {
	prev, curr := twoIntervals(0.5)

	prev.Stage(1, 45.0020, 7.0050)
	prev.Stage(2, 45.0020, 7.0020)
	prevFinal := prev.Finalize()

	curr.Stage(1, 45.0070, 7.0050)
	curr.Stage(2, 45.0029, 7.0020)
	currFinal := curr.Finalize()

	// the travel cap excludes the otherwise-closest participant
	w := DetermineWinner(prevFinal, currFinal, 0.5, prev, curr, 0.3)
	require.NotNil(t, w)
	assert.Equal(t, int64(2), w.ParticipantID)
}

func TestShortEastwardDriftWinsSmallTarget(t *testing.T) {
	prev, curr := twoIntervals(0.05)

	// ~40 m east between intervals, target 50 m, sole candidate
	prev.Stage(9, 52.0, 4.0)
	prevFinal := prev.Finalize()

	curr.Stage(9, 52.0, 4.0005)
	currFinal := curr.Finalize()

	w := DetermineWinner(prevFinal, currFinal, 0.05, prev, curr, 50.0)
	require.NotNil(t, w)
	assert.Equal(t, int64(9), w.ParticipantID)
	assert.Less(t, w.Difference, 0.05)
}

func TestUnmappedBestTokenDiscardsWin(t *testing.T) {
	prev, curr := twoIntervals(0.5)

	// participant 2 is a real but worse candidate (~0.10 km travel)
	prev.Stage(2, 45.0020, 7.0020)
	curr.Stage(2, 45.0029, 7.0020)

	// the closest candidate appears in both maps but was never
	// staged, so the identity table cannot resolve its token
	obf := curr.Obfuscator()
	ghostPrev := obf.Obfuscate(45.0020, 7.0050, 99, 5, 0)
	ghostCurr := obf.Obfuscate(45.0070, 7.0050, 99, 5, 1)

	prevFinal := prev.Finalize()
	prevFinal[ghostPrev.Token] = Sample{Start: ghostPrev, End: ghostPrev}
	currFinal := curr.Finalize()
	currFinal[ghostCurr.Token] = Sample{Start: ghostCurr, End: ghostCurr}

	// the whole win is discarded, not handed to the worse candidate
	assert.Nil(t, DetermineWinner(prevFinal, currFinal, 0.5, prev, curr, 50.0))
}

func TestDetermineWinnerDeterministic(t *testing.T) {
	prev, curr := twoIntervals(1.0)

	for id := int64(1); id <= 5; id++ {
		prev.Stage(id, 45.0020, 7.0010+float64(id)*0.0005)
	}
	prevFinal := prev.Finalize()

	for id := int64(1); id <= 5; id++ {
		curr.Stage(id, 45.0060, 7.0010+float64(id)*0.0005)
	}
	currFinal := curr.Finalize()

	first := DetermineWinner(prevFinal, currFinal, 1.0, prev, curr, 50.0)
	require.NotNil(t, first)
	for i := 0; i < 5; i++ {
		again := DetermineWinner(prevFinal, currFinal, 1.0, prev, curr, 50.0)
		require.NotNil(t, again)
		assert.Equal(t, first.ParticipantID, again.ParticipantID)
		assert.Equal(t, first.Token, again.Token)
	}
}
