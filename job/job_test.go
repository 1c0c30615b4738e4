package job

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mira-labs/torrentdm/peerid"
)

func TestPushDrainFIFO(t *testing.T) {
	q := New()
	q.Push(NewPollBlock(peerid.ID(1)))
	q.Push(NewPieceSaved(7))
	assert.Equal(t, 2, q.Len())

	var seen []Kind
	q.Drain(func(j Job) { seen = append(seen, j.Kind) })
	assert.Equal(t, []Kind{PollBlock, PieceSaved}, seen)
	assert.True(t, q.Empty())
}

func TestDrainDoesNotReplayJobsPushedDuringItself(t *testing.T) {
	q := New()
	q.Push(NewPollBlock(peerid.ID(1)))
	n := 0
	q.Drain(func(j Job) {
		n++
		q.Push(NewPollBlock(peerid.ID(2)))
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, q.Len())
}

func TestTimerFiredCallback(t *testing.T) {
	q := New()
	fired := false
	q.Push(NewTimerFired(func() { fired = true }))
	q.Drain(func(j Job) {
		assert.Equal(t, TimerFired, j.Kind)
		j.Timer()
	})
	assert.True(t, fired)
}
