package eventtimer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEveryFiresOnSchedule(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	timer := New(clock)

	fires := 0
	timer.Every(10*time.Second, func() { fires++ })

	timer.Step(now.Add(5 * time.Second))
	assert.Equal(t, 0, fires)

	timer.Step(now.Add(10 * time.Second))
	assert.Equal(t, 1, fires)

	timer.Step(now.Add(20 * time.Second))
	assert.Equal(t, 2, fires)
}

func TestAfterFiresOnceThenIsGone(t *testing.T) {
	now := time.Unix(0, 0)
	timer := New(func() time.Time { return now })
	fires := 0
	timer.After(5*time.Second, func() { fires++ })

	timer.Step(now.Add(10 * time.Second))
	timer.Step(now.Add(20 * time.Second))
	assert.Equal(t, 1, fires)
}

func TestCancelDisarms(t *testing.T) {
	now := time.Unix(0, 0)
	timer := New(func() time.Time { return now })
	fires := 0
	id := timer.Every(time.Second, func() { fires++ })
	timer.Cancel(id)
	timer.Step(now.Add(time.Minute))
	assert.Equal(t, 0, fires)
}

func TestStepNeverFiresEarly(t *testing.T) {
	now := time.Unix(0, 0)
	timer := New(func() time.Time { return now })
	fires := 0
	timer.Every(10*time.Second, func() { fires++ })
	timer.Step(now.Add(9 * time.Second))
	assert.Equal(t, 0, fires)
}

func TestStopDisarmsEveryEvent(t *testing.T) {
	now := time.Unix(0, 0)
	timer := New(func() time.Time { return now })
	fires := 0
	timer.Every(time.Second, func() { fires++ })
	timer.After(time.Second, func() { fires++ })

	timer.Stop()
	timer.Step(now.Add(time.Minute))
	assert.Equal(t, 0, fires)
}
