package sparsecounter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddRemove(t *testing.T) {
	c := New()
	assert.False(t, c.IsSet(3))
	c.Add(3)
	c.Add(3)
	assert.Equal(t, 2, c.Get(3))
	assert.True(t, c.IsSet(3))
	c.Remove(3)
	assert.Equal(t, 1, c.Get(3))
	c.Remove(3)
	assert.False(t, c.IsSet(3))
	assert.Equal(t, 0, c.Len())
}

func TestSet(t *testing.T) {
	c := New()
	c.Set(1, 5)
	assert.Equal(t, 5, c.Get(1))
	c.Set(1, 0)
	assert.False(t, c.IsSet(1))
	assert.Equal(t, 0, c.Len())
}

func TestLenTracksDistinctIndices(t *testing.T) {
	c := New()
	c.Add(1)
	c.Add(2)
	c.Add(2)
	assert.Equal(t, 2, c.Len())
}

func TestMinPicksLowestCountThenLowestIndex(t *testing.T) {
	c := New()
	c.Set(5, 3)
	c.Set(2, 1)
	c.Set(7, 1)
	c.Set(9, 5)
	idx, ok := c.Min([]int{5, 2, 7, 9})
	assert.True(t, ok)
	assert.Equal(t, 2, idx)
}

func TestMinEmptyCandidates(t *testing.T) {
	c := New()
	_, ok := c.Min(nil)
	assert.False(t, ok)
}

func TestMinTreatsAbsentAsZero(t *testing.T) {
	c := New()
	c.Set(4, 2)
	idx, ok := c.Min([]int{4, 11})
	assert.True(t, ok)
	assert.Equal(t, 11, idx)
}
