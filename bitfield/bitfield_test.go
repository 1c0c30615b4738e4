package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLen(t *testing.T) {
	assert.Equal(t, 0, Len(0))
	assert.Equal(t, 1, Len(1))
	assert.Equal(t, 1, Len(8))
	assert.Equal(t, 2, Len(9))
	assert.Equal(t, 2, Len(16))
	assert.Equal(t, 3, Len(17))
}

func TestSetHasClear(t *testing.T) {
	bf := New(20)
	assert.False(t, bf.Has(5))
	bf.Set(5)
	assert.True(t, bf.Has(5))
	assert.False(t, bf.Has(4))
	assert.False(t, bf.Has(6))
	bf.Clear(5)
	assert.False(t, bf.Has(5))
}

func TestHasOutOfRange(t *testing.T) {
	bf := New(8)
	assert.False(t, bf.Has(-1))
	assert.False(t, bf.Has(100))
}

func TestSetAndClearOutOfRangeAreNoOpsNotPanics(t *testing.T) {
	bf := New(8)
	assert.NotPanics(t, func() { bf.Set(-1) })
	assert.NotPanics(t, func() { bf.Set(100) })
	assert.NotPanics(t, func() { bf.Clear(-1) })
	assert.NotPanics(t, func() { bf.Clear(100) })
}

func TestCountAndSetIndices(t *testing.T) {
	bf := New(10)
	bf.Set(0)
	bf.Set(3)
	bf.Set(9)
	assert.Equal(t, 3, bf.Count())
	assert.Equal(t, []int{0, 3, 9}, bf.SetIndices(10))
}

func TestValid(t *testing.T) {
	bf := New(16)
	assert.True(t, bf.Valid(16))
	assert.True(t, bf.Valid(9))
	assert.False(t, bf.Valid(17))
}

func TestCopyIsIndependent(t *testing.T) {
	bf := New(8)
	bf.Set(1)
	cp := bf.Copy()
	cp.Set(2)
	assert.False(t, bf.Has(2))
	assert.True(t, cp.Has(1))
}

func TestBitOrderMatchesBEP3(t *testing.T) {
	bf := New(8)
	bf.Set(0)
	assert.Equal(t, byte(0x80), bf[0])
}
