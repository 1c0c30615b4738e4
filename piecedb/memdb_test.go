package piecedb

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mira-labs/torrentdm/bitfield"
	"github.com/mira-labs/torrentdm/peerkey"
)

func TestAddSizesPiecesFromTotFileSize(t *testing.T) {
	db := New()
	db.SetPieceLength(10)
	db.SetTotFileSize(25)

	i0 := db.Add([20]byte{})
	i1 := db.Add([20]byte{})
	i2 := db.Add([20]byte{})

	assert.Equal(t, 10, db.Get(i0).Length)
	assert.Equal(t, 10, db.Get(i1).Length)
	assert.Equal(t, 5, db.Get(i2).Length) // final piece truncated
}

func TestWriteBlockThenReadBlockRoundTrips(t *testing.T) {
	db := New()
	db.SetPieceLength(10)
	db.SetTotFileSize(10)
	idx := db.Add([20]byte{})

	n, err := db.WriteBlock(idx, 0, []byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	got, err := db.ReadBlock(idx, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("2345"), got)
}

func TestReadWriteOutOfRange(t *testing.T) {
	db := New()
	db.SetPieceLength(10)
	db.SetTotFileSize(10)
	idx := db.Add([20]byte{})

	_, err := db.WriteBlock(idx, 5, []byte("too long for here"))
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = db.ReadBlock(idx+1, 0, 1)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestGetOutOfRangeIsNil(t *testing.T) {
	db := New()
	assert.Nil(t, db.Get(0))
	assert.Nil(t, db.Get(-1))
}

func TestPollBestFromBitfieldSkipsCompletePieces(t *testing.T) {
	db := New()
	db.SetPieceLength(5)
	db.SetTotFileSize(10)
	content0 := []byte("hello")
	content1 := []byte("world")
	idx0 := db.Add(sha1.Sum(content0))
	idx1 := db.Add(sha1.Sum(content1))

	db.Get(idx0).WriteBlock(0, content0, peerkey.Key{})

	bf := bitfield.New(2)
	bf.Set(idx0)
	bf.Set(idx1)

	got, ok := db.PollBestFromBitfield(bf)
	require.True(t, ok)
	assert.Equal(t, idx1, got)
}

func TestPollBestFromBitfieldNoneAvailable(t *testing.T) {
	db := New()
	db.SetPieceLength(5)
	db.SetTotFileSize(5)
	db.Add([20]byte{})

	bf := bitfield.New(1)
	_, ok := db.PollBestFromBitfield(bf)
	assert.False(t, ok)
}
