package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetTestClone(t *testing.T) {
	b := New(10)
	b.Set(0)
	b.Set(9)
	assert.True(t, b.Test(0))
	assert.True(t, b.Test(9))
	assert.False(t, b.Test(1))

	clone := b.Clone()
	clone.Clear(0)
	assert.True(t, b.Test(0), "original must be unaffected by mutations on the clone")
	assert.False(t, clone.Test(0))
}

func TestMSBFirstPacking(t *testing.T) {
	b := New(8)
	b.Set(0) // first piece is the high bit of byte 0
	assert.Equal(t, byte(0x80), b.Bytes()[0])
}

func TestPopcountAndAll(t *testing.T) {
	b := New(4)
	assert.Equal(t, 0, b.Popcount())
	assert.False(t, b.All())
	for i := 0; i < 4; i++ {
		b.Set(i)
	}
	assert.Equal(t, 4, b.Popcount())
	assert.True(t, b.All())
}

func TestTrailingBitsPastPieceCountIgnored(t *testing.T) {
	// 1 piece needs one byte on the wire; high bits beyond bit 0 are noise.
	raw := []byte{0xFF}
	b := New(1)
	b.Replace(raw)
	assert.True(t, b.Test(0))
	assert.Equal(t, 1, b.Len())
}

func TestOutOfRangeIsSafe(t *testing.T) {
	b := New(3)
	assert.False(t, b.Test(100))
	b.Set(100) // must not panic
	b.Clear(100)
}
