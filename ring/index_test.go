package ring_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/frobware/go-pvio/ring"
)

func TestIsPowerOfTwo(t *testing.T) {
	for _, n := range []uint32{1, 2, 4, 1024, 1 << 31} {
		assert.True(t, ring.IsPowerOfTwo(n), "%d", n)
	}
	for _, n := range []uint32{0, 3, 6, 1023, math.MaxUint32} {
		assert.False(t, ring.IsPowerOfTwo(n), "%d", n)
	}
}

func TestCursorArithmetic(t *testing.T) {
	tests := []struct {
		name       string
		prod, cons uint32
		size       uint32
		used, free uint32
		empty      bool
		full       bool
		smashed    bool
	}{
		{name: "empty", prod: 0, cons: 0, size: 8, used: 0, free: 8, empty: true},
		{name: "partial", prod: 5, cons: 2, size: 8, used: 3, free: 5},
		{name: "full", prod: 10, cons: 2, size: 8, used: 8, free: 0, full: true},
		{name: "smashed", prod: 11, cons: 2, size: 8, used: 9, free: 0, full: true, smashed: true},
		{name: "wrapped counters", prod: 3, cons: math.MaxUint32 - 2, size: 8, used: 6, free: 2},
		{name: "wrapped full", prod: 4, cons: math.MaxUint32 - 3, size: 8, used: 8, free: 0, full: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.used, ring.Used(tt.prod, tt.cons))
			assert.Equal(t, tt.free, ring.Free(tt.prod, tt.cons, tt.size))
			assert.Equal(t, tt.empty, ring.Empty(tt.prod, tt.cons))
			assert.Equal(t, tt.full, ring.Full(tt.prod, tt.cons, tt.size))
			assert.Equal(t, tt.smashed, ring.Smashed(tt.prod, tt.cons, tt.size))
		})
	}
}

func TestMask(t *testing.T) {
	assert.Equal(t, uint32(3), ring.Mask(11, 8))
	assert.Equal(t, uint32(7), ring.Mask(math.MaxUint32, 8))
	assert.Equal(t, uint32(0), ring.Mask(1024, 1024))
}
