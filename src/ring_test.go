package ffado

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFrameRingWriteReadRoundTrip(t *testing.T) {
	var r = newFrameRing(8, 4)

	require.NoError(t, r.Write(3, []byte{1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0}))
	assert.Equal(t, 3, r.Fill())
	assert.Equal(t, 5, r.Free())

	var dst = make([]byte, 12)
	require.NoError(t, r.Read(3, dst))
	assert.Equal(t, []byte{1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0}, dst)
	assert.Equal(t, 0, r.Fill())
}

func TestFrameRingWriteWrapsAroundCapacity(t *testing.T) {
	var r = newFrameRing(4, 1)

	require.NoError(t, r.Write(3, []byte{1, 2, 3}))

	var drained = make([]byte, 2)
	require.NoError(t, r.Read(2, drained))
	assert.Equal(t, []byte{1, 2}, drained)

	// Tail is now at index 3; this write should wrap back to index 0.
	require.NoError(t, r.Write(3, []byte{4, 5, 6}))

	var rest = make([]byte, 4)
	require.NoError(t, r.Read(4, rest))
	assert.Equal(t, []byte{3, 4, 5, 6}, rest)
}

func TestFrameRingWriteFailsWhenFull(t *testing.T) {
	var r = newFrameRing(2, 1)

	require.NoError(t, r.Write(2, []byte{1, 2}))

	var err = r.Write(1, []byte{3})
	assert.ErrorIs(t, err, ErrRingFull)
}

func TestFrameRingReadFailsWhenEmpty(t *testing.T) {
	var r = newFrameRing(2, 1)

	var dst = make([]byte, 1)
	var err = r.Read(1, dst)
	assert.ErrorIs(t, err, ErrRingEmpty)
}

func TestFrameRingDropDiscardsWithoutCopy(t *testing.T) {
	var r = newFrameRing(4, 1)

	require.NoError(t, r.Write(4, []byte{1, 2, 3, 4}))
	require.NoError(t, r.Drop(2))
	assert.Equal(t, 2, r.Fill())

	var dst = make([]byte, 2)
	require.NoError(t, r.Read(2, dst))
	assert.Equal(t, []byte{3, 4}, dst)
}

func TestFrameRingFillNeverExceedsCapacity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var capacity = rapid.IntRange(1, 32).Draw(t, "capacity")
		var r = newFrameRing(capacity, 1)
		var resident = 0

		for step := 0; step < 20; step++ {
			var writeN = rapid.IntRange(0, capacity).Draw(t, "writeN")
			if writeN <= r.Free() {
				require.NoError(t, r.Write(writeN, make([]byte, writeN)))
				resident += writeN
			}

			var readN = rapid.IntRange(0, capacity).Draw(t, "readN")
			if readN <= r.Fill() {
				require.NoError(t, r.Read(readN, make([]byte, readN)))
				resident -= readN
			}

			require.LessOrEqual(t, r.Fill(), capacity)
			require.Equal(t, resident, r.Fill())
		}
	})
}
