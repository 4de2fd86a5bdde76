package ffado

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestAudioInt24RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var dimension = rapid.IntRange(1, 4).Draw(t, "dimension")
		var position = rapid.IntRange(0, dimension-1).Draw(t, "position")
		var nFrames = rapid.IntRange(1, 16).Draw(t, "nFrames")

		var layout = ClusterLayout{Dimension: dimension}
		var payload = make([]byte, nFrames*dimension*4)

		var src = make([]int32, nFrames)
		for i := range src {
			// Int24 carries the raw 24-bit pattern unextended, so only
			// values that already fit unsigned in 24 bits round-trip as
			// equal; sign-extension is a DecodeAudioFloat-only concern.
			src[i] = rapid.Int32Range(0, (1<<24)-1).Draw(t, "sample")
		}

		require.NoError(t, EncodeAudioInt24(payload, layout, position, nFrames, src))

		var dst = make([]int32, nFrames)
		require.NoError(t, DecodeAudioInt24(payload, layout, position, nFrames, dst))

		assert.Equal(t, src, dst)
	})
}

func TestAudioInt24RoundTripPreservesBit23WithoutSignExtension(t *testing.T) {
	var layout = ClusterLayout{Dimension: 1}
	var payload = make([]byte, 2*4)

	var src = []int32{0x00123456, 0x00FEDCBA}
	require.NoError(t, EncodeAudioInt24(payload, layout, 0, 2, src))

	var dst = make([]int32, 2)
	require.NoError(t, DecodeAudioInt24(payload, layout, 0, 2, dst))

	assert.Equal(t, src, dst, "0x00FEDCBA has bit 23 set but must come back unextended, not as a negative value")
}

func TestAudioInt24LabelsEveryQuadlet(t *testing.T) {
	var layout = ClusterLayout{Dimension: 2}
	var payload = make([]byte, 2*2*4)

	require.NoError(t, EncodeAudioInt24(payload, layout, 0, 2, []int32{100, -100}))
	require.NoError(t, EncodeAudioInt24(payload, layout, 1, 2, []int32{1, 2}))

	assert.Equal(t, LabelAudio24bit, payload[0])
	assert.Equal(t, LabelAudio24bit, payload[4])
	assert.Equal(t, LabelAudio24bit, payload[8])
	assert.Equal(t, LabelAudio24bit, payload[12])
}

func TestMIDIDemuxMuxRoundTrip(t *testing.T) {
	var layout = ClusterLayout{Dimension: 1}
	var nFrames = clusterQuantum * 3
	var payload = make([]byte, nFrames*4)

	var a, b byte = 0x90, 0x40
	var bytes = []*byte{&a, nil, &b}

	require.NoError(t, EncodeMIDI(payload, layout, 0, 3, nFrames, bytes))

	var events, err = DecodeMIDI(payload, layout, 0, 3, nFrames)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.True(t, events[0].HasData)
	assert.Equal(t, a, events[0].Byte)

	assert.False(t, events[1].HasData)

	assert.True(t, events[2].HasData)
	assert.Equal(t, b, events[2].Byte)
}

func TestMIDIDemuxRejectsUnalignedFrameCount(t *testing.T) {
	var layout = ClusterLayout{Dimension: 1}
	var payload = make([]byte, (clusterQuantum-1)*4)

	var _, err = DecodeMIDI(payload, layout, 0, 0, clusterQuantum-1)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestEncodeAudioFloatClampsToUnitRange(t *testing.T) {
	var layout = ClusterLayout{Dimension: 1}
	var payload = make([]byte, 4)

	require.NoError(t, EncodeAudioFloat(payload, layout, 0, 1, []float64{2.0}))

	var dst = make([]float64, 1)
	require.NoError(t, DecodeAudioFloat(payload, layout, 0, 1, dst))

	assert.InDelta(t, 1.0, dst[0], audioSampleScale*2)
}
