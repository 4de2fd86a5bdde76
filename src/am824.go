package ffado

/*------------------------------------------------------------------
 *
 * Purpose:	Encode/decode AM824 event quadlets making up an
 *		IEC 61883-6 cluster, for audio (MBLA) and 8-way
 *		time-division-multiplexed MIDI substreams.
 *
 * Description:	Ported from the cluster-iteration logic in
 *		libffado/src/libstreaming/amdtp/AmdtpReceiveStreamProcessor.cpp,
 *		generalized into standalone encode/decode passes over an
 *		externally held port buffer, the way the teacher's
 *		il2p_crc.go turns a bit-level spec table into small pure
 *		functions with no surrounding protocol-engine state.
 *
 *---------------------------------------------------------------*/

import (
	"encoding/binary"
	"fmt"
	"math"
)

// AM824 quadlet labels, spec.md section 6.
const (
	LabelAudio24bit byte = 0x40
	LabelMIDINoData byte = 0x80
	LabelMIDI1x     byte = 0x81
	LabelMIDI2x     byte = 0x82
	LabelMIDI3x     byte = 0x83
)

const audioSampleScale = 1.0 / float64(1<<23)

// ClusterLayout describes the fixed width (in quadlets/frame) of an AM824
// cluster and is shared by every Port's codec pass over that cluster.
type ClusterLayout struct {
	Dimension int // quadlets (= EventsPerFrame) per frame
}

func (c ClusterLayout) eventOffset(frameIdx, position int) int {
	return frameIdx*c.Dimension + position
}

// quadletAt reads the 32-bit big-endian (network order) quadlet at the given
// event index from a raw AM824 payload buffer.
func quadletAt(payload []byte, eventIdx int) uint32 {
	return binary.BigEndian.Uint32(payload[eventIdx*4 : eventIdx*4+4])
}

func putQuadletAt(payload []byte, eventIdx int, q uint32) {
	binary.BigEndian.PutUint32(payload[eventIdx*4:eventIdx*4+4], q)
}

// DecodeAudioInt24 decodes nFrames frames of a Port at `position` in the
// cluster into dst (one int32 per frame, the masked 24-bit pattern as-is;
// sign-extension is a float-path concern, not this one's).
func DecodeAudioInt24(payload []byte, layout ClusterLayout, position int, nFrames int, dst []int32) error {
	if len(dst) < nFrames {
		return fmt.Errorf("%w: destination too short for %d frames", ErrConfig, nFrames)
	}

	for j := 0; j < nFrames; j++ {
		var q = quadletAt(payload, layout.eventOffset(j, position))
		dst[j] = int32(q & 0x00ffffff)
	}

	return nil
}

// DecodeAudioFloat is DecodeAudioInt24 but scaled to [-1, 1).
func DecodeAudioFloat(payload []byte, layout ClusterLayout, position int, nFrames int, dst []float64) error {
	if len(dst) < nFrames {
		return fmt.Errorf("%w: destination too short for %d frames", ErrConfig, nFrames)
	}

	for j := 0; j < nFrames; j++ {
		var q = quadletAt(payload, layout.eventOffset(j, position))
		dst[j] = float64(signExtend24(q&0x00ffffff)) * audioSampleScale
	}

	return nil
}

func signExtend24(v uint32) int32 {
	if v&0x00800000 != 0 {
		return int32(v | 0xff000000)
	}

	return int32(v)
}

// EncodeAudioInt24 packs nFrames 24-bit samples from src into the payload at
// `position`, labelling each quadlet as plain 24-bit audio (0x40).
func EncodeAudioInt24(payload []byte, layout ClusterLayout, position int, nFrames int, src []int32) error {
	if len(src) < nFrames {
		return fmt.Errorf("%w: source too short for %d frames", ErrConfig, nFrames)
	}

	for j := 0; j < nFrames; j++ {
		var sample = uint32(src[j]) & 0x00ffffff
		var q = (uint32(LabelAudio24bit) << 24) | sample
		putQuadletAt(payload, layout.eventOffset(j, position), q)
	}

	return nil
}

// EncodeAudioFloat is EncodeAudioInt24 for float samples in [-1, 1).
func EncodeAudioFloat(payload []byte, layout ClusterLayout, position int, nFrames int, src []float64) error {
	if len(src) < nFrames {
		return fmt.Errorf("%w: source too short for %d frames", ErrConfig, nFrames)
	}

	for j := 0; j < nFrames; j++ {
		var clamped = math.Max(-1, math.Min(src[j], 1-audioSampleScale))
		var sample = int32(math.Round(clamped / audioSampleScale))
		var q = (uint32(LabelAudio24bit) << 24) | (uint32(sample) & 0x00ffffff)
		putQuadletAt(payload, layout.eventOffset(j, position), q)
	}

	return nil
}

// MIDIEvent is one demultiplexed MIDI byte, tagged with the sub-slot
// (location 0..7) it arrived on.
type MIDIEvent struct {
	Location int
	Byte     byte
	HasData  bool
}

// DecodeMIDI demultiplexes the 8-way TDM MIDI sub-slot at `location` from an
// aligned group of frames (nFrames must be a multiple of 8, per spec.md
// section 4.3's alignment requirement). It returns one MIDIEvent per
// eligible frame (every 8th, starting at `location`).
func DecodeMIDI(payload []byte, layout ClusterLayout, position int, location int, nFrames int) ([]MIDIEvent, error) {
	if nFrames%clusterQuantum != 0 {
		return nil, fmt.Errorf("%w: MIDI demux requires a multiple of %d frames, got %d",
			ErrConfig, clusterQuantum, nFrames)
	}

	var events = make([]MIDIEvent, 0, nFrames/clusterQuantum)

	for frameIdx := location; frameIdx < nFrames; frameIdx += clusterQuantum {
		var q = quadletAt(payload, layout.eventOffset(frameIdx, position))
		var label = byte(q >> 24)

		var ev = MIDIEvent{Location: location}

		switch label {
		case LabelMIDI1x, LabelMIDI2x, LabelMIDI3x:
			ev.HasData = true
			ev.Byte = byte((q >> 16) & 0xff)
		default:
			ev.HasData = false
		}

		events = append(events, ev)
	}

	return events, nil
}

// EncodeMIDI muxes a sequence of optional MIDI bytes (one per 8-frame
// group, len(bytes) == nFrames/8) into the TDM sub-slot at `location`. A nil
// entry in bytes emits LABEL_MIDI_NO_DATA.
func EncodeMIDI(payload []byte, layout ClusterLayout, position int, location int, nFrames int, bytes []*byte) error {
	if nFrames%clusterQuantum != 0 {
		return fmt.Errorf("%w: MIDI mux requires a multiple of %d frames, got %d",
			ErrConfig, clusterQuantum, nFrames)
	}

	var nGroups = nFrames / clusterQuantum
	if len(bytes) < nGroups {
		return fmt.Errorf("%w: need %d MIDI bytes/nils, got %d", ErrConfig, nGroups, len(bytes))
	}

	for g := 0; g < nGroups; g++ {
		var frameIdx = location + g*clusterQuantum
		var q uint32

		if bytes[g] != nil {
			q = (uint32(LabelMIDI1x) << 24) | (uint32(*bytes[g]) << 16)
		} else {
			q = uint32(LabelMIDINoData) << 24
		}

		putQuadletAt(payload, layout.eventOffset(frameIdx, position), q)
	}

	return nil
}
