package ffado

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingNotifier doubles as both xrunNotifier and periodNotifier so
// tests can assert on escalation/progress without a real Manager.
type recordingNotifier struct {
	xruns     []error
	arrivals  int
}

func (r *recordingNotifier) notifyXrun(sp *StreamProcessor, err error) {
	r.xruns = append(r.xruns, err)
}

func (r *recordingNotifier) notifyFrameArrival(sp *StreamProcessor) {
	r.arrivals++
}

func buildCapturePacket(t *testing.T, dimension, nEvents int, syt uint16) ReceivedPacket {
	t.Helper()

	var header = CIPHeader{DBS: byte(dimension), FMT: FMTAMDTP, FDF: FDF48000, SYT: syt}
	var payload = append(header.Encode(), make([]byte, nEvents*dimension*4)...)

	return ReceivedPacket{
		Payload:      payload,
		ArrivalCycle: CycleTimer{Seconds: 0, Cycles: 10, Offset: 0},
	}
}

func newReadyCaptureSP(t *testing.T) (*StreamProcessor, *recordingNotifier) {
	t.Helper()

	var sp, err = NewStreamProcessor(StreamProcessorConfig{
		Channel:      0,
		Direction:    DirectionCapture,
		SampleRate:   48000,
		Dimension:    2,
		BufferFrames: 64,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, sp.Prepare())
	require.NoError(t, sp.Start(CycleTimer{}))

	var notifier = &recordingNotifier{}
	sp.xruns = notifier
	sp.manager = notifier

	return sp, notifier
}

func TestHandlePacketDropsMalformedPacket(t *testing.T) {
	var sp, notifier = newReadyCaptureSP(t)

	require.NoError(t, sp.HandlePacket(ReceivedPacket{Payload: []byte{1, 2, 3}}))
	assert.Equal(t, uint64(1), sp.DroppedPackets())
	assert.Equal(t, SPWaitingToStart, sp.State(), "a dropped packet must not advance the lifecycle")
	assert.Empty(t, notifier.xruns)
}

func TestHandlePacketDropsPacketFailingValidity(t *testing.T) {
	var sp, _ = newReadyCaptureSP(t)

	var pkt = buildCapturePacket(t, 2, 8, SYTNoInfo)
	require.NoError(t, sp.HandlePacket(pkt))
	assert.Equal(t, uint64(1), sp.DroppedPackets())
}

func TestHandlePacketDryRunFeedsBufferAndNotifies(t *testing.T) {
	var sp, notifier = newReadyCaptureSP(t)

	var pkt = buildCapturePacket(t, 2, 8, 0x0000)
	require.NoError(t, sp.HandlePacket(pkt))

	assert.Equal(t, SPDryRunning, sp.State())
	assert.Equal(t, 8, sp.Buffer.FrameCount())
	assert.Equal(t, uint64(8), sp.framesDelivered.Load())
	assert.Equal(t, 1, notifier.arrivals)
}

func TestHandlePacketEscalatesXrunOnFullBuffer(t *testing.T) {
	var sp, notifier = newReadyCaptureSP(t)

	// Fill the 64-frame buffer to the brim in 8-frame packets.
	for i := 0; i < 8; i++ {
		require.NoError(t, sp.HandlePacket(buildCapturePacket(t, 2, 8, 0x0000)))
	}

	sp.confirmRunning()
	require.Equal(t, SPRunning, sp.State())

	var err = sp.HandlePacket(buildCapturePacket(t, 2, 8, 0x0000))
	assert.ErrorIs(t, err, ErrRingFull)
	require.Len(t, notifier.xruns, 1)
	assert.ErrorIs(t, notifier.xruns[0], ErrRingFull)
}

func TestHandlePacketStoppedIsANoOp(t *testing.T) {
	var sp, notifier = newReadyCaptureSP(t)
	sp.Stop()

	require.NoError(t, sp.HandlePacket(buildCapturePacket(t, 2, 8, 0x0000)))
	assert.Equal(t, uint64(0), sp.DroppedPackets())
	assert.Empty(t, notifier.arrivals)
}

func TestResolveSYTTimestampRollsForwardPastGroupBoundary(t *testing.T) {
	// Arrival at absolute cycle 20 (cycle 20, low 4 bits = 4). A SYT whose
	// low 4 bits are smaller than the arrival's low 4 bits names a cycle in
	// the next 16-cycle group, not the past.
	var arrival = CycleTimer{Seconds: 0, Cycles: 20, Offset: 0}
	var syt = uint16(2) << 12 // cycle-low nibble 2, offset 0

	var ts = resolveSYTTimestamp(syt, arrival)
	var back = FromTicks(ts)

	// Candidate would be cycle 18 (16|2) which is in the past relative to
	// 20, so it must roll forward to cycle 34.
	assert.Equal(t, uint32(34), back.Cycles)
}

func TestResolveSYTTimestampSameGroupNoRollover(t *testing.T) {
	var arrival = CycleTimer{Seconds: 0, Cycles: 20, Offset: 0}
	var syt = uint16(6) << 12 // cycle-low nibble 6 >= arrival's nibble 4

	var ts = resolveSYTTimestamp(syt, arrival)
	var back = FromTicks(ts)

	assert.Equal(t, uint32(22), back.Cycles) // 16|6 == 22, already >= 20
}

func newReadyPlaybackSP(t *testing.T, blocking BlockingMode) *StreamProcessor {
	t.Helper()

	var sp, err = NewStreamProcessor(StreamProcessorConfig{
		Channel:      1,
		Direction:    DirectionPlayback,
		SampleRate:   48000,
		Dimension:    2,
		BufferFrames: 64,
		Blocking:     blocking,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, sp.Prepare())
	require.NoError(t, sp.Start(CycleTimer{}))

	return sp
}

func TestFillPacketEmptyOnIdleSendsNoInfoWhenDrained(t *testing.T) {
	var sp = newReadyPlaybackSP(t, BlockingModeEmptyOnIdle)

	var raw, err = sp.FillPacket(TransmitRequest{Cycle: CycleTimer{}})
	require.NoError(t, err)

	var header, decodeErr = DecodeCIPHeader(raw)
	require.NoError(t, decodeErr)
	assert.Equal(t, SYTNoInfo, header.SYT)
	assert.Len(t, raw, 8)
}

func TestFillPacketNormalModeDrainsBufferAndAdvancesDBC(t *testing.T) {
	var sp = newReadyPlaybackSP(t, BlockingModeNormal)

	require.NoError(t, sp.Buffer.WriteFrames(16, make([]byte, 16*sp.Buffer.bytesPerFrame()), sp.Buffer.cfg.NominalRate*16))

	var raw1, err1 = sp.FillPacket(TransmitRequest{Cycle: CycleTimer{}})
	require.NoError(t, err1)
	var header1, _ = DecodeCIPHeader(raw1)

	assert.Equal(t, byte(sp.cfg.Dimension), header1.DBS)
	assert.Equal(t, byte(0), header1.DBC)
	assert.NotEqual(t, SYTNoInfo, header1.SYT)
	assert.Equal(t, 8, sp.Buffer.FrameCount())

	var raw2, err2 = sp.FillPacket(TransmitRequest{Cycle: CycleTimer{}})
	require.NoError(t, err2)
	var header2, _ = DecodeCIPHeader(raw2)

	assert.Equal(t, byte(8), header2.DBC, "data block counter advances by events sent")
	assert.Equal(t, 0, sp.Buffer.FrameCount())
}

func TestFillPacketStoppedReturnsConfigError(t *testing.T) {
	var sp = newReadyPlaybackSP(t, BlockingModeNormal)
	sp.Stop()

	var _, err = sp.FillPacket(TransmitRequest{Cycle: CycleTimer{}})
	assert.ErrorIs(t, err, ErrConfig)
}

func newReadyOxfordSP(t *testing.T, framesPerPacket int) *oxfordReceiveProcessor {
	t.Helper()

	var o, err = NewOxfordReceiveProcessor(StreamProcessorConfig{
		Channel:      0,
		Direction:    DirectionCapture,
		SampleRate:   48000,
		Dimension:    2,
		BufferFrames: 64,
	}, framesPerPacket, nil)
	require.NoError(t, err)
	require.NoError(t, o.Prepare())
	require.NoError(t, o.Start(CycleTimer{}))

	return o
}

func TestOxfordReceiveProcessorStagesUntilFullSYTInterval(t *testing.T) {
	var o = newReadyOxfordSP(t, 4)
	var notifier = &recordingNotifier{}
	o.xruns = notifier
	o.manager = notifier

	// sytInterval for 48kHz is 8 frames; feed four packets of 2 frames
	// each, none of which should emit until the fourth.
	for i := 0; i < 3; i++ {
		var pkt = buildCapturePacket(t, 2, 2, 0)
		pkt.ArrivalTicks = float64(i+1) * TicksPerCycle
		require.NoError(t, o.HandlePacket(pkt))
		assert.Equal(t, 0, o.Buffer.FrameCount(), "no synthetic period yet")
	}

	var last = buildCapturePacket(t, 2, 2, 0)
	last.ArrivalTicks = 4 * TicksPerCycle
	require.NoError(t, o.HandlePacket(last))

	assert.Equal(t, 8, o.Buffer.FrameCount())
	assert.Equal(t, uint64(8), o.framesDelivered.Load())
	assert.Equal(t, 1, notifier.arrivals)
}

func TestOxfordReceiveProcessorDropsMalformedPacket(t *testing.T) {
	var o = newReadyOxfordSP(t, 4)

	require.NoError(t, o.HandlePacket(ReceivedPacket{Payload: []byte{1, 2}}))
	assert.Equal(t, uint64(1), o.DroppedPackets())
}

func TestOxfordReceiveProcessorCarriesLeftoverFramesAcrossPackets(t *testing.T) {
	var o = newReadyOxfordSP(t, 3)
	var notifier = &recordingNotifier{}
	o.xruns = notifier
	o.manager = notifier

	// sytInterval is 8 frames; 3-frame packets never land evenly on an
	// 8-frame boundary (8, 16, 24... vs 3, 6, 9, 12...), so the leftover
	// after each emission must persist rather than being discarded.
	var totalEvents = 0

	for i := 0; i < 9; i++ {
		var pkt = buildCapturePacket(t, 2, 3, 0)
		pkt.ArrivalTicks = float64(i+1) * TicksPerCycle
		require.NoError(t, o.HandlePacket(pkt))
		totalEvents += 3
	}

	// 9 packets of 3 frames is 27 frames total: three full 8-frame periods
	// emitted (24 frames) with 3 left over staged for the next packet.
	assert.Equal(t, 27, totalEvents)
	assert.Equal(t, 24, o.Buffer.FrameCount())
	assert.Equal(t, uint64(24), o.framesDelivered.Load())
	assert.Equal(t, 3, notifier.arrivals)
}

func TestOxfordReceiveProcessorEscalatesStagingOverflow(t *testing.T) {
	var o = newReadyOxfordSP(t, 4)
	var notifier = &recordingNotifier{}
	o.xruns = notifier
	o.manager = notifier

	// A single packet claiming more events than even the generously-sized
	// staging ring (four SYT intervals) can hold.
	var pkt = buildCapturePacket(t, 2, 64, 0)
	pkt.ArrivalTicks = TicksPerCycle

	var err = o.HandlePacket(pkt)
	assert.ErrorIs(t, err, ErrRingFull)
}
