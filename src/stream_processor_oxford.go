package ffado

/*------------------------------------------------------------------
 *
 * Purpose:	Receive StreamProcessor variant for Oxford-chipset
 *		devices, which emit non-blocking AM824 without a
 *		trustworthy SYT field.
 *
 * Description:	Ported from
 *		libffado/src/libstreaming/amdtp-oxford/AmdtpOxfordReceiveStreamProcessor.cpp.
 *		Substitutes packet arrival time for SYT: a second,
 *		independent arrival-time DLL tracks TICKS_PER_PACKET, raw
 *		packet payloads accumulate in a staging ring, and a
 *		synthetic period is only handed to the embedded
 *		TimestampedBuffer once one full SYT interval of frames has
 *		accumulated. Its timestamp backs off by two cycles to
 *		preserve causality (the presented frame must always be in
 *		the receiver's past).
 *
 *---------------------------------------------------------------*/

import (
	"fmt"

	"github.com/ffadogo/streaming/internal/dwlog"
)

// causalityBackoffCycles is the number of 125us cycles the Oxford path
// backs its synthetic timestamp off by, per spec.md section 4.4.
const causalityBackoffCycles = 2

// oxfordReceiveProcessor wraps a StreamProcessor with an arrival-time DLL
// and a staging ring, satisfying the same Receiver contract as a regular
// AMDTP receive StreamProcessor.
type oxfordReceiveProcessor struct {
	*StreamProcessor

	arrivalDLL   *TimestampedBuffer // tracks TICKS_PER_PACKET from arrival times
	stagingRing  *frameRing         // carries leftover frames across packets, unlike a fixed one-shot buffer
	emitScratch  []byte             // reused scratch for one synthetic period's worth of frames
	framesPerPkt int
}

// NewOxfordReceiveProcessor constructs the Oxford-variant wrapper around a
// freshly-built (but not yet Prepared) StreamProcessor.
func NewOxfordReceiveProcessor(cfg StreamProcessorConfig, framesPerPacket int, log *dwlog.Logger) (*oxfordReceiveProcessor, error) {
	if cfg.Direction != DirectionCapture {
		return nil, fmt.Errorf("%w: Oxford variant only applies to capture", ErrConfig)
	}

	var sp, err = NewStreamProcessor(cfg, log)
	if err != nil {
		return nil, err
	}

	var arrivalDLL = NewTimestampedBuffer(log.With("oxford-arrival-dll", cfg.Channel))

	return &oxfordReceiveProcessor{
		StreamProcessor: sp,
		arrivalDLL:      arrivalDLL,
		framesPerPkt:    framesPerPacket,
	}, nil
}

// Prepare prepares both the embedded StreamProcessor's buffer and the
// arrival-time DLL, which tracks ticks-per-packet instead of ticks-per-frame.
func (o *oxfordReceiveProcessor) Prepare() error {
	if err := o.StreamProcessor.Prepare(); err != nil {
		return err
	}

	var ticksPerPacket = TicksPerCycle // one packet per 125us cycle, nominally

	if err := o.arrivalDLL.Configure(BufferConfig{
		EventSize:      4,
		EventsPerFrame: 1,
		BufferSize:     int(o.sytInterval) * 4,
		NominalRate:    float64(ticksPerPacket),
		UpdatePeriod:   1,
		WrapAt:         Wrap,
	}); err != nil {
		return err
	}

	if err := o.arrivalDLL.Prepare(); err != nil {
		return err
	}

	// Sized well beyond one SYT interval so an ordinary packet whose event
	// count doesn't land on an interval boundary carries its remainder
	// over into the next packet instead of overflowing.
	o.stagingRing = newFrameRing(int(o.sytInterval)*4, o.cfg.Dimension*4)
	o.emitScratch = make([]byte, int(o.sytInterval)*o.cfg.Dimension*4)

	return nil
}

// HandlePacket overrides the base StreamProcessor's receive path: it feeds
// the arrival-time DLL with each packet's arrival tick, accumulates payload
// into the staging ring, and only emits a synthetic period (a
// Buffer.WriteFrames call) to the embedded TimestampedBuffer once a full SYT
// interval of frames has staged.
func (o *oxfordReceiveProcessor) HandlePacket(pkt ReceivedPacket) error {
	if o.State() == SPStopped {
		return nil
	}

	var header, decodeErr = DecodeCIPHeader(pkt.Payload)
	if decodeErr != nil || header.FMT != FMTAMDTP || header.DBS == 0 {
		o.droppedPackets.Add(1)

		return nil
	}

	var nEvents = header.NEventsInPacket(len(pkt.Payload))
	if nEvents <= 0 {
		o.droppedPackets.Add(1)

		return nil
	}

	// Track arrival-time-per-packet via the same DLL machinery used for
	// sample rate, just with update_period=1 packet and nominal_rate in
	// ticks-per-packet.
	if err := o.arrivalDLL.WriteFrames(1, make([]byte, 4), pkt.ArrivalTicks); err != nil {
		return err
	}

	// Only the DLL state matters here; discard the placeholder frame so the
	// arrival ring never fills up.
	if err := o.arrivalDLL.DropFrames(1); err != nil {
		return err
	}

	var payloadBytes = nEvents * o.cfg.Dimension * 4

	if nEvents > o.stagingRing.Free() {
		// Genuine overflow of a ring sized for multiple packets' slop:
		// treat like any other ring xrun rather than silently dropping an
		// ordinarily-unaligned packet.
		o.log.Warnf("oxford staging ring overflow, dropping %d frames", nEvents)

		var overflowErr = fmt.Errorf("%w: oxford staging ring overflow", ErrRingFull)
		if o.xruns != nil {
			o.xruns.notifyXrun(o.StreamProcessor, overflowErr)
		}

		return overflowErr
	}

	if err := o.stagingRing.Write(nEvents, pkt.Payload[8:8+payloadBytes]); err != nil {
		return err
	}

	o.beginDryRunning()

	// Frames that were already resident before this packet arrived; the
	// first synthetic period emitted below presents at that many frames
	// before this packet's arrival time, each subsequent one sytInterval
	// frames closer to it.
	var backlogFrames = o.stagingRing.Fill() - nEvents
	var nominalRate = TicksPerSecond / float64(o.cfg.SampleRate)
	var emitted = 0

	for o.stagingRing.Fill() >= int(o.sytInterval) {
		var scratch = o.emitScratch[:int(o.sytInterval)*o.cfg.Dimension*4]

		if err := o.stagingRing.Read(int(o.sytInterval), scratch); err != nil {
			return err
		}

		// Timestamp is arrival_time_of_current_packet -
		// frames_still_older_than_this_emission*nominal_rate, backed off
		// by two cycles for causality.
		var ts = SubtractTicks(pkt.ArrivalTicks, float64(backlogFrames-emitted)*nominalRate)
		ts = SubtractTicks(ts, causalityBackoffCycles*TicksPerCycle)

		if writeErr := o.Buffer.WriteFrames(int(o.sytInterval), scratch, ts); writeErr != nil {
			o.log.Warnf("xrun on oxford receive: %v", writeErr)

			if o.xruns != nil {
				o.xruns.notifyXrun(o.StreamProcessor, writeErr)
			}

			return writeErr
		}

		o.framesDelivered.Add(uint64(o.sytInterval))

		if o.manager != nil {
			o.manager.notifyFrameArrival(o.StreamProcessor)
		}

		emitted += int(o.sytInterval)
	}

	return nil
}
