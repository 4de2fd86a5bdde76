package ffado

/*------------------------------------------------------------------
 *
 * Purpose:	Ties one direction of one device to a TimestampedBuffer
 *		and implements the packet-header/packet-data callbacks
 *		the transport expects.
 *
 * Description:	Ported from libffado's AmdtpReceiveStreamProcessor /
 *		AmdtpTransmitStreamProcessor, using the teacher's
 *		explicit-state-machine idiom from src/demod_state.go and
 *		src/hdlc_rec.go (a small enum advanced by a per-unit-of-
 *		wire-data "process" call) for the Stopped/WaitingToStart/
 *		DryRunning/Running lifecycle.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ffadogo/streaming/internal/dwlog"
)

// SPState is a StreamProcessor's lifecycle state, spec.md section 3.
type SPState int

const (
	SPStopped SPState = iota
	SPWaitingToStart
	SPDryRunning
	SPRunning
)

func (s SPState) String() string {
	switch s {
	case SPStopped:
		return "stopped"
	case SPWaitingToStart:
		return "waiting-to-start"
	case SPDryRunning:
		return "dry-running"
	case SPRunning:
		return "running"
	default:
		return "unknown"
	}
}

// BlockingMode selects how a transmit StreamProcessor decides how many
// events to send per packet, spec.md section 4.4.
type BlockingMode int

const (
	BlockingModeNormal      BlockingMode = iota // always SYT-interval events
	BlockingModeEmptyOnIdle                     // 0 events on empty slots
)

// StreamProcessorConfig is the static configuration of one StreamProcessor.
type StreamProcessorConfig struct {
	Channel      int
	Direction    Direction
	SampleRate   int
	Dimension    int // cluster width in quadlets == events per frame
	BufferFrames int
	Bandwidth    float64
	Blocking     BlockingMode
	IsSyncSource bool
}

// xrunNotifier is implemented by the Manager; a StreamProcessor calls it on
// any ring over/underrun so the Manager can enter Xrun-Recovery.
type xrunNotifier interface {
	notifyXrun(sp *StreamProcessor, err error)
}

// periodNotifier is implemented by the Manager; a StreamProcessor calls it
// after every successful buffer write/drain so the Manager can detect period
// boundaries and startup alignment progress on its sync master.
type periodNotifier interface {
	notifyFrameArrival(sp *StreamProcessor)
}

// StreamProcessor is one direction of one device's stream.
type StreamProcessor struct {
	cfg    StreamProcessorConfig
	Buffer *TimestampedBuffer
	Ports  []*Port
	layout ClusterLayout
	log    *dwlog.Logger

	sytInterval uint

	mu         sync.Mutex
	state      SPState
	startCycle CycleTimer

	dbc uint32 // atomic: running data block counter for transmit

	droppedPackets  atomic.Uint64
	framesDelivered atomic.Uint64 // monotonic "time advanced" counter, either direction

	xruns   xrunNotifier
	manager periodNotifier
}

// NewStreamProcessor constructs a StreamProcessor and its owned
// TimestampedBuffer, but does not Prepare either.
func NewStreamProcessor(cfg StreamProcessorConfig, log *dwlog.Logger) (*StreamProcessor, error) {
	if log == nil {
		log = dwlog.Discard()
	}

	var sytInterval, err = sytIntervalForRate(cfg.SampleRate)
	if err != nil {
		return nil, err
	}

	var sp = &StreamProcessor{
		cfg:         cfg,
		Buffer:      NewTimestampedBuffer(log.With("channel", cfg.Channel)),
		layout:      ClusterLayout{Dimension: cfg.Dimension},
		log:         log.With("channel", cfg.Channel, "direction", cfg.Direction),
		sytInterval: sytInterval,
		state:       SPStopped,
	}

	return sp, nil
}

// Prepare configures and prepares the owned TimestampedBuffer.
func (sp *StreamProcessor) Prepare() error {
	var nominalRate = TicksPerSecond / float64(sp.cfg.SampleRate)

	if err := sp.Buffer.Configure(BufferConfig{
		EventSize:      4,
		EventsPerFrame: sp.cfg.Dimension,
		BufferSize:     sp.cfg.BufferFrames,
		NominalRate:    nominalRate,
		UpdatePeriod:   sp.sytInterval,
		WrapAt:         Wrap,
		Bandwidth:      sp.cfg.Bandwidth,
	}); err != nil {
		return err
	}

	return sp.Buffer.Prepare()
}

// AddPort registers a Port with this StreamProcessor.
func (sp *StreamProcessor) AddPort(p *Port) {
	sp.Ports = append(sp.Ports, p)
}

// State returns the current lifecycle state.
func (sp *StreamProcessor) State() SPState {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	return sp.state
}

// Start transitions Stopped -> WaitingToStart for the given cycle.
func (sp *StreamProcessor) Start(cycle CycleTimer) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.state != SPStopped {
		return fmt.Errorf("%w: Start called from state %s", ErrConfig, sp.state)
	}

	sp.startCycle = cycle
	sp.state = SPWaitingToStart

	return nil
}

// beginDryRunning transitions WaitingToStart -> DryRunning once the
// transport reaches startCycle. Called by the transport/Manager, not the
// client.
func (sp *StreamProcessor) beginDryRunning() {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.state == SPWaitingToStart {
		sp.state = SPDryRunning
	}
}

// confirmRunning transitions DryRunning -> Running once the Manager has
// observed every peer also dry-running at the agreed cycle.
func (sp *StreamProcessor) confirmRunning() {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.state == SPDryRunning {
		sp.state = SPRunning
	}
}

// Stop transitions any state to Stopped. This is the only cancellation
// primitive, per spec.md section 5; it marks the SP stopping and the
// transport thread honours it after its current packet.
func (sp *StreamProcessor) Stop() {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	sp.state = SPStopped
}

// DroppedPackets returns the count of malformed packets silently dropped so
// far.
func (sp *StreamProcessor) DroppedPackets() uint64 {
	return sp.droppedPackets.Load()
}

// resolveSYTTimestamp combines a packet's 16-bit cycle-relative SYT field
// with the receiver's cycle-timer reading at arrival to produce an absolute
// tick count, per spec.md section 4.4. The SYT field's low 12 bits are an
// offset within a cycle; its high 4 bits are the low-order bits of the
// target cycle count. We reconstruct the full cycle count by taking the
// arrival cycle's high-order bits and splicing in those 4 SYT bits,
// rolling forward by one 16-cycle group if that would otherwise land in the
// past relative to arrival.
func resolveSYTTimestamp(syt uint16, arrival CycleTimer) float64 {
	var sytCycleLow = uint32(syt>>12) & 0xf
	var sytOffset = uint32(syt & 0xfff)

	var arrivalAbsCycles = uint32(arrival.Seconds)*CyclesPerSecond + arrival.Cycles
	var highBits = arrivalAbsCycles &^ 0xf
	var candidate = highBits | sytCycleLow

	if candidate < arrivalAbsCycles {
		candidate += 16
	}

	var ct = CycleTimer{
		Seconds: (candidate / CyclesPerSecond) % SecondsWrap,
		Cycles:  candidate % CyclesPerSecond,
		Offset:  sytOffset,
	}

	return ct.ToTicks()
}

// HandlePacket implements Receiver: the per-packet header+data phase for a
// receive StreamProcessor, spec.md section 4.4.
func (sp *StreamProcessor) HandlePacket(pkt ReceivedPacket) error {
	if sp.State() == SPStopped {
		return nil
	}

	var header, decodeErr = DecodeCIPHeader(pkt.Payload)
	if decodeErr != nil || !header.Valid() {
		sp.droppedPackets.Add(1)
		sp.log.Debugf("dropping malformed packet (decodeErr=%v)", decodeErr)

		return nil
	}

	var nEvents = header.NEventsInPacket(len(pkt.Payload))
	if nEvents <= 0 {
		sp.droppedPackets.Add(1)

		return nil
	}

	var ts = resolveSYTTimestamp(header.SYT, pkt.ArrivalCycle)

	sp.beginDryRunning()

	if sp.State() != SPRunning {
		// Dry-running: receive but don't exchange data with ports.
		// We still feed the DLL so lock is established before the
		// client starts consuming frames.
		var dryRunErr = sp.Buffer.WriteFrames(nEvents, pkt.Payload[8:], ts)
		if dryRunErr == nil {
			sp.framesDelivered.Add(uint64(nEvents))

			if sp.manager != nil {
				sp.manager.notifyFrameArrival(sp)
			}
		}

		return dryRunErr
	}

	var writeErr = sp.Buffer.WriteFrames(nEvents, pkt.Payload[8:], ts)
	if writeErr != nil {
		sp.log.Warnf("xrun on receive: %v", writeErr)

		if sp.xruns != nil {
			sp.xruns.notifyXrun(sp, writeErr)
		}

		return writeErr
	}

	sp.framesDelivered.Add(uint64(nEvents))

	if sp.manager != nil {
		sp.manager.notifyFrameArrival(sp)
	}

	return nil
}

// FillPacket implements Transmitter: the per-packet transmit path, spec.md
// section 4.4. The buffer already holds AM824-encoded frames - the encode
// pass from port data happened earlier, at the period-boundary TransferOut
// call - so filling a packet here is a plain ring-to-payload copy plus CIP
// header bookkeeping.
func (sp *StreamProcessor) FillPacket(req TransmitRequest) ([]byte, error) {
	if sp.State() == SPStopped {
		return nil, fmt.Errorf("%w: FillPacket called while stopped", ErrConfig)
	}

	var nEvents = int(sp.sytInterval)
	if sp.cfg.Blocking == BlockingModeEmptyOnIdle && sp.Buffer.FrameCount() == 0 {
		nEvents = 0
	}

	if req.MaxEvents > 0 && nEvents > req.MaxEvents {
		nEvents = req.MaxEvents
	}

	if nEvents > sp.Buffer.FrameCount() {
		nEvents = sp.Buffer.FrameCount()
	}

	var header = CIPHeader{
		DBS: byte(sp.cfg.Dimension),
		DBC: byte(atomic.AddUint32(&sp.dbc, uint32(nEvents)) - uint32(nEvents)),
		FMT: FMTAMDTP,
	}

	var fdf, fdfErr = fdfForRate(sp.cfg.SampleRate)
	if fdfErr != nil {
		return nil, fdfErr
	}

	header.FDF = fdf

	sp.beginDryRunning()

	var payload = make([]byte, nEvents*sp.cfg.Dimension*4)

	if nEvents > 0 {
		var presentationTS = sp.Buffer.TimestampFromHead(0)

		if readErr := sp.Buffer.ReadFrames(nEvents, payload); readErr != nil {
			sp.log.Warnf("xrun on transmit: %v", readErr)

			if sp.xruns != nil {
				sp.xruns.notifyXrun(sp, readErr)
			}

			return nil, readErr
		}

		var ct = FromTicks(presentationTS)
		header.SYT = (uint16(ct.Cycles&0xf) << 12) | uint16(ct.Offset)

		sp.framesDelivered.Add(uint64(nEvents))

		if sp.manager != nil {
			sp.manager.notifyFrameArrival(sp)
		}
	} else {
		header.SYT = SYTNoInfo
	}

	return append(header.Encode(), payload...), nil
}

// TransferIn moves one period's worth of frames from the buffer (AM824
// bytes, as received off the wire) into enabled capture Ports, decoding via
// the AM824 codec. Called by the Manager at a period boundary, spec.md
// section 4.4's "Port handling".
func (sp *StreamProcessor) TransferIn(periodSize int) error {
	return sp.Buffer.BlockProcessRead(periodSize, codecDecodeClient{sp: sp})
}

// TransferOut moves one period's worth of frames from enabled playback
// Ports into the buffer, encoding via the AM824 codec, ready for FillPacket
// to drain onto the wire.
func (sp *StreamProcessor) TransferOut(periodSize int, ts float64) error {
	return sp.Buffer.BlockProcessWrite(periodSize, ts, codecEncodeClient{sp: sp})
}

// codecEncodeClient adapts a StreamProcessor's playback Ports into the
// BlockProcessClient contract used by BlockProcessWrite: it encodes port
// buffers into the acquired ring region via the AM824 codec.
type codecEncodeClient struct {
	sp *StreamProcessor
}

func (c codecEncodeClient) ProcessReadBlock(buf []byte, nframes int, offset int) error {
	return fmt.Errorf("%w: codecEncodeClient does not support read blocks", ErrConfig)
}

func (c codecEncodeClient) ProcessWriteBlock(buf []byte, nframes int, offset int) error {
	for _, p := range c.sp.Ports {
		if !p.Enabled {
			continue
		}

		switch p.Kind {
		case PortAudioInt24:
			if err := EncodeAudioInt24(buf, c.sp.layout, p.Position, nframes, p.audioInt24[offset:offset+nframes]); err != nil {
				return err
			}
		case PortAudioFloat:
			if err := EncodeAudioFloat(buf, c.sp.layout, p.Position, nframes, p.audioFloat[offset:offset+nframes]); err != nil {
				return err
			}
		case PortMIDI:
			if nframes%clusterQuantum != 0 {
				continue
			}

			var groups = make([]*byte, nframes/clusterQuantum)

			for g := range groups {
				if b, ok := p.PopMIDI(); ok {
					var bb = b
					groups[g] = &bb
				}
			}

			if err := EncodeMIDI(buf, c.sp.layout, p.Position, p.Location, nframes, groups); err != nil {
				return err
			}
		}
	}

	return nil
}

// codecDecodeClient is the receive-side analogue, used by TransferIn to
// decode a period's worth of ring contents into capture Port buffers.
type codecDecodeClient struct {
	sp *StreamProcessor
}

func (c codecDecodeClient) ProcessWriteBlock(buf []byte, nframes int, offset int) error {
	return fmt.Errorf("%w: codecDecodeClient does not support write blocks", ErrConfig)
}

func (c codecDecodeClient) ProcessReadBlock(buf []byte, nframes int, offset int) error {
	for _, p := range c.sp.Ports {
		if !p.Enabled {
			continue
		}

		switch p.Kind {
		case PortAudioInt24:
			if err := DecodeAudioInt24(buf, c.sp.layout, p.Position, nframes, p.audioInt24[offset:offset+nframes]); err != nil {
				return err
			}
		case PortAudioFloat:
			if err := DecodeAudioFloat(buf, c.sp.layout, p.Position, nframes, p.audioFloat[offset:offset+nframes]); err != nil {
				return err
			}
		case PortMIDI:
			if nframes%clusterQuantum != 0 {
				continue
			}

			var events, err = DecodeMIDI(buf, c.sp.layout, p.Position, p.Location, nframes)
			if err != nil {
				return err
			}

			for _, ev := range events {
				if ev.HasData {
					p.PushMIDI(ev.Byte)
				}
			}
		}
	}

	return nil
}
