package ffado

/*------------------------------------------------------------------
 *
 * Purpose:	Time-aware frame ring with an embedded second-order DLL
 *		that tracks the device's effective sample rate.
 *
 * Description:	Ported from FFADO's Util::TimestampedBuffer
 *		(libffado/src/libutil/TimestampedBuffer.cpp). Every write
 *		of update_period frames to the ring is accompanied by a
 *		timestamp; the DLL compares that timestamp against its own
 *		prediction and adjusts tail_ts, next_tail_ts and rate
 *		accordingly. Between updates, the timestamp of any frame
 *		in the buffer is obtained by extrapolating from tail_ts at
 *		the current rate.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"math"
	"sync"

	"github.com/ffadogo/streaming/internal/dwlog"
)

const (
	dllSqrt2 = math.Sqrt2
	dll2Pi   = 2 * math.Pi

	// DefaultBandwidth is the DLL bandwidth used when none is requested,
	// matching FFADO's default of approximately 1 Hz.
	DefaultBandwidth = 1.0

	// driftSnapThreshold is the 10% deviation mentioned in spec.md
	// section 4.2 as a sentinel for lost lock.
	driftSnapThreshold = 0.10
)

// BufferConfig carries the parameters that must be set before Prepare.
type BufferConfig struct {
	EventSize      int     // bytes per event
	EventsPerFrame int     // events per frame (cluster width)
	BufferSize     int     // frames
	NominalRate    float64 // ticks per frame
	UpdatePeriod   uint    // frames between DLL updates (SYT interval)
	WrapAt         float64 // timestamp modulus, usually ffado.Wrap

	// SnapToNominalOnDrift controls the spec's open question about
	// snapping rate back to NominalRate when |rate-nominal| exceeds 10%.
	// Defaults to false: the deviation is logged but rate is left alone.
	SnapToNominalOnDrift bool

	// Bandwidth is the DLL bandwidth in absolute Hz. Zero means
	// DefaultBandwidth.
	Bandwidth float64
}

// BlockProcessClient is the zero-copy callback capability used by
// BlockProcessWrite/BlockProcessRead. TimestampedBuffer holds no reference
// to it outside of the call itself - it is handed a short-lived reference
// per spec.md section 9's resolution of the "cyclic client callback" design
// note.
type BlockProcessClient interface {
	// ProcessWriteBlock is invoked with a contiguous region of the ring
	// (nframes frames long) that the client should fill, offset frames
	// into the logical block being written.
	ProcessWriteBlock(buf []byte, nframes int, offset int) error

	// ProcessReadBlock is the read-side analogue: buf already holds
	// nframes frames of ring contents for the client to consume.
	ProcessReadBlock(buf []byte, nframes int, offset int) error
}

// TimestampedBuffer is a frame-indexed ring with an embedded DLL.
// Exactly one producer (write_frames/block_process_write) and one consumer
// (read_frames/block_process_read) may use a given instance; see spec.md
// section 5 for the concurrency model this assumes.
type TimestampedBuffer struct {
	cfg BufferConfig
	log *dwlog.Logger

	ring    *frameRing
	cluster []byte // scratch: 8 * EventsPerFrame * EventSize bytes

	mu           sync.Mutex
	framecounter int
	tailTS       float64
	nextTailTS   float64
	rate         float64
	dllB         float64
	dllC         float64
	dllE2        float64

	prepared bool
	// transparent disables the data path but keeps the DLL tracking
	// timestamps fed via write_frames; see spec.md section 4.2.
	transparent bool
}

// NewTimestampedBuffer constructs an unconfigured, unprepared buffer.
func NewTimestampedBuffer(log *dwlog.Logger) *TimestampedBuffer {
	if log == nil {
		log = dwlog.Discard()
	}

	return &TimestampedBuffer{log: log}
}

// Configure sets the buffer's static parameters. All of them must be
// nonzero; Configure rejects zeros and leaves the buffer unprepared.
func (b *TimestampedBuffer) Configure(cfg BufferConfig) error {
	if cfg.EventSize <= 0 || cfg.EventsPerFrame <= 0 || cfg.BufferSize <= 0 ||
		cfg.NominalRate <= 0 || cfg.UpdatePeriod == 0 || cfg.WrapAt <= 0 {
		return fmt.Errorf("%w: all of event size, events per frame, buffer size, "+
			"nominal rate, update period and wrap value must be nonzero", ErrConfig)
	}

	if cfg.Bandwidth == 0 {
		cfg.Bandwidth = DefaultBandwidth
	}

	b.cfg = cfg

	return nil
}

// bytesPerFrame is EventSize * EventsPerFrame.
func (b *TimestampedBuffer) bytesPerFrame() int {
	return b.cfg.EventSize * b.cfg.EventsPerFrame
}

// Prepare allocates the ring and cluster staging buffer and initializes the
// DLL. Configure must have succeeded first.
func (b *TimestampedBuffer) Prepare() error {
	if b.cfg.BufferSize == 0 {
		return fmt.Errorf("%w: Prepare called before a successful Configure", ErrConfig)
	}

	b.ring = newFrameRing(b.cfg.BufferSize, b.bytesPerFrame())
	b.cluster = make([]byte, 8*b.bytesPerFrame())

	b.mu.Lock()
	b.framecounter = 0
	b.tailTS = 0
	b.dllE2 = b.cfg.NominalRate * float64(b.cfg.UpdatePeriod)
	b.nextTailTS = wrapAt(b.tailTS+b.dllE2, b.cfg.WrapAt)
	b.rate = b.cfg.NominalRate
	b.mu.Unlock()

	if err := b.SetBandwidth(b.cfg.Bandwidth); err != nil {
		return err
	}

	b.prepared = true

	return nil
}

// Reset clears frame count and DLL state but keeps the Configure'd
// parameters and the cluster staging buffer; the ring is replaced by a
// freshly allocated, empty one.
func (b *TimestampedBuffer) Reset() error {
	if !b.prepared {
		return fmt.Errorf("%w: Reset called before Prepare", ErrConfig)
	}

	b.ring = newFrameRing(b.cfg.BufferSize, b.bytesPerFrame())

	b.mu.Lock()
	b.framecounter = 0
	b.tailTS = 0
	b.dllE2 = b.cfg.NominalRate * float64(b.cfg.UpdatePeriod)
	b.nextTailTS = wrapAt(b.tailTS+b.dllE2, b.cfg.WrapAt)
	b.rate = b.cfg.NominalRate
	b.mu.Unlock()

	return nil
}

// SetTransparent toggles the pass-through-disabled mode: writes still
// update the DLL from the supplied timestamp but frames are discarded
// rather than stored.
func (b *TimestampedBuffer) SetTransparent(t bool) { b.transparent = t }

func wrapAt(ts, wrapValue float64) float64 {
	var m = math.Mod(ts, wrapValue)
	if m < 0 {
		m += wrapValue
	}

	return m
}

func diffAt(a, b, wrapValue float64) float64 {
	var diff = wrapAt(a-b, wrapValue)
	if diff > wrapValue/2 {
		diff -= wrapValue
	}

	return diff
}

// SetBandwidth sets the DLL's effective bandwidth in absolute Hz:
// tupdate = nominal_rate*update_period ticks, expressed in seconds
// (divided by TicksPerSecond); omega = bw*tupdate must be < 0.5,
// b = sqrt(2)*2*pi*omega, c = (2*pi*omega)^2. On failure the previous
// bandwidth is retained.
func (b *TimestampedBuffer) SetBandwidth(bw float64) error {
	var tupdate = b.cfg.NominalRate * float64(b.cfg.UpdatePeriod) / TicksPerSecond
	var omega = bw * tupdate

	if omega >= 0.5 {
		return fmt.Errorf("%w: bw=%g exceeds %g for update period %d",
			ErrBandwidth, bw, 0.5/tupdate, b.cfg.UpdatePeriod)
	}

	b.mu.Lock()
	b.dllB = omega * dllSqrt2 * dll2Pi
	b.dllC = omega * omega * dll2Pi * dll2Pi
	b.cfg.Bandwidth = bw
	b.mu.Unlock()

	return nil
}

// SetTailTimestamp snaps the tail to ts and resets the DLL's prediction and
// integrator to nominal - how a slave StreamProcessor adopts the sync
// master's timeline.
func (b *TimestampedBuffer) SetTailTimestamp(ts float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tailTS = wrapAt(ts, b.cfg.WrapAt)
	b.dllE2 = b.cfg.NominalRate * float64(b.cfg.UpdatePeriod)
	b.nextTailTS = wrapAt(b.tailTS+b.dllE2, b.cfg.WrapAt)
	b.rate = b.cfg.NominalRate
}

// SetHeadTimestamp sets the tail such that the head (oldest resident frame)
// has timestamp ts - used by transmit StreamProcessors at prefill time.
func (b *TimestampedBuffer) SetHeadTimestamp(ts float64) {
	b.mu.Lock()
	var fc = b.framecounter
	var rate = b.rate
	b.mu.Unlock()

	var newTail = wrapAt(ts+float64(fc)*rate, b.cfg.WrapAt)
	b.SetTailTimestamp(newTail)
}

// incrementFrameCounter is the DLL update core, invoked for every completed
// update_period-sized write. err, the signed, wrap-aware deviation between
// predicted and actual timestamp, drives the second-order loop.
func (b *TimestampedBuffer) incrementFrameCounter(n int, ts float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.framecounter += n

	if uint(n) != b.cfg.UpdatePeriod {
		// Partial update (e.g. preload or a short final write): advance
		// the frame counter only, no DLL correction.
		return
	}

	var err = diffAt(ts, b.nextTailTS, b.cfg.WrapAt)

	b.tailTS = b.nextTailTS
	b.nextTailTS = wrapAt(b.nextTailTS+b.dllB*err+b.dllE2, b.cfg.WrapAt)
	b.dllE2 += b.dllC * err

	var newRate = diffAt(b.nextTailTS, b.tailTS, b.cfg.WrapAt) / float64(b.cfg.UpdatePeriod)
	b.rate = newRate

	if b.cfg.NominalRate != 0 {
		var deviation = math.Abs(newRate-b.cfg.NominalRate) / b.cfg.NominalRate
		if deviation > driftSnapThreshold {
			b.log.Warnf("DLL deviation %.1f%% from nominal rate (rate=%g nominal=%g)",
				deviation*100, newRate, b.cfg.NominalRate)

			if b.cfg.SnapToNominalOnDrift {
				b.rate = b.cfg.NominalRate
			}
		}
	}
}

// WriteFrames appends n frames from src to the tail and folds ts into the
// DLL. Fails with ErrRingFull if the ring has no room.
func (b *TimestampedBuffer) WriteFrames(n int, src []byte, ts float64) error {
	if b.transparent {
		b.incrementFrameCounter(n, ts)

		return nil
	}

	if err := b.ring.Write(n, src); err != nil {
		return err
	}

	b.incrementFrameCounter(n, ts)

	return nil
}

// ReadFrames pops n frames from the head into dst. Fails with ErrRingEmpty
// if fewer than n are resident.
func (b *TimestampedBuffer) ReadFrames(n int, dst []byte) error {
	if err := b.ring.Read(n, dst); err != nil {
		return err
	}

	b.mu.Lock()
	b.framecounter -= n
	b.mu.Unlock()

	return nil
}

// PreloadFrames inserts n frames without advancing the DLL (no rate/next_tail
// update), optionally keeping either the head or the tail timestamp fixed -
// see spec.md section 9's resolution of the "dummy frames" design note.
func (b *TimestampedBuffer) PreloadFrames(n int, src []byte, keepHeadTS bool) error {
	b.mu.Lock()
	var headTSBefore = b.headTimestampLocked()
	b.mu.Unlock()

	if err := b.ring.Write(n, src); err != nil {
		return err
	}

	b.mu.Lock()
	b.framecounter += n
	if keepHeadTS {
		// Tail must move forward by n*rate to keep the head fixed.
		b.tailTS = wrapAt(headTSBefore+float64(b.framecounter)*b.rate, b.cfg.WrapAt)
	}
	b.mu.Unlock()

	return nil
}

// DropFrames discards n head frames without copying them anywhere.
func (b *TimestampedBuffer) DropFrames(n int) error {
	if err := b.ring.Drop(n); err != nil {
		return err
	}

	b.mu.Lock()
	b.framecounter -= n
	b.mu.Unlock()

	return nil
}

// clusterQuantum is the 8-frame alignment block_process_* must respect so
// the AM824 MIDI demultiplexer always sees full DBC-aligned blocks.
const clusterQuantum = 8

// BlockProcessWrite acquires contiguous write regions of the ring in
// 8-frame-aligned chunks and invokes client.ProcessWriteBlock for each,
// staging through the cluster buffer near wrap-around or when the
// contiguous region is smaller than clusterQuantum frames.
func (b *TimestampedBuffer) BlockProcessWrite(n int, ts float64, client BlockProcessClient) error {
	if n > b.ring.Free() {
		return fmt.Errorf("%w: need %d frames, have %d free", ErrRingFull, n, b.ring.Free())
	}

	var offset = 0
	for offset < n {
		var remaining = n - offset
		var region = b.ring.ContiguousWriteRegion(remaining)

		if len(region) >= clusterQuantum*b.bytesPerFrame() || len(region) == remaining*b.bytesPerFrame() {
			var chunkFrames = len(region) / b.bytesPerFrame()

			if chunkFrames != remaining {
				// Not the full remaining amount, so a wrap follows: round
				// down to a cluster boundary and leave the rest for the
				// next, cluster-aligned iteration.
				chunkFrames = (chunkFrames / clusterQuantum) * clusterQuantum
			}

			var region = region[:chunkFrames*b.bytesPerFrame()]
			if err := client.ProcessWriteBlock(region, chunkFrames, offset); err != nil {
				return err
			}

			b.ring.CommitWrite(chunkFrames)
			offset += chunkFrames

			continue
		}

		// Near wrap, or too small a contiguous run: stage through the
		// cluster scratch buffer, clusterQuantum frames at a time.
		var chunkFrames = min(clusterQuantum, remaining)
		var staging = b.cluster[:chunkFrames*b.bytesPerFrame()]

		if err := client.ProcessWriteBlock(staging, chunkFrames, offset); err != nil {
			return err
		}

		if err := b.ring.Write(chunkFrames, staging); err != nil {
			return err
		}

		offset += chunkFrames
	}

	b.incrementFrameCounter(n, ts)

	return nil
}

// BlockProcessRead is the read-side analogue of BlockProcessWrite.
func (b *TimestampedBuffer) BlockProcessRead(n int, client BlockProcessClient) error {
	if n > b.ring.Fill() {
		return fmt.Errorf("%w: need %d frames, have %d resident", ErrRingEmpty, n, b.ring.Fill())
	}

	var offset = 0
	for offset < n {
		var remaining = n - offset
		var region = b.ring.ContiguousReadRegion(remaining)

		if len(region) >= clusterQuantum*b.bytesPerFrame() || len(region) == remaining*b.bytesPerFrame() {
			var chunkFrames = len(region) / b.bytesPerFrame()

			if chunkFrames != remaining {
				// Not the full remaining amount, so a wrap follows: round
				// down to a cluster boundary and leave the rest for the
				// next, cluster-aligned iteration.
				chunkFrames = (chunkFrames / clusterQuantum) * clusterQuantum
			}

			var region = region[:chunkFrames*b.bytesPerFrame()]
			if err := client.ProcessReadBlock(region, chunkFrames, offset); err != nil {
				return err
			}

			b.ring.CommitRead(chunkFrames)
			offset += chunkFrames

			continue
		}

		var chunkFrames = min(clusterQuantum, remaining)
		var staging = b.cluster[:chunkFrames*b.bytesPerFrame()]

		if err := b.ring.Read(chunkFrames, staging); err != nil {
			return err
		}

		if err := client.ProcessReadBlock(staging, chunkFrames, offset); err != nil {
			return err
		}

		offset += chunkFrames
	}

	b.mu.Lock()
	b.framecounter -= n
	b.mu.Unlock()

	return nil
}

func (b *TimestampedBuffer) headTimestampLocked() float64 {
	return wrapAt(b.tailTS-float64(b.framecounter)*b.rate, b.cfg.WrapAt)
}

// BufferHeadTimestamp returns the (timestamp, framecounter) of the oldest
// resident frame, read atomically.
func (b *TimestampedBuffer) BufferHeadTimestamp() (float64, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.headTimestampLocked(), b.framecounter
}

// BufferTailTimestamp returns (tail_ts, framecounter) atomically.
func (b *TimestampedBuffer) BufferTailTimestamp() (float64, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.tailTS, b.framecounter
}

// TimestampFromTail returns the timestamp of the frame k positions before
// the tail; k may exceed framecounter for extrapolation into the future.
func (b *TimestampedBuffer) TimestampFromTail(k int) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return wrapAt(b.tailTS-float64(k)*b.rate, b.cfg.WrapAt)
}

// TimestampFromHead returns the timestamp of the frame k positions after the
// head.
func (b *TimestampedBuffer) TimestampFromHead(k int) float64 {
	b.mu.Lock()
	var fc = b.framecounter
	b.mu.Unlock()

	return b.TimestampFromTail(fc - k)
}

// Rate returns the current ticks-per-frame estimate.
func (b *TimestampedBuffer) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.rate
}

// FrameCount returns the number of frames currently resident.
func (b *TimestampedBuffer) FrameCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.framecounter
}

// Free returns the number of frames of free space in the ring.
func (b *TimestampedBuffer) Free() int {
	return b.ring.Free()
}
