package ffado

/*------------------------------------------------------------------
 *
 * Purpose:	Lock-free single-producer/single-consumer frame ring,
 *		backing TimestampedBuffer's frame storage.
 *
 * Description:	A byte ring sized in whole frames. The producer (the
 *		transport's receive callback, or the client on transmit
 *		prefill) and the consumer (the opposite side) never
 *		touch each other's index: head is owned by the reader,
 *		tail by the writer, and fill is derived, not stored, so
 *		there is nothing to synchronize here. The *scalar* DLL
 *		state living alongside this ring (timestamps, rate) is
 *		what needs the mutex, in TimestampedBuffer.
 *
 *---------------------------------------------------------------*/

import "fmt"

// frameRing is a fixed-capacity ring buffer addressed in whole frames of
// bytesPerFrame bytes each.
type frameRing struct {
	buf           []byte
	bytesPerFrame int
	capacity      int // in frames

	head int // index (in frames) of oldest resident frame
	tail int // index (in frames) of next frame slot to write
	fill int // frames currently resident
}

func newFrameRing(capacityFrames, bytesPerFrame int) *frameRing {
	return &frameRing{
		buf:           make([]byte, capacityFrames*bytesPerFrame),
		bytesPerFrame: bytesPerFrame,
		capacity:      capacityFrames,
	}
}

func (r *frameRing) Fill() int { return r.fill }

func (r *frameRing) Free() int { return r.capacity - r.fill }

// Write appends n frames from src (n*bytesPerFrame bytes) at the tail.
func (r *frameRing) Write(n int, src []byte) error {
	if n > r.Free() {
		return fmt.Errorf("%w: need %d frames, have %d free", ErrRingFull, n, r.Free())
	}

	if len(src) < n*r.bytesPerFrame {
		return fmt.Errorf("%w: source too short for %d frames", ErrConfig, n)
	}

	var written = 0
	for written < n {
		var chunk = min(n-written, r.capacity-r.tail)
		var off = r.tail * r.bytesPerFrame
		copy(r.buf[off:off+chunk*r.bytesPerFrame], src[written*r.bytesPerFrame:(written+chunk)*r.bytesPerFrame])
		r.tail = (r.tail + chunk) % r.capacity
		written += chunk
	}

	r.fill += n

	return nil
}

// Read pops n frames from the head into dst.
func (r *frameRing) Read(n int, dst []byte) error {
	if n > r.fill {
		return fmt.Errorf("%w: need %d frames, have %d resident", ErrRingEmpty, n, r.fill)
	}

	if len(dst) < n*r.bytesPerFrame {
		return fmt.Errorf("%w: destination too short for %d frames", ErrConfig, n)
	}

	var nread = 0
	for nread < n {
		var chunk = min(n-nread, r.capacity-r.head)
		var off = r.head * r.bytesPerFrame
		copy(dst[nread*r.bytesPerFrame:(nread+chunk)*r.bytesPerFrame], r.buf[off:off+chunk*r.bytesPerFrame])
		r.head = (r.head + chunk) % r.capacity
		nread += chunk
	}

	r.fill -= n

	return nil
}

// Drop discards n frames from the head without copying them anywhere.
func (r *frameRing) Drop(n int) error {
	if n > r.fill {
		return fmt.Errorf("%w: need to drop %d frames, have %d resident", ErrRingEmpty, n, r.fill)
	}

	r.head = (r.head + n) % r.capacity
	r.fill -= n

	return nil
}

// ContiguousWriteRegion returns a slice of the ring's backing array, starting
// at the tail, of at most maxFrames frames (fewer if it would wrap), for
// zero-copy writers. The caller must follow up with CommitWrite.
func (r *frameRing) ContiguousWriteRegion(maxFrames int) []byte {
	var avail = min(maxFrames, r.capacity-r.tail, r.Free())
	if avail <= 0 {
		return nil
	}

	var off = r.tail * r.bytesPerFrame

	return r.buf[off : off+avail*r.bytesPerFrame]
}

func (r *frameRing) CommitWrite(n int) {
	r.tail = (r.tail + n) % r.capacity
	r.fill += n
}

// ContiguousReadRegion is the read-side analogue of ContiguousWriteRegion.
func (r *frameRing) ContiguousReadRegion(maxFrames int) []byte {
	var avail = min(maxFrames, r.capacity-r.head, r.fill)
	if avail <= 0 {
		return nil
	}

	var off = r.head * r.bytesPerFrame

	return r.buf[off : off+avail*r.bytesPerFrame]
}

func (r *frameRing) CommitRead(n int) {
	r.head = (r.head + n) % r.capacity
	r.fill -= n
}
