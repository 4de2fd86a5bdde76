package ffado

import "errors"

// Error kinds per spec.md section 7. These are sentinels, not a type
// hierarchy - callers use errors.Is against the category the spec names,
// and wrap them with fmt.Errorf("%w: ...") for detail, matching the
// teacher's preference for plain errors.New/fmt.Errorf over bespoke error
// types (see src/cm108.go, src/dwgpsnmea.go in the reference pack).
var (
	// ErrConfig covers invalid sizes, rate, or update period supplied
	// before Prepare. No resources are allocated when this is returned.
	ErrConfig = errors.New("ffado: configuration error")

	// ErrResource covers allocation failure during Prepare.
	ErrResource = errors.New("ffado: resource allocation error")

	// ErrBandwidth is returned by SetBandwidth when omega >= 0.5; the
	// previous bandwidth is retained.
	ErrBandwidth = errors.New("ffado: bandwidth out of range")

	// ErrRingFull is a write-side xrun: the ring had no room for the
	// frames being written.
	ErrRingFull = errors.New("ffado: ring full (xrun)")

	// ErrRingEmpty is a read-side xrun: the ring didn't have enough
	// frames resident to satisfy the read.
	ErrRingEmpty = errors.New("ffado: ring empty (xrun)")

	// ErrMalformedPacket marks a packet that failed CIP header
	// validation. It is not escalated to the client; the StreamProcessor
	// drops the packet and counts it.
	ErrMalformedPacket = errors.New("ffado: malformed packet")

	// ErrSyncMasterLost is terminal: the sync-master StreamProcessor
	// reported repeated xruns, or wait_for_period timed out waiting on
	// it. The session must be torn down.
	ErrSyncMasterLost = errors.New("ffado: sync master lost")

	// ErrTransport bubbles up from the transport collaborator and is
	// treated identically to ErrSyncMasterLost.
	ErrTransport = errors.New("ffado: transport error")

	// ErrXrun is returned by WaitForPeriod for the one period following
	// an xrun-triggered recovery.
	ErrXrun = errors.New("ffado: xrun, buffers realigned")
)
