package ffado

/*------------------------------------------------------------------
 *
 * Purpose:	A typed endpoint exposed to the client: audio int24,
 *		audio float, or MIDI byte stream.
 *
 *---------------------------------------------------------------*/

import "fmt"

// Direction is a Port's data flow relative to the device.
type Direction int

const (
	DirectionCapture Direction = iota
	DirectionPlayback
)

// PortKind is the client-visible data type of a Port.
type PortKind int

const (
	PortAudioInt24 PortKind = iota
	PortAudioFloat
	PortMIDI
)

func (k PortKind) String() string {
	switch k {
	case PortAudioInt24:
		return "audio-int24"
	case PortAudioFloat:
		return "audio-float"
	case PortMIDI:
		return "midi"
	default:
		return "unknown"
	}
}

// midiRingSize is the depth of a MIDI port's internal byte ring.
const midiRingSize = 1024

// Port is a single channel slot of an AM824 cluster, exposed to the client
// application. Audio ports borrow an external sample buffer set by the
// client via SetAudioInt24Buffer or SetAudioFloatBuffer; MIDI ports own an
// internal byte ring.
type Port struct {
	Name      string
	Direction Direction
	Kind      PortKind
	Position  int // channel slot index within the cluster
	Location  int // MIDI only: TDM sub-slot 0..7

	Enabled bool

	audioInt24 []int32
	audioFloat []float64

	midi midiRing
}

// NewAudioPort constructs a capture or playback audio port at the given
// cluster position.
func NewAudioPort(name string, dir Direction, kind PortKind, position int) (*Port, error) {
	if kind != PortAudioInt24 && kind != PortAudioFloat {
		return nil, fmt.Errorf("%w: NewAudioPort called with kind %v", ErrConfig, kind)
	}

	return &Port{Name: name, Direction: dir, Kind: kind, Position: position, Enabled: true}, nil
}

// NewMIDIPort constructs a MIDI port at the given cluster position and TDM
// sub-slot location (0..7).
func NewMIDIPort(name string, dir Direction, position, location int) (*Port, error) {
	if location < 0 || location > 7 {
		return nil, fmt.Errorf("%w: MIDI location must be 0..7, got %d", ErrConfig, location)
	}

	return &Port{
		Name: name, Direction: dir, Kind: PortMIDI, Position: position, Location: location,
		Enabled: true,
		midi:    newMIDIRing(midiRingSize),
	}, nil
}

// SetAudioInt24Buffer binds the port to a client-owned int24 sample buffer.
func (p *Port) SetAudioInt24Buffer(buf []int32) error {
	if p.Kind != PortAudioInt24 {
		return fmt.Errorf("%w: port %q is not audio-int24", ErrConfig, p.Name)
	}

	p.audioInt24 = buf

	return nil
}

// SetAudioFloatBuffer binds the port to a client-owned float sample buffer.
func (p *Port) SetAudioFloatBuffer(buf []float64) error {
	if p.Kind != PortAudioFloat {
		return fmt.Errorf("%w: port %q is not audio-float", ErrConfig, p.Name)
	}

	p.audioFloat = buf

	return nil
}

// midiRing is a small byte-oriented SPSC ring backing a MIDI port. It holds
// plain bytes with no per-byte tag: only bytes that carried MIDI data are
// queued, and no-data slots of the wire format are never stored.
type midiRing struct {
	buf  []byte
	head int
	tail int
	fill int
}

func newMIDIRing(size int) midiRing {
	return midiRing{buf: make([]byte, size)}
}

func (r *midiRing) Push(b byte) bool {
	if r.fill == len(r.buf) {
		return false
	}

	r.buf[r.tail] = b
	r.tail = (r.tail + 1) % len(r.buf)
	r.fill++

	return true
}

func (r *midiRing) Pop() (byte, bool) {
	if r.fill == 0 {
		return 0, false
	}

	var b = r.buf[r.head]
	r.head = (r.head + 1) % len(r.buf)
	r.fill--

	return b, true
}

func (r *midiRing) Len() int { return r.fill }

// PushMIDI appends a byte to a MIDI port's internal ring (capture direction,
// fed by the codec's demux pass). Returns false if the ring is full.
func (p *Port) PushMIDI(b byte) bool { return p.midi.Push(b) }

// PopMIDI removes the oldest byte from a MIDI port's internal ring
// (playback direction, drained by the codec's mux pass).
func (p *Port) PopMIDI() (byte, bool) { return p.midi.Pop() }

// MIDIPending reports how many bytes are queued in a MIDI port's ring.
func (p *Port) MIDIPending() int { return p.midi.Len() }
