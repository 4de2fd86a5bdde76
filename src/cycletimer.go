package ffado

/*------------------------------------------------------------------
 *
 * Purpose:	Modular arithmetic over the 1394 bus's 32-bit cycle timer.
 *
 * Description:	The cycle timer is a free-running 32-bit hardware counter
 *		with three bitfields:
 *
 *			seconds (bits 25-31, mod 128)
 *			cycles  (bits 12-24, mod 8000)
 *			offset  (bits 0-11,  mod 3072)
 *
 *		One cycle is 3072 ticks (125 microseconds), so one second
 *		is 8000 * 3072 = 24,576,000 ticks. The whole timer wraps
 *		every 128 seconds. All arithmetic on timestamps derived
 *		from it must wrap at that modulus, even when intermediate
 *		values are float-typed (DLL state).
 *
 *---------------------------------------------------------------*/

const (
	// TicksPerCycle is the number of 24.576 MHz ticks in one 125us cycle.
	TicksPerCycle = 3072
	// CyclesPerSecond is the number of cycles in one second of bus time.
	CyclesPerSecond = 8000
	// TicksPerSecond is the tick rate of the 1394 cycle timer.
	TicksPerSecond = TicksPerCycle * CyclesPerSecond
	// SecondsWrap is the modulus of the cycle timer's seconds field.
	SecondsWrap = 128
	// Wrap is the modulus of the full tick-valued cycle timer, ~128s.
	Wrap = float64(SecondsWrap * TicksPerSecond)
)

// CycleTimer is the decoded form of the 32-bit hardware cycle timer
// register: [seconds:7 | cycles:13 | offset:12], packed little-endian as
// specified by the 1394 OHCI isochronous cycle timer.
type CycleTimer struct {
	Seconds uint32 // mod SecondsWrap
	Cycles  uint32 // mod CyclesPerSecond
	Offset  uint32 // mod TicksPerCycle
}

// FromRegister decodes a raw 32-bit cycle timer register value.
func FromRegister(reg uint32) CycleTimer {
	return CycleTimer{
		Seconds: (reg >> 25) & 0x7f,
		Cycles:  (reg >> 12) & 0x1fff,
		Offset:  reg & 0xfff,
	}
}

// Register re-encodes the CycleTimer into the 32-bit wire format.
func (ct CycleTimer) Register() uint32 {
	return ((ct.Seconds % SecondsWrap) << 25) |
		((ct.Cycles % CyclesPerSecond) << 12) |
		(ct.Offset % TicksPerCycle)
}

// ToTicks converts a decoded CycleTimer into an absolute tick count modulo
// Wrap.
func (ct CycleTimer) ToTicks() float64 {
	return float64(ct.Seconds%SecondsWrap)*TicksPerSecond +
		float64(ct.Cycles%CyclesPerSecond)*TicksPerCycle +
		float64(ct.Offset % TicksPerCycle)
}

// FromTicks decodes an absolute (wrapped) tick count back into cycle-timer
// fields.
func FromTicks(ticks float64) CycleTimer {
	var wrapped = wrapTicks(ticks)
	var totalTicks = uint64(wrapped)

	return CycleTimer{
		Seconds: uint32(totalTicks/TicksPerSecond) % SecondsWrap,
		Cycles:  uint32((totalTicks/TicksPerCycle)%CyclesPerSecond) % CyclesPerSecond,
		Offset:  uint32(totalTicks % TicksPerCycle),
	}
}

// wrapTicks reduces a (possibly negative, possibly far out of range) tick
// value into [0, Wrap).
func wrapTicks(t float64) float64 {
	var m = math_mod(t, Wrap)
	if m < 0 {
		m += Wrap
	}

	return m
}

// math_mod is a tiny floating-point modulus helper kept local so callers
// don't need to pull in math.Mod for a single call site used everywhere in
// this file.
func math_mod(x, y float64) float64 {
	if y == 0 {
		return x
	}

	var n = x / y
	var i = float64(int64(n))
	if n < 0 && i != n {
		i -= 1
	}

	return x - i*y
}

// AddTicks returns (a + n) mod Wrap.
func AddTicks(a, n float64) float64 {
	return wrapTicks(a + n)
}

// SubtractTicks returns (a - n + Wrap) mod Wrap.
func SubtractTicks(a, n float64) float64 {
	return wrapTicks(a - n)
}

// DiffTicks returns the signed difference (a - b) wrapped into
// (-Wrap/2, +Wrap/2], i.e. the shortest signed distance from b to a on the
// wrap-around timeline.
func DiffTicks(a, b float64) float64 {
	var diff = wrapTicks(a - b)
	if diff > Wrap/2 {
		diff -= Wrap
	}

	return diff
}
