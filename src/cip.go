package ffado

/*------------------------------------------------------------------
 *
 * Purpose:	Common Isochronous Packet (CIP) header: the two
 *		quadlets of framing that precede every AMDTP payload.
 *
 * Description:	Wire layout per spec.md section 6:
 *
 *		Quadlet 0: [sid:6 | 00:2 | dbs:8 | fn:2 | qpc:3 | sph:1 | rsv:2 | dbc:8]
 *		Quadlet 1: [fmt:6 | 10:2 | fdf:8 | syt:16]
 *
 *---------------------------------------------------------------*/

import (
	"encoding/binary"
	"fmt"
)

// AMDTP format-dependent field values (sample rate family), spec.md §6.
const (
	FDF44100 byte = 0x00
	FDF48000 byte = 0x01
	FDF88200 byte = 0x02
	FDF96000 byte = 0x03
	FDF176400 byte = 0x04
	FDF192000 byte = 0x05
	FDFNoData byte = 0xff
)

// FMTAMDTP is the CIP fmt field value identifying AMDTP/IEC 61883-6.
const FMTAMDTP byte = 0x10

// SYTNoInfo marks a packet as carrying no usable timestamp.
const SYTNoInfo uint16 = 0xffff

// CIPHeader is the decoded two-quadlet header preceding every isochronous
// packet's payload.
type CIPHeader struct {
	SID byte // source ID, 6 bits
	DBS byte // data block size in quadlets (cluster width)
	FN  byte // fraction number, 2 bits
	QPC byte // quadlet padding count, 3 bits
	SPH bool // source packet header present
	DBC byte // data block counter, wraps mod 256

	FMT byte // format, 6 bits; FMTAMDTP for audio
	FDF byte // format-dependent field (sample rate family)
	SYT uint16
}

// DecodeCIPHeader parses the two leading quadlets of an isochronous packet.
func DecodeCIPHeader(raw []byte) (CIPHeader, error) {
	if len(raw) < 8 {
		return CIPHeader{}, fmt.Errorf("%w: CIP header needs 8 bytes, got %d", ErrMalformedPacket, len(raw))
	}

	var q0 = binary.BigEndian.Uint32(raw[0:4])
	var q1 = binary.BigEndian.Uint32(raw[4:8])

	return CIPHeader{
		SID: byte(q0>>26) & 0x3f,
		DBS: byte(q0 >> 16),
		FN:  byte(q0>>14) & 0x3,
		QPC: byte(q0>>11) & 0x7,
		SPH: (q0>>10)&0x1 != 0,
		DBC: byte(q0),

		FMT: byte(q1>>26) & 0x3f,
		FDF: byte(q1 >> 16),
		SYT: uint16(q1),
	}, nil
}

// Encode re-serializes the header into two big-endian quadlets.
func (h CIPHeader) Encode() []byte {
	var q0 = (uint32(h.SID&0x3f) << 26) | (uint32(h.DBS) << 16) | (uint32(h.FN&0x3) << 14) | (uint32(h.QPC&0x7) << 11) | (uint32(b2u(h.SPH)) << 10) | uint32(h.DBC)
	var q1 = (uint32(h.FMT&0x3f) << 26) | (2 << 24) | (uint32(h.FDF) << 16) | uint32(h.SYT)

	var raw = make([]byte, 8)
	binary.BigEndian.PutUint32(raw[0:4], q0)
	binary.BigEndian.PutUint32(raw[4:8], q1)

	return raw
}

func b2u(b bool) uint32 {
	if b {
		return 1
	}

	return 0
}

// Valid checks the receive-side validity rules from spec.md section 4.4: SYT
// not "no info", FDF not 0xff, FMT matches AMDTP, DBS positive.
func (h CIPHeader) Valid() bool {
	return h.SYT != SYTNoInfo && h.FDF != FDFNoData && h.FMT == FMTAMDTP && h.DBS > 0
}

// NEventsInPacket returns how many frames (clusters) of payload follow the
// header, given the packet's total length in bytes.
func (h CIPHeader) NEventsInPacket(totalLen int) int {
	var payloadLen = totalLen - 8
	var clusterBytes = int(h.DBS) * 4

	if clusterBytes == 0 {
		return 0
	}

	return payloadLen / clusterBytes
}

// fdfForRate maps a nominal sample rate to its FDF code; the "k" values are
// block/non-blocking variants collapse to the same family per spec.md §6.
func fdfForRate(sampleRate int) (byte, error) {
	switch sampleRate {
	case 44100:
		return FDF44100, nil
	case 48000:
		return FDF48000, nil
	case 88200:
		return FDF88200, nil
	case 96000:
		return FDF96000, nil
	case 176400:
		return FDF176400, nil
	case 192000:
		return FDF192000, nil
	default:
		return 0, fmt.Errorf("%w: unsupported sample rate %d", ErrConfig, sampleRate)
	}
}

// sytIntervalForRate returns the SYT interval (frames per timestamp update)
// for a sample rate family, per the glossary's "SYT interval" entry.
func sytIntervalForRate(sampleRate int) (uint, error) {
	switch sampleRate {
	case 44100, 48000:
		return 8, nil
	case 88200, 96000:
		return 16, nil
	case 176400, 192000:
		return 32, nil
	default:
		return 0, fmt.Errorf("%w: unsupported sample rate %d", ErrConfig, sampleRate)
	}
}
