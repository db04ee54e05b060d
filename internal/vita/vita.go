// Package vita implements the VITA-49 framing used by the radio's UDP
// transports: IF data packets carrying interleaved I/Q samples and the
// class-tagged extension packets the discovery broadcast is wrapped in.
package vita

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// PacketType is the 4-bit type nibble in header word 0.
type PacketType uint8

const (
	TypeIFData        PacketType = 0x0 // IF data, no stream identifier
	TypeIFDataStream  PacketType = 0x1 // IF data with stream identifier
	TypeExtData       PacketType = 0x2 // extension data, no stream identifier
	TypeExtDataStream PacketType = 0x3 // extension data with stream identifier
	TypeContext       PacketType = 0x4
	TypeExtContext    PacketType = 0x5
)

// HasStreamID reports whether packets of this type carry a stream identifier
// word after the header.
func (t PacketType) HasStreamID() bool {
	return t != TypeIFData && t != TypeExtData
}

// IsData reports whether packets of this type carry a sample payload.
func (t PacketType) IsData() bool {
	return t <= TypeExtDataStream
}

// TSI/TSF timestamp type codes from header word 0.
const (
	TSINone  uint8 = 0
	TSIUTC   uint8 = 1
	TSIGPS   uint8 = 2
	TSIOther uint8 = 3

	TSFNone        uint8 = 0
	TSFSampleCount uint8 = 1
	TSFRealTime    uint8 = 2
	TSFFreeRun     uint8 = 3
)

// OUIFlex is the organizationally unique identifier the radio stamps into
// every class ID it emits.
const OUIFlex = 0x001C2D

// Packet class codes observed on the wire.
const (
	ClassMeter      uint16 = 0x8002
	ClassPanadapter uint16 = 0x8003
	ClassWaterfall  uint16 = 0x8004
	ClassOpus       uint16 = 0x8005
	ClassDAXAudio   uint16 = 0x03E3
	ClassDAXIQ24    uint16 = 0x02E3
	ClassDAXIQ48    uint16 = 0x02E4
	ClassDAXIQ96    uint16 = 0x02E5
	ClassDAXIQ192   uint16 = 0x02E6
	ClassDiscovery  uint16 = 0xFFFF
)

// IQClassRate maps a DAX I/Q packet class to its nominal sample rate in Hz.
// Returns 0 for classes that are not I/Q data.
func IQClassRate(class uint16) int {
	switch class {
	case ClassDAXIQ24:
		return 24000
	case ClassDAXIQ48:
		return 48000
	case ClassDAXIQ96:
		return 96000
	case ClassDAXIQ192:
		return 192000
	default:
		return 0
	}
}

// ClassID is the optional 8-byte class identifier.
type ClassID struct {
	OUI         uint32
	InfoClass   uint16
	PacketClass uint16
}

func (c ClassID) String() string {
	return fmt.Sprintf("oui=0x%06x info=0x%04x class=0x%04x", c.OUI, c.InfoClass, c.PacketClass)
}

// ErrFraming is the root cause for every malformed-datagram condition.
// Callers count these and move on; a framing error never tears a stream down.
var ErrFraming = errors.New("vita framing error")

// Packet is one parsed VITA datagram. Payload aliases the input buffer and is
// only valid until the caller reuses it; DecodeSamples copies out.
type Packet struct {
	Type          PacketType
	StreamID      uint32
	Class         *ClassID
	Sequence      uint8 // 4-bit wrapping packet counter
	TSI           uint8
	TSF           uint8
	TimestampInt  uint32
	TimestampFrac uint64
	HasTrailer    bool
	Trailer       uint32
	Payload       []byte
}

// Time returns the wall-clock capture time carried by the packet, or the zero
// time when the packet has no UTC timestamp.
func (p *Packet) Time() time.Time {
	if p.TSI != TSIUTC {
		return time.Time{}
	}
	t := time.Unix(int64(p.TimestampInt), 0).UTC()
	if p.TSF == TSFRealTime {
		// fractional field counts picoseconds
		t = t.Add(time.Duration(p.TimestampFrac/1000) * time.Nanosecond)
	}
	return t
}

// Parse decodes a single VITA datagram. The declared word count must fit in
// the datagram; trailing bytes beyond it are ignored, as the radio pads some
// packets to fixed sizes. The returned payload aliases buf.
func Parse(buf []byte) (*Packet, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: %d-byte datagram", ErrFraming, len(buf))
	}
	word0 := binary.BigEndian.Uint32(buf)

	p := &Packet{
		Type:       PacketType(word0 >> 28),
		HasTrailer: word0&(1<<26) != 0,
		TSI:        uint8(word0 >> 22 & 0x3),
		TSF:        uint8(word0 >> 20 & 0x3),
		Sequence:   uint8(word0 >> 16 & 0xF),
	}
	hasClass := word0&(1<<27) != 0

	size := int(word0&0xFFFF) * 4
	if size < 4 || size > len(buf) {
		return nil, fmt.Errorf("%w: declared %d bytes, datagram %d", ErrFraming, size, len(buf))
	}
	buf = buf[:size]

	off := 4
	need := func(n int) error {
		if off+n > size {
			return fmt.Errorf("%w: header overruns %d-byte packet", ErrFraming, size)
		}
		return nil
	}

	if p.Type.HasStreamID() {
		if err := need(4); err != nil {
			return nil, err
		}
		p.StreamID = binary.BigEndian.Uint32(buf[off:])
		off += 4
	}
	if hasClass {
		if err := need(8); err != nil {
			return nil, err
		}
		p.Class = &ClassID{
			OUI:         binary.BigEndian.Uint32(buf[off:]) & 0x00FFFFFF,
			InfoClass:   binary.BigEndian.Uint16(buf[off+4:]),
			PacketClass: binary.BigEndian.Uint16(buf[off+6:]),
		}
		off += 8
	}
	if p.TSI != TSINone {
		if err := need(4); err != nil {
			return nil, err
		}
		p.TimestampInt = binary.BigEndian.Uint32(buf[off:])
		off += 4
	}
	if p.TSF != TSFNone {
		if err := need(8); err != nil {
			return nil, err
		}
		p.TimestampFrac = binary.BigEndian.Uint64(buf[off:])
		off += 8
	}

	end := size
	if p.HasTrailer {
		if end-4 < off {
			return nil, fmt.Errorf("%w: trailer overlaps header", ErrFraming)
		}
		p.Trailer = binary.BigEndian.Uint32(buf[end-4:])
		end -= 4
	}
	p.Payload = buf[off:end]
	return p, nil
}

// Marshal encodes the packet. The size field is computed; the payload is
// padded to a 32-bit boundary with zero bytes if needed.
func Marshal(p *Packet) []byte {
	payload := p.Payload
	if pad := len(payload) % 4; pad != 0 {
		payload = append(append([]byte{}, payload...), make([]byte, 4-pad)...)
	}

	size := 4 + len(payload)
	if p.Type.HasStreamID() {
		size += 4
	}
	if p.Class != nil {
		size += 8
	}
	if p.TSI != TSINone {
		size += 4
	}
	if p.TSF != TSFNone {
		size += 8
	}
	if p.HasTrailer {
		size += 4
	}

	buf := make([]byte, 0, size)
	word0 := uint32(p.Type)<<28 |
		uint32(p.TSI&0x3)<<22 |
		uint32(p.TSF&0x3)<<20 |
		uint32(p.Sequence&0xF)<<16 |
		uint32(size/4)
	if p.Class != nil {
		word0 |= 1 << 27
	}
	if p.HasTrailer {
		word0 |= 1 << 26
	}
	buf = binary.BigEndian.AppendUint32(buf, word0)
	if p.Type.HasStreamID() {
		buf = binary.BigEndian.AppendUint32(buf, p.StreamID)
	}
	if p.Class != nil {
		buf = binary.BigEndian.AppendUint32(buf, p.Class.OUI&0x00FFFFFF)
		buf = binary.BigEndian.AppendUint16(buf, p.Class.InfoClass)
		buf = binary.BigEndian.AppendUint16(buf, p.Class.PacketClass)
	}
	if p.TSI != TSINone {
		buf = binary.BigEndian.AppendUint32(buf, p.TimestampInt)
	}
	if p.TSF != TSFNone {
		buf = binary.BigEndian.AppendUint64(buf, p.TimestampFrac)
	}
	buf = append(buf, payload...)
	if p.HasTrailer {
		buf = binary.BigEndian.AppendUint32(buf, p.Trailer)
	}
	return buf
}

// SampleFormat selects the payload encoding of an I/Q stream.
type SampleFormat int

const (
	// FormatInt16 is interleaved big-endian signed 16-bit I/Q, scaled so
	// that full scale maps to 1.0.
	FormatInt16 SampleFormat = iota
	// FormatFloat32 is interleaved little-endian IEEE-754 I/Q, the encoding
	// the radio uses for DAX I/Q payloads.
	FormatFloat32
)

func (f SampleFormat) String() string {
	switch f {
	case FormatInt16:
		return "int16"
	case FormatFloat32:
		return "float32"
	default:
		return "unknown"
	}
}

// ParseSampleFormat converts a config string to a SampleFormat.
func ParseSampleFormat(s string) (SampleFormat, error) {
	switch s {
	case "int16", "":
		return FormatInt16, nil
	case "float32":
		return FormatFloat32, nil
	default:
		return SampleFormat(0), fmt.Errorf("unsupported sample format %q", s)
	}
}

// Stride returns the payload bytes per complex sample.
func (f SampleFormat) Stride() int {
	if f == FormatInt16 {
		return 4
	}
	return 8
}

const int16Scale = 32768.0

// DecodeSamples converts a data payload into complex samples. A payload whose
// length is not a multiple of the sample stride is a framing error.
func DecodeSamples(payload []byte, f SampleFormat) ([]complex64, error) {
	stride := f.Stride()
	if len(payload)%stride != 0 {
		return nil, fmt.Errorf("%w: %d-byte payload, %d-byte samples", ErrFraming, len(payload), stride)
	}
	out := make([]complex64, len(payload)/stride)
	switch f {
	case FormatInt16:
		for i := range out {
			re := int16(binary.BigEndian.Uint16(payload[i*4:]))
			im := int16(binary.BigEndian.Uint16(payload[i*4+2:]))
			out[i] = complex(float32(re)/int16Scale, float32(im)/int16Scale)
		}
	case FormatFloat32:
		for i := range out {
			re := math.Float32frombits(binary.LittleEndian.Uint32(payload[i*8:]))
			im := math.Float32frombits(binary.LittleEndian.Uint32(payload[i*8+4:]))
			out[i] = complex(re, im)
		}
	}
	return out, nil
}

// EncodeSamples is the inverse of DecodeSamples.
func EncodeSamples(samples []complex64, f SampleFormat) []byte {
	buf := make([]byte, 0, len(samples)*f.Stride())
	switch f {
	case FormatInt16:
		for _, s := range samples {
			buf = binary.BigEndian.AppendUint16(buf, uint16(int16(real(s)*int16Scale)))
			buf = binary.BigEndian.AppendUint16(buf, uint16(int16(imag(s)*int16Scale)))
		}
	case FormatFloat32:
		for _, s := range samples {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(real(s)))
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(imag(s)))
		}
	}
	return buf
}
