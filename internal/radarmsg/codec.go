// Package radarmsg carries the core's outbound acknowledgement and timing
// messages and the inbound start-of-sequence requests. Messages travel as
// length-prefixed frames of tagged binary fields; decoders skip tags they do
// not know, so the schema can grow without breaking older consumers.
package radarmsg

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Wire format (network / big-endian):
//
//	uint32 frame length
//	repeated fields: uint8 tag, uint8 wire type, value
//
// Wire types: u32 and f32 are 4 bytes, u64 and f64 are 8 bytes, bytes is a
// uint16 length followed by that many bytes.
const (
	wireU32 = iota + 1
	wireU64
	wireF32
	wireF64
	wireBytes
)

// Kind identifies a message type; it is always encoded under tagKind.
type Kind uint32

const (
	KindAck Kind = iota + 1
	KindTiming
	KindSequenceRequest
)

// Field tags shared by all messages.
const (
	tagKind    = 1
	tagSeqNum  = 2
	tagPayload = 3 // first message-specific tag
)

// Status reports how a sequence finished.
type Status uint32

const (
	StatusOK Status = iota
	StatusSlotMissing
	StatusAllocFailed
	StatusLaunchInvalid
	StatusCopyFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusSlotMissing:
		return "SLOT_MISSING"
	case StatusAllocFailed:
		return "ALLOC_FAILED"
	case StatusLaunchInvalid:
		return "LAUNCH_INVALID"
	case StatusCopyFailed:
		return "COPY_FAILED"
	default:
		return fmt.Sprintf("STATUS(%d)", uint32(s))
	}
}

// FailureKernelTime is the sentinel kernel time carried by the timing
// message of a failed sequence.
const FailureKernelTime = -1.0

// Ack tells the driver that a sequence's samples have left the ring buffer.
type Ack struct {
	SequenceNum uint32
}

// Timing reports a completed (or failed) sequence's processing time. The
// kernel time is the back-pressure signal for the radar controller.
type Timing struct {
	SequenceNum  uint32
	KernelTimeMs float32
	TotalTimeMs  float32
	Status       Status
}

// SequenceRequest starts processing of one pulse sequence.
type SequenceRequest struct {
	SequenceNum       uint32
	RxFrequenciesHz   []float64
	DecimationRates   []uint32
	RxSampleRateHz    float64
	MainAntennas      uint32
	IntfAntennas      uint32
	SlotName          string
	SamplesPerAntenna uint32
}

// Message is any value that can cross a radar message channel.
type Message interface {
	Kind() Kind
}

func (Ack) Kind() Kind             { return KindAck }
func (Timing) Kind() Kind          { return KindTiming }
func (SequenceRequest) Kind() Kind { return KindSequenceRequest }

// ---------- Field encoding ----------

type fieldWriter struct {
	buf []byte
}

func (w *fieldWriter) u32(tag uint8, v uint32) {
	w.buf = append(w.buf, tag, wireU32)
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *fieldWriter) u64(tag uint8, v uint64) {
	w.buf = append(w.buf, tag, wireU64)
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *fieldWriter) f32(tag uint8, v float32) {
	w.buf = append(w.buf, tag, wireF32)
	w.buf = binary.BigEndian.AppendUint32(w.buf, math.Float32bits(v))
}

func (w *fieldWriter) f64(tag uint8, v float64) {
	w.buf = append(w.buf, tag, wireF64)
	w.buf = binary.BigEndian.AppendUint64(w.buf, math.Float64bits(v))
}

func (w *fieldWriter) bytes(tag uint8, v []byte) {
	w.buf = append(w.buf, tag, wireBytes)
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(v)))
	w.buf = append(w.buf, v...)
}

// Encode serialises a message to a frame payload (without length prefix).
func Encode(m Message) []byte {
	var w fieldWriter
	w.u32(tagKind, uint32(m.Kind()))
	switch msg := m.(type) {
	case Ack:
		w.u32(tagSeqNum, msg.SequenceNum)
	case Timing:
		w.u32(tagSeqNum, msg.SequenceNum)
		w.f32(tagPayload, msg.KernelTimeMs)
		w.f32(tagPayload+1, msg.TotalTimeMs)
		w.u32(tagPayload+2, uint32(msg.Status))
	case SequenceRequest:
		w.u32(tagSeqNum, msg.SequenceNum)
		freqs := make([]byte, 0, 8*len(msg.RxFrequenciesHz))
		for _, f := range msg.RxFrequenciesHz {
			freqs = binary.BigEndian.AppendUint64(freqs, math.Float64bits(f))
		}
		w.bytes(tagPayload, freqs)
		rates := make([]byte, 0, 4*len(msg.DecimationRates))
		for _, r := range msg.DecimationRates {
			rates = binary.BigEndian.AppendUint32(rates, r)
		}
		w.bytes(tagPayload+1, rates)
		w.f64(tagPayload+2, msg.RxSampleRateHz)
		w.u32(tagPayload+3, msg.MainAntennas)
		w.u32(tagPayload+4, msg.IntfAntennas)
		w.bytes(tagPayload+5, []byte(msg.SlotName))
		w.u32(tagPayload+6, msg.SamplesPerAntenna)
	}
	return w.buf
}

// ---------- Field decoding ----------

type field struct {
	tag  uint8
	wire uint8
	data []byte
}

func parseFields(payload []byte) ([]field, error) {
	var fields []field
	for len(payload) > 0 {
		if len(payload) < 2 {
			return nil, fmt.Errorf("radarmsg: truncated field header")
		}
		tag, wire := payload[0], payload[1]
		payload = payload[2:]
		var size int
		switch wire {
		case wireU32, wireF32:
			size = 4
		case wireU64, wireF64:
			size = 8
		case wireBytes:
			if len(payload) < 2 {
				return nil, fmt.Errorf("radarmsg: truncated bytes field %d", tag)
			}
			size = int(binary.BigEndian.Uint16(payload))
			payload = payload[2:]
		default:
			return nil, fmt.Errorf("radarmsg: unknown wire type %d for tag %d", wire, tag)
		}
		if len(payload) < size {
			return nil, fmt.Errorf("radarmsg: field %d runs past frame end", tag)
		}
		fields = append(fields, field{tag: tag, wire: wire, data: payload[:size]})
		payload = payload[size:]
	}
	return fields, nil
}

func (f field) u32() uint32   { return binary.BigEndian.Uint32(f.data) }
func (f field) f32() float32  { return math.Float32frombits(binary.BigEndian.Uint32(f.data)) }
func (f field) f64() float64  { return math.Float64frombits(binary.BigEndian.Uint64(f.data)) }
func (f field) bytes() []byte { return f.data }
func (f field) str() string   { return string(f.data) }

// Decode parses a frame payload into a typed message. Unknown tags are
// skipped.
func Decode(payload []byte) (Message, error) {
	fields, err := parseFields(payload)
	if err != nil {
		return nil, err
	}
	var kind Kind
	for _, f := range fields {
		if f.tag == tagKind && f.wire == wireU32 {
			kind = Kind(f.u32())
			break
		}
	}
	switch kind {
	case KindAck:
		var m Ack
		for _, f := range fields {
			if f.tag == tagSeqNum && f.wire == wireU32 {
				m.SequenceNum = f.u32()
			}
		}
		return m, nil
	case KindTiming:
		var m Timing
		for _, f := range fields {
			switch {
			case f.tag == tagSeqNum && f.wire == wireU32:
				m.SequenceNum = f.u32()
			case f.tag == tagPayload && f.wire == wireF32:
				m.KernelTimeMs = f.f32()
			case f.tag == tagPayload+1 && f.wire == wireF32:
				m.TotalTimeMs = f.f32()
			case f.tag == tagPayload+2 && f.wire == wireU32:
				m.Status = Status(f.u32())
			}
		}
		return m, nil
	case KindSequenceRequest:
		var m SequenceRequest
		for _, f := range fields {
			switch {
			case f.tag == tagSeqNum && f.wire == wireU32:
				m.SequenceNum = f.u32()
			case f.tag == tagPayload && f.wire == wireBytes:
				data := f.bytes()
				for len(data) >= 8 {
					m.RxFrequenciesHz = append(m.RxFrequenciesHz,
						math.Float64frombits(binary.BigEndian.Uint64(data)))
					data = data[8:]
				}
			case f.tag == tagPayload+1 && f.wire == wireBytes:
				data := f.bytes()
				for len(data) >= 4 {
					m.DecimationRates = append(m.DecimationRates, binary.BigEndian.Uint32(data))
					data = data[4:]
				}
			case f.tag == tagPayload+2 && f.wire == wireF64:
				m.RxSampleRateHz = f.f64()
			case f.tag == tagPayload+3 && f.wire == wireU32:
				m.MainAntennas = f.u32()
			case f.tag == tagPayload+4 && f.wire == wireU32:
				m.IntfAntennas = f.u32()
			case f.tag == tagPayload+5 && f.wire == wireBytes:
				m.SlotName = f.str()
			case f.tag == tagPayload+6 && f.wire == wireU32:
				m.SamplesPerAntenna = f.u32()
			}
		}
		return m, nil
	default:
		return nil, fmt.Errorf("radarmsg: unknown message kind %d", kind)
	}
}

// ---------- Framing ----------

const maxFrameBytes = 1 << 20

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameBytes {
		return fmt.Errorf("radarmsg: frame of %d bytes exceeds limit", len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads exactly one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("radarmsg: frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
