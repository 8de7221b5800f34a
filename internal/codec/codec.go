package codec

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Wire type tags. TagCommand frames carry a one-byte command code instead of
// an encoded Value and are interpreted by the transport layer.
const (
	TagBool    byte = 0x01
	TagInt     byte = 0x02
	TagFloat   byte = 0x03
	TagString  byte = 0x04
	TagArray   byte = 0x05
	TagRecord  byte = 0x06
	TagCommand byte = 0x10
)

// MaxFrameSize bounds the length prefix accepted on decode. A corrupted
// prefix must not turn into an arbitrarily large allocation.
const MaxFrameSize = 1 << 28

// Frame is the atomic wire unit: a 4-byte big-endian length prefix, a type
// tag byte, then exactly length payload bytes. The length covers the payload
// only, never the header.
type Frame struct {
	Tag     byte
	Payload []byte
}

// WriteFrame writes one complete frame.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxFrameSize {
		return fmt.Errorf("write frame tag 0x%02x: %w", f.Tag, ErrFrameTooLarge)
	}
	hdr := make([]byte, 5, 5+len(f.Payload))
	binary.BigEndian.PutUint32(hdr, uint32(len(f.Payload)))
	hdr[4] = f.Tag
	// Single write so a frame is never interleaved by a same-goroutine
	// caller sequence.
	_, err := w.Write(append(hdr, f.Payload...))
	return err
}

// ReadFrame reads one complete frame or fails; a partial frame is never
// returned.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(hdr[:4])
	tag := hdr[4]
	if length > MaxFrameSize {
		return Frame{}, decodeErr(tag, ErrFrameTooLarge, "length prefix %d", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	return Frame{Tag: tag, Payload: payload}, nil
}

// Encode converts a Value to a Frame. The zero Value is rejected.
func Encode(v Value) (Frame, error) {
	tag, payload, err := encodeValue(v)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Tag: tag, Payload: payload}, nil
}

// Decode reconstructs the exact Value a frame was encoded from. Unknown tags
// and length inconsistencies yield a *DecodeError.
func Decode(f Frame) (Value, error) {
	return decodeValue(f.Tag, f.Payload)
}

func encodeValue(v Value) (byte, []byte, error) {
	switch v.Kind() {
	case KindBool:
		if v.Bool() {
			return TagBool, []byte{1}, nil
		}
		return TagBool, []byte{0}, nil
	case KindInt:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(v.Int()))
		return TagInt, buf, nil
	case KindFloat:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(v.Float()))
		return TagFloat, buf, nil
	case KindString:
		return TagString, []byte(v.Str()), nil
	case KindArray:
		payload, err := encodeArray(v.Array())
		return TagArray, payload, err
	case KindRecord:
		payload, err := encodeRecord(v.Record())
		return TagRecord, payload, err
	default:
		return 0, nil, fmt.Errorf("%w: kind %s", ErrNotEncodable, v.Kind())
	}
}

// Array payload: elem kind byte, rank byte, rank 4-byte dims, then the
// elements as 8-byte big-endian words.
func encodeArray(a *Array) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil array", ErrNotEncodable)
	}
	n := a.Len()
	switch a.Elem {
	case ElemFloat64:
		if len(a.Float64s) != n {
			return nil, fmt.Errorf("%w: shape %v holds %d elements, data has %d",
				ErrNotEncodable, a.Shape, n, len(a.Float64s))
		}
	case ElemInt64:
		if len(a.Int64s) != n {
			return nil, fmt.Errorf("%w: shape %v holds %d elements, data has %d",
				ErrNotEncodable, a.Shape, n, len(a.Int64s))
		}
	default:
		return nil, fmt.Errorf("%w: array elem kind %d", ErrNotEncodable, a.Elem)
	}
	if len(a.Shape) > 0xff {
		return nil, fmt.Errorf("%w: rank %d", ErrNotEncodable, len(a.Shape))
	}

	buf := make([]byte, 0, 2+4*len(a.Shape)+8*n)
	buf = append(buf, byte(a.Elem), byte(len(a.Shape)))
	for _, d := range a.Shape {
		buf = binary.BigEndian.AppendUint32(buf, uint32(d))
	}
	switch a.Elem {
	case ElemFloat64:
		for _, f := range a.Float64s {
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(f))
		}
	case ElemInt64:
		for _, i := range a.Int64s {
			buf = binary.BigEndian.AppendUint64(buf, uint64(i))
		}
	}
	return buf, nil
}

// Record payload: 4-byte field count, then per field a 4-byte name length,
// the name, the value tag, a 4-byte value length and the value payload.
// Nested records and arrays recurse through the same encoding.
func encodeRecord(r *Record) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: nil record", ErrNotEncodable)
	}
	buf := binary.BigEndian.AppendUint32(nil, uint32(r.Len()))
	for _, f := range r.Fields() {
		tag, payload, err := encodeValue(f.Value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(f.Name)))
		buf = append(buf, f.Name...)
		buf = append(buf, tag)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
		buf = append(buf, payload...)
	}
	return buf, nil
}

func decodeValue(tag byte, payload []byte) (Value, error) {
	switch tag {
	case TagBool:
		if len(payload) != 1 {
			return Value{}, decodeErr(tag, ErrLengthMismatch, "bool payload is %d bytes", len(payload))
		}
		return Bool(payload[0] != 0), nil
	case TagInt:
		if len(payload) != 8 {
			return Value{}, decodeErr(tag, ErrLengthMismatch, "int payload is %d bytes", len(payload))
		}
		return Int(int64(binary.BigEndian.Uint64(payload))), nil
	case TagFloat:
		if len(payload) != 8 {
			return Value{}, decodeErr(tag, ErrLengthMismatch, "float payload is %d bytes", len(payload))
		}
		return Float(math.Float64frombits(binary.BigEndian.Uint64(payload))), nil
	case TagString:
		return Str(string(payload)), nil
	case TagArray:
		a, err := decodeArray(payload)
		if err != nil {
			return Value{}, err
		}
		return Arr(a), nil
	case TagRecord:
		r, err := decodeRecord(payload)
		if err != nil {
			return Value{}, err
		}
		return Rec(r), nil
	default:
		return Value{}, decodeErr(tag, ErrUnknownTag, "payload %d bytes", len(payload))
	}
}

func decodeArray(payload []byte) (*Array, error) {
	if len(payload) < 2 {
		return nil, decodeErr(TagArray, ErrLengthMismatch, "array header truncated at %d bytes", len(payload))
	}
	elem := ElemKind(payload[0])
	if elem != ElemFloat64 && elem != ElemInt64 {
		return nil, decodeErr(TagArray, ErrUnknownTag, "array elem kind %d", payload[0])
	}
	rank := int(payload[1])
	rest := payload[2:]
	if len(rest) < 4*rank {
		return nil, decodeErr(TagArray, ErrLengthMismatch, "rank %d needs %d dim bytes, have %d", rank, 4*rank, len(rest))
	}

	shape := make([]int, rank)
	n := 0
	if rank > 0 {
		n = 1
	}
	for i := 0; i < rank; i++ {
		d := int(binary.BigEndian.Uint32(rest[4*i:]))
		shape[i] = d
		n *= d
	}
	rest = rest[4*rank:]
	if len(rest) != 8*n {
		return nil, decodeErr(TagArray, ErrLengthMismatch, "shape %v holds %d elements, payload has %d bytes", shape, n, len(rest))
	}

	a := &Array{Elem: elem, Shape: shape}
	switch elem {
	case ElemFloat64:
		a.Float64s = make([]float64, n)
		for i := range a.Float64s {
			a.Float64s[i] = math.Float64frombits(binary.BigEndian.Uint64(rest[8*i:]))
		}
	case ElemInt64:
		a.Int64s = make([]int64, n)
		for i := range a.Int64s {
			a.Int64s[i] = int64(binary.BigEndian.Uint64(rest[8*i:]))
		}
	}
	return a, nil
}

func decodeRecord(payload []byte) (*Record, error) {
	if len(payload) < 4 {
		return nil, decodeErr(TagRecord, ErrLengthMismatch, "record header truncated at %d bytes", len(payload))
	}
	count := binary.BigEndian.Uint32(payload)
	rest := payload[4:]

	r := NewRecord()
	for i := uint32(0); i < count; i++ {
		if len(rest) < 4 {
			return nil, decodeErr(TagRecord, ErrLengthMismatch, "field %d name length truncated", i)
		}
		nameLen := int(binary.BigEndian.Uint32(rest))
		rest = rest[4:]
		if len(rest) < nameLen+5 {
			return nil, decodeErr(TagRecord, ErrLengthMismatch, "field %d truncated", i)
		}
		name := string(rest[:nameLen])
		rest = rest[nameLen:]

		tag := rest[0]
		valLen := int(binary.BigEndian.Uint32(rest[1:5]))
		rest = rest[5:]
		if len(rest) < valLen {
			return nil, decodeErr(tag, ErrLengthMismatch, "field %q value truncated", name)
		}
		v, err := decodeValue(tag, rest[:valLen])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		rest = rest[valLen:]
		r.Set(name, v)
	}
	if len(rest) != 0 {
		return nil, decodeErr(TagRecord, ErrLengthMismatch, "%d trailing bytes after %d fields", len(rest), count)
	}
	return r, nil
}
