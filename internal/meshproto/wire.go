// Package meshproto encodes and decodes the Meshtastic protobuf messages the
// ingest core needs, working directly on the protobuf wire format.
package meshproto

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrTruncated is returned when a message ends in the middle of a field.
var ErrTruncated = errors.New("meshproto: truncated message")

// Field is one decoded wire field. Exactly one of the value members is
// meaningful, depending on Type.
type Field struct {
	Num     protowire.Number
	Type    protowire.Type
	Varint  uint64
	Fixed32 uint32
	Fixed64 uint64
	Bytes   []byte
}

// Float32 interprets a fixed32 field as an IEEE float.
func (f Field) Float32() float32 { return math.Float32frombits(f.Fixed32) }

// Int32 interprets a varint field as a (possibly negative) int32.
func (f Field) Int32() int32 { return int32(f.Varint) }

// Bool interprets a varint field as a bool.
func (f Field) Bool() bool { return f.Varint != 0 }

// Walk calls fn for every top-level field of the message in b. Groups are
// skipped. Walk stops at the first error returned by fn.
func Walk(b []byte, fn func(Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("meshproto: tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("meshproto: field %d: %w", num, protowire.ParseError(m))
			}
			f.Varint, n = v, m
		case protowire.Fixed32Type:
			v, m := protowire.ConsumeFixed32(b)
			if m < 0 {
				return fmt.Errorf("meshproto: field %d: %w", num, protowire.ParseError(m))
			}
			f.Fixed32, n = v, m
		case protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(b)
			if m < 0 {
				return fmt.Errorf("meshproto: field %d: %w", num, protowire.ParseError(m))
			}
			f.Fixed64, n = v, m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("meshproto: field %d: %w", num, protowire.ParseError(m))
			}
			f.Bytes, n = v, m
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("meshproto: field %d: %w", num, protowire.ParseError(m))
			}
			b = b[m:]
			continue
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// RepeatedFixed32 appends the values of a repeated fixed32 field, accepting
// both packed and unpacked encodings.
func RepeatedFixed32(dst []uint32, f Field) ([]uint32, error) {
	switch f.Type {
	case protowire.Fixed32Type:
		return append(dst, f.Fixed32), nil
	case protowire.BytesType:
		b := f.Bytes
		for len(b) > 0 {
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return dst, ErrTruncated
			}
			dst = append(dst, v)
			b = b[n:]
		}
		return dst, nil
	default:
		return dst, fmt.Errorf("meshproto: field %d: unexpected wire type %d", f.Num, f.Type)
	}
}

// RepeatedVarint appends the values of a repeated varint field, accepting
// both packed and unpacked encodings.
func RepeatedVarint(dst []uint64, f Field) ([]uint64, error) {
	switch f.Type {
	case protowire.VarintType:
		return append(dst, f.Varint), nil
	case protowire.BytesType:
		b := f.Bytes
		for len(b) > 0 {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return dst, ErrTruncated
			}
			dst = append(dst, v)
			b = b[n:]
		}
		return dst, nil
	default:
		return dst, fmt.Errorf("meshproto: field %d: unexpected wire type %d", f.Num, f.Type)
	}
}

// Expect returns an error when f does not have the wire type want.
func Expect(f Field, want protowire.Type) error {
	if f.Type != want {
		return fmt.Errorf("meshproto: field %d: wire type %d, want %d", f.Num, f.Type, want)
	}
	return nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarintField(b, num, 1)
}

func appendFixed32Field(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// appendMessageField writes an embedded message even when it is empty, so
// the presence of a oneof member survives the round trip.
func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}
