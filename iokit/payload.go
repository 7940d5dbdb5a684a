package iokit

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// NewPayloadBuilder instantiates a new PayloadBuilder.
func NewPayloadBuilder() *PayloadBuilder {
	return &PayloadBuilder{
		buf: bytes.NewBuffer(nil),
	}
}

// PayloadBuilder helps build payloads and other binary sequences
// by implementing the "builder pattern".
//
// For methods that take endianness as an optional argument,
// the default is little endian. The default endianness can
// be overridden using SetEndianness.
//
// The first error encountered is kept, and all subsequent method
// calls become no-ops. The error is returned by Build.
type PayloadBuilder struct {
	buf *bytes.Buffer
	bo  binary.ByteOrder
	err error
}

// SetEndianness sets the default endianness for the methods that take
// endianness as an optional argument.
func (o *PayloadBuilder) SetEndianness(order binary.ByteOrder) *PayloadBuilder {
	o.bo = order

	return o
}

func (o *PayloadBuilder) getEndianness(optOrder ...binary.ByteOrder) binary.ByteOrder {
	switch len(optOrder) {
	case 0:
		if o.bo == nil {
			return binary.LittleEndian
		}
		return o.bo
	case 1:
		return optOrder[0]
	default:
		panic("only one binary.ByteOrder may be specified")
	}
}

// Uint32 writes an unsigned 32-bit integer to the payload.
// The endianness can be specified by the optOrder argument.
// If the optOrder argument is unspecified, the default
// endianness set by SetEndianness will be used.
func (o *PayloadBuilder) Uint32(u uint32, optOrder ...binary.ByteOrder) *PayloadBuilder {
	b := make([]byte, 4)

	o.getEndianness(optOrder...).PutUint32(b, u)

	return o.Bytes(b)
}

// Uint64 writes an unsigned 64-bit integer to the payload.
// The endianness can be specified by the optOrder argument.
// If the optOrder argument is unspecified, the default
// endianness set by SetEndianness will be used.
func (o *PayloadBuilder) Uint64(u uint64, optOrder ...binary.ByteOrder) *PayloadBuilder {
	b := make([]byte, 8)

	o.getEndianness(optOrder...).PutUint64(b, u)

	return o.Bytes(b)
}

// Word writes u as a size-byte machine word. Only sizes of 4 and 8
// bytes are supported.
func (o *PayloadBuilder) Word(u uint64, size int, optOrder ...binary.ByteOrder) *PayloadBuilder {
	if o.err != nil {
		return o
	}

	switch size {
	case 4:
		if u > 0xffffffff {
			o.err = fmt.Errorf("value 0x%x does not fit in a 4 byte word", u)
			return o
		}

		return o.Uint32(uint32(u), optOrder...)
	case 8:
		return o.Uint64(u, optOrder...)
	default:
		o.err = fmt.Errorf("unsupported word size: %d", size)
		return o
	}
}

// PatternGenerator abstracts pattern string generators.
type PatternGenerator interface {
	// Pattern generates a pattern string as a []byte. Each byte
	// in the slice is a human-readable character.
	Pattern(numBytes int) ([]byte, error)
}

// Pattern writes the specified number of bytes from the PatternGenerator
// to the payload.
func (o *PayloadBuilder) Pattern(generator PatternGenerator, numBytes int) *PayloadBuilder {
	if o.err != nil {
		return o
	}

	b, err := generator.Pattern(numBytes)
	if err != nil {
		o.err = err
		return o
	}

	return o.Bytes(b)
}

// Byter abstracts types that can be represented as a []byte.
type Byter interface {
	// Bytes returns the object as a []byte.
	Bytes() []byte
}

// Pointer writes a raw pointer as a []byte to the payload.
func (o *PayloadBuilder) Pointer(pointer Byter) *PayloadBuilder {
	return o.Bytes(pointer.Bytes())
}

// Bytes writes the specified []byte to the payload.
func (o *PayloadBuilder) Bytes(b []byte) *PayloadBuilder {
	if o.err != nil {
		return o
	}

	o.buf.Write(b)

	return o
}

// Byte writes the specified byte to the payload.
func (o *PayloadBuilder) Byte(b byte) *PayloadBuilder {
	return o.Bytes([]byte{b})
}

// String writes the specified string to the payload.
func (o *PayloadBuilder) String(str string) *PayloadBuilder {
	return o.Bytes([]byte(str))
}

// RepeatString repeatedly writes the specified string to the payload.
func (o *PayloadBuilder) RepeatString(str string, count int) *PayloadBuilder {
	return o.RepeatBytes([]byte(str), count)
}

// RepeatBytes repeatedly writes the specified []byte to the payload.
func (o *PayloadBuilder) RepeatBytes(b []byte, count int) *PayloadBuilder {
	if o.err != nil {
		return o
	}

	if count < 0 {
		o.err = fmt.Errorf("repeat count cannot be negative (%d)", count)
		return o
	}

	return o.Bytes(bytes.Repeat(b, count))
}

// Len returns the current length of the payload in bytes.
func (o *PayloadBuilder) Len() int {
	return o.buf.Len()
}

// BuildOrExit calls Build. It calls DefaultExitFn if an error occurs.
func (o *PayloadBuilder) BuildOrExit() []byte {
	b, err := o.Build()
	if err != nil {
		DefaultExitFn(err)
	}

	return b
}

// Build returns the payload as a []byte, or the first error
// that occurred while building it.
func (o *PayloadBuilder) Build() ([]byte, error) {
	if o.err != nil {
		return nil, fmt.Errorf("failed to build payload - %w", o.err)
	}

	cp := make([]byte, o.buf.Len())
	copy(cp, o.buf.Bytes())

	return cp, nil
}
