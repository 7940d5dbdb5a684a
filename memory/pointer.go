package memory

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// PointerMakerForX86_32 returns a PointerMaker for 32-bit x86.
func PointerMakerForX86_32() PointerMaker {
	return PointerMaker{
		byteOrder: binary.LittleEndian,
		ptrSize:   4,
	}
}

// PointerMakerForX86_64 returns a PointerMaker for 64-bit x86.
func PointerMakerForX86_64() PointerMaker {
	return PointerMaker{
		byteOrder: binary.LittleEndian,
		ptrSize:   8,
	}
}

// PointerMakerForOrExit calls PointerMakerFor. It calls DefaultExitFn
// if an error occurs.
func PointerMakerForOrExit(endianness binary.ByteOrder, pointerSize int) PointerMaker {
	pm, err := PointerMakerFor(endianness, pointerSize)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to create pointer maker - %w", err))
	}
	return pm
}

// PointerMakerFor returns a PointerMaker for a platform with the
// specified byte order and pointer size in bytes.
func PointerMakerFor(endianness binary.ByteOrder, pointerSize int) (PointerMaker, error) {
	if endianness == nil {
		return PointerMaker{}, fmt.Errorf("endianness cannot be nil")
	}

	switch pointerSize {
	case 2, 4, 8:
	default:
		return PointerMaker{}, fmt.Errorf("unsupported pointer size: %d", pointerSize)
	}

	return PointerMaker{
		byteOrder: endianness,
		ptrSize:   pointerSize,
	}, nil
}

// PointerMaker creates Pointer values for a target platform.
type PointerMaker struct {
	byteOrder binary.ByteOrder
	ptrSize   int
}

// PointerSize returns the size of a pointer in bytes.
func (o PointerMaker) PointerSize() int {
	return o.ptrSize
}

// ByteOrder returns the platform's byte order.
func (o PointerMaker) ByteOrder() binary.ByteOrder {
	return o.byteOrder
}

// Pack encodes address as a pointer-sized []byte.
func (o PointerMaker) Pack(address uint64) []byte {
	out := make([]byte, o.ptrSize)
	switch o.ptrSize {
	case 2:
		o.byteOrder.PutUint16(out, uint16(address))
	case 4:
		o.byteOrder.PutUint32(out, uint32(address))
	case 8:
		o.byteOrder.PutUint64(out, address)
	default:
		panic(fmt.Sprintf("unsupported pointer size: %d", o.ptrSize))
	}
	return out
}

// Unpack decodes exactly one pointer-sized []byte.
func (o PointerMaker) Unpack(raw []byte) (uint64, error) {
	if len(raw) != o.ptrSize {
		return 0, fmt.Errorf("expected %d bytes - got %d", o.ptrSize, len(raw))
	}

	switch o.ptrSize {
	case 2:
		return uint64(o.byteOrder.Uint16(raw)), nil
	case 4:
		return uint64(o.byteOrder.Uint32(raw)), nil
	default:
		return o.byteOrder.Uint64(raw), nil
	}
}

// FromUint creates a Pointer from an address.
func (o PointerMaker) FromUint(address uint64) Pointer {
	return Pointer{
		address: address,
		raw:     o.Pack(address),
	}
}

// FromRawBytesOrExit calls FromRawBytes. It calls DefaultExitFn
// if an error occurs.
func (o PointerMaker) FromRawBytesOrExit(raw []byte, sourceEndianness binary.ByteOrder) Pointer {
	p, err := o.FromRawBytes(raw, sourceEndianness)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to create pointer from raw bytes - %w", err))
	}
	return p
}

// FromRawBytes creates a Pointer from a pointer-sized []byte
// encoded in sourceEndianness.
func (o PointerMaker) FromRawBytes(raw []byte, sourceEndianness binary.ByteOrder) (Pointer, error) {
	source := PointerMaker{
		byteOrder: sourceEndianness,
		ptrSize:   o.ptrSize,
	}

	address, err := source.Unpack(raw)
	if err != nil {
		return Pointer{}, err
	}

	return o.FromUint(address), nil
}

// FromHexBytesOrExit calls FromHexBytes. It calls DefaultExitFn
// if an error occurs.
func (o PointerMaker) FromHexBytesOrExit(hexBytes []byte, sourceEndianness binary.ByteOrder) Pointer {
	p, err := o.FromHexBytes(hexBytes, sourceEndianness)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to create pointer from hex bytes - %w", err))
	}
	return p
}

// FromHexBytes creates a Pointer from a hex-encoded string with an
// optional "0x" prefix. Strings shorter than a pointer are zero
// extended on the most significant side.
func (o PointerMaker) FromHexBytes(hexBytes []byte, sourceEndianness binary.ByteOrder) (Pointer, error) {
	hexBytesNoPrefix := bytes.TrimPrefix(bytes.TrimSpace(hexBytes), []byte("0x"))

	hexStrLen := len(hexBytesNoPrefix)
	if hexStrLen == 0 {
		return Pointer{}, fmt.Errorf("hex string cannot be zero-length")
	}

	maxLen := o.ptrSize * 2
	if hexStrLen > maxLen {
		return Pointer{}, fmt.Errorf("hex string cannot be longer than %d chars - it is %d chars long",
			maxLen, hexStrLen)
	}

	numZeros := maxLen - hexStrLen
	if numZeros > 0 {
		zeros := bytes.Repeat([]byte("0"), numZeros)
		if sourceEndianness.String() == binary.LittleEndian.String() {
			hexBytesNoPrefix = append(hexBytesNoPrefix, zeros...)
		} else {
			hexBytesNoPrefix = append(zeros, hexBytesNoPrefix...)
		}
	}

	decoded := make([]byte, o.ptrSize)
	_, err := hex.Decode(decoded, hexBytesNoPrefix)
	if err != nil {
		return Pointer{}, fmt.Errorf("failed to hex decode data - %w", err)
	}

	return o.FromRawBytes(decoded, sourceEndianness)
}

// FromLeak converts raw bytes leaked by the target (such as the
// output of puts(3) called on a pointer) into an address.
//
// Output routines stop at the first null byte, so leaks shorter than
// a pointer are zero extended in the target's byte order. Only the
// first pointer-sized bytes of longer leaks are used. An empty leak
// results in ErrEmptyLeak.
func (o PointerMaker) FromLeak(leaked []byte) (uint64, error) {
	if len(leaked) == 0 {
		return 0, ErrEmptyLeak
	}

	raw := make([]byte, o.ptrSize)

	if len(leaked) > o.ptrSize {
		leaked = leaked[:o.ptrSize]
	}

	if o.byteOrder.String() == binary.LittleEndian.String() {
		copy(raw, leaked)
	} else {
		copy(raw[o.ptrSize-len(leaked):], leaked)
	}

	return o.Unpack(raw)
}

// Pointer is an address and its encoding for a target platform.
type Pointer struct {
	address uint64
	raw     []byte
}

// Bytes returns the pointer encoded for the target platform.
func (o Pointer) Bytes() []byte {
	cp := make([]byte, len(o.raw))
	copy(cp, o.raw)
	return cp
}

// Uint64 returns the pointer's address.
func (o Pointer) Uint64() uint64 {
	return o.address
}

// HexString returns the address as a "0x"-prefixed hex string.
func (o Pointer) HexString() string {
	return fmt.Sprintf("0x%x", o.address)
}
