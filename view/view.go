package view

import (
	"encoding/binary"
	"math"

	membridge "github.com/wippyai/wasm-membridge"
	"github.com/wippyai/wasm-membridge/errors"
)

// View is a bounded window over a Buffer. Views never own their buffer and
// many views may alias one buffer.
type View struct {
	buf     *Buffer
	offset  uint64
	length  uint64
	addr    membridge.Address
	hasAddr bool
}

// New builds an unregistered view. Use Registry.Register to make it
// canonical.
func New(buf *Buffer, offset, length uint64) (*View, error) {
	if offset > buf.Len() || length > buf.Len()-offset {
		return nil, errors.OutOfBounds(errors.PhaseRuntime, offset, length, buf.Len())
	}
	v := &View{buf: buf, offset: offset, length: length}
	if base, ok := buf.Address(); ok {
		v.addr = base + membridge.Address(offset)
		v.hasAddr = true
	}
	return v, nil
}

func (v *View) Buffer() *Buffer { return v.buf }

func (v *View) Offset() uint64 { return v.offset }

func (v *View) Len() uint64 { return v.length }

// Live reports whether the view may be read or written.
func (v *View) Live() bool { return v.buf.Live() }

// Address returns the attached foreign address.
func (v *View) Address() (membridge.Address, bool) {
	return v.addr, v.hasAddr
}

// AttachAddress sets the view's foreign address once. A later attach with a
// different value means the bridge computed two addresses for one view.
func (v *View) AttachAddress(addr membridge.Address) error {
	if v.hasAddr {
		if v.addr != addr {
			return errors.Invariant(errors.PhaseRuntime, "view address %s re-derived as %s", v.addr, addr)
		}
		return nil
	}
	v.addr = addr
	v.hasAddr = true
	return nil
}

// Bytes returns the window's bytes. The slice aliases the buffer.
func (v *View) Bytes() ([]byte, error) {
	if err := v.buf.check(); err != nil {
		return nil, err
	}
	return v.buf.data[v.offset : v.offset+v.length : v.offset+v.length], nil
}

func (v *View) window(off, size uint64) ([]byte, error) {
	if err := v.buf.check(); err != nil {
		return nil, err
	}
	if off > v.length || size > v.length-off {
		return nil, errors.OutOfBounds(errors.PhaseRuntime, off, size, v.length)
	}
	start := v.offset + off
	return v.buf.data[start : start+size], nil
}

// CopyFrom overwrites the view with src, which must fit.
func (v *View) CopyFrom(src []byte) error {
	dst, err := v.window(0, uint64(len(src)))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// Get reads the raw little-endian bits of a scalar at byte offset off.
// Signed values are not sign extended; use Value for typed reads.
func (v *View) Get(k Kind, off uint64) (uint64, error) {
	size := k.Size()
	if size == 0 {
		return 0, errors.InvalidInput(errors.PhaseRuntime, "invalid scalar kind")
	}
	b, err := v.window(off, size)
	if err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	default:
		return binary.LittleEndian.Uint64(b), nil
	}
}

// Set writes the low bits of bits as a scalar at byte offset off.
func (v *View) Set(k Kind, off uint64, bits uint64) error {
	size := k.Size()
	if size == 0 {
		return errors.InvalidInput(errors.PhaseRuntime, "invalid scalar kind")
	}
	b, err := v.window(off, size)
	if err != nil {
		return err
	}
	switch size {
	case 1:
		b[0] = byte(bits)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(bits))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(bits))
	default:
		binary.LittleEndian.PutUint64(b, bits)
	}
	return nil
}

// Value reads a scalar as its natural Go type.
func (v *View) Value(k Kind, off uint64) (any, error) {
	bits, err := v.Get(k, off)
	if err != nil {
		return nil, err
	}
	switch k {
	case KindBool:
		return bits != 0, nil
	case KindInt8:
		return int8(bits), nil
	case KindUint8:
		return uint8(bits), nil
	case KindInt16:
		return int16(bits), nil
	case KindUint16:
		return uint16(bits), nil
	case KindInt32:
		return int32(bits), nil
	case KindUint32:
		return uint32(bits), nil
	case KindInt64:
		return int64(bits), nil
	case KindFloat32:
		return math.Float32frombits(uint32(bits)), nil
	case KindFloat64:
		return math.Float64frombits(bits), nil
	default:
		return bits, nil
	}
}

// SetValue writes a Go number or bool as kind k.
func (v *View) SetValue(k Kind, off uint64, value any) error {
	bits, err := Encode(k, value)
	if err != nil {
		return err
	}
	return v.Set(k, off, bits)
}

// Encode converts a Go number or bool to the raw bits of kind k.
func Encode(k Kind, value any) (uint64, error) {
	if k.Float() {
		var f float64
		switch x := value.(type) {
		case float64:
			f = x
		case float32:
			f = float64(x)
		case int:
			f = float64(x)
		default:
			return 0, errors.InvalidInput(errors.PhaseRuntime, "expected a number for "+k.String())
		}
		if k == KindFloat32 {
			return uint64(math.Float32bits(float32(f))), nil
		}
		return math.Float64bits(f), nil
	}
	switch x := value.(type) {
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case int:
		return uint64(x), nil
	case int8:
		return uint64(x), nil
	case int16:
		return uint64(x), nil
	case int32:
		return uint64(x), nil
	case int64:
		return uint64(x), nil
	case uint:
		return uint64(x), nil
	case uint8:
		return uint64(x), nil
	case uint16:
		return uint64(x), nil
	case uint32:
		return uint64(x), nil
	case uint64:
		return x, nil
	case float64:
		return uint64(int64(x)), nil
	}
	return 0, errors.InvalidInput(errors.PhaseRuntime, "unsupported value for "+k.String())
}

func (v *View) Uint32(off uint64) (uint32, error) {
	bits, err := v.Get(KindUint32, off)
	return uint32(bits), err
}

func (v *View) SetUint32(off uint64, x uint32) error {
	return v.Set(KindUint32, off, uint64(x))
}

func (v *View) Uint64(off uint64) (uint64, error) {
	return v.Get(KindUint64, off)
}

func (v *View) SetUint64(off uint64, x uint64) error {
	return v.Set(KindUint64, off, x)
}

func (v *View) Int32(off uint64) (int32, error) {
	bits, err := v.Get(KindInt32, off)
	return int32(bits), err
}

func (v *View) SetInt32(off uint64, x int32) error {
	return v.Set(KindInt32, off, uint64(uint32(x)))
}

func (v *View) Float64(off uint64) (float64, error) {
	bits, err := v.Get(KindFloat64, off)
	return math.Float64frombits(bits), err
}

func (v *View) SetFloat64(off uint64, x float64) error {
	return v.Set(KindFloat64, off, math.Float64bits(x))
}

// Bits reads an unsigned bit field of bitSize bits (1..64) starting bitOff
// bits into the view. Bit i lives in byte i/8 at position i%8.
func (v *View) Bits(bitOff, bitSize uint64) (uint64, error) {
	if bitSize == 0 || bitSize > 64 {
		return 0, errors.InvalidInput(errors.PhaseRuntime, "bit field width must be 1..64")
	}
	shift := bitOff % 8
	n := (shift + bitSize + 7) / 8
	b, err := v.window(bitOff/8, n)
	if err != nil {
		return 0, err
	}
	var lo uint64
	for i := uint64(0); i < n && i < 8; i++ {
		lo |= uint64(b[i]) << (8 * i)
	}
	val := lo >> shift
	if n == 9 {
		val |= uint64(b[8]) << (64 - shift)
	}
	if bitSize < 64 {
		val &= 1<<bitSize - 1
	}
	return val, nil
}

// SetBits writes the low bitSize bits of x at bitOff, leaving neighbouring
// bits untouched.
func (v *View) SetBits(bitOff, bitSize, x uint64) error {
	if bitSize == 0 || bitSize > 64 {
		return errors.InvalidInput(errors.PhaseRuntime, "bit field width must be 1..64")
	}
	shift := bitOff % 8
	b, err := v.window(bitOff/8, (shift+bitSize+7)/8)
	if err != nil {
		return err
	}
	for i := uint64(0); i < bitSize; i++ {
		pos := shift + i
		mask := byte(1) << (pos % 8)
		if x>>i&1 == 1 {
			b[pos/8] |= mask
		} else {
			b[pos/8] &^= mask
		}
	}
	return nil
}
