package view

import (
	"fmt"
	"strings"
)

// Kind is a scalar type the accessor can read and write.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt8
	KindUint8
	KindInt16
	KindUint16
	KindInt32
	KindUint32
	KindInt64
	KindUint64
	KindFloat32
	KindFloat64
)

var kindNames = [...]string{
	KindInvalid: "invalid",
	KindBool:    "bool",
	KindInt8:    "i8",
	KindUint8:   "u8",
	KindInt16:   "i16",
	KindUint16:  "u16",
	KindInt32:   "i32",
	KindUint32:  "u32",
	KindInt64:   "i64",
	KindUint64:  "u64",
	KindFloat32: "f32",
	KindFloat64: "f64",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Size returns the width of the kind in bytes.
func (k Kind) Size() uint64 {
	switch k {
	case KindBool, KindInt8, KindUint8:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindInt32, KindUint32, KindFloat32:
		return 4
	case KindInt64, KindUint64, KindFloat64:
		return 8
	default:
		return 0
	}
}

// Signed reports whether the kind is a signed integer.
func (k Kind) Signed() bool {
	switch k {
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return true
	}
	return false
}

// Float reports whether the kind is a floating point number.
func (k Kind) Float() bool {
	return k == KindFloat32 || k == KindFloat64
}

// AddressKind returns the unsigned kind used to store an address of the
// given width.
func AddressKind(size uint64) Kind {
	if size == 4 {
		return KindUint32
	}
	return KindUint64
}

// ParseKind accepts the short names (u32, f64) and WIT spellings (s32,
// float64).
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bool":
		return KindBool, nil
	case "i8", "s8", "int8":
		return KindInt8, nil
	case "u8", "uint8", "byte":
		return KindUint8, nil
	case "i16", "s16", "int16":
		return KindInt16, nil
	case "u16", "uint16":
		return KindUint16, nil
	case "i32", "s32", "int32":
		return KindInt32, nil
	case "u32", "uint32":
		return KindUint32, nil
	case "i64", "s64", "int64":
		return KindInt64, nil
	case "u64", "uint64":
		return KindUint64, nil
	case "f32", "float32":
		return KindFloat32, nil
	case "f64", "float64":
		return KindFloat64, nil
	}
	return KindInvalid, fmt.Errorf("unknown scalar kind %q", s)
}
