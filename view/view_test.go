package view

import (
	stderrors "errors"
	"math"
	"testing"

	membridge "github.com/wippyai/wasm-membridge"
	"github.com/wippyai/wasm-membridge/errors"
)

type fakeGen struct{ gen uint64 }

func (f *fakeGen) Generation() uint64 { return f.gen }

func TestView_ScalarRoundTrip(t *testing.T) {
	buf := NewBuffer(make([]byte, 32), membridge.Relocatable)
	v, err := New(buf, 0, 32)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		value any
		kind  Kind
		off   uint64
	}{
		{true, KindBool, 0},
		{int8(-5), KindInt8, 1},
		{uint16(0xbeef), KindUint16, 2},
		{int32(-1234), KindInt32, 4},
		{uint32(1234), KindUint32, 8},
		{int64(-1 << 40), KindInt64, 16},
		{float32(1.5), KindFloat32, 12},
		{float64(math.Pi), KindFloat64, 24},
	}

	for _, tc := range tests {
		t.Run(tc.kind.String(), func(t *testing.T) {
			if err := v.SetValue(tc.kind, tc.off, tc.value); err != nil {
				t.Fatalf("SetValue: %v", err)
			}
			got, err := v.Value(tc.kind, tc.off)
			if err != nil {
				t.Fatalf("Value: %v", err)
			}
			if got != tc.value {
				t.Errorf("expected %v (%T), got %v (%T)", tc.value, tc.value, got, got)
			}
		})
	}
}

func TestView_LittleEndian(t *testing.T) {
	buf := NewBuffer(make([]byte, 8), membridge.Relocatable)
	v, _ := New(buf, 0, 8)
	if err := v.SetUint32(0, 0x11223344); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x44, 0x33, 0x22, 0x11}
	for i, b := range want {
		if buf.Bytes()[i] != b {
			t.Fatalf("byte %d: expected %#x, got %#x", i, b, buf.Bytes()[i])
		}
	}
}

func TestView_OutOfBounds(t *testing.T) {
	buf := NewBuffer(make([]byte, 16), membridge.Relocatable)
	v, _ := New(buf, 8, 8)

	if _, err := v.Uint64(4); !stderrors.Is(err, &errors.Error{Phase: errors.PhaseRuntime, Kind: errors.KindOutOfBounds}) {
		t.Errorf("expected out_of_bounds, got %v", err)
	}
	if _, err := New(buf, 12, 8); err == nil {
		t.Error("expected error for view past end of buffer")
	}
}

func TestView_Bits(t *testing.T) {
	buf := NewBuffer(make([]byte, 16), membridge.Relocatable)
	v, _ := New(buf, 0, 16)

	tests := []struct {
		off, size, value uint64
	}{
		{0, 1, 1},
		{3, 5, 0x15},
		{7, 9, 0x1ab},
		{13, 64, 0xfedcba9876543210},
		{77, 3, 5},
	}
	for _, tc := range tests {
		if err := v.SetBits(tc.off, tc.size, tc.value); err != nil {
			t.Fatalf("SetBits(%d,%d): %v", tc.off, tc.size, err)
		}
		got, err := v.Bits(tc.off, tc.size)
		if err != nil {
			t.Fatalf("Bits(%d,%d): %v", tc.off, tc.size, err)
		}
		if got != tc.value {
			t.Errorf("Bits(%d,%d) = %#x, want %#x", tc.off, tc.size, got, tc.value)
		}
	}

	// neighbours of a field must survive writes to it
	clear(buf.Bytes())
	_ = v.SetBits(0, 8, 0xff)
	_ = v.SetBits(16, 8, 0xff)
	_ = v.SetBits(8, 8, 0)
	if b := buf.Bytes(); b[0] != 0xff || b[1] != 0 || b[2] != 0xff {
		t.Errorf("neighbouring bits clobbered: %x", b[:3])
	}
}

func TestView_AddressAttachOnce(t *testing.T) {
	buf := NewFixedBuffer(make([]byte, 64), 0x1000)
	v, _ := New(buf, 16, 8)

	addr, ok := v.Address()
	if !ok || addr != 0x1010 {
		t.Fatalf("expected 0x1010, got %s (%v)", addr, ok)
	}
	if err := v.AttachAddress(0x1010); err != nil {
		t.Errorf("re-attaching the same address: %v", err)
	}
	if err := v.AttachAddress(0x2000); err == nil {
		t.Error("expected invariant error for different address")
	}

	rel := NewBuffer(make([]byte, 8), membridge.Relocatable)
	if err := rel.SetAddress(0x10); err == nil {
		t.Error("relocatable buffers must not take an address")
	}
}

func TestView_Detached(t *testing.T) {
	gen := &fakeGen{}
	buf := NewFixedBuffer(make([]byte, 16), 0).Track(gen)
	v, _ := New(buf, 0, 16)

	if err := v.SetUint32(0, 7); err != nil {
		t.Fatal(err)
	}
	gen.gen++

	if v.Live() {
		t.Error("view should not be live after generation change")
	}
	_, err := v.Uint32(0)
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseRecover, Kind: errors.KindDetachedBuffer}) {
		t.Errorf("expected detached_buffer, got %v", err)
	}
}

func TestView_Released(t *testing.T) {
	buf := NewBuffer(make([]byte, 8), membridge.Relocatable)
	v, _ := New(buf, 0, 8)
	buf.Release()
	if _, err := v.Bytes(); err == nil {
		t.Error("expected error reading a released buffer")
	}
}

func TestBuffer_Contains(t *testing.T) {
	buf := NewFixedBuffer(make([]byte, 32), 0x100)
	tests := []struct {
		addr   membridge.Address
		length uint64
		want   bool
	}{
		{0x100, 32, true},
		{0x110, 16, true},
		{0x110, 17, false},
		{0xff, 1, false},
		{0x120, 0, true},
	}
	for _, tc := range tests {
		if got := buf.Contains(tc.addr, tc.length); got != tc.want {
			t.Errorf("Contains(%s, %d) = %v, want %v", tc.addr, tc.length, got, tc.want)
		}
	}
}

func TestParseKind(t *testing.T) {
	for _, name := range []string{"u32", "s32", "i64", "float64", "bool"} {
		if _, err := ParseKind(name); err != nil {
			t.Errorf("ParseKind(%q): %v", name, err)
		}
	}
	if _, err := ParseKind("string"); err == nil {
		t.Error("expected error for non-scalar")
	}
}
