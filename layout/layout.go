package layout

import (
	"fmt"
	"strings"

	"github.com/wippyai/wasm-membridge/errors"
	"github.com/wippyai/wasm-membridge/view"
)

// MemberType is the shape of a struct member.
type MemberType uint8

const (
	Scalar MemberType = iota
	Pointer
	Slice
	Embedded
)

func (t MemberType) String() string {
	switch t {
	case Scalar:
		return "scalar"
	case Pointer:
		return "pointer"
	case Slice:
		return "slice"
	case Embedded:
		return "embedded"
	default:
		return fmt.Sprintf("member(%d)", uint8(t))
	}
}

// Member is one field of a Struct.
type Member struct {
	Target    *Struct
	Name      string
	Offset    uint64
	BitOffset uint64
	BitSize   uint64
	Type      MemberType
	Kind      view.Kind
	// Const marks a pointer whose target the foreign side may not modify.
	Const bool
	// Optional marks a pointer that may be empty.
	Optional bool
}

// IsPointer reports whether the member holds a foreign address.
func (m *Member) IsPointer() bool {
	return m.Type == Pointer || m.Type == Slice
}

// Struct describes one structure type.
type Struct struct {
	Name    string
	Members []Member
	Size    uint64
	Align   uint64

	pointers []int
	scanned  bool
	reach    bool
}

// Field is the input to Layout: a member without an offset.
type Field struct {
	Target   *Struct
	Name     string
	Type     MemberType
	Kind     view.Kind
	Bits     uint64
	Const    bool
	Optional bool
}

// NewStruct builds and lays out a struct in one step. Use Layout directly
// for self-referential types.
func NewStruct(name string, addrSize uint64, fields ...Field) (*Struct, error) {
	s := &Struct{Name: name}
	if err := s.Layout(addrSize, fields...); err != nil {
		return nil, err
	}
	return s, nil
}

// Layout assigns C-style offsets to fields: each member aligned to its
// natural alignment, the struct padded to its largest alignment. Runs of
// bit fields are packed back to back starting on a byte boundary.
func (s *Struct) Layout(addrSize uint64, fields ...Field) error {
	if addrSize != 4 && addrSize != 8 {
		return errors.InvalidInput(errors.PhaseLayout, fmt.Sprintf("address size must be 4 or 8, got %d", addrSize))
	}
	s.Members = s.Members[:0]
	s.pointers = nil
	s.scanned = false

	offset := uint64(0)
	bitCursor := uint64(0)
	inBits := false
	maxAlign := uint64(1)

	for _, f := range fields {
		if f.Bits > 0 {
			if f.Type != Scalar || f.Bits > 64 {
				return errors.InvalidData(errors.PhaseLayout, []string{s.Name, f.Name}, "bit fields must be scalars of at most 64 bits")
			}
			if !inBits {
				bitCursor = offset * 8
				inBits = true
			}
			s.Members = append(s.Members, Member{
				Name:      f.Name,
				Type:      Scalar,
				Kind:      f.Kind,
				Offset:    bitCursor / 8,
				BitOffset: bitCursor % 8,
				BitSize:   f.Bits,
			})
			bitCursor += f.Bits
			continue
		}
		if inBits {
			offset = (bitCursor + 7) / 8
			inBits = false
		}

		size, align, err := fieldSize(f, addrSize)
		if err != nil {
			return errors.Wrap(errors.PhaseLayout, errors.KindInvalidData, err, s.Name+"."+f.Name)
		}
		offset = AlignTo(offset, align)
		if align > maxAlign {
			maxAlign = align
		}
		s.Members = append(s.Members, Member{
			Target:   f.Target,
			Name:     f.Name,
			Offset:   offset,
			Type:     f.Type,
			Kind:     f.Kind,
			Const:    f.Const,
			Optional: f.Optional,
		})
		offset += size
	}
	if inBits {
		offset = (bitCursor + 7) / 8
	}

	s.Align = maxAlign
	s.Size = AlignTo(offset, maxAlign)
	return nil
}

func fieldSize(f Field, addrSize uint64) (size, align uint64, err error) {
	switch f.Type {
	case Scalar:
		size = f.Kind.Size()
		if size == 0 {
			return 0, 0, fmt.Errorf("invalid scalar kind %v", f.Kind)
		}
		return size, size, nil
	case Pointer:
		if f.Target == nil {
			return 0, 0, fmt.Errorf("pointer without target")
		}
		return addrSize, addrSize, nil
	case Slice:
		if f.Target == nil {
			return 0, 0, fmt.Errorf("slice without element type")
		}
		return 2 * addrSize, addrSize, nil
	case Embedded:
		if f.Target == nil || f.Target.Align == 0 {
			return 0, 0, fmt.Errorf("embedded struct must be laid out first")
		}
		return f.Target.Size, f.Target.Align, nil
	}
	return 0, 0, fmt.Errorf("unknown member type %v", f.Type)
}

// AlignTo rounds offset up to a multiple of align (a power of two).
func AlignTo(offset, align uint64) uint64 {
	if align == 0 {
		return offset
	}
	return (offset + align - 1) &^ (align - 1)
}

// Member returns the member with the given name and its index.
func (s *Struct) Member(name string) (*Member, int) {
	for i := range s.Members {
		if s.Members[i].Name == name {
			return &s.Members[i], i
		}
	}
	return nil, -1
}

// Pointers returns the indexes of pointer and slice members, in order.
func (s *Struct) Pointers() []int {
	if s.pointers == nil {
		s.pointers = []int{}
		for i := range s.Members {
			if s.Members[i].IsPointer() {
				s.pointers = append(s.pointers, i)
			}
		}
	}
	return s.pointers
}

// HasPointers reports whether any pointer is reachable from the struct's own
// bytes, including through embedded members.
func (s *Struct) HasPointers() bool {
	if !s.scanned {
		s.scanned = true
		s.reach = false
		for i := range s.Members {
			m := &s.Members[i]
			if m.IsPointer() || (m.Type == Embedded && m.Target.HasPointers()) {
				s.reach = true
				break
			}
		}
	}
	return s.reach
}

// Validate checks that every member fits inside the struct and that pointer
// members have targets.
func (s *Struct) Validate(addrSize uint64) error {
	if s.Align == 0 || s.Align&(s.Align-1) != 0 {
		return errors.InvalidData(errors.PhaseLayout, []string{s.Name}, fmt.Sprintf("alignment %d is not a power of two", s.Align))
	}
	for i := range s.Members {
		m := &s.Members[i]
		var end uint64
		switch {
		case m.BitSize > 0:
			end = (m.Offset*8 + m.BitOffset + m.BitSize + 7) / 8
		case m.Type == Scalar:
			end = m.Offset + m.Kind.Size()
		case m.Type == Pointer:
			end = m.Offset + addrSize
		case m.Type == Slice:
			end = m.Offset + 2*addrSize
		case m.Type == Embedded:
			end = m.Offset + m.Target.Size
		}
		if m.IsPointer() || m.Type == Embedded {
			if m.Target == nil {
				return errors.InvalidData(errors.PhaseLayout, []string{s.Name, m.Name}, "missing target struct")
			}
		}
		if end > s.Size {
			return errors.InvalidData(errors.PhaseLayout, []string{s.Name, m.Name}, fmt.Sprintf("member ends at %d, struct size is %d", end, s.Size))
		}
	}
	return nil
}

func (s *Struct) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (size %d, align %d)\n", s.Name, s.Size, s.Align)
	for _, m := range s.Members {
		switch {
		case m.BitSize > 0:
			fmt.Fprintf(&b, "  %4d.%d %-12s %s:%d\n", m.Offset, m.BitOffset, m.Name, m.Kind, m.BitSize)
		case m.Type == Scalar:
			fmt.Fprintf(&b, "  %6d %-12s %s\n", m.Offset, m.Name, m.Kind)
		default:
			var flags []string
			if m.Const {
				flags = append(flags, "const")
			}
			if m.Optional {
				flags = append(flags, "optional")
			}
			suffix := ""
			if len(flags) > 0 {
				suffix = " [" + strings.Join(flags, ",") + "]"
			}
			fmt.Fprintf(&b, "  %6d %-12s %s<%s>%s\n", m.Offset, m.Name, m.Type, m.Target.Name, suffix)
		}
	}
	return b.String()
}

var scalarStructs = func() map[view.Kind]*Struct {
	m := make(map[view.Kind]*Struct)
	for k := view.KindBool; k <= view.KindFloat64; k++ {
		m[k] = &Struct{
			Name:    k.String(),
			Members: []Member{{Name: "value", Type: Scalar, Kind: k}},
			Size:    k.Size(),
			Align:   k.Size(),
		}
	}
	return m
}()

// ScalarStruct returns a one-member struct wrapping k, used as the element
// type of slices of scalars. The member is named "value". It returns nil for
// an invalid kind.
func ScalarStruct(k view.Kind) *Struct {
	return scalarStructs[k]
}
