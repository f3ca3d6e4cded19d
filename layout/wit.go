package layout

import (
	"fmt"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-membridge/errors"
	"github.com/wippyai/wasm-membridge/view"
)

// WITAddressSize is the pointer width of the canonical ABI (wasm32).
const WITAddressSize = 4

// Converter turns WIT types into Structs using canonical ABI layout rules.
// Results are cached per type definition so shared types convert once.
type Converter struct {
	cache map[*wit.TypeDef]*Struct
}

func NewConverter() *Converter {
	return &Converter{cache: make(map[*wit.TypeDef]*Struct)}
}

// FromWIT converts a single WIT type with a fresh Converter.
func FromWIT(t wit.Type) (*Struct, error) {
	return NewConverter().Convert(t)
}

// ParseWIT parses an anonymous WIT type expression such as "string" and
// converts it.
func ParseWIT(expr string) (*Struct, error) {
	t, err := wit.ParseType(expr)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLayout, errors.KindInvalidData, err, "parse WIT type "+expr)
	}
	return FromWIT(t)
}

// Convert returns the Struct for t. Records become structs, strings and
// lists become slices, enums and flags become scalars of the discriminant
// width. Scalars convert to ScalarStruct.
func (c *Converter) Convert(t wit.Type) (*Struct, error) {
	f, err := c.field("", t)
	if err != nil {
		return nil, err
	}
	if f.Type == Embedded {
		return f.Target, nil
	}
	if f.Type == Scalar {
		return ScalarStruct(f.Kind), nil
	}
	s, err := NewStruct(describe(t), WITAddressSize, f)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Converter) field(name string, t wit.Type) (Field, error) {
	switch typ := t.(type) {
	case wit.Bool:
		return Field{Name: name, Kind: view.KindBool}, nil
	case wit.U8:
		return Field{Name: name, Kind: view.KindUint8}, nil
	case wit.S8:
		return Field{Name: name, Kind: view.KindInt8}, nil
	case wit.U16:
		return Field{Name: name, Kind: view.KindUint16}, nil
	case wit.S16:
		return Field{Name: name, Kind: view.KindInt16}, nil
	case wit.U32, wit.Char:
		return Field{Name: name, Kind: view.KindUint32}, nil
	case wit.S32:
		return Field{Name: name, Kind: view.KindInt32}, nil
	case wit.U64:
		return Field{Name: name, Kind: view.KindUint64}, nil
	case wit.S64:
		return Field{Name: name, Kind: view.KindInt64}, nil
	case wit.F32:
		return Field{Name: name, Kind: view.KindFloat32}, nil
	case wit.F64:
		return Field{Name: name, Kind: view.KindFloat64}, nil
	case wit.String:
		return Field{Name: name, Type: Slice, Target: ScalarStruct(view.KindUint8), Const: true}, nil
	case *wit.TypeDef:
		return c.typeDef(name, typ)
	}
	return Field{}, errors.Unsupported(errors.PhaseLayout, fmt.Sprintf("WIT type %T", t))
}

func (c *Converter) typeDef(name string, t *wit.TypeDef) (Field, error) {
	switch kind := t.Kind.(type) {
	case *wit.Record:
		s, err := c.record(t, kind)
		if err != nil {
			return Field{}, err
		}
		return Field{Name: name, Type: Embedded, Target: s}, nil
	case *wit.Tuple:
		s, err := c.tuple(t, kind)
		if err != nil {
			return Field{}, err
		}
		return Field{Name: name, Type: Embedded, Target: s}, nil
	case *wit.List:
		elem, err := c.Convert(kind.Type)
		if err != nil {
			return Field{}, err
		}
		return Field{Name: name, Type: Slice, Target: elem}, nil
	case *wit.Enum:
		return Field{Name: name, Kind: discriminant(len(kind.Cases))}, nil
	case *wit.Flags:
		n := len(kind.Flags)
		if n > 64 {
			return Field{}, errors.Unsupported(errors.PhaseLayout, "flags with more than 64 members")
		}
		switch {
		case n <= 8:
			return Field{Name: name, Kind: view.KindUint8}, nil
		case n <= 16:
			return Field{Name: name, Kind: view.KindUint16}, nil
		case n <= 32:
			return Field{Name: name, Kind: view.KindUint32}, nil
		default:
			return Field{Name: name, Kind: view.KindUint64}, nil
		}
	case wit.Type:
		return c.field(name, kind)
	}
	// variants, options and results carry a payload whose pointers depend on
	// the active case, which a static walk cannot know
	return Field{}, errors.Unsupported(errors.PhaseLayout, fmt.Sprintf("WIT %T in %s", t.Kind, describe(t)))
}

func (c *Converter) record(t *wit.TypeDef, r *wit.Record) (*Struct, error) {
	if cached, ok := c.cache[t]; ok {
		return cached, nil
	}
	fields := make([]Field, 0, len(r.Fields))
	for _, f := range r.Fields {
		field, err := c.field(f.Name, f.Type)
		if err != nil {
			return nil, err
		}
		fields = append(fields, field)
	}
	s, err := NewStruct(describe(t), WITAddressSize, fields...)
	if err != nil {
		return nil, err
	}
	c.cache[t] = s
	return s, nil
}

func (c *Converter) tuple(t *wit.TypeDef, tup *wit.Tuple) (*Struct, error) {
	if cached, ok := c.cache[t]; ok {
		return cached, nil
	}
	fields := make([]Field, 0, len(tup.Types))
	for i, typ := range tup.Types {
		field, err := c.field(fmt.Sprintf("f%d", i), typ)
		if err != nil {
			return nil, err
		}
		fields = append(fields, field)
	}
	s, err := NewStruct(describe(t), WITAddressSize, fields...)
	if err != nil {
		return nil, err
	}
	c.cache[t] = s
	return s, nil
}

func discriminant(cases int) view.Kind {
	switch {
	case cases <= 1<<8:
		return view.KindUint8
	case cases <= 1<<16:
		return view.KindUint16
	default:
		return view.KindUint32
	}
}

func describe(t wit.Type) string {
	if td, ok := t.(*wit.TypeDef); ok {
		if td.Name != nil {
			return *td.Name
		}
		switch k := td.Kind.(type) {
		case *wit.List:
			return "list<" + describe(k.Type) + ">"
		case *wit.Tuple:
			return "tuple"
		case *wit.Record:
			return "record"
		}
	}
	return fmt.Sprintf("%T", t)
}
