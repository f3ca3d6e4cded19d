package layout

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/wippyai/wasm-membridge/errors"
	"github.com/wippyai/wasm-membridge/view"
)

// Document is the YAML form of a set of structure descriptions:
//
//	address_size: 4
//	structs:
//	  - name: Node
//	    fields:
//	      - {name: value, kind: i32}
//	      - {name: next, pointer: Node, optional: true}
//	      - {name: tags, slice: u8, const: true}
//	      - {name: dirty, kind: u8, bits: 1}
type Document struct {
	Structs     []StructDoc `yaml:"structs"`
	AddressSize uint64      `yaml:"address_size"`
}

type StructDoc struct {
	Name   string     `yaml:"name"`
	Fields []FieldDoc `yaml:"fields"`
}

// FieldDoc sets exactly one of Kind, Pointer, Slice or Embed. Pointer and
// Slice accept a struct name or a scalar kind name.
type FieldDoc struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind,omitempty"`
	Pointer  string `yaml:"pointer,omitempty"`
	Slice    string `yaml:"slice,omitempty"`
	Embed    string `yaml:"embed,omitempty"`
	Bits     uint64 `yaml:"bits,omitempty"`
	Const    bool   `yaml:"const,omitempty"`
	Optional bool   `yaml:"optional,omitempty"`
}

// Decode parses a YAML document and lays out every struct it names. The
// result maps struct names to laid out structs. Pointers may reference any
// struct in the document, including cycles; embedded structs may not form
// cycles.
func Decode(data []byte) (map[string]*Struct, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(errors.PhaseLayout, errors.KindInvalidData, err, "decode layout document")
	}
	return doc.Build()
}

// Build lays out the document's structs.
func (d *Document) Build() (map[string]*Struct, error) {
	addrSize := d.AddressSize
	if addrSize == 0 {
		addrSize = WITAddressSize
	}

	docs := make(map[string]*StructDoc, len(d.Structs))
	out := make(map[string]*Struct, len(d.Structs))
	for i := range d.Structs {
		sd := &d.Structs[i]
		if sd.Name == "" {
			return nil, errors.InvalidData(errors.PhaseLayout, nil, fmt.Sprintf("struct %d has no name", i))
		}
		if _, dup := docs[sd.Name]; dup {
			return nil, errors.InvalidData(errors.PhaseLayout, []string{sd.Name}, "duplicate struct")
		}
		docs[sd.Name] = sd
		out[sd.Name] = &Struct{Name: sd.Name}
	}

	b := &docBuilder{docs: docs, out: out, addrSize: addrSize, state: make(map[string]int)}
	for i := range d.Structs {
		if err := b.build(d.Structs[i].Name); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type docBuilder struct {
	docs     map[string]*StructDoc
	out      map[string]*Struct
	state    map[string]int // 1 building, 2 done
	addrSize uint64
}

func (b *docBuilder) build(name string) error {
	switch b.state[name] {
	case 2:
		return nil
	case 1:
		return errors.InvalidData(errors.PhaseLayout, []string{name}, "embedded struct cycle")
	}
	b.state[name] = 1

	sd := b.docs[name]
	fields := make([]Field, 0, len(sd.Fields))
	for _, fd := range sd.Fields {
		f, err := b.field(sd.Name, fd)
		if err != nil {
			return err
		}
		fields = append(fields, f)
	}
	if err := b.out[name].Layout(b.addrSize, fields...); err != nil {
		return err
	}
	b.state[name] = 2
	return nil
}

func (b *docBuilder) field(owner string, fd FieldDoc) (Field, error) {
	path := []string{owner, fd.Name}
	f := Field{Name: fd.Name, Bits: fd.Bits, Const: fd.Const, Optional: fd.Optional}

	set := 0
	for _, s := range []string{fd.Kind, fd.Pointer, fd.Slice, fd.Embed} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return f, errors.InvalidData(errors.PhaseLayout, path, "field needs exactly one of kind, pointer, slice, embed")
	}

	switch {
	case fd.Kind != "":
		k, err := view.ParseKind(fd.Kind)
		if err != nil {
			return f, errors.Wrap(errors.PhaseLayout, errors.KindInvalidData, err, owner+"."+fd.Name)
		}
		f.Kind = k
	case fd.Pointer != "":
		f.Type = Pointer
		f.Target = b.target(fd.Pointer)
	case fd.Slice != "":
		f.Type = Slice
		f.Target = b.target(fd.Slice)
	case fd.Embed != "":
		f.Type = Embedded
		if _, ok := b.docs[fd.Embed]; !ok {
			return f, errors.InvalidData(errors.PhaseLayout, path, fmt.Sprintf("unknown struct %q", fd.Embed))
		}
		if err := b.build(fd.Embed); err != nil {
			return f, err
		}
		f.Target = b.out[fd.Embed]
	}
	if (f.Type == Pointer || f.Type == Slice) && f.Target == nil {
		return f, errors.InvalidData(errors.PhaseLayout, path, "unknown pointer target")
	}
	return f, nil
}

func (b *docBuilder) target(name string) *Struct {
	if s, ok := b.out[name]; ok {
		return s
	}
	if k, err := view.ParseKind(name); err == nil {
		return ScalarStruct(k)
	}
	return nil
}
