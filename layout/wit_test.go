package layout

import (
	"testing"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-membridge/view"
)

func TestFromWIT_Record(t *testing.T) {
	name := "person"
	person := &wit.TypeDef{
		Name: &name,
		Kind: &wit.Record{
			Fields: []wit.Field{
				{Name: "age", Type: wit.U8{}},
				{Name: "name", Type: wit.String{}},
				{Name: "scores", Type: &wit.TypeDef{Kind: &wit.List{Type: wit.F64{}}}},
			},
		},
	}

	s, err := FromWIT(person)
	if err != nil {
		t.Fatalf("FromWIT: %v", err)
	}
	if s.Name != "person" {
		t.Errorf("name %q", s.Name)
	}
	// canonical ABI: u8 @0, string @4 (ptr,len), list @12 (ptr,len)
	if s.Size != 20 || s.Align != 4 {
		t.Errorf("size/align = %d/%d, want 20/4", s.Size, s.Align)
	}
	str, _ := s.Member("name")
	if str.Type != Slice || !str.Const || str.Target.Members[0].Kind != view.KindUint8 || str.Offset != 4 {
		t.Errorf("string member = %+v", str)
	}
	scores, _ := s.Member("scores")
	if scores.Type != Slice || scores.Target.Size != 8 || scores.Offset != 12 {
		t.Errorf("scores member = %+v", scores)
	}
}

func TestFromWIT_ListOfRecords(t *testing.T) {
	point := &wit.TypeDef{Kind: &wit.Record{Fields: []wit.Field{
		{Name: "x", Type: wit.S32{}},
		{Name: "y", Type: wit.S32{}},
	}}}
	conv := NewConverter()
	s, err := conv.Convert(&wit.TypeDef{Kind: &wit.List{Type: point}})
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Members) != 1 || s.Members[0].Type != Slice || s.Members[0].Target.Size != 8 {
		t.Fatalf("unexpected:\n%s", s)
	}

	again, _ := conv.Convert(point)
	if again != s.Members[0].Target {
		t.Error("converter should cache record structs")
	}
}

func TestFromWIT_EnumFlags(t *testing.T) {
	enum := &wit.TypeDef{Kind: &wit.Enum{Cases: []wit.EnumCase{{Name: "a"}, {Name: "b"}}}}
	flags := &wit.TypeDef{Kind: &wit.Flags{Flags: make([]wit.Flag, 12)}}
	rec := &wit.TypeDef{Kind: &wit.Record{Fields: []wit.Field{
		{Name: "e", Type: enum},
		{Name: "f", Type: flags},
	}}}
	s, err := FromWIT(rec)
	if err != nil {
		t.Fatal(err)
	}
	if s.Members[0].Kind != view.KindUint8 || s.Members[1].Kind != view.KindUint16 {
		t.Errorf("unexpected kinds:\n%s", s)
	}
}

func TestFromWIT_Unsupported(t *testing.T) {
	opt := &wit.TypeDef{Kind: &wit.Option{Type: wit.U32{}}}
	if _, err := FromWIT(opt); err == nil {
		t.Error("expected error for option")
	}
}

func TestParseWIT(t *testing.T) {
	s, err := ParseWIT("string")
	if err != nil {
		t.Fatalf("ParseWIT: %v", err)
	}
	if s.Members[0].Type != Slice || !s.Members[0].Const || s.Members[0].Target.Members[0].Kind != view.KindUint8 {
		t.Errorf("unexpected:\n%s", s)
	}

	u, err := ParseWIT("u32")
	if err != nil {
		t.Fatalf("ParseWIT: %v", err)
	}
	if u != ScalarStruct(view.KindUint32) {
		t.Errorf("u32 should convert to the scalar struct, got:\n%s", u)
	}

	if _, err := ParseWIT("invalid-type-xyz"); err == nil {
		t.Error("expected error for unknown type")
	}
}
