package parser

import (
	"errors"
	"strings"
	"testing"

	"dbscope/s7"
	"dbscope/schema"
)

const motorSource = "\ufeff" + `TYPE "Motor"
VERSION : 0.1
   STRUCT
      Speed : Int;   // rpm
      Running : Bool;
   END_STRUCT;

END_TYPE

DATA_BLOCK "DB1"
{ S7_Optimized_Access := 'FALSE' }
VERSION : 0.1
NON_RETAIN
   STRUCT
      M1 : "Motor";
      Count : Int := 0;
   END_STRUCT;


BEGIN
   Count := 3;
END_DATA_BLOCK
`

func TestParseMotor(t *testing.T) {
	res, err := Parse(motorSource)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", res.Warnings)
	}

	db := res.Datablock
	if db.Name != "DB1" {
		t.Errorf("datablock name = %q, want DB1", db.Name)
	}
	if db.Version != "0.1" {
		t.Errorf("version = %q, want 0.1", db.Version)
	}
	if !db.NonRetain {
		t.Error("NON_RETAIN not recorded")
	}
	if !strings.Contains(db.Attributes, "S7_Optimized_Access") {
		t.Errorf("attributes = %q", db.Attributes)
	}
	if _, ok := res.Udts.Lookup("Motor"); !ok {
		t.Error("Motor not registered")
	}

	types := s7.NewTypeRegistry()
	if err := schema.Layout(db, types); err != nil {
		t.Fatalf("Layout: %v", err)
	}
	if err := schema.Decode(db, []byte{0x00, 0x05, 0x01, 0x00, 0x00, 0x0A}, types); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	tests := []struct {
		path string
		off  s7.Offset
		want s7.Value
	}{
		{"M1.Speed", s7.Offset{Byte: 0}, s7.IntValue(5)},
		{"M1.Running", s7.Offset{Byte: 2}, s7.BoolValue(true)},
		{"Count", s7.Offset{Byte: 4}, s7.IntValue(10)},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			n, ok := schema.Find(db, tt.path)
			if !ok {
				t.Fatalf("Find(%q) found nothing", tt.path)
			}
			f := schema.FieldOf(n)
			if f.Offset != tt.off {
				t.Errorf("offset = %s, want %s", f.Offset, tt.off)
			}
			if !f.Value.Equal(tt.want) {
				t.Errorf("value = %v, want %v", f.Value, tt.want)
			}
		})
	}
	if db.MaxOffset != (s7.Offset{Byte: 6}) {
		t.Errorf("MaxOffset = %s, want 6.0", db.MaxOffset)
	}
}

func TestParseNestedStructAndArrays(t *testing.T) {
	src := `DATA_BLOCK DB7
TITLE = Line data
AUTHOR : Someone
VERSION : 1.2
   STRUCT
      "Line Name" : String[20];
      Flags : Array[0..9] of Bool;
      Axis : Struct
         Pos : DInt;
         Limits : Array[1..2] of Real;
      END_STRUCT;
      Stations : Array[1..3] of Struct
         Id : USInt;
         Busy : Bool;
      END_STRUCT;
   END_STRUCT;
BEGIN
END_DATA_BLOCK
`
	res, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	db := res.Datablock
	if db.Number != 7 {
		t.Errorf("number = %d, want 7", db.Number)
	}

	checks := []struct {
		path, typ string
	}{
		{"Line Name", "String[20]"},
		{"Flags[9]", "Bool"},
		{"Axis", "Struct"},
		{"Axis.Pos", "DInt"},
		{"Axis.Limits[2]", "Real"},
		{"Stations[3].Busy", "Bool"},
	}
	for _, c := range checks {
		n, ok := schema.Find(db, c.path)
		if !ok {
			t.Errorf("Find(%q) found nothing", c.path)
			continue
		}
		if schema.TypeOf(n) != c.typ {
			t.Errorf("%s type = %q, want %q", c.path, schema.TypeOf(n), c.typ)
		}
	}

	axis, _ := schema.Find(db, "Axis")
	if axis.Parent() != schema.Container(db) {
		t.Error("Axis is not parented to the datablock")
	}
	pos, _ := schema.Find(db, "Axis.Pos")
	if pos.Parent() != axis {
		t.Error("Axis.Pos is not parented to Axis")
	}

	stations, _ := schema.Find(db, "Stations")
	if _, ok := stations.(*schema.StructArray); !ok {
		t.Fatalf("Stations is %T, want *schema.StructArray", stations)
	}
	if got := len(schema.Children(stations)); got != 3 {
		t.Errorf("Stations has %d elements, want 3", got)
	}

	types := s7.NewTypeRegistry()
	if err := schema.Layout(db, types); err != nil {
		t.Fatalf("Layout: %v", err)
	}
	n, _ := schema.Find(db, "Flags[0]")
	if off := schema.FieldOf(n).Offset; off != (s7.Offset{Byte: 22}) {
		t.Errorf("Flags[0] offset = %s, want 22.0", off)
	}
}

func TestParseNestedUdt(t *testing.T) {
	src := `TYPE "Valve"
VERSION : 0.1
   STRUCT
      Open : Bool;
      Closed : Bool;
   END_STRUCT;
END_TYPE

TYPE "Skid"
VERSION : 0.1
   STRUCT
      Valves : Array[1..2] of "Valve";
      Flow : Real;
   END_STRUCT;
END_TYPE
`
	res, err := ParseTypes(src)
	if err != nil {
		t.Fatalf("ParseTypes: %v", err)
	}
	if res.Datablock != nil {
		t.Error("ParseTypes returned a datablock")
	}
	if res.Udts.Len() != 2 {
		t.Fatalf("registered %d UDTs, want 2", res.Udts.Len())
	}

	dbSrc := `DATA_BLOCK "Plant"
VERSION : 0.1
   STRUCT
      S1 : "Skid";
   END_STRUCT;
`
	dbRes, err := Parse(dbSrc, WithUdts(res.Udts))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := schema.Find(dbRes.Datablock, "S1.Valves[2].Closed"); !ok {
		t.Error("S1.Valves[2].Closed not found")
	}
	if res.Udts.Len() != 2 {
		t.Errorf("base registry changed to %d entries", res.Udts.Len())
	}
}

func TestParseWarnings(t *testing.T) {
	src := `DATA_BLOCK "DB3"
VERSION : 0.1
   STRUCT
      A : Int;
      B : Quaternion;
      C : "Missing";
      D : Array[0..1] of "Missing";
      E : Bool;
   END_STRUCT;
BEGIN
END_DATA_BLOCK
`
	res, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(res.Warnings) != 3 {
		t.Fatalf("got %d warnings, want 3: %v", len(res.Warnings), res.Warnings)
	}

	var fe *FieldError
	if !errors.As(res.Warnings[0], &fe) || fe.Field != "B" || !errors.Is(fe, s7.ErrUnknownType) {
		t.Errorf("warning 0 = %v, want unknown type for B", res.Warnings[0])
	}
	if fe.Line != 5 {
		t.Errorf("warning 0 line = %d, want 5", fe.Line)
	}
	for _, w := range res.Warnings[1:] {
		if !errors.Is(w, ErrUnknownUdtReference) {
			t.Errorf("warning %v is not ErrUnknownUdtReference", w)
		}
	}

	var names []string
	for _, c := range res.Datablock.Children {
		names = append(names, schema.Name(c))
	}
	if strings.Join(names, ",") != "A,E" {
		t.Errorf("fields = %v, want [A E]", names)
	}
}

func TestParseUdtTypedDatablock(t *testing.T) {
	src := `TYPE "Motor"
VERSION : 0.1
   STRUCT
      Speed : Int;
   END_STRUCT;
END_TYPE

DATA_BLOCK "DB2"
VERSION : 0.1
"Motor"

BEGIN
END_DATA_BLOCK
`
	res, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := schema.Find(res.Datablock, "Motor.Speed"); !ok {
		t.Error("Motor.Speed not found in UDT-typed datablock")
	}
}

// An inclusion line naming no known UDT is dropped without a warning.
func TestParseUnresolvedInclusionIsSilent(t *testing.T) {
	src := `DATA_BLOCK "DB4"
VERSION : 0.1
   STRUCT
      "Nowhere";
      X : Byte;
   END_STRUCT;
`
	res, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("warnings = %v, want none", res.Warnings)
	}
	if len(res.Datablock.Children) != 1 {
		t.Errorf("datablock has %d children, want 1", len(res.Datablock.Children))
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		line int
	}{
		{"empty", "", 1},
		{"no datablock", "TYPE \"T\"\nVERSION : 0.1\nSTRUCT\nA : Int;\nEND_STRUCT;\nEND_TYPE\n", 7},
		{"missing colon", "DATA_BLOCK \"D\"\nVERSION : 0.1\nSTRUCT\n  A Int;\nEND_STRUCT;\n", 4},
		{"missing semicolon", "DATA_BLOCK \"D\"\nVERSION : 0.1\nSTRUCT\n  A : Int\n  B : Int;\nEND_STRUCT;\n", 5},
		{"unterminated body", "DATA_BLOCK \"D\"\nVERSION : 0.1\nSTRUCT\n  A : Int;\n", 5},
		{"bad array bound", "DATA_BLOCK \"D\"\nSTRUCT\n  A : Array[0..x] of Int;\nEND_STRUCT;\n", 3},
		{"unterminated quote", "DATA_BLOCK \"D\nSTRUCT\n", 1},
		{"garbage", "hello", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Parse(tt.src)
			if err == nil {
				t.Fatal("Parse succeeded")
			}
			if res != nil {
				t.Error("Parse returned a result with an error")
			}
			var pe *Error
			if !errors.As(err, &pe) {
				t.Fatalf("error %T is not *Error", err)
			}
			if pe.Line != tt.line {
				t.Errorf("line = %d, want %d (%v)", pe.Line, tt.line, err)
			}
		})
	}
}

func TestParseEmptyArray(t *testing.T) {
	src := "DATA_BLOCK \"D\"\nSTRUCT\n  A : Array[3..1] of Int;\nEND_STRUCT;\n"
	res, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	n, ok := schema.Find(res.Datablock, "A")
	if !ok {
		t.Fatal("A not found")
	}
	if len(schema.Children(n)) != 0 {
		t.Errorf("A has %d elements, want 0", len(schema.Children(n)))
	}
}
