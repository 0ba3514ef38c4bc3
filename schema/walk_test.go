package schema

import (
	"errors"
	"testing"

	"dbscope/s7"
)

func TestPathAndFind(t *testing.T) {
	types := s7.NewTypeRegistry()
	tmpl := NewUdtTemplate(`"Motor"`)
	speed, _ := NewScalar("Speed", "Int", nil, types)
	tmpl.Add(speed)

	db := NewDatablock("DB")
	flags, err := NewStandardArray("Flags", "Bool", 0, 3, db, types)
	if err != nil {
		t.Fatalf("NewStandardArray: %v", err)
	}
	Append(db, flags)

	motors, err := InstantiateUdtArray("Motors", tmpl, 1, 2, db, types)
	if err != nil {
		t.Fatalf("InstantiateUdtArray: %v", err)
	}
	Append(db, motors)

	body := NewStruct("Axis", nil)
	mustScalar(t, body, "Pos", "DInt", types)
	axes, err := NewStructArray("Axes", body, 0, 1, db, types)
	if err != nil {
		t.Fatalf("NewStructArray: %v", err)
	}
	Append(db, axes)

	tests := []struct {
		path string
		typ  string
	}{
		{"Flags", "Bool"},
		{"Flags[2]", "Bool"},
		{"Motors", "Motor"},
		{"Motors[2]", "Motor"},
		{"Motors[2].Speed", "Int"},
		{"Axes[1].Pos", "DInt"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			n, ok := Find(db, tt.path)
			if !ok {
				t.Fatalf("Find(%q) found nothing", tt.path)
			}
			if Path(n) != tt.path {
				t.Errorf("Path = %q, want %q", Path(n), tt.path)
			}
			if TypeOf(n) != tt.typ {
				t.Errorf("type = %q, want %q", TypeOf(n), tt.typ)
			}
		})
	}

	if _, ok := Find(db, "Motors[3]"); ok {
		t.Error("Find(Motors[3]) found a node outside the array bounds")
	}
	if Path(db) != "" {
		t.Errorf("root path = %q, want empty", Path(db))
	}
}

func TestFindByOffset(t *testing.T) {
	db, _ := laidOutMotor(t)

	l, ok := FindByOffset(db, s7.Offset{Byte: 4})
	if !ok {
		t.Fatal("FindByOffset(4.0) found nothing")
	}
	if Path(l) != "M1.Count" {
		t.Errorf("FindByOffset(4.0) = %q, want M1.Count", Path(l))
	}
	if _, ok := FindByOffset(db, s7.Offset{Byte: 3}); ok {
		t.Error("FindByOffset(3.0) found a leaf in padding")
	}
}

func TestLeavesOrder(t *testing.T) {
	db, _ := laidOutMotor(t)
	var names []string
	for _, l := range Leaves(db) {
		names = append(names, Name(l))
	}
	want := []string{"Speed", "Running", "Count"}
	if len(names) != len(want) {
		t.Fatalf("Leaves = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Leaves[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestCloneRejectsDatablock(t *testing.T) {
	_, err := CloneUnder(NewDatablock("DB"), nil, s7.NewTypeRegistry())
	if !errors.Is(err, ErrUnhandledNodeKind) {
		t.Fatalf("CloneUnder(Datablock) error = %v, want ErrUnhandledNodeKind", err)
	}
}

func TestCloneSetsParents(t *testing.T) {
	types := s7.NewTypeRegistry()
	s := NewStruct("S", nil)
	inner := NewStruct("Inner", s)
	mustScalar(t, inner, "V", "Int", types)
	Append(s, inner)

	db := NewDatablock("DB")
	n, err := CloneUnder(s, db, types)
	if err != nil {
		t.Fatalf("CloneUnder: %v", err)
	}
	clone := n.(*Struct)
	if clone.Parent() != Container(db) {
		t.Error("clone parent is not the new owner")
	}
	innerClone := clone.Children[0].(*Struct)
	if innerClone == inner {
		t.Fatal("nested struct was not copied")
	}
	if innerClone.Parent() != Container(clone) {
		t.Error("nested clone parent is not the cloned struct")
	}
	if innerClone.Children[0].Parent() != Container(innerClone) {
		t.Error("leaf clone parent is not the cloned inner struct")
	}
}

func TestUdtRegistryUnquotes(t *testing.T) {
	reg := NewUdtRegistry()
	reg.Register(NewUdtTemplate(`"Motor"`))

	for _, name := range []string{"Motor", `"Motor"`, ` "Motor" `} {
		if _, ok := reg.Lookup(name); !ok {
			t.Errorf("Lookup(%q) found nothing", name)
		}
	}

	c := reg.Copy()
	c.Register(NewUdtTemplate("Valve"))
	if reg.Len() != 1 || c.Len() != 2 {
		t.Errorf("Len = %d/%d after Copy, want 1/2", reg.Len(), c.Len())
	}

	reg.Merge(c)
	names := reg.Names()
	if len(names) != 2 || names[0] != "Motor" || names[1] != "Valve" {
		t.Errorf("Names = %v, want [Motor Valve]", names)
	}
}
