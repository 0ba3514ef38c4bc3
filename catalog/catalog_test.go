package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"dbscope/config"
	"dbscope/parser"
	"dbscope/schema"
)

const motorUdt = `TYPE "Motor"
VERSION : 0.1
   STRUCT
      Speed : Int;
      Running : Bool;
   END_STRUCT;
END_TYPE
`

const lineUdt = `TYPE "Line"
VERSION : 0.1
   STRUCT
      Drives : Array[1..2] of "Motor";
   END_STRUCT;
END_TYPE
`

const db1 = `DATA_BLOCK "DB1"
VERSION : 0.1
   STRUCT
      M1 : "Motor";
      L : "Line";
      Count : Int;
   END_STRUCT;
BEGIN
END_DATA_BLOCK
`

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestScanAndLoad(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"a_motor.udt": motorUdt,
		"b_line.udt":  lineUdt,
		"DB1.db":      db1,
		"notes.txt":   "ignored",
	})
	if err := os.Mkdir(filepath.Join(dir, "sub.db"), 0755); err != nil {
		t.Fatal(err)
	}

	c := New(dir, nil)
	if err := c.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if w := c.Warnings(); len(w) != 0 {
		t.Fatalf("unexpected warnings: %v", w)
	}
	if c.Udts().Len() != 2 {
		t.Errorf("UDT library has %d entries, want 2", c.Udts().Len())
	}

	entries := c.Entries()
	if len(entries) != 1 || entries[0].Name != "DB1" {
		t.Fatalf("entries = %+v, want only DB1", entries)
	}

	res, e, err := c.Load("DB1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if e.Path != filepath.Join(dir, "DB1.db") {
		t.Errorf("path = %q", e.Path)
	}
	if res.Datablock.Number != 1 {
		t.Errorf("number = %d, want 1 from the DB name", res.Datablock.Number)
	}
	if _, ok := schema.Find(res.Datablock, "L.Drives[2].Running"); !ok {
		t.Error("L.Drives[2].Running not found")
	}
}

func TestMergeConfig(t *testing.T) {
	dir := writeFiles(t, map[string]string{"DB1.db": db1, "a.udt": motorUdt, "b.udt": lineUdt})
	c := New(dir, nil)
	if err := c.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.SourceDir = dir
	cfg.AddDatablock(config.DatablockConfig{Name: "DB1", Number: 42})
	cfg.AddDatablock(config.DatablockConfig{Name: "Extra", Path: "extra.db", Number: 7})
	c.Merge(cfg.Datablocks, cfg.DatablockPath)

	e, ok := c.Find("DB1")
	if !ok || e.Number != 42 || e.Path != filepath.Join(dir, "DB1.db") {
		t.Errorf("DB1 = %+v", e)
	}
	extra, ok := c.Find("Extra")
	if !ok || extra.Path != filepath.Join(dir, "extra.db") || extra.Number != 7 {
		t.Errorf("Extra = %+v", extra)
	}

	res, _, err := c.Load("DB1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Datablock.Number != 42 {
		t.Errorf("configured number not applied: %d", res.Datablock.Number)
	}

	// Rescanning keeps assigned numbers.
	if err := c.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if e, _ := c.Find("DB1"); e.Number != 42 {
		t.Errorf("number after rescan = %d", e.Number)
	}
}

func templateLeaves(t *testing.T, c *Catalog, name string) int {
	t.Helper()
	tmpl, ok := c.Udts().Lookup(name)
	if !ok {
		t.Fatalf("UDT %s not loaded", name)
	}
	n := 0
	for _, child := range tmpl.Children {
		n += len(schema.Leaves(child))
	}
	return n
}

func TestUdtFilesInAnyOrder(t *testing.T) {
	// "Line" sorts before "Motor", which it uses.
	dir := writeFiles(t, map[string]string{"a_line.udt": lineUdt, "b_motor.udt": motorUdt, "bad.udt": "TYPE"})
	c := New(dir, nil)
	if err := c.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if got := len(c.Warnings()); got != 1 {
		t.Errorf("got %d warnings, want 1 for bad.udt: %v", got, c.Warnings())
	}
	if c.Udts().Len() != 2 {
		t.Errorf("UDT library has %d entries, want 2", c.Udts().Len())
	}
	if got := templateLeaves(t, c, "Line"); got != 4 {
		t.Errorf("Line has %d leaves, want 4", got)
	}
}

func TestUdtChainInReverseOrder(t *testing.T) {
	cell := `TYPE "Cell"
VERSION : 0.1
   STRUCT
      L : "Line";
      Id : Int;
   END_STRUCT;
END_TYPE
`
	dir := writeFiles(t, map[string]string{"a_cell.udt": cell, "b_line.udt": lineUdt, "c_motor.udt": motorUdt})
	c := New(dir, nil)
	if err := c.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(c.Warnings()) != 0 {
		t.Errorf("unexpected warnings: %v", c.Warnings())
	}
	if got := templateLeaves(t, c, "Cell"); got != 5 {
		t.Errorf("Cell has %d leaves, want 5", got)
	}
}

func TestUdtMissingReferenceStillWarns(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a_line.udt": lineUdt})
	c := New(dir, nil)
	if err := c.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(c.Warnings()) != 1 || !errors.Is(c.Warnings()[0], parser.ErrUnknownUdtReference) {
		t.Errorf("warnings = %v, want one unknown UDT reference", c.Warnings())
	}
}

func TestSetNumberAndErrors(t *testing.T) {
	c := New(t.TempDir(), nil)
	if err := c.Scan(); err != nil {
		t.Fatalf("Scan of empty dir: %v", err)
	}

	if err := c.SetNumber("nope", 3); !errors.Is(err, ErrUnknownDatablock) {
		t.Errorf("SetNumber error = %v, want ErrUnknownDatablock", err)
	}
	if _, _, err := c.Load("nope"); !errors.Is(err, ErrUnknownDatablock) {
		t.Errorf("Load error = %v, want ErrUnknownDatablock", err)
	}

	c.Merge([]config.DatablockConfig{{Name: "NoFile"}}, nil)
	if err := c.SetNumber("NoFile", 70000); err == nil {
		t.Error("SetNumber accepted 70000")
	}
	if err := c.SetNumber("NoFile", 12); err != nil {
		t.Errorf("SetNumber: %v", err)
	}
	if _, _, err := c.Load("NoFile"); err == nil {
		t.Error("Load of an entry without a file succeeded")
	}

	missing := New(filepath.Join(t.TempDir(), "missing"), nil)
	if err := missing.Scan(); err == nil {
		t.Error("Scan of a missing folder succeeded")
	}
}
