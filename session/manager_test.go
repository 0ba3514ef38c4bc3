package session

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"dbscope/catalog"
	"dbscope/s7"
	"dbscope/schema"
	"dbscope/snapshot"
)

const motorUdt = `TYPE "Motor"
VERSION : 0.1
   STRUCT
      Speed : Int;
      Running : Bool;
   END_STRUCT;
END_TYPE
`

const db1Source = `DATA_BLOCK "DB1"
VERSION : 0.1
   STRUCT
      M1 : "Motor";
      Count : Int;
   END_STRUCT;
BEGIN
END_DATA_BLOCK
`

const brokenSource = `DATA_BLOCK "Broken"
   STRUCT
      A : Int
`

type fakeSource struct {
	mu       sync.Mutex
	data     []byte
	written  []byte
	reads    int
	lastNum  int
	readErr  error
	writeErr error
}

func (f *fakeSource) ReadDB(ctx context.Context, number, size int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	f.lastNum = number
	if f.readErr != nil {
		return nil, f.readErr
	}
	return append([]byte(nil), f.data...), nil
}

func (f *fakeSource) WriteDB(ctx context.Context, number int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append([]byte(nil), data...)
	f.data = append([]byte(nil), data...)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeSource) {
	t.Helper()
	dir := t.TempDir()
	for name, body := range map[string]string{
		"motor.udt": motorUdt,
		"DB1.db":    db1Source,
		"Broken.db": brokenSource,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}
	cat := catalog.New(dir, nil)
	if err := cat.Scan(); err != nil {
		t.Fatal(err)
	}
	src := &fakeSource{data: []byte{0x00, 0x05, 0x01, 0x00, 0x00, 0x0A}}
	return NewManager(cat, src), src
}

func leafValue(t *testing.T, m *Manager, path string) interface{} {
	t.Helper()
	v, err := m.Lookup(path)
	if err != nil {
		t.Fatalf("Lookup(%s): %v", path, err)
	}
	return v.Value
}

func TestNoDatablock(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Refresh(ctx); !errors.Is(err, ErrNoDatablock) {
		t.Errorf("Refresh error = %v", err)
	}
	if _, err := m.Apply(schema.Criteria{}); !errors.Is(err, ErrNoDatablock) {
		t.Errorf("Apply error = %v", err)
	}
	if _, err := m.Write(ctx, "Count", "1"); !errors.Is(err, ErrNoDatablock) {
		t.Errorf("Write error = %v", err)
	}
	if _, err := m.Tree(false); !errors.Is(err, ErrNoDatablock) {
		t.Errorf("Tree error = %v", err)
	}
	if _, err := m.Snapshot(); !errors.Is(err, ErrNoDatablock) {
		t.Errorf("Snapshot error = %v", err)
	}
}

func TestOpenAndRefresh(t *testing.T) {
	m, src := newTestManager(t)
	info, err := m.Open("DB1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if info.Number != 1 || info.Size != 6 || info.FilterMode != "reset" {
		t.Errorf("info = %+v", info)
	}
	if got := leafValue(t, m, "Count"); got != int64(0) {
		t.Errorf("Count before refresh = %v, want 0", got)
	}

	var seen *snapshot.Snapshot
	m.SetOnRefresh(func(s *snapshot.Snapshot) { seen = s })

	snap, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if src.lastNum != 1 {
		t.Errorf("read DB%d, want DB1", src.lastNum)
	}
	if seen != snap {
		t.Error("refresh callback not called with the snapshot")
	}
	tests := []struct {
		path string
		want interface{}
	}{
		{"M1.Speed", int64(5)},
		{"M1.Running", true},
		{"Count", int64(10)},
	}
	for _, tt := range tests {
		if got := leafValue(t, m, tt.path); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.path, got, tt.want)
		}
		if e, ok := snap.Find(tt.path); !ok || e.Value != tt.want {
			t.Errorf("snapshot %s = %+v", tt.path, e)
		}
	}
}

func TestFailuresKeepPreviousState(t *testing.T) {
	m, src := newTestManager(t)
	if _, err := m.Open("DB1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Open("Broken"); err == nil {
		t.Fatal("Open of a malformed source succeeded")
	}
	if info, _ := m.Info(); info.Name != "DB1" {
		t.Errorf("open datablock = %s after failed open", info.Name)
	}

	src.data = []byte{0x00, 0x07}
	if _, err := m.Refresh(context.Background()); !errors.Is(err, s7.ErrBufferTooSmall) {
		t.Errorf("short read error = %v, want ErrBufferTooSmall", err)
	}
	if got := leafValue(t, m, "Count"); got != int64(10) {
		t.Errorf("Count after failed refresh = %v, want 10", got)
	}

	src.readErr = errors.New("connection reset")
	if _, err := m.Refresh(context.Background()); err == nil {
		t.Error("Refresh with a failing source succeeded")
	}
	if info, _ := m.Info(); info.LastError == "" {
		t.Error("last error not recorded")
	}
}

func TestApplyFilter(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Open("DB1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	five := "5"
	mode, err := m.Apply(schema.Criteria{Value: &five})
	if err != nil || mode != schema.ModeValue {
		t.Fatalf("Apply = %v, %v", mode, err)
	}
	tree, err := m.Tree(true)
	if err != nil {
		t.Fatal(err)
	}
	if len(tree.Children) != 1 || tree.Children[0].Name != "M1" {
		t.Fatalf("visible children = %+v, want only M1", tree.Children)
	}
	if m1 := tree.Children[0]; len(m1.Children) != 1 || m1.Children[0].Name != "Speed" {
		t.Errorf("visible M1 children = %+v, want only Speed", m1.Children)
	}

	// Invalid criteria keep the previous filter.
	name := "Speed"
	if _, err := m.Apply(schema.Criteria{Container: &name}); !errors.Is(err, schema.ErrInvalidFilterCombination) {
		t.Errorf("Apply error = %v", err)
	}
	if info, _ := m.Info(); info.FilterMode != "value" {
		t.Errorf("filter mode = %s, want value", info.FilterMode)
	}

	if err := m.ResetFilter(); err != nil {
		t.Fatal(err)
	}
	tree, _ = m.Tree(true)
	if len(tree.Children) != 2 {
		t.Errorf("children after reset = %d, want 2", len(tree.Children))
	}
}

func TestWrite(t *testing.T) {
	m, src := newTestManager(t)
	if _, err := m.Open("DB1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	v, err := m.Write(context.Background(), "Count", "-2")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if v.Value != int64(-2) || v.Address != "DB1.DBW4" {
		t.Errorf("view = %+v", v)
	}
	want := []byte{0x00, 0x05, 0x01, 0x00, 0xFF, 0xFE}
	if !bytes.Equal(src.written, want) {
		t.Errorf("written = % X, want % X", src.written, want)
	}
	if !bytes.Equal(m.Buffer(), want) {
		t.Errorf("buffer = % X", m.Buffer())
	}

	tests := []struct {
		name    string
		path    string
		literal string
		target  error
	}{
		{"unknown path", "Nope", "1", ErrNotFound},
		{"out of range", "Count", "70000", s7.ErrValueRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Write(context.Background(), tt.path, tt.literal); !errors.Is(err, tt.target) {
				t.Errorf("error = %v, want %v", err, tt.target)
			}
		})
	}
	if _, err := m.Write(context.Background(), "M1", "1"); err == nil {
		t.Error("write to a container succeeded")
	}

	src.writeErr = errors.New("PLC refused")
	if _, err := m.Write(context.Background(), "Count", "7"); err == nil {
		t.Fatal("failed write reported success")
	}
	if got := leafValue(t, m, "Count"); got != int64(-2) {
		t.Errorf("Count after failed write = %v, want -2", got)
	}
}

func TestAddressLookup(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Open("DB1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		addr string
		path string
		err  error
	}{
		{"DB1.DBW0", "M1.Speed", nil},
		{"DB1.DBX2.0", "M1.Running", nil},
		{"DB1.4", "Count", nil},
		{"DB1.DBW1", "", ErrNotFound},
		{"DB2.DBW0", "", ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			v, err := m.AddressLookup(tt.addr)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Errorf("error = %v, want %v", err, tt.err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if v.Path != tt.path {
				t.Errorf("path = %s, want %s", v.Path, tt.path)
			}
		})
	}
	if _, err := m.AddressLookup("garbage"); err == nil {
		t.Error("malformed address accepted")
	}
}

func TestCaptureAndReplay(t *testing.T) {
	m, src := newTestManager(t)
	if _, err := m.Open("DB1"); err != nil {
		t.Fatal(err)
	}
	if err := m.StartCapture("fake"); err != nil {
		t.Fatal(err)
	}
	for _, speed := range []byte{1, 2, 3} {
		src.data[1] = speed
		if _, err := m.Refresh(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	c := m.StopCapture()
	if c == nil || len(c.Frames) != 3 || c.Number != 1 || c.Size != 6 {
		t.Fatalf("capture = %+v", c)
	}

	m.SetSource(snapshot.NewReplay(c, false))
	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := leafValue(t, m, "M1.Speed"); got != int64(1) {
		t.Errorf("first replayed Speed = %v, want 1", got)
	}
	if _, err := m.Write(context.Background(), "Count", "1"); !errors.Is(err, snapshot.ErrReadOnly) {
		t.Errorf("write to replay error = %v", err)
	}
}

func TestSetNumber(t *testing.T) {
	m, src := newTestManager(t)
	if err := m.SetNumber(3); !errors.Is(err, ErrNoDatablock) {
		t.Errorf("error = %v", err)
	}
	if _, err := m.Open("DB1"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetNumber(12); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if src.lastNum != 12 {
		t.Errorf("read DB%d, want DB12", src.lastNum)
	}
	if e, _ := m.Catalog().Find("DB1"); e.Number != 12 {
		t.Errorf("catalog number = %d", e.Number)
	}
}

const mixedSource = `DATA_BLOCK "Mixed"
VERSION : 0.1
   STRUCT
      R : Real;
      B : Bool;
   END_STRUCT;
BEGIN
END_DATA_BLOCK
`

func TestWriteStoresDecodedValue(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Mixed.db"), []byte(mixedSource), 0644); err != nil {
		t.Fatal(err)
	}
	cat := catalog.New(dir, nil)
	if err := cat.Scan(); err != nil {
		t.Fatal(err)
	}
	src := &fakeSource{data: make([]byte, 6)}
	m := NewManager(cat, src)
	ctx := context.Background()
	if _, err := m.Open("Mixed"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	v, err := m.Write(ctx, "R", "5")
	if err != nil {
		t.Fatalf("Write(R): %v", err)
	}
	if v.Value != float64(5) {
		t.Errorf("R = %v (%T), want 5", v.Value, v.Value)
	}
	if want := []byte{0x40, 0xA0, 0x00, 0x00}; !bytes.Equal(src.written[:4], want) {
		t.Errorf("R bytes = % X, want % X", src.written[:4], want)
	}

	if _, err := m.Write(ctx, "R", "1.5"); err != nil {
		t.Fatalf("Write(R, 1.5): %v", err)
	}
	if got := leafValue(t, m, "R"); got != float64(1.5) {
		t.Errorf("R = %v (%T), want 1.5", got, got)
	}

	if _, err := m.Write(ctx, "B", "1"); err != nil {
		t.Fatalf("Write(B): %v", err)
	}
	if got := leafValue(t, m, "B"); got != true {
		t.Errorf("B = %v (%T), want true", got, got)
	}
	target := "true"
	if _, err := m.Apply(schema.Criteria{Value: &target}); err != nil {
		t.Fatal(err)
	}
	b, err := m.Lookup("B")
	if err != nil {
		t.Fatal(err)
	}
	if !b.Visible {
		t.Error("B hidden by a value filter for true")
	}

	if _, err := m.Write(ctx, "R", "fast"); !errors.Is(err, s7.ErrValueKind) {
		t.Errorf("Write(R, fast) error = %v, want ErrValueKind", err)
	}
}
