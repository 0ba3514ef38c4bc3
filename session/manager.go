// Package session holds the open datablock and serializes everything done
// to it: loading, layout, refresh from a PLC or capture, filtering, writes
// and snapshots.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dbscope/catalog"
	"dbscope/logging"
	"dbscope/s7"
	"dbscope/schema"
	"dbscope/snapshot"
)

var (
	// ErrNoDatablock is returned when an operation needs an open datablock.
	ErrNoDatablock = errors.New("no datablock open")

	// ErrNotFound is returned for a path or address that names no field.
	ErrNotFound = errors.New("field not found")

	// ErrNoSource is returned when refreshing or writing without a source.
	ErrNoSource = errors.New("no data source")
)

// Source reads and writes whole datablocks. It is implemented by
// *s7.Client and *snapshot.Replay.
type Source interface {
	ReadDB(ctx context.Context, number, size int) ([]byte, error)
	WriteDB(ctx context.Context, number int, data []byte) error
}

// Info describes the open datablock.
type Info struct {
	Name       string          `json:"name"`
	Number     int             `json:"number"`
	Size       int             `json:"size"`
	Version    string          `json:"version,omitempty"`
	Udts       int             `json:"udts"`
	Warnings   []string        `json:"warnings,omitempty"`
	FilterMode string          `json:"filter_mode"`
	Criteria   schema.Criteria `json:"criteria"`
	LastRead   time.Time       `json:"last_read,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
}

// Manager owns the open datablock.
type Manager struct {
	mu sync.Mutex

	catalog *catalog.Catalog
	types   *s7.TypeRegistry
	source  Source

	entry    catalog.Entry
	db       *schema.Datablock
	buf      []byte
	udts     int
	warnings []error
	criteria schema.Criteria
	mode     schema.Mode
	lastRead time.Time
	lastErr  error
	capture  *snapshot.Capture

	now       func() time.Time
	onRefresh func(*snapshot.Snapshot)
}

// NewManager creates a manager over a catalog. src may be nil for
// offline use.
func NewManager(cat *catalog.Catalog, src Source) *Manager {
	return &Manager{
		catalog: cat,
		types:   cat.Types(),
		source:  src,
		now:     time.Now,
	}
}

// Catalog returns the catalog datablocks are opened from.
func (m *Manager) Catalog() *catalog.Catalog { return m.catalog }

// Types returns the primitive type table.
func (m *Manager) Types() *s7.TypeRegistry { return m.types }

// SetSource replaces the data source.
func (m *Manager) SetSource(src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.source = src
}

// Source returns the current data source.
func (m *Manager) Source() Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.source
}

// SetOnRefresh sets a callback run after every successful refresh.
// It is called without the manager lock held.
func (m *Manager) SetOnRefresh(fn func(*snapshot.Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRefresh = fn
}

// Open loads and lays out a datablock from the catalog. Its values start
// zeroed. The previous datablock stays open if anything fails.
func (m *Manager) Open(name string) (Info, error) {
	res, entry, err := m.catalog.Load(name)
	if err != nil {
		return Info{}, err
	}
	if err := schema.Layout(res.Datablock, m.types); err != nil {
		return Info{}, fmt.Errorf("layout %s: %w", name, err)
	}
	buf := make([]byte, res.Datablock.Size())
	if err := schema.Decode(res.Datablock, buf, m.types); err != nil {
		return Info{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capture != nil && m.capture.Datablock != entry.Name {
		m.capture = nil
	}
	m.entry = entry
	m.db = res.Datablock
	m.buf = buf
	m.udts = res.Udts.Len()
	m.warnings = res.Warnings
	m.criteria = schema.Criteria{}
	m.mode = schema.ModeReset
	m.lastRead = time.Time{}
	m.lastErr = nil

	logging.DebugLog("session", "opened %s: DB%d, %d bytes, %d warnings",
		entry.Name, res.Datablock.Number, len(buf), len(res.Warnings))
	return m.infoLocked(), nil
}

// Close forgets the open datablock.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.db = nil
	m.buf = nil
	m.entry = catalog.Entry{}
	m.capture = nil
}

// IsOpen reports whether a datablock is open.
func (m *Manager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db != nil
}

// Info describes the open datablock.
func (m *Manager) Info() (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return Info{}, ErrNoDatablock
	}
	return m.infoLocked(), nil
}

func (m *Manager) infoLocked() Info {
	info := Info{
		Name:       m.entry.Name,
		Number:     m.db.Number,
		Size:       m.db.Size(),
		Version:    m.db.Version,
		Udts:       m.udts,
		FilterMode: m.mode.String(),
		Criteria:   m.criteria,
		LastRead:   m.lastRead,
	}
	for _, w := range m.warnings {
		info.Warnings = append(info.Warnings, w.Error())
	}
	if m.lastErr != nil {
		info.LastError = m.lastErr.Error()
	}
	return info
}

// SetNumber changes the PLC DB number of the open datablock and records it
// in the catalog.
func (m *Manager) SetNumber(number int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return ErrNoDatablock
	}
	if err := m.catalog.SetNumber(m.entry.Name, number); err != nil {
		return err
	}
	m.db.Number = number
	m.entry.Number = number
	return nil
}

// Refresh reads the whole datablock from the source and decodes it. The
// active filter is applied again to the new values.
func (m *Manager) Refresh(ctx context.Context) (*snapshot.Snapshot, error) {
	m.mu.Lock()
	if m.db == nil {
		m.mu.Unlock()
		return nil, ErrNoDatablock
	}
	if m.source == nil {
		m.mu.Unlock()
		return nil, ErrNoSource
	}
	src, db, number, size := m.source, m.db, m.db.Number, m.db.Size()
	m.mu.Unlock()

	data, err := src.ReadDB(ctx, number, size)
	if err != nil {
		m.noteError(err)
		return nil, fmt.Errorf("read DB%d: %w", number, err)
	}
	logging.DebugRX("session", data)

	snap, err := m.load(data, db)
	if err != nil {
		m.noteError(err)
		return nil, err
	}
	return snap, nil
}

// LoadBuffer decodes data as the current contents of the datablock.
func (m *Manager) LoadBuffer(data []byte) (*snapshot.Snapshot, error) {
	return m.load(data, nil)
}

// load decodes data into the open datablock. A non-nil read is the tree
// the data was read for; the data is then also captured.
func (m *Manager) load(data []byte, read *schema.Datablock) (*snapshot.Snapshot, error) {
	m.mu.Lock()
	if m.db == nil {
		m.mu.Unlock()
		return nil, ErrNoDatablock
	}
	if read != nil && read != m.db {
		m.mu.Unlock()
		return nil, errors.New("datablock changed during read")
	}
	if len(data) < m.db.Size() {
		size := m.db.Size()
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: got %d bytes, need %d", s7.ErrBufferTooSmall, len(data), size)
	}
	if err := schema.Decode(m.db, data, m.types); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.buf = append([]byte(nil), data[:m.db.Size()]...)
	now := m.now()
	m.lastRead = now
	m.lastErr = nil
	if _, err := schema.Filter(m.db, m.criteria); err != nil {
		logging.DebugLog("session", "reapply filter: %v", err)
	}
	if read != nil && m.capture != nil {
		m.capture.Add(now, m.buf)
	}
	snap := snapshot.Take(m.db, m.buf, m.types, now)
	fn := m.onRefresh
	m.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
	return snap, nil
}

func (m *Manager) noteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = err
	logging.DebugError("session", "refresh", err)
}

// Apply sets the filter criteria. Invalid criteria leave the tree and the
// previous criteria unchanged.
func (m *Manager) Apply(c schema.Criteria) (schema.Mode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return 0, ErrNoDatablock
	}
	mode, err := schema.Filter(m.db, c)
	if err != nil {
		return mode, err
	}
	m.criteria = c
	m.mode = mode
	logging.DebugLog("session", "filter %s on %s", mode, m.entry.Name)
	return mode, nil
}

// ResetFilter makes every node visible.
func (m *Manager) ResetFilter() error {
	_, err := m.Apply(schema.Criteria{})
	return err
}

// Write encodes literal into the field at path and writes the whole
// datablock back to the source. Nothing changes if encoding or the write
// fails.
func (m *Manager) Write(ctx context.Context, path, literal string) (NodeView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return NodeView{}, ErrNoDatablock
	}
	if m.source == nil {
		return NodeView{}, ErrNoSource
	}
	n, ok := schema.Find(m.db, path)
	if !ok {
		return NodeView{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	leaf, ok := n.(schema.Leaf)
	if !ok {
		return NodeView{}, fmt.Errorf("%s is a %s, not a field", path, kindOf(n))
	}

	f := schema.FieldOf(leaf)
	old := f.Value
	v, err := s7.ParseScalar(literal, f.Type, m.types)
	if err != nil {
		return NodeView{}, fmt.Errorf("field %s: %w", path, err)
	}
	buf := append([]byte(nil), m.buf...)
	if err := schema.EncodeLeaf(buf, leaf, v, m.types); err != nil {
		return NodeView{}, err
	}
	logging.DebugTX("session", buf)
	if err := m.source.WriteDB(ctx, m.db.Number, buf); err != nil {
		f.Value = old
		return NodeView{}, fmt.Errorf("write DB%d: %w", m.db.Number, err)
	}
	m.buf = buf
	if _, err := schema.Filter(m.db, m.criteria); err != nil {
		logging.DebugLog("session", "reapply filter: %v", err)
	}
	logging.DebugLog("session", "wrote %s = %q to DB%d", path, literal, m.db.Number)
	return buildView(leaf, m.db.Number, m.types, false, false), nil
}

// Tree returns a copy of the whole tree. With visibleOnly set, hidden
// nodes are left out.
func (m *Manager) Tree(visibleOnly bool) (NodeView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return NodeView{}, ErrNoDatablock
	}
	return buildView(m.db, m.db.Number, m.types, true, visibleOnly), nil
}

// Lookup returns the node at path with its subtree.
func (m *Manager) Lookup(path string) (NodeView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return NodeView{}, ErrNoDatablock
	}
	n, ok := schema.Find(m.db, path)
	if !ok {
		return NodeView{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return buildView(n, m.db.Number, m.types, true, false), nil
}

// AddressLookup returns the field at an absolute address such as
// DB1.DBW4 or DB1.DBX2.0.
func (m *Manager) AddressLookup(addr string) (NodeView, error) {
	a, err := s7.ParseAddress(addr)
	if err != nil {
		return NodeView{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return NodeView{}, ErrNoDatablock
	}
	if a.DBNumber != m.db.Number {
		return NodeView{}, fmt.Errorf("%w: %s is not in DB%d", ErrNotFound, addr, m.db.Number)
	}
	l, ok := schema.FindByOffset(m.db, a.Offset)
	if !ok {
		return NodeView{}, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	return buildView(l, m.db.Number, m.types, false, false), nil
}

// Snapshot flattens the current values.
func (m *Manager) Snapshot() (*snapshot.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return nil, ErrNoDatablock
	}
	return snapshot.Take(m.db, m.buf, m.types, m.now()), nil
}

// Buffer returns a copy of the current raw bytes.
func (m *Manager) Buffer() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.buf...)
}

// StartCapture records every following refresh of the open datablock.
func (m *Manager) StartCapture(source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return ErrNoDatablock
	}
	m.capture = snapshot.NewCapture(m.entry.Name, m.db.Number, m.db.Size(), source)
	return nil
}

// StopCapture ends recording and returns what was captured, or nil if no
// capture was running.
func (m *Manager) StopCapture() *snapshot.Capture {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.capture
	m.capture = nil
	return c
}
