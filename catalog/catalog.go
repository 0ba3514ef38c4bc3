// Package catalog indexes the DB and UDT source files available to open.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"dbscope/config"
	"dbscope/logging"
	"dbscope/parser"
	"dbscope/s7"
	"dbscope/schema"
)

// ErrUnknownDatablock is returned for a name the catalog does not list.
var ErrUnknownDatablock = errors.New("unknown datablock")

// Source file extensions.
const (
	ExtDatablock = ".db"
	ExtTypes     = ".udt"
)

// Entry is one datablock source.
type Entry struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Number int    `json:"number"` // PLC DB number, 0 if not assigned
}

// Catalog lists datablock sources and holds the shared UDT library.
type Catalog struct {
	mu       sync.RWMutex
	dir      string
	types    *s7.TypeRegistry
	entries  map[string]*Entry
	udts     *schema.UdtRegistry
	warnings []error
}

// New creates an empty catalog rooted at dir.
func New(dir string, types *s7.TypeRegistry) *Catalog {
	if types == nil {
		types = s7.NewTypeRegistry()
	}
	return &Catalog{
		dir:     dir,
		types:   types,
		entries: make(map[string]*Entry),
		udts:    schema.NewUdtRegistry(),
	}
}

// Dir returns the scanned folder.
func (c *Catalog) Dir() string { return c.dir }

// Types returns the primitive type table used for every parse.
func (c *Catalog) Types() *s7.TypeRegistry { return c.types }

// Scan reads the folder: every .udt file is parsed into the UDT library and
// every .db file becomes an entry named after the file. Numbers already
// assigned to an entry are kept.
func (c *Catalog) Scan() error {
	files, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("scan %s: %w", c.dir, err)
	}

	var typeFiles, dbFiles []string
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(f.Name())) {
		case ExtTypes:
			typeFiles = append(typeFiles, filepath.Join(c.dir, f.Name()))
		case ExtDatablock:
			dbFiles = append(dbFiles, filepath.Join(c.dir, f.Name()))
		}
	}
	sort.Strings(typeFiles)
	sort.Strings(dbFiles)

	udts, warnings := c.loadTypes(typeFiles)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.udts = udts
	c.warnings = warnings
	for _, path := range dbFiles {
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if e, ok := c.entries[name]; ok {
			e.Path = path
			continue
		}
		c.entries[name] = &Entry{Name: name, Path: path}
	}

	logging.DebugLog("catalog", "scanned %s: %d datablocks, %d UDTs", c.dir, len(dbFiles), udts.Len())
	return nil
}

// loadTypes parses the UDT files into one library. Files are parsed in
// repeated passes, each against the templates of the pass before, so a
// template may use UDTs from any file regardless of name order. Passes stop
// once the library no longer grows. Files that fail to parse are reported
// and skipped.
func (c *Catalog) loadTypes(paths []string) (*schema.UdtRegistry, []error) {
	type source struct {
		path string
		text string
	}
	var sources []source
	var readErrs []error
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			readErrs = append(readErrs, err)
			continue
		}
		sources = append(sources, source{path: path, text: string(data)})
	}

	udts := schema.NewUdtRegistry()
	var warnings []error
	size := -1
	for pass := 0; pass <= len(sources); pass++ {
		next := udts.Copy()
		warnings = nil
		for _, src := range sources {
			res, err := parser.ParseTypes(src.text, parser.WithTypes(c.types), parser.WithUdts(next))
			if err != nil {
				warnings = append(warnings, fmt.Errorf("%s: %w", src.path, err))
				continue
			}
			for _, w := range res.Warnings {
				warnings = append(warnings, fmt.Errorf("%s: %w", src.path, w))
			}
			next.Merge(res.Udts)
		}
		udts = next

		n := librarySize(udts)
		if n == size {
			break
		}
		size = n
		logging.DebugLog("catalog", "UDT pass %d: %d templates, %d nodes", pass+1, udts.Len(), n)
	}
	return udts, append(readErrs, warnings...)
}

// librarySize counts the nodes of every template. A pass that resolves a
// reference left open before adds nodes.
func librarySize(udts *schema.UdtRegistry) int {
	n := 0
	for _, name := range udts.Names() {
		t, _ := udts.Lookup(name)
		for _, child := range t.Children {
			schema.Walk(child, func(schema.Node) bool {
				n++
				return true
			})
		}
	}
	return n
}

// Merge applies configured datablock entries: their number and path win
// over what a scan found. resolve turns a configured path into a file path.
func (c *Catalog) Merge(dbs []config.DatablockConfig, resolve func(config.DatablockConfig) string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, db := range dbs {
		e, ok := c.entries[db.Name]
		if !ok {
			e = &Entry{Name: db.Name}
			c.entries[db.Name] = e
		}
		if db.Path != "" {
			path := db.Path
			if resolve != nil {
				path = resolve(db)
			}
			e.Path = path
		}
		if db.Number > 0 {
			e.Number = db.Number
		}
	}
}

// Entries returns every entry sorted by name.
func (c *Catalog) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Find returns the entry with the given name.
func (c *Catalog) Find(name string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// SetNumber assigns the PLC DB number of an entry.
func (c *Catalog) SetNumber(name string, number int) error {
	if number < 0 || number > 65535 {
		return fmt.Errorf("datablock %s: number %d out of range", name, number)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDatablock, name)
	}
	e.Number = number
	return nil
}

// Udts returns the UDT library. It must be treated as read-only.
func (c *Catalog) Udts() *schema.UdtRegistry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.udts
}

// Warnings returns the problems found while loading the UDT library.
func (c *Catalog) Warnings() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]error(nil), c.warnings...)
}

// Load parses the source of a datablock against the UDT library. A number
// assigned in the catalog overrides one derived from the source.
func (c *Catalog) Load(name string) (*parser.Result, Entry, error) {
	e, ok := c.Find(name)
	if !ok {
		return nil, Entry{}, fmt.Errorf("%w: %s", ErrUnknownDatablock, name)
	}
	if e.Path == "" {
		return nil, e, fmt.Errorf("datablock %s has no source file", name)
	}

	data, err := os.ReadFile(e.Path)
	if err != nil {
		return nil, e, err
	}
	res, err := parser.Parse(string(data), parser.WithTypes(c.types), parser.WithUdts(c.Udts()))
	if err != nil {
		return nil, e, fmt.Errorf("%s: %w", e.Path, err)
	}
	if e.Number > 0 {
		res.Datablock.Number = e.Number
	}
	logging.DebugLog("catalog", "loaded %s from %s (%d warnings)", name, e.Path, len(res.Warnings))
	return res, e, nil
}
