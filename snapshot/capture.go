package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"dbscope/logging"
)

const captureSchemaVersion uint16 = 1

// ErrReadOnly is returned when writing to a replayed capture.
var ErrReadOnly = errors.New("capture replay is read-only")

// ErrEmptyCapture is returned when replaying a capture with no frames.
var ErrEmptyCapture = errors.New("capture has no frames")

// Frame is one raw datablock read.
type Frame struct {
	Time time.Time `msgpack:"t"`
	Data []byte    `msgpack:"d"`
}

// Capture is a recorded sequence of reads of one datablock.
type Capture struct {
	Schema    uint16  `msgpack:"schema"`
	Datablock string  `msgpack:"datablock"`
	Number    int     `msgpack:"number"`
	Size      int     `msgpack:"size"`
	Source    string  `msgpack:"source"` // PLC address the frames came from
	Frames    []Frame `msgpack:"frames"`
}

// NewCapture starts an empty capture.
func NewCapture(datablock string, number, size int, source string) *Capture {
	return &Capture{
		Schema:    captureSchemaVersion,
		Datablock: datablock,
		Number:    number,
		Size:      size,
		Source:    source,
	}
}

// Add appends a copy of data as a frame.
func (c *Capture) Add(at time.Time, data []byte) {
	c.Frames = append(c.Frames, Frame{Time: at, Data: append([]byte(nil), data...)})
}

// Save writes the capture to path through a temporary file and a rename.
func Save(path string, c *Capture) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "capture-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if err := msgpack.NewEncoder(f).Encode(c); err != nil {
		f.Close()
		return fmt.Errorf("encode capture: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(f.Name(), path); err != nil {
		return err
	}
	logging.DebugLog("session", "saved capture of %s: %d frames to %s", c.Datablock, len(c.Frames), path)
	return nil
}

// Load reads a capture written by Save.
func Load(path string) (*Capture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var c Capture
	if err := msgpack.NewDecoder(f).Decode(&c); err != nil {
		return nil, fmt.Errorf("decode capture %s: %w", path, err)
	}
	if c.Schema != captureSchemaVersion {
		return nil, fmt.Errorf("capture %s: unsupported schema %d", path, c.Schema)
	}
	return &c, nil
}

// Replay serves the frames of a capture as datablock reads, in order.
// After the last frame it starts over when looping, otherwise it keeps
// returning the last frame.
type Replay struct {
	mu      sync.Mutex
	capture *Capture
	next    int
	loop    bool
}

// NewReplay creates a replay source.
func NewReplay(c *Capture, loop bool) *Replay {
	return &Replay{capture: c, loop: loop}
}

// Capture returns the replayed capture.
func (r *Replay) Capture() *Capture { return r.capture }

// ReadDB returns the next frame. The datablock number must match the
// capture unless it is 0.
func (r *Replay) ReadDB(ctx context.Context, number, size int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.capture.Frames) == 0 {
		return nil, ErrEmptyCapture
	}
	if number != 0 && r.capture.Number != 0 && number != r.capture.Number {
		return nil, fmt.Errorf("capture holds DB%d, not DB%d", r.capture.Number, number)
	}

	i := r.next
	if i >= len(r.capture.Frames) {
		if r.loop {
			i = 0
		} else {
			i = len(r.capture.Frames) - 1
		}
	}
	r.next = i + 1

	data := r.capture.Frames[i].Data
	if size > 0 && size < len(data) {
		data = data[:size]
	}
	return append([]byte(nil), data...), nil
}

// WriteDB always fails.
func (r *Replay) WriteDB(ctx context.Context, number int, data []byte) error {
	return ErrReadOnly
}
