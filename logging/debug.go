package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// DebugLogger writes verbose, subsystem-tagged messages and hex dumps of
// datablock buffers. The file is truncated at the start of each session.
type DebugLogger struct {
	w       io.Writer
	closer  io.Closer
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // empty = log all
}

var (
	globalDebugLogger *DebugLogger
	globalDebugMu     sync.RWMutex
)

// Subsystems lists the names accepted by SetFilter.
var Subsystems = []string{
	"parser", "layout", "schema", "s7", "session", "catalog",
	"api", "mqtt", "valkey", "kafka", "tui", "debug",
}

// related expands a filter name to the subsystems it implies.
var related = map[string][]string{
	"schema":  {"parser", "layout"},
	"session": {"s7"},
	"publish": {"mqtt", "valkey", "kafka"},
}

// NewDebugLogger creates a debug logger writing to path.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}
	l := newDebugLogger(file)
	l.closer = file
	return l, nil
}

func newDebugLogger(w io.Writer) *DebugLogger {
	l := &DebugLogger{w: w, filters: make(map[string]bool)}
	l.Log("debug", "Debug logging started - %s", time.Now().Format(time.RFC3339))
	return l
}

// SetFilter restricts output to a comma-separated list of subsystems.
// An empty filter logs everything. Names are case-insensitive.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)
	for _, p := range strings.Split(filter, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		l.filters[p] = true
		for _, r := range related[p] {
			l.filters[r] = true
		}
	}

	if len(l.filters) > 0 {
		names := make([]string, 0, len(l.filters))
		for p := range l.filters {
			names = append(names, p)
		}
		sort.Strings(names)
		fmt.Fprintf(l.w, "%s [debug] Filtering enabled for: %s\n",
			time.Now().Format(timestampFormat), strings.Join(names, ", "))
	}
}

// shouldLog must be called with l.mu held.
func (l *DebugLogger) shouldLog(subsystem string) bool {
	if len(l.filters) == 0 {
		return true
	}
	s := strings.ToLower(subsystem)
	return s == "debug" || l.filters[s]
}

// SetGlobalDebugLogger sets the process-wide debug logger. nil disables it.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the process-wide debug logger, or nil.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// Log writes a formatted message with timestamp and subsystem prefix.
func (l *DebugLogger) Log(subsystem, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(subsystem) {
		return
	}
	fmt.Fprintf(l.w, "%s [%s] %s\n", time.Now().Format(timestampFormat), subsystem, fmt.Sprintf(format, args...))
}

// LogBuffer writes a labelled hex dump.
func (l *DebugLogger) LogBuffer(subsystem, label string, data []byte) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(subsystem) {
		return
	}
	fmt.Fprintf(l.w, "%s [%s] %s (%d bytes):\n%s\n",
		time.Now().Format(timestampFormat), subsystem, label, len(data), hexDump(data))
}

// Close writes a footer and closes the file.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	fmt.Fprintf(l.w, "%s [debug] Debug logging ended\n", time.Now().Format(timestampFormat))
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// hexDump formats data as offset, sixteen hex bytes and their ASCII form:
//
//	0000: 00 05 01 00 00 0A                                ......
func hexDump(data []byte) string {
	if len(data) == 0 {
		return "    (empty)"
	}

	var sb strings.Builder
	for offset := 0; offset < len(data); offset += 16 {
		fmt.Fprintf(&sb, "    %04X: ", offset)
		for i := 0; i < 16; i++ {
			if i == 8 {
				sb.WriteByte(' ')
			}
			if offset+i < len(data) {
				fmt.Fprintf(&sb, "%02X ", data[offset+i])
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteByte(' ')
		for i := 0; i < 16 && offset+i < len(data); i++ {
			b := data[offset+i]
			if b >= 32 && b < 127 {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteByte('\n')
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// DebugLog logs a message if debug logging is enabled.
func DebugLog(subsystem, format string, args ...interface{}) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.Log(subsystem, format, args...)
	}
}

// DebugRX dumps a buffer received from a PLC.
func DebugRX(subsystem string, data []byte) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogBuffer(subsystem, "RX", data)
	}
}

// DebugTX dumps a buffer sent to a PLC.
func DebugTX(subsystem string, data []byte) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogBuffer(subsystem, "TX", data)
	}
}

// DebugConnect logs a connection attempt.
func DebugConnect(subsystem, address string) {
	DebugLog(subsystem, "CONNECT to %s", address)
}

// DebugConnectSuccess logs a successful connection.
func DebugConnectSuccess(subsystem, address, details string) {
	DebugLog(subsystem, "CONNECTED to %s - %s", address, details)
}

// DebugConnectError logs a failed connection.
func DebugConnectError(subsystem, address string, err error) {
	DebugLog(subsystem, "CONNECT FAILED to %s: %v", address, err)
}

// DebugDisconnect logs a dropped connection.
func DebugDisconnect(subsystem, address, reason string) {
	DebugLog(subsystem, "DISCONNECT from %s: %s", address, reason)
}

// DebugError logs an error with the operation that produced it.
func DebugError(subsystem, op string, err error) {
	DebugLog(subsystem, "ERROR in %s: %v", op, err)
}
