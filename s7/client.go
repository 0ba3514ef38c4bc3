package s7

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robinson/gos7"

	"dbscope/logging"
)

// Client reads and writes whole datablocks on an S7 PLC.
type Client struct {
	handler   *gos7.TCPClientHandler
	client    gos7.Client
	address   string
	rack      int
	slot      int
	timeout   time.Duration
	connected bool
	mu        sync.Mutex
}

// options holds configuration options for Connect.
type options struct {
	rack    int
	slot    int
	timeout time.Duration
}

// Option is a functional option for Connect.
type Option func(*options)

// WithRackSlot configures the rack and slot numbers for the PLC.
// Default is rack 0, slot 0 for S7-1200/1500.
// For S7-300/400, use rack 0, slot 2 (or the slot where the CPU is placed).
func WithRackSlot(rack, slot int) Option {
	return func(o *options) {
		o.rack = rack
		o.slot = slot
	}
}

// WithTimeout configures the connection and request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Connect establishes a connection to an S7 PLC at the given address.
func Connect(address string, opts ...Option) (*Client, error) {
	cfg := &options{
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	c := &Client{
		address: address,
		rack:    cfg.rack,
		slot:    cfg.slot,
		timeout: cfg.timeout,
	}
	if err := c.dial(); err != nil {
		return nil, fmt.Errorf("Connect: %w", err)
	}
	return c, nil
}

// dial opens a fresh handler. Callers must not hold c.mu.
func (c *Client) dial() error {
	logging.DebugConnect("s7", c.address)

	handler := gos7.NewTCPClientHandler(c.address, c.rack, c.slot)
	handler.Timeout = c.timeout
	handler.IdleTimeout = c.timeout

	if err := handler.Connect(); err != nil {
		logging.DebugConnectError("s7", c.address, err)
		return err
	}

	c.mu.Lock()
	c.handler = handler
	c.client = gos7.NewClient(handler)
	c.connected = true
	c.mu.Unlock()

	logging.DebugConnectSuccess("s7", c.address, fmt.Sprintf("rack %d slot %d", c.rack, c.slot))
	return nil
}

// Close releases all resources associated with the client.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.handler != nil {
		c.handler.Close()
	}
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Reconnect re-establishes the connection if it was lost.
func (c *Client) Reconnect() error {
	if c == nil {
		return fmt.Errorf("nil client")
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.handler != nil {
		c.handler.Close()
	}
	c.mu.Unlock()

	if err := c.dial(); err != nil {
		return fmt.Errorf("reconnect failed: %w", err)
	}
	return nil
}

// Address returns the host:port the client talks to.
func (c *Client) Address() string {
	return c.address
}

// ReadDB reads size bytes from the start of datablock number.
func (c *Client) ReadDB(ctx context.Context, number, size int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if size <= 0 {
		return []byte{}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.client == nil {
		return nil, ErrNotConnected
	}

	buf := make([]byte, size)
	logging.DebugLog("s7", "READ DB%d size %d", number, size)
	if err := c.client.AGReadDB(number, 0, size, buf); err != nil {
		c.noteError(err)
		return nil, fmt.Errorf("read DB%d: %w", number, err)
	}
	logging.DebugRX("s7", buf)
	return buf, nil
}

// WriteDB writes data to the start of datablock number.
func (c *Client) WriteDB(ctx context.Context, number int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.client == nil {
		return ErrNotConnected
	}

	logging.DebugTX("s7", data)
	if err := c.client.AGWriteDB(number, 0, len(data), data); err != nil {
		c.noteError(err)
		return fmt.Errorf("write DB%d: %w", number, err)
	}
	return nil
}

// noteError marks the client disconnected on transport failures.
// Must be called with c.mu held.
func (c *Client) noteError(err error) {
	if isConnectionError(err) {
		c.connected = false
		logging.DebugDisconnect("s7", c.address, err.Error())
	}
}

// isConnectionError checks if an error indicates the TCP connection is broken.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "reset by peer") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "refused") ||
		strings.Contains(errStr, "closed")
}

// CPUInfo contains information about the S7 CPU.
type CPUInfo struct {
	ModuleTypeName string
	SerialNumber   string
	ASName         string
	Copyright      string
	ModuleName     string
}

// GetCPUInfo returns information about the connected CPU.
func (c *Client) GetCPUInfo() (*CPUInfo, error) {
	if c == nil {
		return nil, fmt.Errorf("GetCPUInfo: nil client")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, ErrNotConnected
	}

	info, err := c.client.GetCPUInfo()
	if err != nil {
		return nil, err
	}

	return &CPUInfo{
		ModuleTypeName: info.ModuleTypeName,
		SerialNumber:   info.SerialNumber,
		ASName:         info.ASName,
		Copyright:      info.Copyright,
		ModuleName:     info.ModuleName,
	}, nil
}
