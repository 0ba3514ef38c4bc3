// Package valkey stores datablock fields in a Valkey/Redis server.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"dbscope/config"
	"dbscope/logging"
	"dbscope/namespace"
	"dbscope/snapshot"
)

// ErrNotRunning is returned when publishing before Start.
var ErrNotRunning = errors.New("valkey publisher not running")

// commander is the subset of the go-redis client the publisher uses.
type commander interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	Close() error
}

// FieldMessage is the value stored under a field key.
type FieldMessage struct {
	Datablock string      `json:"datablock"`
	Number    int         `json:"number"`
	Path      string      `json:"path"`
	Address   string      `json:"address,omitempty"`
	Type      string      `json:"type"`
	Value     interface{} `json:"value"`
	Visible   bool        `json:"visible"`
	Timestamp time.Time   `json:"timestamp"`
}

// ChangeMessage is published on the changes channel.
type ChangeMessage struct {
	Datablock string           `json:"datablock"`
	Timestamp time.Time        `json:"timestamp"`
	Changes   []snapshot.Entry `json:"changes"`
}

// WriteRequest is popped from the write queue.
type WriteRequest struct {
	Datablock string `json:"datablock"`
	Path      string `json:"path"`
	Value     string `json:"value"`
}

// WriteResponse is published on the write response channel.
type WriteResponse struct {
	Datablock string    `json:"datablock"`
	Path      string    `json:"path"`
	Value     string    `json:"value"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WriteHandler writes a literal into a field of a datablock.
type WriteHandler func(ctx context.Context, datablock, path, literal string) error

// Publisher handles publishing datablock fields to one Valkey server.
type Publisher struct {
	config    *config.ValkeyConfig
	keys      *namespace.Builder
	client    commander
	running   bool
	mu        sync.RWMutex

	writeHandler WriteHandler

	// previous snapshot per datablock, for change messages
	last map[string]*snapshot.Snapshot

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a new Valkey publisher.
func NewPublisher(cfg *config.ValkeyConfig, ns string) *Publisher {
	return &Publisher{
		config:    cfg,
		keys:      namespace.New(ns, cfg.Selector),
		last:      make(map[string]*snapshot.Snapshot),
		stopChan:  make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Start connects to the Valkey server.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)
	logging.DebugConnect("valkey", p.Address())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logging.DebugConnectError("valkey", p.Address(), err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}
	logging.DebugConnectSuccess("valkey", p.Address(), fmt.Sprintf("db %d", p.config.Database))

	p.attach(client)
	return nil
}

func (p *Publisher) attach(client commander) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Close()
		return
	}
	p.client = client
	p.running = true
	p.stopChan = make(chan struct{})
	p.last = make(map[string]*snapshot.Snapshot)

	if p.config.WriteBack {
		p.wg.Add(1)
		go p.writebackListener(client, p.stopChan)
	}
}

// Stop disconnects from the Valkey server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopChan)
	client := p.client
	p.client = nil
	p.mu.Unlock()

	// the write-back listener blocks for at most one BLPOP timeout
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1500 * time.Millisecond):
	}

	logging.DebugDisconnect("valkey", p.Address(), "stopped")
	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig {
	return p.config
}

// Address returns the server address.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

// SetWriteHandler sets the callback for processing write requests.
func (p *Publisher) SetWriteHandler(handler WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// FieldKey returns the key a field is stored under:
// namespace:selector:datablock:fields:path.
func (p *Publisher) FieldKey(datablock, path string) string {
	return p.keys.ValkeyFieldKey(datablock, path)
}

// SnapshotKey returns the key the whole snapshot is stored under.
func (p *Publisher) SnapshotKey(datablock string) string {
	return p.keys.ValkeySnapshotKey(datablock)
}

// ChangesChannel returns the Pub/Sub channel for change messages.
func (p *Publisher) ChangesChannel(datablock string) string {
	return p.keys.ValkeyChangesChannel(datablock)
}

func (p *Publisher) writeQueueKey() string {
	return p.keys.ValkeyWriteQueue()
}

func (p *Publisher) writeResponseChannel() string {
	return p.keys.ValkeyWriteResponseChannel()
}

// PublishSnapshot stores every field and the snapshot itself. When
// PublishChanges is set the changed fields are also published.
func (p *Publisher) PublishSnapshot(ctx context.Context, s *snapshot.Snapshot) error {
	p.mu.RLock()
	running, client, cfg := p.running, p.client, p.config
	prev := p.last[s.Datablock]
	p.mu.RUnlock()
	if !running || client == nil {
		return ErrNotRunning
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for _, e := range s.Entries {
		data, err := json.Marshal(FieldMessage{
			Datablock: s.Datablock,
			Number:    s.Number,
			Path:      e.Path,
			Address:   e.Address,
			Type:      e.Type,
			Value:     e.Value,
			Visible:   e.Visible,
			Timestamp: s.Timestamp.UTC(),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal field %s: %w", e.Path, err)
		}
		if err := client.Set(ctx, p.FieldKey(s.Datablock, e.Path), data, cfg.KeyTTL).Err(); err != nil {
			return fmt.Errorf("failed to set key: %w", err)
		}
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := client.Set(ctx, p.SnapshotKey(s.Datablock), data, cfg.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set snapshot key: %w", err)
	}

	if cfg.PublishChanges {
		if changes := s.Changed(prev); len(changes) > 0 {
			msg, err := json.Marshal(ChangeMessage{Datablock: s.Datablock, Timestamp: s.Timestamp.UTC(), Changes: changes})
			if err != nil {
				return err
			}
			if err := client.Publish(ctx, p.ChangesChannel(s.Datablock), msg).Err(); err != nil {
				return fmt.Errorf("failed to publish changes: %w", err)
			}
		}
	}

	p.mu.Lock()
	p.last[s.Datablock] = s
	p.mu.Unlock()
	return nil
}

// writebackListener pops write requests from the write queue until stop is
// closed.
func (p *Publisher) writebackListener(client commander, stop <-chan struct{}) {
	defer p.wg.Done()
	queueKey := p.writeQueueKey()

	for {
		select {
		case <-stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		result, err := client.BLPop(ctx, time.Second, queueKey).Result()
		cancel()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				logging.DebugError("valkey", "write queue", err)
				select {
				case <-stop:
					return
				case <-time.After(100 * time.Millisecond):
				}
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		var req WriteRequest
		if err := json.Unmarshal([]byte(result[1]), &req); err != nil {
			logging.DebugLog("valkey", "failed to parse write request: %v", err)
			continue
		}
		p.processWriteRequest(client, req)
	}
}

func (p *Publisher) processWriteRequest(client commander, req WriteRequest) {
	p.mu.RLock()
	handler := p.writeHandler
	p.mu.RUnlock()

	resp := WriteResponse{
		Datablock: req.Datablock,
		Path:      req.Path,
		Value:     req.Value,
		Timestamp: time.Now().UTC(),
	}
	var err error
	switch {
	case handler == nil:
		err = errors.New("no write handler configured")
	case req.Path == "":
		err = errors.New("path is required")
	default:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = handler(ctx, req.Datablock, req.Path, req.Value)
		cancel()
	}
	resp.Success = err == nil
	if err != nil {
		resp.Error = err.Error()
	}

	data, _ := json.Marshal(resp)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client.Publish(ctx, p.writeResponseChannel(), data)

	logging.DebugLog("valkey", "write %s:%s = %s -> success=%v", req.Datablock, req.Path, req.Value, resp.Success)
}
