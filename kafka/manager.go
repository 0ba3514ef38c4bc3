package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"dbscope/config"
	"dbscope/logging"
	"dbscope/snapshot"
)

// SnapshotMessage is the JSON value of one message per snapshot. The
// message key is the datablock name.
type SnapshotMessage struct {
	Datablock string           `json:"datablock"`
	Number    int              `json:"number"`
	Size      int              `json:"size"`
	Timestamp string           `json:"timestamp"`
	Entries   []snapshot.Entry `json:"entries"`
	Changed   []string         `json:"changed,omitempty"`
}

// NewSnapshotMessage builds the message for s. Changed lists the paths
// that differ from prev.
func NewSnapshotMessage(s, prev *snapshot.Snapshot) SnapshotMessage {
	msg := SnapshotMessage{
		Datablock: s.Datablock,
		Number:    s.Number,
		Size:      s.Size,
		Timestamp: s.Timestamp.UTC().Format(time.RFC3339Nano),
		Entries:   s.Entries,
	}
	for _, e := range s.Changed(prev) {
		msg.Changed = append(msg.Changed, e.Path)
	}
	return msg
}

// Manager manages producers for multiple clusters and fans snapshots out
// to the connected ones.
type Manager struct {
	namespace string
	producers map[string]*Producer
	consumers map[string]*Consumer
	mu        sync.RWMutex

	// last published snapshot per cluster/datablock
	last   map[string]*snapshot.Snapshot
	lastMu sync.Mutex

	writeHandler WriteHandler
}

// NewManager creates a new Kafka manager.
func NewManager(namespace string) *Manager {
	return &Manager{
		namespace: namespace,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
		last:      make(map[string]*snapshot.Snapshot),
	}
}

// Name identifies the manager as a snapshot sink.
func (m *Manager) Name() string { return "kafka" }

// LoadFromConfig adds a cluster per configuration entry.
func (m *Manager) LoadFromConfig(configs []config.KafkaConfig) {
	for i := range configs {
		m.AddCluster(&configs[i])
	}
}

// AddCluster adds a cluster. An existing cluster of the same name is kept.
func (m *Manager) AddCluster(cfg *config.KafkaConfig) *Producer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.producers[cfg.Name]; ok {
		return p
	}
	p := NewProducer(cfg)
	m.producers[cfg.Name] = p
	return p
}

// RemoveCluster disconnects and removes a cluster.
func (m *Manager) RemoveCluster(name string) bool {
	m.mu.Lock()
	p, ok := m.producers[name]
	c := m.consumers[name]
	delete(m.producers, name)
	delete(m.consumers, name)
	m.mu.Unlock()

	if c != nil {
		c.Stop()
	}
	if ok {
		p.Disconnect()
	}
	return ok
}

// Producer returns the producer of the named cluster.
func (m *Manager) Producer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// Clusters returns the cluster names, sorted.
func (m *Manager) Clusters() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.producers))
	for name := range m.producers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) producerList() []*Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		list = append(list, p)
	}
	return list
}

// SetWriteHandler sets the handler used by write consumers started later.
func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeHandler = handler
}

// ConnectEnabled connects every enabled cluster and starts its write
// consumer when WriteBack is set. It returns the number connected.
func (m *Manager) ConnectEnabled(ctx context.Context) int {
	connected := 0
	for _, p := range m.producerList() {
		if !p.config.Enabled {
			continue
		}
		if err := p.Connect(ctx); err != nil {
			logging.DebugLog("kafka", "failed to connect %s: %v", p.config.Name, err)
			continue
		}
		connected++
		if p.config.WriteBack {
			if err := m.startConsumer(p); err != nil {
				logging.DebugLog("kafka", "failed to start write consumer for %s: %v", p.config.Name, err)
			}
		}
	}
	return connected
}

func (m *Manager) startConsumer(p *Producer) error {
	m.mu.Lock()
	if _, ok := m.consumers[p.config.Name]; ok {
		m.mu.Unlock()
		return nil
	}
	c := NewConsumer(p.config, m.namespace, p)
	c.SetWriteHandler(m.writeHandler)
	m.consumers[p.config.Name] = c
	m.mu.Unlock()
	return c.Start()
}

// StopAll stops consumers and disconnects every cluster.
func (m *Manager) StopAll() {
	m.mu.Lock()
	consumers := m.consumers
	m.consumers = make(map[string]*Consumer)
	m.mu.Unlock()

	for _, c := range consumers {
		c.Stop()
	}
	for _, p := range m.producerList() {
		p.Disconnect()
	}
}

// AnyConnected reports whether any cluster is connected.
func (m *Manager) AnyConnected() bool {
	for _, p := range m.producerList() {
		if p.Status() == StatusConnected {
			return true
		}
	}
	return false
}

// PublishSnapshot produces one message per connected cluster. A snapshot
// equal to the last one published to a cluster is skipped.
func (m *Manager) PublishSnapshot(ctx context.Context, s *snapshot.Snapshot) error {
	var errs []error
	for _, p := range m.producerList() {
		if p.Status() != StatusConnected {
			continue
		}
		cacheKey := p.config.Name + "/" + s.Datablock

		m.lastMu.Lock()
		prev := m.last[cacheKey]
		m.lastMu.Unlock()
		msg := NewSnapshotMessage(s, prev)
		if len(msg.Changed) == 0 {
			continue
		}

		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := p.ProduceWithRetry(ctx, Topic(p.config, m.namespace), []byte(s.Datablock), payload); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.config.Name, err))
			continue
		}
		m.lastMu.Lock()
		m.last[cacheKey] = s
		m.lastMu.Unlock()
	}
	return errors.Join(errs...)
}

// ClearLastValues forgets what was published, so the next snapshot is sent
// in full.
func (m *Manager) ClearLastValues() {
	m.lastMu.Lock()
	m.last = make(map[string]*snapshot.Snapshot)
	m.lastMu.Unlock()
}
