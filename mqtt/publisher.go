// Package mqtt publishes datablock fields to an MQTT broker and accepts
// write requests from it.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"dbscope/config"
	"dbscope/logging"
	"dbscope/namespace"
	"dbscope/snapshot"
)

// ErrNotRunning is returned when publishing before Start.
var ErrNotRunning = errors.New("mqtt publisher not running")

// MaxWriteWorkers is the number of goroutines handling write requests.
const MaxWriteWorkers = 2

// MaxWriteQueueSize is the maximum number of pending write requests.
const MaxWriteQueueSize = 100

// FieldMessage is the retained JSON message published per field.
type FieldMessage struct {
	Topic     string      `json:"topic"`
	Datablock string      `json:"datablock"`
	Number    int         `json:"number"`
	Path      string      `json:"path"`
	Address   string      `json:"address,omitempty"`
	Type      string      `json:"type"`
	Value     interface{} `json:"value"`
	Timestamp string      `json:"timestamp"`
}

// WriteRequest is the JSON body of a message on the write topic.
type WriteRequest struct {
	Path  string      `json:"path"`
	Value interface{} `json:"value"`
}

// WriteResponse is published on the write response topic.
type WriteResponse struct {
	Datablock string      `json:"datablock"`
	Path      string      `json:"path"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// WriteHandler writes a literal into a field of a datablock.
type WriteHandler func(ctx context.Context, datablock, path, literal string) error

type writeJob struct {
	datablock string
	req       WriteRequest
}

// Publisher publishes to a single broker.
type Publisher struct {
	config    *config.MQTTConfig
	namespace string
	topics    *namespace.Builder
	client    pahomqtt.Client
	running   bool
	mu        sync.RWMutex

	// last published value per topic
	lastValues map[string]interface{}
	lastMu     sync.RWMutex

	writeHandler WriteHandler
	datablocks   []string // datablocks to subscribe for writes

	writeQueue chan writeJob
	wg         sync.WaitGroup
	stopChan   chan struct{}
}

// NewPublisher creates a publisher for one broker. Topics start with
// namespace and the optional selector.
func NewPublisher(cfg *config.MQTTConfig, ns string) *Publisher {
	return &Publisher{
		config:     cfg,
		namespace:  ns,
		topics:     namespace.New(ns, cfg.Selector),
		lastValues: make(map[string]interface{}),
		writeQueue: make(chan writeJob, MaxWriteQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Address returns the broker URL.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.MQTTConfig {
	return p.config
}

// SetWriteHandler sets the callback for write requests.
func (p *Publisher) SetWriteHandler(handler WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetDatablocks sets the datablocks whose write topics are subscribed.
func (p *Publisher) SetDatablocks(names []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.datablocks = names
}

// Start connects to the broker.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	clientID := p.config.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("%s-%d", p.namespace, time.Now().UnixNano())
	}
	opts.SetClientID(clientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetWill(p.topics.MQTTStatusTopic(), "offline", 1, true)

	client := pahomqtt.NewClient(opts)
	logging.DebugConnect("mqtt", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logging.DebugConnectError("mqtt", p.Address(), errors.New("timeout"))
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		logging.DebugConnectError("mqtt", p.Address(), token.Error())
		return token.Error()
	}
	logging.DebugConnectSuccess("mqtt", p.Address(), "client "+clientID)

	return p.attach(client)
}

// attach makes client the live connection and starts the write workers.
func (p *Publisher) attach(client pahomqtt.Client) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	p.lastMu.Lock()
	p.lastValues = make(map[string]interface{})
	p.lastMu.Unlock()

	client.Publish(p.topics.MQTTStatusTopic(), 1, true, "online")

	for i := 0; i < MaxWriteWorkers; i++ {
		p.wg.Add(1)
		go p.writeWorker()
	}
	p.subscribeWriteTopics()
	return nil
}

// Stop disconnects from the broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil
	oldStop := p.stopChan
	p.stopChan = make(chan struct{})
	p.writeQueue = make(chan writeJob, MaxWriteQueueSize)
	p.mu.Unlock()

	close(oldStop)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logging.DebugLog("mqtt", "timeout waiting for write workers to stop")
	}

	if t := client.Publish(p.topics.MQTTStatusTopic(), 1, true, "offline"); t != nil {
		t.WaitTimeout(time.Second)
	}
	client.Disconnect(500)
	logging.DebugDisconnect("mqtt", p.Address(), "stopped")
}

// BuildTopic returns the topic of one field. Dots and brackets in the
// path are kept; slashes cannot occur in field paths.
func (p *Publisher) BuildTopic(datablock, path string) string {
	return p.topics.MQTTFieldTopic(datablock, path)
}

// WriteTopic returns the topic write requests for a datablock arrive on.
func (p *Publisher) WriteTopic(datablock string) string {
	return p.topics.MQTTWriteTopic(datablock)
}

// PublishSnapshot publishes every field whose value changed since the last
// publish. Fields hidden by the active filter are published as well.
func (p *Publisher) PublishSnapshot(ctx context.Context, s *snapshot.Snapshot) error {
	p.mu.RLock()
	running, client := p.running, p.client
	p.mu.RUnlock()
	if !running || client == nil {
		return ErrNotRunning
	}

	ts := s.Timestamp.UTC().Format(time.RFC3339Nano)
	published := 0
	for _, e := range s.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		topic := p.BuildTopic(s.Datablock, e.Path)
		if !p.changed(topic, e.Value) {
			continue
		}
		payload, err := json.Marshal(FieldMessage{
			Topic:     topic,
			Datablock: s.Datablock,
			Number:    s.Number,
			Path:      e.Path,
			Address:   e.Address,
			Type:      e.Type,
			Value:     e.Value,
			Timestamp: ts,
		})
		if err != nil {
			return err
		}
		token := client.Publish(topic, 1, true, payload)
		if !token.WaitTimeout(2 * time.Second) {
			return fmt.Errorf("publish %s: timeout", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		p.lastMu.Lock()
		p.lastValues[topic] = e.Value
		p.lastMu.Unlock()
		published++
	}
	if published > 0 {
		logging.DebugLog("mqtt", "%s: published %d fields of %s", p.config.Name, published, s.Datablock)
	}
	return nil
}

func (p *Publisher) changed(topic string, value interface{}) bool {
	p.lastMu.RLock()
	last, ok := p.lastValues[topic]
	p.lastMu.RUnlock()
	return !ok || last != value
}

func (p *Publisher) subscribeWriteTopics() {
	p.mu.RLock()
	client := p.client
	names := p.datablocks
	p.mu.RUnlock()
	if client == nil {
		return
	}
	for _, name := range names {
		topic := p.WriteTopic(name)
		datablock := name
		token := client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			p.handleWriteMessage(datablock, msg.Payload())
		})
		if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
			logging.DebugLog("mqtt", "subscribe %s failed: %v", topic, token.Error())
			continue
		}
		logging.DebugLog("mqtt", "subscribed to %s", topic)
	}
}

func (p *Publisher) handleWriteMessage(datablock string, payload []byte) {
	var req WriteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		p.publishWriteResponse(datablock, req, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if req.Path == "" {
		p.publishWriteResponse(datablock, req, errors.New("path is required"))
		return
	}
	p.mu.RLock()
	queue := p.writeQueue
	p.mu.RUnlock()
	select {
	case queue <- writeJob{datablock: datablock, req: req}:
	default:
		p.publishWriteResponse(datablock, req, errors.New("write queue full"))
	}
}

func (p *Publisher) writeWorker() {
	defer p.wg.Done()
	p.mu.RLock()
	stop, queue := p.stopChan, p.writeQueue
	p.mu.RUnlock()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			p.mu.RLock()
			handler := p.writeHandler
			p.mu.RUnlock()

			var err error
			if handler == nil {
				err = errors.New("no write handler configured")
			} else if literal, lerr := literalOf(job.req.Value); lerr != nil {
				err = lerr
			} else {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				err = handler(ctx, job.datablock, job.req.Path, literal)
				cancel()
			}
			p.publishWriteResponse(job.datablock, job.req, err)
		}
	}
}

func (p *Publisher) publishWriteResponse(datablock string, req WriteRequest, writeErr error) {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return
	}
	resp := WriteResponse{
		Datablock: datablock,
		Path:      req.Path,
		Value:     req.Value,
		Success:   writeErr == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if writeErr != nil {
		resp.Error = writeErr.Error()
		logging.DebugLog("mqtt", "write %s/%s failed: %v", datablock, req.Path, writeErr)
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	client.Publish(p.topics.MQTTWriteResponseTopic(datablock), 1, false, payload)
}

// literalOf turns a JSON value into the text form field values are parsed
// from. Whole numbers lose their fraction; booleans become TRUE or FALSE.
func literalOf(v interface{}) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strings.ToUpper(strconv.FormatBool(x)), nil
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10), nil
		}
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case json.Number:
		return x.String(), nil
	default:
		return "", fmt.Errorf("unsupported value type: %T", v)
	}
}
