package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"dbscope/config"
	"dbscope/logging"
)

// WriteBatchInterval is how often collected write requests are applied.
const WriteBatchInterval = 250 * time.Millisecond

// WriteRequest is the JSON value of a message on the write topic.
type WriteRequest struct {
	Datablock string    `json:"datablock"`
	Path      string    `json:"path"`
	Value     string    `json:"value"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// WriteResponse is produced on the write response topic.
type WriteResponse struct {
	Datablock    string    `json:"datablock"`
	Path         string    `json:"path"`
	Value        string    `json:"value"`
	RequestID    string    `json:"request_id,omitempty"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	Deduplicated bool      `json:"deduplicated,omitempty"` // replaced by a newer request for the same field
	Timestamp    time.Time `json:"timestamp"`
}

// WriteHandler writes a literal into a field of a datablock.
type WriteHandler func(ctx context.Context, datablock, path, literal string) error

// messageReader is the part of kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// responder produces write responses.
type responder interface {
	Produce(ctx context.Context, topic string, key, value []byte) error
}

// Consumer applies write requests read from a cluster. Requests for the
// same field within one batch interval are collapsed to the latest one.
type Consumer struct {
	config    *config.KafkaConfig
	namespace string
	producer  responder
	reader    messageReader
	running   bool
	mu        sync.RWMutex

	writeHandler WriteHandler
	newReader    func() (messageReader, error)

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewConsumer creates a write consumer. Responses go through producer.
func NewConsumer(cfg *config.KafkaConfig, namespace string, producer *Producer) *Consumer {
	c := &Consumer{
		config:    cfg,
		namespace: namespace,
		stopChan:  make(chan struct{}),
	}
	if producer != nil {
		c.producer = producer
	}
	c.newReader = c.kafkaReader
	return c
}

// SetWriteHandler sets the callback for processing write requests.
func (c *Consumer) SetWriteHandler(handler WriteHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeHandler = handler
}

func (c *Consumer) kafkaReader() (messageReader, error) {
	mechanism, err := saslMechanism(c.config)
	if err != nil {
		return nil, err
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.config.Brokers,
		Topic:          WriteTopic(c.config, c.namespace),
		GroupID:        ConsumerGroup(c.config, c.namespace),
		MinBytes:       1,
		MaxBytes:       1e6,
		MaxWait:        100 * time.Millisecond,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
		Dialer: &kafka.Dialer{
			Timeout:       10 * time.Second,
			DualStack:     true,
			TLS:           tlsConfig(c.config),
			SASLMechanism: mechanism,
		},
	}), nil
}

// Start begins consuming write requests.
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	reader, err := c.newReader()
	if err != nil {
		return err
	}
	c.reader = reader
	c.running = true
	c.stopChan = make(chan struct{})

	c.wg.Add(1)
	go c.consumeLoop(reader, c.stopChan)
	logging.DebugLog("kafka", "%s: consuming %s", c.config.Name, WriteTopic(c.config, c.namespace))
	return nil
}

// Stop stops the consumer after applying pending writes.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopChan)
	reader := c.reader
	c.reader = nil
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		logging.DebugLog("kafka", "%s: consumer stop timeout", c.config.Name)
	}
	if reader != nil {
		reader.Close()
	}
}

// IsRunning returns whether the consumer is running.
func (c *Consumer) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Consumer) consumeLoop(reader messageReader, stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(WriteBatchInterval)
	defer ticker.Stop()

	var order []string
	pending := make(map[string]WriteRequest)
	var discarded []WriteRequest

	flush := func() {
		if len(pending) == 0 && len(discarded) == 0 {
			return
		}
		batch := make([]WriteRequest, 0, len(order))
		for _, key := range order {
			batch = append(batch, pending[key])
		}
		c.processBatch(batch, discarded)
		order = nil
		pending = make(map[string]WriteRequest)
		discarded = nil
	}

	for {
		select {
		case <-stop:
			flush()
			return
		case <-ticker.C:
			flush()
		default:
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			msg, err := reader.FetchMessage(ctx)
			cancel()
			if err != nil {
				if !errors.Is(err, context.DeadlineExceeded) {
					select {
					case <-stop:
					case <-time.After(10 * time.Millisecond):
					}
				}
				continue
			}

			var req WriteRequest
			if err := json.Unmarshal(msg.Value, &req); err != nil {
				logging.DebugLog("kafka", "%s: bad write request at offset %d: %v", c.config.Name, msg.Offset, err)
				c.commit(reader, msg)
				continue
			}
			key := req.Datablock + "/" + req.Path
			if prev, ok := pending[key]; ok {
				discarded = append(discarded, prev)
			} else {
				order = append(order, key)
			}
			pending[key] = req
			c.commit(reader, msg)
		}
	}
}

func (c *Consumer) commit(reader messageReader, msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reader.CommitMessages(ctx, msg); err != nil {
		logging.DebugError("kafka", "commit", err)
	}
}

func (c *Consumer) processBatch(batch, discarded []WriteRequest) {
	c.mu.RLock()
	handler := c.writeHandler
	c.mu.RUnlock()

	for _, req := range discarded {
		c.respond(WriteResponse{
			Datablock:    req.Datablock,
			Path:         req.Path,
			Value:        req.Value,
			RequestID:    req.RequestID,
			Deduplicated: true,
			Error:        "replaced by a newer request",
		})
	}

	for _, req := range batch {
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
		resp := WriteResponse{
			Datablock: req.Datablock,
			Path:      req.Path,
			Value:     req.Value,
			RequestID: req.RequestID,
			Success:   err == nil,
		}
		if err != nil {
			resp.Error = err.Error()
		}
		logging.DebugLog("kafka", "write %s/%s = %s -> success=%v", req.Datablock, req.Path, req.Value, resp.Success)
		c.respond(resp)
	}
}

func (c *Consumer) respond(resp WriteResponse) {
	if c.producer == nil {
		return
	}
	resp.Timestamp = time.Now().UTC()
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.producer.Produce(ctx, WriteResponseTopic(c.config, c.namespace), []byte(resp.Datablock), data); err != nil {
		logging.DebugError("kafka", "write response", err)
	}
}
