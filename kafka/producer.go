package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"dbscope/config"
	"dbscope/logging"
)

// ErrNotConnected is returned when producing on a disconnected cluster.
var ErrNotConnected = errors.New("kafka cluster not connected")

// ConnectionStatus represents the state of a Kafka connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// messageWriter is the part of kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes messages to one Kafka cluster.
type Producer struct {
	config  *config.KafkaConfig
	writers map[string]messageWriter // topic -> writer
	status  ConnectionStatus
	lastErr error
	mu      sync.RWMutex

	// newWriter builds the writer of a topic
	newWriter func(topic string) (messageWriter, error)

	messagesSent  int64
	messagesError int64
	lastSendTime  time.Time
}

// NewProducer creates a new Kafka producer.
func NewProducer(cfg *config.KafkaConfig) *Producer {
	p := &Producer{
		config:  cfg,
		writers: make(map[string]messageWriter),
		status:  StatusDisconnected,
	}
	p.newWriter = p.kafkaWriter
	return p
}

// Name returns the cluster name.
func (p *Producer) Name() string {
	return p.config.Name
}

// Status returns the current connection status.
func (p *Producer) Status() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Err returns the last error.
func (p *Producer) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// Stats returns producer statistics.
func (p *Producer) Stats() (sent, failed int64, lastSend time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError, p.lastSendTime
}

// Connect checks that the first reachable broker answers.
func (p *Producer) Connect(ctx context.Context) error {
	p.mu.Lock()
	p.status = StatusConnecting
	p.lastErr = nil
	p.mu.Unlock()

	if len(p.config.Brokers) == 0 {
		return p.fail(errors.New("no brokers configured"))
	}
	dialer, err := p.dialer()
	if err != nil {
		return p.fail(err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var lastErr error
	for _, broker := range p.config.Brokers {
		logging.DebugConnect("kafka", broker)
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			logging.DebugConnectError("kafka", broker, err)
			lastErr = err
			continue
		}
		conn.Close()
		p.markConnected()
		logging.DebugConnectSuccess("kafka", broker, p.config.Name)
		return nil
	}
	return p.fail(fmt.Errorf("failed to connect: %w", lastErr))
}

func (p *Producer) markConnected() {
	p.mu.Lock()
	p.status = StatusConnected
	p.lastErr = nil
	p.mu.Unlock()
}

func (p *Producer) fail(err error) error {
	p.mu.Lock()
	p.status = StatusError
	p.lastErr = err
	p.mu.Unlock()
	return err
}

// Disconnect closes all writers.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for topic, w := range p.writers {
		w.Close()
		delete(p.writers, topic)
	}
	p.status = StatusDisconnected
	p.lastErr = nil
	logging.DebugDisconnect("kafka", p.config.Name, "disconnected")
}

// Produce sends one message and blocks until it is acknowledged.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte) error {
	w, err := p.writer(topic)
	if err != nil {
		return err
	}

	start := time.Now()
	err = w.WriteMessages(ctx, kafka.Message{Key: key, Value: value, Time: start})
	if took := time.Since(start); took > 100*time.Millisecond {
		logging.DebugLog("kafka", "%s: write to %s took %v", p.config.Name, topic, took)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.messagesError++
		p.lastErr = err
		return fmt.Errorf("kafka produce failed: %w", err)
	}
	p.messagesSent++
	p.lastSendTime = time.Now()
	p.lastErr = nil
	return nil
}

// ProduceWithRetry retries Produce with a linear backoff.
func (p *Producer) ProduceWithRetry(ctx context.Context, topic string, key, value []byte) error {
	retries := p.config.MaxRetries
	backoff := p.config.RetryBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}
		if lastErr = p.Produce(ctx, topic, key, value); lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrNotConnected) {
			return lastErr
		}
	}
	return fmt.Errorf("kafka produce failed after %d attempts: %w", retries+1, lastErr)
}

func (p *Producer) writer(topic string) (messageWriter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusConnected {
		return nil, fmt.Errorf("%s: %w", p.config.Name, ErrNotConnected)
	}
	if w, ok := p.writers[topic]; ok {
		return w, nil
	}
	w, err := p.newWriter(topic)
	if err != nil {
		return nil, err
	}
	p.writers[topic] = w
	logging.DebugLog("kafka", "%s: created writer for topic %s", p.config.Name, topic)
	return w, nil
}

func (p *Producer) kafkaWriter(topic string) (messageWriter, error) {
	transport, err := p.transport()
	if err != nil {
		return nil, err
	}
	acks := kafka.RequireAll
	switch p.config.RequiredAcks {
	case 0:
		acks = kafka.RequireNone
	case 1:
		acks = kafka.RequireOne
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(p.config.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		Transport:              transport,
		RequiredAcks:           acks,
		MaxAttempts:            max(p.config.MaxRetries, 1),
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}, nil
}

func (p *Producer) dialer() (*kafka.Dialer, error) {
	mechanism, err := saslMechanism(p.config)
	if err != nil {
		return nil, err
	}
	return &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		TLS:           tlsConfig(p.config),
		SASLMechanism: mechanism,
	}, nil
}

func (p *Producer) transport() (*kafka.Transport, error) {
	mechanism, err := saslMechanism(p.config)
	if err != nil {
		return nil, err
	}
	return &kafka.Transport{
		DialTimeout: 10 * time.Second,
		TLS:         tlsConfig(p.config),
		SASL:        mechanism,
	}, nil
}
