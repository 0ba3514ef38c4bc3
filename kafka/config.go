// Package kafka produces datablock snapshots to Kafka and consumes write
// requests from it.
package kafka

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"dbscope/config"
	"dbscope/namespace"
)

// SASL mechanism names accepted in the configuration.
const (
	SASLNone        = ""
	SASLPlain       = "PLAIN"
	SASLSCRAMSHA256 = "SCRAM-SHA-256"
	SASLSCRAMSHA512 = "SCRAM-SHA-512"
)

// Topic returns the snapshot topic of a cluster.
func Topic(cfg *config.KafkaConfig, ns string) string {
	return namespace.New(ns, "").KafkaTopic(cfg.Topic)
}

// WriteTopic returns the topic write requests are consumed from.
func WriteTopic(cfg *config.KafkaConfig, ns string) string {
	return namespace.New(ns, "").KafkaWriteTopic(cfg.Topic)
}

// WriteResponseTopic returns the topic write responses are produced to.
func WriteResponseTopic(cfg *config.KafkaConfig, ns string) string {
	return namespace.New(ns, "").KafkaWriteResponseTopic(cfg.Topic)
}

// ConsumerGroup returns the consumer group of the write consumer.
func ConsumerGroup(cfg *config.KafkaConfig, ns string) string {
	return namespace.New(ns, "").KafkaConsumerGroup(cfg.ConsumerGroup)
}

func tlsConfig(cfg *config.KafkaConfig) *tls.Config {
	if !cfg.UseTLS {
		return nil
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLSSkipVerify,
	}
}

// saslMechanism returns the configured mechanism, or nil when no username
// is set.
func saslMechanism(cfg *config.KafkaConfig) (sasl.Mechanism, error) {
	if cfg.Username == "" {
		return nil, nil
	}
	switch strings.ToUpper(cfg.SASLMechanism) {
	case SASLNone, SASLPlain:
		return plain.Mechanism{Username: cfg.Username, Password: cfg.Password}, nil
	case SASLSCRAMSHA256:
		return scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
	case SASLSCRAMSHA512:
		return scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %q", cfg.SASLMechanism)
	}
}
