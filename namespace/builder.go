// Package namespace builds the topic, key and channel names the MQTT,
// Valkey and Kafka publishers use, all prefixed with the configured
// namespace and an optional selector.
package namespace

import "strings"

// Builder constructs namespace-prefixed topics and keys.
type Builder struct {
	namespace string
	selector  string
}

// New creates a new namespace builder.
func New(namespace, selector string) *Builder {
	return &Builder{
		namespace: namespace,
		selector:  selector,
	}
}

// --- MQTT (delimiter: /) ---

// MQTTBase returns the root topic: {ns}[/{sel}]
func (b *Builder) MQTTBase() string {
	if b.selector != "" {
		return b.namespace + "/" + b.selector
	}
	return b.namespace
}

// MQTTStatusTopic returns the retained online/offline topic: {ns}[/{sel}]/status
func (b *Builder) MQTTStatusTopic() string {
	return b.MQTTBase() + "/status"
}

// MQTTFieldTopic returns the topic of one field: {ns}[/{sel}]/{db}/fields/{path}
func (b *Builder) MQTTFieldTopic(datablock, path string) string {
	return b.MQTTBase() + "/" + datablock + "/fields/" + path
}

// MQTTWriteTopic returns the topic for write requests: {ns}[/{sel}]/{db}/write
func (b *Builder) MQTTWriteTopic(datablock string) string {
	return b.MQTTBase() + "/" + datablock + "/write"
}

// MQTTWriteResponseTopic returns the topic for write responses: {ns}[/{sel}]/{db}/write/response
func (b *Builder) MQTTWriteResponseTopic(datablock string) string {
	return b.MQTTWriteTopic(datablock) + "/response"
}

// --- Valkey (delimiter: :) ---

// JoinKey joins key segments with colons. Colons at either end of a
// segment are trimmed and empty segments are dropped.
func JoinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

func (b *Builder) valkeyKey(segments ...string) string {
	return JoinKey(append([]string{b.namespace, b.selector}, segments...)...)
}

// ValkeyFieldKey returns the key of one field: {ns}[:{sel}]:{db}:fields:{path}
func (b *Builder) ValkeyFieldKey(datablock, path string) string {
	return b.valkeyKey(datablock, "fields", path)
}

// ValkeySnapshotKey returns the key of a whole snapshot: {ns}[:{sel}]:{db}:snapshot
func (b *Builder) ValkeySnapshotKey(datablock string) string {
	return b.valkeyKey(datablock, "snapshot")
}

// ValkeyChangesChannel returns the channel for changes: {ns}[:{sel}]:{db}:changes
func (b *Builder) ValkeyChangesChannel(datablock string) string {
	return b.valkeyKey(datablock, "changes")
}

// ValkeyWriteQueue returns the queue key for write requests: {ns}[:{sel}]:writes
func (b *Builder) ValkeyWriteQueue() string {
	return b.valkeyKey("writes")
}

// ValkeyWriteResponseChannel returns the channel for write responses: {ns}[:{sel}]:write:responses
func (b *Builder) ValkeyWriteResponseChannel() string {
	return b.valkeyKey("write", "responses")
}

// --- Kafka (delimiter: .) ---

// KafkaTopic returns the snapshot topic: custom when set, else {ns}.datablocks
func (b *Builder) KafkaTopic(custom string) string {
	if custom != "" {
		return custom
	}
	return b.namespace + ".datablocks"
}

// KafkaWriteTopic returns the topic write requests are consumed from: {topic}.writes
func (b *Builder) KafkaWriteTopic(custom string) string {
	return b.KafkaTopic(custom) + ".writes"
}

// KafkaWriteResponseTopic returns the topic for write responses: {topic}.writes.responses
func (b *Builder) KafkaWriteResponseTopic(custom string) string {
	return b.KafkaWriteTopic(custom) + ".responses"
}

// KafkaConsumerGroup returns the write consumer group: custom when set, else {ns}-writes
func (b *Builder) KafkaConsumerGroup(custom string) string {
	if custom != "" {
		return custom
	}
	return b.namespace + "-writes"
}
