// Package config handles configuration persistence for dbscope.
package config

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ConfigListenerID is a unique identifier for a config change listener.
type ConfigListenerID string

// Config holds the complete application configuration.
type Config struct {
	Namespace  string            `yaml:"namespace" toml:"namespace"` // prefix for topics and keys
	PLC        PLCConfig         `yaml:"plc" toml:"plc"`
	SourceDir  string            `yaml:"source_dir" toml:"source_dir"` // folder scanned for .db and .udt files
	Datablocks []DatablockConfig `yaml:"datablocks" toml:"datablocks"`
	PollRate   time.Duration     `yaml:"poll_rate" toml:"poll_rate"`
	Web        WebConfig         `yaml:"web" toml:"web"`
	MQTT       []MQTTConfig      `yaml:"mqtt" toml:"mqtt"`
	Valkey     []ValkeyConfig    `yaml:"valkey,omitempty" toml:"valkey,omitempty"`
	Kafka      []KafkaConfig     `yaml:"kafka,omitempty" toml:"kafka,omitempty"`
	UI         UIConfig          `yaml:"ui,omitempty" toml:"ui,omitempty"`

	// Data mutex protects all config fields against concurrent access.
	// Callers that modify config should Lock(), modify, then call UnlockAndSave().
	dataMu sync.Mutex

	changeListeners map[ConfigListenerID]func()
	listenersMu     sync.RWMutex
	listenerCounter uint64
}

// PLCConfig describes the S7 CPU datablocks are read from.
type PLCConfig struct {
	Name    string        `yaml:"name" toml:"name"`
	Address string        `yaml:"address" toml:"address"` // host or host:port
	Rack    int           `yaml:"rack" toml:"rack"`
	Slot    int           `yaml:"slot" toml:"slot"`
	Timeout time.Duration `yaml:"timeout,omitempty" toml:"timeout,omitempty"`
	Enabled bool          `yaml:"enabled" toml:"enabled"`
}

// DatablockConfig binds a source file to a datablock number on the PLC.
type DatablockConfig struct {
	Name   string `yaml:"name" toml:"name"`
	Path   string `yaml:"path" toml:"path"`     // relative paths resolve against SourceDir
	Number int    `yaml:"number" toml:"number"` // 0 = not assigned
	Poll   bool   `yaml:"poll,omitempty" toml:"poll,omitempty"`
}

// UIConfig stores user interface preferences.
type UIConfig struct {
	Theme     string `yaml:"theme,omitempty" toml:"theme,omitempty"`
	ASCIIMode bool   `yaml:"ascii_mode,omitempty" toml:"ascii_mode,omitempty"` // ASCII borders for terminals without Unicode
}

// WebConfig holds web server configuration.
type WebConfig struct {
	Enabled       bool      `yaml:"enabled" toml:"enabled"`
	Host          string    `yaml:"host" toml:"host"`
	Port          int       `yaml:"port" toml:"port"`
	SessionSecret string    `yaml:"session_secret,omitempty" toml:"session_secret,omitempty"`
	Users         []WebUser `yaml:"users,omitempty" toml:"users,omitempty"`
}

// WebUser represents a web interface user.
type WebUser struct {
	Username     string `yaml:"username" toml:"username"`
	PasswordHash string `yaml:"password_hash" toml:"password_hash"` // bcrypt
	Role         string `yaml:"role" toml:"role"`                   // "admin" or "viewer"
}

// Web user roles
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name" toml:"name"`
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Broker   string `yaml:"broker" toml:"broker"`
	Port     int    `yaml:"port" toml:"port"`
	Username string `yaml:"username,omitempty" toml:"username,omitempty"`
	Password string `yaml:"password,omitempty" toml:"password,omitempty"`
	ClientID string `yaml:"client_id" toml:"client_id"`
	Selector string `yaml:"selector,omitempty" toml:"selector,omitempty"` // optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty" toml:"use_tls,omitempty"`
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name           string        `yaml:"name" toml:"name"`
	Enabled        bool          `yaml:"enabled" toml:"enabled"`
	Address        string        `yaml:"address" toml:"address"` // host:port
	Password       string        `yaml:"password,omitempty" toml:"password,omitempty"`
	Database       int           `yaml:"database" toml:"database"`
	Selector       string        `yaml:"selector,omitempty" toml:"selector,omitempty"`
	UseTLS         bool          `yaml:"use_tls,omitempty" toml:"use_tls,omitempty"`
	KeyTTL         time.Duration `yaml:"key_ttl,omitempty" toml:"key_ttl,omitempty"` // 0 = no expiry
	PublishChanges bool          `yaml:"publish_changes,omitempty" toml:"publish_changes,omitempty"`
	WriteBack      bool          `yaml:"write_back,omitempty" toml:"write_back,omitempty"` // accept writes from <ns>:writes
}

// KafkaConfig holds Kafka cluster configuration.
type KafkaConfig struct {
	Name          string        `yaml:"name" toml:"name"`
	Enabled       bool          `yaml:"enabled" toml:"enabled"`
	Brokers       []string      `yaml:"brokers" toml:"brokers"`
	Topic         string        `yaml:"topic,omitempty" toml:"topic,omitempty"` // default: <namespace>.datablocks
	UseTLS        bool          `yaml:"use_tls,omitempty" toml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty" toml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty" toml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty" toml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty" toml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty" toml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty" toml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty" toml:"retry_backoff,omitempty"`
	WriteBack     bool          `yaml:"write_back,omitempty" toml:"write_back,omitempty"`         // consume <topic>.writes
	ConsumerGroup string        `yaml:"consumer_group,omitempty" toml:"consumer_group,omitempty"` // default: <namespace>-writes
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "dbscope",
		PLC: PLCConfig{
			Rack:    0,
			Slot:    1,
			Timeout: 5 * time.Second,
		},
		SourceDir:  "instances",
		Datablocks: []DatablockConfig{},
		PollRate:   time.Second,
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		MQTT:   []MQTTConfig{},
		Valkey: []ValkeyConfig{},
		Kafka:  []KafkaConfig{},
	}
}

// DefaultPath returns the default configuration file path (~/.dbscope/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".dbscope", "config.yaml")
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Load reads configuration from a YAML file, or TOML when path ends in .toml.
// A missing file yields the defaults, which are written back.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	dirty := false

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		dirty = true
	} else if isTOML(path) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// A session secret is needed before the login page can be served.
	if cfg.Web.SessionSecret == "" {
		secret := make([]byte, 32)
		rand.Read(secret)
		cfg.Web.SessionSecret = base64.StdEncoding.EncodeToString(secret)
		dirty = true
	}

	if dirty {
		cfg.Save(path) // best effort
	}
	return cfg, nil
}

// AddOnChangeListener registers a callback to be called when the config is saved.
func (c *Config) AddOnChangeListener(cb func()) ConfigListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ConfigListenerID]func())
	}

	id := ConfigListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (c *Config) RemoveOnChangeListener(id ConfigListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	delete(c.changeListeners, id)
}

func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	for _, cb := range listeners {
		go cb()
	}
}

// Lock acquires the config data mutex for exclusive access.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock, writes, and notifies.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

// saveLocked marshals config (lock must be held), unlocks, then writes and notifies.
func (c *Config) saveLocked(path string) error {
	data, err := c.marshal(path)
	c.dataMu.Unlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}

	c.notifyChangeListeners()
	return nil
}

func (c *Config) marshal(path string) ([]byte, error) {
	if !isTOML(path) {
		return yaml.Marshal(c)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DatablockPath resolves a datablock's source path against SourceDir.
func (c *Config) DatablockPath(db DatablockConfig) string {
	if db.Path == "" || filepath.IsAbs(db.Path) || c.SourceDir == "" {
		return db.Path
	}
	return filepath.Join(c.SourceDir, db.Path)
}

// FindDatablock returns the datablock entry with the given name, or nil if not found.
func (c *Config) FindDatablock(name string) *DatablockConfig {
	for i := range c.Datablocks {
		if c.Datablocks[i].Name == name {
			return &c.Datablocks[i]
		}
	}
	return nil
}

// AddDatablock adds a datablock entry.
func (c *Config) AddDatablock(db DatablockConfig) {
	c.Datablocks = append(c.Datablocks, db)
}

// RemoveDatablock removes a datablock entry by name.
func (c *Config) RemoveDatablock(name string) bool {
	for i, db := range c.Datablocks {
		if db.Name == name {
			c.Datablocks = append(c.Datablocks[:i], c.Datablocks[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateDatablock replaces an existing datablock entry.
func (c *Config) UpdateDatablock(name string, updated DatablockConfig) bool {
	for i, db := range c.Datablocks {
		if db.Name == name {
			c.Datablocks[i] = updated
			return true
		}
	}
	return false
}

// SetDatablockNumber assigns a PLC datablock number, adding an entry if needed.
func (c *Config) SetDatablockNumber(name string, number int) {
	if db := c.FindDatablock(name); db != nil {
		db.Number = number
		return
	}
	c.AddDatablock(DatablockConfig{Name: name, Number: number})
}

// FindMQTT returns the MQTT config with the given name, or nil if not found.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// AddMQTT adds a new MQTT configuration.
func (c *Config) AddMQTT(mqtt MQTTConfig) {
	c.MQTT = append(c.MQTT, mqtt)
}

// RemoveMQTT removes an MQTT config by name.
func (c *Config) RemoveMQTT(name string) bool {
	for i, m := range c.MQTT {
		if m.Name == name {
			c.MQTT = append(c.MQTT[:i], c.MQTT[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateMQTT updates an existing MQTT configuration.
func (c *Config) UpdateMQTT(name string, updated MQTTConfig) bool {
	for i, m := range c.MQTT {
		if m.Name == name {
			c.MQTT[i] = updated
			return true
		}
	}
	return false
}

// FindValkey returns the Valkey config with the given name, or nil if not found.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// AddValkey adds a new Valkey configuration.
func (c *Config) AddValkey(valkey ValkeyConfig) {
	c.Valkey = append(c.Valkey, valkey)
}

// RemoveValkey removes a Valkey config by name.
func (c *Config) RemoveValkey(name string) bool {
	for i, v := range c.Valkey {
		if v.Name == name {
			c.Valkey = append(c.Valkey[:i], c.Valkey[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateValkey updates an existing Valkey configuration.
func (c *Config) UpdateValkey(name string, updated ValkeyConfig) bool {
	for i, v := range c.Valkey {
		if v.Name == name {
			c.Valkey[i] = updated
			return true
		}
	}
	return false
}

// FindKafka returns the Kafka config with the given name, or nil if not found.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// AddKafka adds a new Kafka configuration.
func (c *Config) AddKafka(kafka KafkaConfig) {
	c.Kafka = append(c.Kafka, kafka)
}

// RemoveKafka removes a Kafka config by name.
func (c *Config) RemoveKafka(name string) bool {
	for i, k := range c.Kafka {
		if k.Name == name {
			c.Kafka = append(c.Kafka[:i], c.Kafka[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateKafka updates an existing Kafka configuration.
func (c *Config) UpdateKafka(name string, updated KafkaConfig) bool {
	for i, k := range c.Kafka {
		if k.Name == name {
			c.Kafka[i] = updated
			return true
		}
	}
	return false
}

// FindWebUser returns the web user with the given username, or nil if not found.
func (c *Config) FindWebUser(username string) *WebUser {
	for i := range c.Web.Users {
		if c.Web.Users[i].Username == username {
			return &c.Web.Users[i]
		}
	}
	return nil
}

// AddWebUser adds a new web user.
func (c *Config) AddWebUser(user WebUser) {
	c.Web.Users = append(c.Web.Users, user)
}

// RemoveWebUser removes a web user by username.
func (c *Config) RemoveWebUser(username string) bool {
	for i, u := range c.Web.Users {
		if u.Username == username {
			c.Web.Users = append(c.Web.Users[:i], c.Web.Users[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateWebUser replaces an existing web user.
func (c *Config) UpdateWebUser(username string, updated WebUser) bool {
	for i, u := range c.Web.Users {
		if u.Username == username {
			c.Web.Users[i] = updated
			return true
		}
	}
	return false
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		errs = append(errs, fmt.Errorf("invalid namespace %q: must contain only alphanumeric characters, hyphens, underscores and dots", c.Namespace))
	}
	if c.PollRate < 0 {
		errs = append(errs, fmt.Errorf("poll_rate must not be negative"))
	}
	if c.PLC.Rack < 0 || c.PLC.Slot < 0 {
		errs = append(errs, fmt.Errorf("plc rack and slot must not be negative"))
	}

	seen := make(map[string]bool)
	numbers := make(map[int]string)
	for _, db := range c.Datablocks {
		if db.Name == "" {
			errs = append(errs, fmt.Errorf("datablock entry without a name"))
			continue
		}
		if seen[db.Name] {
			errs = append(errs, fmt.Errorf("datablock %q listed twice", db.Name))
		}
		seen[db.Name] = true
		if db.Number < 0 || db.Number > 65535 {
			errs = append(errs, fmt.Errorf("datablock %q: number %d out of range", db.Name, db.Number))
		}
		if db.Number > 0 {
			if other, ok := numbers[db.Number]; ok {
				errs = append(errs, fmt.Errorf("datablock %q: number %d already used by %q", db.Name, db.Number, other))
			}
			numbers[db.Number] = db.Name
		}
	}

	for _, u := range c.Web.Users {
		if u.Role != RoleAdmin && u.Role != RoleViewer {
			errs = append(errs, fmt.Errorf("web user %q: unknown role %q", u.Username, u.Role))
		}
	}
	return errors.Join(errs...)
}

// IsValidNamespace returns true if the namespace is valid.
// Valid namespaces contain only alphanumeric characters, hyphens, underscores, and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}
