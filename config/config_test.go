package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.PollRate != time.Second {
		t.Errorf("expected 1s poll rate, got %v", cfg.PollRate)
	}
	if !cfg.Web.Enabled {
		t.Error("expected Web.Enabled true by default")
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("expected Web port 8080, got %d", cfg.Web.Port)
	}
	if cfg.PLC.Slot != 1 {
		t.Errorf("expected slot 1, got %d", cfg.PLC.Slot)
	}
	if cfg.SourceDir != "instances" {
		t.Errorf("expected source dir 'instances', got %q", cfg.SourceDir)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoadMissingFileWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Web.SessionSecret == "" {
		t.Error("expected a generated session secret")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected defaults to be saved: %v", err)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("second Load failed: %v", err)
	}
	if again.Web.SessionSecret != cfg.Web.SessionSecret {
		t.Error("session secret changed between loads")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `namespace: plant1
plc:
  name: line1
  address: 192.168.0.10
  rack: 0
  slot: 2
source_dir: /srv/sources
datablocks:
  - name: DB1
    path: DB1.db
    number: 1
  - name: Recipes
    path: /abs/recipes.db
    number: 20
poll_rate: 250ms
web:
  enabled: false
  session_secret: abc
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Namespace != "plant1" {
		t.Errorf("namespace = %q", cfg.Namespace)
	}
	if cfg.PLC.Address != "192.168.0.10" || cfg.PLC.Slot != 2 {
		t.Errorf("plc = %+v", cfg.PLC)
	}
	if cfg.PollRate != 250*time.Millisecond {
		t.Errorf("poll rate = %v", cfg.PollRate)
	}
	if len(cfg.Datablocks) != 2 {
		t.Fatalf("expected 2 datablocks, got %d", len(cfg.Datablocks))
	}
	if got := cfg.DatablockPath(cfg.Datablocks[0]); got != filepath.Join("/srv/sources", "DB1.db") {
		t.Errorf("relative path resolved to %q", got)
	}
	if got := cfg.DatablockPath(cfg.Datablocks[1]); got != "/abs/recipes.db" {
		t.Errorf("absolute path resolved to %q", got)
	}
	if cfg.Web.Enabled {
		t.Error("web should be disabled")
	}
	if cfg.Web.SessionSecret != "abc" {
		t.Errorf("session secret overwritten: %q", cfg.Web.SessionSecret)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `namespace = "plant2"
source_dir = "src"
poll_rate = "2s"

[plc]
address = "10.0.0.5"
slot = 1

[web]
session_secret = "s"

[[datablocks]]
name = "DB5"
path = "DB5.db"
number = 5
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Namespace != "plant2" {
		t.Errorf("namespace = %q", cfg.Namespace)
	}
	if cfg.PollRate != 2*time.Second {
		t.Errorf("poll rate = %v", cfg.PollRate)
	}
	if cfg.PLC.Address != "10.0.0.5" {
		t.Errorf("plc address = %q", cfg.PLC.Address)
	}
	db := cfg.FindDatablock("DB5")
	if db == nil || db.Number != 5 {
		t.Fatalf("DB5 = %+v", db)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"config.yaml", "config.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			cfg := DefaultConfig()
			cfg.Web.SessionSecret = "fixed"
			cfg.AddDatablock(DatablockConfig{Name: "DB1", Path: "DB1.db", Number: 1})
			cfg.AddMQTT(MQTTConfig{Name: "local", Broker: "localhost", Port: 1883})
			cfg.AddKafka(KafkaConfig{Name: "k", Brokers: []string{"a:9092", "b:9092"}})

			if err := cfg.Save(path); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if loaded.FindDatablock("DB1") == nil {
				t.Error("datablock lost")
			}
			if m := loaded.FindMQTT("local"); m == nil || m.Port != 1883 {
				t.Errorf("mqtt = %+v", m)
			}
			if k := loaded.FindKafka("k"); k == nil || len(k.Brokers) != 2 {
				t.Errorf("kafka = %+v", k)
			}
			if loaded.PollRate != time.Second {
				t.Errorf("poll rate = %v", loaded.PollRate)
			}
		})
	}
}

func TestChangeListener(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()

	called := make(chan struct{}, 1)
	id := cfg.AddOnChangeListener(func() { called <- struct{}{} })

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("listener not called")
	}

	cfg.RemoveOnChangeListener(id)
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	select {
	case <-called:
		t.Error("removed listener was called")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDatablockHelpers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AddDatablock(DatablockConfig{Name: "A", Number: 1})

	if !cfg.UpdateDatablock("A", DatablockConfig{Name: "A", Number: 3}) {
		t.Fatal("UpdateDatablock returned false")
	}
	if cfg.FindDatablock("A").Number != 3 {
		t.Error("update not applied")
	}

	cfg.SetDatablockNumber("B", 9)
	if b := cfg.FindDatablock("B"); b == nil || b.Number != 9 {
		t.Errorf("SetDatablockNumber did not add B: %+v", b)
	}
	cfg.SetDatablockNumber("A", 4)
	if cfg.FindDatablock("A").Number != 4 {
		t.Error("SetDatablockNumber did not update A")
	}

	if !cfg.RemoveDatablock("A") || cfg.RemoveDatablock("A") {
		t.Error("RemoveDatablock should succeed once")
	}
	if cfg.UpdateDatablock("missing", DatablockConfig{}) {
		t.Error("UpdateDatablock on missing entry returned true")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad namespace", func(c *Config) { c.Namespace = "a b" }, "invalid namespace"},
		{"negative poll", func(c *Config) { c.PollRate = -time.Second }, "poll_rate"},
		{"duplicate name", func(c *Config) {
			c.AddDatablock(DatablockConfig{Name: "X"})
			c.AddDatablock(DatablockConfig{Name: "X"})
		}, "listed twice"},
		{"duplicate number", func(c *Config) {
			c.AddDatablock(DatablockConfig{Name: "X", Number: 2})
			c.AddDatablock(DatablockConfig{Name: "Y", Number: 2})
		}, "already used"},
		{"number range", func(c *Config) { c.AddDatablock(DatablockConfig{Name: "X", Number: 70000}) }, "out of range"},
		{"bad role", func(c *Config) { c.AddWebUser(WebUser{Username: "u", Role: "root"}) }, "unknown role"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestIsValidNamespace(t *testing.T) {
	tests := []struct {
		ns   string
		want bool
	}{
		{"plant1", true},
		{"a.b-c_d", true},
		{"", false},
		{"has space", false},
		{"slash/no", false},
	}
	for _, tt := range tests {
		if got := IsValidNamespace(tt.ns); got != tt.want {
			t.Errorf("IsValidNamespace(%q) = %v, want %v", tt.ns, got, tt.want)
		}
	}
}
