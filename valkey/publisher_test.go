package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"dbscope/config"
	"dbscope/snapshot"
)

type setCall struct {
	key   string
	value []byte
	ttl   time.Duration
}

type fakeClient struct {
	mu        sync.Mutex
	sets      []setCall
	published map[string][][]byte
	queue     []string
	setErr    error
	closed    bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{published: make(map[string][][]byte)}
}

func (c *fakeClient) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (c *fakeClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return redis.NewStatusResult("", c.setErr)
	}
	b, _ := value.([]byte)
	c.sets = append(c.sets, setCall{key, b, ttl})
	return redis.NewStatusResult("OK", nil)
}

func (c *fakeClient) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, _ := message.([]byte)
	c.published[channel] = append(c.published[channel], b)
	return redis.NewIntResult(1, nil)
}

func (c *fakeClient) BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	c.mu.Lock()
	if len(c.queue) > 0 {
		item := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		return redis.NewStringSliceResult([]string{keys[0], item}, nil)
	}
	c.mu.Unlock()
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Millisecond):
	}
	return redis.NewStringSliceResult(nil, redis.Nil)
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) value(key string) ([]byte, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sets) - 1; i >= 0; i-- {
		if c.sets[i].key == key {
			return c.sets[i].value, c.sets[i].ttl, true
		}
	}
	return nil, 0, false
}

func (c *fakeClient) messages(channel string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.published[channel]...)
}

func testSnapshot(count int64) *snapshot.Snapshot {
	return &snapshot.Snapshot{
		Datablock: "DB1",
		Number:    1,
		Size:      6,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Entries: []snapshot.Entry{
			{Path: "M1.Speed", Type: "Int", Address: "DB1.DBW0", Value: int64(5), Visible: true},
			{Path: "Count", Type: "Int", Address: "DB1.DBW4", Value: count, Visible: false},
		},
	}
}

func TestKeys(t *testing.T) {
	p := NewPublisher(&config.ValkeyConfig{Selector: "line1"}, "plant")
	if got := p.FieldKey("DB1", "M1.Speed"); got != "plant:line1:DB1:fields:M1.Speed" {
		t.Errorf("FieldKey = %q", got)
	}
	if got := p.SnapshotKey("DB1"); got != "plant:line1:DB1:snapshot" {
		t.Errorf("SnapshotKey = %q", got)
	}
	if got := p.ChangesChannel("DB1"); got != "plant:line1:DB1:changes" {
		t.Errorf("ChangesChannel = %q", got)
	}
}

func TestAddress(t *testing.T) {
	if got := NewPublisher(&config.ValkeyConfig{Address: "cache:6379"}, "ns").Address(); got != "redis://cache:6379" {
		t.Errorf("Address = %q", got)
	}
	if got := NewPublisher(&config.ValkeyConfig{Address: "cache:6380", UseTLS: true}, "ns").Address(); got != "rediss://cache:6380" {
		t.Errorf("TLS Address = %q", got)
	}
}

func TestPublishSnapshot(t *testing.T) {
	p := NewPublisher(&config.ValkeyConfig{Name: "cache", KeyTTL: time.Minute, PublishChanges: true}, "plant")
	if err := p.PublishSnapshot(context.Background(), testSnapshot(10)); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("before attach = %v", err)
	}

	c := newFakeClient()
	p.attach(c)
	defer p.Stop()

	if err := p.PublishSnapshot(context.Background(), testSnapshot(10)); err != nil {
		t.Fatal(err)
	}

	data, ttl, ok := c.value("plant:DB1:fields:Count")
	if !ok {
		t.Fatal("field key not set")
	}
	if ttl != time.Minute {
		t.Errorf("ttl = %v", ttl)
	}
	var fm FieldMessage
	if err := json.Unmarshal(data, &fm); err != nil {
		t.Fatal(err)
	}
	if fm.Path != "Count" || fm.Address != "DB1.DBW4" || fm.Visible || fm.Value.(float64) != 10 {
		t.Errorf("field message = %+v", fm)
	}

	data, _, ok = c.value("plant:DB1:snapshot")
	if !ok {
		t.Fatal("snapshot key not set")
	}
	var snap snapshot.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Datablock != "DB1" || len(snap.Entries) != 2 {
		t.Errorf("snapshot = %+v", snap)
	}

	// first publish reports every field as changed
	msgs := c.messages("plant:DB1:changes")
	if len(msgs) != 1 {
		t.Fatalf("change messages = %d, want 1", len(msgs))
	}
	var change ChangeMessage
	json.Unmarshal(msgs[0], &change)
	if len(change.Changes) != 2 {
		t.Errorf("first changes = %d, want 2", len(change.Changes))
	}

	p.PublishSnapshot(context.Background(), testSnapshot(10))
	if got := len(c.messages("plant:DB1:changes")); got != 1 {
		t.Errorf("unchanged snapshot published a change (%d messages)", got)
	}

	p.PublishSnapshot(context.Background(), testSnapshot(11))
	msgs = c.messages("plant:DB1:changes")
	if len(msgs) != 2 {
		t.Fatalf("change messages = %d, want 2", len(msgs))
	}
	json.Unmarshal(msgs[1], &change)
	if len(change.Changes) != 1 || change.Changes[0].Path != "Count" {
		t.Errorf("changes = %+v", change.Changes)
	}
}

func TestPublishSetError(t *testing.T) {
	p := NewPublisher(&config.ValkeyConfig{Name: "cache"}, "plant")
	c := newFakeClient()
	c.setErr = errors.New("READONLY")
	p.attach(c)
	defer p.Stop()
	if err := p.PublishSnapshot(context.Background(), testSnapshot(1)); err == nil {
		t.Error("expected error from failing SET")
	}
}

func TestWriteBack(t *testing.T) {
	p := NewPublisher(&config.ValkeyConfig{Name: "cache", WriteBack: true}, "plant")
	got := make(chan WriteRequest, 1)
	p.SetWriteHandler(func(ctx context.Context, datablock, path, literal string) error {
		got <- WriteRequest{Datablock: datablock, Path: path, Value: literal}
		return nil
	})

	c := newFakeClient()
	req, _ := json.Marshal(WriteRequest{Datablock: "DB1", Path: "Count", Value: "7"})
	c.queue = []string{string(req)}
	p.attach(c)

	select {
	case r := <-got:
		if r.Datablock != "DB1" || r.Path != "Count" || r.Value != "7" {
			t.Errorf("write = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("write request not handled")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(c.messages("plant:write:responses")) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	msgs := c.messages("plant:write:responses")
	if len(msgs) != 1 {
		t.Fatalf("responses = %d", len(msgs))
	}
	var resp WriteResponse
	json.Unmarshal(msgs[0], &resp)
	if !resp.Success {
		t.Errorf("response = %+v", resp)
	}

	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}
	if !c.closed {
		t.Error("client not closed on Stop")
	}
}

func TestManager(t *testing.T) {
	m := NewManager("plant")
	m.LoadFromConfig([]config.ValkeyConfig{{Name: "a"}, {Name: "b"}})
	if len(m.List()) != 2 || m.Get("b") == nil {
		t.Fatalf("publishers = %d", len(m.List()))
	}
	if m.AnyRunning() {
		t.Error("nothing should be running")
	}

	// stopped publishers are skipped
	if err := m.PublishSnapshot(context.Background(), testSnapshot(1)); err != nil {
		t.Errorf("PublishSnapshot with none running = %v", err)
	}

	c := newFakeClient()
	m.Get("a").attach(c)
	if !m.AnyRunning() {
		t.Error("AnyRunning = false")
	}
	if err := m.PublishSnapshot(context.Background(), testSnapshot(1)); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := c.value("plant:DB1:snapshot"); !ok {
		t.Error("snapshot not stored through manager")
	}

	if !m.Remove("a") || m.Remove("a") {
		t.Error("Remove result wrong")
	}
	if !c.closed {
		t.Error("removed publisher not stopped")
	}
	m.StopAll()
}
