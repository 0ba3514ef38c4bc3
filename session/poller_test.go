package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dbscope/snapshot"
)

type recordingSink struct {
	mu    sync.Mutex
	name  string
	got   []*snapshot.Snapshot
	err   error
	calls chan struct{}
}

func newRecordingSink(name string) *recordingSink {
	return &recordingSink{name: name, calls: make(chan struct{}, 16)}
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) PublishSnapshot(ctx context.Context, snap *snapshot.Snapshot) error {
	s.mu.Lock()
	s.got = append(s.got, snap)
	err := s.err
	s.mu.Unlock()
	select {
	case s.calls <- struct{}{}:
	default:
	}
	return err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestPollOnce(t *testing.T) {
	m, src := newTestManager(t)
	good := newRecordingSink("good")
	bad := newRecordingSink("bad")
	bad.err = errors.New("broker down")
	p := NewPoller(m, 0, good, bad)
	if p.Rate() != time.Second {
		t.Errorf("default rate = %v", p.Rate())
	}

	// Nothing is open yet.
	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce without datablock: %v", err)
	}
	if good.count() != 0 || p.Stats().Polls != 0 {
		t.Error("poll ran without an open datablock")
	}

	if _, err := m.Open("DB1"); err != nil {
		t.Fatal(err)
	}
	err := p.PollOnce(context.Background())
	if err == nil || !errors.Is(err, bad.err) {
		t.Errorf("PollOnce error = %v, want the sink error", err)
	}
	if good.count() != 1 || bad.count() != 1 {
		t.Errorf("sink calls = %d, %d", good.count(), bad.count())
	}
	st := p.Stats()
	if st.Polls != 1 || st.Entries != 3 || st.Changed != 3 {
		t.Errorf("stats = %+v", st)
	}

	src.data[5] = 0x0B
	_ = p.PollOnce(context.Background())
	if st := p.Stats(); st.Changed != 1 {
		t.Errorf("changed = %d, want 1", st.Changed)
	}

	src.readErr = errors.New("timeout")
	if err := p.PollOnce(context.Background()); err == nil {
		t.Error("failed read not reported")
	}
	if st := p.Stats(); st.Errors != 1 || st.LastError == nil {
		t.Errorf("stats after failure = %+v", st)
	}
	if good.count() != 2 {
		t.Errorf("sink called after failed read: %d", good.count())
	}
}

func TestPollerStartStop(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Open("DB1"); err != nil {
		t.Fatal(err)
	}
	sink := newRecordingSink("rec")
	p := NewPoller(m, 10*time.Millisecond)
	p.AddSink(sink)
	if len(p.Sinks()) != 1 {
		t.Fatalf("sinks = %d", len(p.Sinks()))
	}

	p.Start()
	p.Start()
	if !p.Running() {
		t.Fatal("poller not running")
	}
	select {
	case <-sink.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("no poll within 2s")
	}
	p.Stop()
	p.Stop()
	if p.Running() {
		t.Error("poller still running after Stop")
	}
	if p.Last() == nil {
		t.Error("no last snapshot")
	}
}
