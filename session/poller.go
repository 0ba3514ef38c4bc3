package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"dbscope/logging"
	"dbscope/snapshot"
)

// Sink receives a snapshot after every successful poll.
type Sink interface {
	Name() string
	PublishSnapshot(ctx context.Context, s *snapshot.Snapshot) error
}

// PollStats tracks polling for status displays.
type PollStats struct {
	LastPoll  time.Time
	Polls     int
	Errors    int
	Entries   int
	Changed   int
	LastError error
}

// Poller refreshes the open datablock at a fixed rate and hands each
// snapshot to its sinks.
type Poller struct {
	manager *Manager
	rate    time.Duration

	mu    sync.RWMutex
	sinks []Sink
	last  *snapshot.Snapshot
	stats PollStats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a stopped poller.
func NewPoller(m *Manager, rate time.Duration, sinks ...Sink) *Poller {
	if rate <= 0 {
		rate = time.Second
	}
	return &Poller{manager: m, rate: rate, sinks: sinks}
}

// AddSink registers a sink.
func (p *Poller) AddSink(s Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks = append(p.sinks, s)
}

// Sinks returns the registered sinks.
func (p *Poller) Sinks() []Sink {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Sink(nil), p.sinks...)
}

// Rate returns the poll interval.
func (p *Poller) Rate() time.Duration { return p.rate }

// Start begins polling in the background.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	ctx := p.ctx
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop halts polling and waits for the loop to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

// Running reports whether the poll loop is active.
func (p *Poller) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cancel != nil
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.rate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logging.DebugError("session", "poll", err)
			}
		}
	}
}

// PollOnce refreshes the datablock and publishes the snapshot to every
// sink. Nothing happens while no datablock is open. Sink failures are
// logged and joined into the returned error.
func (p *Poller) PollOnce(ctx context.Context) error {
	if !p.manager.IsOpen() {
		return nil
	}
	snap, err := p.manager.Refresh(ctx)

	p.mu.Lock()
	p.stats.LastPoll = time.Now()
	p.stats.Polls++
	if err != nil {
		p.stats.Errors++
		p.stats.LastError = err
		p.mu.Unlock()
		return err
	}
	p.stats.Entries = len(snap.Entries)
	p.stats.Changed = len(snap.Changed(p.last))
	p.stats.LastError = nil
	p.last = snap
	sinks := append([]Sink(nil), p.sinks...)
	p.mu.Unlock()

	var errs []error
	for _, s := range sinks {
		if err := s.PublishSnapshot(ctx, snap); err != nil {
			logging.DebugLog("session", "sink %s: %v", s.Name(), err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns the polling counters.
func (p *Poller) Stats() PollStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// Last returns the most recent snapshot, or nil before the first poll.
func (p *Poller) Last() *snapshot.Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}
