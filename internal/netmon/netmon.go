// Package netmon tracks whether the task server is reachable.
//
// A Monitor holds the last known state and publishes distinct-until-changed
// updates to subscribers. The state is fed by a Prober polled from Run, by a
// one-shot Check, or by Set from a platform connectivity callback.
package netmon

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"
)

// Prober tests reachability once.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// DialProber opens a TCP connection to Addr.
type DialProber struct {
	Addr    string
	Timeout time.Duration
}

// Probe implements Prober.
func (p DialProber) Probe(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", p.Addr, err)
	}
	return conn.Close()
}

// Config configures a Monitor.
type Config struct {
	Prober   Prober
	Interval time.Duration
	Logger   *log.Logger
}

// Monitor holds the connectivity state.
type Monitor struct {
	prober   Prober
	interval time.Duration
	logger   *log.Logger

	mu     sync.Mutex
	known  bool
	online bool
	subs   map[chan bool]struct{}
}

// New creates a monitor. The state is unknown (reported offline) until the
// first probe or Set.
func New(cfg Config) *Monitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[netmon] ", log.LstdFlags)
	}
	return &Monitor{
		prober:   cfg.Prober,
		interval: interval,
		logger:   logger,
		subs:     make(map[chan bool]struct{}),
	}
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.known && m.online
}

// Set records a new state and notifies subscribers if it changed.
// Returns true when the state changed.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.known && m.online == online {
		return false
	}
	m.known = true
	m.online = online

	for ch := range m.subs {
		publish(ch, online)
	}
	return true
}

// publish replaces whatever value is waiting on the one-slot channel with
// v, so a slow reader skips stale states but always receives the newest.
// Callers hold m.mu, which makes them the only senders.
func publish(ch chan bool, v bool) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// Subscribe returns a channel of state changes. The current state is sent
// first when known. Call cancel to stop receiving; the channel is closed.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)

	m.mu.Lock()
	m.subs[ch] = struct{}{}
	if m.known {
		ch <- m.online
	}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, ch)
			close(ch)
			m.mu.Unlock()
		})
	}
}

// Check probes once and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.prober == nil {
		return m.Online()
	}
	err := m.prober.Probe(ctx)
	if ctx.Err() != nil {
		return m.Online()
	}
	if m.Set(err == nil) {
		if err != nil {
			m.logger.Printf("Server unreachable: %v", err)
		} else {
			m.logger.Printf("Server reachable")
		}
	}
	return err == nil
}

// Run probes at the configured interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if m.prober == nil {
		<-ctx.Done()
		return nil
	}

	m.Check(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
