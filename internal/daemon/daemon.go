// Package daemon runs the sync engine in the background.
//
// The daemon:
//  1. Probes connectivity and flushes then refreshes whenever the server
//     becomes reachable
//  2. Flushes and refreshes on timers, in case a connectivity change was missed
//  3. Watches the data directory so actions queued by another process are
//     flushed, and a new token written by `session resume` resumes syncing.
//     Its own writes (acks, recorded failures) do not start another flush.
//  4. Shuts down gracefully when its context is cancelled
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fieldworks/fieldsync/internal/engine"
	"github.com/fieldworks/fieldsync/internal/model"
)

// Syncer is the part of the engine the daemon drives. *engine.Engine
// implements it.
type Syncer interface {
	FlushPending(ctx context.Context) (engine.FlushReport, error)
	Refresh(ctx context.Context) ([]model.Task, error)
	LocalChanged()
	// QueueVersion grows whenever work is added to the queue, by any
	// process.
	QueueVersion(ctx context.Context) (int64, error)
	ResumeSession()
	SessionEvents() <-chan error
}

// Monitor is the connectivity source. *netmon.Monitor implements it.
type Monitor interface {
	Run(ctx context.Context) error
	Subscribe() (<-chan bool, func())
}

// Config holds configuration for the daemon.
type Config struct {
	// FlushInterval is how often queued actions are replayed regardless of
	// connectivity events.
	FlushInterval time.Duration

	// RefreshInterval is how often the task list is pulled.
	RefreshInterval time.Duration

	// Jitter is added at random to each timer tick so a fleet of devices
	// does not hit the server in step.
	Jitter time.Duration

	// DebounceInterval is how long file writes must settle before they are
	// processed. This batches the several writes of one transaction.
	DebounceInterval time.Duration

	// DatabasePath and TokenPath are watched for writes by other processes.
	// Empty disables the watch.
	DatabasePath string
	TokenPath    string

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FlushInterval:    5 * time.Minute,
		RefreshInterval:  15 * time.Minute,
		Jitter:           30 * time.Second,
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon schedules flush and refresh cycles.
type Daemon struct {
	syncer  Syncer
	monitor Monitor
	config  *Config

	changeQueue   map[FileType]time.Time
	changeQueueMu sync.Mutex

	// queueSeen is the last queue version flushed for. Only the change
	// queue loop touches it once Start returns control to the loops.
	queueSeen int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a daemon with the default configuration.
func New(s Syncer, m Monitor) (*Daemon, error) {
	return NewWithConfig(s, m, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(s Syncer, m Monitor, config *Config) (*Daemon, error) {
	if s == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if m == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}

	return &Daemon{
		syncer:      s,
		monitor:     m,
		config:      config,
		changeQueue: make(map[FileType]time.Time),
	}, nil
}

// Start runs the daemon until ctx is cancelled or Stop is called. It
// performs an initial refresh and flush, then runs its loops.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.mu.Lock()
	if d.done != nil {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.cancel = cancel
	d.done = make(chan struct{})
	done := d.done
	d.mu.Unlock()
	defer close(done)

	d.config.Logger.Println("Starting daemon")

	var watcher *FileWatcher
	if d.config.DatabasePath != "" || d.config.TokenPath != "" {
		w, err := NewFileWatcher()
		if err != nil {
			return err
		}
		if err := w.Start(d.config.DatabasePath, d.config.TokenPath); err != nil {
			w.Stop()
			return err
		}
		defer w.Stop()
		watcher = w
		d.config.Logger.Printf("Watching: %s, %s", d.config.DatabasePath, d.config.TokenPath)
	}

	d.queueSeen = d.queueVersion(ctx)
	d.syncNow(ctx, "startup")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.monitor.Run(ctx) })
	g.Go(func() error { d.watchConnectivity(ctx); return nil })
	g.Go(func() error { d.watchSession(ctx); return nil })
	g.Go(func() error {
		Every(ctx, d.config.FlushInterval, d.config.Jitter, func(ctx context.Context) { d.flush(ctx, "timer") })
		return nil
	})
	g.Go(func() error {
		Every(ctx, d.config.RefreshInterval, d.config.Jitter, d.refresh)
		return nil
	})
	if watcher != nil {
		g.Go(func() error { d.watchFileEvents(ctx, watcher); return nil })
		g.Go(func() error { d.processChangeQueue(ctx); return nil })
	}

	err := g.Wait()
	d.config.Logger.Println("Daemon stopped")
	return err
}

// Stop cancels a running daemon and waits for it to exit.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	if cancel == nil {
		return nil
	}
	d.config.Logger.Println("Stopping daemon")
	cancel()
	<-done
	return nil
}

// syncNow flushes then refreshes, so the refresh sees our own changes.
func (d *Daemon) syncNow(ctx context.Context, reason string) {
	d.flush(ctx, reason)
	d.refresh(ctx)
}

func (d *Daemon) flush(ctx context.Context, reason string) {
	report, err := d.syncer.FlushPending(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.config.Logger.Printf("Error flushing (%s): %v", reason, err)
		}
		return
	}
	if report.Attempted > 0 {
		d.config.Logger.Printf("Flushed (%s): %d acked, %d remaining", reason, report.Acked, report.Remaining)
	}
}

func (d *Daemon) refresh(ctx context.Context) {
	if _, err := d.syncer.Refresh(ctx); err != nil && ctx.Err() == nil {
		d.config.Logger.Printf("Error refreshing: %v", err)
	}
}

// watchConnectivity syncs on every transition to online.
func (d *Daemon) watchConnectivity(ctx context.Context) {
	states, cancel := d.monitor.Subscribe()
	defer cancel()

	// The first value is the state at subscription time. Syncing on it again
	// after the startup sync is harmless.
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-states:
			if !ok {
				return
			}
			if online {
				d.config.Logger.Println("Connection restored")
				d.syncNow(ctx, "reconnect")
			} else {
				d.config.Logger.Println("Connection lost")
			}
		}
	}
}

func (d *Daemon) watchSession(ctx context.Context) {
	events := d.syncer.SessionEvents()
	for {
		select {
		case <-ctx.Done():
			return
		case cause := <-events:
			d.config.Logger.Printf("Session expired, syncing paused until a new token is stored: %v", cause)
		}
	}
}

// watchFileEvents queues writes for debounced processing.
func (d *Daemon) watchFileEvents(ctx context.Context, w *FileWatcher) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.Events():
			if !ok {
				return
			}
			d.queueChange(event.Type)

		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (d *Daemon) queueChange(ft FileType) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[ft] = time.Now()
}

func (d *Daemon) processChangeQueue(ctx context.Context) {
	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.processPendingChanges(ctx)
		}
	}
}

// processPendingChanges handles file types whose last write is older than
// the debounce interval.
func (d *Daemon) processPendingChanges(ctx context.Context) {
	d.changeQueueMu.Lock()
	now := time.Now()
	var ready []FileType
	for ft, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, ft)
		delete(d.changeQueue, ft)
	}
	d.changeQueueMu.Unlock()

	for _, ft := range ready {
		switch ft {
		case TypeToken:
			d.config.Logger.Println("Token file changed, resuming session")
			d.syncer.ResumeSession()
			d.syncNow(ctx, "token")
		case TypeDatabase:
			d.syncer.LocalChanged()
			if v := d.queueVersion(ctx); v > d.queueSeen {
				d.queueSeen = v
				d.flush(ctx, "queued elsewhere")
			}
		}
	}
}

// queueVersion returns the store's queue version, or the last one seen if
// it cannot be read.
func (d *Daemon) queueVersion(ctx context.Context) int64 {
	v, err := d.syncer.QueueVersion(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.config.Logger.Printf("Error reading queue version: %v", err)
		}
		return d.queueSeen
	}
	return v
}
