package store

import (
	"context"
	"sync"

	"github.com/fieldworks/fieldsync/internal/model"
)

// notifier fans a change signal out to subscribers. Each subscriber has a
// one-slot channel so bursts of changes coalesce into a single wakeup.
type notifier struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[chan struct{}]struct{})}
}

func (n *notifier) subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	return ch, func() {
		n.mu.Lock()
		delete(n.subs, ch)
		n.mu.Unlock()
	}
}

func (n *notifier) notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// NotifyChanged wakes observers after a change made outside this process,
// for example by a CLI command writing to the same database.
func (db *DB) NotifyChanged() {
	db.changes.notify()
}

// Observe streams the full task list. The first value is the current list;
// another follows each committed change. A slow reader only sees the newest
// snapshot. The channel is closed when ctx is done.
func (db *DB) Observe(ctx context.Context) <-chan []model.Task {
	out := make(chan []model.Task, 1)
	wake, cancel := db.changes.subscribe()

	go func() {
		defer close(out)
		defer cancel()

		for {
			tasks, err := db.ListTasks(ctx, TaskFilter{})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				db.logger.Printf("Warning: observe failed to load tasks: %v", err)
			} else {
				// Replace a snapshot the reader has not taken yet.
				select {
				case <-out:
				default:
				}
				select {
				case out <- tasks:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-wake:
			}
		}
	}()

	return out
}
