package engine

import (
	"time"

	"github.com/fieldworks/fieldsync/internal/model"
)

// RefreshReport summarizes one Refresh call.
type RefreshReport struct {
	Started time.Time `json:"started"`
	Fetched int       `json:"fetched"`
	Deleted int64     `json:"deleted"`
	Cached  int       `json:"cached"`
	// FromCache is set when the server could not be used.
	FromCache bool   `json:"from_cache"`
	Err       string `json:"error,omitempty"`
}

// Listener receives engine events. Calls are made synchronously from the
// goroutine that caused the event and must not block.
type Listener interface {
	TaskChanged(task model.Task)
	RefreshCompleted(report RefreshReport)
	FlushCompleted(report FlushReport)
	SessionExpired(cause error)
}

// NopListener ignores every event.
type NopListener struct{}

func (NopListener) TaskChanged(model.Task) {}

func (NopListener) RefreshCompleted(RefreshReport) {}

func (NopListener) FlushCompleted(FlushReport) {}

func (NopListener) SessionExpired(error) {}

// Listeners fans events out to several listeners.
type Listeners []Listener

func (ls Listeners) TaskChanged(task model.Task) {
	for _, l := range ls {
		l.TaskChanged(task)
	}
}

func (ls Listeners) RefreshCompleted(report RefreshReport) {
	for _, l := range ls {
		l.RefreshCompleted(report)
	}
}

func (ls Listeners) FlushCompleted(report FlushReport) {
	for _, l := range ls {
		l.FlushCompleted(report)
	}
}

func (ls Listeners) SessionExpired(cause error) {
	for _, l := range ls {
		l.SessionExpired(cause)
	}
}
