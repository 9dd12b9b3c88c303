// Package model defines the records shared by the local store, the remote
// client and the sync engine.
package model

import (
	"fmt"
	"time"

	"github.com/fieldworks/fieldsync/internal/status"
)

// Priority is the 1-4 urgency ordinal assigned by the dispatcher.
type Priority int

const (
	PriorityPlanned   Priority = 1
	PriorityCurrent   Priority = 2
	PriorityUrgent    Priority = 3
	PriorityEmergency Priority = 4
)

// String returns the dispatcher's name for the priority.
func (p Priority) String() string {
	switch p {
	case PriorityPlanned:
		return "planned"
	case PriorityCurrent:
		return "current"
	case PriorityUrgent:
		return "urgent"
	case PriorityEmergency:
		return "emergency"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is within 1-4.
func (p Priority) Valid() bool {
	return p >= PriorityPlanned && p <= PriorityEmergency
}

// Coordinates is a geocoded location.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Task is the cached projection of a server task plus local sync metadata.
//
// Timestamps received from the server (CreatedAt, UpdatedAt, PlannedDate) are
// kept as the opaque strings the server sent.
type Task struct {
	// ===== Server fields =====
	ID            int64         `json:"id"`
	TaskNumber    string        `json:"task_number,omitempty"`
	Title         string        `json:"title"`
	Address       string        `json:"address"`
	Description   string        `json:"description,omitempty"`
	Coordinates   *Coordinates  `json:"coordinates,omitempty"`
	Status        status.Status `json:"status"`
	Priority      Priority      `json:"priority"`
	CreatedAt     string        `json:"created_at,omitempty"`
	UpdatedAt     string        `json:"updated_at,omitempty"`
	PlannedDate   string        `json:"planned_date,omitempty"`
	CommentsCount int           `json:"comments_count"`

	// ===== Sync metadata (written by the sync engine only) =====
	LastSyncedAt      *time.Time `json:"last_synced_at,omitempty"`
	IsLocallyModified bool       `json:"is_locally_modified"`
	// PendingStatus is the staged status awaiting confirmation. It is
	// status.Unknown when nothing is staged.
	PendingStatus  status.Status `json:"pending_status,omitempty"`
	PendingComment string        `json:"pending_comment,omitempty"`
}

// Validate checks the fields the store relies on.
func (t *Task) Validate() error {
	if t.ID <= 0 {
		return fmt.Errorf("id must be positive (got %d)", t.ID)
	}
	if t.IsLocallyModified && !t.PendingStatus.IsKnown() {
		return fmt.Errorf("task %d is locally modified without a pending status", t.ID)
	}
	return nil
}

// EffectiveStatus is the status the user should see: the staged status when a
// change is waiting for the server, the confirmed status otherwise.
func (t *Task) EffectiveStatus() status.Status {
	if t.IsLocallyModified && t.PendingStatus.IsKnown() {
		return t.PendingStatus
	}
	return t.Status
}

// TaskDetail is a task together with its comment history.
type TaskDetail struct {
	Task     Task      `json:"task"`
	Comments []Comment `json:"comments"`
}
