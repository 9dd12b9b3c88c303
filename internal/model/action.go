package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/fieldworks/fieldsync/internal/status"
)

// ActionType identifies the kind of mutation a PendingAction replays.
type ActionType string

const (
	// ActionUpdateStatus replays PUT /tasks/{id}/status.
	ActionUpdateStatus ActionType = "UPDATE_STATUS"
	// ActionAddComment replays POST /tasks/{id}/comments.
	ActionAddComment ActionType = "ADD_COMMENT"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	return t == ActionUpdateStatus || t == ActionAddComment
}

// PendingAction is a durable record of a mutation the server has not
// confirmed yet.
type PendingAction struct {
	ID     int64      `json:"id"`
	TaskID int64      `json:"task_id"`
	Type   ActionType `json:"action_type"`

	// UPDATE_STATUS payload: NewStatus and an optional Comment.
	// ADD_COMMENT payload: Comment and the TempID of the local comment row.
	NewStatus status.Status `json:"new_status,omitempty"`
	Comment   string        `json:"comment,omitempty"`
	TempID    string        `json:"temp_id,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
	// Rejected is set when the server refused the action with an error that
	// retrying will not fix. The action stays queued for the user to resolve.
	Rejected bool `json:"rejected"`
}

// Validate checks that the payload matches the action type.
func (a *PendingAction) Validate() error {
	if a.TaskID <= 0 {
		return fmt.Errorf("task_id is required")
	}
	switch a.Type {
	case ActionUpdateStatus:
		if !a.NewStatus.IsKnown() {
			return fmt.Errorf("UPDATE_STATUS needs a new status")
		}
	case ActionAddComment:
		if strings.TrimSpace(a.Comment) == "" {
			return fmt.Errorf("ADD_COMMENT needs comment text")
		}
		if a.TempID == "" {
			return fmt.Errorf("ADD_COMMENT needs a temp_id")
		}
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// Describe returns a one-line summary for listings.
func (a *PendingAction) Describe() string {
	switch a.Type {
	case ActionUpdateStatus:
		if a.Comment != "" {
			return fmt.Sprintf("set status %s (%q)", a.NewStatus, a.Comment)
		}
		return fmt.Sprintf("set status %s", a.NewStatus)
	case ActionAddComment:
		return fmt.Sprintf("comment %q", a.Comment)
	default:
		return string(a.Type)
	}
}
