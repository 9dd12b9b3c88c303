package model

import (
	"fmt"
	"strings"

	"github.com/fieldworks/fieldsync/internal/status"
)

// Comment is a note on a task. A comment created offline has no server id
// yet; it is identified by TempID until the server confirms it.
type Comment struct {
	LocalID     int64         `json:"-"`
	ID          int64         `json:"id,omitempty"`
	TaskID      int64         `json:"task_id"`
	Text        string        `json:"text"`
	Author      string        `json:"author"`
	OldStatus   status.Status `json:"old_status,omitempty"`
	NewStatus   status.Status `json:"new_status,omitempty"`
	CreatedAt   string        `json:"created_at,omitempty"`
	IsLocalOnly bool          `json:"is_local_only"`
	TempID      string        `json:"temp_id,omitempty"`
}

// Validate enforces that a comment is identified either by a server id or by
// a temporary id.
func (c *Comment) Validate() error {
	if c.TaskID <= 0 {
		return fmt.Errorf("task_id is required")
	}
	if strings.TrimSpace(c.Text) == "" {
		return fmt.Errorf("text is required")
	}
	if c.IsLocalOnly {
		if c.TempID == "" {
			return fmt.Errorf("local-only comment needs a temp_id")
		}
		return nil
	}
	if c.ID <= 0 {
		return fmt.Errorf("server comment needs an id")
	}
	return nil
}

// IsStatusChange reports whether the comment records a status transition.
func (c *Comment) IsStatusChange() bool {
	return c.NewStatus.IsKnown()
}
