package remote

import (
	"encoding/json"
	"strings"

	"github.com/fieldworks/fieldsync/internal/model"
	"github.com/fieldworks/fieldsync/internal/status"
)

// wireTask is the server's task representation. The list endpoint sends
// comments_count; the detail endpoints send comments instead.
type wireTask struct {
	ID            int64         `json:"id"`
	TaskNumber    *string       `json:"task_number"`
	Title         string        `json:"title"`
	RawAddress    string        `json:"raw_address"`
	Description   string        `json:"description"`
	Lat           *float64      `json:"lat"`
	Lon           *float64      `json:"lon"`
	Status        string        `json:"status"`
	Priority      int           `json:"priority"`
	CreatedAt     string        `json:"created_at"`
	UpdatedAt     string        `json:"updated_at"`
	PlannedDate   *string       `json:"planned_date"`
	CommentsCount int           `json:"comments_count"`
	Comments      []wireComment `json:"comments,omitempty"`
}

type wireComment struct {
	ID        int64   `json:"id"`
	TaskID    int64   `json:"task_id"`
	Text      string  `json:"text"`
	Author    string  `json:"author"`
	OldStatus *string `json:"old_status"`
	NewStatus *string `json:"new_status"`
	CreatedAt string  `json:"created_at"`
}

type wirePage struct {
	Items []wireTask `json:"items"`
	Total int        `json:"total"`
	Page  int        `json:"page"`
	Size  int        `json:"size"`
	Pages int        `json:"pages"`
}

type statusRequest struct {
	Status  string `json:"status"`
	Comment string `json:"comment"`
}

type commentRequest struct {
	Text   string `json:"text"`
	Author string `json:"author,omitempty"`
}

type deviceRequest struct {
	Token      string `json:"token"`
	DeviceName string `json:"device_name,omitempty"`
}

func (w *wireTask) toModel() model.Task {
	t := model.Task{
		ID:            w.ID,
		TaskNumber:    deref(w.TaskNumber),
		Title:         w.Title,
		Address:       w.RawAddress,
		Description:   w.Description,
		Status:        status.Parse(w.Status),
		Priority:      model.Priority(w.Priority),
		CreatedAt:     w.CreatedAt,
		UpdatedAt:     w.UpdatedAt,
		PlannedDate:   deref(w.PlannedDate),
		CommentsCount: w.CommentsCount,
	}
	if w.Lat != nil && w.Lon != nil {
		t.Coordinates = &model.Coordinates{Lat: *w.Lat, Lon: *w.Lon}
	}
	if t.CommentsCount == 0 && len(w.Comments) > 0 {
		t.CommentsCount = len(w.Comments)
	}
	return t
}

func (w *wireTask) toDetail() *model.TaskDetail {
	d := &model.TaskDetail{Task: w.toModel(), Comments: make([]model.Comment, 0, len(w.Comments))}
	for i := range w.Comments {
		c := w.Comments[i].toModel()
		if c.TaskID == 0 {
			c.TaskID = w.ID
		}
		d.Comments = append(d.Comments, c)
	}
	return d
}

func (w *wireComment) toModel() model.Comment {
	return model.Comment{
		ID:        w.ID,
		TaskID:    w.TaskID,
		Text:      w.Text,
		Author:    w.Author,
		OldStatus: status.Parse(deref(w.OldStatus)),
		NewStatus: status.Parse(deref(w.NewStatus)),
		CreatedAt: w.CreatedAt,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// parseDetail extracts the human readable part of an error body. The server
// sends {"detail": "..."} or, for validation failures, a list of
// {"msg": "..."} objects.
func parseDetail(body []byte) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		return strings.TrimSpace(string(body))
	}

	var text string
	if err := json.Unmarshal(envelope.Detail, &text); err == nil {
		return text
	}

	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(envelope.Detail, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
	}
	return string(envelope.Detail)
}
