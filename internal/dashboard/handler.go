package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/fieldworks/fieldsync/internal/engine"
	"github.com/fieldworks/fieldsync/internal/model"
)

// Broadcaster delivers messages to clients. *Server implements it.
type Broadcaster interface {
	Broadcast(msg Message)
}

// StatsSource supplies the counts for stats messages. *engine.Engine
// implements it.
type StatsSource interface {
	Stats(ctx context.Context) (*engine.Stats, error)
}

// StatsFunc adapts a function to StatsSource.
type StatsFunc func(ctx context.Context) (*engine.Stats, error)

func (f StatsFunc) Stats(ctx context.Context) (*engine.Stats, error) { return f(ctx) }

// TaskUpdateData describes a changed task.
type TaskUpdateData struct {
	TaskID     int64  `json:"task_id"`
	TaskNumber string `json:"task_number,omitempty"`
	Title      string `json:"title"`
	// Status is what the user sees; Confirmed is the server's last word.
	Status    string `json:"status"`
	Confirmed string `json:"confirmed_status"`
	Pending   bool   `json:"pending"`
	Priority  string `json:"priority"`
}

// ConnectivityData reports reachability of the server.
type ConnectivityData struct {
	Online bool `json:"online"`
}

// SessionExpiredData carries the rejection that ended the session.
type SessionExpiredData struct {
	Error string `json:"error"`
}

// Handler turns engine events into dashboard messages. It implements
// engine.Listener.
type Handler struct {
	out    Broadcaster
	stats  StatsSource
	logger *log.Logger
	now    func() time.Time
}

var _ engine.Listener = (*Handler)(nil)

// NewHandler creates a handler. stats may be nil, in which case no stats
// messages are sent.
func NewHandler(out Broadcaster, stats StatsSource, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{out: out, stats: stats, logger: logger, now: time.Now}
}

// TaskChanged broadcasts the new state of a task and fresh stats.
func (h *Handler) TaskChanged(task model.Task) {
	h.send(MessageTypeTaskUpdate, TaskUpdateData{
		TaskID:     task.ID,
		TaskNumber: task.TaskNumber,
		Title:      task.Title,
		Status:     task.EffectiveStatus().String(),
		Confirmed:  task.Status.String(),
		Pending:    task.IsLocallyModified,
		Priority:   task.Priority.String(),
	})
	h.BroadcastStats()
}

// RefreshCompleted broadcasts a refresh report and fresh stats.
func (h *Handler) RefreshCompleted(report engine.RefreshReport) {
	h.send(MessageTypeRefreshComplete, report)
	h.BroadcastStats()
}

// FlushCompleted broadcasts a flush report. Reports of idle cycles are
// skipped.
func (h *Handler) FlushCompleted(report engine.FlushReport) {
	if report.Attempted == 0 && report.Aborted == "" {
		return
	}
	h.send(MessageTypeFlushComplete, report)
	h.BroadcastStats()
}

// SessionExpired broadcasts the end of the session.
func (h *Handler) SessionExpired(cause error) {
	data := SessionExpiredData{}
	if cause != nil {
		data.Error = cause.Error()
	}
	h.send(MessageTypeSessionExpired, data)
}

// OnConnectivity broadcasts a connectivity change.
func (h *Handler) OnConnectivity(online bool) {
	h.send(MessageTypeConnectivity, ConnectivityData{Online: online})
}

// WatchConnectivity forwards states until ctx is done or states is closed.
func (h *Handler) WatchConnectivity(ctx context.Context, states <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-states:
			if !ok {
				return
			}
			h.OnConnectivity(online)
		}
	}
}

// BroadcastStats sends current counts to all clients.
func (h *Handler) BroadcastStats() {
	if h.stats == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stats, err := h.stats.Stats(ctx)
	if err != nil {
		h.logger.Printf("Failed to compute stats: %v", err)
		return
	}
	h.send(MessageTypeStats, stats)
}

func (h *Handler) send(typ MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.out.Broadcast(Message{Type: typ, Timestamp: h.now(), Data: raw})
}
