// Package engine coordinates the local store, the pending action queue and
// the remote client.
//
// Reads are always served from the local store. Writes go straight to the
// server when it is reachable and nothing is queued for the task; otherwise
// they are staged locally and queued, and FlushPending replays them later in
// per-task FIFO order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/fieldworks/fieldsync/internal/model"
	"github.com/fieldworks/fieldsync/internal/remote"
	"github.com/fieldworks/fieldsync/internal/status"
	"github.com/fieldworks/fieldsync/internal/store"
)

// Errors returned by engine operations. Remote failures keep the kinds of
// the remote package.
var (
	// ErrValidation marks a command rejected locally before any network call.
	ErrValidation = errors.New("validation failed")
	// ErrBlankComment is wrapped by ErrValidation for empty comment text.
	ErrBlankComment = errors.New("comment text cannot be blank")
	// ErrTaskNotFound indicates the task is not in the local cache.
	ErrTaskNotFound = errors.New("task not found")
	// ErrSessionExpired indicates the server rejected the credentials.
	ErrSessionExpired = errors.New("session expired")
	// ErrNoCachedData indicates the server could not be reached and nothing
	// is cached yet.
	ErrNoCachedData = errors.New("no cached data")
)

// Remote is the server API the engine needs. *remote.Client implements it.
type Remote interface {
	ListAllTasks(ctx context.Context) ([]model.Task, error)
	GetTask(ctx context.Context, id int64) (*model.TaskDetail, error)
	UpdateStatus(ctx context.Context, id int64, to status.Status, comment string) (*model.TaskDetail, error)
	AddComment(ctx context.Context, id int64, text, author string) (*model.Comment, error)
	RegisterDevice(ctx context.Context, token, name string) error
}

// Connectivity reports whether the server is believed reachable.
// *netmon.Monitor implements it.
type Connectivity interface {
	Online() bool
}

// Config configures an Engine.
type Config struct {
	// Author is sent with comments.
	Author string
	// MaxRetries is the failure count after which an action needs attention.
	MaxRetries int
	Logger     *log.Logger
	Listener   Listener
	// Now overrides the clock in tests.
	Now func() time.Time
}

// DefaultMaxRetries is used when Config.MaxRetries is zero.
const DefaultMaxRetries = 5

// Engine is the sync core.
type Engine struct {
	store    *store.DB
	remote   Remote
	net      Connectivity
	author   string
	retries  int
	logger   *log.Logger
	listener Listener
	now      func() time.Time

	// owner identifies this engine's flush lease.
	owner   string
	flights singleflight.Group

	sessionMu     sync.Mutex
	sessionLost   bool
	sessionEvents chan error
}

// New creates an engine.
func New(db *store.DB, r Remote, conn Connectivity, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = DefaultMaxRetries
	}
	listener := cfg.Listener
	if listener == nil {
		listener = NopListener{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		store:         db,
		remote:        r,
		net:           conn,
		author:        cfg.Author,
		retries:       retries,
		logger:        logger,
		listener:      listener,
		now:           now,
		owner:         uuid.NewString(),
		sessionEvents: make(chan error, 1),
	}
}

// MaxRetries returns the attention threshold.
func (e *Engine) MaxRetries() int {
	return e.retries
}

// canCallRemote reports whether a direct call should be attempted.
func (e *Engine) canCallRemote() bool {
	return e.net.Online() && !e.SessionExpired()
}

// Tasks returns the cached tasks.
func (e *Engine) Tasks(ctx context.Context, filter store.TaskFilter) ([]model.Task, error) {
	return e.store.ListTasks(ctx, filter)
}

// Task returns a cached task with its comments.
func (e *Engine) Task(ctx context.Context, id int64) (*model.TaskDetail, error) {
	task, err := e.loadTask(ctx, id)
	if err != nil {
		return nil, err
	}
	comments, err := e.store.ListComments(ctx, id)
	if err != nil {
		return nil, err
	}
	return &model.TaskDetail{Task: *task, Comments: comments}, nil
}

// Observe streams the cached task list. See store.DB.Observe.
func (e *Engine) Observe(ctx context.Context) <-chan []model.Task {
	return e.store.Observe(ctx)
}

// QueueVersion reports the store's queue version; see store.QueueVersion.
func (e *Engine) QueueVersion(ctx context.Context) (int64, error) {
	return e.store.QueueVersion(ctx)
}

// LocalChanged wakes observers after another process changed the store.
func (e *Engine) LocalChanged() {
	e.store.NotifyChanged()
}

func (e *Engine) loadTask(ctx context.Context, id int64) (*model.Task, error) {
	task, err := e.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	return task, err
}

// Refresh pulls the server's task list into the cache and returns the cached
// view. When the server cannot be reached the cached view is returned
// without error; an error is returned only if nothing is cached. A 401 ends
// the session and is returned.
func (e *Engine) Refresh(ctx context.Context) ([]model.Task, error) {
	report := RefreshReport{Started: e.now()}

	var fetchErr error
	switch {
	case !e.net.Online():
		fetchErr = remote.ErrNoConnection
	case e.SessionExpired():
		fetchErr = ErrSessionExpired
	default:
		tasks, err := e.remote.ListAllTasks(ctx)
		if err == nil {
			report.Fetched = len(tasks)
			report.Deleted, err = e.applyRefresh(ctx, tasks)
		}
		fetchErr = err
	}

	if fetchErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if remote.KindOf(fetchErr) == remote.KindUnauthorized {
			e.expireSession(fetchErr)
			return nil, fmt.Errorf("%w: %w", ErrSessionExpired, fetchErr)
		}
		e.logger.Printf("Refresh served from cache: %v", fetchErr)
		report.FromCache = true
		report.Err = fetchErr.Error()
	}

	cached, err := e.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to read cache: %w", err)
	}
	if fetchErr != nil && len(cached) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoCachedData, fetchErr)
	}

	report.Cached = len(cached)
	e.listener.RefreshCompleted(report)
	return cached, nil
}

// applyRefresh stores the server list. Tasks with a status this client does
// not know are skipped, but their cached rows stay.
func (e *Engine) applyRefresh(ctx context.Context, tasks []model.Task) (int64, error) {
	valid := make([]model.Task, 0, len(tasks))
	var skipped []int64
	for _, t := range tasks {
		switch {
		case t.ID <= 0:
			e.logger.Printf("Warning: skipping task with invalid id %d", t.ID)
		case !t.Status.IsKnown():
			e.logger.Printf("Warning: skipping task %d with unknown status, keeping cache", t.ID)
			skipped = append(skipped, t.ID)
		default:
			valid = append(valid, t)
		}
	}
	deleted, err := e.store.ApplyRefresh(ctx, valid, skipped, e.now())
	if err != nil {
		return 0, fmt.Errorf("failed to apply refresh: %w", err)
	}
	return deleted, nil
}

// RefreshTask pulls one task with its comments. On a transient failure the
// cached copy is returned.
func (e *Engine) RefreshTask(ctx context.Context, id int64) (*model.TaskDetail, error) {
	if e.canCallRemote() {
		detail, err := e.remote.GetTask(ctx, id)
		switch {
		case err == nil:
			if !detail.Task.Status.IsKnown() {
				e.logger.Printf("Warning: task %d has unknown status, keeping cache", id)
				break
			}
			if err := e.store.ApplyTaskDetail(ctx, detail, e.now()); err != nil {
				return nil, fmt.Errorf("failed to store task %d: %w", id, err)
			}
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case remote.KindOf(err) == remote.KindUnauthorized:
			e.expireSession(err)
			return nil, fmt.Errorf("%w: %w", ErrSessionExpired, err)
		case remote.KindOf(err) == remote.KindNotFound:
			return nil, fmt.Errorf("%w: %w", ErrTaskNotFound, err)
		default:
			e.logger.Printf("Task %d served from cache: %v", id, err)
		}
	}
	return e.Task(ctx, id)
}

// UpdateStatus changes the status of a task. The transition is checked
// against the last confirmed status. When online with nothing queued for the
// task, the server is called directly; otherwise, or when the direct call
// fails transiently, the change is staged and queued.
func (e *Engine) UpdateStatus(ctx context.Context, id int64, to status.Status, comment string) (*model.Task, error) {
	task, err := e.loadTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := status.Validate(task.Status, to); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	comment = strings.TrimSpace(comment)

	direct, err := e.shouldCallDirect(ctx, id)
	if err != nil {
		return nil, err
	}
	if direct {
		detail, err := e.remote.UpdateStatus(ctx, id, to, comment)
		switch {
		case err == nil:
			if err := e.store.ApplyTaskDetail(ctx, detail, e.now()); err != nil {
				return nil, fmt.Errorf("failed to store task %d: %w", id, err)
			}
			return e.changed(ctx, id)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case remote.KindOf(err) == remote.KindUnauthorized:
			e.expireSession(err)
		case remote.IsTransient(err):
			e.logger.Printf("Status change of task %d queued: %v", id, err)
		default:
			return nil, err
		}
	}

	if _, err := e.store.StageStatusChange(ctx, id, to, comment, e.now()); err != nil {
		return nil, fmt.Errorf("failed to queue status change: %w", err)
	}
	return e.changed(ctx, id)
}

// AddComment adds a comment to a task. Offline, the comment is stored with
// a temporary id and queued.
func (e *Engine) AddComment(ctx context.Context, id int64, text string) (*model.Comment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: %w", ErrValidation, ErrBlankComment)
	}
	if _, err := e.loadTask(ctx, id); err != nil {
		return nil, err
	}

	direct, err := e.shouldCallDirect(ctx, id)
	if err != nil {
		return nil, err
	}
	if direct {
		c, err := e.remote.AddComment(ctx, id, text, e.author)
		switch {
		case err == nil:
			c.TaskID = id
			if err := e.store.SaveComment(ctx, *c); err != nil {
				return nil, fmt.Errorf("failed to store comment: %w", err)
			}
			e.changed(ctx, id)
			return c, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case remote.KindOf(err) == remote.KindUnauthorized:
			e.expireSession(err)
		case remote.IsTransient(err):
			e.logger.Printf("Comment on task %d queued: %v", id, err)
		default:
			return nil, err
		}
	}

	now := e.now()
	local := model.Comment{
		TaskID:      id,
		Text:        text,
		Author:      e.author,
		CreatedAt:   now.UTC().Format("2006-01-02T15:04:05"),
		IsLocalOnly: true,
		TempID:      uuid.NewString(),
	}
	_, stored, err := e.store.StageComment(ctx, local, now)
	if err != nil {
		return nil, fmt.Errorf("failed to queue comment: %w", err)
	}
	e.changed(ctx, id)
	return stored, nil
}

// shouldCallDirect is true when the server is reachable and nothing is
// queued for the task, so a direct call cannot overtake a queued action.
func (e *Engine) shouldCallDirect(ctx context.Context, id int64) (bool, error) {
	if !e.canCallRemote() {
		return false, nil
	}
	pending, err := e.store.HasPending(ctx, id)
	if err != nil {
		return false, err
	}
	return !pending, nil
}

// changed reloads a task and tells the listener.
func (e *Engine) changed(ctx context.Context, id int64) (*model.Task, error) {
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	e.listener.TaskChanged(*task)
	return task, nil
}

// PendingActions lists the queue in replay order.
func (e *Engine) PendingActions(ctx context.Context) ([]model.PendingAction, error) {
	return e.store.PendingActions(ctx)
}

// NeedsAttention lists actions that were rejected or failed MaxRetries times.
func (e *Engine) NeedsAttention(ctx context.Context) ([]model.PendingAction, error) {
	return e.store.NeedsAttention(ctx, e.retries)
}

// RetryAction makes a rejected or exhausted action eligible for the next
// flush.
func (e *Engine) RetryAction(ctx context.Context, id int64) error {
	if err := e.store.ClearRejected(ctx, id); err != nil {
		return fmt.Errorf("failed to retry action %d: %w", id, err)
	}
	return nil
}

// DiscardAction drops a queued action and reverts what it staged locally.
func (e *Engine) DiscardAction(ctx context.Context, id int64) (*model.PendingAction, error) {
	a, err := e.store.DiscardAction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to discard action %d: %w", id, err)
	}
	e.logger.Printf("Discarded action %d (task %d: %s)", a.ID, a.TaskID, a.Describe())
	if _, err := e.changed(ctx, a.TaskID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return a, err
	}
	return a, nil
}

// RegisterDevice registers a push token. It needs a connection.
func (e *Engine) RegisterDevice(ctx context.Context, token, name string) error {
	if !e.net.Online() {
		return remote.ErrNoConnection
	}
	if e.SessionExpired() {
		return ErrSessionExpired
	}
	err := e.remote.RegisterDevice(ctx, token, name)
	if remote.KindOf(err) == remote.KindUnauthorized {
		e.expireSession(err)
		return fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}
	return err
}

// Stats summarizes the cache and the queue.
type Stats struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	Queued         int            `json:"queued"`
	NeedsAttention int            `json:"needs_attention"`
	SessionExpired bool           `json:"session_expired"`
}

// Stats counts cached tasks by the status the user sees, and queued actions.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	counts, err := e.store.CountTasks(ctx)
	if err != nil {
		return nil, err
	}
	queued, err := e.store.CountPending(ctx)
	if err != nil {
		return nil, err
	}
	attention, err := e.store.NeedsAttention(ctx, e.retries)
	if err != nil {
		return nil, err
	}

	s := &Stats{
		ByStatus:       make(map[string]int, len(counts)),
		Queued:         queued,
		NeedsAttention: len(attention),
		SessionExpired: e.SessionExpired(),
	}
	for st, n := range counts {
		s.ByStatus[st.String()] = n
		s.Total += n
	}
	return s, nil
}
