package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fieldworks/fieldsync/internal/model"
	"github.com/fieldworks/fieldsync/internal/remote"
	"github.com/fieldworks/fieldsync/internal/status"
	"github.com/fieldworks/fieldsync/internal/store"
)

// fakeNet is a switchable Connectivity.
type fakeNet struct{ online atomic.Bool }

func (n *fakeNet) Online() bool { return n.online.Load() }

// fakeRemote is an in-memory task server.
type fakeRemote struct {
	mu          sync.Mutex
	tasks       map[int64]model.Task
	comments    map[int64][]model.Comment
	nextComment int64

	// Per-task failures; key 0 applies to every task.
	statusErr  map[int64]error
	commentErr map[int64]error
	listErr    error

	statusCalls  int
	commentCalls int
}

func newFakeRemote(tasks ...model.Task) *fakeRemote {
	r := &fakeRemote{
		tasks:       make(map[int64]model.Task),
		comments:    make(map[int64][]model.Comment),
		statusErr:   make(map[int64]error),
		commentErr:  make(map[int64]error),
		nextComment: 100,
	}
	for _, t := range tasks {
		r.tasks[t.ID] = t
	}
	return r
}

func (r *fakeRemote) failStatus(taskID int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.statusErr, taskID)
		return
	}
	r.statusErr[taskID] = err
}

func (r *fakeRemote) calls() (statusCalls, commentCalls int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusCalls, r.commentCalls
}

func (r *fakeRemote) errFor(m map[int64]error, id int64) error {
	if err, ok := m[id]; ok {
		return err
	}
	return m[0]
}

func (r *fakeRemote) ListAllTasks(ctx context.Context) ([]model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	out := make([]model.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (r *fakeRemote) GetTask(ctx context.Context, id int64) (*model.TaskDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return &model.TaskDetail{Task: t, Comments: append([]model.Comment(nil), r.comments[id]...)}, nil
}

func (r *fakeRemote) UpdateStatus(ctx context.Context, id int64, to status.Status, comment string) (*model.TaskDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusCalls++
	if err := r.errFor(r.statusErr, id); err != nil {
		return nil, err
	}
	t, ok := r.tasks[id]
	if !ok {
		return nil, remote.ErrNotFound
	}
	if err := status.Validate(t.Status, to); err != nil {
		return nil, &remote.RequestError{Code: 400, Detail: err.Error()}
	}
	old := t.Status
	t.Status = to
	r.tasks[id] = t
	r.nextComment++
	r.comments[id] = append(r.comments[id], model.Comment{
		ID: r.nextComment, TaskID: id, Text: comment, OldStatus: old, NewStatus: to, Author: "server",
	})
	return &model.TaskDetail{Task: t, Comments: append([]model.Comment(nil), r.comments[id]...)}, nil
}

func (r *fakeRemote) AddComment(ctx context.Context, id int64, text, author string) (*model.Comment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commentCalls++
	if err := r.errFor(r.commentErr, id); err != nil {
		return nil, err
	}
	if _, ok := r.tasks[id]; !ok {
		return nil, remote.ErrNotFound
	}
	r.nextComment++
	c := model.Comment{ID: r.nextComment, TaskID: id, Text: text, Author: author}
	r.comments[id] = append(r.comments[id], c)
	return &c, nil
}

func (r *fakeRemote) RegisterDevice(ctx context.Context, token, name string) error {
	return nil
}

// recordingListener counts events.
type recordingListener struct {
	mu      sync.Mutex
	changed []int64
	flushes []FlushReport
	expired int
}

func (l *recordingListener) TaskChanged(t model.Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changed = append(l.changed, t.ID)
}

func (l *recordingListener) RefreshCompleted(RefreshReport) {}

func (l *recordingListener) FlushCompleted(r FlushReport) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushes = append(l.flushes, r)
}

func (l *recordingListener) SessionExpired(error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expired++
}

type harness struct {
	db       *store.DB
	remote   *fakeRemote
	net      *fakeNet
	engine   *Engine
	listener *recordingListener
}

func task(id int64, s status.Status) model.Task {
	return model.Task{ID: id, Title: "Task", Address: "1 Main St", Status: s, Priority: model.PriorityCurrent}
}

// setup seeds the same tasks locally and on the fake server.
func setup(t *testing.T, tasks ...model.Task) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	db.SetLogger(log.New(io.Discard, "", 0))
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}

	if len(tasks) > 0 {
		if err := db.UpsertTasks(context.Background(), tasks, base); err != nil {
			t.Fatalf("UpsertTasks() failed: %v", err)
		}
	}

	h := &harness{db: db, remote: newFakeRemote(tasks...), net: &fakeNet{}, listener: &recordingListener{}}
	h.engine = New(db, h.remote, h.net, Config{
		Author:   "Ivan",
		Logger:   log.New(io.Discard, "", 0),
		Listener: h.listener,
		Now:      clock,
	})
	return h
}

func (h *harness) pending(t *testing.T) []model.PendingAction {
	t.Helper()
	actions, err := h.db.PendingActions(context.Background())
	if err != nil {
		t.Fatalf("PendingActions() failed: %v", err)
	}
	return actions
}

func TestUpdateStatus_IllegalTransitions(t *testing.T) {
	ctx := context.Background()
	for _, from := range status.All {
		for _, to := range status.All {
			if status.CanTransition(from, to) {
				continue
			}
			for _, online := range []bool{false, true} {
				h := setup(t, task(1, from))
				h.net.online.Store(online)

				_, err := h.engine.UpdateStatus(ctx, 1, to, "")
				if !errors.Is(err, ErrValidation) {
					t.Errorf("%s -> %s (online=%v): error = %v, want ErrValidation", from, to, online, err)
				}
				if n := len(h.pending(t)); n != 0 {
					t.Errorf("%s -> %s: %d actions queued, want 0", from, to, n)
				}
				if calls, _ := h.remote.calls(); calls != 0 {
					t.Errorf("%s -> %s: remote called %d times", from, to, calls)
				}
			}
		}
	}
}

func TestUpdateStatus_DoneToInProgressFails(t *testing.T) {
	h := setup(t, task(1, status.Done))
	_, err := h.engine.UpdateStatus(context.Background(), 1, status.InProgress, "")
	var te *status.TransitionError
	if !errors.As(err, &te) || !errors.Is(err, ErrValidation) {
		t.Fatalf("error = %v, want a validation TransitionError", err)
	}
}

func TestUpdateStatus_UnknownTask(t *testing.T) {
	h := setup(t)
	_, err := h.engine.UpdateStatus(context.Background(), 42, status.InProgress, "")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("error = %v, want ErrTaskNotFound", err)
	}
}

func TestScenario_OfflineStatusChangeThenFlush(t *testing.T) {
	ctx := context.Background()
	h := setup(t, task(5, status.New))

	got, err := h.engine.UpdateStatus(ctx, 5, status.InProgress, "on my way")
	if err != nil {
		t.Fatalf("UpdateStatus() failed: %v", err)
	}
	if got.PendingStatus != status.InProgress || !got.IsLocallyModified || got.Status != status.New {
		t.Errorf("staged task = %+v", got)
	}

	actions := h.pending(t)
	if len(actions) != 1 {
		t.Fatalf("queued %d actions, want 1", len(actions))
	}
	a := actions[0]
	if a.TaskID != 5 || a.Type != model.ActionUpdateStatus || a.NewStatus != status.InProgress || a.Comment != "on my way" {
		t.Errorf("action = %+v", a)
	}

	h.net.online.Store(true)
	report, err := h.engine.FlushPending(ctx)
	if err != nil {
		t.Fatalf("FlushPending() failed: %v", err)
	}
	if report.Acked != 1 || report.Remaining != 0 {
		t.Errorf("report = %+v", report)
	}

	synced, err := h.db.GetTask(ctx, 5)
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if synced.Status != status.InProgress || synced.IsLocallyModified || synced.PendingStatus != status.Unknown {
		t.Errorf("synced task = %+v", synced)
	}
	if synced.LastSyncedAt == nil {
		t.Error("LastSyncedAt not set")
	}
	if len(h.pending(t)) != 0 {
		t.Error("action not removed after flush")
	}
}

func TestUpdateStatus_OnlineDirect(t *testing.T) {
	ctx := context.Background()
	h := setup(t, task(1, status.New))
	h.net.online.Store(true)

	got, err := h.engine.UpdateStatus(ctx, 1, status.InProgress, "")
	if err != nil {
		t.Fatalf("UpdateStatus() failed: %v", err)
	}
	if got.Status != status.InProgress || got.IsLocallyModified {
		t.Errorf("task = %+v", got)
	}
	if len(h.pending(t)) != 0 {
		t.Error("direct call should not queue an action")
	}
	if calls, _ := h.remote.calls(); calls != 1 {
		t.Errorf("remote calls = %d, want 1", calls)
	}
}

func TestUpdateStatus_OnlineWithQueuedActionIsQueued(t *testing.T) {
	ctx := context.Background()
	h := setup(t, task(1, status.New))

	if _, err := h.engine.AddComment(ctx, 1, "arrived"); err != nil {
		t.Fatalf("AddComment() failed: %v", err)
	}
	h.net.online.Store(true)

	if _, err := h.engine.UpdateStatus(ctx, 1, status.InProgress, ""); err != nil {
		t.Fatalf("UpdateStatus() failed: %v", err)
	}
	if calls, _ := h.remote.calls(); calls != 0 {
		t.Errorf("remote status calls = %d, want 0 (must not overtake the queue)", calls)
	}
	actions := h.pending(t)
	if len(actions) != 2 || actions[0].Type != model.ActionAddComment || actions[1].Type != model.ActionUpdateStatus {
		t.Errorf("queue = %+v", actions)
	}
}

func TestUpdateStatus_TransientFailureQueues(t *testing.T) {
	tests := []error{
		remote.ErrNoConnection,
		remote.ErrTimeout,
		&remote.ServerError{Code: 503},
	}
	for _, failure := range tests {
		t.Run(remote.KindOf(failure).String(), func(t *testing.T) {
			ctx := context.Background()
			h := setup(t, task(1, status.New))
			h.net.online.Store(true)
			h.remote.failStatus(0, failure)

			got, err := h.engine.UpdateStatus(ctx, 1, status.InProgress, "")
			if err != nil {
				t.Fatalf("UpdateStatus() error = %v, want fallback to queue", err)
			}
			if !got.IsLocallyModified || got.PendingStatus != status.InProgress {
				t.Errorf("task = %+v", got)
			}
			if len(h.pending(t)) != 1 {
				t.Error("expected one queued action")
			}
		})
	}
}

func TestUpdateStatus_RejectionNotQueued(t *testing.T) {
	ctx := context.Background()
	h := setup(t, task(1, status.New))
	h.net.online.Store(true)
	h.remote.failStatus(0, remote.ErrForbidden)

	_, err := h.engine.UpdateStatus(ctx, 1, status.InProgress, "")
	if !errors.Is(err, remote.ErrForbidden) {
		t.Fatalf("error = %v, want ErrForbidden", err)
	}
	if len(h.pending(t)) != 0 {
		t.Error("rejected direct call must not be queued")
	}
	got, _ := h.db.GetTask(ctx, 1)
	if got.IsLocallyModified {
		t.Error("rejected direct call must not stage")
	}
}

func TestAddComment_Blank(t *testing.T) {
	h := setup(t, task(1, status.New))
	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := h.engine.AddComment(context.Background(), 1, text)
		if !errors.Is(err, ErrValidation) || !errors.Is(err, ErrBlankComment) {
			t.Errorf("AddComment(%q) error = %v, want blank comment validation", text, err)
		}
	}
	if len(h.pending(t)) != 0 {
		t.Error("blank comments must not be queued")
	}
}

func TestAddComment_OfflineTempIDReconciled(t *testing.T) {
	ctx := context.Background()
	h := setup(t, task(1, status.InProgress))

	c, err := h.engine.AddComment(ctx, 1, "started work")
	if err != nil {
		t.Fatalf("AddComment() failed: %v", err)
	}
	if !c.IsLocalOnly || c.TempID == "" || c.ID != 0 {
		t.Errorf("offline comment = %+v", c)
	}

	h.net.online.Store(true)
	if _, err := h.engine.FlushPending(ctx); err != nil {
		t.Fatalf("FlushPending() failed: %v", err)
	}

	comments, err := h.db.ListComments(ctx, 1)
	if err != nil {
		t.Fatalf("ListComments() failed: %v", err)
	}
	if len(comments) != 1 {
		t.Fatalf("comments = %+v, want exactly one", comments)
	}
	got := comments[0]
	if got.ID == 0 || got.IsLocalOnly || got.TempID != "" || got.Text != "started work" || got.Author != "Ivan" {
		t.Errorf("reconciled comment = %+v", got)
	}

	// A later refresh of the task must not duplicate it.
	if _, err := h.engine.RefreshTask(ctx, 1); err != nil {
		t.Fatalf("RefreshTask() failed: %v", err)
	}
	comments, _ = h.db.ListComments(ctx, 1)
	if len(comments) != 1 {
		t.Errorf("after refresh comments = %+v, want one", comments)
	}
}

func TestAddComment_OnlineDirect(t *testing.T) {
	ctx := context.Background()
	h := setup(t, task(1, status.InProgress))
	h.net.online.Store(true)

	c, err := h.engine.AddComment(ctx, 1, "done soon")
	if err != nil {
		t.Fatalf("AddComment() failed: %v", err)
	}
	if c.ID == 0 || c.IsLocalOnly {
		t.Errorf("comment = %+v", c)
	}
	if len(h.pending(t)) != 0 {
		t.Error("direct comment should not be queued")
	}
}

func TestFlush_NoSilentLoss(t *testing.T) {
	ctx := context.Background()
	h := setup(t, task(1, status.New), task(2, status.New), task(3, status.InProgress))

	steps := []func() error{
		func() error { _, err := h.engine.UpdateStatus(ctx, 1, status.InProgress, "a"); return err },
		func() error { _, err := h.engine.AddComment(ctx, 1, "note 1"); return err },
		func() error { _, err := h.engine.UpdateStatus(ctx, 2, status.Cancelled, ""); return err },
		func() error { _, err := h.engine.AddComment(ctx, 3, "note 3"); return err },
		func() error { _, err := h.engine.UpdateStatus(ctx, 3, status.Done, "fixed"); return err },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
	}
	enqueued := len(h.pending(t))
	if enqueued != len(steps) {
		t.Fatalf("enqueued = %d, want %d", enqueued, len(steps))
	}

	h.net.online.Store(true)
	h.remote.failStatus(2, &remote.ServerError{Code: 500})

	report, err := h.engine.FlushPending(ctx)
	if err != nil {
		t.Fatalf("FlushPending() failed: %v", err)
	}
	remaining := h.pending(t)
	if report.Acked+len(remaining) != enqueued {
		t.Errorf("acked %d + queued %d != enqueued %d", report.Acked, len(remaining), enqueued)
	}
	for _, a := range remaining {
		if a.RetryCount == 0 || a.LastError == "" {
			t.Errorf("remaining action %+v has no recorded failure", a)
		}
	}
	if report.Acked != 4 || report.Failed != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestFlush_FailureBlocksLaterActionsOfTask(t *testing.T) {
	ctx := context.Background()
	h := setup(t, task(1, status.New), task(2, status.New))

	if _, err := h.engine.UpdateStatus(ctx, 1, status.InProgress, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.UpdateStatus(ctx, 2, status.InProgress, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.AddComment(ctx, 1, "after status"); err != nil {
		t.Fatal(err)
	}

	h.net.online.Store(true)
	h.remote.failStatus(1, remote.ErrTimeout)

	report, err := h.engine.FlushPending(ctx)
	if err != nil {
		t.Fatalf("FlushPending() failed: %v", err)
	}
	if report.Acked != 1 || report.Failed != 1 || report.Skipped != 1 {
		t.Errorf("report = %+v", report)
	}
	if _, comments := h.remote.calls(); comments != 0 {
		t.Errorf("comment for task 1 sent %d times before its status change", comments)
	}

	// Once the server recovers, the task's actions go through in order.
	h.remote.failStatus(1, nil)
	report, err = h.engine.FlushPending(ctx)
	if err != nil {
		t.Fatalf("FlushPending() failed: %v", err)
	}
	if report.Acked != 2 || report.Remaining != 0 {
		t.Errorf("second report = %+v", report)
	}
}

func TestFlush_RejectedIsTaggedAndSkipped(t *testing.T) {
	ctx := context.Background()
	h := setup(t, task(1, status.New))

	if _, err := h.engine.UpdateStatus(ctx, 1, status.InProgress, ""); err != nil {
		t.Fatal(err)
	}
	h.net.online.Store(true)
	h.remote.failStatus(1, remote.ErrNotFound)

	report, err := h.engine.FlushPending(ctx)
	if err != nil {
		t.Fatalf("FlushPending() failed: %v", err)
	}
	if report.Rejected != 1 || report.Remaining != 1 {
		t.Errorf("report = %+v", report)
	}

	attention, err := h.engine.NeedsAttention(ctx)
	if err != nil {
		t.Fatalf("NeedsAttention() failed: %v", err)
	}
	if len(attention) != 1 || !attention[0].Rejected {
		t.Fatalf("NeedsAttention() = %+v", attention)
	}

	// Rejected actions are not retried automatically.
	before, _ := h.remote.calls()
	if _, err := h.engine.FlushPending(ctx); err != nil {
		t.Fatal(err)
	}
	if after, _ := h.remote.calls(); after != before {
		t.Errorf("rejected action was retried (%d -> %d calls)", before, after)
	}

	// The user asks to retry after the server side was fixed.
	h.remote.failStatus(1, nil)
	if err := h.engine.RetryAction(ctx, attention[0].ID); err != nil {
		t.Fatalf("RetryAction() failed: %v", err)
	}
	report, _ = h.engine.FlushPending(ctx)
	if report.Acked != 1 || report.Remaining != 0 {
		t.Errorf("report after retry = %+v", report)
	}
}

func TestFlush_NoConnectionAbortsCycle(t *testing.T) {
	ctx := context.Background()
	h := setup(t, task(1, status.New), task(2, status.New))
	for _, id := range []int64{1, 2} {
		if _, err := h.engine.UpdateStatus(ctx, id, status.InProgress, ""); err != nil {
			t.Fatal(err)
		}
	}
	h.net.online.Store(true)
	h.remote.failStatus(0, remote.ErrNoConnection)

	report, err := h.engine.FlushPending(ctx)
	if err != nil {
		t.Fatalf("FlushPending() failed: %v", err)
	}
	if report.Attempted != 1 || report.Aborted == "" {
		t.Errorf("report = %+v, want one attempt then abort", report)
	}
}

func TestFlush_UnauthorizedExpiresSession(t *testing.T) {
	ctx := context.Background()
	h := setup(t, task(1, status.New))
	if _, err := h.engine.UpdateStatus(ctx, 1, status.InProgress, ""); err != nil {
		t.Fatal(err)
	}
	h.net.online.Store(true)
	h.remote.failStatus(0, remote.ErrUnauthorized)

	if _, err := h.engine.FlushPending(ctx); err != nil {
		t.Fatalf("FlushPending() failed: %v", err)
	}
	if !h.engine.SessionExpired() {
		t.Fatal("session should be expired")
	}
	select {
	case <-h.engine.SessionEvents():
	default:
		t.Error("no session event published")
	}
	if actions := h.pending(t); len(actions) != 1 || actions[0].RetryCount != 0 {
		t.Errorf("401 must not count against the action: %+v", actions)
	}

	// No further attempts until the session is resumed.
	h.remote.failStatus(0, nil)
	before, _ := h.remote.calls()
	report, _ := h.engine.FlushPending(ctx)
	if after, _ := h.remote.calls(); after != before || report.Aborted == "" {
		t.Errorf("flush ran with an expired session: %+v", report)
	}

	h.engine.ResumeSession()
	report, _ = h.engine.FlushPending(ctx)
	if report.Acked != 1 {
		t.Errorf("report after resume = %+v", report)
	}
	if h.listener.expired != 1 {
		t.Errorf("listener saw %d expiries, want 1", h.listener.expired)
	}
}

func TestFlush_OfflineIsNoop(t *testing.T) {
	ctx := context.Background()
	h := setup(t, task(1, status.New))
	if _, err := h.engine.UpdateStatus(ctx, 1, status.InProgress, ""); err != nil {
		t.Fatal(err)
	}
	report, err := h.engine.FlushPending(ctx)
	if err != nil {
		t.Fatalf("FlushPending() error = %v", err)
	}
	if report.Attempted != 0 || report.Remaining != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestFlush_ConcurrentCallsSendOnce(t *testing.T) {
	ctx := context.Background()
	h := setup(t, task(1, status.New), task(2, status.New), task(3, status.New))
	for _, id := range []int64{1, 2, 3} {
		if _, err := h.engine.UpdateStatus(ctx, id, status.InProgress, ""); err != nil {
			t.Fatal(err)
		}
	}
	h.net.online.Store(true)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.FlushPending(ctx); err != nil {
				t.Errorf("FlushPending() failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls, _ := h.remote.calls(); calls != 3 {
		t.Errorf("remote status calls = %d, want 3", calls)
	}
}

func TestFlush_ChainedStatusChanges(t *testing.T) {
	ctx := context.Background()
	h := setup(t, task(1, status.New))

	if _, err := h.engine.UpdateStatus(ctx, 1, status.InProgress, ""); err != nil {
		t.Fatal(err)
	}
	got, err := h.engine.UpdateStatus(ctx, 1, status.Cancelled, "customer left")
	if err != nil {
		t.Fatalf("second UpdateStatus() failed: %v", err)
	}
	if got.PendingStatus != status.Cancelled {
		t.Errorf("PendingStatus = %v, want newest CANCELLED", got.PendingStatus)
	}

	h.net.online.Store(true)
	h.remote.failStatus(0, nil)
	report, err := h.engine.FlushPending(ctx)
	if err != nil || report.Acked != 2 {
		t.Fatalf("FlushPending() = %+v, %v", report, err)
	}
	final, _ := h.db.GetTask(ctx, 1)
	if final.Status != status.Cancelled || final.IsLocallyModified {
		t.Errorf("final task = %+v", final)
	}
}

func TestRefresh_KeepsLocalModification(t *testing.T) {
	ctx := context.Background()
	h := setup(t, task(1, status.New))

	if _, err := h.engine.UpdateStatus(ctx, 1, status.InProgress, "on my way"); err != nil {
		t.Fatal(err)
	}

	// The dispatcher cancels the task and edits it while we are offline.
	h.remote.mu.Lock()
	serverTask := h.remote.tasks[1]
	serverTask.Status = status.Cancelled
	serverTask.Title = "Moved"
	serverTask.Address = "9 New St"
	h.remote.tasks[1] = serverTask
	h.remote.mu.Unlock()

	h.net.online.Store(true)
	tasks, err := h.engine.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("Refresh() returned %d tasks", len(tasks))
	}
	got := tasks[0]
	if got.Status != status.New || got.PendingStatus != status.InProgress || !got.IsLocallyModified {
		t.Errorf("local modification lost: %+v", got)
	}
	if got.Title != "Moved" || got.Address != "9 New St" {
		t.Errorf("descriptive fields not refreshed: %+v", got)
	}
}

func TestRefresh_CacheFirst(t *testing.T) {
	ctx := context.Background()

	h := setup(t, task(1, status.New))
	tasks, err := h.engine.Refresh(ctx)
	if err != nil || len(tasks) != 1 {
		t.Errorf("offline Refresh() = %d tasks, %v; want cached view", len(tasks), err)
	}

	h.net.online.Store(true)
	h.remote.listErr = &remote.ServerError{Code: 502}
	tasks, err = h.engine.Refresh(ctx)
	if err != nil || len(tasks) != 1 {
		t.Errorf("failing Refresh() = %d tasks, %v; want cached view", len(tasks), err)
	}

	empty := setup(t)
	if _, err := empty.engine.Refresh(ctx); !errors.Is(err, ErrNoCachedData) {
		t.Errorf("empty cache error = %v, want ErrNoCachedData", err)
	}
}

func TestRefresh_UnauthorizedEscalates(t *testing.T) {
	ctx := context.Background()
	h := setup(t, task(1, status.New))
	h.net.online.Store(true)
	h.remote.listErr = remote.ErrUnauthorized

	_, err := h.engine.Refresh(ctx)
	if !errors.Is(err, ErrSessionExpired) {
		t.Errorf("error = %v, want ErrSessionExpired", err)
	}
	if !h.engine.SessionExpired() {
		t.Error("session should be expired")
	}
}

func TestRefresh_RemovesMissingTasks(t *testing.T) {
	ctx := context.Background()
	h := setup(t, task(1, status.New), task(2, status.New))

	h.remote.mu.Lock()
	delete(h.remote.tasks, 2)
	h.remote.mu.Unlock()

	h.net.online.Store(true)
	tasks, err := h.engine.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != 1 {
		t.Errorf("tasks = %+v, want only task 1", tasks)
	}
}

func TestDiscardAction_Reverts(t *testing.T) {
	ctx := context.Background()
	h := setup(t, task(1, status.New))

	if _, err := h.engine.UpdateStatus(ctx, 1, status.InProgress, ""); err != nil {
		t.Fatal(err)
	}
	actions := h.pending(t)
	if _, err := h.engine.DiscardAction(ctx, actions[0].ID); err != nil {
		t.Fatalf("DiscardAction() failed: %v", err)
	}
	got, _ := h.db.GetTask(ctx, 1)
	if got.IsLocallyModified || got.EffectiveStatus() != status.New {
		t.Errorf("task after discard = %+v", got)
	}
}

func TestRegisterDevice_NeedsConnection(t *testing.T) {
	h := setup(t)
	if err := h.engine.RegisterDevice(context.Background(), "tok", "phone"); !errors.Is(err, remote.ErrNoConnection) {
		t.Errorf("offline RegisterDevice() error = %v", err)
	}
	h.net.online.Store(true)
	if err := h.engine.RegisterDevice(context.Background(), "tok", "phone"); err != nil {
		t.Errorf("online RegisterDevice() error = %v", err)
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{remote.ErrNoConnection, "No connection to the server. Changes are saved and will sync when you are back online."},
		{&remote.ServerError{Code: 503}, "The server is having trouble (error 503). Try again later."},
		{remote.ErrUnauthorized, "Your session has expired. Sign in again to continue syncing."},
		{&remote.RequestError{Code: 400, Detail: "bad status"}, "The server rejected the change: bad status"},
		{errors.New("boom"), "Something went wrong. Try again later."},
	}
	for _, tt := range tests {
		if got := UserMessage(tt.err); got != tt.want {
			t.Errorf("UserMessage(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}

	h := setup(t, task(1, status.Done))
	_, err := h.engine.UpdateStatus(context.Background(), 1, status.New, "")
	if got := UserMessage(err); got == "" || got == "Something went wrong. Try again later." {
		t.Errorf("UserMessage(transition) = %q", got)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	h := setup(t, task(1, status.New), task(2, status.New), task(3, status.Done))

	if _, err := h.engine.UpdateStatus(ctx, 1, status.InProgress, ""); err != nil {
		t.Fatal(err)
	}
	s, err := h.engine.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if s.Total != 3 || s.Queued != 1 || s.NeedsAttention != 0 {
		t.Errorf("Stats() = %+v", s)
	}
	if s.ByStatus["IN_PROGRESS"] != 1 || s.ByStatus["NEW"] != 1 || s.ByStatus["DONE"] != 1 {
		t.Errorf("ByStatus = %v", s.ByStatus)
	}
}

// gatedRemote holds AddComment until release is closed.
type gatedRemote struct {
	*fakeRemote
	entered chan struct{}
	release chan struct{}
}

func (r *gatedRemote) AddComment(ctx context.Context, id int64, text, author string) (*model.Comment, error) {
	close(r.entered)
	<-r.release
	return r.fakeRemote.AddComment(ctx, id, text, author)
}

func TestFlush_OtherProcessHoldsLease(t *testing.T) {
	ctx := context.Background()
	h := setup(t, task(1, status.InProgress))
	if _, err := h.engine.AddComment(ctx, 1, "gate locked"); err != nil {
		t.Fatal(err)
	}
	h.net.online.Store(true)

	// A second handle on the same file stands in for another process.
	other, err := store.Open(h.db.Path())
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	other.SetLogger(log.New(io.Discard, "", 0))
	t.Cleanup(func() { other.Close() })

	quiet := log.New(io.Discard, "", 0)
	gated := &gatedRemote{fakeRemote: h.remote, entered: make(chan struct{}), release: make(chan struct{})}
	daemon := New(h.db, gated, h.net, Config{Author: "Ivan", Logger: quiet})
	cli := New(other, h.remote, h.net, Config{Author: "Ivan", Logger: quiet})

	done := make(chan FlushReport, 1)
	go func() {
		report, err := daemon.FlushPending(ctx)
		if err != nil {
			t.Errorf("daemon FlushPending() failed: %v", err)
		}
		done <- report
	}()
	<-gated.entered

	report, err := cli.FlushPending(ctx)
	if err != nil {
		t.Fatalf("cli FlushPending() failed: %v", err)
	}
	if report.Aborted != AbortedBusy || report.Attempted != 0 {
		t.Errorf("cli report = %+v, want aborted as busy", report)
	}
	if _, comments := h.remote.calls(); comments != 0 {
		t.Errorf("comment calls while the daemon flushes = %d, want 0", comments)
	}

	close(gated.release)
	if r := <-done; r.Acked != 1 {
		t.Errorf("daemon report = %+v, want one ack", r)
	}
	if _, comments := h.remote.calls(); comments != 1 {
		t.Errorf("comment calls = %d, want 1", comments)
	}

	// The lease is free again.
	report, err = cli.FlushPending(ctx)
	if err != nil || report.Aborted != "" {
		t.Errorf("cli FlushPending() after release = %+v, %v", report, err)
	}
}

func TestFlush_StoreFailureAfterServerAcceptHeldForReview(t *testing.T) {
	ctx := context.Background()
	h := setup(t, task(1, status.InProgress))
	if _, err := h.engine.AddComment(ctx, 1, "gate locked"); err != nil {
		t.Fatal(err)
	}

	for _, op := range []string{"INSERT", "UPDATE"} {
		stmt := "CREATE TRIGGER fail_comment_" + op + " BEFORE " + op +
			" ON comments BEGIN SELECT RAISE(ABORT, 'disk full'); END"
		if _, err := h.db.RawDB().ExecContext(ctx, stmt); err != nil {
			t.Fatalf("creating trigger failed: %v", err)
		}
	}

	h.net.online.Store(true)
	report, err := h.engine.FlushPending(ctx)
	if err != nil {
		t.Fatalf("FlushPending() failed: %v", err)
	}
	if report.Rejected != 1 || report.Failed != 0 {
		t.Errorf("report = %+v, want one rejected", report)
	}

	pending := h.pending(t)
	if len(pending) != 1 || !pending[0].Rejected {
		t.Fatalf("pending = %+v, want the action kept and rejected", pending)
	}

	// A later flush must not send it again on its own.
	if _, err := h.engine.FlushPending(ctx); err != nil {
		t.Fatal(err)
	}
	if _, comments := h.remote.calls(); comments != 1 {
		t.Errorf("comment calls = %d, want 1", comments)
	}
}

func TestRefresh_KeepsTaskWithUnknownStatus(t *testing.T) {
	ctx := context.Background()
	h := setup(t, task(7, status.New), task(8, status.New))

	h.remote.mu.Lock()
	odd := h.remote.tasks[7]
	odd.Status = status.Unknown
	odd.Title = "Renamed"
	h.remote.tasks[7] = odd
	h.remote.mu.Unlock()

	h.net.online.Store(true)
	if _, err := h.engine.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}

	got, err := h.db.GetTask(ctx, 7)
	if err != nil {
		t.Fatalf("task with unknown status was removed: %v", err)
	}
	if got.Status != status.New || got.Title != "Task" {
		t.Errorf("task 7 = %+v, want the cached row unchanged", got)
	}
}
