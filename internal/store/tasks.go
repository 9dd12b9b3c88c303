package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fieldworks/fieldsync/internal/model"
	"github.com/fieldworks/fieldsync/internal/status"
)

const taskColumns = `id, task_number, title, address, description, lat, lon,
	status, priority, created_at, updated_at, planned_date, comments_count,
	last_synced_at, is_locally_modified, pending_status, pending_comment`

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	// Status matches the effective status (pending if staged, else confirmed).
	Status       status.Status
	ModifiedOnly bool
	Limit        int
}

// upsertTaskSQL inserts a server task or refreshes an existing row. The last
// two parameters (both the force flag) overwrite the status of a locally
// modified row; force is set only when the server confirmed one of our own
// actions.
const upsertTaskSQL = `
	INSERT INTO tasks (
		id, task_number, title, address, description, lat, lon,
		status, priority, created_at, updated_at, planned_date, comments_count,
		last_synced_at, is_locally_modified, pending_status, pending_comment
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL)
	ON CONFLICT(id) DO UPDATE SET
		task_number = excluded.task_number,
		title = excluded.title,
		address = excluded.address,
		description = excluded.description,
		lat = excluded.lat,
		lon = excluded.lon,
		priority = excluded.priority,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		planned_date = excluded.planned_date,
		comments_count = excluded.comments_count,
		status = CASE
			WHEN tasks.is_locally_modified = 1 AND ? = 0 THEN tasks.status
			ELSE excluded.status
		END,
		last_synced_at = CASE
			WHEN tasks.is_locally_modified = 1 AND ? = 0 THEN tasks.last_synced_at
			ELSE excluded.last_synced_at
		END
`

func upsertTask(ctx context.Context, q querier, t *model.Task, syncedAt time.Time, force bool) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	if !t.Status.IsKnown() {
		return fmt.Errorf("invalid task %d: unknown status", t.ID)
	}

	var lat, lon sql.NullFloat64
	if t.Coordinates != nil {
		lat = sql.NullFloat64{Float64: t.Coordinates.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: t.Coordinates.Lon, Valid: true}
	}

	f := boolToInt(force)
	_, err := q.ExecContext(ctx, upsertTaskSQL,
		t.ID, t.TaskNumber, t.Title, t.Address, t.Description, lat, lon,
		t.Status.String(), int(t.Priority), t.CreatedAt, t.UpdatedAt,
		stringToNull(t.PlannedDate), t.CommentsCount,
		formatTime(syncedAt),
		f, f,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task %d: %w", t.ID, err)
	}
	return nil
}

// UpsertTasks writes server tasks in one transaction. A row that is locally
// modified keeps its status, pending fields and last sync time; its
// descriptive fields are refreshed.
func (db *DB) UpsertTasks(ctx context.Context, tasks []model.Task, syncedAt time.Time) error {
	if len(tasks) == 0 {
		return nil
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for i := range tasks {
			if err := upsertTask(ctx, tx, &tasks[i], syncedAt, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteMissing removes tasks whose id is not in keep. Locally modified tasks
// and tasks with queued actions are never removed. Returns the number of
// deleted rows.
func (db *DB) DeleteMissing(ctx context.Context, keep []int64) (int64, error) {
	var n int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = deleteMissing(ctx, tx, keep)
		return err
	})
	return n, err
}

func deleteMissing(ctx context.Context, q querier, keep []int64) (int64, error) {
	if keep == nil {
		keep = []int64{}
	}
	ids, err := json.Marshal(keep)
	if err != nil {
		return 0, fmt.Errorf("failed to encode ids: %w", err)
	}

	res, err := q.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE id NOT IN (SELECT value FROM json_each(?))
		  AND is_locally_modified = 0
		  AND id NOT IN (SELECT task_id FROM pending_actions)
	`, string(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to delete missing tasks: %w", err)
	}
	return res.RowsAffected()
}

// ApplyRefresh upserts the full server list and deletes the tasks missing
// from it, in one transaction. listed holds the ids of tasks the server
// returned but the caller chose not to upsert; their rows are kept as they
// are. Returns the number of deleted rows.
func (db *DB) ApplyRefresh(ctx context.Context, tasks []model.Task, listed []int64, syncedAt time.Time) (int64, error) {
	var n int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		keep := make([]int64, 0, len(tasks)+len(listed))
		keep = append(keep, listed...)
		for i := range tasks {
			if err := upsertTask(ctx, tx, &tasks[i], syncedAt, false); err != nil {
				return err
			}
			keep = append(keep, tasks[i].ID)
		}
		var err error
		n, err = deleteMissing(ctx, tx, keep)
		return err
	})
	return n, err
}

// MarkSynced clears the pending fields of a task and stamps last_synced_at.
func (db *DB) MarkSynced(ctx context.Context, id int64, at time.Time) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return markSynced(ctx, tx, id, at)
	})
}

func markSynced(ctx context.Context, q querier, id int64, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE tasks
		SET is_locally_modified = 0, pending_status = NULL, pending_comment = NULL,
		    last_synced_at = ?
		WHERE id = ?
	`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark task %d synced: %w", id, err)
	}
	return requireRow(res, "task", id)
}

// ApplyTaskDetail stores a task and its server comments in one transaction.
// The locally-modified exception of UpsertTasks applies.
func (db *DB) ApplyTaskDetail(ctx context.Context, detail *model.TaskDetail, syncedAt time.Time) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertTask(ctx, tx, &detail.Task, syncedAt, false); err != nil {
			return err
		}
		return replaceServerComments(ctx, tx, detail.Task.ID, detail.Comments)
	})
}

// GetTask returns the task with the given id, or ErrNotFound.
func (db *DB) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	return getTask(ctx, db.conn, id)
}

func getTask(ctx context.Context, q querier, id int64) (*model.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %d: %w", id, err)
	}
	return t, nil
}

// ListTasks returns cached tasks, highest priority first.
func (db *DB) ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error) {
	var where []string
	var args []any

	if filter.Status.IsKnown() {
		where = append(where, "COALESCE(pending_status, status) = ?")
		args = append(args, filter.Status.String())
	}
	if filter.ModifiedOnly {
		where = append(where, "is_locally_modified = 1")
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority DESC, created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []model.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// CountTasks returns the number of cached tasks per effective status.
func (db *DB) CountTasks(ctx context.Context) (map[status.Status]int, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT COALESCE(pending_status, status), COUNT(*) FROM tasks GROUP BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[status.Status]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status.Parse(s)] += n
	}
	return counts, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*model.Task, error) {
	var t model.Task
	var lat, lon sql.NullFloat64
	var statusStr string
	var priority int
	var plannedDate, lastSynced, pendingStatus, pendingComment sql.NullString
	var modified int

	err := s.Scan(
		&t.ID, &t.TaskNumber, &t.Title, &t.Address, &t.Description, &lat, &lon,
		&statusStr, &priority, &t.CreatedAt, &t.UpdatedAt, &plannedDate, &t.CommentsCount,
		&lastSynced, &modified, &pendingStatus, &pendingComment,
	)
	if err != nil {
		return nil, err
	}

	t.Status = status.Parse(statusStr)
	t.Priority = model.Priority(priority)
	if lat.Valid && lon.Valid {
		t.Coordinates = &model.Coordinates{Lat: lat.Float64, Lon: lon.Float64}
	}
	t.PlannedDate = plannedDate.String
	t.LastSyncedAt = nullStringToTime(lastSynced)
	t.IsLocallyModified = modified == 1
	t.PendingStatus = nullToStatus(pendingStatus)
	t.PendingComment = pendingComment.String

	return &t, nil
}

func requireRow(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}
