package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fieldworks/fieldsync/internal/model"
	"github.com/fieldworks/fieldsync/internal/status"
)

const actionColumns = `id, task_id, action_type, new_status, comment, temp_id,
	created_at, retry_count, last_error, rejected`

// Enqueue appends an action to the queue and returns its id.
func (db *DB) Enqueue(ctx context.Context, a model.PendingAction) (int64, error) {
	var id int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = insertAction(ctx, tx, &a)
		return err
	})
	return id, err
}

func insertAction(ctx context.Context, q querier, a *model.PendingAction) (int64, error) {
	if err := a.Validate(); err != nil {
		return 0, fmt.Errorf("invalid action: %w", err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO pending_actions (task_id, action_type, new_status, comment, temp_id, created_at, retry_count, last_error, rejected)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.TaskID, string(a.Type), statusToNull(a.NewStatus), stringToNull(a.Comment),
		stringToNull(a.TempID), formatTime(a.CreatedAt), a.RetryCount,
		stringToNull(a.LastError), boolToInt(a.Rejected))
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue action: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get action id: %w", err)
	}
	a.ID = id
	return id, bumpQueueVersion(ctx, q)
}

// PendingActions returns every queued action ordered by creation time, ties
// broken by id.
func (db *DB) PendingActions(ctx context.Context) ([]model.PendingAction, error) {
	return db.queryActions(ctx, `SELECT `+actionColumns+` FROM pending_actions ORDER BY created_at, id`)
}

// PendingActionsForTask returns the queued actions of one task in order.
func (db *DB) PendingActionsForTask(ctx context.Context, taskID int64) ([]model.PendingAction, error) {
	return db.queryActions(ctx, `
		SELECT `+actionColumns+` FROM pending_actions
		WHERE task_id = ? ORDER BY created_at, id
	`, taskID)
}

// FailedBeyond returns actions whose retry count reached maxRetries.
func (db *DB) FailedBeyond(ctx context.Context, maxRetries int) ([]model.PendingAction, error) {
	return db.queryActions(ctx, `
		SELECT `+actionColumns+` FROM pending_actions
		WHERE retry_count >= ? ORDER BY created_at, id
	`, maxRetries)
}

// NeedsAttention returns actions that exhausted maxRetries or were rejected
// by the server.
func (db *DB) NeedsAttention(ctx context.Context, maxRetries int) ([]model.PendingAction, error) {
	return db.queryActions(ctx, `
		SELECT `+actionColumns+` FROM pending_actions
		WHERE retry_count >= ? OR rejected = 1 ORDER BY created_at, id
	`, maxRetries)
}

// GetAction returns a single queued action, or ErrNotFound.
func (db *DB) GetAction(ctx context.Context, id int64) (*model.PendingAction, error) {
	return getAction(ctx, db.conn, id)
}

func getAction(ctx context.Context, q querier, id int64) (*model.PendingAction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM pending_actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("action %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action %d: %w", id, err)
	}
	return a, nil
}

// CountPending returns the number of queued actions.
func (db *DB) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_actions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending actions: %w", err)
	}
	return n, nil
}

// HasPending reports whether a task has queued actions.
func (db *DB) HasPending(ctx context.Context, taskID int64) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_actions WHERE task_id = ?`, taskID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check pending actions: %w", err)
	}
	return n > 0, nil
}

// Ack removes a confirmed action.
func (db *DB) Ack(ctx context.Context, id int64) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return ack(ctx, tx, id)
	})
}

func ack(ctx context.Context, q querier, id int64) error {
	res, err := q.ExecContext(ctx, `DELETE FROM pending_actions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to ack action %d: %w", id, err)
	}
	return requireRow(res, "action", id)
}

// RecordFailure increments the retry count of an action and stores the
// error. The action stays queued. Returns the new retry count.
func (db *DB) RecordFailure(ctx context.Context, id int64, cause error, rejected bool) (int, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	var count int
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE pending_actions
			SET retry_count = retry_count + 1, last_error = ?, rejected = ?
			WHERE id = ?
			RETURNING retry_count
		`, stringToNull(msg), boolToInt(rejected), id).Scan(&count)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("action %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to record failure of action %d: %w", id, err)
		}
		return nil
	})
	return count, err
}

// ClearRejected lifts the rejected tag and resets the retry count so the
// next flush tries the action again.
func (db *DB) ClearRejected(ctx context.Context, id int64) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE pending_actions SET rejected = 0, retry_count = 0 WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to clear action %d: %w", id, err)
		}
		if err := requireRow(res, "action", id); err != nil {
			return err
		}
		return bumpQueueVersion(ctx, tx)
	})
}

// StageStatusChange records an unconfirmed status change: the task row gets
// the pending fields and an UPDATE_STATUS action is queued, atomically.
func (db *DB) StageStatusChange(ctx context.Context, taskID int64, to status.Status, comment string, at time.Time) (*model.PendingAction, error) {
	a := model.PendingAction{
		TaskID:    taskID,
		Type:      model.ActionUpdateStatus,
		NewStatus: to,
		Comment:   comment,
		CreatedAt: at,
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("invalid action: %w", err)
	}

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET is_locally_modified = 1, pending_status = ?, pending_comment = ?
			WHERE id = ?
		`, to.String(), stringToNull(comment), taskID)
		if err != nil {
			return fmt.Errorf("failed to stage status of task %d: %w", taskID, err)
		}
		if err := requireRow(res, "task", taskID); err != nil {
			return err
		}
		_, err = insertAction(ctx, tx, &a)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// StageComment stores a local-only comment and queues the ADD_COMMENT action
// that will deliver it, atomically.
func (db *DB) StageComment(ctx context.Context, c model.Comment, at time.Time) (*model.PendingAction, *model.Comment, error) {
	a := model.PendingAction{
		TaskID:    c.TaskID,
		Type:      model.ActionAddComment,
		Comment:   c.Text,
		TempID:    c.TempID,
		CreatedAt: at,
	}
	if err := a.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid action: %w", err)
	}

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getTask(ctx, tx, c.TaskID); err != nil {
			return err
		}
		if err := insertLocalComment(ctx, tx, &c); err != nil {
			return err
		}
		_, err := insertAction(ctx, tx, &a)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return &a, &c, nil
}

// CompleteStatusAction applies the server's answer to a queued status change:
// the action is removed, the row takes the server's task and comments, and
// the pending fields are cleared unless later status changes for the task
// are still queued, in which case pending_status follows the newest of them.
func (db *DB) CompleteStatusAction(ctx context.Context, actionID int64, detail *model.TaskDetail, at time.Time) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		a, err := getAction(ctx, tx, actionID)
		if err != nil {
			return err
		}
		if a.Type != model.ActionUpdateStatus {
			return fmt.Errorf("action %d is %s, not %s", actionID, a.Type, model.ActionUpdateStatus)
		}
		if err := ack(ctx, tx, actionID); err != nil {
			return err
		}

		detail.Task.ID = a.TaskID
		if err := upsertTask(ctx, tx, &detail.Task, at, true); err != nil {
			return err
		}
		if err := restagePending(ctx, tx, a.TaskID, &at); err != nil {
			return err
		}
		return replaceServerComments(ctx, tx, a.TaskID, detail.Comments)
	})
}

// CompleteCommentAction removes a queued ADD_COMMENT and rewrites its local
// comment into the server's confirmed one.
func (db *DB) CompleteCommentAction(ctx context.Context, actionID int64, confirmed model.Comment) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		a, err := getAction(ctx, tx, actionID)
		if err != nil {
			return err
		}
		if a.Type != model.ActionAddComment {
			return fmt.Errorf("action %d is %s, not %s", actionID, a.Type, model.ActionAddComment)
		}
		if err := ack(ctx, tx, actionID); err != nil {
			return err
		}
		confirmed.TaskID = a.TaskID
		return confirmComment(ctx, tx, a.TempID, &confirmed)
	})
}

// DiscardAction drops a queued action on the user's request and reverts the
// local state it staged. Returns the discarded action.
func (db *DB) DiscardAction(ctx context.Context, id int64) (*model.PendingAction, error) {
	var discarded *model.PendingAction
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		a, err := getAction(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := ack(ctx, tx, id); err != nil {
			return err
		}

		switch a.Type {
		case model.ActionAddComment:
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM comments WHERE temp_id = ? AND is_local_only = 1`, a.TempID); err != nil {
				return fmt.Errorf("failed to delete local comment %s: %w", a.TempID, err)
			}
		case model.ActionUpdateStatus:
			if err := restagePending(ctx, tx, a.TaskID, nil); err != nil {
				return err
			}
		}
		discarded = a
		return nil
	})
	return discarded, err
}

// restagePending sets the pending fields of a task from the newest queued
// status change, or clears them when none remain. syncedAt is stamped on the
// row when non-nil.
func restagePending(ctx context.Context, q querier, taskID int64, syncedAt *time.Time) error {
	row := q.QueryRowContext(ctx, `
		SELECT `+actionColumns+` FROM pending_actions
		WHERE task_id = ? AND action_type = ?
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, taskID, string(model.ActionUpdateStatus))
	latest, err := scanAction(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if syncedAt != nil {
			return markSynced(ctx, q, taskID, *syncedAt)
		}
		_, err := q.ExecContext(ctx, `
			UPDATE tasks SET is_locally_modified = 0, pending_status = NULL, pending_comment = NULL
			WHERE id = ?
		`, taskID)
		if err != nil {
			return fmt.Errorf("failed to clear pending status of task %d: %w", taskID, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to find queued status of task %d: %w", taskID, err)
	}

	_, err = q.ExecContext(ctx, `
		UPDATE tasks
		SET is_locally_modified = 1, pending_status = ?, pending_comment = ?,
		    last_synced_at = COALESCE(?, last_synced_at)
		WHERE id = ?
	`, latest.NewStatus.String(), stringToNull(latest.Comment), timeToNullString(syncedAt), taskID)
	if err != nil {
		return fmt.Errorf("failed to restage task %d: %w", taskID, err)
	}
	return nil
}

func (db *DB) queryActions(ctx context.Context, query string, args ...any) ([]model.PendingAction, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending actions: %w", err)
	}
	defer rows.Close()

	actions := []model.PendingAction{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending action: %w", err)
		}
		actions = append(actions, *a)
	}
	return actions, rows.Err()
}

func scanAction(s scanner) (*model.PendingAction, error) {
	var a model.PendingAction
	var actionType, createdAt string
	var newStatus, comment, tempID, lastError sql.NullString
	var rejected int

	err := s.Scan(&a.ID, &a.TaskID, &actionType, &newStatus, &comment, &tempID,
		&createdAt, &a.RetryCount, &lastError, &rejected)
	if err != nil {
		return nil, err
	}
	a.Type = model.ActionType(actionType)
	a.NewStatus = nullToStatus(newStatus)
	a.Comment = comment.String
	a.TempID = tempID.String
	a.CreatedAt = parseTime(createdAt)
	a.LastError = lastError.String
	a.Rejected = rejected == 1
	return &a, nil
}
