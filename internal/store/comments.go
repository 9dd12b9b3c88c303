package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fieldworks/fieldsync/internal/model"
)

const commentColumns = `local_id, id, task_id, text, author, old_status, new_status,
	created_at, is_local_only, temp_id`

// ListComments returns the comments of a task in creation order, local-only
// comments last.
func (db *DB) ListComments(ctx context.Context, taskID int64) ([]model.Comment, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+commentColumns+` FROM comments
		WHERE task_id = ?
		ORDER BY is_local_only, created_at, local_id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	comments := []model.Comment{}
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		comments = append(comments, *c)
	}
	return comments, rows.Err()
}

// ReplaceServerComments replaces the server comments of a task. Local-only
// comments are left in place.
func (db *DB) ReplaceServerComments(ctx context.Context, taskID int64, comments []model.Comment) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return replaceServerComments(ctx, tx, taskID, comments)
	})
}

func replaceServerComments(ctx context.Context, q querier, taskID int64, comments []model.Comment) error {
	if _, err := q.ExecContext(ctx,
		`DELETE FROM comments WHERE task_id = ? AND is_local_only = 0`, taskID); err != nil {
		return fmt.Errorf("failed to clear comments of task %d: %w", taskID, err)
	}
	for i := range comments {
		c := comments[i]
		c.TaskID = taskID
		if err := upsertServerComment(ctx, q, &c); err != nil {
			return err
		}
	}
	return nil
}

// SaveComment stores a server comment.
func (db *DB) SaveComment(ctx context.Context, c model.Comment) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return upsertServerComment(ctx, tx, &c)
	})
}

func upsertServerComment(ctx context.Context, q querier, c *model.Comment) error {
	c.IsLocalOnly = false
	c.TempID = ""
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid comment: %w", err)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO comments (id, task_id, text, author, old_status, new_status, created_at, is_local_only, temp_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL)
		ON CONFLICT(id) DO UPDATE SET
			task_id = excluded.task_id,
			text = excluded.text,
			author = excluded.author,
			old_status = excluded.old_status,
			new_status = excluded.new_status,
			created_at = excluded.created_at
	`, c.ID, c.TaskID, c.Text, c.Author, statusToNull(c.OldStatus), statusToNull(c.NewStatus), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert comment %d: %w", c.ID, err)
	}
	return nil
}

func insertLocalComment(ctx context.Context, q querier, c *model.Comment) error {
	c.IsLocalOnly = true
	c.ID = 0
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid comment: %w", err)
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO comments (id, task_id, text, author, old_status, new_status, created_at, is_local_only, temp_id)
		VALUES (NULL, ?, ?, ?, ?, ?, ?, 1, ?)
	`, c.TaskID, c.Text, c.Author, statusToNull(c.OldStatus), statusToNull(c.NewStatus), c.CreatedAt, c.TempID)
	if err != nil {
		return fmt.Errorf("failed to insert local comment: %w", err)
	}
	c.LocalID, _ = res.LastInsertId()
	return nil
}

// ConfirmComment rewrites the local-only comment identified by tempID into
// the server's confirmed comment. A server copy already pulled by a refresh is
// merged so the comment appears once.
func (db *DB) ConfirmComment(ctx context.Context, tempID string, confirmed model.Comment) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return confirmComment(ctx, tx, tempID, &confirmed)
	})
}

func confirmComment(ctx context.Context, q querier, tempID string, c *model.Comment) error {
	if c.ID <= 0 {
		return fmt.Errorf("confirmed comment needs a server id")
	}
	if _, err := q.ExecContext(ctx,
		`DELETE FROM comments WHERE id = ? AND temp_id IS NULL`, c.ID); err != nil {
		return fmt.Errorf("failed to remove duplicate comment %d: %w", c.ID, err)
	}

	res, err := q.ExecContext(ctx, `
		UPDATE comments
		SET id = ?, text = ?, author = ?, old_status = ?, new_status = ?, created_at = ?,
		    is_local_only = 0, temp_id = NULL
		WHERE temp_id = ?
	`, c.ID, c.Text, c.Author, statusToNull(c.OldStatus), statusToNull(c.NewStatus), c.CreatedAt, tempID)
	if err != nil {
		return fmt.Errorf("failed to confirm comment %s: %w", tempID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		// The local row is gone; keep the server copy anyway.
		return upsertServerComment(ctx, q, c)
	}
	return nil
}

func scanComment(s scanner) (*model.Comment, error) {
	var c model.Comment
	var id sql.NullInt64
	var oldStatus, newStatus, tempID sql.NullString
	var localOnly int

	err := s.Scan(&c.LocalID, &id, &c.TaskID, &c.Text, &c.Author, &oldStatus, &newStatus,
		&c.CreatedAt, &localOnly, &tempID)
	if err != nil {
		return nil, err
	}
	c.ID = id.Int64
	c.OldStatus = nullToStatus(oldStatus)
	c.NewStatus = nullToStatus(newStatus)
	c.IsLocalOnly = localOnly == 1
	c.TempID = tempID.String
	return &c, nil
}
