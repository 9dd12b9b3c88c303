package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrLeaseHeld is returned by AcquireLease while another owner holds an
// unexpired lease.
var ErrLeaseHeld = errors.New("lease held by another owner")

const queueVersionKey = "queue_version"

// AcquireLease takes the named lease for owner until now+ttl. The current
// owner may call it again to extend the lease. An expired lease is taken
// over. Because write transactions begin IMMEDIATE, two processes cannot
// both succeed.
func (db *DB) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration, now time.Time) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		var holder, expires string
		err := tx.QueryRowContext(ctx,
			`SELECT owner, expires_at FROM sync_lock WHERE name = ?`, name).Scan(&holder, &expires)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to read lease %s: %w", name, err)
		case holder != owner && parseTime(expires).After(now):
			return fmt.Errorf("%w: %s until %s", ErrLeaseHeld, name, expires)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO sync_lock (name, owner, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		`, name, owner, formatTime(now.Add(ttl)))
		if err != nil {
			return fmt.Errorf("failed to take lease %s: %w", name, err)
		}
		return nil
	})
}

// ReleaseLease drops the lease if owner still holds it.
func (db *DB) ReleaseLease(ctx context.Context, name, owner string) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sync_lock WHERE name = ? AND owner = ?`, name, owner); err != nil {
			return fmt.Errorf("failed to release lease %s: %w", name, err)
		}
		return nil
	})
}

// QueueVersion returns a counter that grows whenever work is added to the
// queue: an action is enqueued or a rejected action is cleared for retry.
// Acks and recorded failures leave it unchanged.
func (db *DB) QueueVersion(ctx context.Context) (int64, error) {
	var v int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = ?`, queueVersionKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read queue version: %w", err)
	}
	return v, nil
}

func bumpQueueVersion(ctx context.Context, q querier) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, 1)
		ON CONFLICT(key) DO UPDATE SET value = value + 1
	`, queueVersionKey)
	if err != nil {
		return fmt.Errorf("failed to bump queue version: %w", err)
	}
	return nil
}
