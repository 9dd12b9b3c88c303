package store

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldworks/fieldsync/internal/model"
	"github.com/fieldworks/fieldsync/internal/status"
)

// openPair opens two handles on one file, like the daemon and a CLI command.
func openPair(t *testing.T) (*DB, *DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shared.db")
	open := func() *DB {
		db, err := Open(path)
		if err != nil {
			t.Fatalf("Open() failed: %v", err)
		}
		db.SetLogger(log.New(io.Discard, "", 0))
		if err := db.InitSchema(); err != nil {
			t.Fatalf("InitSchema() failed: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		return db
	}
	return open(), open()
}

func TestLease_AcrossHandles(t *testing.T) {
	a, b := openPair(t)
	ctx := context.Background()
	ttl := time.Minute

	if err := a.AcquireLease(ctx, "flush", "daemon", ttl, t0); err != nil {
		t.Fatalf("AcquireLease(daemon) failed: %v", err)
	}
	if err := b.AcquireLease(ctx, "flush", "cli", ttl, t0.Add(time.Second)); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("AcquireLease(cli) error = %v, want ErrLeaseHeld", err)
	}
	// The holder extends its own lease.
	if err := a.AcquireLease(ctx, "flush", "daemon", ttl, t0.Add(30*time.Second)); err != nil {
		t.Fatalf("renewing failed: %v", err)
	}
	if err := b.AcquireLease(ctx, "flush", "cli", ttl, t0.Add(80*time.Second)); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("AcquireLease(cli) before renewed expiry error = %v, want ErrLeaseHeld", err)
	}

	// Releasing someone else's lease is a no-op.
	if err := b.ReleaseLease(ctx, "flush", "cli"); err != nil {
		t.Fatalf("ReleaseLease(cli) failed: %v", err)
	}
	if err := b.AcquireLease(ctx, "flush", "cli", ttl, t0.Add(time.Minute)); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("lease released by non-holder: %v", err)
	}

	if err := a.ReleaseLease(ctx, "flush", "daemon"); err != nil {
		t.Fatalf("ReleaseLease(daemon) failed: %v", err)
	}
	if err := b.AcquireLease(ctx, "flush", "cli", ttl, t0.Add(time.Minute)); err != nil {
		t.Fatalf("AcquireLease(cli) after release failed: %v", err)
	}
}

func TestLease_ExpiredIsTakenOver(t *testing.T) {
	a, b := openPair(t)
	ctx := context.Background()

	if err := a.AcquireLease(ctx, "flush", "crashed", time.Minute, t0); err != nil {
		t.Fatal(err)
	}
	if err := b.AcquireLease(ctx, "flush", "cli", time.Minute, t0.Add(2*time.Minute)); err != nil {
		t.Fatalf("expired lease not taken over: %v", err)
	}
	if err := a.AcquireLease(ctx, "flush", "crashed", time.Minute, t0.Add(2*time.Minute)); !errors.Is(err, ErrLeaseHeld) {
		t.Errorf("old owner error = %v, want ErrLeaseHeld", err)
	}
}

func TestQueueVersion(t *testing.T) {
	daemon, cli := openPair(t)
	ctx := context.Background()
	seed(t, daemon, serverTask(1, status.New, "a"))

	version := func() int64 {
		t.Helper()
		v, err := daemon.QueueVersion(ctx)
		if err != nil {
			t.Fatalf("QueueVersion() failed: %v", err)
		}
		return v
	}

	if v := version(); v != 0 {
		t.Fatalf("QueueVersion() on empty queue = %d, want 0", v)
	}

	staged, err := cli.StageStatusChange(ctx, 1, status.InProgress, "", t0)
	if err != nil {
		t.Fatalf("StageStatusChange() failed: %v", err)
	}
	c := model.Comment{TaskID: 1, Text: "note", TempID: "tmp-1", IsLocalOnly: true}
	if _, _, err := cli.StageComment(ctx, c, t0); err != nil {
		t.Fatalf("StageComment() failed: %v", err)
	}
	id, err := cli.Enqueue(ctx, model.PendingAction{TaskID: 1, Type: model.ActionUpdateStatus, NewStatus: status.Done, CreatedAt: t0})
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if v := version(); v != 3 {
		t.Fatalf("QueueVersion() after three additions = %d, want 3", v)
	}

	// Flush bookkeeping adds no work.
	if _, err := daemon.RecordFailure(ctx, id, errors.New("404"), true); err != nil {
		t.Fatal(err)
	}
	if err := daemon.Ack(ctx, staged.ID); err != nil {
		t.Fatal(err)
	}
	if err := daemon.AcquireLease(ctx, "flush", "daemon", time.Minute, t0); err != nil {
		t.Fatal(err)
	}
	if v := version(); v != 3 {
		t.Fatalf("QueueVersion() after flush bookkeeping = %d, want 3", v)
	}

	if err := cli.ClearRejected(ctx, id); err != nil {
		t.Fatal(err)
	}
	if v := version(); v != 4 {
		t.Errorf("QueueVersion() after ClearRejected = %d, want 4", v)
	}
}

func TestApplyRefresh_KeepsListedTasks(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seed(t, db,
		serverTask(1, status.New, "upserted"),
		serverTask(2, status.New, "listed only"),
		serverTask(3, status.New, "gone"),
	)

	deleted, err := db.ApplyRefresh(ctx, []model.Task{serverTask(1, status.InProgress, "upserted")}, []int64{2}, t0)
	if err != nil {
		t.Fatalf("ApplyRefresh() failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("ApplyRefresh() deleted %d rows, want 1", deleted)
	}

	kept, err := db.GetTask(ctx, 2)
	if err != nil || kept == nil {
		t.Fatalf("task 2 should be kept: %v, %v", kept, err)
	}
	if kept.Title != "listed only" || kept.Status != status.New {
		t.Errorf("task 2 changed: %+v", kept)
	}
	if gone, _ := db.GetTask(ctx, 3); gone != nil {
		t.Errorf("task 3 should be deleted, got %+v", gone)
	}
}
