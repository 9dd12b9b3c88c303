package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldworks/fieldsync/internal/model"
	"github.com/fieldworks/fieldsync/internal/remote"
	"github.com/fieldworks/fieldsync/internal/store"
)

// flushLease serializes flush cycles of every process sharing the database.
const flushLease = "flush"

// flushLeaseTTL bounds how long a crashed process can hold up others. The
// lease is renewed before each action, and one action spends at most a few
// attempt timeouts.
const flushLeaseTTL = 5 * time.Minute

// AbortedBusy is FlushReport.Aborted when another process is flushing.
const AbortedBusy = "flush in progress elsewhere"

// applyError wraps a local write that failed after the server accepted the
// action.
type applyError struct{ err error }

func (e *applyError) Error() string { return "accepted by server, not stored: " + e.err.Error() }
func (e *applyError) Unwrap() error { return e.err }

// FlushReport summarizes one flush cycle.
type FlushReport struct {
	Started   time.Time `json:"started"`
	Attempted int       `json:"attempted"`
	Acked     int       `json:"acked"`
	Failed    int       `json:"failed"`
	Rejected  int       `json:"rejected"`
	// Skipped counts actions held back because an earlier action of the same
	// task failed or is rejected.
	Skipped   int `json:"skipped"`
	Remaining int `json:"remaining"`
	// Aborted names why the cycle stopped early, if it did.
	Aborted string `json:"aborted,omitempty"`
}

// FlushPending replays queued actions against the server. Concurrent callers
// share the cycle already in flight; a cycle run by another process on the
// same database makes this one return at once with Aborted set to
// AbortedBusy.
//
// Actions run in creation order. Once an action of a task fails, later
// actions of that task wait for the next cycle; other tasks continue.
// Transient failures are recorded and retried later. Rejections (403, 404,
// other 4xx) are recorded and tagged; the action stays queued until the user
// retries or discards it. An action the server accepted but the store could
// not record is tagged rejected too, so it is not sent again unreviewed. A
// missing connection or TLS failure ends the cycle. A 401 ends the cycle and
// the session. Nothing is recorded for a call aborted by ctx.
func (e *Engine) FlushPending(ctx context.Context) (FlushReport, error) {
	v, err, _ := e.flights.Do("flush", func() (any, error) {
		return e.flush(ctx)
	})
	report, _ := v.(FlushReport)
	return report, err
}

func (e *Engine) flush(ctx context.Context) (FlushReport, error) {
	report := FlushReport{Started: e.now()}

	switch {
	case !e.net.Online():
		report.Aborted = "offline"
		return e.finishFlush(ctx, report, nil)
	case e.SessionExpired():
		report.Aborted = "session expired"
		return e.finishFlush(ctx, report, nil)
	}

	if err := e.store.AcquireLease(ctx, flushLease, e.owner, flushLeaseTTL, e.now()); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			report.Aborted = AbortedBusy
			return e.finishFlush(ctx, report, nil)
		}
		return report, err
	}
	defer func() {
		if err := e.store.ReleaseLease(context.WithoutCancel(ctx), flushLease, e.owner); err != nil {
			e.logger.Printf("Warning: %v", err)
		}
	}()

	actions, err := e.store.PendingActions(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to load pending actions: %w", err)
	}

	blocked := make(map[int64]bool)
	for i := range actions {
		a := &actions[i]
		if ctx.Err() != nil {
			break
		}
		if blocked[a.TaskID] || a.Rejected {
			blocked[a.TaskID] = true
			report.Skipped++
			continue
		}

		if err := e.store.AcquireLease(ctx, flushLease, e.owner, flushLeaseTTL, e.now()); err != nil {
			e.logger.Printf("Flush stopped, lease not renewed: %v", err)
			report.Aborted = "lease lost"
			break
		}

		report.Attempted++
		err := e.replay(ctx, a)
		if err == nil {
			report.Acked++
			continue
		}
		if ctx.Err() != nil {
			break
		}
		blocked[a.TaskID] = true

		var applyErr *applyError
		if errors.As(err, &applyErr) {
			e.logger.Printf("Action %d (task %d: %s) was accepted by the server but not stored, held for review: %v",
				a.ID, a.TaskID, a.Describe(), err)
			if _, recErr := e.store.RecordFailure(ctx, a.ID, err, true); recErr != nil {
				e.logger.Printf("Warning: failed to record failure of action %d: %v", a.ID, recErr)
			}
			report.Rejected++
			continue
		}

		kind := remote.KindOf(err)
		if kind == remote.KindUnauthorized {
			e.expireSession(err)
			report.Aborted = "session expired"
			break
		}

		rejected := remote.IsRejected(err)
		count, recErr := e.store.RecordFailure(ctx, a.ID, err, rejected)
		if recErr != nil {
			e.logger.Printf("Warning: failed to record failure of action %d: %v", a.ID, recErr)
		}
		if rejected {
			report.Rejected++
			e.logger.Printf("Action %d (task %d: %s) rejected: %v", a.ID, a.TaskID, a.Describe(), err)
		} else {
			report.Failed++
			e.logger.Printf("Action %d (task %d: %s) failed, attempt %d: %v", a.ID, a.TaskID, a.Describe(), count, err)
			if count >= e.retries {
				e.logger.Printf("Action %d needs attention after %d failures", a.ID, count)
			}
		}

		if kind == remote.KindNoConnection || kind == remote.KindTransportSecurity {
			report.Aborted = kind.String()
			break
		}
	}

	return e.finishFlush(ctx, report, ctx.Err())
}

func (e *Engine) finishFlush(ctx context.Context, report FlushReport, cause error) (FlushReport, error) {
	// The count is informational; use a fresh context so a cancelled cycle
	// still reports it.
	n, err := e.store.CountPending(context.WithoutCancel(ctx))
	if err == nil {
		report.Remaining = n
	}
	if report.Attempted > 0 || report.Aborted != "" {
		e.logger.Printf("Flush: %d attempted, %d acked, %d failed, %d rejected, %d remaining",
			report.Attempted, report.Acked, report.Failed, report.Rejected, report.Remaining)
	}
	e.listener.FlushCompleted(report)
	return report, cause
}

// replay sends one action and applies the server's answer locally.
func (e *Engine) replay(ctx context.Context, a *model.PendingAction) error {
	switch a.Type {
	case model.ActionUpdateStatus:
		detail, err := e.remote.UpdateStatus(ctx, a.TaskID, a.NewStatus, a.Comment)
		if err != nil {
			return err
		}
		if err := e.store.CompleteStatusAction(ctx, a.ID, detail, e.now()); err != nil {
			return &applyError{fmt.Errorf("failed to apply confirmed status: %w", err)}
		}
	case model.ActionAddComment:
		c, err := e.remote.AddComment(ctx, a.TaskID, a.Comment, e.author)
		if err != nil {
			return err
		}
		if err := e.store.CompleteCommentAction(ctx, a.ID, *c); err != nil {
			return &applyError{fmt.Errorf("failed to apply confirmed comment: %w", err)}
		}
	default:
		return &remote.RequestError{Detail: fmt.Sprintf("unknown action type %q", a.Type)}
	}

	if task, err := e.store.GetTask(ctx, a.TaskID); err == nil {
		e.listener.TaskChanged(*task)
	}
	return nil
}
