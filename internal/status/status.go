// Package status defines the task status state machine.
//
// Transitions:
//
//	NEW         -> IN_PROGRESS, CANCELLED
//	IN_PROGRESS -> DONE, CANCELLED
//	DONE        -> (terminal)
//	CANCELLED   -> (terminal)
//
// Unknown is the value for any wire string this client does not recognise.
// It has no transitions in or out.
package status

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the lifecycle state of a task.
type Status int

const (
	// Unknown is an unrecognised status received from the server.
	Unknown Status = iota
	// New is a task nobody has started yet.
	New
	// InProgress is a task a worker is currently on.
	InProgress
	// Done is a completed task.
	Done
	// Cancelled is an abandoned task.
	Cancelled
)

// All lists the known statuses in lifecycle order.
var All = []Status{New, InProgress, Done, Cancelled}

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// TransitionError describes a rejected status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	next := Next(e.From)
	if len(next) == 0 {
		return fmt.Sprintf("cannot change status from %s to %s: %s is final", e.From, e.To, e.From)
	}
	names := make([]string, len(next))
	for i, s := range next {
		names[i] = s.String()
	}
	return fmt.Sprintf("cannot change status from %s to %s (allowed: %s)", e.From, e.To, strings.Join(names, ", "))
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// String returns the wire representation of the status.
func (s Status) String() string {
	switch s {
	case New:
		return "NEW"
	case InProgress:
		return "IN_PROGRESS"
	case Done:
		return "DONE"
	case Cancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Label returns a short human label for terminal output.
func (s Status) Label() string {
	switch s {
	case New:
		return "new"
	case InProgress:
		return "in progress"
	case Done:
		return "done"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Parse converts a wire string to a Status. Matching ignores case and
// surrounding whitespace; anything unrecognised is Unknown.
func Parse(s string) Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NEW":
		return New
	case "IN_PROGRESS":
		return InProgress
	case "DONE":
		return Done
	case "CANCELLED":
		return Cancelled
	default:
		return Unknown
	}
}

// ParseStrict is like Parse but fails on unrecognised input.
func ParseStrict(s string) (Status, error) {
	st := Parse(s)
	if st == Unknown {
		return Unknown, fmt.Errorf("unknown status %q (want one of NEW, IN_PROGRESS, DONE, CANCELLED)", s)
	}
	return st, nil
}

// IsKnown reports whether s is one of the four lifecycle states.
func (s Status) IsKnown() bool {
	return s >= New && s <= Cancelled
}

// Next returns the statuses reachable from s in one step.
func Next(s Status) []Status {
	switch s {
	case New:
		return []Status{InProgress, Cancelled}
	case InProgress:
		return []Status{Done, Cancelled}
	case Done, Cancelled:
		return nil
	default:
		return nil
	}
}

// IsTerminal reports whether s has no outgoing transitions.
func (s Status) IsTerminal() bool {
	return s == Done || s == Cancelled
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range Next(from) {
		if s == to {
			return true
		}
	}
	return false
}

// Validate returns a *TransitionError when from -> to is not allowed.
func Validate(from, to Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unrecognised values
// decode to Unknown rather than failing.
func (s *Status) UnmarshalText(text []byte) error {
	*s = Parse(string(text))
	return nil
}
