package engine

import (
	"errors"
	"fmt"

	"github.com/fieldworks/fieldsync/internal/remote"
	"github.com/fieldworks/fieldsync/internal/status"
)

// UserMessage renders err for the person using the device.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var transition *status.TransitionError
	switch {
	case errors.As(err, &transition):
		return fmt.Sprintf("Cannot change status from %s to %s.", transition.From.Label(), transition.To.Label())
	case errors.Is(err, ErrBlankComment):
		return "Comment cannot be empty."
	case errors.Is(err, ErrValidation):
		return "The change is not allowed."
	case errors.Is(err, ErrTaskNotFound):
		return "Task not found. Refresh the list and try again."
	case errors.Is(err, ErrSessionExpired):
		return "Your session has expired. Sign in again to continue syncing."
	case errors.Is(err, ErrNoCachedData):
		return "No tasks are available offline yet. Connect to the network and refresh."
	}

	var serverErr *remote.ServerError
	var requestErr *remote.RequestError
	switch remote.KindOf(err) {
	case remote.KindNoConnection:
		return "No connection to the server. Changes are saved and will sync when you are back online."
	case remote.KindTimeout:
		return "The server took too long to respond. Try again later."
	case remote.KindServer:
		if errors.As(err, &serverErr) {
			return fmt.Sprintf("The server is having trouble (error %d). Try again later.", serverErr.Code)
		}
		return "The server is having trouble. Try again later."
	case remote.KindUnauthorized:
		return "Your session has expired. Sign in again to continue syncing."
	case remote.KindForbidden:
		return "You do not have permission to do that."
	case remote.KindNotFound:
		return "The task no longer exists on the server."
	case remote.KindTransportSecurity:
		return "A secure connection to the server could not be established. Check the device date and network."
	case remote.KindRequest:
		if errors.As(err, &requestErr) && requestErr.Detail != "" {
			return "The server rejected the change: " + requestErr.Detail
		}
		return "The server rejected the change."
	case remote.KindCanceled:
		return "Operation cancelled."
	default:
		return "Something went wrong. Try again later."
	}
}
