package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/fieldworks/fieldsync/internal/retry"
)

// Sentinel errors for remote operations. Callers check them with errors.Is.
var (
	// ErrNoConnection indicates there is no network path to the server.
	ErrNoConnection = errors.New("no connection to server")

	// ErrTimeout indicates the server did not answer in time.
	ErrTimeout = errors.New("request timed out")

	// ErrUnauthorized indicates the session is no longer valid (HTTP 401).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates the user may not perform the operation (HTTP 403).
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound indicates the task or resource does not exist (HTTP 404).
	ErrNotFound = errors.New("not found")

	// ErrTransportSecurity indicates a TLS handshake or certificate failure.
	ErrTransportSecurity = errors.New("transport security failure")
)

// ServerError is a 5xx response that survived the retry policy.
type ServerError struct {
	Code   int
	Detail string
}

func (e *ServerError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("server error %d: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("server error %d", e.Code)
}

// RequestError is a 4xx response other than 401, 403 and 404, typically a
// server-side validation failure.
type RequestError struct {
	Code   int
	Detail string
}

func (e *RequestError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("request rejected (%d): %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("request rejected (%d)", e.Code)
}

// UnknownError wraps a failure that fits no other kind.
type UnknownError struct {
	Message string
	Err     error
}

func (e *UnknownError) Error() string {
	return e.Message
}

func (e *UnknownError) Unwrap() error {
	return e.Err
}

// Kind names an error class of the taxonomy.
type Kind int

const (
	KindNone Kind = iota
	KindNoConnection
	KindTimeout
	KindServer
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindTransportSecurity
	KindRequest
	KindCanceled
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNoConnection:
		return "no_connection"
	case KindTimeout:
		return "timeout"
	case KindServer:
		return "server_error"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindTransportSecurity:
		return "transport_security"
	case KindRequest:
		return "request_error"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// KindOf classifies err.
func KindOf(err error) Kind {
	var serverErr *ServerError
	var requestErr *RequestError

	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrNoConnection):
		return KindNoConnection
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.As(err, &serverErr):
		return KindServer
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTransportSecurity):
		return KindTransportSecurity
	case errors.As(err, &requestErr):
		return KindRequest
	default:
		return KindUnknown
	}
}

// IsTransient reports whether the failure may go away on a later attempt
// without user action: no connection, timeout or a server error.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindNoConnection, KindTimeout, KindServer:
		return true
	default:
		return false
	}
}

// IsRejected reports whether the server refused the request in a way that
// retrying will not fix.
func IsRejected(err error) bool {
	switch KindOf(err) {
	case KindForbidden, KindNotFound, KindRequest:
		return true
	default:
		return false
	}
}

// statusError maps a non-2xx response to the taxonomy.
func statusError(code int, detail string) error {
	switch {
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code == http.StatusForbidden:
		return withDetail(ErrForbidden, detail)
	case code == http.StatusNotFound:
		return withDetail(ErrNotFound, detail)
	case code >= 500:
		return &ServerError{Code: code, Detail: detail}
	case code >= 400:
		return &RequestError{Code: code, Detail: detail}
	default:
		return &UnknownError{Message: fmt.Sprintf("unexpected status %d", code)}
	}
}

func withDetail(sentinel error, detail string) error {
	if detail == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, detail)
}

// transportError maps an error from http.Client.Do. The caller's own
// cancellation or deadline is returned unchanged.
func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		return err
	case retry.IsTLS(err):
		return fmt.Errorf("%w: %v", ErrTransportSecurity, err)
	case retry.IsTimeout(err):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case retry.IsUnreachable(err):
		return fmt.Errorf("%w: %v", ErrNoConnection, err)
	default:
		return &UnknownError{Message: err.Error(), Err: err}
	}
}
