package afecciones

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an analysis failure so callers (and the HTTP layer)
// can react without string-matching messages.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindInvalidGeometry    Kind = "invalid_geometry"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindUpstreamTimeout    Kind = "upstream_timeout"
)

// Error is the error type returned by the analyzer and its backends.
// It always carries a machine-readable Kind plus a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func WrapError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsNotFound(err error) bool        { return KindOf(err) == KindNotFound }
func IsInvalidGeometry(err error) bool { return KindOf(err) == KindInvalidGeometry }

// HTTPStatus maps an error kind to the status code the handlers return.
// Unknown errors map to 500.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidGeometry:
		return http.StatusUnprocessableEntity
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
