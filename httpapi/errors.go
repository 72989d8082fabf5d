package httpapi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/appendlog/appendlog/segment"
	"github.com/appendlog/appendlog/store"
)

// httpError is a status code paired with a short, client-safe message. It
// never carries a file path or a wrapped error's raw text.
type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string { return e.message }

func newHTTPError(status int, message string) *httpError {
	return &httpError{status: status, message: message}
}

// mapStoreError translates a store sentinel error into the taxonomy's HTTP
// status, without leaking the underlying error's text. Errors not
// recognized here are treated as internal.
func mapStoreError(err error) *httpError {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return newHTTPError(http.StatusNotFound, "stream not found")
	case errors.Is(err, store.ErrConfigMismatch):
		return newHTTPError(http.StatusConflict, "stream exists with different configuration")
	case errors.Is(err, store.ErrSeqConflict):
		return newHTTPError(http.StatusConflict, "sequence number conflict")
	case errors.Is(err, store.ErrContentTypeMismatch):
		return newHTTPError(http.StatusConflict, "content type mismatch")
	case errors.Is(err, store.ErrInvalidJSON):
		return newHTTPError(http.StatusBadRequest, "invalid JSON")
	case errors.Is(err, store.ErrEmptyJSONArray):
		return newHTTPError(http.StatusBadRequest, "empty JSON array not allowed")
	case errors.Is(err, store.ErrEmptyBody):
		return newHTTPError(http.StatusBadRequest, "empty body not allowed")
	case errors.Is(err, store.ErrInvalidArgument):
		return newHTTPError(http.StatusBadRequest, "invalid argument")
	case errors.Is(err, store.ErrMessageTooLarge), errors.Is(err, segment.ErrFrameTooLarge):
		return newHTTPError(http.StatusRequestEntityTooLarge, "message exceeds maximum frame size")
	default:
		return nil
	}
}

// writeError maps err to a status code and writes a short plain-text body.
// Any error store/segment doesn't recognize is logged and reported as a
// generic 500, never echoing err.Error() to the client.
func (c *Context) writeError(w http.ResponseWriter, err error) {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		http.Error(w, httpErr.message, httpErr.status)
		return
	}

	if mapped := mapStoreError(err); mapped != nil {
		http.Error(w, mapped.message, mapped.status)
		return
	}

	c.Log.Error("httpapi: internal error", zap.Error(err))
	http.Error(w, "internal server error", http.StatusInternalServerError)
}
