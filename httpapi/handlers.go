package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/appendlog/appendlog/offset"
	"github.com/appendlog/appendlog/segment"
	"github.com/appendlog/appendlog/store"
)

// ServeHTTP routes each verb to its handler. The stream's identity is the
// request path verbatim; there is no separate stream-ID namespace.
func (c *Context) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	c.Log.Debug("httpapi: request",
		zap.String("method", r.Method),
		zap.String("path", path),
		zap.String("query", r.URL.RawQuery))

	var err error
	switch r.Method {
	case http.MethodPut:
		err = c.handleCreate(w, r, path)
	case http.MethodHead:
		err = c.handleHead(w, r, path)
	case http.MethodGet:
		err = c.handleRead(w, r, path)
	case http.MethodPost:
		err = c.handleAppend(w, r, path)
	case http.MethodDelete:
		err = c.handleDelete(w, r, path)
	default:
		w.Header().Set("Allow", "GET, HEAD, POST, PUT, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err != nil {
		c.writeError(w, err)
	}
}

var ttlRegex = regexp.MustCompile(`^[1-9][0-9]*$|^0$`)

// parseTTL validates the Stream-TTL wire format: decimal digits only, no
// sign, no leading zero unless the value is exactly "0".
func parseTTL(s string) (int64, error) {
	if !ttlRegex.MatchString(s) {
		return 0, fmt.Errorf("invalid Stream-TTL format")
	}
	return strconv.ParseInt(s, 10, 64)
}

// handleCreate handles PUT: create a stream, or match idempotently against
// an existing one with identical configuration.
func (c *Context) handleCreate(w http.ResponseWriter, r *http.Request, path string) error {
	contentType := r.Header.Get("Content-Type")
	ttlStr := r.Header.Get(HeaderStreamTTL)
	expiresAtStr := r.Header.Get(HeaderStreamExpiresAt)

	if ttlStr != "" && expiresAtStr != "" {
		return newHTTPError(http.StatusBadRequest, "cannot specify both Stream-TTL and Stream-Expires-At")
	}

	var ttlSeconds *int64
	if ttlStr != "" {
		ttl, err := parseTTL(ttlStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, err.Error())
		}
		ttlSeconds = &ttl
	}

	var expiresAt *time.Time
	if expiresAtStr != "" {
		t, err := time.Parse(time.RFC3339, expiresAtStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "invalid Stream-Expires-At format")
		}
		expiresAt = &t
	}

	var initialData []byte
	if r.ContentLength != 0 {
		var err error
		initialData, err = io.ReadAll(r.Body)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "failed to read body")
		}
	}

	desc, wasCreated, err := c.Store.Create(path, store.CreateOptions{
		ContentType: contentType,
		TTLSeconds:  ttlSeconds,
		ExpiresAt:   expiresAt,
		InitialData: initialData,
	})
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", desc.ContentType)
	w.Header().Set(HeaderStreamNextOffset, desc.CurrentOffset.String())

	if wasCreated {
		w.Header().Set("Location", requestURL(r))
		w.WriteHeader(http.StatusCreated)
		return nil
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path)
}

// handleHead handles HEAD: metadata only, no body.
func (c *Context) handleHead(w http.ResponseWriter, r *http.Request, path string) error {
	desc, err := c.Store.Get(path)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", desc.ContentType)
	w.Header().Set(HeaderStreamNextOffset, desc.CurrentOffset.String())
	w.Header().Set("Cache-Control", "no-store")
	if desc.TTLSeconds != nil {
		w.Header().Set(HeaderStreamTTL, strconv.FormatInt(*desc.TTLSeconds, 10))
	}
	if desc.ExpiresAt != nil {
		w.Header().Set(HeaderStreamExpiresAt, desc.ExpiresAt.Format(time.RFC3339))
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

// handleRead handles GET: catch-up, long-poll, or SSE depending on the
// live query parameter.
func (c *Context) handleRead(w http.ResponseWriter, r *http.Request, path string) error {
	desc, err := c.Store.Get(path)
	if err != nil {
		return err
	}

	query := r.URL.Query()
	offsetValues, offsetProvided := query["offset"]
	offsetStr := ""
	if offsetProvided {
		if len(offsetValues) > 1 {
			return newHTTPError(http.StatusBadRequest, "multiple offset parameters not allowed")
		}
		offsetStr = offsetValues[0]
		if offsetStr == "" {
			return newHTTPError(http.StatusBadRequest, "offset parameter cannot be empty")
		}
	}

	from, err := offset.Parse(offsetStr)
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "invalid offset")
	}

	live := query.Get("live")
	clientCursor := query.Get("cursor")

	if live == "auto" {
		live = c.resolveAutoMode(desc.ContentType)
	}

	if (live == "long-poll" || live == "sse") && !offsetProvided {
		return newHTTPError(http.StatusBadRequest, fmt.Sprintf("offset required for %s mode", live))
	}

	if live == "sse" {
		return c.handleSSE(w, r, path, from, clientCursor)
	}

	messages, _, err := c.Store.Read(path, from)
	if err != nil {
		return err
	}

	if live == "long-poll" && len(messages) == 0 {
		return c.handleLongPollWait(w, r, path, from, desc.ContentType)
	}

	return c.writeCatchUp(w, r, path, from, messages, desc.ContentType, live)
}

// resolveAutoMode picks SSE for textual/JSON streams and long-poll
// otherwise, per the protocol's auto mode selection.
func (c *Context) resolveAutoMode(contentType string) string {
	ct := strings.ToLower(store.MediaType(contentType))
	if strings.HasPrefix(ct, "text/") || ct == "application/json" {
		return "sse"
	}
	return "long-poll"
}

// handleLongPollWait blocks until new data arrives, the stream is deleted,
// the timeout elapses, or the client disconnects.
func (c *Context) handleLongPollWait(w http.ResponseWriter, r *http.Request, path string, from offset.Offset, contentType string) error {
	timeout := c.Config.LongPollTimeout
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	messages, timedOut, closed, err := c.Store.WaitForMessages(ctx, path, from, timeout)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			timedOut = true
		} else {
			return err
		}
	}

	if closed {
		return newHTTPError(http.StatusNotFound, "stream not found")
	}

	if timedOut || len(messages) == 0 {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set(HeaderStreamNextOffset, from.String())
		w.Header().Set(HeaderStreamUpToDate, "true")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set(HeaderStreamCursor, c.Cursors.Advance(r.URL.Query().Get("cursor")))
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	return c.writeCatchUp(w, r, path, from, messages, contentType, "long-poll")
}

// writeCatchUp writes a 200 response for a batch of messages read starting
// at from, computing the resulting Stream-Next-Offset, up-to-date flag,
// caching headers, and (for long-poll) the collision-avoiding cursor.
func (c *Context) writeCatchUp(w http.ResponseWriter, r *http.Request, path string, from offset.Offset, messages []segment.Message, contentType, live string) error {
	nextOffset := from
	if len(messages) > 0 {
		nextOffset = messages[len(messages)-1].Offset
	}

	current, err := c.Store.Get(path)
	if err != nil {
		return err
	}
	upToDate := nextOffset.Equal(current.CurrentOffset)

	w.Header().Set("Content-Type", contentType)
	w.Header().Set(HeaderStreamNextOffset, nextOffset.String())
	if upToDate {
		w.Header().Set(HeaderStreamUpToDate, "true")
	}

	if live == "long-poll" {
		w.Header().Set(HeaderStreamCursor, c.Cursors.Advance(r.URL.Query().Get("cursor")))
	}

	// Plain catch-up reads are cacheable snapshots even when they happen to
	// land on the current tail; long-poll's immediate-data branch is not
	// (the client is actively polling live state, not fetching a range).
	if live == "" {
		etag := fmt.Sprintf(`"%s:%s:%s"`, path, from.String(), nextOffset.String())
		w.Header().Set("ETag", etag)
		w.Header().Set("Cache-Control", "public, max-age=60, stale-while-revalidate=300")
		if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
			w.WriteHeader(http.StatusNotModified)
			return nil
		}
	}

	body, err := c.Store.FormatResponse(path, messages)
	if err != nil {
		return err
	}

	w.WriteHeader(http.StatusOK)
	w.Write(body)
	return nil
}

// handleSSE streams messages as text/event-stream, sending a data event per
// batch and a control event with the current offset/cursor after each one,
// plus a bare control heartbeat if nothing has been sent yet. The
// connection is torn down after SSEReconnectInterval so a CDN in front of
// long-lived connections can collapse reconnects onto a fresh cache entry.
func (c *Context) handleSSE(w http.ResponseWriter, r *http.Request, path string, from offset.Offset, clientCursor string) error {
	desc, err := c.Store.Get(path)
	if err != nil {
		return err
	}

	ct := strings.ToLower(store.MediaType(desc.ContentType))
	if !strings.HasPrefix(ct, "text/") && ct != "application/json" {
		return newHTTPError(http.StatusBadRequest, "SSE mode requires a text/* or application/json content type")
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return newHTTPError(http.StatusInternalServerError, "streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	reconnect := time.NewTimer(c.Config.SSEReconnectInterval)
	defer reconnect.Stop()

	current := from
	sentAny := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reconnect.C:
			return nil
		default:
		}

		messages, _, err := c.Store.Read(path, current)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}

		if len(messages) > 0 {
			body, err := c.Store.FormatResponse(path, messages)
			if err != nil {
				return err
			}
			writeSSEEvent(w, "data", body)
			current = messages[len(messages)-1].Offset
			c.writeSSEControl(w, current, clientCursor)
			flusher.Flush()
			sentAny = true
		} else if !sentAny {
			c.writeSSEControl(w, current, clientCursor)
			flusher.Flush()
			sentAny = true
		}

		waitCtx, cancel := context.WithTimeout(ctx, c.Config.SSEPollInterval)
		c.Store.WaitForMessages(waitCtx, path, current, c.Config.SSEPollInterval)
		cancel()
	}
}

func (c *Context) writeSSEControl(w http.ResponseWriter, current offset.Offset, clientCursor string) {
	control := struct {
		StreamNextOffset string `json:"streamNextOffset"`
		StreamCursor     string `json:"streamCursor"`
	}{
		StreamNextOffset: current.String(),
		StreamCursor:     c.Cursors.Advance(clientCursor),
	}
	payload, _ := json.Marshal(control)
	fmt.Fprintf(w, "event: control\ndata: %s\n\n", payload)
}

func writeSSEEvent(w http.ResponseWriter, event string, data []byte) {
	fmt.Fprintf(w, "event: %s\n", event)
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}

// handleAppend handles POST: append data to an existing stream.
func (c *Context) handleAppend(w http.ResponseWriter, r *http.Request, path string) error {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return newHTTPError(http.StatusBadRequest, "Content-Type header is required")
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "failed to read body")
	}

	newOffset, err := c.Store.Append(path, body, store.AppendOptions{
		Seq:         r.Header.Get(HeaderStreamSeq),
		ContentType: contentType,
	})
	if err != nil {
		return err
	}

	w.Header().Set(HeaderStreamNextOffset, newOffset.String())
	w.WriteHeader(http.StatusOK)
	return nil
}

// handleDelete handles DELETE: remove a stream.
func (c *Context) handleDelete(w http.ResponseWriter, r *http.Request, path string) error {
	if err := c.Store.Delete(path); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
