// Package httpapi implements the Durable Streams wire protocol as a plain
// net/http.Handler: PUT to create, HEAD for metadata, GET to read (with
// catch-up, long-poll, and SSE modes), POST to append, DELETE to remove.
//
// Deliberately not a Caddy module: a Context struct carries every
// dependency (store, waiter registry, cursor engine, config, logger)
// explicitly, so nothing here reaches for process-wide state and any
// chassis can mount it.
package httpapi

import (
	"time"

	"go.uber.org/zap"

	"github.com/appendlog/appendlog/cursor"
	"github.com/appendlog/appendlog/store"
	"github.com/appendlog/appendlog/waiter"
)

// Protocol header names.
const (
	HeaderStreamNextOffset = "Stream-Next-Offset"
	HeaderStreamCursor     = "Stream-Cursor"
	HeaderStreamUpToDate   = "Stream-Up-To-Date"
	HeaderStreamSeq        = "Stream-Seq"
	HeaderStreamTTL        = "Stream-TTL"
	HeaderStreamExpiresAt  = "Stream-Expires-At"
)

// Config holds the request-handling knobs that aren't part of the store's
// own Config: timeouts and intervals that only matter to the HTTP surface.
type Config struct {
	LongPollTimeout      time.Duration // default 30s
	SSEReconnectInterval time.Duration // default 60s
	SSEPollInterval      time.Duration // default 100ms; how often the SSE loop re-checks the segment
}

// DefaultConfig returns the Config a Context falls back to for zero fields.
func DefaultConfig() Config {
	return Config{
		LongPollTimeout:      30 * time.Second,
		SSEReconnectInterval: 60 * time.Second,
		SSEPollInterval:      100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LongPollTimeout <= 0 {
		c.LongPollTimeout = d.LongPollTimeout
	}
	if c.SSEReconnectInterval <= 0 {
		c.SSEReconnectInterval = d.SSEReconnectInterval
	}
	if c.SSEPollInterval <= 0 {
		c.SSEPollInterval = d.SSEPollInterval
	}
	return c
}

// Context bundles everything a request handler needs. It has no methods
// that mutate global state and no package-level singleton ever holds one;
// callers construct it once at startup and pass it to New.
type Context struct {
	Store   *store.Store
	Waiters *waiter.Registry
	Cursors *cursor.Engine
	Config  Config
	Log     *zap.Logger
}

// New builds the http.Handler for the durable streams protocol. Every
// stream's path is the request's URL path verbatim.
func New(ctx *Context) *Context {
	if ctx.Log == nil {
		ctx.Log = zap.NewNop()
	}
	if ctx.Cursors == nil {
		ctx.Cursors = cursor.New(cursor.DefaultEpoch, cursor.DefaultInterval)
	}
	ctx.Config = ctx.Config.withDefaults()
	return ctx
}
