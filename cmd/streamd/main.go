// Command streamd is a minimal standalone binary that serves the durable
// streams protocol over plain HTTP. It owns no protocol behavior of its
// own: it parses flags, wires store/waiter/cursor/httpapi together, runs
// startup recovery, and calls http.ListenAndServe.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/appendlog/appendlog/cursor"
	"github.com/appendlog/appendlog/httpapi"
	"github.com/appendlog/appendlog/recovery"
	"github.com/appendlog/appendlog/store"
	"github.com/appendlog/appendlog/waiter"
)

func main() {
	var (
		addr                 = flag.String("addr", ":4437", "listen address")
		dataDir              = flag.String("data-dir", "", "directory for stream data (required)")
		maxFileHandles       = flag.Int("max-file-handles", 100, "maximum cached write file handles")
		longPollTimeout      = flag.Duration("long-poll-timeout", 30*time.Second, "long-poll response timeout")
		sseReconnectInterval = flag.Duration("sse-reconnect-interval", 60*time.Second, "SSE connection lifetime before forced reconnect")
		cursorInterval       = flag.Duration("cursor-interval", cursor.DefaultInterval, "cursor quantization interval")
		cleanupInterval      = flag.Duration("cleanup-interval", 60*time.Second, "background expired-stream sweep interval")
		enableFileWatch      = flag.Bool("enable-file-watch", false, "watch stream directories with fsnotify for cross-process wake-up")
		devMode              = flag.Bool("dev", false, "use a temporary data directory and verbose logging")
	)
	flag.Parse()

	log, err := newLogger(*devMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "streamd: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	dir := *dataDir
	if dir == "" {
		if !*devMode {
			log.Fatal("streamd: -data-dir is required (or pass -dev for a scratch directory)")
		}
		tmp, err := os.MkdirTemp("", "streamd-dev-*")
		if err != nil {
			log.Fatal("streamd: failed to create temp data dir", zap.Error(err))
		}
		dir = tmp
		log.Info("streamd: dev mode, using scratch data directory", zap.String("dir", dir))
	}

	if sum, err := recovery.Run(dir, log); err != nil {
		log.Fatal("streamd: startup recovery failed", zap.Error(err))
	} else {
		log.Info("streamd: startup recovery complete",
			zap.Int("recovered", sum.Recovered),
			zap.Int("reconciled", sum.Reconciled),
			zap.Int("dropped", sum.Dropped),
			zap.Int("orphansRemoved", sum.OrphansRemoved))
	}

	waiters := waiter.New(log)

	s, err := store.Open(store.Config{
		DataDir:         dir,
		MaxFileHandles:  *maxFileHandles,
		CleanupInterval: *cleanupInterval,
		EnableFileWatch: *enableFileWatch,
	}, waiters, log)
	if err != nil {
		log.Fatal("streamd: failed to open store", zap.Error(err))
	}
	defer s.Close()

	ctx := httpapi.New(&httpapi.Context{
		Store:   s,
		Waiters: waiters,
		Cursors: cursor.New(cursor.DefaultEpoch, *cursorInterval),
		Config: httpapi.Config{
			LongPollTimeout:      *longPollTimeout,
			SSEReconnectInterval: *sseReconnectInterval,
		},
		Log: log,
	})

	log.Info("streamd: listening", zap.String("addr", *addr), zap.String("dataDir", dir))
	if err := http.ListenAndServe(*addr, ctx); err != nil {
		log.Fatal("streamd: server exited", zap.Error(err))
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
