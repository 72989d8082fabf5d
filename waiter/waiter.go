// Package waiter tracks pending long-poll and SSE readers so an Append can
// wake them without those readers busy-polling the segment file.
package waiter

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Signal is a one-shot wake channel handed to a caller blocked in
// WaitForMessages or an SSE loop. It carries no data: on wake, the caller
// re-reads the store itself. Closed carries a terminal indication (the
// stream was deleted) so the caller can stop waiting instead of retrying
// forever against a stream that will never produce more data.
type Signal struct {
	ch     chan struct{}
	closed chan struct{}
}

// Wake returns the channel that fires (empty struct) on a wake-up.
func (s *Signal) Wake() <-chan struct{} { return s.ch }

// Closed returns the channel that fires when the stream is deleted.
func (s *Signal) Closed() <-chan struct{} { return s.closed }

// Registry is a per-path set of pending Signals. The zero value is not
// usable; construct with New.
type Registry struct {
	mu      sync.Mutex
	waiters map[string]map[*Signal]struct{}

	watcher  *fsnotify.Watcher
	watchDir map[string]string // watched directory -> stream path
	log      *zap.Logger
}

// New creates an empty registry. If log is nil, a no-op logger is used.
func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		waiters: make(map[string]map[*Signal]struct{}),
		log:     log,
	}
}

// Register creates and returns a new Signal for path. The caller must call
// Unregister when done waiting, whether or not it woke.
func (r *Registry) Register(path string) *Signal {
	s := &Signal{ch: make(chan struct{}, 1), closed: make(chan struct{})}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.waiters[path]
	if !ok {
		set = make(map[*Signal]struct{})
		r.waiters[path] = set
	}
	set[s] = struct{}{}
	return s
}

// Unregister removes s from path's waiter set. Safe to call more than
// once or after Notify has already fired.
func (r *Registry) Unregister(path string, s *Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.waiters[path]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.waiters, path)
	}
}

// Notify wakes every waiter currently registered for path. Wake is
// at-least-once: a non-blocking send is used, so a waiter that already has
// a pending wake is left alone rather than blocking the notifier.
func (r *Registry) Notify(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s := range r.waiters[path] {
		select {
		case s.ch <- struct{}{}:
		default:
		}
	}
}

// NotifyClosed wakes every waiter for path with a terminal signal instead
// of a normal wake, and clears the waiter set for path.
func (r *Registry) NotifyClosed(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s := range r.waiters[path] {
		close(s.closed)
	}
	delete(r.waiters, path)
}

// WatchDir starts an fsnotify watch on dir, calling Notify(path) whenever
// dir's segment file changes. This is a belt-and-braces bridge for
// multi-process deployments where another process's writes wouldn't
// otherwise reach this registry's in-process Notify calls. The in-process
// path from Append remains authoritative; if the watcher can't be
// established, the registry stays correct for single-process writers.
func (r *Registry) WatchDir(path, dir string) error {
	r.mu.Lock()
	if r.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			r.mu.Unlock()
			return err
		}
		r.watcher = w
		r.watchDir = make(map[string]string)
		go r.watchLoop()
	}
	watcher := r.watcher
	r.watchDir[dir] = path
	r.mu.Unlock()

	return watcher.Add(dir)
}

func (r *Registry) watchLoop() {
	for {
		r.mu.Lock()
		w := r.watcher
		r.mu.Unlock()
		if w == nil {
			return
		}
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			r.notifyByDir(filepath.Dir(ev.Name))
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.log.Warn("waiter: fsnotify error", zap.Error(err))
		}
	}
}

// notifyByDir wakes the waiters for whichever stream path is registered
// against the changed directory, if any.
func (r *Registry) notifyByDir(dir string) {
	r.mu.Lock()
	path, ok := r.watchDir[dir]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.Notify(path)
}

// Close stops the fsnotify watcher, if one was started.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher == nil {
		return nil
	}
	err := r.watcher.Close()
	r.watcher = nil
	return err
}
