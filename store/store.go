// Package store is the central facade over the on-disk log: it wires
// together segment, filepool, metaindex, streamdir, and waiter into the
// Create/Get/Has/Delete/Append/Read/WaitForMessages operations the HTTP
// layer needs, enforcing per-stream serialization and the descriptor
// invariants along the way.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appendlog/appendlog/filepool"
	"github.com/appendlog/appendlog/metaindex"
	"github.com/appendlog/appendlog/offset"
	"github.com/appendlog/appendlog/segment"
	"github.com/appendlog/appendlog/streamdir"
	"github.com/appendlog/appendlog/waiter"
)

const defaultContentType = "application/octet-stream"

// Config holds the on-disk and resource-limit knobs for a Store.
type Config struct {
	DataDir         string
	MaxFileHandles  int
	CleanupInterval time.Duration // 0 disables the background expiry sweep
	EnableFileWatch bool
}

// CreateOptions carries the arguments to Create.
type CreateOptions struct {
	ContentType string
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	InitialData []byte
}

// AppendOptions carries the arguments to Append.
type AppendOptions struct {
	Seq         string
	ContentType string
}

// Descriptor is the public view of a stream's metadata. It is a plain copy;
// callers cannot mutate a Store's internal state through it.
type Descriptor = metaindex.Descriptor

// Store is a file-backed, crash-recoverable implementation of the durable
// stream engine described by the protocol. One Store owns one data
// directory.
type Store struct {
	dataDir         string
	index           *metaindex.Index
	files           *filepool.Pool
	waiters         *waiter.Registry
	log             *zap.Logger
	enableFileWatch bool

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

// Open creates or opens the store rooted at cfg.DataDir. waiters may be
// shared with the caller (e.g. so httpapi can register long-poll and SSE
// waiters directly); if nil, a private registry is created.
func Open(cfg Config, waiters *waiter.Registry, log *zap.Logger) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("store: data directory is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if waiters == nil {
		waiters = waiter.New(log)
	}

	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "streams"), 0o755); err != nil {
		return nil, fmt.Errorf("store: create streams dir: %w", err)
	}

	idx, err := metaindex.Open(filepath.Join(cfg.DataDir, "meta"))
	if err != nil {
		return nil, fmt.Errorf("store: open metadata index: %w", err)
	}

	s := &Store{
		dataDir:         cfg.DataDir,
		index:           idx,
		files:           filepool.New(cfg.MaxFileHandles),
		waiters:         waiters,
		log:             log,
		enableFileWatch: cfg.EnableFileWatch,
		locks:           make(map[string]*sync.Mutex),
		cleanupStop:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	if cfg.EnableFileWatch {
		s.watchExistingStreams()
	}

	if cfg.CleanupInterval > 0 {
		go s.runCleanup(cfg.CleanupInterval)
	} else {
		close(s.cleanupDone)
	}

	return s, nil
}

// watchExistingStreams re-establishes fsnotify watches for every stream
// already present in the index when the store is (re)opened with
// EnableFileWatch set, so a restart doesn't silently drop multi-process
// wake-up for streams created in a previous run.
func (s *Store) watchExistingStreams() {
	s.index.ForEach(func(d *Descriptor) error {
		if d.IsExpired() {
			return nil
		}
		streamDir := filepath.Join(s.dataDir, "streams", d.DirName)
		if err := s.waiters.WatchDir(d.Path, streamDir); err != nil {
			s.log.Warn("store: failed to establish fsnotify watch on reopen",
				zap.String("path", d.Path), zap.Error(err))
		}
		return nil
	})
}

func (s *Store) lockFor(path string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

func (s *Store) segmentPath(dirName string) string {
	return filepath.Join(s.dataDir, "streams", dirName, segment.FileName)
}

// Create creates a new stream, or, if one already exists with identical
// configuration, succeeds idempotently and returns the existing
// descriptor.
func (s *Store) Create(path string, opts CreateOptions) (*Descriptor, bool, error) {
	if opts.TTLSeconds != nil && opts.ExpiresAt != nil {
		return nil, false, fmt.Errorf("%w: Stream-TTL and Stream-Expires-At are mutually exclusive", ErrInvalidArgument)
	}

	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := s.expireLocked(path); err == nil {
		if configMatches(existing, opts) {
			return existing, false, nil
		}
		return nil, false, ErrConfigMismatch
	} else if err != ErrNotFound {
		return nil, false, err
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}

	now := time.Now()
	dirName := streamdir.New(path, now)
	streamDir := filepath.Join(s.dataDir, "streams", dirName)
	if err := os.MkdirAll(streamDir, 0o755); err != nil {
		return nil, false, fmt.Errorf("store: create stream directory: %w", err)
	}

	segPath := s.segmentPath(dirName)
	if err := segment.Create(segPath); err != nil {
		os.RemoveAll(streamDir)
		return nil, false, fmt.Errorf("store: create segment: %w", err)
	}

	desc := &Descriptor{
		Path:          path,
		ContentType:   contentType,
		CurrentOffset: offset.Zero,
		TTLSeconds:    opts.TTLSeconds,
		ExpiresAt:     opts.ExpiresAt,
		CreatedAt:     now,
		DirName:       dirName,
	}

	if len(opts.InitialData) > 0 {
		newOffset, err := s.writeFrames(segPath, contentType, desc.CurrentOffset, opts.InitialData, true)
		if err != nil {
			os.RemoveAll(streamDir)
			return nil, false, err
		}
		desc.CurrentOffset = newOffset
	}

	if err := s.index.Put(desc); err != nil {
		os.RemoveAll(streamDir)
		return nil, false, fmt.Errorf("store: persist descriptor: %w", err)
	}

	if s.enableFileWatch {
		if err := s.waiters.WatchDir(path, streamDir); err != nil {
			s.log.Warn("store: failed to establish fsnotify watch, falling back to in-process wake-up only",
				zap.String("path", path), zap.Error(err))
		}
	}

	return desc, true, nil
}

// Get returns the descriptor for path, or ErrNotFound if it is absent or
// expired. An expired descriptor is deleted as a side effect.
func (s *Store) Get(path string) (*Descriptor, error) {
	return s.getLive(path)
}

// Has reports whether path names a live (present and unexpired) stream.
func (s *Store) Has(path string) bool {
	_, err := s.getLive(path)
	return err == nil
}

// getLive fetches the descriptor for path, lazily expiring and deleting it
// if its TTL or ExpiresAt has passed. It takes the per-stream lock itself
// before removing an expired stream, so it is only called from paths that
// don't already hold that lock; Create and Append, which do, call
// expireLocked directly. expireLocked re-validates under the lock before
// mutating anything, so a concurrent Append can't be undercut by a
// lock-free Get discovering the same expiry.
func (s *Store) getLive(path string) (*Descriptor, error) {
	desc, err := s.index.Get(path)
	if err != nil {
		if err == metaindex.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get: %w", err)
	}
	if !desc.IsExpired() {
		return desc, nil
	}

	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()
	return s.expireLocked(path)
}

// expireLocked re-checks path under its per-stream lock and removes it if
// still expired, returning the fresh descriptor if some other goroutine
// resolved the expiry first. Must be called with the lock for path held.
func (s *Store) expireLocked(path string) (*Descriptor, error) {
	desc, err := s.index.Get(path)
	if err != nil {
		return nil, ErrNotFound
	}
	if !desc.IsExpired() {
		return desc, nil
	}
	if err := s.removeStream(path, desc); err != nil {
		s.log.Warn("store: failed to remove expired stream", zap.String("path", path), zap.Error(err))
	}
	return nil, ErrNotFound
}

// Delete removes a stream. Waiters blocked on it are woken with a terminal
// signal so they return NotFound instead of waiting out their timeout.
func (s *Store) Delete(path string) error {
	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	desc, err := s.index.Get(path)
	if err != nil {
		if err == metaindex.ErrNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("store: delete: %w", err)
	}

	if err := s.removeStream(path, desc); err != nil {
		return err
	}
	s.waiters.NotifyClosed(path)
	return nil
}

// removeStream deletes the index entry and asynchronously unlinks the
// stream directory, first renaming it so an in-flight reader or writer
// handle stays valid until it's done with it.
func (s *Store) removeStream(path string, desc *Descriptor) error {
	segPath := s.segmentPath(desc.DirName)
	s.files.Remove(segPath)

	if err := s.index.Delete(path); err != nil && err != metaindex.ErrNotFound {
		return fmt.Errorf("store: delete descriptor: %w", err)
	}

	streamDir := filepath.Join(s.dataDir, "streams", desc.DirName)
	deletedDir := filepath.Join(s.dataDir, "streams", streamdir.Deleted(desc.DirName))
	if err := os.Rename(streamDir, deletedDir); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("store: rename for delete: %w", err)
		}
		return nil
	}
	go os.RemoveAll(deletedDir)
	return nil
}

// Append writes data to path, applying JSON flattening for JSON-mode
// streams, and returns the resulting tail offset.
func (s *Store) Append(path string, data []byte, opts AppendOptions) (offset.Offset, error) {
	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	desc, err := s.expireLocked(path)
	if err != nil {
		return offset.Offset{}, err
	}

	if opts.ContentType != "" && !contentTypeMatches(desc.ContentType, opts.ContentType) {
		return offset.Offset{}, ErrContentTypeMismatch
	}
	if len(data) == 0 {
		return offset.Offset{}, ErrEmptyBody
	}
	if opts.Seq != "" && desc.LastSeq != "" && opts.Seq <= desc.LastSeq {
		return offset.Offset{}, ErrSeqConflict
	}

	segPath := s.segmentPath(desc.DirName)
	newOffset, err := s.writeFrames(segPath, desc.ContentType, desc.CurrentOffset, data, false)
	if err != nil {
		return offset.Offset{}, err
	}

	if err := s.index.UpdateOffset(path, newOffset, opts.Seq); err != nil {
		s.log.Warn("store: index update lagging file truth, will reconcile on recovery",
			zap.String("path", path), zap.Error(err))
	}

	s.waiters.Notify(path)
	return newOffset, nil
}

// writeFrames writes data to the segment at segPath under contentType's
// framing rules, fsyncs, and returns the resulting offset. allowEmpty
// controls whether an empty top-level JSON array is accepted (true for
// Create's initial data, false for Append).
func (s *Store) writeFrames(segPath, contentType string, current offset.Offset, data []byte, allowEmpty bool) (offset.Offset, error) {
	file, err := s.files.GetWrite(segPath)
	if err != nil {
		return offset.Offset{}, fmt.Errorf("store: open segment writer: %w", err)
	}

	var frames [][]byte
	if IsJSONContentType(contentType) {
		frames, err = splitJSONFrames(data, allowEmpty)
		if err != nil {
			return offset.Offset{}, err
		}
	} else {
		frames = [][]byte{data}
	}

	for _, frame := range frames {
		if len(frame) > segment.MaxFrameSize {
			return offset.Offset{}, ErrMessageTooLarge
		}
	}

	for _, frame := range frames {
		n, err := segment.WriteFrame(file, frame)
		if err != nil {
			return offset.Offset{}, fmt.Errorf("store: write frame: %w", err)
		}
		current = current.Advance(uint64(n))
	}

	if err := s.files.Fsync(segPath); err != nil {
		return offset.Offset{}, fmt.Errorf("store: fsync: %w", err)
	}

	return current, nil
}

// Read returns every message with a post-position greater than from.
// Because it always scans through to the segment's current end of file,
// the batch it returns always reaches the true tail as of the call.
func (s *Store) Read(path string, from offset.Offset) ([]segment.Message, bool, error) {
	desc, err := s.getLive(path)
	if err != nil {
		return nil, false, err
	}

	if from.Equal(desc.CurrentOffset) {
		return nil, true, nil
	}

	reader, err := segment.OpenReader(s.segmentPath(desc.DirName))
	if err != nil {
		return nil, false, fmt.Errorf("store: open segment reader: %w", err)
	}
	defer reader.Close()

	messages, _, err := reader.ReadFrom(from)
	if err != nil {
		return nil, false, fmt.Errorf("store: read: %w", err)
	}
	return messages, true, nil
}

// WaitForMessages blocks until new data is available past from, the
// timeout elapses, the stream is deleted, or ctx is cancelled.
func (s *Store) WaitForMessages(ctx context.Context, path string, from offset.Offset, timeout time.Duration) (messages []segment.Message, timedOut bool, streamClosed bool, err error) {
	messages, _, err = s.Read(path, from)
	if err != nil {
		return nil, false, false, err
	}
	if len(messages) > 0 {
		return messages, false, false, nil
	}

	sig := s.waiters.Register(path)
	defer s.waiters.Unregister(path, sig)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-sig.Wake():
		messages, _, err := s.Read(path, from)
		if err == ErrNotFound {
			return nil, false, true, nil
		}
		return messages, false, false, err
	case <-sig.Closed():
		return nil, false, true, nil
	case <-timer.C:
		return nil, true, false, nil
	case <-ctx.Done():
		return nil, false, false, ctx.Err()
	}
}

// FormatResponse renders messages for the HTTP response body according to
// path's content type: a JSON array for JSON-mode streams, or the raw
// concatenated payload bytes otherwise.
func (s *Store) FormatResponse(path string, messages []segment.Message) ([]byte, error) {
	desc, err := s.getLive(path)
	if err != nil {
		return nil, err
	}
	if IsJSONContentType(desc.ContentType) {
		return formatJSONResponse(messages), nil
	}
	return formatRawResponse(messages), nil
}

// Close releases all resources held by the store.
func (s *Store) Close() error {
	close(s.cleanupStop)
	<-s.cleanupDone

	var firstErr error
	if err := s.files.Close(); err != nil {
		firstErr = err
	}
	if err := s.index.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *Store) runCleanup(interval time.Duration) {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.cleanupStop:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *Store) sweepExpired() {
	var expired []string
	s.index.ForEach(func(d *Descriptor) error {
		if d.IsExpired() {
			expired = append(expired, d.Path)
		}
		return nil
	})

	for _, path := range expired {
		lock := s.lockFor(path)
		lock.Lock()
		desc, err := s.index.Get(path)
		if err == nil {
			if rmErr := s.removeStream(path, desc); rmErr != nil {
				s.log.Warn("store: background sweep failed to remove stream", zap.String("path", path), zap.Error(rmErr))
			} else {
				s.waiters.NotifyClosed(path)
			}
		}
		lock.Unlock()
	}

	if len(expired) > 0 {
		s.log.Info("store: expired-stream sweep", zap.Int("removed", len(expired)))
	}
}

// configMatches reports whether opts describes the same configuration as
// the existing descriptor, for idempotent Create.
func configMatches(d *Descriptor, opts CreateOptions) bool {
	if !contentTypeMatches(d.ContentType, opts.ContentType) {
		return false
	}
	if (d.TTLSeconds == nil) != (opts.TTLSeconds == nil) {
		return false
	}
	if d.TTLSeconds != nil && opts.TTLSeconds != nil && *d.TTLSeconds != *opts.TTLSeconds {
		return false
	}
	if (d.ExpiresAt == nil) != (opts.ExpiresAt == nil) {
		return false
	}
	if d.ExpiresAt != nil && opts.ExpiresAt != nil && !d.ExpiresAt.Equal(*opts.ExpiresAt) {
		return false
	}
	return true
}
