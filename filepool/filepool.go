// Package filepool bounds the number of open append-mode file handles a
// store keeps around, evicting the least recently used handle when full.
package filepool

import (
	"container/list"
	"os"
	"sync"
)

const defaultMaxHandles = 100

// Pool is a bounded LRU of write-mode file handles keyed by absolute path.
// Callers are responsible for serializing writes to a given path
// themselves (the pool guarantees at most one open handle per path, not
// mutual exclusion of writes through it).
type Pool struct {
	mu      sync.Mutex
	maxSize int
	entries map[string]*list.Element
	lru     *list.List // front = most recently used
}

type entry struct {
	path string
	file *os.File
}

// New creates a pool that keeps at most maxSize handles open at once. A
// non-positive maxSize falls back to a sensible default.
func New(maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = defaultMaxHandles
	}
	return &Pool{
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
	}
}

// GetWrite returns an append-mode handle for path, opening and caching it
// on first use. The returned *os.File must not be closed by the caller.
func (p *Pool) GetWrite(path string) (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if elem, ok := p.entries[path]; ok {
		p.lru.MoveToFront(elem)
		return elem.Value.(*entry).file, nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	p.evictLocked()

	elem := p.lru.PushFront(&entry{path: path, file: f})
	p.entries[path] = elem
	return f, nil
}

// Fsync flushes the handle for path to durable storage, if it is open. A
// path with no open handle is a no-op: nothing has been written through
// this pool yet.
func (p *Pool) Fsync(path string) error {
	p.mu.Lock()
	elem, ok := p.entries[path]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return elem.Value.(*entry).file.Sync()
}

// Remove closes and evicts the handle for path, if open.
func (p *Pool) Remove(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	elem, ok := p.entries[path]
	if !ok {
		return nil
	}
	p.lru.Remove(elem)
	delete(p.entries, path)
	return elem.Value.(*entry).file.Close()
}

// Close closes every open handle in the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for path, elem := range p.entries {
		if err := elem.Value.(*entry).file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.entries, path)
	}
	p.lru.Init()
	return firstErr
}

// Size reports the number of currently open handles.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// evictLocked closes and drops the least recently used handle if the pool
// is at capacity. Must be called with p.mu held.
func (p *Pool) evictLocked() {
	if len(p.entries) < p.maxSize {
		return
	}
	back := p.lru.Back()
	if back == nil {
		return
	}
	e := back.Value.(*entry)
	p.lru.Remove(back)
	delete(p.entries, e.path)
	e.file.Close()
}
