// Package metaindex persists stream descriptors in an embedded key-value
// store (bbolt) mapping stream path to descriptor. It is the durable
// record recovery reconciles against the segment files on startup.
package metaindex

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/appendlog/appendlog/offset"
)

// ErrNotFound is returned when a path has no descriptor in the index.
var ErrNotFound = errors.New("metaindex: not found")

// Descriptor is the durable record for one stream: everything needed to
// serve it without re-scanning the segment file, and to reconcile against
// the segment file after a crash.
type Descriptor struct {
	Path          string
	ContentType   string
	CurrentOffset offset.Offset
	LastSeq       string
	TTLSeconds    *int64
	ExpiresAt     *time.Time
	CreatedAt     time.Time
	DirName       string
}

// IsExpired reports whether the descriptor's TTL or absolute expiry has
// passed as of now.
func (d *Descriptor) IsExpired() bool {
	now := time.Now()
	if d.ExpiresAt != nil && now.After(*d.ExpiresAt) {
		return true
	}
	if d.TTLSeconds != nil && now.After(d.CreatedAt.Add(time.Duration(*d.TTLSeconds)*time.Second)) {
		return true
	}
	return false
}

// wireDescriptor is the JSON-on-disk shape. Kept separate from Descriptor
// so the in-memory type can use offset.Offset and time.Time directly while
// the persisted form stays a plain, stable JSON document.
type wireDescriptor struct {
	Path          string `json:"path"`
	ContentType   string `json:"content_type"`
	CurrentOffset string `json:"current_offset"`
	LastSeq       string `json:"last_seq"`
	TTLSeconds    *int64 `json:"ttl_seconds,omitempty"`
	ExpiresAt     *int64 `json:"expires_at,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	DirName       string `json:"dir_name"`
}

func toWire(d *Descriptor) (*wireDescriptor, error) {
	w := &wireDescriptor{
		Path:          d.Path,
		ContentType:   d.ContentType,
		CurrentOffset: d.CurrentOffset.String(),
		LastSeq:       d.LastSeq,
		TTLSeconds:    d.TTLSeconds,
		CreatedAt:     d.CreatedAt.Unix(),
		DirName:       d.DirName,
	}
	if d.ExpiresAt != nil {
		ts := d.ExpiresAt.Unix()
		w.ExpiresAt = &ts
	}
	return w, nil
}

func fromWire(w *wireDescriptor) (*Descriptor, error) {
	off, err := offset.Parse(w.CurrentOffset)
	if err != nil {
		return nil, fmt.Errorf("metaindex: corrupt offset for %q: %w", w.Path, err)
	}
	d := &Descriptor{
		Path:          w.Path,
		ContentType:   w.ContentType,
		CurrentOffset: off,
		LastSeq:       w.LastSeq,
		TTLSeconds:    w.TTLSeconds,
		CreatedAt:     time.Unix(w.CreatedAt, 0),
		DirName:       w.DirName,
	}
	if w.ExpiresAt != nil {
		t := time.Unix(*w.ExpiresAt, 0)
		d.ExpiresAt = &t
	}
	return d, nil
}

var bucketName = []byte("streams")

// Index is a bbolt-backed path -> Descriptor store. All methods are safe
// for concurrent use; bbolt itself serializes writer transactions.
type Index struct {
	mu     sync.RWMutex
	db     *bbolt.DB
	closed bool
}

// Open opens (creating if necessary) the index database under dir.
func Open(dir string) (*Index, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("metaindex: create dir: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dir, "index.db"), 0o600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("metaindex: open: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("metaindex: init bucket: %w", err)
	}

	return &Index{db: db}, nil
}

// Put writes (or overwrites) the descriptor for d.Path.
func (idx *Index) Put(d *Descriptor) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return fmt.Errorf("metaindex: closed")
	}

	w, err := toWire(d)
	if err != nil {
		return err
	}
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("metaindex: marshal: %w", err)
	}

	return idx.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(d.Path), data)
	})
}

// Get returns the descriptor stored for path, or ErrNotFound.
func (idx *Index) Get(path string) (*Descriptor, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.closed {
		return nil, fmt.Errorf("metaindex: closed")
	}

	var d *Descriptor
	err := idx.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketName).Get([]byte(path))
		if raw == nil {
			return ErrNotFound
		}
		var w wireDescriptor
		if err := json.Unmarshal(raw, &w); err != nil {
			return fmt.Errorf("metaindex: unmarshal %q: %w", path, err)
		}
		parsed, err := fromWire(&w)
		if err != nil {
			return err
		}
		d = parsed
		return nil
	})
	return d, err
}

// UpdateOffset rewrites only the offset and (if non-empty) LastSeq fields
// for an existing descriptor. This is the hot append path: it avoids
// round-tripping the whole descriptor through the caller.
func (idx *Index) UpdateOffset(path string, off offset.Offset, lastSeq string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return fmt.Errorf("metaindex: closed")
	}

	return idx.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		raw := b.Get([]byte(path))
		if raw == nil {
			return ErrNotFound
		}
		var w wireDescriptor
		if err := json.Unmarshal(raw, &w); err != nil {
			return err
		}
		w.CurrentOffset = off.String()
		if lastSeq != "" {
			w.LastSeq = lastSeq
		}
		data, err := json.Marshal(&w)
		if err != nil {
			return err
		}
		return b.Put([]byte(path), data)
	})
}

// Delete removes the descriptor for path, or ErrNotFound if it is absent.
func (idx *Index) Delete(path string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return fmt.Errorf("metaindex: closed")
	}

	return idx.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b.Get([]byte(path)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(path))
	})
}

// ForEach calls fn once per stored descriptor. fn must not mutate the
// index; iteration order is bbolt's key order (lexicographic by path).
func (idx *Index) ForEach(fn func(*Descriptor) error) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.closed {
		return fmt.Errorf("metaindex: closed")
	}

	return idx.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			var w wireDescriptor
			if err := json.Unmarshal(v, &w); err != nil {
				return fmt.Errorf("metaindex: unmarshal %q: %w", k, err)
			}
			d, err := fromWire(&w)
			if err != nil {
				return err
			}
			return fn(d)
		})
	})
}

// Close closes the underlying database.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return nil
	}
	idx.closed = true
	return idx.db.Close()
}
