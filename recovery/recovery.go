// Package recovery reconciles the metadata index against the segment
// files on disk at startup, so a crash between a write and its index
// update never leaves the server serving stale or missing data.
package recovery

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/appendlog/appendlog/metaindex"
	"github.com/appendlog/appendlog/offset"
	"github.com/appendlog/appendlog/segment"
	"github.com/appendlog/appendlog/streamdir"
)

// Summary counts what a Run pass did, for a startup log line.
type Summary struct {
	Recovered      int // index entry matched the segment file exactly
	Reconciled     int // index entry's offset was corrected from the file
	Dropped        int // index entry had no matching segment; entry removed
	OrphansRemoved int // stream directory with no index entry; removed
}

// Run reconciles the metadata index rooted at dataDir against the segment
// files under <dataDir>/streams. The segment file is always the source of
// truth: it is what readers and writers actually touch, and only it can
// prove what was fully written and fsynced before a crash.
func Run(dataDir string, log *zap.Logger) (Summary, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var sum Summary

	idx, err := metaindex.Open(filepath.Join(dataDir, "meta"))
	if err != nil {
		return sum, err
	}
	defer idx.Close()

	streamsDir := filepath.Join(dataDir, "streams")

	liveDirs := make(map[string]struct{})
	var toDrop []string
	type reconcile struct {
		path            string
		indexed, actual offset.Offset
	}
	var toReconcile []reconcile

	if err := idx.ForEach(func(d *metaindex.Descriptor) error {
		segPath := filepath.Join(streamsDir, d.DirName, segment.FileName)

		info, statErr := os.Stat(segPath)
		if os.IsNotExist(statErr) {
			toDrop = append(toDrop, d.Path)
			return nil
		}

		trueOffset, scanErr := segment.ScanTrueOffset(segPath)
		if scanErr != nil {
			log.Warn("recovery: failed to scan segment, leaving index entry as-is",
				zap.String("path", d.Path), zap.Error(scanErr))
			liveDirs[d.DirName] = struct{}{}
			return nil
		}

		liveDirs[d.DirName] = struct{}{}

		if statErr == nil && info.Size() > int64(trueOffset.ByteOffset) {
			if truncErr := os.Truncate(segPath, int64(trueOffset.ByteOffset)); truncErr != nil {
				log.Warn("recovery: failed to truncate torn segment tail",
					zap.String("path", d.Path), zap.Error(truncErr))
			}
		}

		if !trueOffset.Equal(d.CurrentOffset) {
			toReconcile = append(toReconcile, reconcile{path: d.Path, indexed: d.CurrentOffset, actual: trueOffset})
		} else {
			sum.Recovered++
		}
		return nil
	}); err != nil {
		return sum, err
	}

	for _, rc := range toReconcile {
		if err := idx.UpdateOffset(rc.path, rc.actual, ""); err != nil {
			return sum, err
		}
		sum.Reconciled++
		log.Info("recovery: reconciled offset from segment",
			zap.String("path", rc.path),
			zap.String("indexed", rc.indexed.String()),
			zap.String("actual", rc.actual.String()))
	}

	for _, path := range toDrop {
		if err := idx.Delete(path); err != nil && err != metaindex.ErrNotFound {
			log.Warn("recovery: failed to drop orphan index entry", zap.String("path", path), zap.Error(err))
			continue
		}
		sum.Dropped++
		log.Info("recovery: dropped index entry with no segment file", zap.String("path", path))
	}

	orphans, err := sweepOrphanDirs(streamsDir, liveDirs, log)
	if err != nil {
		return sum, err
	}
	sum.OrphansRemoved = orphans

	log.Info("recovery: complete",
		zap.Int("recovered", sum.Recovered),
		zap.Int("reconciled", sum.Reconciled),
		zap.Int("dropped", sum.Dropped),
		zap.Int("orphansRemoved", sum.OrphansRemoved))

	return sum, nil
}

// sweepOrphanDirs removes stream directories under streamsDir that have no
// corresponding live index entry, plus any leftover ".deleted~" markers
// from a Delete whose async unlink never finished before a crash.
func sweepOrphanDirs(streamsDir string, liveDirs map[string]struct{}, log *zap.Logger) (int, error) {
	entries, err := os.ReadDir(streamsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()

		if streamdir.IsDeletedMarker(name) {
			if err := os.RemoveAll(filepath.Join(streamsDir, name)); err != nil {
				log.Warn("recovery: failed to remove leftover deleted marker", zap.String("dir", name), zap.Error(err))
				continue
			}
			removed++
			continue
		}

		if _, ok := liveDirs[name]; ok {
			continue
		}

		if err := os.RemoveAll(filepath.Join(streamsDir, name)); err != nil {
			log.Warn("recovery: failed to remove orphan directory", zap.String("dir", name), zap.Error(err))
			continue
		}
		removed++
		log.Info("recovery: removed orphan stream directory", zap.String("dir", name))
	}

	return removed, nil
}
