// Package streamdir names the on-disk directory for a stream's segment.
//
// Renaming a stream directory to a deleted-but-not-yet-unlinked name
// avoids the classic "remove a file that's still open" race: the writer
// keeps its handle to the old inode, unlink happens asynchronously, and
// the visible name is free for reuse immediately.
package streamdir

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New generates a fresh directory name for path: the URL-escaped stream
// path, the creation time in milliseconds, and a random suffix, joined by
// '~'. The suffix comes from a UUID rather than hand-rolled random bytes
// so collisions across concurrent creators are effectively impossible.
func New(path string, createdAt time.Time) string {
	encoded := url.PathEscape(path)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s~%d~%s", encoded, createdAt.UnixMilli(), suffix)
}

// Deleted renames a live directory name into the pending-unlink form used
// while an async os.RemoveAll is still in flight.
func Deleted(dirName string) string {
	return ".deleted~" + dirName + "~" + strconv.FormatInt(time.Now().UnixNano(), 10)
}

// IsDeletedMarker reports whether name is a pending-unlink directory left
// over from a prior Delete, so a startup sweep can finish the job.
func IsDeletedMarker(name string) bool {
	return strings.HasPrefix(name, ".deleted~")
}
