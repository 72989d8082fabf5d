// Package segment implements the on-disk append-only frame format used for
// a single stream's log: a sequence of
// [4-byte big-endian length][payload][0x0A] frames in one file.
//
// The trailing newline carries no data of its own; it exists purely as a
// tear-detector so a frame truncated mid-write by a crash is
// distinguishable from a frame whose length prefix itself was torn.
package segment

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/appendlog/appendlog/offset"
)

const (
	// FileName is the name of the single segment file within a stream directory.
	FileName = "000000.log"

	// lengthPrefixSize is the width, in bytes, of the frame's length prefix.
	lengthPrefixSize = 4

	// frameOverhead is the length prefix plus the trailing newline.
	frameOverhead = lengthPrefixSize + 1

	// MaxFrameSize bounds a single message's payload. Exceeding it on
	// append is a client error (413), not a segment-layer panic.
	MaxFrameSize = 64 * 1024 * 1024
)

// ErrFrameTooLarge is returned by WriteFrame when data exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("segment: frame exceeds maximum size")

// Message is one decoded frame paired with the offset immediately after it.
type Message struct {
	Data   []byte
	Offset offset.Offset
}

// WriteFrame writes one frame to w and returns the number of bytes written,
// including the length prefix and trailing newline.
func WriteFrame(w io.Writer, data []byte) (int, error) {
	if len(data) > MaxFrameSize {
		return 0, ErrFrameTooLarge
	}

	var header [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))

	n, err := w.Write(header[:])
	if err != nil {
		return n, err
	}
	n2, err := w.Write(data)
	n += n2
	if err != nil {
		return n, err
	}
	n3, err := w.Write([]byte{'\n'})
	return n + n3, err
}

// readFrame reads one frame from r. It returns io.EOF only when r is
// exhausted exactly at a frame boundary. Any other short read (a length
// prefix cut off, a payload cut off, or a missing trailing newline) is
// reported as errTornFrame so callers can treat it as "nothing more to
// read" without surfacing it as a hard error.
var errTornFrame = errors.New("segment: torn trailing frame")

func readFrame(r *bufio.Reader) ([]byte, error) {
	var header [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errTornFrame
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, errTornFrame
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errTornFrame
	}

	nl, err := r.ReadByte()
	if err != nil || nl != '\n' {
		return nil, errTornFrame
	}

	return data, nil
}

// Reader decodes frames from an existing segment file.
type Reader struct {
	file *os.File
}

// OpenReader opens the segment file at path for reading.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{file: f}, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error { return r.file.Close() }

// ReadFrom decodes every complete frame starting at fromByteOffset,
// returning the messages found and the offset immediately after the last
// one decoded (fromOffset itself if nothing new was found). readSeq in
// fromOffset must already reflect the number of messages preceding
// fromByteOffset; ReadFrom only advances it.
func (r *Reader) ReadFrom(from offset.Offset) ([]Message, offset.Offset, error) {
	if _, err := r.file.Seek(int64(from.ByteOffset), io.SeekStart); err != nil {
		return nil, from, fmt.Errorf("segment: seek: %w", err)
	}

	br := bufio.NewReaderSize(r.file, 64*1024)
	var messages []Message
	cur := from

	for {
		data, err := readFrame(br)
		if errors.Is(err, io.EOF) || errors.Is(err, errTornFrame) {
			break
		}
		if err != nil {
			return messages, cur, err
		}
		cur = cur.Advance(uint64(frameOverhead + len(data)))
		messages = append(messages, Message{Data: data, Offset: cur})
	}

	return messages, cur, nil
}

// ScanTrueOffset reads every complete frame in the segment at path and
// returns the ground-truth offset at end of file. A missing file scans as
// the zero offset. This is the recovery-time source of truth: the file
// always wins over whatever the metadata index claims.
func ScanTrueOffset(path string) (offset.Offset, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return offset.Zero, nil
		}
		return offset.Offset{}, err
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 64*1024)
	cur := offset.Zero
	for {
		data, err := readFrame(br)
		if errors.Is(err, io.EOF) || errors.Is(err, errTornFrame) {
			break
		}
		if err != nil {
			return offset.Offset{}, err
		}
		cur = cur.Advance(uint64(frameOverhead + len(data)))
	}
	return cur, nil
}

// Create creates an empty segment file at path, failing if it already exists.
func Create(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("segment: create: %w", err)
	}
	return f.Close()
}
