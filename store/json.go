package store

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/appendlog/appendlog/segment"
)

// IsJSONContentType reports whether ct names the JSON media type, ignoring
// parameters and case.
func IsJSONContentType(ct string) bool {
	return strings.EqualFold(mediaType(ct), "application/json")
}

func mediaType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

// MediaType strips parameters from a Content-Type header value, for
// callers outside the package that need to classify a stream's content
// type (e.g. httpapi's SSE eligibility and auto-mode checks).
func MediaType(ct string) string {
	return mediaType(ct)
}

// contentTypeMatches compares two Content-Type header values ignoring
// parameters and case, treating an empty value as the default octet
// stream type.
func contentTypeMatches(a, b string) bool {
	if a == "" {
		a = "application/octet-stream"
	}
	if b == "" {
		b = "application/octet-stream"
	}
	return strings.EqualFold(mediaType(a), mediaType(b))
}

// splitJSONFrames validates data as JSON and splits it into the frames
// that should be written for it. A top-level array flattens one level,
// with each element becoming its own frame; an empty array is rejected
// unless allowEmpty is set (Create's initial data allows it, Append does
// not). Any other JSON value becomes a single frame.
func splitJSONFrames(data []byte, allowEmpty bool) ([][]byte, error) {
	if !json.Valid(data) {
		return nil, ErrInvalidJSON
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, ErrInvalidJSON
		}
		if len(arr) == 0 {
			if !allowEmpty {
				return nil, ErrEmptyJSONArray
			}
			return nil, nil
		}
		frames := make([][]byte, len(arr))
		for i, elem := range arr {
			frames[i] = []byte(elem)
		}
		return frames, nil
	}

	return [][]byte{trimmed}, nil
}

// formatJSONResponse joins message payloads into a single top-level JSON
// array for the HTTP response body.
func formatJSONResponse(messages []segment.Message) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, msg := range messages {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(msg.Data)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

// formatRawResponse concatenates raw message payloads for non-JSON
// streams.
func formatRawResponse(messages []segment.Message) []byte {
	var buf bytes.Buffer
	for _, msg := range messages {
		buf.Write(msg.Data)
	}
	return buf.Bytes()
}
