// Package sse encodes and decodes Server-Sent-Events frames.
package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Event types emitted by the proxy itself.
const (
	EventProgress = "progress"
	EventError    = "error"
)

// Event is a single frame with a JSON-encoded data line.
type Event struct {
	Type string
	Data interface{}
}

// Encode renders ev as "event: <type>\ndata: <json>\n\n".
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", ev.Type, err)
	}
	var buf bytes.Buffer
	buf.Grow(len(ev.Type) + len(data) + 16)
	buf.WriteString("event: ")
	buf.WriteString(ev.Type)
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

// Write encodes ev onto w.
func Write(w io.Writer, ev Event) error {
	frame, err := Encode(ev)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Frame is a decoded SSE block. Event defaults to "message" when the block
// carries no event line; multiple data lines are joined with "\n".
type Frame struct {
	Event string
	Data  string
	ID    string
}

// JSON unmarshals the frame data into v.
func (f Frame) JSON(v interface{}) error {
	return json.Unmarshal([]byte(f.Data), v)
}

// Decoder incrementally splits a byte stream into frames. Bytes may arrive
// split at arbitrary boundaries; incomplete trailing blocks are buffered
// until the blank line that terminates them shows up.
type Decoder struct {
	buf []byte
}

// Feed appends p and returns every frame completed by it.
func (d *Decoder) Feed(p []byte) []Frame {
	// A "\r\n" split across chunks is rejoined here, since a trailing "\r"
	// stays in the buffer.
	buf := bytes.ReplaceAll(append(d.buf, p...), []byte("\r\n"), []byte("\n"))
	var frames []Frame
	start := 0
	for {
		idx := bytes.Index(buf[start:], []byte("\n\n"))
		if idx < 0 {
			break
		}
		if f, ok := parseBlock(string(buf[start : start+idx])); ok {
			frames = append(frames, f)
		}
		start += idx + 2
	}
	d.buf = append(d.buf[:0], buf[start:]...)
	return frames
}

// Flush returns a frame for any buffered block that was never terminated.
func (d *Decoder) Flush() (Frame, bool) {
	block := strings.TrimRight(string(d.buf), "\r\n")
	d.buf = nil
	if block == "" {
		return Frame{}, false
	}
	return parseBlock(block)
}

// Parse decodes a complete payload into frames.
func Parse(payload []byte) []Frame {
	var d Decoder
	frames := d.Feed(payload)
	if f, ok := d.Flush(); ok {
		frames = append(frames, f)
	}
	return frames
}

func parseBlock(block string) (Frame, bool) {
	f := Frame{Event: "message"}
	var data []string
	seen := false
	for _, line := range strings.Split(block, "\n") {
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			f.Event = strings.TrimSpace(value)
			seen = true
		case "data":
			data = append(data, value)
			seen = true
		case "id":
			f.ID = value
			seen = true
		}
	}
	f.Data = strings.Join(data, "\n")
	return f, seen
}
