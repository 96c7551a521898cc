package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Framing selects how messages are delimited on the byte stream.
type Framing int

const (
	// FramingLine writes one JSON document per line.
	FramingLine Framing = iota
	// FramingHeader writes a Content-Length header block before each body.
	FramingHeader
)

func (f Framing) String() string {
	switch f {
	case FramingHeader:
		return "header"
	default:
		return "line"
	}
}

// ParseFraming accepts "line"/"ndjson" and "header"/"content-length".
func ParseFraming(s string) (Framing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "line", "ndjson", "newline":
		return FramingLine, nil
	case "header", "content-length", "lsp":
		return FramingHeader, nil
	}
	return FramingLine, fmt.Errorf("unknown framing %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (f Framing) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Framing) UnmarshalText(b []byte) error {
	v, err := ParseFraming(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

const headerTerminator = "\r\n\r\n"

var headerNames = []string{"content-length:", "content-type:"}

// Encode serializes msg using the given framing.
func Encode(msg *Message, framing Framing) ([]byte, error) {
	out := *msg
	if out.JSONRPC == "" {
		out.JSONRPC = Version
	}
	body, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	if framing == FramingHeader {
		header := fmt.Sprintf("Content-Length: %d%s", len(body), headerTerminator)
		return append([]byte(header), body...), nil
	}
	return append(body, '\n'), nil
}

// DecodeError reports a frame that could not be turned into a message. The
// frame has already been consumed when it is returned.
type DecodeError struct {
	Frame []byte
	Err   error
}

func (e *DecodeError) Error() string {
	frame := e.Frame
	if len(frame) > 120 {
		frame = frame[:120]
	}
	return fmt.Sprintf("decode error: %v (frame %q)", e.Err, frame)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder incrementally turns an arbitrarily chunked byte stream into
// messages. It accepts header framing and line framing interchangeably.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Write appends stream bytes. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes not yet consumed.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next returns the next complete message. It returns (nil, nil) when more
// bytes are needed and a *DecodeError for a malformed frame, which is skipped.
func (d *Decoder) Next() (*Message, error) {
	for {
		d.buf = trimLeadingBreaks(d.buf)
		if len(d.buf) == 0 {
			return nil, nil
		}

		if hasHeaderStart(d.buf) {
			return d.nextHeaderFramed()
		}
		if isPartialHeaderName(d.buf) {
			return nil, nil
		}

		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			return nil, nil
		}
		line := bytes.TrimSpace(d.buf[:idx])
		d.buf = d.buf[idx+1:]
		if len(line) == 0 {
			continue
		}
		return parseFrame(line)
	}
}

func (d *Decoder) nextHeaderFramed() (*Message, error) {
	end := bytes.Index(d.buf, []byte(headerTerminator))
	if end < 0 {
		return nil, nil
	}
	header := d.buf[:end]
	bodyStart := end + len(headerTerminator)

	length, err := contentLength(header)
	if err != nil {
		frame := append([]byte(nil), header...)
		d.buf = d.buf[bodyStart:]
		return nil, &DecodeError{Frame: frame, Err: err}
	}
	if len(d.buf)-bodyStart < length {
		return nil, nil
	}
	body := d.buf[bodyStart : bodyStart+length]
	d.buf = d.buf[bodyStart+length:]
	return parseFrame(body)
}

func contentLength(header []byte) (int, error) {
	for _, line := range strings.Split(string(header), "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid Content-Length %q", strings.TrimSpace(value))
		}
		return n, nil
	}
	return 0, errors.New("missing Content-Length header")
}

func parseFrame(frame []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, &DecodeError{Frame: append([]byte(nil), frame...), Err: err}
	}
	if msg.Method == "" && msg.ID == nil && msg.Result == nil && msg.Error == nil {
		return nil, &DecodeError{Frame: append([]byte(nil), frame...), Err: errors.New("not a JSON-RPC message")}
	}
	return &msg, nil
}

func trimLeadingBreaks(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == '\r' || b[i] == '\n') {
		i++
	}
	if i == len(b) {
		return b[:0]
	}
	return b[i:]
}

func hasHeaderStart(b []byte) bool {
	for _, name := range headerNames {
		if len(b) >= len(name) && strings.EqualFold(string(b[:len(name)]), name) {
			return true
		}
	}
	return false
}

// isPartialHeaderName reports whether b could still grow into a header name.
func isPartialHeaderName(b []byte) bool {
	for _, name := range headerNames {
		if len(b) < len(name) && strings.EqualFold(string(b), name[:len(b)]) {
			return true
		}
	}
	return false
}
