// Package sse implements a stateful, push-style Server-Sent Events decoder.
//
// The caller feeds arbitrary byte chunks via Feed; the decoder emits zero or
// more raw SSE events per chunk. The decoder is correct across chunk
// boundaries: a line, or an escaped \r\n terminator, may be split across any
// number of Feed calls.
//
// No example in the reference corpus implements a byte-level SSE frame
// parser of this shape — every provider SDK in the pack delegates streaming
// entirely to a higher-level client library that hides the raw bytes. This
// package is therefore authored directly against the framing rules rather
// than adapted from an existing implementation; see DESIGN.md.
package sse

import (
	"errors"
	"log/slog"
	"strings"
)

// ErrOverflow is returned by Feed when a single pending event exceeds
// MaxEventBytes before a blank line terminates it.
var ErrOverflow = errors.New("sse: pending event exceeds buffer cap")

// DefaultMaxEventBytes is the default per-event buffer cap (1 MiB).
const DefaultMaxEventBytes = 1 << 20

// RawEvent is one decoded SSE event block.
type RawEvent struct {
	Name string
	Data string
}

// Decoder is a single-use, stateful SSE decoder. It is not safe for
// concurrent use and cannot be restarted once it has returned an error;
// construct a new Decoder per stream.
type Decoder struct {
	buf           []byte
	eventName     string
	dataLines     []string
	pendingBytes  int
	maxEventBytes int
	logger        *slog.Logger
	failed        bool
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithMaxEventBytes overrides the per-event buffer cap.
func WithMaxEventBytes(n int) Option {
	return func(d *Decoder) { d.maxEventBytes = n }
}

// WithLogger overrides the logger used for malformed-line diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(d *Decoder) { d.logger = l }
}

// NewDecoder constructs a Decoder ready to accept chunks via Feed.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		maxEventBytes: DefaultMaxEventBytes,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed accepts the next chunk of bytes and returns any complete raw events
// it produced. Bytes that do not yet complete a line remain buffered for the
// next call. Once Feed returns an error the Decoder must not be reused.
func (d *Decoder) Feed(chunk []byte) ([]RawEvent, error) {
	if d.failed {
		return nil, errors.New("sse: decoder already failed")
	}
	d.buf = append(d.buf, chunk...)

	var events []RawEvent
	for {
		line, rest, ok := splitLine(d.buf)
		if !ok {
			break
		}
		d.buf = rest
		ev, err := d.processLine(line)
		if err != nil {
			d.failed = true
			return events, err
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}
	return events, nil
}

// End flushes any pending partial line and any pending non-empty event.
// Call it once after the final Feed to drain a stream that did not end on a
// trailing blank line.
func (d *Decoder) End() (*RawEvent, error) {
	if d.failed {
		return nil, errors.New("sse: decoder already failed")
	}
	if len(d.buf) > 0 {
		line := d.buf
		d.buf = nil
		if ev, err := d.processLine(line); err != nil {
			d.failed = true
			return nil, err
		} else if ev != nil {
			return ev, nil
		}
	}
	return d.flush(), nil
}

// processLine applies the event-framing rules in §4.1 to a single line
// (without its terminator) and returns a RawEvent if the line was a blank
// line that terminated a non-empty block.
func (d *Decoder) processLine(line []byte) (*RawEvent, error) {
	d.pendingBytes += len(line) + 1
	if d.pendingBytes > d.maxEventBytes {
		return nil, ErrOverflow
	}

	if len(line) == 0 {
		return d.flush(), nil
	}

	if line[0] == ':' {
		return nil, nil // comment line, ignored
	}

	field, value, ok := splitField(line)
	if !ok {
		d.logger.Warn("sse: malformed line, skipping", "line", string(line))
		return nil, nil
	}

	switch field {
	case "event":
		d.eventName = value
	case "data":
		d.dataLines = append(d.dataLines, value)
	default:
		// id, retry, and any other field are recognized-but-unused by this
		// engine's event vocabulary; ignored per §4.1.
	}
	return nil, nil
}

// flush emits the accumulated block as a RawEvent and resets decoder state,
// or returns nil if the block was empty (a blank line with nothing pending).
func (d *Decoder) flush() *RawEvent {
	hadContent := d.eventName != "" || d.dataLines != nil
	var ev *RawEvent
	if hadContent {
		ev = &RawEvent{Name: d.eventName, Data: strings.Join(d.dataLines, "\n")}
	}
	d.eventName = ""
	d.dataLines = nil
	d.pendingBytes = 0
	return ev
}

// splitLine extracts the next complete line from b, treating \n, \r\n, and
// bare \r as interchangeable terminators. It returns ok=false if b does not
// yet contain a complete, unambiguous line — in particular, a trailing lone
// \r is held back because the next chunk might supply the \n that makes it
// \r\n rather than two separate terminators.
func splitLine(b []byte) (line, rest []byte, ok bool) {
	for i := 0; i < len(b); i++ {
		switch b[i] {
		case '\n':
			return b[:i], b[i+1:], true
		case '\r':
			if i+1 < len(b) {
				if b[i+1] == '\n' {
					return b[:i], b[i+2:], true
				}
				return b[:i], b[i+1:], true
			}
			return nil, nil, false
		}
	}
	return nil, nil, false
}

// splitField splits a "field: value" line, stripping a single leading space
// from the value per §4.1.
func splitField(line []byte) (field, value string, ok bool) {
	idx := -1
	for i, c := range line {
		if c == ':' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", "", false
	}
	field = string(line[:idx])
	rest := line[idx+1:]
	if len(rest) > 0 && rest[0] == ' ' {
		rest = rest[1:]
	}
	value = string(rest)
	return field, value, true
}
