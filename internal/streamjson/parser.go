// Package streamjson incrementally parses line-delimited JSON, the
// "stream-json" output format produced by agent CLIs. Input arrives as
// arbitrary chunks that need not align with line boundaries; each complete
// non-blank line is decoded and delivered to a callback in arrival order.
package streamjson

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DefaultMaxLineBytes bounds how much of a single line the parser will
// buffer while waiting for a newline. Large assistant messages with
// embedded file contents stay well under this.
const DefaultMaxLineBytes = 16 * 1024 * 1024

// Message is one successfully decoded line. The payload is kept as raw
// JSON; the parser has no opinion about message shape.
type Message struct {
	Raw json.RawMessage
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Raw, v)
}

// Type returns the top-level "type" field of the message, or "" if the
// message is not an object or carries no type.
func (m Message) Type() string {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(m.Raw, &envelope); err != nil {
		return ""
	}
	return envelope.Type
}

// ParseError reports a line that could not be decoded as JSON. It carries
// the raw line text so the caller can log or persist it for diagnostics.
type ParseError struct {
	Raw    string // original line text (possibly truncated if oversized)
	Reason string // human-readable decode failure
}

func (e ParseError) Error() string {
	return fmt.Sprintf("streamjson: parse line: %s", e.Reason)
}

// MessageHandler is called for each decoded message, in input order,
// synchronously from Feed or End.
type MessageHandler func(msg Message)

// ErrorHandler is called for each line that fails to decode. One bad line
// never stops the stream; the next line is processed normally.
type ErrorHandler func(perr ParseError)

// Option configures a Parser.
type Option func(*Parser)

// WithMaxLineBytes overrides the buffered-line bound. A line exceeding the
// bound is reported as a ParseError carrying a truncated prefix, and the
// rest of that line is discarded up to its newline.
func WithMaxLineBytes(n int) Option {
	return func(p *Parser) { p.maxLine = n }
}

// Parser splits a byte stream into newline-delimited records and decodes
// each one as JSON. It is synchronous and owns no goroutines: every
// complete line available after a Feed call is delivered before Feed
// returns. A Parser is not safe for concurrent use.
type Parser struct {
	onMessage MessageHandler
	onError   ErrorHandler

	buf        []byte // unprocessed suffix of the input
	maxLine    int
	discarding bool // oversized line: drop bytes until the next newline
	done       bool
}

// New creates a Parser delivering events to the given handlers. Either
// handler may be nil, in which case its events are dropped.
func New(onMessage MessageHandler, onError ErrorHandler, opts ...Option) *Parser {
	p := &Parser{
		onMessage: onMessage,
		onError:   onError,
		maxLine:   DefaultMaxLineBytes,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Feed appends chunk to the internal buffer and emits one event per
// complete line now available. A trailing partial line stays buffered for
// the next Feed. Calling Feed after End is a no-op.
func (p *Parser) Feed(chunk []byte) {
	if p.done || len(chunk) == 0 {
		return
	}

	p.buf = append(p.buf, chunk...)

	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		line := p.buf[:i]
		p.buf = p.buf[i+1:]

		if p.discarding {
			// Tail of an oversized line; its error was already reported.
			p.discarding = false
			continue
		}
		p.emit(line)
	}

	if !p.discarding && len(p.buf) > p.maxLine {
		p.reportOversized(p.buf[:p.maxLine])
		p.buf = nil
		p.discarding = true
	}

	// Release the consumed prefix so the backing array does not grow
	// without bound across Feed calls.
	if len(p.buf) == 0 {
		p.buf = nil
	} else {
		p.buf = append([]byte(nil), p.buf...)
	}
}

// End flushes a final unterminated line, if any, and makes the parser
// terminal. Subsequent Feed and End calls emit nothing.
func (p *Parser) End() {
	if p.done {
		return
	}
	p.done = true

	if !p.discarding && len(p.buf) > 0 {
		p.emit(p.buf)
	}
	p.buf = nil
	p.discarding = false
}

// Buffered reports how many bytes of a partial line are currently held.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

func (p *Parser) emit(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	if len(line) > p.maxLine {
		p.reportOversized(line[:p.maxLine])
		return
	}

	// Unmarshal into a RawMessage: this validates the JSON and copies the
	// bytes out of the reusable buffer in one step.
	var raw json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		if p.onError != nil {
			p.onError(ParseError{Raw: string(line), Reason: err.Error()})
		}
		return
	}

	if p.onMessage != nil {
		p.onMessage(Message{Raw: raw})
	}
}

func (p *Parser) reportOversized(prefix []byte) {
	if p.onError == nil {
		return
	}
	p.onError(ParseError{
		Raw:    string(prefix),
		Reason: fmt.Sprintf("line exceeds %d bytes", p.maxLine),
	})
}
