package streamjson

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records events in arrival order.
type collector struct {
	messages []string
	errors   []ParseError
	order    []string // "msg" or "err", interleaved
}

func (c *collector) parser(opts ...Option) *Parser {
	return New(
		func(msg Message) {
			c.messages = append(c.messages, string(msg.Raw))
			c.order = append(c.order, "msg")
		},
		func(perr ParseError) {
			c.errors = append(c.errors, perr)
			c.order = append(c.order, "err")
		},
		opts...,
	)
}

func TestParser_TwoMessages(t *testing.T) {
	var c collector
	p := c.parser()

	p.Feed([]byte(`{"a":1}` + "\n" + `{"b":2}` + "\n"))
	p.End()

	require.Len(t, c.messages, 2)
	assert.JSONEq(t, `{"a":1}`, c.messages[0])
	assert.JSONEq(t, `{"b":2}`, c.messages[1])
	assert.Empty(t, c.errors)
}

func TestParser_InvalidLineDoesNotAbortStream(t *testing.T) {
	var c collector
	p := c.parser()

	p.Feed([]byte("not-json\n{\"a\":1}\n"))

	require.Len(t, c.errors, 1)
	assert.Equal(t, "not-json", c.errors[0].Raw)
	assert.NotEmpty(t, c.errors[0].Reason)

	require.Len(t, c.messages, 1)
	assert.JSONEq(t, `{"a":1}`, c.messages[0])

	// The error arrived before the message.
	assert.Equal(t, []string{"err", "msg"}, c.order)
}

func TestParser_BlankLinesYieldNoEvent(t *testing.T) {
	var c collector
	p := c.parser()

	p.Feed([]byte("\n   \n\t\n{\"ok\":true}\n\r\n"))
	p.End()

	require.Len(t, c.messages, 1)
	assert.Empty(t, c.errors)
}

func TestParser_LineSplitAcrossFeeds(t *testing.T) {
	var c collector
	p := c.parser()

	p.Feed([]byte(`{"hel`))
	assert.Empty(t, c.messages, "no event before the newline arrives")

	p.Feed([]byte(`lo":"world"}` + "\n"))

	require.Len(t, c.messages, 1)
	assert.JSONEq(t, `{"hello":"world"}`, c.messages[0])
}

// TestParser_SplitInvariance feeds the same input in different chunkings
// and requires identical event sequences.
func TestParser_SplitInvariance(t *testing.T) {
	input := `{"n":1}` + "\n" + `{"n":2}` + "\n" + "garbage\n" + `{"n":3}` + "\n"

	feed := func(t *testing.T, chunks [][]byte) (msgs []string, errs int) {
		t.Helper()
		var c collector
		p := c.parser()
		for _, chunk := range chunks {
			p.Feed(chunk)
		}
		p.End()
		return c.messages, len(c.errors)
	}

	wantMsgs, wantErrs := feed(t, [][]byte{[]byte(input)})
	require.Len(t, wantMsgs, 3)
	require.Equal(t, 1, wantErrs)

	t.Run("byte at a time", func(t *testing.T) {
		var chunks [][]byte
		for i := range input {
			chunks = append(chunks, []byte{input[i]})
		}
		msgs, errs := feed(t, chunks)
		assert.Equal(t, wantMsgs, msgs)
		assert.Equal(t, wantErrs, errs)
	})

	t.Run("uneven splits", func(t *testing.T) {
		for size := 2; size <= 13; size++ {
			var chunks [][]byte
			for i := 0; i < len(input); i += size {
				end := min(i+size, len(input))
				chunks = append(chunks, []byte(input[i:end]))
			}
			msgs, errs := feed(t, chunks)
			assert.Equal(t, wantMsgs, msgs, "chunk size %d", size)
			assert.Equal(t, wantErrs, errs, "chunk size %d", size)
		}
	})
}

func TestParser_EndFlushesTrailingLine(t *testing.T) {
	t.Run("valid trailing json", func(t *testing.T) {
		var c collector
		p := c.parser()
		p.Feed([]byte(`{"last":true}`)) // no trailing newline
		assert.Empty(t, c.messages)

		p.End()
		require.Len(t, c.messages, 1)
		assert.JSONEq(t, `{"last":true}`, c.messages[0])
	})

	t.Run("invalid trailing line", func(t *testing.T) {
		var c collector
		p := c.parser()
		p.Feed([]byte("dangling"))
		p.End()
		require.Len(t, c.errors, 1)
		assert.Equal(t, "dangling", c.errors[0].Raw)
	})

	t.Run("empty buffer", func(t *testing.T) {
		var c collector
		p := c.parser()
		p.Feed([]byte(`{"a":1}` + "\n"))
		p.End()
		assert.Len(t, c.messages, 1, "End on an empty buffer adds nothing")
	})

	t.Run("whitespace-only buffer", func(t *testing.T) {
		var c collector
		p := c.parser()
		p.Feed([]byte("   "))
		p.End()
		assert.Empty(t, c.messages)
		assert.Empty(t, c.errors)
	})
}

func TestParser_TerminalAfterEnd(t *testing.T) {
	var c collector
	p := c.parser()

	p.End()
	p.Feed([]byte(`{"late":true}` + "\n"))
	p.End()

	assert.Empty(t, c.messages)
	assert.Empty(t, c.errors)
}

func TestParser_CRLF(t *testing.T) {
	var c collector
	p := c.parser()

	p.Feed([]byte(`{"a":1}` + "\r\n" + `{"b":2}` + "\r\n"))

	require.Len(t, c.messages, 2)
	assert.Empty(t, c.errors)
}

func TestParser_OversizedLine(t *testing.T) {
	var c collector
	p := c.parser(WithMaxLineBytes(32))

	// Stream a line that never fits in the bound, then a valid one.
	long := `{"pad":"` + strings.Repeat("x", 100) + `"}`
	p.Feed([]byte(long[:50]))
	require.Len(t, c.errors, 1, "oversized line reported as soon as the bound is exceeded")
	assert.Contains(t, c.errors[0].Reason, "exceeds")
	assert.Len(t, c.errors[0].Raw, 32, "raw text truncated to the bound")

	p.Feed([]byte(long[50:] + "\n" + `{"ok":1}` + "\n"))

	require.Len(t, c.messages, 1, "stream resumes after the oversized line")
	assert.JSONEq(t, `{"ok":1}`, c.messages[0])
	assert.Len(t, c.errors, 1, "the oversized line is reported exactly once")
}

func TestParser_OversizedCompleteLineInOneFeed(t *testing.T) {
	var c collector
	p := c.parser(WithMaxLineBytes(16))

	long := `{"pad":"` + strings.Repeat("y", 40) + `"}`
	p.Feed([]byte(long + "\n" + `{"ok":1}` + "\n"))

	require.Len(t, c.errors, 1)
	require.Len(t, c.messages, 1)
	assert.JSONEq(t, `{"ok":1}`, c.messages[0])
}

func TestParser_NilHandlers(t *testing.T) {
	p := New(nil, nil)
	// Must not panic.
	p.Feed([]byte("junk\n{\"a\":1}\n"))
	p.End()
}

func TestParser_Buffered(t *testing.T) {
	p := New(nil, nil)
	p.Feed([]byte(`{"par`))
	assert.Equal(t, 5, p.Buffered())

	p.Feed([]byte("t\":1}\n"))
	assert.Equal(t, 0, p.Buffered())
}

func TestMessage_Decode(t *testing.T) {
	var got struct {
		Type string `json:"type"`
		N    int    `json:"n"`
	}
	p := New(func(msg Message) {
		require.NoError(t, msg.Decode(&got))
		assert.Equal(t, "result", msg.Type())
	}, nil)

	p.Feed([]byte(`{"type":"result","n":7}` + "\n"))

	assert.Equal(t, "result", got.Type)
	assert.Equal(t, 7, got.N)
}

func TestMessage_TypeOnNonObject(t *testing.T) {
	msg := Message{Raw: json.RawMessage(`[1,2,3]`)}
	assert.Equal(t, "", msg.Type())
}

func TestParseError_Error(t *testing.T) {
	err := ParseError{Raw: "junk", Reason: "invalid character 'j'"}
	assert.Contains(t, err.Error(), "invalid character")
}

func BenchmarkParser_Feed(b *testing.B) {
	line := []byte(`{"type":"assistant","message":{"role":"assistant","content":"hello world"}}` + "\n")
	p := New(func(Message) {}, func(ParseError) {})

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		p.Feed(line)
	}
}

func ExampleParser() {
	p := New(
		func(msg Message) { fmt.Printf("message: %s\n", msg.Raw) },
		func(perr ParseError) { fmt.Printf("parse error: %s\n", perr.Raw) },
	)
	p.Feed([]byte("not-json\n{\"a\":1}\n"))
	p.End()
	// Output:
	// parse error: not-json
	// message: {"a":1}
}
