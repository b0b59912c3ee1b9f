package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamdock/streamdock/internal/streamjson"
	"github.com/streamdock/streamdock/internal/util/testutil"
)

// TestHelperProcess acts as a mock agent CLI: it reads stdin lines and
// echoes them back to stdout verbatim.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			break
		}
		_, _ = os.Stdout.Write(buf[:n])
	}
	os.Exit(0)
}

// TestHelperProcessMixedOutput emits a valid init line, a malformed line,
// and a final valid line without a trailing newline, then exits.
func TestHelperProcessMixedOutput(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS_MIXED") != "1" {
		return
	}

	fmt.Println(`{"type":"system","subtype":"init","session_id":"cli-sess-1"}`)
	fmt.Println(`this is not json`)
	fmt.Print(`{"type":"result","ok":true}`) // no trailing newline
	os.Exit(0)
}

// startHelper returns a startFunc that spawns the given test helper
// process instead of the real agent binary.
func startHelper(helper, env string) startFunc {
	return func(ctx context.Context, opts Options, onMessage streamjson.MessageHandler, onParseError streamjson.ErrorHandler) (*Agent, error) {
		ctx, cancel := context.WithCancel(ctx)

		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run="+helper, "--")
		cmd.Env = append(os.Environ(), env+"=1")
		cmd.Dir = opts.WorkingDir

		stdin, err := cmd.StdinPipe()
		if err != nil {
			cancel()
			return nil, err
		}

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			cancel()
			return nil, err
		}

		var stderrBuf bytes.Buffer
		cmd.Stderr = &stderrBuf

		a := &Agent{
			sessionID:   opts.SessionID,
			model:       opts.Model,
			workingDir:  opts.WorkingDir,
			cmd:         cmd,
			stdin:       stdin,
			cancel:      cancel,
			stderrBuf:   &stderrBuf,
			processDone: make(chan struct{}),
		}

		if err := cmd.Start(); err != nil {
			cancel()
			return nil, err
		}

		parser := streamjson.New(onMessage, onParseError)
		go a.pumpOutput(stdout, parser)

		return a, nil
	}
}

// mockStart spawns the echo helper and fails the test on error.
func mockStart(t *testing.T, helper, env string, opts Options, onMessage streamjson.MessageHandler, onParseError streamjson.ErrorHandler) *Agent {
	t.Helper()
	a, err := startHelper(helper, env)(context.Background(), opts, onMessage, onParseError)
	require.NoError(t, err, "mockStart")
	return a
}

func TestAgent_EchoRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var messages []string

	a := mockStart(t, "TestHelperProcess", "GO_WANT_HELPER_PROCESS", Options{
		SessionID:  "sess-echo",
		Model:      "test",
		WorkingDir: t.TempDir(),
	}, func(msg streamjson.Message) {
		mu.Lock()
		messages = append(messages, string(msg.Raw))
		mu.Unlock()
	}, nil)

	require.NoError(t, a.SendInput("hello world"))

	// The helper echoes the stream-json input envelope back; it must come
	// through as one decoded message.
	testutil.AssertEventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(messages) == 1
	}, "expected the echoed envelope as one message event")

	mu.Lock()
	assert.Contains(t, messages[0], "hello world")
	mu.Unlock()

	a.Stop()
	_ = a.Wait()

	// Double-stop is safe.
	a.Stop()
}

func TestAgent_ParseErrorDoesNotStopStream(t *testing.T) {
	var mu sync.Mutex
	var messages []string
	var parseErrors []streamjson.ParseError

	a := mockStart(t, "TestHelperProcessMixedOutput", "GO_WANT_HELPER_PROCESS_MIXED", Options{
		SessionID:  "sess-mixed",
		Model:      "test",
		WorkingDir: t.TempDir(),
	}, func(msg streamjson.Message) {
		mu.Lock()
		messages = append(messages, msg.Type())
		mu.Unlock()
	}, func(perr streamjson.ParseError) {
		mu.Lock()
		parseErrors = append(parseErrors, perr)
		mu.Unlock()
	})

	require.NoError(t, a.Wait())

	mu.Lock()
	defer mu.Unlock()

	// The trailing line without a newline is flushed at process EOF.
	require.Equal(t, []string{"system", "result"}, messages)
	require.Len(t, parseErrors, 1)
	assert.Equal(t, "this is not json", parseErrors[0].Raw)
}

func TestAgent_SendInputAfterStop(t *testing.T) {
	a := mockStart(t, "TestHelperProcess", "GO_WANT_HELPER_PROCESS", Options{
		SessionID:  "sess-stopped",
		Model:      "test",
		WorkingDir: t.TempDir(),
	}, nil, nil)

	a.Stop()
	_ = a.Wait()

	assert.Error(t, a.SendInput("should fail"), "expected error sending input after stop")
}

func TestAgent_SessionID(t *testing.T) {
	a := mockStart(t, "TestHelperProcess", "GO_WANT_HELPER_PROCESS", Options{
		SessionID:  "my-session",
		Model:      "test",
		WorkingDir: t.TempDir(),
	}, nil, nil)
	defer func() {
		a.Stop()
		_ = a.Wait()
	}()

	assert.Equal(t, "my-session", a.SessionID())
}

func TestOptions_CommandDefault(t *testing.T) {
	assert.Equal(t, DefaultCommand, Options{}.command())
	assert.Equal(t, "mock-agent", Options{Command: "mock-agent"}.command())
}

func TestFilterEnv(t *testing.T) {
	environ := []string{"PATH=/bin", "CLAUDECODE=1", "claudecode=x", "HOME=/root"}
	got := filterEnv(environ, "CLAUDECODE")
	assert.Equal(t, []string{"PATH=/bin", "HOME=/root"}, got)
}
