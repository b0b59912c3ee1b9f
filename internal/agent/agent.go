// Package agent spawns and supervises a single agent CLI process and
// adapts its stream-json stdout into parsed message events.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/streamdock/streamdock/internal/streamjson"
)

// DefaultCommand is the agent CLI binary spawned when Options.Command is empty.
const DefaultCommand = "claude"

// ExitHandler is called when an agent process exits. sessionID identifies
// the session, exitCode is the process exit code, and err is non-nil if
// the process exited with an error.
type ExitHandler func(sessionID string, exitCode int, err error)

// Agent manages one agent CLI process. Its stdout is consumed by a
// streamjson.Parser; decoded messages and per-line parse errors are
// delivered through the handlers given to Start, in output order.
type Agent struct {
	sessionID  string
	model      string
	workingDir string

	cmd         *exec.Cmd
	stdin       io.WriteCloser
	stderrBuf   *bytes.Buffer
	cancel      context.CancelFunc
	processDone chan struct{} // closed when the process exits
	waitErr     error         // set before processDone is closed

	mu      sync.Mutex
	stopped bool
}

// Options configures a new Agent.
type Options struct {
	SessionID       string
	Command         string // agent binary (default: "claude")
	Model           string
	WorkingDir      string
	ResumeSessionID string // if set, resumes a previous CLI session via --resume
	MaxLineBytes    int    // bound on a single output line (default: streamjson.DefaultMaxLineBytes)
}

func (o Options) command() string {
	if o.Command != "" {
		return o.Command
	}
	return DefaultCommand
}

// Start spawns the agent CLI and begins pumping its stdout through a
// stream-json parser. onMessage and onParseError are invoked from the
// reader goroutine; one malformed output line never stops the stream.
//
// With --input-format stream-json the process produces no output until it
// receives input on stdin, so Start returns as soon as the process is
// running.
func Start(ctx context.Context, opts Options, onMessage streamjson.MessageHandler, onParseError streamjson.ErrorHandler) (*Agent, error) {
	ctx, cancel := context.WithCancel(ctx)

	args := []string{
		"--model", opts.Model,
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}

	cmd := exec.CommandContext(ctx, opts.command(), args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = filterEnv(cmd.Environ(), "CLAUDECODE", "CLAUDE_CODE_ENTRYPOINT")

	// Send SIGTERM (instead of the default SIGKILL) when the context is
	// cancelled, giving the process a chance to persist its session state.
	// If it doesn't exit within WaitDelay, Go sends SIGKILL automatically.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	// Capture stderr for diagnostics. If the process crashes, we want to know why.
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
		return nil, fmt.Errorf("start %s: %w", opts.command(), err)
	}

	var parserOpts []streamjson.Option
	if opts.MaxLineBytes > 0 {
		parserOpts = append(parserOpts, streamjson.WithMaxLineBytes(opts.MaxLineBytes))
	}
	parser := streamjson.New(onMessage, onParseError, parserOpts...)

	go a.pumpOutput(stdout, parser)

	return a, nil
}

// SendInput writes a user message to the agent's stdin.
func (a *Agent) SendInput(content string) error {
	msg := UserInputMessage{
		Type: MessageTypeUser,
		Message: UserInputContent{
			Role:    "user",
			Content: content,
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	return a.SendRawInput(data)
}

// SendRawInput writes raw bytes directly to the agent's stdin, appending a
// trailing newline if missing.
func (a *Agent) SendRawInput(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return fmt.Errorf("agent is stopped")
	}

	if len(data) == 0 || data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}

	if _, err := a.stdin.Write(data); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Stop terminates the agent process gracefully. It closes stdin to signal
// EOF and gives the process a short grace period before cancelling the
// context (which sends SIGTERM, then SIGKILL after WaitDelay).
func (a *Agent) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()

	// stdin EOF is the shutdown signal for stream-json mode.
	_ = a.stdin.Close()

	select {
	case <-a.processDone:
		// Process exited cleanly after stdin EOF.
		return
	case <-time.After(3 * time.Second):
		a.cancel()
	}
}

// IsStopped returns true if the agent was intentionally stopped via Stop().
func (a *Agent) IsStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

// Wait blocks until the agent process exits and returns its exit error.
func (a *Agent) Wait() error {
	<-a.processDone
	return a.waitErr
}

// SessionID returns the session this agent belongs to.
func (a *Agent) SessionID() string {
	return a.sessionID
}

// Stderr returns the captured stderr output from the agent process.
func (a *Agent) Stderr() string {
	if a.stderrBuf == nil {
		return ""
	}
	return a.stderrBuf.String()
}

// pumpOutput forwards stdout chunks into the parser until EOF, then
// flushes the parser and reaps the process. The parser is only ever
// touched from this goroutine.
func (a *Agent) pumpOutput(stdout io.Reader, parser *streamjson.Parser) {
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			parser.Feed(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				slog.Warn("agent stdout read error",
					"session_id", a.sessionID,
					"error", err,
				)
			}
			break
		}
	}

	// Flush any unterminated trailing line before reporting exit.
	parser.End()

	// cmd.Wait must run after stdout is fully drained to avoid it closing
	// the pipe while the read loop is still using it.
	a.waitErr = a.cmd.Wait()
	close(a.processDone)
}

// filterEnv returns a copy of environ with entries matching any of the
// given key names removed. Keys are matched case-insensitively by the
// portion before the first '='.
func filterEnv(environ []string, keys ...string) []string {
	filtered := make([]string, 0, len(environ))
	for _, entry := range environ {
		name, _, _ := strings.Cut(entry, "=")
		skip := false
		for _, k := range keys {
			if strings.EqualFold(name, k) {
				skip = true
				break
			}
		}
		if !skip {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}
