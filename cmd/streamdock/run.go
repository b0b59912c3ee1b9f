package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/streamdock/streamdock/internal/agent"
	"github.com/streamdock/streamdock/internal/id"
	"github.com/streamdock/streamdock/internal/logging"
	"github.com/streamdock/streamdock/internal/statestore"
	"github.com/streamdock/streamdock/internal/streamjson"
)

// runState is the snapshot maintained while a one-shot session runs.
type runState struct {
	Messages    int
	ParseErrors int
	LastType    string
}

// logDiagnostics traces statestore activity to the debug log.
type logDiagnostics struct{}

func (logDiagnostics) StateChanged(generation uint64, value any) {
	slog.Debug("run: state changed", "generation", generation, "state", value)
}

func (logDiagnostics) LoadAttempt(attempt int, err error) {
	slog.Debug("run: state load", "attempt", attempt, "error", err)
}

// runOneShot spawns an agent for a single prompt and prints every
// parsed event to the console. Useful for debugging an agent CLI
// installation without the server.
func runOneShot(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	command := fs.String("command", agent.DefaultCommand, "agent CLI binary")
	model := fs.String("model", "sonnet", "model name")
	workingDir := fs.String("dir", "", "working directory for the agent")
	timeout := fs.Duration("timeout", 10*time.Minute, "abort if the agent has not finished by then")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(args)

	if *debug {
		logging.SetLevel(slog.LevelDebug)
	}

	prompt := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if prompt == "" {
		return fmt.Errorf("usage: streamdock run [flags] <prompt>")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var opts []statestore.Option[runState]
	if *debug {
		opts = append(opts, statestore.WithDiagnostics[runState](logDiagnostics{}))
	}
	state := statestore.New[runState](opts...)
	state.Set(runState{})

	done := make(chan struct{})
	var finishOnce sync.Once
	a, err := agent.Start(ctx, agent.Options{
		SessionID:  id.Generate(),
		Command:    *command,
		Model:      *model,
		WorkingDir: *workingDir,
	}, func(msg streamjson.Message) {
		cur, _ := state.Get()
		cur.Messages++
		cur.LastType = msg.Type()
		state.Set(cur)

		printEvent(msg.Raw)
		if cur.LastType == string(agent.MessageTypeResult) {
			finishOnce.Do(func() { close(done) })
		}
	}, func(perr streamjson.ParseError) {
		cur, _ := state.Get()
		cur.ParseErrors++
		state.Set(cur)

		fmt.Fprintf(os.Stderr, "parse error: %s (line: %q)\n", perr.Reason, perr.Raw)
	})
	if err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	if err := a.SendInput(prompt); err != nil {
		a.Stop()
		return fmt.Errorf("send prompt: %w", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		a.Stop()
		return fmt.Errorf("agent did not finish: %w", ctx.Err())
	}

	a.Stop()
	if err := a.Wait(); err != nil {
		fmt.Fprintln(os.Stderr, a.Stderr())
		return fmt.Errorf("agent exited: %w", err)
	}

	final, _ := state.Get()
	fmt.Fprintf(os.Stderr, "done: %d messages, %d parse errors\n", final.Messages, final.ParseErrors)
	return nil
}

// printEvent pretty-prints one stream-json message to stdout.
func printEvent(raw json.RawMessage) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(buf.String())
}
