package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// StdioConfig configures a transport that runs the MCP server as a
// subprocess and talks newline-delimited JSON-RPC over its stdio.
type StdioConfig struct {
	Command string
	Args    []string
	// Env entries ("KEY=VALUE") are appended to the current environment.
	Env    []string
	Logger *slog.Logger
}

// StdioTransport owns one MCP subprocess. Stdio is strictly sequential,
// so a single-slot semaphore admits one exchange at a time; waiting for
// it honours the caller's context.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger
	sem    chan struct{}

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
}

// NewStdioTransport returns a transport that starts the subprocess on
// first use.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
		sem:    make(chan struct{}, 1),
	}
}

func (t *StdioTransport) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case t.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *StdioTransport) release() {
	<-t.sem
}

// start launches the subprocess unless it is already running. The
// process outlives individual calls. Caller must hold the semaphore.
func (t *StdioTransport) start() error {
	if t.cmd != nil && t.cmd.ProcessState == nil {
		return nil
	}

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("start %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.reader = bufio.NewReaderSize(stdout, 1<<20)
	go t.logStderr(stderr)

	t.logger.Info("mcp subprocess started", "command", t.config.Command, "pid", cmd.Process.Pid)
	return nil
}

func (t *StdioTransport) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("mcp subprocess stderr", "line", scanner.Text())
	}
}

type lineResult struct {
	line []byte
	err  error
}

// Send writes req and reads lines until the response with the same ID
// arrives. If ctx ends first the subprocess is killed, which unblocks
// the pending read; the next call starts a fresh process.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()

	if err := t.write(req); err != nil {
		return nil, err
	}

	for {
		ch := make(chan lineResult, 1)
		reader := t.reader
		go func() {
			line, err := reader.ReadBytes('\n')
			ch <- lineResult{line: line, err: err}
		}()

		select {
		case <-ctx.Done():
			t.kill()
			return nil, ctx.Err()
		case res := <-ch:
			if res.err != nil {
				t.kill()
				return nil, fmt.Errorf("read subprocess stdout: %w", res.err)
			}
			var resp Response
			if err := json.Unmarshal(res.line, &resp); err != nil {
				t.logger.Debug("skipping non-json line from mcp subprocess", "line", string(res.line))
				continue
			}
			if resp.ID == req.ID && (resp.Result != nil || resp.Error != nil) {
				return &resp, nil
			}
		}
	}
}

// Notify writes notif without waiting for a reply.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	return t.write(notif)
}

// Close stops the subprocess, waiting for any exchange in progress.
func (t *StdioTransport) Close() error {
	t.sem <- struct{}{}
	defer t.release()

	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}
	t.stdin.Close()

	done := make(chan error, 1)
	cmd := t.cmd
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.logger.Warn("mcp subprocess did not exit, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-done
	}
	t.cmd, t.stdin, t.reader = nil, nil, nil
	return err
}

func (t *StdioTransport) write(msg any) error {
	if err := t.start(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.kill()
		return fmt.Errorf("write subprocess stdin: %w", err)
	}
	return nil
}

// kill discards a broken subprocess. Caller must hold the semaphore.
func (t *StdioTransport) kill() {
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
		_ = t.cmd.Wait()
	}
	t.cmd, t.stdin, t.reader = nil, nil, nil
}
