// Package executor drives the external tools that perform each pipeline
// stage (aria2c, ffmpeg, rclone) as cancellable subprocesses. The tools'
// output is streamed line by line to the caller; the executors themselves
// stay opaque to the rest of the system behind the Executor interface.
package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"media-pipeline/internal/domain"
)

// Request carries one stage invocation for a job.
type Request struct {
	Job domain.Job
	// Checkpoint, when non-nil, asks the executor to resume rather than
	// restart.
	Checkpoint *domain.Checkpoint
	// OnProgress receives normalized samples in emission order.
	OnProgress func(domain.Progress)
	// OnCheckpoint receives resumable-state candidates as the executor
	// learns them; the caller decides when to persist.
	OnCheckpoint func(domain.Checkpoint)
}

// Result is the terminal output of a successful stage run.
type Result struct {
	OutputPath string
}

// Executor runs one stage's external tool for a job.
type Executor interface {
	Stage() domain.Stage
	Run(ctx context.Context, req Request) (Result, error)
}

// Error is a stage-aware executor failure with optional exit context.
type Error struct {
	Stage    domain.Stage
	Message  string
	ExitCode int
	Err      error
}

// Error formats executor failures for logs and job records.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.ExitCode == 0 {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s (exit=%d)", e.Stage, e.Message, e.ExitCode)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// lineRunner abstracts process execution with line streaming for
// testability. onLine receives every output line in emission order.
type lineRunner interface {
	Run(ctx context.Context, grace time.Duration, name string, args []string, onLine func(string)) (int, error)
}

// interruptSignal asks a tool to stop cooperatively before WaitDelay
// escalates to a kill.
var interruptSignal = os.Interrupt

// execLineRunner executes commands via os/exec. Cancellation sends the
// process an interrupt-style kill through the context; WaitDelay bounds how
// long the tool may linger before it is force-terminated.
type execLineRunner struct{}

func (r *execLineRunner) Run(ctx context.Context, grace time.Duration, name string, args []string, onLine func(string)) (int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if grace > 0 {
		cmd.Cancel = func() error {
			return cmd.Process.Signal(interruptSignal)
		}
		cmd.WaitDelay = grace
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return -1, err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		scanner.Split(scanToolLines)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" && onLine != nil {
				onLine(line)
			}
		}
	}()

	err := cmd.Wait()
	pw.Close()
	wg.Wait()
	pr.Close()

	exitCode := 0
	if err != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return exitCode, err
	}
	return exitCode, nil
}

// scanToolLines splits on \n or \r. ffmpeg emits its stats lines with a
// bare carriage return, so a newline-only scanner would never surface them.
func scanToolLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, dropCR(data[:i]), nil
	}
	if atEOF {
		return len(data), dropCR(data), nil
	}
	return 0, nil, nil
}

func dropCR(data []byte) []byte {
	if len(data) > 0 && data[len(data)-1] == '\r' {
		return data[:len(data)-1]
	}
	return data
}

func emitProgress(cb func(domain.Progress), prog *domain.Progress) {
	if cb != nil && prog != nil {
		cb(*prog)
	}
}

func emitCheckpoint(cb func(domain.Checkpoint), ckpt domain.Checkpoint) {
	if cb != nil {
		cb(ckpt)
	}
}
