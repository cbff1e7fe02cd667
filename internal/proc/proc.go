// Package proc owns one spawned agent subprocess and provides three
// independent, cancellable I/O channels over its stdin/stdout/stderr pipes.
package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrStdinClosed is returned by WriteLine after the stdin channel has been
// closed by teardown.
var ErrStdinClosed = errors.New("proc: stdin channel closed")

// stdinBuffer is the capacity of the bounded channel feeding the writer
// goroutine. Prompts are small and infrequent; 32 is generous.
const stdinBuffer = 32

// Spec describes a subprocess to spawn.
type Spec struct {
	Command    string
	Args       []string
	WorkDir    string
	Env        map[string]string
	ConfigPath string // per-agent temp config file, removed at teardown
}

// Handle owns a running subprocess. All I/O goes through dedicated
// goroutines so that callers never block on pipe operations.
type Handle struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	writeCh    chan string
	writeMu    sync.Mutex
	writeDone  chan struct{}
	closed     bool
	configPath string

	readerCtx    context.Context
	readerCancel context.CancelFunc

	waitOnce sync.Once
	waitErr  error
}

// Spawn launches the command with piped stdin/stdout/stderr. It fails when
// the executable cannot be found or the working directory is invalid.
// The process runs in its own process group so that teardown can kill the
// entire tree; agent CLIs spawn children that would otherwise hold pipes
// open and hang the parent.
func Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	if spec.WorkDir != "" {
		info, err := os.Stat(spec.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("proc: working dir %s: %w", spec.WorkDir, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("proc: working dir %s is not a directory", spec.WorkDir)
		}
	}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.WaitDelay = 5 * time.Second
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}

	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("proc: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("proc: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("proc: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("proc: spawn %s: %w", spec.Command, err)
	}

	readerCtx, readerCancel := context.WithCancel(context.Background())
	h := &Handle{
		cmd:          cmd,
		stdout:       stdout,
		stderr:       stderr,
		writeCh:      make(chan string, stdinBuffer),
		writeDone:    make(chan struct{}),
		configPath:   spec.ConfigPath,
		readerCtx:    readerCtx,
		readerCancel: readerCancel,
	}

	// Dedicated stdin writer. Exits silently when the channel is closed or
	// a write fails; this is what makes teardown safe to run concurrently
	// with in-flight prompts.
	go func() {
		defer close(h.writeDone)
		defer stdin.Close()
		for line := range h.writeCh {
			if _, err := io.WriteString(stdin, line+"\n"); err != nil {
				return
			}
		}
	}()

	return h, nil
}

// WriteLine queues one line for delivery to the subprocess stdin. It returns
// ErrStdinClosed once teardown has closed the channel. A full channel blocks
// until the writer drains it. The recover guard covers the race where
// teardown closes the channel between the flag check and the send.
func (h *Handle) WriteLine(text string) (err error) {
	defer func() {
		if recover() != nil {
			err = ErrStdinClosed
		}
	}()

	h.writeMu.Lock()
	closed := h.closed
	h.writeMu.Unlock()
	if closed {
		return ErrStdinClosed
	}

	select {
	case h.writeCh <- text:
		return nil
	case <-h.writeDone:
		return ErrStdinClosed
	}
}

// Stdout returns the subprocess stdout pipe. Consumed by exactly one reader.
func (h *Handle) Stdout() io.Reader { return h.stdout }

// Stderr returns the subprocess stderr pipe. Consumed by exactly one reader.
func (h *Handle) Stderr() io.Reader { return h.stderr }

// ReaderContext is cancelled at teardown so stream readers stop dispatching.
func (h *Handle) ReaderContext() context.Context { return h.readerCtx }

// PID returns the OS process id, or 0 if the process never started.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Wait reaps the subprocess. Safe to call from multiple goroutines; only the
// first call performs the wait.
func (h *Handle) Wait() error {
	h.waitOnce.Do(func() {
		h.waitErr = h.cmd.Wait()
	})
	return h.waitErr
}

// ExitCode interprets the Wait error as an exit code. Returns (0, nil) for a
// clean exit, (code, nil) for an ExitError, or (0, err) otherwise.
func (h *Handle) ExitCode() (int, error) {
	err := h.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}

// CloseStdin closes the stdin channel so the writer goroutine exits
// cooperatively. Idempotent.
func (h *Handle) CloseStdin() {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.writeCh)
}

// CancelReaders cancels the reader context without killing the process.
// Used by staged teardown so the session mapping can be removed between
// reader cancellation and the process kill.
func (h *Handle) CancelReaders() {
	h.readerCancel()
}

// Signal delivers sig to the whole process group. Used for SIGSTOP/SIGCONT
// suspension; the group kill in Teardown handles termination.
func (h *Handle) Signal(sig syscall.Signal) error {
	if h.cmd.Process == nil || h.cmd.Process.Pid <= 0 {
		return errors.New("proc: process not started")
	}
	return syscall.Kill(-h.cmd.Process.Pid, sig)
}

// Teardown shuts the subprocess down in a fixed order: close stdin so the
// writer exits, cancel the reader context, wait a short grace interval for
// in-flight reads to unwind, kill the process group, then remove the
// per-agent config file. The grace sleep is a cheap mitigation against a
// reader observing a half-closed pipe mid-teardown, not a synchronization
// primitive.
func (h *Handle) Teardown(grace time.Duration) {
	h.CloseStdin()
	h.readerCancel()

	if grace > 0 {
		time.Sleep(grace)
	}

	if h.cmd.Process != nil {
		_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
	}
	_ = h.Wait()

	if h.configPath != "" {
		_ = os.Remove(h.configPath)
	}
}
