// Package encoder drives the external ffmpeg binary: one-shot transcodes, a segmenting
// encoder fed through a named pipe, and lossless concatenation of its segments.
package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNoInput is returned by Write when the process has no attached input.
	ErrNoInput = errors.New("process has no input")
	// ErrWaitTimeout is returned when the process had to be interrupted or killed.
	ErrWaitTimeout = errors.New("encoder did not exit in time")
	// ErrUnavailable is returned when no encoder binary is configured or found.
	ErrUnavailable = errors.New("encoder binary not available")
	// ErrWriteTimeout is returned when the process stops draining its input.
	ErrWriteTimeout = errors.New("encoder input write timed out")
)

// interruptGrace is how long a process gets to exit after SIGINT before it is killed.
var interruptGrace = 5 * time.Second

const stderrTail = 4 << 10

// Process is a running encoder. Input, when attached, is written by the caller and closed
// to signal end of stream; Wait then bounds how long the process may take to finish.
type Process struct {
	cmd    *exec.Cmd
	log    *zap.Logger
	stderr *tailBuffer

	mu           sync.Mutex
	input        io.WriteCloser
	writeTimeout time.Duration

	done chan struct{}
	err  error
}

// Start launches bin with args.
func Start(bin string, args []string, log *zap.Logger) (*Process, error) {
	if log == nil {
		log = zap.NewNop()
	}
	stderr := &tailBuffer{max: stderrTail}
	cmd := exec.Command(bin, args...)
	cmd.Stdout = nil
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}
	p := &Process{cmd: cmd, log: log, stderr: stderr, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if err != nil {
			if tail := strings.TrimSpace(stderr.String()); tail != "" {
				err = fmt.Errorf("%w: %s", err, tail)
			}
		}
		p.err = err
		close(p.done)
	}()
	log.Debug("encoder started", zap.Int("pid", cmd.Process.Pid), zap.Strings("args", args))
	return p, nil
}

// Attach sets the stream Write and CloseInput operate on.
func (p *Process) Attach(w io.WriteCloser) {
	p.mu.Lock()
	p.input = w
	p.mu.Unlock()
}

// SetWriteTimeout bounds each Write when the input supports deadlines, as a pipe opened
// by OpenFIFOWriter does. Zero leaves writes unbounded.
func (p *Process) SetWriteTimeout(d time.Duration) {
	p.mu.Lock()
	p.writeTimeout = d
	p.mu.Unlock()
}

type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// Write forwards b to the attached input.
func (p *Process) Write(b []byte) (int, error) {
	p.mu.Lock()
	in, timeout := p.input, p.writeTimeout
	p.mu.Unlock()
	if in == nil {
		return 0, ErrNoInput
	}
	if dw, ok := in.(deadlineWriter); ok && timeout > 0 {
		if err := dw.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return 0, fmt.Errorf("set write deadline: %w", err)
		}
	}
	n, err := in.Write(b)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, fmt.Errorf("%w after %s: %w", ErrWriteTimeout, timeout, err)
	}
	return n, err
}

// CloseInput closes the attached input, signalling end of stream. It is idempotent.
func (p *Process) CloseInput() error {
	p.mu.Lock()
	in := p.input
	p.input = nil
	p.mu.Unlock()
	if in == nil {
		return nil
	}
	return in.Close()
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the process exits or ctx ends. On ctx end the process is interrupted,
// then killed if it is still running after a grace period, and ErrWaitTimeout is returned.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
	}
	p.terminate()
	return fmt.Errorf("%w: %v", ErrWaitTimeout, ctx.Err())
}

// Stop closes input and terminates the process without waiting for a clean finish.
func (p *Process) Stop() {
	_ = p.CloseInput()
	if p.Exited() {
		return
	}
	p.terminate()
}

func (p *Process) terminate() {
	_ = p.cmd.Process.Signal(os.Interrupt)
	select {
	case <-p.done:
		return
	case <-time.After(interruptGrace):
	}
	p.log.Warn("encoder ignored interrupt, killing", zap.Int("pid", p.cmd.Process.Pid))
	_ = p.cmd.Process.Kill()
	<-p.done
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(b)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
