// Package session drives an interactive child process over a pseudo-terminal.
//
// A Session owns exactly one process and its PTY master. Output is read by a
// single background goroutine into an in-memory buffer; Expect consumes that
// buffer in order, so every call only sees bytes that arrived after the
// previous match. Operations are sequential: one Expect at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/creack/pty"
	"go.opentelemetry.io/otel/attribute"

	"github.com/memfault/yocto-e2e/internal/logging"
	"github.com/memfault/yocto-e2e/internal/tracing"
)

const (
	// DefaultTimeout bounds Expect calls that do not pass their own timeout.
	DefaultTimeout = 30 * time.Second
	// DefaultStartupWindow is how long Spawn watches for an immediate exit.
	DefaultStartupWindow = 100 * time.Millisecond
	// DefaultTerminationGracePeriod is the SIGTERM grace window before SIGKILL.
	DefaultTerminationGracePeriod = 5 * time.Second

	defaultForcedExitWait = 2 * time.Second
	readChunkSize         = 4096
	defaultRows           = 50
	defaultCols           = 250
)

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
	// ErrExpectInFlight is returned when a second Expect races an outstanding one.
	ErrExpectInFlight = errors.New("expect already in flight")
)

// Options configures Spawn.
type Options struct {
	// Timeout is the default Expect timeout.
	Timeout time.Duration
	// StartupWindow is the window in which an exiting child counts as a spawn failure.
	StartupWindow time.Duration
	// GracePeriod is how long Close waits after SIGTERM before SIGKILL.
	GracePeriod time.Duration
	Dir         string
	Env         []string
	// Logfile receives a copy of everything the child writes.
	Logfile io.Writer
	Logger  *log.Logger
}

// Session is one spawned process attached to a pseudo-terminal.
type Session struct {
	cmd         *exec.Cmd
	pty         *os.File
	command     string
	timeout     time.Duration
	gracePeriod time.Duration
	logfile     io.Writer
	logger      *log.Logger

	mu      sync.Mutex
	buf     []byte
	eof     bool
	readErr error
	closed  bool
	tap     io.Writer
	notify  chan struct{}

	expecting atomic.Bool
	exited    chan struct{}
	waitErr   error

	closeOnce sync.Once
	closeErr  error
}

// Spawn starts name with args on a new pseudo-terminal.
//
// It fails with *SpawnError when the executable cannot be found or started,
// or when the process exits within the startup window.
func Spawn(ctx context.Context, name string, args []string, opts Options) (*Session, error) {
	command := tracing.FormatCommand(name, args)
	ctx, span := tracing.Start(ctx, "session.spawn", attribute.String("command", command))

	s, err := spawn(ctx, name, args, command, opts)
	if s != nil {
		span.SetAttributes(attribute.Int("pid", s.PID()))
	}
	tracing.End(span, err)
	return s, err
}

func spawn(ctx context.Context, name string, args []string, command string, opts Options) (*Session, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}

	ptm, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: defaultRows, Cols: defaultCols})
	if err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}

	s := &Session{
		cmd:         cmd,
		pty:         ptm,
		command:     command,
		timeout:     positiveOr(opts.Timeout, DefaultTimeout),
		gracePeriod: positiveOr(opts.GracePeriod, DefaultTerminationGracePeriod),
		logfile:     opts.Logfile,
		logger:      logging.OrDiscard(opts.Logger),
		notify:      make(chan struct{}),
		exited:      make(chan struct{}),
	}
	go s.readLoop()
	go s.waitLoop()

	s.logger.With("command", command, "pid", s.PID()).Info("spawned session")

	startup := time.NewTimer(positiveOr(opts.StartupWindow, DefaultStartupWindow))
	defer startup.Stop()
	select {
	case <-s.exited:
		_ = s.Close()
		return nil, &SpawnError{Command: command, Err: exitReason(s.waitErr), Output: s.Buffered()}
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	case <-startup.C:
	}

	return s, nil
}

// PID returns the child's process id.
func (s *Session) PID() int {
	if s == nil || s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Send writes text to the child's input unchanged.
func (s *Session) Send(text string) error {
	if s == nil {
		return errors.New("session is nil")
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if _, err := io.WriteString(s.pty, text); err != nil {
		return fmt.Errorf("write to console: %w", err)
	}
	return nil
}

// SendLine writes text followed by a newline.
func (s *Session) SendLine(text string) error {
	return s.Send(text + "\n")
}

// Buffered returns the output received but not yet consumed by Expect.
func (s *Session) Buffered() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.buf)
}

// Done is closed once the child process has exited and been reaped.
func (s *Session) Done() <-chan struct{} {
	return s.exited
}

// Close terminates the child and reaps it. It is safe to call more than once.
//
// The PTY is closed first (hangup), then SIGTERM goes to the child's process
// group; SIGKILL follows if the group outlives the grace period.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closeErr = s.terminate()
	})
	return s.closeErr
}

func (s *Session) terminate() error {
	s.mu.Lock()
	s.closed = true
	s.signalLocked()
	s.mu.Unlock()

	var errs []error
	if err := s.pty.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		errs = append(errs, fmt.Errorf("close pty: %w", err))
	}

	pid := s.PID()
	if !s.hasExited() {
		if err := signalGroup(pid, syscall.SIGTERM); err != nil {
			errs = append(errs, fmt.Errorf("send SIGTERM to pid %d: %w", pid, err))
		}
		if !s.waitForExit(s.gracePeriod) {
			if err := signalGroup(pid, syscall.SIGKILL); err != nil {
				errs = append(errs, fmt.Errorf("send SIGKILL to pid %d: %w", pid, err))
			}
			if !s.waitForExit(defaultForcedExitWait) {
				errs = append(errs, fmt.Errorf("pid %d still alive after SIGKILL", pid))
			}
		}
	}
	// Reap whatever is left of the group (children of a fixture shell, for example).
	_ = signalGroup(pid, syscall.SIGKILL)

	s.logger.With("pid", pid, "command", s.command).Info("closed session")
	return errors.Join(errs...)
}

func (s *Session) hasExited() bool {
	select {
	case <-s.exited:
		return true
	default:
		return false
	}
}

func (s *Session) waitForExit(window time.Duration) bool {
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-s.exited:
		return true
	case <-timer.C:
		return false
	}
}

func (s *Session) waitLoop() {
	s.waitErr = s.cmd.Wait()
	close(s.exited)
}

func (s *Session) readLoop() {
	chunk := make([]byte, readChunkSize)
	for {
		n, err := s.pty.Read(chunk)
		if n > 0 {
			data := chunk[:n]
			if s.logfile != nil {
				_, _ = s.logfile.Write(data)
			}

			s.mu.Lock()
			tap := s.tap
			if tap == nil {
				s.buf = append(s.buf, data...)
				s.signalLocked()
			}
			s.mu.Unlock()

			if tap != nil {
				_, _ = tap.Write(data)
			}
		}
		if err != nil {
			s.mu.Lock()
			s.eof = true
			if !isStreamEnd(err) {
				s.readErr = err
			}
			s.signalLocked()
			s.mu.Unlock()
			return
		}
	}
}

// signalLocked wakes every waiter blocked on the current notify channel.
func (s *Session) signalLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// isStreamEnd reports whether err only means the child side hung up.
// Linux returns EIO from the PTY master once the slave is closed.
func isStreamEnd(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)
}

func signalGroup(pid int, signal syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, signal)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, signal)
	}
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func exitReason(waitErr error) error {
	if waitErr == nil {
		return errors.New("process exited immediately with status 0")
	}
	return fmt.Errorf("process exited immediately: %w", waitErr)
}

func positiveOr(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
