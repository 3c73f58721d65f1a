// Package shell runs commands on a device's serial console and waits for
// systemd units and journald messages through it.
package shell

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/memfault/yocto-e2e/internal/logging"
	"github.com/memfault/yocto-e2e/internal/session"
	"github.com/memfault/yocto-e2e/internal/tracing"
)

const (
	// DefaultPrompt is the root shell prompt marker.
	DefaultPrompt = "#"
	// DefaultLoginPrompt is the getty login marker.
	DefaultLoginPrompt = " login:"
	// DefaultUser is the account Login authenticates as.
	DefaultUser = "root"
	// DefaultStatePollInterval is the pause between systemctl queries.
	DefaultStatePollInterval = 100 * time.Millisecond
	// DefaultSettleTimeout is how long a resync waits for a newer prompt
	// after the one it matched.
	DefaultSettleTimeout = 150 * time.Millisecond

	maxDrainedPrompts = 8
)

// Console is the part of a session the executor drives.
type Console interface {
	Expect(ctx context.Context, timeout time.Duration, patterns ...session.Pattern) (session.Match, error)
	SendLine(text string) error
}

var _ Console = (*session.Session)(nil)

// Options configures an Executor.
type Options struct {
	// Prompt is the shell prompt marker.
	Prompt string
	// LoginPrompt is the marker Login waits for.
	LoginPrompt string
	// Timeout bounds each console expect; zero uses the console default.
	Timeout time.Duration
	// LoginTimeout bounds the wait for the login prompt, which follows a
	// boot. Zero uses Timeout.
	LoginTimeout time.Duration
	// StatePollInterval is the pause between WaitForServiceState queries.
	StatePollInterval time.Duration
	// SettleTimeout bounds the wait for a newer prompt during resync.
	SettleTimeout time.Duration
	Logger        *log.Logger
}

// Executor issues shell commands over a Console.
//
// Exec keeps the console stream aligned with the command it sent: it sends an
// empty line and waits for the prompt that answers it, then sends the command
// and waits for its echo. The command's output is left for the caller to
// Expect. Background output (a journal follower, kernel messages) may land
// anywhere between prompts.
//
// When the previous command's prompt was never consumed, the first prompt
// the resync matches may be that stale one. The resync then keeps consuming
// prompts until none arrives within the settle timeout, so the command is
// always sent after the newest prompt.
type Executor struct {
	console       Console
	prompt        session.Pattern
	loginPrompt   string
	timeout       time.Duration
	loginTimeout  time.Duration
	pollInterval  time.Duration
	settleTimeout time.Duration
	logger        *log.Logger

	// promptConsumed is set when an executor call has already matched the
	// trailing prompt, so the next resync has no stale prompt to skip.
	promptConsumed bool
}

var newline = session.Literal("\n")

// New constructs an Executor bound to console.
func New(console Console, opts Options) (*Executor, error) {
	if console == nil {
		return nil, errors.New("console is required")
	}
	prompt := opts.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}
	loginPrompt := opts.LoginPrompt
	if loginPrompt == "" {
		loginPrompt = DefaultLoginPrompt
	}
	loginTimeout := opts.LoginTimeout
	if loginTimeout <= 0 {
		loginTimeout = opts.Timeout
	}
	pollInterval := opts.StatePollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultStatePollInterval
	}
	settleTimeout := opts.SettleTimeout
	if settleTimeout <= 0 {
		settleTimeout = DefaultSettleTimeout
	}

	return &Executor{
		console:       console,
		prompt:        session.Literal(prompt),
		loginPrompt:   loginPrompt,
		timeout:       opts.Timeout,
		loginTimeout:  loginTimeout,
		pollInterval:  pollInterval,
		settleTimeout: settleTimeout,
		logger:        logging.OrDiscard(opts.Logger),
	}, nil
}

// Exec sends cmd to the shell after resynchronizing on a fresh prompt.
// It does not wait for the command to finish or collect its output.
func (e *Executor) Exec(ctx context.Context, cmd string) error {
	if e == nil {
		return errors.New("executor is nil")
	}
	redacted := tracing.RedactCommand(cmd)
	ctx, span := tracing.Start(ctx, "shell.exec", attribute.String("command", redacted))
	err := e.exec(ctx, cmd, redacted)
	tracing.End(span, err)
	return err
}

func (e *Executor) exec(ctx context.Context, cmd, redacted string) error {
	if err := e.resync(ctx); err != nil {
		return fmt.Errorf("exec %q: %w", redacted, err)
	}

	if err := e.console.SendLine(cmd); err != nil {
		return fmt.Errorf("exec %q: send command: %w", redacted, err)
	}
	if _, err := e.console.Expect(ctx, e.timeout, newline); err != nil {
		return fmt.Errorf("exec %q: wait for echo: %w", redacted, err)
	}

	e.logger.With("command", redacted).Debug("executed console command")
	return nil
}

// resync sends an empty line and consumes prompts up to the one answering it.
func (e *Executor) resync(ctx context.Context) error {
	if err := e.console.SendLine(""); err != nil {
		return fmt.Errorf("send resync line: %w", err)
	}
	if _, err := e.console.Expect(ctx, e.timeout, e.prompt); err != nil {
		return fmt.Errorf("wait for prompt: %w", err)
	}
	stale := !e.promptConsumed
	e.promptConsumed = false
	if !stale {
		return nil
	}

	for drained := 0; drained < maxDrainedPrompts; drained++ {
		_, err := e.console.Expect(ctx, e.settleTimeout, e.prompt)
		var timeoutErr *session.ExpectTimeoutError
		switch {
		case err == nil:
			continue
		case errors.As(err, &timeoutErr) && !timeoutErr.EOF:
			return nil
		default:
			return fmt.Errorf("wait for newer prompt: %w", err)
		}
	}
	return nil
}

// ExpectPrompt waits for the next prompt marker, consuming it.
func (e *Executor) ExpectPrompt(ctx context.Context, timeout time.Duration) error {
	if e == nil {
		return errors.New("executor is nil")
	}
	if timeout <= 0 {
		timeout = e.timeout
	}
	if _, err := e.console.Expect(ctx, timeout, e.prompt); err != nil {
		return fmt.Errorf("wait for prompt: %w", err)
	}
	e.promptConsumed = true
	return nil
}

// Output runs cmd and returns what it printed before the next prompt, with
// line endings normalized to "\n". The prompt line itself is dropped.
func (e *Executor) Output(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	if e == nil {
		return "", errors.New("executor is nil")
	}
	if err := e.Exec(ctx, cmd); err != nil {
		return "", err
	}
	if timeout <= 0 {
		timeout = e.timeout
	}
	match, err := e.console.Expect(ctx, timeout, e.prompt)
	if err != nil {
		return "", fmt.Errorf("output of %q: wait for prompt: %w", tracing.RedactCommand(cmd), err)
	}
	e.promptConsumed = true

	output := strings.ReplaceAll(match.Before, "\r\n", "\n")
	if idx := strings.LastIndex(output, "\n"); idx >= 0 {
		return output[:idx+1], nil
	}
	return "", nil
}

// Login waits for the login prompt, authenticates as user and disables
// pagers so journalctl and systemctl never block on a terminal pager.
func (e *Executor) Login(ctx context.Context, user string) error {
	if e == nil {
		return errors.New("executor is nil")
	}
	if strings.TrimSpace(user) == "" {
		user = DefaultUser
	}

	ctx, span := tracing.Start(ctx, "shell.login", attribute.String("user", user))
	err := e.login(ctx, user)
	tracing.End(span, err)
	return err
}

func (e *Executor) login(ctx context.Context, user string) error {
	if _, err := e.console.Expect(ctx, e.loginTimeout, session.Literal(e.loginPrompt)); err != nil {
		return fmt.Errorf("wait for login prompt: %w", err)
	}
	if err := e.console.SendLine(user); err != nil {
		return fmt.Errorf("send user name: %w", err)
	}
	e.promptConsumed = false

	for _, cmd := range []string{"export PAGER=cat", "export SYSTEMD_PAGER=cat"} {
		if err := e.Exec(ctx, cmd); err != nil {
			return fmt.Errorf("disable pager: %w", err)
		}
	}

	e.logger.With("user", user).Info("logged in to console")
	return nil
}
