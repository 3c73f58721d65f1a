package qemu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/memfault/yocto-e2e/internal/config"
	"github.com/memfault/yocto-e2e/internal/logging"
	"github.com/memfault/yocto-e2e/internal/session"
	"github.com/memfault/yocto-e2e/internal/shell"
	"github.com/memfault/yocto-e2e/internal/tracing"
)

// RebootBanner is the kernel's last console line before a restart.
const RebootBanner = "reboot: Restarting system"

var deviceIDPattern = regexp.MustCompile(`MEMFAULT_DEVICE_ID=([^\s]+)\r?\n`)

// Options configures Boot.
type Options struct {
	// User logs in on the console; empty means root.
	User string
	// Command replaces the emulator command line (executable first), e.g. to
	// boot a scripted console in tests.
	Command []string
	Env     []string
	// Logfile mirrors raw console output.
	Logfile io.Writer
	Logger  *log.Logger
}

// Device is a booted, logged-in virtual device.
type Device struct {
	session  *session.Session
	executor *shell.Executor
	cfg      config.Config
	user     string
	logger   *log.Logger
}

// Boot starts the emulator for imagePath and logs in on its console.
// An empty imagePath uses the configured image.
func Boot(ctx context.Context, cfg *config.Config, imagePath string, opts Options) (*Device, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	command := opts.Command
	if len(command) == 0 {
		built, err := BuildCommand(cfg, imagePath)
		if err != nil {
			return nil, err
		}
		command = built
	}

	ctx, span := tracing.Start(ctx, "qemu.boot", attribute.String("machine", cfg.Machine))
	device, err := boot(ctx, cfg, command, opts)
	tracing.End(span, err)
	return device, err
}

func boot(ctx context.Context, cfg *config.Config, command []string, opts Options) (*Device, error) {
	logger := logging.OrDiscard(opts.Logger)
	sess, err := session.Spawn(ctx, command[0], command[1:], session.Options{
		Timeout: cfg.CommandTimeout,
		Env:     opts.Env,
		Logfile: opts.Logfile,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("boot %s: %w", cfg.Machine, err)
	}

	executor, err := shell.New(sess, shell.Options{
		Timeout:      cfg.CommandTimeout,
		LoginTimeout: cfg.BootTimeout,
		Logger:       logger,
	})
	if err != nil {
		_ = sess.Close()
		return nil, err
	}

	device := &Device{
		session:  sess,
		executor: executor,
		cfg:      *cfg,
		user:     opts.User,
		logger:   logger,
	}
	if err := executor.Login(ctx, opts.User); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("boot %s: %w", cfg.Machine, err)
	}
	logger.With("machine", cfg.Machine, "pid", sess.PID()).Info("device booted")
	return device, nil
}

// Session exposes the console for raw expects and interactive use.
func (d *Device) Session() *session.Session {
	if d == nil {
		return nil
	}
	return d.session
}

// Exec runs cmd on the console; see shell.Executor.Exec.
func (d *Device) Exec(ctx context.Context, cmd string) error {
	if d == nil {
		return errors.New("device is nil")
	}
	return d.executor.Exec(ctx, cmd)
}

// Expect waits for one of literals in the console output. A zero timeout
// uses the configured command timeout.
func (d *Device) Expect(ctx context.Context, timeout time.Duration, literals ...string) (session.Match, error) {
	if d == nil {
		return session.Match{}, errors.New("device is nil")
	}
	return d.session.ExpectString(ctx, timeout, literals...)
}

// ExpectPattern is Expect with arbitrary patterns.
func (d *Device) ExpectPattern(ctx context.Context, timeout time.Duration, patterns ...session.Pattern) (session.Match, error) {
	if d == nil {
		return session.Match{}, errors.New("device is nil")
	}
	return d.session.Expect(ctx, timeout, patterns...)
}

// ExpectPrompt waits for the shell prompt after a command that finishes.
func (d *Device) ExpectPrompt(ctx context.Context, timeout time.Duration) error {
	if d == nil {
		return errors.New("device is nil")
	}
	return d.executor.ExpectPrompt(ctx, timeout)
}

// Run executes cmd and waits for the prompt that follows it.
func (d *Device) Run(ctx context.Context, cmd string) error {
	if err := d.Exec(ctx, cmd); err != nil {
		return err
	}
	return d.ExpectPrompt(ctx, 0)
}

// Output runs cmd and returns what it printed. A zero timeout uses the
// configured command timeout.
func (d *Device) Output(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	if d == nil {
		return "", errors.New("device is nil")
	}
	return d.executor.Output(ctx, cmd, timeout)
}

// WaitForServiceState polls systemd until service reports state, within
// the configured service-state timeout.
func (d *Device) WaitForServiceState(ctx context.Context, service string, state shell.ServiceState) error {
	if d == nil {
		return errors.New("device is nil")
	}
	return d.executor.WaitForServiceState(ctx, service, state, d.cfg.ServiceStateTimeout)
}

// WaitForMemfaultdStart waits for memfaultd's startup journal line.
func (d *Device) WaitForMemfaultdStart(ctx context.Context) error {
	if d == nil {
		return errors.New("device is nil")
	}
	return d.executor.WaitForMemfaultdStart(ctx, shell.DefaultJournaldTimeout)
}

// ExpectJournaldMessage waits for message in unit's journal.
func (d *Device) ExpectJournaldMessage(ctx context.Context, unit, message string, timeout time.Duration, lastLines int) error {
	if d == nil {
		return errors.New("device is nil")
	}
	return d.executor.ExpectJournaldMessage(ctx, unit, message, timeout, lastLines)
}

// Sync asks memfaultd to upload everything it has queued.
func (d *Device) Sync(ctx context.Context) error {
	return d.Run(ctx, "memfaultctl sync")
}

// DeviceID reads the device serial from memfault-device-info.
func (d *Device) DeviceID(ctx context.Context) (string, error) {
	out, err := d.Output(ctx, "memfault-device-info", 0)
	if err != nil {
		return "", fmt.Errorf("read device id: %w", err)
	}
	match := deviceIDPattern.FindStringSubmatch(out)
	if match == nil {
		return "", fmt.Errorf("read device id: no MEMFAULT_DEVICE_ID in %q", strings.TrimSpace(out))
	}
	return match[1], nil
}

// Reboot restarts the device from its shell and logs in again.
func (d *Device) Reboot(ctx context.Context) error {
	if err := d.Exec(ctx, "reboot"); err != nil {
		return err
	}
	return d.WaitForReboot(ctx)
}

// WaitForReboot waits for a restart triggered some other way (a crash, a
// reboot command with arguments) and logs in again.
func (d *Device) WaitForReboot(ctx context.Context) error {
	if d == nil {
		return errors.New("device is nil")
	}
	if _, err := d.session.ExpectString(ctx, 0, RebootBanner); err != nil {
		return fmt.Errorf("wait for reboot: %w", err)
	}
	if err := d.Login(ctx); err != nil {
		return fmt.Errorf("log in after reboot: %w", err)
	}
	d.logger.Info("device rebooted")
	return nil
}

// Login waits for the next login prompt and logs in. Use it directly when
// the device restarts without the reboot banner, as after a kernel panic.
func (d *Device) Login(ctx context.Context) error {
	if d == nil {
		return errors.New("device is nil")
	}
	return d.executor.Login(ctx, d.user)
}

// Close stops the emulator and reaps it.
func (d *Device) Close() error {
	if d == nil || d.session == nil {
		return nil
	}
	return d.session.Close()
}
