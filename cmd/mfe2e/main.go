package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/memfault/yocto-e2e/internal/config"
	"github.com/memfault/yocto-e2e/internal/logging"
	"github.com/memfault/yocto-e2e/internal/qemu"
	"github.com/memfault/yocto-e2e/internal/telemetry"
	"github.com/memfault/yocto-e2e/internal/tracing"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a := newApp(cfg)
	defer a.close()

	cmd := newRootCommand(a)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

type globalFlags struct {
	verbose bool
	debug   bool
	trace   bool
	console bool
	runID   string
}

// app carries what every command shares: the resolved config, the run log
// and the telemetry shutdown hook.
type app struct {
	cfg    *config.Config
	flags  globalFlags
	stdin  io.Reader
	logger *log.Logger

	runtime           *logging.RuntimeLogger
	consoleLog        *os.File
	shutdownTelemetry func()

	// deviceID is read after boot; empty when the image cannot report it.
	deviceID string

	// bootCommand replaces the emulator command line when set.
	bootCommand []string
	bootEnv     []string
}

func newApp(cfg *config.Config) *app {
	return &app{
		cfg:    cfg,
		stdin:  os.Stdin,
		logger: logging.Discard(),
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "mfe2e",
		Short:         "Boot Yocto images under QEMU and check what memfaultd reports",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	flags := root.PersistentFlags()
	flags.BoolVarP(&a.flags.verbose, "verbose", "v", false, "mirror the run log to stderr")
	flags.BoolVar(&a.flags.debug, "debug", false, "log at debug level")
	flags.BoolVar(&a.flags.trace, "trace", false, "export spans even without OTEL_EXPORTER_OTLP_ENDPOINT")
	flags.BoolVar(&a.flags.console, "console", false, "mirror raw console output to stderr")
	flags.StringVar(&a.flags.runID, "run-id", "", "correlation id for logs and spans (default: random)")
	flags.StringVar(&a.cfg.BuildDir, "build-dir", a.cfg.BuildDir, "Yocto build directory (BUILDDIR)")
	flags.StringVar(&a.cfg.Machine, "machine", a.cfg.Machine, "Yocto MACHINE ("+strings.Join(qemu.Machines(), ", ")+")")
	flags.StringVar(&a.cfg.LogDir, "log-dir", a.cfg.LogDir, "directory for run logs (default: ~/.mfe2e/logs)")
	flags.DurationVar(&a.cfg.CommandTimeout, "command-timeout", a.cfg.CommandTimeout, "bound on each console expect")
	flags.DurationVar(&a.cfg.BootTimeout, "boot-timeout", a.cfg.BootTimeout, "bound on reaching the login prompt")

	root.AddCommand(
		newBootCommand(a),
		newShellCommand(a),
		newExecCommand(a),
		newWaitServiceCommand(a),
		newQemuCommandCommand(a),
		newRemoteCommand(a),
		newFakeServerCommand(a),
		newBugreportCommand(a),
		newDoctorCommand(a),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if a.cfg == nil {
			return errors.New("config is required")
		}
		if err := a.cfg.Validate(); err != nil {
			return err
		}
		if err := a.start(cmd); err != nil {
			return err
		}
		a.logger.With("command", cmd.CommandPath(), "args", tracing.RedactArgs(os.Args[1:])).Debug("command invocation")
		return nil
	}
	return root
}

// start opens the run log and, when asked for, the span exporter.
func (a *app) start(cmd *cobra.Command) error {
	if a.runtime != nil {
		return nil
	}
	if a.flags.runID == "" {
		a.flags.runID = uuid.NewString()[:8]
	}

	options := []logging.Option{
		logging.WithRunID(a.flags.runID),
		logging.WithMachine(a.cfg.Machine),
		logging.WithDir(a.cfg.LogDir),
		logging.WithDebug(a.flags.debug),
	}
	if a.flags.verbose {
		options = append(options, logging.WithConsole(cmd.ErrOrStderr()))
	}
	runtime, err := logging.New(cmd.Context(), options...)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	a.runtime = runtime
	a.logger = runtime.Logger

	if a.flags.trace || telemetry.Enabled() {
		shutdown, err := telemetry.Init(cmd.Context(), telemetry.Options{
			Endpoint: a.cfg.OTLPEndpoint,
			Fallback: cmd.ErrOrStderr(),
			Attributes: []attribute.KeyValue{
				attribute.String("run_id", a.flags.runID),
				attribute.String("machine", a.cfg.Machine),
			},
		})
		if err != nil {
			a.logger.With("error", err).Warn("telemetry disabled")
		} else {
			a.shutdownTelemetry = shutdown
		}
	}
	return nil
}

func (a *app) close() {
	if a.shutdownTelemetry != nil {
		a.shutdownTelemetry()
		a.shutdownTelemetry = nil
	}
	if a.consoleLog != nil {
		_ = a.consoleLog.Close()
		a.consoleLog = nil
	}
	if a.runtime != nil {
		if err := a.runtime.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", err)
		}
		a.runtime = nil
	}
}

// bootDevice boots the configured image and records the device id in the
// run log. Raw console output goes to a console-*.log next to the run log.
func (a *app) bootDevice(cmd *cobra.Command) (*qemu.Device, error) {
	ctx := cmd.Context()
	consoleOut, err := a.openConsoleLog(cmd)
	if err != nil {
		return nil, err
	}

	device, err := qemu.Boot(ctx, a.cfg, "", qemu.Options{
		Command: a.bootCommand,
		Env:     a.bootEnv,
		Logfile: consoleOut,
		Logger:  a.logger,
	})
	if err != nil {
		return nil, err
	}

	if a.runtime != nil {
		if id, idErr := device.DeviceID(ctx); idErr == nil {
			a.deviceID = id
			a.runtime = a.runtime.WithDeviceID(id)
			a.logger = a.runtime.Logger
		} else {
			a.logger.With("error", idErr).Warn("device id unavailable")
		}
	}
	return device, nil
}

func (a *app) openConsoleLog(cmd *cobra.Command) (io.Writer, error) {
	dir := filepath.Dir(a.runtimePath())
	name := fmt.Sprintf("console-%s-%s.log", time.Now().UTC().Format("20060102-150405"), a.flags.runID)
	// #nosec G304 -- the console log lives beside the run log.
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open console log: %w", err)
	}
	a.consoleLog = file
	if a.flags.console {
		return io.MultiWriter(file, cmd.ErrOrStderr()), nil
	}
	return file, nil
}

func (a *app) runtimePath() string {
	if a.runtime != nil {
		return a.runtime.Path()
	}
	return filepath.Join(os.TempDir(), "mfe2e.log")
}
