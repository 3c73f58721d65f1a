package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	runID    string
	deviceID string
	machine  string
	dir      string
	console  io.Writer
	level    log.Level
}

// WithRunID configures the run_id field used in emitted log records.
func WithRunID(runID string) Option {
	return func(opts *newOptions) {
		opts.runID = strings.TrimSpace(runID)
	}
}

// WithDeviceID configures the device_id field used in emitted log records.
func WithDeviceID(deviceID string) Option {
	return func(opts *newOptions) {
		opts.deviceID = strings.TrimSpace(deviceID)
	}
}

// WithMachine configures the machine field used in emitted log records.
func WithMachine(machine string) Option {
	return func(opts *newOptions) {
		opts.machine = strings.TrimSpace(machine)
	}
}

// WithDir overrides the log directory (default ~/.mfe2e/logs).
func WithDir(dir string) Option {
	return func(opts *newOptions) {
		opts.dir = strings.TrimSpace(dir)
	}
}

// WithConsole mirrors every record to w in addition to the log file.
func WithConsole(w io.Writer) Option {
	return func(opts *newOptions) {
		opts.console = w
	}
}

// WithDebug lowers the level to debug.
func WithDebug(enabled bool) Option {
	return func(opts *newOptions) {
		if enabled {
			opts.level = log.DebugLevel
		}
	}
}

// RuntimeLogger writes structured JSON logs to disk.
type RuntimeLogger struct {
	Logger     *log.Logger
	file       *os.File
	path       string
	baseLogger *log.Logger
	runID      string
	deviceID   string
	machine    string
}

// New initializes the run log under ~/.mfe2e/logs.
func New(ctx context.Context, options ...Option) (*RuntimeLogger, error) {
	resolved := resolveOptions(options)

	logDir := resolved.dir
	if logDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		logDir = filepath.Join(homeDir, ".mfe2e", "logs")
	}
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	timestamp := time.Now().UTC().Format("20060102-150405")
	fileName := fmt.Sprintf("mfe2e-%s.log", timestamp)
	if resolved.runID != "" {
		fileName = fmt.Sprintf("mfe2e-%s-%s.log", timestamp, resolved.runID)
	}
	filePath := filepath.Join(logDir, fileName)
	// #nosec G304 -- filePath is constructed from trusted local paths.
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	var out io.Writer = file
	if resolved.console != nil {
		out = io.MultiWriter(file, resolved.console)
	}
	logger := log.NewWithOptions(out, log.Options{
		Level:           resolved.level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	logger.SetFormatter(log.JSONFormatter)

	runtimeLogger := &RuntimeLogger{
		file:       file,
		path:       filePath,
		baseLogger: logger,
		runID:      resolved.runID,
		deviceID:   resolved.deviceID,
		machine:    resolved.machine,
	}
	runtimeLogger.rebuildLogger()
	runtimeLogger.Logger.With("log_file", filePath).Info("logger initialized")

	_ = ctx
	return runtimeLogger, nil
}

// WithRunID updates the run_id field for subsequent log records.
func (r *RuntimeLogger) WithRunID(runID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.runID = strings.TrimSpace(runID)
	r.rebuildLogger()
	return r
}

// WithDeviceID updates the device_id field for subsequent log records.
func (r *RuntimeLogger) WithDeviceID(deviceID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.deviceID = strings.TrimSpace(deviceID)
	r.rebuildLogger()
	return r
}

// WithMachine updates the machine field for subsequent log records.
func (r *RuntimeLogger) WithMachine(machine string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.machine = strings.TrimSpace(machine)
	r.rebuildLogger()
	return r
}

// Close flushes and closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the current log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

func (r *RuntimeLogger) rebuildLogger() {
	if r == nil || r.baseLogger == nil {
		return
	}
	r.Logger = r.baseLogger.With(
		"run_id", r.runID,
		"device_id", r.deviceID,
		"machine", r.machine,
	)
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{level: log.InfoLevel}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	return resolved
}

// Discard returns a logger that drops every record.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}

// OrDiscard returns logger, or a discarding logger when it is nil.
func OrDiscard(logger *log.Logger) *log.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}
