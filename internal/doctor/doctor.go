// Package doctor checks that the host can boot the configured image and
// reach the Memfault project before a test run spends minutes finding out.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/memfault/yocto-e2e/internal/config"
	"github.com/memfault/yocto-e2e/internal/logging"
	"github.com/memfault/yocto-e2e/internal/memfault"
	"github.com/memfault/yocto-e2e/internal/qemu"
	"github.com/memfault/yocto-e2e/internal/tracing"
)

// LookupSerial is looked up to prove the token can read the project.
// It is not expected to exist.
const LookupSerial = "mfe2e-doctor-check"

const defaultAPITimeout = 15 * time.Second

// Status is the outcome of one check.
type Status string

const (
	StatusOK   Status = "ok"
	StatusFail Status = "fail"
	StatusSkip Status = "skip"
)

// Result is one named check.
type Result struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report collects the results of one Run.
type Report struct {
	Results []Result  `json:"results"`
	Checked time.Time `json:"checked"`
}

// Failed reports whether any check failed.
func (r Report) Failed() bool {
	for _, result := range r.Results {
		if result.Status == StatusFail {
			return true
		}
	}
	return false
}

// DeviceReader reads a device record; memfault.Client satisfies it.
type DeviceReader interface {
	GetDevice(ctx context.Context, serial string) (*memfault.Device, error)
}

// Scope selects which groups of checks run.
type Scope struct {
	Build  bool
	Remote bool
}

// Manager runs the checks for one configuration.
type Manager struct {
	cfg        *config.Config
	reader     DeviceReader
	logger     *log.Logger
	apiTimeout time.Duration
	stat       func(string) (os.FileInfo, error)
	now        func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger results are written to.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		m.logger = logging.OrDiscard(logger)
	}
}

// WithDeviceReader sets the client used for the API check. Without one the
// check is skipped.
func WithDeviceReader(reader DeviceReader) Option {
	return func(m *Manager) {
		m.reader = reader
	}
}

// WithAPITimeout bounds the API check.
func WithAPITimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.apiTimeout = timeout
		}
	}
}

// NewManager builds a Manager for cfg.
func NewManager(cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	m := &Manager{
		cfg:        cfg,
		logger:     logging.Discard(),
		apiTimeout: defaultAPITimeout,
		stat:       os.Stat,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Run executes the checks in scope. Checks that depend on a failed one are
// skipped rather than reported twice.
func (m *Manager) Run(ctx context.Context, scope Scope) (report Report) {
	ctx, span := tracing.Start(ctx, "doctor.run",
		attribute.Bool("build", scope.Build),
		attribute.Bool("remote", scope.Remote),
	)
	defer func() {
		var err error
		if report.Failed() {
			err = errors.New("doctor checks failed")
		}
		tracing.End(span, err)
	}()

	report.Checked = m.now().UTC()
	add := func(result Result) {
		report.Results = append(report.Results, result)
		logFn := m.logger.Info
		if result.Status == StatusFail {
			logFn = m.logger.Warn
		}
		logFn("doctor check", "check", result.Name, "status", result.Status, "detail", result.Detail)
	}

	add(check("config", m.cfg.Validate()))
	if scope.Build {
		for _, result := range m.buildChecks() {
			add(result)
		}
	}
	if scope.Remote {
		credentials := check("memfault_credentials", m.cfg.Memfault.Validate())
		add(credentials)
		add(m.checkAPI(ctx, credentials.Status == StatusOK))
	}
	return report
}

func (m *Manager) buildChecks() []Result {
	results := []Result{check("build_dir", m.requireDir(m.cfg.BuildDir, "BUILDDIR"))}
	buildOK := results[0].Status == StatusOK

	machine, err := qemu.LookupMachine(m.cfg.Machine)
	results = append(results, check("machine", err))
	if !buildOK {
		return append(results,
			skipped("emulator", "build_dir"),
			skipped("image", "build_dir"),
			skipped("bios", "build_dir"),
		)
	}

	if err != nil {
		results = append(results, skipped("emulator", "machine"))
	} else {
		results = append(results, m.fileCheck("emulator", qemu.Executable(m.cfg, machine), true))
	}
	results = append(results,
		m.fileCheck("image", qemu.ImagePath(m.cfg, m.cfg.Image), false),
		m.fileCheck("bios", filepath.Join(qemu.DeployDir(m.cfg), "u-boot.bin"), false),
	)
	return results
}

func (m *Manager) requireDir(path, name string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%s is not set", name)
	}
	info, err := m.stat(path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", name, path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s %s is not a directory", name, path)
	}
	return nil
}

func (m *Manager) fileCheck(name, path string, executable bool) Result {
	info, err := m.stat(path)
	switch {
	case err != nil:
		return Result{Name: name, Status: StatusFail, Detail: err.Error()}
	case info.IsDir():
		return Result{Name: name, Status: StatusFail, Detail: path + " is a directory"}
	case executable && info.Mode().Perm()&0o111 == 0:
		return Result{Name: name, Status: StatusFail, Detail: path + " is not executable"}
	}
	return Result{Name: name, Status: StatusOK, Detail: path}
}

// checkAPI treats a 404 for the lookup serial as success: the request was
// authenticated and routed to the project.
func (m *Manager) checkAPI(ctx context.Context, credentialsOK bool) Result {
	const name = "memfault_api"
	if !credentialsOK {
		return skipped(name, "memfault_credentials")
	}
	if m.reader == nil {
		return Result{Name: name, Status: StatusSkip, Detail: "no client configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, m.apiTimeout)
	defer cancel()
	_, err := m.reader.GetDevice(ctx, LookupSerial)
	switch {
	case err == nil, memfault.IsStatus(err, http.StatusNotFound):
		return Result{Name: name, Status: StatusOK, Detail: m.cfg.Memfault.BaseURL}
	case memfault.IsStatus(err, http.StatusUnauthorized), memfault.IsStatus(err, http.StatusForbidden):
		return Result{Name: name, Status: StatusFail, Detail: "organization token rejected"}
	}
	return Result{Name: name, Status: StatusFail, Detail: err.Error()}
}

func check(name string, err error) Result {
	if err != nil {
		return Result{Name: name, Status: StatusFail, Detail: err.Error()}
	}
	return Result{Name: name, Status: StatusOK}
}

func skipped(name, dependency string) Result {
	return Result{Name: name, Status: StatusSkip, Detail: dependency + " check failed"}
}
