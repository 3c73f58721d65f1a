package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"

	"github.com/memfault/yocto-e2e/internal/memfault"
)

const (
	defaultMachine             = "qemuarm64"
	defaultHardwareVersion     = "qemuarm64"
	defaultImage               = "ci-test-image.wic"
	defaultBaseURL             = "https://api.memfault.com"
	defaultBootTimeout         = 120 * time.Second
	defaultCommandTimeout      = 30 * time.Second
	defaultServiceStateTimeout = 10 * time.Second
	defaultPollTimeout         = 60 * time.Second
	defaultPollInterval        = time.Second
)

// Config stores run settings resolved from defaults, TOML files, and the environment.
type Config struct {
	BuildDir        string
	Machine         string
	HardwareVersion string
	// Image is the disk image filename inside the machine's deploy directory,
	// or an absolute path.
	Image               string
	BootTimeout         time.Duration
	CommandTimeout      time.Duration
	ServiceStateTimeout time.Duration
	PollTimeout         time.Duration
	PollInterval        time.Duration
	LogDir              string
	// OTLPEndpoint is the trace collector; empty defers to OTEL_EXPORTER_OTLP_ENDPOINT.
	OTLPEndpoint string
	Memfault     memfault.Config
}

type fileConfig struct {
	BuildDir            *string         `toml:"build_dir"`
	Machine             *string         `toml:"machine"`
	HardwareVersion     *string         `toml:"hardware_version"`
	Image               *string         `toml:"image"`
	BootTimeout         *string         `toml:"boot_timeout"`
	CommandTimeout      *string         `toml:"command_timeout"`
	ServiceStateTimeout *string         `toml:"service_state_timeout"`
	PollTimeout         *string         `toml:"poll_timeout"`
	PollInterval        *string         `toml:"poll_interval"`
	LogDir              *string         `toml:"log_dir"`
	OTLPEndpoint        *string         `toml:"otel_endpoint"`
	Memfault            *memfaultConfig `toml:"memfault"`
}

type memfaultConfig struct {
	BaseURL     *string `toml:"base_url"`
	OrgSlug     *string `toml:"organization_slug"`
	ProjectSlug *string `toml:"project_slug"`
	OrgToken    *string `toml:"org_token"`
}

// envConfig lists the variables CI sets; empty means unset.
type envConfig struct {
	BuildDir        string `envconfig:"BUILDDIR"`
	Machine         string `envconfig:"MACHINE"`
	HardwareVersion string `envconfig:"MEMFAULT_HARDWARE_VERSION"`
	BaseURL         string `envconfig:"MEMFAULT_E2E_API_BASE_URL"`
	OrgSlug         string `envconfig:"MEMFAULT_E2E_ORGANIZATION_SLUG"`
	ProjectSlug     string `envconfig:"MEMFAULT_E2E_PROJECT_SLUG"`
	OrgToken        string `envconfig:"MEMFAULT_E2E_ORG_TOKEN"`
	TimeoutSeconds  string `envconfig:"MEMFAULT_E2E_TIMEOUT_SECONDS"`
}

// Load reads ~/.mfe2e/config.toml, overlays a project-local .mfe2e/config.toml,
// then applies the environment.
func Load() (*Config, error) {
	cfg := Defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, ".mfe2e", "config.toml"),
		filepath.Join(workingDir, ".mfe2e", "config.toml"),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	if err := overlayFromEnv(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		Machine:             defaultMachine,
		HardwareVersion:     defaultHardwareVersion,
		Image:               defaultImage,
		BootTimeout:         defaultBootTimeout,
		CommandTimeout:      defaultCommandTimeout,
		ServiceStateTimeout: defaultServiceStateTimeout,
		PollTimeout:         defaultPollTimeout,
		PollInterval:        defaultPollInterval,
		Memfault:            memfault.Config{BaseURL: defaultBaseURL},
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("decode config file %q: unsupported key %s", path, undecoded[0])
	}

	applyStringOverrides(cfg, decoded)
	return applyDurationOverrides(cfg, decoded, path)
}

func applyStringOverrides(cfg *Config, decoded fileConfig) {
	setString(&cfg.BuildDir, decoded.BuildDir)
	setString(&cfg.Machine, decoded.Machine)
	setString(&cfg.HardwareVersion, decoded.HardwareVersion)
	setString(&cfg.Image, decoded.Image)
	setString(&cfg.LogDir, decoded.LogDir)
	setString(&cfg.OTLPEndpoint, decoded.OTLPEndpoint)
	if decoded.Memfault != nil {
		setString(&cfg.Memfault.BaseURL, decoded.Memfault.BaseURL)
		setString(&cfg.Memfault.OrgSlug, decoded.Memfault.OrgSlug)
		setString(&cfg.Memfault.ProjectSlug, decoded.Memfault.ProjectSlug)
		setString(&cfg.Memfault.OrgToken, decoded.Memfault.OrgToken)
	}
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	durations := []struct {
		key    string
		value  *string
		target *time.Duration
	}{
		{"boot_timeout", decoded.BootTimeout, &cfg.BootTimeout},
		{"command_timeout", decoded.CommandTimeout, &cfg.CommandTimeout},
		{"service_state_timeout", decoded.ServiceStateTimeout, &cfg.ServiceStateTimeout},
		{"poll_timeout", decoded.PollTimeout, &cfg.PollTimeout},
		{"poll_interval", decoded.PollInterval, &cfg.PollInterval},
	}
	for _, d := range durations {
		if d.value == nil {
			continue
		}
		parsed, err := parseDuration(*d.value, d.key, path)
		if err != nil {
			return err
		}
		*d.target = parsed
	}
	return nil
}

func overlayFromEnv(cfg *Config) error {
	var env envConfig
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	setNonEmpty(&cfg.BuildDir, env.BuildDir)
	setNonEmpty(&cfg.Machine, env.Machine)
	setNonEmpty(&cfg.HardwareVersion, env.HardwareVersion)
	setNonEmpty(&cfg.Memfault.BaseURL, env.BaseURL)
	setNonEmpty(&cfg.Memfault.OrgSlug, env.OrgSlug)
	setNonEmpty(&cfg.Memfault.ProjectSlug, env.ProjectSlug)
	setNonEmpty(&cfg.Memfault.OrgToken, env.OrgToken)

	if raw := strings.TrimSpace(env.TimeoutSeconds); raw != "" {
		seconds, err := strconv.ParseFloat(raw, 64)
		if err != nil || seconds <= 0 {
			return fmt.Errorf("parse MEMFAULT_E2E_TIMEOUT_SECONDS %q: must be a positive number", raw)
		}
		cfg.PollTimeout = time.Duration(seconds * float64(time.Second))
	}
	return nil
}

// Validate checks settings every command needs.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	durations := []struct {
		key   string
		value time.Duration
	}{
		{"boot_timeout", c.BootTimeout},
		{"command_timeout", c.CommandTimeout},
		{"service_state_timeout", c.ServiceStateTimeout},
		{"poll_timeout", c.PollTimeout},
		{"poll_interval", c.PollInterval},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be > 0, got %s", d.key, d.value)
		}
	}
	return nil
}

// ValidateRemote checks the settings needed to reach the remote service.
func (c *Config) ValidateRemote() error {
	if err := c.Validate(); err != nil {
		return err
	}
	return c.Memfault.Validate()
}

// ValidateBuild checks the settings needed to boot a built image.
func (c *Config) ValidateBuild() error {
	if err := c.Validate(); err != nil {
		return err
	}
	switch {
	case strings.TrimSpace(c.BuildDir) == "":
		return errors.New("missing BUILDDIR: source the build environment or set build_dir")
	case strings.TrimSpace(c.Machine) == "":
		return errors.New("missing MACHINE: set MACHINE or machine")
	case strings.TrimSpace(c.Image) == "":
		return errors.New("image must not be empty")
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

func setString(target *string, value *string) {
	if value != nil {
		*target = strings.TrimSpace(*value)
	}
}

func setNonEmpty(target *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*target = value
	}
}
