package main

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/memfault/yocto-e2e/internal/tracing"
)

const (
	bugreportRunLogLimit     = 3
	bugreportConsoleLogLimit = 2
	redactedValue            = `"***REDACTED***"`
)

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportHomeDirFn = os.UserHomeDir
	bugreportGetwdFn   = os.Getwd
	bugreportEnvFn     = os.Getenv
	bugreportRunCmdFn  = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, name, args...).CombinedOutput()
	}
)

// bugreportEnvKeys are the variables that shape a run. Values of sensitive
// keys are redacted.
var bugreportEnvKeys = []string{
	"BUILDDIR",
	"MACHINE",
	"MEMFAULT_HARDWARE_VERSION",
	"MEMFAULT_E2E_API_BASE_URL",
	"MEMFAULT_E2E_ORGANIZATION_SLUG",
	"MEMFAULT_E2E_PROJECT_SLUG",
	"MEMFAULT_E2E_ORG_TOKEN",
	"MEMFAULT_E2E_TIMEOUT_SECONDS",
	"OTEL_EXPORTER_OTLP_ENDPOINT",
}

func newBugreportCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Collect recent run logs, console logs and redacted config into a tarball",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.logger.With("command", "bugreport").Info("collecting diagnostic bundle")
			return runBugReport(cmd.Context(), a.cfg.LogDir, cmd.OutOrStdout())
		},
	}
}

func runBugReport(ctx context.Context, logDir string, out io.Writer) error {
	homeDir, err := bugreportHomeDirFn()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	homeDir = filepath.Clean(homeDir)
	if strings.TrimSpace(homeDir) == "" || homeDir == "." {
		return fmt.Errorf("home directory is not valid")
	}
	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}
	cwd = filepath.Clean(cwd)
	if logDir == "" {
		logDir = filepath.Join(homeDir, ".mfe2e", "logs")
	}

	timestamp := bugreportNowFn().Format("20060102-150405")
	bundlePath := filepath.Join(cwd, fmt.Sprintf("mfe2e-bugreport-%s.tar.gz", timestamp))

	stagingDir, err := os.MkdirTemp("", "mfe2e-bugreport-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(stagingDir) }()

	summary, err := collectBugreportArtifacts(ctx, homeDir, cwd, logDir, stagingDir)
	if err != nil {
		return err
	}
	if err := writeBugreportREADME(stagingDir, summary); err != nil {
		return err
	}
	if err := archiveBugreport(stagingDir, bundlePath); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(out, "Bug report written to: %s\n", bundlePath); err != nil {
		return fmt.Errorf("write bugreport output: %w", err)
	}
	return nil
}

type bugreportSummary struct {
	Timestamp   string
	Version     string
	RunLogs     []string
	ConsoleLogs []string
	RunID       string
	DeviceID    string
	TraceID     string
	Warnings    []string
}

func collectBugreportArtifacts(ctx context.Context, homeDir, cwd, logDir, stagingDir string) (bugreportSummary, error) {
	summary := bugreportSummary{
		Timestamp: bugreportNowFn().Format(time.RFC3339),
		Version:   Version,
	}

	runLogs, warnings := copyNewestLogs(logDir, "mfe2e-", bugreportRunLogLimit, filepath.Join(stagingDir, "logs"))
	summary.RunLogs = runLogs
	summary.Warnings = append(summary.Warnings, warnings...)

	consoleLogs, warnings := copyNewestLogs(logDir, "console-", bugreportConsoleLogLimit, filepath.Join(stagingDir, "console"))
	summary.ConsoleLogs = consoleLogs
	summary.Warnings = append(summary.Warnings, warnings...)

	summary.RunID, summary.DeviceID, summary.TraceID = extractLastCorrelation(runLogs)
	if summary.RunID == "" {
		summary.Warnings = append(summary.Warnings, "no run_id found in copied logs")
	}

	lastRun := fmt.Sprintf("run_id: %s\ndevice_id: %s\ntrace_id: %s\n", summary.RunID, summary.DeviceID, summary.TraceID)
	if err := writeStagedFile(stagingDir, "last-run.txt", lastRun); err != nil {
		return bugreportSummary{}, err
	}
	if err := writeStagedFile(stagingDir, "version.txt", fmt.Sprintf("mfe2e version: %s\n", strings.TrimSpace(summary.Version))); err != nil {
		return bugreportSummary{}, err
	}
	if err := writeStagedFile(stagingDir, "environment.txt", environmentSummary()); err != nil {
		return bugreportSummary{}, err
	}
	if err := copyRedactedConfigs(homeDir, cwd, stagingDir, &summary); err != nil {
		return bugreportSummary{}, err
	}
	if err := writeGitState(ctx, cwd, stagingDir); err != nil {
		return bugreportSummary{}, err
	}
	return summary, nil
}

// copyNewestLogs stages up to limit files from dir whose names start with prefix.
func copyNewestLogs(dir, prefix string, limit int, destDir string) ([]string, []string) {
	files, err := newestFiles(dir, prefix, limit)
	if err != nil {
		return nil, []string{fmt.Sprintf("unable to read logs directory: %v", err)}
	}
	if len(files) == 0 {
		return nil, []string{fmt.Sprintf("no %s* logs in %s", prefix, dir)}
	}
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, []string{fmt.Sprintf("unable to create staging directory: %v", err)}
	}

	var warnings []string
	copied := make([]string, 0, len(files))
	for _, file := range files {
		// #nosec G304 -- source path comes from enumerating the log directory.
		data, err := os.ReadFile(file.path)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("unable to read log %s: %v", file.path, err))
			continue
		}
		if err := os.WriteFile(filepath.Join(destDir, filepath.Base(file.path)), data, 0o600); err != nil {
			warnings = append(warnings, fmt.Sprintf("unable to stage log %s: %v", file.path, err))
			continue
		}
		copied = append(copied, file.path)
	}
	return copied, warnings
}

// extractLastCorrelation returns the ids of the newest JSON record carrying a
// run_id. logPaths are newest first.
func extractLastCorrelation(logPaths []string) (runID, deviceID, traceID string) {
	for _, logPath := range logPaths {
		// #nosec G304 -- log paths come from the log directory listing.
		data, err := os.ReadFile(logPath)
		if err != nil {
			continue
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			record := map[string]any{}
			if err := json.Unmarshal([]byte(strings.TrimSpace(lines[i])), &record); err != nil {
				continue
			}
			runID = asString(record["run_id"])
			if runID == "" {
				continue
			}
			return runID, asString(record["device_id"]), asString(record["trace_id"])
		}
	}
	return "", "", ""
}

func environmentSummary() string {
	var builder strings.Builder
	for _, key := range bugreportEnvKeys {
		value, set := lookupBugreportEnv(key)
		switch {
		case !set:
			value = "<unset>"
		case tracing.IsSensitiveKey(key):
			value = "<redacted>"
		}
		fmt.Fprintf(&builder, "%s=%s\n", key, value)
	}
	return builder.String()
}

func lookupBugreportEnv(key string) (string, bool) {
	value := bugreportEnvFn(key)
	return value, value != ""
}

// copyRedactedConfigs stages the user and project config files with
// sensitive values replaced.
func copyRedactedConfigs(homeDir, cwd, stagingDir string, summary *bugreportSummary) error {
	sources := []struct {
		path string
		name string
	}{
		{path: filepath.Join(homeDir, ".mfe2e", "config.toml"), name: "config-user.toml"},
		{path: filepath.Join(cwd, ".mfe2e", "config.toml"), name: "config-project.toml"},
	}
	for _, source := range sources {
		// #nosec G304 -- config paths are fixed under the home and working directories.
		data, err := os.ReadFile(source.path)
		if err != nil {
			if !os.IsNotExist(err) {
				summary.Warnings = append(summary.Warnings, fmt.Sprintf("unable to read %s: %v", source.path, err))
			}
			data = []byte("# config unavailable\n")
		}
		if err := writeStagedFile(stagingDir, source.name, redactSensitiveConfig(string(data))); err != nil {
			return err
		}
	}
	return nil
}

// redactSensitiveConfig replaces values of TOML keys that look like secrets.
func redactSensitiveConfig(configText string) string {
	var out strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(configText))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if key, _, ok := strings.Cut(trimmed, "="); ok && !strings.HasPrefix(trimmed, "#") {
			key = strings.Trim(strings.TrimSpace(key), `"'`)
			if tracing.IsSensitiveKey(key) {
				indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
				line = indent + key + " = " + redactedValue
			}
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.String()
}

func writeGitState(ctx context.Context, cwd, stagingDir string) error {
	sections := []struct {
		title string
		args  []string
	}{
		{title: "HEAD", args: []string{"rev-parse", "HEAD"}},
		{title: "BRANCH", args: []string{"rev-parse", "--abbrev-ref", "HEAD"}},
		{title: "STATUS", args: []string{"status", "--short"}},
	}
	var builder strings.Builder
	for _, section := range sections {
		fmt.Fprintf(&builder, "[%s]\n%s\n\n", section.title,
			runCommandForBugreport(ctx, "git", append([]string{"-C", cwd}, section.args...)...))
	}
	return writeStagedFile(stagingDir, "git-state.txt", builder.String())
}

func runCommandForBugreport(ctx context.Context, name string, args ...string) string {
	output, err := bugreportRunCmdFn(ctx, name, args...)
	text := strings.TrimSpace(string(output))
	if err == nil {
		return text
	}
	if text == "" {
		return fmt.Sprintf("error: %v", err)
	}
	return text + "\nerror: " + err.Error()
}

func writeBugreportREADME(stagingDir string, summary bugreportSummary) error {
	var builder strings.Builder
	builder.WriteString("mfe2e bug report\n================\n\n")
	fmt.Fprintf(&builder, "Generated: %s\n", summary.Timestamp)
	fmt.Fprintf(&builder, "Version: %s\n", summary.Version)
	fmt.Fprintf(&builder, "run_id: %s\n", summary.RunID)
	fmt.Fprintf(&builder, "device_id: %s\n", summary.DeviceID)
	fmt.Fprintf(&builder, "trace_id: %s\n\n", summary.TraceID)
	builder.WriteString("Included artifacts:\n")
	fmt.Fprintf(&builder, "- logs/ (last %d run logs)\n", bugreportRunLogLimit)
	fmt.Fprintf(&builder, "- console/ (last %d console captures)\n", bugreportConsoleLogLimit)
	builder.WriteString("- config-user.toml, config-project.toml (redacted)\n")
	builder.WriteString("- environment.txt (redacted)\n")
	builder.WriteString("- version.txt\n- last-run.txt\n- git-state.txt\n")
	if len(summary.Warnings) > 0 {
		builder.WriteString("\nWarnings:\n")
		for _, warning := range summary.Warnings {
			builder.WriteString("- " + warning + "\n")
		}
	}
	return writeStagedFile(stagingDir, "README.txt", builder.String())
}

func writeStagedFile(stagingDir, name, content string) error {
	if err := os.WriteFile(filepath.Join(stagingDir, name), []byte(content), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func archiveBugreport(stagingDir, destination string) (err error) {
	// #nosec G304 -- destination is a generated name in the working directory.
	archiveFile, err := os.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", destination, err)
	}
	gzipWriter := gzip.NewWriter(archiveFile)
	tarWriter := tar.NewWriter(gzipWriter)
	defer func() {
		for _, closer := range []io.Closer{tarWriter, gzipWriter, archiveFile} {
			if closeErr := closer.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("finish archive %s: %w", destination, closeErr)
			}
		}
	}()

	walkErr := filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read file info for %s: %w", path, err)
		}
		relPath, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return fmt.Errorf("compute archive path for %s: %w", path, err)
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("create tar header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(relPath)
		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", path, err)
		}

		// #nosec G304 -- walk paths originate from the staging directory.
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s for archive: %w", path, err)
		}
		defer func() { _ = file.Close() }()
		if _, err := io.Copy(tarWriter, file); err != nil {
			return fmt.Errorf("copy %s into archive: %w", path, err)
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("archive bugreport: %w", walkErr)
	}
	return nil
}

type datedFile struct {
	path    string
	modTime time.Time
}

func newestFiles(dir, prefix string, limit int) ([]datedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]datedFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, datedFile{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}

func asString(value any) string {
	if typed, ok := value.(string); ok {
		return strings.TrimSpace(typed)
	}
	return ""
}
