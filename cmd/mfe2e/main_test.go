package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/memfault/yocto-e2e/internal/config"
	"github.com/memfault/yocto-e2e/internal/memfault"
	"github.com/memfault/yocto-e2e/test"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	cfg := config.Defaults()
	cfg.LogDir = t.TempDir()
	cfg.CommandTimeout = 5 * time.Second
	cfg.BootTimeout = 5 * time.Second
	cfg.PollTimeout = 2 * time.Second
	cfg.PollInterval = 20 * time.Millisecond
	a := newApp(&cfg)
	t.Cleanup(a.close)
	return a
}

func execute(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(a)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(test.Context(t))
	return stdout.String(), err
}

func TestRootCommandVersionFlag(t *testing.T) {
	originalVersion := Version
	defer func() { Version = originalVersion }()
	Version = "v0.1.0-test"

	out, err := execute(t, newTestApp(t), "--version")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(out) != "v0.1.0-test" {
		t.Fatalf("version output = %q, want %q", out, "v0.1.0-test")
	}
}

func TestRootCommandHelpListsSubcommands(t *testing.T) {
	out, err := execute(t, newTestApp(t), "--help")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, name := range []string{"boot", "shell", "exec", "wait-service", "qemu-command", "remote", "fake-server", "bugreport", "doctor"} {
		if !strings.Contains(out, name) {
			t.Fatalf("help output missing %q: %s", name, out)
		}
	}
}

func TestQemuCommandPrintsEmulatorInvocation(t *testing.T) {
	a := newTestApp(t)
	out, err := execute(t, a, "qemu-command", "--build-dir", "/work/build", "--machine", "qemuarm", "--image", "other.wic")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, want := range []string{
		"/recipe-sysroot-native/usr/bin/qemu-system-arm ",
		"file=/work/build/tmp/deploy/images/qemuarm/other.wic,",
		"-cpu cortex-a15",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("qemu-command output %q missing %q", out, want)
		}
	}
}

func TestQemuCommandRequiresBuildDir(t *testing.T) {
	a := newTestApp(t)
	a.cfg.BuildDir = ""
	_, err := execute(t, a, "qemu-command")
	if err == nil || !strings.Contains(err.Error(), "BUILDDIR") {
		t.Fatalf("execute error = %v, want BUILDDIR error", err)
	}
}

func TestRunLogCarriesRunID(t *testing.T) {
	a := newTestApp(t)
	if _, err := execute(t, a, "qemu-command", "--build-dir", "/work/build", "--run-id", "run-abc"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	matches, err := filepath.Glob(filepath.Join(a.cfg.LogDir, "mfe2e-*-run-abc.log"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("run log matches = %v (err %v), want one", matches, err)
	}
}

func TestExecPrintsCommandOutput(t *testing.T) {
	a := newTestApp(t)
	console := test.NewConsole(t)
	name, args := console.Command()
	a.bootCommand = append([]string{name}, args...)
	a.bootEnv = console.Env

	out, err := execute(t, a, "exec", "echo", "exec-$((6*7))")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "exec-42\n" {
		t.Fatalf("exec output = %q, want %q", out, "exec-42\n")
	}

	consoleLogs, _ := filepath.Glob(filepath.Join(a.cfg.LogDir, "console-*.log"))
	if len(consoleLogs) != 1 {
		t.Fatalf("console logs = %v, want one", consoleLogs)
	}
}

func TestBootPrintsDeviceID(t *testing.T) {
	a := newTestApp(t)
	console := test.NewConsole(t)
	console.SetDeviceID(t, "fixture-serial-1")
	name, args := console.Command()
	a.bootCommand = append([]string{name}, args...)
	a.bootEnv = console.Env

	out, err := execute(t, a, "boot", "--run", "echo ran-$((1+2))")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "MEMFAULT_DEVICE_ID=fixture-serial-1\nran-3\n" {
		t.Fatalf("boot output = %q", out)
	}
}

func TestExecWaitsForExpectedText(t *testing.T) {
	a := newTestApp(t)
	console := test.NewConsole(t)
	name, args := console.Command()
	a.bootCommand = append([]string{name}, args...)
	a.bootEnv = console.Env

	out, err := execute(t, a, "exec", "--expect-regexp", `value=\d+`, "echo value=$((2*21))")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(out) != "value=42" {
		t.Fatalf("exec output = %q, want value=42", out)
	}
}

func TestWaitServiceReportsState(t *testing.T) {
	a := newTestApp(t)
	console := test.NewConsole(t, "activating", "active")
	name, args := console.Command()
	a.bootCommand = append([]string{name}, args...)
	a.bootEnv = console.Env

	out, err := execute(t, a, "wait-service", "memfaultd", "active", "--timeout", "3s")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(out) != "memfaultd is active" {
		t.Fatalf("wait-service output = %q", out)
	}
}

func TestWaitServiceRejectsUnknownState(t *testing.T) {
	_, err := execute(t, newTestApp(t), "wait-service", "memfaultd", "sleeping")
	if err == nil || !strings.Contains(err.Error(), "sleeping") {
		t.Fatalf("execute error = %v, want unknown state error", err)
	}
}

func TestRemoteRebootsPollsUntilCount(t *testing.T) {
	server, mfCfg := test.StartFakeService(t)
	base := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	server.AddRebootEvent("dev-1", memfault.RebootEvent{Reason: 2, Time: memfault.Timestamp{Time: base}})
	server.AddRebootEvent("dev-1", memfault.RebootEvent{Reason: 4, Time: memfault.Timestamp{Time: base.Add(time.Minute)}})
	server.SetReadyAfter("reboots", 2)

	a := newTestApp(t)
	a.cfg.Memfault = mfCfg
	out, err := execute(t, a, "remote", "reboots", "dev-1", "--count", "2")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	var events []memfault.RebootEvent
	if err := json.Unmarshal([]byte(out), &events); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	if len(events) != 2 || events[0].Reason != 2 || events[1].Reason != 4 {
		t.Fatalf("events = %+v, want reasons [2 4] oldest first", events)
	}
	if calls := server.Calls("reboots"); calls != 3 {
		t.Fatalf("reboots calls = %d, want 3", calls)
	}
}

func TestRemoteRequiresCredentials(t *testing.T) {
	a := newTestApp(t)
	a.cfg.Memfault = memfault.Config{BaseURL: "http://127.0.0.1:1"}
	_, err := execute(t, a, "remote", "device", "dev-1")
	if err == nil || !strings.Contains(err.Error(), "organization slug") {
		t.Fatalf("execute error = %v, want missing slug error", err)
	}
}

func TestRemoteAttributesWantAndTag(t *testing.T) {
	server, mfCfg := test.StartFakeService(t)
	server.AddDevice("dev-2", "qemuarm64")
	server.SetAttribute("dev-2", "answer", 42)
	server.SetAttribute("dev-2", "mode", "fast")

	a := newTestApp(t)
	a.cfg.Memfault = mfCfg
	if _, err := execute(t, a, "remote", "attributes", "dev-2", "--want", "answer=42", "--want", "mode=fast"); err != nil {
		t.Fatalf("attributes: %v", err)
	}

	out, err := execute(t, a, "remote", "tag", "dev-2", "run-77")
	if err != nil {
		t.Fatalf("tag: %v", err)
	}
	if strings.TrimSpace(out) != "tagged dev-2 with run-77" {
		t.Fatalf("tag output = %q", out)
	}
	if _, err := execute(t, a, "remote", "attributes", "dev-2", "--want", "test_id=run-77"); err != nil {
		t.Fatalf("attributes after tag: %v", err)
	}
}

func TestRemoteLogsDownloadPrintsNewest(t *testing.T) {
	server, mfCfg := test.StartFakeService(t)
	server.AddLogFile("dev-3", "first upload\n")
	time.Sleep(5 * time.Millisecond)
	server.AddLogFile("dev-3", "second upload\n")

	a := newTestApp(t)
	a.cfg.Memfault = mfCfg
	out, err := execute(t, a, "remote", "logs", "dev-3", "--count", "2", "--download")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "second upload\n" {
		t.Fatalf("logs output = %q, want newest file", out)
	}
}

func TestParseAttributeValues(t *testing.T) {
	values, err := parseAttributeValues([]string{"n=3", "ok=true", "name=plain text", `quoted="x"`})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if values["n"] != float64(3) || values["ok"] != true || values["name"] != "plain text" || values["quoted"] != "x" {
		t.Fatalf("values = %#v", values)
	}
	if _, err := parseAttributeValues([]string{"=1"}); err == nil {
		t.Fatal("parse(=1) error = nil, want error")
	}
}

func TestDoctorReportsRemoteChecks(t *testing.T) {
	_, mfCfg := test.StartFakeService(t)
	a := newTestApp(t)
	a.cfg.Memfault = mfCfg

	out, err := execute(t, a, "doctor", "--skip-build")
	if err != nil {
		t.Fatalf("execute: %v\n%s", err, out)
	}
	for _, want := range []string{"memfault_credentials", "memfault_api"} {
		if !strings.Contains(out, want) {
			t.Fatalf("doctor output %q missing %q", out, want)
		}
	}
}

func TestDoctorFailsWithoutBuildDir(t *testing.T) {
	a := newTestApp(t)
	a.cfg.BuildDir = ""
	out, err := execute(t, a, "doctor", "--skip-remote", "--json")
	if err == nil {
		t.Fatal("execute error = nil, want failure")
	}

	var report struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	statuses := map[string]string{}
	for _, result := range report.Results {
		statuses[result.Name] = result.Status
	}
	if statuses["build_dir"] != "fail" || statuses["image"] != "skip" {
		t.Fatalf("statuses = %v", statuses)
	}
}
