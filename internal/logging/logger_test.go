package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesJSONRecordsWithRunFields(t *testing.T) {
	dir := t.TempDir()
	runtimeLogger, err := New(context.Background(),
		WithDir(dir),
		WithRunID("run-1"),
		WithMachine("qemuarm64"),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if got := filepath.Dir(runtimeLogger.Path()); got != dir {
		t.Fatalf("log dir = %q, want %q", got, dir)
	}
	if !strings.HasSuffix(runtimeLogger.Path(), "-run-1.log") {
		t.Fatalf("log path = %q, want run id suffix", runtimeLogger.Path())
	}

	runtimeLogger.WithDeviceID("device-abc").Logger.Info("booted")
	if err := runtimeLogger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	records := readRecords(t, runtimeLogger.Path())
	if len(records) != 2 {
		t.Fatalf("record count = %d, want 2", len(records))
	}
	last := records[1]
	if last["msg"] != "booted" {
		t.Fatalf("msg = %v, want booted", last["msg"])
	}
	if last["run_id"] != "run-1" || last["device_id"] != "device-abc" || last["machine"] != "qemuarm64" {
		t.Fatalf("record fields = %v", last)
	}
}

func TestNewMirrorsToConsole(t *testing.T) {
	var console bytes.Buffer
	runtimeLogger, err := New(context.Background(), WithDir(t.TempDir()), WithConsole(&console))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = runtimeLogger.Close() })

	runtimeLogger.Logger.Info("hello console")
	if !strings.Contains(console.String(), "hello console") {
		t.Fatalf("console output = %q, want mirrored record", console.String())
	}
}

func TestDebugLevelIsOptIn(t *testing.T) {
	var console bytes.Buffer
	runtimeLogger, err := New(context.Background(), WithDir(t.TempDir()), WithConsole(&console))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = runtimeLogger.Close() })

	runtimeLogger.Logger.Debug("hidden")
	if strings.Contains(console.String(), "hidden") {
		t.Fatalf("debug record emitted without WithDebug: %q", console.String())
	}
}

func TestNilRuntimeLoggerIsSafe(t *testing.T) {
	var r *RuntimeLogger
	if r.WithRunID("x") != nil || r.WithDeviceID("x") != nil || r.WithMachine("x") != nil {
		t.Fatal("nil receiver should return nil")
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close() on nil = %v", err)
	}
	if r.Path() != "" {
		t.Fatalf("Path() on nil = %q", r.Path())
	}
}

func TestOrDiscard(t *testing.T) {
	if OrDiscard(nil) == nil {
		t.Fatal("OrDiscard(nil) returned nil")
	}
	logger := Discard()
	if OrDiscard(logger) != logger {
		t.Fatal("OrDiscard should return the given logger")
	}
}

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		record := map[string]any{}
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		records = append(records, record)
	}
	return records
}
