// Package test provides shared testing utilities for the mfe2e harness.
//
// It holds the console fixture (a scripted login shell with fake systemd
// tools), fake remote service startup, and span recording helpers.
package test

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/memfault/yocto-e2e/internal/fakeservice"
	"github.com/memfault/yocto-e2e/internal/memfault"
)

// Fake remote service identity used across packages.
const (
	OrgSlug     = "acme"
	ProjectSlug = "widgets"
	OrgToken    = "oat_test_token"
)

// Context returns a context cancelled when the test completes.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// WriteFile writes content to name inside dir and returns the path.
func WriteFile(t *testing.T, dir, name, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750), "failed to create parent dir")
	require.NoError(t, os.WriteFile(path, []byte(content), perm), "failed to write %s", name)
	return path
}

// SkipIfShort skips the test if -short flag is provided
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping test in short mode")
	}
}

// RequireEnv returns the values of names or skips the test when any is unset.
func RequireEnv(t *testing.T, names ...string) map[string]string {
	t.Helper()
	values := make(map[string]string, len(names))
	var missing []string
	for _, name := range names {
		value := strings.TrimSpace(os.Getenv(name))
		if value == "" {
			missing = append(missing, name)
			continue
		}
		values[name] = value
	}
	if len(missing) > 0 {
		t.Skipf("missing environment: %s", strings.Join(missing, ", "))
	}
	return values
}

// InstallSpanRecorder routes the global tracer provider into a recorder for
// the duration of the test.
func InstallSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = provider.Shutdown(context.Background())
	})
	return recorder
}

// SpanNames lists the names of ended spans in completion order.
func SpanNames(recorder *tracetest.SpanRecorder) []string {
	var names []string
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	return names
}

// StartFakeService serves a fresh fake remote API and returns it together
// with client configuration pointing at it.
func StartFakeService(t *testing.T) (*fakeservice.Server, memfault.Config) {
	t.Helper()
	server := fakeservice.New(fakeservice.Options{
		OrgSlug:     OrgSlug,
		ProjectSlug: ProjectSlug,
		Token:       OrgToken,
	})
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)

	return server, memfault.Config{
		BaseURL:     httpServer.URL,
		OrgSlug:     OrgSlug,
		ProjectSlug: ProjectSlug,
		OrgToken:    OrgToken,
	}
}
