package tracing

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "mfe2e"

	// MaxOutputEventBytes bounds console and response bodies attached to span events.
	MaxOutputEventBytes = 1024
)

// Start opens a span on the global tracer provider.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span (if any), sets the final status and ends it.
func End(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddOutputEvent attaches a bounded output sample to span.
func AddOutputEvent(span trace.Span, name string, output string) {
	if span == nil || strings.TrimSpace(output) == "" {
		return
	}
	span.AddEvent(
		name,
		trace.WithAttributes(attribute.String("output", TruncateOutput(output, MaxOutputEventBytes))),
	)
}

// TruncateOutput keeps the tail of value within limit bytes.
//
// Console diagnostics are most useful at the end, so the head is dropped.
func TruncateOutput(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "[truncated]..."
	if limit <= len(marker) {
		return value[len(value)-limit:]
	}
	return marker + value[len(value)-(limit-len(marker)):]
}

// RedactCommand masks secret-looking arguments of a shell command line.
func RedactCommand(command string) string {
	return strings.Join(RedactArgs(strings.Fields(command)), " ")
}

// RedactArgs masks values that follow or are assigned to secret-looking flags.
func RedactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, "<redacted>")
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if strings.Contains(trimmed, "=") {
			parts := strings.SplitN(trimmed, "=", 2)
			if len(parts) == 2 && IsSensitiveKey(parts[0]) {
				redacted = append(redacted, parts[0]+"=<redacted>")
				continue
			}
		}

		if strings.HasPrefix(trimmed, "-") && IsSensitiveKey(trimmed) {
			maskNext = true
		}
		redacted = append(redacted, trimmed)
	}

	return redacted
}

// IsSensitiveKey reports whether a flag or config key looks like it holds a secret.
func IsSensitiveKey(key string) bool {
	value := strings.ToLower(key)
	sensitiveSubstrings := []string{
		"token",
		"password",
		"passwd",
		"secret",
		"api-key",
		"apikey",
		"project-key",
		"project_key",
		"api_key",
		"auth",
		"bearer",
	}
	for _, candidate := range sensitiveSubstrings {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}

// FormatCommand returns a redacted, space-joined command preview for traces and logs.
func FormatCommand(name string, args []string) string {
	parts := append([]string{strings.TrimSpace(name)}, RedactArgs(args)...)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return strings.Join(out, " ")
}
