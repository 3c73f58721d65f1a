package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/memfault/yocto-e2e/internal/tracing"
)

const maxErrorOutputBytes = 512

// SpawnError reports a child process that could not be started or died
// during the startup window.
type SpawnError struct {
	Command string
	Err     error
	// Output is whatever the child printed before exiting.
	Output string
}

func (e *SpawnError) Error() string {
	msg := fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
	if output := cleanOutput(e.Output); output != "" {
		msg += "; output: " + output
	}
	return msg
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ExpectTimeoutError reports that no pattern matched before the deadline, or
// before the child's output stream ended when EOF is set.
type ExpectTimeoutError struct {
	Patterns []string
	Timeout  time.Duration
	// Buffered is the unconsumed output at the time of failure.
	Buffered string
	EOF      bool
	// Err is set when the stream ended with a read error rather than a hangup.
	Err error
}

func (e *ExpectTimeoutError) Error() string {
	var b strings.Builder
	b.WriteString("expect ")
	b.WriteString(describePatterns(e.Patterns))
	if e.EOF {
		b.WriteString(": console output ended before a match")
	} else {
		fmt.Fprintf(&b, ": timed out after %s", e.Timeout)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, " (%v)", e.Err)
	}
	if output := cleanOutput(e.Buffered); output != "" {
		b.WriteString("; buffered: ")
		b.WriteString(output)
	}
	return b.String()
}

func (e *ExpectTimeoutError) Unwrap() error {
	return e.Err
}

// cleanOutput strips terminal escape sequences and keeps the tail.
func cleanOutput(output string) string {
	stripped := strings.TrimSpace(ansi.Strip(output))
	if stripped == "" {
		return ""
	}
	return fmt.Sprintf("%q", tracing.TruncateOutput(stripped, maxErrorOutputBytes))
}
