package shell

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/memfault/yocto-e2e/internal/session"
	"github.com/memfault/yocto-e2e/internal/tracing"
)

const (
	// DefaultServiceStateTimeout bounds WaitForServiceState.
	DefaultServiceStateTimeout = 10 * time.Second
	// DefaultJournaldTimeout bounds ExpectJournaldMessage.
	DefaultJournaldTimeout = 3 * time.Second

	memfaultdUnit         = "memfaultd"
	memfaultdStartMessage = "Started memfaultd daemon"
	memfaultdStartLines   = 10
)

// ServiceState is a systemd unit activity state as printed by
// `systemctl is-active`.
type ServiceState string

// States in match priority order.
const (
	StateInactive     ServiceState = "inactive"
	StateActive       ServiceState = "active"
	StateDeactivating ServiceState = "deactivating"
	StateActivating   ServiceState = "activating"
	StateReloading    ServiceState = "reloading"
	StateFailed       ServiceState = "failed"
	StateMaintenance  ServiceState = "maintenance"
)

var serviceStates = []ServiceState{
	StateInactive,
	StateActive,
	StateDeactivating,
	StateActivating,
	StateReloading,
	StateFailed,
	StateMaintenance,
}

// statePatterns match a state word terminating its output line, so the echo
// of `systemctl is-active <unit>` never counts as a state.
var statePatterns = func() []session.Pattern {
	patterns := make([]session.Pattern, 0, len(serviceStates))
	for _, state := range serviceStates {
		patterns = append(patterns, session.Regexp(regexp.MustCompile(regexp.QuoteMeta(string(state))+`[ \t]*\r?\n`)))
	}
	return patterns
}()

// ErrUnknownState is wrapped by errors about states outside the enumeration.
var ErrUnknownState = errors.New("unknown service state")

// ServiceStates returns every known state in match priority order.
func ServiceStates() []ServiceState {
	return append([]ServiceState(nil), serviceStates...)
}

// ParseServiceState validates raw against the known states.
func ParseServiceState(raw string) (ServiceState, error) {
	normalized := ServiceState(strings.ToLower(strings.TrimSpace(raw)))
	if stateIndex(normalized) < 0 {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, raw)
	}
	return normalized, nil
}

func stateIndex(state ServiceState) int {
	for i, candidate := range serviceStates {
		if candidate == state {
			return i
		}
	}
	return -1
}

// ServiceStateTimeoutError reports a unit that never reached the expected state.
type ServiceStateTimeoutError struct {
	Service  string
	Expected ServiceState
	// LastObserved is empty when no state was ever read.
	LastObserved ServiceState
	Timeout      time.Duration
}

func (e *ServiceStateTimeoutError) Error() string {
	last := string(e.LastObserved)
	if last == "" {
		last = "none"
	}
	return fmt.Sprintf("timed out after %s waiting for service %s to get state %s. Last state: %s",
		e.Timeout, e.Service, e.Expected, last)
}

// WaitForServiceState polls `systemctl is-active service` until it reports
// expected or timeout elapses. A zero timeout uses DefaultServiceStateTimeout.
//
// Output that matches none of the known states is not retried: the console
// expect times out and that error is returned.
func (e *Executor) WaitForServiceState(ctx context.Context, service string, expected ServiceState, timeout time.Duration) error {
	if e == nil {
		return errors.New("executor is nil")
	}
	service = strings.TrimSpace(service)
	if service == "" {
		return errors.New("service name is required")
	}
	if stateIndex(expected) < 0 {
		return fmt.Errorf("wait for %s: %w: %q", service, ErrUnknownState, expected)
	}
	if timeout <= 0 {
		timeout = DefaultServiceStateTimeout
	}

	ctx, span := tracing.Start(ctx, "shell.wait_service_state",
		attribute.String("service", service),
		attribute.String("expected", string(expected)),
	)
	last, err := e.waitForServiceState(ctx, service, expected, timeout)
	span.SetAttributes(attribute.String("last_observed", string(last)))
	tracing.End(span, err)
	return err
}

func (e *Executor) waitForServiceState(ctx context.Context, service string, expected ServiceState, timeout time.Duration) (ServiceState, error) {
	var last ServiceState
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if err := e.Exec(ctx, "systemctl is-active "+service); err != nil {
			return last, err
		}
		match, err := e.console.Expect(ctx, e.timeout, statePatterns...)
		if err != nil {
			return last, fmt.Errorf("read state of %s: %w", service, err)
		}
		last = serviceStates[match.Index]
		if last == expected {
			e.logger.With("service", service, "state", last).Info("service reached state")
			return last, nil
		}
		e.logger.With("service", service, "state", last, "expected", expected).Debug("service not in expected state")

		if err := sleep(ctx, e.pollInterval); err != nil {
			return last, err
		}
	}

	return last, &ServiceStateTimeoutError{
		Service:      service,
		Expected:     expected,
		LastObserved: last,
		Timeout:      timeout,
	}
}

// ExpectJournaldMessage follows unit's journal, starting lastLines back, and
// waits up to timeout for a line containing message.
func (e *Executor) ExpectJournaldMessage(ctx context.Context, unit, message string, timeout time.Duration, lastLines int) error {
	if e == nil {
		return errors.New("executor is nil")
	}
	if timeout <= 0 {
		timeout = DefaultJournaldTimeout
	}
	if lastLines < 0 {
		lastLines = 0
	}

	ctx, span := tracing.Start(ctx, "shell.expect_journald_message",
		attribute.String("unit", unit),
		attribute.String("message", message),
	)
	cmd := fmt.Sprintf(`(journalctl -f -u %s -n %d &) |grep -q "%s"`, unit, lastLines, message)
	err := e.Exec(ctx, cmd)
	if err == nil {
		err = e.ExpectPrompt(ctx, timeout)
	}
	if err != nil {
		err = fmt.Errorf("wait for journald message %q from %s: %w", message, unit, err)
	}
	tracing.End(span, err)
	return err
}

// WaitForMemfaultdStart waits for memfaultd's startup line in the last few
// journal entries. It returns immediately when memfaultd started recently.
func (e *Executor) WaitForMemfaultdStart(ctx context.Context, timeout time.Duration) error {
	return e.ExpectJournaldMessage(ctx, memfaultdUnit, memfaultdStartMessage, timeout, memfaultdStartLines)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
