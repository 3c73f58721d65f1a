package shell

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/memfault/yocto-e2e/internal/session"
	"github.com/memfault/yocto-e2e/test"
)

func TestParseServiceState(t *testing.T) {
	tests := []struct {
		raw     string
		want    ServiceState
		wantErr bool
	}{
		{raw: "active", want: StateActive},
		{raw: " Failed\n", want: StateFailed},
		{raw: "maintenance", want: StateMaintenance},
		{raw: "running", wantErr: true},
		{raw: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseServiceState(tt.raw)
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownState) {
				t.Fatalf("ParseServiceState(%q) error = %v, want ErrUnknownState", tt.raw, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("ParseServiceState(%q) = %q, %v; want %q", tt.raw, got, err, tt.want)
		}
	}
}

func TestServiceStatesOrder(t *testing.T) {
	got := ServiceStates()
	want := []ServiceState{"inactive", "active", "deactivating", "activating", "reloading", "failed", "maintenance"}
	if len(got) != len(want) {
		t.Fatalf("ServiceStates() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ServiceStates()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	got[0] = "mutated"
	if ServiceStates()[0] != StateInactive {
		t.Fatal("ServiceStates() exposes internal slice")
	}
}

func TestWaitForServiceStateRejectsUnknownExpected(t *testing.T) {
	console := &fakeConsole{}
	executor, _ := New(console, Options{})

	err := executor.WaitForServiceState(context.Background(), "memfaultd", "running", time.Second)
	if !errors.Is(err, ErrUnknownState) {
		t.Fatalf("WaitForServiceState() error = %v, want ErrUnknownState", err)
	}
	if len(console.calls) != 0 {
		t.Fatalf("calls = %v, want none", console.calls)
	}
}

func TestWaitForServiceStateMatchesByIndex(t *testing.T) {
	// failed, failed, active
	console := &fakeConsole{index: []int{5, 5, 1}}
	executor, _ := New(console, Options{StatePollInterval: time.Millisecond})

	if err := executor.WaitForServiceState(context.Background(), "memfaultd", StateActive, 5*time.Second); err != nil {
		t.Fatalf("WaitForServiceState() error = %v", err)
	}
	var queries int
	for _, call := range console.calls {
		if call == `send "systemctl is-active memfaultd"` {
			queries++
		}
	}
	if queries != 3 {
		t.Fatalf("systemctl queries = %d, want 3", queries)
	}
}

func TestWaitForServiceStateReachesExpected(t *testing.T) {
	console := test.NewConsole(t, "activating", "activating", "active")
	executor, _ := newFixtureExecutor(t, console, 0)

	if err := executor.WaitForServiceState(context.Background(), "memfaultd", StateActive, 5*time.Second); err != nil {
		t.Fatalf("WaitForServiceState() error = %v", err)
	}
}

func TestWaitForServiceStateWithBackgroundOutput(t *testing.T) {
	console := test.NewConsole(t, "activating", "activating", "activating", "active")
	executor, s := newFixtureExecutor(t, console, 2*time.Second)
	ctx := context.Background()

	if err := executor.Exec(ctx, "(for i in 1 2 3 4 5; do sleep 0.15; echo journal-noise-$i; done) &"); err != nil {
		t.Fatalf("Exec(background) error = %v", err)
	}
	if err := executor.WaitForServiceState(ctx, "memfaultd", StateActive, 5*time.Second); err != nil {
		t.Fatalf("WaitForServiceState() error = %v", err)
	}

	time.Sleep(time.Second)
	if err := executor.Exec(ctx, "echo settled-$((4+4))"); err != nil {
		t.Fatalf("Exec() after state wait error = %v", err)
	}
	if _, err := s.ExpectString(ctx, 0, "settled-8"); err != nil {
		t.Fatalf("Expect(settled-8) error = %v", err)
	}
}

func TestWaitForServiceStateDistinguishesInactive(t *testing.T) {
	console := test.NewConsole(t, "inactive")
	executor, _ := newFixtureExecutor(t, console, 0)
	ctx := context.Background()

	if err := executor.WaitForServiceState(ctx, "memfaultd", StateInactive, 2*time.Second); err != nil {
		t.Fatalf("WaitForServiceState(inactive) error = %v", err)
	}

	err := executor.WaitForServiceState(ctx, "memfaultd", StateActive, 500*time.Millisecond)
	var timeoutErr *ServiceStateTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("WaitForServiceState(active) error = %v, want *ServiceStateTimeoutError", err)
	}
	if timeoutErr.LastObserved != StateInactive {
		t.Fatalf("LastObserved = %q, want inactive", timeoutErr.LastObserved)
	}
}

func TestWaitForServiceStateTimesOut(t *testing.T) {
	console := test.NewConsole(t, "failed")
	executor, _ := newFixtureExecutor(t, console, 0)

	start := time.Now()
	err := executor.WaitForServiceState(context.Background(), "memfaultd", StateActive, time.Second)
	elapsed := time.Since(start)

	var timeoutErr *ServiceStateTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("WaitForServiceState() error = %v, want *ServiceStateTimeoutError", err)
	}
	if timeoutErr.LastObserved != StateFailed || timeoutErr.Expected != StateActive || timeoutErr.Service != "memfaultd" {
		t.Fatalf("timeout error = %+v", timeoutErr)
	}
	if elapsed < time.Second || elapsed > 3*time.Second {
		t.Fatalf("elapsed = %s, want about 1s", elapsed)
	}
	if !strings.Contains(err.Error(), "Last state: failed") {
		t.Fatalf("error = %q, want last state", err.Error())
	}
}

func TestWaitForServiceStateUnknownOutputFailsFast(t *testing.T) {
	console := test.NewConsole(t, "bogus")
	executor, _ := newFixtureExecutor(t, console, 300*time.Millisecond)

	err := executor.WaitForServiceState(context.Background(), "memfaultd", StateActive, 10*time.Second)
	var expectErr *session.ExpectTimeoutError
	if !errors.As(err, &expectErr) {
		t.Fatalf("WaitForServiceState() error = %v, want *session.ExpectTimeoutError", err)
	}
	var stateErr *ServiceStateTimeoutError
	if errors.As(err, &stateErr) {
		t.Fatalf("unknown output was retried until the state timeout: %v", err)
	}
}

func TestWaitForMemfaultdStartThenExec(t *testing.T) {
	console := test.NewConsole(t)
	console.SetJournal(t,
		"Oct 17 10:00:00 qemuarm64 systemd[1]: Starting memfaultd daemon...",
		"Oct 17 10:00:01 qemuarm64 systemd[1]: Started memfaultd daemon.",
	)
	executor, s := newFixtureExecutor(t, console, 0)
	ctx := context.Background()

	if err := executor.WaitForMemfaultdStart(ctx, 0); err != nil {
		t.Fatalf("WaitForMemfaultdStart() error = %v", err)
	}

	if err := executor.Exec(ctx, "echo after-$((3+3))"); err != nil {
		t.Fatalf("Exec() after journald wait error = %v", err)
	}
	if _, err := s.ExpectString(ctx, 0, "after-6"); err != nil {
		t.Fatalf("Expect(after-6) error = %v", err)
	}
}

func TestExpectJournaldMessageTimesOut(t *testing.T) {
	console := test.NewConsole(t)
	console.SetJournal(t, "Oct 17 10:00:00 qemuarm64 memfaultd[42]: collecting metrics")
	executor, _ := newFixtureExecutor(t, console, 0)

	err := executor.ExpectJournaldMessage(context.Background(), "memfaultd", "Started memfaultd daemon", 500*time.Millisecond, 10)
	var expectErr *session.ExpectTimeoutError
	if !errors.As(err, &expectErr) {
		t.Fatalf("ExpectJournaldMessage() error = %v, want *session.ExpectTimeoutError", err)
	}
}

func TestServiceStateTimeoutErrorWithoutObservation(t *testing.T) {
	err := &ServiceStateTimeoutError{Service: "collectd", Expected: StateActive, Timeout: time.Second}
	if !strings.Contains(err.Error(), "Last state: none") {
		t.Fatalf("Error() = %q", err.Error())
	}
}
