package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func spawnScript(t *testing.T, script string) *Session {
	t.Helper()
	s, err := Spawn(context.Background(), "/bin/sh", []string{"-c", script}, Options{
		Timeout:     2 * time.Second,
		GracePeriod: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSpawnMissingExecutable(t *testing.T) {
	_, err := Spawn(context.Background(), "definitely-not-a-real-binary-mfe2e", nil, Options{})
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Spawn() error = %v, want *SpawnError", err)
	}
	if spawnErr.Command != "definitely-not-a-real-binary-mfe2e" {
		t.Fatalf("SpawnError.Command = %q", spawnErr.Command)
	}
}

func TestSpawnImmediateExitIsSpawnError(t *testing.T) {
	_, err := Spawn(context.Background(), "/bin/sh", []string{"-c", "echo boom; exit 3"}, Options{
		StartupWindow: time.Second,
	})
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Spawn() error = %v, want *SpawnError", err)
	}
	if !strings.Contains(spawnErr.Error(), "exited immediately") {
		t.Fatalf("SpawnError = %q, want exit reason", spawnErr.Error())
	}
}

func TestExpectIsOrderedAndConsumes(t *testing.T) {
	s := spawnScript(t, `printf 'one two three\n'; sleep 5`)
	ctx := context.Background()

	match, err := s.ExpectString(ctx, 0, "two")
	if err != nil {
		t.Fatalf("Expect(two) error = %v", err)
	}
	if match.Before != "one " || match.Text != "two" {
		t.Fatalf("match = %+v, want Before %q Text %q", match, "one ", "two")
	}

	_, err = s.ExpectString(ctx, 200*time.Millisecond, "one")
	var timeoutErr *ExpectTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Expect(one) error = %v, want *ExpectTimeoutError", err)
	}
	if timeoutErr.EOF {
		t.Fatal("timeout reported EOF while the child is alive")
	}

	if _, err := s.ExpectString(ctx, 0, "three"); err != nil {
		t.Fatalf("Expect(three) after timeout error = %v", err)
	}
}

func TestExpectEarliestMatchWins(t *testing.T) {
	s := spawnScript(t, `printf 'alpha beta\n'; sleep 5`)

	match, err := s.Expect(context.Background(), 0, Literal("beta"), Literal("alpha"))
	if err != nil {
		t.Fatalf("Expect() error = %v", err)
	}
	if match.Index != 1 || match.Text != "alpha" {
		t.Fatalf("match = %+v, want index 1 alpha", match)
	}
}

func TestExpectTieGoesToLowerIndex(t *testing.T) {
	s := spawnScript(t, `printf 'gamma\n'; sleep 5`)

	match, err := s.Expect(context.Background(), 0, MustCompile(`gam+a`), Literal("gamma"))
	if err != nil {
		t.Fatalf("Expect() error = %v", err)
	}
	if match.Index != 0 {
		t.Fatalf("match.Index = %d, want 0", match.Index)
	}
}

func TestExpectRegexpGroups(t *testing.T) {
	s := spawnScript(t, `printf 'state=active\n'; sleep 5`)

	match, err := s.Expect(context.Background(), 0, MustCompile(`state=(\w+)`))
	if err != nil {
		t.Fatalf("Expect() error = %v", err)
	}
	if len(match.Groups) != 1 || match.Groups[0] != "active" {
		t.Fatalf("match.Groups = %q, want [active]", match.Groups)
	}
}

func TestExpectReportsEOF(t *testing.T) {
	s, err := Spawn(context.Background(), "/bin/sh", []string{"-c", "sleep 0.3; echo bye"}, Options{
		StartupWindow: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.ExpectString(context.Background(), 5*time.Second, "never")
	var timeoutErr *ExpectTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Expect() error = %v, want *ExpectTimeoutError", err)
	}
	if !timeoutErr.EOF {
		t.Fatalf("EOF = false, want true (err %v)", err)
	}
	if !strings.Contains(timeoutErr.Buffered, "bye") {
		t.Fatalf("Buffered = %q, want child output", timeoutErr.Buffered)
	}
}

func TestExpectTimeoutStripsEscapes(t *testing.T) {
	s := spawnScript(t, `printf '\033[31mred\033[0m\n'; sleep 5`)

	_, err := s.ExpectString(context.Background(), 300*time.Millisecond, "green")
	var timeoutErr *ExpectTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Expect() error = %v, want *ExpectTimeoutError", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "red") {
		t.Fatalf("error = %q, want buffered output", msg)
	}
	if strings.Contains(msg, `\x1b`) {
		t.Fatalf("error = %q, want escape sequences stripped", msg)
	}
}

func TestExpectRejectsEmptyLiteral(t *testing.T) {
	s := spawnScript(t, `sleep 5`)
	if _, err := s.ExpectString(context.Background(), 0, ""); err == nil {
		t.Fatal("Expect(\"\") error = nil, want error")
	}
}

func TestExpectHonorsContext(t *testing.T) {
	s := spawnScript(t, `sleep 5`)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := s.ExpectString(ctx, 5*time.Second, "never")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expect() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestConcurrentExpectFailsFast(t *testing.T) {
	s := spawnScript(t, `sleep 5`)

	done := make(chan error, 1)
	go func() {
		_, err := s.ExpectString(context.Background(), time.Second, "never")
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for !s.expecting.Load() {
		if time.Now().After(deadline) {
			t.Fatal("first Expect never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := s.ExpectString(context.Background(), 0, "other"); !errors.Is(err, ErrExpectInFlight) {
		t.Fatalf("second Expect() error = %v, want ErrExpectInFlight", err)
	}
	<-done
}

func TestSendLineReachesChild(t *testing.T) {
	s := spawnScript(t, `read line; echo "got:$line"; sleep 5`)

	if err := s.SendLine("ping"); err != nil {
		t.Fatalf("SendLine() error = %v", err)
	}
	if _, err := s.ExpectString(context.Background(), 0, "got:ping"); err != nil {
		t.Fatalf("Expect() error = %v", err)
	}
}

func TestCloseIsIdempotentAndReaps(t *testing.T) {
	s := spawnScript(t, `sleep 30`)

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("child not reaped after Close")
	}

	if err := s.SendLine("x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendLine() after Close error = %v, want ErrClosed", err)
	}
	if _, err := s.ExpectString(context.Background(), 0, "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Expect() after Close error = %v, want ErrClosed", err)
	}
}

func TestCloseEscalatesPastIgnoredSIGTERM(t *testing.T) {
	s := spawnScript(t, `trap '' TERM HUP; while :; do sleep 1; done`)

	start := time.Now()
	_ = s.Close()
	select {
	case <-s.Done():
	default:
		t.Fatal("child not reaped after Close")
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Fatalf("Close took %s", elapsed)
	}
}

func TestInteractForwardsUntilEscape(t *testing.T) {
	s := spawnScript(t, `while read line; do echo "got:$line"; done`)

	inReader, inWriter := io.Pipe()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- s.Interact(context.Background(), inReader, out)
	}()

	if _, err := inWriter.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write input: %v", err)
	}
	waitForOutput(t, out, "got:hello")

	if _, err := inWriter.Write([]byte{EscapeByte}); err != nil {
		t.Fatalf("write escape: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Interact() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Interact did not return after escape byte")
	}
}

func TestInteractStopsOnContextCancel(t *testing.T) {
	s := spawnScript(t, `sleep 5`)
	ctx, cancel := context.WithCancel(context.Background())
	inReader, _ := io.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- s.Interact(ctx, inReader, &syncBuffer{})
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Interact() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Interact did not return after cancel")
	}
}

func TestExpectRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = provider.Shutdown(context.Background())
	})

	s := spawnScript(t, `printf 'ready\n'; sleep 5`)
	if _, err := s.ExpectString(context.Background(), 0, "ready"); err != nil {
		t.Fatalf("Expect() error = %v", err)
	}

	for _, span := range recorder.Ended() {
		if span.Name() == "session.expect" {
			return
		}
	}
	t.Fatal("session.expect span not recorded")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitForOutput(t *testing.T, out *syncBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), want) {
		if time.Now().After(deadline) {
			t.Fatalf("output = %q, want %q", out.String(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
