package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/memfault/yocto-e2e/internal/tracing"
)

// Pattern is one alternative passed to Expect: a literal or a regular expression.
type Pattern struct {
	literal string
	re      *regexp.Regexp
}

// Literal matches s byte for byte.
func Literal(s string) Pattern {
	return Pattern{literal: s}
}

// Regexp matches re against the unconsumed output.
func Regexp(re *regexp.Regexp) Pattern {
	return Pattern{re: re}
}

// MustCompile is Regexp(regexp.MustCompile(expr)).
func MustCompile(expr string) Pattern {
	return Regexp(regexp.MustCompile(expr))
}

func (p Pattern) String() string {
	if p.re != nil {
		return "/" + p.re.String() + "/"
	}
	return strconv.Quote(p.literal)
}

func (p Pattern) validate() error {
	if p.re == nil && p.literal == "" {
		return errors.New("empty literal pattern")
	}
	return nil
}

// find returns the leftmost match of p in buf.
func (p Pattern) find(buf []byte) (start, end int, groups []string, ok bool) {
	if p.re == nil {
		idx := strings.Index(string(buf), p.literal)
		if idx < 0 {
			return 0, 0, nil, false
		}
		return idx, idx + len(p.literal), nil, true
	}

	loc := p.re.FindSubmatchIndex(buf)
	if loc == nil {
		return 0, 0, nil, false
	}
	for i := 2; i+1 < len(loc); i += 2 {
		if loc[i] < 0 {
			groups = append(groups, "")
			continue
		}
		groups = append(groups, string(buf[loc[i]:loc[i+1]]))
	}
	return loc[0], loc[1], groups, true
}

// Match describes a successful Expect.
type Match struct {
	// Index is the position of the matching pattern in the Expect call.
	Index int
	// Text is the matched output.
	Text string
	// Groups holds regexp capture groups; empty for literals.
	Groups []string
	// Before is the output skipped ahead of the match.
	Before string
}

// Expect waits until one of patterns matches output that has not been
// consumed by an earlier Expect, then consumes the buffer through the end of
// the match.
//
// When several patterns match, the one starting earliest in the buffer wins
// and ties go to the lower index. A zero timeout uses the session default.
func (s *Session) Expect(ctx context.Context, timeout time.Duration, patterns ...Pattern) (Match, error) {
	if s == nil {
		return Match{}, errors.New("session is nil")
	}
	if len(patterns) == 0 {
		return Match{}, errors.New("expect requires at least one pattern")
	}
	for _, pattern := range patterns {
		if err := pattern.validate(); err != nil {
			return Match{}, err
		}
	}
	if !s.expecting.CompareAndSwap(false, true) {
		return Match{}, ErrExpectInFlight
	}
	defer s.expecting.Store(false)

	if timeout <= 0 {
		timeout = s.timeout
	}
	names := patternNames(patterns)

	ctx, span := tracing.Start(ctx, "session.expect",
		attribute.StringSlice("patterns", names),
		attribute.String("timeout", timeout.String()),
	)
	match, err := s.expect(ctx, timeout, patterns, names)
	if err == nil {
		span.SetAttributes(attribute.Int("match.index", match.Index))
	} else {
		var timeoutErr *ExpectTimeoutError
		if errors.As(err, &timeoutErr) {
			tracing.AddOutputEvent(span, "buffered", timeoutErr.Buffered)
		}
	}
	tracing.End(span, err)
	return match, err
}

// ExpectString is Expect with literal patterns.
func (s *Session) ExpectString(ctx context.Context, timeout time.Duration, literals ...string) (Match, error) {
	patterns := make([]Pattern, 0, len(literals))
	for _, literal := range literals {
		patterns = append(patterns, Literal(literal))
	}
	return s.Expect(ctx, timeout, patterns...)
}

func (s *Session) expect(ctx context.Context, timeout time.Duration, patterns []Pattern, names []string) (Match, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Match{}, ErrClosed
		}
		if match, ok := s.consumeLocked(patterns); ok {
			s.mu.Unlock()
			return match, nil
		}
		if s.eof {
			buffered := string(s.buf)
			readErr := s.readErr
			s.mu.Unlock()
			return Match{}, &ExpectTimeoutError{
				Patterns: names,
				Timeout:  timeout,
				Buffered: buffered,
				EOF:      true,
				Err:      readErr,
			}
		}
		wait := s.notify
		s.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			return Match{}, &ExpectTimeoutError{
				Patterns: names,
				Timeout:  timeout,
				Buffered: s.Buffered(),
			}
		case <-ctx.Done():
			return Match{}, ctx.Err()
		}
	}
}

// consumeLocked finds the earliest match among patterns and drops the buffer
// through its end. The caller holds s.mu.
func (s *Session) consumeLocked(patterns []Pattern) (Match, bool) {
	best := -1
	var bestStart, bestEnd int
	var bestGroups []string

	for i, pattern := range patterns {
		start, end, groups, ok := pattern.find(s.buf)
		if !ok {
			continue
		}
		if best < 0 || start < bestStart {
			best, bestStart, bestEnd, bestGroups = i, start, end, groups
		}
	}
	if best < 0 {
		return Match{}, false
	}

	match := Match{
		Index:  best,
		Text:   string(s.buf[bestStart:bestEnd]),
		Groups: bestGroups,
		Before: string(s.buf[:bestStart]),
	}
	s.buf = append([]byte(nil), s.buf[bestEnd:]...)
	return match, true
}

func patternNames(patterns []Pattern) []string {
	names := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		names = append(names, pattern.String())
	}
	return names
}

func describePatterns(names []string) string {
	return fmt.Sprintf("[%s]", strings.Join(names, ", "))
}
