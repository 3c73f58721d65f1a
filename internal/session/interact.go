package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

// EscapeByte (Ctrl-]) ends Interact when read from the user's input.
const EscapeByte byte = 0x1d

// Interact connects the console to a user terminal. Output is copied to out
// (starting with anything still buffered) and input read from in is
// forwarded to the child until in yields EscapeByte, in ends, the child
// exits, or ctx is cancelled.
//
// The caller owns terminal mode handling. A goroutine blocked reading in is
// left behind when Interact returns for any reason other than in ending.
func (s *Session) Interact(ctx context.Context, in io.Reader, out io.Writer) error {
	if s == nil {
		return errors.New("session is nil")
	}
	if in == nil || out == nil {
		return errors.New("interact requires input and output")
	}
	if !s.expecting.CompareAndSwap(false, true) {
		return ErrExpectInFlight
	}
	defer s.expecting.Store(false)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	pending := s.buf
	s.buf = nil
	s.tap = out
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.tap = nil
		s.mu.Unlock()
	}()

	if len(pending) > 0 {
		if _, err := out.Write(pending); err != nil {
			return fmt.Errorf("write console output: %w", err)
		}
	}

	inputDone := make(chan error, 1)
	go func() {
		inputDone <- s.forwardInput(in)
	}()

	select {
	case err := <-inputDone:
		return err
	case <-s.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) forwardInput(in io.Reader) error {
	chunk := make([]byte, 256)
	for {
		n, err := in.Read(chunk)
		if n > 0 {
			data := chunk[:n]
			escaped := false
			if idx := bytes.IndexByte(data, EscapeByte); idx >= 0 {
				data = data[:idx]
				escaped = true
			}
			if len(data) > 0 {
				if sendErr := s.Send(string(data)); sendErr != nil {
					return sendErr
				}
			}
			if escaped {
				return nil
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read terminal input: %w", err)
		}
	}
}
