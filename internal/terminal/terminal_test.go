package terminal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// loopStream records what is written to it and serves a fixed output.
type loopStream struct {
	mu      sync.Mutex
	written bytes.Buffer
	out     io.Reader
}

func (s *loopStream) Read(p []byte) (int, error) { return s.out.Read(p) }

func (s *loopStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.Write(p)
}

func (s *loopStream) Written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.String()
}

// syncBuffer is a bytes.Buffer safe for concurrent use.
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

func TestPipeEscape(t *testing.T) {
	guestOut, guestW := io.Pipe()
	defer guestW.Close()
	stream := &loopStream{out: guestOut}

	keys := []byte("ls\r")
	keys = append(keys, EscapeChar, EscapeChar)
	var out syncBuffer

	err := pipe(context.Background(), bytes.NewReader(keys), &out, stream)
	if !errors.Is(err, ErrEscapeSequence) {
		t.Fatalf("pipe() = %v, want ErrEscapeSequence", err)
	}
	if got := stream.Written(); got != "ls\r" {
		t.Errorf("guest received %q, want %q", got, "ls\r")
	}
	if !strings.Contains(out.String(), "Detached") {
		t.Errorf("output %q missing detach notice", out.String())
	}
}

func TestPipeStreamClosed(t *testing.T) {
	stream := &loopStream{out: strings.NewReader("login: ")}
	keysR, keysW := io.Pipe()
	defer keysW.Close()
	var out syncBuffer

	if err := pipe(context.Background(), keysR, &out, stream); err != nil {
		t.Fatalf("pipe() error: %v", err)
	}
	if out.String() != "login: " {
		t.Errorf("output = %q, want %q", out.String(), "login: ")
	}
}

func TestPipeContextCanceled(t *testing.T) {
	guestOut, guestW := io.Pipe()
	defer guestW.Close()
	keysR, keysW := io.Pipe()
	defer keysW.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := pipe(ctx, keysR, io.Discard, &loopStream{out: guestOut})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("pipe() = %v, want DeadlineExceeded", err)
	}
}
