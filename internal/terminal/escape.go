package terminal

import (
	"io"
	"sync"
	"time"
)

const (
	// EscapeChar is Ctrl+] (0x1D).
	EscapeChar = 0x1D

	// EscapeCount is the number of consecutive escape chars needed.
	EscapeCount = 2

	// EscapeTimeout is the maximum time between escape key presses.
	EscapeTimeout = 500 * time.Millisecond
)

// EscapeReader wraps keyboard input and detects the detach sequence:
// EscapeCount EscapeChar bytes, each within EscapeTimeout of the last.
// A held-back escape char that turns out not to start the sequence is
// passed through with the next byte. Once the sequence is seen, Escaped
// is closed and Read returns io.EOF.
type EscapeReader struct {
	r       io.Reader
	escaped chan struct{}
	once    sync.Once
	clock   func() time.Time

	buf  []byte
	out  []byte
	held int
	last time.Time
	done bool
	err  error
}

// NewEscapeReader creates an EscapeReader wrapping the given reader.
func NewEscapeReader(r io.Reader) *EscapeReader {
	return &EscapeReader{
		r:       r,
		escaped: make(chan struct{}),
		clock:   time.Now,
		buf:     make([]byte, 4096),
	}
}

// Escaped returns a channel that is closed when the escape sequence is detected.
func (e *EscapeReader) Escaped() <-chan struct{} {
	return e.escaped
}

// Read returns input with the detach sequence removed.
func (e *EscapeReader) Read(p []byte) (int, error) {
	for len(e.out) == 0 {
		if e.done {
			return 0, io.EOF
		}
		if e.err != nil {
			return 0, e.err
		}
		n, err := e.r.Read(e.buf)
		e.scan(e.buf[:n])
		e.err = err
	}
	n := copy(p, e.out)
	e.out = e.out[n:]
	return n, nil
}

func (e *EscapeReader) scan(in []byte) {
	for _, b := range in {
		if b != EscapeChar {
			e.release()
			e.out = append(e.out, b)
			continue
		}

		now := e.clock()
		if e.held > 0 && now.Sub(e.last) > EscapeTimeout {
			e.release()
		}
		e.held++
		e.last = now
		if e.held >= EscapeCount {
			e.held = 0
			e.done = true
			e.once.Do(func() { close(e.escaped) })
			return
		}
	}
}

// release passes held escape chars through as ordinary input.
func (e *EscapeReader) release() {
	for ; e.held > 0; e.held-- {
		e.out = append(e.out, EscapeChar)
	}
}
