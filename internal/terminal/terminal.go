// Package terminal attaches the host terminal to a guest serial console.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ErrEscapeSequence is returned when the user triggers the escape sequence.
var ErrEscapeSequence = errors.New("escape sequence detected")

// Console wraps terminal operations for console attachment.
type Console struct {
	stdin  *os.File
	stdout *os.File
	fd     int
}

// Current returns the current console.
func Current() *Console {
	return &Console{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		fd:     int(os.Stdin.Fd()),
	}
}

// IsTTY returns true if stdin is a terminal.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// SetRaw puts the terminal into raw mode and returns restore function.
func (c *Console) SetRaw() (func(), error) {
	oldState, err := term.MakeRaw(c.fd)
	if err != nil {
		return nil, err
	}
	return func() {
		term.Restore(c.fd, oldState)
	}, nil
}

// Size returns the current terminal size.
func (c *Console) Size() (width, height int, err error) {
	return term.GetSize(c.fd)
}

// Attach copies keyboard input to stream and stream output to the
// terminal until ctx ends, the stream closes or the user types the escape
// sequence, in which case ErrEscapeSequence is returned. The terminal is
// in raw mode for the duration.
func (c *Console) Attach(ctx context.Context, stream io.ReadWriter) error {
	restore, err := c.SetRaw()
	if err != nil {
		return fmt.Errorf("terminal: raw mode: %w", err)
	}
	defer restore()

	fmt.Fprintf(c.stdout, "Escape sequence: Ctrl+] Ctrl+] (press twice quickly to detach)\r\n")
	return pipe(ctx, c.stdin, c.stdout, stream)
}

// pipe runs the two copy loops of Attach. The input loop may stay blocked
// on in after pipe returns; it exits on the next keypress.
func pipe(ctx context.Context, in io.Reader, out io.Writer, stream io.ReadWriter) error {
	keys := NewEscapeReader(in)

	inDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(stream, keys)
		inDone <- err
	}()

	outDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(out, stream)
		outDone <- err
	}()

	// Escape ends the input loop once the keys typed before it are sent.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-inDone:
		select {
		case <-keys.Escaped():
			fmt.Fprintf(out, "\r\nDetached.\r\n")
			return ErrEscapeSequence
		default:
		}
		return err
	case err := <-outDone:
		return err
	}
}
