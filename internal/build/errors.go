package build

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrCanceled is returned, alongside the context error, when the caller
// abandons a build.
var ErrCanceled = errors.New("build: canceled")

// HangError reports a build whose COMPLETE never arrived within the
// configured timeout.
type HangError struct {
	ID      string
	Timeout time.Duration
	// Drained is true when the guest answered the cancel request with a
	// COMPLETE inside the grace period, leaving the channel at a packet
	// boundary.
	Drained bool
}

func (e *HangError) Error() string {
	msg := fmt.Sprintf("build %s: no completion within %s", e.ID, e.Timeout)
	if !e.Drained {
		msg += " (guest did not acknowledge cancel)"
	}
	return msg
}

func (e *HangError) Unwrap() error { return context.DeadlineExceeded }
