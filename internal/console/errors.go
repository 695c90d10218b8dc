package console

import (
	"fmt"
	"time"
)

// LaunchError indicates the guest process could not be started.
type LaunchError struct {
	Name string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Name, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// ExpectTimeoutError indicates no match arrived before the deadline.
// Tail holds the last bytes of the working buffer (up to timeoutTailBytes)
// so the failure message shows what the guest actually printed.
type ExpectTimeoutError struct {
	Pattern string
	Timeout time.Duration
	Tail    []byte
}

func (e *ExpectTimeoutError) Error() string {
	return fmt.Sprintf("timeout (%s) waiting for %q. Last output: %q",
		e.Timeout, e.Pattern, e.Tail)
}

// ProcessExitedError indicates the guest died while an expect was pending.
type ProcessExitedError struct {
	Name     string
	ExitCode int
}

func (e *ProcessExitedError) Error() string {
	return fmt.Sprintf("%s exited unexpectedly (code %d)", e.Name, e.ExitCode)
}
