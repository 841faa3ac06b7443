package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// ErrNoSelection is returned when the selector yields nothing while
// unsearched identifiers remain.
var ErrNoSelection = errors.New("selector returned no identifiers")

// TransientFetchError marks a failure worth retrying (timeouts, resets,
// throttling responses).
type TransientFetchError struct {
	Op  string
	Err error
}

func (e *TransientFetchError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("transient fetch error: %v", e.Err)
	}
	return fmt.Sprintf("transient fetch error (%s): %v", e.Op, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// RetryExhaustedError is returned when every scheduled attempt failed
// transiently. The batch is kept verbatim for diagnosis.
type RetryExhaustedError struct {
	Batch    []string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("batch of %d items failed after %d attempts: %v", len(e.Batch), e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// FatalFetchError wraps a non-transient fetch failure.
type FatalFetchError struct {
	Batch []string
	Err   error
}

func (e *FatalFetchError) Error() string {
	return fmt.Sprintf("fatal fetch error for batch of %d items: %v", len(e.Batch), e.Err)
}

func (e *FatalFetchError) Unwrap() error { return e.Err }

// ProcessError wraps a failure of the data source's process step.
type ProcessError struct {
	Batch []string
	Err   error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("process batch of %d items: %v", len(e.Batch), e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// CorruptStateError is returned when neither the primary nor the backup copy
// of a checkpoint file can be decoded.
type CorruptStateError struct {
	Path string
	Err  error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt state in %s: %v", e.Path, e.Err)
}

func (e *CorruptStateError) Unwrap() error { return e.Err }

// PartialResultError describes one item whose lookup failed inside an
// otherwise successful batch. The item is still recorded, with the affected
// fields absent.
type PartialResultError struct {
	ID    string
	Field string
	Err   error
}

func (e PartialResultError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("partial result for %s: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("partial result for %s (%s): %v", e.ID, e.Field, e.Err)
}

func (e PartialResultError) Unwrap() error { return e.Err }

// IsTransient classifies network-layer failures that the retry schedule
// should absorb. Cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var transient *TransientFetchError
	if errors.As(err, &transient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
