// Package delivery defines the outbound message delivery abstraction for
// FunnelPipe and its implementations.
//
// A Sink sends one message to one recipient. Failures are classified as
// transient (retryable: network problems, rate limits, provider outages) or
// permanent (recipient invalid or unreachable for good); the run scheduler
// retries the former with backoff and fails a run immediately on the latter.
package delivery

import (
	"context"
	"errors"
	"fmt"
)

// Sink is the outbound message sender consumed by the run scheduler.
type Sink interface {
	// Send delivers body to recipient. A nil return means delivered. A
	// non-nil return is transient unless it is (or wraps) a permanent error.
	Send(ctx context.Context, recipient string, body string) error
}

// permanentError marks a delivery failure that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so IsPermanent reports true for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Permanentf formats a new permanent delivery error.
func Permanentf(format string, args ...interface{}) error {
	return &permanentError{err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err is a permanent delivery failure.
// Unclassified errors are treated as transient.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
