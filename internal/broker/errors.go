package broker

import (
	"errors"
	"fmt"
)

// ErrConnectionClosed is reported when the broker closes a connection
// without giving a reason.
var ErrConnectionClosed = errors.New("broker connection closed")

// ConnectionError is returned once every connection attempt has failed.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("could not connect to broker after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// RetryableError marks a processing failure the broker should redeliver:
// the delivery is rejected with requeue.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable error: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// PermanentError marks a delivery that can never be processed, such as a
// body that does not parse. It is rejected without requeue and dropped.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err asks for the delivery to be requeued.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsPermanent reports whether err means the delivery should be dropped.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsConnectionError reports whether err means connection attempts ran out.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}
