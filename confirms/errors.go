package confirms

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPublishNacked is returned when the broker negatively acknowledges a publish
	ErrPublishNacked = errors.New("confirms: publish rejected by broker")

	// ErrConfirmTimeout is returned when no confirmation arrives within the configured window
	ErrConfirmTimeout = errors.New("confirms: timeout waiting for publish confirmation")

	// ErrTrackerClosed is returned for publishes still pending when the tracker shuts down
	ErrTrackerClosed = errors.New("confirms: tracker is closed")

	// ErrInvalidConfiguration is returned for invalid tracker construction parameters
	ErrInvalidConfiguration = errors.New("confirms: invalid configuration")

	// ErrNilChannel is returned when a nil channel is supplied to a tracker entry point
	ErrNilChannel = errors.New("confirms: channel is nil")
)

// NackError reports a broker-rejected publish
type NackError struct {
	SequenceNumber uint64 // sequence number the broker nacked
}

func (e *NackError) Error() string {
	return fmt.Sprintf("confirms: broker rejected publish with sequence number %d", e.SequenceNumber)
}

func (e *NackError) Unwrap() error {
	return ErrPublishNacked
}

// ConfirmTimeoutError reports a publish whose confirmation never arrived
type ConfirmTimeoutError struct {
	SequenceNumber uint64        // sequence number that went unconfirmed
	Timeout        time.Duration // window that elapsed
}

func (e *ConfirmTimeoutError) Error() string {
	return fmt.Sprintf("confirms: no confirmation for sequence number %d within %v", e.SequenceNumber, e.Timeout)
}

func (e *ConfirmTimeoutError) Unwrap() error {
	return ErrConfirmTimeout
}

// PublishError reports a failure to issue the publish action itself
type PublishError struct {
	SequenceNumber uint64 // sequence number the publish would have used
	Err            error  // underlying error from the publish action
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("confirms: publish for sequence number %d failed: %v", e.SequenceNumber, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
