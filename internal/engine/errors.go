package engine

import (
	"errors"
	"fmt"

	"github.com/muurk/rbfhub/internal/protocol"
)

// ErrorType categorizes engine failures
type ErrorType int

const (
	// ErrTypeTransport indicates an I/O failure on the link
	ErrTypeTransport ErrorType = iota
	// ErrTypeFrameCorrupt indicates the link delivered frames that failed their CRC
	ErrTypeFrameCorrupt
	// ErrTypeTimeout indicates no matching response arrived within the retry budget
	ErrTypeTimeout
	// ErrTypeProtocolReject indicates the hub or device answered with a non-zero status
	ErrTypeProtocolReject
	// ErrTypeBusy indicates a request for the same correlation key is already outstanding
	ErrTypeBusy
	// ErrTypePartialFailure indicates a batch where some members failed
	ErrTypePartialFailure
	// ErrTypeCanceled indicates the request was canceled before completing
	ErrTypeCanceled
	// ErrTypeValidation indicates invalid arguments rejected before transmission
	ErrTypeValidation
	// ErrTypeClosed indicates the engine has been closed
	ErrTypeClosed
)

// String returns a human-readable name for the error type
func (t ErrorType) String() string {
	switch t {
	case ErrTypeTransport:
		return "Transport Fault"
	case ErrTypeFrameCorrupt:
		return "Frame Corrupt"
	case ErrTypeTimeout:
		return "Timeout"
	case ErrTypeProtocolReject:
		return "Protocol Reject"
	case ErrTypeBusy:
		return "Busy"
	case ErrTypePartialFailure:
		return "Partial Failure"
	case ErrTypeCanceled:
		return "Canceled"
	case ErrTypeValidation:
		return "Validation Error"
	case ErrTypeClosed:
		return "Engine Closed"
	default:
		return "Unknown Error"
	}
}

// Error is a structured engine error with context
type Error struct {
	Type      ErrorType
	Op        protocol.Opcode   // request opcode, if any
	Device    protocol.DeviceID // addressed device, HubID for hub commands
	Code      protocol.Status   // status reported by the hub (ErrTypeProtocolReject)
	Message   string
	Err       error // underlying error
	Retryable bool
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if e.Op != 0 {
		msg = fmt.Sprintf("%s %s", e.Op, e.Device)
		if e.Message != "" {
			msg += ": " + e.Message
		}
	}
	if e.Type == ErrTypeProtocolReject {
		msg += fmt.Sprintf(" (status %s)", e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, msg)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrClosed is returned by every operation once Close has been called.
var ErrClosed = &Error{Type: ErrTypeClosed, Message: "engine closed"}

// NewTransportError wraps a link I/O failure
func NewTransportError(message string, err error) *Error {
	return &Error{
		Type:      ErrTypeTransport,
		Message:   message,
		Err:       err,
		Retryable: true,
	}
}

// NewFrameCorruptError reports a run of frames that failed their CRC
func NewFrameCorruptError(run int) *Error {
	return &Error{
		Type:      ErrTypeFrameCorrupt,
		Message:   fmt.Sprintf("%d consecutive corrupt frames", run),
		Retryable: true,
	}
}

// NewTimeoutError reports an exhausted retry budget
func NewTimeoutError(op protocol.Opcode, dev protocol.DeviceID, attempts int) *Error {
	return &Error{
		Type:      ErrTypeTimeout,
		Op:        op,
		Device:    dev,
		Message:   fmt.Sprintf("no response after %d attempts", attempts),
		Retryable: true,
	}
}

// NewRejectError reports a non-zero status returned by the hub or a device
func NewRejectError(op protocol.Opcode, dev protocol.DeviceID, code protocol.Status) *Error {
	return &Error{
		Type:      ErrTypeProtocolReject,
		Op:        op,
		Device:    dev,
		Code:      code,
		Message:   "rejected",
		Retryable: code == protocol.StatusBusy,
	}
}

// NewBusyError reports a duplicate submission for an outstanding key
func NewBusyError(op protocol.Opcode, dev protocol.DeviceID) *Error {
	return &Error{
		Type:      ErrTypeBusy,
		Op:        op,
		Device:    dev,
		Message:   "request already in flight",
		Retryable: true,
	}
}

// NewCanceledError reports a request canceled by a stop command or shutdown
func NewCanceledError(op protocol.Opcode, message string) *Error {
	return &Error{
		Type:    ErrTypeCanceled,
		Op:      op,
		Message: message,
	}
}

// NewPartialFailureError summarizes a batch with failed members
func NewPartialFailureError(op protocol.Opcode, succeeded, failed int) *Error {
	return &Error{
		Type:    ErrTypePartialFailure,
		Op:      op,
		Message: fmt.Sprintf("%d succeeded, %d failed", succeeded, failed),
	}
}

// NewValidationError reports invalid arguments
func NewValidationError(message string, err error) *Error {
	return &Error{
		Type:    ErrTypeValidation,
		Message: message,
		Err:     err,
	}
}

func errorType(err error) (ErrorType, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Type, true
	}
	return 0, false
}

func isType(err error, t ErrorType) bool {
	got, ok := errorType(err)
	return ok && got == t
}

// IsTransportError checks if an error is a link I/O failure
func IsTransportError(err error) bool { return isType(err, ErrTypeTransport) }

// IsFrameCorrupt checks if an error reports a run of corrupt frames
func IsFrameCorrupt(err error) bool { return isType(err, ErrTypeFrameCorrupt) }

// IsTimeout checks if an error is an exhausted retry budget
func IsTimeout(err error) bool { return isType(err, ErrTypeTimeout) }

// IsReject checks if an error carries a device or hub status code
func IsReject(err error) bool { return isType(err, ErrTypeProtocolReject) }

// IsBusy checks if an error is a duplicate-submission rejection
func IsBusy(err error) bool { return isType(err, ErrTypeBusy) }

// IsCanceled checks if an error is a cancellation
func IsCanceled(err error) bool { return isType(err, ErrTypeCanceled) }

// IsPartialFailure checks if an error summarizes a partially failed batch
func IsPartialFailure(err error) bool { return isType(err, ErrTypePartialFailure) }

// IsValidationError checks if an error is an argument validation failure
func IsValidationError(err error) bool { return isType(err, ErrTypeValidation) }

// IsClosed checks if an error reports a closed engine
func IsClosed(err error) bool { return isType(err, ErrTypeClosed) }

// RejectCode returns the status carried by a ProtocolReject error.
func RejectCode(err error) (protocol.Status, bool) {
	var e *Error
	if errors.As(err, &e) && e.Type == ErrTypeProtocolReject {
		return e.Code, true
	}
	return 0, false
}

// IsRetryable checks if an error should be retried by the caller
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
