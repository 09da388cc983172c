package virtionet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ehrlich-b/go-virtionet/internal/ctrl"
	"github.com/ehrlich-b/go-virtionet/internal/dma"
	"github.com/ehrlich-b/go-virtionet/internal/intr"
	"github.com/ehrlich-b/go-virtionet/internal/virtqueue"
)

// Error represents a structured driver error with device and queue context
type Error struct {
	Op     string    // Operation that failed (e.g., "ATTACH", "TRANSMIT")
	Device string    // Function name ("" if not applicable)
	Queue  int       // Queue index (-1 if not applicable)
	Code   ErrorCode // High-level error category
	Msg    string    // Human-readable message
	Inner  error     // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Device != "" {
		parts = append(parts, fmt.Sprintf("dev=%s", e.Device))
	}

	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("virtionet: %s (%s)", msg, strings.Join(parts, " "))
	}

	return fmt.Sprintf("virtionet: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches sentinel errors and other structured errors by code
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if se, ok := target.(SentinelError); ok {
		return e.Code == ErrorCode(se)
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeUnsupportedDevice     ErrorCode = "unsupported device"
	ErrCodeFeatureNegotiation    ErrorCode = "feature negotiation failed"
	ErrCodeNoUsableQueues        ErrorCode = "no usable queues"
	ErrCodeAllocation            ErrorCode = "allocation failed"
	ErrCodeQueueFull             ErrorCode = "queue full"
	ErrCodeUnexpectedInterrupt   ErrorCode = "unexpected interrupt cause"
	ErrCodeBusy                  ErrorCode = "busy"
	ErrCodeInvalidState          ErrorCode = "invalid state"
	ErrCodeNotSupported          ErrorCode = "not supported"
	ErrCodeInvalidParameters     ErrorCode = "invalid parameters"
	ErrCodeCommandRejected       ErrorCode = "command rejected by device"
	ErrCodeTimeout               ErrorCode = "timeout"
	ErrCodeDeviceNotFound        ErrorCode = "device not found"
	ErrCodeRegisterMappingFailed ErrorCode = "register mapping failed"
)

// SentinelError is a comparable error matching every *Error of its code
type SentinelError string

func (e SentinelError) Error() string {
	return string(e)
}

// Sentinel errors, usable with errors.Is
const (
	ErrUnsupportedDevice        SentinelError = SentinelError(ErrCodeUnsupportedDevice)
	ErrFeatureNegotiationFailed SentinelError = SentinelError(ErrCodeFeatureNegotiation)
	ErrNoUsableQueues           SentinelError = SentinelError(ErrCodeNoUsableQueues)
	ErrAllocation               SentinelError = SentinelError(ErrCodeAllocation)
	ErrQueueFull                SentinelError = SentinelError(ErrCodeQueueFull)
	ErrUnexpectedInterruptCause SentinelError = SentinelError(ErrCodeUnexpectedInterrupt)
	ErrBusy                     SentinelError = SentinelError(ErrCodeBusy)
	ErrInvalidState             SentinelError = SentinelError(ErrCodeInvalidState)
	ErrNotSupported             SentinelError = SentinelError(ErrCodeNotSupported)
	ErrInvalidParameters        SentinelError = SentinelError(ErrCodeInvalidParameters)
	ErrCommandRejected          SentinelError = SentinelError(ErrCodeCommandRejected)
	ErrTimeout                  SentinelError = SentinelError(ErrCodeTimeout)
	ErrDeviceNotFound           SentinelError = SentinelError(ErrCodeDeviceNotFound)
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewDeviceError creates a new device-specific error
func NewDeviceError(op string, device string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		Device: device,
		Queue:  -1,
		Code:   code,
		Msg:    msg,
	}
}

// NewQueueError creates a new queue-specific error
func NewQueueError(op string, device string, queue int, code ErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		Device: device,
		Queue:  queue,
		Code:   code,
		Msg:    msg,
	}
}

// WrapError wraps an existing error with driver context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	var ve *Error
	if errors.As(inner, &ve) {
		return &Error{
			Op:     op,
			Device: ve.Device,
			Queue:  ve.Queue,
			Code:   ve.Code,
			Msg:    ve.Msg,
			Inner:  ve.Inner,
		}
	}

	return &Error{
		Op:    op,
		Queue: -1,
		Code:  mapErrorToCode(inner),
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// wrapDeviceError wraps inner with the device name
func wrapDeviceError(op string, device string, inner error) *Error {
	e := WrapError(op, inner)
	if e != nil && e.Device == "" {
		e.Device = device
	}
	return e
}

// mapErrorToCode maps internal sentinels to error codes
func mapErrorToCode(err error) ErrorCode {
	switch {
	case errors.Is(err, ctrl.ErrUnsupportedDevice):
		return ErrCodeUnsupportedDevice
	case errors.Is(err, ctrl.ErrFeatureNegotiation):
		return ErrCodeFeatureNegotiation
	case errors.Is(err, ctrl.ErrNoUsableQueues):
		return ErrCodeNoUsableQueues
	case errors.Is(err, ctrl.ErrMapping):
		return ErrCodeRegisterMappingFailed
	case errors.Is(err, ctrl.ErrAllocation), errors.Is(err, ctrl.ErrInterrupt),
		errors.Is(err, virtqueue.ErrAllocation):
		return ErrCodeAllocation
	case errors.Is(err, ctrl.ErrInvalidState), errors.Is(err, virtqueue.ErrClosed),
		errors.Is(err, dma.ErrClosed):
		return ErrCodeInvalidState
	case errors.Is(err, virtqueue.ErrQueueFull):
		return ErrCodeQueueFull
	case errors.Is(err, dma.ErrExhausted):
		return ErrCodeBusy
	case errors.Is(err, dma.ErrTooLarge), errors.Is(err, virtqueue.ErrChainTooLong),
		errors.Is(err, virtqueue.ErrEmptyChain), errors.Is(err, virtqueue.ErrDirection):
		return ErrCodeInvalidParameters
	case errors.Is(err, intr.ErrUnexpectedCause):
		return ErrCodeUnexpectedInterrupt
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	default:
		return ErrCodeInvalidState
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Code == code
	}
	return false
}
