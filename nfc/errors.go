package nfc

import (
	"errors"
	"strings"
)

// ErrorCode represents a specific type of NFC error for programmatic handling.
type ErrorCode int

const (
	// Reader and tag operation errors (100-199)
	ErrCodeNotConnected ErrorCode = iota + 100
	ErrCodeNoCard
	ErrCodeAuthFailed
	ErrCodeBusy
	ErrCodeTransport
	ErrCodeReadFailed
	ErrCodeWriteFailed
	ErrCodeInvalidData
)

// NFCError provides structured error information for programmatic handling.
type NFCError struct {
	Code    ErrorCode
	Op      string // Operation that failed (e.g., "authenticate", "read")
	Message string // Human-readable message
	Cause   error  // Underlying error
}

func (e *NFCError) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *NFCError) Unwrap() error {
	return e.Cause
}

// Is matches any NFCError carrying the same code, so the sentinels below work with errors.Is.
func (e *NFCError) Is(target error) bool {
	if t, ok := target.(*NFCError); ok {
		return e.Code == t.Code
	}
	return false
}

var (
	// ErrNotConnected is returned when no reader handle exists. Hardware is never touched.
	ErrNotConnected = &NFCError{Code: ErrCodeNotConnected, Message: "reader not connected"}

	// ErrNoCard is returned by the raw authentication path when no card session exists.
	ErrNoCard = &NFCError{Code: ErrCodeNoCard, Message: "no card present"}

	// ErrBusy is returned when another hardware transaction holds the guard.
	ErrBusy = &NFCError{Code: ErrCodeBusy, Message: "Busy"}
)

// NewAuthError creates an error for exhausted authentication. cause is the last
// underlying failure, if any.
func NewAuthError(cause error) *NFCError {
	return &NFCError{
		Code:    ErrCodeAuthFailed,
		Message: "authentication failed",
		Cause:   cause,
	}
}

// NewTransportError wraps a failure of the raw command channel.
func NewTransportError(op string, cause error) *NFCError {
	return &NFCError{
		Code:    ErrCodeTransport,
		Op:      op,
		Message: "transport error",
		Cause:   cause,
	}
}

// NewReadError creates an error for read failures.
func NewReadError(cause error) *NFCError {
	return &NFCError{
		Code:    ErrCodeReadFailed,
		Op:      "read",
		Message: "read failed",
		Cause:   cause,
	}
}

// NewWriteError creates an error for write failures.
func NewWriteError(cause error) *NFCError {
	return &NFCError{
		Code:    ErrCodeWriteFailed,
		Op:      "write",
		Message: "write failed",
		Cause:   cause,
	}
}

// IsNotConnectedError checks if an error indicates a missing reader.
func IsNotConnectedError(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

// IsNoCardError checks if an error indicates a missing card session.
func IsNoCardError(err error) bool {
	return errors.Is(err, ErrNoCard)
}

// IsBusyError checks if an error was produced by the concurrency guard.
func IsBusyError(err error) bool {
	return errors.Is(err, ErrBusy)
}

// IsAuthError checks if an error indicates authentication failure.
func IsAuthError(err error) bool {
	return GetErrorCode(err) == ErrCodeAuthFailed
}

// GetErrorCode extracts the ErrorCode from an error if it's an NFCError.
// Returns 0 if the error is not an NFCError.
func GetErrorCode(err error) ErrorCode {
	var nfcErr *NFCError
	if errors.As(err, &nfcErr) {
		return nfcErr.Code
	}
	return 0
}
