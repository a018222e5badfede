package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a billing error for boundary mapping
// (validation/conflict -> 4xx, gateway/encryption -> 5xx).
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindConflict   ErrorKind = "conflict"
	KindGateway    ErrorKind = "gateway"
	KindEncryption ErrorKind = "encryption"
	KindInternal   ErrorKind = "internal"
)

// Error is the structured error every public billing operation returns.
// Transient marks gateway faults that are safe to retry (timeouts, network
// errors), as opposed to permanent declines.
type Error struct {
	Kind      ErrorKind
	Code      string
	Message   string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func ValidationError(code, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg}
}

func NotFoundError(code, msg string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: msg}
}

func ConflictError(code, msg string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: msg}
}

func GatewayError(code, msg string, transient bool, cause error) *Error {
	return &Error{Kind: KindGateway, Code: code, Message: msg, Transient: transient, Err: cause}
}

func EncryptionError(msg string, cause error) *Error {
	return &Error{Kind: KindEncryption, Code: "encryption_failed", Message: msg, Err: cause}
}

func InternalError(msg string, cause error) *Error {
	return &Error{Kind: KindInternal, Code: "internal", Message: msg, Err: cause}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

// IsTransient reports whether err is a retryable gateway fault.
func IsTransient(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Transient
	}
	return false
}

// Common persistence-level sentinels, mapped by repositories.
var (
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidExecContext = errors.New("invalid execution context")
	ErrOperationFailed    = errors.New("operation failed")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
	ErrVersionConflict    = errors.New("stale version, record changed concurrently")
	ErrLockNotAcquired    = errors.New("lock not acquired")
)
