package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientCredit       = errors.New("insufficient credit")
	ErrReservationNotFound      = errors.New("reservation not found")
	ErrStoreUnavailable         = errors.New("store unavailable")
	ErrAccountNotFound          = errors.New("account not found")
	ErrAccountExists            = errors.New("account already exists")
	ErrReservationExists        = errors.New("reservation already exists")
	ErrVersionConflict          = errors.New("account version conflict")
	ErrInvalidIdentity          = errors.New("invalid identity")
	ErrInvalidCredits           = errors.New("invalid credits")
	ErrInvalidBucket            = errors.New("invalid bucket")
	ErrInvalidAllotmentClass    = errors.New("invalid allotment class")
	ErrInvalidReservationStatus = errors.New("invalid reservation status")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
)

// InsufficientCreditError reports a failed admission check. It unwraps to
// ErrInsufficientCredit so callers can match with errors.Is.
type InsufficientCreditError struct {
	Available Credits
	Requested Credits
}

// Error returns the formatted error message.
func (insufficientError *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit: available %d, requested %d", insufficientError.Available, insufficientError.Requested)
}

// Unwrap returns the sentinel error.
func (insufficientError *InsufficientCreditError) Unwrap() error {
	return ErrInsufficientCredit
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
