package common

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures. The values are part of the API contract:
// callers branch on them to decide whether to re-submit, supply credentials,
// or route to review.
type Kind string

const (
	KindUnsupportedFormat    Kind = "UnsupportedFormat"
	KindEncryptedDocument    Kind = "EncryptedDocument"
	KindCorruptedFile        Kind = "CorruptedFile"
	KindOCREngineFailure     Kind = "OCREngineFailure"
	KindUnrecognizedFormType Kind = "UnrecognizedFormType"
	KindLowConfidenceField   Kind = "LowConfidenceField"
	KindValidationFailure    Kind = "ValidationFailure"
)

// AppError carries a taxonomy kind, a human-readable message, and an optional
// underlying cause.
type AppError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError builds an AppError for the given kind.
func NewAppError(kind Kind, message string, cause error) *AppError {
	return &AppError{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the taxonomy kind from err, or "" when err carries none.
func KindOf(err error) Kind {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// IsKind reports whether err (or anything it wraps) carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// WrapError annotates err with message, preserving any AppError in the chain.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
