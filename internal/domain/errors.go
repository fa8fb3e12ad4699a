package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("resource not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidInput  = errors.New("invalid input")
	ErrConflict      = errors.New("resource conflict")
	ErrConfiguration = errors.New("invalid configuration")
)

// ValidationError represents a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// VerificationReason identifies why an identity token was rejected.
// It is meant for logs and metrics only.
type VerificationReason string

const (
	ReasonMalformed      VerificationReason = "malformed"
	ReasonSignature      VerificationReason = "signature"
	ReasonExpired        VerificationReason = "expired"
	ReasonIssuer         VerificationReason = "issuer"
	ReasonAudience       VerificationReason = "audience"
	ReasonMissingSubject VerificationReason = "missing_subject"
	ReasonKeyFetch       VerificationReason = "key_fetch"
)

// VerificationError is returned for every rejected identity token.
// All reasons match ErrUnauthorized so callers cannot tell them apart.
type VerificationError struct {
	Reason VerificationReason
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("identity verification failed: %s", e.Reason)
	}
	return fmt.Sprintf("identity verification failed: %s: %v", e.Reason, e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

func (e *VerificationError) Is(target error) bool {
	return target == ErrUnauthorized
}

// StorageError wraps a failure of the user store that survived the retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
