package services

import (
	"errors"
	"fmt"
)

var (
	ErrQuotaExceeded    = errors.New("monthly email quota exceeded")
	ErrTemplateNotFound = errors.New("template not found")
	ErrNotFound         = errors.New("email not found")
	ErrNotCancellable   = errors.New("only scheduled emails can be cancelled")
)

// ValidationError rejects a request before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
