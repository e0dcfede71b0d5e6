// Package commerceerr classifies failures of the billing core into the four
// kinds callers act on: validation, gateway, not found and consistency.
package commerceerr

import (
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	CodeValidation  = "validation_error"
	CodeGateway     = "gateway_error"
	CodeNotFound    = "not_found"
	CodeConsistency = "consistency_error"
)

// Kind markers. Use errors.Is (or the Is* helpers) against these.
var (
	ErrValidation  = errors.New(CodeValidation)
	ErrGateway     = errors.New(CodeGateway)
	ErrNotFound    = errors.New(CodeNotFound)
	ErrConsistency = errors.New(CodeConsistency)
)

// Validation builds a sentinel marked as bad input.
func Validation(msg string) error {
	return errors.Mark(errors.New(msg), ErrValidation)
}

// NotFound builds a sentinel marked as an unknown reference.
func NotFound(msg string) error {
	return errors.Mark(errors.New(msg), ErrNotFound)
}

// Consistency builds a sentinel marked as an idempotent no-op condition.
func Consistency(msg string) error {
	return errors.Mark(errors.New(msg), ErrConsistency)
}

// Gateway builds a sentinel marked as a payment provider failure.
func Gateway(msg string) error {
	return errors.Mark(errors.New(msg), ErrGateway)
}

// WithHint attaches a user-facing message to err.
func WithHint(err error, hint string) error {
	if err == nil {
		return nil
	}
	return errors.WithHint(err, hint)
}

// Wrap adds context while keeping the kind of the cause.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

func IsValidation(err error) bool  { return errors.Is(err, ErrValidation) }
func IsGateway(err error) bool     { return errors.Is(err, ErrGateway) }
func IsNotFound(err error) bool    { return errors.Is(err, ErrNotFound) }
func IsConsistency(err error) bool { return errors.Is(err, ErrConsistency) }

// Code returns the kind code of err, or an empty string when unclassified.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return CodeValidation
	case IsGateway(err):
		return CodeGateway
	case IsNotFound(err):
		return CodeNotFound
	case IsConsistency(err):
		return CodeConsistency
	default:
		return ""
	}
}

// UserMessage returns the hints attached to err, falling back to the error text.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	hints := errors.GetAllHints(err)
	if len(hints) == 0 {
		return err.Error()
	}
	return strings.Join(hints, "; ")
}
