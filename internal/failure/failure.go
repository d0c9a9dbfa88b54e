// Package failure classifies errors raised by the import pipeline and scheduler
// into the categories that decide whether work is retried.
package failure

import (
	"errors"
	"fmt"
)

// Category classifies why an operation failed.
type Category string

const (
	// Transient failures (provider timeouts, 5xx, rate limiting, lost connections)
	// are retried with backoff.
	Transient Category = "transient"
	// Validation failures are surfaced on the job and are not retried.
	Validation Category = "validation"
	// Quota failures fail fast and are never queued.
	Quota Category = "quota"
	// Configuration failures cannot succeed on retry.
	Configuration Category = "configuration"
)

// Error attaches a Category to an underlying error.
type Error struct {
	Category Category
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Category)
	}

	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with the given category. A nil err stays nil.
func New(category Category, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Category: category, Err: err}
}

// Newf formats a message and wraps it with the given category.
func Newf(category Category, format string, args ...any) error {
	return &Error{Category: category, Err: fmt.Errorf(format, args...)}
}

// AsTransient marks err as retryable.
func AsTransient(err error) error { return New(Transient, err) }

// AsValidation marks err as a validation failure.
func AsValidation(err error) error { return New(Validation, err) }

// AsQuota marks err as a quota violation.
func AsQuota(err error) error { return New(Quota, err) }

// AsConfiguration marks err as a configuration failure.
func AsConfiguration(err error) error { return New(Configuration, err) }

// CategoryOf returns the category of the first classified error in the chain.
// Unclassified errors are treated as transient.
func CategoryOf(err error) Category {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category
	}

	return Transient
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	return err != nil && CategoryOf(err) == Transient
}
