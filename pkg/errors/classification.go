package errors

import (
	"context"
	"errors"
)

// ErrorCategory groups errors by who caused them and what to do about them.
type ErrorCategory string

const (
	CategoryValidation ErrorCategory = "validation" // caller error, reject synchronously
	CategoryNotFound   ErrorCategory = "not_found"
	CategoryConflict   ErrorCategory = "conflict"
	CategoryTransient  ErrorCategory = "transient" // stays queued, retried on the next trigger
	CategoryDispatch   ErrorCategory = "dispatch"  // retried against other candidates
	CategoryTerminal   ErrorCategory = "terminal"  // job moves to failed
	CategoryTimeout    ErrorCategory = "timeout"
	CategoryUnknown    ErrorCategory = "unknown"
)

// ClassifiedError is a regular error with the handling policy attached.
type ClassifiedError struct {
	Err       error
	Category  ErrorCategory
	Retryable bool
	Terminal  bool
	Code      string // reason code surfaced to the submitter
}

func (e *ClassifiedError) Error() string {
	return e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classify maps an error onto the taxonomy.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified
	}

	c := &ClassifiedError{Err: err, Category: CategoryUnknown, Code: "Internal"}
	switch {
	case errors.Is(err, ErrInvalidDescriptor):
		c.Category, c.Code = CategoryValidation, "InvalidDescriptor"
	case errors.Is(err, ErrInvalidJobSpec):
		c.Category, c.Code = CategoryValidation, "InvalidJobSpec"
	case errors.Is(err, ErrInvalidConfig):
		c.Category, c.Code = CategoryValidation, "InvalidConfig"
	case errors.Is(err, ErrUnknownNode):
		c.Category, c.Code = CategoryNotFound, "UnknownNode"
	case errors.Is(err, ErrUnknownDevice):
		c.Category, c.Code = CategoryNotFound, "UnknownDevice"
	case errors.Is(err, ErrJobNotFound):
		c.Category, c.Code = CategoryNotFound, "JobNotFound"
	case errors.Is(err, ErrLogNotFound):
		c.Category, c.Code = CategoryNotFound, "LogNotFound"
	case errors.Is(err, ErrStaleHeartbeat):
		c.Category, c.Code = CategoryConflict, "StaleHeartbeat"
	case errors.Is(err, ErrJobTerminal), errors.Is(err, ErrInvalidTransition):
		c.Category, c.Code = CategoryConflict, "InvalidTransition"
	case errors.Is(err, ErrInsufficient), errors.Is(err, ErrReservationConflict), errors.Is(err, ErrNodeUnavailable):
		c.Category, c.Code, c.Retryable = CategoryTransient, "Insufficient", true
	case errors.Is(err, ErrDispatchFailure):
		c.Category, c.Code, c.Retryable = CategoryDispatch, "DispatchFailure", true
	case errors.Is(err, ErrNodeLossUnrecoverable):
		c.Category, c.Code, c.Terminal = CategoryTerminal, "NodeLossUnrecoverable", true
	case errors.Is(err, context.DeadlineExceeded):
		c.Category, c.Code, c.Retryable = CategoryTimeout, "Timeout", true
	case errors.Is(err, context.Canceled):
		c.Category, c.Code = CategoryTimeout, "Canceled"
	}
	return c
}

// ShouldRetry reports whether a transient recovery path applies.
func ShouldRetry(err error) bool {
	c := Classify(err)
	return c != nil && c.Retryable
}

// ReasonCode returns the short code recorded on jobs and API responses.
func ReasonCode(err error) string {
	c := Classify(err)
	if c == nil {
		return ""
	}
	return c.Code
}
