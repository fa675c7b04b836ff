package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when attempting to claim a job that's already claimed
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in PENDING state")

	// ErrJobTerminal is returned when mutating a job that reached a terminal state
	ErrJobTerminal = errors.New("job is in a terminal state")

	// ErrInvalidRecipient is returned for phone numbers that cannot be normalized
	ErrInvalidRecipient = errors.New("invalid recipient phone number")

	// ErrUnauthorized signals revoked or invalid provider credentials.
	// It aborts the whole job rather than a single recipient.
	ErrUnauthorized = errors.New("provider credentials rejected")

	// ErrCreditsExhausted signals the owner ran out of message credits mid-run
	ErrCreditsExhausted = errors.New("message credits exhausted")
)

// IsSystemic reports whether an error must abort the remaining job instead
// of failing a single recipient.
func IsSystemic(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrCreditsExhausted)
}

// DispatchError wraps a provider call failure with its retry classification.
type DispatchError struct {
	Kind string // ErrorKindRetryable or ErrorKindPermanent
	Code string // provider error code, if any
	Err  error
}

func (e *DispatchError) Error() string {
	return "dispatch error (" + e.Kind + "): " + e.Err.Error()
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps transient failures: timeouts, network errors,
// provider 429/5xx responses.
func NewRetryableError(err error) error {
	return &DispatchError{Kind: ErrorKindRetryable, Err: err}
}

// NewPermanentError wraps failures that retrying cannot fix: rejected
// templates, parameter mismatches, invalid recipients.
func NewPermanentError(code string, err error) error {
	return &DispatchError{Kind: ErrorKindPermanent, Code: code, Err: err}
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind == ErrorKindRetryable
	}
	return false
}

// ClassifyErrorKind maps an error to the kind recorded on a failed outcome.
func ClassifyErrorKind(err error) string {
	if IsRetryable(err) {
		return ErrorKindRetryable
	}
	return ErrorKindPermanent
}
