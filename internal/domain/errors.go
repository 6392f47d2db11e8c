package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrConversationNotFound = fmt.Errorf("conversation not found")
	ErrMessageNotFound      = fmt.Errorf("message not found")
	ErrAppNotFound          = fmt.Errorf("app not found")
	ErrNoActiveTask         = fmt.Errorf("no active task")
	ErrGenerationInFlight   = fmt.Errorf("generation already in flight")
	ErrRegenerateWithFiles  = fmt.Errorf("cannot regenerate a message that had files attached")
	ErrEmptyPrompt          = fmt.Errorf("prompt is empty")
	ErrInvalidInput         = fmt.Errorf("invalid input")
	ErrConfigLoad           = fmt.Errorf("failed to load configuration")
	ErrDecryption           = fmt.Errorf("decryption failed")
	ErrArchiveWrite         = fmt.Errorf("archive write failed")

	// Backend resilience errors, mapped from HTTP status codes.
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrBackend         = fmt.Errorf("backend error")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Session.Send")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrBackend)
}
