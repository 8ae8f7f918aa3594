package tokenquota

import (
	"errors"
	"fmt"
)

// Outcome errors. Every failure returned by this package wraps one of them.
var (
	ErrInvalidInput       = errors.New("tokenquota: invalid input")
	ErrAlreadyExists      = errors.New("tokenquota: account already exists")
	ErrNotFound           = errors.New("tokenquota: account not found")
	ErrQuotaExceeded      = errors.New("tokenquota: quota exceeded")
	ErrServiceUnavailable = errors.New("tokenquota: model service unavailable")
	ErrStorageFailure     = errors.New("tokenquota: storage failure")
)

// Provider errors. The Invoker reports all of them as ErrServiceUnavailable.
var (
	ErrRateLimited         = errors.New("tokenquota: rate limited by provider")
	ErrAuthFailed          = errors.New("tokenquota: provider authentication failed")
	ErrInvalidRequest      = errors.New("tokenquota: provider rejected request")
	ErrProviderUnavailable = errors.New("tokenquota: provider unavailable")
	ErrModelNotFound       = errors.New("tokenquota: model not found")
)

// AccountError wraps an error with the operation and account it concerns.
type AccountError struct {
	Op     string
	UserID string
	Err    error
}

func (e *AccountError) Error() string {
	return fmt.Sprintf("tokenquota: op=%s user=%s: %v", e.Op, e.UserID, e.Err)
}

func (e *AccountError) Unwrap() error {
	return e.Err
}

// NotFoundError reports that op targeted a missing account.
func NotFoundError(op, userID string) error {
	return &AccountError{Op: op, UserID: userID, Err: ErrNotFound}
}

// AlreadyExistsError reports a create collision.
func AlreadyExistsError(op, userID string) error {
	return &AccountError{Op: op, UserID: userID, Err: ErrAlreadyExists}
}

// StorageError wraps a backend failure so it matches ErrStorageFailure while
// keeping the driver error reachable through errors.As.
func StorageError(op, userID string, err error) error {
	return &AccountError{Op: op, UserID: userID, Err: fmt.Errorf("%w: %w", ErrStorageFailure, err)}
}

// InputError is a rejected input. It matches ErrInvalidInput and carries a
// reason fit for showing to the caller.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string {
	return "tokenquota: invalid input: " + e.Reason
}

func (e *InputError) Is(target error) bool {
	return target == ErrInvalidInput
}

// InvalidInput returns an InputError with a formatted reason.
func InvalidInput(format string, args ...any) error {
	return &InputError{Reason: fmt.Sprintf(format, args...)}
}

// Kind is the machine-readable outcome of a failed operation.
type Kind string

const (
	KindInvalidInput       Kind = "InvalidInput"
	KindAlreadyExists      Kind = "AlreadyExists"
	KindNotFound           Kind = "NotFound"
	KindQuotaExceeded      Kind = "QuotaExceeded"
	KindServiceUnavailable Kind = "ServiceUnavailable"
	KindStorageFailure     Kind = "StorageFailure"
)

// KindOf classifies err. Errors outside the taxonomy count as storage
// failures; nil has no kind.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrAlreadyExists):
		return KindAlreadyExists
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, ErrServiceUnavailable):
		return KindServiceUnavailable
	default:
		return KindStorageFailure
	}
}
