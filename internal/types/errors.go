package types

import "fmt"

type ErrorCode int

const (
	// ErrCodeNetwork marks transient transport failures, retryable per
	// the session's retry policy.
	ErrCodeNetwork ErrorCode = iota + 1
	// ErrCodeValidation marks locally detected bad input, never retried.
	ErrCodeValidation
	// ErrCodeConcurrentOperation marks a call rejected because the same
	// operation is already in flight.
	ErrCodeConcurrentOperation
	// ErrCodeNotFound marks a referenced entity missing from the cache.
	ErrCodeNotFound
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeNetwork:
		return "network"
	case ErrCodeValidation:
		return "validation"
	case ErrCodeConcurrentOperation:
		return "concurrent_operation"
	case ErrCodeNotFound:
		return "not_found"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

type ChatError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *ChatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}
	return e.Message
}

func (e *ChatError) Unwrap() error {
	return e.Err
}

func NewNetworkError(msg string, err error) *ChatError {
	return &ChatError{
		Code:    ErrCodeNetwork,
		Message: msg,
		Err:     err,
	}
}

func NewValidationError(msg string) *ChatError {
	return &ChatError{
		Code:    ErrCodeValidation,
		Message: msg,
	}
}

func NewConcurrentOperationError(msg string) *ChatError {
	return &ChatError{
		Code:    ErrCodeConcurrentOperation,
		Message: msg,
	}
}

func NewNotFoundError(msg string) *ChatError {
	return &ChatError{
		Code:    ErrCodeNotFound,
		Message: msg,
	}
}

// HasCode reports whether err is a ChatError with the given code,
// unwrapping as needed.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if chatErr, ok := err.(*ChatError); ok {
			return chatErr.Code == code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
