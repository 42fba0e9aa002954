package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: broker unreachable, acknowledgment timeouts.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: invalid input, malformed wire frames.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates unexpected errors or system failures.
	// Examples: recovered panics, corrupted store state.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for the transport and delivery stack.
const (
	// Transient errors
	ErrCodeConnection      ErrorCode = "CONNECTION"       // Medium unreachable
	ErrCodeDeliveryTimeout ErrorCode = "DELIVERY_TIMEOUT" // No acknowledgment within bound
	ErrCodeTimeout         ErrorCode = "TIMEOUT"          // Operation timed out
	ErrCodeUnavailable     ErrorCode = "UNAVAILABLE"      // Service temporarily unavailable

	// Permanent errors
	ErrCodeProtocol     ErrorCode = "PROTOCOL"      // Malformed frame from broker
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT" // Malformed or invalid input
	ErrCodeCanceled     ErrorCode = "CANCELED"      // Operation was canceled
	ErrCodeClosed       ErrorCode = "CLOSED"        // Component already closed

	// Internal errors
	ErrCodeFallbackUnavailable ErrorCode = "FALLBACK_UNAVAILABLE" // Durable store unreachable
	ErrCodeInternal            ErrorCode = "INTERNAL"             // Unexpected internal error
	ErrCodePanic               ErrorCode = "PANIC"                // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeConnection, ErrCodeDeliveryTimeout, ErrCodeTimeout, ErrCodeUnavailable:
		return CategoryTransient

	case ErrCodeProtocol, ErrCodeInvalidInput, ErrCodeCanceled, ErrCodeClosed:
		return CategoryPermanent

	case ErrCodeFallbackUnavailable, ErrCodeInternal, ErrCodePanic:
		return CategoryInternal

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

// codeDescriptions provides human-readable descriptions for error codes.
var codeDescriptions = map[ErrorCode]string{
	ErrCodeConnection:          "medium unreachable",
	ErrCodeDeliveryTimeout:     "no acknowledgment within bound",
	ErrCodeTimeout:             "operation timed out",
	ErrCodeUnavailable:         "service temporarily unavailable",
	ErrCodeProtocol:            "malformed wire frame",
	ErrCodeInvalidInput:        "invalid input provided",
	ErrCodeCanceled:            "operation canceled",
	ErrCodeClosed:              "component is closed",
	ErrCodeFallbackUnavailable: "durable store unreachable",
	ErrCodeInternal:            "internal error",
	ErrCodePanic:               "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
