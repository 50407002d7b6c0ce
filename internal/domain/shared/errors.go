package shared

// DomainError represents a domain-level error
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *DomainError) Error() string {
	return e.Message
}

// Is reports whether target is a DomainError with the same code, so that
// detailed errors built with NewDomainError still match the sentinels below.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Error codes
const (
	CodeNotFound            = "NOT_FOUND"
	CodeInvalidInput        = "INVALID_INPUT"
	CodeConcurrencyConflict = "CONCURRENCY_CONFLICT"
	CodeInvalidState        = "INVALID_STATE"
	CodeInsufficientStock   = "INSUFFICIENT_STOCK"
	CodeAlreadyInProgress   = "ALREADY_IN_PROGRESS"
	CodeRebuildConflict     = "REBUILD_CONFLICT"
	CodeChecksumMismatch    = "CHECKSUM_MISMATCH"
)

// Common domain errors
var (
	ErrNotFound            = NewDomainError(CodeNotFound, "Resource not found")
	ErrInvalidInput        = NewDomainError(CodeInvalidInput, "Invalid input provided")
	ErrConcurrencyConflict = NewDomainError(CodeConcurrencyConflict, "Stream was modified by another writer")
	ErrInvalidState        = NewDomainError(CodeInvalidState, "Operation not allowed in current state")
	ErrInsufficientStock   = NewDomainError(CodeInsufficientStock, "Insufficient stock available")
	ErrAlreadyInProgress   = NewDomainError(CodeAlreadyInProgress, "Operation already in progress")
	ErrRebuildConflict     = NewDomainError(CodeRebuildConflict, "Transient storage conflict during rebuild")
	ErrChecksumMismatch    = NewDomainError(CodeChecksumMismatch, "Rebuilt projection does not match production")
)

// IsRetryable reports whether an error code represents a transient condition
// the caller may retry.
func IsRetryable(code string) bool {
	switch code {
	case CodeConcurrencyConflict, CodeRebuildConflict, CodeAlreadyInProgress:
		return true
	default:
		return false
	}
}
