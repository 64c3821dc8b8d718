package engine

import "fmt"

// Error codes surfaced to callers.
const (
	CodeStaleState        = "stale_state"
	CodeBusy              = "busy"
	CodeInvalidTransition = "invalid_transition"
	CodeActionFailed      = "action_failed"
	CodeValidation        = "validation_error"
)

// Error is the typed failure of an engine operation. Compare with errors.Is
// against the Err* sentinels.
type Error struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrStaleState        = &Error{Code: CodeStaleState}
	ErrBusy              = &Error{Code: CodeBusy}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition}
	ErrActionFailed      = &Error{Code: CodeActionFailed}
	ErrValidation        = &Error{Code: CodeValidation}
)

func newError(code, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

func validationError(format string, args ...any) *Error {
	return newError(CodeValidation, fmt.Sprintf(format, args...), nil)
}

func invalidTransition(message string, details map[string]any) *Error {
	return newError(CodeInvalidTransition, message, details)
}

func staleState(caseID, expected, actual string) *Error {
	return newError(CodeStaleState, "case state changed; reload and retry", map[string]any{
		"case_id":  caseID,
		"expected": expected,
		"actual":   actual,
	})
}
