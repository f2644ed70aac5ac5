package auth

import "fmt"

// Code is the stable machine code surfaced in the 401 envelope. Verification
// failures are never downgraded to anonymous access.
type Code string

const (
	CodeExpired         Code = "TOKEN_EXPIRED"
	CodeMalformed       Code = "TOKEN_INVALID"
	CodeKeyUnresolvable Code = "VERIFICATION_FAILED"
	CodeInvalidAPIKey   Code = "API_KEY_INVALID"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
)

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
