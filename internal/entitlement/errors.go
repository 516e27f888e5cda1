package entitlement

import (
	"errors"
	"fmt"
)

var (
	ErrKeyNotFound      = errors.New("key does not exist")
	ErrKeyDisabled      = errors.New("key exists but is disabled")
	ErrKeyInUse         = errors.New("key already in use")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnknownBenefit   = errors.New("unknown benefit")
	ErrCustomRequired   = errors.New("custom bot requires an active custom key")
	ErrInvalidInput     = errors.New("invalid input")
)

// ErrorType is the category callers branch on.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypePermission ErrorType = "permission"
	ErrorTypeExternal   ErrorType = "external"
)

type Error struct {
	Type ErrorType
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(t ErrorType, op string, err error) *Error {
	return &Error{Type: t, Op: op, Err: err}
}

// TypeOf returns the category of err, or "" for foreign errors.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// UserMessage returns text that is safe to show to the actor. External
// failures are not user-displayable.
func UserMessage(err error) (string, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return "", false
	}
	switch e.Type {
	case ErrorTypeValidation, ErrorTypeConflict, ErrorTypePermission:
		return e.Err.Error(), true
	default:
		return "", false
	}
}
