package errors

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorType string

const (
	ErrorTypeNotFound               ErrorType = "NOT_FOUND"
	ErrorTypeAlreadyExists          ErrorType = "ALREADY_EXISTS"
	ErrorTypeAlreadyLocked          ErrorType = "ALREADY_LOCKED"
	ErrorTypeNotOwner               ErrorType = "NOT_OWNER"
	ErrorTypeConcurrentModification ErrorType = "CONCURRENT_MODIFICATION"
	ErrorTypeContention             ErrorType = "CONTENTION"
	ErrorTypeCrossDomainLocks       ErrorType = "CROSS_DOMAIN_LOCKS"
	ErrorTypeUnresolvedChanges      ErrorType = "UNRESOLVED_CHANGES"
	ErrorTypeCorruption             ErrorType = "CORRUPTION"
	ErrorTypeValidation             ErrorType = "VALIDATION"
	ErrorTypeInternal               ErrorType = "INTERNAL"
)

// Process exit codes, one per error class.
const (
	ExitOK          = 0
	ExitInternal    = 1
	ExitNotFound    = 2
	ExitLock        = 3
	ExitContention  = 4
	ExitCrossDomain = 5
	ExitUnresolved  = 6
	ExitCorruption  = 7
	ExitValidation  = 8
)

var exitCodes = map[ErrorType]int{
	ErrorTypeNotFound:               ExitNotFound,
	ErrorTypeAlreadyExists:          ExitValidation,
	ErrorTypeAlreadyLocked:          ExitLock,
	ErrorTypeNotOwner:               ExitLock,
	ErrorTypeConcurrentModification: ExitContention,
	ErrorTypeContention:             ExitContention,
	ErrorTypeCrossDomainLocks:       ExitCrossDomain,
	ErrorTypeUnresolvedChanges:      ExitUnresolved,
	ErrorTypeCorruption:             ExitCorruption,
	ErrorTypeValidation:             ExitValidation,
	ErrorTypeInternal:               ExitInternal,
}

type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    int       `json:"code"`
	Details any       `json:"details,omitempty"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same type, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound               = &Error{Type: ErrorTypeNotFound}
	ErrAlreadyExists          = &Error{Type: ErrorTypeAlreadyExists}
	ErrAlreadyLocked          = &Error{Type: ErrorTypeAlreadyLocked}
	ErrNotOwner               = &Error{Type: ErrorTypeNotOwner}
	ErrConcurrentModification = &Error{Type: ErrorTypeConcurrentModification}
	ErrContention             = &Error{Type: ErrorTypeContention}
	ErrCrossDomainLocks       = &Error{Type: ErrorTypeCrossDomainLocks}
	ErrUnresolvedChanges      = &Error{Type: ErrorTypeUnresolvedChanges}
	ErrCorruption             = &Error{Type: ErrorTypeCorruption}
	ErrValidation             = &Error{Type: ErrorTypeValidation}
)

func newError(t ErrorType, message string, details any) *Error {
	return &Error{
		Type:    t,
		Message: message,
		Code:    exitCodes[t],
		Details: details,
	}
}

func NotFound(message string) *Error {
	return newError(ErrorTypeNotFound, message, nil)
}

func AlreadyExists(message string) *Error {
	return newError(ErrorTypeAlreadyExists, message, nil)
}

// AlreadyLocked reports a lock on path held by holder.
func AlreadyLocked(path string, holder any) *Error {
	return newError(ErrorTypeAlreadyLocked, fmt.Sprintf("%s is locked by %v", path, holder), holder)
}

func NotOwner(path string, holder any) *Error {
	return newError(ErrorTypeNotOwner, fmt.Sprintf("%s is locked by %v", path, holder), holder)
}

func ConcurrentModification(message string) *Error {
	return newError(ErrorTypeConcurrentModification, message, nil)
}

// Contention wraps the last ConcurrentModification seen once retries ran out.
func Contention(message string, cause error) *Error {
	e := newError(ErrorTypeContention, message, nil)
	e.Err = cause
	return e
}

func CrossDomainLocks(paths []string) *Error {
	return newError(ErrorTypeCrossDomainLocks,
		fmt.Sprintf("conflicting locks on %s", strings.Join(paths, ", ")), paths)
}

func UnresolvedChanges(paths []string) *Error {
	return newError(ErrorTypeUnresolvedChanges,
		fmt.Sprintf("unresolved changes: %s", strings.Join(paths, ", ")), paths)
}

func Corruption(message string) *Error {
	return newError(ErrorTypeCorruption, message, nil)
}

func ValidationError(message string, details any) *Error {
	return newError(ErrorTypeValidation, message, details)
}

func Internal(message string, cause error) *Error {
	e := newError(ErrorTypeInternal, message, nil)
	e.Err = cause
	return e
}

// TypeOf returns the type of the first *Error in err's chain, or INTERNAL.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}

// Is reports whether err carries an *Error of type t.
func Is(err error, t ErrorType) bool {
	return err != nil && TypeOf(err) == t
}

func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if code, ok := exitCodes[TypeOf(err)]; ok {
		return code
	}
	return ExitInternal
}
