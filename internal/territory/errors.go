package territory

import "errors"

// Code is a machine-readable error code. Values match the wire codes in internal/protocol.
type Code string

const (
	CodeInvalidArgument Code = "E_BAD_REQUEST"
	CodeStorage         Code = "E_STORAGE"
	CodeCorrupt         Code = "E_CORRUPT"
	CodeInternal        Code = "E_INTERNAL"
)

// Error is a coded registry error.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same code, so errors.Is(err, ErrInvalidArgument) works for
// every invalid-argument error regardless of message.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

var (
	ErrInvalidArgument = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
	ErrStorage         = &Error{Code: CodeStorage, Message: "storage failure"}
	ErrCorrupt         = &Error{Code: CodeCorrupt, Message: "corrupt territory file"}
)

func invalidArgument(msg string) error {
	return &Error{Code: CodeInvalidArgument, Message: msg}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, msg string, cause error) error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
