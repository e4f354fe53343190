package widget

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies a failure by the step that produced it.
type ErrorKind string

const (
	KindConfig       ErrorKind = "config"
	KindTransport    ErrorKind = "transport"
	KindAuth         ErrorKind = "auth"
	KindHistory      ErrorKind = "history"
	KindSubscription ErrorKind = "subscription"
	KindSend         ErrorKind = "send"
)

// Error is returned across the widget boundary. Status follows the HTTP-like
// convention of history results (500 for failed history loads).
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

// NewError builds an Error of the given kind wrapping cause.
func NewError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

func (e *Error) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf reports the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) ErrorKind {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind
	}
	return ""
}
