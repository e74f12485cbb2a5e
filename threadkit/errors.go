package threadkit

import (
	"fmt"
)

type ErrorKind string

const (
	ErrorPostFailed     ErrorKind = "postFailed"
	ErrorVoteFailed     ErrorKind = "voteFailed"
	ErrorEditFailed     ErrorKind = "editFailed"
	ErrorDeleteFailed   ErrorKind = "deleteFailed"
	ErrorConnectionLost ErrorKind = "connectionLost"
	ErrorAuthRejected   ErrorKind = "authRejected"
	ErrorMalformedEvent ErrorKind = "malformedEvent"
)

// Error is surfaced to error listeners. The `*Failed` kinds mean the
// optimistic local mutation was already rolled back when the listener
// runs. `authRejected` is fatal for the session and is not retried.
type Error struct {
	Kind      ErrorKind
	CommentId string
	Cause     error
}

func NewError(kind ErrorKind, commentId string, cause error) *Error {
	return &Error{
		Kind:      kind,
		CommentId: commentId,
		Cause:     cause,
	}
}

func (self *Error) Error() string {
	if self.CommentId != "" {
		return fmt.Sprintf("%s (%s): %s", self.Kind, self.CommentId, self.Cause)
	}
	return fmt.Sprintf("%s: %s", self.Kind, self.Cause)
}

func (self *Error) Unwrap() error {
	return self.Cause
}

type ErrorFunction func(err *Error)
