package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code is an error code. Codes mirror http status codes so that errors returned by the server keep their status.
type Code int

const (
	Internal     Code = http.StatusInternalServerError
	NotFound     Code = http.StatusNotFound
	Forbidden    Code = http.StatusForbidden
	Unauthorized Code = http.StatusUnauthorized
	Validation   Code = http.StatusBadRequest
	// Conflict is returned by the server when creating a database that already exists
	Conflict Code = http.StatusPreconditionFailed
	// Transport indicates the request never produced a server response
	Transport Code = http.StatusBadGateway
	// MalformedResponse indicates the server responded with a body that is missing expected fields
	MalformedResponse Code = http.StatusUnprocessableEntity
)

// Error is a custom error
type Error struct {
	Code     Code     `json:"code"`
	Messages []string `json:"messages"`
	Err      error    `json:"err,omitempty"`
}

// Error returns the Error as a json string
func (e *Error) Error() string {
	if e.Code == 0 {
		e.Code = http.StatusOK
	}
	var cause string
	if e.Err != nil {
		cause = e.Err.Error()
	}
	bits, _ := json.Marshal(struct {
		Code     Code     `json:"code"`
		Messages []string `json:"messages"`
		Err      string   `json:"err,omitempty"`
	}{
		Code:     e.Code,
		Messages: e.Messages,
		Err:      cause,
	})
	return string(bits)
}

// StatusCode returns the errors code as an http status code
func (e *Error) StatusCode() int {
	return int(e.Code)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new error with the given code and formatted message
func New(code Code, msg string, args ...any) error {
	return &Error{
		Code:     code,
		Messages: []string{fmt.Sprintf(msg, args...)},
	}
}

// Extract returns the first Error in err's chain, or an Error with no code wrapping err if there is none
func Extract(err error) *Error {
	var e *Error
	if !stderrors.As(err, &e) {
		return &Error{
			Code:     0,
			Messages: nil,
			Err:      err,
		}
	}
	return e
}

// Is returns true if the error is an Error with the given code
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return Extract(err).Code == code
}

// Wrap wraps the given error and returns a new one. It returns nil if err is nil.
func Wrap(err error, code Code, msg string, args ...any) error {
	if err == nil {
		return nil
	}
	e, ok := err.(*Error)
	if ok {
		if msg != "" {
			e.Messages = append(e.Messages, fmt.Sprintf(msg, args...))
		}
		if code > 0 {
			e.Code = code
		}
		return e
	}
	e = &Error{
		Code: code,
		Err:  err,
	}
	if msg != "" {
		e.Messages = append(e.Messages, fmt.Sprintf(msg, args...))
	}
	return e
}
