package util

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindCapacity
	KindStorage
	KindExtraction
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindCapacity:
		return "capacity"
	case KindStorage:
		return "storage"
	case KindExtraction:
		return "extraction"
	case KindNotFound:
		return "not_found"
	}
	return "internal"
}

// Error carries a client-safe Message. Err holds the underlying cause and is
// only ever logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...interface{}) error {
	return newError(KindValidation, nil, format, args...)
}

func Capacity(format string, args ...interface{}) error {
	return newError(KindCapacity, nil, format, args...)
}

func Storage(err error, format string, args ...interface{}) error {
	return newError(KindStorage, err, format, args...)
}

func Extraction(err error, format string, args ...interface{}) error {
	return newError(KindExtraction, err, format, args...)
}

func NotFound(format string, args ...interface{}) error {
	return newError(KindNotFound, nil, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// StatusOf maps an error to the HTTP status a client should see.
func StatusOf(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindCapacity:
		return http.StatusServiceUnavailable
	case KindNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// ToUserError returns the message that is safe to show a client.
func ToUserError(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "Internal server error"
}
