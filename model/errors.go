package model

import "errors"

// ErrorKind classifies an error for the wire protocol. The human-readable
// cause string stays authoritative; the kind travels next to it so clients
// can branch without parsing messages.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindNotFound      ErrorKind = "not_found"
	KindAuthorization ErrorKind = "authorization"
	KindStorage       ErrorKind = "storage"
	KindTransport     ErrorKind = "transport"
)

// Error is the protocol-level error carrying a kind and an opaque cause.
type Error struct {
	Kind    ErrorKind
	Message string
	wrapped error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

func NewValidationError(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func NewNotFoundError(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func NewAuthorizationError(msg string) *Error {
	return &Error{Kind: KindAuthorization, Message: msg}
}

func NewStorageError(msg string, cause error) *Error {
	return &Error{Kind: KindStorage, Message: msg, wrapped: cause}
}

func NewTransportError(msg string, cause error) *Error {
	return &Error{Kind: KindTransport, Message: msg, wrapped: cause}
}

// KindOf extracts the error kind, defaulting to storage for unclassified
// errors so callers never see an empty kind on the wire.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorage
}
