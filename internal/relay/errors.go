package relay

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies relay failures. The string value is what callers see in
// the "error" field of an HTTP error response.
type Kind string

const (
	KindChatIDMissing          Kind = "ChatIdMissing"
	KindStrictModeViolation    Kind = "StrictModeViolation"
	KindUnresolvableHandle     Kind = "UnresolvableHandle"
	KindInvalidChatReference   Kind = "InvalidChatReference"
	KindUpstreamNetworkError   Kind = "UpstreamNetworkError"
	KindUpstreamAPIError       Kind = "UpstreamApiError"
	KindUpstreamFormattingFail Kind = "UpstreamFormattingError"
	KindServiceNotReady        Kind = "ServiceNotReady"
	KindInternal               Kind = "Internal"
)

func (k Kind) HTTPStatus() int {
	switch k {
	case KindChatIDMissing, KindStrictModeViolation, KindUnresolvableHandle, KindInvalidChatReference:
		return http.StatusBadRequest
	case KindUpstreamNetworkError, KindUpstreamAPIError, KindUpstreamFormattingFail:
		return http.StatusBadGateway
	case KindServiceNotReady:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified relay failure. Detail is JSON-serializable and is
// returned to HTTP callers as-is.
type Error struct {
	Kind    Kind
	Message string
	Detail  any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Public is what an HTTP caller sees as "detail": the structured detail when
// present, otherwise the message.
func (e *Error) Public() any {
	if e.Detail != nil {
		return e.Detail
	}
	return e.Message
}

func newError(kind Kind, msg string, detail any, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Detail: detail, Err: cause}
}

// KindOf returns err's Kind, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == kind
}

// AsError classifies any error, wrapping unclassified ones as KindInternal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return newError(KindInternal, err.Error(), nil, err)
}
