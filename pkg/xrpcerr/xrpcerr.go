// Package xrpcerr is the error-envelope package for the poltr XRPC
// surface: a typed error with a recovery-strategy kind and a stable
// machine-readable code, serialized as {error, message}.
package xrpcerr

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
)

// Kind is the recovery-strategy bucket a failure falls into.
type Kind string

const (
	KindInvalidRequest    Kind = "invalid_request"
	KindUnauthorized      Kind = "unauthorized"
	KindForbidden         Kind = "forbidden"
	KindConflict          Kind = "conflict"
	KindNotFound          Kind = "not_found"
	KindRateLimited       Kind = "rate_limited"
	KindUpstreamTransient Kind = "upstream_transient"
	KindUpstreamPermanent Kind = "upstream_permanent"
	KindCrypto            Kind = "crypto_error"
	KindInternal          Kind = "internal_error"
)

var statusByKind = map[Kind]int{
	KindInvalidRequest:    http.StatusBadRequest,
	KindUnauthorized:      http.StatusUnauthorized,
	KindForbidden:         http.StatusForbidden,
	KindConflict:          http.StatusConflict,
	KindNotFound:          http.StatusNotFound,
	KindRateLimited:       http.StatusTooManyRequests,
	KindUpstreamTransient: http.StatusBadGateway,
	KindUpstreamPermanent: http.StatusBadGateway,
	KindCrypto:            http.StatusInternalServerError,
	KindInternal:          http.StatusInternalServerError,
}

// Stable machine-readable codes, kept stable across releases.
const (
	CodeEmailTaken          = "email_taken"
	CodeHandleTaken         = "handle_taken"
	CodeUserNotFound        = "user_not_found"
	CodeAccountLimitReached = "account_limit_reached"
	CodePdsError            = "pds_error"
	CodeInvalidToken        = "invalid_token"
	CodeTokenExpired        = "token_expired"
	CodeAlreadyReviewed     = "already_reviewed"
	CodeNotInvited          = "not_invited"
	CodeDisabled            = "disabled"
	CodeRegistrationFailed  = "registration_failed"
	CodeSessionRefreshFail  = "session_refresh_failed"
)

// Error is the typed error every layer of poltr returns. The XRPC frontend's
// central error middleware maps Kind to an HTTP status exactly once.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error // wrapped cause, never serialized to the client
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind) + ": " + e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status code this error maps to.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an Error of the given kind with a stable code and message.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds an Error that carries an underlying cause for logging.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: cause}
}

// As extracts an *Error from any error chain, or nil.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// envelope is the wire shape: {error, message}.
type envelope struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Write serializes err onto w using the standard poltr envelope. Internal
// errors are never leaked to the client; the underlying cause is always
// logged via slog.
func Write(w http.ResponseWriter, r *http.Request, err error) {
	xe := As(err)
	if xe == nil {
		xe = Wrap(KindInternal, "internal_error", "an unexpected error occurred", err)
	}

	if xe.Kind == KindInternal || xe.Kind == KindCrypto {
		slog.Error("request failed",
			"path", r.URL.Path,
			"kind", xe.Kind,
			"code", xe.Code,
			"cause", xe.Err,
		)
	}

	body := envelope{Error: xe.Code}
	if xe.Kind == KindInternal || xe.Kind == KindCrypto {
		body.Message = "internal server error"
	} else {
		body.Message = xe.Message
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(xe.Status())
	_ = json.NewEncoder(w).Encode(body)
}

// WriteRateLimited writes the standard 429 envelope with a Retry-After hint.
func WriteRateLimited(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(envelope{Error: "rate_limited", Message: "rate limit exceeded"})
}
