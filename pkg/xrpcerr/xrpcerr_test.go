package xrpcerr_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikwyss/poltrMVP/pkg/xrpcerr"
)

func TestStatusByKind(t *testing.T) {
	cases := []struct {
		kind xrpcerr.Kind
		want int
	}{
		{xrpcerr.KindInvalidRequest, http.StatusBadRequest},
		{xrpcerr.KindUnauthorized, http.StatusUnauthorized},
		{xrpcerr.KindForbidden, http.StatusForbidden},
		{xrpcerr.KindConflict, http.StatusConflict},
		{xrpcerr.KindNotFound, http.StatusNotFound},
		{xrpcerr.KindRateLimited, http.StatusTooManyRequests},
		{xrpcerr.KindUpstreamTransient, http.StatusBadGateway},
		{xrpcerr.KindCrypto, http.StatusInternalServerError},
		{xrpcerr.KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, xrpcerr.New(tc.kind, "code", "msg").Status(), string(tc.kind))
	}
}

func TestWrite_ClientFacingError(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/xrpc/ch.poltr.auth.register", nil)
	xrpcerr.Write(rec, req, xrpcerr.New(xrpcerr.KindConflict, xrpcerr.CodeEmailTaken, "email already registered"))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{"error":"email_taken","message":"email already registered"}`, rec.Body.String())
}

// TestWrite_InternalErrorIsRedacted checks the wrapped cause never reaches
// the client.
func TestWrite_InternalErrorIsRedacted(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/xrpc/app.ch.poltr.ballot.list", nil)
	cause := errors.New("pq: password authentication failed for user poltr")
	xrpcerr.Write(rec, req, xrpcerr.Wrap(xrpcerr.KindInternal, "internal_error", "query failed", cause))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password authentication")
	assert.Contains(t, rec.Body.String(), "internal server error")
}

func TestWrite_UntypedErrorBecomesInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/x", nil)
	xrpcerr.Write(rec, req, errors.New("surprise"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "surprise")
}

func TestAs_UnwrapsThroughChains(t *testing.T) {
	inner := xrpcerr.New(xrpcerr.KindForbidden, xrpcerr.CodeNotInvited, "nope")
	wrapped := errorWrapper{inner}

	xe := xrpcerr.As(wrapped)
	require.NotNil(t, xe)
	assert.Equal(t, xrpcerr.CodeNotInvited, xe.Code)

	assert.Nil(t, xrpcerr.As(errors.New("plain")))
}

type errorWrapper struct{ err error }

func (w errorWrapper) Error() string { return "wrapped: " + w.err.Error() }
func (w errorWrapper) Unwrap() error { return w.err }
