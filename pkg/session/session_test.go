package session_test

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikwyss/poltrMVP/pkg/mail"
	"github.com/nikwyss/poltrMVP/pkg/pdsclient"
	"github.com/nikwyss/poltrMVP/pkg/secretbox"
	"github.com/nikwyss/poltrMVP/pkg/session"
	"github.com/nikwyss/poltrMVP/pkg/store"
	"github.com/nikwyss/poltrMVP/pkg/xrpcerr"
)

func newTestService(t *testing.T, pdsURL string) (*session.Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	key := make([]byte, secretbox.KeySize)
	_, err = rand.Read(key)
	require.NoError(t, err)
	vault, err := secretbox.NewVault(key)
	require.NoError(t, err)

	gateway := store.NewWithDB(db, nil)
	pds := pdsclient.New(pdsURL, pdsURL, "", nil)
	svc := session.New(gateway, pds, vault, mail.NewLoggingSender(nil), "https://poltr.ch", nil)
	return svc, mock
}

func sessionRows(token, did string, expires time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"session_token", "did", "user_json", "expires_at", "last_accessed_at", "access_token", "refresh_token",
	}).AddRow(token, did, []byte(`{"did":"`+did+`"}`), expires, time.Now(), "access-jwt", "refresh-jwt")
}

func TestValidate_TouchesValidSession(t *testing.T) {
	svc, mock := newTestService(t, "http://pds.invalid")

	mock.ExpectQuery(`FROM sessions WHERE session_token`).
		WithArgs("tok").
		WillReturnRows(sessionRows("tok", "did:plc:u", time.Now().Add(time.Hour)))
	mock.ExpectExec(`UPDATE sessions SET last_accessed_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sess, err := svc.Validate(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:u", sess.DID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestValidate_ExpiredSessionIsDeleted covers the contract that expired
// rows are removed on access before the 401 is returned.
func TestValidate_ExpiredSessionIsDeleted(t *testing.T) {
	svc, mock := newTestService(t, "http://pds.invalid")

	mock.ExpectQuery(`FROM sessions WHERE session_token`).
		WithArgs("tok").
		WillReturnRows(sessionRows("tok", "did:plc:u", time.Now().Add(-time.Second)))
	mock.ExpectExec(`DELETE FROM sessions WHERE session_token`).
		WithArgs("tok").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := svc.Validate(context.Background(), "tok")
	xe := xrpcerr.As(err)
	require.NotNil(t, xe)
	assert.Equal(t, xrpcerr.KindUnauthorized, xe.Kind)
	assert.Equal(t, "token_expired", xe.Code)
	assert.NoError(t, mock.ExpectationsWereMet(), "the expired row must be deleted")
}

func TestValidate_UnknownTokenIs401(t *testing.T) {
	svc, mock := newTestService(t, "http://pds.invalid")
	mock.ExpectQuery(`FROM sessions WHERE session_token`).
		WillReturnRows(sqlmock.NewRows([]string{
			"session_token", "did", "user_json", "expires_at", "last_accessed_at", "access_token", "refresh_token",
		}))

	_, err := svc.Validate(context.Background(), "missing")
	xe := xrpcerr.As(err)
	require.NotNil(t, xe)
	assert.Equal(t, xrpcerr.KindUnauthorized, xe.Kind)
	assert.Equal(t, "invalid_token", xe.Code)
}

// TestWithUpstreamRefresh_RetriesOnce covers the refresh wrapper: an
// ExpiredToken result triggers exactly one refresh + persisted rotation +
// retry with the new token.
func TestWithUpstreamRefresh_RetriesOnce(t *testing.T) {
	pds := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/xrpc/com.atproto.server.refreshSession", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"accessJwt": "fresh-access", "refreshJwt": "fresh-refresh"})
	}))
	defer pds.Close()

	svc, mock := newTestService(t, pds.URL)
	mock.ExpectExec(`UPDATE sessions SET access_token = \$1, refresh_token = \$2`).
		WithArgs("fresh-access", "fresh-refresh", "tok", "did:plc:u").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sess := &store.Session{SessionToken: "tok", DID: "did:plc:u", AccessToken: "stale", RefreshToken: "refresh-jwt"}

	var tokensSeen []string
	err := svc.WithUpstreamRefresh(context.Background(), sess, func(accessToken string) error {
		tokensSeen = append(tokensSeen, accessToken)
		if accessToken == "stale" {
			return pdsclient.ErrExpiredToken
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"stale", "fresh-access"}, tokensSeen)
	assert.Equal(t, "fresh-access", sess.AccessToken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithUpstreamRefresh_PassesThroughOtherErrors(t *testing.T) {
	svc, _ := newTestService(t, "http://pds.invalid")
	sess := &store.Session{SessionToken: "tok", DID: "did:plc:u", AccessToken: "a", RefreshToken: "r"}

	calls := 0
	wantErr := assert.AnError
	err := svc.WithUpstreamRefresh(context.Background(), sess, func(string) error {
		calls++
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, calls, "non-expiry errors must not trigger a retry")
}

func TestEmailAvailable(t *testing.T) {
	svc, mock := newTestService(t, "http://pds.invalid")

	mock.ExpectQuery(`FROM credentials WHERE email`).
		WillReturnRows(sqlmock.NewRows([]string{"did", "handle", "email", "pds_hostname", "pw_ciphertext", "pw_nonce", "pseudonym_template_id"}))
	available, err := svc.EmailAvailable(context.Background(), "new@example.test")
	require.NoError(t, err)
	assert.True(t, available)

	mock.ExpectQuery(`FROM credentials WHERE email`).
		WillReturnRows(sqlmock.NewRows([]string{"did", "handle", "email", "pds_hostname", "pw_ciphertext", "pw_nonce", "pseudonym_template_id"}).
			AddRow("did:plc:u", "h.pds.test", "taken@example.test", "pds.test", []byte{1}, []byte{2}, 1))
	available, err = svc.EmailAvailable(context.Background(), "taken@example.test")
	require.NoError(t, err)
	assert.False(t, available)
}
