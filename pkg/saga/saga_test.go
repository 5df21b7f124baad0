package saga_test

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikwyss/poltrMVP/pkg/federation"
	"github.com/nikwyss/poltrMVP/pkg/mail"
	"github.com/nikwyss/poltrMVP/pkg/pdsclient"
	"github.com/nikwyss/poltrMVP/pkg/saga"
	"github.com/nikwyss/poltrMVP/pkg/secretbox"
	"github.com/nikwyss/poltrMVP/pkg/session"
	"github.com/nikwyss/poltrMVP/pkg/store"
	"github.com/nikwyss/poltrMVP/pkg/xrpcerr"
)

// fakeFederation is an httptest mux standing in for the PDS, the
// Directory, and the Relay at once, recording every call the saga makes.
type fakeFederation struct {
	mu    sync.Mutex
	calls map[string]int

	createAccountError string // PDS error message to return, "" for success
	handles            []string
}

func (f *fakeFederation) bump(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
}

func (f *fakeFederation) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func newFakeFederation() (*fakeFederation, *httptest.Server) {
	f := &fakeFederation{calls: map[string]int{}}
	mux := http.NewServeMux()

	mux.HandleFunc("/xrpc/com.atproto.server.createInviteCode", func(w http.ResponseWriter, r *http.Request) {
		f.bump("createInvite")
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "invite-1"})
	})
	mux.HandleFunc("/xrpc/com.atproto.server.createAccount", func(w http.ResponseWriter, r *http.Request) {
		f.bump("createAccount")
		if f.createAccountError != "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "InvalidRequest", "message": f.createAccountError})
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"did": "did:plc:newuser", "handle": body["handle"].(string),
			"accessJwt": "access-jwt", "refreshJwt": "refresh-jwt",
		})
	})
	mux.HandleFunc("/xrpc/com.atproto.admin.deleteAccount", func(w http.ResponseWriter, r *http.Request) {
		f.bump("deleteAccount")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/xrpc/com.atproto.admin.updateAccountHandle", func(w http.ResponseWriter, r *http.Request) {
		f.bump("updateHandle")
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.handles = append(f.handles, body["handle"].(string))
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/xrpc/com.atproto.repo.putRecord", func(w http.ResponseWriter, r *http.Request) {
		f.bump("putRecord")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"uri": "at://did:plc:newuser/app.bsky.actor.profile/self",
			"cid": "bafyprofile",
			"commit": map[string]string{"rev": "rev-2"},
		})
	})
	mux.HandleFunc("/xrpc/com.atproto.sync.requestCrawl", func(w http.ResponseWriter, r *http.Request) {
		f.bump("requestCrawl")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/xrpc/com.atproto.sync.getLatestCommit", func(w http.ResponseWriter, r *http.Request) {
		f.bump("getLatestCommit")
		_ = json.NewEncoder(w).Encode(map[string]string{"rev": "rev-2"})
	})
	mux.HandleFunc("/did:plc:newuser", func(w http.ResponseWriter, r *http.Request) {
		f.bump("directoryResolve")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "did:plc:newuser"})
	})

	return f, httptest.NewServer(mux)
}

func newTestSaga(t *testing.T, srvURL string, maxAccounts int) (*saga.Saga, sqlmock.Sqlmock) {
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
	pds := pdsclient.New(srvURL, srvURL, "admin-secret", nil)
	fed := federation.New(srvURL, srvURL, nil)
	sessions := session.New(gateway, pds, vault, mail.NewLoggingSender(nil), "https://poltr.ch", nil)

	return saga.New(gateway, pds, fed, vault, sessions, "pds.test", maxAccounts, nil), mock
}

func expectPseudonymDraw(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`FROM mountain_templates`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "fullname", "canton", "height"}).
			AddRow(7, "Eiger", "The Eiger", "BE", 3967))
}

// TestRegister_HappyPath walks the whole state machine: one invite, one
// account, two profile writes, one crawl request, a relay wait, the handle
// toggle, then the Credential and Session inserts.
func TestRegister_HappyPath(t *testing.T) {
	fake, srv := newFakeFederation()
	defer srv.Close()

	sg, mock := newTestSaga(t, srv.URL, 0)
	expectPseudonymDraw(mock)
	mock.ExpectExec(`INSERT INTO credentials`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO sessions`).WillReturnResult(sqlmock.NewResult(0, 1))

	sess, err := sg.Register(context.Background(), "alice@example.test")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "did:plc:newuser", sess.DID)
	assert.NotEmpty(t, sess.SessionToken)

	assert.Equal(t, 1, fake.count("createInvite"))
	assert.Equal(t, 1, fake.count("createAccount"))
	assert.Equal(t, 2, fake.count("putRecord"), "minimal then full profile")
	assert.Equal(t, 1, fake.count("requestCrawl"))
	assert.GreaterOrEqual(t, fake.count("getLatestCommit"), 1)
	assert.Equal(t, 2, fake.count("updateHandle"), "handle toggle renames twice")
	assert.Equal(t, 0, fake.count("deleteAccount"), "no compensation on success")

	// The toggle must leave the account with its original handle.
	require.Len(t, fake.handles, 2)
	assert.True(t, strings.HasSuffix(fake.handles[0], "-tmp.pds.test"))
	assert.Equal(t, strings.Replace(fake.handles[0], "-tmp.", ".", 1), fake.handles[1])

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestRegister_EmailTakenAtPDS covers scenario 2: the failure happens
// before the point of no return, so nothing is compensated and nothing is
// persisted.
func TestRegister_EmailTakenAtPDS(t *testing.T) {
	fake, srv := newFakeFederation()
	defer srv.Close()
	fake.createAccountError = "Email already taken"

	sg, mock := newTestSaga(t, srv.URL, 0)
	expectPseudonymDraw(mock)

	_, err := sg.Register(context.Background(), "alice@example.test")
	xe := xrpcerr.As(err)
	require.NotNil(t, xe)
	assert.Equal(t, xrpcerr.KindConflict, xe.Kind)
	assert.Equal(t, xrpcerr.CodeEmailTaken, xe.Code)

	assert.Equal(t, 0, fake.count("deleteAccount"), "no compensating delete before the point of no return")
	assert.NoError(t, mock.ExpectationsWereMet(), "no Credential or Session insert may have run")
}

// TestRegister_CompensatesAfterAccountCreation covers scenario 3: a DB
// failure after the PDS account exists triggers exactly one compensating
// delete with the new DID.
func TestRegister_CompensatesAfterAccountCreation(t *testing.T) {
	fake, srv := newFakeFederation()
	defer srv.Close()

	sg, mock := newTestSaga(t, srv.URL, 0)
	expectPseudonymDraw(mock)
	mock.ExpectExec(`INSERT INTO credentials`).WillReturnError(errors.New("disk full"))

	_, err := sg.Register(context.Background(), "alice@example.test")
	xe := xrpcerr.As(err)
	require.NotNil(t, xe)
	assert.Equal(t, xrpcerr.CodeRegistrationFailed, xe.Code)

	assert.Equal(t, 1, fake.count("deleteAccount"), "exactly one compensating delete")
}

func TestRegister_AccountLimitGate(t *testing.T) {
	fake, srv := newFakeFederation()
	defer srv.Close()

	sg, mock := newTestSaga(t, srv.URL, 100)
	mock.ExpectQuery(`SELECT count\(\*\) FROM credentials`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(100))

	_, err := sg.Register(context.Background(), "alice@example.test")
	xe := xrpcerr.As(err)
	require.NotNil(t, xe)
	assert.Equal(t, xrpcerr.CodeAccountLimitReached, xe.Code)
	assert.Equal(t, 0, fake.count("createInvite"), "the gate fires before any external call")
}
