package xrpcapi_test

import (
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikwyss/poltrMVP/pkg/federation"
	"github.com/nikwyss/poltrMVP/pkg/governance"
	"github.com/nikwyss/poltrMVP/pkg/mail"
	"github.com/nikwyss/poltrMVP/pkg/pdsclient"
	"github.com/nikwyss/poltrMVP/pkg/peerreview"
	"github.com/nikwyss/poltrMVP/pkg/saga"
	"github.com/nikwyss/poltrMVP/pkg/secretbox"
	"github.com/nikwyss/poltrMVP/pkg/session"
	"github.com/nikwyss/poltrMVP/pkg/store"
	"github.com/nikwyss/poltrMVP/pkg/xrpcapi"
)

type testEnv struct {
	handler http.Handler
	mock    sqlmock.Sqlmock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	key := make([]byte, secretbox.KeySize)
	_, err = rand.Read(key)
	require.NoError(t, err)
	vault, err := secretbox.NewVault(key)
	require.NoError(t, err)
	seed := make([]byte, 32)
	_, err = rand.Read(seed)
	require.NoError(t, err)
	signer, err := secretbox.NewAttestationSigner(seed)
	require.NoError(t, err)

	gateway := store.NewWithDB(db, nil)
	pds := pdsclient.New("http://pds.invalid", "http://pds.invalid", "", nil)
	fed := federation.New("http://directory.invalid", "http://relay.invalid", nil)
	gov := governance.New("did:plc:gov", "pw", pds)
	sessions := session.New(gateway, pds, vault, mail.NewLoggingSender(nil), "https://poltr.ch", nil)
	registration := saga.New(gateway, pds, fed, vault, sessions, "pds.test", 0, nil)

	rubric, err := peerreview.LoadRubric("")
	require.NoError(t, err)
	rule, err := peerreview.NewPromotionRule("", nil)
	require.NoError(t, err)
	reviews := peerreview.NewService(gateway, gov, rubric, rule, 10)

	notReached := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("proxy reached for %s", r.URL.Path)
	})

	api, err := xrpcapi.New(gateway, sessions, registration, gov, pds, reviews, signer, notReached, xrpcapi.Options{
		FeedGeneratorDID: "did:web:app.poltr.info",
		FrontendURL:      "https://poltr.ch",
	}, nil)
	require.NoError(t, err)

	return &testEnv{handler: api.Router(), mock: mock}
}

// expectValidSession queues the two queries the session middleware runs.
func (e *testEnv) expectValidSession(token, did string) {
	e.mock.ExpectQuery(`FROM sessions WHERE session_token`).
		WithArgs(token).
		WillReturnRows(sqlmock.NewRows([]string{
			"session_token", "did", "user_json", "expires_at", "last_accessed_at", "access_token", "refresh_token",
		}).AddRow(token, did, []byte(`{"did":"`+did+`"}`), time.Now().Add(time.Hour), time.Now(), "a", "r"))
	e.mock.ExpectExec(`UPDATE sessions SET last_accessed_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestAuthedRoutesRejectMissingToken(t *testing.T) {
	env := newTestEnv(t)

	for _, route := range []string{
		"/xrpc/app.ch.poltr.ballot.list",
		"/xrpc/app.ch.poltr.review.pending",
	} {
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, httptest.NewRequest("GET", route, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, route)
	}
}

func TestSessionAcceptedFromBearerHeader(t *testing.T) {
	env := newTestEnv(t)
	env.expectValidSession("tok-1", "did:plc:viewer")
	env.mock.ExpectQuery(`FROM ballots b`).
		WillReturnRows(sqlmock.NewRows([]string{
			"uri", "rkey", "did", "cid", "title", "description", "vote_date", "created_at", "deleted",
			"like_count", "reply_count", "bookmark_count", "record_json", "bsky_post_uri", "bsky_post_cid", "viewer_like",
		}))

	req := httptest.NewRequest("GET", "/xrpc/app.ch.poltr.ballot.list", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body["ballots"])
}

func TestDescribeFeedGenerator(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/xrpc/app.bsky.feed.describeFeedGenerator", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		DID   string `json:"did"`
		Feeds []struct {
			URI string `json:"uri"`
		} `json:"feeds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "did:web:app.poltr.info", body.DID)
	require.Len(t, body.Feeds, 1)
	assert.Equal(t, "at://did:plc:gov/app.bsky.feed.generator/poltr", body.Feeds[0].URI)
}

func TestGetFeedSkeleton_UnknownFeed(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/xrpc/app.bsky.feed.getFeedSkeleton?feed=at://other/feed/x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "UnknownFeed")
}

func TestGetFeedSkeleton_PageAndCursor(t *testing.T) {
	env := newTestEnv(t)
	created := time.Date(2026, 2, 15, 20, 53, 4, 0, time.UTC)
	env.mock.ExpectQuery(`SELECT bsky_post_uri, created_at, rkey`).
		WillReturnRows(sqlmock.NewRows([]string{"bsky_post_uri", "created_at", "rkey"}).
			AddRow("at://did:plc:gov/app.bsky.feed.post/3x", created, "3lz"))

	feed := "at://did:plc:gov/app.bsky.feed.generator/poltr"
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/xrpc/app.bsky.feed.getFeedSkeleton?feed="+feed, nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Feed []struct {
			Post string `json:"post"`
		} `json:"feed"`
		Cursor string `json:"cursor"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Feed, 1)
	assert.Equal(t, "at://did:plc:gov/app.bsky.feed.post/3x", body.Feed[0].Post)
	assert.True(t, strings.HasSuffix(body.Cursor, "::3lz"))
}

func TestReviewSubmit_NotInvited(t *testing.T) {
	env := newTestEnv(t)
	env.expectValidSession("tok-1", "did:plc:reviewer")
	env.mock.ExpectQuery(`FROM review_invitations WHERE argument_uri`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	payload := `{"argumentUri":"at://arg","criteria":{"clarity":true},"vote":"APPROVE"}`
	req := httptest.NewRequest("POST", "/xrpc/app.ch.poltr.review.submit", strings.NewReader(payload))
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_invited")
}

func TestReviewSubmit_RejectNeedsJustification(t *testing.T) {
	env := newTestEnv(t)
	env.expectValidSession("tok-1", "did:plc:reviewer")

	payload := `{"argumentUri":"at://arg","criteria":{"clarity":false},"vote":"REJECT"}`
	req := httptest.NewRequest("POST", "/xrpc/app.ch.poltr.review.submit", strings.NewReader(payload))
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBallotGet_NotFound(t *testing.T) {
	env := newTestEnv(t)
	env.expectValidSession("tok-1", "did:plc:viewer")
	env.mock.ExpectQuery(`FROM ballots b`).
		WillReturnRows(sqlmock.NewRows([]string{
			"uri", "rkey", "did", "cid", "title", "description", "vote_date", "created_at", "deleted",
			"like_count", "reply_count", "bookmark_count", "record_json", "bsky_post_uri", "bsky_post_cid", "viewer_like",
		}))

	req := httptest.NewRequest("GET", "/xrpc/app.ch.poltr.ballot.get?rkey=3lb", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReviewCriteria(t *testing.T) {
	env := newTestEnv(t)
	env.expectValidSession("tok-1", "did:plc:viewer")

	req := httptest.NewRequest("GET", "/xrpc/app.ch.poltr.review.criteria", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Criteria []struct {
			Key string `json:"key"`
		} `json:"criteria"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Criteria, 5)
	assert.Equal(t, "factual_accuracy", body.Criteria[0].Key)
}

func TestAppPasswordDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.expectValidSession("tok-1", "did:plc:viewer")

	req := httptest.NewRequest("POST", "/xrpc/ch.poltr.auth.createAppPassword", strings.NewReader(`{"name":"cli"}`))
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "disabled")
}
