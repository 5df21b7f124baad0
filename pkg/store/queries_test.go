package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockGateway(t *testing.T) (*Gateway, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db, nil), mock
}

func TestCountCredentials(t *testing.T) {
	g, mock := newMockGateway(t)
	mock.ExpectQuery(`SELECT count\(\*\) FROM credentials`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	n, err := g.CountCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertCredential_BindsAllColumns(t *testing.T) {
	g, mock := newMockGateway(t)
	c := Credential{
		DID: "did:plc:u", Handle: "eiger-a1b2.pds.test", Email: "alice@example.test",
		PDSHostname: "pds.test", PwCiphertext: []byte{1, 2}, PwNonce: []byte{3, 4},
		PseudonymTemplateID: 7,
	}
	mock.ExpectExec(`INSERT INTO credentials`).
		WithArgs(c.DID, c.Handle, c.Email, c.PDSHostname, c.PwCiphertext, c.PwNonce, c.PseudonymTemplateID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, g.InsertCredential(context.Background(), c))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCredentialByEmail_NotFound(t *testing.T) {
	g, mock := newMockGateway(t)
	mock.ExpectQuery(`FROM credentials WHERE email`).
		WillReturnRows(sqlmock.NewRows([]string{"did", "handle", "email", "pds_hostname", "pw_ciphertext", "pw_nonce", "pseudonym_template_id"}))

	_, err := g.CredentialByEmail(context.Background(), "nobody@example.test")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConsumePendingRegistration_DeletesOnRead(t *testing.T) {
	g, mock := newMockGateway(t)
	expires := time.Now().Add(30 * time.Minute)
	mock.ExpectQuery(`DELETE FROM pending_registrations WHERE token = \$1\s+RETURNING`).
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows([]string{"email", "token", "expires_at"}).
			AddRow("alice@example.test", "tok-1", expires))

	p, err := g.ConsumePendingRegistration(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.test", p.Email)

	mock.ExpectQuery(`DELETE FROM pending_registrations`).
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows([]string{"email", "token", "expires_at"}))
	_, err = g.ConsumePendingRegistration(context.Background(), "tok-1")
	assert.ErrorIs(t, err, ErrNotFound, "second consumption must miss")
}

func TestSetBallotMirror_GuardsOnNull(t *testing.T) {
	g, mock := newMockGateway(t)
	// The WHERE bsky_post_uri IS NULL guard is the idempotence point: a
	// second mirror attempt matches zero rows instead of overwriting.
	mock.ExpectExec(`UPDATE ballots SET bsky_post_uri = \$1, bsky_post_cid = \$2\s+WHERE uri = \$3 AND bsky_post_uri IS NULL`).
		WithArgs("at://did:plc:gov/app.bsky.feed.post/3x", "bafy1", "at://did:plc:gov/ch.poltr.ballot/3lb").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, g.SetBallotMirror(context.Background(),
		"at://did:plc:gov/ch.poltr.ballot/3lb", "at://did:plc:gov/app.bsky.feed.post/3x", "bafy1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionByToken_ScansRow(t *testing.T) {
	g, mock := newMockGateway(t)
	now := time.Now()
	mock.ExpectQuery(`FROM sessions WHERE session_token`).
		WithArgs("tok").
		WillReturnRows(sqlmock.NewRows([]string{
			"session_token", "did", "user_json", "expires_at", "last_accessed_at", "access_token", "refresh_token",
		}).AddRow("tok", "did:plc:u", []byte(`{"did":"did:plc:u"}`), now.Add(time.Hour), now, "access", "refresh"))

	s, err := g.SessionByToken(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:u", s.DID)
	assert.False(t, s.Expired(now))
	assert.True(t, s.Expired(now.Add(2*time.Hour)))
}

func TestReviewCounts(t *testing.T) {
	g, mock := newMockGateway(t)
	mock.ExpectQuery(`FROM review_responses WHERE argument_uri`).
		WithArgs("at://arg").
		WillReturnRows(sqlmock.NewRows([]string{"approvals", "rejections", "total"}).AddRow(8, 1, 9))
	mock.ExpectQuery(`FROM review_invitations WHERE argument_uri`).
		WithArgs("at://arg").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))

	rc, err := g.ReviewCounts(context.Background(), "at://arg")
	require.NoError(t, err)
	assert.Equal(t, 8, rc.Approvals)
	assert.Equal(t, 1, rc.Rejections)
	assert.Equal(t, 9, rc.TotalReviews)
	assert.Equal(t, 10, rc.InvitationCount)
}

func TestFeedSkeletonPage_CursorKeyset(t *testing.T) {
	g, mock := newMockGateway(t)
	ts := time.Date(2026, 2, 15, 20, 53, 4, 0, time.UTC)
	mock.ExpectQuery(`\(created_at, rkey\) < \(\$1, \$2\)`).
		WithArgs(ts, "3lz", 50).
		WillReturnRows(sqlmock.NewRows([]string{"bsky_post_uri", "created_at", "rkey"}).
			AddRow("at://did:plc:gov/app.bsky.feed.post/3x", ts.Add(-time.Hour), "3ly"))

	rows, err := g.FeedSkeletonPage(context.Background(), &ts, "3lz", 50)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "3ly", rows[0].Rkey)
}
