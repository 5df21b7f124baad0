package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// ErrNotFound is returned by single-row lookups that match zero rows.
var ErrNotFound = errors.New("store: not found")

// CountCredentials backs the registration saga's MAX_ACCOUNTS gate.
func (g *Gateway) CountCredentials(ctx context.Context) (int, error) {
	var n int
	err := g.DB().QueryRowContext(ctx, `SELECT count(*) FROM credentials`).Scan(&n)
	return n, err
}

// InsertCredential writes a new Credential row. Callers must never log c.
func (g *Gateway) InsertCredential(ctx context.Context, c Credential) error {
	_, err := g.DB().ExecContext(ctx, `
		INSERT INTO credentials (did, handle, email, pds_hostname, pw_ciphertext, pw_nonce, pseudonym_template_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.DID, c.Handle, c.Email, c.PDSHostname, c.PwCiphertext, c.PwNonce, c.PseudonymTemplateID)
	return err
}

// CredentialByEmail looks up a Credential by its unique email.
func (g *Gateway) CredentialByEmail(ctx context.Context, email string) (*Credential, error) {
	row := g.DB().QueryRowContext(ctx, `
		SELECT did, handle, email, pds_hostname, pw_ciphertext, pw_nonce, pseudonym_template_id
		FROM credentials WHERE email = $1`, email)
	return scanCredential(row)
}

// CredentialByDID looks up a Credential by its primary key.
func (g *Gateway) CredentialByDID(ctx context.Context, did string) (*Credential, error) {
	row := g.DB().QueryRowContext(ctx, `
		SELECT did, handle, email, pds_hostname, pw_ciphertext, pw_nonce, pseudonym_template_id
		FROM credentials WHERE did = $1`, did)
	return scanCredential(row)
}

func scanCredential(row *sql.Row) (*Credential, error) {
	var c Credential
	if err := row.Scan(&c.DID, &c.Handle, &c.Email, &c.PDSHostname, &c.PwCiphertext, &c.PwNonce, &c.PseudonymTemplateID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// DeleteCredential removes a Credential row. The registration saga calls
// it when the session insert fails after the credential was written.
func (g *Gateway) DeleteCredential(ctx context.Context, did string) error {
	_, err := g.DB().ExecContext(ctx, `DELETE FROM credentials WHERE did = $1`, did)
	return err
}

// InsertSession writes a freshly issued Session row.
func (g *Gateway) InsertSession(ctx context.Context, s Session) error {
	_, err := g.DB().ExecContext(ctx, `
		INSERT INTO sessions (session_token, did, user_json, expires_at, last_accessed_at, access_token, refresh_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.SessionToken, s.DID, s.UserJSON, s.ExpiresAt, s.LastAccessedAt, s.AccessToken, s.RefreshToken)
	return err
}

// SessionByToken fetches a Session row by its primary key.
func (g *Gateway) SessionByToken(ctx context.Context, token string) (*Session, error) {
	var s Session
	err := g.DB().QueryRowContext(ctx, `
		SELECT session_token, did, user_json, expires_at, last_accessed_at, access_token, refresh_token
		FROM sessions WHERE session_token = $1`, token).Scan(
		&s.SessionToken, &s.DID, &s.UserJSON, &s.ExpiresAt, &s.LastAccessedAt, &s.AccessToken, &s.RefreshToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// TouchSession updates last_accessed_at on the validation path.
func (g *Gateway) TouchSession(ctx context.Context, token string, now time.Time) error {
	_, err := g.DB().ExecContext(ctx, `UPDATE sessions SET last_accessed_at = $1 WHERE session_token = $2`, now, token)
	return err
}

// DeleteSession removes an expired or logged-out Session row.
func (g *Gateway) DeleteSession(ctx context.Context, token string) error {
	_, err := g.DB().ExecContext(ctx, `DELETE FROM sessions WHERE session_token = $1`, token)
	return err
}

// UpdateSessionTokens rotates the upstream access/refresh token pair in
// place, keyed by session_token and did.
func (g *Gateway) UpdateSessionTokens(ctx context.Context, sessionToken, did, accessToken, refreshToken string) error {
	_, err := g.DB().ExecContext(ctx, `
		UPDATE sessions SET access_token = $1, refresh_token = $2
		WHERE session_token = $3 AND did = $4`,
		accessToken, refreshToken, sessionToken, did)
	return err
}

// ActiveSessionDIDs returns distinct DIDs with a non-expired session,
// excluding excludeDID and anyone in alreadyInvited — the reviewer
// eligibility heuristic.
func (g *Gateway) ActiveSessionDIDs(ctx context.Context, now time.Time, excludeDID string, alreadyInvited []string) ([]string, error) {
	if alreadyInvited == nil {
		// A nil slice binds as NULL, and "did != ALL(NULL)" matches no row.
		alreadyInvited = []string{}
	}
	rows, err := g.DB().QueryContext(ctx, `
		SELECT DISTINCT did FROM sessions
		WHERE expires_at > $1 AND did != $2
		AND did != ALL($3)`,
		now, excludeDID, pq.Array(alreadyInvited))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, err
		}
		out = append(out, did)
	}
	return out, rows.Err()
}

// InsertPendingRegistration upserts by email so the newest link always wins.
func (g *Gateway) InsertPendingRegistration(ctx context.Context, p PendingRegistration) error {
	_, err := g.DB().ExecContext(ctx, `
		INSERT INTO pending_registrations (email, token, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at`,
		p.Email, p.Token, p.ExpiresAt)
	return err
}

// ConsumePendingRegistration deletes and returns the row matching token, or
// ErrNotFound. Read and delete are one DELETE ... RETURNING statement, so
// a token can be consumed at most once without a caller transaction.
func (g *Gateway) ConsumePendingRegistration(ctx context.Context, token string) (*PendingRegistration, error) {
	var p PendingRegistration
	err := g.DB().QueryRowContext(ctx, `
		DELETE FROM pending_registrations WHERE token = $1
		RETURNING email, token, expires_at`, token).Scan(&p.Email, &p.Token, &p.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// InsertPendingLogin writes a new one-time login token.
func (g *Gateway) InsertPendingLogin(ctx context.Context, p PendingLogin) error {
	_, err := g.DB().ExecContext(ctx, `
		INSERT INTO pending_logins (id, email, token, expires_at) VALUES ($1, $2, $3, $4)`,
		p.ID, p.Email, p.Token, p.ExpiresAt)
	return err
}

// ConsumePendingLogin deletes and returns the row matching token.
func (g *Gateway) ConsumePendingLogin(ctx context.Context, token string) (*PendingLogin, error) {
	var p PendingLogin
	err := g.DB().QueryRowContext(ctx, `
		DELETE FROM pending_logins WHERE token = $1
		RETURNING id, email, token, expires_at`, token).Scan(&p.ID, &p.Email, &p.Token, &p.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// RandomMountainTemplate draws one row uniformly at random for the
// pseudonym generator.
func (g *Gateway) RandomMountainTemplate(ctx context.Context) (*MountainTemplate, error) {
	var m MountainTemplate
	err := g.DB().QueryRowContext(ctx, `
		SELECT id, name, fullname, canton, height FROM mountain_templates
		ORDER BY random() LIMIT 1`).Scan(&m.ID, &m.Name, &m.Fullname, &m.Canton, &m.Height)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UnmirroredGovernanceBallots returns ballots authored by governanceDID
// still awaiting a cross-post, ordered oldest-first.
func (g *Gateway) UnmirroredGovernanceBallots(ctx context.Context, governanceDID string) ([]Ballot, error) {
	rows, err := g.DB().QueryContext(ctx, `
		SELECT uri, rkey, did, cid, title, description, vote_date, created_at
		FROM ballots
		WHERE bsky_post_uri IS NULL AND NOT deleted AND did = $1
		ORDER BY created_at ASC`, governanceDID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Ballot
	for rows.Next() {
		var b Ballot
		if err := rows.Scan(&b.URI, &b.Rkey, &b.DID, &b.CID, &b.Title, &b.Description, &b.VoteDate, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SetBallotMirror records the upstream post identity after a successful
// cross-post.
func (g *Gateway) SetBallotMirror(ctx context.Context, ballotURI, bskyPostURI, bskyPostCID string) error {
	_, err := g.DB().ExecContext(ctx, `
		UPDATE ballots SET bsky_post_uri = $1, bsky_post_cid = $2
		WHERE uri = $3 AND bsky_post_uri IS NULL`, bskyPostURI, bskyPostCID, ballotURI)
	return err
}

// BallotMirror returns the upstream (uri, cid) pair for a mirrored ballot,
// or (nil, nil) if not yet mirrored.
func (g *Gateway) BallotMirror(ctx context.Context, ballotURI string) (uri, cid *string, err error) {
	err = g.DB().QueryRowContext(ctx, `SELECT bsky_post_uri, bsky_post_cid FROM ballots WHERE uri = $1`, ballotURI).
		Scan(&uri, &cid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	return uri, cid, err
}

// UnmirroredArguments returns arguments whose parent ballot has already
// been mirrored but which have not themselves been mirrored yet, so a
// ballot always reaches upstream strictly before its arguments.
func (g *Gateway) UnmirroredArguments(ctx context.Context) ([]Argument, error) {
	rows, err := g.DB().QueryContext(ctx, `
		SELECT a.uri, a.ballot_uri, a.ballot_rkey, a.did, a.cid, a.title, a.body, a.type,
		       a.review_status, a.original_uri, a.governance_uri, a.created_at
		FROM arguments a
		JOIN ballots b ON b.uri = a.ballot_uri
		WHERE a.bsky_post_uri IS NULL AND NOT a.deleted AND b.bsky_post_uri IS NOT NULL
		ORDER BY a.created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Argument
	for rows.Next() {
		var a Argument
		if err := rows.Scan(&a.URI, &a.BallotURI, &a.BallotRkey, &a.DID, &a.CID, &a.Title, &a.Body, &a.Type,
			&a.ReviewStatus, &a.OriginalURI, &a.GovernanceURI, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetArgumentMirror records the upstream reply post for an argument.
func (g *Gateway) SetArgumentMirror(ctx context.Context, argumentURI, bskyPostURI, bskyPostCID string) error {
	_, err := g.DB().ExecContext(ctx, `
		UPDATE arguments SET bsky_post_uri = $1, bsky_post_cid = $2
		WHERE uri = $3 AND bsky_post_uri IS NULL`, bskyPostURI, bskyPostCID, argumentURI)
	return err
}

// ArgumentInviteState is an argument with its non-deleted invitation count.
type ArgumentInviteState struct {
	Argument
	InvitationCount int
}

// PreliminaryArgumentsBelowQuorum returns up to limit preliminary
// arguments whose non-deleted invitation count is below quorum, with the
// current count attached.
func (g *Gateway) PreliminaryArgumentsBelowQuorum(ctx context.Context, quorum, limit int) ([]ArgumentInviteState, error) {
	rows, err := g.DB().QueryContext(ctx, `
		SELECT a.uri, a.ballot_uri, a.ballot_rkey, a.did, a.cid, a.title, a.body, a.type, a.created_at,
		       count(i.uri) FILTER (WHERE NOT i.deleted) AS invitation_count
		FROM arguments a
		LEFT JOIN review_invitations i ON i.argument_uri = a.uri
		WHERE a.review_status = 'preliminary' AND NOT a.deleted
		GROUP BY a.uri, a.ballot_uri, a.ballot_rkey, a.did, a.cid, a.title, a.body, a.type, a.created_at
		HAVING count(i.uri) FILTER (WHERE NOT i.deleted) < $1
		ORDER BY a.created_at ASC
		LIMIT $2`, quorum, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ArgumentInviteState
	for rows.Next() {
		var s ArgumentInviteState
		if err := rows.Scan(&s.URI, &s.BallotURI, &s.BallotRkey, &s.DID, &s.CID, &s.Title, &s.Body, &s.Type, &s.CreatedAt, &s.InvitationCount); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// InvitedDIDs returns the distinct invitee DIDs already invited (not
// deleted) for an argument.
func (g *Gateway) InvitedDIDs(ctx context.Context, argumentURI string) ([]string, error) {
	rows, err := g.DB().QueryContext(ctx, `
		SELECT invitee_did FROM review_invitations WHERE argument_uri = $1 AND NOT deleted`, argumentURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, err
		}
		out = append(out, did)
	}
	return out, rows.Err()
}

// InsertReviewInvitation records a new invitation.
func (g *Gateway) InsertReviewInvitation(ctx context.Context, inv ReviewInvitation) error {
	_, err := g.DB().ExecContext(ctx, `
		INSERT INTO review_invitations (uri, argument_uri, invitee_did, created_at)
		VALUES ($1, $2, $3, $4)`, inv.URI, inv.ArgumentURI, inv.InviteeDID, inv.CreatedAt)
	return err
}

// ApprovedArgumentsAwaitingGovernanceCopy returns up to limit arguments
// whose governance copy has not been materialized yet.
func (g *Gateway) ApprovedArgumentsAwaitingGovernanceCopy(ctx context.Context, limit int) ([]Argument, error) {
	rows, err := g.DB().QueryContext(ctx, `
		SELECT uri, ballot_uri, ballot_rkey, did, cid, title, body, type, review_status, created_at
		FROM arguments
		WHERE review_status = 'approved' AND governance_uri IS NULL AND original_uri IS NULL
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Argument
	for rows.Next() {
		var a Argument
		if err := rows.Scan(&a.URI, &a.BallotURI, &a.BallotRkey, &a.DID, &a.CID, &a.Title, &a.Body, &a.Type, &a.ReviewStatus, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetArgumentGovernanceCopy updates the preliminary row once its governance
// copy has been created.
func (g *Gateway) SetArgumentGovernanceCopy(ctx context.Context, preliminaryURI, governanceURI string, indexedAt time.Time) error {
	_, err := g.DB().ExecContext(ctx, `
		UPDATE arguments SET governance_uri = $1, indexed_at = $2
		WHERE uri = $3 AND governance_uri IS NULL`, governanceURI, indexedAt, preliminaryURI)
	return err
}

// ArgumentByURI fetches a single argument, used by the review-submission
// guardrails and review-status endpoint.
func (g *Gateway) ArgumentByURI(ctx context.Context, uri string) (*Argument, error) {
	var a Argument
	err := g.DB().QueryRowContext(ctx, `
		SELECT uri, ballot_uri, ballot_rkey, did, cid, title, body, type, review_status,
		       original_uri, governance_uri, created_at
		FROM arguments WHERE uri = $1`, uri).Scan(
		&a.URI, &a.BallotURI, &a.BallotRkey, &a.DID, &a.CID, &a.Title, &a.Body, &a.Type,
		&a.ReviewStatus, &a.OriginalURI, &a.GovernanceURI, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// HasInvitation checks the review-submission guardrail: a non-deleted
// invitation must exist for (argumentURI, reviewerDID).
func (g *Gateway) HasInvitation(ctx context.Context, argumentURI, reviewerDID string) (bool, error) {
	var exists bool
	err := g.DB().QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM review_invitations WHERE argument_uri = $1 AND invitee_did = $2 AND NOT deleted)`,
		argumentURI, reviewerDID).Scan(&exists)
	return exists, err
}

// HasReviewResponse checks the at-most-once-response guardrail.
func (g *Gateway) HasReviewResponse(ctx context.Context, argumentURI, reviewerDID string) (bool, error) {
	var exists bool
	err := g.DB().QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM review_responses WHERE argument_uri = $1 AND reviewer_did = $2 AND NOT deleted)`,
		argumentURI, reviewerDID).Scan(&exists)
	return exists, err
}

// InsertReviewResponse records a submitted review.
func (g *Gateway) InsertReviewResponse(ctx context.Context, r ReviewResponse) error {
	_, err := g.DB().ExecContext(ctx, `
		INSERT INTO review_responses (uri, argument_uri, reviewer_did, criteria, vote, justification, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.URI, r.ArgumentURI, r.ReviewerDID, r.Criteria, r.Vote, r.Justification, r.CreatedAt)
	return err
}

// ReviewCounts tallies non-deleted responses for the status endpoint.
type ReviewCounts struct {
	Approvals        int
	Rejections       int
	TotalReviews     int
	InvitationCount  int
}

func (g *Gateway) ReviewCounts(ctx context.Context, argumentURI string) (ReviewCounts, error) {
	var rc ReviewCounts
	err := g.DB().QueryRowContext(ctx, `
		SELECT
			count(*) FILTER (WHERE vote = 'APPROVE'),
			count(*) FILTER (WHERE vote = 'REJECT'),
			count(*)
		FROM review_responses WHERE argument_uri = $1 AND NOT deleted`, argumentURI).
		Scan(&rc.Approvals, &rc.Rejections, &rc.TotalReviews)
	if err != nil {
		return rc, err
	}
	err = g.DB().QueryRowContext(ctx, `
		SELECT count(*) FROM review_invitations WHERE argument_uri = $1 AND NOT deleted`, argumentURI).
		Scan(&rc.InvitationCount)
	return rc, err
}

// ReviewResponsesByArgument returns the individual reviews, served only
// to the argument's author.
func (g *Gateway) ReviewResponsesByArgument(ctx context.Context, argumentURI string) ([]ReviewResponse, error) {
	rows, err := g.DB().QueryContext(ctx, `
		SELECT uri, argument_uri, reviewer_did, criteria, vote, justification, created_at
		FROM review_responses WHERE argument_uri = $1 AND NOT deleted ORDER BY created_at ASC`, argumentURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReviewResponse
	for rows.Next() {
		var r ReviewResponse
		if err := rows.Scan(&r.URI, &r.ArgumentURI, &r.ReviewerDID, &r.Criteria, &r.Vote, &r.Justification, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertLike writes a Like row — either the caller's own platform like,
// or the pre-seeded "pending:" row the cross-like path writes before the
// firehose indexer reconciles it.
func (g *Gateway) InsertLike(ctx context.Context, l Like) error {
	_, err := g.DB().ExecContext(ctx, `
		INSERT INTO likes (uri, did, subject_uri, subject_cid, bsky_like_uri, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (uri) DO UPDATE SET bsky_like_uri = EXCLUDED.bsky_like_uri`,
		l.URI, l.DID, l.SubjectURI, l.SubjectCID, l.BskyLikeURI, l.CreatedAt)
	return err
}

// LikeByURI fetches a Like row, used by the unlike path to recover the
// upstream like URI.
func (g *Gateway) LikeByURI(ctx context.Context, uri string) (*Like, error) {
	var l Like
	err := g.DB().QueryRowContext(ctx, `
		SELECT uri, did, subject_uri, subject_cid, bsky_like_uri, created_at
		FROM likes WHERE uri = $1`, uri).Scan(&l.URI, &l.DID, &l.SubjectURI, &l.SubjectCID, &l.BskyLikeURI, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// DeleteLike marks a Like row deleted (soft delete, matching the
// `deleted` column the firehose indexer also respects).
func (g *Gateway) DeleteLike(ctx context.Context, uri string) error {
	_, err := g.DB().ExecContext(ctx, `UPDATE likes SET deleted = true WHERE uri = $1`, uri)
	return err
}
