package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// BallotView is a ballot row plus the viewer's own like URI, so the
// frontend can unlike without an extra round-trip.
type BallotView struct {
	Ballot
	ViewerLikeURI *string
}

const ballotViewColumns = `
	b.uri, b.rkey, b.did, b.cid,
	COALESCE(b.title, ''), COALESCE(b.description, ''),
	b.vote_date, b.created_at, b.deleted,
	COALESCE(b.like_count, 0), COALESCE(b.reply_count, 0), COALESCE(b.bookmark_count, 0),
	b.record_json, b.bsky_post_uri, b.bsky_post_cid`

func scanBallotView(rows interface{ Scan(...any) error }) (*BallotView, error) {
	var v BallotView
	var voteDate sql.NullTime
	var recordJSON []byte
	if err := rows.Scan(
		&v.URI, &v.Rkey, &v.DID, &v.CID,
		&v.Title, &v.Description,
		&voteDate, &v.CreatedAt, &v.Deleted,
		&v.LikeCount, &v.ReplyCount, &v.BookmarkCount,
		&recordJSON, &v.BskyPostURI, &v.BskyPostCID,
		&v.ViewerLikeURI,
	); err != nil {
		return nil, err
	}
	if voteDate.Valid {
		v.VoteDate = voteDate.Time
	}
	v.RecordJSON = recordJSON
	return &v, nil
}

// ListBallots returns governance ballots for the ballot.list endpoint,
// newest vote first, optionally filtered to vote_date >= since. viewerDID
// selects the caller's own like URI per row.
func (g *Gateway) ListBallots(ctx context.Context, governanceDID, viewerDID string, since *time.Time, limit int) ([]BallotView, error) {
	rows, err := g.DB().QueryContext(ctx, `
		SELECT `+ballotViewColumns+`,
		       (SELECT uri FROM likes l
		        WHERE l.subject_uri = b.uri AND l.did = $1 AND NOT l.deleted
		        LIMIT 1) AS viewer_like
		FROM ballots b
		WHERE NOT b.deleted AND b.did = $2
		  AND ($3::timestamptz IS NULL OR b.vote_date >= $3)
		ORDER BY b.vote_date DESC NULLS LAST, b.created_at DESC
		LIMIT $4`, viewerDID, governanceDID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BallotView
	for rows.Next() {
		v, err := scanBallotView(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// BallotByRkey fetches a single ballot for the ballot.get endpoint.
func (g *Gateway) BallotByRkey(ctx context.Context, rkey, viewerDID string) (*BallotView, error) {
	row := g.DB().QueryRowContext(ctx, `
		SELECT `+ballotViewColumns+`,
		       (SELECT uri FROM likes l
		        WHERE l.subject_uri = b.uri AND l.did = $1 AND NOT l.deleted
		        LIMIT 1) AS viewer_like
		FROM ballots b
		WHERE b.rkey = $2 AND NOT b.deleted`, viewerDID, rkey)
	v, err := scanBallotView(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ArgumentsByBallotRkey returns the arguments attached to a ballot for the
// argument.list endpoint, oldest first.
func (g *Gateway) ArgumentsByBallotRkey(ctx context.Context, ballotRkey string, limit int) ([]Argument, error) {
	rows, err := g.DB().QueryContext(ctx, `
		SELECT uri, ballot_uri, ballot_rkey, did, cid,
		       COALESCE(title, ''), COALESCE(body, ''), type, review_status,
		       original_uri, governance_uri, bsky_post_uri, bsky_post_cid,
		       created_at, indexed_at,
		       COALESCE(like_count, 0), COALESCE(comment_count, 0)
		FROM arguments
		WHERE ballot_rkey = $1 AND NOT deleted
		ORDER BY created_at ASC
		LIMIT $2`, ballotRkey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Argument
	for rows.Next() {
		var a Argument
		var indexedAt sql.NullTime
		if err := rows.Scan(
			&a.URI, &a.BallotURI, &a.BallotRkey, &a.DID, &a.CID,
			&a.Title, &a.Body, &a.Type, &a.ReviewStatus,
			&a.OriginalURI, &a.GovernanceURI, &a.BskyPostURI, &a.BskyPostCID,
			&a.CreatedAt, &indexedAt,
			&a.LikeCount, &a.CommentCount,
		); err != nil {
			return nil, err
		}
		if indexedAt.Valid {
			t := indexedAt.Time
			a.IndexedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FeedSkeletonRow is one entry of the poltr feed: a mirrored ballot's
// upstream post plus its keyset position.
type FeedSkeletonRow struct {
	BskyPostURI string
	CreatedAt   time.Time
	Rkey        string
}

func (g *Gateway) FeedSkeletonPage(ctx context.Context, cursorCreatedAt *time.Time, cursorRkey string, limit int) ([]FeedSkeletonRow, error) {
	var rows *sql.Rows
	var err error
	if cursorCreatedAt != nil && cursorRkey != "" {
		rows, err = g.DB().QueryContext(ctx, `
			SELECT bsky_post_uri, created_at, rkey
			FROM ballots
			WHERE bsky_post_uri IS NOT NULL AND NOT deleted
			  AND (created_at, rkey) < ($1, $2)
			ORDER BY created_at DESC, rkey DESC
			LIMIT $3`, *cursorCreatedAt, cursorRkey, limit)
	} else {
		rows, err = g.DB().QueryContext(ctx, `
			SELECT bsky_post_uri, created_at, rkey
			FROM ballots
			WHERE bsky_post_uri IS NOT NULL AND NOT deleted
			ORDER BY created_at DESC, rkey DESC
			LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FeedSkeletonRow
	for rows.Next() {
		var r FeedSkeletonRow
		if err := rows.Scan(&r.BskyPostURI, &r.CreatedAt, &r.Rkey); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PendingInvitation is one open review invitation for the review.pending
// endpoint, joined with the argument awaiting the viewer's review.
type PendingInvitation struct {
	InvitationURI string
	ArgumentURI   string
	InvitedAt     time.Time
	Title         string
	Body          string
	Type          ArgumentType
	BallotURI     string
	BallotRkey    string
	AuthorDID     string
}

// PendingInvitationsForDID returns the viewer's open invitations: the
// argument is still preliminary and the viewer has not yet responded.
func (g *Gateway) PendingInvitationsForDID(ctx context.Context, did string) ([]PendingInvitation, error) {
	rows, err := g.DB().QueryContext(ctx, `
		SELECT ri.uri, ri.argument_uri, ri.created_at,
		       COALESCE(a.title, ''), COALESCE(a.body, ''), a.type,
		       a.ballot_uri, a.ballot_rkey, a.did
		FROM review_invitations ri
		JOIN arguments a ON a.uri = ri.argument_uri AND NOT a.deleted
		WHERE ri.invitee_did = $1
		  AND NOT ri.deleted
		  AND a.review_status = 'preliminary'
		  AND NOT EXISTS (
		    SELECT 1 FROM review_responses rr
		    WHERE rr.argument_uri = ri.argument_uri
		      AND rr.reviewer_did = $1
		      AND NOT rr.deleted
		  )
		ORDER BY ri.created_at ASC`, did)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PendingInvitation
	for rows.Next() {
		var p PendingInvitation
		if err := rows.Scan(
			&p.InvitationURI, &p.ArgumentURI, &p.InvitedAt,
			&p.Title, &p.Body, &p.Type,
			&p.BallotURI, &p.BallotRkey, &p.AuthorDID,
		); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
