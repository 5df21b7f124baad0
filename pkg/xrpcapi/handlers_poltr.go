package xrpcapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nikwyss/poltrMVP/pkg/pdsclient"
	"github.com/nikwyss/poltrMVP/pkg/store"
	"github.com/nikwyss/poltrMVP/pkg/xrpcerr"
)

const (
	likeCollection     = "app.ch.poltr.ballot.like"
	bskyLikeCollection = "app.bsky.feed.like"
)

// handleBallotList serves GET app.ch.poltr.ballot.list?since=&limit=.
func (s *Server) handleBallotList(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())

	limit := queryLimit(r, 50, 100)
	// An unparseable since is ignored rather than rejected, matching the
	// lenient read-path behavior of the rest of the list endpoints.
	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			since = &t
		}
	}

	ballots, err := s.store.ListBallots(r.Context(), s.governance.DID(), sess.DID, since, limit)
	if err != nil {
		xrpcerr.Write(w, r, xrpcerr.Wrap(xrpcerr.KindInternal, "internal_error", "ballot query failed", err))
		return
	}

	views := make([]map[string]any, 0, len(ballots))
	for _, b := range ballots {
		views = append(views, ballotJSON(b))
	}

	resp := map[string]any{"ballots": views}
	if len(ballots) > 0 {
		last := ballots[len(ballots)-1]
		resp["cursor"] = Cursor{CreatedAt: last.CreatedAt, Rkey: last.Rkey}.Encode()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleBallotGet serves GET app.ch.poltr.ballot.get?rkey=.
func (s *Server) handleBallotGet(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	rkey := r.URL.Query().Get("rkey")
	if rkey == "" {
		xrpcerr.Write(w, r, xrpcerr.New(xrpcerr.KindInvalidRequest, "invalid_request", "rkey required"))
		return
	}

	ballot, err := s.store.BallotByRkey(r.Context(), rkey, sess.DID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			xrpcerr.Write(w, r, xrpcerr.New(xrpcerr.KindNotFound, "not_found", "ballot not found"))
			return
		}
		xrpcerr.Write(w, r, xrpcerr.Wrap(xrpcerr.KindInternal, "internal_error", "ballot query failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ballot": ballotJSON(*ballot)})
}

// handleArgumentList serves GET app.ch.poltr.argument.list?ballot_rkey=&limit=.
func (s *Server) handleArgumentList(w http.ResponseWriter, r *http.Request) {
	rkey := r.URL.Query().Get("ballot_rkey")
	if rkey == "" {
		xrpcerr.Write(w, r, xrpcerr.New(xrpcerr.KindInvalidRequest, "invalid_request", "ballot_rkey required"))
		return
	}
	limit := queryLimit(r, 100, 200)

	args, err := s.store.ArgumentsByBallotRkey(r.Context(), rkey, limit)
	if err != nil {
		xrpcerr.Write(w, r, xrpcerr.Wrap(xrpcerr.KindInternal, "internal_error", "argument query failed", err))
		return
	}

	views := make([]map[string]any, 0, len(args))
	for _, a := range args {
		views = append(views, argumentJSON(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"arguments": views})
}

// handleRating creates the caller's like record on their PDS and, when the
// subject ballot has an upstream mirror, cross-likes it under the same
// identity, pre-seeding the pending Like row the unlike path later reads.
func (s *Server) handleRating(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())

	var req struct {
		Subject struct {
			URI string `json:"uri"`
			CID string `json:"cid"`
		} `json:"subject"`
		Preference string `json:"preference"`
	}
	if err := decodeBody(r, &req); err != nil {
		xrpcerr.Write(w, r, err)
		return
	}
	if req.Subject.URI == "" || req.Subject.CID == "" {
		xrpcerr.Write(w, r, xrpcerr.New(xrpcerr.KindInvalidRequest, "invalid_request", "subject.uri and subject.cid required"))
		return
	}

	record := map[string]any{
		"$type":     likeCollection,
		"subject":   map[string]any{"uri": req.Subject.URI, "cid": req.Subject.CID},
		"createdAt": time.Now().UTC().Format(time.RFC3339),
	}
	if req.Preference != "" {
		record["preference"] = req.Preference
	}

	var result *pdsclient.RecordResult
	err := s.sessions.WithUpstreamRefresh(r.Context(), sess, func(accessToken string) error {
		var callErr error
		result, callErr = s.pds.CreateRecord(r.Context(), accessToken, sess.DID, likeCollection, record)
		return callErr
	})
	if err != nil {
		xrpcerr.Write(w, r, xrpcerr.Wrap(xrpcerr.KindUpstreamPermanent, xrpcerr.CodePdsError, "like creation failed", err))
		return
	}

	// Best-effort: mirror the like onto the ballot's upstream post.
	s.crossLike(r, sess, req.Subject.URI)

	writeJSON(w, http.StatusOK, map[string]any{"uri": result.URI, "cid": result.CID})
}

// crossLike creates an upstream like on the ballot's mirror and pre-seeds
// a pending Like row carrying the upstream like URI, so a later unlike can
// delete both sides. The indexer replaces the pending row with the real
// one, matched on did + subject_uri.
func (s *Server) crossLike(r *http.Request, sess *store.Session, ballotURI string) {
	ctx := r.Context()

	mirrorURI, mirrorCID, err := s.store.BallotMirror(ctx, ballotURI)
	if err != nil || mirrorURI == nil || mirrorCID == nil {
		return
	}

	record := map[string]any{
		"$type":     bskyLikeCollection,
		"subject":   map[string]any{"uri": *mirrorURI, "cid": *mirrorCID},
		"createdAt": time.Now().UTC().Format(time.RFC3339),
	}

	var result *pdsclient.RecordResult
	err = s.sessions.WithUpstreamRefresh(ctx, sess, func(accessToken string) error {
		var callErr error
		result, callErr = s.pds.CreateRecord(ctx, accessToken, sess.DID, bskyLikeCollection, record)
		return callErr
	})
	if err != nil {
		s.logger.WarnContext(ctx, "cross-like failed", "ballot", ballotURI, "error", err)
		return
	}

	pending := store.Like{
		URI:         fmt.Sprintf("pending:%s:%s", sess.DID, ballotURI),
		DID:         sess.DID,
		SubjectURI:  ballotURI,
		BskyLikeURI: &result.URI,
		CreatedAt:   time.Now(),
	}
	if err := s.store.InsertLike(ctx, pending); err != nil {
		s.logger.WarnContext(ctx, "pre-seed like row failed", "ballot", ballotURI, "error", err)
	}
}

// handleUnrating deletes the caller's like record and its upstream
// cross-like, recovering the upstream like URI from the Like row.
func (s *Server) handleUnrating(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())

	var req struct {
		LikeURI string `json:"likeUri"`
	}
	if err := decodeBody(r, &req); err != nil {
		xrpcerr.Write(w, r, err)
		return
	}
	rkey := lastURISegment(req.LikeURI)
	if rkey == "" {
		xrpcerr.Write(w, r, xrpcerr.New(xrpcerr.KindInvalidRequest, "invalid_request", "likeUri required"))
		return
	}

	// Look up the upstream cross-like before deleting; non-blocking.
	var bskyLikeURI *string
	if like, err := s.store.LikeByURI(r.Context(), req.LikeURI); err == nil && like.DID == sess.DID {
		bskyLikeURI = like.BskyLikeURI
	}

	err := s.sessions.WithUpstreamRefresh(r.Context(), sess, func(accessToken string) error {
		return s.pds.DeleteRecord(r.Context(), accessToken, sess.DID, likeCollection, rkey)
	})
	if err != nil {
		xrpcerr.Write(w, r, xrpcerr.Wrap(xrpcerr.KindUpstreamPermanent, xrpcerr.CodePdsError, "like deletion failed", err))
		return
	}

	if bskyLikeURI != nil {
		bskyRkey := lastURISegment(*bskyLikeURI)
		err := s.sessions.WithUpstreamRefresh(r.Context(), sess, func(accessToken string) error {
			return s.pds.DeleteRecord(r.Context(), accessToken, sess.DID, bskyLikeCollection, bskyRkey)
		})
		if err != nil {
			s.logger.WarnContext(r.Context(), "cross-like delete failed", "uri", *bskyLikeURI, "error", err)
		}
	}

	if err := s.store.DeleteLike(r.Context(), req.LikeURI); err != nil {
		s.logger.WarnContext(r.Context(), "mark like deleted failed", "uri", req.LikeURI, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// lastURISegment extracts the rkey from an AT-URI (at://did/collection/rkey).
func lastURISegment(uri string) string {
	if uri == "" {
		return ""
	}
	parts := strings.Split(uri, "/")
	return parts[len(parts)-1]
}

// queryLimit parses ?limit= with a default and an upper bound.
func queryLimit(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
