package xrpcapi

import (
	"encoding/json"
	"net/http"

	"github.com/nikwyss/poltrMVP/pkg/peerreview"
	"github.com/nikwyss/poltrMVP/pkg/store"
	"github.com/nikwyss/poltrMVP/pkg/xrpcerr"
)

// handleReviewCriteria returns the configured rubric.
func (s *Server) handleReviewCriteria(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"criteria": s.reviews.Rubric().Criteria})
}

// handleReviewPending returns the caller's open review invitations.
func (s *Server) handleReviewPending(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())

	pending, err := s.store.PendingInvitationsForDID(r.Context(), sess.DID)
	if err != nil {
		xrpcerr.Write(w, r, xrpcerr.Wrap(xrpcerr.KindInternal, "internal_error", "invitation query failed", err))
		return
	}

	invitations := make([]map[string]any, 0, len(pending))
	for _, p := range pending {
		invitations = append(invitations, map[string]any{
			"invitationUri": p.InvitationURI,
			"argumentUri":   p.ArgumentURI,
			"invitedAt":     isoTime(p.InvitedAt),
			"argument": map[string]any{
				"title":      p.Title,
				"body":       p.Body,
				"type":       string(p.Type),
				"ballotUri":  p.BallotURI,
				"ballotRkey": p.BallotRkey,
				"authorDid":  p.AuthorDID,
			},
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"invitations": invitations})
}

// handleReviewSubmit records a reviewer's decision.
func (s *Server) handleReviewSubmit(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())

	var req struct {
		ArgumentURI   string         `json:"argumentUri"`
		Criteria      map[string]any `json:"criteria"`
		Vote          string         `json:"vote"`
		Justification string         `json:"justification"`
	}
	if err := decodeBody(r, &req); err != nil {
		xrpcerr.Write(w, r, err)
		return
	}

	uri, err := s.reviews.Submit(r.Context(), peerreview.Submission{
		ArgumentURI:   req.ArgumentURI,
		ReviewerDID:   sess.DID,
		Criteria:      req.Criteria,
		Vote:          store.ReviewVote(req.Vote),
		Justification: req.Justification,
	})
	if err != nil {
		xrpcerr.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uri": uri})
}

// handleReviewStatus returns per-argument tallies, with individual reviews
// visible only to the argument's author.
func (s *Server) handleReviewStatus(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	argumentURI := r.URL.Query().Get("argumentUri")
	if argumentURI == "" {
		xrpcerr.Write(w, r, xrpcerr.New(xrpcerr.KindInvalidRequest, "invalid_request", "argumentUri required"))
		return
	}

	st, err := s.reviews.StatusFor(r.Context(), argumentURI, sess.DID)
	if err != nil {
		xrpcerr.Write(w, r, err)
		return
	}

	resp := map[string]any{
		"argumentUri":     st.ArgumentURI,
		"reviewStatus":    string(st.ReviewStatus),
		"quorum":          st.Quorum,
		"approvals":       st.Counts.Approvals,
		"rejections":      st.Counts.Rejections,
		"totalReviews":    st.Counts.TotalReviews,
		"invitationCount": st.Counts.InvitationCount,
		"projectedStatus": string(st.Projected),
	}
	if st.GovernanceURI != nil {
		resp["governanceUri"] = *st.GovernanceURI
	}
	if st.Reviews != nil {
		reviews := make([]map[string]any, 0, len(st.Reviews))
		for _, rv := range st.Reviews {
			item := map[string]any{
				"reviewerDid": rv.ReviewerDID,
				"criteria":    json.RawMessage(rv.Criteria),
				"vote":        string(rv.Vote),
				"createdAt":   isoTime(rv.CreatedAt),
			}
			if rv.Justification != nil {
				item["justification"] = *rv.Justification
			}
			reviews = append(reviews, item)
		}
		resp["reviews"] = reviews
	}
	writeJSON(w, http.StatusOK, resp)
}
