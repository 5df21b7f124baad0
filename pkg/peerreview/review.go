package peerreview

import (
	"context"
	"errors"
	"time"

	"github.com/nikwyss/poltrMVP/pkg/governance"
	"github.com/nikwyss/poltrMVP/pkg/observability"
	"github.com/nikwyss/poltrMVP/pkg/secretbox"
	"github.com/nikwyss/poltrMVP/pkg/store"
	"github.com/nikwyss/poltrMVP/pkg/xrpcerr"
)

const responseCollection = "app.ch.poltr.review.response"

// Service enforces the review-submission guardrails on behalf of the XRPC
// frontend and serves review state. The status flip itself belongs to the
// firehose indexer; Service only writes records and reports tallies.
type Service struct {
	store      *store.Gateway
	governance *governance.Identity
	rubric     *Rubric
	rule       *PromotionRule
	quorum     int
}

// NewService builds a Service.
func NewService(st *store.Gateway, gov *governance.Identity, rubric *Rubric, rule *PromotionRule, quorum int) *Service {
	return &Service{store: st, governance: gov, rubric: rubric, rule: rule, quorum: quorum}
}

// Rubric exposes the loaded criteria list for the review.criteria endpoint.
func (s *Service) Rubric() *Rubric { return s.rubric }

// Quorum exposes the configured quorum for the review.status endpoint.
func (s *Service) Quorum() int { return s.quorum }

// Submission is a reviewer's submitted decision.
type Submission struct {
	ArgumentURI   string
	ReviewerDID   string
	Criteria      map[string]any
	Vote          store.ReviewVote
	Justification string
}

// Submit validates the guardrails, writes the response record under the
// governance identity, and pre-seeds the local row. Returns the record URI.
func (s *Service) Submit(ctx context.Context, sub Submission) (string, error) {
	if sub.ArgumentURI == "" || len(sub.Criteria) == 0 ||
		(sub.Vote != store.VoteApprove && sub.Vote != store.VoteReject) {
		return "", xrpcerr.New(xrpcerr.KindInvalidRequest, "invalid_request", "argumentUri, criteria, and valid vote required")
	}
	if sub.Vote == store.VoteReject && sub.Justification == "" {
		return "", xrpcerr.New(xrpcerr.KindInvalidRequest, "invalid_request", "justification required for REJECT vote")
	}
	for key := range sub.Criteria {
		if !s.rubric.Has(key) {
			return "", xrpcerr.New(xrpcerr.KindInvalidRequest, "invalid_request", "unknown review criterion: "+key)
		}
	}

	invited, err := s.store.HasInvitation(ctx, sub.ArgumentURI, sub.ReviewerDID)
	if err != nil {
		return "", xrpcerr.Wrap(xrpcerr.KindInternal, "internal_error", "invitation lookup failed", err)
	}
	if !invited {
		return "", xrpcerr.New(xrpcerr.KindForbidden, xrpcerr.CodeNotInvited, "no invitation found for this argument")
	}

	reviewed, err := s.store.HasReviewResponse(ctx, sub.ArgumentURI, sub.ReviewerDID)
	if err != nil {
		return "", xrpcerr.Wrap(xrpcerr.KindInternal, "internal_error", "response lookup failed", err)
	}
	if reviewed {
		return "", xrpcerr.New(xrpcerr.KindConflict, xrpcerr.CodeAlreadyReviewed, "you have already reviewed this argument")
	}

	record := map[string]any{
		"$type":     responseCollection,
		"argument":  sub.ArgumentURI,
		"reviewer":  sub.ReviewerDID,
		"criteria":  sub.Criteria,
		"vote":      string(sub.Vote),
		"createdAt": time.Now().UTC().Format(time.RFC3339),
	}
	if sub.Justification != "" {
		record["justification"] = sub.Justification
	}

	result, err := s.governance.CreateRecord(ctx, responseCollection, record)
	if err != nil {
		return "", xrpcerr.Wrap(xrpcerr.KindUpstreamPermanent, xrpcerr.CodePdsError, "could not write review record", err)
	}
	observability.AddSpanEvent(ctx, "review submitted",
		observability.ReviewOperation(sub.ArgumentURI, string(sub.Vote), "")...)

	// Pre-seed the local row so the at-most-once guardrail holds before
	// the firehose indexer catches up (matched on did + argument, same
	// reconciliation idea as the cross-like pending row). Criteria are
	// stored canonically so the indexer's later upsert compares equal.
	criteriaJSON, err := secretbox.CanonicalMarshal(sub.Criteria)
	if err != nil {
		return result.URI, nil
	}
	resp := store.ReviewResponse{
		URI:         result.URI,
		ArgumentURI: sub.ArgumentURI,
		ReviewerDID: sub.ReviewerDID,
		Criteria:    criteriaJSON,
		Vote:        sub.Vote,
		CreatedAt:   time.Now(),
	}
	if sub.Justification != "" {
		resp.Justification = &sub.Justification
	}
	if err := s.store.InsertReviewResponse(ctx, resp); err != nil {
		// Non-fatal: the indexer will land the row from the firehose.
		return result.URI, nil
	}
	return result.URI, nil
}

// Status is the review state of a single argument.
type Status struct {
	ArgumentURI     string
	ReviewStatus    store.ReviewStatus
	GovernanceURI   *string
	Quorum          int
	Counts          store.ReviewCounts
	Projected       Decision
	Reviews         []store.ReviewResponse // populated only for the author
}

// StatusFor returns the tallies for argumentURI, including the individual
// reviews only when viewerDID is the argument's author.
func (s *Service) StatusFor(ctx context.Context, argumentURI, viewerDID string) (*Status, error) {
	arg, err := s.store.ArgumentByURI(ctx, argumentURI)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, xrpcerr.New(xrpcerr.KindNotFound, "not_found", "argument not found")
		}
		return nil, xrpcerr.Wrap(xrpcerr.KindInternal, "internal_error", "argument lookup failed", err)
	}

	counts, err := s.store.ReviewCounts(ctx, argumentURI)
	if err != nil {
		return nil, xrpcerr.Wrap(xrpcerr.KindInternal, "internal_error", "review counts failed", err)
	}

	projected, err := s.rule.Evaluate(Tallies{
		Approvals:    counts.Approvals,
		Rejections:   counts.Rejections,
		TotalReviews: counts.TotalReviews,
		Quorum:       s.quorum,
	})
	if err != nil {
		return nil, xrpcerr.Wrap(xrpcerr.KindInternal, "internal_error", "promotion rule failed", err)
	}
	observability.AddSpanEvent(ctx, "promotion rule evaluated",
		observability.ReviewOperation(argumentURI, "", string(projected))...)

	st := &Status{
		ArgumentURI:   argumentURI,
		ReviewStatus:  arg.ReviewStatus,
		GovernanceURI: arg.GovernanceURI,
		Quorum:        s.quorum,
		Counts:        counts,
		Projected:     projected,
	}
	if viewerDID == arg.DID {
		reviews, err := s.store.ReviewResponsesByArgument(ctx, argumentURI)
		if err != nil {
			return nil, xrpcerr.Wrap(xrpcerr.KindInternal, "internal_error", "review list failed", err)
		}
		st.Reviews = reviews
	}
	return st, nil
}
