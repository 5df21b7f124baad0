package peerreview

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
)

// Decision is the outcome of evaluating the promotion rule against the
// current review tallies of a preliminary argument.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionPending  Decision = "pending"
)

// DefaultPromotionExpr is the promotion rule applied when no override is
// configured: a full quorum of approvals promotes, a single rejection
// demotes, anything else stays pending.
const DefaultPromotionExpr = `approvals >= quorum ? "approved" : (rejections > 0 ? "rejected" : "pending")`

// PromotionRule decides when a preliminary argument's review tallies
// warrant promotion or rejection. The rule is a CEL expression over the
// tallies rather than hardcoded Go, so the transition is data the operator
// can change and audit. Every evaluation is logged alongside its inputs.
//
// The actual status flip is performed by the firehose indexer; this rule is
// the single authoritative statement of when it should happen, shared with
// the review-status endpoint for reporting a projected outcome.
type PromotionRule struct {
	expr    string
	program cel.Program
	logger  *slog.Logger
}

// Tallies are the inputs a promotion decision is computed from.
type Tallies struct {
	Approvals    int
	Rejections   int
	TotalReviews int
	Quorum       int
}

// NewPromotionRule compiles expr, or DefaultPromotionExpr when expr is
// empty. The expression must evaluate to one of "approved", "rejected" or
// "pending".
func NewPromotionRule(expr string, logger *slog.Logger) (*PromotionRule, error) {
	if expr == "" {
		expr = DefaultPromotionExpr
	}
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("approvals", cel.IntType),
		cel.Variable("rejections", cel.IntType),
		cel.Variable("total_reviews", cel.IntType),
		cel.Variable("quorum", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("peerreview: cel environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("peerreview: compile promotion rule: %w", issues.Err())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("peerreview: build promotion program: %w", err)
	}

	return &PromotionRule{expr: expr, program: program, logger: logger.With("component", "peerreview")}, nil
}

// Expr returns the rule's source expression, for the audit log.
func (r *PromotionRule) Expr() string { return r.expr }

// Evaluate runs the rule against t and logs the inputs and outcome.
func (r *PromotionRule) Evaluate(t Tallies) (Decision, error) {
	out, _, err := r.program.Eval(map[string]any{
		"approvals":     int64(t.Approvals),
		"rejections":    int64(t.Rejections),
		"total_reviews": int64(t.TotalReviews),
		"quorum":        int64(t.Quorum),
	})
	if err != nil {
		return "", fmt.Errorf("peerreview: evaluate promotion rule: %w", err)
	}

	s, ok := out.Value().(string)
	if !ok {
		return "", fmt.Errorf("peerreview: promotion rule returned %T, want string", out.Value())
	}
	decision := Decision(s)
	switch decision {
	case DecisionApproved, DecisionRejected, DecisionPending:
	default:
		return "", fmt.Errorf("peerreview: promotion rule returned %q, want approved/rejected/pending", s)
	}

	r.logger.Info("promotion rule evaluated",
		"rule", r.expr,
		"approvals", t.Approvals,
		"rejections", t.Rejections,
		"total_reviews", t.TotalReviews,
		"quorum", t.Quorum,
		"decision", string(decision),
	)
	return decision, nil
}
