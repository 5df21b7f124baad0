package peerreview

import (
	"context"
	"crypto/rand"
	"log/slog"
	"math/big"
	"time"

	"github.com/nikwyss/poltrMVP/pkg/governance"
	"github.com/nikwyss/poltrMVP/pkg/observability"
	"github.com/nikwyss/poltrMVP/pkg/store"
)

const (
	invitationCollection = "app.ch.poltr.review.invitation"
	argumentCollection   = "app.ch.poltr.ballot.argument"

	pendingArgumentsBatch = 20
	approvedCopiesBatch   = 10
)

// FeatureFlag reports whether the worker should run its tick body, checked
// per tick so the flag can change at runtime.
type FeatureFlag func() bool

// Worker runs the peer-review tick loop: inviting reviewers for
// preliminary arguments below quorum, and materializing approved arguments
// as governance copies.
type Worker struct {
	store       *store.Gateway
	governance  *governance.Identity
	rule        *PromotionRule
	enabled     FeatureFlag
	interval    time.Duration
	quorum      int
	inviteProb  float64
	logger      *slog.Logger

	// coin returns a uniform sample in [0, 1); injectable so tests can
	// drive the invitation dice deterministically.
	coin func() float64

	tick chan struct{}
}

// New builds a Worker.
func New(st *store.Gateway, gov *governance.Identity, rule *PromotionRule, enabled FeatureFlag, interval time.Duration, quorum int, inviteProb float64, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store: st, governance: gov, rule: rule,
		enabled: enabled, interval: interval,
		quorum: quorum, inviteProb: inviteProb,
		logger: logger.With("component", "peerreview"),
		coin:   secureCoin,
		tick:   make(chan struct{}, 1),
	}
}

// TickNow requests an out-of-band tick, for deterministic tests.
func (w *Worker) TickNow() {
	select {
	case w.tick <- struct{}{}:
	default:
	}
}

// Run blocks, ticking on the configured interval (or TickNow) until ctx is
// canceled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("peer-review worker shutting down")
			return
		case <-ticker.C:
			w.runTick(ctx)
		case <-w.tick:
			w.runTick(ctx)
		}
	}
}

func (w *Worker) runTick(ctx context.Context) {
	if !w.enabled() {
		return
	}
	ctx, span := observability.StartSpan(ctx, "peerreview.tick")
	defer span.End()

	invited, invDeferred := w.inviteReviewers(ctx)
	copied, copyDeferred := w.materializeApproved(ctx)
	observability.AddSpanEvent(ctx, "tick complete",
		observability.WorkerTick("peerreview", invited+copied, invDeferred+copyDeferred)...)
}

// inviteReviewers implements the first sub-loop: for each preliminary
// argument below quorum, flip a biased coin per eligible active user until
// the remaining invitation budget is spent. Returns how many invitations
// landed and how many arguments were deferred by errors.
func (w *Worker) inviteReviewers(ctx context.Context) (invited, deferred int) {
	pending, err := w.store.PreliminaryArgumentsBelowQuorum(ctx, w.quorum, pendingArgumentsBatch)
	if err != nil {
		w.logger.ErrorContext(ctx, "list pending arguments failed", "error", err)
		return 0, 0
	}

	for _, arg := range pending {
		n, err := w.inviteForArgument(ctx, arg)
		if err != nil {
			w.logger.ErrorContext(ctx, "invitation processing failed", "uri", arg.URI, "error", err)
			deferred++
		}
		invited += n
	}
	return invited, deferred
}

func (w *Worker) inviteForArgument(ctx context.Context, arg store.ArgumentInviteState) (int, error) {
	remaining := w.quorum - arg.InvitationCount
	if remaining <= 0 {
		return 0, nil
	}

	invited, err := w.store.InvitedDIDs(ctx, arg.URI)
	if err != nil {
		return 0, err
	}
	candidates, err := w.store.ActiveSessionDIDs(ctx, time.Now(), arg.DID, invited)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, did := range candidates {
		if created >= remaining {
			break
		}
		if w.coin() > w.inviteProb {
			continue
		}

		record := map[string]any{
			"$type":     invitationCollection,
			"argument":  arg.URI,
			"invitee":   did,
			"createdAt": time.Now().UTC().Format(time.RFC3339),
		}
		result, err := w.governance.CreateRecord(ctx, invitationCollection, record)
		if err != nil {
			w.logger.ErrorContext(ctx, "create invitation failed", "argument", arg.URI, "invitee", did, "error", err)
			continue
		}

		// Pre-seed the local row so the next tick's count and NOT-IN
		// filter see this invitation before the firehose indexer does.
		inv := store.ReviewInvitation{URI: result.URI, ArgumentURI: arg.URI, InviteeDID: did, CreatedAt: time.Now()}
		if err := w.store.InsertReviewInvitation(ctx, inv); err != nil {
			w.logger.WarnContext(ctx, "pre-seed invitation row failed", "uri", result.URI, "error", err)
		}
		w.logger.InfoContext(ctx, "reviewer invited", "argument", arg.URI, "invitee", did, "uri", result.URI)
		created++
	}
	return created, nil
}

// materializeApproved implements the second sub-loop: copy each approved
// argument under the governance identity with an originalUri pointer, then
// mark the preliminary row.
func (w *Worker) materializeApproved(ctx context.Context) (copied, deferred int) {
	args, err := w.store.ApprovedArgumentsAwaitingGovernanceCopy(ctx, approvedCopiesBatch)
	if err != nil {
		w.logger.ErrorContext(ctx, "list approved arguments failed", "error", err)
		return 0, 0
	}

	for _, a := range args {
		record := map[string]any{
			"$type":       argumentCollection,
			"title":       a.Title,
			"body":        a.Body,
			"type":        string(a.Type),
			"ballot":      a.BallotURI,
			"originalUri": a.URI,
			"createdAt":   time.Now().UTC().Format(time.RFC3339),
		}
		result, err := w.governance.CreateRecord(ctx, argumentCollection, record)
		if err != nil {
			w.logger.ErrorContext(ctx, "create governance copy failed", "uri", a.URI, "error", err)
			deferred++
			continue
		}
		if err := w.store.SetArgumentGovernanceCopy(ctx, a.URI, result.URI, time.Now()); err != nil {
			w.logger.ErrorContext(ctx, "mark governance copy failed", "uri", a.URI, "error", err)
			deferred++
			continue
		}
		w.logger.InfoContext(ctx, "governance copy created", "original", a.URI, "copy", result.URI)
		copied++
	}
	return copied, deferred
}

// secureCoin draws a uniform sample in [0, 1) from crypto/rand; the
// invitation dice don't need to be cryptographically strong, but poltr has
// no other randomness source wired and the rate is tiny.
func secureCoin() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 1.0 // fail closed: no invitation on a broken entropy source
	}
	return float64(n.Int64()) / (1 << 53)
}
