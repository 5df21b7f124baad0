// Package crosspost runs the cross-post worker: a background loop that
// mirrors local governance ballots and author arguments as upstream
// posts. Cadence and feature flag are injectable, and a channel-based
// tick primitive lets tests drive a single tick deterministically.
package crosspost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nikwyss/poltrMVP/pkg/governance"
	"github.com/nikwyss/poltrMVP/pkg/observability"
	"github.com/nikwyss/poltrMVP/pkg/pdsclient"
	"github.com/nikwyss/poltrMVP/pkg/secretbox"
	"github.com/nikwyss/poltrMVP/pkg/store"
)

const (
	ballotCollection   = "ch.poltr.ballot"
	argumentCollection = "ch.poltr.argument"
	maxPostLength      = 300
	userTokenTTL       = 60 * time.Minute
)

// errDeferred marks an argument left for the next tick without a failure.
var errDeferred = errors.New("crosspost: deferred to next tick")

// FeatureFlag reports whether the worker should run its tick body. It is a
// function rather than a bool so main.go can wire it to a live config
// reload without the worker knowing about pkg/config.
type FeatureFlag func() bool

// Worker runs the cross-post tick loop.
type Worker struct {
	store       *store.Gateway
	pds         *pdsclient.Client
	governance  *governance.Identity
	vault       *secretbox.Vault
	frontendURL string
	enabled     FeatureFlag
	interval    time.Duration
	logger      *slog.Logger

	tick chan struct{}

	mu          sync.Mutex
	userTokens  map[string]cachedUserToken
}

type cachedUserToken struct {
	accessJwt string
	expiresAt time.Time
}

// New builds a Worker.
func New(st *store.Gateway, pds *pdsclient.Client, gov *governance.Identity, vault *secretbox.Vault, frontendURL string, enabled FeatureFlag, interval time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store: st, pds: pds, governance: gov, vault: vault, frontendURL: frontendURL,
		enabled: enabled, interval: interval,
		logger:     logger.With("component", "crosspost"),
		tick:       make(chan struct{}, 1),
		userTokens: make(map[string]cachedUserToken),
	}
}

// TickNow requests an out-of-band tick, for deterministic tests.
func (w *Worker) TickNow() {
	select {
	case w.tick <- struct{}{}:
	default:
	}
}

// Run blocks, ticking on the configured interval (or TickNow) until ctx
// is canceled. A tick in progress runs under the same ctx, so cancellation
// also reaches its outbound calls and queries, which end with the
// context's error (an open transaction rolls back).
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("crosspost worker shutting down")
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
	ctx, span := observability.StartSpan(ctx, "crosspost.tick")
	defer span.End()

	mirrored, deferred := w.mirrorBallots(ctx)
	m, d := w.mirrorArguments(ctx)
	observability.AddSpanEvent(ctx, "tick complete",
		observability.WorkerTick("crosspost", mirrored+m, deferred+d)...)
}

// mirrorBallots posts every unmirrored governance ballot upstream,
// returning how many were mirrored and how many deferred to a later tick.
func (w *Worker) mirrorBallots(ctx context.Context) (mirrored, deferred int) {
	ballots, err := w.store.UnmirroredGovernanceBallots(ctx, w.governance.DID())
	if err != nil {
		w.logger.ErrorContext(ctx, "list unmirrored ballots failed", "error", err)
		return 0, 0
	}

	for _, b := range ballots {
		if err := w.mirrorBallot(ctx, b); err != nil {
			w.logger.ErrorContext(ctx, "mirror ballot failed", "uri", b.URI, "error", err)
			deferred++
			continue
		}
		mirrored++
	}
	return mirrored, deferred
}

func (w *Worker) mirrorBallot(ctx context.Context, b store.Ballot) error {
	url := fmt.Sprintf("%s/ballot/%s", w.frontendURL, b.Rkey)
	text := b.Title + "\n\n" + url

	post := map[string]any{
		"$type":     "app.bsky.feed.post",
		"text":      text,
		"createdAt": time.Now().UTC().Format(time.RFC3339),
		"facets":    []any{linkFacet(text, url)},
		"embed":     externalEmbed(url, b.Title, b.Description),
	}

	result, err := w.governance.CreateRecord(ctx, "app.bsky.feed.post", post)
	if err != nil {
		return fmt.Errorf("crosspost: create ballot post: %w", err)
	}
	return w.store.SetBallotMirror(ctx, b.URI, result.URI, result.CID)
}

// mirrorArguments posts arguments as replies under their ballot's
// upstream post, under the correct authoring identity.
func (w *Worker) mirrorArguments(ctx context.Context) (mirrored, deferred int) {
	args, err := w.store.UnmirroredArguments(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "list unmirrored arguments failed", "error", err)
		return 0, 0
	}

	for _, a := range args {
		if err := w.mirrorArgument(ctx, a); err != nil {
			if !errors.Is(err, errDeferred) {
				w.logger.ErrorContext(ctx, "mirror argument failed", "uri", a.URI, "error", err)
			}
			deferred++
			continue
		}
		mirrored++
	}
	return mirrored, deferred
}

func (w *Worker) mirrorArgument(ctx context.Context, a store.Argument) error {
	rootURI, rootCID, err := w.store.BallotMirror(ctx, a.BallotURI)
	if err != nil || rootURI == nil || rootCID == nil {
		// Deferred to the next tick: the parent ballot's mirror isn't
		// visible yet even though the query already filters for it —
		// a race with a concurrent tick, not an error.
		return errDeferred
	}

	text := argumentText(a)

	post := map[string]any{
		"$type":     "app.bsky.feed.post",
		"text":      text,
		"createdAt": time.Now().UTC().Format(time.RFC3339),
		"reply": map[string]any{
			"root":   map[string]any{"uri": *rootURI, "cid": *rootCID},
			"parent": map[string]any{"uri": *rootURI, "cid": *rootCID},
		},
	}

	isGovernanceCopy := a.OriginalURI != nil && a.DID == w.governance.DID()

	var result *pdsclient.RecordResult
	if isGovernanceCopy {
		result, err = w.governance.CreateRecord(ctx, "app.bsky.feed.post", post)
	} else {
		result, err = w.createAsAuthor(ctx, a.DID, post)
	}
	if err != nil {
		return fmt.Errorf("crosspost: create argument post: %w", err)
	}
	if result == nil {
		// Cache miss / no credential for this author yet: defer to the
		// next tick rather than error.
		return errDeferred
	}

	return w.store.SetArgumentMirror(ctx, a.URI, result.URI, result.CID)
}

func argumentText(a store.Argument) string {
	text := "[" + string(a.Type) + "] " + a.Title + "\n\n" + a.Body
	if a.ReviewStatus == store.ReviewPreliminary {
		text = "[Preliminary] " + text
	}
	if r := []rune(text); len(r) > maxPostLength {
		text = string(r[:maxPostLength])
	}
	return text
}

// createAsAuthor acquires a short-lived user session by decrypting the
// author's stored app-password, caching it for userTokenTTL.
func (w *Worker) createAsAuthor(ctx context.Context, did string, record any) (*pdsclient.RecordResult, error) {
	token, err := w.userToken(ctx, did)
	if err != nil {
		w.logger.WarnContext(ctx, "crosspost: user token unavailable, deferring", "did", did, "error", err)
		return nil, nil
	}
	return w.pds.CreateRecord(ctx, token, did, "app.bsky.feed.post", record)
}

func (w *Worker) userToken(ctx context.Context, did string) (string, error) {
	w.mu.Lock()
	if cached, ok := w.userTokens[did]; ok && time.Now().Before(cached.expiresAt) {
		w.mu.Unlock()
		return cached.accessJwt, nil
	}
	w.mu.Unlock()

	cred, err := w.store.CredentialByDID(ctx, did)
	if err != nil {
		return "", fmt.Errorf("crosspost: credential lookup: %w", err)
	}
	password, err := w.vault.Decrypt(cred.PwCiphertext, cred.PwNonce)
	if err != nil {
		return "", fmt.Errorf("crosspost: decrypt password: %w", err)
	}
	sess, err := w.pds.CreateSession(ctx, cred.Handle, password)
	if err != nil {
		return "", fmt.Errorf("crosspost: create user session: %w", err)
	}

	w.mu.Lock()
	w.userTokens[did] = cachedUserToken{accessJwt: sess.AccessJwt, expiresAt: time.Now().Add(userTokenTTL)}
	w.mu.Unlock()
	return sess.AccessJwt, nil
}

// linkFacet attaches a byte-exact substring facet over url within text.
func linkFacet(text, url string) map[string]any {
	start := strings.Index(text, url)
	if start < 0 {
		start = 0
	}
	end := start + len(url)
	return map[string]any{
		"index": map[string]any{"byteStart": start, "byteEnd": end},
		"features": []any{map[string]any{
			"$type": "app.bsky.richtext.facet#link",
			"uri":   url,
		}},
	}
}

func externalEmbed(url, title, description string) map[string]any {
	return map[string]any{
		"$type": "app.bsky.embed.external",
		"external": map[string]any{
			"uri":         url,
			"title":       title,
			"description": description,
		},
	}
}
