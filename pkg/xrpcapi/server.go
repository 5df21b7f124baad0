// Package xrpcapi is the XRPC frontend: the HTTP router, request
// authentication, per-route rate limiting, and JSON serialization of DB
// rows, plus the well-known documents. Unhandled app.bsky.* methods fall
// through to the augmenting proxy.
package xrpcapi

import (
	"log/slog"
	"net/http"

	"github.com/nikwyss/poltrMVP/pkg/governance"
	"github.com/nikwyss/poltrMVP/pkg/httpmw"
	"github.com/nikwyss/poltrMVP/pkg/pdsclient"
	"github.com/nikwyss/poltrMVP/pkg/peerreview"
	"github.com/nikwyss/poltrMVP/pkg/saga"
	"github.com/nikwyss/poltrMVP/pkg/secretbox"
	"github.com/nikwyss/poltrMVP/pkg/session"
	"github.com/nikwyss/poltrMVP/pkg/store"
)

// Server holds the frontend's collaborators and exposes the router.
type Server struct {
	store       *store.Gateway
	sessions    *session.Service
	saga        *saga.Saga
	governance  *governance.Identity
	pds         *pdsclient.Client
	reviews     *peerreview.Service
	signer      *secretbox.AttestationSigner
	proxy       http.Handler
	logger      *slog.Logger

	feedGeneratorDID   string
	frontendURL        string
	production         bool
	appPasswordEnabled bool

	wellKnown *wellKnown

	// Per-route rate limiters: send magic link 5/min, verify 10/min,
	// registration 10/min.
	sendLinkLimiter httpmw.Limiter
	verifyLimiter   httpmw.Limiter
	registerLimiter httpmw.Limiter
}

// Options bundles Server configuration.
type Options struct {
	FeedGeneratorDID   string
	FrontendURL        string
	Production         bool
	AppPasswordEnabled bool

	SendLinkLimiter httpmw.Limiter
	VerifyLimiter   httpmw.Limiter
	RegisterLimiter httpmw.Limiter
}

// New builds a Server. It validates the embedded well-known documents and
// fails if they are malformed, so a broken lexicon is a startup error
// rather than a served one.
func New(st *store.Gateway, sessions *session.Service, sg *saga.Saga, gov *governance.Identity, pds *pdsclient.Client, reviews *peerreview.Service, signer *secretbox.AttestationSigner, prox http.Handler, opts Options, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	wk, err := newWellKnown(opts.FeedGeneratorDID, opts.FrontendURL, signer)
	if err != nil {
		return nil, err
	}

	s := &Server{
		store: st, sessions: sessions, saga: sg, governance: gov, pds: pds,
		reviews: reviews, signer: signer, proxy: prox,
		logger: logger.With("component", "xrpcapi"),

		feedGeneratorDID:   opts.FeedGeneratorDID,
		frontendURL:        opts.FrontendURL,
		production:         opts.Production,
		appPasswordEnabled: opts.AppPasswordEnabled,

		wellKnown: wk,

		sendLinkLimiter: opts.SendLinkLimiter,
		verifyLimiter:   opts.VerifyLimiter,
		registerLimiter: opts.RegisterLimiter,
	}
	if s.sendLinkLimiter == nil {
		s.sendLinkLimiter = httpmw.NewInMemoryLimiter(5)
	}
	if s.verifyLimiter == nil {
		s.verifyLimiter = httpmw.NewInMemoryLimiter(10)
	}
	if s.registerLimiter == nil {
		s.registerLimiter = httpmw.NewInMemoryLimiter(10)
	}
	return s, nil
}

// Router wires every route. The proxy is mounted last, as the /xrpc/
// fallback.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	// Health and well-known documents.
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /.well-known/did.json", s.wellKnown.serveDIDDocument)
	mux.HandleFunc("GET /.well-known/lexicons/", s.wellKnown.serveLexicon)

	// Auth (magic links and verification).
	mux.Handle("POST /xrpc/ch.poltr.auth.sendMagicLink",
		httpmw.RateLimit(s.sendLinkLimiter)(http.HandlerFunc(s.handleSendMagicLink)))
	mux.Handle("POST /xrpc/ch.poltr.auth.register",
		httpmw.RateLimit(s.registerLimiter)(http.HandlerFunc(s.handleRegister)))
	mux.Handle("POST /xrpc/ch.poltr.auth.verifyRegistration",
		httpmw.RateLimit(s.verifyLimiter)(http.HandlerFunc(s.handleVerifyRegistration)))
	mux.Handle("POST /xrpc/ch.poltr.auth.verifyLogin",
		httpmw.RateLimit(s.verifyLimiter)(http.HandlerFunc(s.handleVerifyLogin)))
	mux.HandleFunc("POST /xrpc/ch.poltr.auth.logout", s.requireSession(s.handleLogout))
	mux.HandleFunc("POST /xrpc/ch.poltr.auth.createAppPassword", s.requireSession(s.handleCreateAppPassword))

	// Ballots, arguments, ratings.
	mux.HandleFunc("GET /xrpc/app.ch.poltr.ballot.list", s.requireSession(s.handleBallotList))
	mux.HandleFunc("GET /xrpc/app.ch.poltr.ballot.get", s.requireSession(s.handleBallotGet))
	mux.HandleFunc("GET /xrpc/app.ch.poltr.argument.list", s.requireSession(s.handleArgumentList))
	mux.HandleFunc("POST /xrpc/app.ch.poltr.content.rating", s.requireSession(s.handleRating))
	mux.HandleFunc("POST /xrpc/app.ch.poltr.content.unrating", s.requireSession(s.handleUnrating))

	// Peer review.
	mux.HandleFunc("GET /xrpc/app.ch.poltr.review.criteria", s.requireSession(s.handleReviewCriteria))
	mux.HandleFunc("GET /xrpc/app.ch.poltr.review.pending", s.requireSession(s.handleReviewPending))
	mux.HandleFunc("POST /xrpc/app.ch.poltr.review.submit", s.requireSession(s.handleReviewSubmit))
	mux.HandleFunc("GET /xrpc/app.ch.poltr.review.status", s.requireSession(s.handleReviewStatus))

	// Feed generator.
	mux.HandleFunc("GET /xrpc/app.bsky.feed.describeFeedGenerator", s.handleDescribeFeedGenerator)
	mux.HandleFunc("GET /xrpc/app.bsky.feed.getFeedSkeleton", s.handleGetFeedSkeleton)

	// Everything else under /xrpc/ goes to the augmenting proxy.
	mux.Handle("/xrpc/", s.proxy)

	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.store.Healthy(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
