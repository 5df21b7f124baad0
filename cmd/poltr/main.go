// Command poltr runs the poltr AppView: the XRPC frontend, the augmenting
// proxy, and the cross-post and peer-review background workers, all in one
// process.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nikwyss/poltrMVP/pkg/config"
	"github.com/nikwyss/poltrMVP/pkg/crosspost"
	"github.com/nikwyss/poltrMVP/pkg/federation"
	"github.com/nikwyss/poltrMVP/pkg/governance"
	"github.com/nikwyss/poltrMVP/pkg/httpmw"
	"github.com/nikwyss/poltrMVP/pkg/mail"
	"github.com/nikwyss/poltrMVP/pkg/observability"
	"github.com/nikwyss/poltrMVP/pkg/pdsclient"
	"github.com/nikwyss/poltrMVP/pkg/peerreview"
	"github.com/nikwyss/poltrMVP/pkg/proxy"
	"github.com/nikwyss/poltrMVP/pkg/saga"
	"github.com/nikwyss/poltrMVP/pkg/secretbox"
	"github.com/nikwyss/poltrMVP/pkg/session"
	"github.com/nikwyss/poltrMVP/pkg/store"
	"github.com/nikwyss/poltrMVP/pkg/xrpcapi"
)

func main() {
	if err := run(); err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Observability is optional: without an OTLP endpoint the provider is
	// a no-op and every Record* call short-circuits.
	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "poltr-appview",
		ServiceVersion: "2.0.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       cfg.Environment != "production",
	})
	if err != nil {
		logger.Warn("observability init failed, continuing without", "error", err)
	}

	// Secret Box: both key material errors are fatal startup errors.
	vault, err := secretbox.NewVaultFromBase64(cfg.MasterKeyB64)
	if err != nil {
		return err
	}
	signer, err := secretbox.NewAttestationSignerFromBase64(cfg.SigningKeySeedB64)
	if err != nil {
		return err
	}

	// Persistence gateway: panic-free startup — a failing pool degrades
	// /healthz to 503 instead of killing the process.
	gateway := store.New(cfg.DatabaseURL, logger)
	if err := gateway.Open(ctx); err != nil {
		logger.Error("database pool unavailable at startup, continuing degraded", "error", err)
	}
	defer gateway.Close()

	pds := pdsclient.New(cfg.PDSInternalURL, "https://"+cfg.PDSHostname, cfg.AdminPassword, logger)
	fed := federation.New(cfg.DirectoryURL, cfg.RelayURL, logger)
	gov := governance.New(cfg.GovernanceDID, cfg.GovernancePassword, pds)
	sender := mail.NewLoggingSender(logger)

	sessions := session.New(gateway, pds, vault, sender, cfg.FrontendURL, logger)
	registration := saga.New(gateway, pds, fed, vault, sessions, cfg.PDSHostname, cfg.MaxAccounts, logger)

	rubric, err := peerreview.LoadRubric(cfg.PeerReviewCriteria)
	if err != nil {
		return err
	}
	rule, err := peerreview.NewPromotionRule(cfg.PeerReviewPromotionRule, logger)
	if err != nil {
		return err
	}
	reviews := peerreview.NewService(gateway, gov, rubric, rule, cfg.PeerReviewQuorum)

	crossposter := crosspost.New(gateway, pds, gov, vault, cfg.FrontendURL,
		func() bool { return cfg.CrosspostEnabled }, cfg.CrosspostPollInterval, logger)
	reviewer := peerreview.New(gateway, gov, rule,
		func() bool { return cfg.PeerReviewEnabled }, cfg.PeerReviewPollInterval,
		cfg.PeerReviewQuorum, cfg.PeerReviewInviteProb, logger)

	go crossposter.Run(ctx)
	go reviewer.Run(ctx)

	augmenting := proxy.New(cfg.UpstreamAppviewURL, cfg.ModerationURL, logger)

	opts := xrpcapi.Options{
		FeedGeneratorDID:   cfg.FeedGeneratorDID,
		FrontendURL:        cfg.FrontendURL,
		Production:         cfg.Environment == "production",
		AppPasswordEnabled: cfg.AppPasswordEnabled,
	}
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		rdb := redis.NewClient(redisOpts)
		opts.SendLinkLimiter = httpmw.NewRedisLimiter(rdb, "ratelimit:sendlink", 5, time.Minute)
		opts.VerifyLimiter = httpmw.NewRedisLimiter(rdb, "ratelimit:verify", 10, time.Minute)
		opts.RegisterLimiter = httpmw.NewRedisLimiter(rdb, "ratelimit:register", 10, time.Minute)
	}

	api, err := xrpcapi.New(gateway, sessions, registration, gov, pds, reviews, signer, augmenting, opts, logger)
	if err != nil {
		return err
	}

	handler := httpmw.Chain(api.Router(),
		httpmw.RequestID,
		httpmw.CORS(allowedOrigins(cfg)),
		httpmw.AccessLog(logger),
		traceRequests(obs),
	)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("poltr appview listening", "port", cfg.Port, "environment", cfg.Environment)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if obs != nil {
		_ = obs.Shutdown(shutdownCtx)
	}
	return nil
}

// traceRequests wraps every request in an observability span with RED
// metrics attached.
func traceRequests(obs *observability.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if obs == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, done := obs.TrackOperation(r.Context(), "http.request",
				attribute.String("http.method", r.Method),
				attribute.String("http.route", r.URL.Path),
			)
			next.ServeHTTP(w, r.WithContext(ctx))
			done(nil)
		})
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	}
	var handler slog.Handler
	if cfg.Environment == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func allowedOrigins(cfg *config.Config) []string {
	origins := append([]string{}, cfg.AppAllowOrigins...)
	origins = append(origins, strings.TrimRight(cfg.FrontendURL, "/"))
	return origins
}
