// Package session implements the magic-link lifecycle, session-token
// issuance/validation, and upstream PDS token auto-refresh. Session
// tokens are opaque random 48-byte strings, base64-url encoded — not
// JWTs; the row in the sessions table is the source of truth.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nikwyss/poltrMVP/pkg/mail"
	"github.com/nikwyss/poltrMVP/pkg/pdsclient"
	"github.com/nikwyss/poltrMVP/pkg/secretbox"
	"github.com/nikwyss/poltrMVP/pkg/store"
	"github.com/nikwyss/poltrMVP/pkg/xrpcerr"
)

const (
	sessionTokenBytes = 48
	sessionLifetime   = 7 * 24 * time.Hour
	registrationTTL   = 30 * time.Minute
	loginTTL          = 15 * time.Minute
)

// Service implements the login/registration magic-link exchanges and
// session lifecycle.
type Service struct {
	store     *store.Gateway
	pds       *pdsclient.Client
	vault     *secretbox.Vault
	sender    mail.Sender
	frontend  string
	logger    *slog.Logger
}

// New builds a Service.
func New(st *store.Gateway, pds *pdsclient.Client, vault *secretbox.Vault, sender mail.Sender, frontendURL string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, pds: pds, vault: vault, sender: sender, frontend: frontendURL, logger: logger.With("component", "session")}
}

func newOpaqueToken() (string, error) {
	buf := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: generate token: %w", err)
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(buf), nil
}

// --- login flow ---

// SendLoginLink requires an existing Credential for email, then inserts
// a Pending-login row and sends the link. Returns
// xrpcerr.CodeUserNotFound if no Credential matches.
func (s *Service) SendLoginLink(ctx context.Context, email string) error {
	if _, err := s.store.CredentialByEmail(ctx, email); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return xrpcerr.New(xrpcerr.KindNotFound, xrpcerr.CodeUserNotFound, "no account with this email")
		}
		return xrpcerr.Wrap(xrpcerr.KindInternal, "internal_error", "lookup failed", err)
	}

	token, err := newOpaqueToken()
	if err != nil {
		return xrpcerr.Wrap(xrpcerr.KindCrypto, "internal_error", "token generation failed", err)
	}
	pl := store.PendingLogin{ID: uuid.NewString(), Email: email, Token: token, ExpiresAt: time.Now().Add(loginTTL)}
	if err := s.store.InsertPendingLogin(ctx, pl); err != nil {
		return xrpcerr.Wrap(xrpcerr.KindInternal, "internal_error", "could not create login token", err)
	}

	link := fmt.Sprintf("%s/login/verify?token=%s", s.frontend, token)
	if err := s.sender.SendMagicLink(ctx, email, link); err != nil {
		s.logger.ErrorContext(ctx, "send login link failed", "error", err)
	}
	return nil
}

// VerifyLogin consumes the login token, authenticates against the PDS with
// the user's decrypted app-password, and issues a Session.
func (s *Service) VerifyLogin(ctx context.Context, token string) (*store.Session, error) {
	pl, err := s.store.ConsumePendingLogin(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, xrpcerr.New(xrpcerr.KindInvalidRequest, xrpcerr.CodeInvalidToken, "invalid or expired login link")
		}
		return nil, xrpcerr.Wrap(xrpcerr.KindInternal, "internal_error", "login lookup failed", err)
	}
	if time.Now().After(pl.ExpiresAt) {
		return nil, xrpcerr.New(xrpcerr.KindInvalidRequest, xrpcerr.CodeTokenExpired, "login link expired")
	}

	cred, err := s.store.CredentialByEmail(ctx, pl.Email)
	if err != nil {
		return nil, xrpcerr.New(xrpcerr.KindNotFound, xrpcerr.CodeUserNotFound, "no account with this email")
	}

	password, err := s.vault.Decrypt(cred.PwCiphertext, cred.PwNonce)
	if err != nil {
		return nil, xrpcerr.Wrap(xrpcerr.KindCrypto, "internal_error", "credential decryption failed", err)
	}

	pdsSess, err := s.pds.CreateSession(ctx, cred.Handle, password)
	if err != nil {
		return nil, xrpcerr.Wrap(xrpcerr.KindUpstreamPermanent, xrpcerr.CodePdsError, "pds login failed", err)
	}

	return s.issueSession(ctx, cred.DID, pdsSess)
}

// --- session issuance/validation ---

func (s *Service) issueSession(ctx context.Context, did string, pdsSess *pdsclient.Session) (*store.Session, error) {
	token, err := newOpaqueToken()
	if err != nil {
		return nil, xrpcerr.Wrap(xrpcerr.KindCrypto, "internal_error", "token generation failed", err)
	}

	userJSON, _ := json.Marshal(map[string]string{"did": did, "handle": pdsSess.Handle})
	now := time.Now()
	sess := store.Session{
		SessionToken:   token,
		DID:            did,
		UserJSON:       userJSON,
		ExpiresAt:      now.Add(sessionLifetime),
		LastAccessedAt: now,
		AccessToken:    pdsSess.AccessJwt,
		RefreshToken:   pdsSess.RefreshJwt,
	}
	if err := s.store.InsertSession(ctx, sess); err != nil {
		return nil, xrpcerr.Wrap(xrpcerr.KindInternal, "internal_error", "could not create session", err)
	}
	return &sess, nil
}

// IssueSessionForNewAccount is called by the registration saga once the PDS
// account is live, skipping the magic-link round-trip it already completed.
func (s *Service) IssueSessionForNewAccount(ctx context.Context, did string, pdsSess *pdsclient.Session) (*store.Session, error) {
	return s.issueSession(ctx, did, pdsSess)
}

// Validate reads the Session row for token, enforces expiry (deleting
// the row on access if expired), and touches last_accessed_at on
// success.
func (s *Service) Validate(ctx context.Context, token string) (*store.Session, error) {
	sess, err := s.store.SessionByToken(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, xrpcerr.New(xrpcerr.KindUnauthorized, "invalid_token", "no such session")
		}
		return nil, xrpcerr.Wrap(xrpcerr.KindInternal, "internal_error", "session lookup failed", err)
	}

	now := time.Now()
	if sess.Expired(now) {
		if delErr := s.store.DeleteSession(ctx, token); delErr != nil {
			s.logger.ErrorContext(ctx, "delete expired session failed", "error", delErr)
		}
		return nil, xrpcerr.New(xrpcerr.KindUnauthorized, "token_expired", "session expired")
	}

	if err := s.store.TouchSession(ctx, token, now); err != nil {
		s.logger.WarnContext(ctx, "touch session failed", "error", err)
	}
	return sess, nil
}

// Logout deletes a session row outright.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.store.DeleteSession(ctx, token)
}

// --- upstream token refresh ---

// WithUpstreamRefresh wraps a PDS call that carries sess's access token. If
// the call returns pdsclient.ErrExpiredToken, it refreshes the upstream
// token pair, writes it back to the Session row, updates sess in place, and
// retries the call exactly once.
func (s *Service) WithUpstreamRefresh(ctx context.Context, sess *store.Session, call func(accessToken string) error) error {
	err := call(sess.AccessToken)
	if !errors.Is(err, pdsclient.ErrExpiredToken) {
		return err
	}

	tokens, refreshErr := s.pds.RefreshSession(ctx, sess.RefreshToken)
	if refreshErr != nil {
		return xrpcerr.Wrap(xrpcerr.KindUpstreamTransient, xrpcerr.CodeSessionRefreshFail, "upstream session refresh failed", refreshErr)
	}

	if dbErr := s.store.UpdateSessionTokens(ctx, sess.SessionToken, sess.DID, tokens.AccessJwt, tokens.RefreshJwt); dbErr != nil {
		s.logger.ErrorContext(ctx, "persist refreshed tokens failed", "error", dbErr)
	}
	sess.AccessToken = tokens.AccessJwt
	sess.RefreshToken = tokens.RefreshJwt

	return call(sess.AccessToken)
}

// --- registration magic link (the saga itself is driven by pkg/saga) ---

// SendRegistrationLink upserts a Pending-registration row (newest link
// always wins) and sends it. It does not check email availability itself;
// the caller checks before queuing and again at verification.
func (s *Service) SendRegistrationLink(ctx context.Context, email string) error {
	token, err := newOpaqueToken()
	if err != nil {
		return xrpcerr.Wrap(xrpcerr.KindCrypto, "internal_error", "token generation failed", err)
	}
	pr := store.PendingRegistration{Email: email, Token: token, ExpiresAt: time.Now().Add(registrationTTL)}
	if err := s.store.InsertPendingRegistration(ctx, pr); err != nil {
		return xrpcerr.Wrap(xrpcerr.KindInternal, "internal_error", "could not create registration token", err)
	}
	link := fmt.Sprintf("%s/register/verify?token=%s", s.frontend, token)
	if err := s.sender.SendMagicLink(ctx, email, link); err != nil {
		s.logger.ErrorContext(ctx, "send registration link failed", "error", err)
	}
	return nil
}

// EmailAvailable reports whether no Credential exists yet for email,
// checked both before queuing a registration link and again at
// verification, since minutes can pass between the two.
func (s *Service) EmailAvailable(ctx context.Context, email string) (bool, error) {
	_, err := s.store.CredentialByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// ConsumeRegistrationToken consumes a one-time registration token and
// returns the email it was issued for.
func (s *Service) ConsumeRegistrationToken(ctx context.Context, token string) (string, error) {
	pr, err := s.store.ConsumePendingRegistration(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", xrpcerr.New(xrpcerr.KindInvalidRequest, xrpcerr.CodeInvalidToken, "invalid or expired registration link")
		}
		return "", xrpcerr.Wrap(xrpcerr.KindInternal, "internal_error", "registration lookup failed", err)
	}
	if time.Now().After(pr.ExpiresAt) {
		return "", xrpcerr.New(xrpcerr.KindInvalidRequest, xrpcerr.CodeTokenExpired, "registration link expired")
	}
	return pr.Email, nil
}
