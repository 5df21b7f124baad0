// Package saga orchestrates new-account registration: a multi-service
// bootstrap across the PDS, the Directory, and the Relay, with a
// compensating delete on the PDS side if anything fails after the account
// exists.
package saga

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nikwyss/poltrMVP/pkg/federation"
	"github.com/nikwyss/poltrMVP/pkg/observability"
	"github.com/nikwyss/poltrMVP/pkg/pdsclient"
	"github.com/nikwyss/poltrMVP/pkg/secretbox"
	"github.com/nikwyss/poltrMVP/pkg/session"
	"github.com/nikwyss/poltrMVP/pkg/store"
	"github.com/nikwyss/poltrMVP/pkg/xrpcerr"
)

const profileCollection = "app.bsky.actor.profile"

// Saga orchestrates registration. It is the only component in poltr with a
// compensating action; everything else defers or logs-and-continues.
type Saga struct {
	store       *store.Gateway
	pds         *pdsclient.Client
	federation  *federation.Client
	vault       *secretbox.Vault
	sessions    *session.Service
	pdsHostname string
	maxAccounts int
	logger      *slog.Logger
}

// New builds a Saga.
func New(st *store.Gateway, pds *pdsclient.Client, fed *federation.Client, vault *secretbox.Vault, sessions *session.Service, pdsHostname string, maxAccounts int, logger *slog.Logger) *Saga {
	if logger == nil {
		logger = slog.Default()
	}
	return &Saga{
		store: st, pds: pds, federation: fed, vault: vault, sessions: sessions,
		pdsHostname: pdsHostname, maxAccounts: maxAccounts,
		logger: logger.With("component", "saga"),
	}
}

// Register drives the full registration state machine. It returns either
// a working Session or an error with no durable state left anywhere
// reachable from this process.
func (s *Saga) Register(ctx context.Context, email string) (*store.Session, error) {
	ctx, span := observability.StartSpan(ctx, "registration")
	defer span.End()

	// --- [idle] -> account-limit gate ---
	if s.maxAccounts > 0 {
		n, err := s.store.CountCredentials(ctx)
		if err != nil {
			return nil, xrpcerr.Wrap(xrpcerr.KindInternal, "internal_error", "account count failed", err)
		}
		if n >= s.maxAccounts {
			return nil, xrpcerr.New(xrpcerr.KindForbidden, xrpcerr.CodeAccountLimitReached, "registration is temporarily closed")
		}
	}

	pseudo, err := GeneratePseudonym(ctx, s.store)
	if err != nil {
		return nil, xrpcerr.Wrap(xrpcerr.KindInternal, "internal_error", "pseudonym generation failed", err)
	}
	handle, err := newHandle(pseudo, s.pdsHostname)
	if err != nil {
		return nil, xrpcerr.Wrap(xrpcerr.KindCrypto, "internal_error", "handle generation failed", err)
	}
	password, err := newAppPassword()
	if err != nil {
		return nil, xrpcerr.Wrap(xrpcerr.KindCrypto, "internal_error", "password generation failed", err)
	}

	// --- [idle] -> [invite-created] ---
	invite, err := s.pds.AdminCreateInvite(ctx)
	if err != nil {
		return nil, xrpcerr.Wrap(xrpcerr.KindUpstreamPermanent, xrpcerr.CodePdsError, "could not create invite", err)
	}

	// --- [invite-created] -> [pds-account-created] | [failed] ---
	pdsSess, err := s.pds.AdminCreateAccount(ctx, handle, password, email, invite)
	if err != nil {
		switch {
		case errors.Is(err, pdsclient.ErrEmailTaken):
			return nil, xrpcerr.New(xrpcerr.KindConflict, xrpcerr.CodeEmailTaken, "email already registered")
		case errors.Is(err, pdsclient.ErrHandleTaken):
			return nil, xrpcerr.New(xrpcerr.KindConflict, xrpcerr.CodeHandleTaken, "handle already taken")
		default:
			return nil, xrpcerr.Wrap(xrpcerr.KindUpstreamPermanent, xrpcerr.CodePdsError, "account creation failed", err)
		}
	}

	// --- point of no return: every failure from here compensates the PDS ---
	did := pdsSess.DID
	observability.AddSpanEvent(ctx, "pds account created",
		observability.RegistrationOperation(did, "pds-account-created", "create_account")...)

	succeeded := false
	defer func() {
		if !succeeded {
			s.logger.ErrorContext(ctx, "registration failed after pds account creation, compensating", "did", did)
			observability.AddSpanEvent(ctx, "registration compensated",
				observability.RegistrationOperation(did, "failed", "admin_delete_account")...)
			s.pds.AdminDeleteAccount(context.WithoutCancel(ctx), did)
		}
	}()

	s.federation.WaitForDirectoryResolution(ctx, did)

	if _, err := s.pds.PutRecord(ctx, pdsSess.AccessJwt, did, profileCollection, "self", minimalProfile(handle)); err != nil {
		return nil, xrpcerr.Wrap(xrpcerr.KindUpstreamPermanent, xrpcerr.CodeRegistrationFailed, "minimal profile write failed", err)
	}

	fullResult, err := s.pds.PutRecord(ctx, pdsSess.AccessJwt, did, profileCollection, "self", fullProfile(pseudo))
	if err != nil {
		return nil, xrpcerr.Wrap(xrpcerr.KindUpstreamPermanent, xrpcerr.CodeRegistrationFailed, "full profile write failed", err)
	}

	s.federation.RequestCrawl(ctx, s.pdsHostname)
	s.federation.WaitForRelayIndexed(ctx, did, fullResult.Commit.Rev)
	s.pds.AdminToggleHandle(ctx, did, handle)

	ciphertext, nonce, err := s.vault.Encrypt(password)
	if err != nil {
		return nil, xrpcerr.Wrap(xrpcerr.KindCrypto, "internal_error", "password encryption failed", err)
	}

	cred := store.Credential{
		DID:                 did,
		Handle:              handle,
		Email:               email,
		PDSHostname:         s.pdsHostname,
		PwCiphertext:        ciphertext,
		PwNonce:             nonce,
		PseudonymTemplateID: pseudo.Template.ID,
	}
	if err := s.store.InsertCredential(ctx, cred); err != nil {
		return nil, xrpcerr.Wrap(xrpcerr.KindInternal, xrpcerr.CodeRegistrationFailed, "could not persist credential", err)
	}

	sess, err := s.sessions.IssueSessionForNewAccount(ctx, did, pdsSess)
	if err != nil {
		if delErr := s.store.DeleteCredential(context.WithoutCancel(ctx), did); delErr != nil {
			s.logger.ErrorContext(ctx, "could not remove credential of failed registration", "did", did, "error", delErr)
		}
		return nil, err
	}

	// --- [complete] ---
	succeeded = true
	observability.AddSpanEvent(ctx, "registration complete",
		observability.RegistrationOperation(did, "complete", "issue_session")...)
	observability.SetSpanStatus(ctx, nil)
	return sess, nil
}

func newHandle(p *Pseudonym, pdsHostname string) (string, error) {
	suffix, err := randomHex(4)
	if err != nil {
		return "", err
	}
	slug := strings.ToLower(strings.ReplaceAll(p.Template.Name, " ", "-"))
	return fmt.Sprintf("%s-%s.%s", slug, suffix, pdsHostname), nil
}

func newAppPassword() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("saga: generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("saga: random suffix: %w", err)
	}
	return fmt.Sprintf("%x", buf), nil
}

// minimalProfile seeds the repo's very first commit; Directory
// propagation is awaited against it before the full profile lands.
func minimalProfile(handle string) map[string]any {
	return map[string]any{
		"$type":       profileCollection,
		"displayName": handle,
	}
}

// fullProfile carries the pseudonym's display name, ahead of the Relay
// wait, so the rev awaited for contains the final display name.
func fullProfile(p *Pseudonym) map[string]any {
	return map[string]any{
		"$type":       profileCollection,
		"displayName": p.DisplayName,
		"description": fmt.Sprintf("%s (%s, %dm) — %s", p.Template.Fullname, p.Template.Canton, p.Template.Height, p.ColorHex),
	}
}
