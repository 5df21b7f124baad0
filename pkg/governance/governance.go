// Package governance owns the governance identity: a process-singleton
// cache of (accessJwt, refreshJwt, expiresAt) for the platform-owned PDS
// identity used to publish canonical ballots, approved argument copies,
// and reviewer invitations.
package governance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nikwyss/poltrMVP/pkg/pdsclient"
)

// tokenLifetime and refreshSkew model the PDS's real expiry: tokens live
// about 90 minutes, refreshed 30 minutes early.
const (
	tokenLifetime = 90 * time.Minute
	refreshSkew   = 30 * time.Minute
)

// Identity caches the governance PDS session and creates records under it.
type Identity struct {
	did      string
	password string
	pds      *pdsclient.Client

	mu         sync.Mutex
	accessJwt  string
	refreshJwt string
	expiresAt  time.Time
}

// New builds an Identity. did/password are GOVERNANCE_DID/GOVERNANCE_PASSWORD.
func New(did, password string, pds *pdsclient.Client) *Identity {
	return &Identity{did: did, password: password, pds: pds}
}

// DID returns the governance identity's DID.
func (g *Identity) DID() string { return g.did }

// GetToken returns a valid accessJwt, doing either a full createSession
// (first call, or past expiry) or a refreshSession on demand. The cache
// mutex is held for the whole call, including the upstream request, so
// concurrent callers are serialized and at most one refresh runs at a time.
func (g *Identity) GetToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if g.accessJwt != "" && now.Before(g.expiresAt.Add(-refreshSkew)) {
		return g.accessJwt, nil
	}

	if g.accessJwt != "" && g.refreshJwt != "" {
		tokens, err := g.pds.RefreshSession(ctx, g.refreshJwt)
		if err == nil {
			g.accessJwt = tokens.AccessJwt
			g.refreshJwt = tokens.RefreshJwt
			g.expiresAt = now.Add(tokenLifetime)
			return g.accessJwt, nil
		}
		// Refresh failed (e.g. the refresh token itself expired); fall
		// through to a full session creation.
	}

	sess, err := g.pds.CreateSession(ctx, g.did, g.password)
	if err != nil {
		return "", fmt.Errorf("governance: create session: %w", err)
	}
	g.accessJwt = sess.AccessJwt
	g.refreshJwt = sess.RefreshJwt
	g.expiresAt = now.Add(tokenLifetime)
	return g.accessJwt, nil
}

// CreateRecord wraps PDS record creation under the governance identity,
// retrying once on an upstream-reported expired token.
func (g *Identity) CreateRecord(ctx context.Context, collection string, record any) (*pdsclient.RecordResult, error) {
	token, err := g.GetToken(ctx)
	if err != nil {
		return nil, err
	}
	res, err := g.pds.CreateRecord(ctx, token, g.did, collection, record)
	if err == pdsclient.ErrExpiredToken {
		g.invalidate()
		token, err = g.GetToken(ctx)
		if err != nil {
			return nil, err
		}
		res, err = g.pds.CreateRecord(ctx, token, g.did, collection, record)
	}
	return res, err
}

// PutRecord wraps PDS create-or-replace under the governance identity.
func (g *Identity) PutRecord(ctx context.Context, collection, rkey string, record any) (*pdsclient.RecordResult, error) {
	token, err := g.GetToken(ctx)
	if err != nil {
		return nil, err
	}
	res, err := g.pds.PutRecord(ctx, token, g.did, collection, rkey, record)
	if err == pdsclient.ErrExpiredToken {
		g.invalidate()
		token, err = g.GetToken(ctx)
		if err != nil {
			return nil, err
		}
		res, err = g.pds.PutRecord(ctx, token, g.did, collection, rkey, record)
	}
	return res, err
}

func (g *Identity) invalidate() {
	g.mu.Lock()
	g.accessJwt = ""
	g.refreshJwt = ""
	g.mu.Unlock()
}
