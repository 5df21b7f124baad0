// Package pdsclient is a typed wrapper over the PDS's JSON-RPC surface.
// It distinguishes admin endpoints (HTTP Basic against the internal,
// non-TLS URL — admin auth is geofenced at the external ingress) from
// user-session endpoints (Bearer, external URL).
package pdsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nikwyss/poltrMVP/pkg/observability"
)

// Typed PDS error sentinels.
var (
	ErrEmailTaken   = errors.New("pdsclient: email already taken")
	ErrHandleTaken  = errors.New("pdsclient: handle already taken")
	ErrExpiredToken = errors.New("pdsclient: access token expired")
)

// PdsError wraps an unrecognized PDS error string.
type PdsError struct {
	Status  int
	Message string
}

func (e *PdsError) Error() string { return fmt.Sprintf("pdsclient: pds error (%d): %s", e.Status, e.Message) }

// Session is the tuple returned by createAccount/createSession.
type Session struct {
	DID          string `json:"did"`
	Handle       string `json:"handle"`
	AccessJwt    string `json:"accessJwt"`
	RefreshJwt   string `json:"refreshJwt"`
}

// RefreshedTokens is the narrower pair returned by refreshSession.
type RefreshedTokens struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
}

// RecordResult is returned by putRecord/createRecord.
type RecordResult struct {
	URI    string `json:"uri"`
	CID    string `json:"cid"`
	Commit struct {
		Rev string `json:"rev"`
	} `json:"commit"`
}

// Client talks to one PDS instance over two base URLs: an internal,
// non-TLS URL for admin operations (geofenced at the external ingress) and
// the public external URL for user-session operations.
type Client struct {
	internalURL   string
	externalURL   string
	adminPassword string
	httpClient    *http.Client
	logger        *slog.Logger
}

// New builds a Client. internalURL is PDS_INTERNAL_URL, externalURL is
// derived from PDS_HOSTNAME.
func New(internalURL, externalURL, adminPassword string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		internalURL:   strings.TrimRight(internalURL, "/"),
		externalURL:   strings.TrimRight(externalURL, "/"),
		adminPassword: adminPassword,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		logger:        logger.With("component", "pdsclient"),
	}
}

// --- admin endpoints (Basic auth, internal URL) ---

// AdminCreateInvite creates a single-use (useCount=1) invite code.
func (c *Client) AdminCreateInvite(ctx context.Context) (string, error) {
	var out struct {
		Code string `json:"code"`
	}
	body := map[string]any{"useCount": 1}
	if err := c.doAdmin(ctx, "com.atproto.server.createInviteCode", body, &out); err != nil {
		return "", err
	}
	return out.Code, nil
}

// AdminCreateAccount consumes a fresh invite and creates a PDS account.
func (c *Client) AdminCreateAccount(ctx context.Context, handle, password, email, inviteCode string) (*Session, error) {
	body := map[string]any{
		"handle":     handle,
		"password":   password,
		"email":      email,
		"inviteCode": inviteCode,
	}
	var sess Session
	if err := c.doAdmin(ctx, "com.atproto.server.createAccount", body, &sess); err != nil {
		return nil, mapCreateAccountError(err)
	}
	return &sess, nil
}

func mapCreateAccountError(err error) error {
	var pe *PdsError
	if errors.As(err, &pe) {
		switch {
		case strings.Contains(strings.ToLower(pe.Message), "email"):
			return ErrEmailTaken
		case strings.Contains(strings.ToLower(pe.Message), "handle"):
			return ErrHandleTaken
		}
	}
	return err
}

// AdminDeleteAccount is registration's compensating action. It is
// idempotent from the caller's perspective: failures are logged but never
// re-raised.
func (c *Client) AdminDeleteAccount(ctx context.Context, did string) {
	body := map[string]any{"did": did}
	if err := c.doAdmin(ctx, "com.atproto.admin.deleteAccount", body, nil); err != nil {
		c.logger.ErrorContext(ctx, "compensating delete failed", "did", did, "error", err)
	}
}

// AdminToggleHandle renames to <base>-tmp.<domain>, waits one second,
// then renames back — forcing a fresh identity event on the firehose so
// the upstream AppView re-indexes with the profile record visible. Fully
// non-fatal: every failure is logged and ignored.
func (c *Client) AdminToggleHandle(ctx context.Context, did, handle string) {
	base, domain, ok := splitHandle(handle)
	if !ok {
		c.logger.WarnContext(ctx, "handle toggle skipped: unparseable handle", "handle", handle)
		return
	}
	tmp := fmt.Sprintf("%s-tmp.%s", base, domain)

	if err := c.adminUpdateHandle(ctx, did, tmp); err != nil {
		c.logger.WarnContext(ctx, "handle toggle: rename to tmp failed", "did", did, "error", err)
		return
	}

	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return
	}

	if err := c.adminUpdateHandle(ctx, did, handle); err != nil {
		c.logger.WarnContext(ctx, "handle toggle: rename back failed", "did", did, "error", err)
	}
}

func (c *Client) adminUpdateHandle(ctx context.Context, did, handle string) error {
	body := map[string]any{"did": did, "handle": handle}
	return c.doAdmin(ctx, "com.atproto.admin.updateAccountHandle", body, nil)
}

func splitHandle(handle string) (base, domain string, ok bool) {
	i := strings.IndexByte(handle, '.')
	if i < 0 {
		return "", "", false
	}
	return handle[:i], handle[i+1:], true
}

// --- user-session endpoints (Bearer, external URL) ---

// CreateSession authenticates a user against the PDS with their identifier
// (handle or email) and app-password.
func (c *Client) CreateSession(ctx context.Context, identifier, password string) (*Session, error) {
	body := map[string]any{"identifier": identifier, "password": password}
	var sess Session
	if err := c.doPublic(ctx, http.MethodPost, "com.atproto.server.createSession", "", body, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// RefreshSession exchanges a refreshJwt for a new access/refresh pair.
func (c *Client) RefreshSession(ctx context.Context, refreshJwt string) (*RefreshedTokens, error) {
	var out RefreshedTokens
	if err := c.doPublic(ctx, http.MethodPost, "com.atproto.server.refreshSession", refreshJwt, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PutRecord creates-or-replaces a record under the user's identity.
func (c *Client) PutRecord(ctx context.Context, jwtToken, did, collection, rkey string, record any) (*RecordResult, error) {
	body := map[string]any{
		"repo":       did,
		"collection": collection,
		"rkey":       rkey,
		"record":     record,
	}
	var out RecordResult
	if err := c.doPublic(ctx, http.MethodPost, "com.atproto.repo.putRecord", jwtToken, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateRecord creates a record with a server-assigned rkey.
func (c *Client) CreateRecord(ctx context.Context, jwtToken, did, collection string, record any) (*RecordResult, error) {
	body := map[string]any{
		"repo":       did,
		"collection": collection,
		"record":     record,
	}
	var out RecordResult
	if err := c.doPublic(ctx, http.MethodPost, "com.atproto.repo.createRecord", jwtToken, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AppPassword is returned by createAppPassword.
type AppPassword struct {
	Name      string `json:"name"`
	Password  string `json:"password"`
	CreatedAt string `json:"createdAt"`
}

// CreateAppPassword mints a named PDS app password for the session's user,
// for use with third-party clients.
func (c *Client) CreateAppPassword(ctx context.Context, jwtToken, name string) (*AppPassword, error) {
	body := map[string]any{"name": name}
	var out AppPassword
	if err := c.doPublic(ctx, http.MethodPost, "com.atproto.server.createAppPassword", jwtToken, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetBirthdatePreference ensures the user's PDS preferences carry a
// personalDetailsPref with a birthDate, so age-gated Bluesky features
// accept the account. Called when the user mints an app password (= wants
// to use a Bluesky client directly). Best-effort: returns false and logs
// on failure instead of erroring.
func (c *Client) SetBirthdatePreference(ctx context.Context, jwtToken string) bool {
	var current struct {
		Preferences []map[string]any `json:"preferences"`
	}
	if err := c.doPublic(ctx, http.MethodGet, "app.bsky.actor.getPreferences", jwtToken, nil, &current); err != nil {
		c.logger.WarnContext(ctx, "get preferences failed, continuing with empty set", "error", err)
	}

	for _, p := range current.Preferences {
		t, _ := p["$type"].(string)
		bd, _ := p["birthDate"].(string)
		if t == "app.bsky.actor.defs#personalDetailsPref" && bd != "" {
			return true
		}
	}

	prefs := append(current.Preferences, map[string]any{
		"$type":     "app.bsky.actor.defs#personalDetailsPref",
		"birthDate": "1990-01-01",
	})
	body := map[string]any{"preferences": prefs}
	if err := c.doPublic(ctx, http.MethodPost, "app.bsky.actor.putPreferences", jwtToken, body, nil); err != nil {
		c.logger.ErrorContext(ctx, "put preferences failed", "error", err)
		return false
	}
	return true
}

// DeleteRecord removes a record.
func (c *Client) DeleteRecord(ctx context.Context, jwtToken, did, collection, rkey string) error {
	body := map[string]any{"repo": did, "collection": collection, "rkey": rkey}
	return c.doPublic(ctx, http.MethodPost, "com.atproto.repo.deleteRecord", jwtToken, body, nil)
}

// JwtExpiry reads the `exp` claim from a PDS-issued accessJwt without
// verifying its signature — we don't hold the PDS's signing key, only the
// expiry is of interest.
func JwtExpiry(token string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// --- transport ---

func (c *Client) doAdmin(ctx context.Context, method string, body, out any) error {
	observability.AddSpanEvent(ctx, "pds call", observability.PDSOperation(method, true)...)
	url := c.internalURL + "/xrpc/" + method
	req, err := c.newRequest(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth("admin", c.adminPassword)
	return c.send(req, out)
}

func (c *Client) doPublic(ctx context.Context, httpMethod, method, bearer string, body, out any) error {
	observability.AddSpanEvent(ctx, "pds call", observability.PDSOperation(method, false)...)
	url := c.externalURL + "/xrpc/" + method
	req, err := c.newRequest(ctx, httpMethod, url, body)
	if err != nil {
		return err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("pdsclient: marshal request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pdsclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("pdsclient: read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var xrpcErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &xrpcErr)
		msg := xrpcErr.Message
		if msg == "" {
			msg = xrpcErr.Error
		}
		if xrpcErr.Error == "ExpiredToken" || resp.StatusCode == http.StatusUnauthorized {
			return ErrExpiredToken
		}
		return &PdsError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("pdsclient: unmarshal response: %w", err)
	}
	return nil
}
