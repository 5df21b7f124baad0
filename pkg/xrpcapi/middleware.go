package xrpcapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/nikwyss/poltrMVP/pkg/store"
	"github.com/nikwyss/poltrMVP/pkg/xrpcerr"
)

type ctxKey int

const sessionKey ctxKey = iota

const sessionCookieName = "session_token"

// sessionToken extracts the caller's session token from the cookie or an
// Authorization: Bearer header.
func sessionToken(r *http.Request) string {
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// requireSession validates the request's session token and attaches the
// Session to the context.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := sessionToken(r)
		if token == "" {
			xrpcerr.Write(w, r, xrpcerr.New(xrpcerr.KindUnauthorized, "invalid_token", "authentication required"))
			return
		}
		sess, err := s.sessions.Validate(r.Context(), token)
		if err != nil {
			xrpcerr.Write(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey, sess)
		next(w, r.WithContext(ctx))
	}
}

// sessionFrom returns the authenticated session attached by requireSession.
func sessionFrom(ctx context.Context) *store.Session {
	sess, _ := ctx.Value(sessionKey).(*store.Session)
	return sess
}

// setSessionCookie sets the session_token cookie: http-only,
// SameSite=Lax, Secure in production, max-age 7 days.
func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   7 * 24 * 60 * 60,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.production,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.production,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody decodes a JSON request body into v, returning an
// InvalidRequest error on malformed input.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return xrpcerr.New(xrpcerr.KindInvalidRequest, "invalid_request", "malformed JSON body")
	}
	return nil
}
