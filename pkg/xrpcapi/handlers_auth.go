package xrpcapi

import (
	"encoding/json"
	"net/http"

	"github.com/nikwyss/poltrMVP/pkg/pdsclient"
	"github.com/nikwyss/poltrMVP/pkg/store"
	"github.com/nikwyss/poltrMVP/pkg/xrpcerr"
)

type emailRequest struct {
	Email string `json:"email"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

// handleSendMagicLink starts the login flow: a Credential must already
// exist for the email.
func (s *Server) handleSendMagicLink(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeBody(r, &req); err != nil {
		xrpcerr.Write(w, r, err)
		return
	}
	if req.Email == "" {
		xrpcerr.Write(w, r, xrpcerr.New(xrpcerr.KindInvalidRequest, "invalid_request", "email required"))
		return
	}

	if err := s.sessions.SendLoginLink(r.Context(), req.Email); err != nil {
		xrpcerr.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "login link sent",
	})
}

// handleRegister starts the registration flow. Email availability is
// checked here and re-checked at verification, since minutes can pass
// between the two.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeBody(r, &req); err != nil {
		xrpcerr.Write(w, r, err)
		return
	}
	if req.Email == "" {
		xrpcerr.Write(w, r, xrpcerr.New(xrpcerr.KindInvalidRequest, "invalid_request", "email required"))
		return
	}

	available, err := s.sessions.EmailAvailable(r.Context(), req.Email)
	if err != nil {
		xrpcerr.Write(w, r, xrpcerr.Wrap(xrpcerr.KindInternal, "internal_error", "availability check failed", err))
		return
	}
	if !available {
		xrpcerr.Write(w, r, xrpcerr.New(xrpcerr.KindInvalidRequest, xrpcerr.CodeEmailTaken, "email already registered"))
		return
	}

	if err := s.sessions.SendRegistrationLink(r.Context(), req.Email); err != nil {
		xrpcerr.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "confirmation email sent",
	})
}

// handleVerifyRegistration consumes the magic-link token and drives the
// registration saga.
func (s *Server) handleVerifyRegistration(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeBody(r, &req); err != nil {
		xrpcerr.Write(w, r, err)
		return
	}
	if req.Token == "" {
		xrpcerr.Write(w, r, xrpcerr.New(xrpcerr.KindInvalidRequest, xrpcerr.CodeInvalidToken, "token required"))
		return
	}

	email, err := s.sessions.ConsumeRegistrationToken(r.Context(), req.Token)
	if err != nil {
		xrpcerr.Write(w, r, err)
		return
	}

	available, err := s.sessions.EmailAvailable(r.Context(), email)
	if err != nil {
		xrpcerr.Write(w, r, xrpcerr.Wrap(xrpcerr.KindInternal, "internal_error", "availability check failed", err))
		return
	}
	if !available {
		xrpcerr.Write(w, r, xrpcerr.New(xrpcerr.KindConflict, xrpcerr.CodeEmailTaken, "email already registered"))
		return
	}

	sess, err := s.saga.Register(r.Context(), email)
	if err != nil {
		xrpcerr.Write(w, r, err)
		return
	}

	s.setSessionCookie(w, sess.SessionToken)
	writeJSON(w, http.StatusOK, sessionResponse(sess))
}

// handleVerifyLogin consumes the login token and issues a session.
func (s *Server) handleVerifyLogin(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeBody(r, &req); err != nil {
		xrpcerr.Write(w, r, err)
		return
	}
	if req.Token == "" {
		xrpcerr.Write(w, r, xrpcerr.New(xrpcerr.KindInvalidRequest, xrpcerr.CodeInvalidToken, "token required"))
		return
	}

	sess, err := s.sessions.VerifyLogin(r.Context(), req.Token)
	if err != nil {
		xrpcerr.Write(w, r, err)
		return
	}

	s.setSessionCookie(w, sess.SessionToken)
	writeJSON(w, http.StatusOK, sessionResponse(sess))
}

func sessionResponse(sess *store.Session) map[string]any {
	return map[string]any{
		"success":      true,
		"sessionToken": sess.SessionToken,
		"did":          sess.DID,
		"user":         json.RawMessage(sess.UserJSON),
	}
}

// handleLogout deletes the session row and clears the cookie.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	if err := s.sessions.Logout(r.Context(), sess.SessionToken); err != nil {
		xrpcerr.Write(w, r, xrpcerr.Wrap(xrpcerr.KindInternal, "internal_error", "logout failed", err))
		return
	}
	s.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleCreateAppPassword mints a PDS app password for third-party
// Bluesky clients, when the feature is enabled.
func (s *Server) handleCreateAppPassword(w http.ResponseWriter, r *http.Request) {
	if !s.appPasswordEnabled {
		xrpcerr.Write(w, r, xrpcerr.New(xrpcerr.KindForbidden, xrpcerr.CodeDisabled, "app passwords are disabled"))
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		xrpcerr.Write(w, r, err)
		return
	}
	if req.Name == "" {
		req.Name = "poltr"
	}

	sess := sessionFrom(r.Context())
	var appPassword *pdsclient.AppPassword
	err := s.sessions.WithUpstreamRefresh(r.Context(), sess, func(accessToken string) error {
		// The account needs a birthDate preference before Bluesky clients
		// will let it past age gates; set it on the way.
		s.pds.SetBirthdatePreference(r.Context(), accessToken)
		var callErr error
		appPassword, callErr = s.pds.CreateAppPassword(r.Context(), accessToken, req.Name)
		return callErr
	})
	if err != nil {
		xrpcerr.Write(w, r, xrpcerr.Wrap(xrpcerr.KindUpstreamPermanent, xrpcerr.CodePdsError, "app password creation failed", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"name":      appPassword.Name,
		"password":  appPassword.Password,
		"createdAt": appPassword.CreatedAt,
	})
}
