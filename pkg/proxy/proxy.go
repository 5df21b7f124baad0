// Package proxy is the augmenting proxy: a generic forwarder for
// app.bsky.* XRPC calls the frontend doesn't serve itself, with two
// response rewrites — moderation-label merge on getProfile and age-gate
// preference injection on getPreferences. Everything outside app.bsky.*
// returns 501 MethodNotImplemented.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Header allowlists. Anything not listed is dropped in the respective
// direction.
var (
	forwardRequestHeaders = []string{
		"Authorization", "Accept", "Accept-Language", "Content-Type", "Atproto-Accept-Labelers",
	}
	forwardResponseHeaders = []string{
		"Content-Type", "Atproto-Repo-Rev", "Atproto-Content-Labelers",
	}
)

const dummyBirthDate = "1990-01-01"

// Proxy forwards XRPC calls to the upstream AppView and augments selected
// responses with data from the moderation service.
type Proxy struct {
	upstreamURL   string
	moderationURL string
	httpClient    *http.Client
	logger        *slog.Logger
}

// New builds a Proxy. moderationURL may be empty, in which case the
// getProfile label merge is skipped.
func New(upstreamURL, moderationURL string, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		upstreamURL:   strings.TrimRight(upstreamURL, "/"),
		moderationURL: strings.TrimRight(moderationURL, "/"),
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		logger:        logger.With("component", "proxy"),
	}
}

// ServeHTTP handles /xrpc/{method} for any method not claimed by a
// specific route. It must be mounted last.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := strings.TrimPrefix(r.URL.Path, "/xrpc/")

	if !strings.HasPrefix(method, "app.bsky.") {
		writeJSON(w, http.StatusNotImplemented, map[string]string{
			"error":   "MethodNotImplemented",
			"message": "Method " + method + " not implemented",
		})
		return
	}

	switch method {
	case "app.bsky.actor.getProfile":
		p.getProfile(w, r)
	case "app.bsky.actor.getPreferences":
		p.getPreferences(w, r)
	default:
		p.forward(w, r, method)
	}
}

// forward is the plain pass-through path with header allowlists applied in
// both directions.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, method string) {
	resp, body, ok := p.fetchUpstream(w, r, method)
	if !ok {
		return
	}
	copyResponseHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

// getProfile merges the moderation service's per-DID labels into the
// upstream profile, keyed by (src, val) so no duplicates are introduced.
func (p *Proxy) getProfile(w http.ResponseWriter, r *http.Request) {
	actor := r.URL.Query().Get("actor")
	if actor == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "InvalidRequest", "message": "actor parameter is required",
		})
		return
	}

	// Fetch profile and moderation labels in parallel; the label fetch is
	// best-effort and never fails the request.
	var (
		wg        sync.WaitGroup
		modLabels []map[string]any
	)
	if p.moderationURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			modLabels = p.fetchModerationLabels(r.Context(), actor, r.Header.Get("Authorization"))
		}()
	}

	resp, body, ok := p.fetchUpstream(w, r, "app.bsky.actor.getProfile")
	if !ok {
		return
	}
	wg.Wait()

	if resp.StatusCode != http.StatusOK || len(modLabels) == 0 {
		copyResponseHeaders(w, resp)
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(body)
		return
	}

	var profile map[string]any
	if err := json.Unmarshal(body, &profile); err != nil {
		copyResponseHeaders(w, resp)
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(body)
		return
	}

	existing, _ := profile["labels"].([]any)
	seen := make(map[[2]string]struct{}, len(existing))
	for _, l := range existing {
		if m, ok := l.(map[string]any); ok {
			seen[[2]string{str(m["src"]), str(m["val"])}] = struct{}{}
		}
	}
	for _, l := range modLabels {
		key := [2]string{str(l["src"]), str(l["val"])}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		existing = append(existing, l)
	}
	profile["labels"] = existing

	copyResponseHeaders(w, resp)
	writeJSONBody(w, http.StatusOK, profile)
}

// getPreferences injects a personalDetailsPref with a fixed birthDate when
// none is present, so age-gated upstream features accept the caller.
func (p *Proxy) getPreferences(w http.ResponseWriter, r *http.Request) {
	resp, body, ok := p.fetchUpstream(w, r, "app.bsky.actor.getPreferences")
	if !ok {
		return
	}
	if resp.StatusCode != http.StatusOK {
		copyResponseHeaders(w, resp)
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(body)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		copyResponseHeaders(w, resp)
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(body)
		return
	}

	prefs, _ := payload["preferences"].([]any)
	hasBirthDate := false
	for _, pr := range prefs {
		m, ok := pr.(map[string]any)
		if !ok {
			continue
		}
		if str(m["$type"]) == "app.bsky.actor.defs#personalDetailsPref" && str(m["birthDate"]) != "" {
			hasBirthDate = true
			break
		}
	}
	if !hasBirthDate {
		prefs = append(prefs, map[string]any{
			"$type":     "app.bsky.actor.defs#personalDetailsPref",
			"birthDate": dummyBirthDate,
		})
		payload["preferences"] = prefs
	}

	copyResponseHeaders(w, resp)
	writeJSONBody(w, http.StatusOK, payload)
}

// fetchModerationLabels queries the moderation service for actor's label
// set. Any failure logs and returns nil.
func (p *Proxy) fetchModerationLabels(ctx context.Context, actor, authorization string) []map[string]any {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := p.moderationURL + "/xrpc/tools.ozone.moderation.getRepo?did=" + actor
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.WarnContext(ctx, "moderation label fetch failed", "actor", actor, "error", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var out struct {
		Labels []map[string]any `json:"labels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		p.logger.WarnContext(ctx, "moderation label decode failed", "actor", actor, "error", err)
		return nil
	}
	return out.Labels
}

// fetchUpstream performs the upstream call and returns the response plus
// its fully-read body. On transport failure it writes the 502 envelope and
// returns ok=false.
func (p *Proxy) fetchUpstream(w http.ResponseWriter, r *http.Request, method string) (*http.Response, []byte, bool) {
	url := p.upstreamURL + "/xrpc/" + method
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	var reqBody io.Reader
	if r.Method == http.MethodPost {
		data, err := io.ReadAll(r.Body)
		if err == nil {
			reqBody = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, reqBody)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error": "UpstreamError", "message": "Failed to reach upstream AppView",
		})
		return nil, nil, false
	}
	for _, h := range forwardRequestHeaders {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.ErrorContext(r.Context(), "upstream request failed", "method", method, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error": "UpstreamError", "message": "Failed to reach upstream AppView",
		})
		return nil, nil, false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error": "UpstreamError", "message": "Failed to read upstream response",
		})
		return nil, nil, false
	}
	return resp, body, true
}

func copyResponseHeaders(w http.ResponseWriter, resp *http.Response) {
	for _, h := range forwardResponseHeaders {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	writeJSONBody(w, status, v)
}

func writeJSONBody(w http.ResponseWriter, status int, v any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
