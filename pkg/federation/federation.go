// Package federation provides the Directory/Relay polling client. All
// three operations are best-effort by contract: they log and continue
// past timeouts rather than fail the caller, because a user-visible
// failure would be worse than a mild eventual-consistency delay.
package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client polls the external Directory and Relay services.
type Client struct {
	directoryURL string
	relayURL     string
	httpClient   *http.Client
	logger       *slog.Logger
}

// New builds a Client.
func New(directoryURL, relayURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		directoryURL: strings.TrimRight(directoryURL, "/"),
		relayURL:     strings.TrimRight(relayURL, "/"),
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		logger:       logger.With("component", "federation"),
	}
}

// WaitForDirectoryResolution polls the external Directory for the DID
// document until it resolves (HTTP 200) or the timeout elapses. Prevents
// the upstream AppView from creating broken stub profiles caused by the
// Relay forwarding an identity event before Directory propagation.
// Returns true on success; on timeout it logs a warning and returns false
// without error — registration treats this call as non-fatal.
func (c *Client) WaitForDirectoryResolution(ctx context.Context, did string) bool {
	return c.poll(ctx, "directory resolution", 10*time.Second, 2*time.Second, func(ctx context.Context) (bool, error) {
		url := fmt.Sprintf("%s/%s", c.directoryURL, did)
		return c.probe(ctx, url, nil)
	}, did)
}

// WaitForRelayIndexed polls the Relay's latest-commit endpoint until it
// reports a rev >= expectedRev (if given) or any 200 (if not), or the
// timeout elapses.
func (c *Client) WaitForRelayIndexed(ctx context.Context, did string, expectedRev string) bool {
	return c.poll(ctx, "relay indexed", 30*time.Second, 3*time.Second, func(ctx context.Context) (bool, error) {
		url := fmt.Sprintf("%s/xrpc/com.atproto.sync.getLatestCommit?did=%s", c.relayURL, did)
		return c.probe(ctx, url, func(body []byte) bool {
			if expectedRev == "" {
				return true
			}
			var out struct {
				Rev string `json:"rev"`
			}
			if err := json.Unmarshal(body, &out); err != nil {
				return false
			}
			return out.Rev != "" && out.Rev >= expectedRev
		})
	}, did)
}

// RequestCrawl fires a fire-and-forget notification to the Relay.
func (c *Client) RequestCrawl(ctx context.Context, hostname string) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/xrpc/com.atproto.sync.requestCrawl", c.relayURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(fmt.Sprintf(`{"hostname":%q}`, hostname)))
	if err != nil {
		c.logger.WarnContext(ctx, "request crawl: build request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "request crawl failed", "hostname", hostname, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.logger.WarnContext(ctx, "request crawl non-2xx", "hostname", hostname, "status", resp.StatusCode)
	}
}

// poll runs check every interval until it succeeds, the timeout elapses, or
// ctx is canceled. Every path other than success logs-and-continues.
func (c *Client) poll(ctx context.Context, label string, timeout, interval time.Duration, check func(context.Context) (bool, error), did string) bool {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := check(ctx)
		if err == nil && ok {
			return true
		}
		if time.Now().After(deadline) {
			c.logger.WarnContext(ctx, label+" timed out", "did", did, "timeout", timeout)
			return false
		}
		select {
		case <-ctx.Done():
			c.logger.WarnContext(ctx, label+" canceled", "did", did)
			return false
		case <-time.After(interval):
		}
	}
}

// probe performs a single GET and reports success via accept, or plain
// HTTP-200 if accept is nil.
func (c *Client) probe(ctx context.Context, url string, accept func(body []byte) bool) (bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	if accept == nil {
		return true, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}
	return accept(body), nil
}
