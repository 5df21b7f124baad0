package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitForDirectoryResolution_SucceedsOnFirst200(t *testing.T) {
	var hits atomic.Int32
	directory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/did:plc:abc", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"did:plc:abc"}`))
	}))
	defer directory.Close()

	c := New(directory.URL, "http://relay.invalid", nil)
	ok := c.WaitForDirectoryResolution(context.Background(), "did:plc:abc")
	assert.True(t, ok)
	assert.Equal(t, int32(1), hits.Load())
}

func TestWaitForRelayIndexed_WaitsForRev(t *testing.T) {
	var hits atomic.Int32
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		rev := "aaa"
		if n >= 2 {
			rev = "ccc"
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"rev": rev})
	}))
	defer relay.Close()

	c := New("http://directory.invalid", relay.URL, nil)
	ok := c.WaitForRelayIndexed(context.Background(), "did:plc:abc", "bbb")
	assert.True(t, ok)
	assert.GreaterOrEqual(t, hits.Load(), int32(2))
}

func TestWaitForRelayIndexed_AnyRevWhenUnspecified(t *testing.T) {
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"rev": "whatever"})
	}))
	defer relay.Close()

	c := New("http://directory.invalid", relay.URL, nil)
	assert.True(t, c.WaitForRelayIndexed(context.Background(), "did:plc:abc", ""))
}

func TestWaitForDirectoryResolution_CanceledContextReturnsFalse(t *testing.T) {
	directory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer directory.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(directory.URL, "http://relay.invalid", nil)
	// Best-effort contract: a canceled wait reports failure, never panics
	// or raises.
	assert.False(t, c.WaitForDirectoryResolution(ctx, "did:plc:abc"))
}

func TestRequestCrawl_PostsHostname(t *testing.T) {
	var gotBody map[string]string
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/xrpc/com.atproto.sync.requestCrawl", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
	}))
	defer relay.Close()

	c := New("http://directory.invalid", relay.URL, nil)
	c.RequestCrawl(context.Background(), "pds.poltr.ch")
	assert.Equal(t, "pds.poltr.ch", gotBody["hostname"])
}
