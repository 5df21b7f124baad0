package xrpcapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/nikwyss/poltrMVP/pkg/xrpcerr"
)

// feedURI is the single feed this generator serves: the governance
// identity's poltr feed.
func (s *Server) feedURI() string {
	return fmt.Sprintf("at://%s/app.bsky.feed.generator/poltr", s.governance.DID())
}

// handleDescribeFeedGenerator serves GET app.bsky.feed.describeFeedGenerator.
func (s *Server) handleDescribeFeedGenerator(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"did":   s.feedGeneratorDID,
		"feeds": []map[string]any{{"uri": s.feedURI()}},
	})
}

// handleGetFeedSkeleton serves GET app.bsky.feed.getFeedSkeleton: mirrored
// ballots newest-first, keyset-paginated on a "<iso>::<rkey>" cursor.
func (s *Server) handleGetFeedSkeleton(w http.ResponseWriter, r *http.Request) {
	feed := r.URL.Query().Get("feed")
	if feed != s.feedURI() {
		xrpcerr.Write(w, r, xrpcerr.New(xrpcerr.KindInvalidRequest, "UnknownFeed", "Unknown feed: "+feed))
		return
	}

	limit := queryLimit(r, 50, 100)
	cursor, err := ParseCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		xrpcerr.Write(w, r, xrpcerr.New(xrpcerr.KindInvalidRequest, "BadCursor", "Malformed cursor"))
		return
	}

	var cursorCreatedAt *time.Time
	var cursorRkey string
	if cursor != nil {
		cursorCreatedAt = &cursor.CreatedAt
		cursorRkey = cursor.Rkey
	}

	skel, err := s.store.FeedSkeletonPage(r.Context(), cursorCreatedAt, cursorRkey, limit)
	if err != nil {
		xrpcerr.Write(w, r, xrpcerr.Wrap(xrpcerr.KindInternal, "internal_error", "feed query failed", err))
		return
	}

	page := make([]map[string]any, 0, len(skel))
	for _, row := range skel {
		page = append(page, map[string]any{"post": row.BskyPostURI})
	}

	resp := map[string]any{"feed": page}
	if len(skel) > 0 {
		last := skel[len(skel)-1]
		resp["cursor"] = Cursor{CreatedAt: last.CreatedAt, Rkey: last.Rkey}.Encode()
	}
	writeJSON(w, http.StatusOK, resp)
}
