package xrpcapi

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/nikwyss/poltrMVP/pkg/store"
)

// The serialization layer maps DB rows to the canonical JSON shape:
// uri, cid, author{...}, record{...}, indexedAt, likeCount, replyCount,
// bookmarkCount, labels, viewer{like?}. Missing optional fields are
// elided; coercion tolerates numeric or textual sources since record_json
// blobs come from the firehose in whatever shape the writer used.

// asString coerces a JSON value to string: strings pass through, numbers
// are formatted, everything else yields "".
func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

// asInt coerces a JSON value to int: numbers truncate, numeric strings
// parse, everything else yields 0.
func asInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case json.Number:
		n, _ := t.Int64()
		return int(n)
	case int:
		return t
	case int64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	default:
		return 0
	}
}

func isoTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ballotJSON builds the canonical ballot shape from a BallotView.
func ballotJSON(v store.BallotView) map[string]any {
	record := recordFromJSON(v.RecordJSON)
	if record == nil {
		record = map[string]any{
			"$type":     "app.ch.poltr.ballot.entry",
			"title":     v.Title,
			"createdAt": isoTime(v.CreatedAt),
		}
		if v.Description != "" {
			record["description"] = v.Description
		}
		if !v.VoteDate.IsZero() {
			record["voteDate"] = isoTime(v.VoteDate)
		}
	}

	out := map[string]any{
		"uri":           v.URI,
		"cid":           v.CID,
		"author":        map[string]any{"did": v.DID, "labels": []any{}},
		"record":        record,
		"indexedAt":     isoTime(v.CreatedAt),
		"likeCount":     v.LikeCount,
		"replyCount":    v.ReplyCount,
		"bookmarkCount": v.BookmarkCount,
		"labels":        []any{},
	}
	if v.ViewerLikeURI != nil {
		out["viewer"] = map[string]any{"like": *v.ViewerLikeURI}
	}
	return out
}

// argumentJSON builds the canonical argument shape.
func argumentJSON(a store.Argument) map[string]any {
	record := map[string]any{
		"$type":     "app.ch.poltr.ballot.argument",
		"title":     a.Title,
		"body":      a.Body,
		"type":      string(a.Type),
		"ballot":    a.BallotURI,
		"createdAt": isoTime(a.CreatedAt),
	}
	if a.OriginalURI != nil {
		record["originalUri"] = *a.OriginalURI
	}

	out := map[string]any{
		"uri":          a.URI,
		"cid":          a.CID,
		"author":       map[string]any{"did": a.DID, "labels": []any{}},
		"record":       record,
		"reviewStatus": string(a.ReviewStatus),
		"likeCount":    a.LikeCount,
		"replyCount":   a.CommentCount,
		"labels":       []any{},
	}
	if a.IndexedAt != nil {
		out["indexedAt"] = isoTime(*a.IndexedAt)
	} else {
		out["indexedAt"] = isoTime(a.CreatedAt)
	}
	if a.GovernanceURI != nil {
		out["governanceUri"] = *a.GovernanceURI
	}
	return out
}

// recordFromJSON parses a stored record_json blob, coercing the common
// fields to strings so numeric or textual sources serialize consistently.
// Returns nil when the blob is empty or unparseable, letting the caller
// synthesize a record from the typed columns instead.
func recordFromJSON(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var record map[string]any
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil
	}
	for _, key := range []string{"title", "description", "voteDate", "createdAt"} {
		if v, ok := record[key]; ok {
			if s := asString(v); s != "" {
				record[key] = s
			}
		}
	}
	return record
}
