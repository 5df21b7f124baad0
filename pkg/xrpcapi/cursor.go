package xrpcapi

import (
	"fmt"
	"strings"
	"time"
)

// Cursor is the feed-skeleton pagination cursor: the (created_at, rkey)
// keyset position of the last returned row, encoded as "<iso>::<rkey>".
type Cursor struct {
	CreatedAt time.Time
	Rkey      string
}

const cursorSep = "::"

// Encode renders the cursor in its wire format.
func (c Cursor) Encode() string {
	return c.CreatedAt.UTC().Format(time.RFC3339Nano) + cursorSep + c.Rkey
}

// ParseCursor decodes a wire cursor. An empty string yields a nil cursor
// (first page); anything else malformed is an error.
func ParseCursor(raw string) (*Cursor, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.SplitN(raw, cursorSep, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, fmt.Errorf("malformed cursor timestamp: %w", err)
	}
	return &Cursor{CreatedAt: ts, Rkey: parts[1]}, nil
}
