// Package pagination provides opaque cursors over id-ordered listings.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

var ErrInvalidCursor = errors.New("invalid cursor")

const prefix = "after:"

// Encode returns an opaque cursor that resumes after id.
func Encode(id uint64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(prefix + strconv.FormatUint(id, 10)))
}

// Decode parses a cursor produced by Encode. An empty cursor starts at the
// beginning and decodes to 0.
func Decode(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	rest, ok := strings.CutPrefix(string(raw), prefix)
	if !ok {
		return 0, ErrInvalidCursor
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	return id, nil
}

// Page returns up to limit items whose key is greater than after. items must
// be in ascending key order. next is empty on the last page.
func Page[T any](items []T, after uint64, limit int, key func(T) uint64) (page []T, next string) {
	start := 0
	for start < len(items) && key(items[start]) <= after {
		start++
	}
	items = items[start:]
	if limit <= 0 || len(items) <= limit {
		return items, ""
	}
	page = items[:limit]
	return page, Encode(key(page[len(page)-1]))
}
