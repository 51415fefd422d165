// Package snapshot projects a replica into plain structures (content tree,
// metadata, collection tree) and writes those structures back into a replica.
//
// Register layout:
//
//	meta/<field>                          metadata scalar
//	<fragment>/<slot>/parent|pos|type|attrs|text|marks|deleted
//	tree/<node>/parent|title|deleted      collection node
//	tree/<node>/access/<user>             explicit collection grant
package snapshot

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"grimoire/collab/internal/ydoc"
)

const (
	DefaultFragment   = "default"
	DefaultTheme      = "default"
	DefaultType       = "note"
	DefaultLinkAccess = "NoAccess"
)

// Meta is the artifact metadata carried in the replica.
type Meta struct {
	Title      string `json:"title"`
	Theme      string `json:"theme"`
	Type       string `json:"type"`
	LinkAccess string `json:"linkAccess"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// ExtractMeta reads the metadata map, filling defaults for absent fields.
func ExtractMeta(doc *ydoc.Doc) Meta {
	meta := Meta{
		Theme:      DefaultTheme,
		Type:       DefaultType,
		LinkAccess: DefaultLinkAccess,
	}
	if s, ok := stringAt(doc, "meta/title"); ok {
		meta.Title = s
	}
	if s, ok := stringAt(doc, "meta/theme"); ok && s != "" {
		meta.Theme = s
	}
	if s, ok := stringAt(doc, "meta/type"); ok && s != "" {
		meta.Type = s
	}
	if s, ok := stringAt(doc, "meta/linkAccess"); ok && s != "" {
		meta.LinkAccess = s
	}
	if raw, ok := doc.Get("meta/updatedAt"); ok {
		meta.UpdatedAt = coerceTimestamp(raw)
	}
	return meta
}

// WriteMeta stores every metadata field.
func WriteMeta(tx *ydoc.Txn, meta Meta) error {
	fields := []struct {
		key   string
		value any
	}{
		{"meta/title", meta.Title},
		{"meta/theme", meta.Theme},
		{"meta/type", meta.Type},
		{"meta/linkAccess", meta.LinkAccess},
		{"meta/updatedAt", meta.UpdatedAt},
	}
	for _, f := range fields {
		if err := tx.Set(f.key, f.value); err != nil {
			return err
		}
	}
	return nil
}

func stringAt(doc *ydoc.Doc, key string) (string, bool) {
	raw, ok := doc.Get(key)
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// coerceTimestamp accepts epoch milliseconds as a number, a numeric string or an
// RFC 3339 string. Anything else is 0.
func coerceTimestamp(raw json.RawMessage) int64 {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return numberToMillis(string(n))
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	s = strings.TrimSpace(s)
	if ms := numberToMillis(s); ms != 0 {
		return ms
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UnixMilli()
	}
	return 0
}

func numberToMillis(s string) int64 {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return int64(f)
	}
	return 0
}
