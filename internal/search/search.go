// Package search indexes artifact text in Meilisearch and queries it, falling
// back to Postgres full-text search when Meilisearch is unavailable.
package search

import "context"

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Type    string `json:"type"`
	OwnerID string `json:"-"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// ArtifactRecord is the data indexed for an artifact.
type ArtifactRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	PlainText string `json:"plainText"`
	Type      string `json:"type"`
	OwnerID   string `json:"ownerId"`
	UpdatedAt int64  `json:"updatedAt"`
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 20
	}
	if q.Limit > 100 {
		return 100
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}
