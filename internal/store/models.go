package store

import (
	"encoding/json"
	"time"
)

type Artifact struct {
	ID         string
	OwnerID    string
	Title      string
	Type       string
	Theme      string
	LinkAccess string
	YBin       []byte
	Content    json.RawMessage
	PlainText  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ArtifactState is the derived state written back after a replica store.
type ArtifactState struct {
	ID         string
	YBin       []byte
	Content    json.RawMessage
	PlainText  string
	Title      string
	Type       string
	Theme      string
	LinkAccess string
}

// ArtifactReference is one edge of the reference graph. TargetArtifactID keeps
// whatever id the content named; ReferenceTargetArtifactID is set only when that
// artifact exists.
type ArtifactReference struct {
	ID                        string
	ArtifactID                string
	ArtifactBlockID           string
	TargetArtifactID          string
	TargetArtifactBlockID     *string
	TargetArtifactDate        *string
	ReferenceTargetArtifactID *string
	ReferenceText             string
	IsBroken                  bool
	CreatedAt                 time.Time
}

type ArtifactShare struct {
	ArtifactID  string
	UserID      string
	AccessLevel string
	CreatedAt   time.Time
}

type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
}

// Column names a column and the SQL type its bound values are cast to.
type Column struct {
	Name string
	Type string
}

// BulkUpdate describes an UPDATE ... FROM (VALUES ...) keyed by a composite key.
// Each row holds the key values followed by the value-column values.
type BulkUpdate struct {
	Table        string
	KeyColumns   []Column
	ValueColumns []Column
	Rows         [][]any
}
