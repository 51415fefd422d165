package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"

	"grimoire/collab/internal/content"
	"grimoire/collab/internal/relay"
	"grimoire/collab/internal/snapshot"
	"grimoire/collab/internal/store"
	"grimoire/collab/internal/ydoc"
)

type ArtifactStore interface {
	GetArtifact(ctx context.Context, artifactID string) (store.Artifact, error)
	SaveArtifactState(ctx context.Context, state store.ArtifactState) error
}

// Enqueuer records change events for asynchronous reconciliation.
type Enqueuer interface {
	Enqueue(ctx context.Context, job relay.Job) (bool, error)
}

// DocumentStore loads and persists replicas.
type DocumentStore struct {
	artifacts ArtifactStore
	queue     Enqueuer
	fragment  string
}

func NewDocumentStore(artifacts ArtifactStore, queue Enqueuer, fragment string) *DocumentStore {
	if fragment == "" {
		fragment = snapshot.DefaultFragment
	}
	return &DocumentStore{artifacts: artifacts, queue: queue, fragment: fragment}
}

// Fetch returns the persisted binary state of documentID. It returns nil, nil
// when the artifact does not exist or p does not own it.
//
// TODO: consult artifact_shares so shared editors can open the document.
func (s *DocumentStore) Fetch(ctx context.Context, documentID string, p Principal) ([]byte, error) {
	artifact, err := s.artifacts.GetArtifact(ctx, documentID)
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", documentID, err)
	}
	if artifact.OwnerID != p.UserID {
		return nil, nil
	}
	return append([]byte{}, artifact.YBin...), nil
}

// Store persists merged as the new state of documentID together with its
// derived content and metadata, then enqueues the transition for
// reconciliation. Panics are returned as errors.
func (s *DocumentStore) Store(ctx context.Context, documentID string, p Principal, merged []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("store %s: panic: %v", documentID, r)
		}
	}()

	prior, err := s.artifacts.GetArtifact(ctx, documentID)
	if err != nil {
		return fmt.Errorf("load prior state of %s: %w", documentID, err)
	}
	if bytes.Equal(prior.YBin, merged) {
		return nil
	}

	doc, err := ydoc.Decode(merged)
	if err != nil {
		return fmt.Errorf("decode %s: %w", documentID, err)
	}
	tree := snapshot.ExtractContentTree(doc, s.fragment)
	meta := snapshot.ExtractMeta(doc)
	body, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("marshal content of %s: %w", documentID, err)
	}

	err = s.artifacts.SaveArtifactState(ctx, store.ArtifactState{
		ID:         documentID,
		YBin:       merged,
		Content:    body,
		PlainText:  content.PlainText(tree),
		Title:      meta.Title,
		Type:       meta.Type,
		Theme:      meta.Theme,
		LinkAccess: meta.LinkAccess,
	})
	if err != nil {
		return err
	}

	queued, err := s.queue.Enqueue(ctx, relay.NewJob(documentID, p.UserID, prior.YBin, merged))
	if err != nil {
		return fmt.Errorf("enqueue update of %s: %w", documentID, err)
	}
	if queued {
		log.Printf("collab: stored %s (%d bytes), reconciliation queued", documentID, len(merged))
	}
	return nil
}
