// Package app wires the reconciliation pipeline behind the relay worker and
// serves the read-side HTTP API.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"grimoire/collab/internal/access"
	"grimoire/collab/internal/content"
	"grimoire/collab/internal/history"
	"grimoire/collab/internal/reconcile"
	"grimoire/collab/internal/relay"
	"grimoire/collab/internal/search"
	"grimoire/collab/internal/snapshot"
	"grimoire/collab/internal/store"
	"grimoire/collab/internal/ydoc"
)

type Store interface {
	access.Store
	ListIncomingReferences(ctx context.Context, artifactID string) ([]store.ArtifactReference, error)
	ListOutgoingReferences(ctx context.Context, artifactID string) ([]store.ArtifactReference, error)
	Ping(ctx context.Context) error
}

type Reconciler interface {
	Reconcile(ctx context.Context, artifactID string, oldTree, newTree content.Node, oldTitle, newTitle string) (reconcile.Report, error)
}

type Searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexArtifact(record search.ArtifactRecord)
	DeleteArtifact(id string)
}

type History interface {
	Record(artifactID string, snap history.Snapshot, html, author, message string) (history.Commit, bool, error)
	Log(artifactID string, limit int) ([]history.Commit, error)
	At(artifactID, hash string) (history.Snapshot, error)
}

// JobLog reads the relay's parked and completed jobs.
type JobLog interface {
	Failed(ctx context.Context, count int64) ([]relay.Entry, error)
	Completed(ctx context.Context, count int64) ([]relay.Entry, error)
}

type Service struct {
	store      Store
	reconciler Reconciler
	resolver   *access.Resolver
	search     Searcher
	history    History
	relay      JobLog
	fragment   string
}

// New builds the service. search, hist and jobs may be nil.
func New(s Store, reconciler Reconciler, search Searcher, hist History, jobs JobLog, fragment string) *Service {
	if fragment == "" {
		fragment = snapshot.DefaultFragment
	}
	return &Service{
		store:      s,
		reconciler: reconciler,
		resolver:   access.NewResolver(s),
		search:     search,
		history:    hist,
		relay:      jobs,
		fragment:   fragment,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ProcessArtifactUpdate is the relay handler: it reconciles the reference graph
// for one stored transition, then refreshes the search index and snapshot
// history. Only reconciliation failures fail the job.
func (s *Service) ProcessArtifactUpdate(ctx context.Context, job relay.Job) error {
	oldState, newState, err := job.States()
	if err != nil {
		return err
	}
	oldDoc, err := ydoc.Decode(oldState)
	if err != nil {
		return fmt.Errorf("decode old state of %s: %w", job.ArtifactID, err)
	}
	newDoc, err := ydoc.Decode(newState)
	if err != nil {
		return fmt.Errorf("decode new state of %s: %w", job.ArtifactID, err)
	}

	oldTree := snapshot.ExtractContentTree(oldDoc, s.fragment)
	newTree := snapshot.ExtractContentTree(newDoc, s.fragment)
	oldMeta := snapshot.ExtractMeta(oldDoc)
	newMeta := snapshot.ExtractMeta(newDoc)

	report, err := s.reconciler.Reconcile(ctx, job.ArtifactID, oldTree, newTree, oldMeta.Title, newMeta.Title)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", job.ArtifactID, err)
	}
	if report.Unaddressable > 0 {
		log.Printf("reconcile: %s has %d addressable nodes without an id", job.ArtifactID, report.Unaddressable)
	}

	artifact, err := s.store.GetArtifact(ctx, job.ArtifactID)
	if store.IsNotFound(err) {
		// Deleted while the job was queued.
		if s.search != nil {
			s.search.DeleteArtifact(job.ArtifactID)
		}
		return nil
	}
	if err != nil {
		log.Printf("reconcile: load %s after reconciliation: %v", job.ArtifactID, err)
		return nil
	}
	if s.search != nil {
		s.search.IndexArtifact(search.ArtifactRecord{
			ID:        artifact.ID,
			Title:     newMeta.Title,
			PlainText: content.PlainText(newTree),
			Type:      newMeta.Type,
			OwnerID:   artifact.OwnerID,
			UpdatedAt: artifact.UpdatedAt.UnixMilli(),
		})
	}
	if s.history != nil {
		s.recordHistory(job, newTree, newMeta)
	}
	return nil
}

func (s *Service) recordHistory(job relay.Job, tree content.Node, meta snapshot.Meta) {
	doc, err := json.Marshal(tree)
	if err != nil {
		log.Printf("history: marshal %s: %v", job.ArtifactID, err)
		return
	}
	snap := history.Snapshot{Title: meta.Title, Type: meta.Type, Theme: meta.Theme, Doc: doc}
	commit, created, err := s.history.Record(job.ArtifactID, snap, content.RenderHTML(tree), job.UserID, "Update "+job.ArtifactID)
	if err != nil {
		log.Printf("history: record %s: %v", job.ArtifactID, err)
		return
	}
	if created {
		log.Printf("history: %s at %s", job.ArtifactID, commit.Hash)
	}
}

// requireAccess loads artifactID and fails unless userID holds at least want.
func (s *Service) requireAccess(ctx context.Context, artifactID, userID string, want access.Level) (store.Artifact, access.Level, error) {
	artifact, err := s.store.GetArtifact(ctx, artifactID)
	if store.IsNotFound(err) {
		return store.Artifact{}, access.NoAccess, domainError(http.StatusNotFound, "NOT_FOUND", "Artifact not found", nil)
	}
	if err != nil {
		return store.Artifact{}, access.NoAccess, err
	}
	level, err := s.resolver.ResolveArtifact(ctx, artifact, userID)
	if err != nil {
		return store.Artifact{}, access.NoAccess, err
	}
	if !level.AtLeast(want) {
		// Unreadable artifacts read as missing.
		return store.Artifact{}, level, domainError(http.StatusNotFound, "NOT_FOUND", "Artifact not found", nil)
	}
	return artifact, level, nil
}

// ArtifactAccess returns userID's effective level on artifactID.
func (s *Service) ArtifactAccess(ctx context.Context, artifactID, userID string) (access.Level, error) {
	return s.resolver.Resolve(ctx, artifactID, userID)
}

// CollectionAccess resolves userID's level on every node of a collection.
func (s *Service) CollectionAccess(ctx context.Context, collectionID, userID string) (map[string]access.Level, error) {
	artifact, _, err := s.requireAccess(ctx, collectionID, userID, access.ReadOnly)
	if err != nil {
		return nil, err
	}
	replica, err := ydoc.Decode(artifact.YBin)
	if err != nil {
		return nil, fmt.Errorf("decode collection %s: %w", collectionID, err)
	}
	levels, err := s.resolver.ResolveForCollection(ctx, artifact, replica, userID)
	if err != nil {
		return nil, err
	}
	return levels, nil
}

// Backlinks lists references into artifactID from artifacts userID can read.
func (s *Service) Backlinks(ctx context.Context, artifactID, userID string) ([]store.ArtifactReference, error) {
	if _, _, err := s.requireAccess(ctx, artifactID, userID, access.ReadOnly); err != nil {
		return nil, err
	}
	refs, err := s.store.ListIncomingReferences(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	return s.readableSources(ctx, refs, userID)
}

// OutgoingReferences lists the references artifactID makes.
func (s *Service) OutgoingReferences(ctx context.Context, artifactID, userID string) ([]store.ArtifactReference, error) {
	if _, _, err := s.requireAccess(ctx, artifactID, userID, access.ReadOnly); err != nil {
		return nil, err
	}
	return s.store.ListOutgoingReferences(ctx, artifactID)
}

func (s *Service) readableSources(ctx context.Context, refs []store.ArtifactReference, userID string) ([]store.ArtifactReference, error) {
	readable := make(map[string]bool)
	out := make([]store.ArtifactReference, 0, len(refs))
	for _, ref := range refs {
		ok, seen := readable[ref.ArtifactID]
		if !seen {
			level, err := s.resolver.Resolve(ctx, ref.ArtifactID, userID)
			if err != nil {
				return nil, err
			}
			ok = access.Can(level, access.ActionRead)
			readable[ref.ArtifactID] = ok
		}
		if ok {
			out = append(out, ref)
		}
	}
	return out, nil
}

// Search runs q and drops hits userID cannot read.
func (s *Service) Search(ctx context.Context, userID string, q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	resp := s.search.Search(ctx, q)
	filtered := make([]search.Result, 0, len(resp.Results))
	for _, result := range resp.Results {
		if result.OwnerID != "" && result.OwnerID == userID {
			filtered = append(filtered, result)
			continue
		}
		level, err := s.resolver.Resolve(ctx, result.ID, userID)
		if err != nil {
			return search.Response{}, err
		}
		if access.Can(level, access.ActionRead) {
			filtered = append(filtered, result)
		}
	}
	resp.Results = filtered
	return resp, nil
}

// History lists snapshot commits of artifactID, newest first.
func (s *Service) History(ctx context.Context, artifactID, userID string, limit int) ([]history.Commit, error) {
	if _, _, err := s.requireAccess(ctx, artifactID, userID, access.ReadOnly); err != nil {
		return nil, err
	}
	if s.history == nil {
		return []history.Commit{}, nil
	}
	return s.history.Log(artifactID, limit)
}

// Snapshot returns the content of artifactID as recorded by one history commit.
func (s *Service) Snapshot(ctx context.Context, artifactID, userID, hash string) (history.Snapshot, error) {
	if _, _, err := s.requireAccess(ctx, artifactID, userID, access.ReadOnly); err != nil {
		return history.Snapshot{}, err
	}
	if s.history == nil {
		return history.Snapshot{}, domainError(http.StatusNotFound, "NOT_FOUND", "Snapshot not found", nil)
	}
	return s.history.At(artifactID, hash)
}

// FailedJobs lists parked relay jobs for artifacts userID can write.
func (s *Service) FailedJobs(ctx context.Context, userID string, limit int64) ([]relay.Entry, error) {
	if s.relay == nil {
		return []relay.Entry{}, nil
	}
	entries, err := s.relay.Failed(ctx, limit)
	if err != nil {
		return nil, err
	}
	return s.writableJobs(ctx, entries, userID)
}

// CompletedJobs lists recently reconciled relay jobs for artifacts userID can write.
func (s *Service) CompletedJobs(ctx context.Context, userID string, limit int64) ([]relay.Entry, error) {
	if s.relay == nil {
		return []relay.Entry{}, nil
	}
	entries, err := s.relay.Completed(ctx, limit)
	if err != nil {
		return nil, err
	}
	return s.writableJobs(ctx, entries, userID)
}

func (s *Service) writableJobs(ctx context.Context, entries []relay.Entry, userID string) ([]relay.Entry, error) {
	out := make([]relay.Entry, 0, len(entries))
	for _, entry := range entries {
		level, err := s.resolver.Resolve(ctx, entry.Job.ArtifactID, userID)
		if err != nil {
			return nil, err
		}
		if access.Can(level, access.ActionWrite) {
			// States can be large and are not needed to triage.
			entry.Job.OldState, entry.Job.NewState = "", ""
			out = append(out, entry)
		}
	}
	return out, nil
}
