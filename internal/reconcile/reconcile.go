// Package reconcile keeps the artifact reference graph consistent with the
// content of an artifact after each replica store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"grimoire/collab/internal/content"
	"grimoire/collab/internal/metrics"
	"grimoire/collab/internal/refdiff"
	"grimoire/collab/internal/store"
	"grimoire/collab/internal/util"
)

// ErrConflict marks a transaction aborted by a concurrent serializable
// transaction. The job should be retried.
var ErrConflict = errors.New("reconcile: serialization conflict")

const referencesTable = "artifact_references"

// Store opens the serializable transaction reconciliation runs in.
type Store interface {
	WithSerializableTx(ctx context.Context, fn func(tx store.ReferenceTx) error) error
}

// Report summarises one reconciliation.
type Report struct {
	TitleReferences int64
	TextReferences  int64
	OutgoingDeleted int64
	OutgoingCreated int
	Broken          int
	Unaddressable   int
}

type Reconciler struct {
	store  Store
	newID  func() string
	strict bool
}

func New(s Store) *Reconciler {
	return &Reconciler{
		store: s,
		newID: func() string { return util.NewID("ref") },
	}
}

// RequireNodeIDs makes Reconcile fail with refdiff.ErrMissingNodeID, before
// opening a transaction, when either tree has an addressable node without an
// id. By default such nodes are skipped and counted in Report.Unaddressable.
func (r *Reconciler) RequireNodeIDs(strict bool) *Reconciler {
	r.strict = strict
	return r
}

// Reconcile runs, in one serializable transaction: title propagation to
// whole-document references, block text propagation to block references, and
// replacement of the artifact's outgoing references. Either all of it commits or
// none of it does.
func (r *Reconciler) Reconcile(ctx context.Context, artifactID string, oldTree, newTree content.Node, oldTitle, newTitle string) (Report, error) {
	started := time.Now()
	diff, err := r.diff(oldTree, newTree)
	if err != nil {
		return Report{}, fmt.Errorf("reconcile artifact %s: %w", artifactID, err)
	}
	forward := content.References(newTree)

	var report Report
	err = r.store.WithSerializableTx(ctx, func(tx store.ReferenceTx) error {
		report = Report{Unaddressable: diff.Unaddressable}

		if newTitle != oldTitle {
			n, err := tx.UpdateTitleReferences(ctx, artifactID, newTitle)
			if err != nil {
				return fmt.Errorf("propagate title: %w", err)
			}
			report.TitleReferences = n
		}

		if rows := textRows(artifactID, diff); len(rows) > 0 {
			n, err := tx.BulkUpdateByCompositeKey(ctx, store.BulkUpdate{
				Table: referencesTable,
				KeyColumns: []store.Column{
					{Name: "target_artifact_id", Type: "text"},
					{Name: "target_artifact_block_id", Type: "text"},
				},
				ValueColumns: []store.Column{{Name: "reference_text", Type: "text"}},
				Rows:         rows,
			})
			if err != nil {
				return fmt.Errorf("propagate block text: %w", err)
			}
			report.TextReferences = n
		}

		edges, err := r.outgoingEdges(ctx, tx, artifactID, forward)
		if err != nil {
			return err
		}
		deleted, err := tx.DeleteOutgoingReferences(ctx, artifactID)
		if err != nil {
			return fmt.Errorf("replace outgoing references: %w", err)
		}
		report.OutgoingDeleted = deleted
		if len(edges) > 0 {
			if err := tx.InsertReferences(ctx, edges); err != nil {
				return fmt.Errorf("replace outgoing references: %w", err)
			}
		}
		report.OutgoingCreated = len(edges)
		for _, e := range edges {
			if e.IsBroken {
				report.Broken++
			}
		}
		return nil
	})
	metrics.ObserveReconcile(time.Since(started), err)
	if err != nil {
		if store.IsSerializationFailure(err) {
			return Report{}, fmt.Errorf("%w: artifact %s: %w", ErrConflict, artifactID, err)
		}
		return Report{}, fmt.Errorf("reconcile artifact %s: %w", artifactID, err)
	}
	return report, nil
}

func (r *Reconciler) diff(oldTree, newTree content.Node) (refdiff.Result, error) {
	if r.strict {
		return refdiff.DiffStrict(oldTree, newTree)
	}
	return refdiff.Diff(oldTree, newTree), nil
}

// textRows builds (target artifact, target block, text) rows for every added or
// updated node. Deleted nodes leave their references untouched.
func textRows(artifactID string, diff refdiff.Result) [][]any {
	var rows [][]any
	for _, id := range diff.IDs() {
		entry := diff.Entries[id]
		if entry.Kind == refdiff.Deleted {
			continue
		}
		rows = append(rows, []any{artifactID, id, entry.ReferenceText})
	}
	return rows
}

func (r *Reconciler) outgoingEdges(ctx context.Context, tx store.ReferenceTx, artifactID string, refs []content.Reference) ([]store.ArtifactReference, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	targetSet := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		targetSet[ref.TargetID] = struct{}{}
	}
	targets := make([]string, 0, len(targetSet))
	for id := range targetSet {
		targets = append(targets, id)
	}
	sort.Strings(targets)

	titles, err := tx.ArtifactTitles(ctx, targets)
	if err != nil {
		return nil, fmt.Errorf("resolve reference targets: %w", err)
	}

	edges := make([]store.ArtifactReference, 0, len(refs))
	for _, ref := range refs {
		edge := store.ArtifactReference{
			ID:                    r.newID(),
			ArtifactID:            artifactID,
			ArtifactBlockID:       ref.BlockID,
			TargetArtifactID:      ref.TargetID,
			TargetArtifactBlockID: optional(ref.TargetBlockID),
			TargetArtifactDate:    optional(ref.TargetDate),
			ReferenceText:         ref.Text,
		}
		title, exists := titles[ref.TargetID]
		if exists {
			target := ref.TargetID
			edge.ReferenceTargetArtifactID = &target
			if ref.WholeDocument() {
				edge.ReferenceText = title
			}
		} else {
			edge.IsBroken = true
		}
		edges = append(edges, edge)
	}
	return edges, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
