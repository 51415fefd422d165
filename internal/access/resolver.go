package access

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"grimoire/collab/internal/snapshot"
	"grimoire/collab/internal/store"
	"grimoire/collab/internal/ydoc"
)

// ErrAccessCycle is returned when collection parent links form a cycle.
var ErrAccessCycle = errors.New("access: cycle in collection tree")

type Store interface {
	GetArtifact(ctx context.Context, artifactID string) (store.Artifact, error)
	GetShare(ctx context.Context, artifactID, userID string) (store.ArtifactShare, error)
}

type Resolver struct {
	store Store
}

func NewResolver(s Store) *Resolver {
	return &Resolver{store: s}
}

// Resolve returns userID's level on artifactID. Missing artifacts resolve to
// NoAccess. An empty userID is an anonymous visitor.
func (r *Resolver) Resolve(ctx context.Context, artifactID, userID string) (Level, error) {
	artifact, err := r.store.GetArtifact(ctx, artifactID)
	if store.IsNotFound(err) {
		return NoAccess, nil
	}
	if err != nil {
		return NoAccess, fmt.Errorf("resolve access: %w", err)
	}
	return r.ResolveArtifact(ctx, artifact, userID)
}

// ResolveArtifact combines link access, ownership and explicit shares.
func (r *Resolver) ResolveArtifact(ctx context.Context, artifact store.Artifact, userID string) (Level, error) {
	level := Normalize(artifact.LinkAccess)
	if userID == "" {
		return level, nil
	}
	if artifact.OwnerID == userID {
		return Coowner, nil
	}
	share, err := r.store.GetShare(ctx, artifact.ID, userID)
	if store.IsNotFound(err) {
		return level, nil
	}
	if err != nil {
		return NoAccess, fmt.Errorf("resolve share: %w", err)
	}
	return Max(level, Normalize(share.AccessLevel)), nil
}

// ResolveForCollection resolves the level of every node in the collection held
// by replica. Nodes inherit from their parent unless they carry an explicit
// entry for userID; root nodes inherit the collection artifact's own level.
func (r *Resolver) ResolveForCollection(ctx context.Context, artifact store.Artifact, replica *ydoc.Doc, userID string) (map[string]Level, error) {
	root, err := r.ResolveArtifact(ctx, artifact, userID)
	if err != nil {
		return nil, err
	}
	return ResolveTree(snapshot.ExtractCollection(replica), userID, root)
}

// ResolveTree walks each node's parent chain iteratively, memoising results so
// every node is resolved once. A parent id that names no node is treated as
// the root.
func ResolveTree(tree snapshot.Collection, userID string, root Level) (map[string]Level, error) {
	ids := make([]string, 0, len(tree.Nodes))
	for id := range tree.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	memo := make(map[string]Level, len(ids))
	for _, id := range ids {
		if _, done := memo[id]; done {
			continue
		}
		if err := resolveChain(tree, id, userID, root, memo); err != nil {
			return nil, err
		}
	}
	return memo, nil
}

func resolveChain(tree snapshot.Collection, start, userID string, root Level, memo map[string]Level) error {
	var chain []string
	visiting := make(map[string]struct{})
	level := root

	for cur := start; ; {
		if known, ok := memo[cur]; ok {
			level = known
			break
		}
		if _, seen := visiting[cur]; seen {
			return fmt.Errorf("%w: node %s", ErrAccessCycle, cur)
		}
		visiting[cur] = struct{}{}

		node, ok := tree.Nodes[cur]
		if !ok {
			break
		}
		if explicit, ok := node.Access[userID]; ok && userID != "" {
			level = Normalize(explicit)
			memo[cur] = level
			break
		}
		chain = append(chain, cur)
		if node.ParentID == "" {
			break
		}
		cur = node.ParentID
	}

	for _, id := range chain {
		memo[id] = level
	}
	return nil
}
