// Package refdiff compares two versions of a content tree by node identifier.
package refdiff

import (
	"errors"
	"fmt"
	"sort"

	"grimoire/collab/internal/content"
)

// Kind classifies a change to an addressable node.
type Kind string

const (
	Added   Kind = "added"
	Updated Kind = "updated"
	Deleted Kind = "deleted"
)

// ErrMissingNodeID is returned by DiffStrict when an addressable node has no
// identifier.
var ErrMissingNodeID = errors.New("refdiff: addressable node without identifier")

// Entry describes how one node changed. ReferenceText is the text referencing
// artifacts should display: the new text, or the old text for deletions.
type Entry struct {
	Kind          Kind
	OldText       string
	NewText       string
	ReferenceText string
}

// Result maps node identifier to change. Unaddressable counts addressable nodes,
// across both trees, that were skipped for lacking an identifier.
type Result struct {
	Entries       map[string]Entry
	Unaddressable int
}

// IDs returns the changed node identifiers in sorted order.
func (r Result) IDs() []string {
	ids := make([]string, 0, len(r.Entries))
	for id := range r.Entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Diff compares the addressable nodes of two trees. Nodes whose plain text is
// unchanged do not appear, even if their type or attributes changed.
func Diff(oldTree, newTree content.Node) Result {
	oldNodes, oldMissing := content.Flatten(oldTree)
	newNodes, newMissing := content.Flatten(newTree)

	res := Result{
		Entries:       make(map[string]Entry),
		Unaddressable: oldMissing + newMissing,
	}
	for id, n := range newNodes {
		newText := content.PlainText(n)
		prev, existed := oldNodes[id]
		if !existed {
			res.Entries[id] = Entry{Kind: Added, NewText: newText, ReferenceText: newText}
			continue
		}
		oldText := content.PlainText(prev)
		if oldText != newText {
			res.Entries[id] = Entry{Kind: Updated, OldText: oldText, NewText: newText, ReferenceText: newText}
		}
	}
	for id, n := range oldNodes {
		if _, ok := newNodes[id]; ok {
			continue
		}
		oldText := content.PlainText(n)
		res.Entries[id] = Entry{Kind: Deleted, OldText: oldText, ReferenceText: oldText}
	}
	return res
}

// DiffStrict is Diff that fails when either tree has an addressable node
// without an identifier.
func DiffStrict(oldTree, newTree content.Node) (Result, error) {
	res := Diff(oldTree, newTree)
	if res.Unaddressable > 0 {
		return res, fmt.Errorf("%w: %d node(s)", ErrMissingNodeID, res.Unaddressable)
	}
	return res, nil
}
