package snapshot

import (
	"encoding/json"
	"strings"

	"grimoire/collab/internal/ydoc"
)

// CollectionNode is one entry of a collection's nested tree.
type CollectionNode struct {
	ID       string            `json:"id"`
	ParentID string            `json:"parentId,omitempty"`
	Title    string            `json:"title"`
	Access   map[string]string `json:"access,omitempty"`
}

// Collection is the tree stored in a collection artifact.
type Collection struct {
	Nodes map[string]CollectionNode
}

// ExtractCollection reads the live (not deleted) collection nodes.
func ExtractCollection(doc *ydoc.Doc) Collection {
	const prefix = "tree/"
	nodes := make(map[string]*CollectionNode)
	deleted := make(map[string]bool)

	for _, key := range doc.Keys(prefix) {
		parts := strings.Split(strings.TrimPrefix(key, prefix), "/")
		if len(parts) < 2 || parts[0] == "" {
			continue
		}
		id := parts[0]
		n := nodes[id]
		if n == nil {
			n = &CollectionNode{ID: id}
			nodes[id] = n
		}
		raw, _ := doc.Get(key)
		switch {
		case len(parts) == 2 && parts[1] == "parent":
			_ = json.Unmarshal(raw, &n.ParentID)
		case len(parts) == 2 && parts[1] == "title":
			_ = json.Unmarshal(raw, &n.Title)
		case len(parts) == 2 && parts[1] == "deleted":
			var d bool
			_ = json.Unmarshal(raw, &d)
			deleted[id] = d
		case len(parts) == 3 && parts[1] == "access" && parts[2] != "":
			var level string
			if err := json.Unmarshal(raw, &level); err == nil {
				if n.Access == nil {
					n.Access = make(map[string]string)
				}
				n.Access[parts[2]] = level
			}
		}
	}

	out := Collection{Nodes: make(map[string]CollectionNode, len(nodes))}
	for id, n := range nodes {
		if deleted[id] {
			continue
		}
		out.Nodes[id] = *n
	}
	return out
}

// WriteCollectionNode stores node and its explicit grants.
func WriteCollectionNode(tx *ydoc.Txn, node CollectionNode) error {
	base := "tree/" + node.ID + "/"
	if err := tx.Set(base+"parent", node.ParentID); err != nil {
		return err
	}
	if err := tx.Set(base+"title", node.Title); err != nil {
		return err
	}
	if err := tx.Set(base+"deleted", false); err != nil {
		return err
	}
	for user, level := range node.Access {
		if err := tx.Set(base+"access/"+user, level); err != nil {
			return err
		}
	}
	return nil
}
