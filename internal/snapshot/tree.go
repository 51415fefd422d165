package snapshot

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"grimoire/collab/internal/content"
	"grimoire/collab/internal/ydoc"
)

type slot struct {
	id      string
	parent  string
	pos     string
	typ     string
	attrs   map[string]any
	text    string
	marks   []content.Mark
	deleted bool
}

// ExtractContentTree rebuilds the content tree stored under fragment. Slots that
// are deleted, untyped, or not reachable from the root are left out, so parent
// cycles produced by concurrent moves drop the cycle instead of looping.
func ExtractContentTree(doc *ydoc.Doc, fragment string) content.Node {
	if fragment == "" {
		fragment = DefaultFragment
	}
	prefix := fragment + "/"
	slots := make(map[string]*slot)
	for _, key := range doc.Keys(prefix) {
		slotID, field, ok := strings.Cut(strings.TrimPrefix(key, prefix), "/")
		if !ok || slotID == "" {
			continue
		}
		s := slots[slotID]
		if s == nil {
			s = &slot{id: slotID}
			slots[slotID] = s
		}
		raw, _ := doc.Get(key)
		switch field {
		case "parent":
			_ = json.Unmarshal(raw, &s.parent)
		case "pos":
			_ = json.Unmarshal(raw, &s.pos)
		case "type":
			_ = json.Unmarshal(raw, &s.typ)
		case "attrs":
			_ = json.Unmarshal(raw, &s.attrs)
		case "text":
			_ = json.Unmarshal(raw, &s.text)
		case "marks":
			_ = json.Unmarshal(raw, &s.marks)
		case "deleted":
			_ = json.Unmarshal(raw, &s.deleted)
		}
	}

	children := make(map[string][]*slot)
	for _, s := range slots {
		if s.deleted || s.typ == "" || s.parent == s.id {
			continue
		}
		children[s.parent] = append(children[s.parent], s)
	}
	for _, list := range children {
		sort.Slice(list, func(i, j int) bool {
			if list[i].pos != list[j].pos {
				return list[i].pos < list[j].pos
			}
			return list[i].id < list[j].id
		})
	}

	root := content.EmptyDoc()
	visited := make(map[string]bool)
	root.Content = buildChildren("", children, visited)
	return root
}

func buildChildren(parent string, children map[string][]*slot, visited map[string]bool) []content.Node {
	list := children[parent]
	if len(list) == 0 {
		return nil
	}
	nodes := make([]content.Node, 0, len(list))
	for _, s := range list {
		if visited[s.id] {
			continue
		}
		visited[s.id] = true
		n := content.Node{Type: s.typ, Attrs: s.attrs, Text: s.text, Marks: s.marks}
		n.Content = buildChildren(s.id, children, visited)
		nodes = append(nodes, n)
	}
	return nodes
}

// WriteContentTree replaces the fragment with root's children. Nodes with an id
// attribute keep it as their slot; other nodes get a slot derived from their path.
// Slots present before the write and absent from root are marked deleted.
func WriteContentTree(tx *ydoc.Txn, fragment string, root content.Node) error {
	if fragment == "" {
		fragment = DefaultFragment
	}
	prefix := fragment + "/"

	existing := make(map[string]bool)
	for _, key := range tx.Keys(prefix) {
		if slotID, _, ok := strings.Cut(strings.TrimPrefix(key, prefix), "/"); ok {
			existing[slotID] = true
		}
	}

	written := make(map[string]bool)
	if err := writeChildren(tx, prefix, "", "p", root.Content, written); err != nil {
		return err
	}
	for slotID := range existing {
		if written[slotID] {
			continue
		}
		if err := tx.Set(prefix+slotID+"/deleted", true); err != nil {
			return err
		}
	}
	return nil
}

func writeChildren(tx *ydoc.Txn, prefix, parent, path string, nodes []content.Node, written map[string]bool) error {
	for i, n := range nodes {
		childPath := path + "." + strconv.Itoa(i)
		slotID := n.ID()
		if slotID == "" || strings.Contains(slotID, "/") || written[slotID] {
			slotID = childPath
		}
		written[slotID] = true

		base := prefix + slotID + "/"
		fields := []struct {
			key   string
			value any
		}{
			{"parent", parent},
			{"pos", fmt.Sprintf("%08d", i)},
			{"type", n.Type},
			{"deleted", false},
		}
		for _, f := range fields {
			if err := tx.Set(base+f.key, f.value); err != nil {
				return err
			}
		}
		optional := []struct {
			key   string
			value any
			set   bool
		}{
			{"attrs", n.Attrs, len(n.Attrs) > 0},
			{"text", n.Text, n.Text != ""},
			{"marks", n.Marks, len(n.Marks) > 0},
		}
		for _, f := range optional {
			if err := setOrClear(tx, base+f.key, f.value, f.set); err != nil {
				return err
			}
		}
		if err := writeChildren(tx, prefix, slotID, childPath, n.Content, written); err != nil {
			return err
		}
	}
	return nil
}

// setOrClear writes value when set is true and otherwise clears a live register,
// so a reused slot does not keep fields of the node it held before.
func setOrClear(tx *ydoc.Txn, key string, value any, set bool) error {
	if set {
		return tx.Set(key, value)
	}
	if tx.Has(key) {
		return tx.Clear(key)
	}
	return nil
}
