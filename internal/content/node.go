// Package content models the structured document tree projected out of a replica.
package content

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Node types known to the editor schema.
const (
	TypeDoc            = "doc"
	TypeParagraph      = "paragraph"
	TypeHeading        = "heading"
	TypeBulletList     = "bulletList"
	TypeOrderedList    = "orderedList"
	TypeTaskList       = "taskList"
	TypeListItem       = "listItem"
	TypeTaskItem       = "taskItem"
	TypeBlockquote     = "blockquote"
	TypeCodeBlock      = "codeBlock"
	TypeCallout        = "callout"
	TypeTable          = "table"
	TypeTableRow       = "tableRow"
	TypeTableCell      = "tableCell"
	TypeTableHeader    = "tableHeader"
	TypeImage          = "image"
	TypeText           = "text"
	TypeHardBreak      = "hardBreak"
	TypeHorizontalRule = "horizontalRule"
	TypeReference      = "reference"
	TypeBlockReference = "blockReference"
)

// Attribute names with meaning outside the editor.
const (
	AttrID              = "id"
	AttrArtifactID      = "artifactId"
	AttrArtifactBlockID = "artifactBlockId"
	AttrArtifactDate    = "artifactDate"
	AttrReferenceText   = "referenceText"
)

var addressable = map[string]struct{}{
	TypeParagraph:      {},
	TypeHeading:        {},
	TypeListItem:       {},
	TypeTaskItem:       {},
	TypeBlockquote:     {},
	TypeCodeBlock:      {},
	TypeCallout:        {},
	TypeTable:          {},
	TypeTableRow:       {},
	TypeTableCell:      {},
	TypeTableHeader:    {},
	TypeImage:          {},
	TypeReference:      {},
	TypeBlockReference: {},
}

var inline = map[string]struct{}{
	TypeText:      {},
	TypeHardBreak: {},
	TypeReference: {},
}

// IsAddressable reports whether nodes of this type carry a stable identifier.
func IsAddressable(nodeType string) bool {
	_, ok := addressable[nodeType]
	return ok
}

// Node is one element of the content tree.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Mark is inline formatting on a text node.
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// EmptyDoc returns a document with no children.
func EmptyDoc() Node {
	return Node{Type: TypeDoc}
}

// Parse decodes a stored content tree. Empty input yields an empty document.
func Parse(raw []byte) (Node, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return EmptyDoc(), nil
	}
	var n Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return Node{}, fmt.Errorf("parse content: %w", err)
	}
	if n.Type == "" {
		n.Type = TypeDoc
	}
	return n, nil
}

// ID returns the node identifier, or "".
func (n Node) ID() string {
	return n.Attr(AttrID)
}

// Attr returns a string attribute, or "" when absent or not a string.
func (n Node) Attr(key string) string {
	if n.Attrs == nil {
		return ""
	}
	s, _ := n.Attrs[key].(string)
	return s
}

// Flatten maps identifier to node for every addressable node in the tree. The
// second return value counts addressable nodes that have no identifier. When an
// identifier repeats, the first node in document order wins.
func Flatten(root Node) (map[string]Node, int) {
	nodes := make(map[string]Node)
	missing := 0
	stack := []Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if IsAddressable(n.Type) {
			if id := n.ID(); id == "" {
				missing++
			} else if _, dup := nodes[id]; !dup {
				nodes[id] = n
			}
		}
		for i := len(n.Content) - 1; i >= 0; i-- {
			stack = append(stack, n.Content[i])
		}
	}
	return nodes, missing
}

// IDs returns the sorted identifiers in nodes.
func IDs(nodes map[string]Node) []string {
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
