package content

import (
	"strings"
)

// PlainText returns the visible text of n. Inline children are concatenated and
// block children are separated by a single space.
func PlainText(n Node) string {
	var b strings.Builder
	writeText(&b, n)
	return strings.TrimSpace(b.String())
}

func writeText(b *strings.Builder, n Node) {
	switch n.Type {
	case TypeText:
		b.WriteString(n.Text)
		return
	case TypeHardBreak:
		b.WriteString("\n")
		return
	case TypeReference:
		b.WriteString(n.Attr(AttrReferenceText))
		return
	}
	for _, child := range n.Content {
		if _, ok := inline[child.Type]; !ok && b.Len() > 0 {
			last := b.String()[b.Len()-1]
			if last != ' ' && last != '\n' {
				b.WriteByte(' ')
			}
		}
		writeText(b, child)
	}
}

// Reference is an outgoing link found in a content tree.
type Reference struct {
	BlockID       string
	TargetID      string
	TargetBlockID string
	TargetDate    string
	Text          string
}

// WholeDocument reports whether the reference points at an artifact rather than
// a block or a date inside it.
func (r Reference) WholeDocument() bool {
	return r.TargetBlockID == "" && r.TargetDate == ""
}

// References extracts the outgoing references of a tree. The source block of an
// inline reference is its nearest addressable ancestor; a block reference is its
// own source. References without a source block or target are skipped, and
// duplicates collapse.
func References(root Node) []Reference {
	var out []Reference
	seen := make(map[Reference]struct{})
	collectReferences(root, "", &out, seen)
	return out
}

func collectReferences(n Node, blockID string, out *[]Reference, seen map[Reference]struct{}) {
	switch n.Type {
	case TypeReference, TypeBlockReference:
		source := blockID
		if n.Type == TypeBlockReference && n.ID() != "" {
			source = n.ID()
		}
		ref := Reference{
			BlockID:       source,
			TargetID:      n.Attr(AttrArtifactID),
			TargetBlockID: n.Attr(AttrArtifactBlockID),
			TargetDate:    n.Attr(AttrArtifactDate),
			Text:          n.Attr(AttrReferenceText),
		}
		if ref.BlockID == "" || ref.TargetID == "" {
			return
		}
		if _, dup := seen[ref]; dup {
			return
		}
		seen[ref] = struct{}{}
		*out = append(*out, ref)
		return
	}

	if IsAddressable(n.Type) && n.ID() != "" {
		blockID = n.ID()
	}
	for _, child := range n.Content {
		collectReferences(child, blockID, out, seen)
	}
}
