package content

import (
	"strings"
	"testing"
)

func text(s string) Node {
	return Node{Type: TypeText, Text: s}
}

func para(id string, children ...Node) Node {
	n := Node{Type: TypeParagraph, Content: children}
	if id != "" {
		n.Attrs = map[string]any{AttrID: id}
	}
	return n
}

func ref(target, block, display string) Node {
	attrs := map[string]any{AttrArtifactID: target, AttrReferenceText: display}
	if block != "" {
		attrs[AttrArtifactBlockID] = block
	}
	return Node{Type: TypeReference, Attrs: attrs}
}

func doc(children ...Node) Node {
	return Node{Type: TypeDoc, Content: children}
}

func TestPlainText(t *testing.T) {
	tests := []struct {
		name     string
		input    Node
		expected string
	}{
		{"empty doc", EmptyDoc(), ""},
		{"single paragraph", para("p1", text("Hello "), text("world")), "Hello world"},
		{"reference text inline", para("p1", text("see "), ref("a2", "", "Plan")), "see Plan"},
		{"blocks separated", doc(para("p1", text("one")), para("p2", text("two"))), "one two"},
		{
			"nested list",
			doc(Node{Type: TypeBulletList, Content: []Node{
				{Type: TypeListItem, Attrs: map[string]any{AttrID: "li1"}, Content: []Node{para("", text("a"))}},
				{Type: TypeListItem, Attrs: map[string]any{AttrID: "li2"}, Content: []Node{para("", text("b"))}},
			}}),
			"a b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PlainText(tt.input); got != tt.expected {
				t.Errorf("PlainText() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestFlattenCountsMissingIDs(t *testing.T) {
	tree := doc(
		para("p1", text("x")),
		para("", text("no id")),
		para("p1", text("duplicate")),
		Node{Type: TypeHorizontalRule},
	)
	nodes, missing := Flatten(tree)
	if missing != 1 {
		t.Fatalf("missing = %d, want 1", missing)
	}
	if len(nodes) != 1 {
		t.Fatalf("nodes = %d, want 1", len(nodes))
	}
	if PlainText(nodes["p1"]) != "x" {
		t.Fatalf("first occurrence should win, got %q", PlainText(nodes["p1"]))
	}
}

func TestReferencesUseNearestAddressableAncestor(t *testing.T) {
	tree := doc(
		para("p1", text("see "), ref("a2", "", "Plan")),
		Node{Type: TypeBulletList, Content: []Node{
			{Type: TypeListItem, Attrs: map[string]any{AttrID: "li1"}, Content: []Node{
				para("", ref("a3", "b7", "Block text")),
			}},
		}},
		para("", ref("a4", "", "orphan")),
		para("p2", ref("", "", "no target")),
		para("p1", ref("a2", "", "Plan")),
		Node{Type: TypeBlockReference, Attrs: map[string]any{
			AttrID: "br1", AttrArtifactID: "a5", AttrArtifactBlockID: "b1", AttrReferenceText: "embedded",
		}},
	)

	refs := References(tree)
	if len(refs) != 3 {
		t.Fatalf("refs = %+v", refs)
	}
	if refs[0].BlockID != "p1" || refs[0].TargetID != "a2" || !refs[0].WholeDocument() {
		t.Errorf("unexpected first ref %+v", refs[0])
	}
	if refs[1].BlockID != "li1" || refs[1].TargetBlockID != "b7" || refs[1].WholeDocument() {
		t.Errorf("unexpected second ref %+v", refs[1])
	}
	if refs[2].BlockID != "br1" || refs[2].TargetID != "a5" {
		t.Errorf("unexpected block ref %+v", refs[2])
	}
}

func TestParse(t *testing.T) {
	n, err := Parse(nil)
	if err != nil || n.Type != TypeDoc {
		t.Fatalf("Parse(nil) = %+v, %v", n, err)
	}
	n, err = Parse([]byte(`{"type":"doc","content":[{"type":"paragraph","attrs":{"id":"p1"},"content":[{"type":"text","text":"hi"}]}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if n.Content[0].ID() != "p1" || PlainText(n) != "hi" {
		t.Fatalf("unexpected tree %+v", n)
	}
	if _, err := Parse([]byte(`{`)); err == nil {
		t.Fatal("expected error for invalid json")
	}
}

func TestRenderHTML(t *testing.T) {
	tests := []struct {
		name     string
		input    Node
		expected string
	}{
		{"paragraph", doc(para("p1", text("Hello world"))), "<p>Hello world</p>"},
		{"heading level", doc(Node{Type: TypeHeading, Attrs: map[string]any{"level": 2.0}, Content: []Node{text("Title")}}), "<h2>Title</h2>"},
		{"marks", doc(para("", Node{Type: TypeText, Text: "Bold", Marks: []Mark{{Type: "bold"}, {Type: "italic"}}})), "<strong><em>Bold</em></strong>"},
		{"escaping", doc(para("", text("<script>"))), "&lt;script&gt;"},
		{"reference", doc(para("", ref("a2", "", "Plan"))), `<a data-artifact="a2">Plan</a>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RenderHTML(tt.input)
			if !strings.Contains(got, tt.expected) {
				t.Errorf("RenderHTML() = %q, want to contain %q", got, tt.expected)
			}
		})
	}
}
