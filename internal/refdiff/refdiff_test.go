package refdiff

import (
	"errors"
	"testing"

	"grimoire/collab/internal/content"
)

func p(id, text string) content.Node {
	n := content.Node{Type: content.TypeParagraph, Content: []content.Node{{Type: content.TypeText, Text: text}}}
	if id != "" {
		n.Attrs = map[string]any{"id": id}
	}
	return n
}

func tree(nodes ...content.Node) content.Node {
	return content.Node{Type: content.TypeDoc, Content: nodes}
}

func TestDiff(t *testing.T) {
	tests := []struct {
		name string
		old  content.Node
		new  content.Node
		want map[string]Entry
	}{
		{
			name: "identical trees",
			old:  tree(p("b1", "same")),
			new:  tree(p("b1", "same")),
			want: map[string]Entry{},
		},
		{
			name: "text update",
			old:  tree(p("b1", "old text")),
			new:  tree(p("b1", "new text")),
			want: map[string]Entry{"b1": {Kind: Updated, OldText: "old text", NewText: "new text", ReferenceText: "new text"}},
		},
		{
			name: "added block",
			old:  tree(),
			new:  tree(p("b2", "fresh")),
			want: map[string]Entry{"b2": {Kind: Added, NewText: "fresh", ReferenceText: "fresh"}},
		},
		{
			name: "deleted block keeps old text",
			old:  tree(p("b3", "gone")),
			new:  tree(),
			want: map[string]Entry{"b3": {Kind: Deleted, OldText: "gone", ReferenceText: "gone"}},
		},
		{
			name: "type change with same text is ignored",
			old:  tree(p("b4", "x")),
			new:  tree(content.Node{Type: content.TypeHeading, Attrs: map[string]any{"id": "b4"}, Content: []content.Node{{Type: content.TypeText, Text: "x"}}}),
			want: map[string]Entry{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Diff(tt.old, tt.new)
			if len(got.Entries) != len(tt.want) {
				t.Fatalf("entries = %+v, want %+v", got.Entries, tt.want)
			}
			for id, want := range tt.want {
				if got.Entries[id] != want {
					t.Errorf("entry %s = %+v, want %+v", id, got.Entries[id], want)
				}
			}
		})
	}
}

func TestDiffSkipsUnaddressable(t *testing.T) {
	old := tree(p("", "no id"))
	updated := tree(p("", "changed"), p("b1", "kept"))

	res := Diff(old, updated)
	if res.Unaddressable != 2 {
		t.Fatalf("Unaddressable = %d, want 2", res.Unaddressable)
	}
	if len(res.Entries) != 1 || res.Entries["b1"].Kind != Added {
		t.Fatalf("unexpected entries %+v", res.Entries)
	}

	if _, err := DiffStrict(old, updated); !errors.Is(err, ErrMissingNodeID) {
		t.Fatalf("DiffStrict err = %v, want ErrMissingNodeID", err)
	}
	if _, err := DiffStrict(tree(p("a", "1")), tree(p("a", "2"))); err != nil {
		t.Fatalf("DiffStrict on addressable trees: %v", err)
	}
}

func TestResultIDsSorted(t *testing.T) {
	res := Diff(tree(), tree(p("c", "3"), p("a", "1"), p("b", "2")))
	ids := res.IDs()
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Fatalf("IDs() = %v", ids)
	}
}
