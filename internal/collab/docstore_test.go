package collab

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"grimoire/collab/internal/content"
	"grimoire/collab/internal/relay"
	"grimoire/collab/internal/snapshot"
	"grimoire/collab/internal/store"
	"grimoire/collab/internal/ydoc"
)

type fakeArtifacts struct {
	rows     map[string]store.Artifact
	saved    []store.ArtifactState
	getErr   error
	panicked bool
}

func (f *fakeArtifacts) GetArtifact(ctx context.Context, id string) (store.Artifact, error) {
	if f.getErr != nil {
		return store.Artifact{}, f.getErr
	}
	row, ok := f.rows[id]
	if !ok {
		return store.Artifact{}, sql.ErrNoRows
	}
	return row, nil
}

func (f *fakeArtifacts) SaveArtifactState(ctx context.Context, state store.ArtifactState) error {
	if f.panicked {
		panic("connection pool closed")
	}
	f.saved = append(f.saved, state)
	row := f.rows[state.ID]
	row.YBin = state.YBin
	f.rows[state.ID] = row
	return nil
}

type fakeQueue struct {
	jobs []relay.Job
	err  error
}

func (f *fakeQueue) Enqueue(ctx context.Context, job relay.Job) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.jobs = append(f.jobs, job)
	return true, nil
}

func replica(t *testing.T, title, text string) []byte {
	t.Helper()
	doc := ydoc.New(1)
	_, err := doc.Transact(func(tx *ydoc.Txn) error {
		if err := snapshot.WriteMeta(tx, snapshot.Meta{Title: title}); err != nil {
			return err
		}
		return snapshot.WriteContentTree(tx, snapshot.DefaultFragment, content.Node{Type: content.TypeDoc, Content: []content.Node{
			{Type: content.TypeParagraph, Attrs: map[string]any{"id": "p1"}, Content: []content.Node{
				{Type: content.TypeText, Text: text},
			}},
		}})
	})
	if err != nil {
		t.Fatalf("transact: %v", err)
	}
	return doc.Encode()
}

func TestFetch(t *testing.T) {
	artifacts := &fakeArtifacts{rows: map[string]store.Artifact{
		"art_1": {ID: "art_1", OwnerID: "u1"},
		"art_2": {ID: "art_2", OwnerID: "u1", YBin: []byte{1, 2, 3}},
	}}
	docs := NewDocumentStore(artifacts, &fakeQueue{}, "")
	ctx := context.Background()

	state, err := docs.Fetch(ctx, "art_1", owner)
	if err != nil || state == nil || len(state) != 0 {
		t.Fatalf("new artifact = %v, %v; want empty non-nil state", state, err)
	}
	state, err = docs.Fetch(ctx, "art_2", owner)
	if err != nil || string(state) != string([]byte{1, 2, 3}) {
		t.Fatalf("Fetch = %v, %v", state, err)
	}
	if state, err := docs.Fetch(ctx, "art_2", Principal{UserID: "u2"}); err != nil || state != nil {
		t.Fatalf("non-owner = %v, %v", state, err)
	}
	if state, err := docs.Fetch(ctx, "missing", owner); err != nil || state != nil {
		t.Fatalf("missing = %v, %v", state, err)
	}

	artifacts.getErr = errors.New("timeout")
	if _, err := docs.Fetch(ctx, "art_1", owner); err == nil {
		t.Fatal("expected lookup error")
	}
}

func TestStorePersistsDerivedStateAndEnqueues(t *testing.T) {
	prior := replica(t, "Old title", "old text")
	artifacts := &fakeArtifacts{rows: map[string]store.Artifact{
		"art_1": {ID: "art_1", OwnerID: "u1", YBin: prior},
	}}
	queue := &fakeQueue{}
	docs := NewDocumentStore(artifacts, queue, snapshot.DefaultFragment)

	merged := replica(t, "New title", "new text")
	if err := docs.Store(context.Background(), "art_1", owner, merged); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	if len(artifacts.saved) != 1 {
		t.Fatalf("saved %d states, want 1", len(artifacts.saved))
	}
	saved := artifacts.saved[0]
	if saved.Title != "New title" || saved.PlainText != "new text" || saved.Type != snapshot.DefaultType {
		t.Fatalf("unexpected derived state %+v", saved)
	}
	tree, err := content.Parse(saved.Content)
	if err != nil || len(tree.Content) != 1 || tree.Content[0].ID() != "p1" {
		t.Fatalf("content = %s, %v", saved.Content, err)
	}

	if len(queue.jobs) != 1 {
		t.Fatalf("enqueued %d jobs, want 1", len(queue.jobs))
	}
	oldState, newState, err := queue.jobs[0].States()
	if err != nil {
		t.Fatalf("States: %v", err)
	}
	if string(oldState) != string(prior) || string(newState) != string(merged) {
		t.Fatal("job does not carry the prior and merged states")
	}
	if queue.jobs[0].UserID != "u1" || queue.jobs[0].ArtifactID != "art_1" {
		t.Fatalf("job = %+v", queue.jobs[0])
	}

	if err := docs.Store(context.Background(), "art_1", owner, merged); err != nil {
		t.Fatalf("repeat Store failed: %v", err)
	}
	if len(artifacts.saved) != 1 || len(queue.jobs) != 1 {
		t.Fatal("unchanged state should not be saved or enqueued again")
	}
}

func TestStoreReturnsErrorsInsteadOfPanicking(t *testing.T) {
	artifacts := &fakeArtifacts{rows: map[string]store.Artifact{"art_1": {ID: "art_1", OwnerID: "u1"}}, panicked: true}
	docs := NewDocumentStore(artifacts, &fakeQueue{}, "")
	if err := docs.Store(context.Background(), "art_1", owner, replica(t, "t", "x")); err == nil {
		t.Fatal("expected recovered panic as error")
	}

	artifacts.panicked = false
	if err := docs.Store(context.Background(), "art_1", owner, []byte{0xff}); !errors.Is(err, ydoc.ErrCorruptUpdate) {
		t.Fatalf("corrupt state: %v", err)
	}
	if err := docs.Store(context.Background(), "missing", owner, replica(t, "t", "x")); err == nil {
		t.Fatal("expected error for missing artifact")
	}

	failingQueue := NewDocumentStore(artifacts, &fakeQueue{err: errors.New("redis down")}, "")
	if err := failingQueue.Store(context.Background(), "art_1", owner, replica(t, "t", "y")); err == nil {
		t.Fatal("expected enqueue error")
	}
}
