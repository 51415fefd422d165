package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"grimoire/collab/internal/collab"
	"grimoire/collab/internal/history"
	"grimoire/collab/internal/relay"
	"grimoire/collab/internal/store"
)

type fakeAuth map[string]string

func (f fakeAuth) Authenticate(ctx context.Context, token string) (collab.Principal, error) {
	userID, ok := f[token]
	if !ok {
		return collab.Principal{}, collab.ErrUnauthenticated
	}
	return collab.Principal{UserID: userID}, nil
}

func newTestServer(st *fakeStore) http.Handler {
	return newTestServerWith(New(st, &fakeReconciler{}, nil, nil, fakeJobLog{}, ""))
}

func newTestServerWith(svc *Service) http.Handler {
	return NewHTTPServer(svc, fakeAuth{"tok-1": "u1"}, "*").Handler()
}

func doRequest(t *testing.T, h http.Handler, path, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return rr, body
}

func TestHealthEndpoint(t *testing.T) {
	rr, body := doRequest(t, newTestServer(newFixtureStore()), "/api/health", "")
	if rr.Code != http.StatusOK || body["ok"] != true {
		t.Fatalf("health = %d %v", rr.Code, body)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("missing request id header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	st := newFixtureStore()
	rr, body := doRequest(t, newTestServer(st), "/api/ready", "")
	if rr.Code != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("ready = %d %v", rr.Code, body)
	}

	st.pingErr = errors.New("connection refused")
	rr, body = doRequest(t, newTestServer(st), "/api/ready", "")
	if rr.Code != http.StatusServiceUnavailable || body["ok"] != false {
		t.Fatalf("not ready = %d %v", rr.Code, body)
	}
}

func TestArtifactAccessEndpoint(t *testing.T) {
	h := newTestServer(newFixtureStore())

	tests := []struct {
		name  string
		path  string
		token string
		code  int
		level string
	}{
		{"owner", "/api/artifacts/art_1/access", "tok-1", http.StatusOK, "Coowner"},
		{"share", "/api/artifacts/art_2/access", "tok-1", http.StatusOK, "ReadWrite"},
		{"anonymous link access", "/api/artifacts/public/access", "", http.StatusOK, "ReadOnly"},
		{"missing artifact", "/api/artifacts/nope/access", "tok-1", http.StatusOK, "NoAccess"},
		{"bad token", "/api/artifacts/art_1/access", "forged", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, body := doRequest(t, h, tt.path, tt.token)
			if rr.Code != tt.code {
				t.Fatalf("status = %d, want %d (%v)", rr.Code, tt.code, body)
			}
			if tt.level != "" && body["accessLevel"] != tt.level {
				t.Fatalf("accessLevel = %v, want %s", body["accessLevel"], tt.level)
			}
		})
	}
}

func TestBacklinksEndpoint(t *testing.T) {
	st := newFixtureStore()
	blockID := "h1"
	via := "art_3"
	st.incoming = map[string][]store.ArtifactReference{
		"art_1": {{ID: "r1", ArtifactID: "art_2", ArtifactBlockID: "b1", TargetArtifactID: "art_1", TargetArtifactBlockID: &blockID, ReferenceTargetArtifactID: &via, ReferenceText: "Harbor"}},
	}
	h := newTestServer(st)

	rr, body := doRequest(t, h, "/api/artifacts/art_1/backlinks", "tok-1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d (%v)", rr.Code, body)
	}
	refs, _ := body["references"].([]any)
	if len(refs) != 1 {
		t.Fatalf("references = %v", body["references"])
	}
	ref := refs[0].(map[string]any)
	if ref["referenceText"] != "Harbor" || ref["targetArtifactBlockId"] != "h1" || ref["referenceTargetArtifactId"] != "art_3" {
		t.Fatalf("reference = %v", ref)
	}

	rr, _ = doRequest(t, h, "/api/artifacts/art_1/backlinks", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("anonymous backlinks status = %d, want 404", rr.Code)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	rr, body := doRequest(t, newTestServer(newFixtureStore()), "/api/search", "tok-1")
	if rr.Code != http.StatusBadRequest || body["code"] != "INVALID_QUERY" {
		t.Fatalf("search = %d %v", rr.Code, body)
	}
}

func TestFailedJobsRequireAuthentication(t *testing.T) {
	h := newTestServer(newFixtureStore())
	rr, _ := doRequest(t, h, "/api/relay/failed", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	rr, body := doRequest(t, h, "/api/relay/failed", "tok-1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d (%v)", rr.Code, body)
	}
}

func TestCompletedJobsEndpoint(t *testing.T) {
	jobs := fakeJobLog{completed: []relay.Entry{{StreamID: "5-0", Job: relay.NewJob("art_1", "u1", nil, []byte("x"))}}}
	h := newTestServerWith(New(newFixtureStore(), &fakeReconciler{}, nil, nil, jobs, ""))

	rr, _ := doRequest(t, h, "/api/relay/completed", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	rr, body := doRequest(t, h, "/api/relay/completed", "tok-1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d (%v)", rr.Code, body)
	}
	entries, _ := body["jobs"].([]any)
	if len(entries) != 1 {
		t.Fatalf("jobs = %v", body["jobs"])
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	archive := history.New(t.TempDir())
	commit, _, err := archive.Record("art_1", history.Snapshot{Title: "Harbor"}, "", "u1", "Update art_1")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	h := newTestServerWith(New(newFixtureStore(), &fakeReconciler{}, nil, archive, nil, ""))

	rr, body := doRequest(t, h, "/api/artifacts/art_1/history/"+commit.Hash, "tok-1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d (%v)", rr.Code, body)
	}
	snap, _ := body["snapshot"].(map[string]any)
	if snap["title"] != "Harbor" {
		t.Fatalf("snapshot = %v", body["snapshot"])
	}

	rr, body = doRequest(t, h, "/api/artifacts/art_1/history/fffffff", "tok-1")
	if rr.Code != http.StatusNotFound || body["code"] != "NOT_FOUND" {
		t.Fatalf("unknown hash = %d %v", rr.Code, body)
	}
	rr, _ = doRequest(t, h, "/api/artifacts/art_1/history/"+commit.Hash, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("anonymous snapshot status = %d, want 404", rr.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	rr, _ := doRequest(t, newTestServer(newFixtureStore()), "/api/artifacts/art_1/comments", "tok-1")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}
