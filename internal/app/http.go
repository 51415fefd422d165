package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"grimoire/collab/internal/collab"
	"grimoire/collab/internal/search"
	"grimoire/collab/internal/store"
)

// Authenticator resolves bearer tokens; collab.Gate satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (collab.Principal, error)
}

type HTTPServer struct {
	service    *Service
	auth       Authenticator
	corsOrigin string
}

func NewHTTPServer(service *Service, auth Authenticator, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, auth: auth, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	switch r.URL.Path {
	case "/api/health":
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	case "/api/ready":
		s.handleReady(w, r)
		return
	}

	userID, err := s.optionalUser(r)
	if err != nil {
		s.fail(w, err)
		return
	}

	parts := splitPath(r.URL.Path)
	switch {
	case len(parts) == 2 && parts[0] == "api" && parts[1] == "search":
		s.handleSearch(w, r, userID)
	case len(parts) == 3 && parts[0] == "api" && parts[1] == "relay" && parts[2] == "failed":
		if userID == "" {
			s.fail(w, collab.ErrUnauthenticated)
			return
		}
		entries, err := s.service.FailedJobs(r.Context(), userID, int64(queryInt(r, "limit", 50)))
		s.respond(w, map[string]any{"jobs": entries}, err)
	case len(parts) == 3 && parts[0] == "api" && parts[1] == "relay" && parts[2] == "completed":
		if userID == "" {
			s.fail(w, collab.ErrUnauthenticated)
			return
		}
		entries, err := s.service.CompletedJobs(r.Context(), userID, int64(queryInt(r, "limit", 50)))
		s.respond(w, map[string]any{"jobs": entries}, err)
	case len(parts) == 4 && parts[0] == "api" && parts[1] == "artifacts":
		s.handleArtifact(w, r, parts[2], parts[3], userID)
	case len(parts) == 5 && parts[0] == "api" && parts[1] == "artifacts" && parts[3] == "history":
		snap, err := s.service.Snapshot(r.Context(), parts[2], userID, parts[4])
		s.respond(w, map[string]any{"artifactId": parts[2], "hash": parts[4], "snapshot": snap}, err)
	case len(parts) == 4 && parts[0] == "api" && parts[1] == "collections" && parts[3] == "access":
		levels, err := s.service.CollectionAccess(r.Context(), parts[2], userID)
		s.respond(w, map[string]any{"collectionId": parts[2], "nodes": levels}, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleArtifact(w http.ResponseWriter, r *http.Request, artifactID, resource, userID string) {
	ctx := r.Context()
	switch resource {
	case "access":
		level, err := s.service.ArtifactAccess(ctx, artifactID, userID)
		s.respond(w, map[string]any{"artifactId": artifactID, "accessLevel": level}, err)
	case "backlinks":
		refs, err := s.service.Backlinks(ctx, artifactID, userID)
		s.respond(w, map[string]any{"references": referencesView(refs)}, err)
	case "references":
		refs, err := s.service.OutgoingReferences(ctx, artifactID, userID)
		s.respond(w, map[string]any{"references": referencesView(refs)}, err)
	case "history":
		commits, err := s.service.History(ctx, artifactID, userID, queryInt(r, "limit", 50))
		s.respond(w, map[string]any{"commits": commits}, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, userID string) {
	q := search.Query{
		Text:       strings.TrimSpace(r.URL.Query().Get("q")),
		FilterType: r.URL.Query().Get("type"),
		Limit:      queryInt(r, "limit", 20),
		Offset:     queryInt(r, "offset", 0),
	}
	if q.Text == "" {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "Query parameter q is required", nil)
		return
	}
	resp, err := s.service.Search(r.Context(), userID, q)
	s.respond(w, resp, err)
}

// optionalUser returns the authenticated user, or "" for anonymous requests. A
// token that does not authenticate is an error rather than anonymous access.
func (s *HTTPServer) optionalUser(r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" || s.auth == nil {
		return "", nil
	}
	principal, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		return "", err
	}
	return principal.UserID, nil
}

func (s *HTTPServer) respond(w http.ResponseWriter, payload any, err error) {
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("api: %v", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string, fallback int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

type referenceView struct {
	ID                        string  `json:"id"`
	ArtifactID                string  `json:"artifactId"`
	ArtifactBlockID           string  `json:"artifactBlockId"`
	TargetArtifactID          string  `json:"targetArtifactId"`
	TargetArtifactBlockID     *string `json:"targetArtifactBlockId"`
	TargetArtifactDate        *string `json:"targetArtifactDate"`
	ReferenceTargetArtifactID *string `json:"referenceTargetArtifactId"`
	ReferenceText             string  `json:"referenceText"`
	IsBroken                  bool    `json:"isBroken"`
	CreatedAt                 string  `json:"createdAt"`
}

func referencesView(refs []store.ArtifactReference) []referenceView {
	out := make([]referenceView, 0, len(refs))
	for _, ref := range refs {
		out = append(out, referenceView{
			ID:                        ref.ID,
			ArtifactID:                ref.ArtifactID,
			ArtifactBlockID:           ref.ArtifactBlockID,
			TargetArtifactID:          ref.TargetArtifactID,
			TargetArtifactBlockID:     ref.TargetArtifactBlockID,
			TargetArtifactDate:        ref.TargetArtifactDate,
			ReferenceTargetArtifactID: ref.ReferenceTargetArtifactID,
			ReferenceText:             ref.ReferenceText,
			IsBroken:                  ref.IsBroken,
			CreatedAt:                 ref.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}
