package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Lens-Academy/lens-relay-server/internal/docstore"
	"github.com/Lens-Academy/lens-relay-server/internal/linkindex"
	"github.com/Lens-Academy/lens-relay-server/internal/search"
)

const (
	testSecret  = "test-secret"
	testRelayID = "3f6f2a6e-8d1c-4a6b-9d0e-5b1f2c3d4e5f"
	uuidFolder  = "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa"
	uuidNotes   = "11111111-1111-4111-8111-111111111111"
	uuidIdeas   = "22222222-2222-4222-8222-222222222222"
)

func testDocID(docUUID string) string {
	return docstore.JoinDocID(testRelayID, docUUID)
}

type fixture struct {
	server *Server
	store  *docstore.Store
}

func newFixture(t *testing.T, cfg ServerConfig) *fixture {
	t.Helper()
	store := docstore.NewStore()
	t.Cleanup(func() { store.Close() })

	err := store.Update(testDocID(uuidFolder), "test", func(d *docstore.Doc) error {
		d.Filemeta = map[string]docstore.FileMeta{
			"/Notes.md": {ID: uuidNotes, Type: "markdown"},
			"/Ideas.md": {ID: uuidIdeas, Type: "markdown"},
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seeding folder: %v", err)
	}
	if _, err := store.SetContents(testDocID(uuidNotes), "test", "See [[Ideas]] for more"); err != nil {
		t.Fatalf("seeding notes: %v", err)
	}
	if _, err := store.SetContents(testDocID(uuidIdeas), "test", "a list of ideas"); err != nil {
		t.Fatalf("seeding ideas: %v", err)
	}

	indexer := linkindex.New(store, linkindex.Options{})
	indexer.ReindexAll()
	resolver := linkindex.NewResolver(store, nil)
	resolver.Rebuild()
	searchIndex, err := search.OpenInMemory()
	if err != nil {
		t.Fatalf("opening search index: %v", err)
	}
	t.Cleanup(func() { searchIndex.Close() })
	worker := search.NewWorker(store, searchIndex, resolver, search.WorkerOptions{})
	worker.SeedAll()

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = testSecret
	}
	server := NewServerWithConfig(store, resolver, searchIndex, cfg)
	server.SetIndexer(indexer)
	return &fixture{server: server, store: store}
}

func (f *fixture) do(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encoding body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Correlation-Id", "corr-1")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func readToken(t *testing.T) string {
	return mustTestJWT(t, testSecret, testRelayID, "reader", []string{"docs:read", "index:read"}, time.Now().Add(time.Hour))
}

func writeToken(t *testing.T) string {
	return mustTestJWT(t, testSecret, testRelayID, "writer", []string{"docs:read", "docs:write", "index:read"}, time.Now().Add(time.Hour))
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	req := httptest.NewRequest(http.MethodGet, "/v1/relays/"+testRelayID+"/tree", nil)
	rec := httptest.NewRecorder()

	f.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestScopeAndRelayClaimsEnforced(t *testing.T) {
	f := newFixture(t, ServerConfig{})

	wrongRelay := mustTestJWT(t, testSecret, "00000000-0000-4000-8000-000000000000", "reader", []string{"docs:read"}, time.Now().Add(time.Hour))
	if rec := f.do(t, http.MethodGet, "/v1/relays/"+testRelayID+"/tree", wrongRelay, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("wrong relay: expected 403, got %d", rec.Code)
	}

	noScope := mustTestJWT(t, testSecret, testRelayID, "reader", []string{"docs:read"}, time.Now().Add(time.Hour))
	if rec := f.do(t, http.MethodGet, "/v1/relays/"+testRelayID+"/paths", noScope, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("missing scope: expected 403, got %d", rec.Code)
	}

	expired := mustTestJWT(t, testSecret, testRelayID, "reader", []string{"docs:read"}, time.Now().Add(-time.Hour))
	if rec := f.do(t, http.MethodGet, "/v1/relays/"+testRelayID+"/tree", expired, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expired token: expected 401, got %d", rec.Code)
	}

	wrongAud := mustTestJWTWithAudience(t, testSecret, testRelayID, "reader", []string{"docs:read"}, "someone-else", time.Now().Add(time.Hour))
	if rec := f.do(t, http.MethodGet, "/v1/relays/"+testRelayID+"/tree", wrongAud, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong audience: expected 401, got %d", rec.Code)
	}
}

func TestMissingCorrelationIDRejected(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	req := httptest.NewRequest(http.MethodGet, "/v1/relays/"+testRelayID+"/tree", nil)
	req.Header.Set("Authorization", "Bearer "+readToken(t))
	rec := httptest.NewRecorder()

	f.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHealthDegradesOnWorkerFailure(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	f.server.SetWorkerFailure(fmt.Errorf("backlink worker exited"))
	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "degraded") {
		t.Fatalf("body %q missing degraded status", rec.Body.String())
	}
}

func TestPathsResolveAndTree(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	token := readToken(t)

	rec := f.do(t, http.MethodGet, "/v1/relays/"+testRelayID+"/paths", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("paths: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var pathsResp struct {
		Paths []string `json:"paths"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &pathsResp); err != nil {
		t.Fatalf("decoding paths: %v", err)
	}
	if len(pathsResp.Paths) != 2 || pathsResp.Paths[0] != "Lens/Ideas.md" {
		t.Fatalf("unexpected paths: %v", pathsResp.Paths)
	}

	rec = f.do(t, http.MethodGet, "/v1/relays/"+testRelayID+"/resolve?path=Lens%2FNotes.md", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d", rec.Code)
	}
	var info docInfoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decoding resolve: %v", err)
	}
	if info.UUID != uuidNotes || info.FolderName != "Lens" || info.DocID != testDocID(uuidNotes) {
		t.Fatalf("unexpected doc info: %+v", info)
	}

	rec = f.do(t, http.MethodGet, "/v1/relays/"+testRelayID+"/resolve?path=Lens%2FNope.md", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("resolve miss: expected 404, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/v1/relays/"+testRelayID+"/tree", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("tree: expected 200, got %d", rec.Code)
	}
	var treeResp struct {
		Entries []docInfoResponse `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &treeResp); err != nil {
		t.Fatalf("decoding tree: %v", err)
	}
	if len(treeResp.Entries) != 2 {
		t.Fatalf("tree entries: %+v", treeResp.Entries)
	}
}

func TestBacklinksEndpoint(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	rec := f.do(t, http.MethodGet, "/v1/relays/"+testRelayID+"/docs/"+uuidIdeas+"/backlinks", readToken(t), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var resp struct {
		UUID        string            `json:"uuid"`
		Folders     []folderBacklinks `json:"folders"`
		SourcePaths []string          `json:"sourcePaths"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(resp.Folders) != 1 || len(resp.Folders[0].Sources) != 1 || resp.Folders[0].Sources[0] != uuidNotes {
		t.Fatalf("unexpected folders: %+v", resp.Folders)
	}
	if len(resp.SourcePaths) != 1 || resp.SourcePaths[0] != "Lens/Notes.md" {
		t.Fatalf("unexpected source paths: %v", resp.SourcePaths)
	}

	// A document nobody links to has an empty answer, not an error.
	rec = f.do(t, http.MethodGet, "/v1/relays/"+testRelayID+"/docs/"+uuidNotes+"/backlinks", readToken(t), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(resp.Folders) != 0 {
		t.Fatalf("expected no backlinks, got %+v", resp.Folders)
	}
}

func TestSearchEndpoint(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	rec := f.do(t, http.MethodGet, "/v1/relays/"+testRelayID+"/search?q=ideas", readToken(t), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var resp struct {
		Results []search.Result `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(resp.Results) == 0 {
		t.Fatalf("no search results: %s", rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/v1/relays/"+testRelayID+"/search?q=", readToken(t), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("blank query: expected 200, got %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Fatalf("blank query returned results: %+v", resp.Results)
	}
}

func TestFileLifecycleAndConflicts(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	token := writeToken(t)
	target := "/v1/relays/" + testRelayID + "/file?path=Lens%2FNotes.md"

	rec := f.do(t, http.MethodGet, target, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read: expected 200, got %d", rec.Code)
	}
	var file fileResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &file); err != nil {
		t.Fatalf("decoding read: %v", err)
	}
	if file.Contents != "See [[Ideas]] for more" || rec.Header().Get("ETag") == "" {
		t.Fatalf("unexpected read response: %+v", file)
	}

	// Conditional write with a stale revision is rejected.
	req := httptest.NewRequest(http.MethodPut, target, bytes.NewReader([]byte(`{"contents":"stale"}`)))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Correlation-Id", "corr-1")
	req.Header.Set("If-Match", `"999"`)
	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("stale write: expected 412, got %d", rec.Code)
	}

	// Matching revision succeeds and bumps the ETag.
	req = httptest.NewRequest(http.MethodPut, target, bytes.NewReader([]byte(`{"contents":"updated body"}`)))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Correlation-Id", "corr-1")
	req.Header.Set("If-Match", fmt.Sprintf("%d", file.Revision))
	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("write: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	contents, _, err := f.store.Contents(testDocID(uuidNotes))
	if err != nil || contents != "updated body" {
		t.Fatalf("store contents after write: (%q, %v)", contents, err)
	}

	rec = f.do(t, http.MethodDelete, target, token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
	if f.store.Exists(testDocID(uuidNotes)) {
		t.Fatal("document still loaded after delete")
	}

	// Writing requires docs:write.
	rec = f.do(t, http.MethodPut, target, readToken(t), map[string]string{"contents": "nope"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("read-only write: expected 403, got %d", rec.Code)
	}
}

func TestWriteCarriesClientOrigin(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	var origins []string
	f.store.Subscribe("", func(ev docstore.Event) { origins = append(origins, ev.Origin) })

	req := httptest.NewRequest(http.MethodPut, "/v1/relays/"+testRelayID+"/file?path=Lens%2FNotes.md", bytes.NewReader([]byte(`{"contents":"tagged"}`)))
	req.Header.Set("Authorization", "Bearer "+writeToken(t))
	req.Header.Set("X-Correlation-Id", "corr-1")
	req.Header.Set("X-Relay-Origin", "mount-7")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(origins) != 1 || origins[0] != "mount-7" {
		t.Fatalf("event origins %v, want [mount-7]", origins)
	}
}

func TestEventsEndpoint(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	rec := f.do(t, http.MethodGet, "/v1/relays/"+testRelayID+"/events", readToken(t), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Events     []docstore.Event `json:"events"`
		NextCursor string           `json:"nextCursor"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(resp.Events) == 0 || resp.NextCursor == "" {
		t.Fatalf("unexpected events response: %+v", resp)
	}

	// Paging from the latest cursor yields nothing new.
	rec = f.do(t, http.MethodGet, "/v1/relays/"+testRelayID+"/events?cursor="+resp.NextCursor, readToken(t), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(resp.Events) != 0 {
		t.Fatalf("expected empty tail, got %+v", resp.Events)
	}
}

func TestRateLimiting(t *testing.T) {
	f := newFixture(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	token := readToken(t)
	target := "/v1/relays/" + testRelayID + "/tree"

	for i := 0; i < 2; i++ {
		if rec := f.do(t, http.MethodGet, target, token, nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := f.do(t, http.MethodGet, target, token, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
}

func TestDashboardRenders(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Lens Relay Index") || !strings.Contains(body, "Resolved paths") {
		t.Fatalf("dashboard body missing expected sections")
	}
}

func mustTestJWT(t *testing.T, secret, relayID, clientName string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, relayID, clientName, scopes, "lens-relay", exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, relayID, clientName string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{
		"alg": "HS256",
		"typ": "JWT",
	})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"relay_id":    relayID,
		"client_name": clientName,
		"scopes":      scopes,
		"exp":         exp.Unix(),
		"aud":         aud,
	})
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	h := base64.RawURLEncoding.EncodeToString(headerBytes)
	p := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signingInput := h + "." + p
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return signingInput + "." + sig
}
