package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Lens-Academy/lens-relay-server/internal/docstore"
	"github.com/Lens-Academy/lens-relay-server/internal/linkindex"
	"github.com/Lens-Academy/lens-relay-server/internal/search"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	EventFeedLimit  int
}

type Server struct {
	store       *docstore.Store
	resolver    *linkindex.Resolver
	searchIndex *search.Index
	indexer     *linkindex.Indexer
	cfg         ServerConfig
	rateLimiter *rateLimiter

	healthMu  sync.RWMutex
	workerErr error
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *docstore.Store, resolver *linkindex.Resolver, searchIndex *search.Index) *Server {
	return NewServerWithConfig(store, resolver, searchIndex, ServerConfig{})
}

func NewServerWithConfig(store *docstore.Store, resolver *linkindex.Resolver, searchIndex *search.Index, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.EventFeedLimit <= 0 {
		cfg.EventFeedLimit = 100
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		resolver:    resolver,
		searchIndex: searchIndex,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

// SetIndexer attaches the backlink indexer so the dashboard can report
// its pending-queue depth. Optional; everything else works without it.
func (s *Server) SetIndexer(ix *linkindex.Indexer) {
	s.indexer = ix
}

// SetWorkerFailure records that a background indexing worker died. The
// health endpoint reports degraded from then on; the worker is not
// restarted because its in-memory state can no longer be trusted.
func (s *Server) SetWorkerFailure(err error) {
	s.healthMu.Lock()
	s.workerErr = err
	s.healthMu.Unlock()
}

func (s *Server) workerFailure() error {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	return s.workerErr
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		s.handleHealth(w, r)
		return
	}
	if r.URL.Path == "/dashboard" {
		s.handleDashboard(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "relays" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	relayID := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[3] == "paths" && r.Method == http.MethodGet:
		requiredScope = "index:read"
		route = "paths"
	case len(parts) == 4 && parts[3] == "resolve" && r.Method == http.MethodGet:
		requiredScope = "index:read"
		route = "resolve"
	case len(parts) == 6 && parts[3] == "docs" && parts[5] == "backlinks" && r.Method == http.MethodGet:
		requiredScope = "index:read"
		route = "backlinks"
	case len(parts) == 4 && parts[3] == "search" && r.Method == http.MethodGet:
		requiredScope = "index:read"
		route = "search"
	case len(parts) == 4 && parts[3] == "events" && r.Method == http.MethodGet:
		requiredScope = "docs:read"
		route = "events"
	case len(parts) == 5 && parts[3] == "events" && parts[4] == "stream" && r.Method == http.MethodGet:
		requiredScope = "docs:read"
		route = "events_stream"
	case len(parts) == 4 && parts[3] == "tree" && r.Method == http.MethodGet:
		requiredScope = "docs:read"
		route = "tree"
	case len(parts) == 4 && parts[3] == "file" && r.Method == http.MethodGet:
		requiredScope = "docs:read"
		route = "read_file"
	case len(parts) == 4 && parts[3] == "file" && r.Method == http.MethodPut:
		requiredScope = "docs:write"
		route = "write_file"
	case len(parts) == 4 && parts[3] == "file" && r.Method == http.MethodDelete:
		requiredScope = "docs:write"
		route = "delete_file"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, relayID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := relayID + "|" + claims.ClientName
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "paths":
		s.handlePaths(w, relayID, correlationID)
	case "resolve":
		s.handleResolve(w, r, relayID, correlationID)
	case "backlinks":
		s.handleBacklinks(w, relayID, parts[4], correlationID)
	case "search":
		s.handleSearch(w, r, correlationID)
	case "events":
		s.handleEvents(w, r, relayID, correlationID)
	case "events_stream":
		s.handleEventStream(w, r, relayID)
	case "tree":
		s.handleTree(w, relayID, correlationID)
	case "read_file":
		s.handleReadFile(w, r, relayID, correlationID)
	case "write_file":
		s.handleWriteFile(w, r, relayID, correlationID)
	case "delete_file":
		s.handleDeleteFile(w, r, relayID, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if err := s.workerFailure(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"reason": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePaths(w http.ResponseWriter, relayID, _ string) {
	paths := make([]string, 0)
	for _, path := range s.resolver.AllPaths() {
		if info, ok := s.resolver.ResolvePath(path); ok && info.RelayID == relayID {
			paths = append(paths, path)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"paths": paths})
}

type docInfoResponse struct {
	Path        string `json:"path"`
	UUID        string `json:"uuid"`
	RelayID     string `json:"relayId"`
	DocID       string `json:"docId"`
	FolderDocID string `json:"folderDocId"`
	FolderName  string `json:"folderName"`
}

func docInfoToResponse(path string, info linkindex.DocInfo) docInfoResponse {
	return docInfoResponse{
		Path:        path,
		UUID:        info.UUID,
		RelayID:     info.RelayID,
		DocID:       info.DocID,
		FolderDocID: info.FolderDocID,
		FolderName:  info.FolderName,
	}
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, relayID, correlationID string) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing path query", correlationID)
		return
	}
	info, ok := s.resolver.ResolvePath(path)
	if !ok || info.RelayID != relayID {
		writeError(w, http.StatusNotFound, "not_found", "path not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, docInfoToResponse(path, info))
}

type folderBacklinks struct {
	FolderDocID string   `json:"folderDocId"`
	Sources     []string `json:"sources"`
}

func (s *Server) handleBacklinks(w http.ResponseWriter, relayID, targetUUID, _ string) {
	folders := make([]folderBacklinks, 0)
	sourcePaths := make([]string, 0)
	seen := map[string]bool{}
	for _, folderID := range s.store.FolderDocIDs(relayID) {
		sources := s.store.Backlinks(folderID, targetUUID)
		if len(sources) == 0 {
			continue
		}
		folders = append(folders, folderBacklinks{FolderDocID: folderID, Sources: sources})
		for _, src := range sources {
			if seen[src] {
				continue
			}
			seen[src] = true
			if path, ok := s.resolver.PathForUUID(src); ok {
				sourcePaths = append(sourcePaths, path)
			}
		}
	}
	sort.Strings(sourcePaths)
	writeJSON(w, http.StatusOK, map[string]any{
		"uuid":        targetUUID,
		"folders":     folders,
		"sourcePaths": sourcePaths,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query().Get("q")
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 20, 1, 100)
	results, err := s.searchIndex.Search(query, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	if results == nil {
		results = []search.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, relayID, _ string) {
	cursor := r.URL.Query().Get("cursor")
	limit := parseBoundedInt(r.URL.Query().Get("limit"), s.cfg.EventFeedLimit, 1, s.cfg.EventFeedLimit)
	events, next := s.store.EventsSince(cursor, limit)
	filtered := make([]docstore.Event, 0, len(events))
	for _, ev := range events {
		if strings.HasPrefix(ev.DocID, relayID+"-") {
			filtered = append(filtered, ev)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":     filtered,
		"nextCursor": next,
	})
}

func (s *Server) handleTree(w http.ResponseWriter, relayID, _ string) {
	entries := make([]docInfoResponse, 0)
	for _, path := range s.resolver.AllPaths() {
		info, ok := s.resolver.ResolvePath(path)
		if !ok || info.RelayID != relayID {
			continue
		}
		entries = append(entries, docInfoToResponse(path, info))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type fileResponse struct {
	Path     string `json:"path"`
	DocID    string `json:"docId"`
	UUID     string `json:"uuid"`
	Contents string `json:"contents"`
	Revision uint64 `json:"revision"`
}

func (s *Server) resolveFilePath(w http.ResponseWriter, r *http.Request, relayID, correlationID string) (linkindex.DocInfo, string, bool) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing path query", correlationID)
		return linkindex.DocInfo{}, "", false
	}
	info, ok := s.resolver.ResolvePath(path)
	if !ok || info.RelayID != relayID {
		writeError(w, http.StatusNotFound, "not_found", "path not found", correlationID)
		return linkindex.DocInfo{}, "", false
	}
	return info, path, true
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request, relayID, correlationID string) {
	info, path, ok := s.resolveFilePath(w, r, relayID, correlationID)
	if !ok {
		return
	}
	contents, revision, err := s.store.Contents(info.DocID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "document not loaded", correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	w.Header().Set("ETag", strconv.FormatUint(revision, 10))
	writeJSON(w, http.StatusOK, fileResponse{
		Path:     path,
		DocID:    info.DocID,
		UUID:     info.UUID,
		Contents: contents,
		Revision: revision,
	})
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request, relayID, correlationID string) {
	info, path, ok := s.resolveFilePath(w, r, relayID, correlationID)
	if !ok {
		return
	}
	var req struct {
		Contents string `json:"contents"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	origin := writeOrigin(r)

	ifMatch := normalizeIfMatchHeader(r.Header.Get("If-Match"))
	var revision uint64
	var err error
	if ifMatch == "" {
		revision, err = s.store.SetContents(info.DocID, origin, req.Contents)
	} else {
		var expected uint64
		expected, err = strconv.ParseUint(ifMatch, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid If-Match header", correlationID)
			return
		}
		revision, err = s.store.SetContentsIfMatch(info.DocID, origin, req.Contents, expected)
	}
	if err != nil {
		var conflict *docstore.ConflictError
		if errors.As(err, &conflict) {
			w.Header().Set("ETag", strconv.FormatUint(conflict.CurrentRevision, 10))
			writeError(w, http.StatusPreconditionFailed, "revision_conflict", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	w.Header().Set("ETag", strconv.FormatUint(revision, 10))
	writeJSON(w, http.StatusOK, fileResponse{
		Path:     path,
		DocID:    info.DocID,
		UUID:     info.UUID,
		Contents: req.Contents,
		Revision: revision,
	})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request, relayID, correlationID string) {
	info, _, ok := s.resolveFilePath(w, r, relayID, correlationID)
	if !ok {
		return
	}
	if err := s.store.Delete(info.DocID, writeOrigin(r)); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "document not loaded", correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeOrigin derives the origin tag for a mutation from the X-Relay-Origin
// header. Clients that also subscribe to the event feed set their own
// origin so their writes do not echo back to them.
func writeOrigin(r *http.Request) string {
	origin := strings.TrimSpace(r.Header.Get("X-Relay-Origin"))
	if origin == "" {
		return "http"
	}
	return origin
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large", correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func normalizeIfMatchHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "W/") || strings.HasPrefix(value, "w/") {
		value = strings.TrimSpace(value[2:])
	}
	if len(value) >= 2 && strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"") {
		value = strings.TrimSpace(value[1 : len(value)-1])
	}
	return value
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return min
	}
	if parsed > max {
		return max
	}
	return parsed
}
