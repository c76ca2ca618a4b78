package mountsync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

var ErrConflict = errors.New("revision conflict")

type ConflictError struct {
	Path string
}

func (e *ConflictError) Error() string {
	if e.Path == "" {
		return "revision conflict"
	}
	return fmt.Sprintf("revision conflict for %s", e.Path)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// TreeEntry is one resolvable document path in the relay.
type TreeEntry struct {
	Path       string `json:"path"`
	UUID       string `json:"uuid"`
	DocID      string `json:"docId"`
	FolderName string `json:"folderName"`
}

type Event struct {
	EventID   string `json:"eventId"`
	DocID     string `json:"docId"`
	Origin    string `json:"origin"`
	Timestamp string `json:"timestamp"`
}

type EventFeed struct {
	Events     []Event `json:"events"`
	NextCursor string  `json:"nextCursor"`
}

type RemoteFile struct {
	Path     string `json:"path"`
	DocID    string `json:"docId"`
	UUID     string `json:"uuid"`
	Contents string `json:"contents"`
	Revision uint64 `json:"revision"`
}

type RemoteClient interface {
	ListTree(ctx context.Context, relayID string) ([]TreeEntry, error)
	ListEvents(ctx context.Context, relayID, cursor string, limit int) (EventFeed, error)
	ReadFile(ctx context.Context, relayID, path string) (RemoteFile, error)
	WriteFile(ctx context.Context, relayID, path, contents string, baseRevision uint64, conditional bool) (RemoteFile, error)
	DeleteFile(ctx context.Context, relayID, path string) error
}

type HTTPClient struct {
	baseURL    string
	token      string
	origin     string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewHTTPClient builds a client for the relay HTTP API. origin is sent as
// X-Relay-Origin on every mutation so events caused by this mount can be
// recognized (and skipped) when they come back through the event feed.
func NewHTTPClient(baseURL, token, origin string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if strings.TrimSpace(origin) == "" {
		origin = "mount"
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		origin:     strings.TrimSpace(origin),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// Origin returns the origin tag this client stamps on its writes.
func (c *HTTPClient) Origin() string {
	return c.origin
}

func (c *HTTPClient) ListTree(ctx context.Context, relayID string) ([]TreeEntry, error) {
	var out struct {
		Entries []TreeEntry `json:"entries"`
	}
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/relays/%s/tree", url.PathEscape(relayID)), nil, nil, &out)
	return out.Entries, err
}

func (c *HTTPClient) ListEvents(ctx context.Context, relayID, cursor string, limit int) (EventFeed, error) {
	q := url.Values{}
	if strings.TrimSpace(cursor) != "" {
		q.Set("cursor", strings.TrimSpace(cursor))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	var out EventFeed
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/relays/%s/events?%s", url.PathEscape(relayID), q.Encode()), nil, nil, &out)
	return out, err
}

func (c *HTTPClient) ReadFile(ctx context.Context, relayID, path string) (RemoteFile, error) {
	q := url.Values{}
	q.Set("path", path)
	var out RemoteFile
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/relays/%s/file?%s", url.PathEscape(relayID), q.Encode()), nil, nil, &out)
	return out, err
}

func (c *HTTPClient) WriteFile(ctx context.Context, relayID, path, contents string, baseRevision uint64, conditional bool) (RemoteFile, error) {
	q := url.Values{}
	q.Set("path", path)
	headers := map[string]string{
		"X-Relay-Origin": c.origin,
	}
	if conditional {
		headers["If-Match"] = strconv.FormatUint(baseRevision, 10)
	}
	body := map[string]any{"contents": contents}
	var out RemoteFile
	err := c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/v1/relays/%s/file?%s", url.PathEscape(relayID), q.Encode()), headers, body, &out)
	return out, err
}

func (c *HTTPClient) DeleteFile(ctx context.Context, relayID, path string) error {
	q := url.Values{}
	q.Set("path", path)
	headers := map[string]string{
		"X-Relay-Origin": c.origin,
	}
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/v1/relays/%s/file?%s", url.PathEscape(relayID), q.Encode()), headers, nil, nil)
}

func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if resp.StatusCode == http.StatusPreconditionFailed {
			return &ConflictError{Path: requestPath}
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

type SyncerOptions struct {
	RelayID    string
	RemoteRoot string // display-path prefix (folder name), empty for all folders
	LocalRoot  string
	StateFile  string
	Origin     string // must match the origin the client writes with
	Logger     Logger
}

type Logger interface {
	Printf(format string, args ...any)
}

// Syncer mirrors a relay's documents into a local directory and pushes
// local edits back. Sync is one-shot: push dirty local files first, then
// pull remote changes, preferring the incremental event feed over a full
// tree walk. A write conflict keeps the local content and marks the file
// dirty so the next push retries against the new remote revision.
type Syncer struct {
	client     RemoteClient
	relayID    string
	remoteRoot string
	localRoot  string
	stateFile  string
	origin     string
	logger     Logger
	state      mountState
	loaded     bool
}

type mountState struct {
	Files map[string]trackedFile `json:"files"`
	// EventsPrimed distinguishes "cursor resolved at an empty feed" from
	// "never resolved"; an empty cursor alone cannot tell the two apart.
	EventsPrimed bool   `json:"eventsPrimed,omitempty"`
	EventsCursor string `json:"eventsCursor,omitempty"`
}

type trackedFile struct {
	DocID    string `json:"docId"`
	Revision uint64 `json:"revision"`
	Hash     string `json:"hash"`
	Dirty    bool   `json:"dirty,omitempty"`
}

type localSnapshot struct {
	Contents string
	Hash     string
}

func NewSyncer(client RemoteClient, opts SyncerOptions) (*Syncer, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	relayID := strings.TrimSpace(opts.RelayID)
	if relayID == "" {
		return nil, fmt.Errorf("relay id is required")
	}
	localRootRaw := strings.TrimSpace(opts.LocalRoot)
	if localRootRaw == "" {
		return nil, fmt.Errorf("local root is required")
	}
	localRoot := filepath.Clean(localRootRaw)
	remoteRoot := strings.Trim(strings.TrimSpace(opts.RemoteRoot), "/")
	origin := strings.TrimSpace(opts.Origin)
	if origin == "" {
		origin = "mount"
	}
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(localRoot, ".lens-mount-state.json")
	}
	if err := os.MkdirAll(localRoot, 0o755); err != nil {
		return nil, err
	}
	return &Syncer{
		client:     client,
		relayID:    relayID,
		remoteRoot: remoteRoot,
		localRoot:  localRoot,
		stateFile:  stateFile,
		origin:     origin,
		logger:     opts.Logger,
		state: mountState{
			Files: map[string]trackedFile{},
		},
	}, nil
}

func (s *Syncer) SyncOnce(ctx context.Context) error {
	if err := s.loadState(); err != nil {
		return err
	}
	conflicted, err := s.pushLocal(ctx)
	if err != nil {
		return err
	}
	if err := s.pullRemote(ctx, conflicted); err != nil {
		return err
	}
	return s.saveState()
}

func (s *Syncer) pullRemote(ctx context.Context, conflicted map[string]struct{}) error {
	if s.state.EventsPrimed {
		nextCursor, err := s.pullRemoteIncremental(ctx, conflicted, s.state.EventsCursor)
		if err == nil {
			s.state.EventsCursor = nextCursor
			return nil
		}
		var httpErr *HTTPError
		if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
			return err
		}
		s.logf("event feed unavailable; falling back to full pull")
		s.state.EventsPrimed = false
		s.state.EventsCursor = ""
	}

	if err := s.pullRemoteFull(ctx, conflicted); err != nil {
		return err
	}
	cursor, err := s.resolveLatestEventCursor(ctx)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			// No event feed; every sync stays a full pull.
			return nil
		}
		return err
	}
	s.state.EventsPrimed = true
	s.state.EventsCursor = cursor
	return nil
}

func (s *Syncer) pullRemoteFull(ctx context.Context, conflicted map[string]struct{}) error {
	entries, err := s.client.ListTree(ctx, s.relayID)
	if err != nil {
		return err
	}
	remotePaths := map[string]struct{}{}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	for _, entry := range entries {
		if !s.underRoot(entry.Path) {
			continue
		}
		remotePaths[entry.Path] = struct{}{}
		file, err := s.client.ReadFile(ctx, s.relayID, entry.Path)
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
				// Listed but not loaded; nothing to mirror yet.
				continue
			}
			return err
		}
		if err := s.applyRemoteFile(entry.Path, file, conflicted); err != nil {
			return err
		}
	}

	statePaths := make([]string, 0, len(s.state.Files))
	for remotePath := range s.state.Files {
		statePaths = append(statePaths, remotePath)
	}
	sort.Strings(statePaths)
	for _, remotePath := range statePaths {
		if _, ok := remotePaths[remotePath]; ok {
			continue
		}
		if err := s.applyRemoteDelete(remotePath, conflicted); err != nil {
			return err
		}
	}
	return nil
}

// pullRemoteIncremental reads the event feed past the cursor, maps
// changed doc IDs back to display paths through the tree, and mirrors
// only the affected documents. Events originating from this mount's own
// writes are skipped.
func (s *Syncer) pullRemoteIncremental(ctx context.Context, conflicted map[string]struct{}, cursor string) (string, error) {
	changed := map[string]struct{}{}
	currentCursor := strings.TrimSpace(cursor)
	for {
		feed, err := s.client.ListEvents(ctx, s.relayID, currentCursor, 500)
		if err != nil {
			return cursor, err
		}
		for _, event := range feed.Events {
			if event.Origin != s.origin {
				changed[event.DocID] = struct{}{}
			}
		}
		if feed.NextCursor == "" || feed.NextCursor == currentCursor {
			break
		}
		currentCursor = feed.NextCursor
	}
	if len(changed) == 0 {
		if currentCursor == "" {
			currentCursor = cursor
		}
		return currentCursor, nil
	}

	entries, err := s.client.ListTree(ctx, s.relayID)
	if err != nil {
		return cursor, err
	}
	pathByDocID := make(map[string]string, len(entries))
	for _, entry := range entries {
		pathByDocID[entry.DocID] = entry.Path
	}

	changedDocIDs := make([]string, 0, len(changed))
	for docID := range changed {
		changedDocIDs = append(changedDocIDs, docID)
	}
	sort.Strings(changedDocIDs)
	for _, docID := range changedDocIDs {
		remotePath, listed := pathByDocID[docID]
		if !listed || !s.underRoot(remotePath) {
			if trackedPath, ok := s.trackedPathForDocID(docID); ok {
				if err := s.applyRemoteDelete(trackedPath, conflicted); err != nil {
					return cursor, err
				}
			}
			continue
		}
		file, err := s.client.ReadFile(ctx, s.relayID, remotePath)
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
				if err := s.applyRemoteDelete(remotePath, conflicted); err != nil {
					return cursor, err
				}
				continue
			}
			return cursor, err
		}
		if err := s.applyRemoteFile(remotePath, file, conflicted); err != nil {
			return cursor, err
		}
	}

	if currentCursor == "" {
		currentCursor = cursor
	}
	return currentCursor, nil
}

func (s *Syncer) trackedPathForDocID(docID string) (string, bool) {
	for remotePath, tracked := range s.state.Files {
		if tracked.DocID == docID {
			return remotePath, true
		}
	}
	return "", false
}

func (s *Syncer) resolveLatestEventCursor(ctx context.Context) (string, error) {
	cursor := ""
	for {
		feed, err := s.client.ListEvents(ctx, s.relayID, cursor, 1000)
		if err != nil {
			return "", err
		}
		if len(feed.Events) == 0 || feed.NextCursor == cursor {
			return feed.NextCursor, nil
		}
		cursor = feed.NextCursor
	}
}

func (s *Syncer) applyRemoteFile(remotePath string, file RemoteFile, conflicted map[string]struct{}) error {
	if _, skip := conflicted[remotePath]; skip {
		return nil
	}
	if tracked, ok := s.state.Files[remotePath]; ok && tracked.Dirty {
		return nil
	}
	localPath, err := s.localPathFor(remotePath)
	if err != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	remoteHash := hashString(file.Contents)
	shouldWrite := true
	if current, err := os.ReadFile(localPath); err == nil {
		if hashBytes(current) == remoteHash {
			shouldWrite = false
		}
	}
	if shouldWrite {
		if err := writeFileAtomic(localPath, []byte(file.Contents), 0o644); err != nil {
			return err
		}
	}
	s.state.Files[remotePath] = trackedFile{
		DocID:    file.DocID,
		Revision: file.Revision,
		Hash:     remoteHash,
		Dirty:    false,
	}
	return nil
}

func (s *Syncer) applyRemoteDelete(remotePath string, conflicted map[string]struct{}) error {
	if _, skip := conflicted[remotePath]; skip {
		return nil
	}
	tracked, ok := s.state.Files[remotePath]
	if !ok || tracked.Dirty {
		return nil
	}
	localPath, err := s.localPathFor(remotePath)
	if err != nil {
		delete(s.state.Files, remotePath)
		return nil
	}
	currentBytes, readErr := os.ReadFile(localPath)
	if readErr == nil && hashBytes(currentBytes) == tracked.Hash {
		_ = os.Remove(localPath)
	}
	delete(s.state.Files, remotePath)
	return nil
}

func (s *Syncer) pushLocal(ctx context.Context) (map[string]struct{}, error) {
	conflicted := map[string]struct{}{}
	localFiles, err := s.scanLocalFiles()
	if err != nil {
		return nil, err
	}

	localRemotePaths := make([]string, 0, len(localFiles))
	for remotePath := range localFiles {
		localRemotePaths = append(localRemotePaths, remotePath)
	}
	sort.Strings(localRemotePaths)

	for _, remotePath := range localRemotePaths {
		snapshot := localFiles[remotePath]
		tracked, exists := s.state.Files[remotePath]
		if exists && tracked.Hash == snapshot.Hash && !tracked.Dirty {
			continue
		}
		if exists && tracked.Dirty {
			remoteFile, readErr := s.client.ReadFile(ctx, s.relayID, remotePath)
			if readErr == nil && hashString(remoteFile.Contents) == snapshot.Hash {
				// Remote caught up to our content; the conflict resolved itself.
				s.state.Files[remotePath] = trackedFile{
					DocID:    remoteFile.DocID,
					Revision: remoteFile.Revision,
					Hash:     snapshot.Hash,
					Dirty:    false,
				}
				continue
			}
		}
		file, err := s.client.WriteFile(ctx, s.relayID, remotePath, snapshot.Contents, tracked.Revision, exists)
		if err != nil {
			if errors.Is(err, ErrConflict) {
				s.logf("conflict writing %s; keeping local content", remotePath)
				conflicted[remotePath] = struct{}{}
				remoteFile, readErr := s.client.ReadFile(ctx, s.relayID, remotePath)
				if readErr == nil {
					s.state.Files[remotePath] = trackedFile{
						DocID:    remoteFile.DocID,
						Revision: remoteFile.Revision,
						Hash:     snapshot.Hash,
						Dirty:    true,
					}
				} else {
					tracked.Hash = snapshot.Hash
					tracked.Dirty = true
					s.state.Files[remotePath] = tracked
				}
				continue
			}
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
				// Only documents listed in a folder are writable; a brand-new
				// local file stays local until the folder lists it.
				s.logf("path %s not listed in any folder; skipping push", remotePath)
				continue
			}
			return nil, err
		}
		s.state.Files[remotePath] = trackedFile{
			DocID:    file.DocID,
			Revision: file.Revision,
			Hash:     snapshot.Hash,
			Dirty:    false,
		}
	}

	statePaths := make([]string, 0, len(s.state.Files))
	for remotePath := range s.state.Files {
		statePaths = append(statePaths, remotePath)
	}
	sort.Strings(statePaths)

	for _, remotePath := range statePaths {
		if _, ok := localFiles[remotePath]; ok {
			continue
		}
		err := s.client.DeleteFile(ctx, s.relayID, remotePath)
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
				delete(s.state.Files, remotePath)
				continue
			}
			return nil, err
		}
		delete(s.state.Files, remotePath)
	}
	return conflicted, nil
}

func (s *Syncer) scanLocalFiles() (map[string]localSnapshot, error) {
	results := map[string]localSnapshot{}
	statePathAbs, err := filepath.Abs(s.stateFile)
	if err != nil {
		return nil, err
	}
	err = filepath.WalkDir(s.localRoot, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		absPath, err := filepath.Abs(path)
		if err == nil && absPath == statePathAbs {
			return nil
		}
		remotePath, err := s.remotePathFor(path)
		if err != nil {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		results[remotePath] = localSnapshot{
			Contents: string(data),
			Hash:     hashBytes(data),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Syncer) loadState() error {
	if s.loaded {
		return nil
	}
	s.loaded = true
	data, err := os.ReadFile(s.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.state.Files = map[string]trackedFile{}
			return nil
		}
		return err
	}
	var state mountState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Files == nil {
		state.Files = map[string]trackedFile{}
	}
	s.state = state
	return nil
}

func (s *Syncer) saveState() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(s.stateFile, data, 0o644)
}

func (s *Syncer) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

// underRoot reports whether a display path falls under the configured
// remote root prefix. An empty root matches everything.
func (s *Syncer) underRoot(remotePath string) bool {
	if s.remoteRoot == "" {
		return true
	}
	return remotePath == s.remoteRoot || strings.HasPrefix(remotePath, s.remoteRoot+"/")
}

func (s *Syncer) localPathFor(remotePath string) (string, error) {
	if !s.underRoot(remotePath) {
		return "", fmt.Errorf("remote path %s is outside root %s", remotePath, s.remoteRoot)
	}
	rel := remotePath
	if s.remoteRoot != "" {
		rel = strings.TrimPrefix(strings.TrimPrefix(remotePath, s.remoteRoot), "/")
	}
	if rel == "" {
		return "", fmt.Errorf("remote path %s cannot map to local root", remotePath)
	}
	return filepath.Join(s.localRoot, filepath.FromSlash(rel)), nil
}

func (s *Syncer) remotePathFor(localPath string) (string, error) {
	rel, err := filepath.Rel(s.localRoot, localPath)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return "", fmt.Errorf("local root is not a file")
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "../") || rel == ".." {
		return "", fmt.Errorf("path %s escapes local root", localPath)
	}
	if s.remoteRoot == "" {
		return rel, nil
	}
	return s.remoteRoot + "/" + rel, nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hashString(s string) string {
	return hashBytes([]byte(s))
}

func correlationID() string {
	return fmt.Sprintf("mount_%d", time.Now().UnixNano())
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
