package docstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrRevisionConflict = errors.New("revision conflict")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidState     = errors.New("invalid state")
)

// ConflictError reports a revision-checked write that lost the race.
type ConflictError struct {
	DocID            string
	ExpectedRevision uint64
	CurrentRevision  uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revision conflict on %s: expected %d, current %d", e.DocID, e.ExpectedRevision, e.CurrentRevision)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrRevisionConflict
}

// FileMeta is the canonical form of one filemeta entry. The wire format
// allows two structurally-equivalent encodings (a nested object or a bare
// uuid string); both decode into this record at the boundary.
type FileMeta struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Version int    `json:"version"`
}

func (m *FileMeta) UnmarshalJSON(data []byte) error {
	var nested struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Version int    `json:"version"`
	}
	if err := json.Unmarshal(data, &nested); err == nil && nested.ID != "" {
		m.ID = nested.ID
		m.Type = nested.Type
		m.Version = nested.Version
		if m.Type == "" {
			m.Type = "markdown"
		}
		return nil
	}
	var flat string
	if err := json.Unmarshal(data, &flat); err == nil && flat != "" {
		m.ID = flat
		m.Type = "markdown"
		m.Version = 0
		return nil
	}
	return fmt.Errorf("%w: filemeta entry is neither an object with an id nor a uuid string", ErrInvalidInput)
}

// Doc is the mutable state of one loaded document. Content documents carry
// Contents; folder documents carry Filemeta and Backlinks. Update closures
// receive the live record under the store lock and must not retain it.
type Doc struct {
	Contents  string              `json:"contents,omitempty"`
	Revision  uint64              `json:"revision"`
	Filemeta  map[string]FileMeta `json:"filemeta_v0,omitempty"`
	Backlinks map[string][]string `json:"backlinks_v0,omitempty"`
}

// IsFolder reports whether the document acts as a folder doc. Folder
// classification is by non-empty filemeta; a folder with zero entries is
// indistinguishable from a content document.
func (d *Doc) IsFolder() bool {
	return d != nil && len(d.Filemeta) > 0
}

// Event records one store mutation. Subscribers whose origin matches the
// event origin do not receive it, which is what keeps indexer-originated
// writes from re-triggering the indexers.
type Event struct {
	EventID   string `json:"eventId"`
	DocID     string `json:"docId"`
	Origin    string `json:"origin"`
	Timestamp string `json:"timestamp"`
}

// Logger is the minimal logging surface accepted by this package.
type Logger interface {
	Printf(format string, args ...any)
}

type subscriber struct {
	origin  string
	handler func(Event)
}

type StoreOptions struct {
	StateBackend StateBackend
	MaxEvents    int
	Logger       Logger
}

// Store holds every loaded document, the bounded event feed, and the
// subscriber list. A single mutex covers all documents: index mutation is
// deliberately single-writer across folders (cross-folder backlink updates
// would otherwise need a global lock order anyway).
type Store struct {
	mu           sync.RWMutex
	docs         map[string]*Doc
	events       []Event
	eventCounter uint64
	maxEvents    int
	stateBackend StateBackend
	logger       Logger

	subMu sync.RWMutex
	subs  []subscriber
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	maxEvents := opts.MaxEvents
	if maxEvents <= 0 {
		maxEvents = 4096
	}
	s := &Store{
		docs:         map[string]*Doc{},
		maxEvents:    maxEvents,
		stateBackend: opts.StateBackend,
		logger:       opts.Logger,
	}
	if err := s.loadState(); err != nil {
		s.logf("failed to load persisted state: %v", err)
	}
	return s
}

// Subscribe registers a change handler under the given origin. Events whose
// origin equals the subscriber's origin are suppressed. Handlers run on the
// mutating goroutine after the store lock is released and must be fast and
// non-blocking.
func (s *Store) Subscribe(origin string, handler func(Event)) {
	if handler == nil {
		return
	}
	s.subMu.Lock()
	s.subs = append(s.subs, subscriber{origin: origin, handler: handler})
	s.subMu.Unlock()
}

// Update applies fn to the document under the store lock, bumps its
// revision, appends an event tagged with origin, and notifies subscribers.
// The document is created if absent.
func (s *Store) Update(docID, origin string, fn func(*Doc) error) error {
	if strings.TrimSpace(docID) == "" || fn == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	doc, ok := s.docs[docID]
	if !ok {
		doc = &Doc{}
		s.docs[docID] = doc
	}
	if err := fn(doc); err != nil {
		if !ok {
			delete(s.docs, docID)
		}
		s.mu.Unlock()
		return err
	}
	doc.Revision++
	event := s.appendEventLocked(docID, origin)
	s.saveLocked()
	s.mu.Unlock()

	s.dispatch(event)
	return nil
}

// SetContents replaces a content document's body unconditionally.
func (s *Store) SetContents(docID, origin, contents string) (uint64, error) {
	var rev uint64
	err := s.Update(docID, origin, func(d *Doc) error {
		d.Contents = contents
		rev = d.Revision + 1
		return nil
	})
	return rev, err
}

// SetContentsIfMatch replaces a content document's body only when the
// caller's revision matches. ifMatch 0 means "create or overwrite a doc
// that has never been written".
func (s *Store) SetContentsIfMatch(docID, origin, contents string, ifMatch uint64) (uint64, error) {
	var rev uint64
	err := s.Update(docID, origin, func(d *Doc) error {
		if d.Revision != ifMatch {
			return &ConflictError{DocID: docID, ExpectedRevision: ifMatch, CurrentRevision: d.Revision}
		}
		d.Contents = contents
		rev = d.Revision + 1
		return nil
	})
	return rev, err
}

// Delete removes a document entirely.
func (s *Store) Delete(docID, origin string) error {
	s.mu.Lock()
	if _, ok := s.docs[docID]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.docs, docID)
	event := s.appendEventLocked(docID, origin)
	s.saveLocked()
	s.mu.Unlock()

	s.dispatch(event)
	return nil
}

// Contents returns a content document's body and revision.
func (s *Store) Contents(docID string) (string, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[docID]
	if !ok {
		return "", 0, ErrNotFound
	}
	return doc.Contents, doc.Revision, nil
}

// Exists reports whether a document is loaded.
func (s *Store) Exists(docID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.docs[docID]
	return ok
}

// Filemeta returns a copy of a document's filemeta map. The map is empty
// (never nil) for documents without metadata.
func (s *Store) Filemeta(docID string) map[string]FileMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[docID]
	if !ok {
		return map[string]FileMeta{}
	}
	out := make(map[string]FileMeta, len(doc.Filemeta))
	for path, meta := range doc.Filemeta {
		out[path] = meta
	}
	return out
}

// FolderContentUUIDs reports whether docID is a folder doc and, if so,
// returns the content doc UUIDs it lists.
func (s *Store) FolderContentUUIDs(docID string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[docID]
	if !ok || !doc.IsFolder() {
		return nil, false
	}
	uuids := make([]string, 0, len(doc.Filemeta))
	for _, meta := range doc.Filemeta {
		if meta.ID != "" {
			uuids = append(uuids, meta.ID)
		}
	}
	sort.Strings(uuids)
	return uuids, true
}

// FolderDocIDs returns the IDs of all loaded folder docs, sorted for a
// deterministic folder order. An empty relayID matches every relay.
func (s *Store) FolderDocIDs(relayID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, 2)
	for docID, doc := range s.docs {
		if !doc.IsFolder() {
			continue
		}
		if relayID != "" && !strings.HasPrefix(docID, relayID+"-") {
			continue
		}
		ids = append(ids, docID)
	}
	sort.Strings(ids)
	return ids
}

// DocIDs returns every loaded document ID, sorted.
func (s *Store) DocIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.docs))
	for docID := range s.docs {
		ids = append(ids, docID)
	}
	sort.Strings(ids)
	return ids
}

// Backlinks returns a copy of the backlink list for target inside the
// given folder doc.
func (s *Store) Backlinks(folderDocID, targetUUID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[folderDocID]
	if !ok {
		return nil
	}
	return append([]string(nil), doc.Backlinks[targetUUID]...)
}

// BacklinksSnapshot returns a copy of a folder doc's whole backlink map.
func (s *Store) BacklinksSnapshot(folderDocID string) map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[folderDocID]
	if !ok {
		return map[string][]string{}
	}
	out := make(map[string][]string, len(doc.Backlinks))
	for target, sources := range doc.Backlinks {
		out[target] = append([]string(nil), sources...)
	}
	return out
}

// EventsSince returns up to limit events after the given cursor, plus the
// cursor for the next page. An empty cursor starts from the oldest
// retained event.
func (s *Store) EventsSince(cursor string, limit int) ([]Event, string) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	if cursor != "" {
		for i, ev := range s.events {
			if ev.EventID == cursor {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(s.events) {
		end = len(s.events)
	}
	page := append([]Event(nil), s.events[start:end]...)
	next := cursor
	if len(page) > 0 {
		next = page[len(page)-1].EventID
	}
	return page, next
}

// LatestEventCursor returns the ID of the most recent event, or "".
func (s *Store) LatestEventCursor() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return ""
	}
	return s.events[len(s.events)-1].EventID
}

func (s *Store) appendEventLocked(docID, origin string) Event {
	s.eventCounter++
	event := Event{
		EventID:   fmt.Sprintf("evt_%d", s.eventCounter),
		DocID:     docID,
		Origin:    origin,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	s.events = append(s.events, event)
	if len(s.events) > s.maxEvents {
		s.events = s.events[len(s.events)-s.maxEvents:]
	}
	return event
}

func (s *Store) dispatch(event Event) {
	s.subMu.RLock()
	subs := s.subs
	s.subMu.RUnlock()
	for _, sub := range subs {
		if sub.origin != "" && sub.origin == event.Origin {
			continue
		}
		sub.handler(event)
	}
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

type persistedState struct {
	RevCounter   uint64          `json:"revCounter,omitempty"`
	EventCounter uint64          `json:"eventCounter"`
	Docs         map[string]*Doc `json:"docs"`
}

func (s *Store) loadState() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if snapshot.Docs != nil {
		s.docs = snapshot.Docs
	}
	s.eventCounter = snapshot.EventCounter
	return nil
}

func (s *Store) saveLocked() {
	if s.stateBackend == nil {
		return
	}
	snapshot := &persistedState{
		EventCounter: s.eventCounter,
		Docs:         s.docs,
	}
	if err := s.stateBackend.Save(snapshot); err != nil {
		s.logf("failed to persist state: %v", err)
	}
}

// Close flushes state and releases the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	s.saveLocked()
	s.mu.Unlock()
	if closer, ok := s.stateBackend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}
