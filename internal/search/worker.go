package search

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/Lens-Academy/lens-relay-server/internal/docstore"
	"github.com/Lens-Academy/lens-relay-server/internal/linkindex"
)

// Origin tags search-initiated store access; the search worker never
// writes to the store, but registering its subscription under an origin
// keeps the wiring uniform with the backlink indexer.
const Origin = "search-indexer"

const defaultQueueSize = 1000

// ErrQueueClosed is returned by RunWorker when the notification queue is
// closed. As with the backlink indexer, a dead worker means a stale index
// and is surfaced loudly by the caller instead of restarted in place.
var ErrQueueClosed = errors.New("search: notification queue closed")

type WorkerOptions struct {
	Debounce  time.Duration
	QueueSize int
	Logger    docstore.Logger
}

// Worker keeps the full-text index in sync with the document store. It
// shares the backlink indexer's debounce discipline: content edits are
// coalesced per document, folder listing changes apply immediately and are
// diffed against a cached uuid->title snapshot to catch renames and
// removals.
type Worker struct {
	store    *docstore.Store
	index    *Index
	resolver *linkindex.Resolver
	logger   docstore.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]time.Time

	queue chan string

	titleMu sync.Mutex
	titles  map[string]map[string]string // folderDocID -> uuid -> title
}

func NewWorker(store *docstore.Store, index *Index, resolver *linkindex.Resolver, opts WorkerOptions) *Worker {
	if opts.Debounce <= 0 {
		opts.Debounce = linkindex.DefaultDebounce
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Worker{
		store:    store,
		index:    index,
		resolver: resolver,
		logger:   opts.Logger,
		debounce: opts.Debounce,
		pending:  make(map[string]time.Time),
		queue:    make(chan string, opts.QueueSize),
		titles:   make(map[string]map[string]string),
	}
}

// OnDocumentUpdate records a change notification for docID, coalescing
// repeats while the document is already pending.
func (w *Worker) OnDocumentUpdate(docID string) {
	w.mu.Lock()
	_, already := w.pending[docID]
	w.pending[docID] = time.Now()
	w.mu.Unlock()
	if already {
		return
	}
	select {
	case w.queue <- docID:
	default:
		w.logger.Printf("search: queue full, dropping wake-up for %s", docID)
		w.mu.Lock()
		delete(w.pending, docID)
		w.mu.Unlock()
	}
}

// RunWorker consumes notifications until ctx is cancelled or the queue
// closes. Indexing failures are logged per document and skipped.
func (w *Worker) RunWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case docID, ok := <-w.queue:
			if !ok {
				return ErrQueueClosed
			}
			if err := w.process(ctx, docID); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.logger.Printf("search: indexing %s failed: %v", docID, err)
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, docID string) error {
	if _, isFolder := w.store.FolderContentUUIDs(docID); !isFolder {
		if err := w.waitQuiet(ctx, docID); err != nil {
			return err
		}
	}
	w.mu.Lock()
	delete(w.pending, docID)
	w.mu.Unlock()

	if _, isFolder := w.store.FolderContentUUIDs(docID); isFolder {
		w.processFolder(docID)
		return nil
	}
	return w.indexDocument(docID)
}

func (w *Worker) waitQuiet(ctx context.Context, docID string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.debounce):
		}
		w.mu.Lock()
		ts, ok := w.pending[docID]
		w.mu.Unlock()
		if !ok || time.Since(ts) >= w.debounce {
			return nil
		}
	}
}

// processFolder diffs the folder's current uuid->title listing against the
// cached snapshot: removed documents leave the index, added or retitled
// ones are re-indexed. The first observation of a folder indexes every
// loaded document it lists.
func (w *Worker) processFolder(folderDocID string) {
	relayID, _, ok := docstore.ParseDocID(folderDocID)
	if !ok {
		return
	}
	current := make(map[string]string)
	for path, fm := range w.store.Filemeta(folderDocID) {
		current[fm.ID] = titleFromPath(path)
	}

	w.titleMu.Lock()
	previous, seen := w.titles[folderDocID]
	w.titles[folderDocID] = current
	w.titleMu.Unlock()

	for uuid := range previous {
		if _, still := current[uuid]; !still {
			if err := w.index.Remove(docstore.JoinDocID(relayID, uuid)); err != nil {
				w.logger.Printf("search: removing %s: %v", uuid, err)
			}
		}
	}
	for uuid, title := range current {
		if seen {
			if old, had := previous[uuid]; had && old == title {
				continue
			}
		}
		contentID := docstore.JoinDocID(relayID, uuid)
		if !w.store.Exists(contentID) {
			continue
		}
		if err := w.indexDocument(contentID); err != nil {
			w.logger.Printf("search: indexing %s after folder change: %v", contentID, err)
		}
	}
}

func (w *Worker) indexDocument(docID string) error {
	_, uuid, ok := docstore.ParseDocID(docID)
	if !ok {
		return nil
	}
	body, _, err := w.store.Contents(docID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return w.index.Remove(docID)
		}
		return err
	}
	title := uuid
	folder := ""
	if path, found := w.resolver.PathForUUID(uuid); found {
		if info, ok := w.resolver.ResolvePath(path); ok {
			folder = info.FolderName
		}
		title = titleFromPath(path)
	}
	return w.index.Add(docID, title, folder, body)
}

// SeedAll indexes every loaded content document and snapshots every folder
// listing. Runs once at startup after the resolver has been rebuilt.
func (w *Worker) SeedAll() {
	indexed := 0
	for _, docID := range w.store.DocIDs() {
		if _, isFolder := w.store.FolderContentUUIDs(docID); isFolder {
			w.processFolder(docID)
			continue
		}
		if err := w.indexDocument(docID); err != nil {
			w.logger.Printf("search: seeding %s: %v", docID, err)
			continue
		}
		indexed++
	}
	w.logger.Printf("search: seeded index with %d documents", indexed)
}

// titleFromPath derives a document title from its listing path: the final
// segment with the leading slash and .md extension removed.
func titleFromPath(path string) string {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(path, "/"), ".md")
	if i := strings.LastIndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	return trimmed
}
