package linkindex

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/Lens-Academy/lens-relay-server/internal/docstore"
)

// Origin tags every store write the indexer makes, so its own update
// events can be suppressed and never feed back into the queue.
const Origin = "link-indexer"

const (
	// DefaultDebounce is how long a content document must sit quiet
	// before its links are indexed.
	DefaultDebounce = 2 * time.Second

	defaultQueueSize = 1000
)

// ErrQueueClosed is returned by RunWorker when the notification queue has
// been closed. Any non-nil return other than the context's own error means
// the indexer is dead and backlinks will go stale; callers are expected to
// surface that loudly rather than restart silently.
var ErrQueueClosed = errors.New("linkindex: notification queue closed")

// errNoChange aborts a store update that would not modify backlinks, so
// no-op reconciliations produce no revision bump and no event.
var errNoChange = errors.New("linkindex: no backlink changes")

type Options struct {
	Debounce  time.Duration
	QueueSize int
	Logger    docstore.Logger
}

// Indexer maintains the backlinks_v0 map on folder documents by scanning
// content documents for wikilinks. Notifications are debounced per
// document; folder documents are processed immediately.
type Indexer struct {
	store    *docstore.Store
	logger   docstore.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]time.Time

	queue chan string

	snapMu    sync.Mutex
	snapshots map[string]map[string]string // folderDocID -> uuid -> basename
}

func New(store *docstore.Store, opts Options) *Indexer {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Indexer{
		store:     store,
		logger:    opts.Logger,
		debounce:  opts.Debounce,
		pending:   make(map[string]time.Time),
		queue:     make(chan string, opts.QueueSize),
		snapshots: make(map[string]map[string]string),
	}
}

// OnDocumentUpdate records that docID changed. The first notification for
// an idle document enqueues a wake-up; further notifications before the
// worker picks it up only refresh the debounce timestamp. If the queue is
// full the wake-up is dropped and the document stays pending until another
// notification retries, so a burst cannot block the caller.
func (ix *Indexer) OnDocumentUpdate(docID string) {
	ix.mu.Lock()
	_, already := ix.pending[docID]
	ix.pending[docID] = time.Now()
	ix.mu.Unlock()
	if already {
		return
	}
	select {
	case ix.queue <- docID:
	default:
		ix.logger.Printf("linkindex: queue full, dropping wake-up for %s", docID)
		ix.mu.Lock()
		delete(ix.pending, docID)
		ix.mu.Unlock()
	}
}

// Pending reports how many documents are awaiting indexing.
func (ix *Indexer) Pending() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.pending)
}

// RunWorker consumes the notification queue until ctx is cancelled. It
// only returns on cancellation or queue closure; per-document failures
// are logged and skipped.
func (ix *Indexer) RunWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case docID, ok := <-ix.queue:
			if !ok {
				return ErrQueueClosed
			}
			if err := ix.process(ctx, docID); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				ix.logger.Printf("linkindex: indexing %s failed: %v", docID, err)
				ix.markIndexed(docID)
			}
		}
	}
}

func (ix *Indexer) process(ctx context.Context, docID string) error {
	if _, isFolder := ix.store.FolderContentUUIDs(docID); !isFolder {
		if err := ix.waitQuiet(ctx, docID); err != nil {
			return err
		}
	}

	// The document may have become a folder (or stopped being one) while
	// we slept, so classify again before acting.
	contentUUIDs, isFolder := ix.store.FolderContentUUIDs(docID)
	ix.markIndexed(docID)
	if isFolder {
		ix.processFolder(docID, contentUUIDs)
		return nil
	}
	return ix.IndexDocument(docID)
}

// waitQuiet sleeps until docID has gone a full debounce window without a
// new notification.
func (ix *Indexer) waitQuiet(ctx context.Context, docID string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ix.debounce):
		}
		ix.mu.Lock()
		ts, ok := ix.pending[docID]
		ix.mu.Unlock()
		if !ok || time.Since(ts) >= ix.debounce {
			return nil
		}
	}
}

func (ix *Indexer) markIndexed(docID string) {
	ix.mu.Lock()
	delete(ix.pending, docID)
	ix.mu.Unlock()
}

// processFolder handles a folder listing change. Renames rewrite wikilinks
// in the affected sources; when any rename was applied the folder's content
// documents are deliberately not re-queued, because the rewrites already
// notified them and a bulk re-queue could index a document before its
// rewrite lands. With no renames, every loaded content document is
// re-queued so moves and deletions reconcile.
func (ix *Indexer) processFolder(folderDocID string, contentUUIDs []string) {
	renamed := ix.applyRenames(folderDocID)
	if renamed {
		return
	}
	relayID, _, ok := docstore.ParseDocID(folderDocID)
	if !ok {
		return
	}
	for _, uuid := range contentUUIDs {
		contentID := docstore.JoinDocID(relayID, uuid)
		if ix.store.Exists(contentID) {
			ix.OnDocumentUpdate(contentID)
		}
	}
}

// IndexDocument scans one content document's wikilinks and reconciles the
// backlinks_v0 maps of every folder in its relay, adding the document as a
// source on newly linked targets and removing it from targets it no longer
// links to.
func (ix *Indexer) IndexDocument(docID string) error {
	relayID, sourceUUID, ok := docstore.ParseDocID(docID)
	if !ok {
		return fmt.Errorf("linkindex: malformed doc id %q", docID)
	}
	folderIDs := ix.store.FolderDocIDs(relayID)
	if len(folderIDs) == 0 {
		return fmt.Errorf("linkindex: no folder documents for relay %s", relayID)
	}
	contents, _, err := ix.store.Contents(docID)
	if err != nil {
		return err
	}
	names := ExtractWikilinks(contents)

	folders := make([]folderView, 0, len(folderIDs))
	for _, id := range folderIDs {
		folders = append(folders, newFolderView(ix.store, id))
	}

	// Group resolved targets by the folder that owns them. allTargets
	// spans folders: a target still linked via any folder must not be
	// treated as stale in another.
	newTargets := make(map[int]map[string]bool)
	allTargets := make(map[string]bool)
	for _, name := range names {
		uuid, fi, ok := resolveLink(name, folders)
		if !ok {
			continue
		}
		if newTargets[fi] == nil {
			newTargets[fi] = make(map[string]bool)
		}
		newTargets[fi][uuid] = true
		allTargets[uuid] = true
	}

	for fi, folderID := range folderIDs {
		err := ix.store.Update(folderID, Origin, func(d *docstore.Doc) error {
			if !reconcileBacklinks(d, sourceUUID, newTargets[fi], allTargets) {
				return errNoChange
			}
			return nil
		})
		if err != nil && !errors.Is(err, errNoChange) {
			return fmt.Errorf("linkindex: updating backlinks on %s: %w", folderID, err)
		}
	}
	return nil
}

// reconcileBacklinks applies the diff for one source document to one
// folder's backlinks map and reports whether anything changed.
func reconcileBacklinks(d *docstore.Doc, sourceUUID string, targets map[string]bool, allTargets map[string]bool) bool {
	changed := false
	for target := range targets {
		sources := d.Backlinks[target]
		if containsString(sources, sourceUUID) {
			continue
		}
		if d.Backlinks == nil {
			d.Backlinks = make(map[string][]string)
		}
		d.Backlinks[target] = append(sources, sourceUUID)
		changed = true
	}
	for target, sources := range d.Backlinks {
		if allTargets[target] || !containsString(sources, sourceUUID) {
			continue
		}
		pruned := sources[:0:0]
		for _, s := range sources {
			if s != sourceUUID {
				pruned = append(pruned, s)
			}
		}
		if len(pruned) == 0 {
			delete(d.Backlinks, target)
		} else {
			d.Backlinks[target] = pruned
		}
		changed = true
	}
	return changed
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ReindexAll walks every document in the store: folder listings seed the
// rename-detection snapshots, content documents are indexed synchronously.
// Used at startup to rebuild backlinks from scratch.
func (ix *Indexer) ReindexAll() {
	docIDs := ix.store.DocIDs()
	sort.Strings(docIDs)
	indexed, skipped := 0, 0
	for _, docID := range docIDs {
		if _, isFolder := ix.store.FolderContentUUIDs(docID); isFolder {
			ix.seedSnapshot(docID)
			continue
		}
		if _, _, ok := docstore.ParseDocID(docID); !ok {
			skipped++
			continue
		}
		if err := ix.IndexDocument(docID); err != nil {
			ix.logger.Printf("linkindex: reindex of %s failed: %v", docID, err)
			skipped++
			continue
		}
		indexed++
	}
	ix.logger.Printf("linkindex: full reindex complete, %d indexed, %d skipped", indexed, skipped)
}
