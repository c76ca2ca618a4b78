package linkindex

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Lens-Academy/lens-relay-server/internal/docstore"
)

// DefaultFolderNames are the display names given to folders by their
// position in sorted folder-document order when no names are configured.
var DefaultFolderNames = []string{"Lens", "Lens Edu"}

// DocInfo describes one document known to the resolver.
type DocInfo struct {
	UUID        string
	RelayID     string
	DocID       string
	FolderDocID string
	FolderName  string
}

// Resolver maintains a bidirectional mapping between display paths like
// "Lens/Notes/Foo.md" and document uuids, derived from folder listings.
// Lookups are exact; callers wanting fuzzy matching resolve through the
// link index instead.
type Resolver struct {
	store       *docstore.Store
	folderNames []string

	mu         sync.RWMutex
	pathToDoc  map[string]DocInfo
	uuidToPath map[string]string
}

func NewResolver(store *docstore.Store, folderNames []string) *Resolver {
	if len(folderNames) == 0 {
		folderNames = DefaultFolderNames
	}
	return &Resolver{
		store:       store,
		folderNames: folderNames,
		pathToDoc:   make(map[string]DocInfo),
		uuidToPath:  make(map[string]string),
	}
}

// FolderName returns the display name for the folder at the given position
// in sorted folder-document order.
func (r *Resolver) FolderName(idx int) string {
	if idx >= 0 && idx < len(r.folderNames) {
		return r.folderNames[idx]
	}
	return fmt.Sprintf("Folder %d", idx+1)
}

// Rebuild discards the mapping and re-derives it from every folder
// document in the store, in sorted order so folder display names are
// stable.
func (r *Resolver) Rebuild() {
	folderIDs := r.store.FolderDocIDs("")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pathToDoc = make(map[string]DocInfo)
	r.uuidToPath = make(map[string]string)
	for idx, folderDocID := range folderIDs {
		r.addFolderLocked(folderDocID, idx)
	}
}

// UpdateFolder re-derives the entries of a single folder after its listing
// changed, leaving other folders' entries alone.
func (r *Resolver) UpdateFolder(folderDocID string) {
	folderIDs := r.store.FolderDocIDs("")
	idx := -1
	for i, id := range folderIDs {
		if id == folderDocID {
			idx = i
			break
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for path, info := range r.pathToDoc {
		if info.FolderDocID == folderDocID {
			delete(r.pathToDoc, path)
			if r.uuidToPath[info.UUID] == path {
				delete(r.uuidToPath, info.UUID)
			}
		}
	}
	if idx >= 0 {
		r.addFolderLocked(folderDocID, idx)
	}
}

func (r *Resolver) addFolderLocked(folderDocID string, idx int) {
	relayID, _, ok := docstore.ParseDocID(folderDocID)
	if !ok {
		return
	}
	folderName := r.FolderName(idx)
	meta := r.store.Filemeta(folderDocID)
	paths := make([]string, 0, len(meta))
	for path := range meta {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		fm := meta[path]
		full := folderName + "/" + strings.TrimPrefix(path, "/")
		info := DocInfo{
			UUID:        fm.ID,
			RelayID:     relayID,
			DocID:       docstore.JoinDocID(relayID, fm.ID),
			FolderDocID: folderDocID,
			FolderName:  folderName,
		}
		r.pathToDoc[full] = info
		if _, taken := r.uuidToPath[fm.ID]; !taken {
			r.uuidToPath[fm.ID] = full
		}
	}
}

// ResolvePath looks up a document by its full display path.
func (r *Resolver) ResolvePath(path string) (DocInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.pathToDoc[path]
	return info, ok
}

// PathForUUID returns the display path of the document with the given
// uuid. When a uuid is listed in more than one folder, the first folder in
// sorted order wins.
func (r *Resolver) PathForUUID(uuid string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	path, ok := r.uuidToPath[uuid]
	return path, ok
}

// AllPaths returns every known display path, sorted.
func (r *Resolver) AllPaths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := make([]string, 0, len(r.pathToDoc))
	for path := range r.pathToDoc {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Len reports how many paths the resolver currently knows.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pathToDoc)
}
