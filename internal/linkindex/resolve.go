package linkindex

import (
	"sort"
	"strings"

	"github.com/Lens-Academy/lens-relay-server/internal/docstore"
)

type pathEntry struct {
	path string
	uuid string
}

// folderView is a resolution-ready snapshot of one folder document's
// listing: its entries sorted lexicographically by path, so ambiguous
// basename matches resolve the same way on every run.
type folderView struct {
	docID   string
	entries []pathEntry
}

func newFolderView(store *docstore.Store, folderDocID string) folderView {
	meta := store.Filemeta(folderDocID)
	entries := make([]pathEntry, 0, len(meta))
	for path, fm := range meta {
		entries = append(entries, pathEntry{path: path, uuid: fm.ID})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })
	return folderView{docID: folderDocID, entries: entries}
}

// stripPath removes the leading "/" and trailing ".md" from a listing path,
// giving the form wikilinks use for full-path references.
func stripPath(path string) string {
	return strings.TrimSuffix(strings.TrimPrefix(path, "/"), ".md")
}

// basename returns the final segment of a listing path with the ".md"
// extension removed.
func basename(path string) string {
	stripped := stripPath(path)
	if i := strings.LastIndexByte(stripped, '/'); i >= 0 {
		return stripped[i+1:]
	}
	return stripped
}

// resolveLink maps a wikilink target name to a document uuid. Folders are
// tried in order; within a folder, an exact "/{name}.md" path wins over a
// case-insensitive full-path match, which wins over a case-insensitive
// basename match. The first folder producing any match ends the search.
func resolveLink(name string, folders []folderView) (uuid string, folderIdx int, ok bool) {
	for fi, folder := range folders {
		exact := "/" + name + ".md"
		for _, e := range folder.entries {
			if e.path == exact {
				return e.uuid, fi, true
			}
		}
		for _, e := range folder.entries {
			if strings.EqualFold(stripPath(e.path), name) {
				return e.uuid, fi, true
			}
		}
		for _, e := range folder.entries {
			if strings.EqualFold(basename(e.path), name) {
				return e.uuid, fi, true
			}
		}
	}
	return "", 0, false
}
