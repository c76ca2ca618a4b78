package linkindex

import (
	"sort"

	"github.com/Lens-Academy/lens-relay-server/internal/docstore"
)

// RenameEvent records that the document with UUID changed basename within
// a folder listing.
type RenameEvent struct {
	UUID    string
	OldName string
	NewName string
}

// detectRenames compares a folder's current uuid->basename listing against
// the previously observed one and returns the renames, replacing the
// snapshot either way. The first observation of a folder only seeds the
// snapshot. Added and removed documents are not renames, and neither is a
// move between directories that keeps the basename.
func (ix *Indexer) detectRenames(folderDocID string) []RenameEvent {
	current := make(map[string]string)
	for path, fm := range ix.store.Filemeta(folderDocID) {
		current[fm.ID] = basename(path)
	}

	ix.snapMu.Lock()
	previous, seen := ix.snapshots[folderDocID]
	ix.snapshots[folderDocID] = current
	ix.snapMu.Unlock()
	if !seen {
		return nil
	}

	var events []RenameEvent
	for uuid, newName := range current {
		oldName, ok := previous[uuid]
		if ok && oldName != newName {
			events = append(events, RenameEvent{UUID: uuid, OldName: oldName, NewName: newName})
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].UUID < events[j].UUID })
	return events
}

// seedSnapshot records a folder's current listing without emitting rename
// events, so startup state is never mistaken for a batch of renames.
func (ix *Indexer) seedSnapshot(folderDocID string) {
	ix.detectRenames(folderDocID)
}

// applyRenames detects renames in the folder and rewrites wikilinks in
// every source document that links to a renamed target, preserving anchors
// and aliases. Rewrites go through the store tagged with the indexer's
// origin. Reports whether any rename was detected, even if no source
// needed rewriting.
func (ix *Indexer) applyRenames(folderDocID string) bool {
	events := ix.detectRenames(folderDocID)
	if len(events) == 0 {
		return false
	}
	relayID, _, ok := docstore.ParseDocID(folderDocID)
	if !ok {
		return true
	}
	for _, ev := range events {
		for _, sourceUUID := range ix.store.Backlinks(folderDocID, ev.UUID) {
			sourceID := docstore.JoinDocID(relayID, sourceUUID)
			contents, _, err := ix.store.Contents(sourceID)
			if err != nil {
				ix.logger.Printf("linkindex: rename %q -> %q: loading source %s: %v", ev.OldName, ev.NewName, sourceID, err)
				continue
			}
			updated, n := RewriteWikilinks(contents, ev.OldName, ev.NewName)
			if n == 0 {
				continue
			}
			if _, err := ix.store.SetContents(sourceID, Origin, updated); err != nil {
				ix.logger.Printf("linkindex: rename %q -> %q: writing source %s: %v", ev.OldName, ev.NewName, sourceID, err)
				continue
			}
			ix.logger.Printf("linkindex: rewrote %d link(s) in %s for rename %q -> %q", n, sourceID, ev.OldName, ev.NewName)
		}
	}
	return true
}
