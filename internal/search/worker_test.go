package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Lens-Academy/lens-relay-server/internal/docstore"
	"github.com/Lens-Academy/lens-relay-server/internal/linkindex"
)

const (
	testRelayID = "3f6f2a6e-8d1c-4a6b-9d0e-5b1f2c3d4e5f"
	uuidFolder  = "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa"
	uuidNotes   = "11111111-1111-4111-8111-111111111111"
	uuidIdeas   = "22222222-2222-4222-8222-222222222222"
)

func testDocID(docUUID string) string {
	return docstore.JoinDocID(testRelayID, docUUID)
}

func setFilemeta(t *testing.T, store *docstore.Store, listing map[string]string) {
	t.Helper()
	err := store.Update(testDocID(uuidFolder), "test", func(d *docstore.Doc) error {
		d.Filemeta = make(map[string]docstore.FileMeta, len(listing))
		for path, uuid := range listing {
			d.Filemeta[path] = docstore.FileMeta{ID: uuid, Type: "markdown"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("setting filemeta: %v", err)
	}
}

func newWorkerFixture(t *testing.T) (*Worker, *docstore.Store, *Index) {
	t.Helper()
	store := docstore.NewStore()
	t.Cleanup(func() { store.Close() })
	setFilemeta(t, store, map[string]string{
		"/Notes.md": uuidNotes,
		"/Ideas.md": uuidIdeas,
	})
	if _, err := store.SetContents(testDocID(uuidNotes), "test", "the quarterly roadmap"); err != nil {
		t.Fatalf("SetContents: %v", err)
	}
	if _, err := store.SetContents(testDocID(uuidIdeas), "test", "garden planning"); err != nil {
		t.Fatalf("SetContents: %v", err)
	}

	index := newTestIndex(t)
	resolver := linkindex.NewResolver(store, nil)
	resolver.Rebuild()
	w := NewWorker(store, index, resolver, WorkerOptions{Debounce: 10 * time.Millisecond})
	return w, store, index
}

func TestSeedAllIndexesEveryDocument(t *testing.T) {
	w, _, index := newWorkerFixture(t)
	w.SeedAll()

	if n, err := index.Count(); err != nil || n != 2 {
		t.Fatalf("Count = (%d, %v), want (2, nil)", n, err)
	}
	results, err := index.Search("roadmap", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Title != "Notes" || results[0].Folder != "Lens" {
		t.Fatalf("unexpected result: %+v", results)
	}
}

func TestWorkerIndexesAfterDebounce(t *testing.T) {
	w, store, index := newWorkerFixture(t)
	w.SeedAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.RunWorker(ctx) }()

	if _, err := store.SetContents(testDocID(uuidNotes), "test", "rewritten with zeppelins"); err != nil {
		t.Fatalf("SetContents: %v", err)
	}
	w.OnDocumentUpdate(testDocID(uuidNotes))

	deadline := time.Now().Add(5 * time.Second)
	for {
		results, err := index.Search("zeppelins", 10)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(results) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("document never re-indexed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("worker exit: %v", err)
	}
}

func TestFolderDiffRemovesDelistedDocuments(t *testing.T) {
	w, store, index := newWorkerFixture(t)
	w.SeedAll()

	setFilemeta(t, store, map[string]string{
		"/Notes.md": uuidNotes,
	})
	w.processFolder(testDocID(uuidFolder))

	results, err := index.Search("garden", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("delisted document still indexed: %+v", results)
	}
	if n, _ := index.Count(); n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}
}

func TestWorkerReportsQueueClosure(t *testing.T) {
	w, _, _ := newWorkerFixture(t)
	done := make(chan error, 1)
	go func() { done <- w.RunWorker(context.Background()) }()

	close(w.queue)
	if err := <-done; !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("worker exit: %v", err)
	}
}
