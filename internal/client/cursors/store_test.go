package cursors

import (
	"testing"

	"github.com/MarcoPoloResearchLab/nebula/internal/protocol"
)

func mustStore(testContext *testing.T) *Store {
	testContext.Helper()
	store, err := OpenInMemory()
	if err != nil {
		testContext.Fatalf("failed to open cursor store: %v", err)
	}
	testContext.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCursorsNeverRegress(testContext *testing.T) {
	store := mustStore(testContext)
	id := protocol.SynchronizerInput{Type: protocol.SynchronizerNodeUpdates, RootID: "root-1"}.Key()

	if cursor, err := store.Get(id); err != nil || cursor != protocol.ZeroRevision {
		testContext.Fatalf("expected zero cursor for unknown id, got %v (%v)", cursor, err)
	}
	if err := store.Set(id, 42); err != nil {
		testContext.Fatalf("set failed: %v", err)
	}
	if err := store.Set(id, 7); err != nil {
		testContext.Fatalf("set failed: %v", err)
	}
	if cursor, _ := store.Get(id); cursor != 42 {
		testContext.Fatalf("expected cursor to stay at 42, got %v", cursor)
	}

	if err := store.Set("users", 3); err != nil {
		testContext.Fatalf("set failed: %v", err)
	}
	all, err := store.All()
	if err != nil || len(all) != 2 || all["users"] != 3 || all[id] != 42 {
		testContext.Fatalf("unexpected cursors %v (%v)", all, err)
	}

	if err := store.Delete(id); err != nil {
		testContext.Fatalf("delete failed: %v", err)
	}
	if cursor, _ := store.Get(id); cursor != protocol.ZeroRevision {
		testContext.Fatalf("expected deleted cursor to read as zero, got %v", cursor)
	}
}

func TestCursorsSurviveReopen(testContext *testing.T) {
	path := testContext.TempDir()
	store, err := Open(path)
	if err != nil {
		testContext.Fatalf("failed to open store: %v", err)
	}
	if err := store.Set("collaborations", 11); err != nil {
		testContext.Fatalf("set failed: %v", err)
	}
	if err := store.Close(); err != nil {
		testContext.Fatalf("close failed: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		testContext.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()
	if cursor, _ := reopened.Get("collaborations"); cursor != 11 {
		testContext.Fatalf("expected persisted cursor 11, got %v", cursor)
	}
	if _, err := Open(""); err == nil {
		testContext.Fatalf("expected empty path to fail")
	}
}
