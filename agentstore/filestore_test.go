package agentstore

import (
	"testing"
)

func TestFileStore(t *testing.T) {
	storeTestSuite(t, func(t *testing.T) Store {
		t.Helper()
		fs, err := NewFileStore(t.TempDir(), []byte("test master password"))
		if err != nil {
			t.Fatalf("NewFileStore() error: %v", err)
		}
		t.Cleanup(func() { fs.Close() })
		return fs
	})
}

func TestFileStoreListConnectionsReflectsDisk(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, []byte("test master password"))
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	defer fs.Close()

	a := newConnID(t)
	b := newConnID(t)
	if err := fs.CreateConnection(&Connection{ConnID: a}); err != nil {
		t.Fatalf("CreateConnection() error: %v", err)
	}
	if err := fs.CreateConnection(&Connection{ConnID: b}); err != nil {
		t.Fatalf("CreateConnection() error: %v", err)
	}

	ids, err := fs.ListConnections()
	if err != nil {
		t.Fatalf("ListConnections() error: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ListConnections() = %d ids, want 2", len(ids))
	}

	// A second FileStore instance over the same directory (simulating a
	// restart) must see the same connections without any in-memory state
	// carried over from the first.
	fs2, err := NewFileStore(dir, []byte("test master password"))
	if err != nil {
		t.Fatalf("NewFileStore() (reopen) error: %v", err)
	}
	defer fs2.Close()
	ids2, err := fs2.ListConnections()
	if err != nil {
		t.Fatalf("ListConnections() (reopen) error: %v", err)
	}
	if len(ids2) != 2 {
		t.Fatalf("ListConnections() (reopen) = %d ids, want 2", len(ids2))
	}
}
