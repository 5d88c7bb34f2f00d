package journal

import (
	"os"
	"testing"
	"time"

	"github.com/eencloud/goeen/log"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	customFormat := "{{eenTimeStamp .Now}}[{{.Level}}]: {{.Message}}"
	customContext := log.NewContext(os.Stderr, customFormat, log.LevelError)
	logger := customContext.GetLogger("test", log.LevelError)

	store, err := NewStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	})
	return store
}

func TestStore_AppendAndRecent(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Add(-time.Minute)
	records := []Record{
		{OperationID: "op-1", DocumentNr: "1001", Intent: "purchase", State: "Approved", AmountAuthorized: 999, DocClosed: true, CompletedAt: base},
		{OperationID: "op-2", DocumentNr: "1002", Intent: "purchase", State: "Declined", AmountAuthorized: 6100, DocClosed: true, CompletedAt: base.Add(time.Second)},
		{OperationID: "op-3", DocumentNr: "1003", Intent: "refund", State: "Approved", AmountAuthorized: 500, DocClosed: false, CompletedAt: base.Add(2 * time.Second)},
	}
	for _, rec := range records {
		if err := store.Append(rec); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	recent, err := store.Recent(2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Expected 2 recent records, got %d", len(recent))
	}
	if recent[0].OperationID != "op-3" {
		t.Errorf("Expected newest record first, got %s", recent[0].OperationID)
	}
	if recent[1].OperationID != "op-2" {
		t.Errorf("Expected op-2 second, got %s", recent[1].OperationID)
	}
	t.Logf("✓ Recent returns newest records first")
}

func TestStore_Unreconciled(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Add(-time.Minute)
	closed := Record{OperationID: "op-1", DocumentNr: "1001", Intent: "purchase", State: "Approved", DocClosed: true, CompletedAt: base}
	open := Record{OperationID: "op-2", DocumentNr: "1002", Intent: "purchase", State: "Approved", DocClosed: false, FlowError: "CLOSEDOC for document 1002 not acknowledged after 5 attempts", CompletedAt: base.Add(time.Second)}

	if err := store.Append(closed); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := store.Append(open); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	pending, err := store.Unreconciled(10)
	if err != nil {
		t.Fatalf("Unreconciled failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected 1 unreconciled record, got %d", len(pending))
	}
	if pending[0].OperationID != "op-2" {
		t.Errorf("Expected op-2, got %s", pending[0].OperationID)
	}
	if pending[0].FlowError == "" {
		t.Error("Expected the close failure to be recorded")
	}
	t.Logf("✓ Unreconciled surfaces unclosed documents")
}

func TestStore_AppendSetsCompletedAt(t *testing.T) {
	store := newTestStore(t)

	if err := store.Append(Record{OperationID: "op-1", DocumentNr: "1001", DocClosed: true}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	recent, err := store.Recent(1)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(recent))
	}
	if recent[0].CompletedAt.IsZero() {
		t.Error("Expected CompletedAt to be filled in")
	}
}
