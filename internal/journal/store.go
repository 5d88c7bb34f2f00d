package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	goeen_log "github.com/eencloud/goeen/log"
)

// Records are kept long enough to cover a settlement dispute window.
const recordTTL = 30 * 24 * time.Hour

// Record is one completed (or abandoned) terminal operation. Records whose
// document never closed are the input to manual reconciliation.
type Record struct {
	OperationID      string
	DocumentNr       string
	Intent           string
	State            string
	STAN             string
	RRN              string
	AmountAuthorized int64
	CurrencyCode     string
	DocClosed        bool
	FlowError        string
	CompletedAt      time.Time
}

// Store persists transaction records in a local badger database.
type Store struct {
	db     *badger.DB
	ctx    context.Context
	cancel context.CancelFunc
	logger *goeen_log.Logger
}

func NewStore(dir string, logger *goeen_log.Logger) (*Store, error) {
	if err := cleanupStaleLock(dir, logger); err != nil {
		logger.Warningf("Failed to cleanup potential stale lock: %v", err)
	}

	opts := badger.DefaultOptions(dir).
		WithValueLogFileSize(1 << 20).
		WithMemTableSize(8 << 20).
		WithNumMemtables(2).
		WithSyncWrites(true). // journal entries must survive a crash
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	store := &Store{
		db:     db,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}

	go store.maintenanceWorker()

	return store, nil
}

// Append writes one record. Keys order by completion time so iteration
// yields records oldest first.
func (s *Store) Append(rec Record) error {
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now()
	}
	key := fmt.Sprintf("txn_%d_%s", rec.CompletedAt.UnixNano(), rec.DocumentNr)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal journal record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store journal record: %w", err)
	}

	s.logger.Debugf("Journaled %s %s for document %s", rec.Intent, rec.State, rec.DocumentNr)
	return nil
}

// Unreconciled returns records whose document was never confirmed closed,
// oldest first, up to limit.
func (s *Store) Unreconciled(limit int) ([]Record, error) {
	var records []Record

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("txn_")
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(records) < limit; it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				continue
			}
			if !rec.DocClosed {
				records = append(records, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// Recent returns the most recently appended records, up to limit.
func (s *Store) Recent(limit int) ([]Record, error) {
	var records []Record

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts past the last txn_ key.
		for it.Seek([]byte("txn~")); it.ValidForPrefix([]byte("txn_")) && len(records) < limit; it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

func (s *Store) maintenanceWorker() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runMaintenance()
		}
	}
}

func (s *Store) runMaintenance() {
	s.cleanupByAge()

	if err := s.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
		s.logger.Errorf("Journal value log GC failed: %v", err)
	}
}

func (s *Store) cleanupByAge() {
	now := time.Now()
	var keysToDelete [][]byte

	if err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek([]byte("txn_")); it.ValidForPrefix([]byte("txn_")); it.Next() {
			var rec Record
			if it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &rec) }) == nil {
				if now.Sub(rec.CompletedAt) > recordTTL {
					keysToDelete = append(keysToDelete, it.Item().KeyCopy(nil))
				}
			}
		}
		return nil
	}); err != nil {
		s.logger.Errorf("Age cleanup scan failed: %v", err)
		return
	}

	if len(keysToDelete) > 0 {
		if err := s.db.Update(func(txn *badger.Txn) error {
			for _, key := range keysToDelete {
				if err := txn.Delete(key); err != nil {
					s.logger.Errorf("Failed to delete key: %v", err)
				}
			}
			return nil
		}); err != nil {
			s.logger.Errorf("Age cleanup delete failed: %v", err)
		} else {
			s.logger.Infof("Cleaned up %d journal records older than %v", len(keysToDelete), recordTTL)
		}
	}
}

func (s *Store) Close() error {
	s.cancel()
	return s.db.Close()
}

// cleanupStaleLock removes a badger lock file left behind by an ungraceful
// shutdown. Safe because only one bridge instance runs per data directory;
// if another process really holds it, Open fails anyway.
func cleanupStaleLock(dir string, logger *goeen_log.Logger) error {
	lockFile := filepath.Join(dir, "LOCK")

	if _, err := os.Stat(lockFile); os.IsNotExist(err) {
		return nil
	}

	logger.Infof("Found potential stale lock file, attempting cleanup: %s", lockFile)

	if err := os.Remove(lockFile); err != nil {
		return fmt.Errorf("failed to remove stale lock file: %w", err)
	}

	logger.Infof("Successfully removed stale lock file: %s", lockFile)
	return nil
}
