package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/visionq/visionq/pkg/types"
)

var (
	bucketIngests = []byte("ingests")
)

// Ledger records bulk-ingest runs in a local BoltDB file so repeated
// dataset loads stay inspectable across restarts.
type Ledger struct {
	db *bolt.DB
}

// NewLedger opens (or creates) the ledger database under dataDir.
func NewLedger(dataDir string) (*Ledger, error) {
	dbPath := filepath.Join(dataDir, "visionq.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIngests)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Ledger{db: db}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordIngest upserts the ledger entry for a dataset.
func (l *Ledger) RecordIngest(rec *types.IngestRecord) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIngests)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Dataset), data)
	})
}

// GetIngest returns the ledger entry for a dataset.
func (l *Ledger) GetIngest(dataset string) (*types.IngestRecord, error) {
	var rec types.IngestRecord
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIngests)
		data := b.Get([]byte(dataset))
		if data == nil {
			return fmt.Errorf("dataset %q: %w", dataset, types.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListIngests returns every recorded ingest run.
func (l *Ledger) ListIngests() ([]*types.IngestRecord, error) {
	var recs []*types.IngestRecord
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIngests)
		return b.ForEach(func(k, v []byte) error {
			var rec types.IngestRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}
