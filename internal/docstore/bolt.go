package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/errors"
	"github.com/alexjbarnes/dash-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	boltDirPerm     = fs.FileMode(0o700)
	boltFilePerm    = fs.FileMode(0o600)
	boltOpenTimeout = 5 * time.Second
)

var recordsBucket = []byte("records")

// BoltBackend keeps records in an embedded bbolt database, one key per
// user in the records bucket.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string) (*BoltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), boltDirPerm); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := bolt.Open(path, boltFilePerm, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening record db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing record db: %w", err)
	}

	return &BoltBackend{db: db}, nil
}

// Put stores rec, replacing any previous record for the user.
func (b *BoltBackend) Put(_ context.Context, rec models.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put([]byte(rec.UserID), data)
	})
}

// Get returns the user's record.
func (b *BoltBackend) Get(_ context.Context, userID string) (*models.Record, error) {
	var rec *models.Record

	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(recordsBucket).Get([]byte(userID))
		if v == nil {
			return nil
		}

		rec = &models.Record{}

		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("reading record: %w", err)
	}

	if rec == nil {
		return nil, errors.ErrRecordNotFound
	}

	return rec, nil
}

// Close closes the database.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}
