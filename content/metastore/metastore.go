// Package metastore persists torrent metadata across node restarts
// using bbolt, the same embedded key/value store the teacher's modern
// backends use for anything that must survive a process restart.
// Without it, a node that restarts would have to re-hash every shard
// file from scratch before it could answer GET_FILE_METADATA again.
package metastore

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/content"
)

var bucketName = []byte("torrent_metadata")

// Store persists content.Metadata records keyed by their info_hash hex
// string.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("metastore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("metastore: init bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Put persists m, keyed by its info_hash.
func (s *Store) Put(m *content.Metadata) error {
	encoded, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("metastore: encode %s: %w", m.InfoHash, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(m.InfoHash.String()), encoded)
	})
}

// Get looks up previously persisted metadata by info_hash.
func (s *Store) Get(h content.InfoHash) (*content.Metadata, bool, error) {
	var m *content.Metadata
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketName).Get([]byte(h.String()))
		if raw == nil {
			return nil
		}
		m = &content.Metadata{}
		return json.Unmarshal(raw, m)
	})
	if err != nil {
		return nil, false, fmt.Errorf("metastore: get %s: %w", h, err)
	}
	return m, m != nil, nil
}

// All returns every persisted metadata record, used to repopulate a
// content.Registry at startup without re-scanning the filesystem.
func (s *Store) All() ([]*content.Metadata, error) {
	var out []*content.Metadata
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(_, raw []byte) error {
			m := &content.Metadata{}
			if err := json.Unmarshal(raw, m); err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error { return s.db.Close() }
