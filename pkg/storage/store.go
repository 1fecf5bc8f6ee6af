// Package storage is a small generic JSON-document store over
// go.etcd.io/bbolt, shared by the coordinator (persisted topology) and
// the admin console (persisted KILL/WAKE history) — anywhere a
// component wants its in-memory state to survive a restart without
// inventing its own file format.
package storage

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Store is a bbolt database opened with a fixed set of buckets, each
// holding JSON-encoded values keyed by an arbitrary string.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the database at path, ensuring
// every named bucket exists.
func Open(path string, buckets ...string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Put upserts v, JSON-encoded, under key in bucket.
func (s *Store) Put(bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", bucket, key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("unknown bucket %s", bucket)
		}
		return b.Put([]byte(key), data)
	})
}

// Get decodes the value stored under key in bucket into out. It
// returns (false, nil) if the key is absent.
func (s *Store) Get(bucket, key string, out any) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("unknown bucket %s", bucket)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, out)
	})
	return found, err
}

// ForEach streams every (key, raw JSON value) pair in bucket, in key
// order, until fn returns an error or the bucket is exhausted.
func (s *Store) ForEach(bucket string, fn func(key string, raw []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("unknown bucket %s", bucket)
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}
