// Package boltstore persists typed records as JSON in a bbolt database.
package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	bolt "go.etcd.io/bbolt"
)

// Store is a typed key-value bucket.
type Store[T any] interface {
	Get(ctx context.Context, key string) (*T, error)
	Put(ctx context.Context, key string, value *T) error
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string, fn func(key string, value *T) error) error
}

var ErrNotFound = errdefs.ErrNotFound

// DB is one database file. Buckets opened from it share the handle.
type DB struct {
	db *bolt.DB
}

// Open opens or creates the database at path. Another daemon holding the
// file makes Open fail after a short wait instead of blocking forever.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:        5 * time.Second,
		NoFreelistSync: true,
		FreelistType:   bolt.FreelistMapType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db %s: %w", path, err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Bucket returns the store named name, creating the bucket if needed.
func Bucket[T any](d *DB, name string) (Store[T], error) {
	err := d.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", name, err)
	}
	return &boltBucket[T]{db: d.db, name: []byte(name)}, nil
}

type boltBucket[T any] struct {
	db   *bolt.DB
	name []byte
}

func (s *boltBucket[T]) bucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	b := tx.Bucket(s.name)
	if b == nil {
		return nil, fmt.Errorf("bucket %s not found", s.name)
	}
	return b, nil
}

func (s *boltBucket[T]) Get(_ context.Context, key string) (*T, error) {
	var value T
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("record %s: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, &value)
	})
	if err != nil {
		return nil, err
	}
	return &value, nil
}

func (s *boltBucket[T]) Put(_ context.Context, key string, value *T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *boltBucket[T]) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
}

func (s *boltBucket[T]) Scan(_ context.Context, prefix string, fn func(key string, value *T) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		p := []byte(prefix)
		c := b.Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var value T
			if err := json.Unmarshal(v, &value); err != nil {
				return fmt.Errorf("failed to unmarshal record %s: %w", k, err)
			}
			if err := fn(string(k), &value); err != nil {
				return err
			}
		}
		return nil
	})
}
