// Package kvstore implements the KeyValueStore external interface against
// an embedded Badger database, the persistence layer Statistics and
// SessionPool rehydrate their state through on restart.
//
// Grounded on ManuGH-xg2g's BadgerStore (internal/v3/store/badger_store.go):
// same db.Update/db.View transaction shape, same "prefix scan via iterator"
// idiom for ListKeys.
package kvstore

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v4"
)

// Store is a KeyValueStore backed by an embedded Badger instance. One Store
// typically backs one crawler run's default key-value namespace.
type Store struct {
	db *badger.DB
}

// Open opens (creating if absent) a Badger database rooted at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// GetValue returns the value stored under key and whether the key exists at
// all. The content type passed to SetValue is not returned.
func (s *Store) GetValue(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(valueKey(key)))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = append([]byte(nil), val...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// SetValue writes value under key. contentType is currently advisory only
// (no separate metadata record) since every CORE consumer round-trips JSON.
func (s *Store) SetValue(ctx context.Context, key string, value []byte, contentType string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(valueKey(key)), value)
	})
}

// ListKeys returns up to limit keys in lexicographic order, starting after
// exclusiveStartKey (empty string lists from the beginning).
func (s *Store) ListKeys(ctx context.Context, exclusiveStartKey string, limit int) ([]string, error) {
	var keys []string
	prefix := []byte(keyPrefix)
	start := []byte(valueKey(exclusiveStartKey))

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			k := it.Item().KeyCopy(nil)
			if exclusiveStartKey != "" && string(k) <= string(start) {
				continue
			}
			keys = append(keys, string(k[len(prefix):]))
			if limit > 0 && len(keys) >= limit {
				break
			}
		}
		return nil
	})
	return keys, err
}

const keyPrefix = "kv:"

func valueKey(key string) string { return keyPrefix + key }
