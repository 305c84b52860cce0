package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"

	"github.com/lyonnee/gmx-synthetics/internal/model"
)

// BadgerStore is a disk-backed Store implementation using BadgerDB.
// Each request kind gets its own key prefix within a shared database.
type BadgerStore[V any] struct {
	db     *badger.DB
	prefix []byte
}

// OpenBadger opens (or creates) the backing database at the given path.
func OpenBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // disable internal logging
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	return db, nil
}

// NewBadgerStore wraps db with a kind-specific prefix.
func NewBadgerStore[V any](db *badger.DB, kind model.RequestKind) *BadgerStore[V] {
	return &BadgerStore[V]{db: db, prefix: []byte(string(kind) + ":")}
}

func (s *BadgerStore[V]) storageKey(key model.Key) []byte {
	return append(append([]byte{}, s.prefix...), key.Bytes()...)
}

func (s *BadgerStore[V]) Set(key model.Key, value V) error {
	val, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding request %s: %w", key.Hex(), err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.storageKey(key), val)
	})
}

func (s *BadgerStore[V]) Get(key model.Key) (V, error) {
	var value V
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.storageKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &value)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		var zero V
		return zero, ErrEmptyRequest
	}
	if err != nil {
		var zero V
		return zero, fmt.Errorf("reading request %s: %w", key.Hex(), err)
	}
	return value, nil
}

func (s *BadgerStore[V]) Remove(key model.Key) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		sk := s.storageKey(key)
		if _, err := txn.Get(sk); err != nil {
			return err
		}
		return txn.Delete(sk)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrEmptyRequest
	}
	return err
}

func (s *BadgerStore[V]) Count() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = s.prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}
