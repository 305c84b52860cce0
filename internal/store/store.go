// Package store provides keyed persistence for in-flight requests.
package store

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/lyonnee/gmx-synthetics/internal/model"
)

// ErrEmptyRequest is returned when a key does not resolve to a stored
// request: never created, or already executed/cancelled. Keys are never
// reused, so a miss is terminal.
var ErrEmptyRequest = errors.New("empty request")

// Store is the narrow keyed persistence interface the lifecycle engine
// consumes. Read-modify-write goes through explicit Get/Set; values are
// stored by copy, never aliased.
type Store[V any] interface {
	Set(key model.Key, value V) error
	// Get returns ErrEmptyRequest when the key is absent.
	Get(key model.Key) (V, error)
	// Remove deletes the key, returning ErrEmptyRequest when absent.
	Remove(key model.Key) error
	Count() (int, error)
}

// KeySequence issues unique request keys from a monotonically
// increasing nonce: nextKey = keccak256(nonce, callerContext).
type KeySequence struct {
	mu    sync.Mutex
	nonce uint64
}

func NewKeySequence() *KeySequence {
	return &KeySequence{}
}

// Next returns the next key. The caller context (typically the account
// address) is folded into the hash so keys are unlinkable across callers.
func (s *KeySequence) Next(callerContext []byte) model.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonce++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], s.nonce)
	return crypto.Keccak256Hash(buf[:], callerContext)
}

// MemoryStore is the in-process Store implementation.
type MemoryStore[V any] struct {
	mu     sync.RWMutex
	values map[model.Key]V
}

func NewMemoryStore[V any]() *MemoryStore[V] {
	return &MemoryStore[V]{values: make(map[model.Key]V)}
}

func (s *MemoryStore[V]) Set(key model.Key, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore[V]) Get(key model.Key) (V, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		var zero V
		return zero, ErrEmptyRequest
	}
	return v, nil
}

func (s *MemoryStore[V]) Remove(key model.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return ErrEmptyRequest
	}
	delete(s.values, key)
	return nil
}

func (s *MemoryStore[V]) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values), nil
}
