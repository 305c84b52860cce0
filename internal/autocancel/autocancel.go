// Package autocancel tracks decrease orders that must be cancelled
// when their position fully closes.
package autocancel

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/lyonnee/gmx-synthetics/internal/model"
)

// ErrMaxTotalCallbackGasLimitExceeded guards against unbounded
// callback-gas griefing via many stacked auto-cancel orders on one
// position.
var ErrMaxTotalCallbackGasLimitExceeded = errors.New("max total callback gas limit exceeded")

// Registry maintains the set of auto-cancel order keys per position.
// Only LimitDecrease/StopLossDecrease orders are ever registered;
// other types are a no-op by construction at the call sites.
type Registry struct {
	mu      sync.RWMutex
	byPos   map[model.Key]map[model.Key]uint64 // positionKey -> orderKey -> callback gas limit
	ceiling uint64
}

// NewRegistry builds a registry with the given per-position callback
// gas ceiling.
func NewRegistry(maxTotalCallbackGasLimit uint64) *Registry {
	return &Registry{
		byPos:   make(map[model.Key]map[model.Key]uint64),
		ceiling: maxTotalCallbackGasLimit,
	}
}

// Register adds an order to the position's auto-cancel set.
func (r *Registry) Register(positionKey, orderKey model.Key, callbackGasLimit uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byPos[positionKey]
	if !ok {
		set = make(map[model.Key]uint64)
		r.byPos[positionKey] = set
	}
	set[orderKey] = callbackGasLimit
}

// Unregister removes an order from the position's set. Unknown keys
// are ignored.
func (r *Registry) Unregister(positionKey, orderKey model.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byPos[positionKey]
	if !ok {
		return
	}
	delete(set, orderKey)
	if len(set) == 0 {
		delete(r.byPos, positionKey)
	}
}

// ValidateGasBudget checks that registering an order with the given
// callback gas limit keeps the position's summed exposure under the
// ceiling. The order crossing the threshold fails; earlier ones do not.
func (r *Registry) ValidateGasBudget(positionKey model.Key, newCallbackGasLimit uint64) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := newCallbackGasLimit
	for _, limit := range r.byPos[positionKey] {
		total += limit
	}
	if total > r.ceiling {
		return fmt.Errorf("%w: total %d, ceiling %d", ErrMaxTotalCallbackGasLimitExceeded, total, r.ceiling)
	}
	return nil
}

// List returns the position's registered order keys in a stable order.
func (r *Registry) List(positionKey model.Key) []model.Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byPos[positionKey]
	keys := make([]model.Key, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Hex() < keys[j].Hex()
	})
	return keys
}

// Clear drops the whole set for a position, returning what was listed.
// The engine cancels each returned order individually so every
// auto-cancel fee payment is independently accounted.
func (r *Registry) Clear(positionKey model.Key) []model.Key {
	keys := r.List(positionKey)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byPos, positionKey)
	return keys
}
