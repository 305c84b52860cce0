// Package oracle abstracts the price feed the engine executes against.
package oracle

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/lyonnee/gmx-synthetics/internal/model"
)

// Price is a min/max priced quote for one token. Freshness is the
// caller's concern; feeds hand back whatever they last validated.
type Price struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// Mid returns the midpoint of the quote.
func (p Price) Mid() decimal.Decimal {
	return p.Min.Add(p.Max).Div(decimal.NewFromInt(2))
}

// PriceFeed resolves token prices at execution time.
type PriceFeed interface {
	GetPrice(token model.Address) (Price, error)
}

// StaticFeed is a fixed in-memory feed for tests and simulation.
type StaticFeed struct {
	mu     sync.RWMutex
	prices map[model.Address]Price
}

func NewStaticFeed() *StaticFeed {
	return &StaticFeed{prices: make(map[model.Address]Price)}
}

// Set pins a single price (min == max) for the token.
func (f *StaticFeed) Set(token model.Address, price decimal.Decimal) {
	f.SetSpread(token, price, price)
}

// SetSpread pins a min/max quote for the token.
func (f *StaticFeed) SetSpread(token model.Address, min, max decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[token] = Price{Min: min, Max: max}
}

func (f *StaticFeed) GetPrice(token model.Address) (Price, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[token]
	if !ok {
		return Price{}, fmt.Errorf("no price for token %s", token.Hex())
	}
	return p, nil
}
