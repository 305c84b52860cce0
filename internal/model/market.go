package model

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Market describes a tradable market and its backing tokens.
type Market struct {
	MarketToken Address `json:"market_token"`
	IndexToken  Address `json:"index_token"`
	LongToken   Address `json:"long_token"`
	ShortToken  Address `json:"short_token"`
	Enabled     bool    `json:"enabled"`
}

// MarketState is the mutable pool accounting of a market. All amounts
// are token amounts, not USD.
type MarketState struct {
	PoolLongAmount  decimal.Decimal `json:"pool_long_amount"`
	PoolShortAmount decimal.Decimal `json:"pool_short_amount"`

	// Pending price-impact pool, in USD. Negative impact charges
	// accumulate here and fund later positive-impact rebates; the
	// backing tokens never leave the pool, so token-level liabilities
	// are fully captured by the pool amounts.
	ImpactPoolUsd decimal.Decimal `json:"impact_pool_usd"`

	// Open interest per side, in USD, driving position price impact.
	OpenInterestLongUsd  decimal.Decimal `json:"open_interest_long_usd"`
	OpenInterestShortUsd decimal.Decimal `json:"open_interest_short_usd"`

	MarketTokenSupply decimal.Decimal `json:"market_token_supply"`

	CumulativeBorrowingFactor decimal.Decimal `json:"cumulative_borrowing_factor"`
	LastAccrualAt             time.Time       `json:"last_accrual_at"`
	LastImpactDistributionAt  time.Time       `json:"last_impact_distribution_at"`
}

// Glv describes a GLV vault and its mutable share accounting.
type Glv struct {
	GlvToken Address `json:"glv_token"`

	Supply decimal.Decimal `json:"supply"`
	// Market tokens held by the vault, per market.
	MarketTokenBalances map[Address]decimal.Decimal `json:"market_token_balances"`
}

// MarketRegistry holds market definitions, their pool state, open
// positions and GLV vaults. Access is serialized behind a single lock;
// the lifecycle engine is the only writer.
type MarketRegistry struct {
	mu        sync.RWMutex
	markets   map[Address]*Market
	states    map[Address]*MarketState
	positions map[Key]*Position
	glvs      map[Address]*Glv
}

func NewMarketRegistry() *MarketRegistry {
	return &MarketRegistry{
		markets:   make(map[Address]*Market),
		states:    make(map[Address]*MarketState),
		positions: make(map[Key]*Position),
		glvs:      make(map[Address]*Glv),
	}
}

// AddMarket registers a market keyed by its market token address.
func (r *MarketRegistry) AddMarket(m Market) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mc := m
	r.markets[m.MarketToken] = &mc
	r.states[m.MarketToken] = &MarketState{
		PoolLongAmount:            decimal.Zero,
		PoolShortAmount:           decimal.Zero,
		ImpactPoolUsd:             decimal.Zero,
		OpenInterestLongUsd:       decimal.Zero,
		OpenInterestShortUsd:      decimal.Zero,
		MarketTokenSupply:         decimal.Zero,
		CumulativeBorrowingFactor: decimal.Zero,
	}
}

// AddGlv registers a GLV vault keyed by its share token address.
func (r *MarketRegistry) AddGlv(glvToken Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.glvs[glvToken] = &Glv{
		GlvToken:            glvToken,
		Supply:              decimal.Zero,
		MarketTokenBalances: make(map[Address]decimal.Decimal),
	}
}

// Market returns the market definition, or false when unknown.
func (r *MarketRegistry) Market(marketToken Address) (Market, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.markets[marketToken]
	if !ok {
		return Market{}, false
	}
	return *m, true
}

// State returns the live pool state for direct mutation by the engine.
// Callers must hold no other registry references while mutating.
func (r *MarketRegistry) State(marketToken Address) (*MarketState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[marketToken]
	return s, ok
}

// Glv returns the live GLV accounting for direct mutation by the engine.
func (r *MarketRegistry) Glv(glvToken Address) (*Glv, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.glvs[glvToken]
	return g, ok
}

// Position returns a copy of the stored position.
func (r *MarketRegistry) Position(key Key) (Position, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.positions[key]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// SetPosition stores the position under its derived key.
func (r *MarketRegistry) SetPosition(p Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pc := p
	r.positions[PositionKey(p.Account, p.Market, p.CollateralToken, p.IsLong)] = &pc
}

// RemovePosition deletes a fully closed position.
func (r *MarketRegistry) RemovePosition(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.positions, key)
}

// Liability sums the recorded claims a token's holders have against
// the custody vault: the pool amounts of every market backed by it.
func (r *MarketRegistry) Liability(token Address) decimal.Decimal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := decimal.Zero
	for mt, m := range r.markets {
		s := r.states[mt]
		if m.LongToken == token {
			total = total.Add(s.PoolLongAmount)
		}
		if m.ShortToken == token {
			total = total.Add(s.PoolShortAmount)
		}
	}
	return total
}

// ValidateSwapPath checks every hop references a known, enabled market.
// The returned error reports the offending index/address pair.
func (r *MarketRegistry) ValidateSwapPath(path []Address) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, mt := range path {
		m, ok := r.markets[mt]
		if !ok {
			return &InvalidSwapPathError{Index: i, Market: mt}
		}
		if !m.Enabled {
			return &UnsupportedMarketError{Market: mt}
		}
	}
	return nil
}

// InvalidSwapPathError reports a swap path hop that does not resolve to
// a known market.
type InvalidSwapPathError struct {
	Index  int
	Market Address
}

func (e *InvalidSwapPathError) Error() string {
	return fmt.Sprintf("invalid swap path: hop %d references unknown market %s", e.Index, e.Market.Hex())
}

// UnsupportedMarketError reports a market that exists but is disabled.
type UnsupportedMarketError struct {
	Market Address
}

func (e *UnsupportedMarketError) Error() string {
	return fmt.Sprintf("unsupported market %s", e.Market.Hex())
}
