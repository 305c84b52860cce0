package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// Key uniquely identifies an in-flight request. Keys are keccak hashes
// produced by the store's nonce sequence and are never reused.
type Key = common.Hash

// Address identifies an account, token, market or contract.
type Address = common.Address

// RequestKind discriminates the request variants sharing the lifecycle.
type RequestKind string

const (
	KindOrder      RequestKind = "order"
	KindDeposit    RequestKind = "deposit"
	KindGlvDeposit RequestKind = "glv_deposit"
)

// OrderType enumerates the supported order flavours.
type OrderType int

const (
	OrderTypeMarketSwap OrderType = iota
	OrderTypeLimitSwap
	OrderTypeMarketIncrease
	OrderTypeLimitIncrease
	OrderTypeStopIncrease
	OrderTypeMarketDecrease
	OrderTypeLimitDecrease
	OrderTypeStopLossDecrease

	numOrderTypes
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarketSwap:
		return "MarketSwap"
	case OrderTypeLimitSwap:
		return "LimitSwap"
	case OrderTypeMarketIncrease:
		return "MarketIncrease"
	case OrderTypeLimitIncrease:
		return "LimitIncrease"
	case OrderTypeStopIncrease:
		return "StopIncrease"
	case OrderTypeMarketDecrease:
		return "MarketDecrease"
	case OrderTypeLimitDecrease:
		return "LimitDecrease"
	case OrderTypeStopLossDecrease:
		return "StopLossDecrease"
	default:
		return "Unknown"
	}
}

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	return t >= OrderTypeMarketSwap && t < numOrderTypes
}

// IsSwap reports whether the order settles as a pure token swap.
func (t OrderType) IsSwap() bool {
	return t == OrderTypeMarketSwap || t == OrderTypeLimitSwap
}

// IsIncrease reports whether the order opens or grows a position.
func (t OrderType) IsIncrease() bool {
	return t == OrderTypeMarketIncrease || t == OrderTypeLimitIncrease || t == OrderTypeStopIncrease
}

// IsDecrease reports whether the order shrinks or closes a position.
func (t OrderType) IsDecrease() bool {
	return t == OrderTypeMarketDecrease || t == OrderTypeLimitDecrease || t == OrderTypeStopLossDecrease
}

// IsMarket reports whether the order executes at the next available price.
func (t OrderType) IsMarket() bool {
	return t == OrderTypeMarketSwap || t == OrderTypeMarketIncrease || t == OrderTypeMarketDecrease
}

// IsTrigger reports whether execution is gated on a trigger price.
func (t OrderType) IsTrigger() bool {
	return t.Valid() && !t.IsMarket() && !t.IsSwap()
}

// IsAutoCancelable reports whether the order participates in the
// auto-cancel registry when its position fully closes.
func (t OrderType) IsAutoCancelable() bool {
	return t == OrderTypeLimitDecrease || t == OrderTypeStopLossDecrease
}

// RequestMeta carries the attributes common to all request kinds.
type RequestMeta struct {
	Account              Address         `json:"account"`
	Receiver             Address         `json:"receiver"`
	CancellationReceiver Address         `json:"cancellation_receiver"`
	CallbackContract     Address         `json:"callback_contract"`
	CallbackGasLimit     uint64          `json:"callback_gas_limit"`
	ExecutionFee         decimal.Decimal `json:"execution_fee"`
	CreatedAt            time.Time       `json:"created_at"`
	CreatedAtBlock       uint64          `json:"created_at_block"`
	IsFrozen             bool            `json:"is_frozen"`
	ShouldUnwrapNative   bool            `json:"should_unwrap_native"`
}

// RefundReceiver returns the address escrowed funds go back to on
// cancellation. Defaults to the account when unset.
func (m *RequestMeta) RefundReceiver() Address {
	if m.CancellationReceiver == (Address{}) {
		return m.Account
	}
	return m.CancellationReceiver
}

// Order is a pending swap/increase/decrease request.
type Order struct {
	RequestMeta

	Market                       Address         `json:"market"`
	Type                         OrderType       `json:"type"`
	InitialCollateralToken       Address         `json:"initial_collateral_token"`
	InitialCollateralDeltaAmount decimal.Decimal `json:"initial_collateral_delta_amount"`
	SwapPath                     []Address       `json:"swap_path"`
	SizeDeltaUsd                 decimal.Decimal `json:"size_delta_usd"`
	TriggerPrice                 decimal.Decimal `json:"trigger_price"`
	AcceptablePrice              decimal.Decimal `json:"acceptable_price"`
	MinOutputAmount              decimal.Decimal `json:"min_output_amount"`
	IsLong                       bool            `json:"is_long"`
	AutoCancel                   bool            `json:"auto_cancel"`
	ValidFromTime                time.Time       `json:"valid_from_time"`
}

// Deposit is a pending liquidity provision request for a single market.
type Deposit struct {
	RequestMeta

	Market                 Address         `json:"market"`
	InitialLongToken       Address         `json:"initial_long_token"`
	InitialLongTokenAmount decimal.Decimal `json:"initial_long_token_amount"`
	LongTokenSwapPath      []Address       `json:"long_token_swap_path"`

	InitialShortToken       Address         `json:"initial_short_token"`
	InitialShortTokenAmount decimal.Decimal `json:"initial_short_token_amount"`
	ShortTokenSwapPath      []Address       `json:"short_token_swap_path"`

	MinMarketTokens decimal.Decimal `json:"min_market_tokens"`
}

// GlvDeposit is a pending deposit into a GLV vault. Exactly one of the
// two funding modes is active: market tokens are provided directly, or
// underlying long/short tokens are provided and first minted into
// market tokens.
type GlvDeposit struct {
	RequestMeta

	Glv    Address `json:"glv"`
	Market Address `json:"market"`

	InitialLongToken        Address         `json:"initial_long_token"`
	InitialLongTokenAmount  decimal.Decimal `json:"initial_long_token_amount"`
	InitialShortToken       Address         `json:"initial_short_token"`
	InitialShortTokenAmount decimal.Decimal `json:"initial_short_token_amount"`
	LongTokenSwapPath       []Address       `json:"long_token_swap_path"`
	ShortTokenSwapPath      []Address       `json:"short_token_swap_path"`

	MarketTokenAmount    decimal.Decimal `json:"market_token_amount"`
	IsMarketTokenDeposit bool            `json:"is_market_token_deposit"`

	MinGlvTokens decimal.Decimal `json:"min_glv_tokens"`
}

// Position is an open perpetual position.
type Position struct {
	Account         Address         `json:"account"`
	Market          Address         `json:"market"`
	CollateralToken Address         `json:"collateral_token"`
	IsLong          bool            `json:"is_long"`
	SizeInUsd       decimal.Decimal `json:"size_in_usd"`
	SizeInTokens    decimal.Decimal `json:"size_in_tokens"`
	CollateralAmt   decimal.Decimal `json:"collateral_amount"`

	// Cumulative borrowing factor snapshot taken at the last size change.
	BorrowingFactor decimal.Decimal `json:"borrowing_factor"`

	IncreasedAt time.Time `json:"increased_at"`
	DecreasedAt time.Time `json:"decreased_at"`
}

// EntryPrice returns the average entry price of the position, zero when
// the position holds no tokens.
func (p *Position) EntryPrice() decimal.Decimal {
	if p.SizeInTokens.IsZero() {
		return decimal.Zero
	}
	return p.SizeInUsd.Div(p.SizeInTokens)
}

// PositionKey derives the deterministic key a position is stored under.
func PositionKey(account, market, collateralToken Address, isLong bool) Key {
	side := []byte{0}
	if isLong {
		side = []byte{1}
	}
	return crypto.Keccak256Hash(account.Bytes(), market.Bytes(), collateralToken.Bytes(), side)
}
