// Package lifecycle implements the create/execute/cancel/freeze state
// machine shared by orders, deposits and GLV deposits.
//
// Every operation runs as an atomic unit under a single serializing
// lock: either every step (validation, transfers, persistence, events,
// fee payment) completes, or no state changes. Removal from the store
// is the commit point that guarantees at-most-once execution; all
// fallible validation runs before it, and the few settlement failures
// that can surface afterwards restore the request before returning.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lyonnee/gmx-synthetics/internal/autocancel"
	"github.com/lyonnee/gmx-synthetics/internal/callback"
	"github.com/lyonnee/gmx-synthetics/internal/events"
	"github.com/lyonnee/gmx-synthetics/internal/gasfee"
	"github.com/lyonnee/gmx-synthetics/internal/model"
	"github.com/lyonnee/gmx-synthetics/internal/oracle"
	"github.com/lyonnee/gmx-synthetics/internal/pricing"
	"github.com/lyonnee/gmx-synthetics/internal/store"
	"github.com/lyonnee/gmx-synthetics/internal/vault"
	"github.com/lyonnee/gmx-synthetics/pkg/metrics"
)

// Config holds the engine parameters.
type Config struct {
	// NativeToken is the wrapped native token execution fees are
	// denominated in.
	NativeToken model.Address

	// FeeReceiver collects protocol fees.
	FeeReceiver model.Address

	// MinRequestAge gates user-initiated cancellation.
	MinRequestAge time.Duration

	// MaxSwapPathLength bounds swap routing.
	MaxSwapPathLength int

	// MaxTotalCallbackGasLimit is the per-position auto-cancel ceiling.
	MaxTotalCallbackGasLimit uint64

	// CapExecutionFee enables fee capping with refund at creation.
	CapExecutionFee bool

	DepositFeeFactor  decimal.Decimal
	SwapFeeFactor     decimal.Decimal
	PositionFeeFactor decimal.Decimal

	// BorrowingFactorPerSecond accrues into the cumulative borrowing
	// factor charged against open positions.
	BorrowingFactorPerSecond decimal.Decimal

	// ImpactPoolDistributionPerSecond drains the pending impact pool,
	// in USD per second; drained value accrues to the pool's holders.
	ImpactPoolDistributionPerSecond decimal.Decimal

	Impact pricing.ImpactParams
}

// DefaultConfig returns production-shaped engine parameters.
func DefaultConfig() Config {
	return Config{
		MinRequestAge:                   5 * time.Minute,
		MaxSwapPathLength:               5,
		MaxTotalCallbackGasLimit:        2_000_000,
		CapExecutionFee:                 true,
		DepositFeeFactor:                decimal.RequireFromString("0.0005"),
		SwapFeeFactor:                   decimal.RequireFromString("0.0005"),
		PositionFeeFactor:               decimal.RequireFromString("0.0005"),
		BorrowingFactorPerSecond:        decimal.Zero,
		ImpactPoolDistributionPerSecond: decimal.Zero,
		Impact: pricing.ImpactParams{
			PositiveFactor: decimal.RequireFromString("0.00000002"),
			NegativeFactor: decimal.RequireFromString("0.00000004"),
			ExponentFactor: decimal.NewFromInt(2),
		},
	}
}

// Deps wires the engine's collaborators.
type Deps struct {
	Orders      store.Store[model.Order]
	Deposits    store.Store[model.Deposit]
	GlvDeposits store.Store[model.GlvDeposit]
	Keys        *store.KeySequence
	Registry    *model.MarketRegistry
	Feed        oracle.PriceFeed
	Vault       vault.Vault
	Gas         *gasfee.Accountant
	Sink        events.Sink
	Callbacks   *callback.Supervisor
	Logger      *zap.Logger

	// Clock is overridable for tests; defaults to time.Now.
	Clock func() time.Time
}

// Engine is the request lifecycle state machine.
type Engine struct {
	mu sync.Mutex

	cfg         Config
	orders      store.Store[model.Order]
	deposits    store.Store[model.Deposit]
	glvDeposits store.Store[model.GlvDeposit]
	keys        *store.KeySequence
	registry    *model.MarketRegistry
	feed        oracle.PriceFeed
	bank        vault.Vault
	gas         *gasfee.Accountant
	autoCancel  *autocancel.Registry
	sink        events.Sink
	callbacks   *callback.Supervisor
	logger      *zap.Logger
	now         func() time.Time
}

func New(cfg Config, deps Deps) *Engine {
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &Engine{
		cfg:         cfg,
		orders:      deps.Orders,
		deposits:    deps.Deposits,
		glvDeposits: deps.GlvDeposits,
		keys:        deps.Keys,
		registry:    deps.Registry,
		feed:        deps.Feed,
		bank:        deps.Vault,
		gas:         deps.Gas,
		autoCancel:  autocancel.NewRegistry(cfg.MaxTotalCallbackGasLimit),
		sink:        deps.Sink,
		callbacks:   deps.Callbacks,
		logger:      deps.Logger,
		now:         now,
	}
}

// AutoCancelRegistry exposes the registry for inspection.
func (e *Engine) AutoCancelRegistry() *autocancel.Registry {
	return e.autoCancel
}

// Order returns the pending order stored under key.
func (e *Engine) Order(key model.Key) (model.Order, error) {
	return e.orders.Get(key)
}

// Deposit returns the pending deposit stored under key.
func (e *Engine) Deposit(key model.Key) (model.Deposit, error) {
	return e.deposits.Get(key)
}

// GlvDeposit returns the pending GLV deposit stored under key.
func (e *Engine) GlvDeposit(key model.Key) (model.GlvDeposit, error) {
	return e.glvDeposits.Get(key)
}

// divTrunc divides with truncation at 30 fractional digits, matching
// the pricing domain's rounding direction.
func divTrunc(a, b decimal.Decimal) decimal.Decimal {
	return a.DivRound(b, 31).Truncate(30)
}

func minDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// accrueMarket rolls the market's time-based state forward: borrowing
// factor accrual and impact pool distribution.
func (e *Engine) accrueMarket(marketToken model.Address) {
	state, ok := e.registry.State(marketToken)
	if !ok {
		return
	}
	now := e.now()

	if !state.LastAccrualAt.IsZero() && e.cfg.BorrowingFactorPerSecond.IsPositive() {
		elapsed := decimal.NewFromFloat(now.Sub(state.LastAccrualAt).Seconds())
		state.CumulativeBorrowingFactor = state.CumulativeBorrowingFactor.
			Add(e.cfg.BorrowingFactorPerSecond.Mul(elapsed))
	}
	state.LastAccrualAt = now

	// The backing tokens already sit in the pool, so distribution only
	// retires the pending USD claim.
	if !state.LastImpactDistributionAt.IsZero() && e.cfg.ImpactPoolDistributionPerSecond.IsPositive() {
		elapsed := decimal.NewFromFloat(now.Sub(state.LastImpactDistributionAt).Seconds())
		distributed := minDecimal(
			e.cfg.ImpactPoolDistributionPerSecond.Mul(elapsed),
			state.ImpactPoolUsd,
		)
		state.ImpactPoolUsd = state.ImpactPoolUsd.Sub(distributed)
	}
	state.LastImpactDistributionAt = now
}

// validateMarketTokenBalances checks the custody balance of each given
// token covers the registry's recorded liabilities.
func (e *Engine) validateMarketTokenBalances(tokens ...model.Address) error {
	seen := make(map[model.Address]bool, len(tokens))
	for _, token := range tokens {
		if seen[token] {
			continue
		}
		seen[token] = true
		if e.bank.Balance(token).LessThan(e.registry.Liability(token)) {
			return ErrInvalidMarketTokenBalance
		}
	}
	return nil
}

// marketTokenPrice values one market token against the pool: pool value
// net of the pending impact pool claim, over supply, or 1 for an empty
// supply.
func (e *Engine) marketTokenPrice(m model.Market, state *model.MarketState) (decimal.Decimal, error) {
	longPrice, err := e.feed.GetPrice(m.LongToken)
	if err != nil {
		return decimal.Zero, err
	}
	shortPrice, err := e.feed.GetPrice(m.ShortToken)
	if err != nil {
		return decimal.Zero, err
	}
	if state.MarketTokenSupply.IsZero() {
		return decimal.NewFromInt(1), nil
	}
	poolValue := state.PoolLongAmount.Mul(longPrice.Mid()).
		Add(state.PoolShortAmount.Mul(shortPrice.Mid())).
		Sub(state.ImpactPoolUsd)
	return divTrunc(poolValue, state.MarketTokenSupply), nil
}

// validateCommonMeta runs the structural checks shared by all kinds.
func (e *Engine) validateCommonMeta(account, receiver model.Address) error {
	if account == (model.Address{}) {
		return ErrEmptyAccount
	}
	if receiver == (model.Address{}) {
		return ErrEmptyReceiver
	}
	if receiver == e.bank.Address() {
		return ErrInvalidReceiver
	}
	return nil
}

// escrowExecutionFee resolves the fee escrow for a request whose
// collateral is not the native token: the full native transfer-in
// becomes the fee and must cover the declared amount. The received
// amount is returned even on failure so the caller can refund it.
func (e *Engine) escrowExecutionFee(declared decimal.Decimal) (decimal.Decimal, error) {
	received := e.bank.RecordTransferIn(e.cfg.NativeToken)
	if received.LessThan(declared) {
		return received, gasfee.ErrInsufficientWntAmountForExecutionFee
	}
	return received, nil
}

// consumeBaseline burns the non-callback portion of the estimated cost
// against the budget, leaving the callback allowance forwardable.
func (e *Engine) consumeBaseline(budget *gasfee.Budget, kind model.RequestKind, shape gasfee.RequestShape) {
	shape.CallbackGasLimit = 0
	budget.Consume(e.gas.EstimateExecutionGasLimit(kind, shape))
}

// settleExecutionFee pays the keeper out of the escrowed fee and
// refunds the remainder. Runs after the operation committed; failures
// are logged, never propagated.
func (e *Engine) settleExecutionFee(ctx context.Context, key model.Key, meta model.RequestMeta, budget *gasfee.Budget, keeper, refundTo model.Address) {
	paid, refunded, err := e.gas.PayExecutionFee(
		budget, meta.ExecutionFee, e.cfg.NativeToken,
		keeper, refundTo, meta.ShouldUnwrapNative, e.bank,
	)
	if err != nil {
		e.logger.Error("settling execution fee",
			zap.String("key", key.Hex()),
			zap.Error(err),
		)
		return
	}
	if f, _ := paid.Float64(); f > 0 {
		metrics.ExecutionFeesPaid.Add(f)
	}
	e.sink.Emit(ctx, events.New(events.ExecutionFeePaid, key, meta.Account).
		With("paid", paid.String()).
		With("refunded", refunded.String()))
}

// refundQuiet best-effort returns escrowed funds when a creation fails
// after transfer-in; the failure already aborts the operation, so a
// refund error is only logged.
func (e *Engine) refundQuiet(token, to model.Address, amount decimal.Decimal, unwrap bool) {
	if !amount.IsPositive() {
		return
	}
	if err := e.bank.TransferOut(token, to, amount, unwrap); err != nil {
		e.logger.Error("refunding escrow",
			zap.String("token", token.Hex()),
			zap.String("to", to.Hex()),
			zap.String("amount", amount.String()),
			zap.Error(err),
		)
	}
}
