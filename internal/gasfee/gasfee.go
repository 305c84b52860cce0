// Package gasfee computes, validates and settles execution fees.
//
// On-chain gas has no direct off-chain equivalent; the Budget type
// reinterprets it as an abstract execution budget consumed by the
// lifecycle and checked before irreversible steps.
package gasfee

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lyonnee/gmx-synthetics/internal/model"
	"github.com/lyonnee/gmx-synthetics/internal/vault"
)

var (
	// ErrInsufficientExecutionFee is returned at creation when the
	// supplied fee cannot cover the estimated execution cost.
	ErrInsufficientExecutionFee = errors.New("insufficient execution fee")

	// ErrInsufficientWntAmountForExecutionFee is returned when the
	// native-token transfer-in is smaller than the declared fee.
	ErrInsufficientWntAmountForExecutionFee = errors.New("insufficient wnt amount for execution fee")

	// ErrInsufficientGasForCancellation protects keepers: once a
	// cancellation begins removing state there is no way back, so the
	// remaining budget is checked upfront.
	ErrInsufficientGasForCancellation = errors.New("insufficient gas for cancellation")
)

// Config holds the gas accounting parameters.
type Config struct {
	// GasPrice is the effective price of one budget unit in native
	// token units.
	GasPrice decimal.Decimal `mapstructure:"gas_price"`

	BaseGasLimitOrder      uint64 `mapstructure:"base_gas_limit_order"`
	BaseGasLimitDeposit    uint64 `mapstructure:"base_gas_limit_deposit"`
	BaseGasLimitGlvDeposit uint64 `mapstructure:"base_gas_limit_glv_deposit"`
	PerSwapGasLimit        uint64 `mapstructure:"per_swap_gas_limit"`
	PerOraclePriceGasLimit uint64 `mapstructure:"per_oracle_price_gas_limit"`

	// MinExecutionFeeMultiplier scales the estimated cost into the
	// minimum acceptable fee.
	MinExecutionFeeMultiplier decimal.Decimal `mapstructure:"min_execution_fee_multiplier"`
	// MaxExecutionFeeMultiplier scales the estimated cost into the
	// ceiling applied when capping is requested.
	MaxExecutionFeeMultiplier decimal.Decimal `mapstructure:"max_execution_fee_multiplier"`

	// MinHandleErrorGas is the budget floor required before starting a
	// destructive cancellation.
	MinHandleErrorGas uint64 `mapstructure:"min_handle_error_gas"`
}

// DefaultConfig returns production-shaped defaults.
func DefaultConfig() Config {
	return Config{
		GasPrice:                  decimal.RequireFromString("0.000000001"), // 1 gwei
		BaseGasLimitOrder:         200_000,
		BaseGasLimitDeposit:       180_000,
		BaseGasLimitGlvDeposit:    250_000,
		PerSwapGasLimit:           30_000,
		PerOraclePriceGasLimit:    5_000,
		MinExecutionFeeMultiplier: decimal.NewFromInt(1),
		MaxExecutionFeeMultiplier: decimal.NewFromInt(5),
		MinHandleErrorGas:         50_000,
	}
}

// RequestShape is the execution-cost-relevant shape of a request.
type RequestShape struct {
	SwapHops         int
	OraclePriceCount int
	CallbackGasLimit uint64
}

// Budget meters execution capacity for a single lifecycle operation.
type Budget struct {
	mu       sync.Mutex
	start    uint64
	consumed uint64
	gasPrice decimal.Decimal
}

func NewBudget(start uint64, gasPrice decimal.Decimal) *Budget {
	return &Budget{start: start, gasPrice: gasPrice}
}

// Consume burns units, saturating at the budget's capacity.
func (b *Budget) Consume(units uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.start-b.consumed < units {
		b.consumed = b.start
		return
	}
	b.consumed += units
}

// Remaining reports unburned capacity.
func (b *Budget) Remaining() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.start - b.consumed
}

// Used reports burned capacity.
func (b *Budget) Used() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumed
}

// Forwardable is the capacity that may be handed to an external call:
// 1/64th of the remainder is reserved and never forwarded, so the
// caller can always finish its own bookkeeping.
func (b *Budget) Forwardable() uint64 {
	remaining := b.Remaining()
	return remaining - remaining/64
}

// GasPrice returns the budget's effective unit price.
func (b *Budget) GasPrice() decimal.Decimal {
	return b.gasPrice
}

// Accountant implements fee estimation, validation and settlement.
type Accountant struct {
	cfg    Config
	logger *zap.Logger
}

func NewAccountant(cfg Config, logger *zap.Logger) *Accountant {
	return &Accountant{cfg: cfg, logger: logger}
}

// NewBudget builds an execution budget priced at the configured rate.
func (a *Accountant) NewBudget(start uint64) *Budget {
	return NewBudget(start, a.cfg.GasPrice)
}

// EstimateExecutionGasLimit sums the base cost for the request kind
// with per-swap-hop, per-oracle-price and callback components.
func (a *Accountant) EstimateExecutionGasLimit(kind model.RequestKind, shape RequestShape) uint64 {
	var base uint64
	switch kind {
	case model.KindOrder:
		base = a.cfg.BaseGasLimitOrder
	case model.KindDeposit:
		base = a.cfg.BaseGasLimitDeposit
	case model.KindGlvDeposit:
		base = a.cfg.BaseGasLimitGlvDeposit
	}
	return base +
		uint64(shape.SwapHops)*a.cfg.PerSwapGasLimit +
		uint64(shape.OraclePriceCount)*a.cfg.PerOraclePriceGasLimit +
		shape.CallbackGasLimit
}

// ValidateAndCapExecutionFee checks the supplied fee against the
// estimated cost. The estimate already carries the per-oracle-price
// component; oraclePriceCount only contextualizes rejections. When
// shouldCap is set and the fee exceeds the configured ceiling
// multiple, the accepted fee is capped and the excess returned for
// refund to the depositor.
func (a *Accountant) ValidateAndCapExecutionFee(estimatedGasLimit uint64, suppliedFee decimal.Decimal, oraclePriceCount int, shouldCap bool) (accepted, refund decimal.Decimal, err error) {
	cost := decimal.NewFromUint64(estimatedGasLimit).Mul(a.cfg.GasPrice)

	minFee := cost.Mul(a.cfg.MinExecutionFeeMultiplier)
	if suppliedFee.LessThan(minFee) {
		a.logger.Debug("execution fee below minimum",
			zap.String("supplied", suppliedFee.String()),
			zap.String("minimum", minFee.String()),
			zap.Int("oracle_prices", oraclePriceCount),
		)
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: supplied %s, minimum %s",
			ErrInsufficientExecutionFee, suppliedFee, minFee)
	}

	if shouldCap {
		ceiling := cost.Mul(a.cfg.MaxExecutionFeeMultiplier)
		if suppliedFee.GreaterThan(ceiling) {
			return ceiling, suppliedFee.Sub(ceiling), nil
		}
	}
	return suppliedFee, decimal.Zero, nil
}

// ValidateCancellationBudget fails when the remaining budget cannot
// safely unwind state. Must run before any destructive step.
func (a *Accountant) ValidateCancellationBudget(budget *Budget) error {
	if budget.Remaining() < a.cfg.MinHandleErrorGas {
		return fmt.Errorf("%w: remaining %d, minimum %d",
			ErrInsufficientGasForCancellation, budget.Remaining(), a.cfg.MinHandleErrorGas)
	}
	return nil
}

// PayExecutionFee settles the escrowed fee: the keeper receives
// min(fee, consumed budget x gas price) and the remainder is refunded
// to the refund receiver. It performs external value transfers and must
// be the last side-effecting step of an operation.
func (a *Accountant) PayExecutionFee(budget *Budget, fee decimal.Decimal, nativeToken, keeper, refundReceiver model.Address, unwrapRefund bool, v vault.Vault) (paid, refunded decimal.Decimal, err error) {
	if fee.IsZero() {
		return decimal.Zero, decimal.Zero, nil
	}

	cost := decimal.NewFromUint64(budget.Used()).Mul(budget.GasPrice())
	paid = fee
	if cost.LessThan(paid) {
		paid = cost
	}
	refunded = fee.Sub(paid)

	if err := v.TransferOut(nativeToken, keeper, paid, false); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("paying keeper: %w", err)
	}
	if refunded.IsPositive() {
		if err := v.TransferOut(nativeToken, refundReceiver, refunded, unwrapRefund); err != nil {
			return paid, decimal.Zero, fmt.Errorf("refunding execution fee: %w", err)
		}
	}

	a.logger.Debug("execution fee paid",
		zap.String("keeper", keeper.Hex()),
		zap.String("paid", paid.String()),
		zap.String("refunded", refunded.String()),
	)
	return paid, refunded, nil
}
