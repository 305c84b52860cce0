package lifecycle

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lyonnee/gmx-synthetics/internal/events"
	"github.com/lyonnee/gmx-synthetics/internal/gasfee"
	"github.com/lyonnee/gmx-synthetics/internal/model"
	"github.com/lyonnee/gmx-synthetics/pkg/metrics"
)

// CreateOrderParams describes a new order request. Collateral and the
// execution fee must already have been transferred to the custody
// vault; creation picks them up via RecordTransferIn.
type CreateOrderParams struct {
	Account              model.Address
	Receiver             model.Address
	CancellationReceiver model.Address
	CallbackContract     model.Address
	CallbackGasLimit     uint64
	ExecutionFee         decimal.Decimal
	ShouldUnwrapNative   bool

	Market                       model.Address
	Type                         model.OrderType
	InitialCollateralToken       model.Address
	InitialCollateralDeltaAmount decimal.Decimal
	SwapPath                     []model.Address
	SizeDeltaUsd                 decimal.Decimal
	TriggerPrice                 decimal.Decimal
	AcceptablePrice              decimal.Decimal
	MinOutputAmount              decimal.Decimal
	IsLong                       bool
	AutoCancel                   bool
	ValidFromTime                time.Time
}

// CreateOrder validates, escrows and persists a pending order,
// returning its unique key. No partial state survives a failure.
func (e *Engine) CreateOrder(ctx context.Context, p CreateOrderParams) (model.Key, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.validateCommonMeta(p.Account, p.Receiver); err != nil {
		return model.Key{}, err
	}
	if !p.Type.Valid() {
		return model.Key{}, ErrOrderTypeCannotBeCreated
	}
	if len(p.SwapPath) > e.cfg.MaxSwapPathLength {
		return model.Key{}, ErrSwapPathLengthExceeded
	}
	if err := e.registry.ValidateSwapPath(p.SwapPath); err != nil {
		return model.Key{}, err
	}
	if !p.Type.IsSwap() {
		m, ok := e.registry.Market(p.Market)
		if !ok || !m.Enabled {
			return model.Key{}, &model.UnsupportedMarketError{Market: p.Market}
		}
	}

	// Callback gas ceiling check runs before any escrow so a failure
	// leaves nothing to unwind.
	positionKey := model.PositionKey(p.Account, p.Market, p.InitialCollateralToken, p.IsLong)
	autoCancelable := p.AutoCancel && p.Type.IsAutoCancelable()
	if autoCancelable {
		if err := e.autoCancel.ValidateGasBudget(positionKey, p.CallbackGasLimit); err != nil {
			return model.Key{}, err
		}
	}

	// Escrow collateral and the execution fee.
	collateral := p.InitialCollateralDeltaAmount
	fee := p.ExecutionFee
	switch {
	case p.Type.IsDecrease():
		// Collateral comes out of the position at execution; only the
		// fee is transferred in.
		received, err := e.escrowExecutionFee(fee)
		if err != nil {
			e.refundQuiet(e.cfg.NativeToken, p.Account, received, p.ShouldUnwrapNative)
			return model.Key{}, err
		}
		fee = received
	case p.InitialCollateralToken == e.cfg.NativeToken:
		received := e.bank.RecordTransferIn(e.cfg.NativeToken)
		if received.LessThan(p.ExecutionFee) {
			e.refundQuiet(e.cfg.NativeToken, p.Account, received, p.ShouldUnwrapNative)
			return model.Key{}, gasfee.ErrInsufficientWntAmountForExecutionFee
		}
		collateral = received.Sub(p.ExecutionFee)
	default:
		collateral = e.bank.RecordTransferIn(p.InitialCollateralToken)
		received, err := e.escrowExecutionFee(fee)
		if err != nil {
			e.refundQuiet(p.InitialCollateralToken, p.Account, collateral, false)
			e.refundQuiet(e.cfg.NativeToken, p.Account, received, p.ShouldUnwrapNative)
			return model.Key{}, err
		}
		fee = received
	}

	shape := gasfee.RequestShape{
		SwapHops:         len(p.SwapPath),
		OraclePriceCount: len(p.SwapPath) + 3,
		CallbackGasLimit: p.CallbackGasLimit,
	}
	accepted, excess, err := e.gas.ValidateAndCapExecutionFee(
		e.gas.EstimateExecutionGasLimit(model.KindOrder, shape),
		fee, shape.OraclePriceCount, e.cfg.CapExecutionFee,
	)
	if err != nil {
		if !p.Type.IsDecrease() && p.InitialCollateralToken != e.cfg.NativeToken {
			e.refundQuiet(p.InitialCollateralToken, p.Account, collateral, false)
		} else if !p.Type.IsDecrease() {
			e.refundQuiet(e.cfg.NativeToken, p.Account, collateral, p.ShouldUnwrapNative)
		}
		e.refundQuiet(e.cfg.NativeToken, p.Account, fee, p.ShouldUnwrapNative)
		return model.Key{}, err
	}
	if excess.IsPositive() {
		e.refundQuiet(e.cfg.NativeToken, p.Account, excess, p.ShouldUnwrapNative)
	}

	key := e.keys.Next(p.Account.Bytes())
	order := model.Order{
		RequestMeta: model.RequestMeta{
			Account:              p.Account,
			Receiver:             p.Receiver,
			CancellationReceiver: p.CancellationReceiver,
			CallbackContract:     p.CallbackContract,
			CallbackGasLimit:     p.CallbackGasLimit,
			ExecutionFee:         accepted,
			CreatedAt:            e.now(),
			ShouldUnwrapNative:   p.ShouldUnwrapNative,
		},
		Market:                       p.Market,
		Type:                         p.Type,
		InitialCollateralToken:       p.InitialCollateralToken,
		InitialCollateralDeltaAmount: collateral,
		SwapPath:                     append([]model.Address(nil), p.SwapPath...),
		SizeDeltaUsd:                 p.SizeDeltaUsd,
		TriggerPrice:                 p.TriggerPrice,
		AcceptablePrice:              p.AcceptablePrice,
		MinOutputAmount:              p.MinOutputAmount,
		IsLong:                       p.IsLong,
		AutoCancel:                   p.AutoCancel,
		ValidFromTime:                p.ValidFromTime,
	}
	if err := e.orders.Set(key, order); err != nil {
		return model.Key{}, err
	}
	if autoCancelable {
		e.autoCancel.Register(positionKey, key, p.CallbackGasLimit)
	}

	metrics.RequestsCreated.WithLabelValues(string(model.KindOrder)).Inc()
	e.sink.Emit(ctx, events.New(events.OrderCreated, key, p.Account).
		With("type", p.Type.String()).
		With("market", p.Market.Hex()).
		With("collateral", collateral.String()).
		With("execution_fee", accepted.String()))
	e.logger.Info("order created",
		zap.String("key", key.Hex()),
		zap.String("type", p.Type.String()),
		zap.String("account", p.Account.Hex()),
	)
	return key, nil
}

// CreateDepositParams describes a new deposit request.
type CreateDepositParams struct {
	Account              model.Address
	Receiver             model.Address
	CancellationReceiver model.Address
	CallbackContract     model.Address
	CallbackGasLimit     uint64
	ExecutionFee         decimal.Decimal
	ShouldUnwrapNative   bool

	Market             model.Address
	InitialLongToken   model.Address
	LongTokenSwapPath  []model.Address
	InitialShortToken  model.Address
	ShortTokenSwapPath []model.Address
	MinMarketTokens    decimal.Decimal
}

// CreateDeposit validates, escrows and persists a pending deposit.
func (e *Engine) CreateDeposit(ctx context.Context, p CreateDepositParams) (model.Key, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.validateCommonMeta(p.Account, p.Receiver); err != nil {
		return model.Key{}, err
	}
	m, ok := e.registry.Market(p.Market)
	if !ok || !m.Enabled {
		return model.Key{}, &model.UnsupportedMarketError{Market: p.Market}
	}
	if len(p.LongTokenSwapPath) > e.cfg.MaxSwapPathLength || len(p.ShortTokenSwapPath) > e.cfg.MaxSwapPathLength {
		return model.Key{}, ErrSwapPathLengthExceeded
	}
	if err := e.registry.ValidateSwapPath(p.LongTokenSwapPath); err != nil {
		return model.Key{}, err
	}
	if err := e.registry.ValidateSwapPath(p.ShortTokenSwapPath); err != nil {
		return model.Key{}, err
	}

	longAmount := e.bank.RecordTransferIn(p.InitialLongToken)
	shortAmount := e.bank.RecordTransferIn(p.InitialShortToken)

	fee := p.ExecutionFee
	switch {
	case p.InitialLongToken == e.cfg.NativeToken:
		if longAmount.LessThan(fee) {
			e.refundQuiet(p.InitialShortToken, p.Account, shortAmount, false)
			e.refundQuiet(e.cfg.NativeToken, p.Account, longAmount, p.ShouldUnwrapNative)
			return model.Key{}, gasfee.ErrInsufficientWntAmountForExecutionFee
		}
		longAmount = longAmount.Sub(fee)
	case p.InitialShortToken == e.cfg.NativeToken:
		if shortAmount.LessThan(fee) {
			e.refundQuiet(p.InitialLongToken, p.Account, longAmount, false)
			e.refundQuiet(e.cfg.NativeToken, p.Account, shortAmount, p.ShouldUnwrapNative)
			return model.Key{}, gasfee.ErrInsufficientWntAmountForExecutionFee
		}
		shortAmount = shortAmount.Sub(fee)
	default:
		received, err := e.escrowExecutionFee(fee)
		if err != nil {
			e.refundQuiet(p.InitialLongToken, p.Account, longAmount, false)
			e.refundQuiet(p.InitialShortToken, p.Account, shortAmount, false)
			e.refundQuiet(e.cfg.NativeToken, p.Account, received, p.ShouldUnwrapNative)
			return model.Key{}, err
		}
		fee = received
	}

	if longAmount.IsZero() && shortAmount.IsZero() {
		e.refundQuiet(e.cfg.NativeToken, p.Account, fee, p.ShouldUnwrapNative)
		return model.Key{}, ErrEmptyDepositAmounts
	}

	shape := gasfee.RequestShape{
		SwapHops:         len(p.LongTokenSwapPath) + len(p.ShortTokenSwapPath),
		OraclePriceCount: 2,
		CallbackGasLimit: p.CallbackGasLimit,
	}
	accepted, excess, err := e.gas.ValidateAndCapExecutionFee(
		e.gas.EstimateExecutionGasLimit(model.KindDeposit, shape),
		fee, shape.OraclePriceCount, e.cfg.CapExecutionFee,
	)
	if err != nil {
		e.refundQuiet(p.InitialLongToken, p.Account, longAmount, false)
		e.refundQuiet(p.InitialShortToken, p.Account, shortAmount, false)
		e.refundQuiet(e.cfg.NativeToken, p.Account, fee, p.ShouldUnwrapNative)
		return model.Key{}, err
	}
	if excess.IsPositive() {
		e.refundQuiet(e.cfg.NativeToken, p.Account, excess, p.ShouldUnwrapNative)
	}

	key := e.keys.Next(p.Account.Bytes())
	deposit := model.Deposit{
		RequestMeta: model.RequestMeta{
			Account:              p.Account,
			Receiver:             p.Receiver,
			CancellationReceiver: p.CancellationReceiver,
			CallbackContract:     p.CallbackContract,
			CallbackGasLimit:     p.CallbackGasLimit,
			ExecutionFee:         accepted,
			CreatedAt:            e.now(),
			ShouldUnwrapNative:   p.ShouldUnwrapNative,
		},
		Market:                  p.Market,
		InitialLongToken:        p.InitialLongToken,
		InitialLongTokenAmount:  longAmount,
		LongTokenSwapPath:       append([]model.Address(nil), p.LongTokenSwapPath...),
		InitialShortToken:       p.InitialShortToken,
		InitialShortTokenAmount: shortAmount,
		ShortTokenSwapPath:      append([]model.Address(nil), p.ShortTokenSwapPath...),
		MinMarketTokens:         p.MinMarketTokens,
	}
	if err := e.deposits.Set(key, deposit); err != nil {
		return model.Key{}, err
	}

	metrics.RequestsCreated.WithLabelValues(string(model.KindDeposit)).Inc()
	e.sink.Emit(ctx, events.New(events.DepositCreated, key, p.Account).
		With("market", p.Market.Hex()).
		With("long_amount", longAmount.String()).
		With("short_amount", shortAmount.String()))
	e.logger.Info("deposit created",
		zap.String("key", key.Hex()),
		zap.String("account", p.Account.Hex()),
	)
	return key, nil
}

// CreateGlvDepositParams describes a new GLV vault deposit. Exactly
// one funding mode is allowed: direct market tokens, or underlying
// long/short tokens.
type CreateGlvDepositParams struct {
	Account              model.Address
	Receiver             model.Address
	CancellationReceiver model.Address
	CallbackContract     model.Address
	CallbackGasLimit     uint64
	ExecutionFee         decimal.Decimal
	ShouldUnwrapNative   bool

	Glv                  model.Address
	Market               model.Address
	InitialLongToken     model.Address
	InitialShortToken    model.Address
	LongTokenSwapPath    []model.Address
	ShortTokenSwapPath   []model.Address
	IsMarketTokenDeposit bool
	MinGlvTokens         decimal.Decimal
}

// CreateGlvDeposit validates, escrows and persists a pending GLV deposit.
func (e *Engine) CreateGlvDeposit(ctx context.Context, p CreateGlvDepositParams) (model.Key, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.validateCommonMeta(p.Account, p.Receiver); err != nil {
		return model.Key{}, err
	}
	if _, ok := e.registry.Glv(p.Glv); !ok {
		return model.Key{}, ErrEmptyGlv
	}
	m, ok := e.registry.Market(p.Market)
	if !ok || !m.Enabled {
		return model.Key{}, &model.UnsupportedMarketError{Market: p.Market}
	}
	if err := e.registry.ValidateSwapPath(p.LongTokenSwapPath); err != nil {
		return model.Key{}, err
	}
	if err := e.registry.ValidateSwapPath(p.ShortTokenSwapPath); err != nil {
		return model.Key{}, err
	}

	var longAmount, shortAmount, marketTokenAmount decimal.Decimal
	if p.IsMarketTokenDeposit {
		if p.InitialLongToken != (model.Address{}) || p.InitialShortToken != (model.Address{}) {
			return model.Key{}, ErrInvalidGlvDepositMode
		}
		marketTokenAmount = e.bank.RecordTransferIn(p.Market)
		if marketTokenAmount.IsZero() {
			return model.Key{}, ErrEmptyDepositAmounts
		}
	} else {
		longAmount = e.bank.RecordTransferIn(p.InitialLongToken)
		shortAmount = e.bank.RecordTransferIn(p.InitialShortToken)
	}

	fee := p.ExecutionFee
	received, err := e.escrowExecutionFee(fee)
	if err != nil {
		e.refundQuiet(p.InitialLongToken, p.Account, longAmount, false)
		e.refundQuiet(p.InitialShortToken, p.Account, shortAmount, false)
		e.refundQuiet(p.Market, p.Account, marketTokenAmount, false)
		e.refundQuiet(e.cfg.NativeToken, p.Account, received, p.ShouldUnwrapNative)
		return model.Key{}, err
	}
	fee = received

	if !p.IsMarketTokenDeposit && longAmount.IsZero() && shortAmount.IsZero() {
		e.refundQuiet(e.cfg.NativeToken, p.Account, fee, p.ShouldUnwrapNative)
		return model.Key{}, ErrEmptyDepositAmounts
	}

	shape := gasfee.RequestShape{
		SwapHops:         len(p.LongTokenSwapPath) + len(p.ShortTokenSwapPath),
		OraclePriceCount: 3,
		CallbackGasLimit: p.CallbackGasLimit,
	}
	accepted, excess, err := e.gas.ValidateAndCapExecutionFee(
		e.gas.EstimateExecutionGasLimit(model.KindGlvDeposit, shape),
		fee, shape.OraclePriceCount, e.cfg.CapExecutionFee,
	)
	if err != nil {
		e.refundQuiet(p.InitialLongToken, p.Account, longAmount, false)
		e.refundQuiet(p.InitialShortToken, p.Account, shortAmount, false)
		e.refundQuiet(p.Market, p.Account, marketTokenAmount, false)
		e.refundQuiet(e.cfg.NativeToken, p.Account, fee, p.ShouldUnwrapNative)
		return model.Key{}, err
	}
	if excess.IsPositive() {
		e.refundQuiet(e.cfg.NativeToken, p.Account, excess, p.ShouldUnwrapNative)
	}

	key := e.keys.Next(p.Account.Bytes())
	glvDeposit := model.GlvDeposit{
		RequestMeta: model.RequestMeta{
			Account:              p.Account,
			Receiver:             p.Receiver,
			CancellationReceiver: p.CancellationReceiver,
			CallbackContract:     p.CallbackContract,
			CallbackGasLimit:     p.CallbackGasLimit,
			ExecutionFee:         accepted,
			CreatedAt:            e.now(),
			ShouldUnwrapNative:   p.ShouldUnwrapNative,
		},
		Glv:                     p.Glv,
		Market:                  p.Market,
		InitialLongToken:        p.InitialLongToken,
		InitialLongTokenAmount:  longAmount,
		InitialShortToken:       p.InitialShortToken,
		InitialShortTokenAmount: shortAmount,
		LongTokenSwapPath:       append([]model.Address(nil), p.LongTokenSwapPath...),
		ShortTokenSwapPath:      append([]model.Address(nil), p.ShortTokenSwapPath...),
		MarketTokenAmount:       marketTokenAmount,
		IsMarketTokenDeposit:    p.IsMarketTokenDeposit,
		MinGlvTokens:            p.MinGlvTokens,
	}
	if err := e.glvDeposits.Set(key, glvDeposit); err != nil {
		return model.Key{}, err
	}

	metrics.RequestsCreated.WithLabelValues(string(model.KindGlvDeposit)).Inc()
	e.sink.Emit(ctx, events.New(events.GlvDepositCreated, key, p.Account).
		With("glv", p.Glv.Hex()).
		With("market", p.Market.Hex()))
	e.logger.Info("glv deposit created",
		zap.String("key", key.Hex()),
		zap.String("account", p.Account.Hex()),
	)
	return key, nil
}
