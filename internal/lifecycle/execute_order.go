package lifecycle

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lyonnee/gmx-synthetics/internal/callback"
	"github.com/lyonnee/gmx-synthetics/internal/events"
	"github.com/lyonnee/gmx-synthetics/internal/gasfee"
	"github.com/lyonnee/gmx-synthetics/internal/model"
	"github.com/lyonnee/gmx-synthetics/internal/oracle"
	"github.com/lyonnee/gmx-synthetics/internal/pricing"
	"github.com/lyonnee/gmx-synthetics/pkg/metrics"
)

// orderSettlement is a fully validated execution plan for one order.
// apply commits it; everything before apply is side-effect free so a
// failed plan leaves the order untouched in the store.
type orderSettlement struct {
	apply func() error

	outputToken    model.Address
	outputAmount   decimal.Decimal
	executionPrice decimal.Decimal
	touchedTokens  []model.Address

	closedPosition model.Key
	hasClosed      bool
}

func orderShape(o *model.Order) gasfee.RequestShape {
	return gasfee.RequestShape{
		SwapHops:         len(o.SwapPath),
		OraclePriceCount: len(o.SwapPath) + 3,
		CallbackGasLimit: o.CallbackGasLimit,
	}
}

// ExecuteOrder settles a pending order against current oracle prices.
// Removal from the store is the commit point: validation failures
// before it leave the order pending, and it is restored if the rare
// settlement failure surfaces afterwards.
func (e *Engine) ExecuteOrder(ctx context.Context, key model.Key, keeper model.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	started := e.now()

	order, err := e.orders.Get(key)
	if err != nil {
		return err
	}
	if order.IsFrozen {
		return ErrAlreadyFrozen
	}
	if !order.Type.Valid() {
		return ErrUnsupportedOrderType
	}
	if !order.ValidFromTime.IsZero() && started.Before(order.ValidFromTime) {
		return ErrOrderValidFromTimeNotReached
	}

	shape := orderShape(&order)
	budget := e.gas.NewBudget(e.gas.EstimateExecutionGasLimit(model.KindOrder, shape))

	var settle *orderSettlement
	switch {
	case order.Type.IsSwap():
		settle, err = e.planSwapOrder(&order)
	case order.Type.IsIncrease():
		settle, err = e.planIncreaseOrder(&order)
	default:
		settle, err = e.planDecreaseOrder(&order)
	}
	if err != nil {
		return err
	}

	if err := e.orders.Remove(key); err != nil {
		return err
	}
	if err := settle.apply(); err != nil {
		e.restoreOrder(key, order)
		return err
	}
	if err := e.validateMarketTokenBalances(settle.touchedTokens...); err != nil {
		e.restoreOrder(key, order)
		return err
	}

	positionKey := model.PositionKey(order.Account, order.Market, order.InitialCollateralToken, order.IsLong)
	e.autoCancel.Unregister(positionKey, key)

	metrics.RequestsExecuted.WithLabelValues(string(model.KindOrder)).Inc()
	metrics.ExecutionLatency.Observe(e.now().Sub(started).Seconds())

	event := events.New(events.OrderExecuted, key, order.Account).
		With("type", order.Type.String()).
		With("output_token", settle.outputToken.Hex()).
		With("output_amount", settle.outputAmount.String()).
		With("execution_price", settle.executionPrice.String())
	e.sink.Emit(ctx, event)
	e.callbacks.Notify(callback.StageExecution, order.RequestMeta, key, event, budget)
	e.consumeBaseline(budget, model.KindOrder, shape)
	e.settleExecutionFee(ctx, key, order.RequestMeta, budget, keeper, order.Receiver)

	e.logger.Info("order executed",
		zap.String("key", key.Hex()),
		zap.String("type", order.Type.String()),
		zap.String("account", order.Account.Hex()),
		zap.String("output_amount", settle.outputAmount.String()),
	)

	if settle.hasClosed {
		for _, pending := range e.autoCancel.Clear(settle.closedPosition) {
			if pending == key {
				continue
			}
			if err := e.cancelOrderLocked(ctx, pending, keeper, "position closed", true); err != nil {
				e.logger.Warn("auto-cancelling order",
					zap.String("key", pending.Hex()),
					zap.Error(err),
				)
			}
		}
	}
	return nil
}

func (e *Engine) restoreOrder(key model.Key, order model.Order) {
	if err := e.orders.Set(key, order); err != nil {
		e.logger.Error("restoring order after failed settlement",
			zap.String("key", key.Hex()),
			zap.Error(err),
		)
	}
}

// validateTriggerPrice gates trigger order execution on the index
// price. Each rule inverts for shorts.
func validateTriggerPrice(o *model.Order, indexPrice oracle.Price) error {
	if !o.Type.IsTrigger() {
		return nil
	}
	// The side of the quote the fill would cross.
	price := indexPrice.Max
	if o.Type.IsIncrease() != o.IsLong {
		price = indexPrice.Min
	}

	// belowOK: the condition holds when the price is at or below the
	// trigger for longs; shorts invert.
	belowOK := func() bool {
		if o.IsLong {
			return price.LessThanOrEqual(o.TriggerPrice)
		}
		return price.GreaterThanOrEqual(o.TriggerPrice)
	}
	aboveOK := func() bool {
		if o.IsLong {
			return price.GreaterThanOrEqual(o.TriggerPrice)
		}
		return price.LessThanOrEqual(o.TriggerPrice)
	}

	var ok bool
	switch o.Type {
	case model.OrderTypeLimitIncrease, model.OrderTypeStopLossDecrease:
		ok = belowOK()
	case model.OrderTypeStopIncrease, model.OrderTypeLimitDecrease:
		ok = aboveOK()
	}
	if !ok {
		return ErrTriggerConditionNotMet
	}
	return nil
}

// validateAcceptablePrice rejects fills past the order's worst
// acceptable execution price. A zero acceptable price disables the
// check.
func validateAcceptablePrice(o *model.Order, execPrice decimal.Decimal) error {
	if o.AcceptablePrice.IsZero() {
		return nil
	}
	// Longs pay on increase and collect on decrease; shorts mirror.
	var ok bool
	if o.Type.IsIncrease() == o.IsLong {
		ok = execPrice.LessThanOrEqual(o.AcceptablePrice)
	} else {
		ok = execPrice.GreaterThanOrEqual(o.AcceptablePrice)
	}
	if !ok {
		return ErrOrderNotFulfillable
	}
	return nil
}

// planSwapOrder prices a pure swap order end to end.
func (e *Engine) planSwapOrder(o *model.Order) (*orderSettlement, error) {
	outToken, outAmount, steps, err := e.planSwapPath(o.InitialCollateralToken, o.InitialCollateralDeltaAmount, o.SwapPath)
	if err != nil {
		return nil, err
	}
	if outAmount.LessThan(o.MinOutputAmount) {
		return nil, ErrInsufficientOutputAmount
	}

	receiver := o.Receiver
	unwrap := o.ShouldUnwrapNative && outToken == e.cfg.NativeToken
	apply := func() error {
		if err := e.applySwapSteps(steps); err != nil {
			return err
		}
		return e.bank.TransferOut(outToken, receiver, outAmount, unwrap)
	}
	return &orderSettlement{
		apply:         apply,
		outputToken:   outToken,
		outputAmount:  outAmount,
		touchedTokens: swapBackedTokens(steps),
	}, nil
}

// planIncreaseOrder opens or grows a position: swaps collateral into a
// backing token, charges fees and open-interest price impact, then
// books the size change.
func (e *Engine) planIncreaseOrder(o *model.Order) (*orderSettlement, error) {
	m, ok := e.registry.Market(o.Market)
	if !ok || !m.Enabled {
		return nil, &model.UnsupportedMarketError{Market: o.Market}
	}
	state, _ := e.registry.State(o.Market)
	e.accrueMarket(o.Market)

	collateralToken, collateralAmount, steps, err := e.planSwapPath(o.InitialCollateralToken, o.InitialCollateralDeltaAmount, o.SwapPath)
	if err != nil {
		return nil, err
	}
	if collateralToken != m.LongToken && collateralToken != m.ShortToken {
		return nil, ErrInvalidCollateralToken
	}

	indexPrice, err := e.feed.GetPrice(m.IndexToken)
	if err != nil {
		return nil, err
	}
	if err := validateTriggerPrice(o, indexPrice); err != nil {
		return nil, err
	}
	execPrice := indexPrice.Max
	if !o.IsLong {
		execPrice = indexPrice.Min
	}
	if err := validateAcceptablePrice(o, execPrice); err != nil {
		return nil, err
	}
	collatPrice, err := e.feed.GetPrice(collateralToken)
	if err != nil {
		return nil, err
	}

	oiLong, oiShort := state.OpenInterestLongUsd, state.OpenInterestShortUsd
	nextLong, nextShort := oiLong, oiShort
	if o.IsLong {
		nextLong = nextLong.Add(o.SizeDeltaUsd)
	} else {
		nextShort = nextShort.Add(o.SizeDeltaUsd)
	}
	impactUsd := pricing.ImbalanceImpact(oiLong, oiShort, nextLong, nextShort, e.cfg.Impact)
	charge, rebate := decimal.Zero, decimal.Zero
	switch {
	case impactUsd.IsNegative():
		charge = impactUsd.Neg()
		if charge.GreaterThan(o.SizeDeltaUsd) {
			return nil, ErrPriceImpactLargerThanOrderSize
		}
	case impactUsd.IsPositive():
		rebate = minDecimal(impactUsd, state.ImpactPoolUsd)
	}

	// Impact shifts the effective entry: longs gain tokens on a rebate,
	// shorts gain by carrying fewer tokens for the same USD size.
	baseTokens := divTrunc(o.SizeDeltaUsd, execPrice)
	impactTokens := divTrunc(rebate.Sub(charge), execPrice)
	sizeDeltaTokens := baseTokens.Add(impactTokens)
	if !o.IsLong {
		sizeDeltaTokens = baseTokens.Sub(impactTokens)
	}

	positionFee := divTrunc(o.SizeDeltaUsd.Mul(e.cfg.PositionFeeFactor), collatPrice.Min)

	positionKey := model.PositionKey(o.Account, o.Market, collateralToken, o.IsLong)
	pos, exists := e.registry.Position(positionKey)
	borrowTokens := decimal.Zero
	if exists {
		borrowUsd := state.CumulativeBorrowingFactor.Sub(pos.BorrowingFactor).Mul(pos.SizeInUsd)
		if borrowUsd.IsPositive() {
			borrowTokens = divTrunc(borrowUsd, collatPrice.Min)
		}
	}
	netCollateral := collateralAmount.Sub(positionFee).Sub(borrowTokens)
	if netCollateral.IsNegative() {
		return nil, ErrInsufficientCollateralAmount
	}

	order := *o
	apply := func() error {
		if err := e.applySwapSteps(steps); err != nil {
			return err
		}
		if err := e.bank.TransferOut(collateralToken, e.cfg.FeeReceiver, positionFee, false); err != nil {
			return err
		}
		// Borrowing fees accrue to the pool.
		if collateralToken == m.LongToken {
			state.PoolLongAmount = state.PoolLongAmount.Add(borrowTokens)
		} else {
			state.PoolShortAmount = state.PoolShortAmount.Add(borrowTokens)
		}
		state.ImpactPoolUsd = state.ImpactPoolUsd.Add(charge).Sub(rebate)
		if order.IsLong {
			state.OpenInterestLongUsd = state.OpenInterestLongUsd.Add(order.SizeDeltaUsd)
		} else {
			state.OpenInterestShortUsd = state.OpenInterestShortUsd.Add(order.SizeDeltaUsd)
		}

		if !exists {
			pos = model.Position{
				Account:         order.Account,
				Market:          order.Market,
				CollateralToken: collateralToken,
				IsLong:          order.IsLong,
			}
		}
		pos.SizeInUsd = pos.SizeInUsd.Add(order.SizeDeltaUsd)
		pos.SizeInTokens = pos.SizeInTokens.Add(sizeDeltaTokens)
		pos.CollateralAmt = pos.CollateralAmt.Add(netCollateral)
		pos.BorrowingFactor = state.CumulativeBorrowingFactor
		pos.IncreasedAt = e.now()
		e.registry.SetPosition(pos)
		return nil
	}
	return &orderSettlement{
		apply:          apply,
		outputToken:    collateralToken,
		outputAmount:   netCollateral,
		executionPrice: execPrice,
		touchedTokens:  append(swapBackedTokens(steps), collateralToken),
	}, nil
}

// planDecreaseOrder shrinks or closes a position, settling pnl, fees,
// borrowing and open-interest impact through a strict waterfall so the
// custody balance invariant holds exactly.
func (e *Engine) planDecreaseOrder(o *model.Order) (*orderSettlement, error) {
	m, ok := e.registry.Market(o.Market)
	if !ok || !m.Enabled {
		return nil, &model.UnsupportedMarketError{Market: o.Market}
	}
	state, _ := e.registry.State(o.Market)
	e.accrueMarket(o.Market)

	positionKey := model.PositionKey(o.Account, o.Market, o.InitialCollateralToken, o.IsLong)
	pos, ok := e.registry.Position(positionKey)
	if !ok {
		return nil, ErrEmptyPosition
	}

	indexPrice, err := e.feed.GetPrice(m.IndexToken)
	if err != nil {
		return nil, err
	}
	if err := validateTriggerPrice(o, indexPrice); err != nil {
		return nil, err
	}
	execPrice := indexPrice.Min
	if !o.IsLong {
		execPrice = indexPrice.Max
	}
	if err := validateAcceptablePrice(o, execPrice); err != nil {
		return nil, err
	}
	collatPrice, err := e.feed.GetPrice(pos.CollateralToken)
	if err != nil {
		return nil, err
	}

	sizeDelta := minDecimal(o.SizeDeltaUsd, pos.SizeInUsd)
	fullClose := sizeDelta.Equal(pos.SizeInUsd)
	sizeDeltaTokens := pos.SizeInTokens
	if !fullClose && pos.SizeInUsd.IsPositive() {
		sizeDeltaTokens = divTrunc(pos.SizeInTokens.Mul(sizeDelta), pos.SizeInUsd)
	}

	pnlUsd := sizeDeltaTokens.Mul(execPrice).Sub(sizeDelta)
	if !o.IsLong {
		pnlUsd = pnlUsd.Neg()
	}

	oiLong, oiShort := state.OpenInterestLongUsd, state.OpenInterestShortUsd
	nextLong, nextShort := oiLong, oiShort
	if o.IsLong {
		nextLong = nextLong.Sub(sizeDelta)
	} else {
		nextShort = nextShort.Sub(sizeDelta)
	}
	impactUsd := pricing.ImbalanceImpact(oiLong, oiShort, nextLong, nextShort, e.cfg.Impact)
	chargeUsd, rebateUsd := decimal.Zero, decimal.Zero
	switch {
	case impactUsd.IsNegative():
		chargeUsd = impactUsd.Neg()
	case impactUsd.IsPositive():
		rebateUsd = minDecimal(impactUsd, state.ImpactPoolUsd)
	}

	borrowUsd := state.CumulativeBorrowingFactor.Sub(pos.BorrowingFactor).Mul(pos.SizeInUsd)
	feeUsd := sizeDelta.Mul(e.cfg.PositionFeeFactor)

	// Everything settles in collateral token units.
	toTokens := func(usd decimal.Decimal) decimal.Decimal { return divTrunc(usd, collatPrice.Min) }
	profitTokens, lossTokens := decimal.Zero, decimal.Zero
	if pnlUsd.IsPositive() {
		profitTokens = toTokens(pnlUsd)
	} else {
		lossTokens = toTokens(pnlUsd.Neg())
	}
	chargeTokens := toTokens(chargeUsd)
	rebateTokens := toTokens(rebateUsd)
	borrowTokens := decimal.Zero
	if borrowUsd.IsPositive() {
		borrowTokens = toTokens(borrowUsd)
	}
	feeTokens := toTokens(feeUsd)

	collateralOut := minDecimal(o.InitialCollateralDeltaAmount, pos.CollateralAmt)
	if fullClose {
		collateralOut = pos.CollateralAmt
	}
	remainingCollateral := pos.CollateralAmt.Sub(collateralOut)

	poolSide := state.PoolLongAmount
	if pos.CollateralToken == m.ShortToken {
		poolSide = state.PoolShortAmount
	}
	if poolSide.LessThan(profitTokens.Add(rebateTokens)) {
		return nil, ErrInsufficientPoolAmount
	}

	// Waterfall: credits first, then draw remaining collateral, then
	// the pool absorbs any shortfall.
	released := collateralOut
	credits := released.Add(profitTokens).Add(rebateTokens)
	debits := lossTokens.Add(chargeTokens).Add(borrowTokens).Add(feeTokens)
	shortfall := decimal.Zero
	if debits.GreaterThan(credits) {
		draw := minDecimal(debits.Sub(credits), remainingCollateral)
		remainingCollateral = remainingCollateral.Sub(draw)
		released = released.Add(draw)
		credits = credits.Add(draw)
		if debits.GreaterThan(credits) {
			shortfall = debits.Sub(credits)
		}
	}
	payout := credits.Add(shortfall).Sub(debits)

	// Shortfall reduces what the pool actually collects, then the fee.
	poolGain := lossTokens.Add(chargeTokens).Add(borrowTokens)
	feeCollected := feeTokens
	if shortfall.IsPositive() {
		absorbed := minDecimal(shortfall, poolGain)
		poolGain = poolGain.Sub(absorbed)
		feeCollected = feeCollected.Sub(shortfall.Sub(absorbed))
		if feeCollected.IsNegative() {
			feeCollected = decimal.Zero
		}
	}

	// Optional swap of the payout into the requested output token.
	outputToken := pos.CollateralToken
	outputAmount := payout
	var outSteps []swapStep
	if len(o.SwapPath) > 0 && payout.IsPositive() {
		outputToken, outputAmount, outSteps, err = e.planSwapPath(pos.CollateralToken, payout, o.SwapPath)
		if err != nil {
			return nil, err
		}
	}
	if outputAmount.LessThan(o.MinOutputAmount) {
		return nil, ErrInsufficientOutputAmount
	}

	order := *o
	collateralToken := pos.CollateralToken
	unwrap := order.ShouldUnwrapNative && outputToken == e.cfg.NativeToken
	apply := func() error {
		if err := e.bank.TransferOut(collateralToken, e.cfg.FeeReceiver, feeCollected, false); err != nil {
			return err
		}
		poolDelta := poolGain.Sub(profitTokens).Sub(rebateTokens)
		if collateralToken == m.LongToken {
			state.PoolLongAmount = state.PoolLongAmount.Add(poolDelta)
		} else {
			state.PoolShortAmount = state.PoolShortAmount.Add(poolDelta)
		}
		state.ImpactPoolUsd = state.ImpactPoolUsd.Add(chargeUsd).Sub(rebateUsd)
		if order.IsLong {
			state.OpenInterestLongUsd = state.OpenInterestLongUsd.Sub(sizeDelta)
		} else {
			state.OpenInterestShortUsd = state.OpenInterestShortUsd.Sub(sizeDelta)
		}

		if fullClose {
			e.registry.RemovePosition(positionKey)
		} else {
			pos.SizeInUsd = pos.SizeInUsd.Sub(sizeDelta)
			pos.SizeInTokens = pos.SizeInTokens.Sub(sizeDeltaTokens)
			pos.CollateralAmt = remainingCollateral
			pos.BorrowingFactor = state.CumulativeBorrowingFactor
			pos.DecreasedAt = e.now()
			e.registry.SetPosition(pos)
		}

		if err := e.applySwapSteps(outSteps); err != nil {
			return err
		}
		return e.bank.TransferOut(outputToken, order.Receiver, outputAmount, unwrap)
	}
	return &orderSettlement{
		apply:          apply,
		outputToken:    outputToken,
		outputAmount:   outputAmount,
		executionPrice: execPrice,
		touchedTokens:  append(swapBackedTokens(outSteps), collateralToken),
		closedPosition: positionKey,
		hasClosed:      fullClose,
	}, nil
}
