package lifecycle

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lyonnee/gmx-synthetics/internal/callback"
	"github.com/lyonnee/gmx-synthetics/internal/events"
	"github.com/lyonnee/gmx-synthetics/internal/gasfee"
	"github.com/lyonnee/gmx-synthetics/internal/model"
	"github.com/lyonnee/gmx-synthetics/internal/pricing"
	"github.com/lyonnee/gmx-synthetics/pkg/metrics"
)

// mintPlan is a validated plan to mint market tokens against pool
// deposits. apply commits pool mutations and fee transfers.
type mintPlan struct {
	minted  decimal.Decimal
	apply   func() error
	touched []model.Address
}

// planMintMarketTokens prices a deposit into market tokens: initial
// tokens are routed through their swap paths onto the pool's backing
// tokens, the deposit fee is charged per side, imbalance impact is
// applied and the remaining USD value buys market tokens at the
// current pool price.
func (e *Engine) planMintMarketTokens(
	m model.Market, state *model.MarketState,
	longToken model.Address, longAmount decimal.Decimal, longPath []model.Address,
	shortToken model.Address, shortAmount decimal.Decimal, shortPath []model.Address,
) (*mintPlan, error) {
	e.accrueMarket(m.MarketToken)

	var steps []swapStep
	inLong, inShort := decimal.Zero, decimal.Zero
	route := func(token model.Address, amount decimal.Decimal, path []model.Address) error {
		if !amount.IsPositive() {
			return nil
		}
		outToken, outAmount, s, err := e.planSwapPath(token, amount, path)
		if err != nil {
			return err
		}
		steps = append(steps, s...)
		switch outToken {
		case m.LongToken:
			inLong = inLong.Add(outAmount)
		case m.ShortToken:
			inShort = inShort.Add(outAmount)
		default:
			return ErrInvalidCollateralToken
		}
		return nil
	}
	if err := route(longToken, longAmount, longPath); err != nil {
		return nil, err
	}
	if err := route(shortToken, shortAmount, shortPath); err != nil {
		return nil, err
	}

	longPrice, err := e.feed.GetPrice(m.LongToken)
	if err != nil {
		return nil, err
	}
	shortPrice, err := e.feed.GetPrice(m.ShortToken)
	if err != nil {
		return nil, err
	}
	mtPrice, err := e.marketTokenPrice(m, state)
	if err != nil {
		return nil, err
	}

	feeLong := inLong.Mul(e.cfg.DepositFeeFactor).Truncate(30)
	feeShort := inShort.Mul(e.cfg.DepositFeeFactor).Truncate(30)
	netLong := inLong.Sub(feeLong)
	netShort := inShort.Sub(feeShort)

	initialLongUsd := state.PoolLongAmount.Mul(longPrice.Mid())
	initialShortUsd := state.PoolShortAmount.Mul(shortPrice.Mid())
	nextLongUsd := state.PoolLongAmount.Add(netLong).Mul(longPrice.Mid())
	nextShortUsd := state.PoolShortAmount.Add(netShort).Mul(shortPrice.Mid())
	impactUsd := pricing.ImbalanceImpact(initialLongUsd, initialShortUsd, nextLongUsd, nextShortUsd, e.cfg.Impact)

	depositUsd := netLong.Mul(longPrice.Mid()).Add(netShort.Mul(shortPrice.Mid()))
	chargeUsd, rebateUsd := decimal.Zero, decimal.Zero
	switch {
	case impactUsd.IsNegative():
		chargeUsd = impactUsd.Neg()
		if chargeUsd.GreaterThan(depositUsd) {
			return nil, ErrPriceImpactLargerThanOrderSize
		}
	case impactUsd.IsPositive():
		rebateUsd = minDecimal(impactUsd, state.ImpactPoolUsd)
	}
	mintedUsd := depositUsd.Add(rebateUsd).Sub(chargeUsd)
	minted := divTrunc(mintedUsd, mtPrice)

	apply := func() error {
		if err := e.applySwapSteps(steps); err != nil {
			return err
		}
		if err := e.bank.TransferOut(m.LongToken, e.cfg.FeeReceiver, feeLong, false); err != nil {
			return err
		}
		if err := e.bank.TransferOut(m.ShortToken, e.cfg.FeeReceiver, feeShort, false); err != nil {
			return err
		}
		state.PoolLongAmount = state.PoolLongAmount.Add(netLong)
		state.PoolShortAmount = state.PoolShortAmount.Add(netShort)
		state.ImpactPoolUsd = state.ImpactPoolUsd.Add(chargeUsd).Sub(rebateUsd)
		state.MarketTokenSupply = state.MarketTokenSupply.Add(minted)
		return nil
	}
	touched := append(swapBackedTokens(steps), m.LongToken, m.ShortToken)
	return &mintPlan{minted: minted, apply: apply, touched: touched}, nil
}

func depositShape(d *model.Deposit) gasfee.RequestShape {
	return gasfee.RequestShape{
		SwapHops:         len(d.LongTokenSwapPath) + len(d.ShortTokenSwapPath),
		OraclePriceCount: 2,
		CallbackGasLimit: d.CallbackGasLimit,
	}
}

// ExecuteDeposit mints market tokens for a pending deposit and returns
// the minted amount.
func (e *Engine) ExecuteDeposit(ctx context.Context, key model.Key, keeper model.Address) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	started := e.now()

	deposit, err := e.deposits.Get(key)
	if err != nil {
		return decimal.Zero, err
	}
	m, ok := e.registry.Market(deposit.Market)
	if !ok || !m.Enabled {
		return decimal.Zero, &model.UnsupportedMarketError{Market: deposit.Market}
	}
	state, _ := e.registry.State(deposit.Market)

	shape := depositShape(&deposit)
	budget := e.gas.NewBudget(e.gas.EstimateExecutionGasLimit(model.KindDeposit, shape))

	plan, err := e.planMintMarketTokens(m, state,
		deposit.InitialLongToken, deposit.InitialLongTokenAmount, deposit.LongTokenSwapPath,
		deposit.InitialShortToken, deposit.InitialShortTokenAmount, deposit.ShortTokenSwapPath,
	)
	if err != nil {
		return decimal.Zero, err
	}
	if plan.minted.LessThan(deposit.MinMarketTokens) {
		return decimal.Zero, ErrInsufficientOutputAmount
	}

	if err := e.deposits.Remove(key); err != nil {
		return decimal.Zero, err
	}
	restore := func() {
		if err := e.deposits.Set(key, deposit); err != nil {
			e.logger.Error("restoring deposit after failed settlement",
				zap.String("key", key.Hex()),
				zap.Error(err),
			)
		}
	}
	if err := plan.apply(); err != nil {
		restore()
		return decimal.Zero, err
	}
	if err := e.validateMarketTokenBalances(plan.touched...); err != nil {
		restore()
		return decimal.Zero, err
	}

	metrics.RequestsExecuted.WithLabelValues(string(model.KindDeposit)).Inc()
	metrics.ExecutionLatency.Observe(e.now().Sub(started).Seconds())

	event := events.New(events.DepositExecuted, key, deposit.Account).
		With("market", deposit.Market.Hex()).
		With("minted", plan.minted.String())
	e.sink.Emit(ctx, event)
	e.callbacks.Notify(callback.StageExecution, deposit.RequestMeta, key, event, budget)
	e.consumeBaseline(budget, model.KindDeposit, shape)
	e.settleExecutionFee(ctx, key, deposit.RequestMeta, budget, keeper, deposit.Receiver)

	e.logger.Info("deposit executed",
		zap.String("key", key.Hex()),
		zap.String("market", deposit.Market.Hex()),
		zap.String("minted", plan.minted.String()),
	)
	return plan.minted, nil
}
