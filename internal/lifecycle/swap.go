package lifecycle

import (
	"github.com/shopspring/decimal"

	"github.com/lyonnee/gmx-synthetics/internal/model"
	"github.com/lyonnee/gmx-synthetics/internal/pricing"
)

// swapStep is one priced hop of a swap path. Steps are computed
// side-effect free and applied only after the operation commits.
type swapStep struct {
	market model.Market
	state  *model.MarketState

	tokenIn          model.Address
	feeAmount        decimal.Decimal
	amountInAfterFee decimal.Decimal

	tokenOut  model.Address
	amountOut decimal.Decimal

	// chargeUsd grows the pending impact pool (negative impact);
	// rebateUsd drains it (positive impact).
	chargeUsd decimal.Decimal
	rebateUsd decimal.Decimal
}

// planSwapPath prices amountIn of tokenIn through the path against the
// current pool state without mutating anything. Each hop charges the
// swap fee, converts at min-in/max-out oracle prices and applies the
// pool-imbalance price impact.
func (e *Engine) planSwapPath(tokenIn model.Address, amountIn decimal.Decimal, path []model.Address) (model.Address, decimal.Decimal, []swapStep, error) {
	steps := make([]swapStep, 0, len(path))

	for i, marketToken := range path {
		m, ok := e.registry.Market(marketToken)
		if !ok {
			return model.Address{}, decimal.Zero, nil, &model.InvalidSwapPathError{Index: i, Market: marketToken}
		}
		if !m.Enabled {
			return model.Address{}, decimal.Zero, nil, &model.UnsupportedMarketError{Market: marketToken}
		}
		var tokenOut model.Address
		switch tokenIn {
		case m.LongToken:
			tokenOut = m.ShortToken
		case m.ShortToken:
			tokenOut = m.LongToken
		default:
			return model.Address{}, decimal.Zero, nil, &model.InvalidSwapPathError{Index: i, Market: marketToken}
		}
		state, ok := e.registry.State(marketToken)
		if !ok {
			return model.Address{}, decimal.Zero, nil, &model.InvalidSwapPathError{Index: i, Market: marketToken}
		}
		e.accrueMarket(marketToken)

		priceIn, err := e.feed.GetPrice(tokenIn)
		if err != nil {
			return model.Address{}, decimal.Zero, nil, err
		}
		priceOut, err := e.feed.GetPrice(tokenOut)
		if err != nil {
			return model.Address{}, decimal.Zero, nil, err
		}

		feeAmount := amountIn.Mul(e.cfg.SwapFeeFactor).Truncate(30)
		afterFee := amountIn.Sub(feeAmount)
		usdIn := afterFee.Mul(priceIn.Min)
		baseOut := divTrunc(usdIn, priceOut.Max)

		poolIn, poolOut := state.PoolLongAmount, state.PoolShortAmount
		if tokenIn == m.ShortToken {
			poolIn, poolOut = poolOut, poolIn
		}
		initialInUsd := poolIn.Mul(priceIn.Mid())
		initialOutUsd := poolOut.Mul(priceOut.Mid())
		nextInUsd := poolIn.Add(afterFee).Mul(priceIn.Mid())
		nextOutUsd := poolOut.Sub(baseOut).Mul(priceOut.Mid())

		var impactUsd decimal.Decimal
		if tokenIn == m.LongToken {
			impactUsd = pricing.ImbalanceImpact(initialInUsd, initialOutUsd, nextInUsd, nextOutUsd, e.cfg.Impact)
		} else {
			impactUsd = pricing.ImbalanceImpact(initialOutUsd, initialInUsd, nextOutUsd, nextInUsd, e.cfg.Impact)
		}

		adjustedUsd := usdIn
		charge, rebate := decimal.Zero, decimal.Zero
		switch {
		case impactUsd.IsNegative():
			adjustedUsd = adjustedUsd.Add(impactUsd)
			if adjustedUsd.IsNegative() {
				return model.Address{}, decimal.Zero, nil, ErrPriceImpactLargerThanOrderSize
			}
			charge = impactUsd.Neg()
		case impactUsd.IsPositive():
			rebate = minDecimal(impactUsd, state.ImpactPoolUsd)
			adjustedUsd = adjustedUsd.Add(rebate)
		}

		amountOut := divTrunc(adjustedUsd, priceOut.Max)
		if poolOut.LessThan(amountOut) {
			return model.Address{}, decimal.Zero, nil, ErrInsufficientPoolAmount
		}

		steps = append(steps, swapStep{
			market:           m,
			state:            state,
			tokenIn:          tokenIn,
			feeAmount:        feeAmount,
			amountInAfterFee: afterFee,
			tokenOut:         tokenOut,
			amountOut:        amountOut,
		})
		steps[len(steps)-1].chargeUsd = charge
		steps[len(steps)-1].rebateUsd = rebate

		tokenIn, amountIn = tokenOut, amountOut
	}
	return tokenIn, amountIn, steps, nil
}

// applySwapSteps commits planned hops: pays the per-hop protocol fee
// and rebalances the pools. The swapped-out tokens stay in custody for
// the caller to settle.
func (e *Engine) applySwapSteps(steps []swapStep) error {
	for _, s := range steps {
		if err := e.bank.TransferOut(s.tokenIn, e.cfg.FeeReceiver, s.feeAmount, false); err != nil {
			return err
		}
		if s.tokenIn == s.market.LongToken {
			s.state.PoolLongAmount = s.state.PoolLongAmount.Add(s.amountInAfterFee)
			s.state.PoolShortAmount = s.state.PoolShortAmount.Sub(s.amountOut)
		} else {
			s.state.PoolShortAmount = s.state.PoolShortAmount.Add(s.amountInAfterFee)
			s.state.PoolLongAmount = s.state.PoolLongAmount.Sub(s.amountOut)
		}
		s.state.ImpactPoolUsd = s.state.ImpactPoolUsd.Add(s.chargeUsd).Sub(s.rebateUsd)
	}
	return nil
}

// swapBackedTokens lists the tokens whose custody balance a swap plan
// touches, for the post-settlement balance check.
func swapBackedTokens(steps []swapStep) []model.Address {
	tokens := make([]model.Address, 0, len(steps)*2)
	for _, s := range steps {
		tokens = append(tokens, s.tokenIn, s.tokenOut)
	}
	return tokens
}
