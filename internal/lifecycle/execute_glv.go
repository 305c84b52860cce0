package lifecycle

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lyonnee/gmx-synthetics/internal/callback"
	"github.com/lyonnee/gmx-synthetics/internal/events"
	"github.com/lyonnee/gmx-synthetics/internal/gasfee"
	"github.com/lyonnee/gmx-synthetics/internal/model"
	"github.com/lyonnee/gmx-synthetics/pkg/metrics"
)

func glvDepositShape(d *model.GlvDeposit) gasfee.RequestShape {
	return gasfee.RequestShape{
		SwapHops:         len(d.LongTokenSwapPath) + len(d.ShortTokenSwapPath),
		OraclePriceCount: 3,
		CallbackGasLimit: d.CallbackGasLimit,
	}
}

// glvTokenPrice values one GLV share: the vault's market token holdings
// at current market token prices over supply, or 1 for an empty supply.
func (e *Engine) glvTokenPrice(glv *model.Glv) (decimal.Decimal, error) {
	if glv.Supply.IsZero() {
		return decimal.NewFromInt(1), nil
	}
	value := decimal.Zero
	for marketToken, balance := range glv.MarketTokenBalances {
		m, ok := e.registry.Market(marketToken)
		if !ok {
			continue
		}
		state, _ := e.registry.State(marketToken)
		price, err := e.marketTokenPrice(m, state)
		if err != nil {
			return decimal.Zero, err
		}
		value = value.Add(balance.Mul(price))
	}
	return divTrunc(value, glv.Supply), nil
}

// ExecuteGlvDeposit settles a pending GLV deposit: underlying tokens
// are first minted into market tokens (unless provided directly), then
// the vault issues GLV shares at its current share price. Returns the
// GLV tokens minted.
func (e *Engine) ExecuteGlvDeposit(ctx context.Context, key model.Key, keeper model.Address) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	started := e.now()

	gd, err := e.glvDeposits.Get(key)
	if err != nil {
		return decimal.Zero, err
	}
	glv, ok := e.registry.Glv(gd.Glv)
	if !ok {
		return decimal.Zero, ErrEmptyGlv
	}
	m, ok := e.registry.Market(gd.Market)
	if !ok || !m.Enabled {
		return decimal.Zero, &model.UnsupportedMarketError{Market: gd.Market}
	}
	state, _ := e.registry.State(gd.Market)

	shape := glvDepositShape(&gd)
	budget := e.gas.NewBudget(e.gas.EstimateExecutionGasLimit(model.KindGlvDeposit, shape))

	marketTokens := gd.MarketTokenAmount
	var mint *mintPlan
	if !gd.IsMarketTokenDeposit {
		mint, err = e.planMintMarketTokens(m, state,
			gd.InitialLongToken, gd.InitialLongTokenAmount, gd.LongTokenSwapPath,
			gd.InitialShortToken, gd.InitialShortTokenAmount, gd.ShortTokenSwapPath,
		)
		if err != nil {
			return decimal.Zero, err
		}
		marketTokens = mint.minted
	}

	mtPrice, err := e.marketTokenPrice(m, state)
	if err != nil {
		return decimal.Zero, err
	}
	glvPrice, err := e.glvTokenPrice(glv)
	if err != nil {
		return decimal.Zero, err
	}
	glvMinted := divTrunc(marketTokens.Mul(mtPrice), glvPrice)
	if glvMinted.LessThan(gd.MinGlvTokens) {
		return decimal.Zero, ErrInsufficientOutputAmount
	}

	if err := e.glvDeposits.Remove(key); err != nil {
		return decimal.Zero, err
	}
	restore := func() {
		if err := e.glvDeposits.Set(key, gd); err != nil {
			e.logger.Error("restoring glv deposit after failed settlement",
				zap.String("key", key.Hex()),
				zap.Error(err),
			)
		}
	}
	var touched []model.Address
	if mint != nil {
		if err := mint.apply(); err != nil {
			restore()
			return decimal.Zero, err
		}
		touched = mint.touched
	}
	if err := e.validateMarketTokenBalances(touched...); err != nil {
		restore()
		return decimal.Zero, err
	}

	glv.MarketTokenBalances[gd.Market] = glv.MarketTokenBalances[gd.Market].Add(marketTokens)
	glv.Supply = glv.Supply.Add(glvMinted)

	metrics.RequestsExecuted.WithLabelValues(string(model.KindGlvDeposit)).Inc()
	metrics.ExecutionLatency.Observe(e.now().Sub(started).Seconds())

	event := events.New(events.GlvDepositExecuted, key, gd.Account).
		With("glv", gd.Glv.Hex()).
		With("market", gd.Market.Hex()).
		With("market_tokens", marketTokens.String()).
		With("glv_minted", glvMinted.String())
	e.sink.Emit(ctx, event)
	e.callbacks.Notify(callback.StageExecution, gd.RequestMeta, key, event, budget)
	e.consumeBaseline(budget, model.KindGlvDeposit, shape)
	e.settleExecutionFee(ctx, key, gd.RequestMeta, budget, keeper, gd.Receiver)

	e.logger.Info("glv deposit executed",
		zap.String("key", key.Hex()),
		zap.String("glv", gd.Glv.Hex()),
		zap.String("glv_minted", glvMinted.String()),
	)
	return glvMinted, nil
}
