package lifecycle

import (
	"context"

	"go.uber.org/zap"

	"github.com/lyonnee/gmx-synthetics/internal/callback"
	"github.com/lyonnee/gmx-synthetics/internal/events"
	"github.com/lyonnee/gmx-synthetics/internal/model"
	"github.com/lyonnee/gmx-synthetics/pkg/metrics"
)

// CancelOrder cancels a pending order at its owner's request, refunding
// escrowed collateral and the unused execution fee.
func (e *Engine) CancelOrder(ctx context.Context, key model.Key, caller model.Address, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelOrderLocked(ctx, key, caller, reason, false)
}

// cancelOrderLocked is the shared cancellation path. System-initiated
// cancellations (execution failures, auto-cancel) skip the ownership
// and minimum-age gates.
func (e *Engine) cancelOrderLocked(ctx context.Context, key model.Key, caller model.Address, reason string, system bool) error {
	order, err := e.orders.Get(key)
	if err != nil {
		return err
	}
	if !system {
		if order.Account != caller {
			return ErrUnauthorized
		}
		if e.now().Sub(order.CreatedAt) < e.cfg.MinRequestAge {
			return ErrRequestNotYetCancellable
		}
	}

	shape := orderShape(&order)
	budget := e.gas.NewBudget(e.gas.EstimateExecutionGasLimit(model.KindOrder, shape))
	if err := e.gas.ValidateCancellationBudget(budget); err != nil {
		return err
	}

	if err := e.orders.Remove(key); err != nil {
		return err
	}
	refundTo := order.RefundReceiver()
	if !order.Type.IsDecrease() && order.InitialCollateralDeltaAmount.IsPositive() {
		unwrap := order.ShouldUnwrapNative && order.InitialCollateralToken == e.cfg.NativeToken
		if err := e.bank.TransferOut(order.InitialCollateralToken, refundTo, order.InitialCollateralDeltaAmount, unwrap); err != nil {
			e.restoreOrder(key, order)
			return err
		}
	}

	positionKey := model.PositionKey(order.Account, order.Market, order.InitialCollateralToken, order.IsLong)
	e.autoCancel.Unregister(positionKey, key)

	metrics.RequestsCancelled.WithLabelValues(string(model.KindOrder)).Inc()

	event := events.New(events.OrderCancelled, key, order.Account).
		With("type", order.Type.String())
	event.Reason = reason
	e.sink.Emit(ctx, event)
	e.callbacks.Notify(callback.StageCancellation, order.RequestMeta, key, event, budget)
	e.consumeBaseline(budget, model.KindOrder, shape)
	e.settleExecutionFee(ctx, key, order.RequestMeta, budget, caller, refundTo)

	e.logger.Info("order cancelled",
		zap.String("key", key.Hex()),
		zap.String("reason", reason),
		zap.Bool("system", system),
	)
	return nil
}

// CancelDeposit cancels a pending deposit at its owner's request.
func (e *Engine) CancelDeposit(ctx context.Context, key model.Key, caller model.Address, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	deposit, err := e.deposits.Get(key)
	if err != nil {
		return err
	}
	if deposit.Account != caller {
		return ErrUnauthorized
	}
	if e.now().Sub(deposit.CreatedAt) < e.cfg.MinRequestAge {
		return ErrRequestNotYetCancellable
	}

	shape := depositShape(&deposit)
	budget := e.gas.NewBudget(e.gas.EstimateExecutionGasLimit(model.KindDeposit, shape))
	if err := e.gas.ValidateCancellationBudget(budget); err != nil {
		return err
	}

	if err := e.deposits.Remove(key); err != nil {
		return err
	}
	refundTo := deposit.RefundReceiver()
	restore := func() {
		if err := e.deposits.Set(key, deposit); err != nil {
			e.logger.Error("restoring deposit after failed refund",
				zap.String("key", key.Hex()),
				zap.Error(err),
			)
		}
	}
	if deposit.InitialLongTokenAmount.IsPositive() {
		unwrap := deposit.ShouldUnwrapNative && deposit.InitialLongToken == e.cfg.NativeToken
		if err := e.bank.TransferOut(deposit.InitialLongToken, refundTo, deposit.InitialLongTokenAmount, unwrap); err != nil {
			restore()
			return err
		}
	}
	if deposit.InitialShortTokenAmount.IsPositive() {
		unwrap := deposit.ShouldUnwrapNative && deposit.InitialShortToken == e.cfg.NativeToken
		if err := e.bank.TransferOut(deposit.InitialShortToken, refundTo, deposit.InitialShortTokenAmount, unwrap); err != nil {
			restore()
			return err
		}
	}

	metrics.RequestsCancelled.WithLabelValues(string(model.KindDeposit)).Inc()

	event := events.New(events.DepositCancelled, key, deposit.Account).
		With("market", deposit.Market.Hex())
	event.Reason = reason
	e.sink.Emit(ctx, event)
	e.callbacks.Notify(callback.StageCancellation, deposit.RequestMeta, key, event, budget)
	e.consumeBaseline(budget, model.KindDeposit, shape)
	e.settleExecutionFee(ctx, key, deposit.RequestMeta, budget, caller, refundTo)

	e.logger.Info("deposit cancelled",
		zap.String("key", key.Hex()),
		zap.String("reason", reason),
	)
	return nil
}

// CancelGlvDeposit cancels a pending GLV deposit at its owner's request.
func (e *Engine) CancelGlvDeposit(ctx context.Context, key model.Key, caller model.Address, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	gd, err := e.glvDeposits.Get(key)
	if err != nil {
		return err
	}
	if gd.Account != caller {
		return ErrUnauthorized
	}
	if e.now().Sub(gd.CreatedAt) < e.cfg.MinRequestAge {
		return ErrRequestNotYetCancellable
	}

	shape := glvDepositShape(&gd)
	budget := e.gas.NewBudget(e.gas.EstimateExecutionGasLimit(model.KindGlvDeposit, shape))
	if err := e.gas.ValidateCancellationBudget(budget); err != nil {
		return err
	}

	if err := e.glvDeposits.Remove(key); err != nil {
		return err
	}
	refundTo := gd.RefundReceiver()
	restore := func() {
		if err := e.glvDeposits.Set(key, gd); err != nil {
			e.logger.Error("restoring glv deposit after failed refund",
				zap.String("key", key.Hex()),
				zap.Error(err),
			)
		}
	}
	if gd.IsMarketTokenDeposit {
		if gd.MarketTokenAmount.IsPositive() {
			if err := e.bank.TransferOut(gd.Market, refundTo, gd.MarketTokenAmount, false); err != nil {
				restore()
				return err
			}
		}
	} else {
		if gd.InitialLongTokenAmount.IsPositive() {
			unwrap := gd.ShouldUnwrapNative && gd.InitialLongToken == e.cfg.NativeToken
			if err := e.bank.TransferOut(gd.InitialLongToken, refundTo, gd.InitialLongTokenAmount, unwrap); err != nil {
				restore()
				return err
			}
		}
		if gd.InitialShortTokenAmount.IsPositive() {
			unwrap := gd.ShouldUnwrapNative && gd.InitialShortToken == e.cfg.NativeToken
			if err := e.bank.TransferOut(gd.InitialShortToken, refundTo, gd.InitialShortTokenAmount, unwrap); err != nil {
				restore()
				return err
			}
		}
	}

	metrics.RequestsCancelled.WithLabelValues(string(model.KindGlvDeposit)).Inc()

	event := events.New(events.GlvDepositCancelled, key, gd.Account).
		With("glv", gd.Glv.Hex())
	event.Reason = reason
	e.sink.Emit(ctx, event)
	e.callbacks.Notify(callback.StageCancellation, gd.RequestMeta, key, event, budget)
	e.consumeBaseline(budget, model.KindGlvDeposit, shape)
	e.settleExecutionFee(ctx, key, gd.RequestMeta, budget, caller, refundTo)

	e.logger.Info("glv deposit cancelled",
		zap.String("key", key.Hex()),
		zap.String("reason", reason),
	)
	return nil
}
