package lifecycle

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lyonnee/gmx-synthetics/internal/callback"
	"github.com/lyonnee/gmx-synthetics/internal/events"
	"github.com/lyonnee/gmx-synthetics/internal/model"
	"github.com/lyonnee/gmx-synthetics/pkg/metrics"
)

// FreezeOrder marks a trigger order that could not be executed as
// frozen. The order stays in the store with its collateral escrow
// intact, but its execution fee is zeroed: the escrowed amount is
// forfeited to the fee receiver and the eventual cancellation settles
// a zero fee. Frozen orders can only leave the store via cancellation.
func (e *Engine) FreezeOrder(ctx context.Context, key model.Key, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, err := e.orders.Get(key)
	if err != nil {
		return err
	}
	if order.Type.IsMarket() {
		return ErrMarketOrderCannotBeFrozen
	}
	if order.IsFrozen {
		return ErrAlreadyFrozen
	}

	fee := order.ExecutionFee
	frozen := order
	frozen.IsFrozen = true
	frozen.ExecutionFee = decimal.Zero
	if err := e.orders.Set(key, frozen); err != nil {
		return err
	}
	if fee.IsPositive() {
		if err := e.bank.TransferOut(e.cfg.NativeToken, e.cfg.FeeReceiver, fee, false); err != nil {
			e.restoreOrder(key, order)
			return err
		}
	}

	metrics.OrdersFrozen.Inc()
	event := events.New(events.OrderFrozen, key, order.Account).
		With("type", order.Type.String()).
		With("forfeited_fee", fee.String())
	event.Reason = reason
	e.sink.Emit(ctx, event)
	e.callbacks.Notify(callback.StageFreeze, frozen.RequestMeta, key, event, nil)

	e.logger.Info("order frozen",
		zap.String("key", key.Hex()),
		zap.String("reason", reason),
	)
	return nil
}
