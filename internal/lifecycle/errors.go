package lifecycle

import (
	"errors"

	"github.com/lyonnee/gmx-synthetics/internal/store"
)

// ErrEmptyRequest is re-exported from the store: a key that never
// existed or was already executed/cancelled.
var ErrEmptyRequest = store.ErrEmptyRequest

var (
	// ErrEmptyAccount rejects requests without an owning account.
	ErrEmptyAccount = errors.New("empty account")

	// ErrEmptyReceiver rejects requests without a receiver.
	ErrEmptyReceiver = errors.New("empty receiver")

	// ErrInvalidReceiver rejects receivers resolving to the custody
	// vault itself, which would strand funds.
	ErrInvalidReceiver = errors.New("invalid receiver: custody vault")

	// ErrEmptyDepositAmounts rejects deposits funding nothing.
	ErrEmptyDepositAmounts = errors.New("empty deposit amounts")

	// ErrUnauthorized rejects owner-only actions by non-owners.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRequestNotYetCancellable gates user-initiated cancellation on
	// a configured minimum request age.
	ErrRequestNotYetCancellable = errors.New("request not yet cancellable")

	// ErrOrderTypeCannotBeCreated rejects creation of types outside
	// the creatable set.
	ErrOrderTypeCannotBeCreated = errors.New("order type cannot be created")

	// ErrUnsupportedOrderType rejects execution of types outside the
	// executable set.
	ErrUnsupportedOrderType = errors.New("unsupported order type")

	// ErrAlreadyFrozen rejects freezing (or executing) a frozen order.
	ErrAlreadyFrozen = errors.New("order already frozen")

	// ErrMarketOrderCannotBeFrozen: only trigger orders are freezable.
	ErrMarketOrderCannotBeFrozen = errors.New("market orders cannot be frozen")

	// ErrSwapPathLengthExceeded rejects overlong swap paths.
	ErrSwapPathLengthExceeded = errors.New("swap path length exceeded")

	// ErrEmptyPosition: a decrease order found no position to act on.
	ErrEmptyPosition = errors.New("empty position")

	// ErrEmptyGlv: the referenced GLV vault is unknown.
	ErrEmptyGlv = errors.New("empty glv")

	// ErrInvalidGlvDepositMode: market-token and underlying-token
	// funding are mutually exclusive.
	ErrInvalidGlvDepositMode = errors.New("invalid glv deposit mode")

	// ErrInvalidCollateralToken: the post-swap collateral token is not
	// backing the order's market.
	ErrInvalidCollateralToken = errors.New("invalid collateral token for market")

	// ErrInsufficientOutputAmount: settlement produced less than the
	// request's declared minimum.
	ErrInsufficientOutputAmount = errors.New("insufficient output amount")

	// ErrPriceImpactLargerThanOrderSize: the negative impact charge
	// exceeds the value being moved, leaving nothing to output.
	ErrPriceImpactLargerThanOrderSize = errors.New("price impact larger than order size")

	// ErrInsufficientPoolAmount: the pool cannot cover the requested
	// output.
	ErrInsufficientPoolAmount = errors.New("insufficient pool amount")

	// ErrInsufficientCollateralAmount: fees and losses exceed the
	// collateral backing the change.
	ErrInsufficientCollateralAmount = errors.New("insufficient collateral amount")

	// ErrTriggerConditionNotMet: the oracle price does not satisfy the
	// order's trigger condition.
	ErrTriggerConditionNotMet = errors.New("trigger condition not met")

	// ErrOrderNotFulfillable: the execution price breaches the order's
	// acceptable price.
	ErrOrderNotFulfillable = errors.New("order not fulfillable at acceptable price")

	// ErrOrderValidFromTimeNotReached gates deferred orders.
	ErrOrderValidFromTimeNotReached = errors.New("order valid-from time not reached")

	// ErrInvalidMarketTokenBalance: post-execution custody balance fell
	// below recorded liabilities.
	ErrInvalidMarketTokenBalance = errors.New("market token balance below recorded liabilities")
)
