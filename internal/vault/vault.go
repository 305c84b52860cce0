// Package vault abstracts token custody for the lifecycle engine.
package vault

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lyonnee/gmx-synthetics/internal/model"
)

// ErrInsufficientVaultBalance indicates an attempted transfer-out beyond
// the vault's recorded holdings. Hitting this mid-settlement is an
// accounting invariant violation, not a user error.
var ErrInsufficientVaultBalance = errors.New("insufficient vault balance")

// Vault is the custody interface the engine settles against.
type Vault interface {
	// Address is the custody address itself; receivers must never
	// resolve to it.
	Address() model.Address
	// RecordTransferIn returns the amount received since the last
	// recording for the token and advances the watermark.
	RecordTransferIn(token model.Address) decimal.Decimal
	// TransferOut moves amount of token out of custody to the receiver.
	TransferOut(token, to model.Address, amount decimal.Decimal, unwrapNative bool) error
	// Balance reports current custody holdings of the token.
	Balance(token model.Address) decimal.Decimal
}

// Transfer is one outbound custody movement, retained for reconciliation.
type Transfer struct {
	Token        model.Address
	To           model.Address
	Amount       decimal.Decimal
	UnwrapNative bool
}

// Bank is the in-process Vault implementation. Inbound funds are
// credited explicitly (the off-chain analogue of a token transfer to
// the vault) and picked up by the next RecordTransferIn.
type Bank struct {
	mu           sync.Mutex
	addr         model.Address
	balances     map[model.Address]decimal.Decimal
	lastRecorded map[model.Address]decimal.Decimal
	outbound     []Transfer
	logger       *zap.Logger
}

func NewBank(addr model.Address, logger *zap.Logger) *Bank {
	return &Bank{
		addr:         addr,
		balances:     make(map[model.Address]decimal.Decimal),
		lastRecorded: make(map[model.Address]decimal.Decimal),
		logger:       logger,
	}
}

func (b *Bank) Address() model.Address {
	return b.addr
}

// Credit records an inbound transfer of token into custody.
func (b *Bank) Credit(token model.Address, amount decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[token] = b.balances[token].Add(amount)
}

func (b *Bank) RecordTransferIn(token model.Address) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := b.balances[token]
	delta := current.Sub(b.lastRecorded[token])
	b.lastRecorded[token] = current
	if delta.IsNegative() {
		// Balance shrank between recordings; nothing new came in.
		return decimal.Zero
	}
	return delta
}

func (b *Bank) TransferOut(token, to model.Address, amount decimal.Decimal, unwrapNative bool) error {
	if amount.IsZero() {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	balance := b.balances[token]
	if balance.LessThan(amount) {
		return ErrInsufficientVaultBalance
	}
	b.balances[token] = balance.Sub(amount)
	b.lastRecorded[token] = b.balances[token]
	b.outbound = append(b.outbound, Transfer{Token: token, To: to, Amount: amount, UnwrapNative: unwrapNative})
	b.logger.Debug("vault transfer out",
		zap.String("token", token.Hex()),
		zap.String("to", to.Hex()),
		zap.String("amount", amount.String()),
		zap.Bool("unwrap", unwrapNative),
	)
	return nil
}

func (b *Bank) Balance(token model.Address) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[token]
}

// TransferredTo sums outbound transfers of token to a receiver.
func (b *Bank) TransferredTo(to, token model.Address) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := decimal.Zero
	for _, tr := range b.outbound {
		if tr.To == to && tr.Token == token {
			total = total.Add(tr.Amount)
		}
	}
	return total
}

// Outbound returns a copy of the outbound transfer log.
func (b *Bank) Outbound() []Transfer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Transfer, len(b.outbound))
	copy(out, b.outbound)
	return out
}
