package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/lyonnee/gmx-synthetics/internal/autocancel"
	"github.com/lyonnee/gmx-synthetics/internal/callback"
	"github.com/lyonnee/gmx-synthetics/internal/events"
	"github.com/lyonnee/gmx-synthetics/internal/gasfee"
	"github.com/lyonnee/gmx-synthetics/internal/model"
	"github.com/lyonnee/gmx-synthetics/internal/oracle"
	"github.com/lyonnee/gmx-synthetics/internal/store"
	"github.com/lyonnee/gmx-synthetics/internal/vault"
)

var (
	vaultAddr   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	feeReceiver = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	keeperAddr  = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	accountAddr = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	recvAddr    = common.HexToAddress("0x0000000000000000000000000000000000000a02")
	cbContract  = common.HexToAddress("0x0000000000000000000000000000000000000c01")
	weth        = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	usdc        = common.HexToAddress("0x0000000000000000000000000000000000000e02")
	wnt         = common.HexToAddress("0x0000000000000000000000000000000000000e03")
	ethMarket   = common.HexToAddress("0x0000000000000000000000000000000000009901")
	glvToken    = common.HexToAddress("0x0000000000000000000000000000000000009902")
)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type EngineSuite struct {
	suite.Suite

	logger *zap.Logger
	cfg    Config
	engine *Engine
	bank   *vault.Bank
	feed   *oracle.StaticFeed
	reg    *model.MarketRegistry
	sink   *events.CollectSink
	hooks  callback.MapRegistry
	cur    time.Time
	ctx    context.Context
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.logger = zaptest.NewLogger(s.T())
	s.ctx = context.Background()
	s.cfg = DefaultConfig()
	s.cfg.NativeToken = wnt
	s.cfg.FeeReceiver = feeReceiver
	s.buildEngine()
}

func (s *EngineSuite) buildEngine() {
	s.bank = vault.NewBank(vaultAddr, s.logger)
	s.feed = oracle.NewStaticFeed()
	s.reg = model.NewMarketRegistry()
	s.reg.AddMarket(model.Market{
		MarketToken: ethMarket,
		IndexToken:  weth,
		LongToken:   weth,
		ShortToken:  usdc,
		Enabled:     true,
	})
	s.reg.AddGlv(glvToken)
	s.sink = &events.CollectSink{}
	s.hooks = callback.MapRegistry{}
	s.cur = time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	s.engine = New(s.cfg, Deps{
		Orders:      store.NewMemoryStore[model.Order](),
		Deposits:    store.NewMemoryStore[model.Deposit](),
		GlvDeposits: store.NewMemoryStore[model.GlvDeposit](),
		Keys:        store.NewKeySequence(),
		Registry:    s.reg,
		Feed:        s.feed,
		Vault:       s.bank,
		Gas:         gasfee.NewAccountant(gasfee.DefaultConfig(), s.logger),
		Sink:        s.sink,
		Callbacks:   callback.NewSupervisor(s.hooks, s.logger),
		Logger:      s.logger,
		Clock:       func() time.Time { return s.cur },
	})
	s.feed.Set(weth, dec("5000"))
	s.feed.Set(usdc, dec("1"))
	s.feed.Set(wnt, dec("1"))
}

// seedPool funds the market's pool directly, keeping custody and the
// transfer-in watermark consistent.
func (s *EngineSuite) seedPool(longAmount, shortAmount string) {
	state, ok := s.reg.State(ethMarket)
	s.Require().True(ok)
	state.PoolLongAmount = dec(longAmount)
	state.PoolShortAmount = dec(shortAmount)
	s.bank.Credit(weth, dec(longAmount))
	s.bank.Credit(usdc, dec(shortAmount))
	s.bank.RecordTransferIn(weth)
	s.bank.RecordTransferIn(usdc)
}

func (s *EngineSuite) assertDec(expected string, got decimal.Decimal) {
	s.True(dec(expected).Equal(got), "expected %s, got %s", expected, got)
}

func (s *EngineSuite) fund(token common.Address, amount string) {
	s.bank.Credit(token, dec(amount))
}

func (s *EngineSuite) swapOrderParams() CreateOrderParams {
	return CreateOrderParams{
		Account:                      accountAddr,
		Receiver:                     recvAddr,
		ExecutionFee:                 dec("0.0005"),
		Market:                       model.Address{},
		Type:                         model.OrderTypeMarketSwap,
		InitialCollateralToken:       weth,
		InitialCollateralDeltaAmount: dec("2"),
		SwapPath:                     []model.Address{ethMarket},
	}
}

func (s *EngineSuite) TestCreateOrderValidation() {
	p := s.swapOrderParams()
	p.Account = model.Address{}
	_, err := s.engine.CreateOrder(s.ctx, p)
	s.ErrorIs(err, ErrEmptyAccount)

	p = s.swapOrderParams()
	p.Receiver = vaultAddr
	_, err = s.engine.CreateOrder(s.ctx, p)
	s.ErrorIs(err, ErrInvalidReceiver)

	p = s.swapOrderParams()
	p.Type = model.OrderType(99)
	_, err = s.engine.CreateOrder(s.ctx, p)
	s.ErrorIs(err, ErrOrderTypeCannotBeCreated)

	p = s.swapOrderParams()
	p.SwapPath = make([]model.Address, 6)
	_, err = s.engine.CreateOrder(s.ctx, p)
	s.ErrorIs(err, ErrSwapPathLengthExceeded)

	p = s.swapOrderParams()
	unknown := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	p.SwapPath = []model.Address{unknown}
	_, err = s.engine.CreateOrder(s.ctx, p)
	var pathErr *model.InvalidSwapPathError
	s.ErrorAs(err, &pathErr)
	s.Equal(unknown, pathErr.Market)
}

func (s *EngineSuite) TestCreateOrderFeeTooLowRefundsEscrow() {
	s.fund(weth, "2")
	s.fund(wnt, "0.0001")
	p := s.swapOrderParams()
	p.ExecutionFee = dec("0.0001")
	_, err := s.engine.CreateOrder(s.ctx, p)
	s.ErrorIs(err, gasfee.ErrInsufficientExecutionFee)

	// Both escrows come back.
	s.assertDec("2", s.bank.TransferredTo(accountAddr, weth))
	s.assertDec("0.0001", s.bank.TransferredTo(accountAddr, wnt))
}

func (s *EngineSuite) TestCreateOrderCapsExcessiveFee() {
	s.fund(weth, "2")
	s.fund(wnt, "0.01")
	p := s.swapOrderParams()
	p.ExecutionFee = dec("0.01")
	key, err := s.engine.CreateOrder(s.ctx, p)
	s.Require().NoError(err)

	// 1 hop, 4 oracle prices: cost 250k gas at 1 gwei, capped at 5x.
	order, err := s.engine.Order(key)
	s.Require().NoError(err)
	s.assertDec("0.00125", order.ExecutionFee)
	s.assertDec("0.00875", s.bank.TransferredTo(accountAddr, wnt))
}

func (s *EngineSuite) TestExecuteMarketSwap() {
	s.seedPool("100", "500000")
	s.fund(weth, "2")
	s.fund(wnt, "0.0005")

	key, err := s.engine.CreateOrder(s.ctx, s.swapOrderParams())
	s.Require().NoError(err)
	s.Len(s.sink.Named(events.OrderCreated), 1)

	s.Require().NoError(s.engine.ExecuteOrder(s.ctx, key, keeperAddr))

	// 2 weth in, 0.1% fee, 1.999 weth swapped at 5000 -> 9995 USD,
	// minus 7.992002 USD negative imbalance impact.
	s.assertDec("9987.007998", s.bank.TransferredTo(recvAddr, usdc))
	s.assertDec("0.001", s.bank.TransferredTo(feeReceiver, weth))

	state, _ := s.reg.State(ethMarket)
	s.assertDec("101.999", state.PoolLongAmount)
	s.assertDec("490012.992002", state.PoolShortAmount)
	s.assertDec("7.992002", state.ImpactPoolUsd)

	// Keeper paid from the escrowed fee, remainder refunded.
	s.assertDec("0.00025", s.bank.TransferredTo(keeperAddr, wnt))
	s.assertDec("0.00025", s.bank.TransferredTo(recvAddr, wnt))

	// Custody still covers pool liabilities.
	s.True(s.bank.Balance(weth).GreaterThanOrEqual(s.reg.Liability(weth)))
	s.True(s.bank.Balance(usdc).GreaterThanOrEqual(s.reg.Liability(usdc)))

	// At most once: the key is spent.
	s.ErrorIs(s.engine.ExecuteOrder(s.ctx, key, keeperAddr), ErrEmptyRequest)
	s.Len(s.sink.Named(events.OrderExecuted), 1)
	s.Len(s.sink.Named(events.ExecutionFeePaid), 1)
}

func (s *EngineSuite) TestFailedExecutionLeavesOrderPending() {
	s.seedPool("100", "500000")
	s.fund(weth, "2")
	s.fund(wnt, "0.0005")

	p := s.swapOrderParams()
	p.MinOutputAmount = dec("99999")
	key, err := s.engine.CreateOrder(s.ctx, p)
	s.Require().NoError(err)

	err = s.engine.ExecuteOrder(s.ctx, key, keeperAddr)
	s.ErrorIs(err, ErrInsufficientOutputAmount)

	// Nothing moved, the order is still pending and cancellable.
	s.assertDec("0", s.bank.TransferredTo(feeReceiver, weth))
	_, err = s.engine.Order(key)
	s.NoError(err)

	s.cur = s.cur.Add(6 * time.Minute)
	s.Require().NoError(s.engine.CancelOrder(s.ctx, key, accountAddr, "user requested"))
	s.assertDec("2", s.bank.TransferredTo(accountAddr, weth))
	// Cancellation fee split: keeper share plus refund, both to the
	// cancelling account here.
	s.assertDec("0.0005", s.bank.TransferredTo(accountAddr, wnt))
	s.ErrorIs(s.engine.CancelOrder(s.ctx, key, accountAddr, "again"), ErrEmptyRequest)
}

func (s *EngineSuite) TestCancelOrderGates() {
	s.fund(weth, "2")
	s.fund(wnt, "0.0005")
	key, err := s.engine.CreateOrder(s.ctx, s.swapOrderParams())
	s.Require().NoError(err)

	s.ErrorIs(s.engine.CancelOrder(s.ctx, key, keeperAddr, "not mine"), ErrUnauthorized)
	s.ErrorIs(s.engine.CancelOrder(s.ctx, key, accountAddr, "too soon"), ErrRequestNotYetCancellable)

	s.cur = s.cur.Add(s.cfg.MinRequestAge)
	s.NoError(s.engine.CancelOrder(s.ctx, key, accountAddr, "old enough"))
	cancelled := s.sink.Named(events.OrderCancelled)
	s.Require().Len(cancelled, 1)
	s.Equal("old enough", cancelled[0].Reason)
}

func (s *EngineSuite) TestCancelDepositRefundsBothSides() {
	s.fund(weth, "3")
	s.fund(usdc, "1000")
	s.fund(wnt, "0.0005")
	key, err := s.engine.CreateDeposit(s.ctx, CreateDepositParams{
		Account:           accountAddr,
		Receiver:          recvAddr,
		ExecutionFee:      dec("0.0005"),
		Market:            ethMarket,
		InitialLongToken:  weth,
		InitialShortToken: usdc,
	})
	s.Require().NoError(err)

	s.ErrorIs(s.engine.CancelDeposit(s.ctx, key, keeperAddr, "not mine"), ErrUnauthorized)
	s.ErrorIs(s.engine.CancelDeposit(s.ctx, key, accountAddr, "too soon"), ErrRequestNotYetCancellable)

	s.cur = s.cur.Add(s.cfg.MinRequestAge)
	s.Require().NoError(s.engine.CancelDeposit(s.ctx, key, accountAddr, "user requested"))

	// Both escrowed sides come back exactly once, and the fee settles
	// in full to the cancelling account (keeper share plus refund).
	s.assertDec("3", s.bank.TransferredTo(accountAddr, weth))
	s.assertDec("1000", s.bank.TransferredTo(accountAddr, usdc))
	s.assertDec("0.0005", s.bank.TransferredTo(accountAddr, wnt))
	s.assertDec("0", s.bank.Balance(weth))
	s.assertDec("0", s.bank.Balance(usdc))

	s.ErrorIs(s.engine.CancelDeposit(s.ctx, key, accountAddr, "again"), ErrEmptyRequest)
	cancelled := s.sink.Named(events.DepositCancelled)
	s.Require().Len(cancelled, 1)
	s.Equal("user requested", cancelled[0].Reason)
}

func (s *EngineSuite) TestCancelGlvDepositRefundsMarketTokens() {
	s.fund(ethMarket, "1000")
	s.fund(wnt, "0.0005")
	key, err := s.engine.CreateGlvDeposit(s.ctx, CreateGlvDepositParams{
		Account:              accountAddr,
		Receiver:             recvAddr,
		ExecutionFee:         dec("0.0005"),
		Glv:                  glvToken,
		Market:               ethMarket,
		IsMarketTokenDeposit: true,
	})
	s.Require().NoError(err)

	s.ErrorIs(s.engine.CancelGlvDeposit(s.ctx, key, keeperAddr, "not mine"), ErrUnauthorized)
	s.ErrorIs(s.engine.CancelGlvDeposit(s.ctx, key, accountAddr, "too soon"), ErrRequestNotYetCancellable)

	s.cur = s.cur.Add(s.cfg.MinRequestAge)
	s.Require().NoError(s.engine.CancelGlvDeposit(s.ctx, key, accountAddr, "user requested"))

	s.assertDec("1000", s.bank.TransferredTo(accountAddr, ethMarket))
	s.assertDec("0.0005", s.bank.TransferredTo(accountAddr, wnt))
	s.ErrorIs(s.engine.CancelGlvDeposit(s.ctx, key, accountAddr, "again"), ErrEmptyRequest)
	s.Require().Len(s.sink.Named(events.GlvDepositCancelled), 1)
}

func (s *EngineSuite) TestDepositMintsAtPoolValue() {
	s.cfg.DepositFeeFactor = dec("0.05")
	s.buildEngine()

	s.fund(weth, "10")
	s.fund(usdc, "50000")
	s.fund(wnt, "0.0005")
	key, err := s.engine.CreateDeposit(s.ctx, CreateDepositParams{
		Account:           accountAddr,
		Receiver:          recvAddr,
		ExecutionFee:      dec("0.0005"),
		Market:            ethMarket,
		InitialLongToken:  weth,
		InitialShortToken: usdc,
	})
	s.Require().NoError(err)

	minted, err := s.engine.ExecuteDeposit(s.ctx, key, keeperAddr)
	s.Require().NoError(err)

	// 10 weth at 5000 and 50000 usdc at 1, 5% deposit fee per side:
	// 47500 + 47500 USD into an empty pool mints at price 1.
	s.assertDec("95000", minted)

	state, _ := s.reg.State(ethMarket)
	s.assertDec("9.5", state.PoolLongAmount)
	s.assertDec("47500", state.PoolShortAmount)
	s.assertDec("95000", state.MarketTokenSupply)
	s.assertDec("0.5", s.bank.TransferredTo(feeReceiver, weth))
	s.assertDec("2500", s.bank.TransferredTo(feeReceiver, usdc))

	executed := s.sink.Named(events.DepositExecuted)
	s.Require().Len(executed, 1)
	s.Equal("95000", executed[0].Fields["minted"])
}

func (s *EngineSuite) TestDepositMinMarketTokensNotMet() {
	s.fund(weth, "1")
	s.fund(wnt, "0.0005")
	key, err := s.engine.CreateDeposit(s.ctx, CreateDepositParams{
		Account:           accountAddr,
		Receiver:          recvAddr,
		ExecutionFee:      dec("0.0005"),
		Market:            ethMarket,
		InitialLongToken:  weth,
		InitialShortToken: usdc,
		MinMarketTokens:   dec("999999999"),
	})
	s.Require().NoError(err)

	_, err = s.engine.ExecuteDeposit(s.ctx, key, keeperAddr)
	s.ErrorIs(err, ErrInsufficientOutputAmount)
	_, err = s.engine.Deposit(key)
	s.NoError(err)
}

func (s *EngineSuite) TestCreateDepositEmptyAmounts() {
	s.fund(wnt, "0.0005")
	_, err := s.engine.CreateDeposit(s.ctx, CreateDepositParams{
		Account:           accountAddr,
		Receiver:          recvAddr,
		ExecutionFee:      dec("0.0005"),
		Market:            ethMarket,
		InitialLongToken:  weth,
		InitialShortToken: usdc,
	})
	s.ErrorIs(err, ErrEmptyDepositAmounts)
	// The escrowed fee is returned.
	s.assertDec("0.0005", s.bank.TransferredTo(accountAddr, wnt))
}

func (s *EngineSuite) TestGlvDepositFromUnderlyingTokens() {
	s.fund(weth, "1")
	s.fund(usdc, "5000")
	s.fund(wnt, "0.0005")
	key, err := s.engine.CreateGlvDeposit(s.ctx, CreateGlvDepositParams{
		Account:           accountAddr,
		Receiver:          recvAddr,
		ExecutionFee:      dec("0.0005"),
		Glv:               glvToken,
		Market:            ethMarket,
		InitialLongToken:  weth,
		InitialShortToken: usdc,
	})
	s.Require().NoError(err)

	minted, err := s.engine.ExecuteGlvDeposit(s.ctx, key, keeperAddr)
	s.Require().NoError(err)
	s.True(minted.IsPositive())

	glv, _ := s.reg.Glv(glvToken)
	s.True(glv.Supply.Equal(minted))
	s.True(glv.MarketTokenBalances[ethMarket].IsPositive())
}

func (s *EngineSuite) TestGlvDepositFromMarketTokens() {
	s.fund(ethMarket, "1000")
	s.fund(wnt, "0.0005")
	key, err := s.engine.CreateGlvDeposit(s.ctx, CreateGlvDepositParams{
		Account:              accountAddr,
		Receiver:             recvAddr,
		ExecutionFee:         dec("0.0005"),
		Glv:                  glvToken,
		Market:               ethMarket,
		IsMarketTokenDeposit: true,
	})
	s.Require().NoError(err)

	// Empty pool and empty vault both price at 1.
	minted, err := s.engine.ExecuteGlvDeposit(s.ctx, key, keeperAddr)
	s.Require().NoError(err)
	s.assertDec("1000", minted)

	glv, _ := s.reg.Glv(glvToken)
	s.assertDec("1000", glv.Supply)
	s.assertDec("1000", glv.MarketTokenBalances[ethMarket])
}

func (s *EngineSuite) TestGlvDepositModeIsExclusive() {
	_, err := s.engine.CreateGlvDeposit(s.ctx, CreateGlvDepositParams{
		Account:              accountAddr,
		Receiver:             recvAddr,
		ExecutionFee:         dec("0.0005"),
		Glv:                  glvToken,
		Market:               ethMarket,
		InitialLongToken:     weth,
		IsMarketTokenDeposit: true,
	})
	s.ErrorIs(err, ErrInvalidGlvDepositMode)
}

func (s *EngineSuite) createIncreasePosition() model.Key {
	s.fund(weth, "1")
	s.fund(wnt, "0.0005")
	key, err := s.engine.CreateOrder(s.ctx, CreateOrderParams{
		Account:                      accountAddr,
		Receiver:                     recvAddr,
		ExecutionFee:                 dec("0.0005"),
		Market:                       ethMarket,
		Type:                         model.OrderTypeMarketIncrease,
		InitialCollateralToken:       weth,
		InitialCollateralDeltaAmount: dec("1"),
		SizeDeltaUsd:                 dec("5000"),
		IsLong:                       true,
	})
	s.Require().NoError(err)
	return key
}

func (s *EngineSuite) createAutoCancelDecrease(orderType model.OrderType, trigger string) model.Key {
	s.fund(wnt, "0.0005")
	key, err := s.engine.CreateOrder(s.ctx, CreateOrderParams{
		Account:                accountAddr,
		Receiver:               recvAddr,
		ExecutionFee:           dec("0.0005"),
		Market:                 ethMarket,
		Type:                   orderType,
		InitialCollateralToken: weth,
		SizeDeltaUsd:           dec("5000"),
		TriggerPrice:           dec(trigger),
		IsLong:                 true,
		AutoCancel:             true,
	})
	s.Require().NoError(err)
	return key
}

func (s *EngineSuite) TestIncreaseDecreaseFullCloseAutoCancels() {
	s.seedPool("100", "500000")

	incKey := s.createIncreasePosition()
	s.Require().NoError(s.engine.ExecuteOrder(s.ctx, incKey, keeperAddr))

	posKey := model.PositionKey(accountAddr, ethMarket, weth, true)
	pos, ok := s.reg.Position(posKey)
	s.Require().True(ok)
	s.assertDec("5000", pos.SizeInUsd)
	// 1 token of size, less 0.5 USD open-interest impact at 5000.
	s.assertDec("0.9999", pos.SizeInTokens)
	s.assertDec("0.9995", pos.CollateralAmt)

	state, _ := s.reg.State(ethMarket)
	s.assertDec("5000", state.OpenInterestLongUsd)
	s.assertDec("0.5", state.ImpactPoolUsd)

	// Two pending auto-cancelable decrease orders on the position.
	tpKey := s.createAutoCancelDecrease(model.OrderTypeLimitDecrease, "6000")
	slKey := s.createAutoCancelDecrease(model.OrderTypeStopLossDecrease, "4000")
	s.Len(s.engine.AutoCancelRegistry().List(posKey), 2)

	// Full close at flat price: -0.5 USD entry impact comes back as pnl
	// loss, half the impact charge is rebated on the way out.
	s.fund(wnt, "0.0005")
	closeKey, err := s.engine.CreateOrder(s.ctx, CreateOrderParams{
		Account:                accountAddr,
		Receiver:               recvAddr,
		ExecutionFee:           dec("0.0005"),
		Market:                 ethMarket,
		Type:                   model.OrderTypeMarketDecrease,
		InitialCollateralToken: weth,
		SizeDeltaUsd:           dec("5000"),
		IsLong:                 true,
	})
	s.Require().NoError(err)
	s.Require().NoError(s.engine.ExecuteOrder(s.ctx, closeKey, keeperAddr))

	s.assertDec("0.99895", s.bank.TransferredTo(recvAddr, weth))
	_, ok = s.reg.Position(posKey)
	s.False(ok)
	s.assertDec("0", state.OpenInterestLongUsd)
	s.assertDec("0.25", state.ImpactPoolUsd)

	// Position close swept the pending decrease orders.
	s.ErrorIs(s.engine.ExecuteOrder(s.ctx, tpKey, keeperAddr), ErrEmptyRequest)
	s.ErrorIs(s.engine.ExecuteOrder(s.ctx, slKey, keeperAddr), ErrEmptyRequest)
	s.Empty(s.engine.AutoCancelRegistry().List(posKey))
	cancelled := s.sink.Named(events.OrderCancelled)
	s.Require().Len(cancelled, 2)
	s.Equal("position closed", cancelled[0].Reason)

	// Every escrowed fee was fully settled out of custody.
	s.assertDec("0", s.bank.Balance(wnt))
	// Custody covers liabilities exactly after the round trip.
	s.True(s.bank.Balance(weth).GreaterThanOrEqual(s.reg.Liability(weth)))
}

func (s *EngineSuite) TestAutoCancelCallbackGasCeiling() {
	s.cfg.MaxTotalCallbackGasLimit = 1_000
	s.buildEngine()

	mk := func(gasLimit uint64) (model.Key, error) {
		s.fund(wnt, "0.0006")
		return s.engine.CreateOrder(s.ctx, CreateOrderParams{
			Account:                accountAddr,
			Receiver:               recvAddr,
			ExecutionFee:           dec("0.0006"),
			Market:                 ethMarket,
			Type:                   model.OrderTypeStopLossDecrease,
			InitialCollateralToken: weth,
			TriggerPrice:           dec("4000"),
			CallbackGasLimit:       gasLimit,
			IsLong:                 true,
			AutoCancel:             true,
		})
	}
	first, err := mk(600)
	s.Require().NoError(err)
	_, err = mk(600)
	s.ErrorIs(err, autocancel.ErrMaxTotalCallbackGasLimitExceeded)
	// The ceiling check runs before any escrow; the first order is
	// untouched.
	_, err = s.engine.Order(first)
	s.NoError(err)
}

func (s *EngineSuite) TestTriggerPriceGatesExecution() {
	s.seedPool("100", "500000")
	s.fund(weth, "1")
	s.fund(wnt, "0.0005")
	key, err := s.engine.CreateOrder(s.ctx, CreateOrderParams{
		Account:                      accountAddr,
		Receiver:                     recvAddr,
		ExecutionFee:                 dec("0.0005"),
		Market:                       ethMarket,
		Type:                         model.OrderTypeLimitIncrease,
		InitialCollateralToken:       weth,
		InitialCollateralDeltaAmount: dec("1"),
		SizeDeltaUsd:                 dec("5000"),
		TriggerPrice:                 dec("4900"),
		IsLong:                       true,
	})
	s.Require().NoError(err)

	// Price above the long limit trigger: not executable yet.
	s.ErrorIs(s.engine.ExecuteOrder(s.ctx, key, keeperAddr), ErrTriggerConditionNotMet)

	s.feed.Set(weth, dec("4800"))
	s.Require().NoError(s.engine.ExecuteOrder(s.ctx, key, keeperAddr))
	_, ok := s.reg.Position(model.PositionKey(accountAddr, ethMarket, weth, true))
	s.True(ok)
}

func (s *EngineSuite) TestAcceptablePriceRejectsFill() {
	s.seedPool("100", "500000")
	s.fund(weth, "1")
	s.fund(wnt, "0.0005")
	key, err := s.engine.CreateOrder(s.ctx, CreateOrderParams{
		Account:                      accountAddr,
		Receiver:                     recvAddr,
		ExecutionFee:                 dec("0.0005"),
		Market:                       ethMarket,
		Type:                         model.OrderTypeMarketIncrease,
		InitialCollateralToken:       weth,
		InitialCollateralDeltaAmount: dec("1"),
		SizeDeltaUsd:                 dec("5000"),
		AcceptablePrice:              dec("4999"),
		IsLong:                       true,
	})
	s.Require().NoError(err)
	s.ErrorIs(s.engine.ExecuteOrder(s.ctx, key, keeperAddr), ErrOrderNotFulfillable)
}

func (s *EngineSuite) TestFreezeOrder() {
	s.fund(weth, "1")
	s.fund(wnt, "0.0005")
	key, err := s.engine.CreateOrder(s.ctx, CreateOrderParams{
		Account:                      accountAddr,
		Receiver:                     recvAddr,
		ExecutionFee:                 dec("0.0005"),
		Market:                       ethMarket,
		Type:                         model.OrderTypeLimitIncrease,
		InitialCollateralToken:       weth,
		InitialCollateralDeltaAmount: dec("1"),
		SizeDeltaUsd:                 dec("5000"),
		TriggerPrice:                 dec("4900"),
		IsLong:                       true,
	})
	s.Require().NoError(err)

	s.Require().NoError(s.engine.FreezeOrder(s.ctx, key, "oracle gap"))
	order, err := s.engine.Order(key)
	s.Require().NoError(err)
	s.True(order.IsFrozen)
	// Freezing forfeits the escrowed fee: the stored fee is zeroed and
	// the native amount leaves custody to the fee receiver.
	s.assertDec("0", order.ExecutionFee)
	s.assertDec("0.0005", s.bank.TransferredTo(feeReceiver, wnt))

	s.ErrorIs(s.engine.FreezeOrder(s.ctx, key, "twice"), ErrAlreadyFrozen)
	s.ErrorIs(s.engine.ExecuteOrder(s.ctx, key, keeperAddr), ErrAlreadyFrozen)

	frozen := s.sink.Named(events.OrderFrozen)
	s.Require().Len(frozen, 1)
	s.Equal("oracle gap", frozen[0].Reason)

	// Cancellation of a frozen order refunds the collateral but settles
	// a zero fee: no native token flows to the keeper or the account.
	s.cur = s.cur.Add(s.cfg.MinRequestAge)
	s.Require().NoError(s.engine.CancelOrder(s.ctx, key, accountAddr, "frozen cleanup"))
	s.assertDec("1", s.bank.TransferredTo(accountAddr, weth))
	s.assertDec("0", s.bank.TransferredTo(accountAddr, wnt))
	s.assertDec("0", s.bank.Balance(wnt))
}

func (s *EngineSuite) TestMarketOrderCannotBeFrozen() {
	s.seedPool("100", "500000")
	s.fund(weth, "2")
	s.fund(wnt, "0.0005")
	key, err := s.engine.CreateOrder(s.ctx, s.swapOrderParams())
	s.Require().NoError(err)
	s.ErrorIs(s.engine.FreezeOrder(s.ctx, key, "nope"), ErrMarketOrderCannotBeFrozen)
}

// recordingHook counts notifications; panicky variants must never
// unwind the lifecycle.
type recordingHook struct {
	executed, cancelled, frozen int
	panics                      bool
}

func (h *recordingHook) AfterExecution(model.Key, events.Event) error {
	h.executed++
	if h.panics {
		panic("hook panic")
	}
	return nil
}

func (h *recordingHook) AfterCancellation(model.Key, events.Event) error {
	h.cancelled++
	return nil
}

func (h *recordingHook) AfterFreeze(model.Key, events.Event) error {
	h.frozen++
	return nil
}

func (s *EngineSuite) TestCallbacksAreIsolated() {
	hook := &recordingHook{panics: true}
	s.hooks[cbContract] = hook

	s.seedPool("100", "500000")
	s.fund(weth, "2")
	s.fund(wnt, "0.002")
	p := s.swapOrderParams()
	p.ExecutionFee = dec("0.002")
	p.CallbackContract = cbContract
	p.CallbackGasLimit = 100_000
	key, err := s.engine.CreateOrder(s.ctx, p)
	s.Require().NoError(err)

	// A panicking hook is swallowed; execution still commits.
	s.Require().NoError(s.engine.ExecuteOrder(s.ctx, key, keeperAddr))
	s.Equal(1, hook.executed)
	_, err = s.engine.Order(key)
	s.ErrorIs(err, ErrEmptyRequest)
}

func (s *EngineSuite) TestDecreaseWithoutPosition() {
	s.fund(wnt, "0.0005")
	key, err := s.engine.CreateOrder(s.ctx, CreateOrderParams{
		Account:                accountAddr,
		Receiver:               recvAddr,
		ExecutionFee:           dec("0.0005"),
		Market:                 ethMarket,
		Type:                   model.OrderTypeMarketDecrease,
		InitialCollateralToken: weth,
		SizeDeltaUsd:           dec("5000"),
		IsLong:                 true,
	})
	s.Require().NoError(err)
	s.ErrorIs(s.engine.ExecuteOrder(s.ctx, key, keeperAddr), ErrEmptyPosition)
}

func (s *EngineSuite) TestOrderValidFromTime() {
	s.seedPool("100", "500000")
	s.fund(weth, "2")
	s.fund(wnt, "0.0005")
	p := s.swapOrderParams()
	p.Type = model.OrderTypeLimitSwap
	p.ValidFromTime = s.cur.Add(time.Hour)
	key, err := s.engine.CreateOrder(s.ctx, p)
	s.Require().NoError(err)

	s.ErrorIs(s.engine.ExecuteOrder(s.ctx, key, keeperAddr), ErrOrderValidFromTimeNotReached)
	s.cur = s.cur.Add(2 * time.Hour)
	s.NoError(s.engine.ExecuteOrder(s.ctx, key, keeperAddr))
}

func TestOrderTypeClassification(t *testing.T) {
	if !model.OrderTypeLimitDecrease.IsAutoCancelable() {
		t.Fatal("limit decrease must participate in auto-cancel")
	}
	if model.OrderTypeMarketDecrease.IsAutoCancelable() {
		t.Fatal("market decrease must not participate in auto-cancel")
	}
	if errors.Is(ErrEmptyRequest, ErrUnauthorized) {
		t.Fatal("sentinels must be distinct")
	}
}
