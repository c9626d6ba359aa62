package assetpool_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/janteras/d-loop-sub001/pkg/assetpool"
	"github.com/janteras/d-loop-sub001/pkg/audit"
	"github.com/janteras/d-loop-sub001/pkg/auth"
	"github.com/janteras/d-loop-sub001/pkg/fees"
	"github.com/janteras/d-loop-sub001/pkg/rewards"
	"github.com/janteras/d-loop-sub001/pkg/token"
	"github.com/janteras/d-loop-sub001/pkg/treasury"
)

const (
	operator = "0x9999999999999999999999999999999999999999"
	investor = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	usdc     = "USDC"
)

type fakeRewardSink struct {
	deposits map[string]*big.Int
	err      error
}

func (f *fakeRewardSink) DepositFee(t string, amount *big.Int) error {
	if f.err != nil {
		return f.err
	}
	if f.deposits == nil {
		f.deposits = make(map[string]*big.Int)
	}
	current, ok := f.deposits[t]
	if !ok {
		current = big.NewInt(0)
		f.deposits[t] = current
	}
	current.Add(current, amount)
	return nil
}

type fakeOracle struct{ price int64 }

func (f *fakeOracle) GetPrice(string) (*big.Int, error) { return big.NewInt(f.price), nil }

// hookedSettlement lets a test run arbitrary code inside a transfer, the
// way an external settlement callback would.
type hookedSettlement struct {
	*token.System
	hook func()
}

func (h *hookedSettlement) Transfer(t, from, to string, amount *big.Int) error {
	if h.hook != nil {
		h.hook()
	}
	return h.System.Transfer(t, from, to, amount)
}

type fixture struct {
	pool       *assetpool.Pool
	tokens     *token.System
	settlement *hookedSettlement
	treasury   *treasury.Treasury
	rewardSink *fakeRewardSink
	recorder   *audit.MemoryRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		tokens:     token.NewSystem(),
		rewardSink: &fakeRewardSink{},
		recorder:   audit.NewMemoryRecorder(128),
	}
	f.settlement = &hookedSettlement{System: f.tokens}
	caps := auth.NewTable(operator)
	f.treasury = treasury.New(f.tokens, caps, f.recorder, zap.NewNop())
	engine, err := fees.NewEngine(fees.DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	f.pool = assetpool.New(operator, engine, f.settlement, f.treasury,
		f.rewardSink, &fakeOracle{price: 2}, f.recorder, zap.NewNop())
	require.NoError(t, f.tokens.Mint(usdc, investor, big.NewInt(10000)))
	return f
}

func TestInvestFeeFlow(t *testing.T) {
	f := newFixture(t)

	net, fee, err := f.pool.Invest(investor, usdc, big.NewInt(1000))
	require.NoError(t, err)

	// 1000 gross at 1000 bps: fee 100, net 900; 7000/3000 split of the fee.
	assert.Equal(t, "900", net.String())
	assert.Equal(t, "100", fee.String())
	assert.Equal(t, "900", f.pool.SharesOf(usdc, investor).String())
	assert.Equal(t, "9000", f.tokens.GetBalance(usdc, investor).String())
	assert.Equal(t, "900", f.tokens.GetBalance(usdc, assetpool.Account).String())
	assert.Equal(t, "70", f.tokens.GetBalance(usdc, treasury.Account).String())
	assert.Equal(t, "70", f.treasury.Balance(usdc).String())
	assert.Equal(t, "30", f.tokens.GetBalance(usdc, rewards.Account).String())
	assert.Equal(t, "30", f.rewardSink.deposits[usdc].String())

	events := f.recorder.ByOperation("pool.invest")
	require.Len(t, events, 1)
	assert.Equal(t, investor, events[0].Actor)
	assert.Equal(t, "100", events[0].Fields["fee"])
	assert.Equal(t, "2000", events[0].Fields["normalized_value"])
}

func TestDivestAndRagequitRates(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.pool.Invest(investor, usdc, big.NewInt(1000))
	require.NoError(t, err)

	// Orderly divest pays the 500 bps rate.
	net, fee, err := f.pool.Divest(investor, usdc, big.NewInt(400), false)
	require.NoError(t, err)
	assert.Equal(t, "380", net.String())
	assert.Equal(t, "20", fee.String())
	assert.Equal(t, "500", f.pool.SharesOf(usdc, investor).String())

	// Forced divest pays the 2000 bps ragequit rate.
	net, fee, err = f.pool.Divest(investor, usdc, big.NewInt(500), true)
	require.NoError(t, err)
	assert.Equal(t, "400", net.String())
	assert.Equal(t, "100", fee.String())
	assert.Equal(t, "0", f.pool.SharesOf(usdc, investor).String())
}

func TestDivestInsufficientShares(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.pool.Invest(investor, usdc, big.NewInt(1000))
	require.NoError(t, err)

	_, _, err = f.pool.Divest(investor, usdc, big.NewInt(901), false)
	assert.ErrorIs(t, err, assetpool.ErrInsufficientShares)
	assert.Equal(t, "900", f.pool.SharesOf(usdc, investor).String())
}

func TestInvestValidation(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.pool.Invest("not-an-address", usdc, big.NewInt(100))
	assert.ErrorIs(t, err, assetpool.ErrInvalidAddress)

	_, _, err = f.pool.Invest(investor, usdc, big.NewInt(0))
	assert.ErrorIs(t, err, assetpool.ErrInvalidAmount)

	_, _, err = f.pool.Invest(investor, usdc, nil)
	assert.ErrorIs(t, err, assetpool.ErrInvalidAmount)
}

func TestInvestRollbackOnSettlementFailure(t *testing.T) {
	f := newFixture(t)

	// More than the investor holds: the deposit transfer fails and no
	// shares survive.
	_, _, err := f.pool.Invest(investor, usdc, big.NewInt(20000))
	require.Error(t, err)
	assert.ErrorIs(t, err, token.ErrInsufficientBalance)
	assert.Equal(t, "0", f.pool.SharesOf(usdc, investor).String())
	assert.Equal(t, "10000", f.tokens.GetBalance(usdc, investor).String())
}

func TestInvestCompensatesFailedFeeDeposit(t *testing.T) {
	f := newFixture(t)
	f.rewardSink.err = errors.New("reward ledger offline")

	_, _, err := f.pool.Invest(investor, usdc, big.NewInt(1000))
	require.Error(t, err)

	// Everything is unwound: shares, pool custody, treasury, rewards.
	assert.Equal(t, "0", f.pool.SharesOf(usdc, investor).String())
	assert.Equal(t, "10000", f.tokens.GetBalance(usdc, investor).String())
	assert.Equal(t, "0", f.tokens.GetBalance(usdc, assetpool.Account).String())
	assert.Equal(t, "0", f.tokens.GetBalance(usdc, treasury.Account).String())
	assert.Equal(t, "0", f.tokens.GetBalance(usdc, rewards.Account).String())
}

func TestReentrantInvestRejected(t *testing.T) {
	f := newFixture(t)

	var reentrant error
	called := false
	f.settlement.hook = func() {
		if called {
			return
		}
		called = true
		_, _, reentrant = f.pool.Invest(investor, usdc, big.NewInt(100))
	}

	_, _, err := f.pool.Invest(investor, usdc, big.NewInt(1000))
	require.NoError(t, err)
	assert.ErrorIs(t, reentrant, assetpool.ErrOperationInProgress)
	assert.Equal(t, "900", f.pool.SharesOf(usdc, investor).String())
}

func TestTotalShares(t *testing.T) {
	f := newFixture(t)
	other := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	require.NoError(t, f.tokens.Mint(usdc, other, big.NewInt(5000)))

	_, _, err := f.pool.Invest(investor, usdc, big.NewInt(1000))
	require.NoError(t, err)
	_, _, err = f.pool.Invest(other, usdc, big.NewInt(2000))
	require.NoError(t, err)

	assert.Equal(t, "2700", f.pool.TotalShares(usdc).String())
}
