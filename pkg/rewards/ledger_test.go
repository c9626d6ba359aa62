package rewards

import (
	"math/big"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/janteras/d-loop-sub001/pkg/audit"
	"github.com/janteras/d-loop-sub001/pkg/token"
)

const (
	alice = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	bob   = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	carol = "0xcccccccccccccccccccccccccccccccccccccccc"
)

// fakeParticipation returns fixed weights regardless of window.
type fakeParticipation struct {
	weights map[string]*big.Int
}

func (f *fakeParticipation) VotingWeights(from, to time.Time) map[string]*big.Int {
	return f.weights
}

// fakeDirectory marks participants eligible/verified by plain sets.
type fakeDirectory struct {
	inactive map[string]bool
	verified map[string]bool
}

func (f *fakeDirectory) IsEligibleVoter(address string) bool { return !f.inactive[address] }
func (f *fakeDirectory) IsVerified(address string) bool      { return f.verified[address] }

// fakeOracle prices every token at a fixed unit value.
type fakeOracle struct{ prices map[string]int64 }

func (f *fakeOracle) GetPrice(tok string) (*big.Int, error) {
	if p, ok := f.prices[tok]; ok {
		return big.NewInt(p), nil
	}
	return big.NewInt(1), nil
}

type fixture struct {
	ledger        *Ledger
	system        *token.System
	participation *fakeParticipation
	directory     *fakeDirectory
	clock         time.Time
}

func newFixture(t *testing.T, params Params) *fixture {
	t.Helper()
	system := token.NewSystem()
	// Governance token supply anchors the budget cap.
	require.NoError(t, system.Mint(params.GovernanceToken, "0x0000000000000000000000000000000000000001", big.NewInt(1_000_000)))

	f := &fixture{
		system:        system,
		participation: &fakeParticipation{weights: map[string]*big.Int{}},
		directory:     &fakeDirectory{inactive: map[string]bool{}, verified: map[string]bool{}},
		clock:         time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	ledger, err := NewLedger(params, f.participation, f.directory, &fakeOracle{prices: map[string]int64{}},
		system, system, audit.NewMemoryRecorder(0), zap.NewNop())
	require.NoError(t, err)
	ledger.now = func() time.Time { return f.clock }
	f.ledger = ledger
	return f
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

// deposit funds the reward pool and the matching settlement account.
func (f *fixture) deposit(t *testing.T, tok string, amount int64) {
	t.Helper()
	require.NoError(t, f.system.Mint(tok, Account, big.NewInt(amount)))
	require.NoError(t, f.ledger.DepositFee(tok, big.NewInt(amount)))
}

func TestDepositCreatesPoolLazily(t *testing.T) {
	f := newFixture(t, DefaultParams())

	_, err := f.ledger.PoolOf("USDC")
	assert.ErrorIs(t, err, ErrPoolNotFound)

	f.deposit(t, "USDC", 500)
	pool, err := f.ledger.PoolOf("USDC")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(500), pool.TotalDeposited)
	assert.Equal(t, int64(2000), pool.AINodeShareBps)
	assert.Equal(t, int64(8000), pool.GovernanceShareBps)

	assert.ErrorIs(t, f.ledger.DepositFee("USDC", big.NewInt(0)), ErrInvalidParameter)
}

func TestDistributionRoundClassSplit(t *testing.T) {
	f := newFixture(t, DefaultParams())
	f.deposit(t, "USDC", 10000)

	// alice is a verified AI node; bob and carol are ordinary participants.
	f.directory.verified[alice] = true
	f.participation.weights = map[string]*big.Int{
		alice: big.NewInt(100),
		bob:   big.NewInt(300),
		carol: big.NewInt(100),
	}

	created, remaining, err := f.ledger.RunDistributionRound("USDC")
	require.NoError(t, err)
	assert.Equal(t, 3, created)
	assert.Zero(t, remaining)

	// AI-node pot: 20% of 10000 = 2000, all to alice.
	entries := f.ledger.EntriesOf(alice)
	require.Len(t, entries, 1)
	assert.Equal(t, big.NewInt(2000), entries[0].Amount)

	// Governance pot: 8000 split 3:1 between bob and carol.
	require.Len(t, f.ledger.EntriesOf(bob), 1)
	assert.Equal(t, big.NewInt(6000), f.ledger.EntriesOf(bob)[0].Amount)
	assert.Equal(t, big.NewInt(2000), f.ledger.EntriesOf(carol)[0].Amount)

	pool, err := f.ledger.PoolOf("USDC")
	require.NoError(t, err)
	assert.True(t, pool.TotalAllocated.Cmp(pool.TotalDeposited) <= 0)
}

func TestAllocationNeverExceedsDeposits(t *testing.T) {
	params := DefaultParams()
	params.BudgetCapBps = 10000
	f := newFixture(t, params)
	rng := rand.New(rand.NewSource(7))

	f.participation.weights = map[string]*big.Int{
		alice: big.NewInt(17),
		bob:   big.NewInt(23),
		carol: big.NewInt(41),
	}
	f.directory.verified[alice] = true

	for i := 0; i < 50; i++ {
		f.deposit(t, "USDC", rng.Int63n(1000)+1)
		f.advance(f.ledger.Params().PeriodLength)
		_, _, err := f.ledger.RunDistributionRound("USDC")
		require.NoError(t, err)

		pool, err := f.ledger.PoolOf("USDC")
		require.NoError(t, err)
		assert.True(t, pool.TotalAllocated.Cmp(pool.TotalDeposited) <= 0,
			"allocated %s > deposited %s", pool.TotalAllocated, pool.TotalDeposited)
	}
}

func TestSecondRoundWithinPeriodRejected(t *testing.T) {
	f := newFixture(t, DefaultParams())
	f.deposit(t, "USDC", 1000)
	f.participation.weights = map[string]*big.Int{alice: big.NewInt(1)}

	_, _, err := f.ledger.RunDistributionRound("USDC")
	require.NoError(t, err)

	f.deposit(t, "USDC", 1000)
	f.advance(time.Hour)
	_, _, err = f.ledger.RunDistributionRound("USDC")
	assert.ErrorIs(t, err, ErrPeriodNotElapsed)

	// No double allocation happened.
	assert.Len(t, f.ledger.EntriesOf(alice), 1)

	f.advance(f.ledger.Params().PeriodLength)
	_, _, err = f.ledger.RunDistributionRound("USDC")
	require.NoError(t, err)
	assert.Len(t, f.ledger.EntriesOf(alice), 2)
}

func TestRoundDrainsInBatches(t *testing.T) {
	params := DefaultParams()
	params.BatchSize = 1
	f := newFixture(t, params)
	f.deposit(t, "USDC", 9000)
	f.participation.weights = map[string]*big.Int{
		alice: big.NewInt(1), bob: big.NewInt(1), carol: big.NewInt(1),
	}

	created, remaining, err := f.ledger.RunDistributionRound("USDC")
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Equal(t, 2, remaining)

	// Starting another round while one is draining is rejected.
	_, _, err = f.ledger.RunDistributionRound("USDC")
	assert.ErrorIs(t, err, ErrRoundInProgress)

	created, remaining, err = f.ledger.ContinueDistribution("USDC")
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, remaining)

	created, remaining, err = f.ledger.ContinueDistribution("USDC")
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Zero(t, remaining)

	// Drained round is a no-op to continue.
	created, remaining, err = f.ledger.ContinueDistribution("USDC")
	require.NoError(t, err)
	assert.Zero(t, created)
	assert.Zero(t, remaining)
}

func TestRoundWithNoParticipationDoesNotConsumePeriod(t *testing.T) {
	f := newFixture(t, DefaultParams())
	f.deposit(t, "USDC", 1000)

	_, _, err := f.ledger.RunDistributionRound("USDC")
	assert.ErrorIs(t, err, ErrNoParticipation)

	f.participation.weights = map[string]*big.Int{alice: big.NewInt(1)}
	_, _, err = f.ledger.RunDistributionRound("USDC")
	assert.NoError(t, err)
}

func TestVestingMonotonicAndClaim(t *testing.T) {
	params := DefaultParams()
	params.VestingDuration = 100 * time.Hour
	f := newFixture(t, params)
	f.deposit(t, "USDC", 1000)
	f.participation.weights = map[string]*big.Int{alice: big.NewInt(1)}

	_, _, err := f.ledger.RunDistributionRound("USDC")
	require.NoError(t, err)
	entry := f.ledger.EntriesOf(alice)[0]

	// Nothing unlocked at the start.
	_, err = f.ledger.Claim(alice, "USDC")
	assert.ErrorIs(t, err, ErrNothingToClaim)

	prev := big.NewInt(0)
	for i := 0; i < 10; i++ {
		f.advance(10 * time.Hour)
		unlocked := entry.Unlocked(f.clock)
		assert.True(t, unlocked.Cmp(prev) >= 0, "vesting went backwards")
		prev = unlocked
	}
	// Fully unlocked at start+duration.
	assert.Equal(t, entry.Amount, entry.Unlocked(f.clock))

	paid, err := f.ledger.Claim(alice, "USDC")
	require.NoError(t, err)
	assert.Equal(t, entry.Amount, paid)
	assert.Equal(t, entry.Amount, f.system.GetBalance("USDC", alice))

	_, err = f.ledger.Claim(alice, "USDC")
	assert.ErrorIs(t, err, ErrNothingToClaim)
}

func TestPartialClaims(t *testing.T) {
	params := DefaultParams()
	params.VestingDuration = 100 * time.Hour
	f := newFixture(t, params)
	f.deposit(t, "USDC", 1000)
	f.participation.weights = map[string]*big.Int{alice: big.NewInt(1)}

	_, _, err := f.ledger.RunDistributionRound("USDC")
	require.NoError(t, err)

	f.advance(50 * time.Hour)
	paid, err := f.ledger.Claim(alice, "USDC")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(500), paid)

	f.advance(50 * time.Hour)
	paid, err = f.ledger.Claim(alice, "USDC")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(500), paid)

	pool, err := f.ledger.PoolOf("USDC")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1000), pool.TotalClaimed)
	assert.True(t, pool.TotalClaimed.Cmp(pool.TotalAllocated) <= 0)
}

// Deactivated participants keep their entitlements but cannot claim until
// reactivated. This freeze-not-forfeit behavior is a deliberate policy
// choice; vesting keeps accruing while frozen.
func TestClaimFrozenWhileDeactivated(t *testing.T) {
	params := DefaultParams()
	params.VestingDuration = 10 * time.Hour
	f := newFixture(t, params)
	f.deposit(t, "USDC", 1000)
	f.participation.weights = map[string]*big.Int{alice: big.NewInt(1)}

	_, _, err := f.ledger.RunDistributionRound("USDC")
	require.NoError(t, err)
	f.advance(10 * time.Hour)

	f.directory.inactive[alice] = true
	_, err = f.ledger.Claim(alice, "USDC")
	assert.ErrorIs(t, err, ErrClaimsFrozen)

	f.directory.inactive[alice] = false
	paid, err := f.ledger.Claim(alice, "USDC")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1000), paid)
}

func TestClaimRollsBackOnSettlementFailure(t *testing.T) {
	params := DefaultParams()
	params.VestingDuration = time.Hour
	f := newFixture(t, params)
	// Pool is funded on the books but the settlement account is empty, so
	// the payout transfer fails.
	require.NoError(t, f.ledger.DepositFee("USDC", big.NewInt(1000)))
	f.participation.weights = map[string]*big.Int{alice: big.NewInt(1)}

	_, _, err := f.ledger.RunDistributionRound("USDC")
	require.NoError(t, err)
	f.advance(time.Hour)

	_, err = f.ledger.Claim(alice, "USDC")
	require.Error(t, err)

	// State rolled back: funding the account makes the claim succeed in full.
	require.NoError(t, f.system.Mint("USDC", Account, big.NewInt(1000)))
	paid, err := f.ledger.Claim(alice, "USDC")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1000), paid)
}

func TestGlobalBudgetCap(t *testing.T) {
	params := DefaultParams()
	params.BudgetCapBps = 100 // 1% of a 1,000,000 supply = 10,000 normalized
	f := newFixture(t, params)
	rng := rand.New(rand.NewSource(1337))

	f.participation.weights = map[string]*big.Int{
		alice: big.NewInt(5), bob: big.NewInt(3),
	}

	cap := big.NewInt(10000)
	for i := 0; i < 1000; i++ {
		f.deposit(t, "USDC", rng.Int63n(500)+1)
		f.advance(params.PeriodLength)
		_, _, err := f.ledger.RunDistributionRound("USDC")
		if err != nil {
			// Once the cap is exhausted rounds stop allocating.
			assert.ErrorIs(t, err, ErrNothingToDistribute)
		}
		assert.True(t, f.ledger.DistributedValue().Cmp(cap) <= 0,
			"distributed %s exceeds cap %s", f.ledger.DistributedValue(), cap)
	}
	assert.True(t, f.ledger.DistributedValue().Cmp(cap) <= 0)
}

func TestPerParticipantCap(t *testing.T) {
	params := DefaultParams()
	params.PerParticipantCapBps = 1 // 0.01% of 1,000,000 = 100 normalized
	f := newFixture(t, params)
	f.deposit(t, "USDC", 100000)
	f.participation.weights = map[string]*big.Int{alice: big.NewInt(1)}

	_, _, err := f.ledger.RunDistributionRound("USDC")
	require.NoError(t, err)

	entries := f.ledger.EntriesOf(alice)
	require.Len(t, entries, 1)
	assert.Equal(t, big.NewInt(100), entries[0].Amount)
}

func TestSetParamsValidates(t *testing.T) {
	f := newFixture(t, DefaultParams())

	bad := DefaultParams()
	bad.AINodeShareBps = 3000
	assert.ErrorIs(t, f.ledger.SetParams(bad), ErrInvalidParameter)

	good := DefaultParams()
	good.AINodeShareBps = 3000
	good.GovernanceShareBps = 7000
	assert.NoError(t, f.ledger.SetParams(good))
	assert.Equal(t, int64(3000), f.ledger.Params().AINodeShareBps)
}
