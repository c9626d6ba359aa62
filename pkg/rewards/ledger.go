package rewards

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/janteras/d-loop-sub001/pkg/audit"
)

var bpsDenom = big.NewInt(10000)

// allocation is one pending beneficiary share inside an open round.
type allocation struct {
	beneficiary string
	amount      *big.Int
}

// openRound is a started distribution round whose vesting entries have not
// all been created yet. Rounds drain in bounded batches.
type openRound struct {
	startedAt time.Time
	pending   []allocation
}

// Ledger owns the reward pools and vesting entries. No other component
// holds a writable reference to either.
type Ledger struct {
	params                Params
	pools                 map[string]*Pool
	entries               map[string][]*VestingEntry // token -> entries
	lastRound             map[string]time.Time
	rounds                map[string]*openRound
	distributedCumulative *big.Int

	participation ParticipationSource
	directory     ParticipantDirectory
	oracle        PriceOracle
	settlement    Settlement
	supply        SupplySource
	recorder      audit.Recorder
	logger        *zap.Logger

	now   func() time.Time
	mutex sync.RWMutex
}

// NewLedger creates an empty reward ledger.
func NewLedger(params Params, participation ParticipationSource, directory ParticipantDirectory,
	oracle PriceOracle, settlement Settlement, supply SupplySource,
	recorder audit.Recorder, logger *zap.Logger) (*Ledger, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{
		params:                params,
		pools:                 make(map[string]*Pool),
		entries:               make(map[string][]*VestingEntry),
		lastRound:             make(map[string]time.Time),
		rounds:                make(map[string]*openRound),
		distributedCumulative: big.NewInt(0),
		participation:         participation,
		directory:             directory,
		oracle:                oracle,
		settlement:            settlement,
		supply:                supply,
		recorder:              recorder,
		logger:                logger,
		now:                   time.Now,
	}, nil
}

// Params returns the active reward policy.
func (l *Ledger) Params() Params {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.params
}

// SetParams swaps the reward policy atomically (governance executor path).
func (l *Ledger) SetParams(params Params) error {
	if err := params.Validate(); err != nil {
		return err
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.params = params
	l.logger.Info("reward params updated",
		zap.Int64("governance_share_bps", params.GovernanceShareBps),
		zap.Int64("ai_node_share_bps", params.AINodeShareBps),
		zap.Duration("vesting_duration", params.VestingDuration),
		zap.Duration("period_length", params.PeriodLength))
	return nil
}

// DepositFee adds the reward share of a collected fee to the token's pool,
// creating the pool lazily with the configured default class split.
func (l *Ledger) DepositFee(token string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: deposit must be positive, got %v", ErrInvalidParameter, amount)
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()

	pool := l.poolFor(token)
	pool.TotalDeposited.Add(pool.TotalDeposited, amount)
	l.logger.Debug("reward deposit",
		zap.String("token", token),
		zap.String("amount", amount.String()),
		zap.String("total_deposited", pool.TotalDeposited.String()))
	return nil
}

// poolFor returns the token's pool, creating it lazily. Callers hold the
// mutex.
func (l *Ledger) poolFor(token string) *Pool {
	pool, ok := l.pools[token]
	if !ok {
		pool = &Pool{
			Token:              token,
			TotalDeposited:     big.NewInt(0),
			TotalAllocated:     big.NewInt(0),
			TotalClaimed:       big.NewInt(0),
			GovernanceShareBps: l.params.GovernanceShareBps,
			AINodeShareBps:     l.params.AINodeShareBps,
		}
		l.pools[token] = pool
	}
	return pool
}

// RunDistributionRound starts a distribution round for token: snapshots the
// round window's voting participation, splits the undistributed deposit
// between the AI-node and governance classes, applies the budget caps, and
// queues one allocation per beneficiary. The first batch of vesting entries
// is created immediately; remaining allocations drain through
// ContinueDistribution. A second start inside the same period fails with
// ErrPeriodNotElapsed and allocates nothing.
func (l *Ledger) RunDistributionRound(token string) (created int, remaining int, err error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if round, ok := l.rounds[token]; ok && len(round.pending) > 0 {
		return 0, len(round.pending), fmt.Errorf("%w: %d allocations pending for %s", ErrRoundInProgress, len(round.pending), token)
	}

	now := l.now()
	windowStart := l.lastRound[token]
	if !windowStart.IsZero() && now.Sub(windowStart) < l.params.PeriodLength {
		next := windowStart.Add(l.params.PeriodLength)
		return 0, 0, fmt.Errorf("%w: next round for %s at %s", ErrPeriodNotElapsed, token, next.UTC().Format(time.RFC3339))
	}

	pool, ok := l.pools[token]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrPoolNotFound, token)
	}
	undistributed := new(big.Int).Sub(pool.TotalDeposited, pool.TotalAllocated)
	if undistributed.Sign() <= 0 {
		return 0, 0, fmt.Errorf("%w: pool %s fully allocated", ErrNothingToDistribute, token)
	}

	weights := l.participation.VotingWeights(windowStart, now)
	aiNodes, ordinary := l.splitClasses(weights)
	if len(aiNodes) == 0 && len(ordinary) == 0 {
		return 0, 0, fmt.Errorf("%w: window %s..%s", ErrNoParticipation,
			windowStart.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}

	aiPot := new(big.Int).Mul(undistributed, big.NewInt(pool.AINodeShareBps))
	aiPot.Div(aiPot, bpsDenom)
	govPot := new(big.Int).Sub(undistributed, aiPot)

	// An empty class forfeits its pot to the other one.
	if len(aiNodes) == 0 {
		govPot.Add(govPot, aiPot)
		aiPot.SetInt64(0)
	}
	if len(ordinary) == 0 {
		aiPot.Add(aiPot, govPot)
		govPot.SetInt64(0)
	}

	pending := append(proRata(aiPot, aiNodes), proRata(govPot, ordinary)...)
	pending, err = l.applyCaps(token, pending)
	if err != nil {
		return 0, 0, err
	}
	if len(pending) == 0 {
		return 0, 0, fmt.Errorf("%w: budget cap leaves nothing to allocate for %s", ErrNothingToDistribute, token)
	}

	// The period is consumed from this point: the round exists even if it
	// still has pending allocations to drain.
	l.lastRound[token] = now
	round := &openRound{startedAt: now, pending: pending}
	l.rounds[token] = round

	l.logger.Info("distribution round started",
		zap.String("token", token),
		zap.String("undistributed", undistributed.String()),
		zap.Int("beneficiaries", len(pending)),
		zap.Int("ai_nodes", len(aiNodes)),
		zap.Int("ordinary", len(ordinary)))
	if err := l.recorder.Record(audit.NewEvent("rewards.round", "", token, map[string]string{
		"undistributed": undistributed.String(),
		"beneficiaries": fmt.Sprint(len(pending)),
	})); err != nil {
		return 0, 0, err
	}

	created = l.drain(token, round)
	return created, len(round.pending), nil
}

// ContinueDistribution creates the next bounded batch of vesting entries
// for an open round. It is a no-op returning (0, 0) when nothing pends.
func (l *Ledger) ContinueDistribution(token string) (created int, remaining int, err error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	round, ok := l.rounds[token]
	if !ok || len(round.pending) == 0 {
		return 0, 0, nil
	}
	created = l.drain(token, round)
	return created, len(round.pending), nil
}

// drain creates up to BatchSize vesting entries from the round queue.
// Callers hold the mutex.
func (l *Ledger) drain(token string, round *openRound) int {
	pool := l.poolFor(token)
	batch := l.params.BatchSize
	if batch > len(round.pending) {
		batch = len(round.pending)
	}
	for _, alloc := range round.pending[:batch] {
		entry := &VestingEntry{
			ID:            uuid.NewString(),
			Beneficiary:   alloc.beneficiary,
			Token:         token,
			Amount:        alloc.amount,
			StartTime:     round.startedAt,
			Duration:      l.params.VestingDuration,
			ClaimedAmount: big.NewInt(0),
		}
		l.entries[token] = append(l.entries[token], entry)
		pool.TotalAllocated.Add(pool.TotalAllocated, alloc.amount)
	}
	round.pending = round.pending[batch:]
	if len(round.pending) == 0 {
		delete(l.rounds, token)
	}
	return batch
}

// splitClasses partitions eligible participation weights into verified
// AI-node participants and ordinary participants, deterministically ordered
// by address. Deactivated participants are excluded entirely.
func (l *Ledger) splitClasses(weights map[string]*big.Int) (aiNodes, ordinary []allocation) {
	addresses := make([]string, 0, len(weights))
	for address := range weights {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)

	for _, address := range addresses {
		weight := weights[address]
		if weight == nil || weight.Sign() <= 0 || !l.directory.IsEligibleVoter(address) {
			continue
		}
		alloc := allocation{beneficiary: address, amount: new(big.Int).Set(weight)}
		if l.directory.IsVerified(address) {
			aiNodes = append(aiNodes, alloc)
		} else {
			ordinary = append(ordinary, alloc)
		}
	}
	return aiNodes, ordinary
}

// proRata converts participation weights into pot shares. Division dust is
// left in the pool (never over-allocated).
func proRata(pot *big.Int, class []allocation) []allocation {
	if pot.Sign() <= 0 || len(class) == 0 {
		return nil
	}
	total := big.NewInt(0)
	for _, a := range class {
		total.Add(total, a.amount)
	}
	out := make([]allocation, 0, len(class))
	for _, a := range class {
		share := new(big.Int).Mul(pot, a.amount)
		share.Div(share, total)
		if share.Sign() > 0 {
			out = append(out, allocation{beneficiary: a.beneficiary, amount: share})
		}
	}
	return out
}

// applyCaps enforces the per-participant and global budget caps at
// allocation time. Amounts beyond a cap stay undistributed in the pool.
// Callers hold the mutex.
func (l *Ledger) applyCaps(token string, pending []allocation) ([]allocation, error) {
	price, err := l.oracle.GetPrice(token)
	if err != nil {
		return nil, fmt.Errorf("price %s: %w", token, err)
	}
	govPrice, err := l.oracle.GetPrice(l.params.GovernanceToken)
	if err != nil {
		return nil, fmt.Errorf("price %s: %w", l.params.GovernanceToken, err)
	}

	supplyValue := new(big.Int).Mul(l.supply.GetTotalSupply(l.params.GovernanceToken), govPrice)
	budget := new(big.Int).Mul(supplyValue, big.NewInt(l.params.BudgetCapBps))
	budget.Div(budget, bpsDenom)

	var participantCap *big.Int
	if l.params.PerParticipantCapBps > 0 {
		participantCap = new(big.Int).Mul(supplyValue, big.NewInt(l.params.PerParticipantCapBps))
		participantCap.Div(participantCap, bpsDenom)
	}

	out := make([]allocation, 0, len(pending))
	for _, a := range pending {
		value := new(big.Int).Mul(a.amount, price)
		if participantCap != nil && value.Cmp(participantCap) > 0 {
			value = new(big.Int).Set(participantCap)
		}
		headroom := new(big.Int).Sub(budget, l.distributedCumulative)
		if headroom.Sign() <= 0 {
			break
		}
		if value.Cmp(headroom) > 0 {
			value = headroom
		}
		amount := new(big.Int).Div(value, price)
		if amount.Sign() <= 0 {
			continue
		}
		l.distributedCumulative.Add(l.distributedCumulative, new(big.Int).Mul(amount, price))
		out = append(out, allocation{beneficiary: a.beneficiary, amount: amount})
	}
	return out, nil
}

// Claim pays the caller every unlocked, unclaimed amount across their
// vesting entries for token. Entry state is updated before the settlement
// transfer; a failed transfer rolls the update back.
func (l *Ledger) Claim(beneficiary, token string) (*big.Int, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if !l.directory.IsEligibleVoter(beneficiary) {
		return nil, fmt.Errorf("%w: %s", ErrClaimsFrozen, beneficiary)
	}

	now := l.now()
	payable := big.NewInt(0)
	type delta struct {
		entry *VestingEntry
		prev  *big.Int
	}
	var deltas []delta
	for _, entry := range l.entries[token] {
		if entry.Beneficiary != beneficiary {
			continue
		}
		unlocked := entry.Unlocked(now)
		due := new(big.Int).Sub(unlocked, entry.ClaimedAmount)
		if due.Sign() <= 0 {
			continue
		}
		deltas = append(deltas, delta{entry: entry, prev: new(big.Int).Set(entry.ClaimedAmount)})
		entry.ClaimedAmount = unlocked
		payable.Add(payable, due)
	}
	if payable.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s has no unlocked %s", ErrNothingToClaim, beneficiary, token)
	}

	pool := l.poolFor(token)
	pool.TotalClaimed.Add(pool.TotalClaimed, payable)

	if err := l.settlement.Transfer(token, Account, beneficiary, payable); err != nil {
		for _, d := range deltas {
			d.entry.ClaimedAmount = d.prev
		}
		pool.TotalClaimed.Sub(pool.TotalClaimed, payable)
		return nil, fmt.Errorf("settle claim: %w", err)
	}

	l.logger.Info("reward claim",
		zap.String("beneficiary", beneficiary),
		zap.String("token", token),
		zap.String("amount", payable.String()))
	if err := l.recorder.Record(audit.NewEvent("rewards.claim", beneficiary, token, map[string]string{
		"amount": payable.String(),
	})); err != nil {
		return nil, err
	}
	return payable, nil
}

// PoolOf returns a snapshot of the token's pool.
func (l *Ledger) PoolOf(token string) (Pool, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	pool, ok := l.pools[token]
	if !ok {
		return Pool{}, fmt.Errorf("%w: %s", ErrPoolNotFound, token)
	}
	return snapshotPool(pool), nil
}

// Pools returns snapshots of every pool, ordered by token.
func (l *Ledger) Pools() []Pool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	out := make([]Pool, 0, len(l.pools))
	for _, pool := range l.pools {
		out = append(out, snapshotPool(pool))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// EntriesOf returns snapshots of the beneficiary's vesting entries across
// all tokens.
func (l *Ledger) EntriesOf(beneficiary string) []VestingEntry {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	var out []VestingEntry
	for _, entries := range l.entries {
		for _, entry := range entries {
			if entry.Beneficiary == beneficiary {
				out = append(out, snapshotEntry(entry))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DistributedValue returns the cumulative normalized value of all rewards
// ever allocated (the quantity bounded by the budget cap).
func (l *Ledger) DistributedValue() *big.Int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return new(big.Int).Set(l.distributedCumulative)
}

func snapshotPool(p *Pool) Pool {
	return Pool{
		Token:              p.Token,
		TotalDeposited:     new(big.Int).Set(p.TotalDeposited),
		TotalAllocated:     new(big.Int).Set(p.TotalAllocated),
		TotalClaimed:       new(big.Int).Set(p.TotalClaimed),
		GovernanceShareBps: p.GovernanceShareBps,
		AINodeShareBps:     p.AINodeShareBps,
	}
}

func snapshotEntry(e *VestingEntry) VestingEntry {
	copy := *e
	copy.Amount = new(big.Int).Set(e.Amount)
	copy.ClaimedAmount = new(big.Int).Set(e.ClaimedAmount)
	return copy
}
