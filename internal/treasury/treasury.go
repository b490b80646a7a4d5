// Package treasury owns the pool balances. Balances only move through the
// two settlement entry points and explicit administrative withdrawal; all
// percentages are integer basis points so splits are exact.
package treasury

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"stakeline/internal/config"
	"stakeline/internal/domain"
	"stakeline/internal/events"
	"stakeline/internal/ledger"
	"stakeline/internal/repo"
)

var (
	ErrInsufficientPoolBalance = errors.New("insufficient pool balance")
	ErrRewardPoolWithdrawal    = errors.New("reward pool is not withdrawable")
	ErrUnknownPool             = errors.New("unknown pool")
	ErrNotAdmin                = errors.New("administrator role required")
	ErrNoTier                  = errors.New("no reward tier covers stake")
)

// Withdrawable pool names.
const (
	PoolReward      = "reward"
	PoolInsurance   = "insurance"
	PoolValidator   = "validator"
	PoolDevelopment = "development"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Ledger ledger.Ledger
	Config *config.Config
	Now    func() time.Time

	// Pool arithmetic across concurrent settlements must never interleave.
	mu sync.Mutex
}

func New(db *sql.DB, cfg *config.Config, lgr ledger.Ledger) *Engine {
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Ledger: lgr,
		Config: cfg,
		Now:    time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Split is the exhaustive decomposition of a failed stake. The burn plus the
// four pool deltas always sum to the input stake.
type Split struct {
	Burn        int64 `json:"burn"`
	Reward      int64 `json:"reward"`
	Insurance   int64 `json:"insurance"`
	Validator   int64 `json:"validator"`
	Development int64 `json:"development"`
}

// ComputeSplit derives the burn-first basis-point split. The development
// share is computed by subtraction so integer division remainders land there
// instead of being lost.
func (e *Engine) ComputeSplit(stake int64) Split {
	t := e.Config.Treasury
	burn := stake * t.BurnBP / config.BPDenominator
	remainder := stake - burn
	s := Split{
		Burn:      burn,
		Reward:    remainder * t.RewardShareBP / config.BPDenominator,
		Insurance: remainder * t.InsuranceShareBP / config.BPDenominator,
		Validator: remainder * t.ValidatorShareBP / config.BPDenominator,
	}
	s.Development = remainder - s.Reward - s.Insurance - s.Validator
	return s
}

// RecordStakeReceived bumps the stakes-received running total when the
// orchestrator moves a new stake into custody. Pools are untouched.
func (e *Engine) RecordStakeReceived(ctx context.Context, amount int64, actorID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTreasuryTx(ctx, tx)
	if err != nil {
		return err
	}
	t.StakesReceived += amount
	if err := e.Repo.UpdateTreasuryTx(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

// DistributeFailedStake burns a share of the stake and allocates the rest
// across the four pools, exactly.
func (e *Engine) DistributeFailedStake(ctx context.Context, stake int64, staker, actorID string) (Split, error) {
	if stake <= 0 {
		return Split{}, ledger.ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.ComputeSplit(stake)
	if s.Burn > 0 {
		if err := e.Ledger.Burn(ctx, ledger.AccountTreasury, s.Burn); err != nil {
			return Split{}, fmt.Errorf("burn failed stake: %w", err)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Split{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTreasuryTx(ctx, tx)
	if err != nil {
		return Split{}, err
	}
	t.RewardPool += s.Reward
	t.InsurancePool += s.Insurance
	t.ValidatorPool += s.Validator
	t.DevelopmentPool += s.Development
	t.TokensBurned += s.Burn
	t.GoalsFailed++
	if err := e.Repo.UpdateTreasuryTx(ctx, tx, t); err != nil {
		return Split{}, err
	}
	if err := e.Events.Append(ctx, tx, "treasury.stake_distributed", "treasury", staker, actorID, events.EventPayload{
		"stake": stake, "burn": s.Burn, "reward": s.Reward, "insurance": s.Insurance,
		"validator": s.Validator, "development": s.Development,
	}); err != nil {
		return Split{}, err
	}
	if err := tx.Commit(); err != nil {
		return Split{}, err
	}
	return s, nil
}

// RewardQuote is the outcome of a tier lookup against current pool balances.
type RewardQuote struct {
	Total int64             `json:"total"`
	Bonus int64             `json:"bonus"`
	Tier  domain.RewardTier `json:"tier"`
}

func tierFor(tiers []domain.RewardTier, stake int64) (domain.RewardTier, error) {
	for _, t := range tiers {
		if stake >= t.MinStake && (t.MaxStake == 0 || stake <= t.MaxStake) {
			return t, nil
		}
	}
	return domain.RewardTier{}, ErrNoTier
}

// CalculateReward quotes the completion payout for a stake. The bonus is
// capped at the current reward-pool balance so the pool can never be
// oversubscribed. View only.
func (e *Engine) CalculateReward(ctx context.Context, stake int64) (RewardQuote, error) {
	tiers, err := e.Repo.ListTiers(ctx)
	if err != nil {
		return RewardQuote{}, err
	}
	tier, err := tierFor(tiers, stake)
	if err != nil {
		return RewardQuote{}, err
	}
	t, err := e.Repo.GetTreasury(ctx)
	if err != nil {
		return RewardQuote{}, err
	}
	total := stake * tier.MultiplierBP / config.BPDenominator
	bonus := total - stake
	if bonus > t.RewardPool {
		bonus = t.RewardPool
		total = stake + bonus
	}
	return RewardQuote{Total: total, Bonus: bonus, Tier: tier}, nil
}

// DistributeGoalReward returns the stake to the user plus the tier bonus
// debited from the reward pool. The payment goes out as one transfer so a
// ledger failure leaves both the pool and the user untouched.
func (e *Engine) DistributeGoalReward(ctx context.Context, user string, stake int64, actorID string) (int64, error) {
	if stake <= 0 {
		return 0, ledger.ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tiers, err := e.Repo.ListTiers(ctx)
	if err != nil {
		return 0, err
	}
	tier, err := tierFor(tiers, stake)
	if err != nil {
		return 0, err
	}
	t, err := e.Repo.GetTreasury(ctx)
	if err != nil {
		return 0, err
	}
	total := stake * tier.MultiplierBP / config.BPDenominator
	bonus := total - stake
	if bonus > t.RewardPool {
		bonus = t.RewardPool
		total = stake + bonus
	}
	// The engine lock serializes all pool movement, so the ledger transfer
	// can run ahead of the pool update without racing another settlement.
	if err := e.Ledger.Transfer(ctx, ledger.AccountTreasury, user, total); err != nil {
		return 0, fmt.Errorf("stake return transfer: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	t.RewardPool -= bonus
	t.RewardsDistributed += bonus
	t.GoalsCompleted++
	if err := e.Repo.UpdateTreasuryTx(ctx, tx, t); err != nil {
		return 0, err
	}
	if err := e.Events.Append(ctx, tx, "treasury.goal_reward", "treasury", user, actorID, events.EventPayload{
		"stake": stake, "bonus": bonus, "total": total, "tier": tier.Name,
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

// DistributeValidatorReward pays a validator from the validator pool.
func (e *Engine) DistributeValidatorReward(ctx context.Context, validatorID string, amount int64, actorID string) error {
	if amount <= 0 {
		return ledger.ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.Repo.GetTreasury(ctx)
	if err != nil {
		return err
	}
	if amount > t.ValidatorPool {
		return fmt.Errorf("validator pool %d, requested %d: %w", t.ValidatorPool, amount, ErrInsufficientPoolBalance)
	}
	if err := e.Ledger.Transfer(ctx, ledger.AccountTreasury, validatorID, amount); err != nil {
		return fmt.Errorf("validator payout transfer: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	t.ValidatorPool -= amount
	if err := e.Repo.UpdateTreasuryTx(ctx, tx, t); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "treasury.validator_payout", "treasury", validatorID, actorID, events.EventPayload{
		"amount": amount,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Snapshot returns current pools and running totals.
func (e *Engine) Snapshot(ctx context.Context) (domain.Treasury, error) {
	return e.Repo.GetTreasury(ctx)
}
