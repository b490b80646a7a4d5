package treasury

import (
	"context"
	"fmt"

	"stakeline/internal/config"
	"stakeline/internal/domain"
	"stakeline/internal/events"
	"stakeline/internal/ledger"
)

// Withdraw moves funds from a non-reward pool to a recipient account. The
// reward pool backs outstanding completion bonuses and is never
// administratively drained.
func (e *Engine) Withdraw(ctx context.Context, pool, recipient string, amount int64, actorID string) error {
	if !e.Config.IsAdmin(actorID) {
		return ErrNotAdmin
	}
	if amount <= 0 {
		return ledger.ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.Repo.GetTreasury(ctx)
	if err != nil {
		return err
	}
	var balance *int64
	switch pool {
	case PoolReward:
		return ErrRewardPoolWithdrawal
	case PoolInsurance:
		balance = &t.InsurancePool
	case PoolValidator:
		balance = &t.ValidatorPool
	case PoolDevelopment:
		balance = &t.DevelopmentPool
	default:
		return fmt.Errorf("%q: %w", pool, ErrUnknownPool)
	}
	if amount > *balance {
		return fmt.Errorf("pool %s holds %d, requested %d: %w", pool, *balance, amount, ErrInsufficientPoolBalance)
	}
	if err := e.Ledger.Transfer(ctx, ledger.AccountTreasury, recipient, amount); err != nil {
		return fmt.Errorf("withdrawal transfer: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	*balance -= amount
	if err := e.Repo.UpdateTreasuryTx(ctx, tx, t); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "treasury.withdrawal", "treasury", recipient, actorID, events.EventPayload{
		"pool": pool, "amount": amount,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// EmergencyWithdraw drains up to the full development pool in one call.
func (e *Engine) EmergencyWithdraw(ctx context.Context, recipient string, actorID string) (int64, error) {
	if !e.Config.IsAdmin(actorID) {
		return 0, ErrNotAdmin
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.Repo.GetTreasury(ctx)
	if err != nil {
		return 0, err
	}
	amount := t.DevelopmentPool
	if amount == 0 {
		return 0, nil
	}
	if err := e.Ledger.Transfer(ctx, ledger.AccountTreasury, recipient, amount); err != nil {
		return 0, fmt.Errorf("emergency withdrawal transfer: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	t.DevelopmentPool = 0
	if err := e.Repo.UpdateTreasuryTx(ctx, tx, t); err != nil {
		return 0, err
	}
	if err := e.Events.Append(ctx, tx, "treasury.emergency_withdrawal", "treasury", recipient, actorID, events.EventPayload{
		"amount": amount,
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return amount, nil
}

// ValidateTiers checks a proposed tier table: contiguous ascending brackets,
// open-ended tail, and no multiplier below principal.
func ValidateTiers(tiers []domain.RewardTier) error {
	if len(tiers) == 0 {
		return fmt.Errorf("at least one tier required")
	}
	for i, t := range tiers {
		if t.Name == "" {
			return fmt.Errorf("tier %d has empty name", i)
		}
		if t.MultiplierBP < config.BPDenominator {
			return fmt.Errorf("tier %s multiplier %d bp is below principal", t.Name, t.MultiplierBP)
		}
		if t.MaxStake != 0 && t.MaxStake < t.MinStake {
			return fmt.Errorf("tier %s has max_stake below min_stake", t.Name)
		}
		if i > 0 {
			prev := tiers[i-1]
			if prev.MaxStake == 0 {
				return fmt.Errorf("tier %s follows open-ended tier %s", t.Name, prev.Name)
			}
			if t.MinStake != prev.MaxStake+1 {
				return fmt.Errorf("tier %s does not start at %d", t.Name, prev.MaxStake+1)
			}
		}
	}
	if tiers[len(tiers)-1].MaxStake != 0 {
		return fmt.Errorf("last tier must be open-ended (max_stake 0)")
	}
	return nil
}

// UpdateTiers replaces the reward tier table.
func (e *Engine) UpdateTiers(ctx context.Context, tiers []domain.RewardTier, actorID string) error {
	if !e.Config.IsAdmin(actorID) {
		return ErrNotAdmin
	}
	if err := ValidateTiers(tiers); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.ReplaceTiersTx(ctx, tx, tiers); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "treasury.tiers_updated", "treasury", "", actorID, events.EventPayload{
		"tiers": len(tiers),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Tiers returns the active reward tier table.
func (e *Engine) Tiers(ctx context.Context) ([]domain.RewardTier, error) {
	return e.Repo.ListTiers(ctx)
}

// EnsureTiers seeds the tier table from config when empty. Called at
// startup; later operator updates win over config.
func (e *Engine) EnsureTiers(ctx context.Context) error {
	existing, err := e.Repo.ListTiers(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	tiers := make([]domain.RewardTier, 0, len(e.Config.Tiers))
	for _, t := range e.Config.Tiers {
		tiers = append(tiers, domain.RewardTier{
			Name:         t.Name,
			MinStake:     t.MinStake,
			MaxStake:     t.MaxStake,
			MultiplierBP: t.MultiplierBP,
		})
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.ReplaceTiersTx(ctx, tx, tiers); err != nil {
		return err
	}
	return tx.Commit()
}
