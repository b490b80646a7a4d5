package repo

import (
	"context"
	"database/sql"

	"stakeline/internal/domain"
)

const treasuryColumns = `reward_pool,insurance_pool,validator_pool,development_pool,stakes_received,rewards_distributed,tokens_burned,goals_completed,goals_failed`

func scanTreasury(row *sql.Row) (domain.Treasury, error) {
	var t domain.Treasury
	err := row.Scan(&t.RewardPool, &t.InsurancePool, &t.ValidatorPool, &t.DevelopmentPool,
		&t.StakesReceived, &t.RewardsDistributed, &t.TokensBurned, &t.GoalsCompleted, &t.GoalsFailed)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) GetTreasury(ctx context.Context) (domain.Treasury, error) {
	return scanTreasury(r.DB.QueryRowContext(ctx, `SELECT ` + treasuryColumns + ` FROM treasury WHERE id=1`))
}

func (r Repo) GetTreasuryTx(ctx context.Context, tx *sql.Tx) (domain.Treasury, error) {
	return scanTreasury(tx.QueryRowContext(ctx, `SELECT ` + treasuryColumns + ` FROM treasury WHERE id=1`))
}

func (r Repo) UpdateTreasuryTx(ctx context.Context, tx *sql.Tx, t domain.Treasury) error {
	_, err := tx.ExecContext(ctx, `UPDATE treasury SET reward_pool=?,insurance_pool=?,validator_pool=?,development_pool=?,stakes_received=?,rewards_distributed=?,tokens_burned=?,goals_completed=?,goals_failed=? WHERE id=1`,
		t.RewardPool, t.InsurancePool, t.ValidatorPool, t.DevelopmentPool,
		t.StakesReceived, t.RewardsDistributed, t.TokensBurned, t.GoalsCompleted, t.GoalsFailed)
	return err
}

func (r Repo) ListTiers(ctx context.Context) ([]domain.RewardTier, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name,min_stake,max_stake,multiplier_bp FROM reward_tiers ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RewardTier
	for rows.Next() {
		var t domain.RewardTier
		if err := rows.Scan(&t.Name, &t.MinStake, &t.MaxStake, &t.MultiplierBP); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ReplaceTiersTx swaps the whole tier table. Tier validation happens before
// the call; this is storage only.
func (r Repo) ReplaceTiersTx(ctx context.Context, tx *sql.Tx, tiers []domain.RewardTier) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM reward_tiers`); err != nil {
		return err
	}
	for i, t := range tiers {
		if _, err := tx.ExecContext(ctx, `INSERT INTO reward_tiers(position,name,min_stake,max_stake,multiplier_bp) VALUES (?,?,?,?,?)`,
			i, t.Name, t.MinStake, t.MaxStake, t.MultiplierBP); err != nil {
			return err
		}
	}
	return nil
}
