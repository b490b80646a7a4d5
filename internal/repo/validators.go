package repo

import (
	"context"
	"database/sql"

	"stakeline/internal/domain"
)

const validatorColumns = `id,stake,reputation,total_votes,accurate_votes,active,registered_at,last_vote_at`

func scanValidator(row *sql.Row) (domain.Validator, error) {
	var v domain.Validator
	var lastVote sql.NullString
	err := row.Scan(&v.ID, &v.Stake, &v.Reputation, &v.TotalVotes, &v.AccurateVotes, &v.Active, &v.RegisteredAt, &lastVote)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	v.LastVoteAt = optional(lastVote)
	return v, err
}

func (r Repo) InsertValidatorTx(ctx context.Context, tx *sql.Tx, v domain.Validator) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO validators(id,stake,reputation,total_votes,accurate_votes,active,registered_at,last_vote_at) VALUES (?,?,?,?,?,?,?,?)`,
		v.ID, v.Stake, v.Reputation, v.TotalVotes, v.AccurateVotes, v.Active, v.RegisteredAt, nullTime(v.LastVoteAt))
	return err
}

func (r Repo) GetValidator(ctx context.Context, id string) (domain.Validator, error) {
	return scanValidator(r.DB.QueryRowContext(ctx, `SELECT `+validatorColumns+` FROM validators WHERE id=?`, id))
}

func (r Repo) GetValidatorTx(ctx context.Context, tx *sql.Tx, id string) (domain.Validator, error) {
	return scanValidator(tx.QueryRowContext(ctx, `SELECT `+validatorColumns+` FROM validators WHERE id=?`, id))
}

func (r Repo) UpdateValidatorTx(ctx context.Context, tx *sql.Tx, v domain.Validator) error {
	res, err := tx.ExecContext(ctx, `UPDATE validators SET stake=?,reputation=?,total_votes=?,accurate_votes=?,active=?,last_vote_at=? WHERE id=?`,
		v.Stake, v.Reputation, v.TotalVotes, v.AccurateVotes, v.Active, nullTime(v.LastVoteAt), v.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListValidators(ctx context.Context, activeOnly bool) ([]domain.Validator, error) {
	query := `SELECT ` + validatorColumns + ` FROM validators`
	if activeOnly {
		query += ` WHERE active=1`
	}
	query += ` ORDER BY registered_at, id`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Validator
	for rows.Next() {
		var v domain.Validator
		var lastVote sql.NullString
		if err := rows.Scan(&v.ID, &v.Stake, &v.Reputation, &v.TotalVotes, &v.AccurateVotes, &v.Active, &v.RegisteredAt, &lastVote); err != nil {
			return nil, err
		}
		v.LastVoteAt = optional(lastVote)
		res = append(res, v)
	}
	return res, rows.Err()
}

// ActiveValidatorIDsTx returns ids of the current assignment pool in
// registration order.
func (r Repo) ActiveValidatorIDsTx(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM validators WHERE active=1 ORDER BY registered_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) CountValidators(ctx context.Context, activeOnly bool) (int, error) {
	query := `SELECT COUNT(*) FROM validators`
	if activeOnly {
		query += ` WHERE active=1`
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query).Scan(&n)
	return n, err
}
