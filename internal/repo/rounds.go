package repo

import (
	"context"
	"database/sql"

	"stakeline/internal/domain"
)

const roundColumns = `milestone_id,submitter,evidence_ref,committee_size,approvals,rejections,status,resolved,forced,created_at,deadline,resolved_at`

func scanRound(row *sql.Row) (domain.ValidationRound, error) {
	var vr domain.ValidationRound
	var resolvedAt sql.NullString
	err := row.Scan(&vr.MilestoneID, &vr.Submitter, &vr.EvidenceRef, &vr.CommitteeSize, &vr.Approvals,
		&vr.Rejections, &vr.Status, &vr.Resolved, &vr.Forced, &vr.CreatedAt, &vr.Deadline, &resolvedAt)
	if err == sql.ErrNoRows {
		return vr, ErrNotFound
	}
	vr.ResolvedAt = optional(resolvedAt)
	return vr, err
}

func (r Repo) InsertRoundTx(ctx context.Context, tx *sql.Tx, vr domain.ValidationRound) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO validation_rounds(milestone_id,submitter,evidence_ref,committee_size,approvals,rejections,status,resolved,forced,created_at,deadline,resolved_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		vr.MilestoneID, vr.Submitter, vr.EvidenceRef, vr.CommitteeSize, vr.Approvals, vr.Rejections,
		vr.Status, vr.Resolved, vr.Forced, vr.CreatedAt, vr.Deadline, nullTime(vr.ResolvedAt))
	return err
}

func (r Repo) GetRound(ctx context.Context, milestoneID string) (domain.ValidationRound, error) {
	return scanRound(r.DB.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM validation_rounds WHERE milestone_id=?`, milestoneID))
}

func (r Repo) GetRoundTx(ctx context.Context, tx *sql.Tx, milestoneID string) (domain.ValidationRound, error) {
	return scanRound(tx.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM validation_rounds WHERE milestone_id=?`, milestoneID))
}

func (r Repo) UpdateRoundTx(ctx context.Context, tx *sql.Tx, vr domain.ValidationRound) error {
	res, err := tx.ExecContext(ctx, `UPDATE validation_rounds SET approvals=?,rejections=?,status=?,resolved=?,forced=?,resolved_at=? WHERE milestone_id=?`,
		vr.Approvals, vr.Rejections, vr.Status, vr.Resolved, vr.Forced, nullTime(vr.ResolvedAt), vr.MilestoneID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertVoteSlotTx(ctx context.Context, tx *sql.Tx, milestoneID, validatorID string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO round_votes(milestone_id,validator_id,voted,approve) VALUES (?,?,0,0)`, milestoneID, validatorID)
	return err
}

func (r Repo) GetVoteTx(ctx context.Context, tx *sql.Tx, milestoneID, validatorID string) (domain.Vote, error) {
	row := tx.QueryRowContext(ctx, `SELECT milestone_id,validator_id,voted,approve,COALESCE(comment,''),cast_at FROM round_votes WHERE milestone_id=? AND validator_id=?`,
		milestoneID, validatorID)
	var v domain.Vote
	var castAt sql.NullString
	err := row.Scan(&v.MilestoneID, &v.ValidatorID, &v.Cast, &v.Approve, &v.Comment, &castAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	v.CastAt = optional(castAt)
	return v, err
}

func (r Repo) UpdateVoteTx(ctx context.Context, tx *sql.Tx, v domain.Vote) error {
	res, err := tx.ExecContext(ctx, `UPDATE round_votes SET voted=?,approve=?,comment=?,cast_at=? WHERE milestone_id=? AND validator_id=?`,
		v.Cast, v.Approve, nullable(v.Comment), nullTime(v.CastAt), v.MilestoneID, v.ValidatorID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) listVotes(ctx context.Context, q interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}, milestoneID string) ([]domain.Vote, error) {
	rows, err := q.QueryContext(ctx, `SELECT milestone_id,validator_id,voted,approve,COALESCE(comment,''),cast_at FROM round_votes WHERE milestone_id=? ORDER BY validator_id`, milestoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Vote
	for rows.Next() {
		var v domain.Vote
		var castAt sql.NullString
		if err := rows.Scan(&v.MilestoneID, &v.ValidatorID, &v.Cast, &v.Approve, &v.Comment, &castAt); err != nil {
			return nil, err
		}
		v.CastAt = optional(castAt)
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) ListVotes(ctx context.Context, milestoneID string) ([]domain.Vote, error) {
	return r.listVotes(ctx, r.DB, milestoneID)
}

func (r Repo) ListVotesTx(ctx context.Context, tx *sql.Tx, milestoneID string) ([]domain.Vote, error) {
	return r.listVotes(ctx, tx, milestoneID)
}
