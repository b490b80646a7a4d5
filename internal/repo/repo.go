package repo

import (
	"context"
	"database/sql"
	"errors"

	"stakeline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullTime(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func optional(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

const goalColumns = `id,owner,title,stake,status,milestone_total,milestones_completed,
COALESCE(companion_asset_id,''),COALESCE(failure_reason,''),completed_early,created_at,deadline,closed_at`

func scanGoal(row *sql.Row) (domain.Goal, error) {
	var g domain.Goal
	var closed sql.NullString
	err := row.Scan(&g.ID, &g.Owner, &g.Title, &g.Stake, &g.Status, &g.MilestoneTotal, &g.MilestonesCompleted,
		&g.CompanionAssetID, &g.FailureReason, &g.CompletedEarly, &g.CreatedAt, &g.Deadline, &closed)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	g.ClosedAt = optional(closed)
	return g, err
}

func (r Repo) InsertGoalTx(ctx context.Context, tx *sql.Tx, g domain.Goal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO goals(id,owner,title,stake,status,milestone_total,milestones_completed,companion_asset_id,failure_reason,completed_early,created_at,deadline,closed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.Owner, g.Title, g.Stake, g.Status, g.MilestoneTotal, g.MilestonesCompleted,
		nullable(g.CompanionAssetID), nullable(g.FailureReason), g.CompletedEarly, g.CreatedAt, g.Deadline, nullTime(g.ClosedAt))
	return err
}

func (r Repo) GetGoal(ctx context.Context, id string) (domain.Goal, error) {
	return scanGoal(r.DB.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id=?`, id))
}

func (r Repo) GetGoalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Goal, error) {
	return scanGoal(tx.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id=?`, id))
}

func (r Repo) UpdateGoalTx(ctx context.Context, tx *sql.Tx, g domain.Goal) error {
	res, err := tx.ExecContext(ctx, `UPDATE goals SET status=?,milestones_completed=?,failure_reason=?,completed_early=?,closed_at=? WHERE id=?`,
		g.Status, g.MilestonesCompleted, nullable(g.FailureReason), g.CompletedEarly, nullTime(g.ClosedAt), g.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListGoals(ctx context.Context, owner, status string, limit int) ([]domain.Goal, error) {
	query := `SELECT ` + goalColumns + ` FROM goals`
	var (
		conds []string
		args  []any
	)
	if owner != "" {
		conds = append(conds, "owner=?")
		args = append(args, owner)
	}
	if status != "" {
		conds = append(conds, "status=?")
		args = append(args, status)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Goal
	for rows.Next() {
		var g domain.Goal
		var closed sql.NullString
		if err := rows.Scan(&g.ID, &g.Owner, &g.Title, &g.Stake, &g.Status, &g.MilestoneTotal, &g.MilestonesCompleted,
			&g.CompanionAssetID, &g.FailureReason, &g.CompletedEarly, &g.CreatedAt, &g.Deadline, &closed); err != nil {
			return nil, err
		}
		g.ClosedAt = optional(closed)
		res = append(res, g)
	}
	return res, rows.Err()
}

func (r Repo) CountGoals(ctx context.Context, status string) (int, error) {
	query := `SELECT COUNT(*) FROM goals`
	var args []any
	if status != "" {
		query += " WHERE status=?"
		args = append(args, status)
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

const milestoneColumns = `id,goal_id,description,completed,COALESCE(evidence_ref,''),created_at,submitted_at,completed_at`

func scanMilestone(row *sql.Row) (domain.Milestone, error) {
	var m domain.Milestone
	var submitted, completed sql.NullString
	err := row.Scan(&m.ID, &m.GoalID, &m.Description, &m.Completed, &m.EvidenceRef, &m.CreatedAt, &submitted, &completed)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	m.SubmittedAt = optional(submitted)
	m.CompletedAt = optional(completed)
	return m, err
}

func (r Repo) InsertMilestoneTx(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO milestones(id,goal_id,description,completed,evidence_ref,created_at,submitted_at,completed_at) VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.GoalID, m.Description, m.Completed, nullable(m.EvidenceRef), m.CreatedAt, nullTime(m.SubmittedAt), nullTime(m.CompletedAt))
	return err
}

func (r Repo) GetMilestone(ctx context.Context, id string) (domain.Milestone, error) {
	return scanMilestone(r.DB.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id=?`, id))
}

func (r Repo) GetMilestoneTx(ctx context.Context, tx *sql.Tx, id string) (domain.Milestone, error) {
	return scanMilestone(tx.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id=?`, id))
}

func (r Repo) UpdateMilestoneTx(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	res, err := tx.ExecContext(ctx, `UPDATE milestones SET completed=?,evidence_ref=?,submitted_at=?,completed_at=? WHERE id=?`,
		m.Completed, nullable(m.EvidenceRef), nullTime(m.SubmittedAt), nullTime(m.CompletedAt), m.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListMilestones(ctx context.Context, goalID string) ([]domain.Milestone, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE goal_id=? ORDER BY created_at, id`, goalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		var m domain.Milestone
		var submitted, completed sql.NullString
		if err := rows.Scan(&m.ID, &m.GoalID, &m.Description, &m.Completed, &m.EvidenceRef, &m.CreatedAt, &submitted, &completed); err != nil {
			return nil, err
		}
		m.SubmittedAt = optional(submitted)
		m.CompletedAt = optional(completed)
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) CountMilestonesTx(ctx context.Context, tx *sql.Tx, goalID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM milestones WHERE goal_id=?`, goalID).Scan(&n)
	return n, err
}
