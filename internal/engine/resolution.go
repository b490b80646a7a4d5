package engine

import (
	"context"
	"log"
	"time"

	"stakeline/internal/domain"
	"stakeline/internal/events"
	"stakeline/internal/repo"
)

// ResolutionAuthority is the capability handed to the consensus engine at
// wiring time. It is the only path through which a round outcome advances
// or blocks a milestone.
type ResolutionAuthority struct {
	engine *Engine
}

// Authority returns the capability the consensus engine settles through.
func (e *Engine) Authority() *ResolutionAuthority {
	return &ResolutionAuthority{engine: e}
}

func (a *ResolutionAuthority) CompleteMilestone(ctx context.Context, milestoneID string) error {
	return a.engine.completeMilestone(ctx, milestoneID, "consensus")
}

func (a *ResolutionAuthority) RejectMilestone(ctx context.Context, milestoneID string) error {
	return a.engine.rejectMilestone(ctx, milestoneID, "consensus")
}

// AdminCompleteMilestone bypasses consensus. It is paired with the
// force-resolve override for rounds that cannot reach quorum.
func (e *Engine) AdminCompleteMilestone(ctx context.Context, milestoneID, actorID string) error {
	if !e.Config.IsAdmin(actorID) {
		return ErrNotAuthorized
	}
	return e.completeMilestone(ctx, milestoneID, actorID)
}

func (e *Engine) AdminRejectMilestone(ctx context.Context, milestoneID, actorID string) error {
	if !e.Config.IsAdmin(actorID) {
		return ErrNotAuthorized
	}
	return e.rejectMilestone(ctx, milestoneID, actorID)
}

// completeMilestone marks one milestone done exactly once and, when it is
// the last one, settles the whole goal.
func (e *Engine) completeMilestone(ctx context.Context, milestoneID, actorID string) error {
	m, err := e.Repo.GetMilestone(ctx, milestoneID)
	if err != nil {
		return err
	}
	mu := e.goalLock(m.GoalID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	m, err = e.Repo.GetMilestoneTx(ctx, tx, milestoneID)
	if err != nil {
		return err
	}
	if m.Completed {
		return ErrAlreadyCompleted
	}
	g, err := e.Repo.GetGoalTx(ctx, tx, m.GoalID)
	if err != nil {
		return err
	}
	if g.Status != domain.GoalActive {
		return ErrGoalNotActive
	}
	ts := e.now().UTC().Format(time.RFC3339)
	m.Completed = true
	m.CompletedAt = &ts
	if err := e.Repo.UpdateMilestoneTx(ctx, tx, m); err != nil {
		return err
	}
	g.MilestonesCompleted++
	if err := e.Repo.UpdateGoalTx(ctx, tx, g); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "milestone.completed", "milestone", m.ID, actorID, events.EventPayload{
		"goal_id": g.ID, "milestones_completed": g.MilestonesCompleted, "milestone_total": g.MilestoneTotal,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if g.CompanionAssetID != "" {
		if err := e.Companion.RecordMilestone(ctx, g.CompanionAssetID, m.ID); err != nil {
			log.Printf("engine: companion milestone record for goal %s: %v", g.ID, err)
		}
		if err := e.Companion.AddExperience(ctx, g.CompanionAssetID, int64(e.Config.Protocol.MilestoneExperience), m.ID); err != nil {
			log.Printf("engine: companion experience for goal %s: %v", g.ID, err)
		}
	}
	if g.MilestonesCompleted >= g.MilestoneTotal {
		return e.completeGoal(ctx, g.ID)
	}
	return nil
}

// rejectMilestone records the adverse outcome without touching milestone
// state. The evidence stands rejected; the goal keeps running.
func (e *Engine) rejectMilestone(ctx context.Context, milestoneID, actorID string) error {
	m, err := e.Repo.GetMilestone(ctx, milestoneID)
	if err != nil {
		return err
	}
	mu := e.goalLock(m.GoalID)
	mu.Lock()
	defer mu.Unlock()

	g, err := e.Repo.GetGoal(ctx, m.GoalID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "milestone.rejected", "milestone", m.ID, actorID, events.EventPayload{
		"goal_id": g.ID,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if g.CompanionAssetID != "" {
		if err := e.Companion.SetNegativeOutcome(ctx, g.CompanionAssetID, "milestone_rejected"); err != nil {
			log.Printf("engine: companion negative outcome for goal %s: %v", g.ID, err)
		}
	}
	return nil
}

// completeGoal moves an active goal to Completed and pays out stake plus
// the tier bonus. The status flip commits first so a payout retry can never
// settle the same goal twice.
func (e *Engine) completeGoal(ctx context.Context, goalID string) error {
	now := e.now().UTC()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	g, err := e.Repo.GetGoalTx(ctx, tx, goalID)
	if err != nil {
		return err
	}
	if g.Status != domain.GoalActive {
		return ErrGoalNotActive
	}
	deadline, err := time.Parse(time.RFC3339, g.Deadline)
	if err != nil {
		return err
	}
	grace := time.Duration(e.Config.Protocol.GraceWindowHours) * time.Hour
	g.Status = domain.GoalCompleted
	g.CompletedEarly = now.Before(deadline.Add(-grace))
	ts := now.Format(time.RFC3339)
	g.ClosedAt = &ts
	if err := e.Repo.UpdateGoalTx(ctx, tx, g); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "goal.completed", "goal", g.ID, g.Owner, events.EventPayload{
		"stake": g.Stake, "completed_early": g.CompletedEarly,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if _, err := e.Treasury.DistributeGoalReward(ctx, g.Owner, g.Stake, "engine"); err != nil {
		log.Printf("engine: goal %s completed but payout failed: %v", g.ID, err)
		return err
	}
	if g.CompanionAssetID != "" {
		meta := ""
		if g.CompletedEarly {
			meta = "early_completion"
		}
		if err := e.Companion.AwardCompletionBonus(ctx, g.CompanionAssetID, meta); err != nil {
			log.Printf("engine: companion completion bonus for goal %s: %v", g.ID, err)
		}
	}
	return nil
}

// FailGoal forfeits an active goal's stake. The owner may abandon at any
// time, an admin may intervene at any time, and once the deadline has
// passed anyone may trigger the failure.
func (e *Engine) FailGoal(ctx context.Context, goalID, actorID string) (domain.Goal, error) {
	mu := e.goalLock(goalID)
	mu.Lock()
	defer mu.Unlock()

	g, err := e.Repo.GetGoal(ctx, goalID)
	if err != nil {
		return domain.Goal{}, err
	}
	if g.Status != domain.GoalActive {
		return domain.Goal{}, ErrGoalNotActive
	}
	now := e.now().UTC()
	deadline, err := time.Parse(time.RFC3339, g.Deadline)
	if err != nil {
		return domain.Goal{}, err
	}
	var reason string
	switch {
	case actorID == g.Owner:
		reason = domain.ReasonOwnerAbandoned
	case e.Config.IsAdmin(actorID):
		reason = domain.ReasonAdminIntervention
	case now.After(deadline):
		reason = domain.ReasonDeadlineExpired
	default:
		return domain.Goal{}, ErrNotAuthorized
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Goal{}, err
	}
	defer tx.Rollback()
	g, err = e.Repo.GetGoalTx(ctx, tx, goalID)
	if err != nil {
		return domain.Goal{}, err
	}
	if g.Status != domain.GoalActive {
		return domain.Goal{}, ErrGoalNotActive
	}
	ts := now.Format(time.RFC3339)
	g.Status = domain.GoalFailed
	g.FailureReason = reason
	g.ClosedAt = &ts
	if err := e.Repo.UpdateGoalTx(ctx, tx, g); err != nil {
		return domain.Goal{}, err
	}
	if err := e.Events.Append(ctx, tx, "goal.failed", "goal", g.ID, actorID, events.EventPayload{
		"reason": reason, "stake": g.Stake,
	}); err != nil {
		return domain.Goal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Goal{}, err
	}

	if _, err := e.Treasury.DistributeFailedStake(ctx, g.Stake, g.Owner, actorID); err != nil {
		log.Printf("engine: goal %s failed but stake distribution failed: %v", g.ID, err)
		return domain.Goal{}, err
	}
	if g.CompanionAssetID != "" {
		if err := e.Companion.SetNegativeOutcome(ctx, g.CompanionAssetID, reason); err != nil {
			log.Printf("engine: companion negative outcome for goal %s: %v", g.ID, err)
		}
	}
	return g, nil
}

// PauseCreation stops new goals from being staked. Existing goals keep
// running.
func (e *Engine) PauseCreation(ctx context.Context, actorID string) error {
	return e.setPaused(ctx, actorID, true)
}

// ResumeCreation lifts the pause switch.
func (e *Engine) ResumeCreation(ctx context.Context, actorID string) error {
	return e.setPaused(ctx, actorID, false)
}

func (e *Engine) setPaused(ctx context.Context, actorID string, paused bool) error {
	if !e.Config.IsAdmin(actorID) {
		return ErrNotAuthorized
	}
	value := "false"
	eventType := "protocol.resumed"
	if paused {
		value = "true"
		eventType = "protocol.paused"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetSettingTx(ctx, tx, repo.SettingPaused, value); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, eventType, "protocol", "stakeline", actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Paused reports whether goal creation is currently blocked.
func (e *Engine) Paused(ctx context.Context) (bool, error) {
	return e.creationPaused(ctx)
}

// Stats aggregates protocol-wide counters for the status surfaces.
type Stats struct {
	ActiveGoals      int             `json:"active_goals"`
	CompletedGoals   int             `json:"completed_goals"`
	FailedGoals      int             `json:"failed_goals"`
	ActiveValidators int             `json:"active_validators"`
	TotalValidators  int             `json:"total_validators"`
	Paused           bool            `json:"paused"`
	Treasury         domain.Treasury `json:"treasury"`
}

func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var err error
	if s.ActiveGoals, err = e.Repo.CountGoals(ctx, domain.GoalActive); err != nil {
		return Stats{}, err
	}
	if s.CompletedGoals, err = e.Repo.CountGoals(ctx, domain.GoalCompleted); err != nil {
		return Stats{}, err
	}
	if s.FailedGoals, err = e.Repo.CountGoals(ctx, domain.GoalFailed); err != nil {
		return Stats{}, err
	}
	if s.ActiveValidators, err = e.Repo.CountValidators(ctx, true); err != nil {
		return Stats{}, err
	}
	if s.TotalValidators, err = e.Repo.CountValidators(ctx, false); err != nil {
		return Stats{}, err
	}
	if s.Paused, err = e.creationPaused(ctx); err != nil {
		return Stats{}, err
	}
	if s.Treasury, err = e.Treasury.Snapshot(ctx); err != nil {
		return Stats{}, err
	}
	return s, nil
}
