// Package engine is the goal/milestone orchestrator. It owns every Goal and
// Milestone write, gates who may trigger them, and drives treasury
// settlement when a goal reaches a terminal state.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"stakeline/internal/companion"
	"stakeline/internal/config"
	"stakeline/internal/consensus"
	"stakeline/internal/domain"
	"stakeline/internal/events"
	"stakeline/internal/ledger"
	"stakeline/internal/repo"
	"stakeline/internal/treasury"
)

var (
	ErrInvalidStake         = errors.New("invalid stake amount")
	ErrInvalidDuration      = errors.New("invalid goal duration")
	ErrTooManyMilestones    = errors.New("milestone total out of range")
	ErrTransferFailed       = errors.New("ledger transfer failed")
	ErrNotGoalOwner         = errors.New("caller is not the goal owner")
	ErrGoalNotActive        = errors.New("goal is not active")
	ErrMaxMilestonesReached = errors.New("goal already has its full milestone count")
	ErrAlreadyCompleted     = errors.New("milestone already completed")
	ErrAlreadySubmitted     = errors.New("milestone evidence already submitted")
	ErrNotAuthorized        = errors.New("caller not authorized")
	ErrNotSubmitted         = errors.New("milestone has no submitted evidence")
	ErrCreationPaused       = errors.New("goal creation is paused")
)

const companionKind = "goal-companion"

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Ledger    ledger.Ledger
	Treasury  *treasury.Engine
	Consensus *consensus.Engine
	Companion companion.Notifier
	Config    *config.Config
	Now       func() time.Time

	// Per-goal serialization: operations on distinct goals run in
	// parallel, operations on the same goal do not.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(db *sql.DB, cfg *config.Config, lgr ledger.Ledger, trs *treasury.Engine, cns *consensus.Engine, cmp companion.Notifier) *Engine {
	return &Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Ledger:    lgr,
		Treasury:  trs,
		Consensus: cns,
		Companion: cmp,
		Config:    cfg,
		Now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) goalLock(goalID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	mu, ok := e.locks[goalID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[goalID] = mu
	}
	return mu
}

// GoalCreateOptions are parameters for staking a new goal.
type GoalCreateOptions struct {
	Owner          string
	Title          string
	Stake          int64
	DurationHours  int
	MilestoneTotal int
}

// CreateGoal debits the stake into treasury custody, mints the companion
// asset, and opens the goal in Active status.
func (e *Engine) CreateGoal(ctx context.Context, opts GoalCreateOptions) (domain.Goal, error) {
	if opts.Owner == "" || opts.Title == "" {
		return domain.Goal{}, fmt.Errorf("owner and title are required: %w", ErrNotAuthorized)
	}
	if opts.Stake <= 0 || opts.Stake > e.Config.Protocol.MaxStake {
		return domain.Goal{}, fmt.Errorf("stake %d: %w", opts.Stake, ErrInvalidStake)
	}
	if opts.DurationHours <= 0 {
		return domain.Goal{}, fmt.Errorf("duration %dh: %w", opts.DurationHours, ErrInvalidDuration)
	}
	if opts.MilestoneTotal < 1 || opts.MilestoneTotal > e.Config.Protocol.MaxMilestones {
		return domain.Goal{}, fmt.Errorf("milestone total %d not in [1,%d]: %w", opts.MilestoneTotal, e.Config.Protocol.MaxMilestones, ErrTooManyMilestones)
	}
	if paused, err := e.creationPaused(ctx); err != nil {
		return domain.Goal{}, err
	} else if paused {
		return domain.Goal{}, ErrCreationPaused
	}

	if err := e.Ledger.Transfer(ctx, opts.Owner, ledger.AccountTreasury, opts.Stake); err != nil {
		return domain.Goal{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	now := e.now().UTC()
	g := domain.Goal{
		ID:             uuid.New().String(),
		Owner:          opts.Owner,
		Title:          opts.Title,
		Stake:          opts.Stake,
		Status:         domain.GoalActive,
		MilestoneTotal: opts.MilestoneTotal,
		CreatedAt:      now.Format(time.RFC3339),
		Deadline:       now.Add(time.Duration(opts.DurationHours) * time.Hour).Format(time.RFC3339),
	}
	assetID, err := e.Companion.Mint(ctx, opts.Owner, g.ID, companionKind, "")
	if err != nil {
		// Cosmetic side channel; the goal proceeds without its companion.
		log.Printf("engine: companion mint for goal %s failed: %v", g.ID, err)
	} else {
		g.CompanionAssetID = assetID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Goal{}, e.refundStake(ctx, opts.Owner, opts.Stake, err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertGoalTx(ctx, tx, g); err != nil {
		return domain.Goal{}, e.refundStake(ctx, opts.Owner, opts.Stake, err)
	}
	if err := e.Events.Append(ctx, tx, "goal.created", "goal", g.ID, opts.Owner, events.EventPayload{
		"title": g.Title, "stake": g.Stake, "milestone_total": g.MilestoneTotal, "deadline": g.Deadline,
	}); err != nil {
		return domain.Goal{}, e.refundStake(ctx, opts.Owner, opts.Stake, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Goal{}, e.refundStake(ctx, opts.Owner, opts.Stake, err)
	}
	if err := e.Treasury.RecordStakeReceived(ctx, g.Stake, opts.Owner); err != nil {
		log.Printf("engine: record stake received for goal %s: %v", g.ID, err)
	}
	return g, nil
}

// refundStake compensates a failed goal insert so a creation failure leaves
// no custodied funds behind.
func (e *Engine) refundStake(ctx context.Context, owner string, stake int64, cause error) error {
	if err := e.Ledger.Transfer(ctx, ledger.AccountTreasury, owner, stake); err != nil {
		log.Printf("engine: stake refund to %s failed: %v", owner, err)
	}
	return cause
}

func (e *Engine) creationPaused(ctx context.Context) (bool, error) {
	value, err := e.Repo.GetSetting(ctx, repo.SettingPaused)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return value == "true", nil
}

// CreateMilestone adds one planned milestone to an active goal.
func (e *Engine) CreateMilestone(ctx context.Context, goalID, description, actorID string) (domain.Milestone, error) {
	if description == "" {
		return domain.Milestone{}, errors.New("description is required")
	}
	mu := e.goalLock(goalID)
	mu.Lock()
	defer mu.Unlock()

	g, err := e.Repo.GetGoal(ctx, goalID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if g.Owner != actorID {
		return domain.Milestone{}, ErrNotGoalOwner
	}
	if g.Status != domain.GoalActive {
		return domain.Milestone{}, ErrGoalNotActive
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()
	count, err := e.Repo.CountMilestonesTx(ctx, tx, goalID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if count >= g.MilestoneTotal {
		return domain.Milestone{}, ErrMaxMilestonesReached
	}
	m := domain.Milestone{
		ID:          uuid.New().String(),
		GoalID:      goalID,
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertMilestoneTx(ctx, tx, m); err != nil {
		return domain.Milestone{}, err
	}
	if err := e.Events.Append(ctx, tx, "milestone.created", "milestone", m.ID, actorID, events.EventPayload{
		"goal_id": goalID, "description": description,
	}); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

// SubmitMilestone records evidence and opens the validation round sized by
// the goal's stake. One round per milestone: a rejected round is final for
// that milestone's evidence.
func (e *Engine) SubmitMilestone(ctx context.Context, milestoneID, evidenceRef, actorID string) (domain.Milestone, domain.ValidationRound, error) {
	if evidenceRef == "" {
		return domain.Milestone{}, domain.ValidationRound{}, errors.New("evidence reference is required")
	}
	m, err := e.Repo.GetMilestone(ctx, milestoneID)
	if err != nil {
		return domain.Milestone{}, domain.ValidationRound{}, err
	}
	g, err := e.recordSubmission(ctx, &m, evidenceRef, actorID)
	if err != nil {
		return domain.Milestone{}, domain.ValidationRound{}, err
	}

	// The goal lock is released here. OpenRound takes the consensus lock,
	// and a resolving vote calls back into this engine while holding it;
	// crossing into consensus with the goal lock held would deadlock.
	vr, err := e.Consensus.OpenRound(ctx, milestoneID, actorID, evidenceRef, g.Stake)
	if err != nil {
		// Leave no half-submitted milestone behind when no committee can
		// be formed.
		e.revertSubmission(ctx, milestoneID)
		return domain.Milestone{}, domain.ValidationRound{}, err
	}
	return m, vr, nil
}

func (e *Engine) recordSubmission(ctx context.Context, m *domain.Milestone, evidenceRef, actorID string) (domain.Goal, error) {
	mu := e.goalLock(m.GoalID)
	mu.Lock()
	defer mu.Unlock()

	g, err := e.Repo.GetGoal(ctx, m.GoalID)
	if err != nil {
		return domain.Goal{}, err
	}
	if g.Owner != actorID {
		return domain.Goal{}, ErrNotAuthorized
	}
	if g.Status != domain.GoalActive {
		return domain.Goal{}, ErrGoalNotActive
	}
	// Re-read under the goal lock; the caller's copy may predate a
	// concurrent submission.
	fresh, err := e.Repo.GetMilestone(ctx, m.ID)
	if err != nil {
		return domain.Goal{}, err
	}
	*m = fresh
	if m.Completed {
		return domain.Goal{}, ErrAlreadyCompleted
	}
	// A set submission timestamp means a round was opened for this
	// evidence. One round per milestone: replays are rejected before any
	// write so the original evidence stays on record.
	if m.SubmittedAt != nil {
		return domain.Goal{}, ErrAlreadySubmitted
	}

	ts := e.now().UTC().Format(time.RFC3339)
	m.EvidenceRef = evidenceRef
	m.SubmittedAt = &ts
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Goal{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMilestoneTx(ctx, tx, *m); err != nil {
		return domain.Goal{}, err
	}
	if err := e.Events.Append(ctx, tx, "milestone.submitted", "milestone", m.ID, actorID, events.EventPayload{
		"goal_id": g.ID, "evidence_ref": evidenceRef,
	}); err != nil {
		return domain.Goal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Goal{}, err
	}
	return g, nil
}

func (e *Engine) revertSubmission(ctx context.Context, milestoneID string) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("engine: revert submission %s: %v", milestoneID, err)
		return
	}
	defer tx.Rollback()
	m, err := e.Repo.GetMilestoneTx(ctx, tx, milestoneID)
	if err != nil {
		log.Printf("engine: revert submission %s: %v", milestoneID, err)
		return
	}
	m.EvidenceRef = ""
	m.SubmittedAt = nil
	if err := e.Repo.UpdateMilestoneTx(ctx, tx, m); err != nil {
		log.Printf("engine: revert submission %s: %v", milestoneID, err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("engine: revert submission %s: %v", milestoneID, err)
	}
}

// Goal returns one goal.
func (e *Engine) Goal(ctx context.Context, id string) (domain.Goal, error) {
	return e.Repo.GetGoal(ctx, id)
}

// Goals lists goals filtered by owner and/or status.
func (e *Engine) Goals(ctx context.Context, owner, status string, limit int) ([]domain.Goal, error) {
	return e.Repo.ListGoals(ctx, owner, status, limit)
}

// Milestone returns one milestone.
func (e *Engine) Milestone(ctx context.Context, id string) (domain.Milestone, error) {
	return e.Repo.GetMilestone(ctx, id)
}

// Milestones lists a goal's milestones in creation order.
func (e *Engine) Milestones(ctx context.Context, goalID string) ([]domain.Milestone, error) {
	return e.Repo.ListMilestones(ctx, goalID)
}
