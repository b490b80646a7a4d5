// Package consensus owns validator lifecycle and validation rounds: random
// committee assignment, vote tallying, quorum resolution, and the
// reward/penalty pass that feeds validator reputation.
package consensus

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"stakeline/internal/config"
	"stakeline/internal/domain"
	"stakeline/internal/events"
	"stakeline/internal/ledger"
	"stakeline/internal/repo"
	"stakeline/internal/treasury"
)

var (
	ErrStakeTooLow                  = errors.New("validator stake below minimum")
	ErrAlreadyRegistered            = errors.New("validator already active")
	ErrValidatorInactive            = errors.New("validator not active")
	ErrInsufficientActiveValidators = errors.New("insufficient active validators")
	ErrRoundExists                  = errors.New("validation round already open for milestone")
	ErrRoundNotPending              = errors.New("validation round not pending")
	ErrNotAssigned                  = errors.New("validator not assigned to round")
	ErrAlreadyVoted                 = errors.New("validator already voted")
	ErrVotingDeadlinePassed         = errors.New("voting deadline passed")
	ErrNotAdmin                     = errors.New("administrator role required")
)

// Finalizer is the orchestrator capability handed over at wiring time. The
// consensus engine is the only holder, which is what keeps end users from
// finalizing their own milestones.
type Finalizer interface {
	CompleteMilestone(ctx context.Context, milestoneID string) error
	RejectMilestone(ctx context.Context, milestoneID string) error
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Ledger   ledger.Ledger
	Treasury *treasury.Engine
	Config   *config.Config
	Now      func() time.Time

	// Committee sampling; overridable in tests. Returns a uniform int in
	// [0,n).
	RandInt func(n int) (int, error)

	finalizer Finalizer

	// Serializes round and validator mutations so the quorum transition
	// fires exactly once even when votes race.
	mu sync.Mutex
}

func New(db *sql.DB, cfg *config.Config, lgr ledger.Ledger, trs *treasury.Engine) *Engine {
	return &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Ledger:   lgr,
		Treasury: trs,
		Config:   cfg,
		Now:      time.Now,
		RandInt:  cryptoRandInt,
	}
}

// SetFinalizer installs the orchestrator capability. Must be called before
// any round can resolve.
func (e *Engine) SetFinalizer(f Finalizer) {
	e.finalizer = f
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func cryptoRandInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

// RegisterValidator stakes and activates a validator. A previously
// deactivated validator may re-register; reputation restarts at baseline.
func (e *Engine) RegisterValidator(ctx context.Context, validatorID string, stake int64) (domain.Validator, error) {
	if stake < e.Config.Validators.MinStake {
		return domain.Validator{}, fmt.Errorf("stake %d below minimum %d: %w", stake, e.Config.Validators.MinStake, ErrStakeTooLow)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	existing, err := e.Repo.GetValidator(ctx, validatorID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Validator{}, err
	}
	if err == nil && existing.Active {
		return domain.Validator{}, ErrAlreadyRegistered
	}
	if err := e.Ledger.Transfer(ctx, validatorID, ledger.AccountTreasury, stake); err != nil {
		return domain.Validator{}, fmt.Errorf("stake transfer: %w", err)
	}
	tx, txErr := e.DB.BeginTx(ctx, nil)
	if txErr != nil {
		return domain.Validator{}, txErr
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	v := domain.Validator{
		ID:           validatorID,
		Stake:        stake,
		Reputation:   e.Config.Validators.BaselineReputation,
		Active:       true,
		RegisteredAt: now,
	}
	if errors.Is(err, repo.ErrNotFound) {
		if err := e.Repo.InsertValidatorTx(ctx, tx, v); err != nil {
			return domain.Validator{}, err
		}
	} else {
		v.RegisteredAt = existing.RegisteredAt
		v.TotalVotes = existing.TotalVotes
		v.AccurateVotes = existing.AccurateVotes
		if err := e.Repo.UpdateValidatorTx(ctx, tx, v); err != nil {
			return domain.Validator{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "validator.registered", "validator", validatorID, validatorID, events.EventPayload{
		"stake": stake,
	}); err != nil {
		return domain.Validator{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Validator{}, err
	}
	return v, nil
}

// DeactivateValidator is the self-service exit. The staked amount is
// returned and the validator leaves the assignment pool; the record stays.
func (e *Engine) DeactivateValidator(ctx context.Context, validatorID string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, err := e.Repo.GetValidator(ctx, validatorID)
	if err != nil {
		return 0, err
	}
	if !v.Active {
		return 0, ErrValidatorInactive
	}
	if err := e.Ledger.Transfer(ctx, ledger.AccountTreasury, validatorID, v.Stake); err != nil {
		return 0, fmt.Errorf("stake return transfer: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	returned := v.Stake
	v.Active = false
	v.Stake = 0
	if err := e.Repo.UpdateValidatorTx(ctx, tx, v); err != nil {
		return 0, err
	}
	if err := e.Events.Append(ctx, tx, "validator.deactivated", "validator", validatorID, validatorID, events.EventPayload{
		"returned_stake": returned, "reason": "self_exit",
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return returned, nil
}

func (e *Engine) committeeSize(stake int64) int {
	for _, band := range e.Config.Committee.Bands {
		if band.MaxStake == 0 || stake <= band.MaxStake {
			return band.Size
		}
	}
	return e.Config.Committee.Bands[len(e.Config.Committee.Bands)-1].Size
}

// sampleCommittee draws a committee-sized subset without duplicates via a
// partial Fisher-Yates over the active pool. Entropy comes from crypto/rand
// per round; assignment is still not adversarially unpredictable against a
// party who can observe pool ordering, which mirrors the protocol's known
// limitation.
func (e *Engine) sampleCommittee(pool []string, size int) ([]string, error) {
	ids := make([]string, len(pool))
	copy(ids, pool)
	for i := 0; i < size; i++ {
		j, err := e.RandInt(len(ids) - i)
		if err != nil {
			return nil, err
		}
		ids[i], ids[i+j] = ids[i+j], ids[i]
	}
	return ids[:size], nil
}

// OpenRound creates the validation round for a submitted milestone. This is
// the orchestrator's entry point; no user-facing surface routes here.
func (e *Engine) OpenRound(ctx context.Context, milestoneID, submitter, evidenceRef string, stake int64) (domain.ValidationRound, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.Repo.GetRound(ctx, milestoneID); err == nil {
		return domain.ValidationRound{}, ErrRoundExists
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.ValidationRound{}, err
	}
	size := e.committeeSize(stake)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ValidationRound{}, err
	}
	defer tx.Rollback()
	pool, err := e.Repo.ActiveValidatorIDsTx(ctx, tx)
	if err != nil {
		return domain.ValidationRound{}, err
	}
	if len(pool) < size {
		return domain.ValidationRound{}, fmt.Errorf("need %d, have %d: %w", size, len(pool), ErrInsufficientActiveValidators)
	}
	committee, err := e.sampleCommittee(pool, size)
	if err != nil {
		return domain.ValidationRound{}, fmt.Errorf("sample committee: %w", err)
	}
	now := e.now().UTC()
	vr := domain.ValidationRound{
		MilestoneID:   milestoneID,
		Submitter:     submitter,
		EvidenceRef:   evidenceRef,
		CommitteeSize: size,
		Status:        domain.RoundPending,
		CreatedAt:     now.Format(time.RFC3339),
		Deadline:      now.Add(time.Duration(e.Config.Committee.RoundDeadlineHours) * time.Hour).Format(time.RFC3339),
	}
	if err := e.Repo.InsertRoundTx(ctx, tx, vr); err != nil {
		return domain.ValidationRound{}, err
	}
	for _, id := range committee {
		if err := e.Repo.InsertVoteSlotTx(ctx, tx, milestoneID, id); err != nil {
			return domain.ValidationRound{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "round.opened", "round", milestoneID, submitter, events.EventPayload{
		"committee_size": size, "deadline": vr.Deadline,
	}); err != nil {
		return domain.ValidationRound{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ValidationRound{}, err
	}
	return vr, nil
}

// SubmitVote records one committee vote and triggers resolution when the
// final vote lands. The engine lock makes the quorum transition fire exactly
// once under racing submissions.
func (e *Engine) SubmitVote(ctx context.Context, milestoneID, validatorID string, approve bool, comment string) (domain.ValidationRound, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ValidationRound{}, err
	}
	defer tx.Rollback()

	vr, err := e.Repo.GetRoundTx(ctx, tx, milestoneID)
	if err != nil {
		return domain.ValidationRound{}, err
	}
	if vr.Resolved || vr.Status != domain.RoundPending {
		return domain.ValidationRound{}, ErrRoundNotPending
	}
	now := e.now().UTC()
	deadline, err := time.Parse(time.RFC3339, vr.Deadline)
	if err == nil && now.After(deadline) {
		return domain.ValidationRound{}, ErrVotingDeadlinePassed
	}
	v, err := e.Repo.GetValidatorTx(ctx, tx, validatorID)
	if err != nil {
		return domain.ValidationRound{}, err
	}
	if !v.Active {
		return domain.ValidationRound{}, ErrValidatorInactive
	}
	slot, err := e.Repo.GetVoteTx(ctx, tx, milestoneID, validatorID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ValidationRound{}, ErrNotAssigned
	}
	if err != nil {
		return domain.ValidationRound{}, err
	}
	if slot.Cast {
		return domain.ValidationRound{}, ErrAlreadyVoted
	}

	ts := now.Format(time.RFC3339)
	slot.Cast = true
	slot.Approve = approve
	slot.Comment = comment
	slot.CastAt = &ts
	if err := e.Repo.UpdateVoteTx(ctx, tx, slot); err != nil {
		return domain.ValidationRound{}, err
	}
	if approve {
		vr.Approvals++
	} else {
		vr.Rejections++
	}
	v.TotalVotes++
	v.LastVoteAt = &ts
	if err := e.Repo.UpdateValidatorTx(ctx, tx, v); err != nil {
		return domain.ValidationRound{}, err
	}
	if err := e.Events.Append(ctx, tx, "vote.cast", "round", milestoneID, validatorID, events.EventPayload{
		"approve": approve,
	}); err != nil {
		return domain.ValidationRound{}, err
	}

	var votes []domain.Vote
	reached := vr.Approvals+vr.Rejections >= vr.CommitteeSize
	if reached {
		// Majority rule; ties reject.
		if vr.Approvals > vr.Rejections {
			vr.Status = domain.RoundApproved
		} else {
			vr.Status = domain.RoundRejected
		}
		vr.Resolved = true
		vr.ResolvedAt = &ts
		if votes, err = e.Repo.ListVotesTx(ctx, tx, milestoneID); err != nil {
			return domain.ValidationRound{}, err
		}
		if err := e.Events.Append(ctx, tx, "round.resolved", "round", milestoneID, validatorID, events.EventPayload{
			"status": vr.Status, "approvals": vr.Approvals, "rejections": vr.Rejections,
		}); err != nil {
			return domain.ValidationRound{}, err
		}
	}
	if err := e.Repo.UpdateRoundTx(ctx, tx, vr); err != nil {
		return domain.ValidationRound{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ValidationRound{}, err
	}
	if reached {
		e.settleRound(ctx, vr, votes)
	}
	return vr, nil
}

// ForceResolve finalizes a stuck round without a scoring pass. Administrative
// escape hatch for the accepted liveness gap: a round short of quorum stays
// pending until someone with the admin role steps in.
func (e *Engine) ForceResolve(ctx context.Context, milestoneID string, approve bool, actorID string) (domain.ValidationRound, error) {
	if !e.Config.IsAdmin(actorID) {
		return domain.ValidationRound{}, ErrNotAdmin
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ValidationRound{}, err
	}
	defer tx.Rollback()
	vr, err := e.Repo.GetRoundTx(ctx, tx, milestoneID)
	if err != nil {
		return domain.ValidationRound{}, err
	}
	if vr.Resolved || vr.Status != domain.RoundPending {
		return domain.ValidationRound{}, ErrRoundNotPending
	}
	ts := e.now().UTC().Format(time.RFC3339)
	if approve {
		vr.Status = domain.RoundApproved
	} else {
		vr.Status = domain.RoundRejected
	}
	vr.Resolved = true
	vr.Forced = true
	vr.ResolvedAt = &ts
	if err := e.Repo.UpdateRoundTx(ctx, tx, vr); err != nil {
		return domain.ValidationRound{}, err
	}
	if err := e.Events.Append(ctx, tx, "round.force_resolved", "round", milestoneID, actorID, events.EventPayload{
		"status": vr.Status,
	}); err != nil {
		return domain.ValidationRound{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ValidationRound{}, err
	}
	e.notifyFinalizer(ctx, vr)
	return vr, nil
}

// settleRound runs the post-resolution cascade: orchestrator notification
// first, then the reward/penalty pass over every cast vote.
func (e *Engine) settleRound(ctx context.Context, vr domain.ValidationRound, votes []domain.Vote) {
	e.notifyFinalizer(ctx, vr)
	outcome := vr.Status == domain.RoundApproved
	for _, vote := range votes {
		if !vote.Cast {
			continue
		}
		e.scoreVote(ctx, vr.MilestoneID, vote, outcome)
	}
}

func (e *Engine) notifyFinalizer(ctx context.Context, vr domain.ValidationRound) {
	if e.finalizer == nil {
		log.Printf("consensus: no finalizer wired; round %s resolved %s without milestone update", vr.MilestoneID, vr.Status)
		return
	}
	var err error
	if vr.Status == domain.RoundApproved {
		err = e.finalizer.CompleteMilestone(ctx, vr.MilestoneID)
	} else {
		err = e.finalizer.RejectMilestone(ctx, vr.MilestoneID)
	}
	if err != nil {
		log.Printf("consensus: milestone %s finalize (%s) failed: %v", vr.MilestoneID, vr.Status, err)
	}
}

// scoreVote pays and re-weighs one validator after resolution. Payout
// failures are logged, not propagated: accrued reputation changes still
// apply, and a validator pushed under the floor is deactivated without
// forfeiting the payment already dispatched.
func (e *Engine) scoreVote(ctx context.Context, milestoneID string, vote domain.Vote, outcome bool) {
	cfg := e.Config.Validators
	accurate := vote.Approve == outcome
	var amount int64
	if accurate {
		amount = cfg.BaseReward * (config.BPDenominator + cfg.AccuracyBonusBP) / config.BPDenominator
	} else {
		amount = cfg.BaseReward * cfg.InaccuracyShareBP / config.BPDenominator
	}
	if amount > 0 {
		if err := e.Treasury.DistributeValidatorReward(ctx, vote.ValidatorID, amount, "consensus"); err != nil {
			log.Printf("consensus: payout %d to validator %s for round %s failed: %v", amount, vote.ValidatorID, milestoneID, err)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("consensus: score validator %s: %v", vote.ValidatorID, err)
		return
	}
	defer tx.Rollback()
	v, err := e.Repo.GetValidatorTx(ctx, tx, vote.ValidatorID)
	if err != nil {
		log.Printf("consensus: score validator %s: %v", vote.ValidatorID, err)
		return
	}
	if accurate {
		v.AccurateVotes++
		v.Reputation += cfg.ReputationStep
	} else {
		v.Reputation -= cfg.ReputationStep
	}
	if v.Reputation > cfg.MaxReputation {
		v.Reputation = cfg.MaxReputation
	}
	if v.Reputation < 0 {
		v.Reputation = 0
	}
	deactivated := false
	if v.Active && v.Reputation < cfg.MinReputation {
		v.Active = false
		deactivated = true
	}
	if err := e.Repo.UpdateValidatorTx(ctx, tx, v); err != nil {
		log.Printf("consensus: score validator %s: %v", vote.ValidatorID, err)
		return
	}
	if deactivated {
		if err := e.Events.Append(ctx, tx, "validator.deactivated", "validator", v.ID, "consensus", events.EventPayload{
			"reason": "reputation_collapse", "reputation": v.Reputation,
		}); err != nil {
			log.Printf("consensus: score validator %s: %v", vote.ValidatorID, err)
			return
		}
	}
	if err := tx.Commit(); err != nil {
		log.Printf("consensus: score validator %s: %v", vote.ValidatorID, err)
	}
}

// Round returns a round with its votes.
func (e *Engine) Round(ctx context.Context, milestoneID string) (domain.ValidationRound, []domain.Vote, error) {
	vr, err := e.Repo.GetRound(ctx, milestoneID)
	if err != nil {
		return domain.ValidationRound{}, nil, err
	}
	votes, err := e.Repo.ListVotes(ctx, milestoneID)
	if err != nil {
		return domain.ValidationRound{}, nil, err
	}
	return vr, votes, nil
}

// Validator returns one validator record.
func (e *Engine) Validator(ctx context.Context, id string) (domain.Validator, error) {
	return e.Repo.GetValidator(ctx, id)
}

// Validators lists validator records.
func (e *Engine) Validators(ctx context.Context, activeOnly bool) ([]domain.Validator, error) {
	return e.Repo.ListValidators(ctx, activeOnly)
}
