package consensus_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"stakeline/internal/config"
	"stakeline/internal/consensus"
	"stakeline/internal/db"
	"stakeline/internal/domain"
	"stakeline/internal/ledger"
	"stakeline/internal/migrate"
	"stakeline/internal/treasury"
)

// stubFinalizer records which milestones the consensus engine asked the
// orchestrator to finalize.
type stubFinalizer struct {
	mu        sync.Mutex
	completed []string
	rejected  []string
}

func (s *stubFinalizer) CompleteMilestone(ctx context.Context, milestoneID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, milestoneID)
	return nil
}

func (s *stubFinalizer) RejectMilestone(ctx context.Context, milestoneID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected = append(s.rejected, milestoneID)
	return nil
}

type testEnv struct {
	DB        *sql.DB
	Consensus *consensus.Engine
	Treasury  *treasury.Engine
	Ledger    *ledger.Memory
	Finalizer *stubFinalizer
	Ctx       context.Context
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	lgr := ledger.NewMemory()
	trs := treasury.New(conn, cfg, lgr)
	cns := consensus.New(conn, cfg, lgr, trs)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	trs.Now = func() time.Time { return now }
	cns.Now = func() time.Time { return now }
	// First remaining pool member wins every draw; committees become the
	// lowest validator ids, which the assertions below rely on.
	cns.RandInt = func(n int) (int, error) { return 0, nil }
	fin := &stubFinalizer{}
	cns.SetFinalizer(fin)
	ctx := context.Background()
	if err := trs.EnsureTiers(ctx); err != nil {
		t.Fatalf("seed tiers: %v", err)
	}
	return testEnv{DB: conn, Consensus: cns, Treasury: trs, Ledger: lgr, Finalizer: fin, Ctx: ctx}
}

// seedMilestone inserts a goal and one milestone directly; rounds reference
// milestone rows through foreign keys.
func (env testEnv) seedMilestone(t *testing.T, goalID, milestoneID string) {
	t.Helper()
	ts := "2024-01-01T00:00:00Z"
	if _, err := env.DB.Exec(
		`INSERT INTO goals(id,owner,title,stake,milestone_total,created_at,deadline) VALUES (?,?,?,?,?,?,?)`,
		goalID, "alice", "test goal", 100, 1, ts, "2024-02-01T00:00:00Z",
	); err != nil {
		t.Fatalf("seed goal: %v", err)
	}
	if _, err := env.DB.Exec(
		`INSERT INTO milestones(id,goal_id,description,created_at) VALUES (?,?,?,?)`,
		milestoneID, goalID, "ship it", ts,
	); err != nil {
		t.Fatalf("seed milestone: %v", err)
	}
}

func (env testEnv) registerValidators(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("val-%d", i)
		env.Ledger.Fund(id, 1000)
		if _, err := env.Consensus.RegisterValidator(env.Ctx, id, 50); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
		ids = append(ids, id)
	}
	return ids
}

func (env testEnv) seedValidatorPool(t *testing.T) {
	t.Helper()
	env.Ledger.Fund(ledger.AccountTreasury, 10000)
	if _, err := env.Treasury.DistributeFailedStake(env.Ctx, 10000, "seed", "admin"); err != nil {
		t.Fatalf("seed validator pool: %v", err)
	}
}

func TestRegisterValidator(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Ledger.Fund("val-1", 1000)

	if _, err := env.Consensus.RegisterValidator(env.Ctx, "val-1", 49); !errors.Is(err, consensus.ErrStakeTooLow) {
		t.Fatalf("expected ErrStakeTooLow, got %v", err)
	}
	v, err := env.Consensus.RegisterValidator(env.Ctx, "val-1", 50)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !v.Active || v.Reputation != 100 || v.Stake != 50 {
		t.Fatalf("unexpected validator %+v", v)
	}
	if _, err := env.Consensus.RegisterValidator(env.Ctx, "val-1", 50); !errors.Is(err, consensus.ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
	if _, err := env.Consensus.RegisterValidator(env.Ctx, "val-broke", 50); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	bal, _ := env.Ledger.Balance(env.Ctx, "val-1")
	if bal != 950 {
		t.Fatalf("val-1 balance = %d, want 950", bal)
	}
}

func TestDeactivateAndReRegister(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Ledger.Fund("val-1", 1000)
	if _, err := env.Consensus.RegisterValidator(env.Ctx, "val-1", 60); err != nil {
		t.Fatalf("register: %v", err)
	}
	returned, err := env.Consensus.DeactivateValidator(env.Ctx, "val-1")
	if err != nil || returned != 60 {
		t.Fatalf("deactivate: returned %d, err %v", returned, err)
	}
	if _, err := env.Consensus.DeactivateValidator(env.Ctx, "val-1"); !errors.Is(err, consensus.ErrValidatorInactive) {
		t.Fatalf("expected ErrValidatorInactive, got %v", err)
	}
	bal, _ := env.Ledger.Balance(env.Ctx, "val-1")
	if bal != 1000 {
		t.Fatalf("stake not returned, balance %d", bal)
	}

	v, err := env.Consensus.RegisterValidator(env.Ctx, "val-1", 70)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if !v.Active || v.Reputation != 100 || v.Stake != 70 {
		t.Fatalf("re-registration did not reset: %+v", v)
	}
}

func TestCommitteeSizeFollowsStake(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerValidators(t, 7)
	cases := []struct {
		milestone string
		stake     int64
		size      int
	}{
		{"ms-small", 100, 3},
		{"ms-mid", 600, 5},
		{"ms-large", 6000, 7},
	}
	for i, c := range cases {
		env.seedMilestone(t, fmt.Sprintf("goal-%d", i), c.milestone)
		vr, err := env.Consensus.OpenRound(env.Ctx, c.milestone, "alice", "ref", c.stake)
		if err != nil {
			t.Fatalf("open round stake %d: %v", c.stake, err)
		}
		if vr.CommitteeSize != c.size {
			t.Fatalf("stake %d: committee %d, want %d", c.stake, vr.CommitteeSize, c.size)
		}
		_, votes, err := env.Consensus.Round(env.Ctx, c.milestone)
		if err != nil || len(votes) != c.size {
			t.Fatalf("stake %d: %d slots, err %v", c.stake, len(votes), err)
		}
	}
}

func TestOpenRoundGuards(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedMilestone(t, "goal-1", "ms-1")
	env.registerValidators(t, 2)

	if _, err := env.Consensus.OpenRound(env.Ctx, "ms-1", "alice", "ref", 100); !errors.Is(err, consensus.ErrInsufficientActiveValidators) {
		t.Fatalf("expected ErrInsufficientActiveValidators, got %v", err)
	}

	env.Ledger.Fund("val-3", 1000)
	if _, err := env.Consensus.RegisterValidator(env.Ctx, "val-3", 50); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := env.Consensus.OpenRound(env.Ctx, "ms-1", "alice", "ref", 100); err != nil {
		t.Fatalf("open round: %v", err)
	}
	if _, err := env.Consensus.OpenRound(env.Ctx, "ms-1", "alice", "ref", 100); !errors.Is(err, consensus.ErrRoundExists) {
		t.Fatalf("expected ErrRoundExists, got %v", err)
	}
}

func TestVoteGuards(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedMilestone(t, "goal-1", "ms-1")
	env.registerValidators(t, 4)
	if _, err := env.Consensus.OpenRound(env.Ctx, "ms-1", "alice", "ref", 100); err != nil {
		t.Fatalf("open round: %v", err)
	}

	// val-4 is outside the committee of three.
	if _, err := env.Consensus.SubmitVote(env.Ctx, "ms-1", "val-4", true, ""); !errors.Is(err, consensus.ErrNotAssigned) {
		t.Fatalf("expected ErrNotAssigned, got %v", err)
	}
	if _, err := env.Consensus.SubmitVote(env.Ctx, "ms-1", "val-1", true, "looks done"); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if _, err := env.Consensus.SubmitVote(env.Ctx, "ms-1", "val-1", false, ""); !errors.Is(err, consensus.ErrAlreadyVoted) {
		t.Fatalf("expected ErrAlreadyVoted, got %v", err)
	}
}

func TestVoteDeadline(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedMilestone(t, "goal-1", "ms-1")
	env.registerValidators(t, 3)
	if _, err := env.Consensus.OpenRound(env.Ctx, "ms-1", "alice", "ref", 100); err != nil {
		t.Fatalf("open round: %v", err)
	}
	env.Consensus.Now = func() time.Time { return time.Date(2024, 1, 4, 0, 0, 1, 0, time.UTC) }
	if _, err := env.Consensus.SubmitVote(env.Ctx, "ms-1", "val-1", true, ""); !errors.Is(err, consensus.ErrVotingDeadlinePassed) {
		t.Fatalf("expected ErrVotingDeadlinePassed, got %v", err)
	}
}

func TestMajorityResolvesAndScores(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedValidatorPool(t)
	env.seedMilestone(t, "goal-1", "ms-1")
	env.registerValidators(t, 3)
	if _, err := env.Consensus.OpenRound(env.Ctx, "ms-1", "alice", "ref", 100); err != nil {
		t.Fatalf("open round: %v", err)
	}

	if _, err := env.Consensus.SubmitVote(env.Ctx, "ms-1", "val-1", true, ""); err != nil {
		t.Fatalf("vote 1: %v", err)
	}
	if _, err := env.Consensus.SubmitVote(env.Ctx, "ms-1", "val-2", true, ""); err != nil {
		t.Fatalf("vote 2: %v", err)
	}
	vr, err := env.Consensus.SubmitVote(env.Ctx, "ms-1", "val-3", false, "evidence is thin")
	if err != nil {
		t.Fatalf("vote 3: %v", err)
	}
	if !vr.Resolved || vr.Status != domain.RoundApproved || vr.Approvals != 2 || vr.Rejections != 1 {
		t.Fatalf("unexpected round %+v", vr)
	}
	if len(env.Finalizer.completed) != 1 || env.Finalizer.completed[0] != "ms-1" {
		t.Fatalf("finalizer completions %v", env.Finalizer.completed)
	}

	// Accurate voters earn base plus bonus and a reputation step up;
	// the dissenter gets the reduced share and a step down.
	for _, c := range []struct {
		id     string
		payout int64
		rep    int
	}{
		{"val-1", 125, 110},
		{"val-2", 125, 110},
		{"val-3", 50, 90},
	} {
		bal, _ := env.Ledger.Balance(env.Ctx, c.id)
		if bal != 950+c.payout {
			t.Fatalf("%s balance = %d, want %d", c.id, bal, 950+c.payout)
		}
		v, err := env.Consensus.Validator(env.Ctx, c.id)
		if err != nil {
			t.Fatalf("get %s: %v", c.id, err)
		}
		if v.Reputation != c.rep || v.TotalVotes != 1 {
			t.Fatalf("%s: reputation %d votes %d", c.id, v.Reputation, v.TotalVotes)
		}
	}
	v1, _ := env.Consensus.Validator(env.Ctx, "val-1")
	v3, _ := env.Consensus.Validator(env.Ctx, "val-3")
	if v1.AccurateVotes != 1 || v3.AccurateVotes != 0 {
		t.Fatalf("accurate counts: %d and %d", v1.AccurateVotes, v3.AccurateVotes)
	}

	snap, _ := env.Treasury.Snapshot(env.Ctx)
	if snap.ValidatorPool != 900-125-125-50 {
		t.Fatalf("validator pool = %d, want 600", snap.ValidatorPool)
	}

	if _, err := env.Consensus.SubmitVote(env.Ctx, "ms-1", "val-1", true, ""); !errors.Is(err, consensus.ErrRoundNotPending) {
		t.Fatalf("expected ErrRoundNotPending after resolution, got %v", err)
	}
}

func TestRejectionMajority(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedValidatorPool(t)
	env.seedMilestone(t, "goal-1", "ms-1")
	env.registerValidators(t, 3)
	if _, err := env.Consensus.OpenRound(env.Ctx, "ms-1", "alice", "ref", 100); err != nil {
		t.Fatalf("open round: %v", err)
	}
	for i, approve := range []bool{false, false, true} {
		if _, err := env.Consensus.SubmitVote(env.Ctx, "ms-1", fmt.Sprintf("val-%d", i+1), approve, ""); err != nil {
			t.Fatalf("vote %d: %v", i+1, err)
		}
	}
	vr, _, err := env.Consensus.Round(env.Ctx, "ms-1")
	if err != nil {
		t.Fatalf("round: %v", err)
	}
	if vr.Status != domain.RoundRejected {
		t.Fatalf("status %s, want rejected", vr.Status)
	}
	if len(env.Finalizer.rejected) != 1 || env.Finalizer.rejected[0] != "ms-1" {
		t.Fatalf("finalizer rejections %v", env.Finalizer.rejected)
	}
}

func TestReputationCollapseDeactivates(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Validators.MinReputation = 100
	})
	env.seedValidatorPool(t)
	env.seedMilestone(t, "goal-1", "ms-1")
	env.registerValidators(t, 3)
	if _, err := env.Consensus.OpenRound(env.Ctx, "ms-1", "alice", "ref", 100); err != nil {
		t.Fatalf("open round: %v", err)
	}
	for i, approve := range []bool{true, true, false} {
		if _, err := env.Consensus.SubmitVote(env.Ctx, "ms-1", fmt.Sprintf("val-%d", i+1), approve, ""); err != nil {
			t.Fatalf("vote %d: %v", i+1, err)
		}
	}
	v, err := env.Consensus.Validator(env.Ctx, "val-3")
	if err != nil {
		t.Fatalf("get val-3: %v", err)
	}
	if v.Active || v.Reputation != 90 {
		t.Fatalf("expected deactivation at reputation 90, got %+v", v)
	}
	// The stake stays in custody; only self-exit returns it.
	bal, _ := env.Ledger.Balance(env.Ctx, "val-3")
	if bal != 950+50 {
		t.Fatalf("val-3 balance = %d, want 1000", bal)
	}
}

func TestForceResolve(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedValidatorPool(t)
	env.seedMilestone(t, "goal-1", "ms-1")
	env.registerValidators(t, 3)
	if _, err := env.Consensus.OpenRound(env.Ctx, "ms-1", "alice", "ref", 100); err != nil {
		t.Fatalf("open round: %v", err)
	}
	if _, err := env.Consensus.SubmitVote(env.Ctx, "ms-1", "val-1", true, ""); err != nil {
		t.Fatalf("vote: %v", err)
	}

	if _, err := env.Consensus.ForceResolve(env.Ctx, "ms-1", true, "val-1"); !errors.Is(err, consensus.ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
	vr, err := env.Consensus.ForceResolve(env.Ctx, "ms-1", true, "admin")
	if err != nil {
		t.Fatalf("force resolve: %v", err)
	}
	if !vr.Resolved || !vr.Forced || vr.Status != domain.RoundApproved {
		t.Fatalf("unexpected round %+v", vr)
	}
	if len(env.Finalizer.completed) != 1 {
		t.Fatalf("finalizer completions %v", env.Finalizer.completed)
	}
	// No scoring pass on a forced resolution.
	bal, _ := env.Ledger.Balance(env.Ctx, "val-1")
	if bal != 950 {
		t.Fatalf("val-1 balance = %d, forced rounds must not pay", bal)
	}
	v, _ := env.Consensus.Validator(env.Ctx, "val-1")
	if v.Reputation != 100 {
		t.Fatalf("val-1 reputation = %d, forced rounds must not score", v.Reputation)
	}
}

func TestConcurrentVotesResolveOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedValidatorPool(t)
	env.seedMilestone(t, "goal-1", "ms-1")
	ids := env.registerValidators(t, 3)
	if _, err := env.Consensus.OpenRound(env.Ctx, "ms-1", "alice", "ref", 100); err != nil {
		t.Fatalf("open round: %v", err)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := env.Consensus.SubmitVote(env.Ctx, "ms-1", id, true, ""); err != nil {
				t.Errorf("vote %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	vr, _, err := env.Consensus.Round(env.Ctx, "ms-1")
	if err != nil {
		t.Fatalf("round: %v", err)
	}
	if !vr.Resolved || vr.Approvals != 3 {
		t.Fatalf("unexpected round %+v", vr)
	}
	env.Finalizer.mu.Lock()
	completions := len(env.Finalizer.completed)
	env.Finalizer.mu.Unlock()
	if completions != 1 {
		t.Fatalf("finalizer invoked %d times", completions)
	}
}
