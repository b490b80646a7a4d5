package domain

// Goal statuses. Active is the only non-terminal state; Completed and
// Failed are sinks.
const (
	GoalActive    = "active"
	GoalCompleted = "completed"
	GoalFailed    = "failed"
)

// Validation round statuses.
const (
	RoundPending  = "pending"
	RoundApproved = "approved"
	RoundRejected = "rejected"
)

// Failure reasons recorded when a goal moves to failed.
const (
	ReasonOwnerAbandoned    = "owner_abandoned"
	ReasonDeadlineExpired   = "deadline_expired"
	ReasonAdminIntervention = "admin_intervention"
)

type Goal struct {
	ID                  string  `json:"id"`
	Owner               string  `json:"owner"`
	Title               string  `json:"title"`
	Stake               int64   `json:"stake"`
	Status              string  `json:"status" enum:"active,completed,failed"`
	MilestoneTotal      int     `json:"milestone_total"`
	MilestonesCompleted int     `json:"milestones_completed"`
	CompanionAssetID    string  `json:"companion_asset_id,omitempty"`
	FailureReason       string  `json:"failure_reason,omitempty"`
	CompletedEarly      bool    `json:"completed_early,omitempty"`
	CreatedAt           string  `json:"created_at" format:"date-time"`
	Deadline            string  `json:"deadline" format:"date-time"`
	ClosedAt            *string `json:"closed_at,omitempty" format:"date-time"`
}

type Milestone struct {
	ID          string  `json:"id"`
	GoalID      string  `json:"goal_id"`
	Description string  `json:"description"`
	Completed   bool    `json:"completed"`
	EvidenceRef string  `json:"evidence_ref,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	SubmittedAt *string `json:"submitted_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type ValidationRound struct {
	MilestoneID   string  `json:"milestone_id"`
	Submitter     string  `json:"submitter"`
	EvidenceRef   string  `json:"evidence_ref"`
	CommitteeSize int     `json:"committee_size"`
	Approvals     int     `json:"approvals"`
	Rejections    int     `json:"rejections"`
	Status        string  `json:"status" enum:"pending,approved,rejected"`
	Resolved      bool    `json:"resolved"`
	Forced        bool    `json:"forced,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	Deadline      string  `json:"deadline" format:"date-time"`
	ResolvedAt    *string `json:"resolved_at,omitempty" format:"date-time"`
}

// Vote is one committee member's slot on a round. A row exists for every
// assigned validator from round creation; Cast flips when the vote lands.
type Vote struct {
	MilestoneID string  `json:"milestone_id"`
	ValidatorID string  `json:"validator_id"`
	Cast        bool    `json:"cast"`
	Approve     bool    `json:"approve"`
	Comment     string  `json:"comment,omitempty"`
	CastAt      *string `json:"cast_at,omitempty" format:"date-time"`
}

type Validator struct {
	ID            string  `json:"id"`
	Stake         int64   `json:"stake"`
	Reputation    int     `json:"reputation"`
	TotalVotes    int     `json:"total_votes"`
	AccurateVotes int     `json:"accurate_votes"`
	Active        bool    `json:"active"`
	RegisteredAt  string  `json:"registered_at" format:"date-time"`
	LastVoteAt    *string `json:"last_vote_at,omitempty" format:"date-time"`
}

// Treasury is the single-row pool snapshot plus running totals maintained
// incrementally at each settlement.
type Treasury struct {
	RewardPool         int64 `json:"reward_pool"`
	InsurancePool      int64 `json:"insurance_pool"`
	ValidatorPool      int64 `json:"validator_pool"`
	DevelopmentPool    int64 `json:"development_pool"`
	StakesReceived     int64 `json:"stakes_received"`
	RewardsDistributed int64 `json:"rewards_distributed"`
	TokensBurned       int64 `json:"tokens_burned"`
	GoalsCompleted     int64 `json:"goals_completed"`
	GoalsFailed        int64 `json:"goals_failed"`
}

// RewardTier maps a stake bracket to a completion multiplier in basis
// points. MaxStake == 0 means unbounded.
type RewardTier struct {
	Name         string `json:"name"`
	MinStake     int64  `json:"min_stake"`
	MaxStake     int64  `json:"max_stake"`
	MultiplierBP int64  `json:"multiplier_bp"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Admin     bool   `json:"admin"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// CompanionAsset is the cosmetic token minted alongside each goal. The core
// only pushes fire-and-forget notifications at it; this shape belongs to the
// collaborator, not the core schema.
type CompanionAsset struct {
	ID         string `json:"id"`
	Owner      string `json:"owner"`
	GoalID     string `json:"goal_id"`
	Kind       string `json:"kind"`
	Stage      int    `json:"stage"`
	Experience int64  `json:"experience"`
	Metadata   string `json:"metadata,omitempty"`
	Negative   bool   `json:"negative"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}
