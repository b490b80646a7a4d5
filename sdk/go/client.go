package stakelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Stakeline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Goal is the API goal model.
type Goal struct {
	ID                  string `json:"id"`
	Owner               string `json:"owner"`
	Title               string `json:"title"`
	Stake               int64  `json:"stake"`
	Status              string `json:"status"`
	MilestoneTotal      int    `json:"milestone_total"`
	MilestonesCompleted int    `json:"milestones_completed"`
	FailureReason       string `json:"failure_reason,omitempty"`
	CompletedEarly      bool   `json:"completed_early,omitempty"`
	Deadline            string `json:"deadline"`
}

// Milestone is the API milestone model.
type Milestone struct {
	ID          string `json:"id"`
	GoalID      string `json:"goal_id"`
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
	EvidenceRef string `json:"evidence_ref,omitempty"`
}

// Round is a milestone's validation round.
type Round struct {
	MilestoneID   string `json:"milestone_id"`
	CommitteeSize int    `json:"committee_size"`
	Approvals     int    `json:"approvals"`
	Rejections    int    `json:"rejections"`
	Status        string `json:"status"`
	Resolved      bool   `json:"resolved"`
	Deadline      string `json:"deadline"`
}

// Vote is one committee slot on a round.
type Vote struct {
	MilestoneID string `json:"milestone_id"`
	ValidatorID string `json:"validator_id"`
	Cast        bool   `json:"cast"`
	Approve     bool   `json:"approve"`
	Comment     string `json:"comment,omitempty"`
}

// RoundDetail bundles a round with its votes.
type RoundDetail struct {
	Round Round  `json:"round"`
	Votes []Vote `json:"votes"`
}

// Validator is the API validator model.
type Validator struct {
	ID            string `json:"id"`
	Stake         int64  `json:"stake"`
	Reputation    int    `json:"reputation"`
	TotalVotes    int    `json:"total_votes"`
	AccurateVotes int    `json:"accurate_votes"`
	Active        bool   `json:"active"`
}

// Treasury is the pool snapshot.
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

// Stats is the protocol-wide counter snapshot.
type Stats struct {
	ActiveGoals      int      `json:"active_goals"`
	CompletedGoals   int      `json:"completed_goals"`
	FailedGoals      int      `json:"failed_goals"`
	ActiveValidators int      `json:"active_validators"`
	TotalValidators  int      `json:"total_validators"`
	Paused           bool     `json:"paused"`
	Treasury         Treasury `json:"treasury"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateGoal stakes a new goal.
func (c *Client) CreateGoal(ctx context.Context, title string, stake int64, durationHours, milestoneTotal int) (Goal, error) {
	body := map[string]any{
		"title":           title,
		"stake":           stake,
		"duration_hours":  durationHours,
		"milestone_total": milestoneTotal,
	}
	var resp Goal
	err := c.do(ctx, http.MethodPost, "goals", body, &resp)
	return resp, err
}

// Goal fetches a goal by id.
func (c *Client) Goal(ctx context.Context, id string) (Goal, error) {
	var resp Goal
	err := c.do(ctx, http.MethodGet, "goals/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Goals lists goals, optionally filtered by owner and status.
func (c *Client) Goals(ctx context.Context, owner, status string) ([]Goal, error) {
	q := url.Values{}
	if owner != "" {
		q.Set("owner", owner)
	}
	if status != "" {
		q.Set("status", status)
	}
	endpoint := "goals"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Goal
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// FailGoal forfeits a goal's stake.
func (c *Client) FailGoal(ctx context.Context, id string) (Goal, error) {
	var resp Goal
	err := c.do(ctx, http.MethodPost, "goals/"+url.PathEscape(id)+"/fail", nil, &resp)
	return resp, err
}

// CreateMilestone adds a milestone to a goal.
func (c *Client) CreateMilestone(ctx context.Context, goalID, description string) (Milestone, error) {
	body := map[string]any{"description": description}
	var resp Milestone
	endpoint := "goals/" + url.PathEscape(goalID) + "/milestones"
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SubmitMilestone submits evidence and returns the opened round.
func (c *Client) SubmitMilestone(ctx context.Context, milestoneID, evidenceRef string) (RoundDetail, error) {
	body := map[string]any{"evidence_ref": evidenceRef}
	var resp RoundDetail
	endpoint := "milestones/" + url.PathEscape(milestoneID) + "/submit"
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Round fetches a milestone's validation round.
func (c *Client) Round(ctx context.Context, milestoneID string) (RoundDetail, error) {
	var resp RoundDetail
	endpoint := "milestones/" + url.PathEscape(milestoneID) + "/round"
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SubmitVote casts a committee vote.
func (c *Client) SubmitVote(ctx context.Context, milestoneID string, approve bool, comment string) (Round, error) {
	body := map[string]any{"approve": approve, "comment": comment}
	var resp Round
	endpoint := "milestones/" + url.PathEscape(milestoneID) + "/votes"
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RegisterValidator joins the validator pool.
func (c *Client) RegisterValidator(ctx context.Context, stake int64) (Validator, error) {
	body := map[string]any{"stake": stake}
	var resp Validator
	err := c.do(ctx, http.MethodPost, "validators", body, &resp)
	return resp, err
}

// Validators lists validators.
func (c *Client) Validators(ctx context.Context, activeOnly bool) ([]Validator, error) {
	endpoint := "validators"
	if activeOnly {
		endpoint += "?active=true"
	}
	var resp []Validator
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Treasury returns the pool snapshot.
func (c *Client) Treasury(ctx context.Context) (Treasury, error) {
	var resp Treasury
	err := c.do(ctx, http.MethodGet, "treasury", nil, &resp)
	return resp, err
}

// Stats returns the protocol counters.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "stats", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	reqURL := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
