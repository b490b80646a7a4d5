package server

import (
	"encoding/json"

	"stakeline/internal/domain"
)

type CreateGoalRequest struct {
	Title          string `json:"title" example:"ship the migration"`
	Stake          int64  `json:"stake" example:"500"`
	DurationHours  int    `json:"duration_hours" example:"336"`
	MilestoneTotal int    `json:"milestone_total" example:"3"`
}

type CreateMilestoneRequest struct {
	Description string `json:"description" example:"schema cut over"`
}

type SubmitMilestoneRequest struct {
	EvidenceRef string `json:"evidence_ref" example:"https://example.com/pr/42"`
}

type VoteRequest struct {
	Approve bool   `json:"approve"`
	Comment string `json:"comment,omitempty"`
}

type RegisterValidatorRequest struct {
	Stake int64 `json:"stake" example:"50"`
}

type ForceResolveRequest struct {
	Approve bool `json:"approve"`
}

type WithdrawRequest struct {
	Pool      string `json:"pool" enum:"insurance,validator,development"`
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
}

type UpdateTiersRequest struct {
	Tiers []domain.RewardTier `json:"tiers"`
}

// RoundResponse bundles a round with its committee slots.
type RoundResponse struct {
	Round domain.ValidationRound `json:"round"`
	Votes []domain.Vote          `json:"votes"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, evt := range items {
		payload := json.RawMessage("{}")
		if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		}
		res = append(res, EventResponse{
			ID:         evt.ID,
			TS:         evt.TS,
			Type:       evt.Type,
			EntityKind: evt.EntityKind,
			EntityID:   evt.EntityID,
			ActorID:    evt.ActorID,
			Payload:    payload,
		})
	}
	return res
}
