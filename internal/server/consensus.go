package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"stakeline/internal/domain"
	"stakeline/internal/engine"
)

func registerValidators(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-validator",
		Method:        http.MethodPost,
		Path:          "/validators",
		Summary:       "Register as a validator",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterValidatorRequest `json:"body"`
	}) (*struct {
		Body domain.Validator `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.Consensus.RegisterValidator(ctx, actorID, input.Body.Stake)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Validator `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-validator",
		Method:      http.MethodDelete,
		Path:        "/validators/{validator_id}",
		Summary:     "Exit the validator pool and reclaim stake",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ValidatorID string `path:"validator_id"`
	}) (*struct {
		Body map[string]int64 `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if actorID != input.ValidatorID && !e.Config.IsAdmin(actorID) {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "validators may only exit themselves", nil)
		}
		returned, err := e.Consensus.DeactivateValidator(ctx, input.ValidatorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int64 `json:"body"`
		}{Body: map[string]int64{"returned_stake": returned}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-validators",
		Method:      http.MethodGet,
		Path:        "/validators",
		Summary:     "List validators",
	}, func(ctx context.Context, input *struct {
		Active bool `query:"active"`
	}) (*struct {
		Body []domain.Validator `json:"body"`
	}, error) {
		items, err := e.Consensus.Validators(ctx, input.Active)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Validator `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-validator",
		Method:      http.MethodGet,
		Path:        "/validators/{validator_id}",
		Summary:     "Get validator",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ValidatorID string `path:"validator_id"`
	}) (*struct {
		Body domain.Validator `json:"body"`
	}, error) {
		v, err := e.Consensus.Validator(ctx, input.ValidatorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Validator `json:"body"`
		}{Body: v}, nil
	})
}

func registerRounds(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-round",
		Method:      http.MethodGet,
		Path:        "/milestones/{milestone_id}/round",
		Summary:     "Get a milestone's validation round",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MilestoneID string `path:"milestone_id"`
	}) (*struct {
		Body RoundResponse `json:"body"`
	}, error) {
		vr, votes, err := e.Consensus.Round(ctx, input.MilestoneID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoundResponse `json:"body"`
		}{Body: RoundResponse{Round: vr, Votes: votes}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-vote",
		Method:        http.MethodPost,
		Path:          "/milestones/{milestone_id}/votes",
		Summary:       "Cast a committee vote",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MilestoneID string      `path:"milestone_id"`
		Body        VoteRequest `json:"body"`
	}) (*struct {
		Body domain.ValidationRound `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		vr, err := e.Consensus.SubmitVote(ctx, input.MilestoneID, actorID, input.Body.Approve, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ValidationRound `json:"body"`
		}{Body: vr}, nil
	})
}

func registerTreasury(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-treasury",
		Method:      http.MethodGet,
		Path:        "/treasury",
		Summary:     "Treasury snapshot",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Treasury `json:"body"`
	}, error) {
		t, err := e.Treasury.Snapshot(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Treasury `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tiers",
		Method:      http.MethodGet,
		Path:        "/treasury/tiers",
		Summary:     "Reward tier table",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.RewardTier `json:"body"`
	}, error) {
		tiers, err := e.Treasury.Tiers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RewardTier `json:"body"`
		}{Body: tiers}, nil
	})
}

func registerAdmin(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "force-resolve-round",
		Method:      http.MethodPost,
		Path:        "/admin/rounds/{milestone_id}/force-resolve",
		Summary:     "Force-resolve a stuck round",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MilestoneID string              `path:"milestone_id"`
		Body        ForceResolveRequest `json:"body"`
	}) (*struct {
		Body domain.ValidationRound `json:"body"`
	}, error) {
		actorID, authErr := requireAdmin(ctx, e.Config)
		if authErr != nil {
			return nil, authErr
		}
		vr, err := e.Consensus.ForceResolve(ctx, input.MilestoneID, input.Body.Approve, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ValidationRound `json:"body"`
		}{Body: vr}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-complete-milestone",
		Method:      http.MethodPost,
		Path:        "/admin/milestones/{milestone_id}/complete",
		Summary:     "Administratively complete a milestone",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MilestoneID string `path:"milestone_id"`
	}) (*struct {
		Body domain.Milestone `json:"body"`
	}, error) {
		actorID, authErr := requireAdmin(ctx, e.Config)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.AdminCompleteMilestone(ctx, input.MilestoneID, actorID); err != nil {
			return nil, handleError(err)
		}
		m, err := e.Milestone(ctx, input.MilestoneID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Milestone `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-reject-milestone",
		Method:      http.MethodPost,
		Path:        "/admin/milestones/{milestone_id}/reject",
		Summary:     "Administratively reject a milestone",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MilestoneID string `path:"milestone_id"`
	}) (*struct {
		Body domain.Milestone `json:"body"`
	}, error) {
		actorID, authErr := requireAdmin(ctx, e.Config)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.AdminRejectMilestone(ctx, input.MilestoneID, actorID); err != nil {
			return nil, handleError(err)
		}
		m, err := e.Milestone(ctx, input.MilestoneID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Milestone `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-tiers",
		Method:      http.MethodPut,
		Path:        "/admin/tiers",
		Summary:     "Replace the reward tier table",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body UpdateTiersRequest `json:"body"`
	}) (*struct {
		Body []domain.RewardTier `json:"body"`
	}, error) {
		actorID, authErr := requireAdmin(ctx, e.Config)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Treasury.UpdateTiers(ctx, input.Body.Tiers, actorID); err != nil {
			return nil, handleError(err)
		}
		tiers, err := e.Treasury.Tiers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RewardTier `json:"body"`
		}{Body: tiers}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "treasury-withdraw",
		Method:      http.MethodPost,
		Path:        "/admin/treasury/withdraw",
		Summary:     "Withdraw from a non-reward pool",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body WithdrawRequest `json:"body"`
	}) (*struct {
		Body domain.Treasury `json:"body"`
	}, error) {
		actorID, authErr := requireAdmin(ctx, e.Config)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Treasury.Withdraw(ctx, input.Body.Pool, input.Body.Recipient, input.Body.Amount, actorID); err != nil {
			return nil, handleError(err)
		}
		t, err := e.Treasury.Snapshot(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Treasury `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-creation",
		Method:      http.MethodPost,
		Path:        "/admin/pause",
		Summary:     "Pause goal creation",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		actorID, authErr := requireAdmin(ctx, e.Config)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.PauseCreation(ctx, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"paused": true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-creation",
		Method:      http.MethodPost,
		Path:        "/admin/resume",
		Summary:     "Resume goal creation",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		actorID, authErr := requireAdmin(ctx, e.Config)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ResumeCreation(ctx, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"paused": false}}, nil
	})
}
