package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"stakeline/internal/domain"
	"stakeline/internal/engine"
)

func registerGoals(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-goal",
		Method:        http.MethodPost,
		Path:          "/goals",
		Summary:       "Stake a new goal",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateGoalRequest `json:"body"`
	}) (*struct {
		Body domain.Goal `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.CreateGoal(ctx, engine.GoalCreateOptions{
			Owner:          actorID,
			Title:          input.Body.Title,
			Stake:          input.Body.Stake,
			DurationHours:  input.Body.DurationHours,
			MilestoneTotal: input.Body.MilestoneTotal,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Goal `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-goals",
		Method:      http.MethodGet,
		Path:        "/goals",
		Summary:     "List goals",
	}, func(ctx context.Context, input *struct {
		Owner  string `query:"owner"`
		Status string `query:"status" enum:",active,completed,failed"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []domain.Goal `json:"body"`
	}, error) {
		items, err := e.Goals(ctx, input.Owner, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Goal `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-goal",
		Method:      http.MethodGet,
		Path:        "/goals/{goal_id}",
		Summary:     "Get goal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GoalID string `path:"goal_id"`
	}) (*struct {
		Body domain.Goal `json:"body"`
	}, error) {
		g, err := e.Goal(ctx, input.GoalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Goal `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-goal",
		Method:      http.MethodPost,
		Path:        "/goals/{goal_id}/fail",
		Summary:     "Fail a goal and forfeit its stake",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		GoalID string `path:"goal_id"`
	}) (*struct {
		Body domain.Goal `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.FailGoal(ctx, input.GoalID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Goal `json:"body"`
		}{Body: g}, nil
	})
}

func registerMilestones(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-milestone",
		Method:        http.MethodPost,
		Path:          "/goals/{goal_id}/milestones",
		Summary:       "Add a milestone to a goal",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		GoalID string                 `path:"goal_id"`
		Body   CreateMilestoneRequest `json:"body"`
	}) (*struct {
		Body domain.Milestone `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.CreateMilestone(ctx, input.GoalID, input.Body.Description, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Milestone `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-milestones",
		Method:      http.MethodGet,
		Path:        "/goals/{goal_id}/milestones",
		Summary:     "List a goal's milestones",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GoalID string `path:"goal_id"`
	}) (*struct {
		Body []domain.Milestone `json:"body"`
	}, error) {
		if _, err := e.Goal(ctx, input.GoalID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Milestones(ctx, input.GoalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Milestone `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-milestone",
		Method:      http.MethodPost,
		Path:        "/milestones/{milestone_id}/submit",
		Summary:     "Submit milestone evidence for validation",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		MilestoneID string                 `path:"milestone_id"`
		Body        SubmitMilestoneRequest `json:"body"`
	}) (*struct {
		Body RoundResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		_, vr, err := e.SubmitMilestone(ctx, input.MilestoneID, input.Body.EvidenceRef, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		_, votes, err := e.Consensus.Round(ctx, input.MilestoneID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoundResponse `json:"body"`
		}{Body: RoundResponse{Round: vr, Votes: votes}}, nil
	})
}
