// Package companion is the cosmetic asset collaborator. All calls from the
// core are fire-and-forget: failures are logged by the caller and never roll
// back core state.
package companion

import (
	"context"

	"stakeline/internal/domain"
)

type Notifier interface {
	Mint(ctx context.Context, owner, goalID, kind, metadata string) (string, error)
	RecordMilestone(ctx context.Context, assetID, metadata string) error
	AddExperience(ctx context.Context, assetID string, amount int64, metadata string) error
	AwardCompletionBonus(ctx context.Context, assetID, metadata string) error
	SetNegativeOutcome(ctx context.Context, assetID, metadata string) error
	Get(ctx context.Context, assetID string) (domain.CompanionAsset, error)
}
