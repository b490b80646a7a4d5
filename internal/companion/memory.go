package companion

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"stakeline/internal/domain"
)

var ErrNotFound = errors.New("companion asset not found")

// Completion bonus doubles as a stage bump on top of milestone growth.
const bonusStageBump = 1

// Memory keeps companion assets in process. Stage grows by one per recorded
// milestone plus a bump on completion bonus.
type Memory struct {
	mu     sync.RWMutex
	assets map[string]*domain.CompanionAsset
	Now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{assets: make(map[string]*domain.CompanionAsset), Now: time.Now}
}

func (m *Memory) Mint(ctx context.Context, owner, goalID, kind, metadata string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	m.assets[id] = &domain.CompanionAsset{
		ID:        id,
		Owner:     owner,
		GoalID:    goalID,
		Kind:      kind,
		Stage:     1,
		Metadata:  metadata,
		CreatedAt: m.Now().UTC().Format(time.RFC3339),
	}
	return id, nil
}

func (m *Memory) update(assetID string, fn func(*domain.CompanionAsset)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	asset, ok := m.assets[assetID]
	if !ok {
		return ErrNotFound
	}
	fn(asset)
	return nil
}

func (m *Memory) RecordMilestone(ctx context.Context, assetID, metadata string) error {
	return m.update(assetID, func(a *domain.CompanionAsset) {
		a.Stage++
		if metadata != "" {
			a.Metadata = metadata
		}
	})
}

func (m *Memory) AddExperience(ctx context.Context, assetID string, amount int64, metadata string) error {
	return m.update(assetID, func(a *domain.CompanionAsset) {
		a.Experience += amount
		if metadata != "" {
			a.Metadata = metadata
		}
	})
}

func (m *Memory) AwardCompletionBonus(ctx context.Context, assetID, metadata string) error {
	return m.update(assetID, func(a *domain.CompanionAsset) {
		a.Stage += bonusStageBump
		if metadata != "" {
			a.Metadata = metadata
		}
	})
}

func (m *Memory) SetNegativeOutcome(ctx context.Context, assetID, metadata string) error {
	return m.update(assetID, func(a *domain.CompanionAsset) {
		a.Negative = true
		if metadata != "" {
			a.Metadata = metadata
		}
	})
}

func (m *Memory) Get(ctx context.Context, assetID string) (domain.CompanionAsset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	asset, ok := m.assets[assetID]
	if !ok {
		return domain.CompanionAsset{}, ErrNotFound
	}
	return *asset, nil
}
