package ledger

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-memory ledger used by tests and by callers that bring
// their own custody.
type Memory struct {
	mu       sync.RWMutex
	balances map[string]int64
}

func NewMemory() *Memory {
	return &Memory{balances: make(map[string]int64)}
}

// Fund sets an account balance directly. Test setup helper.
func (m *Memory) Fund(account string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] = amount
}

func (m *Memory) Transfer(ctx context.Context, from, to string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[from] < amount {
		return fmt.Errorf("account %s: %w", from, ErrInsufficientFunds)
	}
	m.balances[from] -= amount
	m.balances[to] += amount
	return nil
}

func (m *Memory) Mint(ctx context.Context, to string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[to] += amount
	return nil
}

func (m *Memory) Burn(ctx context.Context, from string, amount int64) error {
	return m.Transfer(ctx, from, AccountBurnSink, amount)
}

func (m *Memory) Balance(ctx context.Context, account string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[account], nil
}
