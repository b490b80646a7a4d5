// Package ledger is the token custody collaborator. The core treats it as an
// opaque set of accounts with transfer/mint/burn primitives that can fail;
// nothing here knows about goals, rounds, or pools.
package ledger

import (
	"context"
	"errors"
)

// Well-known accounts. Treasury holds all custodied stake; the burn sink is
// non-recoverable by construction (nothing ever debits it).
const (
	AccountTreasury = "treasury"
	AccountBurnSink = "sink:burn"
)

var (
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

type Ledger interface {
	Transfer(ctx context.Context, from, to string, amount int64) error
	Mint(ctx context.Context, to string, amount int64) error
	Burn(ctx context.Context, from string, amount int64) error
	Balance(ctx context.Context, account string) (int64, error)
}
