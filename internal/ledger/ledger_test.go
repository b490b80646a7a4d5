package ledger_test

import (
	"context"
	"errors"
	"testing"

	"stakeline/internal/db"
	"stakeline/internal/ledger"
	"stakeline/internal/migrate"
)

func newStore(t *testing.T, faucet int64) *ledger.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return ledger.NewStore(conn, faucet)
}

func TestStoreTransfer(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()

	if err := s.Mint(ctx, "alice", 500); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := s.Transfer(ctx, "alice", "bob", 200); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	for account, want := range map[string]int64{"alice": 300, "bob": 200, "unknown": 0} {
		bal, err := s.Balance(ctx, account)
		if err != nil || bal != want {
			t.Fatalf("%s balance = %d (%v), want %d", account, bal, err, want)
		}
	}

	if err := s.Transfer(ctx, "alice", "bob", 0); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := s.Transfer(ctx, "alice", "bob", 301); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	// A failed transfer must not move anything.
	bal, _ := s.Balance(ctx, "bob")
	if bal != 200 {
		t.Fatalf("bob balance = %d after failed transfer", bal)
	}
}

func TestStoreBurn(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()
	if err := s.Mint(ctx, "alice", 100); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := s.Burn(ctx, "alice", 60); err != nil {
		t.Fatalf("burn: %v", err)
	}
	bal, _ := s.Balance(ctx, "alice")
	if bal != 40 {
		t.Fatalf("alice balance = %d, want 40", bal)
	}
	sink, _ := s.Balance(ctx, ledger.AccountBurnSink)
	if sink != 60 {
		t.Fatalf("burn sink = %d, want 60", sink)
	}
}

func TestStoreFaucetSeedsUnseenAccounts(t *testing.T) {
	s := newStore(t, 1000)
	ctx := context.Background()

	if err := s.Transfer(ctx, "newcomer", "bob", 400); err != nil {
		t.Fatalf("faucet transfer: %v", err)
	}
	bal, _ := s.Balance(ctx, "newcomer")
	if bal != 600 {
		t.Fatalf("newcomer balance = %d, want 600", bal)
	}
	// The faucet fires on first debit only; system accounts never get it.
	if err := s.Transfer(ctx, ledger.AccountTreasury, "bob", 1); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("treasury must not be faucet-seeded, got %v", err)
	}
	if err := s.Transfer(ctx, "newcomer", "bob", 601); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("faucet re-fired on seen account, got %v", err)
	}
}

func TestMemoryLedger(t *testing.T) {
	m := ledger.NewMemory()
	ctx := context.Background()
	m.Fund("alice", 100)

	if err := m.Transfer(ctx, "alice", "bob", 30); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := m.Transfer(ctx, "alice", "bob", 71); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := m.Burn(ctx, "bob", 10); err != nil {
		t.Fatalf("burn: %v", err)
	}
	bal, _ := m.Balance(ctx, "bob")
	if bal != 20 {
		t.Fatalf("bob balance = %d, want 20", bal)
	}
	sink, _ := m.Balance(ctx, ledger.AccountBurnSink)
	if sink != 10 {
		t.Fatalf("burn sink = %d, want 10", sink)
	}
}
