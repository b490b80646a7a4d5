package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Store is the SQL-backed ledger over the accounts table.
type Store struct {
	DB *sql.DB
	// FaucetAmount, when positive, seeds unseen accounts on their first
	// debit. Development convenience only; zero in production configs.
	FaucetAmount int64

	mu sync.Mutex
}

func NewStore(db *sql.DB, faucet int64) *Store {
	return &Store{DB: db, FaucetAmount: faucet}
}

func (s *Store) balanceTx(ctx context.Context, tx *sql.Tx, account string) (int64, bool, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id=?`, account).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	return balance, true, err
}

func (s *Store) setBalanceTx(ctx context.Context, tx *sql.Tx, account string, balance int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO accounts(id,balance) VALUES (?,?) ON CONFLICT(id) DO UPDATE SET balance=excluded.balance`, account, balance)
	return err
}

func (s *Store) debitTx(ctx context.Context, tx *sql.Tx, account string, amount int64) error {
	balance, exists, err := s.balanceTx(ctx, tx, account)
	if err != nil {
		return err
	}
	if !exists && s.FaucetAmount > 0 && account != AccountTreasury && account != AccountBurnSink {
		balance = s.FaucetAmount
	}
	if balance < amount {
		return fmt.Errorf("account %s: %w", account, ErrInsufficientFunds)
	}
	return s.setBalanceTx(ctx, tx, account, balance-amount)
}

func (s *Store) creditTx(ctx context.Context, tx *sql.Tx, account string, amount int64) error {
	balance, _, err := s.balanceTx(ctx, tx, account)
	if err != nil {
		return err
	}
	return s.setBalanceTx(ctx, tx, account, balance+amount)
}

func (s *Store) Transfer(ctx context.Context, from, to string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.debitTx(ctx, tx, from, amount); err != nil {
		return err
	}
	if err := s.creditTx(ctx, tx, to, amount); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Mint(ctx context.Context, to string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.creditTx(ctx, tx, to, amount); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Burn(ctx context.Context, from string, amount int64) error {
	return s.Transfer(ctx, from, AccountBurnSink, amount)
}

func (s *Store) Balance(ctx context.Context, account string) (int64, error) {
	var balance int64
	err := s.DB.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id=?`, account).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}
