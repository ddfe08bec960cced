package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Balance returns the current credit balance.
func (s *Store) Balance(ctx context.Context, identity string) (int, error) {
	var credits int
	err := s.db.QueryRowContext(ctx, `SELECT credits FROM accounts WHERE identity = ?`, identity).Scan(&credits)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("account %s not found", identity)
		}
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return credits, nil
}

// DebitUsage atomically deducts credits and logs a usage entry. It returns
// false without changing anything when the balance is insufficient, so the
// balance can never go negative even under concurrent messages.
func (s *Store) DebitUsage(ctx context.Context, identity string, amount int, description string) (ok bool, err error) {
	if amount <= 0 {
		return false, fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin debit: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET credits = credits - ?, updated_at = ?
		WHERE identity = ? AND credits >= ?
	`, amount, now.Unix(), identity, amount)
	if err != nil {
		return false, fmt.Errorf("debit credits: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("debit credits: %w", err)
	}
	if affected == 0 {
		return false, tx.Commit()
	}

	if err = s.insertTransaction(ctx, tx, identity, -amount, KindUsage, description, "", now); err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit debit: %w", err)
	}
	return true, nil
}

// RefundUsage returns credits taken by a debit whose work later failed and
// logs a matching refund entry.
func (s *Store) RefundUsage(ctx context.Context, identity string, amount int, description string) (err error) {
	if amount <= 0 {
		return fmt.Errorf("refund amount must be positive, got %d", amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refund: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = s.creditAccount(ctx, tx, identity, amount, now); err != nil {
		return err
	}
	if err = s.insertTransaction(ctx, tx, identity, amount, KindRefund, description, "", now); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit refund: %w", err)
	}
	return nil
}

// ApplyPurchase adds purchased credits and logs the purchase. externalRef
// carries the payment provider's reference when there is one.
func (s *Store) ApplyPurchase(ctx context.Context, identity string, amount int, description, externalRef string) (err error) {
	if amount <= 0 {
		return fmt.Errorf("purchase amount must be positive, got %d", amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin purchase: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = s.creditAccount(ctx, tx, identity, amount, now); err != nil {
		return err
	}
	if err = s.insertTransaction(ctx, tx, identity, amount, KindPurchase, description, externalRef, now); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit purchase: %w", err)
	}
	return nil
}

// Transactions lists the most recent ledger entries for an identity, newest
// first.
func (s *Store) Transactions(ctx context.Context, identity string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identity, delta, kind, description, external_ref, created_at
		FROM transactions WHERE identity = ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var list []Transaction
	for rows.Next() {
		var t Transaction
		var ref sql.NullString
		var created int64
		if err := rows.Scan(&t.ID, &t.Identity, &t.Delta, &t.Kind, &t.Description, &ref, &created); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.ExternalRef = ref.String
		t.CreatedAt = time.Unix(created, 0)
		list = append(list, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return list, nil
}

func (s *Store) creditAccount(ctx context.Context, tx *sql.Tx, identity string, amount int, now time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET credits = credits + ?, updated_at = ? WHERE identity = ?
	`, amount, now.Unix(), identity)
	if err != nil {
		return fmt.Errorf("credit account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("credit account: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("account %s not found", identity)
	}
	return nil
}

func (s *Store) insertTransaction(ctx context.Context, tx *sql.Tx, identity string, delta int, kind, description, externalRef string, now time.Time) error {
	ref := sql.NullString{String: externalRef, Valid: externalRef != ""}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, identity, delta, kind, description, external_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), identity, delta, kind, description, ref, now.Unix())
	if err != nil {
		return fmt.Errorf("log transaction: %w", err)
	}
	return nil
}
