package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateAccount registers a new identity in the pending state.
func (s *Store) CreateAccount(ctx context.Context, identity, language string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (identity, status, credits, plan, categories, language, created_at, updated_at)
		VALUES (?, ?, 0, ?, '[]', ?, ?, ?)
	`, identity, StatusPending, PlanBasic, language, now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	return &Account{
		Identity:  identity,
		Status:    StatusPending,
		Plan:      PlanBasic,
		Language:  language,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetAccount returns nil without error when the identity is unknown.
func (s *Store) GetAccount(ctx context.Context, identity string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT identity, status, credits, plan, categories, language, consented_at, created_at, updated_at
		FROM accounts WHERE identity = ?
	`, identity)

	var a Account
	var categories string
	var consented sql.NullInt64
	var created, updated int64
	err := row.Scan(&a.Identity, &a.Status, &a.Credits, &a.Plan, &categories, &a.Language, &consented, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	if err := json.Unmarshal([]byte(categories), &a.Categories); err != nil {
		return nil, fmt.Errorf("parse account categories: %w", err)
	}
	if consented.Valid {
		t := time.Unix(consented.Int64, 0)
		a.ConsentedAt = &t
	}
	a.CreatedAt = time.Unix(created, 0)
	a.UpdatedAt = time.Unix(updated, 0)
	return &a, nil
}

// Activate flips the account to active and records consent. When the account
// was pending this is the first activation: the signup bonus is credited and
// logged as a purchase in the same transaction, so a replayed confirmation
// can never grant it twice. Reactivation from inactive changes only the
// status; categories, agents, language and balance are preserved.
func (s *Store) Activate(ctx context.Context, identity string, bonus int) (firstActivation bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin activate: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var status string
	if err = tx.QueryRowContext(ctx, `SELECT status FROM accounts WHERE identity = ?`, identity).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("account %s not found", identity)
		}
		return false, fmt.Errorf("read account status: %w", err)
	}
	if status == StatusActive {
		return false, tx.Commit()
	}

	firstActivation = status == StatusPending

	grant := 0
	if firstActivation && bonus > 0 {
		grant = bonus
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE accounts SET status = ?, credits = credits + ?, consented_at = ?, updated_at = ?
		WHERE identity = ?
	`, StatusActive, grant, now.Unix(), now.Unix(), identity)
	if err != nil {
		return false, fmt.Errorf("activate account: %w", err)
	}

	if grant > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO transactions (id, identity, delta, kind, description, external_ref, created_at)
			VALUES (?, ?, ?, ?, 'Signup bonus', NULL, ?)
		`, uuid.NewString(), identity, grant, KindPurchase, now.Unix())
		if err != nil {
			return false, fmt.Errorf("log signup bonus: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit activate: %w", err)
	}
	return firstActivation, nil
}

// Deactivate marks the account inactive. All other fields survive so a later
// reactivation restores the previous profile.
func (s *Store) Deactivate(ctx context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET status = ?, updated_at = ? WHERE identity = ?
	`, StatusInactive, s.now().Unix(), identity)
	if err != nil {
		return fmt.Errorf("deactivate account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate account: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("account %s not found", identity)
	}
	return nil
}

// UpdateCategories replaces the selected topic categories, enforcing the
// plan-tier cap.
func (s *Store) UpdateCategories(ctx context.Context, identity string, categories []string) error {
	account, err := s.GetAccount(ctx, identity)
	if err != nil {
		return err
	}
	if account == nil {
		return fmt.Errorf("account %s not found", identity)
	}
	if max := MaxCategories(account.Plan); max > 0 && len(categories) > max {
		return fmt.Errorf("plan %s allows at most %d categories", account.Plan, max)
	}

	data, err := json.Marshal(categories)
	if err != nil {
		return fmt.Errorf("encode categories: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		UPDATE accounts SET categories = ?, updated_at = ? WHERE identity = ?
	`, string(data), s.now().Unix(), identity)
	if err != nil {
		return fmt.Errorf("update categories: %w", err)
	}
	return nil
}

// SetPlan switches the plan tier. Existing categories beyond the new cap are
// kept; the cap applies to future updates only.
func (s *Store) SetPlan(ctx context.Context, identity, plan string) error {
	if plan != PlanBasic && plan != PlanPlus && plan != PlanPro {
		return fmt.Errorf("unknown plan %q", plan)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET plan = ?, updated_at = ? WHERE identity = ?
	`, plan, s.now().Unix(), identity)
	if err != nil {
		return fmt.Errorf("set plan: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set plan: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("account %s not found", identity)
	}
	return nil
}

// CountAccounts reports totals per status for the status command.
func (s *Store) CountAccounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM accounts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count accounts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan account count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate account counts: %w", err)
	}
	return counts, nil
}
