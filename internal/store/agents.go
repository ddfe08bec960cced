package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateAgent stores a custom agent owned by the given identity. New agents
// start inactive; ActivateAgent selects the one the assistant should use.
func (s *Store) CreateAgent(ctx context.Context, identity, name, description, instructions string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	a := &Agent{
		ID:           uuid.NewString(),
		Identity:     identity,
		Name:         name,
		Description:  description,
		Instructions: instructions,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, identity, name, description, instructions, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
	`, a.ID, a.Identity, a.Name, a.Description, a.Instructions, now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	return a, nil
}

// GetAgent returns nil without error when no agent with that id belongs to
// the identity. Ownership is part of the lookup, so one user can never
// address another user's agent.
func (s *Store) GetAgent(ctx context.Context, identity, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, identity, name, description, instructions, is_active, created_at, updated_at
		FROM agents WHERE id = ? AND identity = ?
	`, id, identity)
	return scanAgent(row)
}

// GetActiveAgent returns the identity's selected agent, or nil when none is
// active.
func (s *Store) GetActiveAgent(ctx context.Context, identity string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, identity, name, description, instructions, is_active, created_at, updated_at
		FROM agents WHERE identity = ? AND is_active = 1
	`, identity)
	return scanAgent(row)
}

// ListAgents returns all agents owned by the identity, newest first.
func (s *Store) ListAgents(ctx context.Context, identity string) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identity, name, description, instructions, is_active, created_at, updated_at
		FROM agents WHERE identity = ? ORDER BY created_at DESC, id DESC
	`, identity)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var list []Agent
	for rows.Next() {
		var a Agent
		var active int
		var created, updated int64
		if err := rows.Scan(&a.ID, &a.Identity, &a.Name, &a.Description, &a.Instructions, &active, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Active = active != 0
		a.CreatedAt = time.Unix(created, 0)
		a.UpdatedAt = time.Unix(updated, 0)
		list = append(list, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return list, nil
}

// ActivateAgent makes the given agent the identity's active one. Any other
// active agent is deactivated in the same transaction, so at most one agent
// per identity is active at a time.
func (s *Store) ActivateAgent(ctx context.Context, identity, id string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin agent activation: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		UPDATE agents SET is_active = 0, updated_at = ? WHERE identity = ? AND is_active = 1
	`, now.Unix(), identity)
	if err != nil {
		return fmt.Errorf("deactivate agents: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE agents SET is_active = 1, updated_at = ? WHERE id = ? AND identity = ?
	`, now.Unix(), id, identity)
	if err != nil {
		return fmt.Errorf("activate agent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("activate agent: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("agent %s not found", id)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit agent activation: %w", err)
	}
	return nil
}

// DeactivateAgents clears the identity's agent selection, returning the
// assistant to its default instructions.
func (s *Store) DeactivateAgents(ctx context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET is_active = 0, updated_at = ? WHERE identity = ? AND is_active = 1
	`, s.now().Unix(), identity)
	if err != nil {
		return fmt.Errorf("deactivate agents: %w", err)
	}
	return nil
}

// DeleteAgent removes an agent the identity owns.
func (s *Store) DeleteAgent(ctx context.Context, identity, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ? AND identity = ?`, id, identity)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("agent %s not found", id)
	}
	return nil
}

func scanAgent(row *sql.Row) (*Agent, error) {
	var a Agent
	var active int
	var created, updated int64
	err := row.Scan(&a.ID, &a.Identity, &a.Name, &a.Description, &a.Instructions, &active, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	a.Active = active != 0
	a.CreatedAt = time.Unix(created, 0)
	a.UpdatedAt = time.Unix(updated, 0)
	return &a, nil
}
