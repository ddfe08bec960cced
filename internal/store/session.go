package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GetContext returns the rolling conversation window for an identity. A
// session untouched for longer than the idle timeout is treated as absent;
// the stale row stays on disk until the cleanup job removes it.
func (s *Store) GetContext(ctx context.Context, identity string) (*Context, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT messages, last_reply, updated_at FROM sessions WHERE identity = ?
	`, identity)

	var messages, lastReply string
	var updated int64
	err := row.Scan(&messages, &lastReply, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	if s.now().Sub(time.Unix(updated, 0)) > sessionTTL {
		return nil, nil
	}

	var c Context
	if err := json.Unmarshal([]byte(messages), &c.Messages); err != nil {
		return nil, fmt.Errorf("parse session messages: %w", err)
	}
	c.LastReply = lastReply
	return &c, nil
}

// AppendExchange records one user/assistant exchange. A nil userMsg updates
// only lastReply on an existing live session and is a no-op otherwise, so
// follow-up expansions never widen the message window. An expired row is
// reset rather than extended.
func (s *Store) AppendExchange(ctx context.Context, identity string, userMsg *string, reply string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session append: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var raw string
	var updated int64
	var messages []string
	scanErr := tx.QueryRowContext(ctx, `
		SELECT messages, updated_at FROM sessions WHERE identity = ?
	`, identity).Scan(&raw, &updated)
	switch {
	case scanErr == nil:
		if now.Sub(time.Unix(updated, 0)) <= sessionTTL {
			if uerr := json.Unmarshal([]byte(raw), &messages); uerr != nil {
				return fmt.Errorf("parse session messages: %w", uerr)
			}
		}
	case errors.Is(scanErr, sql.ErrNoRows):
		if userMsg == nil {
			return tx.Commit()
		}
	default:
		return fmt.Errorf("read session: %w", scanErr)
	}

	if userMsg == nil && messages == nil && scanErr == nil {
		// Expired row and nothing to add: leave it for the cleanup job.
		return tx.Commit()
	}

	if userMsg != nil {
		messages = append(messages, *userMsg)
		if len(messages) > windowSize {
			messages = messages[len(messages)-windowSize:]
		}
	}
	if messages == nil {
		messages = []string{}
	}

	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode session messages: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (identity, messages, last_reply, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET messages = ?, last_reply = ?, updated_at = ?
	`, identity, string(data), reply, now.Unix(), string(data), reply, now.Unix())
	if err != nil {
		return fmt.Errorf("write session: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit session append: %w", err)
	}
	return nil
}

// SaveFix stores the most recent location fix, replacing any prior one.
func (s *Store) SaveFix(ctx context.Context, identity string, lat, lon float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO location_fixes (identity, lat, lon, captured_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET lat = ?, lon = ?, captured_at = ?
	`, identity, lat, lon, now, lat, lon, now)
	if err != nil {
		return fmt.Errorf("save location fix: %w", err)
	}
	return nil
}

// GetFix returns the stored location fix, or nil once it is older than the
// fix lifetime. Fix age is independent of session expiry.
func (s *Store) GetFix(ctx context.Context, identity string) (*Fix, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT lat, lon, captured_at FROM location_fixes WHERE identity = ?
	`, identity)

	var f Fix
	var captured int64
	err := row.Scan(&f.Lat, &f.Lon, &captured)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get location fix: %w", err)
	}

	f.CapturedAt = time.Unix(captured, 0)
	if s.now().Sub(f.CapturedAt) > fixTTL {
		return nil, nil
	}
	return &f, nil
}

// CleanupExpiredSessions deletes session rows past the idle timeout.
func (s *Store) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-sessionTTL).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	return res.RowsAffected()
}

// CleanupExpiredFixes deletes location fixes past their lifetime.
func (s *Store) CleanupExpiredFixes(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-fixTTL).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM location_fixes WHERE captured_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup location fixes: %w", err)
	}
	return res.RowsAffected()
}
