// Package store persists accounts, sessions, location fixes, the credit
// ledger and custom agents in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Account activation states.
const (
	StatusPending  = "pending"
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Plan tiers. MaxCategories maps them to category caps.
const (
	PlanBasic = "basic"
	PlanPlus  = "plus"
	PlanPro   = "pro"
)

// Transaction kinds.
const (
	KindPurchase = "purchase"
	KindUsage    = "usage"
	KindRefund   = "refund"
)

const (
	// sessionTTL bounds how long a conversation stays current. Expiry is
	// computed at read time; rows linger until the cleanup job runs.
	sessionTTL = 30 * time.Minute
	// fixTTL bounds how long a saved location fix stays usable,
	// independent of session expiry.
	fixTTL = 24 * time.Hour
	// windowSize caps the rolling window of user messages per session.
	windowSize = 3
)

// Account is the per-identity activation/billing/profile record.
type Account struct {
	Identity    string
	Status      string
	Credits     int
	Plan        string
	Categories  []string
	Language    string
	ConsentedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Context is the bounded conversational context handed to the AI client.
type Context struct {
	Messages  []string
	LastReply string
}

// Fix is a captured coordinate pair.
type Fix struct {
	Lat        float64
	Lon        float64
	CapturedAt time.Time
}

// Transaction is one append-only ledger entry.
type Transaction struct {
	ID          string
	Identity    string
	Delta       int
	Kind        string
	Description string
	ExternalRef string
	CreatedAt   time.Time
}

// Agent is a user-authored instruction profile. At most one per identity is
// active at a time.
type Agent struct {
	ID           string
	Identity     string
	Name         string
	Description  string
	Instructions string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MaxCategories returns the category cap for a plan tier; 0 means unbounded.
func MaxCategories(plan string) int {
	switch plan {
	case PlanPlus:
		return 3
	case PlanPro:
		return 0
	default:
		return 1
	}
}

type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			identity TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'pending',
			credits INTEGER NOT NULL DEFAULT 0,
			plan TEXT NOT NULL DEFAULT 'basic',
			categories TEXT NOT NULL DEFAULT '[]',
			language TEXT NOT NULL DEFAULT 'en',
			consented_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			identity TEXT PRIMARY KEY,
			messages TEXT NOT NULL DEFAULT '[]',
			last_reply TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS location_fixes (
			identity TEXT PRIMARY KEY,
			lat REAL NOT NULL,
			lon REAL NOT NULL,
			captured_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			identity TEXT NOT NULL,
			delta INTEGER NOT NULL,
			kind TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			external_ref TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_identity ON transactions(identity, created_at)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			identity TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			instructions TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_identity ON agents(identity, is_active)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
