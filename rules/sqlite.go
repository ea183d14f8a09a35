package rules

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/domsieve/livetree"
	"github.com/hazyhaar/domsieve/store"
)

// Schema holds the keyword list and the rule switches. Pass it to
// store.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS rule_keywords (
	id         INTEGER PRIMARY KEY,
	keyword    TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS rule_settings (
	id               INTEGER PRIMARY KEY CHECK (id = 1),
	case_insensitive INTEGER NOT NULL DEFAULT 0,
	disabled         INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO rule_settings (id) VALUES (1);
`

// SQLiteOptions tunes the change poller.
type SQLiteOptions struct {
	// Interval between PRAGMA data_version reads. Default 200ms.
	Interval time.Duration
	// Debounce is the quiet period after a detected change. Default 300ms.
	Debounce time.Duration
	Logger   *slog.Logger
}

// SQLite is a rule source stored in the rule_keywords and rule_settings
// tables. Changes committed by other processes (an admin shell, another
// domsieve) are picked up by Watch.
type SQLite struct {
	db   *sql.DB
	opts SQLiteOptions

	mu  sync.Mutex
	rs  livetree.RuleSet
	hub hub

	polls, reloads, failures atomic.Int64
}

// SQLiteStats are the poller counters.
type SQLiteStats struct {
	Polls    int64 `json:"polls"`
	Reloads  int64 `json:"reloads"`
	Failures int64 `json:"failures"`
}

// NewSQLite loads the current rule set from db, which must carry Schema.
func NewSQLite(ctx context.Context, db *sql.DB, opts SQLiteOptions) (*SQLite, error) {
	if opts.Interval <= 0 {
		opts.Interval = 200 * time.Millisecond
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 300 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &SQLite{db: db, opts: opts}
	rs, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	s.rs = rs
	return s, nil
}

func (s *SQLite) load(ctx context.Context) (livetree.RuleSet, error) {
	var rs livetree.RuleSet
	rows, err := s.db.QueryContext(ctx, `SELECT keyword FROM rule_keywords ORDER BY id`)
	if err != nil {
		return rs, fmt.Errorf("rules: load keywords: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kw string
		if err := rows.Scan(&kw); err != nil {
			return rs, fmt.Errorf("rules: load keywords: %w", err)
		}
		rs.Keywords = append(rs.Keywords, kw)
	}
	if err := rows.Err(); err != nil {
		return rs, fmt.Errorf("rules: load keywords: %w", err)
	}

	var ci, disabled int
	err = s.db.QueryRowContext(ctx,
		`SELECT case_insensitive, disabled FROM rule_settings WHERE id = 1`).Scan(&ci, &disabled)
	if err != nil && err != sql.ErrNoRows {
		return rs, fmt.Errorf("rules: load settings: %w", err)
	}
	rs.CaseInsensitive = ci != 0
	rs.Disabled = disabled != 0
	return rs.Normalize(), nil
}

func (s *SQLite) Get(context.Context) (livetree.RuleSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rs, nil
}

func (s *SQLite) Subscribe(ctx context.Context) <-chan livetree.RuleSet {
	return s.hub.subscribe(ctx)
}

// Stats returns the poller counters.
func (s *SQLite) Stats() SQLiteStats {
	return SQLiteStats{
		Polls:    s.polls.Load(),
		Reloads:  s.reloads.Load(),
		Failures: s.failures.Load(),
	}
}

// Watch polls PRAGMA data_version on one pinned connection until ctx is
// done. A version that moves starts the debounce window; the window only
// restarts when the version moves again. The pool needs a second
// connection for everything else.
func (s *SQLite) Watch(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("rules: pin connection: %w", err)
	}
	defer conn.Close()

	log := s.opts.Logger
	seen, err := store.DataVersion(ctx, conn)
	if err != nil {
		return fmt.Errorf("rules: data_version: %w", err)
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	log.Info("rules: watching sqlite", "interval", s.opts.Interval, "debounce", s.opts.Debounce)
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			s.polls.Add(1)
			v, err := store.DataVersion(ctx, conn)
			if err != nil {
				s.failures.Add(1)
				log.Warn("rules: data_version failed", "error", err)
				continue
			}
			if v == seen {
				continue
			}
			seen = v
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(s.opts.Debounce)
			fire = timer.C

		case <-fire:
			fire = nil
			if err := s.reload(ctx); err != nil {
				s.failures.Add(1)
				log.Error("rules: reload failed", "error", err)
			}
		}
	}
}

// reload re-reads the tables and publishes the result if it differs.
func (s *SQLite) reload(ctx context.Context) error {
	rs, err := s.load(ctx)
	if err != nil {
		return err
	}
	s.reloads.Add(1)
	s.mu.Lock()
	changed := !s.rs.Equal(rs)
	s.rs = rs
	s.mu.Unlock()
	if changed {
		s.opts.Logger.Info("rules: sqlite reloaded", "keywords", len(rs.Keywords), "disabled", rs.Disabled)
		s.hub.publish(rs)
	}
	return nil
}

func (s *SQLite) AddKeyword(ctx context.Context, kw string) (bool, error) {
	kw = strings.TrimSpace(kw)
	if kw == "" {
		return false, ErrEmptyKeyword
	}
	var added bool
	err := store.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO rule_keywords (keyword, created_at) VALUES (?, ?)`,
			kw, time.Now().UnixMilli())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		added = n > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("rules: add keyword: %w", err)
	}
	if added {
		if err := s.reload(ctx); err != nil {
			return true, err
		}
	}
	return added, nil
}

func (s *SQLite) RemoveKeyword(ctx context.Context, kw string) error {
	kw = strings.TrimSpace(kw)
	var n int64
	err := store.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM rule_keywords WHERE keyword = ?`, kw)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("rules: remove keyword: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return s.reload(ctx)
}

func (s *SQLite) SetDisabled(ctx context.Context, disabled bool) error {
	v := 0
	if disabled {
		v = 1
	}
	err := store.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE rule_settings SET disabled = ? WHERE id = 1`, v)
		return err
	})
	if err != nil {
		return fmt.Errorf("rules: set disabled: %w", err)
	}
	return s.reload(ctx)
}

// Seed inserts keywords when the table is still empty, so a fresh
// database starts from the configured list.
func (s *SQLite) Seed(ctx context.Context, keywords []string) error {
	err := store.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM rule_keywords`).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		now := time.Now().UnixMilli()
		for _, kw := range keywords {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO rule_keywords (keyword, created_at) VALUES (?, ?)`, kw, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("rules: seed: %w", err)
	}
	return s.reload(ctx)
}
