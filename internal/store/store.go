// Package store is the SQLite ban ledger. It persists account and address
// bans so they survive restarts, and keeps an audit trail of ban changes.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"huddle/internal/ratelimit"

	_ "modernc.org/sqlite"
)

// Event kinds recorded in ban_events.
const (
	EventAccountBanned   = "account_banned"
	EventAccountUnbanned = "account_unbanned"
	EventIPBanned        = "ip_banned"
	EventIPUnbanned      = "ip_unbanned"
)

// BanEvent is one audit row.
type BanEvent struct {
	ID      int64     `json:"id"`
	Kind    string    `json:"kind"`
	Subject string    `json:"subject"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Store persists ban state in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ ratelimit.BanSink = (*Store)(nil)

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One writer avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	st := &Store{db: db, logger: logger}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS blocked_accounts (
	user_id TEXT PRIMARY KEY,
	blocked_at_unix_ms INTEGER NOT NULL,
	blocked_until_unix_ms INTEGER NOT NULL,
	reason TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_blocked_accounts_until ON blocked_accounts(blocked_until_unix_ms);

CREATE TABLE IF NOT EXISTS blocked_ips (
	ip TEXT PRIMARY KEY,
	blocked_at_unix_ms INTEGER NOT NULL,
	reason TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ban_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	subject TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	ts_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ban_events_ts ON ban_events(ts_unix_ms);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	s.logger.Debug("sqlite migrations applied")
	return nil
}

// AccountBanned upserts an account ban.
func (s *Store) AccountBanned(ctx context.Context, b ratelimit.BlockedAccount) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		const q = `
INSERT INTO blocked_accounts (user_id, blocked_at_unix_ms, blocked_until_unix_ms, reason)
VALUES (?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	blocked_at_unix_ms = excluded.blocked_at_unix_ms,
	blocked_until_unix_ms = excluded.blocked_until_unix_ms,
	reason = excluded.reason
`
		if _, err := tx.ExecContext(ctx, q, b.UserID, b.BlockedAt.UnixMilli(), b.BlockedUntil.UnixMilli(), b.Reason); err != nil {
			return fmt.Errorf("upsert account ban: %w", err)
		}
		s.logger.Debug("account ban persisted", "user_id", b.UserID, "until", b.BlockedUntil)
		return appendEvent(ctx, tx, EventAccountBanned, b.UserID, b.Reason, b.BlockedAt)
	})
}

// IPBanned upserts an address ban.
func (s *Store) IPBanned(ctx context.Context, b ratelimit.BlockedIP) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		const q = `
INSERT INTO blocked_ips (ip, blocked_at_unix_ms, reason) VALUES (?, ?, ?)
ON CONFLICT(ip) DO UPDATE SET blocked_at_unix_ms = excluded.blocked_at_unix_ms, reason = excluded.reason
`
		if _, err := tx.ExecContext(ctx, q, b.IP, b.BlockedAt.UnixMilli(), b.Reason); err != nil {
			return fmt.Errorf("upsert ip ban: %w", err)
		}
		s.logger.Debug("ip ban persisted", "ip", b.IP)
		return appendEvent(ctx, tx, EventIPBanned, b.IP, b.Reason, b.BlockedAt)
	})
}

// AccountUnbanned removes an account ban. Removing a missing ban is not an
// error.
func (s *Store) AccountUnbanned(ctx context.Context, userID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM blocked_accounts WHERE user_id = ?`, userID)
		if err != nil {
			return fmt.Errorf("delete account ban: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		s.logger.Debug("account ban removed", "user_id", userID)
		return appendEvent(ctx, tx, EventAccountUnbanned, userID, "", time.Now())
	})
}

// IPUnbanned removes an address ban.
func (s *Store) IPUnbanned(ctx context.Context, ip string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM blocked_ips WHERE ip = ?`, ip)
		if err != nil {
			return fmt.Errorf("delete ip ban: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		s.logger.Debug("ip ban removed", "ip", ip)
		return appendEvent(ctx, tx, EventIPUnbanned, ip, "", time.Now())
	})
}

// LoadBans returns every account ban still live at now and every address ban.
func (s *Store) LoadBans(ctx context.Context, now time.Time) ([]ratelimit.BlockedAccount, []ratelimit.BlockedIP, error) {
	accounts, err := s.loadAccounts(ctx, now)
	if err != nil {
		return nil, nil, err
	}
	ips, err := s.loadIPs(ctx)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Debug("bans loaded", "accounts", len(accounts), "ips", len(ips))
	return accounts, ips, nil
}

func (s *Store) loadAccounts(ctx context.Context, now time.Time) ([]ratelimit.BlockedAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT user_id, blocked_at_unix_ms, blocked_until_unix_ms, reason
FROM blocked_accounts
WHERE blocked_until_unix_ms > ?
ORDER BY user_id
`, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query account bans: %w", err)
	}
	defer rows.Close()

	var out []ratelimit.BlockedAccount
	for rows.Next() {
		var (
			b           ratelimit.BlockedAccount
			at, untilMS int64
		)
		if err := rows.Scan(&b.UserID, &at, &untilMS, &b.Reason); err != nil {
			return nil, fmt.Errorf("scan account ban: %w", err)
		}
		b.BlockedAt = time.UnixMilli(at).UTC()
		b.BlockedUntil = time.UnixMilli(untilMS).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) loadIPs(ctx context.Context) ([]ratelimit.BlockedIP, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ip, blocked_at_unix_ms, reason FROM blocked_ips ORDER BY ip`)
	if err != nil {
		return nil, fmt.Errorf("query ip bans: %w", err)
	}
	defer rows.Close()

	var out []ratelimit.BlockedIP
	for rows.Next() {
		var (
			b  ratelimit.BlockedIP
			at int64
		)
		if err := rows.Scan(&b.IP, &at, &b.Reason); err != nil {
			return nil, fmt.Errorf("scan ip ban: %w", err)
		}
		b.BlockedAt = time.UnixMilli(at).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

// BanEvents returns the most recent audit rows, newest first.
func (s *Store) BanEvents(ctx context.Context, limit int) ([]BanEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, kind, subject, reason, ts_unix_ms
FROM ban_events
ORDER BY ts_unix_ms DESC, id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query ban events: %w", err)
	}
	defer rows.Close()

	out := []BanEvent{}
	for rows.Next() {
		var (
			e  BanEvent
			ts int64
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.Subject, &e.Reason, &ts); err != nil {
			return nil, fmt.Errorf("scan ban event: %w", err)
		}
		e.At = time.UnixMilli(ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func appendEvent(ctx context.Context, tx *sql.Tx, kind, subject, reason string, at time.Time) error {
	const q = `INSERT INTO ban_events (kind, subject, reason, ts_unix_ms) VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, q, kind, subject, reason, at.UnixMilli()); err != nil {
		return fmt.Errorf("insert ban event: %w", err)
	}
	return nil
}
