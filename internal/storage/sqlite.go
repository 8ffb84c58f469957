package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	logx "groupcast/pkg/logx"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; transactions below rely on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if err := migrate(ctx, db, goose.DialectSQLite3, "sqlite", log); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log, now: cfg.Now}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

const userColumns = `user_id, full_name, is_logged_in, is_active, is_banned, subscription_until, created_at, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanUser(r rowScanner) (User, error) {
	var (
		u                        User
		loggedIn, active, banned int
		until, created, updated  int64
	)
	if err := r.Scan(&u.ID, &u.FullName, &loggedIn, &active, &banned, &until, &created, &updated); err != nil {
		return User{}, err
	}
	u.LoggedIn, u.Active, u.Banned = loggedIn == 1, active == 1, banned == 1
	u.SubscriptionUntil = unixOrZero(until)
	u.CreatedAt, u.UpdatedAt = time.Unix(created, 0), time.Unix(updated, 0)
	return u, nil
}

func (s *sqliteStore) UpsertUser(ctx context.Context, id int64, fullName string) error {
	now := s.now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, full_name, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET full_name = excluded.full_name, updated_at = excluded.updated_at`,
		id, fullName, now, now)
	return err
}

func (s *sqliteStore) GetUser(ctx context.Context, id int64) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

func (s *sqliteStore) ListUsers(ctx context.Context, limit int) ([]User, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at DESC, user_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqliteStore) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) UserIDs(ctx context.Context) ([]int64, error) {
	return s.queryIDs(ctx, `SELECT user_id FROM users WHERE is_banned = 0 ORDER BY user_id`)
}

func (s *sqliteStore) SetActive(ctx context.Context, id int64, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_active = ?, updated_at = ? WHERE user_id = ?`, boolInt(active), s.now().Unix(), id)
	return err
}

func (s *sqliteStore) SetLoggedIn(ctx context.Context, id int64, loggedIn bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_logged_in = ?, updated_at = ? WHERE user_id = ?`, boolInt(loggedIn), s.now().Unix(), id)
	return err
}

func (s *sqliteStore) Ban(ctx context.Context, id int64) error {
	return s.updateOne(ctx, `UPDATE users SET is_banned = 1, is_active = 0, updated_at = ? WHERE user_id = ?`, id)
}

func (s *sqliteStore) Unban(ctx context.Context, id int64) error {
	return s.updateOne(ctx, `UPDATE users SET is_banned = 0, updated_at = ? WHERE user_id = ?`, id)
}

func (s *sqliteStore) updateOne(ctx context.Context, query string, id int64) error {
	res, err := s.db.ExecContext(ctx, query, s.now().Unix(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) AddSubscription(ctx context.Context, id int64, days int) (time.Time, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var until int64
	err = tx.QueryRowContext(ctx, `SELECT subscription_until FROM users WHERE user_id = ?`, id).Scan(&until)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}

	now := s.now()
	expiry := extendSubscription(unixOrZero(until), now, days)
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET subscription_until = ?, updated_at = ? WHERE user_id = ?`,
		expiry.Unix(), now.Unix(), id); err != nil {
		return time.Time{}, err
	}
	return expiry, tx.Commit()
}

func (s *sqliteStore) RemoveSubscription(ctx context.Context, id int64) error {
	return s.updateOne(ctx, `UPDATE users SET subscription_until = 0, is_active = 0, updated_at = ? WHERE user_id = ?`, id)
}

func (s *sqliteStore) SubscriptionValid(ctx context.Context, id int64) (bool, error) {
	var until int64
	err := s.db.QueryRowContext(ctx, `SELECT subscription_until FROM users WHERE user_id = ?`, id).Scan(&until)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return until > s.now().Unix(), nil
}

func (s *sqliteStore) ExpiredActiveUserIDs(ctx context.Context) ([]int64, error) {
	return s.queryIDs(ctx,
		`SELECT user_id FROM users WHERE subscription_until > 0 AND subscription_until < ? AND is_active = 1`,
		s.now().Unix())
}

func (s *sqliteStore) ActiveUserIDs(ctx context.Context) ([]int64, error) {
	return s.queryIDs(ctx, `SELECT user_id FROM users WHERE is_active = 1 AND is_banned = 0`)
}

func (s *sqliteStore) UpsertProfile(ctx context.Context, p Profile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, phone, session, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET phone = excluded.phone, session = excluded.session, updated_at = excluded.updated_at`,
		p.UserID, p.Account, p.Credential, s.now().Unix())
	return err
}

func (s *sqliteStore) Profile(ctx context.Context, userID int64) (Profile, error) {
	p := Profile{UserID: userID}
	var updated int64
	err := s.db.QueryRowContext(ctx, `SELECT phone, session, updated_at FROM profiles WHERE user_id = ?`, userID).
		Scan(&p.Account, &p.Credential, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	p.UpdatedAt = time.Unix(updated, 0)
	return p, err
}

func (s *sqliteStore) DeleteProfile(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE user_id = ?`, userID)
	return err
}

func (s *sqliteStore) UpsertMessage(ctx context.Context, userID int64, text string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (user_id, text, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET text = excluded.text, updated_at = excluded.updated_at`,
		userID, text, s.now().Unix())
	return err
}

func (s *sqliteStore) Message(ctx context.Context, userID int64) (Message, error) {
	m := Message{UserID: userID}
	var updated int64
	err := s.db.QueryRowContext(ctx, `SELECT text, updated_at FROM messages WHERE user_id = ?`, userID).
		Scan(&m.Text, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	m.UpdatedAt = time.Unix(updated, 0)
	return m, err
}

func (s *sqliteStore) DeleteMessage(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE user_id = ?`, userID)
	return err
}

func (s *sqliteStore) AddDestination(ctx context.Context, userID int64, d Destination) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var count, dup int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN group_id = ? THEN 1 ELSE 0 END), 0) FROM user_groups WHERE user_id = ?`,
		d.ID, userID).Scan(&count, &dup); err != nil {
		return err
	}
	if dup > 0 {
		return ErrDuplicate
	}
	if count >= MaxDestinations {
		return ErrDestinationLimit
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_groups (user_id, group_id, group_title, added_at) VALUES (?, ?, ?, ?)`,
		userID, d.ID, d.Title, s.now().Unix()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) RemoveDestination(ctx context.Context, userID, destID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_groups WHERE user_id = ? AND group_id = ?`, userID, destID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Destinations(ctx context.Context, userID int64) ([]Destination, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id, group_title, added_at FROM user_groups WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Destination
	for rows.Next() {
		var (
			d     Destination
			added int64
		)
		if err := rows.Scan(&d.ID, &d.Title, &added); err != nil {
			return nil, err
		}
		d.AddedAt = time.Unix(added, 0)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClearDestinations(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_groups WHERE user_id = ?`, userID)
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit (at, actor_id, action, target, detail) VALUES (?, ?, ?, ?, ?)`,
		e.At.Unix(), e.ActorID, e.Action, e.Target, nullStr(e.Detail))
	return err
}

func (s *sqliteStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, actor_id, action, target, COALESCE(detail, '') FROM audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e  AuditEntry
			at int64
		)
		if err := rows.Scan(&at, &e.ActorID, &e.Action, &e.Target, &e.Detail); err != nil {
			return nil, err
		}
		e.At = time.Unix(at, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
