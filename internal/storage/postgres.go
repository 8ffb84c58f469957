package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	logx "groupcast/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
	now  func() time.Time
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (*postgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	// goose needs database/sql; the shim shares the pool's connections.
	db := stdlib.OpenDBFromPool(pool)
	err = migrate(ctx, db, goose.DialectPostgres, "postgres", log)
	_ = db.Close()
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &postgresStore{pool: pool, log: log, now: cfg.Now}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgUser(r pgx.Row) (User, error) {
	var (
		u                       User
		until, created, updated int64
	)
	if err := r.Scan(&u.ID, &u.FullName, &u.LoggedIn, &u.Active, &u.Banned, &until, &created, &updated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	u.SubscriptionUntil = unixOrZero(until)
	u.CreatedAt, u.UpdatedAt = time.Unix(created, 0), time.Unix(updated, 0)
	return u, nil
}

func (s *postgresStore) UpsertUser(ctx context.Context, id int64, fullName string) error {
	now := s.now().Unix()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (user_id, full_name, created_at, updated_at) VALUES ($1, $2, $3, $3)
		 ON CONFLICT (user_id) DO UPDATE SET full_name = EXCLUDED.full_name, updated_at = EXCLUDED.updated_at`,
		id, fullName, now)
	return err
}

func (s *postgresStore) GetUser(ctx context.Context, id int64) (User, error) {
	return scanPgUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = $1`, id))
}

func (s *postgresStore) ListUsers(ctx context.Context, limit int) ([]User, error) {
	q := `SELECT ` + userColumns + ` FROM users ORDER BY created_at DESC, user_id DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanPgUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *postgresStore) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (s *postgresStore) UserIDs(ctx context.Context) ([]int64, error) {
	return s.queryIDs(ctx, `SELECT user_id FROM users WHERE NOT is_banned ORDER BY user_id`)
}

func (s *postgresStore) SetActive(ctx context.Context, id int64, active bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE users SET is_active = $1, updated_at = $2 WHERE user_id = $3`,
		active, s.now().Unix(), id)
	return err
}

func (s *postgresStore) SetLoggedIn(ctx context.Context, id int64, loggedIn bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE users SET is_logged_in = $1, updated_at = $2 WHERE user_id = $3`,
		loggedIn, s.now().Unix(), id)
	return err
}

func (s *postgresStore) updateOne(ctx context.Context, query string, id int64) error {
	tag, err := s.pool.Exec(ctx, query, s.now().Unix(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) Ban(ctx context.Context, id int64) error {
	return s.updateOne(ctx, `UPDATE users SET is_banned = TRUE, is_active = FALSE, updated_at = $1 WHERE user_id = $2`, id)
}

func (s *postgresStore) Unban(ctx context.Context, id int64) error {
	return s.updateOne(ctx, `UPDATE users SET is_banned = FALSE, updated_at = $1 WHERE user_id = $2`, id)
}

func (s *postgresStore) AddSubscription(ctx context.Context, id int64, days int) (time.Time, error) {
	var expiry time.Time
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var until int64
		err := tx.QueryRow(ctx, `SELECT subscription_until FROM users WHERE user_id = $1 FOR UPDATE`, id).Scan(&until)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		now := s.now()
		expiry = extendSubscription(unixOrZero(until), now, days)
		_, err = tx.Exec(ctx, `UPDATE users SET subscription_until = $1, updated_at = $2 WHERE user_id = $3`,
			expiry.Unix(), now.Unix(), id)
		return err
	})
	if err != nil {
		return time.Time{}, err
	}
	return expiry, nil
}

func (s *postgresStore) RemoveSubscription(ctx context.Context, id int64) error {
	return s.updateOne(ctx, `UPDATE users SET subscription_until = 0, is_active = FALSE, updated_at = $1 WHERE user_id = $2`, id)
}

func (s *postgresStore) SubscriptionValid(ctx context.Context, id int64) (bool, error) {
	var until int64
	err := s.pool.QueryRow(ctx, `SELECT subscription_until FROM users WHERE user_id = $1`, id).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return until > s.now().Unix(), nil
}

func (s *postgresStore) ExpiredActiveUserIDs(ctx context.Context) ([]int64, error) {
	return s.queryIDs(ctx,
		`SELECT user_id FROM users WHERE subscription_until > 0 AND subscription_until < $1 AND is_active`,
		s.now().Unix())
}

func (s *postgresStore) ActiveUserIDs(ctx context.Context) ([]int64, error) {
	return s.queryIDs(ctx, `SELECT user_id FROM users WHERE is_active AND NOT is_banned`)
}

func (s *postgresStore) UpsertProfile(ctx context.Context, p Profile) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO profiles (user_id, phone, session, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE SET phone = EXCLUDED.phone, session = EXCLUDED.session, updated_at = EXCLUDED.updated_at`,
		p.UserID, p.Account, p.Credential, s.now().Unix())
	return err
}

func (s *postgresStore) Profile(ctx context.Context, userID int64) (Profile, error) {
	p := Profile{UserID: userID}
	var updated int64
	err := s.pool.QueryRow(ctx, `SELECT phone, session, updated_at FROM profiles WHERE user_id = $1`, userID).
		Scan(&p.Account, &p.Credential, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	p.UpdatedAt = time.Unix(updated, 0)
	return p, err
}

func (s *postgresStore) DeleteProfile(ctx context.Context, userID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM profiles WHERE user_id = $1`, userID)
	return err
}

func (s *postgresStore) UpsertMessage(ctx context.Context, userID int64, text string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (user_id, text, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET text = EXCLUDED.text, updated_at = EXCLUDED.updated_at`,
		userID, text, s.now().Unix())
	return err
}

func (s *postgresStore) Message(ctx context.Context, userID int64) (Message, error) {
	m := Message{UserID: userID}
	var updated int64
	err := s.pool.QueryRow(ctx, `SELECT text, updated_at FROM messages WHERE user_id = $1`, userID).
		Scan(&m.Text, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	m.UpdatedAt = time.Unix(updated, 0)
	return m, err
}

func (s *postgresStore) DeleteMessage(ctx context.Context, userID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE user_id = $1`, userID)
	return err
}

func (s *postgresStore) AddDestination(ctx context.Context, userID int64, d Destination) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Serialize concurrent adds for the same user so the cap holds.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, userID); err != nil {
			return err
		}
		var count, dup int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*), COUNT(*) FILTER (WHERE group_id = $1) FROM user_groups WHERE user_id = $2`,
			d.ID, userID).Scan(&count, &dup); err != nil {
			return err
		}
		if dup > 0 {
			return ErrDuplicate
		}
		if count >= MaxDestinations {
			return ErrDestinationLimit
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO user_groups (user_id, group_id, group_title, added_at) VALUES ($1, $2, $3, $4)`,
			userID, d.ID, d.Title, s.now().Unix())
		return err
	})
}

func (s *postgresStore) RemoveDestination(ctx context.Context, userID, destID int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM user_groups WHERE user_id = $1 AND group_id = $2`, userID, destID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) Destinations(ctx context.Context, userID int64) ([]Destination, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT group_id, group_title, added_at FROM user_groups WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (Destination, error) {
		var (
			d     Destination
			added int64
		)
		err := r.Scan(&d.ID, &d.Title, &added)
		d.AddedAt = time.Unix(added, 0)
		return d, err
	})
}

func (s *postgresStore) ClearDestinations(ctx context.Context, userID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM user_groups WHERE user_id = $1`, userID)
	return err
}

func (s *postgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit (at, actor_id, action, target, detail) VALUES ($1, $2, $3, $4, $5)`,
		e.At.Unix(), e.ActorID, e.Action, e.Target, nullStr(e.Detail))
	return err
}

func (s *postgresStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT at, actor_id, action, target, COALESCE(detail, '') FROM audit ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (AuditEntry, error) {
		var (
			e  AuditEntry
			at int64
		)
		err := r.Scan(&at, &e.ActorID, &e.Action, &e.Target, &e.Detail)
		e.At = time.Unix(at, 0)
		return e, err
	})
}
