package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"keptpush/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  atomic.Pointer[sql.DB]
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: the page and the worker serialize through the same handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{log: log}
	st.db.Store(db)
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.Load().ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if db := s.db.Swap(nil); db != nil {
		return db.Close()
	}
	return nil
}

func (s *sqliteStore) conn() (*sql.DB, error) {
	if db := s.db.Load(); db != nil {
		return db, nil
	}
	return nil, ErrDisabled
}

func (s *sqliteStore) CreateCache(ctx context.Context, name string) (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO caches(name, created_at) VALUES(?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) ListCaches(ctx context.Context) ([]string, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	return queryStrings(ctx, db, `SELECT name FROM caches ORDER BY id`)
}

func (s *sqliteStore) DeleteCache(ctx context.Context, name string) (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, err
	}
	var deleted bool
	err = withTx(ctx, db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM caches WHERE name = ?`, name)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n > 0
		_, err = tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache = ?`, name)
		return err
	})
	return deleted, err
}

func (s *sqliteStore) PutEntries(ctx context.Context, cache string, entries []CacheEntry) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	now := time.Now()
	return withTx(ctx, db, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM caches WHERE name = ?`, cache).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoCache
		}
		if err != nil {
			return err
		}
		for _, e := range entries {
			hdr, err := json.Marshal(e.Header)
			if err != nil {
				return fmt.Errorf("encode header %s: %w", e.URL, err)
			}
			at := e.StoredAt
			if at.IsZero() {
				at = now
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO cache_entries(cache, url, status, header, body, stored_at) VALUES(?,?,?,?,?,?)
				 ON CONFLICT(cache, url) DO UPDATE SET status=excluded.status, header=excluded.header,
				 body=excluded.body, stored_at=excluded.stored_at`,
				cache, e.URL, e.Status, string(hdr), e.Body, at.UnixMilli())
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) MatchEntry(ctx context.Context, cache, url string) (CacheEntry, bool, error) {
	db, err := s.conn()
	if err != nil {
		return CacheEntry{}, false, err
	}
	q := `SELECT e.url, e.status, e.header, e.body, e.stored_at
	      FROM cache_entries e JOIN caches c ON c.name = e.cache
	      WHERE e.url = ? AND (? = '' OR e.cache = ?)
	      ORDER BY c.id LIMIT 1`
	var (
		e      CacheEntry
		hdr    sql.NullString
		stored int64
	)
	err = db.QueryRowContext(ctx, q, url, cache, cache).Scan(&e.URL, &e.Status, &hdr, &e.Body, &stored)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	e.Header = http.Header{}
	if hdr.Valid && hdr.String != "" && hdr.String != "null" {
		if err := json.Unmarshal([]byte(hdr.String), &e.Header); err != nil {
			s.log.Warn("cached header unreadable", logx.String("url", url), logx.Err(err))
		}
	}
	e.StoredAt = time.UnixMilli(stored)
	return e, true, nil
}

func (s *sqliteStore) ListEntries(ctx context.Context, cache string) ([]string, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	return queryStrings(ctx, db, `SELECT url FROM cache_entries WHERE cache = ? ORDER BY url`, cache)
}

func (s *sqliteStore) PutRegistration(ctx context.Context, r Registration) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO registrations(scope, script, version, state, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(scope) DO UPDATE SET script=excluded.script, version=excluded.version,
		 state=excluded.state, updated_at=excluded.updated_at`,
		r.Scope, r.Script, r.Version, r.State, r.UpdatedAt.UnixMilli())
	return err
}

func (s *sqliteStore) GetRegistration(ctx context.Context, scope string) (Registration, bool, error) {
	db, err := s.conn()
	if err != nil {
		return Registration{}, false, err
	}
	var (
		r  Registration
		ms int64
	)
	err = db.QueryRowContext(ctx,
		`SELECT scope, script, version, state, updated_at FROM registrations WHERE scope = ?`, scope).
		Scan(&r.Scope, &r.Script, &r.Version, &r.State, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Registration{}, false, nil
	}
	if err != nil {
		return Registration{}, false, err
	}
	r.UpdatedAt = time.UnixMilli(ms)
	return r, true, nil
}

const subscriptionCols = `scope, id, endpoint, p256dh, auth, private_key, server_key, created_at`

func (s *sqliteStore) PutSubscription(ctx context.Context, sub Subscription) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	_, err = db.ExecContext(ctx,
		`INSERT OR REPLACE INTO subscriptions(`+subscriptionCols+`) VALUES(?,?,?,?,?,?,?,?)`,
		sub.Scope, sub.ID, sub.Endpoint, sub.P256dh, sub.Auth, sub.PrivateKey, sub.ApplicationServerKey,
		sub.CreatedAt.UnixMilli())
	return err
}

func (s *sqliteStore) getSubscription(ctx context.Context, where string, arg string) (Subscription, bool, error) {
	db, err := s.conn()
	if err != nil {
		return Subscription{}, false, err
	}
	var (
		sub Subscription
		ms  int64
	)
	err = db.QueryRowContext(ctx, `SELECT `+subscriptionCols+` FROM subscriptions WHERE `+where+` = ?`, arg).
		Scan(&sub.Scope, &sub.ID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.PrivateKey, &sub.ApplicationServerKey, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, false, nil
	}
	if err != nil {
		return Subscription{}, false, err
	}
	sub.CreatedAt = time.UnixMilli(ms)
	return sub, true, nil
}

func (s *sqliteStore) GetSubscription(ctx context.Context, scope string) (Subscription, bool, error) {
	return s.getSubscription(ctx, "scope", scope)
}

func (s *sqliteStore) GetSubscriptionByID(ctx context.Context, id string) (Subscription, bool, error) {
	return s.getSubscription(ctx, "id", id)
}

func (s *sqliteStore) DeleteSubscription(ctx context.Context, scope string) (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, err
	}
	return execAffected(ctx, db, `DELETE FROM subscriptions WHERE scope = ?`, scope)
}

const notificationCols = `id, scope, tag, title, body, icon, badge, data, require_interaction, created_at`

func (s *sqliteStore) PutNotification(ctx context.Context, n Notification) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO notifications(`+notificationCols+`) VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET scope=excluded.scope, tag=excluded.tag, title=excluded.title,
		 body=excluded.body, icon=excluded.icon, badge=excluded.badge, data=excluded.data,
		 require_interaction=excluded.require_interaction, created_at=excluded.created_at`,
		n.ID, n.Scope, n.Tag, n.Title, n.Body, nullStr(n.Icon), nullStr(n.Badge), n.Data,
		boolInt(n.RequireInteraction), n.CreatedAt.UnixMilli())
	return err
}

func scanNotification(sc interface{ Scan(...any) error }) (Notification, error) {
	var (
		n           Notification
		icon, badge sql.NullString
		require, ms int64
	)
	if err := sc.Scan(&n.ID, &n.Scope, &n.Tag, &n.Title, &n.Body, &icon, &badge, &n.Data, &require, &ms); err != nil {
		return Notification{}, err
	}
	n.Icon, n.Badge = icon.String, badge.String
	n.RequireInteraction = require != 0
	n.CreatedAt = time.UnixMilli(ms)
	return n, nil
}

func (s *sqliteStore) GetNotification(ctx context.Context, id string) (Notification, bool, error) {
	db, err := s.conn()
	if err != nil {
		return Notification{}, false, err
	}
	n, err := scanNotification(db.QueryRowContext(ctx, `SELECT `+notificationCols+` FROM notifications WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, false, nil
	}
	if err != nil {
		return Notification{}, false, err
	}
	return n, true, nil
}

func (s *sqliteStore) ListNotifications(ctx context.Context, scope, tag string) ([]Notification, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+notificationCols+` FROM notifications WHERE scope = ? AND (? = '' OR tag = ?) ORDER BY seq`,
		scope, tag, tag)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteNotification(ctx context.Context, id string) (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, err
	}
	return execAffected(ctx, db, `DELETE FROM notifications WHERE id = ?`, id)
}

func (s *sqliteStore) ExpireNotifications(ctx context.Context, cutoff time.Time) ([]string, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	var ids []string
	err = withTx(ctx, db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM notifications WHERE require_interaction = 0 AND created_at < ? ORDER BY id`,
			cutoff.UnixMilli())
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM notifications WHERE id = ?`, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *sqliteStore) GetPermission(ctx context.Context, origin string) (string, bool, error) {
	db, err := s.conn()
	if err != nil {
		return "", false, err
	}
	var state string
	err = db.QueryRowContext(ctx, `SELECT state FROM permissions WHERE origin = ?`, origin).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return state, true, nil
}

func (s *sqliteStore) PutPermission(ctx context.Context, origin, state string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO permissions(origin, state) VALUES(?,?) ON CONFLICT(origin) DO UPDATE SET state=excluded.state`,
		origin, state)
	return err
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func execAffected(ctx context.Context, db *sql.DB, q string, args ...any) (bool, error) {
	res, err := db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func queryStrings(ctx context.Context, db *sql.DB, q string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
