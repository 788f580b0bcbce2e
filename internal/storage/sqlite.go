package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tendbot/internal/resource"
	logx "tendbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./tendbot.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert assigns the next per-kind id inside the INSERT itself; with a
// single writer connection this is atomic.
func (s *sqliteStore) Insert(ctx context.Context, r resource.Resource) (int64, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO resources(kind, id, owner_id, owner_name, location, created_at, status)
		 VALUES(?, (SELECT COALESCE(MAX(id),0)+1 FROM resources WHERE kind = ?), ?, ?, ?, ?, ?)
		 RETURNING id`,
		r.Kind, r.Kind, r.OwnerID, r.OwnerName, r.Location,
		r.CreatedAt.Format(time.RFC3339Nano), resource.ActiveStatus(r.Kind),
	)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *sqliteStore) Get(ctx context.Context, kind resource.Kind, id int64) (resource.Resource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT kind, id, owner_id, owner_name, location, created_at, status,
		        serviced_by, serviced_at, terminal_by, terminal_at, storage_ref
		 FROM resources WHERE kind = ? AND id = ?`, kind, id)
	r, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return resource.Resource{}, resource.ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) MarkServiced(ctx context.Context, kind resource.Kind, id int64, actor string, at time.Time) (resource.Resource, error) {
	if at.IsZero() {
		at = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE resources SET serviced_by = ?, serviced_at = ?
		 WHERE kind = ? AND id = ? AND status = ? AND serviced_by IS NULL`,
		actor, at.Format(time.RFC3339Nano), kind, id, resource.ActiveStatus(kind),
	)
	if err != nil {
		return resource.Resource{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return resource.Resource{}, s.classify(ctx, kind, id, true)
	}
	return s.Get(ctx, kind, id)
}

func (s *sqliteStore) MarkTerminal(ctx context.Context, kind resource.Kind, id int64, actor, storageRef string, at time.Time) (resource.Resource, error) {
	if at.IsZero() {
		at = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE resources SET status = ?, terminal_by = ?, terminal_at = ?, storage_ref = ?
		 WHERE kind = ? AND id = ? AND status = ?`,
		resource.TerminalStatus(kind), actor, at.Format(time.RFC3339Nano), storageRef,
		kind, id, resource.ActiveStatus(kind),
	)
	if err != nil {
		return resource.Resource{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return resource.Resource{}, s.classify(ctx, kind, id, false)
	}
	return s.Get(ctx, kind, id)
}

// classify turns a zero-rows CAS into the right sentinel. The row may have
// changed between the UPDATE and this read, but every explanation it can
// find is still a true statement about the present.
func (s *sqliteStore) classify(ctx context.Context, kind resource.Kind, id int64, service bool) error {
	r, err := s.Get(ctx, kind, id)
	if err != nil {
		return err
	}
	if r.Terminal() {
		return resource.ErrAlreadyTerminal
	}
	if service && r.Serviced() {
		return resource.ErrAlreadyServiced
	}
	return resource.ErrNotFound
}

func (s *sqliteStore) ListActive(ctx context.Context, kind resource.Kind, limit int) ([]resource.Resource, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, id, owner_id, owner_name, location, created_at, status,
		        serviced_by, serviced_at, terminal_by, terminal_at, storage_ref
		 FROM resources WHERE kind = ? AND status = ?
		 ORDER BY created_at DESC LIMIT ?`,
		kind, resource.ActiveStatus(kind), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []resource.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM resources WHERE terminal_at IS NOT NULL AND terminal_at < ?`,
		cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Recent reconstructs the activity log from lifecycle columns, newest first.
func (s *sqliteStore) Recent(ctx context.Context, limit int) ([]resource.Activity, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, 'placed' AS action, owner_name AS actor, location, created_at AS at FROM resources
		 UNION ALL
		 SELECT kind, 'serviced', serviced_by, location, serviced_at FROM resources WHERE serviced_by IS NOT NULL
		 UNION ALL
		 SELECT kind, 'done', terminal_by, location, terminal_at FROM resources WHERE terminal_by IS NOT NULL
		 ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []resource.Activity
	for rows.Next() {
		var a resource.Activity
		var at string
		if err := rows.Scan(&a.Kind, &a.Action, &a.Actor, &a.Location, &at); err != nil {
			return nil, err
		}
		a.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResource(row rowScanner) (resource.Resource, error) {
	var (
		r          resource.Resource
		createdAt  string
		servicedBy sql.NullString
		servicedAt sql.NullString
		terminalBy sql.NullString
		terminalAt sql.NullString
		storageRef sql.NullString
	)
	err := row.Scan(&r.Kind, &r.ID, &r.OwnerID, &r.OwnerName, &r.Location,
		&createdAt, &r.Status, &servicedBy, &servicedAt, &terminalBy, &terminalAt, &storageRef)
	if err != nil {
		return resource.Resource{}, err
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.ServicedBy = servicedBy.String
	if servicedAt.Valid {
		r.ServicedAt, _ = time.Parse(time.RFC3339Nano, servicedAt.String)
	}
	r.TerminalBy = terminalBy.String
	if terminalAt.Valid {
		r.TerminalAt, _ = time.Parse(time.RFC3339Nano, terminalAt.String)
	}
	r.StorageRef = storageRef.String
	return r, nil
}
