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

	logx "modbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
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
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
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

const entityCols = `kind, id, status, expire_at, reveal_at, finalize_at, subject, meta, created_at, updated_at`

func (s *sqliteStore) ListNonTerminal(ctx context.Context, kind Kind) ([]Entity, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entityCols+` FROM entities
		 WHERE kind = ? AND status NOT IN (?,?,?,?,?)
		 ORDER BY id`,
		string(kind),
		string(StatusExpired), string(StatusLifted), string(StatusResolved),
		string(StatusFinalized), string(StatusCancelled),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetByID(ctx context.Context, kind Kind, id string) (Entity, error) {
	if s == nil || s.db == nil {
		return Entity{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityCols+` FROM entities WHERE kind = ? AND id = ?`,
		string(kind), id,
	)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, ErrNotFound
	}
	return e, err
}

func (s *sqliteStore) Put(ctx context.Context, e Entity) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entities(`+entityCols+`) VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(kind, id) DO UPDATE SET
		   status=excluded.status, expire_at=excluded.expire_at,
		   reveal_at=excluded.reveal_at, finalize_at=excluded.finalize_at,
		   subject=excluded.subject, meta=excluded.meta, updated_at=excluded.updated_at`,
		string(e.Kind), e.ID, string(e.Status),
		nullMilli(e.ExpireAt), nullMilli(e.RevealAt), nullMilli(e.FinalizeAt),
		nullStr(e.Subject), nullStr(e.Meta),
		e.CreatedAt.UnixMilli(), e.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) SetStatus(ctx context.Context, kind Kind, id string, status Status) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET status = ?, updated_at = ? WHERE kind = ? AND id = ?`,
		string(status), time.Now().UnixMilli(), string(kind), id,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) GetTally(ctx context.Context, voteID string) (Tally, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT voter_id, option FROM ballots WHERE vote_id = ? ORDER BY voter_id`,
		voteID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	t := Tally{}
	for rows.Next() {
		var voter, option string
		if err := rows.Scan(&voter, &option); err != nil {
			return nil, err
		}
		t[option] = append(t[option], voter)
	}
	return t, rows.Err()
}

func (s *sqliteStore) SetBallot(ctx context.Context, voteID, voterID, option string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	// Primary key (vote_id, voter_id) makes a re-vote replace the old option
	// in a single atomic statement.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ballots(vote_id, voter_id, option, cast_at) VALUES(?,?,?,?)
		 ON CONFLICT(vote_id, voter_id) DO UPDATE SET option=excluded.option, cast_at=excluded.cast_at`,
		voteID, voterID, option, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup_keys(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup_keys WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(r rowScanner) (Entity, error) {
	var (
		e                        Entity
		kind, status             string
		expire, reveal, finalize sql.NullInt64
		subject, meta            sql.NullString
		createdAtMs, updatedAtMs int64
	)
	err := r.Scan(&kind, &e.ID, &status, &expire, &reveal, &finalize, &subject, &meta, &createdAtMs, &updatedAtMs)
	if err != nil {
		return Entity{}, err
	}
	e.Kind = Kind(kind)
	e.Status = Status(status)
	e.ExpireAt = milliTime(expire)
	e.RevealAt = milliTime(reveal)
	e.FinalizeAt = milliTime(finalize)
	e.Subject = subject.String
	e.Meta = meta.String
	e.CreatedAt = time.UnixMilli(createdAtMs)
	e.UpdatedAt = time.UnixMilli(updatedAtMs)
	return e, nil
}

func milliTime(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

func nullMilli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
