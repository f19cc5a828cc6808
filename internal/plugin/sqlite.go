package plugin

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "modernc.org/sqlite"

	"github.com/pressly/goose/v3"

	"github.com/sysshare/confcore/internal/errtax"
	"github.com/sysshare/confcore/internal/tree"
)

// SQLite is the embedded Datastore backing used for the "single" profile
// when durability across process restarts is wanted without a Postgres
// dependency. It reuses the same goose migration set as Postgres via
// dialect switching.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	// database/sql driver name ("sqlite", registered by modernc.org/sqlite)
	// is independent of goose's migration dialect name ("sqlite3") — the
	// two namespaces aren't related despite the similar spelling.
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errtax.New(errtax.System, "", "open sqlite db: %v", err)
	}
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, errtax.New(errtax.InitFailed, "", "set goose dialect: %v", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return nil, errtax.New(errtax.InitFailed, "", "run migrations: %v", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Init(ctx context.Context, module string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO confcore_modules (module, tree_json) VALUES (?, '{}')
		ON CONFLICT(module) DO NOTHING`, module)
	if err != nil {
		return errtax.New(errtax.System, module, "init module row: %v", err)
	}
	return nil
}

func (s *SQLite) Destroy(ctx context.Context, module string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM confcore_modules WHERE module = ?`, module); err != nil {
		return errtax.New(errtax.System, module, "destroy module row: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM confcore_notifications WHERE module = ?`, module); err != nil {
		return errtax.New(errtax.System, module, "destroy module notifications: %v", err)
	}
	return nil
}

func (s *SQLite) Store(ctx context.Context, module string, t *tree.T) error {
	buf, err := json.Marshal(t.Root)
	if err != nil {
		return errtax.New(errtax.Internal, module, "encode tree: %v", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO confcore_modules (module, tree_json, modified, updated_at)
		VALUES (?, ?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT(module) DO UPDATE SET tree_json = excluded.tree_json, modified = 1, updated_at = CURRENT_TIMESTAMP`,
		module, buf)
	if err != nil {
		return errtax.New(errtax.System, module, "store tree: %v", err)
	}
	return nil
}

func (s *SQLite) Load(ctx context.Context, module string) (*tree.T, error) {
	var buf []byte
	err := s.db.QueryRowContext(ctx, `SELECT tree_json FROM confcore_modules WHERE module = ?`, module).Scan(&buf)
	if err != nil {
		return nil, errtax.New(errtax.UnknownModule, module, "load tree: %v", err)
	}
	var root tree.Node
	if err := json.Unmarshal(buf, &root); err != nil {
		return nil, errtax.New(errtax.Internal, module, "decode tree: %v", err)
	}
	return &tree.T{Root: &root}, nil
}

func (s *SQLite) Copy(ctx context.Context, srcModule, dstModule string) error {
	t, err := s.Load(ctx, srcModule)
	if err != nil {
		return err
	}
	return s.Store(ctx, dstModule, t)
}

func (s *SQLite) AccessCheck(_ context.Context, _, _ string, _ AccessMode) (bool, error) {
	return true, nil
}

func (s *SQLite) CandidateReset(ctx context.Context, module string) error {
	empty, _ := tree.Parse(nil)
	return s.Store(ctx, module, empty)
}

func (s *SQLite) RunningModified(ctx context.Context, module string) (bool, error) {
	var modified bool
	err := s.db.QueryRowContext(ctx, `SELECT modified FROM confcore_modules WHERE module = ?`, module).Scan(&modified)
	if err != nil {
		return false, errtax.New(errtax.UnknownModule, module, "query modified flag: %v", err)
	}
	return modified, nil
}

func (s *SQLite) NotifAppend(ctx context.Context, module string, ts int64, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO confcore_notifications (module, ts, payload) VALUES (?, ?, ?)`,
		module, ts, payload)
	if err != nil {
		return errtax.New(errtax.System, module, "append notification: %v", err)
	}
	return nil
}

func (s *SQLite) NotifReplayIter(ctx context.Context, module string, t0, t1 int64) (ReplayIter, error) {
	var rows *sql.Rows
	var err error
	if t1 == 0 {
		rows, err = s.db.QueryContext(ctx, `SELECT ts, payload FROM confcore_notifications WHERE module = ? AND ts >= ? ORDER BY ts`, module, t0)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT ts, payload FROM confcore_notifications WHERE module = ? AND ts >= ? AND ts <= ? ORDER BY ts`, module, t0, t1)
	}
	if err != nil {
		return nil, errtax.New(errtax.System, module, "query replay range: %v", err)
	}
	return &sqlReplayIter{rows: rows}, nil
}

type sqlReplayIter struct {
	rows *sql.Rows
}

func (it *sqlReplayIter) Next(_ context.Context) (int64, []byte, bool, error) {
	if !it.rows.Next() {
		return 0, nil, false, it.rows.Err()
	}
	var ts int64
	var payload []byte
	if err := it.rows.Scan(&ts, &payload); err != nil {
		return 0, nil, false, err
	}
	return ts, payload, true, nil
}

func (it *sqlReplayIter) Close() error { return it.rows.Close() }

var _ Datastore = (*SQLite)(nil)
