package plugin

import (
	"context"
	"embed"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"

	"github.com/sysshare/confcore/internal/errtax"
	"github.com/sysshare/confcore/internal/tree"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres is the pgx-backed Datastore, used for the "cluster" profile's
// startup/running datastores where multiple confcored processes need a
// durable, shared view: pgxpool plus goose migrations embedded via
// go:embed, one table per concern.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens pool and runs embedded migrations before returning.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errtax.New(errtax.System, "", "open postgres pool: %v", err)
	}
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, errtax.New(errtax.InitFailed, "", "set goose dialect: %v", err)
	}
	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return nil, errtax.New(errtax.InitFailed, "", "open migration connection: %v", err)
	}
	defer db.Close()
	if err := goose.Up(db, "migrations"); err != nil {
		return nil, errtax.New(errtax.InitFailed, "", "run migrations: %v", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Init(ctx context.Context, module string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO confcore_modules (module, tree_json)
		VALUES ($1, '{}'::jsonb)
		ON CONFLICT (module) DO NOTHING`, module)
	if err != nil {
		return errtax.New(errtax.System, module, "init module row: %v", err)
	}
	return nil
}

func (p *Postgres) Destroy(ctx context.Context, module string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM confcore_modules WHERE module = $1`, module); err != nil {
		return errtax.New(errtax.System, module, "destroy module row: %v", err)
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM confcore_notifications WHERE module = $1`, module); err != nil {
		return errtax.New(errtax.System, module, "destroy module notifications: %v", err)
	}
	return nil
}

func (p *Postgres) Store(ctx context.Context, module string, t *tree.T) error {
	buf, err := json.Marshal(t.Root)
	if err != nil {
		return errtax.New(errtax.Internal, module, "encode tree: %v", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO confcore_modules (module, tree_json, modified, updated_at)
		VALUES ($1, $2, TRUE, now())
		ON CONFLICT (module) DO UPDATE SET tree_json = $2, modified = TRUE, updated_at = now()`,
		module, buf)
	if err != nil {
		return errtax.New(errtax.System, module, "store tree: %v", err)
	}
	return nil
}

func (p *Postgres) Load(ctx context.Context, module string) (*tree.T, error) {
	var buf []byte
	err := p.pool.QueryRow(ctx, `SELECT tree_json FROM confcore_modules WHERE module = $1`, module).Scan(&buf)
	if err != nil {
		return nil, errtax.New(errtax.UnknownModule, module, "load tree: %v", err)
	}
	var root tree.Node
	if err := json.Unmarshal(buf, &root); err != nil {
		return nil, errtax.New(errtax.Internal, module, "decode tree: %v", err)
	}
	return &tree.T{Root: &root}, nil
}

func (p *Postgres) Copy(ctx context.Context, srcModule, dstModule string) error {
	t, err := p.Load(ctx, srcModule)
	if err != nil {
		return err
	}
	return p.Store(ctx, dstModule, t)
}

func (p *Postgres) AccessCheck(_ context.Context, _, _ string, _ AccessMode) (bool, error) {
	return true, nil
}

func (p *Postgres) CandidateReset(ctx context.Context, module string) error {
	empty, _ := tree.Parse(nil)
	return p.Store(ctx, module, empty)
}

func (p *Postgres) RunningModified(ctx context.Context, module string) (bool, error) {
	var modified bool
	err := p.pool.QueryRow(ctx, `SELECT modified FROM confcore_modules WHERE module = $1`, module).Scan(&modified)
	if err != nil {
		return false, errtax.New(errtax.UnknownModule, module, "query modified flag: %v", err)
	}
	return modified, nil
}

func (p *Postgres) NotifAppend(ctx context.Context, module string, ts int64, payload []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO confcore_notifications (module, ts, payload) VALUES ($1, $2, $3)`,
		module, ts, payload)
	if err != nil {
		return errtax.New(errtax.System, module, "append notification: %v", err)
	}
	return nil
}

func (p *Postgres) NotifReplayIter(ctx context.Context, module string, t0, t1 int64) (ReplayIter, error) {
	var query string
	var args []any
	if t1 == 0 {
		query = `SELECT ts, payload FROM confcore_notifications WHERE module = $1 AND ts >= $2 ORDER BY ts`
		args = []any{module, t0}
	} else {
		query = `SELECT ts, payload FROM confcore_notifications WHERE module = $1 AND ts >= $2 AND ts <= $3 ORDER BY ts`
		args = []any{module, t0, t1}
	}
	r, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errtax.New(errtax.System, module, "query replay range: %v", err)
	}
	return &pgReplayIter{rows: r}, nil
}

type pgReplayIter struct {
	rows interface {
		Next() bool
		Scan(...any) error
		Close()
		Err() error
	}
}

func (it *pgReplayIter) Next(_ context.Context) (int64, []byte, bool, error) {
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

func (it *pgReplayIter) Close() error {
	it.rows.Close()
	return nil
}

var _ Datastore = (*Postgres)(nil)
