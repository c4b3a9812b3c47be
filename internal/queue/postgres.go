package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/20centaurifux/zcfux-utils-sub000/internal/domain"
	"github.com/20centaurifux/zcfux-utils-sub000/internal/filter"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  type_name TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  args JSONB,
  cron_expression TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active','done','aborted')),
  errors INTEGER NOT NULL DEFAULT 0,
  next_due TIMESTAMPTZ,
  last_done TIMESTAMPTZ,
  claimed_until TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(status, next_due);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
`

const postgresColumns = `id, type_name, created_at, args, cron_expression, status, errors, next_due, last_done`

type jobRow struct {
	ID             string         `db:"id"`
	TypeName       string         `db:"type_name"`
	CreatedAt      time.Time      `db:"created_at"`
	Args           sql.NullString `db:"args"`
	CronExpression string         `db:"cron_expression"`
	Status         string         `db:"status"`
	Errors         int            `db:"errors"`
	NextDue        sql.NullTime   `db:"next_due"`
	LastDone       sql.NullTime   `db:"last_done"`
}

func (r jobRow) record() (domain.JobRecord, error) {
	j := domain.JobRecord{
		ID:             r.ID,
		TypeName:       r.TypeName,
		CreatedAt:      r.CreatedAt.UTC(),
		CronExpression: r.CronExpression,
		Status:         domain.Status(r.Status),
		Errors:         r.Errors,
		NextDue:        fromNullTime(r.NextDue),
		LastDone:       fromNullTime(r.LastDone),
	}
	if r.Args.Valid {
		args, err := decodeArgs(&r.Args.String)
		if err != nil {
			return domain.JobRecord{}, err
		}
		j.Args = args
	}
	return j, nil
}

// PostgresStore claims jobs with FOR UPDATE SKIP LOCKED, so any number of
// runners in any number of processes can share one database.
type PostgresStore struct {
	db *sqlx.DB
}

var _ Repository = (*PostgresStore)(nil)

func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, storeErr("connect", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		return nil, storeErr("ensure schema", errors.Join(err, db.Close()))
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) EnqueueImmediate(ctx context.Context, typeName string, args []string) (domain.JobRecord, error) {
	j, err := newJob(typeName, args, nil, "")
	if err != nil {
		return domain.JobRecord{}, err
	}
	return j, p.insert(ctx, j)
}

func (p *PostgresStore) Schedule(ctx context.Context, typeName string, dueAt time.Time, args []string) (domain.JobRecord, error) {
	j, err := newJob(typeName, args, &dueAt, "")
	if err != nil {
		return domain.JobRecord{}, err
	}
	return j, p.insert(ctx, j)
}

func (p *PostgresStore) ScheduleCron(ctx context.Context, typeName, expr string, args []string) (domain.JobRecord, error) {
	if expr == "" {
		return domain.JobRecord{}, fmt.Errorf("%w: empty expression", domain.ErrInvalidExpression)
	}
	j, err := newJob(typeName, args, nil, expr)
	if err != nil {
		return domain.JobRecord{}, err
	}
	return j, p.insert(ctx, j)
}

func (p *PostgresStore) insert(ctx context.Context, j domain.JobRecord) error {
	args, err := encodeArgs(j.Args)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
INSERT INTO jobs (id, type_name, created_at, args, cron_expression, status, errors, next_due)
VALUES ($1, $2, $3, $4, $5, $6, 0, $7)`,
		j.ID, j.TypeName, j.CreatedAt, args, j.CronExpression, string(j.Status), j.NextDue)
	if err != nil {
		return storeErr("insert job", err)
	}
	return nil
}

func (p *PostgresStore) ClaimDue(ctx context.Context, max int, ttl time.Duration) ([]domain.JobRecord, error) {
	if max <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	var rows []jobRow
	err := p.db.SelectContext(ctx, &rows, `
UPDATE jobs SET claimed_until = $1
WHERE id IN (
  SELECT id FROM jobs
  WHERE status = 'active'
    AND (next_due IS NULL OR next_due <= $2)
    AND (claimed_until IS NULL OR claimed_until <= $2)
  ORDER BY next_due IS NOT NULL, next_due ASC, created_at ASC, id ASC
  LIMIT $3
  FOR UPDATE SKIP LOCKED
)
RETURNING `+postgresColumns, now.Add(ttl), now, max)
	if err != nil {
		return nil, storeErr("claim due jobs", err)
	}

	jobs := make([]domain.JobRecord, 0, len(rows))
	for _, row := range rows {
		j, err := row.record()
		if err != nil {
			return nil, storeErr("decode job", err)
		}
		jobs = append(jobs, j)
	}
	// RETURNING does not keep the sub-select's order.
	filter.Sort(jobs, claimOrder)
	return jobs, nil
}

func (p *PostgresStore) RecordOutcome(ctx context.Context, t domain.Transition) error {
	res, err := p.db.ExecContext(ctx, `
UPDATE jobs
SET status = $1, errors = $2, next_due = $3, last_done = COALESCE($4, last_done), claimed_until = NULL
WHERE id = $5 AND status = 'active'`,
		string(t.Status), t.Errors, t.NextDue, t.LastDone, t.ID)
	if err != nil {
		return storeErr("record outcome", err)
	}
	return p.checkAffected(ctx, res, t.ID)
}

func (p *PostgresStore) Extend(ctx context.Context, id string, ttl time.Duration) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE jobs SET claimed_until = $1 WHERE id = $2 AND status = 'active'`,
		time.Now().UTC().Add(ttl), id)
	if err != nil {
		return storeErr("extend claim", err)
	}
	return p.checkAffected(ctx, res, id)
}

func (p *PostgresStore) checkAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n > 0 {
		return nil
	}
	j, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", domain.ErrTerminal, id, j.Status)
}

func (p *PostgresStore) Release(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE jobs SET claimed_until = NULL WHERE id = $1`, id)
	if err != nil {
		return storeErr("release claim", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return nil
}

func (p *PostgresStore) ReleaseStaleClaims(ctx context.Context) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE jobs SET claimed_until = NULL WHERE claimed_until IS NOT NULL AND claimed_until <= $1`,
		time.Now().UTC())
	if err != nil {
		return 0, storeErr("release stale claims", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (domain.JobRecord, error) {
	var row jobRow
	err := p.db.GetContext(ctx, &row, `SELECT `+postgresColumns+` FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.JobRecord{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.JobRecord{}, storeErr("get job", err)
	}
	j, err := row.record()
	if err != nil {
		return domain.JobRecord{}, storeErr("decode job", err)
	}
	return j, nil
}

func (p *PostgresStore) Query(ctx context.Context, q filter.Query) iter.Seq2[domain.JobRecord, error] {
	where, args, err := filter.ToSQL(q.Where, nil)
	if err != nil {
		return errSeq(err)
	}
	order, err := filter.OrderSQL(q.OrderBy)
	if err != nil {
		return errSeq(err)
	}
	stmt := `SELECT ` + postgresColumns + ` FROM jobs WHERE ` + where + ` ORDER BY ` + order
	if q.Limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	if q.Skip > 0 {
		stmt += ` OFFSET ?`
		args = append(args, q.Skip)
	}
	stmt = p.db.Rebind(stmt)

	return func(yield func(domain.JobRecord, error) bool) {
		rows, err := p.db.QueryxContext(ctx, stmt, args...)
		if err != nil {
			yield(domain.JobRecord{}, storeErr("query jobs", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			var row jobRow
			if err := rows.StructScan(&row); err != nil {
				yield(domain.JobRecord{}, storeErr("scan job", err))
				return
			}
			j, err := row.record()
			if err != nil {
				yield(domain.JobRecord{}, storeErr("decode job", err))
				return
			}
			if !yield(j, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.JobRecord{}, storeErr("query jobs", err))
		}
	}
}

func (p *PostgresStore) Delete(ctx context.Context, where filter.Expr) (int, error) {
	clause, args, err := filter.ToSQL(where, nil)
	if err != nil {
		return 0, err
	}
	res, err := p.db.ExecContext(ctx, p.db.Rebind(`DELETE FROM jobs WHERE `+clause), args...)
	if err != nil {
		return 0, storeErr("delete jobs", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
