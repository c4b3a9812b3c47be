package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/20centaurifux/zcfux-utils-sub000/internal/domain"
	"github.com/20centaurifux/zcfux-utils-sub000/internal/filter"
)

// EnsureSchema creates tables if they don't exist.
// Timestamps are stored as Unix nanoseconds.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  type_name TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  args TEXT,
  cron_expression TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK(status IN ('active','done','aborted')) DEFAULT 'active',
  errors INTEGER NOT NULL DEFAULT 0,
  next_due INTEGER,
  last_done INTEGER,
  claimed_until INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(status, next_due);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
`
	_, err := db.Exec(schema)
	return err
}

const sqliteColumns = `id,type_name,created_at,args,cron_expression,status,errors,next_due,last_done`

type SQLiteStore struct{ db *sql.DB }

var _ Repository = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the job database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storeErr("open db", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := EnsureSchema(db); err != nil {
		return nil, storeErr("ensure schema", errors.Join(err, db.Close()))
	}
	return &SQLiteStore{db: db}, nil
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore { return &SQLiteStore{db: db} }

// DB returns the underlying database connection.
func (r *SQLiteStore) DB() *sql.DB { return r.db }

func (r *SQLiteStore) Close() error { return r.db.Close() }

func (r *SQLiteStore) EnqueueImmediate(ctx context.Context, typeName string, args []string) (domain.JobRecord, error) {
	j, err := newJob(typeName, args, nil, "")
	if err != nil {
		return domain.JobRecord{}, err
	}
	return j, r.insert(ctx, j)
}

func (r *SQLiteStore) Schedule(ctx context.Context, typeName string, dueAt time.Time, args []string) (domain.JobRecord, error) {
	j, err := newJob(typeName, args, &dueAt, "")
	if err != nil {
		return domain.JobRecord{}, err
	}
	return j, r.insert(ctx, j)
}

func (r *SQLiteStore) ScheduleCron(ctx context.Context, typeName, expr string, args []string) (domain.JobRecord, error) {
	if expr == "" {
		return domain.JobRecord{}, fmt.Errorf("%w: empty expression", domain.ErrInvalidExpression)
	}
	j, err := newJob(typeName, args, nil, expr)
	if err != nil {
		return domain.JobRecord{}, err
	}
	return j, r.insert(ctx, j)
}

func (r *SQLiteStore) insert(ctx context.Context, j domain.JobRecord) error {
	args, err := encodeArgs(j.Args)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO jobs (id,type_name,created_at,args,cron_expression,status,errors,next_due,last_done)
VALUES (?,?,?,?,?,?,0,?,NULL)
`, j.ID, j.TypeName, j.CreatedAt.UnixNano(), args, j.CronExpression, string(j.Status), nanos(j.NextDue))
	if err != nil {
		return storeErr("insert job", err)
	}
	return nil
}

func (r *SQLiteStore) ClaimDue(ctx context.Context, max int, ttl time.Duration) ([]domain.JobRecord, error) {
	if max <= 0 {
		return nil, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin claim", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	rows, err := tx.QueryContext(ctx, `
SELECT `+sqliteColumns+`
FROM jobs
WHERE status='active'
  AND (next_due IS NULL OR next_due <= ?)
  AND (claimed_until IS NULL OR claimed_until <= ?)
ORDER BY next_due IS NOT NULL, next_due ASC, created_at ASC, id ASC
LIMIT ?
`, now.UnixNano(), now.UnixNano(), max)
	if err != nil {
		return nil, storeErr("select due jobs", err)
	}
	var jobs []domain.JobRecord
	for rows.Next() {
		var j domain.JobRecord
		if j, err = scanSQLite(rows); err != nil {
			rows.Close()
			return nil, storeErr("scan job", err)
		}
		jobs = append(jobs, j)
	}
	if err = errors.Join(rows.Err(), rows.Close()); err != nil {
		return nil, storeErr("select due jobs", err)
	}
	if len(jobs) == 0 {
		return nil, tx.Rollback()
	}

	ids := make([]any, 0, len(jobs)+1)
	ids = append(ids, now.Add(ttl).UnixNano())
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET claimed_until=? WHERE id IN (`+placeholders(len(jobs))+`)`, ids...)
	if err != nil {
		return nil, storeErr("mark claimed", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, storeErr("commit claim", err)
	}
	return jobs, nil
}

func (r *SQLiteStore) RecordOutcome(ctx context.Context, t domain.Transition) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET status=?, errors=?, next_due=?, last_done=COALESCE(?, last_done), claimed_until=NULL
WHERE id=? AND status='active'
`, string(t.Status), t.Errors, nanos(t.NextDue), nanos(t.LastDone), t.ID)
	if err != nil {
		return storeErr("record outcome", err)
	}
	return r.checkAffected(ctx, res, t.ID)
}

func (r *SQLiteStore) checkAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n > 0 {
		return nil
	}
	j, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", domain.ErrTerminal, id, j.Status)
}

func (r *SQLiteStore) Extend(ctx context.Context, id string, ttl time.Duration) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET claimed_until=? WHERE id=? AND status='active'`,
		time.Now().UTC().Add(ttl).UnixNano(), id)
	if err != nil {
		return storeErr("extend claim", err)
	}
	return r.checkAffected(ctx, res, id)
}

func (r *SQLiteStore) Release(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE jobs SET claimed_until=NULL WHERE id=?`, id)
	if err != nil {
		return storeErr("release claim", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return nil
}

func (r *SQLiteStore) ReleaseStaleClaims(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET claimed_until=NULL WHERE claimed_until IS NOT NULL AND claimed_until <= ?`,
		time.Now().UTC().UnixNano())
	if err != nil {
		return 0, storeErr("release stale claims", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *SQLiteStore) Get(ctx context.Context, id string) (domain.JobRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM jobs WHERE id=?`, id)
	j, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.JobRecord{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.JobRecord{}, storeErr("get job", err)
	}
	return j, nil
}

// Query streams matching rows; the statement stays open until iteration
// ends. The store has a single connection, so the loop body must not call
// back into the store.
func (r *SQLiteStore) Query(ctx context.Context, q filter.Query) iter.Seq2[domain.JobRecord, error] {
	where, args, err := filter.ToSQL(q.Where, encodeSQLite)
	if err != nil {
		return errSeq(err)
	}
	order, err := filter.OrderSQL(q.OrderBy)
	if err != nil {
		return errSeq(err)
	}
	stmt := `SELECT ` + sqliteColumns + ` FROM jobs WHERE ` + where + ` ORDER BY ` + order
	if q.Limit > 0 || q.Skip > 0 {
		limit := -1
		if q.Limit > 0 {
			limit = q.Limit
		}
		stmt += ` LIMIT ? OFFSET ?`
		args = append(args, limit, q.Skip)
	}

	return func(yield func(domain.JobRecord, error) bool) {
		rows, err := r.db.QueryContext(ctx, stmt, args...)
		if err != nil {
			yield(domain.JobRecord{}, storeErr("query jobs", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			j, err := scanSQLite(rows)
			if err != nil {
				yield(domain.JobRecord{}, storeErr("scan job", err))
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

func (r *SQLiteStore) Delete(ctx context.Context, where filter.Expr) (int, error) {
	clause, args, err := filter.ToSQL(where, encodeSQLite)
	if err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE `+clause, args...)
	if err != nil {
		return 0, storeErr("delete jobs", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLite(s scanner) (domain.JobRecord, error) {
	var (
		j                 domain.JobRecord
		created           int64
		args              sql.NullString
		status            string
		nextDue, lastDone sql.NullInt64
	)
	if err := s.Scan(&j.ID, &j.TypeName, &created, &args, &j.CronExpression, &status, &j.Errors, &nextDue, &lastDone); err != nil {
		return domain.JobRecord{}, err
	}
	j.CreatedAt = time.Unix(0, created).UTC()
	j.Status = domain.Status(status)
	if args.Valid {
		decoded, err := decodeArgs(&args.String)
		if err != nil {
			return domain.JobRecord{}, err
		}
		j.Args = decoded
	}
	j.NextDue = fromNanos(nextDue)
	j.LastDone = fromNanos(lastDone)
	return j, nil
}

func encodeSQLite(_ filter.Field, v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UnixNano()
	}
	return v
}

func nanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
