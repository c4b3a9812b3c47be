package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/20centaurifux/zcfux-utils-sub000/internal/domain"
	"github.com/20centaurifux/zcfux-utils-sub000/internal/filter"
	"github.com/20centaurifux/zcfux-utils-sub000/internal/scheduler"
)

// Repository is the durable job store shared by runners and callers.
type Repository interface {
	// EnqueueImmediate creates an active job that is due now.
	EnqueueImmediate(ctx context.Context, typeName string, args []string) (domain.JobRecord, error)
	// Schedule creates an active job due at dueAt.
	Schedule(ctx context.Context, typeName string, dueAt time.Time, args []string) (domain.JobRecord, error)
	// ScheduleCron creates a recurring job whose first due time is the
	// expression's next occurrence. Fails with domain.ErrInvalidExpression.
	ScheduleCron(ctx context.Context, typeName, expr string, args []string) (domain.JobRecord, error)

	// ClaimDue atomically claims up to max due active jobs, oldest NextDue
	// first (NULL first). A claim hides the job from other callers until
	// the outcome is recorded, the claim is released or ttl elapses.
	ClaimDue(ctx context.Context, max int, ttl time.Duration) ([]domain.JobRecord, error)
	// RecordOutcome applies a post-execution transition and drops the claim.
	// Fails with domain.ErrNotFound when the job is gone and
	// domain.ErrTerminal when it already finished.
	RecordOutcome(ctx context.Context, t domain.Transition) error
	// Extend renews the claim on an active job to expire ttl from now.
	// Fails with domain.ErrNotFound when the job is gone and
	// domain.ErrTerminal when it already finished.
	Extend(ctx context.Context, id string, ttl time.Duration) error
	// Release drops a claim without changing the job.
	Release(ctx context.Context, id string) error
	// ReleaseStaleClaims drops expired claims and reports how many there were.
	ReleaseStaleClaims(ctx context.Context) (int, error)

	Get(ctx context.Context, id string) (domain.JobRecord, error)
	Query(ctx context.Context, q filter.Query) iter.Seq2[domain.JobRecord, error]
	Delete(ctx context.Context, where filter.Expr) (int, error)

	Close() error
}

// Open picks a backend from dsn: "memory:" for the in-memory store,
// postgres:// or postgresql:// URLs for Postgres and anything else
// (optionally prefixed with "sqlite:") as a SQLite file path.
func Open(ctx context.Context, dsn string) (Repository, error) {
	switch {
	case dsn == "memory" || strings.HasPrefix(dsn, "memory:"):
		return NewMemoryStore(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(ctx, dsn)
	}
	return OpenSQLite(strings.TrimPrefix(dsn, "sqlite:"))
}

func newJob(typeName string, args []string, dueAt *time.Time, cronExpr string) (domain.JobRecord, error) {
	if strings.TrimSpace(typeName) == "" {
		return domain.JobRecord{}, fmt.Errorf("%w: type name is required", domain.ErrInvalidJob)
	}
	now := time.Now().UTC()
	j := domain.JobRecord{
		ID:             "job_" + uuid.NewString(),
		TypeName:       typeName,
		CreatedAt:      now,
		Args:           cloneArgs(args),
		CronExpression: cronExpr,
		Status:         domain.StatusActive,
	}
	if cronExpr != "" {
		next, err := scheduler.NextRunTime(cronExpr, now)
		if err != nil {
			return domain.JobRecord{}, err
		}
		next = next.UTC()
		j.NextDue = &next
	} else if dueAt != nil {
		due := dueAt.UTC()
		j.NextDue = &due
	}
	return j, nil
}

func cloneArgs(args []string) []string {
	if args == nil {
		return nil
	}
	return append(make([]string, 0, len(args)), args...)
}

func encodeArgs(args []string) (*string, error) {
	if args == nil {
		return nil, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func decodeArgs(s *string) ([]string, error) {
	if s == nil {
		return nil, nil
	}
	args := []string{}
	if err := json.Unmarshal([]byte(*s), &args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	return args, nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrStoreFailure, op, err)
}

func errSeq(err error) iter.Seq2[domain.JobRecord, error] {
	return func(yield func(domain.JobRecord, error) bool) {
		yield(domain.JobRecord{}, err)
	}
}

// claimOrder is the order ClaimDue hands out jobs in.
var claimOrder = []filter.Order{filter.Asc(filter.FieldNextDue)}
