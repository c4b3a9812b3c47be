package queue

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/20centaurifux/zcfux-utils-sub000/internal/domain"
	"github.com/20centaurifux/zcfux-utils-sub000/internal/filter"
)

// testStores runs fn against every backend available in this environment.
// Postgres runs only when JOBFLOW_TEST_POSTGRES_DSN is set.
func testStores(t *testing.T, fn func(t *testing.T, repo Repository)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		repo, err := OpenSQLite(filepath.Join(t.TempDir(), "jobs.db"))
		require.NoError(t, err)
		t.Cleanup(func() { repo.Close() })
		fn(t, repo)
	})
	t.Run("postgres", func(t *testing.T) {
		dsn := os.Getenv("JOBFLOW_TEST_POSTGRES_DSN")
		if dsn == "" {
			t.Skip("JOBFLOW_TEST_POSTGRES_DSN not set")
		}
		repo, err := OpenPostgres(context.Background(), dsn)
		require.NoError(t, err)
		_, err = repo.Delete(context.Background(), nil)
		require.NoError(t, err)
		t.Cleanup(func() { repo.Close() })
		fn(t, repo)
	})
}

func collect(t *testing.T, repo Repository, q filter.Query) []domain.JobRecord {
	t.Helper()
	var jobs []domain.JobRecord
	for j, err := range repo.Query(context.Background(), q) {
		require.NoError(t, err)
		jobs = append(jobs, j)
	}
	return jobs
}

func jobIDs(jobs []domain.JobRecord) []string {
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	return ids
}

func TestEnqueueAndGet(t *testing.T) {
	testStores(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()

		j, err := repo.EnqueueImmediate(ctx, "shell", []string{"echo", "hi"})
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(j.ID, "job_"))
		assert.Equal(t, domain.StatusActive, j.Status)
		assert.Nil(t, j.NextDue)
		assert.Nil(t, j.LastDone)
		assert.Zero(t, j.Errors)
		assert.False(t, j.Recurring())

		got, err := repo.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, j.ID, got.ID)
		assert.Equal(t, "shell", got.TypeName)
		assert.Equal(t, []string{"echo", "hi"}, got.Args)
		assert.WithinDuration(t, j.CreatedAt, got.CreatedAt, time.Millisecond)
		assert.Nil(t, got.NextDue)

		_, err = repo.Get(ctx, "job_missing")
		require.ErrorIs(t, err, domain.ErrNotFound)

		_, err = repo.EnqueueImmediate(ctx, " ", nil)
		require.ErrorIs(t, err, domain.ErrInvalidJob)
	})
}

func TestArgsNilAndEmptyStayApart(t *testing.T) {
	testStores(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()

		none, err := repo.EnqueueImmediate(ctx, "t", nil)
		require.NoError(t, err)
		empty, err := repo.EnqueueImmediate(ctx, "t", []string{})
		require.NoError(t, err)

		got, err := repo.Get(ctx, none.ID)
		require.NoError(t, err)
		assert.Nil(t, got.Args)

		got, err = repo.Get(ctx, empty.ID)
		require.NoError(t, err)
		assert.NotNil(t, got.Args)
		assert.Empty(t, got.Args)
	})
}

func TestStoredArgsAreCopied(t *testing.T) {
	testStores(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		args := []string{"a", "b"}
		j, err := repo.EnqueueImmediate(ctx, "t", args)
		require.NoError(t, err)
		args[0] = "changed"

		got, err := repo.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, got.Args)
	})
}

func TestScheduleCron(t *testing.T) {
	testStores(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()

		before := time.Now()
		j, err := repo.ScheduleCron(ctx, "tick", "* * * * * *", nil)
		require.NoError(t, err)
		require.NotNil(t, j.NextDue)
		assert.True(t, j.NextDue.After(before.Add(-time.Second)))
		assert.True(t, j.NextDue.Before(before.Add(2*time.Second)))
		assert.True(t, j.Recurring())

		got, err := repo.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, "* * * * * *", got.CronExpression)

		for _, expr := range []string{"", "* * * * *", "0 0 0 30 2 *"} {
			_, err = repo.ScheduleCron(ctx, "tick", expr, nil)
			require.ErrorIs(t, err, domain.ErrInvalidExpression, expr)
		}
	})
}

func TestClaimDueOrderAndVisibility(t *testing.T) {
	testStores(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		now := time.Now()

		later, err := repo.Schedule(ctx, "t", now.Add(-time.Second), nil)
		require.NoError(t, err)
		earlier, err := repo.Schedule(ctx, "t", now.Add(-2*time.Second), nil)
		require.NoError(t, err)
		immediate, err := repo.EnqueueImmediate(ctx, "t", nil)
		require.NoError(t, err)
		future, err := repo.Schedule(ctx, "t", now.Add(time.Hour), nil)
		require.NoError(t, err)

		claimed, err := repo.ClaimDue(ctx, 10, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, []string{immediate.ID, earlier.ID, later.ID}, jobIDs(claimed))
		assert.NotContains(t, jobIDs(claimed), future.ID)

		again, err := repo.ClaimDue(ctx, 10, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, again, "claimed jobs stay hidden")

		none, err := repo.ClaimDue(ctx, 0, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestClaimDueRespectsMax(t *testing.T) {
	testStores(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			_, err := repo.EnqueueImmediate(ctx, "t", nil)
			require.NoError(t, err)
		}
		first, err := repo.ClaimDue(ctx, 2, time.Minute)
		require.NoError(t, err)
		assert.Len(t, first, 2)

		rest, err := repo.ClaimDue(ctx, 10, time.Minute)
		require.NoError(t, err)
		assert.Len(t, rest, 3)
	})
}

func TestClaimDueIsExclusive(t *testing.T) {
	testStores(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		const n = 30
		for i := 0; i < n; i++ {
			_, err := repo.EnqueueImmediate(ctx, "t", nil)
			require.NoError(t, err)
		}

		var (
			mu   sync.Mutex
			seen = map[string]int{}
			wg   sync.WaitGroup
		)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					jobs, err := repo.ClaimDue(ctx, 3, time.Minute)
					if !assert.NoError(t, err) || len(jobs) == 0 {
						return
					}
					mu.Lock()
					for _, j := range jobs {
						seen[j.ID]++
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, n)
		for id, count := range seen {
			assert.Equal(t, 1, count, id)
		}
	})
}

func TestRecordOutcome(t *testing.T) {
	testStores(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		j, err := repo.EnqueueImmediate(ctx, "t", nil)
		require.NoError(t, err)

		claimed, err := repo.ClaimDue(ctx, 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		// A failed attempt: retry in an hour.
		retryAt := time.Now().Add(time.Hour).UTC()
		require.NoError(t, repo.RecordOutcome(ctx, domain.Transition{
			ID: j.ID, Status: domain.StatusActive, Errors: 1, NextDue: &retryAt,
		}))
		got, err := repo.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Errors)
		require.NotNil(t, got.NextDue)
		assert.WithinDuration(t, retryAt, *got.NextDue, time.Millisecond)
		assert.Nil(t, got.LastDone)

		// Claim dropped, but not due yet.
		claimed, err = repo.ClaimDue(ctx, 1, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, claimed)

		done := time.Now().UTC()
		require.NoError(t, repo.RecordOutcome(ctx, domain.Transition{
			ID: j.ID, Status: domain.StatusDone, LastDone: &done,
		}))
		got, err = repo.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusDone, got.Status)
		assert.Zero(t, got.Errors)
		require.NotNil(t, got.LastDone)
		assert.WithinDuration(t, done, *got.LastDone, time.Millisecond)

		err = repo.RecordOutcome(ctx, domain.Transition{ID: j.ID, Status: domain.StatusActive})
		require.ErrorIs(t, err, domain.ErrTerminal)

		err = repo.RecordOutcome(ctx, domain.Transition{ID: "job_missing", Status: domain.StatusDone})
		require.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestTerminalJobsAreNeverClaimed(t *testing.T) {
	testStores(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		done, err := repo.EnqueueImmediate(ctx, "t", nil)
		require.NoError(t, err)
		aborted, err := repo.EnqueueImmediate(ctx, "t", nil)
		require.NoError(t, err)

		claimed, err := repo.ClaimDue(ctx, 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 2)

		now := time.Now().UTC()
		require.NoError(t, repo.RecordOutcome(ctx, domain.Transition{ID: done.ID, Status: domain.StatusDone, LastDone: &now}))
		require.NoError(t, repo.RecordOutcome(ctx, domain.Transition{ID: aborted.ID, Status: domain.StatusAborted, Errors: 3}))

		_, err = repo.ReleaseStaleClaims(ctx)
		require.NoError(t, err)
		claimed, err = repo.ClaimDue(ctx, 10, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})
}

func TestReleaseClaims(t *testing.T) {
	testStores(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		j, err := repo.EnqueueImmediate(ctx, "t", nil)
		require.NoError(t, err)

		claimed, err := repo.ClaimDue(ctx, 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		require.NoError(t, repo.Release(ctx, j.ID))
		claimed, err = repo.ClaimDue(ctx, 1, 20*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		require.ErrorIs(t, repo.Release(ctx, "job_missing"), domain.ErrNotFound)

		// Expired claims make the job claimable and are counted once.
		time.Sleep(50 * time.Millisecond)
		n, err := repo.ReleaseStaleClaims(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = repo.ReleaseStaleClaims(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		claimed, err = repo.ClaimDue(ctx, 1, time.Minute)
		require.NoError(t, err)
		assert.Len(t, claimed, 1)
	})
}

func TestExtendClaim(t *testing.T) {
	testStores(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		j, err := repo.EnqueueImmediate(ctx, "t", nil)
		require.NoError(t, err)

		claimed, err := repo.ClaimDue(ctx, 1, 50*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		require.NoError(t, repo.Extend(ctx, j.ID, time.Minute))
		time.Sleep(80 * time.Millisecond)
		claimed, err = repo.ClaimDue(ctx, 1, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, claimed, "extended claim outlives the original ttl")

		n, err := repo.ReleaseStaleClaims(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		done := time.Now().UTC()
		require.NoError(t, repo.RecordOutcome(ctx, domain.Transition{
			ID: j.ID, Status: domain.StatusDone, LastDone: &done,
		}))
		require.ErrorIs(t, repo.Extend(ctx, j.ID, time.Minute), domain.ErrTerminal)
		require.ErrorIs(t, repo.Extend(ctx, "job_missing", time.Minute), domain.ErrNotFound)
	})
}

func TestQueryAndDelete(t *testing.T) {
	testStores(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		var created []domain.JobRecord
		for _, typ := range []string{"shell", "http", "shell", "http", "shell"} {
			j, err := repo.EnqueueImmediate(ctx, typ, []string{typ})
			require.NoError(t, err)
			created = append(created, j)
			time.Sleep(2 * time.Millisecond)
		}
		now := time.Now().UTC()
		require.NoError(t, repo.RecordOutcome(ctx, domain.Transition{ID: created[0].ID, Status: domain.StatusDone, LastDone: &now}))

		all := collect(t, repo, filter.Query{})
		assert.Equal(t, jobIDs(created), jobIDs(all), "default order is creation order")

		shells := collect(t, repo, filter.Query{Where: filter.Eq(filter.FieldTypeName, "shell")})
		assert.Equal(t, []string{created[0].ID, created[2].ID, created[4].ID}, jobIDs(shells))

		page := collect(t, repo, filter.Query{
			OrderBy: []filter.Order{filter.Desc(filter.FieldCreatedAt)},
			Skip:    1,
			Limit:   2,
		})
		assert.Equal(t, []string{created[3].ID, created[2].ID}, jobIDs(page))

		skipOnly := collect(t, repo, filter.Query{Skip: 3})
		assert.Equal(t, []string{created[3].ID, created[4].ID}, jobIDs(skipOnly))

		active := collect(t, repo, filter.Query{
			Where: filter.And(filter.Eq(filter.FieldStatus, domain.StatusActive), filter.IsNull(filter.FieldLastDone)),
		})
		assert.Len(t, active, 4)

		byLastDone := collect(t, repo, filter.Query{OrderBy: []filter.Order{filter.Desc(filter.FieldLastDone)}, Limit: 1})
		assert.Equal(t, []string{created[0].ID}, jobIDs(byLastDone), "NULLs last when descending")

		n, err := repo.Delete(ctx, filter.In(filter.FieldID, created[1].ID, created[3].ID))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = repo.Delete(ctx, filter.Eq(filter.FieldID, created[1].ID))
		require.NoError(t, err)
		assert.Zero(t, n)

		left := jobIDs(collect(t, repo, filter.Query{}))
		assert.Equal(t, []string{created[0].ID, created[2].ID, created[4].ID}, left)

		_, err = repo.Delete(ctx, filter.Eq(filter.Field("bogus"), 1))
		require.Error(t, err)
		for _, err := range repo.Query(ctx, filter.Query{OrderBy: []filter.Order{filter.Asc(filter.Field("bogus"))}}) {
			require.Error(t, err)
		}
	})
}

func TestQueryStopsEarly(t *testing.T) {
	testStores(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			_, err := repo.EnqueueImmediate(ctx, "t", nil)
			require.NoError(t, err)
		}
		n := 0
		for _, err := range repo.Query(ctx, filter.Query{}) {
			require.NoError(t, err)
			n++
			if n == 2 {
				break
			}
		}
		assert.Equal(t, 2, n)

		// The store is still usable after an abandoned iteration.
		_, err := repo.EnqueueImmediate(ctx, "t", nil)
		require.NoError(t, err)
	})
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")

	repo, err := OpenSQLite(path)
	require.NoError(t, err)
	j, err := repo.EnqueueImmediate(ctx, "shell", []string{"true"})
	require.NoError(t, err)
	c, err := repo.ScheduleCron(ctx, "tick", "0 0 * * * *", []string{})
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j, got)

	gotCron, err := reopened.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c, gotCron)

	claimed, err := reopened.ClaimDue(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{j.ID}, jobIDs(claimed))
}

func TestMemoryStoreIsNotShared(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryStore()
	_, err := a.EnqueueImmediate(ctx, "t", nil)
	require.NoError(t, err)

	b := NewMemoryStore()
	claimed, err := b.ClaimDue(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	repo, err := Open(ctx, "memory:")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, repo)

	path := filepath.Join(t.TempDir(), "open.db")
	repo, err = Open(ctx, "sqlite:"+path)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, repo)
	require.NoError(t, repo.Close())

	repo, err = Open(ctx, path)
	require.NoError(t, err)
	defer repo.Close()
	assert.IsType(t, &SQLiteStore{}, repo)
}

func TestArgsCodec(t *testing.T) {
	for _, args := range [][]string{nil, {}, {"a"}, {"with space", `quo"te`, "ünï"}} {
		enc, err := encodeArgs(args)
		require.NoError(t, err)
		dec, err := decodeArgs(enc)
		require.NoError(t, err)
		assert.Equal(t, args == nil, dec == nil)
		assert.True(t, slices.Equal(args, dec))
	}

	bad := "not json"
	_, err := decodeArgs(&bad)
	require.Error(t, err)
}
