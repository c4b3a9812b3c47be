package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/20centaurifux/zcfux-utils-sub000/internal/domain"
	"github.com/20centaurifux/zcfux-utils-sub000/internal/queue"
)

type cli struct {
	dir string
	db  string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	return &cli{dir: dir, db: filepath.Join(dir, "jobs.db")}
}

// run executes the root command against the test database and returns
// what it printed.
func (c *cli) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(&app{})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{
		"--config", filepath.Join(c.dir, "jobflow.json"),
		"--db", c.db,
		"--log-level", "error",
	}, args...))
	err := root.Execute()
	return out.String(), err
}

func (c *cli) enqueue(t *testing.T, args ...string) domain.JobRecord {
	t.Helper()
	out, err := c.run(t, append([]string{"enqueue"}, args...)...)
	require.NoError(t, err, out)
	return c.get(t, strings.TrimSpace(out))
}

func (c *cli) get(t *testing.T, id string) domain.JobRecord {
	t.Helper()
	repo, err := queue.OpenSQLite(c.db)
	require.NoError(t, err)
	defer repo.Close()
	j, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestEnqueueImmediate(t *testing.T) {
	c := newCLI(t)

	j := c.enqueue(t, "shell", "echo", "hello")
	assert.Equal(t, "shell", j.TypeName)
	assert.Equal(t, []string{"echo", "hello"}, j.Args)
	assert.Equal(t, domain.StatusActive, j.Status)
	assert.Nil(t, j.NextDue)

	j = c.enqueue(t, "noop")
	assert.Nil(t, j.Args)
}

func TestEnqueueKeepsFlagsAfterType(t *testing.T) {
	c := newCLI(t)

	j := c.enqueue(t, "shell", "ls", "-l", "/tmp")
	assert.Equal(t, []string{"ls", "-l", "/tmp"}, j.Args)

	j = c.enqueue(t, "--cron", "0 */5 * * * *", "shell", "--", "ls", "-l", "/tmp")
	assert.Equal(t, []string{"ls", "-l", "/tmp"}, j.Args)
	assert.Equal(t, "0 */5 * * * *", j.CronExpression)
	require.NotNil(t, j.NextDue)
	assert.Zero(t, j.NextDue.Minute()%5)
	assert.Zero(t, j.NextDue.Second())

	j = c.enqueue(t, "shell", "--")
	assert.Nil(t, j.Args)
}

func TestEnqueueAt(t *testing.T) {
	c := newCLI(t)

	j := c.enqueue(t, "--at", "2030-01-01T00:00:00Z", "http", "https://example.com/ping")
	assert.Equal(t, []string{"https://example.com/ping"}, j.Args)
	require.NotNil(t, j.NextDue)
	assert.True(t, j.NextDue.Equal(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Empty(t, j.CronExpression)
}

func TestEnqueueRejects(t *testing.T) {
	c := newCLI(t)

	_, err := c.run(t, "enqueue", "--at", "2030-01-01T00:00:00Z", "--cron", "* * * * * *", "shell")
	assert.Error(t, err)

	_, err = c.run(t, "enqueue", "--at", "tomorrow", "shell")
	assert.Error(t, err)

	_, err = c.run(t, "enqueue", "--cron", "* * * * *", "shell")
	assert.ErrorIs(t, err, domain.ErrInvalidExpression)

	_, err = c.run(t, "enqueue")
	assert.Error(t, err)
}

func TestList(t *testing.T) {
	c := newCLI(t)
	a := c.enqueue(t, "shell", "echo", "a")
	b := c.enqueue(t, "http", "https://example.com")

	out, err := c.run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, a.ID)
	assert.Contains(t, out, b.ID)
	assert.Contains(t, out, "echo a")

	out, err = c.run(t, "list", "--type", "http")
	require.NoError(t, err)
	assert.NotContains(t, out, a.ID)
	assert.Contains(t, out, b.ID)

	out, err = c.run(t, "list", "--status", "done")
	require.NoError(t, err)
	assert.Equal(t, "No jobs found.\n", out)

	_, err = c.run(t, "list", "--status", "bogus")
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	c := newCLI(t)
	a := c.enqueue(t, "shell", "echo", "a")
	c.enqueue(t, "http", "https://example.com")
	c.enqueue(t, "http", "https://example.org")

	_, err := c.run(t, "delete")
	assert.Error(t, err, "deleting everything needs a filter")

	out, err := c.run(t, "delete", a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Deleted 1 job(s).\n", out)

	repo, err := queue.OpenSQLite(c.db)
	require.NoError(t, err)
	_, err = repo.Get(context.Background(), a.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, repo.Close())

	out, err = c.run(t, "delete", "--type", "http")
	require.NoError(t, err)
	assert.Equal(t, "Deleted 2 job(s).\n", out)
}
