package shell

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellRunsCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := Shell{Dir: dir}.Execute(context.Background(), []string{"touch", "created"})
	require.NoError(t, err)
	assert.False(t, out.Rescheduled())

	_, err = os.Stat(filepath.Join(dir, "created"))
	assert.NoError(t, err)
}

func TestShellNoExpansion(t *testing.T) {
	dir := t.TempDir()
	_, err := Shell{Dir: dir}.Execute(context.Background(), []string{"touch", "$HOME; rm -rf x"})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "$HOME; rm -rf x"))
	assert.NoError(t, err)
}

func TestShellFailure(t *testing.T) {
	_, err := Shell{}.Execute(context.Background(), []string{"false"})
	require.Error(t, err)

	_, err = Shell{}.Execute(context.Background(), []string{"definitely-not-a-command-here"})
	require.Error(t, err)

	_, err = Shell{}.Execute(context.Background(), nil)
	require.Error(t, err)
}

func TestShellHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Shell{}.Execute(ctx, []string{"sleep", "5"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}
