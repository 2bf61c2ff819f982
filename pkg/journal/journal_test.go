package journal

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendRecent(t *testing.T) {
	j, err := Open(t.TempDir())
	require.NoError(t, err)
	defer j.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, j.Append(Entry{
			WDeployment: "wd1",
			Instance:    fmt.Sprintf("i%d", i),
			To:          "READY",
		}))
	}

	entries, err := j.Recent(3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Oldest first within the window.
	assert.Equal(t, "i2", entries[0].Instance)
	assert.Equal(t, "i4", entries[2].Instance)
	assert.False(t, entries[0].Time.IsZero())
}

func TestRecentEmpty(t *testing.T) {
	j, err := Open(t.TempDir())
	require.NoError(t, err)
	defer j.Close()

	entries, err := j.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, j.Append(Entry{WDeployment: "wd1", To: "INIT"}))
	require.NoError(t, j.Close())

	j2, err := Open(dir)
	require.NoError(t, err)
	defer j2.Close()

	entries, err := j2.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "INIT", entries[0].To)
}
