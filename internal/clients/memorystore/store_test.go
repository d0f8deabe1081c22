package memorystore

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileIsEmpty(t *testing.T) {
	store := NewStore(t.TempDir(), zerolog.Nop())

	entries, err := store.Load("agent-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, store.Digest("agent-1", 5))
}

func TestAppendAndLoad(t *testing.T) {
	store := NewStore(t.TempDir(), zerolog.Nop())

	require.NoError(t, store.Append("agent-1", Entry{Mode: "TRADING", Summary: "買進台積電 1000 股"}))
	require.NoError(t, store.Append("agent-1", Entry{Mode: "TRADING", Summary: "持有觀望"}))

	entries, err := store.Load("agent-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "買進台積電 1000 股", entries[0].Summary)
	assert.Equal(t, "持有觀望", entries[1].Summary)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestDigestBoundsEntries(t *testing.T) {
	store := NewStore(t.TempDir(), zerolog.Nop())

	for i := 0; i < 15; i++ {
		require.NoError(t, store.Append("agent-1", Entry{
			Timestamp: time.Date(2026, 8, 1+i, 9, 0, 0, 0, time.UTC),
			Mode:      "TRADING",
			Summary:   "entry",
		}))
	}

	digest := store.Digest("agent-1", 10)
	assert.NotContains(t, digest, "2026-08-05", "oldest entries dropped")
	assert.Contains(t, digest, "2026-08-15")
}

func TestDigestOnCorruptFileWarnsOnly(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, zerolog.Nop())
	require.NoError(t, os.WriteFile(store.path("agent-1"), []byte("not msgpack"), 0644))

	assert.Empty(t, store.Digest("agent-1", 5))
}

func TestAgentsDoNotShareMemory(t *testing.T) {
	store := NewStore(t.TempDir(), zerolog.Nop())

	require.NoError(t, store.Append("agent-1", Entry{Mode: "TRADING", Summary: "a"}))

	entries, err := store.Load("agent-2")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
