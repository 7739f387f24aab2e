// ABOUTME: Tests for the durable processed-event ledger.
// ABOUTME: Validates dedup, buffering, flush durability, restart survival, and clear.

package ingest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_CheckAndMark(t *testing.T) {
	l, err := OpenLedger(t.TempDir())
	require.NoError(t, err)

	assert.False(t, l.CheckAndMark("ev-1"), "first sighting is not a duplicate")
	assert.True(t, l.CheckAndMark("ev-1"), "second sighting is a duplicate")
	assert.True(t, l.Seen("ev-1"))
	assert.False(t, l.Seen("ev-2"))
	assert.Equal(t, 1, l.Len())
}

func TestLedger_FlushWritesSegment(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenLedger(dir)
	require.NoError(t, err)

	l.CheckAndMark("ev-1")
	l.CheckAndMark("ev-2")
	require.NoError(t, l.Flush())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "events-"))

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, "ev-1\nev-2\n", string(data))

	// Flushing again with an empty buffer appends nothing
	require.NoError(t, l.Flush())
	data2, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, string(data), string(data2))
}

func TestLedger_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	l, err := OpenLedger(dir)
	require.NoError(t, err)
	l.CheckAndMark("ev-1")
	l.CheckAndMark("ev-2")
	require.NoError(t, l.Close())

	l2, err := OpenLedger(dir)
	require.NoError(t, err)
	assert.True(t, l2.CheckAndMark("ev-1"), "id from previous run must be a duplicate")
	assert.True(t, l2.Seen("ev-2"))
	assert.Equal(t, 2, l2.Len())
}

func TestLedger_LoadsMultipleSegments(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "events-2026-08-27.log"), []byte("old-1\nold-2\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "events-2026-08-28.log"), []byte("old-3\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored\n"), 0644))

	l, err := OpenLedger(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, l.Len())
	assert.True(t, l.Seen("old-1"))
	assert.True(t, l.Seen("old-3"))
	assert.False(t, l.Seen("ignored"))
}

func TestLedger_Clear(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenLedger(dir)
	require.NoError(t, err)

	l.CheckAndMark("ev-1")
	require.NoError(t, l.Flush())
	require.NoError(t, l.Clear())

	assert.Equal(t, 0, l.Len())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Cleared ids are processable again
	assert.False(t, l.CheckAndMark("ev-1"))
}
