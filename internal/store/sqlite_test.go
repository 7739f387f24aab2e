// ABOUTME: Tests for the SQLite conversation store.
// ABOUTME: Validates create/save/get round trips, listing order, and deletion.

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "conductor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &ConversationRecord{
		ID:        "conv-1",
		Title:     "refactor the parser",
		Phase:     "CHAT",
		Document:  []byte(`{"id":"conv-1","phase":"CHAT"}`),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, s.CreateConversation(ctx, rec))

	got, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", got.ID)
	assert.Equal(t, "refactor the parser", got.Title)
	assert.Equal(t, "CHAT", got.Phase)
	assert.JSONEq(t, `{"id":"conv-1","phase":"CHAT"}`, string(got.Document))
}

func TestSQLiteStore_CreateDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &ConversationRecord{ID: "conv-1", Phase: "CHAT", Document: []byte(`{}`), CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.CreateConversation(ctx, rec))
	assert.ErrorIs(t, s.CreateConversation(ctx, rec), ErrDuplicate)
}

func TestSQLiteStore_GetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_SaveUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &ConversationRecord{ID: "conv-1", Phase: "CHAT", Document: []byte(`{"phase":"CHAT"}`), CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.CreateConversation(ctx, rec))

	rec.Phase = "PLAN"
	rec.Document = []byte(`{"phase":"PLAN"}`)
	require.NoError(t, s.SaveConversation(ctx, rec))

	got, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "PLAN", got.Phase)
	assert.JSONEq(t, `{"phase":"PLAN"}`, string(got.Document))
}

func TestSQLiteStore_SaveInsertsWhenMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &ConversationRecord{ID: "conv-2", Phase: "CHAT", Document: []byte(`{}`), CreatedAt: time.Now()}
	require.NoError(t, s.SaveConversation(ctx, rec))

	_, err := s.GetConversation(ctx, "conv-2")
	assert.NoError(t, err)
}

func TestSQLiteStore_ListOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"old", "mid", "new"} {
		rec := &ConversationRecord{
			ID:        id,
			Phase:     "CHAT",
			Document:  []byte(`{}`),
			CreatedAt: base,
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.CreateConversation(ctx, rec))
	}

	recs, err := s.ListConversations(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "new", recs[0].ID)
	assert.Equal(t, "mid", recs[1].ID)
}

func TestSQLiteStore_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &ConversationRecord{ID: "conv-1", Phase: "CHAT", Document: []byte(`{}`), CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.CreateConversation(ctx, rec))

	require.NoError(t, s.DeleteConversation(ctx, "conv-1"))
	_, err := s.GetConversation(ctx, "conv-1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.DeleteConversation(ctx, "conv-1"), ErrNotFound)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	rec := &ConversationRecord{ID: "conv-1", Phase: "BUILD", Document: []byte(`{"phase":"BUILD"}`), CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.CreateConversation(ctx, rec))
	require.NoError(t, s.Close())

	s2, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "BUILD", got.Phase)
}
