package actions

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/aerostudio/mailcore/internal/blobstore"
	"github.com/aerostudio/mailcore/internal/database"
	"github.com/aerostudio/mailcore/internal/mailapi/faketransport"
	"github.com/aerostudio/mailcore/internal/searchindex"
	"github.com/aerostudio/mailcore/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (*Handler, *store.Store, *store.Account) {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	blobs, err := blobstore.NewFileStore(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)

	metaStore := store.NewStore(db)
	index := searchindex.New(db)

	a, err := metaStore.RegisterAccount("user@example.com", "")
	require.NoError(t, err)

	require.NoError(t, metaStore.UpsertThread(store.Thread{ID: "t1", AccountID: a.ID}))
	require.NoError(t, metaStore.UpsertMessage(store.Message{
		ID: "m1", ThreadID: "t1", AccountID: a.ID,
		FromEmail: "sender@example.com", Subject: "hello",
		Labels: []string{"INBOX", "UNREAD"},
	}))
	require.NoError(t, metaStore.UpsertMessage(store.Message{
		ID: "m2", ThreadID: "t1", AccountID: a.ID,
		FromEmail: "sender@example.com", Subject: "re: hello",
		Labels: []string{"INBOX"},
	}))

	return New(metaStore, blobs, index), metaStore, a
}

func TestArchiveRemovesInboxFromAllMessagesInThread(t *testing.T) {
	h, metaStore, _ := newTestHandler(t)
	server := faketransport.NewServer("user@example.com", "H0")

	require.NoError(t, h.Apply(context.Background(), "t1", server, Archive))

	m1, err := metaStore.GetMessage("m1")
	require.NoError(t, err)
	require.NotContains(t, m1.Labels, "INBOX")

	m2, err := metaStore.GetMessage("m2")
	require.NoError(t, err)
	require.NotContains(t, m2.Labels, "INBOX")

	threads, err := metaStore.ListThreadsByLabel("INBOX", nil, 10, 0)
	require.NoError(t, err)
	require.Empty(t, threads)
}

func TestToggleStarOnThenOff(t *testing.T) {
	h, metaStore, _ := newTestHandler(t)
	server := faketransport.NewServer("user@example.com", "H0")

	starred, err := h.ToggleStar(context.Background(), "t1", server)
	require.NoError(t, err)
	require.True(t, starred)

	m1, err := metaStore.GetMessage("m1")
	require.NoError(t, err)
	require.Contains(t, m1.Labels, "STARRED")

	starred, err = h.ToggleStar(context.Background(), "t1", server)
	require.NoError(t, err)
	require.False(t, starred)
}

func TestSetReadMarksAllMessagesAndClearsThreadUnread(t *testing.T) {
	h, metaStore, _ := newTestHandler(t)
	server := faketransport.NewServer("user@example.com", "H0")

	isUnread, err := h.SetRead(context.Background(), "t1", server, true)
	require.NoError(t, err)
	require.False(t, isUnread)

	thread, err := metaStore.GetThread("t1")
	require.NoError(t, err)
	require.False(t, thread.IsUnread)
}

func TestTrashAddsTrashAndRemovesInbox(t *testing.T) {
	h, metaStore, _ := newTestHandler(t)
	server := faketransport.NewServer("user@example.com", "H0")

	require.NoError(t, h.Apply(context.Background(), "t1", server, TrashThread))

	m1, err := metaStore.GetMessage("m1")
	require.NoError(t, err)
	require.Contains(t, m1.Labels, "TRASH")
	require.NotContains(t, m1.Labels, "INBOX")
}

func TestRemoteFailureLeavesLocalLabelsUnchanged(t *testing.T) {
	h, metaStore, _ := newTestHandler(t)
	server := faketransport.NewServer("user@example.com", "H0")
	server.FailBatchModify = assertAnError{}

	err := h.Apply(context.Background(), "t1", server, Archive)
	require.Error(t, err)

	m1, err2 := metaStore.GetMessage("m1")
	require.NoError(t, err2)
	require.Contains(t, m1.Labels, "INBOX")
}

type assertAnError struct{}

func (assertAnError) Error() string { return "remote rejected batch modify" }
