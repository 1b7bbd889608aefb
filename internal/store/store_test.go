package store

import (
	"testing"

	"github.com/aerostudio/mailcore/internal/database"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestRegisterAndGetAccount(t *testing.T) {
	s := newTestStore(t)

	a, err := s.RegisterAccount("alice@example.com", "Alice")
	require.NoError(t, err)
	require.NotZero(t, a.ID)
	require.Equal(t, "alice@example.com", a.Email)
	require.NotEmpty(t, a.AvatarColor)

	got, err := s.GetAccount(a.ID)
	require.NoError(t, err)
	require.Equal(t, a.Email, got.Email)

	byEmail, err := s.GetAccountByEmail("alice@example.com")
	require.NoError(t, err)
	require.Equal(t, a.ID, byEmail.ID)
}

func TestGetAccountMissingReturnsNilNotError(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetAccount(999)
	require.NoError(t, err)
	require.Nil(t, got)
}

func upsertThreadAndMessage(t *testing.T, s *Store, accountID int64, threadID, msgID string, labels []string, receivedAt int64) {
	t.Helper()
	require.NoError(t, s.UpsertThread(Thread{ID: threadID, AccountID: accountID}))
	require.NoError(t, s.UpsertMessage(Message{
		ID:           msgID,
		ThreadID:     threadID,
		AccountID:    accountID,
		FromName:     "Bob",
		FromEmail:    "bob@example.com",
		Subject:      "hi",
		BodyPreview:  "preview",
		ReceivedAt:   receivedAt,
		InternalDate: receivedAt,
		Labels:       labels,
	}))
}

func TestUpsertMessageRecomputesThreadAggregates(t *testing.T) {
	s := newTestStore(t)
	a, err := s.RegisterAccount("a@example.com", "")
	require.NoError(t, err)

	upsertThreadAndMessage(t, s, a.ID, "t1", "m1", []string{"INBOX", "UNREAD"}, 100)
	upsertThreadAndMessage(t, s, a.ID, "t1", "m2", []string{"INBOX"}, 200)

	thread, err := s.GetThread("t1")
	require.NoError(t, err)
	require.NotNil(t, thread)
	require.Equal(t, 2, thread.MessageCount)
	require.Equal(t, int64(200), thread.LastMessageAt)
	require.True(t, thread.IsUnread)
}

func TestUpdateMessageLabelsClearsThreadUnread(t *testing.T) {
	s := newTestStore(t)
	a, err := s.RegisterAccount("a@example.com", "")
	require.NoError(t, err)

	upsertThreadAndMessage(t, s, a.ID, "t1", "m1", []string{"INBOX", "UNREAD"}, 100)

	require.NoError(t, s.UpdateMessageLabels("m1", []string{"INBOX"}))

	thread, err := s.GetThread("t1")
	require.NoError(t, err)
	require.False(t, thread.IsUnread)

	msg, err := s.GetMessage("m1")
	require.NoError(t, err)
	require.Equal(t, []string{"INBOX"}, msg.Labels)
}

func TestListThreadsByLabel(t *testing.T) {
	s := newTestStore(t)
	a, err := s.RegisterAccount("a@example.com", "")
	require.NoError(t, err)

	upsertThreadAndMessage(t, s, a.ID, "t1", "m1", []string{"INBOX"}, 100)
	upsertThreadAndMessage(t, s, a.ID, "t2", "m2", []string{"STARRED"}, 200)

	threads, err := s.ListThreadsByLabel("INBOX", &a.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	require.Equal(t, "t1", threads[0].ID)
}

func TestDeleteMessageDeletesEmptiedThread(t *testing.T) {
	s := newTestStore(t)
	a, err := s.RegisterAccount("a@example.com", "")
	require.NoError(t, err)

	upsertThreadAndMessage(t, s, a.ID, "t1", "m1", []string{"INBOX"}, 100)
	require.NoError(t, s.DeleteMessage("m1"))

	thread, err := s.GetThread("t1")
	require.NoError(t, err)
	require.Nil(t, thread)
}

func TestDeleteMessageKeepsThreadWithRemainingMessages(t *testing.T) {
	s := newTestStore(t)
	a, err := s.RegisterAccount("a@example.com", "")
	require.NoError(t, err)

	upsertThreadAndMessage(t, s, a.ID, "t1", "m1", []string{"INBOX"}, 100)
	upsertThreadAndMessage(t, s, a.ID, "t1", "m2", []string{"INBOX"}, 200)
	require.NoError(t, s.DeleteMessage("m2"))

	thread, err := s.GetThread("t1")
	require.NoError(t, err)
	require.NotNil(t, thread)
	require.Equal(t, 1, thread.MessageCount)
	require.Equal(t, int64(100), thread.LastMessageAt)
}

func TestPendingMessageLifecycle(t *testing.T) {
	s := newTestStore(t)
	a, err := s.RegisterAccount("a@example.com", "")
	require.NoError(t, err)

	require.NoError(t, s.EnqueuePending(PendingMessage{ID: "p1", AccountID: a.ID, RawBytes: []byte("raw"), Labels: []string{"INBOX"}}))
	require.NoError(t, s.EnqueuePending(PendingMessage{ID: "p2", AccountID: a.ID, RawBytes: []byte("raw2"), Labels: []string{"SENT"}}))

	count, err := s.CountPending(a.ID)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	pending, err := s.DequeuePending(a.ID, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	// INBOX-labeled item is prioritized.
	require.Equal(t, "p1", pending[0].ID)

	require.NoError(t, s.DeletePending("p1"))
	count, err = s.CountPending(a.ID)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.NoError(t, s.ClearPending(a.ID))
	count, err = s.CountPending(a.ID)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestSyncCursorRoundTrip(t *testing.T) {
	s := newTestStore(t)
	a, err := s.RegisterAccount("a@example.com", "")
	require.NoError(t, err)

	cursor, err := s.GetSyncCursor(a.ID)
	require.NoError(t, err)
	require.Nil(t, cursor)

	require.NoError(t, s.SaveSyncCursor(SyncCursor{
		AccountID:           a.ID,
		HistoryID:           "H0",
		InitialSyncComplete: true,
		FailedMessageIDs:    []string{"m1", "m2"},
	}))

	cursor, err = s.GetSyncCursor(a.ID)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	require.Equal(t, "H0", cursor.HistoryID)
	require.True(t, cursor.InitialSyncComplete)
	require.Equal(t, []string{"m1", "m2"}, cursor.FailedMessageIDs)
}

func TestDeleteAccountCascades(t *testing.T) {
	s := newTestStore(t)
	a, err := s.RegisterAccount("a@example.com", "")
	require.NoError(t, err)
	upsertThreadAndMessage(t, s, a.ID, "t1", "m1", []string{"INBOX"}, 100)

	require.NoError(t, s.DeleteAccount(a.ID))

	thread, err := s.GetThread("t1")
	require.NoError(t, err)
	require.Nil(t, thread)
}
