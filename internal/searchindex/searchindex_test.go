package searchindex

import (
	"testing"

	"github.com/aerostudio/mailcore/internal/database"
	"github.com/aerostudio/mailcore/internal/queryparser"
	"github.com/aerostudio/mailcore/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) (*Index, *store.Store) {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return New(db), store.NewStore(db)
}

func seedThread(t *testing.T, s *store.Store, id string, accountID int64) {
	t.Helper()
	require.NoError(t, s.UpsertThread(store.Thread{ID: id, AccountID: accountID}))
}

func TestUpsertAndSearchByTerm(t *testing.T) {
	idx, meta := newTestIndex(t)
	a, err := meta.RegisterAccount("a@example.com", "")
	require.NoError(t, err)
	seedThread(t, meta, "t1", a.ID)

	require.NoError(t, idx.Upsert(Document{
		MessageID: "m1", ThreadID: "t1", AccountID: a.ID,
		Subject: "Quarterly report", BodyText: "please review the quarterly report",
		FromName: "Alice", FromEmail: "alice@example.com",
	}))

	q := queryparser.Parse("quarterly")
	results, err := idx.Search(q, &a.ID, 10, meta)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "t1", results[0].Thread.ID)
	require.Contains(t, results[0].HighlightedSubject, "<mark>")

	var subjectHighlight *FieldHighlight
	for i := range results[0].Highlights {
		if results[0].Highlights[i].Field == "subject" {
			subjectHighlight = &results[0].Highlights[i]
		}
	}
	require.NotNil(t, subjectHighlight)
	require.NotEmpty(t, subjectHighlight.Spans)
	for _, span := range subjectHighlight.Spans {
		require.True(t, span.Start >= 0)
		require.True(t, span.Start < span.End)
		require.True(t, span.End <= len("Quarterly report"))
	}
	matched := "Quarterly report"[subjectHighlight.Spans[0].Start:subjectHighlight.Spans[0].End]
	require.Equal(t, "Quarterly", matched)
}

func TestSearchFiltersByReadState(t *testing.T) {
	idx, meta := newTestIndex(t)
	a, err := meta.RegisterAccount("a@example.com", "")
	require.NoError(t, err)
	seedThread(t, meta, "t1", a.ID)
	seedThread(t, meta, "t2", a.ID)

	require.NoError(t, idx.Upsert(Document{MessageID: "m1", ThreadID: "t1", AccountID: a.ID, IsUnread: true}))
	require.NoError(t, idx.Upsert(Document{MessageID: "m2", ThreadID: "t2", AccountID: a.ID, IsUnread: false}))

	unread, err := idx.Search(queryparser.Parse("is:unread"), &a.ID, 10, meta)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	require.Equal(t, "t1", unread[0].Thread.ID)

	read, err := idx.Search(queryparser.Parse("is:read"), &a.ID, 10, meta)
	require.NoError(t, err)
	require.Len(t, read, 1)
	require.Equal(t, "t2", read[0].Thread.ID)
}

func TestSearchDedupsByThread(t *testing.T) {
	idx, meta := newTestIndex(t)
	a, err := meta.RegisterAccount("a@example.com", "")
	require.NoError(t, err)
	seedThread(t, meta, "t1", a.ID)

	require.NoError(t, idx.Upsert(Document{MessageID: "m1", ThreadID: "t1", AccountID: a.ID, Subject: "hello world"}))
	require.NoError(t, idx.Upsert(Document{MessageID: "m2", ThreadID: "t1", AccountID: a.ID, Subject: "hello again"}))

	results, err := idx.Search(queryparser.Parse("hello"), &a.ID, 10, meta)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestSearchFiltersByLabel(t *testing.T) {
	idx, meta := newTestIndex(t)
	a, err := meta.RegisterAccount("a@example.com", "")
	require.NoError(t, err)
	seedThread(t, meta, "t1", a.ID)
	seedThread(t, meta, "t2", a.ID)

	require.NoError(t, idx.Upsert(Document{MessageID: "m1", ThreadID: "t1", AccountID: a.ID, Labels: []string{"INBOX"}}))
	require.NoError(t, idx.Upsert(Document{MessageID: "m2", ThreadID: "t2", AccountID: a.ID, Labels: []string{"STARRED"}}))

	results, err := idx.Search(queryparser.Parse("in:inbox"), &a.ID, 10, meta)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "t1", results[0].Thread.ID)
}

func TestDeleteThreadRemovesAllItsDocuments(t *testing.T) {
	idx, meta := newTestIndex(t)
	a, err := meta.RegisterAccount("a@example.com", "")
	require.NoError(t, err)
	seedThread(t, meta, "t1", a.ID)

	require.NoError(t, idx.Upsert(Document{MessageID: "m1", ThreadID: "t1", AccountID: a.ID, Subject: "alpha"}))
	require.NoError(t, idx.Upsert(Document{MessageID: "m2", ThreadID: "t1", AccountID: a.ID, Subject: "beta"}))
	require.NoError(t, idx.DeleteThread("t1"))

	results, err := idx.Search(queryparser.Parse("alpha"), &a.ID, 10, meta)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestUpsertReplacesExistingDocumentForSameMessage(t *testing.T) {
	idx, meta := newTestIndex(t)
	a, err := meta.RegisterAccount("a@example.com", "")
	require.NoError(t, err)
	seedThread(t, meta, "t1", a.ID)

	require.NoError(t, idx.Upsert(Document{MessageID: "m1", ThreadID: "t1", AccountID: a.ID, Subject: "old subject"}))
	require.NoError(t, idx.Upsert(Document{MessageID: "m1", ThreadID: "t1", AccountID: a.ID, Subject: "new subject"}))

	results, err := idx.Search(queryparser.Parse("old"), &a.ID, 10, meta)
	require.NoError(t, err)
	require.Empty(t, results)

	results, err = idx.Search(queryparser.Parse("new"), &a.ID, 10, meta)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestRebuildClearsIndex(t *testing.T) {
	idx, meta := newTestIndex(t)
	a, err := meta.RegisterAccount("a@example.com", "")
	require.NoError(t, err)
	seedThread(t, meta, "t1", a.ID)
	require.NoError(t, idx.Upsert(Document{MessageID: "m1", ThreadID: "t1", AccountID: a.ID, Subject: "alpha"}))

	require.NoError(t, idx.Rebuild())

	results, err := idx.Search(queryparser.Parse("alpha"), &a.ID, 10, meta)
	require.NoError(t, err)
	require.Empty(t, results)
}
