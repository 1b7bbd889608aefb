package facade

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/aerostudio/mailcore/internal/blobstore"
	"github.com/aerostudio/mailcore/internal/mailapi"
	"github.com/aerostudio/mailcore/internal/mailapi/faketransport"
	"github.com/aerostudio/mailcore/internal/syncengine"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := New(Config{
		DatabasePath: ":memory:",
		BlobRoot:     filepath.Join(t.TempDir(), "blobs"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func textMessage(id, threadID, subject, body string, labels []string, receivedAtMs int64) *mailapi.Payload {
	return &mailapi.Payload{
		ID:           id,
		ThreadID:     threadID,
		LabelIDs:     labels,
		InternalDate: receivedAtMs,
		MimeType:     "text/plain",
		Headers: []mailapi.Header{
			{Name: "From", Value: "Sender <sender@example.com>"},
			{Name: "Subject", Value: subject},
		},
		Body: mailapi.PartBody{Data: base64.RawURLEncoding.EncodeToString([]byte(body))},
	}
}

func TestRegisterListGetDeleteAccount(t *testing.T) {
	svc := newTestService(t)

	a, err := svc.RegisterAccount("user@example.com", "User")
	require.NoError(t, err)
	require.Equal(t, "user@example.com", a.Email)

	accounts, err := svc.ListAccounts()
	require.NoError(t, err)
	require.Len(t, accounts, 1)

	got, err := svc.GetAccountByEmail("user@example.com")
	require.NoError(t, err)
	require.Equal(t, a.ID, got.ID)

	require.NoError(t, svc.DeleteAccount(a.ID))
	gone, err := svc.GetAccount(a.ID)
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestFirstSyncProducesThreadsAndSearchableMessages(t *testing.T) {
	svc := newTestService(t)
	a, err := svc.RegisterAccount("user@example.com", "")
	require.NoError(t, err)

	server := faketransport.NewServer("user@example.com", "H0")
	server.AddMessage(textMessage("m1", "t1", "hello", "body one", []string{"INBOX", "UNREAD"}, 100))
	server.AddMessage(textMessage("m2", "t1", "re: hello", "body two", []string{"INBOX"}, 200))
	server.AddMessage(textMessage("m3", "t2", "other", "body three", []string{"INBOX", "UNREAD", "STARRED"}, 150))

	stats, err := svc.SyncAccount(context.Background(), a.ID, server, &faketransport.TokenProvider{Token: "t"}, syncengine.Progress{})
	require.NoError(t, err)
	require.Equal(t, 3, stats.MessagesProcessed)

	count, err := svc.CountThreads(&a.ID)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	results, err := svc.Search("in:inbox", 10, &a.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestArchiveThenListThreadsByLabelExcludesIt(t *testing.T) {
	svc := newTestService(t)
	a, err := svc.RegisterAccount("user@example.com", "")
	require.NoError(t, err)

	server := faketransport.NewServer("user@example.com", "H0")
	server.AddMessage(textMessage("m1", "t1", "hello", "body", []string{"INBOX"}, 100))
	tokens := &faketransport.TokenProvider{Token: "t"}
	_, err = svc.SyncAccount(context.Background(), a.ID, server, tokens, syncengine.Progress{})
	require.NoError(t, err)

	require.NoError(t, svc.ArchiveThread(context.Background(), "t1", server, tokens))

	threads, err := svc.ListThreads(ListOptions{Label: "INBOX", AccountID: &a.ID, Limit: 10})
	require.NoError(t, err)
	require.Empty(t, threads)
}

func TestRebuildIndexRestoresSearchability(t *testing.T) {
	svc := newTestService(t)
	a, err := svc.RegisterAccount("user@example.com", "")
	require.NoError(t, err)

	server := faketransport.NewServer("user@example.com", "H0")
	server.AddMessage(textMessage("m1", "t1", "quarterly report", "please review", []string{"INBOX"}, 100))
	_, err = svc.SyncAccount(context.Background(), a.ID, server, &faketransport.TokenProvider{Token: "t"}, syncengine.Progress{})
	require.NoError(t, err)

	require.NoError(t, svc.RebuildIndex(&a.ID))

	results, err := svc.Search("quarterly", 10, &a.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestGetMessageBodyReturnsStoredPlainBody(t *testing.T) {
	svc := newTestService(t)
	a, err := svc.RegisterAccount("user@example.com", "")
	require.NoError(t, err)

	server := faketransport.NewServer("user@example.com", "H0")
	server.AddMessage(textMessage("m1", "t1", "hello", "the body text", []string{"INBOX"}, 100))
	_, err = svc.SyncAccount(context.Background(), a.ID, server, &faketransport.TokenProvider{Token: "t"}, syncengine.Progress{})
	require.NoError(t, err)

	body, err := svc.GetMessageBody("m1", blobstore.KindPlain)
	require.NoError(t, err)
	require.Equal(t, "the body text", string(body))
}

func TestSyncAccountFailsWithAuthErrorWhenTokenProviderNeedsReauth(t *testing.T) {
	svc := newTestService(t)
	a, err := svc.RegisterAccount("user@example.com", "")
	require.NoError(t, err)

	server := faketransport.NewServer("user@example.com", "H0")
	server.AddMessage(textMessage("m1", "t1", "hello", "body", []string{"INBOX"}, 100))

	_, err = svc.SyncAccount(context.Background(), a.ID, server, &faketransport.TokenProvider{NeedsAuth: true}, syncengine.Progress{})
	require.Error(t, err)
	require.True(t, IsReauthRequired(err))

	// the server was never touched: no thread was created.
	count, err := svc.CountThreads(&a.ID)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestNeedsSyncReportsNeverSyncedAndFailedMessages(t *testing.T) {
	svc := newTestService(t)
	a, err := svc.RegisterAccount("user@example.com", "")
	require.NoError(t, err)

	stale, failed, err := svc.NeedsSync(a.ID, time.Hour)
	require.NoError(t, err)
	require.True(t, stale)
	require.False(t, failed)

	server := faketransport.NewServer("user@example.com", "H0")
	server.AddMessage(textMessage("m1", "t1", "hello", "body", []string{"INBOX"}, 100))
	_, err = svc.SyncAccount(context.Background(), a.ID, server, &faketransport.TokenProvider{Token: "t"}, syncengine.Progress{})
	require.NoError(t, err)

	stale, failed, err = svc.NeedsSync(a.ID, time.Hour)
	require.NoError(t, err)
	require.False(t, stale)
	require.False(t, failed)
}

func TestListRemoteLabelsReturnsServerLabels(t *testing.T) {
	svc := newTestService(t)
	a, err := svc.RegisterAccount("user@example.com", "")
	require.NoError(t, err)
	_ = a

	server := faketransport.NewServer("user@example.com", "H0")
	server.LabelByName["PROJECT-X"] = "Label_1"

	labels, err := svc.ListRemoteLabels(context.Background(), server, &faketransport.TokenProvider{Token: "t"})
	require.NoError(t, err)
	require.NotEmpty(t, labels)
}
