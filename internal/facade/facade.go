// Package facade is the narrow external surface a host (Wails bridge,
// CLI, test harness) calls: account CRUD, thread listings, search, sync
// triggers, and mutation actions. It owns no capability of its own beyond
// composing the lower packages; building a MailApi from a stored
// credential is left to the caller, but every sync and action entry point
// takes the caller's AccessTokenProvider and checks it before touching the
// network, so a revoked credential surfaces as an Auth error instead of
// reaching the remote service at all.
package facade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aerostudio/mailcore/internal/actions"
	"github.com/aerostudio/mailcore/internal/blobstore"
	"github.com/aerostudio/mailcore/internal/database"
	"github.com/aerostudio/mailcore/internal/logging"
	"github.com/aerostudio/mailcore/internal/mailapi"
	"github.com/aerostudio/mailcore/internal/mailerr"
	"github.com/aerostudio/mailcore/internal/queryparser"
	"github.com/aerostudio/mailcore/internal/searchindex"
	"github.com/aerostudio/mailcore/internal/store"
	"github.com/aerostudio/mailcore/internal/syncengine"
)

// Config wires every path the facade's owned components need. No global
// mutable config: a host constructs one Config per Service instance.
type Config struct {
	// DatabasePath is the metadata store / search index's SQLite file.
	// ":memory:" is accepted for tests.
	DatabasePath string
	// BlobRoot is the directory the blob store shards message bodies under.
	BlobRoot string
}

// Service aggregates the metadata store, blob store, search index, sync
// engine, and action handler behind one entry point, grounded on the
// teacher's app.App struct-literal wiring.
type Service struct {
	db    *database.DB
	store *store.Store
	blobs blobstore.Store
	index *searchindex.Index
	sync  *syncengine.Engine
	acts  *actions.Handler

	// syncMu serializes concurrent sync calls per account: a background
	// ticker and a user-triggered sync must never race on the same
	// account's cursor.
	syncMu  sync.Mutex
	syncing map[int64]bool
}

// New opens the database, runs migrations, and wires every component.
func New(cfg Config) (*Service, error) {
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return nil, mailerr.WithPhase(mailerr.Database, "open", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, mailerr.WithPhase(mailerr.Database, "migrate", err)
	}

	blobs, err := blobstore.NewFileStore(cfg.BlobRoot)
	if err != nil {
		db.Close()
		return nil, mailerr.New(mailerr.Blob, err)
	}

	metaStore := store.NewStore(db)
	index := searchindex.New(db)

	return &Service{
		db:      db,
		store:   metaStore,
		blobs:   blobs,
		index:   index,
		sync:    syncengine.New(metaStore, blobs, index),
		acts:    actions.New(metaStore, blobs, index),
		syncing: map[int64]bool{},
	}, nil
}

// Close releases the database handle. Blob files need no explicit close.
func (svc *Service) Close() error {
	return svc.db.Close()
}

// -- Accounts ----------------------------------------------------------

func (svc *Service) RegisterAccount(email, displayName string) (*store.Account, error) {
	a, err := svc.store.RegisterAccount(email, displayName)
	if err != nil {
		return nil, mailerr.New(mailerr.Database, err)
	}
	svc.db.UpdateIdleConns(mustCountAccounts(svc.store))
	return a, nil
}

func (svc *Service) ListAccounts() ([]store.Account, error) {
	accounts, err := svc.store.ListAccounts()
	if err != nil {
		return nil, mailerr.New(mailerr.Database, err)
	}
	return accounts, nil
}

func (svc *Service) GetAccount(id int64) (*store.Account, error) {
	a, err := svc.store.GetAccount(id)
	if err != nil {
		return nil, mailerr.New(mailerr.Database, err)
	}
	return a, nil
}

func (svc *Service) GetAccountByEmail(email string) (*store.Account, error) {
	a, err := svc.store.GetAccountByEmail(email)
	if err != nil {
		return nil, mailerr.New(mailerr.Database, err)
	}
	return a, nil
}

// DeleteAccount removes accountID and cascades to its threads, messages,
// recipients, labels, pending rows, and sync cursor (DB foreign keys), but
// the blob store and search index are derived stores the database knows
// nothing about, so the facade cleans those up first while message rows
// still exist to enumerate.
func (svc *Service) DeleteAccount(id int64) error {
	if err := svc.store.IterateMessages(&id, func(m store.Message) error {
		if err := svc.blobs.DeleteAllForMessage(m.ID); err != nil {
			return err
		}
		return svc.index.DeleteThread(m.ThreadID)
	}); err != nil {
		return mailerr.New(mailerr.Blob, err)
	}

	if err := svc.store.DeleteAccount(id); err != nil {
		return mailerr.New(mailerr.Database, err)
	}
	return nil
}

func (svc *Service) UpdateAccountToken(id int64, tokenJSON string) error {
	if err := svc.store.UpdateAccountToken(id, tokenJSON); err != nil {
		return mailerr.New(mailerr.Database, err)
	}
	return nil
}

func mustCountAccounts(s *store.Store) int {
	accounts, err := s.ListAccounts()
	if err != nil {
		return 0
	}
	return len(accounts)
}

// -- Threads -------------------------------------------------------------

// ListOptions scopes a thread listing: Label narrows to a label-filtered
// view via the denormalized thread_labels index; AccountID narrows to one
// account; zero value lists everything.
type ListOptions struct {
	Label     string
	AccountID *int64
	Limit     int
	Offset    int
}

func (svc *Service) ListThreads(opts ListOptions) ([]store.ThreadSummary, error) {
	var (
		threads []store.Thread
		err     error
	)
	if opts.Label != "" {
		threads, err = svc.store.ListThreadsByLabel(opts.Label, opts.AccountID, opts.Limit, opts.Offset)
	} else {
		threads, err = svc.store.ListThreads(opts.AccountID, opts.Limit, opts.Offset)
	}
	if err != nil {
		return nil, mailerr.New(mailerr.Database, err)
	}
	return threads, nil
}

func (svc *Service) GetThreadDetail(threadID string) (*store.ThreadDetail, error) {
	detail, err := svc.store.GetThreadDetail(threadID)
	if err != nil {
		return nil, mailerr.New(mailerr.Database, err)
	}
	return detail, nil
}

func (svc *Service) CountThreads(accountID *int64) (int, error) {
	n, err := svc.store.CountThreads(accountID)
	if err != nil {
		return 0, mailerr.New(mailerr.Database, err)
	}
	return n, nil
}

func (svc *Service) CountUnread(label string, accountID *int64) (int, error) {
	n, err := svc.store.CountUnread(label, accountID)
	if err != nil {
		return 0, mailerr.New(mailerr.Database, err)
	}
	return n, nil
}

// GetMessageBody returns the decompressed plain or rich body for a
// message, or (nil, nil) if no such blob was stored.
func (svc *Service) GetMessageBody(messageID string, kind blobstore.Kind) ([]byte, error) {
	data, err := svc.blobs.Get(blobstore.Key{MessageID: messageID, Kind: kind})
	if err != nil {
		return nil, mailerr.New(mailerr.Blob, err)
	}
	return data, nil
}

// -- Search ----------------------------------------------------------------

// SearchResult is a thread-deduplicated hit with highlighted fields,
// returned to the caller in place of searchindex.Result so the facade's
// public surface doesn't leak the index package.
type SearchResult = searchindex.Result

// Search parses queryString and runs it against the index, scoped to
// accountID when non-nil.
func (svc *Service) Search(queryString string, limit int, accountID *int64) ([]SearchResult, error) {
	q := queryparser.Parse(queryString)
	results, err := svc.index.Search(q, accountID, limit, svc.store)
	if err != nil {
		return nil, mailerr.New(mailerr.Search, err)
	}
	return results, nil
}

// RebuildIndex clears the search index and reindexes every message,
// optionally scoped to accountID. This is the defined recovery path for
// any suspected drift between the metadata store and the index.
func (svc *Service) RebuildIndex(accountID *int64) error {
	if accountID == nil {
		if err := svc.index.Rebuild(); err != nil {
			return mailerr.New(mailerr.Search, err)
		}
	} else if err := svc.store.IterateMessages(accountID, func(m store.Message) error {
		return svc.index.DeleteThread(m.ThreadID)
	}); err != nil {
		return mailerr.New(mailerr.Search, err)
	}

	err := svc.store.IterateMessages(accountID, func(m store.Message) error {
		var bodyText string
		if m.HasPlainBody {
			plain, err := svc.blobs.Get(blobstore.Key{MessageID: m.ID, Kind: blobstore.KindPlain})
			if err != nil {
				return err
			}
			bodyText = string(plain)
		}
		return svc.index.Upsert(searchindex.Document{
			MessageID:     m.ID,
			ThreadID:      m.ThreadID,
			AccountID:     m.AccountID,
			Subject:       m.Subject,
			BodyText:      bodyText,
			Snippet:       m.BodyPreview,
			FromName:      m.FromName,
			FromEmail:     m.FromEmail,
			To:            joinRecipients(m.To),
			Cc:            joinRecipients(m.Cc),
			Labels:        m.Labels,
			ReceivedAtMs:  m.ReceivedAt,
			IsUnread:      hasLabel(m.Labels, "UNREAD"),
			IsStarred:     hasLabel(m.Labels, "STARRED"),
			HasAttachment: m.HasAttachment,
		})
	})
	if err != nil {
		return mailerr.New(mailerr.Search, err)
	}
	return nil
}

func hasLabel(labels []string, name string) bool {
	for _, l := range labels {
		if l == name {
			return true
		}
	}
	return false
}

func joinRecipients(recipients []store.Recipient) string {
	var out string
	for i, r := range recipients {
		if i > 0 {
			out += " "
		}
		out += r.Name + " " + r.Email
	}
	return out
}

// -- Sync --------------------------------------------------------------

// checkToken asks tokens for a valid bearer token before the facade lets a
// sync or action reach the network. A provider that returns
// mailapi.ErrNeedReauth (or any other error) short-circuits the call as a
// mailerr.Auth error without ever invoking api.
func checkToken(ctx context.Context, tokens mailapi.AccessTokenProvider) error {
	if tokens == nil {
		return nil
	}
	if _, err := tokens.AccessToken(ctx); err != nil {
		return mailerr.New(mailerr.Auth, err)
	}
	return nil
}

// IsReauthRequired reports whether err (or any error it wraps) is the
// facade's Auth kind, i.e. the caller needs to re-obtain a credential
// before retrying.
func IsReauthRequired(err error) bool {
	return errors.Is(err, mailerr.Sentinel(mailerr.Auth))
}

// SyncAccount brings accountID's replica up to date, refusing to run a
// second sync for the same account concurrently (the teacher's
// sync.Scheduler enforces the same single-flight-per-account rule via its
// own syncing map).
func (svc *Service) SyncAccount(ctx context.Context, accountID int64, api mailapi.MailApi, tokens mailapi.AccessTokenProvider, progress syncengine.Progress) (syncengine.Stats, error) {
	if err := checkToken(ctx, tokens); err != nil {
		return syncengine.Stats{}, err
	}
	if !svc.beginSync(accountID) {
		return syncengine.Stats{}, fmt.Errorf("facade: sync already in progress for account %d", accountID)
	}
	defer svc.endSync(accountID)

	stats, err := svc.sync.SyncAccount(ctx, accountID, api, progress)
	if err != nil {
		if mailerr.IsCancelled(err) {
			logging.WithComponent("facade").Info().Int64("account", accountID).Msg("sync cancelled")
			return stats, err
		}
		return stats, mailerr.WithPhase(mailerr.Sync, "sync", err)
	}
	return stats, nil
}

// FullResync discards accountID's cursor and pending rows and performs a
// complete bulk sync from scratch.
func (svc *Service) FullResync(ctx context.Context, accountID int64, api mailapi.MailApi, tokens mailapi.AccessTokenProvider, progress syncengine.Progress) (syncengine.Stats, error) {
	if err := checkToken(ctx, tokens); err != nil {
		return syncengine.Stats{}, err
	}
	if !svc.beginSync(accountID) {
		return syncengine.Stats{}, fmt.Errorf("facade: sync already in progress for account %d", accountID)
	}
	defer svc.endSync(accountID)

	stats, err := svc.sync.FullResync(ctx, accountID, api, progress)
	if err != nil {
		if mailerr.IsCancelled(err) {
			logging.WithComponent("facade").Info().Int64("account", accountID).Msg("full resync cancelled")
			return stats, err
		}
		return stats, mailerr.WithPhase(mailerr.Sync, "full_resync", err)
	}
	return stats, nil
}

func (svc *Service) GetSyncState(accountID int64) (*store.SyncCursor, error) {
	c, err := svc.store.GetSyncCursor(accountID)
	if err != nil {
		return nil, mailerr.New(mailerr.Database, err)
	}
	return c, nil
}

// NeedsSync reports whether accountID has never synced or its last sync is
// older than maxAge, and whether it has messages parked for retry after a
// prior sync failure. A nil cursor (never synced) is always stale with no
// failed messages.
func (svc *Service) NeedsSync(accountID int64, maxAge time.Duration) (stale bool, hasFailedMessages bool, err error) {
	cursor, err := svc.GetSyncState(accountID)
	if err != nil {
		return false, false, err
	}
	if cursor == nil {
		return true, false, nil
	}
	return cursor.IsStale(maxAge, time.Now()), cursor.HasFailedMessages(), nil
}

func (svc *Service) beginSync(accountID int64) bool {
	svc.syncMu.Lock()
	defer svc.syncMu.Unlock()
	if svc.syncing[accountID] {
		return false
	}
	svc.syncing[accountID] = true
	return true
}

func (svc *Service) endSync(accountID int64) {
	svc.syncMu.Lock()
	defer svc.syncMu.Unlock()
	delete(svc.syncing, accountID)
}

// ListRemoteLabels returns the account's label set as currently defined on
// the remote service, for UI label pickers that need to offer custom
// labels sync hasn't seen a message for yet.
func (svc *Service) ListRemoteLabels(ctx context.Context, api mailapi.MailApi, tokens mailapi.AccessTokenProvider) ([]mailapi.Label, error) {
	if err := checkToken(ctx, tokens); err != nil {
		return nil, err
	}
	labels, err := api.Labels(ctx)
	if err != nil {
		return nil, mailerr.WithPhase(mailerr.Network, "labels", err)
	}
	return labels, nil
}

// -- Actions -------------------------------------------------------------

func (svc *Service) ArchiveThread(ctx context.Context, threadID string, api mailapi.MailApi, tokens mailapi.AccessTokenProvider) error {
	if err := checkToken(ctx, tokens); err != nil {
		return err
	}
	log := logging.WithComponent("facade")
	if err := svc.acts.Apply(ctx, threadID, api, actions.Archive); err != nil {
		log.Warn().Str("thread", threadID).Err(err).Msg("archive failed")
		return err
	}
	return nil
}

func (svc *Service) UnarchiveThread(ctx context.Context, threadID string, api mailapi.MailApi, tokens mailapi.AccessTokenProvider) error {
	if err := checkToken(ctx, tokens); err != nil {
		return err
	}
	return svc.acts.Apply(ctx, threadID, api, actions.Unarchive)
}

func (svc *Service) ToggleStar(ctx context.Context, threadID string, api mailapi.MailApi, tokens mailapi.AccessTokenProvider) (bool, error) {
	if err := checkToken(ctx, tokens); err != nil {
		return false, err
	}
	return svc.acts.ToggleStar(ctx, threadID, api)
}

func (svc *Service) SetRead(ctx context.Context, threadID string, api mailapi.MailApi, tokens mailapi.AccessTokenProvider, isRead bool) (bool, error) {
	if err := checkToken(ctx, tokens); err != nil {
		return false, err
	}
	return svc.acts.SetRead(ctx, threadID, api, isRead)
}

func (svc *Service) TrashThread(ctx context.Context, threadID string, api mailapi.MailApi, tokens mailapi.AccessTokenProvider) error {
	if err := checkToken(ctx, tokens); err != nil {
		return err
	}
	return svc.acts.Apply(ctx, threadID, api, actions.TrashThread)
}
