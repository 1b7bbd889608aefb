// Package syncengine replicates a remote mailbox into the local metadata
// store, blob store, and search index. It is resumable after interruption
// at any point and idempotent under retry: every write is keyed so
// replaying a checkpoint never double-applies.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/aerostudio/mailcore/internal/blobstore"
	"github.com/aerostudio/mailcore/internal/logging"
	"github.com/aerostudio/mailcore/internal/mailapi"
	"github.com/aerostudio/mailcore/internal/mailerr"
	"github.com/aerostudio/mailcore/internal/normalize"
	"github.com/aerostudio/mailcore/internal/searchindex"
	"github.com/aerostudio/mailcore/internal/store"
)

// State names the cursor's position in the sync state machine. It is
// derived entirely from SyncCursor fields plus the current pending-row
// count; nothing about it is itself persisted.
type State string

const (
	StateUntouched         State = "untouched"
	StateBulkListing       State = "bulk_listing"
	StateBulkFetching      State = "bulk_fetching"
	StateProcessingPending State = "processing_pending"
	StateSteady            State = "steady"
)

// DeriveState classifies a cursor (nil meaning "never synced") against the
// state machine in the sync engine design.
func DeriveState(cursor *store.SyncCursor, pendingCount int) State {
	if cursor == nil {
		return StateUntouched
	}
	if cursor.InitialSyncComplete {
		return StateSteady
	}
	if cursor.HasFetchProgress() {
		if pendingCount > 0 {
			return StateBulkFetching
		}
		return StateBulkListing
	}
	if pendingCount > 0 {
		return StateProcessingPending
	}
	return StateBulkListing
}

// Retry tuning for transient fetch errors: three attempts total, with
// waits of 100ms then 200ms between them, each plus up to 50% jitter.
const (
	retryAttempts = 3
	retryBase     = 100 * time.Millisecond
)

// pendingBatchSize is how many pending rows the process phase drains per
// interleave step.
const pendingBatchSize = 25

// Progress receives status updates during a sync call. Either field may be
// nil; the engine checks before invoking.
type Progress struct {
	OnUpdate func(processed int, total *int, statusText string)
	OnError  func(message string)
}

func (p Progress) update(processed int, total *int, statusText string) {
	if p.OnUpdate != nil {
		p.OnUpdate(processed, total, statusText)
	}
}

func (p Progress) reportError(message string) {
	if p.OnError != nil {
		p.OnError(message)
	}
}

// Stats summarizes the outcome of one SyncAccount/FullResync call.
type Stats struct {
	MessagesFetched   int
	MessagesProcessed int
	MessagesFailed    int
	Promoted          bool // true if a history-expiry promotion to bulk occurred
}

// Engine drives replication for any number of accounts. It owns no
// account-specific state; every call receives its capabilities explicitly
// (no global mutable state).
type Engine struct {
	store *store.Store
	blobs blobstore.Store
	index *searchindex.Index
}

// New wraps the given components into a sync engine.
func New(metaStore *store.Store, blobs blobstore.Store, index *searchindex.Index) *Engine {
	return &Engine{store: metaStore, blobs: blobs, index: index}
}

// SyncAccount brings accountID's replica up to date: bulk sync if no
// cursor exists or bulk sync was left incomplete, otherwise incremental
// sync from the stored history id. A history-cursor expiry detected
// during incremental sync transparently falls through to a fresh bulk
// sync within this same call.
func (e *Engine) SyncAccount(ctx context.Context, accountID int64, api mailapi.MailApi, progress Progress) (Stats, error) {
	log := logging.WithComponent("syncengine")

	cursor, err := e.store.GetSyncCursor(accountID)
	if err != nil {
		return Stats{}, mailerr.WithPhase(mailerr.Database, "load_cursor", err)
	}

	if cursor != nil && cursor.InitialSyncComplete {
		stats, err := e.incrementalSync(ctx, accountID, api, *cursor, progress)
		if err == nil {
			return stats, nil
		}
		if !errors.Is(err, mailapi.ErrHistoryExpired) {
			return stats, err
		}
		log.Info().Int64("account", accountID).Msg("history cursor expired, promoting to bulk sync")
		stats.Promoted = true
		cursor = &store.SyncCursor{AccountID: accountID}
		if err := e.store.SaveSyncCursor(*cursor); err != nil {
			return stats, mailerr.WithPhase(mailerr.Database, "demote_cursor", err)
		}
		bulkStats, err := e.bulkSync(ctx, accountID, api, progress)
		bulkStats.Promoted = true
		return bulkStats, err
	}

	return e.bulkSync(ctx, accountID, api, progress)
}

// FullResync discards any existing cursor and pending rows and performs a
// complete bulk sync from scratch.
func (e *Engine) FullResync(ctx context.Context, accountID int64, api mailapi.MailApi, progress Progress) (Stats, error) {
	if err := e.store.ClearPending(accountID); err != nil {
		return Stats{}, mailerr.WithPhase(mailerr.Database, "clear_pending", err)
	}
	if err := e.store.SaveSyncCursor(store.SyncCursor{AccountID: accountID}); err != nil {
		return Stats{}, mailerr.WithPhase(mailerr.Database, "reset_cursor", err)
	}
	return e.bulkSync(ctx, accountID, api, progress)
}

// bulkSync runs the fetch phase (resuming from any stored page token) and
// the process phase interleaved, per page.
func (e *Engine) bulkSync(ctx context.Context, accountID int64, api mailapi.MailApi, progress Progress) (Stats, error) {
	var stats Stats

	cursor, err := e.store.GetSyncCursor(accountID)
	if err != nil {
		return stats, mailerr.WithPhase(mailerr.Database, "load_cursor", err)
	}
	if cursor == nil {
		cursor = &store.SyncCursor{AccountID: accountID}
	}

	if cursor.HistoryID == "" {
		profile, err := api.Profile(ctx)
		if err != nil {
			return stats, mailerr.WithPhase(mailerr.Network, "profile", err)
		}
		cursor.HistoryID = profile.HistoryID
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, mailerr.WithPhase(mailerr.Cancelled, "listing", err)
		}

		ids, nextToken, err := api.ListMessages(ctx, cursor.FetchPageToken, "")
		if err != nil {
			return stats, mailerr.WithPhase(mailerr.Network, "listing", err)
		}

		var toFetch []string
		for _, id := range ids {
			exists, err := e.store.MessageOrPendingExists(id)
			if err != nil {
				return stats, mailerr.WithPhase(mailerr.Database, "fetching", err)
			}
			if exists {
				continue
			}
			toFetch = append(toFetch, id)
		}

		if len(toFetch) > 0 {
			results, err := fetchBatchWithRetry(ctx, api, toFetch)
			if err != nil {
				for _, id := range toFetch {
					cursor.FailedMessageIDs = appendUnique(cursor.FailedMessageIDs, id)
					stats.MessagesFailed++
					progress.reportError(fmt.Sprintf("fetch %s: %v", id, err))
				}
			} else {
				for _, res := range results {
					if res.Err != nil || res.Payload == nil {
						cursor.FailedMessageIDs = appendUnique(cursor.FailedMessageIDs, res.ID)
						stats.MessagesFailed++
						progress.reportError(fmt.Sprintf("fetch %s: %v", res.ID, res.Err))
						continue
					}

					if err := e.enqueue(accountID, *res.Payload); err != nil {
						return stats, mailerr.WithPhase(mailerr.Database, "fetching", err)
					}
					stats.MessagesFetched++
				}
			}
		}

		cursor.FetchPageToken = nextToken
		cursor.MessagesListed += len(ids)
		if err := e.store.SaveSyncCursor(*cursor); err != nil {
			return stats, mailerr.WithPhase(mailerr.Database, "checkpoint", err)
		}
		progress.update(cursor.MessagesListed, nil, "listing messages")

		processed, failed, err := e.processPending(accountID, pendingBatchSize)
		stats.MessagesProcessed += processed
		stats.MessagesFailed += failed
		if err != nil {
			return stats, err
		}

		if nextToken == "" {
			break
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, mailerr.WithPhase(mailerr.Cancelled, "processing", err)
		}
		processed, failed, err := e.processPending(accountID, pendingBatchSize)
		stats.MessagesProcessed += processed
		stats.MessagesFailed += failed
		if err != nil {
			return stats, err
		}
		if processed == 0 {
			break
		}
	}

	for _, id := range cursor.FailedMessageIDs {
		payload, err := fetchWithRetry(ctx, api, id)
		if err != nil {
			stats.MessagesFailed++
			progress.reportError(fmt.Sprintf("fetch %s: %v", id, err))
			continue
		}
		if err := e.enqueue(accountID, *payload); err != nil {
			return stats, mailerr.WithPhase(mailerr.Database, "fetching", err)
		}
		stats.MessagesFetched++
	}
	for {
		processed, failed, err := e.processPending(accountID, pendingBatchSize)
		stats.MessagesProcessed += processed
		stats.MessagesFailed += failed
		if err != nil {
			return stats, err
		}
		if processed == 0 {
			break
		}
	}

	// Per the bulk-sync invariant, failed_message_ids is empty once
	// initial_sync_complete is set; ids that still fail after this final
	// reattempt are dropped rather than left stuck forever. Incremental
	// sync fetches such a message again only if a later history record
	// names it.
	cursor.FailedMessageIDs = nil
	cursor.InitialSyncComplete = true
	cursor.FetchPageToken = ""
	cursor.MessagesListed = 0
	cursor.LastSyncAt = time.Now().UTC()
	if err := e.store.SaveSyncCursor(*cursor); err != nil {
		return stats, mailerr.WithPhase(mailerr.Database, "finalize", err)
	}
	progress.update(stats.MessagesProcessed, &stats.MessagesProcessed, "sync complete")

	return stats, nil
}

func (e *Engine) enqueue(accountID int64, payload mailapi.Payload) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return e.store.EnqueuePending(store.PendingMessage{
		ID:        payload.ID,
		AccountID: accountID,
		RawBytes:  raw,
		Labels:    payload.LabelIDs,
	})
}

// processPending drains up to limit pending rows, normalizing and
// persisting each. A row that fails to process is left in place so the
// next sync retries it.
func (e *Engine) processPending(accountID int64, limit int) (processed, failed int, err error) {
	log := logging.WithComponent("syncengine")

	pending, err := e.store.DequeuePending(accountID, limit)
	if err != nil {
		return 0, 0, mailerr.WithPhase(mailerr.Database, "processing", err)
	}

	for _, pm := range pending {
		payload, decodeErr := decodePayload(pm.RawBytes)
		if decodeErr != nil {
			log.Error().Err(decodeErr).Str("message", pm.ID).Msg("failed to decode pending payload")
			failed++
			continue
		}

		if err := e.storeMessage(accountID, payload); err != nil {
			log.Error().Err(err).Str("message", pm.ID).Msg("failed to process pending message")
			failed++
			continue
		}

		if err := e.store.DeletePending(pm.ID); err != nil {
			return processed, failed, mailerr.WithPhase(mailerr.Database, "processing", err)
		}
		processed++
	}

	return processed, failed, nil
}

// storeMessage normalizes payload and upserts the thread, message,
// recipients, labels, blobs, and search document in one pass.
func (e *Engine) storeMessage(accountID int64, payload mailapi.Payload) error {
	n := normalize.Message(payload)

	if err := e.store.UpsertThread(store.Thread{ID: n.ThreadID, AccountID: accountID}); err != nil {
		return fmt.Errorf("failed to ensure thread row: %w", err)
	}

	hasPlain := len(n.PlainBody) > 0
	hasRich := len(n.RichBody) > 0
	if hasPlain {
		if err := e.blobs.Put(blobstore.Key{MessageID: n.MessageID, Kind: blobstore.KindPlain}, n.PlainBody); err != nil {
			return fmt.Errorf("failed to store plain body: %w", err)
		}
	}
	if hasRich {
		if err := e.blobs.Put(blobstore.Key{MessageID: n.MessageID, Kind: blobstore.KindRich}, n.RichBody); err != nil {
			return fmt.Errorf("failed to store rich body: %w", err)
		}
	}

	msg := store.Message{
		ID:            n.MessageID,
		ThreadID:      n.ThreadID,
		AccountID:     accountID,
		FromName:      n.From.Name,
		FromEmail:     n.From.Email,
		Subject:       n.Subject,
		BodyPreview:   n.BodyPreview,
		ReceivedAt:    n.ReceivedAt.UnixMilli(),
		InternalDate:  n.InternalDate,
		HasPlainBody:  hasPlain,
		HasRichBody:   hasRich,
		HasAttachment: normalize.HasAttachment(payload),
		Labels:        n.Labels,
	}
	for _, r := range n.To {
		msg.To = append(msg.To, store.Recipient{Name: r.Name, Email: r.Email})
	}
	for _, r := range n.Cc {
		msg.Cc = append(msg.Cc, store.Recipient{Name: r.Name, Email: r.Email})
	}

	if err := e.store.UpsertMessage(msg); err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}

	doc := searchindex.Document{
		MessageID:     msg.ID,
		ThreadID:      msg.ThreadID,
		AccountID:     accountID,
		Subject:       msg.Subject,
		BodyText:      string(n.PlainBody),
		Snippet:       msg.BodyPreview,
		FromName:      msg.FromName,
		FromEmail:     msg.FromEmail,
		To:            joinRecipients(n.To),
		Cc:            joinRecipients(n.Cc),
		Labels:        msg.Labels,
		ReceivedAtMs:  msg.ReceivedAt,
		IsUnread:      containsLabel(msg.Labels, "UNREAD"),
		IsStarred:     containsLabel(msg.Labels, "STARRED"),
		HasAttachment: msg.HasAttachment,
	}
	// Metadata commit happens first (above); the index write is
	// best-effort on top of it, matching the ordering guarantee that a
	// failed index commit still leaves the message row correct.
	if err := e.index.Upsert(doc); err != nil {
		return fmt.Errorf("failed to index message: %w", err)
	}

	return nil
}

// incrementalSync applies the server's history log since cursor.HistoryID.
func (e *Engine) incrementalSync(ctx context.Context, accountID int64, api mailapi.MailApi, cursor store.SyncCursor, progress Progress) (Stats, error) {
	var stats Stats

	records, newCursor, _, err := api.History(ctx, cursor.HistoryID)
	if err != nil {
		if errors.Is(err, mailapi.ErrHistoryExpired) {
			return stats, err
		}
		return stats, mailerr.WithPhase(mailerr.Network, "incremental", err)
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return stats, mailerr.WithPhase(mailerr.Cancelled, "incremental", err)
		}

		switch {
		case rec.Deleted:
			if err := e.store.DeleteMessage(rec.MessageID); err != nil {
				return stats, mailerr.WithPhase(mailerr.Database, "incremental", err)
			}
			if err := e.index.DeleteThread(rec.ThreadID); err != nil {
				return stats, mailerr.WithPhase(mailerr.Search, "incremental", err)
			}
		case rec.Added:
			payload, err := fetchWithRetry(ctx, api, rec.MessageID)
			if err != nil {
				stats.MessagesFailed++
				progress.reportError(fmt.Sprintf("fetch %s: %v", rec.MessageID, err))
				continue
			}
			if err := e.storeMessage(accountID, *payload); err != nil {
				return stats, mailerr.WithPhase(mailerr.Database, "incremental", err)
			}
			stats.MessagesProcessed++
		case len(rec.LabelsAdded) > 0 || len(rec.LabelsRemoved) > 0:
			if err := e.applyLabelDelta(rec.MessageID, rec.LabelsAdded, rec.LabelsRemoved); err != nil {
				return stats, mailerr.WithPhase(mailerr.Database, "incremental", err)
			}
		}
	}

	cursor.HistoryID = newCursor
	cursor.LastSyncAt = time.Now().UTC()
	if err := e.store.SaveSyncCursor(cursor); err != nil {
		return stats, mailerr.WithPhase(mailerr.Database, "incremental", err)
	}
	progress.update(len(records), nil, "incremental sync complete")

	return stats, nil
}

func (e *Engine) applyLabelDelta(messageID string, added, removed []string) error {
	msg, err := e.store.GetMessage(messageID)
	if err != nil || msg == nil {
		return err
	}

	remove := map[string]bool{}
	for _, l := range removed {
		remove[l] = true
	}
	add := map[string]bool{}
	for _, l := range added {
		add[l] = true
	}

	labels := make([]string, 0, len(msg.Labels)+len(added))
	for _, l := range msg.Labels {
		if !remove[l] {
			labels = append(labels, l)
			delete(add, l)
		}
	}
	for l := range add {
		labels = append(labels, l)
	}

	return e.store.UpdateMessageLabels(messageID, labels)
}

// fetchWithRetry fetches id, retrying transient errors with exponential
// backoff and jitter.
func fetchWithRetry(ctx context.Context, api mailapi.MailApi, id string) (*mailapi.Payload, error) {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		payload, err := api.GetMessage(ctx, id)
		if err == nil {
			return payload, nil
		}
		lastErr = err

		if attempt == retryAttempts-1 {
			break
		}
		delay := retryBase * time.Duration(1<<uint(attempt))
		jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// fetchBatchWithRetry fetches ids via the batch endpoint, retrying the
// whole call on transient errors; per-id outcomes are reported in the
// returned results rather than as a call error.
func fetchBatchWithRetry(ctx context.Context, api mailapi.MailApi, ids []string) ([]mailapi.MessageResult, error) {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		results, err := api.GetMessagesBatch(ctx, ids)
		if err == nil {
			return results, nil
		}
		lastErr = err

		if attempt == retryAttempts-1 {
			break
		}
		delay := retryBase * time.Duration(1<<uint(attempt))
		jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func appendUnique(list []string, id string) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}

func containsLabel(labels []string, name string) bool {
	for _, l := range labels {
		if l == name {
			return true
		}
	}
	return false
}

func joinRecipients(recipients []normalize.Recipient) string {
	var out string
	for i, r := range recipients {
		if i > 0 {
			out += " "
		}
		out += r.Name + " " + r.Email
	}
	return out
}
