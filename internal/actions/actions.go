// Package actions applies user mutations to a thread: archive, star,
// read/unread, trash. Every action is remote-first, matching the server's
// authoritative model: the remote batch-modify call happens before any
// local write, and a failed remote call leaves local state untouched.
package actions

import (
	"context"
	"fmt"

	"github.com/aerostudio/mailcore/internal/blobstore"
	"github.com/aerostudio/mailcore/internal/logging"
	"github.com/aerostudio/mailcore/internal/mailapi"
	"github.com/aerostudio/mailcore/internal/mailerr"
	"github.com/aerostudio/mailcore/internal/searchindex"
	"github.com/aerostudio/mailcore/internal/store"
)

// Action names a mutation a thread can receive.
type Action string

const (
	Archive     Action = "archive"
	Unarchive   Action = "unarchive"
	Star        Action = "star"
	Unstar      Action = "unstar"
	MarkRead    Action = "mark_read"
	MarkUnread  Action = "mark_unread"
	TrashThread Action = "trash"
)

// labelDelta is the add/remove label-name pair an action applies to every
// message in a thread.
type labelDelta struct {
	add    []string
	remove []string
}

// deltas is the table from spec: action -> label delta, thread-scoped.
var deltas = map[Action]labelDelta{
	Archive:     {remove: []string{"INBOX"}},
	Unarchive:   {add: []string{"INBOX"}},
	Star:        {add: []string{"STARRED"}},
	Unstar:      {remove: []string{"STARRED"}},
	MarkRead:    {remove: []string{"UNREAD"}},
	MarkUnread:  {add: []string{"UNREAD"}},
	TrashThread: {add: []string{"TRASH"}, remove: []string{"INBOX"}},
}

// Handler applies thread-scoped label mutations through the remote API
// first, then reconciles the local metadata store and search index.
type Handler struct {
	store *store.Store
	blobs blobstore.Store
	index *searchindex.Index
}

// New wraps the metadata store, blob store, and search index into a
// mutation handler. The blob store is consulted only to re-derive the
// body_text the search index indexes when a thread is reindexed after a
// mutation (label changes never touch message bodies).
func New(metaStore *store.Store, blobs blobstore.Store, index *searchindex.Index) *Handler {
	return &Handler{store: metaStore, blobs: blobs, index: index}
}

// Apply performs action on threadID: fetches the thread's message ids,
// issues a batch-modify to the remote API, and only on success applies the
// label delta to each message locally, refreshing thread flags, the
// denormalized thread-label index, and the search index's documents for
// the thread.
func (h *Handler) Apply(ctx context.Context, threadID string, api mailapi.MailApi, action Action) error {
	delta, ok := deltas[action]
	if !ok {
		return fmt.Errorf("actions: unknown action %q", action)
	}
	return h.applyDelta(ctx, threadID, api, delta)
}

// ToggleStar flips STARRED on threadID, returning the thread's new
// is-starred state (true if any constituent message now bears STARRED).
func (h *Handler) ToggleStar(ctx context.Context, threadID string, api mailapi.MailApi) (bool, error) {
	detail, err := h.store.GetThreadDetail(threadID)
	if err != nil {
		return false, mailerr.WithPhase(mailerr.Database, "action", err)
	}
	if detail == nil {
		return false, nil
	}

	starred := threadHasLabel(detail, "STARRED")
	action := Star
	if starred {
		action = Unstar
	}
	if err := h.Apply(ctx, threadID, api, action); err != nil {
		return starred, err
	}
	return !starred, nil
}

// SetRead marks every message in threadID read (isRead=true) or unread
// (isRead=false), returning the thread's new is-unread state.
func (h *Handler) SetRead(ctx context.Context, threadID string, api mailapi.MailApi, isRead bool) (bool, error) {
	action := MarkRead
	if !isRead {
		action = MarkUnread
	}
	if err := h.Apply(ctx, threadID, api, action); err != nil {
		return !isRead, err
	}
	return !isRead, nil
}

func threadHasLabel(detail *store.ThreadDetail, label string) bool {
	for _, m := range detail.Messages {
		for _, l := range m.Labels {
			if l == label {
				return true
			}
		}
	}
	return false
}

// applyDelta is the core remote-first, reconcile-local sequence shared by
// every action.
func (h *Handler) applyDelta(ctx context.Context, threadID string, api mailapi.MailApi, delta labelDelta) error {
	log := logging.WithComponent("actions")

	detail, err := h.store.GetThreadDetail(threadID)
	if err != nil {
		return mailerr.WithPhase(mailerr.Database, "action", err)
	}
	if detail == nil {
		return nil
	}

	ids := make([]string, len(detail.Messages))
	for i, m := range detail.Messages {
		ids[i] = m.ID
	}
	if len(ids) == 0 {
		return nil
	}

	if err := api.BatchModify(ctx, ids, delta.add, delta.remove); err != nil {
		log.Warn().Str("thread", threadID).Err(err).Msg("remote batch modify failed, local state unchanged")
		return mailerr.WithPhase(mailerr.Network, "action", err)
	}

	for _, m := range detail.Messages {
		newLabels := applyLabelDelta(m.Labels, delta.add, delta.remove)
		if err := h.store.UpdateMessageLabels(m.ID, newLabels); err != nil {
			return mailerr.WithPhase(mailerr.Database, "action", err)
		}
	}

	thread, err := h.store.GetThread(threadID)
	if err != nil {
		return mailerr.WithPhase(mailerr.Database, "action", err)
	}
	if thread == nil {
		if err := h.index.DeleteThread(threadID); err != nil {
			return mailerr.WithPhase(mailerr.Search, "action", err)
		}
		return nil
	}

	if err := h.reindexThread(*thread); err != nil {
		return mailerr.WithPhase(mailerr.Search, "action", err)
	}
	return nil
}

// reindexThread rewrites every message document of thread so filters like
// is:unread / in:inbox stay correct in search results immediately after a
// mutation (step 4 of the action handler contract).
func (h *Handler) reindexThread(thread store.Thread) error {
	detail, err := h.store.GetThreadDetail(thread.ID)
	if err != nil {
		return err
	}
	if detail == nil {
		return nil
	}

	for _, m := range detail.Messages {
		var bodyText string
		if m.HasPlainBody {
			plain, err := h.blobs.Get(blobstore.Key{MessageID: m.ID, Kind: blobstore.KindPlain})
			if err != nil {
				return err
			}
			bodyText = string(plain)
		}

		doc := searchindex.Document{
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
			IsUnread:      containsLabel(m.Labels, "UNREAD"),
			IsStarred:     containsLabel(m.Labels, "STARRED"),
			HasAttachment: m.HasAttachment,
		}
		if err := h.index.Upsert(doc); err != nil {
			return err
		}
	}
	return nil
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

func applyLabelDelta(labels, add, remove []string) []string {
	removeSet := map[string]bool{}
	for _, l := range remove {
		removeSet[l] = true
	}
	addSet := map[string]bool{}
	for _, l := range add {
		addSet[l] = true
	}

	out := make([]string, 0, len(labels)+len(add))
	for _, l := range labels {
		if !removeSet[l] {
			out = append(out, l)
			delete(addSet, l)
		}
	}
	for l := range addSet {
		out = append(out, l)
	}
	return out
}

func containsLabel(labels []string, name string) bool {
	for _, l := range labels {
		if l == name {
			return true
		}
	}
	return false
}
