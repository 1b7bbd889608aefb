package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aerostudio/mailcore/internal/database"
	"github.com/jmoiron/sqlx"
)

// Store is the metadata store. Reads use sqlx struct scanning; writes go
// through database/sql directly since they're hand-assembled multi-table
// transactions, not simple row scans.
type Store struct {
	db  *database.DB
	sdb *sqlx.DB
}

// NewStore wraps db for metadata operations.
func NewStore(db *database.DB) *Store {
	return &Store{db: db, sdb: sqlx.NewDb(db.DB, "sqlite")}
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// -- Accounts --------------------------------------------------------------

func (s *Store) RegisterAccount(email, displayName string) (*Account, error) {
	color := avatarColor(email)
	res, err := s.db.Exec(
		`INSERT INTO accounts (email, display_name, avatar_color) VALUES (?, ?, ?)`,
		email, displayName, color,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read new account id: %w", err)
	}
	return s.GetAccount(id)
}

func (s *Store) ListAccounts() ([]Account, error) {
	var accounts []Account
	if err := s.sdb.Select(&accounts, `SELECT * FROM accounts ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

func (s *Store) GetAccount(id int64) (*Account, error) {
	var a Account
	err := s.sdb.Get(&a, `SELECT * FROM accounts WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

func (s *Store) GetAccountByEmail(email string) (*Account, error) {
	var a Account
	err := s.sdb.Get(&a, `SELECT * FROM accounts WHERE email = ?`, email)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account by email: %w", err)
	}
	return &a, nil
}

func (s *Store) DeleteAccount(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM accounts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

func (s *Store) UpdateAccountToken(id int64, tokenJSON string) error {
	if _, err := s.db.Exec(`UPDATE accounts SET token_data = ? WHERE id = ?`, tokenJSON, id); err != nil {
		return fmt.Errorf("failed to update account token: %w", err)
	}
	return nil
}

// avatarColor derives a deterministic display color from the email
// address so the same account always gets the same color across runs.
func avatarColor(email string) string {
	palette := []string{"#E57373", "#64B5F6", "#81C784", "#FFD54F", "#BA68C8", "#4DB6AC", "#F06292", "#A1887F"}
	var h uint32
	for i := 0; i < len(email); i++ {
		h = h*31 + uint32(email[i])
	}
	return palette[h%uint32(len(palette))]
}

// -- Labels ------------------------------------------------------------------

func ensureLabelID(tx *sql.Tx, name string) (int64, error) {
	var id int64
	err := tx.QueryRow(`SELECT id FROM labels WHERE name = ?`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to look up label %q: %w", name, err)
	}
	res, err := tx.Exec(`INSERT INTO labels (name) VALUES (?)`, name)
	if err != nil {
		return 0, fmt.Errorf("failed to create label %q: %w", name, err)
	}
	return res.LastInsertId()
}

// -- Threads -------------------------------------------------------------

// UpsertThread inserts or updates a thread row by id. It does not touch
// messages; callers update thread aggregates via UpsertMessage.
func (s *Store) UpsertThread(t Thread) error {
	_, err := s.db.Exec(`
		INSERT INTO threads (id, account_id, subject, snippet, last_message_at, message_count, sender_name, sender_email, is_unread)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			subject = excluded.subject,
			snippet = excluded.snippet,
			last_message_at = excluded.last_message_at,
			message_count = excluded.message_count,
			sender_name = excluded.sender_name,
			sender_email = excluded.sender_email,
			is_unread = excluded.is_unread
	`, t.ID, t.AccountID, t.Subject, t.Snippet, t.LastMessageAt, t.MessageCount, t.SenderName, t.SenderEmail, t.IsUnread)
	if err != nil {
		return fmt.Errorf("failed to upsert thread: %w", err)
	}
	return nil
}

func (s *Store) GetThread(id string) (*Thread, error) {
	var t Thread
	err := s.sdb.Get(&t, `SELECT * FROM threads WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return &t, nil
}

func (s *Store) ListThreads(accountID *int64, limit, offset int) ([]Thread, error) {
	var threads []Thread
	var err error
	if accountID != nil {
		err = s.sdb.Select(&threads, `
			SELECT * FROM threads WHERE account_id = ?
			ORDER BY last_message_at DESC, id
			LIMIT ? OFFSET ?`, *accountID, limit, offset)
	} else {
		err = s.sdb.Select(&threads, `
			SELECT * FROM threads
			ORDER BY last_message_at DESC, id
			LIMIT ? OFFSET ?`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	return threads, nil
}

func (s *Store) ListThreadsByLabel(label string, accountID *int64, limit, offset int) ([]Thread, error) {
	args := []interface{}{label}
	query := `
		SELECT t.* FROM threads t
		JOIN thread_labels tl ON tl.thread_id = t.id
		JOIN labels l ON l.id = tl.label_id
		WHERE l.name = ?`
	if accountID != nil {
		query += ` AND t.account_id = ?`
		args = append(args, *accountID)
	}
	query += ` ORDER BY tl.last_message_at DESC, t.id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var threads []Thread
	if err := s.sdb.Select(&threads, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list threads by label: %w", err)
	}
	return threads, nil
}

func (s *Store) CountThreads(accountID *int64) (int, error) {
	var count int
	var err error
	if accountID != nil {
		err = s.sdb.Get(&count, `SELECT COUNT(*) FROM threads WHERE account_id = ?`, *accountID)
	} else {
		err = s.sdb.Get(&count, `SELECT COUNT(*) FROM threads`)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count threads: %w", err)
	}
	return count, nil
}

func (s *Store) CountUnread(label string, accountID *int64) (int, error) {
	args := []interface{}{label}
	query := `
		SELECT COUNT(*) FROM threads t
		JOIN thread_labels tl ON tl.thread_id = t.id
		JOIN labels l ON l.id = tl.label_id
		WHERE l.name = ? AND t.is_unread = 1`
	if accountID != nil {
		query += ` AND t.account_id = ?`
		args = append(args, *accountID)
	}
	var count int
	if err := s.sdb.Get(&count, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count unread: %w", err)
	}
	return count, nil
}

// GetThreadDetail returns a thread with all its messages, newest last.
func (s *Store) GetThreadDetail(id string) (*ThreadDetail, error) {
	thread, err := s.GetThread(id)
	if err != nil || thread == nil {
		return nil, err
	}

	var ids []string
	if err := s.sdb.Select(&ids, `SELECT id FROM messages WHERE thread_id = ? ORDER BY received_at ASC, id`, id); err != nil {
		return nil, fmt.Errorf("failed to list thread messages: %w", err)
	}

	detail := &ThreadDetail{Thread: *thread}
	for _, mid := range ids {
		m, err := s.GetMessage(mid)
		if err != nil {
			return nil, err
		}
		if m != nil {
			detail.Messages = append(detail.Messages, *m)
		}
	}
	return detail, nil
}

// -- Messages --------------------------------------------------------------

// UpsertMessage replaces a message row (and its recipients/labels) in one
// transaction, then recomputes the owning thread's aggregate fields and
// thread_labels per the invariants in the metadata store design.
func (s *Store) UpsertMessage(m Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertMessageTx(tx, m); err != nil {
		return err
	}
	if err := recomputeThreadTx(tx, m.ThreadID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message upsert: %w", err)
	}
	return nil
}

func upsertMessageTx(tx *sql.Tx, m Message) error {
	_, err := tx.Exec(`
		INSERT INTO messages (
			id, thread_id, account_id, from_name, from_email, subject, body_preview,
			received_at, internal_date, has_plain_body, has_rich_body, has_attachment
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			thread_id = excluded.thread_id,
			from_name = excluded.from_name,
			from_email = excluded.from_email,
			subject = excluded.subject,
			body_preview = excluded.body_preview,
			received_at = excluded.received_at,
			internal_date = excluded.internal_date,
			has_plain_body = excluded.has_plain_body,
			has_rich_body = excluded.has_rich_body,
			has_attachment = excluded.has_attachment
	`, m.ID, m.ThreadID, m.AccountID, m.FromName, m.FromEmail, m.Subject, m.BodyPreview,
		m.ReceivedAt, m.InternalDate, m.HasPlainBody, m.HasRichBody, m.HasAttachment)
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM message_recipients WHERE message_id = ?`, m.ID); err != nil {
		return fmt.Errorf("failed to clear recipients: %w", err)
	}
	for i, r := range m.To {
		if _, err := tx.Exec(`INSERT INTO message_recipients (message_id, kind, position, name, email) VALUES (?, 'to', ?, ?, ?)`,
			m.ID, i, r.Name, r.Email); err != nil {
			return fmt.Errorf("failed to insert recipient: %w", err)
		}
	}
	for i, r := range m.Cc {
		if _, err := tx.Exec(`INSERT INTO message_recipients (message_id, kind, position, name, email) VALUES (?, 'cc', ?, ?, ?)`,
			m.ID, i, r.Name, r.Email); err != nil {
			return fmt.Errorf("failed to insert recipient: %w", err)
		}
	}

	return replaceMessageLabelsTx(tx, m.ID, m.Labels)
}

func replaceMessageLabelsTx(tx *sql.Tx, messageID string, labels []string) error {
	if _, err := tx.Exec(`DELETE FROM message_labels WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("failed to clear message labels: %w", err)
	}
	for _, name := range labels {
		labelID, err := ensureLabelID(tx, name)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO message_labels (message_id, label_id) VALUES (?, ?)`, messageID, labelID); err != nil {
			return fmt.Errorf("failed to insert message label: %w", err)
		}
	}
	return nil
}

// recomputeThreadTx recalculates last_message_at, message_count, is_unread
// and thread_labels for threadID from its current messages. If the thread
// has no remaining messages it is deleted (invariant 2: "if it was the
// last, the thread is deleted").
func recomputeThreadTx(tx *sql.Tx, threadID string) error {
	var count int
	var lastMessageAt sql.NullInt64
	var unread int
	err := tx.QueryRow(`
		SELECT COUNT(*), MAX(received_at), SUM(CASE WHEN EXISTS (
			SELECT 1 FROM message_labels ml JOIN labels l ON l.id = ml.label_id
			WHERE ml.message_id = messages.id AND l.name = 'UNREAD'
		) THEN 1 ELSE 0 END)
		FROM messages WHERE thread_id = ?
	`, threadID).Scan(&count, &lastMessageAt, &unread)
	if err != nil {
		return fmt.Errorf("failed to aggregate thread: %w", err)
	}

	if count == 0 {
		if _, err := tx.Exec(`DELETE FROM threads WHERE id = ?`, threadID); err != nil {
			return fmt.Errorf("failed to delete emptied thread: %w", err)
		}
		return nil
	}

	var senderName, senderEmail, subject string
	if err := tx.QueryRow(`
		SELECT from_name, from_email, subject FROM messages
		WHERE thread_id = ? ORDER BY received_at ASC LIMIT 1
	`, threadID).Scan(&senderName, &senderEmail, &subject); err != nil {
		return fmt.Errorf("failed to load earliest message: %w", err)
	}

	var snippet string
	if err := tx.QueryRow(`
		SELECT body_preview FROM messages
		WHERE thread_id = ? ORDER BY received_at DESC LIMIT 1
	`, threadID).Scan(&snippet); err != nil {
		return fmt.Errorf("failed to load latest message: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE threads SET
			subject = ?, snippet = ?, last_message_at = ?, message_count = ?,
			sender_name = ?, sender_email = ?, is_unread = ?
		WHERE id = ?
	`, subject, snippet, lastMessageAt.Int64, count, senderName, senderEmail, unread > 0, threadID); err != nil {
		return fmt.Errorf("failed to update thread aggregates: %w", err)
	}

	return recomputeThreadLabelsTx(tx, threadID, lastMessageAt.Int64)
}

// recomputeThreadLabelsTx rebuilds thread_labels as the union of labels
// across the thread's messages (invariant 3).
func recomputeThreadLabelsTx(tx *sql.Tx, threadID string, lastMessageAt int64) error {
	if _, err := tx.Exec(`DELETE FROM thread_labels WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("failed to clear thread labels: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO thread_labels (thread_id, label_id, last_message_at)
		SELECT DISTINCT ?, ml.label_id, ?
		FROM message_labels ml
		JOIN messages m ON m.id = ml.message_id
		WHERE m.thread_id = ?
	`, threadID, lastMessageAt, threadID); err != nil {
		return fmt.Errorf("failed to rebuild thread labels: %w", err)
	}
	return nil
}

// MessageOrPendingExists reports whether id is already a stored message or
// an enqueued pending row, so the sync engine's fetch phase can skip
// refetching it.
func (s *Store) MessageOrPendingExists(id string) (bool, error) {
	var count int
	if err := s.sdb.Get(&count, `
		SELECT (SELECT COUNT(*) FROM messages WHERE id = ?) + (SELECT COUNT(*) FROM pending_messages WHERE id = ?)
	`, id, id); err != nil {
		return false, fmt.Errorf("failed to check message existence: %w", err)
	}
	return count > 0, nil
}

func (s *Store) GetMessage(id string) (*Message, error) {
	var m Message
	err := s.sdb.Get(&m, `SELECT * FROM messages WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	if err := s.sdb.Select(&m.To, `
		SELECT name, email FROM message_recipients WHERE message_id = ? AND kind = 'to' ORDER BY position
	`, id); err != nil {
		return nil, fmt.Errorf("failed to load recipients: %w", err)
	}
	if err := s.sdb.Select(&m.Cc, `
		SELECT name, email FROM message_recipients WHERE message_id = ? AND kind = 'cc' ORDER BY position
	`, id); err != nil {
		return nil, fmt.Errorf("failed to load recipients: %w", err)
	}
	labels, err := s.messageLabels(id)
	if err != nil {
		return nil, err
	}
	m.Labels = labels

	return &m, nil
}

func (s *Store) messageLabels(messageID string) ([]string, error) {
	var labels []string
	err := s.sdb.Select(&labels, `
		SELECT l.name FROM message_labels ml JOIN labels l ON l.id = ml.label_id WHERE ml.message_id = ?
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load message labels: %w", err)
	}
	return labels, nil
}

// UpdateMessageLabels atomically replaces a message's label set and
// recomputes the owning thread's derived fields.
func (s *Store) UpdateMessageLabels(id string, newLabels []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var threadID string
	if err := tx.QueryRow(`SELECT thread_id FROM messages WHERE id = ?`, id).Scan(&threadID); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("failed to look up message thread: %w", err)
	}

	if err := replaceMessageLabelsTx(tx, id, newLabels); err != nil {
		return err
	}
	if err := recomputeThreadTx(tx, threadID); err != nil {
		return err
	}

	return tx.Commit()
}

// IterateMessages calls fn with every message row (recipients and labels
// included), optionally scoped to accountID. Used by facade.RebuildIndex
// (the defined recovery path for index drift) and by account deletion to
// enumerate blobs that need cleaning up before the cascading row delete.
func (s *Store) IterateMessages(accountID *int64, fn func(Message) error) error {
	query := `SELECT id FROM messages`
	args := []interface{}{}
	if accountID != nil {
		query += ` WHERE account_id = ?`
		args = append(args, *accountID)
	}
	query += ` ORDER BY id`

	var ids []string
	if err := s.sdb.Select(&ids, query, args...); err != nil {
		return fmt.Errorf("failed to list message ids: %w", err)
	}

	for _, id := range ids {
		m, err := s.GetMessage(id)
		if err != nil {
			return err
		}
		if m == nil {
			continue
		}
		if err := fn(*m); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMessage removes a message and, if it was the thread's last
// message, the thread too. Blob cleanup is the caller's responsibility.
func (s *Store) DeleteMessage(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var threadID string
	if err := tx.QueryRow(`SELECT thread_id FROM messages WHERE id = ?`, id).Scan(&threadID); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("failed to look up message thread: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if err := recomputeThreadTx(tx, threadID); err != nil {
		return err
	}

	return tx.Commit()
}

// -- Pending messages --------------------------------------------------------

func (s *Store) EnqueuePending(pm PendingMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO pending_messages (id, account_id, raw_bytes) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, pm.ID, pm.AccountID, pm.RawBytes); err != nil {
		return fmt.Errorf("failed to enqueue pending message: %w", err)
	}

	for _, name := range pm.Labels {
		labelID, err := ensureLabelID(tx, name)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO pending_message_labels (message_id, label_id) VALUES (?, ?)`, pm.ID, labelID); err != nil {
			return fmt.Errorf("failed to insert pending label: %w", err)
		}
	}

	return tx.Commit()
}

// DequeuePending returns up to limit pending rows for accountID, INBOX
// labeled items first, for UX responsiveness during bulk sync.
func (s *Store) DequeuePending(accountID int64, limit int) ([]PendingMessage, error) {
	rows, err := s.sdb.Query(`
		SELECT p.id, p.account_id, p.raw_bytes, p.created_at
		FROM pending_messages p
		WHERE p.account_id = ?
		ORDER BY
			(EXISTS (
				SELECT 1 FROM pending_message_labels pl JOIN labels l ON l.id = pl.label_id
				WHERE pl.message_id = p.id AND l.name = 'INBOX'
			)) DESC,
			p.created_at ASC
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue pending messages: %w", err)
	}
	defer rows.Close()

	var out []PendingMessage
	for rows.Next() {
		var pm PendingMessage
		if err := rows.Scan(&pm.ID, &pm.AccountID, &pm.RawBytes, &pm.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending message: %w", err)
		}
		labels, err := s.pendingLabels(pm.ID)
		if err != nil {
			return nil, err
		}
		pm.Labels = labels
		out = append(out, pm)
	}
	return out, rows.Err()
}

func (s *Store) pendingLabels(messageID string) ([]string, error) {
	var labels []string
	err := s.sdb.Select(&labels, `
		SELECT l.name FROM pending_message_labels pl JOIN labels l ON l.id = pl.label_id WHERE pl.message_id = ?
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending labels: %w", err)
	}
	return labels, nil
}

func (s *Store) DeletePending(id string) error {
	if _, err := s.db.Exec(`DELETE FROM pending_messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete pending message: %w", err)
	}
	return nil
}

func (s *Store) ClearPending(accountID int64) error {
	if _, err := s.db.Exec(`DELETE FROM pending_messages WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("failed to clear pending messages: %w", err)
	}
	return nil
}

func (s *Store) CountPending(accountID int64) (int, error) {
	var count int
	if err := s.sdb.Get(&count, `SELECT COUNT(*) FROM pending_messages WHERE account_id = ?`, accountID); err != nil {
		return 0, fmt.Errorf("failed to count pending messages: %w", err)
	}
	return count, nil
}

// -- Sync cursor -------------------------------------------------------------

func (s *Store) GetSyncCursor(accountID int64) (*SyncCursor, error) {
	var row struct {
		AccountID           int64     `db:"account_id"`
		HistoryID           string    `db:"history_id"`
		LastSyncAt          sql.NullTime `db:"last_sync_at"`
		SyncVersion         int       `db:"sync_version"`
		InitialSyncComplete bool      `db:"initial_sync_complete"`
		FetchPageToken      sql.NullString `db:"fetch_page_token"`
		MessagesListed      int       `db:"messages_listed"`
		FailedMessageIDs    string    `db:"failed_message_ids"`
	}
	err := s.sdb.Get(&row, `SELECT * FROM sync_state WHERE account_id = ?`, accountID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync cursor: %w", err)
	}

	var failed []string
	if row.FailedMessageIDs != "" {
		if err := json.Unmarshal([]byte(row.FailedMessageIDs), &failed); err != nil {
			return nil, fmt.Errorf("failed to decode failed message ids: %w", err)
		}
	}

	return &SyncCursor{
		AccountID:           row.AccountID,
		HistoryID:           row.HistoryID,
		LastSyncAt:          row.LastSyncAt.Time,
		SyncVersion:         row.SyncVersion,
		InitialSyncComplete: row.InitialSyncComplete,
		FetchPageToken:      row.FetchPageToken.String,
		MessagesListed:      row.MessagesListed,
		FailedMessageIDs:    failed,
	}, nil
}

// SaveSyncCursor upserts the full cursor state in one statement, matching
// the sync engine's checkpoint-as-single-write model.
func (s *Store) SaveSyncCursor(c SyncCursor) error {
	failedJSON, err := json.Marshal(c.FailedMessageIDs)
	if err != nil {
		return fmt.Errorf("failed to encode failed message ids: %w", err)
	}
	if c.FailedMessageIDs == nil {
		failedJSON = []byte("[]")
	}

	lastSync := interface{}(nil)
	if !c.LastSyncAt.IsZero() {
		lastSync = c.LastSyncAt
	}

	_, err = s.db.Exec(`
		INSERT INTO sync_state (account_id, history_id, last_sync_at, sync_version, initial_sync_complete, fetch_page_token, messages_listed, failed_message_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			history_id = excluded.history_id,
			last_sync_at = excluded.last_sync_at,
			sync_version = excluded.sync_version,
			initial_sync_complete = excluded.initial_sync_complete,
			fetch_page_token = excluded.fetch_page_token,
			messages_listed = excluded.messages_listed,
			failed_message_ids = excluded.failed_message_ids
	`, c.AccountID, c.HistoryID, lastSync, c.SyncVersion, c.InitialSyncComplete, nullString(c.FetchPageToken), c.MessagesListed, string(failedJSON))
	if err != nil {
		return fmt.Errorf("failed to save sync cursor: %w", err)
	}
	return nil
}
