package database

// Migration represents one schema change, applied exactly once.
type Migration struct {
	Version int
	SQL     string
}

// migrations is the ordered list of all schema migrations. The logical
// schema mirrors spec.md §4.2; label membership is normalized into join
// tables against a small labels registry so message_labels/thread_labels
// can carry a stable label_id rather than repeating label name strings.
var migrations = []Migration{
	{
		Version: 1,
		SQL: `
			CREATE TABLE accounts (
				id INTEGER PRIMARY KEY,
				email TEXT NOT NULL UNIQUE,
				display_name TEXT NOT NULL DEFAULT '',
				avatar_color TEXT NOT NULL DEFAULT '',
				is_primary INTEGER NOT NULL DEFAULT 0,
				added_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				token_data TEXT NOT NULL DEFAULT '{}'
			);

			CREATE TABLE sync_state (
				account_id INTEGER PRIMARY KEY REFERENCES accounts(id) ON DELETE CASCADE,
				history_id TEXT NOT NULL DEFAULT '',
				last_sync_at DATETIME,
				sync_version INTEGER NOT NULL DEFAULT 1,
				initial_sync_complete INTEGER NOT NULL DEFAULT 0,
				fetch_page_token TEXT,
				messages_listed INTEGER NOT NULL DEFAULT 0,
				failed_message_ids TEXT NOT NULL DEFAULT '[]'
			);

			CREATE TABLE labels (
				id INTEGER PRIMARY KEY,
				name TEXT NOT NULL UNIQUE
			);

			CREATE TABLE threads (
				id TEXT PRIMARY KEY,
				account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
				subject TEXT NOT NULL DEFAULT '',
				snippet TEXT NOT NULL DEFAULT '',
				last_message_at INTEGER NOT NULL DEFAULT 0,
				message_count INTEGER NOT NULL DEFAULT 0,
				sender_name TEXT NOT NULL DEFAULT '',
				sender_email TEXT NOT NULL DEFAULT '',
				is_unread INTEGER NOT NULL DEFAULT 0
			);

			CREATE INDEX idx_threads_account_last_message
				ON threads(account_id, last_message_at DESC);

			CREATE TABLE messages (
				id TEXT PRIMARY KEY,
				thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
				account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
				from_name TEXT NOT NULL DEFAULT '',
				from_email TEXT NOT NULL DEFAULT '',
				subject TEXT NOT NULL DEFAULT '',
				body_preview TEXT NOT NULL DEFAULT '',
				received_at INTEGER NOT NULL DEFAULT 0,
				internal_date INTEGER NOT NULL DEFAULT 0,
				has_plain_body INTEGER NOT NULL DEFAULT 0,
				has_rich_body INTEGER NOT NULL DEFAULT 0,
				has_attachment INTEGER NOT NULL DEFAULT 0
			);

			CREATE INDEX idx_messages_thread ON messages(thread_id);
			CREATE INDEX idx_messages_account ON messages(account_id);

			CREATE TABLE message_recipients (
				message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
				kind TEXT NOT NULL CHECK(kind IN ('to', 'cc')),
				position INTEGER NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				email TEXT NOT NULL DEFAULT ''
			);

			CREATE INDEX idx_message_recipients_message ON message_recipients(message_id);

			CREATE TABLE message_labels (
				message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
				label_id INTEGER NOT NULL REFERENCES labels(id),
				PRIMARY KEY (message_id, label_id)
			);

			CREATE INDEX idx_message_labels_label ON message_labels(label_id);

			CREATE TABLE thread_labels (
				thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
				label_id INTEGER NOT NULL REFERENCES labels(id),
				last_message_at INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (thread_id, label_id)
			);

			CREATE INDEX idx_thread_labels_label_last_message
				ON thread_labels(label_id, last_message_at DESC);

			CREATE TABLE pending_messages (
				id TEXT PRIMARY KEY,
				account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
				raw_bytes BLOB NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE INDEX idx_pending_messages_account ON pending_messages(account_id);

			CREATE TABLE pending_message_labels (
				message_id TEXT NOT NULL REFERENCES pending_messages(id) ON DELETE CASCADE,
				label_id INTEGER NOT NULL REFERENCES labels(id),
				PRIMARY KEY (message_id, label_id)
			);
		`,
	},
	{
		Version: 2,
		SQL: `
			-- Search index companion tables; see internal/searchindex.
			-- Kept in the same database file as the metadata store so a
			-- future version could commit both in one transaction, but
			-- today the index is maintained as a best-effort secondary
			-- write (spec: "metadata first; if the index commit fails,
			-- the message row is still correct").
			CREATE VIRTUAL TABLE fts_messages USING fts5(
				message_id UNINDEXED,
				subject,
				body_text,
				snippet,
				from_name,
				from_email,
				to_text,
				cc_text
			);

			CREATE TABLE fts_meta (
				message_id TEXT PRIMARY KEY,
				thread_id TEXT NOT NULL,
				account_id INTEGER NOT NULL,
				labels TEXT NOT NULL DEFAULT '',
				received_at_ms INTEGER NOT NULL DEFAULT 0,
				is_unread INTEGER NOT NULL DEFAULT 0,
				is_starred INTEGER NOT NULL DEFAULT 0,
				has_attachment INTEGER NOT NULL DEFAULT 0,
				fts_rowid INTEGER NOT NULL
			);

			CREATE INDEX idx_fts_meta_thread ON fts_meta(thread_id);
			CREATE INDEX idx_fts_meta_account ON fts_meta(account_id);
		`,
	},
}
