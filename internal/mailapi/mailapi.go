// Package mailapi defines the capabilities the core consumes from the
// remote mail service and the credential provider. Both are interfaces:
// the core never dials a socket itself, so tests substitute hand-written
// fakes rather than a real transport.
package mailapi

import (
	"context"
	"errors"
)

// ErrHistoryExpired is returned by History when the server can no longer
// replay changes since the given cursor; the caller must fall back to a
// full bulk listing.
var ErrHistoryExpired = errors.New("mailapi: history cursor expired")

// ErrNeedReauth is returned by AccessTokenProvider when the stored
// credential has been revoked or expired beyond refresh.
var ErrNeedReauth = errors.New("mailapi: credential needs re-authorization")

// Header is a single RFC 5322 header as reported by the server.
type Header struct {
	Name  string
	Value string
}

// Part is one node of a (possibly recursive) MIME body tree.
type Part struct {
	MimeType string
	Headers  []Header
	Body     PartBody
	Parts    []Part
}

// PartBody holds a part's inline payload, base64url-encoded as the wire
// protocol delivers it; normalize.Message decodes it.
type PartBody struct {
	Data string
}

// Payload is a full-format message fetch result.
type Payload struct {
	ID           string
	ThreadID     string
	LabelIDs     []string
	Snippet      string
	InternalDate int64 // milliseconds since epoch, server-assigned
	MimeType     string
	Headers      []Header
	Body         PartBody
	Parts        []Part
}

// MessageResult pairs a fetched id with either its payload or the error
// encountered fetching it, mirroring the batch endpoint's per-id outcome.
type MessageResult struct {
	ID      string
	Payload *Payload
	Err     error
}

// HistoryRecord is one change entry from the history endpoint.
type HistoryRecord struct {
	MessageID     string
	ThreadID      string
	Added         bool
	Deleted       bool
	LabelsAdded   []string
	LabelsRemoved []string
}

// Label is a server-defined or user-defined category.
type Label struct {
	ID   string
	Name string
}

// Profile is the account identity and current replication cursor.
type Profile struct {
	Email     string
	HistoryID string
}

// MailApi is the remote mail service capability. Implementations are
// responsible for HTTP transport, retries below the sync engine's own
// retry policy, and JSON (de)serialization; the core only sees these Go
// shapes.
type MailApi interface {
	ListMessages(ctx context.Context, pageToken, query string) (ids []string, nextPageToken string, err error)
	GetMessage(ctx context.Context, id string) (*Payload, error)
	GetMessagesBatch(ctx context.Context, ids []string) ([]MessageResult, error)
	BatchModify(ctx context.Context, ids []string, addLabels, removeLabels []string) error
	History(ctx context.Context, cursor string) (records []HistoryRecord, newCursor string, nextPageToken string, err error)
	Profile(ctx context.Context) (Profile, error)
	Labels(ctx context.Context) ([]Label, error)
}

// AccessTokenProvider supplies a valid bearer token, refreshing it as
// needed. A provider that cannot produce a valid token returns
// ErrNeedReauth.
type AccessTokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}
