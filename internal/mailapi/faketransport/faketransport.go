// Package faketransport implements in-memory mailapi.MailApi and
// mailapi.AccessTokenProvider test doubles, shared across syncengine and
// actions tests so both exercise the same fake server behavior.
package faketransport

import (
	"context"
	"fmt"
	"sort"

	"github.com/aerostudio/mailcore/internal/mailapi"
)

// Server is an in-memory mail server. Tests populate Messages/LabelByName/
// HistoryID directly and then hand a *Server (which implements
// mailapi.MailApi) to the component under test.
type Server struct {
	Email       string
	HistoryID   string
	Messages    map[string]*mailapi.Payload
	LabelByName map[string]string // name -> id
	PageSize    int

	// HistoryLog is the ordered log of changes the History method replays.
	HistoryLog []mailapi.HistoryRecord

	// FailGetMessage, if set, makes GetMessage return this error for the
	// named ids (simulating per-message fetch failures).
	FailGetMessage map[string]error

	// ExpireHistory, when true, makes History return ErrHistoryExpired
	// regardless of the cursor presented, simulating a server-side
	// history cursor expiry.
	ExpireHistory bool

	// FailBatchModify, if set, makes BatchModify return this error without
	// touching any message's labels, simulating a remote-side rejection so
	// callers can verify local state stays untouched.
	FailBatchModify error
}

// NewServer returns an empty fake server ready for test setup.
func NewServer(email, historyID string) *Server {
	return &Server{
		Email:          email,
		HistoryID:      historyID,
		Messages:       map[string]*mailapi.Payload{},
		LabelByName:    map[string]string{},
		PageSize:       50,
		FailGetMessage: map[string]error{},
	}
}

// AddMessage registers a message payload on the server.
func (s *Server) AddMessage(p *mailapi.Payload) {
	s.Messages[p.ID] = p
}

func (s *Server) ListMessages(ctx context.Context, pageToken, query string) ([]string, string, error) {
	ids := make([]string, 0, len(s.Messages))
	for id := range s.Messages {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	start := 0
	if pageToken != "" {
		fmt.Sscanf(pageToken, "%d", &start)
	}
	end := start + s.PageSize
	if end > len(ids) {
		end = len(ids)
	}
	if start > len(ids) {
		start = len(ids)
	}

	page := ids[start:end]
	next := ""
	if end < len(ids) {
		next = fmt.Sprintf("%d", end)
	}
	return page, next, nil
}

func (s *Server) GetMessage(ctx context.Context, id string) (*mailapi.Payload, error) {
	if err, ok := s.FailGetMessage[id]; ok {
		return nil, err
	}
	p, ok := s.Messages[id]
	if !ok {
		return nil, fmt.Errorf("fake server: no such message %q", id)
	}
	return p, nil
}

func (s *Server) GetMessagesBatch(ctx context.Context, ids []string) ([]mailapi.MessageResult, error) {
	results := make([]mailapi.MessageResult, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetMessage(ctx, id)
		results = append(results, mailapi.MessageResult{ID: id, Payload: p, Err: err})
	}
	return results, nil
}

func (s *Server) BatchModify(ctx context.Context, ids []string, addLabels, removeLabels []string) error {
	if s.FailBatchModify != nil {
		return s.FailBatchModify
	}

	add := map[string]bool{}
	for _, l := range addLabels {
		add[l] = true
	}
	remove := map[string]bool{}
	for _, l := range removeLabels {
		remove[l] = true
	}

	for _, id := range ids {
		p, ok := s.Messages[id]
		if !ok {
			continue
		}
		kept := make([]string, 0, len(p.LabelIDs))
		for _, l := range p.LabelIDs {
			if !remove[l] {
				kept = append(kept, l)
			}
		}
		for l := range add {
			found := false
			for _, k := range kept {
				if k == l {
					found = true
					break
				}
			}
			if !found {
				kept = append(kept, l)
			}
		}
		p.LabelIDs = kept
	}
	return nil
}

// History replays every recorded change unconditionally, since the fake
// server keeps one linear log per test rather than modeling per-cursor
// offsets; set ExpireHistory to exercise the expiry path instead.
func (s *Server) History(ctx context.Context, cursor string) ([]mailapi.HistoryRecord, string, string, error) {
	if s.ExpireHistory {
		return nil, "", "", mailapi.ErrHistoryExpired
	}
	return s.HistoryLog, s.HistoryID, "", nil
}

func (s *Server) Profile(ctx context.Context) (mailapi.Profile, error) {
	return mailapi.Profile{Email: s.Email, HistoryID: s.HistoryID}, nil
}

func (s *Server) Labels(ctx context.Context) ([]mailapi.Label, error) {
	labels := make([]mailapi.Label, 0, len(s.LabelByName))
	for name, id := range s.LabelByName {
		labels = append(labels, mailapi.Label{ID: id, Name: name})
	}
	return labels, nil
}

// TokenProvider is a fixed-token mailapi.AccessTokenProvider, optionally
// forced to fail with mailapi.ErrNeedReauth.
type TokenProvider struct {
	Token     string
	NeedsAuth bool
}

func (t *TokenProvider) AccessToken(ctx context.Context) (string, error) {
	if t.NeedsAuth {
		return "", mailapi.ErrNeedReauth
	}
	return t.Token, nil
}
