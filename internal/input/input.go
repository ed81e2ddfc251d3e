// Package input loads per-user conversation inputs, flattens them into an
// ordered message list and derives the content fingerprint the processing
// ledger is keyed on.
package input

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/fact-memory-kernel/internal/facts"
	"github.com/fact-memory-kernel/internal/jsonx"
)

// Senders used for flattened messages.
const (
	SenderUser = "User"
	SenderTeam = "Team"
)

// Conversation is one element of a user's input file.
type Conversation struct {
	UserQueries []RawMessage `json:"user_queries"`
	TeamReplies []RawMessage `json:"team_replies"`
}

// RawMessage is a message as it appears in the input file.
type RawMessage struct {
	MessageID string `json:"message_id"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Input is one user's conversation input, ready for extraction.
type Input struct {
	UserID      string
	DisplayName string
	Source      string
	Messages    []facts.Message
	Fingerprint string
}

// Index returns the position of each message id.
func (in *Input) Index() map[string]int {
	idx := make(map[string]int, len(in.Messages))
	for i, m := range in.Messages {
		idx[m.ID] = i
	}
	return idx
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// Parse decodes a user's input file. Conversations are flattened in file
// order, each conversation's user queries before its team replies. Messages
// without an id get a positional one so evidence can still reference them.
func Parse(userID, source string, data []byte) (*Input, error) {
	var convs []Conversation
	if err := jsonx.Unmarshal(data, &convs); err != nil {
		return nil, &facts.IngestionError{UserID: userID, Source: source, Err: fmt.Errorf("decode conversations: %w", err)}
	}

	var msgs []facts.Message
	seen := make(map[string]struct{})
	add := func(raw RawMessage, sender string, conv, pos int) error {
		id := strings.TrimSpace(raw.MessageID)
		if id == "" {
			id = fmt.Sprintf("%s_%d_%d", strings.ToLower(sender), conv, pos)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate message id %q", id)
		}
		seen[id] = struct{}{}
		msgs = append(msgs, facts.Message{
			ID:        id,
			Sender:    sender,
			Timestamp: parseTimestamp(raw.Timestamp),
			Text:      raw.Message,
		})
		return nil
	}

	for ci, c := range convs {
		for i, q := range c.UserQueries {
			if err := add(q, SenderUser, ci, i); err != nil {
				return nil, &facts.IngestionError{UserID: userID, Source: source, Err: err}
			}
		}
		for i, r := range c.TeamReplies {
			if err := add(r, SenderTeam, ci, i); err != nil {
				return nil, &facts.IngestionError{UserID: userID, Source: source, Err: err}
			}
		}
	}

	return &Input{
		UserID:      userID,
		DisplayName: DisplayName(userID),
		Source:      source,
		Messages:    msgs,
		Fingerprint: Fingerprint(msgs),
	}, nil
}

// Fingerprint is a SHA-256 over the flattened message content, so any change
// to ids, senders, timestamps or text is new work while reformatting the file
// is not.
func Fingerprint(msgs []facts.Message) string {
	h := sha256.New()
	for _, m := range msgs {
		h.Write([]byte(m.ID))
		h.Write([]byte{0})
		h.Write([]byte(m.Sender))
		h.Write([]byte{0})
		if !m.Timestamp.IsZero() {
			h.Write([]byte(strconv.FormatInt(m.Timestamp.UnixNano(), 10)))
		}
		h.Write([]byte{0})
		h.Write([]byte(m.Text))
		h.Write([]byte{1})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// DisplayName turns a file-stem style id ("RahulSingh", "gaurav-sherlocksai")
// into a readable name.
func DisplayName(userID string) string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}
	runes := []rune(userID)
	for i, r := range runes {
		switch {
		case r == '-' || r == '_' || r == '.' || unicode.IsSpace(r):
			flush()
			continue
		case unicode.IsUpper(r) && i > 0 && unicode.IsLower(runes[i-1]):
			flush()
		}
		cur = append(cur, r)
	}
	flush()
	for i, w := range words {
		rs := []rune(w)
		rs[0] = unicode.ToUpper(rs[0])
		words[i] = string(rs)
	}
	return strings.Join(words, " ")
}
