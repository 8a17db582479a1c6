// internal/chat/chat.go
package chat

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jason-s-yu/escaperoom/internal/models"
	"github.com/jason-s-yu/escaperoom/internal/store"
	"github.com/sirupsen/logrus"
)

// fileMarker matches the bracketed "[File: name]" tag file-bearing messages embed in their text.
var fileMarker = regexp.MustCompile(`(?i)\[file:\s*[^\]]*\]`)

// Feed is the append-only hacker chat of a lobby.
type Feed struct {
	store store.Store
	log   logrus.FieldLogger
}

// NewFeed returns a feed writing to s.
func NewFeed(s store.Store, log logrus.FieldLogger) *Feed {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Feed{store: s, log: log}
}

func chatPath(code string) string {
	return store.LobbyPath(code, "hackerChat")
}

// record is the stored form of msg. The timestamp is assigned by the store.
func record(msg models.ChatMessage) map[string]any {
	if msg.Sender == "" {
		msg.Sender = models.SenderHacker
	}
	rec := map[string]any{
		"sender":    msg.Sender,
		"text":      msg.Text,
		"timestamp": store.ServerTimestamp,
	}
	if msg.IsFile {
		rec["isFile"] = true
		rec["fileName"] = msg.FileName
		if msg.DecryptedContent != "" {
			rec["decryptedContent"] = msg.DecryptedContent
		}
	}
	if msg.IsFirstMessage {
		rec["isFirstMessage"] = true
	}
	return rec
}

// Post appends msg under a time-ordered key.
func (f *Feed) Post(ctx context.Context, code string, msg models.ChatMessage) (string, error) {
	key, err := f.store.Push(ctx, chatPath(code), record(msg))
	if err != nil {
		return "", fmt.Errorf("post chat message to %s: %w", code, err)
	}
	f.log.WithFields(logrus.Fields{"lobby": code, "sender": msg.Sender, "key": key}).Debugf("chat message posted")
	return key, nil
}

// Append writes msg into a lobby root being edited in a transaction, under the
// same kind of key Post uses. now is the time the key is ordered by.
func (f *Feed) Append(root map[string]any, msg models.ChatMessage, now time.Time) (string, error) {
	key := store.PushKey(now)
	if _, err := store.WithChild(root, "hackerChat/"+key, record(msg)); err != nil {
		return "", err
	}
	f.log.WithFields(logrus.Fields{"sender": msg.Sender, "key": key}).Debugf("chat message staged")
	return key, nil
}

// List returns the feed in display order.
func (f *Feed) List(ctx context.Context, code string) ([]models.ChatMessage, error) {
	v, err := f.store.Get(ctx, chatPath(code))
	if err != nil {
		return nil, err
	}
	byKey := map[string]models.ChatMessage{}
	if err := store.Decode(v, &byKey); err != nil {
		return nil, fmt.Errorf("decode chat of %s: %w", code, err)
	}
	return Sorted(byKey), nil
}

// Sorted orders messages by server timestamp, breaking ties by push key, and fills in IDs.
func Sorted(byKey map[string]models.ChatMessage) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(byKey))
	for k, m := range byKey {
		m.ID = k
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DisplayText is the message text without the embedded file marker.
func DisplayText(m models.ChatMessage) string {
	return strings.TrimSpace(fileMarker.ReplaceAllString(m.Text, ""))
}

// HasText reports whether any message in msgs carries exactly text.
func HasText(msgs []models.ChatMessage, text string) bool {
	for _, m := range msgs {
		if m.Text == text {
			return true
		}
	}
	return false
}
