package inboxsync

import "sort"

// ConversationIndex keeps one summary per conversation key. Updates are
// monotonic in (lastMessageAt, lastMessageId): an older summary never
// replaces a newer one.
type ConversationIndex struct {
	byKey map[string]ConversationSummary
}

func NewConversationIndex() *ConversationIndex {
	return &ConversationIndex{byKey: map[string]ConversationSummary{}}
}

func (x *ConversationIndex) Len() int {
	return len(x.byKey)
}

func (x *ConversationIndex) Get(key string) (ConversationSummary, bool) {
	summary, ok := x.byKey[key]
	return summary, ok
}

// Apply stores summary if its key is new or it is newer than the cached
// entry.
func (x *ConversationIndex) Apply(summary ConversationSummary) bool {
	if summary.ConversationKey == "" {
		return false
	}
	current, ok := x.byKey[summary.ConversationKey]
	if ok && !summary.newerThan(current) {
		return false
	}
	// unread tracking is deferred; the count is always zero
	summary.UnreadCount = 0
	x.byKey[summary.ConversationKey] = summary
	return true
}

// Reconcile applies a fetched summary list and reports how many entries
// changed. Keys missing from the list are kept.
func (x *ConversationIndex) Reconcile(list []ConversationSummary) int {
	changed := 0
	for _, summary := range list {
		if x.Apply(summary) {
			changed++
		}
	}
	return changed
}

func (x *ConversationIndex) ApplyMessage(msg Message) bool {
	return x.Apply(ConversationSummary{
		ConversationKey: msg.ConversationKey,
		LastMessageID:   msg.ID,
		LastMessageBody: msg.Body,
		LastMessageAt:   msg.CreatedAt,
	})
}

// NeedsRefresh reports whether ev names a key that is unknown or a row newer
// than the cached summary.
func (x *ConversationIndex) NeedsRefresh(ev Event) bool {
	if ev.Type != EventMessageCreated || ev.ConversationKey == "" {
		return false
	}
	current, ok := x.byKey[ev.ConversationKey]
	if !ok {
		return true
	}
	candidate := ConversationSummary{LastMessageID: ev.MessageID, LastMessageAt: ev.CreatedAt}
	return candidate.newerThan(current)
}

// List returns the summaries ordered by last message, most recent first.
func (x *ConversationIndex) List() []ConversationSummary {
	out := make([]ConversationSummary, 0, len(x.byKey))
	for _, summary := range x.byKey {
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.LastMessageAt.Equal(b.LastMessageAt) {
			return a.LastMessageAt.After(b.LastMessageAt)
		}
		if a.LastMessageID != b.LastMessageID {
			return a.LastMessageID > b.LastMessageID
		}
		return a.ConversationKey < b.ConversationKey
	})
	return out
}
