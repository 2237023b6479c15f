package inboxsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConversationIndexKeepsNewestSummary(t *testing.T) {
	index := NewConversationIndex()
	newer := ConversationSummary{ConversationKey: "a", LastMessageID: "m2", LastMessageBody: "new", LastMessageAt: testBase.Add(time.Second)}
	older := ConversationSummary{ConversationKey: "a", LastMessageID: "m1", LastMessageBody: "old", LastMessageAt: testBase}

	require.True(t, index.Apply(newer))
	require.False(t, index.Apply(older))
	require.False(t, index.Apply(newer))
	got, ok := index.Get("a")
	require.True(t, ok)
	require.Equal(t, "new", got.LastMessageBody)
}

func TestConversationIndexReconcileIgnoresStaleList(t *testing.T) {
	index := NewConversationIndex()
	index.ApplyMessage(testMessage("m2", "a", time.Minute, DirectionOutbound, "pushed"))

	changed := index.Reconcile([]ConversationSummary{
		{ConversationKey: "a", LastMessageID: "m1", LastMessageBody: "polled", LastMessageAt: testBase},
		{ConversationKey: "b", LastMessageID: "m0", LastMessageBody: "other", LastMessageAt: testBase},
	})
	require.Equal(t, 1, changed)
	got, _ := index.Get("a")
	require.Equal(t, "pushed", got.LastMessageBody)
	require.Equal(t, 2, index.Len())
}

func TestConversationIndexNeedsRefresh(t *testing.T) {
	index := NewConversationIndex()
	index.ApplyMessage(testMessage("m2", "a", time.Second, DirectionInbound, "hi"))

	require.True(t, index.NeedsRefresh(Event{Type: EventMessageCreated, ConversationKey: "b", MessageID: "x", CreatedAt: testBase}))
	require.True(t, index.NeedsRefresh(Event{Type: EventMessageCreated, ConversationKey: "a", MessageID: "m3", CreatedAt: testBase.Add(2 * time.Second)}))
	require.False(t, index.NeedsRefresh(Event{Type: EventMessageCreated, ConversationKey: "a", MessageID: "m2", CreatedAt: testBase.Add(time.Second)}))
	require.False(t, index.NeedsRefresh(Event{Type: EventMessageCreated, ConversationKey: "a", MessageID: "m1", CreatedAt: testBase}))
	require.False(t, index.NeedsRefresh(Event{Type: EventHeartbeat}))
}

func TestConversationIndexListOrdersByLastMessageDescending(t *testing.T) {
	index := NewConversationIndex()
	index.Reconcile([]ConversationSummary{
		{ConversationKey: "old", LastMessageID: "m1", LastMessageAt: testBase},
		{ConversationKey: "new", LastMessageID: "m3", LastMessageAt: testBase.Add(time.Hour)},
		{ConversationKey: "mid", LastMessageID: "m2", LastMessageAt: testBase.Add(time.Minute), UnreadCount: 7},
	})
	list := index.List()
	require.Len(t, list, 3)
	require.Equal(t, "new", list[0].ConversationKey)
	require.Equal(t, "mid", list[1].ConversationKey)
	require.Equal(t, "old", list[2].ConversationKey)
	require.Zero(t, list[1].UnreadCount)
}
