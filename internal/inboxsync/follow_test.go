package inboxsync_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relayinbox/internal/httpapi"
	"github.com/agentworkforce/relayinbox/internal/inboxsync"
	"github.com/agentworkforce/relayinbox/internal/messagelog"
)

func TestInboxFollowsServerOverWebsocket(t *testing.T) {
	const key = "961700000001"
	log := messagelog.NewMemoryLog()
	server := httptest.NewServer(httpapi.NewServerWithConfig(log, httpapi.ServerConfig{
		HeartbeatInterval: 20 * time.Millisecond,
	}))
	defer server.Close()

	ctx := context.Background()
	client := inboxsync.NewHTTPClient(server.URL, server.Client())
	_, err := client.Append(ctx, "op_1", key, inboxsync.DirectionInbound, "hi")
	require.NoError(t, err)

	in, err := inboxsync.NewInbox(client, inboxsync.Options{
		OperatorID:         "op_1",
		Subscriber:         inboxsync.NewWebsocketSubscriber(server.URL),
		IndexPollInterval:  time.Hour,
		ThreadPollInterval: time.Hour,
		HeartbeatTimeout:   time.Second,
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, in.Close()) }()

	require.NoError(t, in.Open(ctx))
	require.NoError(t, in.Select(ctx, key))
	require.Len(t, in.Thread(key), 1)
	require.Eventually(t, func() bool {
		status := in.Status()
		return status.Index.State == inboxsync.StateActive && status.Thread.State == inboxsync.StateActive
	}, 5*time.Second, 10*time.Millisecond)

	sent, err := client.Append(ctx, "op_1", key, inboxsync.DirectionOutbound, "hello")
	require.NoError(t, err)

	// polling is parked for an hour, so only the socket can deliver this
	require.Eventually(t, func() bool { return len(in.Thread(key)) == 2 }, 5*time.Second, 10*time.Millisecond)
	thread := in.Thread(key)
	require.Equal(t, sent.ID, thread[1].ID)
	require.Equal(t, "hello", thread[1].Body)
	require.Eventually(t, func() bool {
		list := in.Conversations()
		return len(list) == 1 && list[0].LastMessageID == sent.ID
	}, 5*time.Second, 10*time.Millisecond)
}
