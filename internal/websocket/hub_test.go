package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/princekumarofficial/uploads-service/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(hub *Hub, userID string, buffer int) *Client {
	return &Client{send: make(chan *types.Event, buffer), userID: userID, hub: hub}
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub
}

func receive(t *testing.T, c *Client) types.Event {
	t.Helper()
	select {
	case event, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		return *event
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return types.Event{}
	}
}

func TestHub_BroadcastToAllConnectionsOfUser(t *testing.T) {
	hub := startHub(t)
	tab1 := newTestClient(hub, "alice", 4)
	tab2 := newTestClient(hub, "alice", 4)
	other := newTestClient(hub, "bob", 4)
	hub.RegisterClient(tab1)
	hub.RegisterClient(tab2)
	hub.RegisterClient(other)

	require.Eventually(t, func() bool { return hub.GetClientCount() == 3 }, time.Second, time.Millisecond)
	assert.True(t, hub.IsUserConnected("alice"))
	assert.ElementsMatch(t, []string{"alice", "bob"}, hub.GetConnectedUsers())

	hub.BroadcastToUser("alice", types.NewEvent(types.EventUploadExpired, types.UploadExpiredEvent{UploadID: "u1"}))

	assert.Equal(t, types.EventUploadExpired, receive(t, tab1).Type)
	assert.Equal(t, types.EventUploadExpired, receive(t, tab2).Type)
	assert.Empty(t, other.send)
}

func TestHub_Unregister(t *testing.T) {
	hub := startHub(t)
	c := newTestClient(hub, "alice", 1)
	hub.RegisterClient(c)
	hub.UnregisterClient(c)

	_, ok := <-c.send
	assert.False(t, ok, "unregister closes the send channel")
	assert.False(t, hub.IsUserConnected("alice"))

	// a second unregister is a no-op
	hub.UnregisterClient(c)
}

func TestHub_DropsSlowClient(t *testing.T) {
	hub := startHub(t)
	slow := newTestClient(hub, "alice", 1)
	hub.RegisterClient(slow)

	event := types.NewEvent(types.EventUploadCommitted, types.UploadCommittedEvent{UploadID: "u1"})
	hub.BroadcastToUser("alice", event)
	hub.BroadcastToUser("alice", event)

	require.Eventually(t, func() bool {
		return !hub.IsUserConnected("alice")
	}, time.Second, 5*time.Millisecond)
}

func TestHub_SlowClientOnlyLosesProgress(t *testing.T) {
	hub := startHub(t)
	c := newTestClient(hub, "alice", 1)
	hub.RegisterClient(c)
	require.Eventually(t, func() bool { return hub.IsUserConnected("alice") }, time.Second, time.Millisecond)

	for i := 1; i <= 3; i++ {
		hub.BroadcastToUser("alice", types.NewEvent(types.EventChunkReceived,
			&types.ChunkReceivedEvent{UploadID: "u1", UploadedChunks: i, TotalChunks: 3}))
	}

	first := receive(t, c)
	assert.Equal(t, 1, first.Data.(*types.ChunkReceivedEvent).UploadedChunks)
	assert.True(t, hub.IsUserConnected("alice"))
}

func TestCoalesce(t *testing.T) {
	progress := func(uploadID string, uploaded int) *types.Event {
		return types.NewEvent(types.EventChunkReceived,
			&types.ChunkReceivedEvent{UploadID: uploadID, UploadedChunks: uploaded})
	}
	committed := types.NewEvent(types.EventUploadCommitted, types.UploadCommittedEvent{UploadID: "u1"})

	batch := []*types.Event{
		progress("u1", 1),
		progress("u2", 1),
		progress("u1", 2),
		committed,
		progress("u2", 2),
	}
	got := coalesce(batch)

	require.Len(t, got, 3)
	assert.Equal(t, 2, got[0].Data.(*types.ChunkReceivedEvent).UploadedChunks)
	assert.Equal(t, "u1", got[0].Data.(*types.ChunkReceivedEvent).UploadID)
	assert.Same(t, committed, got[1])
	assert.Equal(t, "u2", got[2].Data.(*types.ChunkReceivedEvent).UploadID)
	assert.Equal(t, 2, got[2].Data.(*types.ChunkReceivedEvent).UploadedChunks)

	only := []*types.Event{committed}
	assert.Equal(t, only, coalesce(only))
}

func TestHub_StopsWithContext(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	c := newTestClient(hub, "alice", 1)
	hub.RegisterClient(c)
	cancel()
	<-done

	_, ok := <-c.send
	assert.False(t, ok)

	// registering after shutdown does not block
	late := newTestClient(hub, "bob", 1)
	hub.RegisterClient(late)
	hub.UnregisterClient(late)
}
