package websocket

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/princekumarofficial/uploads-service/internal/types"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

// ErrSlowClient is returned when a client's send buffer is full
var ErrSlowClient = errors.New("websocket client send buffer full")

// Client is one websocket connection of a user. Events queue in send and
// are written in batches by writePump.
type Client struct {
	conn *websocket.Conn

	send chan *types.Event

	userID string

	hub *Hub
}

func NewClient(conn *websocket.Conn, userID string, hub *Hub) *Client {
	return &Client{
		conn:   conn,
		send:   make(chan *types.Event, 256),
		userID: userID,
		hub:    hub,
	}
}

// readPump only watches for pongs and the close; the stream is one-way
func (c *Client) readPump() {
	defer func() {
		c.hub.UnregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket error",
					slog.String("user_id", c.userID),
					slog.String("error", err.Error()))
			}
			return
		}
	}
}

// writePump drains everything queued behind the first event into one frame,
// newline separated, keeping only the newest progress event of each upload.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			batch := []*types.Event{event}
			for n := len(c.send); n > 0; n-- {
				batch = append(batch, <-c.send)
			}
			if err := c.write(coalesce(batch)); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(batch []*types.Event) error {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	for i, event := range batch {
		data, err := json.Marshal(event)
		if err != nil {
			slog.Error("Failed to encode event",
				slog.String("event_type", string(event.Type)),
				slog.String("error", err.Error()))
			continue
		}
		if i > 0 {
			w.Write([]byte{'\n'})
		}
		w.Write(data)
	}
	return w.Close()
}

// coalesce drops every progress event that a later progress event of the same
// upload in batch supersedes. Other events keep their order.
func coalesce(batch []*types.Event) []*types.Event {
	newest := make(map[string]int)
	for i, event := range batch {
		if id, ok := progressOf(event); ok {
			newest[id] = i
		}
	}
	if len(newest) == 0 {
		return batch
	}

	out := make([]*types.Event, 0, len(batch))
	for i, event := range batch {
		if id, ok := progressOf(event); ok && newest[id] != i {
			continue
		}
		out = append(out, event)
	}
	return out
}

// progressOf returns the upload a chunk_received event belongs to
func progressOf(event *types.Event) (string, bool) {
	if event == nil || event.Type != types.EventChunkReceived {
		return "", false
	}
	switch data := event.Data.(type) {
	case *types.ChunkReceivedEvent:
		return data.UploadID, true
	case types.ChunkReceivedEvent:
		return data.UploadID, true
	}
	return "", false
}

// SendEvent queues event for this client. A full queue drops a progress
// event, since the next one replaces it, but fails any other event with
// ErrSlowClient.
func (c *Client) SendEvent(event *types.Event) error {
	select {
	case c.send <- event:
		return nil
	default:
	}
	if _, ok := progressOf(event); ok {
		return nil
	}
	return ErrSlowClient
}

// Start starts the client's read and write pumps
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// UserID returns the user ID associated with this client
func (c *Client) UserID() string {
	return c.userID
}
