package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	ws "github.com/coder/websocket"

	"github.com/provadorai/provador/internal/model"
)

// Snapshot returns the current change event for storeID, or nil when the
// store does not exist.
type Snapshot func(ctx context.Context, storeID string) (*model.ChangeEvent, error)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
)

// Client is one change feed subscription over a WebSocket connection.
type Client struct {
	hub     *Hub
	conn    *ws.Conn
	storeID string
	send    chan []byte

	// snapshot, when set, supplies the event sent right after registration.
	snapshot Snapshot

	kickOnce sync.Once
	kicked   chan struct{}
}

// NewClient creates a Client subscribed to storeID's events.
func NewClient(hub *Hub, conn *ws.Conn, storeID string) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		storeID: storeID,
		send:    make(chan []byte, sendBufferSize),
		kicked:  make(chan struct{}),
	}
}

func (c *Client) kick() {
	c.kickOnce.Do(func() { close(c.kicked) })
}

// Run registers the client, starts the write pump, and runs the read pump.
// It blocks until the connection is closed, then unregisters.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)
	c.sendSnapshot(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		c.writePump(ctx)
		cancel()
	}()
	c.readPump(ctx)
}

// readPump discards incoming messages; it returns when the connection closes.
func (c *Client) readPump(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}

// writePump drains the send channel and pings periodically to detect
// stale connections.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-c.kicked:
			c.conn.Close(ws.StatusTryAgainLater, "subscriber too slow")
			return
		case <-ctx.Done():
			return
		}
	}
}

// sendSnapshot queues the store's current state. It runs after Register, so
// a mutation committed while the connection was being set up is covered
// either by the snapshot or by the live event.
func (c *Client) sendSnapshot(ctx context.Context) {
	if c.snapshot == nil {
		return
	}
	event, err := c.snapshot(ctx, c.storeID)
	if err != nil {
		c.hub.logger.Warn("feed snapshot", "store_id", c.storeID, "error", err)
		return
	}
	if event == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.kick()
	}
}
