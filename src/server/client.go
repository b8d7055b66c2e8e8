package server

import (
	"sync"
	"time"

	"chart-feed/src/feed"
	"chart-feed/src/models"
	"chart-feed/src/utils"

	"github.com/gorilla/websocket"
)

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	writeWait      = 2 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024 // commands are small
)

// -----------------------------------------------------------------------------
// Client Structure
// -----------------------------------------------------------------------------

type Client struct {
	hub  *ChartGateway
	conn *websocket.Conn
	send chan interface{}

	// Owned by readPump; live callbacks only touch the sub's own state
	subs map[string]*clientSub

	sendMu     sync.RWMutex
	sendClosed bool
}

// -----------------------------------------------------------------------------

// clientSub ties one chart subscription to its feed session and keeps
// a warm buffer of recent bars for resubscribe snapshots.
type clientSub struct {
	session *feed.Session
	handle  int

	mu     sync.Mutex
	buffer *utils.BarRingBuffer
}

func newClientSub(session *feed.Session, capacity int) *clientSub {
	return &clientSub{
		session: session,
		buffer:  utils.NewBarRingBuffer(capacity),
	}
}

func (cs *clientSub) append(bar models.MBar) {
	cs.mu.Lock()
	cs.buffer.Append(bar)
	cs.mu.Unlock()
}

func (cs *clientSub) snapshot() []models.MBar {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.buffer.GetAll()
}

// -----------------------------------------------------------------------------
// readPump - handles incoming commands from the chart client
// Acts as a Watchdog for the connection
// -----------------------------------------------------------------------------

func (c *Client) readPump() {
	defer func() {
		c.teardown()
		c.conn.Close()
		c.hub.Logger.Info("Chart client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.Logger.Info("WebSocket error: %v", err)
			}
			break
		}
		c.hub.HandleClientMessage(c, message)
	}
}

// -----------------------------------------------------------------------------

// teardown closes the client's live subscriptions, releases sessions
// with no remaining subscribers, and leaves the hub. During shutdown
// the hub loop is gone, so the unregister send yields to the shutdown
// channel instead of blocking.
func (c *Client) teardown() {
	for _, sub := range c.subs {
		sub.session.UnsubscribeLive(sub.handle)
		c.hub.Feed.Release(sub.session.ModeratorID, sub.session.Key)
	}
	c.subs = nil

	select {
	case c.hub.unregister <- c:
	case <-c.hub.shutdown:
	}
}

// -----------------------------------------------------------------------------

// trySend queues an update without blocking; a client that cannot keep
// up loses updates rather than stalling live dispatch.
func (c *Client) trySend(v interface{}) {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.sendClosed {
		return
	}

	select {
	case c.send <- v:
	default:
		c.hub.Logger.Warning("Chart client send buffer full, dropping update")
	}
}

// -----------------------------------------------------------------------------

// closeSend is called by the hub once the client is unregistered; a
// live callback racing the teardown sees the flag instead of a closed
// channel.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

// -----------------------------------------------------------------------------
// writePump - sends updates to the chart client
// -----------------------------------------------------------------------------

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				c.hub.Logger.Info("Write error: %v", err)
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
