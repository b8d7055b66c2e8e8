package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"chart-feed/src/feed"
	"chart-feed/src/models"
	"chart-feed/src/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// -----------------------------------------------------------------------------
// Hub Pattern Implementation
// -----------------------------------------------------------------------------

// runHub is the main Hub loop; it owns the clients map.
func (s *ChartGateway) runHub() {
	for {
		select {
		case <-s.shutdown:
			return

		case client := <-s.register:
			s.clients[client] = struct{}{}
			s.setClientCount(len(s.clients))

		case client := <-s.unregister:
			if _, exists := s.clients[client]; exists {
				delete(s.clients, client)
				client.closeSend()
			}
			s.setClientCount(len(s.clients))
		}
	}
}

// -----------------------------------------------------------------------------

func (s *ChartGateway) setClientCount(n int) {
	s.countMutex.Lock()
	s.clientCount = n
	s.countMutex.Unlock()
}

// -----------------------------------------------------------------------------
// WebSocket Handlers
// -----------------------------------------------------------------------------

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// -----------------------------------------------------------------------------

func (s *ChartGateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Info("Failed to upgrade websocket: %v", err)
		return
	}

	client := &Client{
		hub:  s,
		conn: conn,
		// Buffered channel to prevent blocking live bar dispatch
		send: make(chan interface{}, 256),
		subs: make(map[string]*clientSub),
	}

	select {
	case s.register <- client:
	case <-s.shutdown:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// -----------------------------------------------------------------------------
// Client Message Handling
// -----------------------------------------------------------------------------

func (s *ChartGateway) HandleClientMessage(client *Client, message []byte) {
	var cmd models.MChartCommand
	if err := json.Unmarshal(message, &cmd); err != nil {
		s.Logger.Info("Failed to parse client command: %v, disconnecting client", err)
		client.conn.Close()
		return
	}

	switch cmd.Command {
	case "subscribe":
		s.handleSubscribe(client, cmd)
	case "unsubscribe":
		s.handleUnsubscribe(client, cmd)
	default:
		client.trySend(errorUpdate(cmd, fmt.Sprintf("unknown command: %q", cmd.Command)))
	}
}

// -----------------------------------------------------------------------------

func subKey(cmd models.MChartCommand) string {
	return fmt.Sprintf("%s/%s/%s/%s", cmd.ModeratorID, cmd.ProposalID, cmd.Market, cmd.Resolution)
}

// -----------------------------------------------------------------------------

func (s *ChartGateway) handleSubscribe(client *Client, cmd models.MChartCommand) {
	market, err := ParseMarket(cmd.Market)
	if err != nil {
		client.trySend(errorUpdate(cmd, err.Error()))
		return
	}
	if !utils.IsValidResolution(cmd.Resolution) {
		client.trySend(errorUpdate(cmd, fmt.Sprintf("invalid resolution: %q", cmd.Resolution)))
		return
	}

	key := subKey(cmd)

	// Resubscribe to a live series: serve the snapshot from the warm
	// ring buffer, keep the existing live subscription.
	if existing, ok := client.subs[key]; ok {
		client.trySend(snapshotUpdate(cmd, market, existing.snapshot()))
		return
	}

	session := s.Feed.Session(cmd.ModeratorID, models.MMarketKey{EntityID: cmd.ProposalID, Market: market})

	// Prime the snapshot buffer from history before going live; when the
	// upstream has nothing, serve the persisted tail instead
	lookback := time.Duration(s.Config.Feed.SeedLookbackHours) * time.Hour
	now := time.Now().UTC()
	bars, err := session.FetchHistory(cmd.Resolution, now.Add(-lookback), now)
	if err != nil {
		bars, err = session.RecentStoredBars(cmd.Resolution, s.Config.Feed.SnapshotBars)
		if err != nil && !errors.Is(err, feed.ErrNoData) {
			client.trySend(errorUpdate(cmd, "history source unavailable"))
			return
		}
	}

	sub := newClientSub(session, s.Config.Feed.SnapshotBars)
	for _, bar := range bars {
		sub.buffer.Append(bar)
	}

	handle, err := session.SubscribeLive(cmd.Resolution, func(bar models.MBar) {
		sub.append(bar)
		client.trySend(barUpdate(cmd, market, bar))
	})
	if err != nil {
		client.trySend(errorUpdate(cmd, err.Error()))
		return
	}
	sub.handle = handle
	client.subs[key] = sub

	client.trySend(snapshotUpdate(cmd, market, sub.snapshot()))
}

// -----------------------------------------------------------------------------

func (s *ChartGateway) handleUnsubscribe(client *Client, cmd models.MChartCommand) {
	key := subKey(cmd)
	sub, ok := client.subs[key]
	if !ok {
		return
	}
	delete(client.subs, key)
	sub.session.UnsubscribeLive(sub.handle)

	// Drop the session once the last subscriber across all clients is gone
	s.Feed.Release(sub.session.ModeratorID, sub.session.Key)
}

// -----------------------------------------------------------------------------
// Update Builders
// -----------------------------------------------------------------------------

func barUpdate(cmd models.MChartCommand, market int, bar models.MBar) models.MChartUpdate {
	return models.MChartUpdate{
		Type:        "BAR",
		ModeratorID: cmd.ModeratorID,
		ProposalID:  cmd.ProposalID,
		Market:      market,
		Resolution:  cmd.Resolution,
		Bar:         &bar,
	}
}

func snapshotUpdate(cmd models.MChartCommand, market int, bars []models.MBar) models.MChartUpdate {
	return models.MChartUpdate{
		Type:        "SNAPSHOT",
		ModeratorID: cmd.ModeratorID,
		ProposalID:  cmd.ProposalID,
		Market:      market,
		Resolution:  cmd.Resolution,
		Bars:        bars,
	}
}

func errorUpdate(cmd models.MChartCommand, msg string) models.MChartUpdate {
	return models.MChartUpdate{
		Type:        "ERROR",
		ModeratorID: cmd.ModeratorID,
		ProposalID:  cmd.ProposalID,
		Resolution:  cmd.Resolution,
		Error:       msg,
	}
}
