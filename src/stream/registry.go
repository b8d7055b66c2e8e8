package stream

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"chart-feed/src/interfaces"
	"chart-feed/src/logger"
	"chart-feed/src/models"
)

// -----------------------------------------------------------------------------
// Registry
//
// Single shared upstream connection with per-topic fan-out. One
// registry instance is constructed at the composition root and passed
// to every feed session; it is never a package-level global, so tests
// can inject a fake dialer.
//
// Connection state machine: disconnected -> connecting -> connected,
// looping back to disconnected on drop with exponential backoff.
// The transport's close/read error is the sole disconnect trigger.
// -----------------------------------------------------------------------------

const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

// -----------------------------------------------------------------------------

type topicState struct {
	topic     models.MTopic
	callbacks map[int]interfaces.StreamCallback
}

// -----------------------------------------------------------------------------

type Registry struct {
	Config *models.MConfig
	Logger *logger.Logger
	dialer interfaces.IStreamDialer

	mu         sync.Mutex
	state      string
	conn       interfaces.IStreamConn
	generation int // bumps per connection; stale loops exit
	topics     map[string]*topicState
	handles    map[int]string // opaque handle -> topic key
	nextHandle int
	attempts   int
	reconnect  *time.Timer
	pingStop   chan struct{}
	closed     bool // explicit Disconnect
}

// -----------------------------------------------------------------------------

func NewRegistry(cfg *models.MConfig, dialer interfaces.IStreamDialer, log *logger.Logger) *Registry {
	return &Registry{
		Config:  cfg,
		Logger:  log,
		dialer:  dialer,
		state:   StateDisconnected,
		topics:  make(map[string]*topicState),
		handles: make(map[int]string),
	}
}

// -----------------------------------------------------------------------------

// Status returns the current connection state.
func (r *Registry) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// -----------------------------------------------------------------------------

// Connect opens the transport if not already open/opening. Idempotent
// while connecting or connected. A failed dial schedules a reconnect
// and still returns nil; callers poll Status for the outcome.
func (r *Registry) Connect() error {
	r.mu.Lock()
	r.closed = false
	if r.state != StateDisconnected {
		r.mu.Unlock()
		return nil
	}
	r.state = StateConnecting
	url := r.Config.Stream.URL
	r.mu.Unlock()

	conn, err := r.dialer.Dial(url)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil
	}

	if err != nil {
		r.state = StateDisconnected
		r.scheduleReconnectLocked()
		r.mu.Unlock()
		r.Logger.Warning("Stream dial failed: %v", err)
		return nil
	}

	r.conn = conn
	r.state = StateConnected
	r.attempts = 0
	r.generation++
	gen := r.generation
	r.pingStop = make(chan struct{})
	stop := r.pingStop

	// Re-establish every tracked subscription with its last-known context
	for _, ts := range r.topics {
		r.sendSubscribeLocked(ts)
	}
	r.mu.Unlock()

	r.Logger.Info("Stream connected (%d tracked topics)", r.topicCount())

	go r.readLoop(conn, gen)
	go r.keepaliveLoop(conn, gen, stop)
	return nil
}

// -----------------------------------------------------------------------------

// SubscribeToTopic registers a callback and returns an opaque handle.
// The first callback for a key sends the subscribe message; later
// callbacks share the existing network subscription.
func (r *Registry) SubscribeToTopic(topic models.MTopic, cb interfaces.StreamCallback) (int, error) {
	if topic.Kind != models.TopicPrices && topic.Kind != models.TopicTrades {
		return 0, fmt.Errorf("unknown topic kind: %q", topic.Kind)
	}
	if cb == nil {
		return 0, fmt.Errorf("callback cannot be nil")
	}

	r.mu.Lock()
	key := topic.Key()
	ts, exists := r.topics[key]
	if !exists {
		ts = &topicState{
			topic:     topic,
			callbacks: make(map[int]interfaces.StreamCallback),
		}
		r.topics[key] = ts
	} else if topic.Context != "" {
		// Remember the latest disambiguating context for replays
		ts.topic.Context = topic.Context
	}

	r.nextHandle++
	handle := r.nextHandle
	ts.callbacks[handle] = cb
	r.handles[handle] = key

	first := len(ts.callbacks) == 1
	if first && r.state == StateConnected {
		r.sendSubscribeLocked(ts)
	}
	needConnect := r.state == StateDisconnected
	r.mu.Unlock()

	if needConnect {
		// Connect replays tracked topics on open, this one included
		return handle, r.Connect()
	}
	return handle, nil
}

// -----------------------------------------------------------------------------

// UnsubscribeFromTopic removes the registration behind the handle. The
// last callback for a key sends the unsubscribe message and forgets
// the topic's context. Unknown handles are ignored.
func (r *Registry) UnsubscribeFromTopic(handle int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.handles[handle]
	if !ok {
		return
	}
	delete(r.handles, handle)

	ts, ok := r.topics[key]
	if !ok {
		return
	}
	delete(ts.callbacks, handle)

	if len(ts.callbacks) == 0 {
		if r.state == StateConnected {
			r.sendUnsubscribeLocked(ts)
		}
		delete(r.topics, key)
	}
}

// -----------------------------------------------------------------------------

// Disconnect cancels pending timers, closes the transport and clears
// all tracked subscriptions.
func (r *Registry) Disconnect() {
	r.mu.Lock()
	r.closed = true
	if r.reconnect != nil {
		r.reconnect.Stop()
		r.reconnect = nil
	}
	if r.pingStop != nil {
		close(r.pingStop)
		r.pingStop = nil
	}
	conn := r.conn
	r.conn = nil
	r.generation++
	r.state = StateDisconnected
	r.topics = make(map[string]*topicState)
	r.handles = make(map[int]string)
	r.attempts = 0
	r.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	r.Logger.Info("Stream disconnected")
}

// -----------------------------------------------------------------------------
// Internal plumbing
// -----------------------------------------------------------------------------

// readLoop is the single dispatch goroutine for one connection; it
// preserves transport delivery order end to end.
func (r *Registry) readLoop(conn interfaces.IStreamConn, gen int) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			r.handleDrop(gen, err)
			return
		}

		var msg models.MStreamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			r.Logger.Warning("Dropping malformed stream message: %v", err)
			continue
		}

		var kind string
		switch msg.Type {
		case models.MsgPong:
			continue
		case models.MsgPriceUpdate:
			kind = models.TopicPrices
		case models.MsgTrade:
			kind = models.TopicTrades
		default:
			r.Logger.Debug("Ignoring message type %q", msg.Type)
			continue
		}

		key := models.MTopic{
			Kind:        kind,
			ModeratorID: msg.ModeratorID,
			ProposalID:  msg.ProposalID,
		}.Key()

		r.mu.Lock()
		var cbs []interfaces.StreamCallback
		if ts, ok := r.topics[key]; ok {
			for _, cb := range ts.callbacks {
				cbs = append(cbs, cb)
			}
		}
		r.mu.Unlock()

		// Synchronous dispatch outside the lock; an event for an
		// unregistered key is a routing miss, not an error.
		for _, cb := range cbs {
			cb(msg)
		}
	}
}

// -----------------------------------------------------------------------------

func (r *Registry) handleDrop(gen int, cause error) {
	r.mu.Lock()
	if r.closed || gen != r.generation {
		r.mu.Unlock()
		return
	}
	if r.pingStop != nil {
		close(r.pingStop)
		r.pingStop = nil
	}
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	r.state = StateDisconnected
	r.scheduleReconnectLocked()
	r.mu.Unlock()

	r.Logger.Warning("Stream connection dropped: %v", cause)
}

// -----------------------------------------------------------------------------

func (r *Registry) scheduleReconnectLocked() {
	if r.closed {
		return
	}

	r.attempts++
	if r.attempts > r.Config.Stream.ReconnectMaxAttempts {
		r.Logger.Error("Stream reconnect giving up after %d attempts", r.attempts-1)
		return
	}

	delay := time.Duration(r.Config.Stream.ReconnectBaseMs) * time.Millisecond
	delay <<= uint(r.attempts - 1)
	maxDelay := time.Duration(r.Config.Stream.ReconnectMaxMs) * time.Millisecond
	if delay > maxDelay {
		delay = maxDelay
	}

	r.Logger.Info("Stream reconnect attempt %d in %v", r.attempts, delay)
	r.reconnect = time.AfterFunc(delay, func() {
		r.Connect()
	})
}

// -----------------------------------------------------------------------------

func (r *Registry) keepaliveLoop(conn interfaces.IStreamConn, gen int, stop chan struct{}) {
	interval := time.Duration(r.Config.Stream.PingIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			stale := gen != r.generation || r.state != StateConnected
			if !stale {
				// Writes are serialized under mu (subscribes share the conn)
				if err := conn.WriteJSON(models.MPing{Type: "PING"}); err != nil {
					r.Logger.Warning("Keepalive write failed: %v", err)
				}
			}
			r.mu.Unlock()
			if stale {
				return
			}
		}
	}
}

// -----------------------------------------------------------------------------

func (r *Registry) sendSubscribeLocked(ts *topicState) {
	if r.conn == nil {
		return
	}

	var msg interface{}
	switch ts.topic.Kind {
	case models.TopicTrades:
		msg = models.MSubscribeTrades{
			Type:        "SUBSCRIBE_TRADES",
			ModeratorID: ts.topic.ModeratorID,
			ProposalID:  ts.topic.ProposalID,
		}
	default:
		token := ts.topic.Token
		if token == "" {
			token = ts.topic.ProposalID
		}
		msg = models.MSubscribeTokens{
			Type:   "SUBSCRIBE",
			Tokens: []string{token},
			Pool:   ts.topic.Context,
		}
	}

	if err := r.conn.WriteJSON(msg); err != nil {
		r.Logger.Warning("Subscribe send failed for %s: %v", ts.topic.Key(), err)
	}
}

// -----------------------------------------------------------------------------

func (r *Registry) sendUnsubscribeLocked(ts *topicState) {
	if r.conn == nil {
		return
	}

	var msg interface{}
	switch ts.topic.Kind {
	case models.TopicTrades:
		msg = models.MSubscribeTrades{
			Type:        "UNSUBSCRIBE_TRADES",
			ModeratorID: ts.topic.ModeratorID,
			ProposalID:  ts.topic.ProposalID,
		}
	default:
		token := ts.topic.Token
		if token == "" {
			token = ts.topic.ProposalID
		}
		msg = models.MSubscribeTokens{
			Type:   "UNSUBSCRIBE",
			Tokens: []string{token},
		}
	}

	if err := r.conn.WriteJSON(msg); err != nil {
		r.Logger.Warning("Unsubscribe send failed for %s: %v", ts.topic.Key(), err)
	}
}

// -----------------------------------------------------------------------------

func (r *Registry) topicCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}
