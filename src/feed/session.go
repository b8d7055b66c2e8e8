package feed

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"chart-feed/src/aggregator"
	"chart-feed/src/interfaces"
	"chart-feed/src/logger"
	"chart-feed/src/models"
	"chart-feed/src/utils"
)

// -----------------------------------------------------------------------------

// ErrNoData signals a successful fetch that matched zero rows for this
// session's market, distinct from a collaborator failure. Callers can
// render "no data in range" instead of an error state.
var ErrNoData = errors.New("no chart data in range")

// SpotSeriesKey is the reserved series identifier for the underlying
// reference-price overlay.
const SpotSeriesKey = "spot"

// BarHandler receives the full current-bar snapshot once per accepted
// sample (not a delta).
type BarHandler func(bar models.MBar)

// -----------------------------------------------------------------------------
// Session
//
// Bridges one logical (entity, market) series between historical
// fetch, the live subscription registry and chart consumers. Each
// consumer may subscribe at its own resolution; one aggregator exists
// per local subscription.
// -----------------------------------------------------------------------------

type liveSub struct {
	agg        *aggregator.BarAggregator
	resolution string
	onBar      BarHandler
	lastBar    models.MBar
	hasLast    bool
}

type Session struct {
	Config      *models.MConfig
	Logger      *logger.Logger
	History     interfaces.IHistorySource
	Registry    interfaces.IStreamRegistry
	Store       interfaces.IBarStore // nil when persistence is disabled
	Key         models.MMarketKey
	ModeratorID string

	mu           sync.Mutex
	subs         map[int]*liveSub
	nextHandle   int
	topicHandles []int
	flushStop    chan struct{}
	closed       bool
}

// -----------------------------------------------------------------------------

func NewSession(
	cfg *models.MConfig,
	moderatorID string,
	key models.MMarketKey,
	history interfaces.IHistorySource,
	registry interfaces.IStreamRegistry,
	store interfaces.IBarStore,
	log *logger.Logger,
) *Session {
	return &Session{
		Config:      cfg,
		Logger:      log,
		History:     history,
		Registry:    registry,
		Store:       store,
		Key:         key,
		ModeratorID: moderatorID,
		subs:        make(map[int]*liveSub),
	}
}

// -----------------------------------------------------------------------------

// ResolveSeries returns static metadata for a requested series key
// ("0".."3" for conditional markets, "spot" for the overlay).
func (s *Session) ResolveSeries(seriesKey string) (models.MSeriesMetadata, error) {
	if seriesKey == SpotSeriesKey {
		return models.MSeriesMetadata{
			SeriesKey: seriesKey,
			Name:      fmt.Sprintf("%s · spot", s.Key.EntityID),
			Precision: 9,
			IsSpot:    true,
		}, nil
	}

	idx, err := strconv.Atoi(seriesKey)
	if err != nil || idx < 0 || idx > 3 {
		return models.MSeriesMetadata{}, fmt.Errorf("unknown series key: %q", seriesKey)
	}

	return models.MSeriesMetadata{
		SeriesKey: seriesKey,
		Name:      fmt.Sprintf("%s · market %d", s.Key.EntityID, idx),
		Precision: 6,
	}, nil
}

// -----------------------------------------------------------------------------

// FetchHistory issues a bounded-range fetch, filters rows to this
// session's market key, discards rows with non-finite OHLC fields and
// returns bars ascending by time. Zero matching rows yields ErrNoData;
// collaborator errors are surfaced unchanged.
func (s *Session) FetchHistory(resolution string, from, to time.Time) ([]models.MBar, error) {
	resolutionMs, err := utils.ResolutionMillis(resolution)
	if err != nil {
		return nil, err
	}

	rows, err := s.History.FetchChart(s.Key.EntityID, s.ModeratorID, resolution, from, to)
	if err != nil {
		return nil, err
	}

	var bars []models.MBar
	for _, row := range rows {
		if row.Market != s.Key.Market {
			continue
		}
		if !finiteOHLC(row) {
			s.Logger.Debug("Discarding non-finite history row at %d", row.Timestamp)
			continue
		}

		bars = append(bars, models.MBar{
			OpenTime: utils.BucketStart(row.Timestamp, resolutionMs),
			Open:     row.Open,
			High:     row.High,
			Low:      row.Low,
			Close:    row.Close,
			Volume:   row.Volume,
		})
	}

	if len(bars) == 0 {
		return nil, ErrNoData
	}
	return bars, nil
}

// -----------------------------------------------------------------------------

// RecentStoredBars serves the persisted tail of this series, ascending
// by time. Used when the upstream history source is unavailable or has
// nothing for the range. ErrNoData when persistence is disabled or the
// store holds nothing for the key.
func (s *Session) RecentStoredBars(resolution string, limit int) ([]models.MBar, error) {
	if s.Store == nil {
		return nil, ErrNoData
	}
	if _, err := utils.ResolutionMillis(resolution); err != nil {
		return nil, err
	}

	bars, err := s.Store.LoadRecentBars(s.Key, resolution, limit)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, ErrNoData
	}
	return bars, nil
}

// -----------------------------------------------------------------------------

// SubscribeLive creates an aggregator for (market, resolution), seeds
// it from the most recent historical bar within the lookback window,
// and registers the callback under an opaque handle. The first
// registration opens the underlying topic subscriptions.
func (s *Session) SubscribeLive(resolution string, onBar BarHandler) (int, error) {
	agg, err := aggregator.NewBarAggregator(resolution)
	if err != nil {
		return 0, err
	}
	if onBar == nil {
		return 0, fmt.Errorf("bar handler cannot be nil")
	}

	// Short-range lookback so the first live bar opens continuously
	lookback := time.Duration(s.Config.Feed.SeedLookbackHours) * time.Hour
	now := time.Now().UTC()

	bars, err := s.FetchHistory(resolution, now.Add(-lookback), now)
	if err == nil {
		last := bars[len(bars)-1]
		agg.Seed(last.Close, last.OpenTime)

		// Warm the store so the series survives an upstream outage
		if s.Store != nil {
			if berr := s.Store.SaveBarsBulk(s.Key, resolution, bars); berr != nil {
				s.Logger.Warning("Failed to warm bar store: %v", berr)
			}
		}
	} else {
		// Upstream empty or down: seed from the persisted tail instead
		stored, serr := s.RecentStoredBars(resolution, 1)
		if serr == nil {
			last := stored[len(stored)-1]
			agg.Seed(last.Close, last.OpenTime)
			s.Logger.Warning("Seeding from stored bars (history: %v)", err)
		} else if !errors.Is(err, ErrNoData) {
			return 0, err
		}
		// No data anywhere: first live sample establishes the first bar
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The fetch suspended; the session may have been torn down meanwhile
	if s.closed {
		return 0, fmt.Errorf("session is closed")
	}

	s.nextHandle++
	handle := s.nextHandle
	s.subs[handle] = &liveSub{agg: agg, resolution: resolution, onBar: onBar}

	if len(s.subs) == 1 {
		if err := s.openTopicsLocked(); err != nil {
			delete(s.subs, handle)
			return 0, err
		}
		s.startFlushLocked()
	}

	return handle, nil
}

// -----------------------------------------------------------------------------

// UnsubscribeLive removes the local registration; the last removal
// closes the underlying topic subscriptions.
func (s *Session) UnsubscribeLive(handle int) {
	s.mu.Lock()
	if _, ok := s.subs[handle]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.subs, handle)

	var topicHandles []int
	if len(s.subs) == 0 {
		topicHandles = s.topicHandles
		s.topicHandles = nil
		s.stopFlushLocked()
	}
	s.mu.Unlock()

	for _, th := range topicHandles {
		s.Registry.UnsubscribeFromTopic(th)
	}
}

// -----------------------------------------------------------------------------

// Close tears the session down. Results of in-flight fetches and any
// late-routed events are discarded afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	topicHandles := s.topicHandles
	s.topicHandles = nil
	s.subs = make(map[int]*liveSub)
	s.stopFlushLocked()
	s.mu.Unlock()

	for _, th := range topicHandles {
		s.Registry.UnsubscribeFromTopic(th)
	}
}

// -----------------------------------------------------------------------------

// SubscriberCount returns the number of active local registrations.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// -----------------------------------------------------------------------------
// Live event routing
// -----------------------------------------------------------------------------

// openTopicsLocked requests the upstream subscriptions: price-level
// events for every market, trade-level events for conditional markets
// only. Caller holds s.mu.
func (s *Session) openTopicsLocked() error {
	prices := models.MTopic{
		Kind:        models.TopicPrices,
		ModeratorID: s.ModeratorID,
		ProposalID:  s.Key.EntityID,
		Token:       s.Key.EntityID,
	}
	ph, err := s.Registry.SubscribeToTopic(prices, s.handleEvent)
	if err != nil {
		return err
	}
	s.topicHandles = append(s.topicHandles, ph)

	if !s.Key.IsSpot() {
		trades := models.MTopic{
			Kind:        models.TopicTrades,
			ModeratorID: s.ModeratorID,
			ProposalID:  s.Key.EntityID,
		}
		th, err := s.Registry.SubscribeToTopic(trades, s.handleEvent)
		if err != nil {
			s.Registry.UnsubscribeFromTopic(ph)
			s.topicHandles = nil
			return err
		}
		s.topicHandles = append(s.topicHandles, th)
	}

	return nil
}

// -----------------------------------------------------------------------------

// handleEvent routes one live message into this session's aggregators.
// Events for sibling markets are silently ignored.
func (s *Session) handleEvent(msg models.MStreamMessage) {
	if msg.MarketIndex() != s.Key.Market {
		return
	}
	if !msg.Timestamp.Set {
		return
	}

	// Derived value takes precedence over the raw unit price, per event
	value := math.NaN()
	if msg.MarketCapUsd.Set && !math.IsNaN(msg.MarketCapUsd.Value) {
		value = msg.MarketCapUsd.Value
	} else if msg.Price.Set {
		value = msg.Price.Value
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}

	volume := 0.0
	if msg.Type == models.MsgTrade && msg.AmountIn.Set && msg.AmountIn.Value > 0 {
		volume = msg.AmountIn.Value
	}

	s.applySample(value, volume, msg.Timestamp.Millis)
}

// -----------------------------------------------------------------------------

type barEvent struct {
	onBar      BarHandler
	resolution string
	bar        models.MBar
	completed  *models.MBar // previous bar closed by a rollover
}

func (s *Session) applySample(value, volume float64, timestamp int64) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	events := make([]barEvent, 0, len(s.subs))
	for _, sub := range s.subs {
		bar := sub.agg.UpdateBar(value, volume, timestamp)

		ev := barEvent{onBar: sub.onBar, resolution: sub.resolution, bar: bar}
		if sub.hasLast && bar.OpenTime > sub.lastBar.OpenTime {
			closed := sub.lastBar
			ev.completed = &closed
		}
		sub.lastBar = bar
		sub.hasLast = true
		events = append(events, ev)
	}
	s.mu.Unlock()

	s.emit(events)
}

// -----------------------------------------------------------------------------

// emit pushes snapshots to consumers and persists bars closed by a
// rollover. Runs outside s.mu; ordering is preserved because all
// routing happens on the registry's single dispatch goroutine.
func (s *Session) emit(events []barEvent) {
	for _, ev := range events {
		if ev.completed != nil && s.Store != nil {
			if err := s.Store.SaveBar(s.Key, ev.resolution, *ev.completed); err != nil {
				s.Logger.Error("Failed to persist completed bar: %v", err)
			}
		}
		ev.onBar(ev.bar)
	}
}

// -----------------------------------------------------------------------------
// Idle-bar flush
// -----------------------------------------------------------------------------

// startFlushLocked arms the periodic flush when enabled. Without it,
// a bucket that elapses with no trades leaves the last bar hanging
// open until the next sample (the origin's behavior).
func (s *Session) startFlushLocked() {
	interval := time.Duration(s.Config.Feed.FlushIntervalSeconds) * time.Second
	if interval <= 0 || s.flushStop != nil {
		return
	}

	stop := make(chan struct{})
	s.flushStop = stop

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.flushIdleBars(time.Now().UnixMilli())
			}
		}
	}()
}

func (s *Session) stopFlushLocked() {
	if s.flushStop != nil {
		close(s.flushStop)
		s.flushStop = nil
	}
}

// -----------------------------------------------------------------------------

func (s *Session) flushIdleBars(nowMs int64) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	events := make([]barEvent, 0, len(s.subs))
	for _, sub := range s.subs {
		bar, ok := sub.agg.Flush(nowMs)
		if !ok || (sub.hasLast && bar == sub.lastBar) {
			continue
		}

		ev := barEvent{onBar: sub.onBar, resolution: sub.resolution, bar: bar}
		if sub.hasLast && bar.OpenTime > sub.lastBar.OpenTime {
			closed := sub.lastBar
			ev.completed = &closed
		}
		sub.lastBar = bar
		sub.hasLast = true
		events = append(events, ev)
	}
	s.mu.Unlock()

	s.emit(events)
}

// -----------------------------------------------------------------------------

func finiteOHLC(row models.MHistoryRow) bool {
	for _, v := range []float64{row.Open, row.High, row.Low, row.Close} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
