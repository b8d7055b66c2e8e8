package feed

import (
	"errors"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"chart-feed/src/interfaces"
	"chart-feed/src/logger"
	"chart-feed/src/models"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type fakeHistory struct {
	mu    sync.Mutex
	rows  []models.MHistoryRow
	err   error
	calls int
}

func (h *fakeHistory) FetchChart(entityID, moderatorID, resolution string, from, to time.Time) ([]models.MHistoryRow, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	return h.rows, nil
}

// -----------------------------------------------------------------------------

type fakeSub struct {
	topic models.MTopic
	cb    interfaces.StreamCallback
}

type fakeRegistry struct {
	mu         sync.Mutex
	subs       map[int]fakeSub
	nextHandle int
	unsubbed   []int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{subs: make(map[int]fakeSub)}
}

func (r *fakeRegistry) Connect() error { return nil }
func (r *fakeRegistry) Disconnect()    {}
func (r *fakeRegistry) Status() string { return "connected" }

func (r *fakeRegistry) SubscribeToTopic(topic models.MTopic, cb interfaces.StreamCallback) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextHandle++
	r.subs[r.nextHandle] = fakeSub{topic: topic, cb: cb}
	return r.nextHandle, nil
}

func (r *fakeRegistry) UnsubscribeFromTopic(handle int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, handle)
	r.unsubbed = append(r.unsubbed, handle)
}

func (r *fakeRegistry) activeTopics() []models.MTopic {
	r.mu.Lock()
	defer r.mu.Unlock()
	var topics []models.MTopic
	for _, s := range r.subs {
		topics = append(topics, s.topic)
	}
	return topics
}

// emit routes a message the way the registry's dispatch loop does:
// by message kind and the (moderator, proposal) pair.
func (r *fakeRegistry) emit(msg models.MStreamMessage) {
	kind := models.TopicPrices
	if msg.Type == models.MsgTrade {
		kind = models.TopicTrades
	}

	r.mu.Lock()
	var cbs []interfaces.StreamCallback
	for _, s := range r.subs {
		if s.topic.Kind == kind && s.topic.ModeratorID == msg.ModeratorID && s.topic.ProposalID == msg.ProposalID {
			cbs = append(cbs, s.cb)
		}
	}
	r.mu.Unlock()

	for _, cb := range cbs {
		cb(msg)
	}
}

// -----------------------------------------------------------------------------

type savedBar struct {
	key        models.MMarketKey
	resolution string
	bar        models.MBar
}

type fakeStore struct {
	mu     sync.Mutex
	saved  []savedBar
	recent []models.MBar
}

func (s *fakeStore) Initialize() error { return nil }
func (s *fakeStore) Close() error      { return nil }
func (s *fakeStore) CleanupOldData() error {
	return nil
}

func (s *fakeStore) SaveBar(key models.MMarketKey, resolution string, bar models.MBar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, savedBar{key: key, resolution: resolution, bar: bar})
	return nil
}

func (s *fakeStore) SaveBarsBulk(key models.MMarketKey, resolution string, bars []models.MBar) error {
	for _, b := range bars {
		s.SaveBar(key, resolution, b)
	}
	return nil
}

func (s *fakeStore) LoadRecentBars(key models.MMarketKey, resolution string, limit int) ([]models.MBar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit < len(s.recent) {
		return s.recent[len(s.recent)-limit:], nil
	}
	return s.recent, nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func testConfig() *models.MConfig {
	return &models.MConfig{
		Feed: models.MFeedConfig{
			SeedLookbackHours:    24,
			FlushIntervalSeconds: 0,
		},
	}
}

func newTestSession(market int, history interfaces.IHistorySource, registry interfaces.IStreamRegistry, store interfaces.IBarStore) *Session {
	key := models.MMarketKey{EntityID: "prop1", Market: market}
	return NewSession(testConfig(), "mod1", key, history, registry, store, logger.NewLogger("Feed-test"))
}

func priceUpdate(market int, price string, ts int64) models.MStreamMessage {
	msg := models.MStreamMessage{
		Type:        models.MsgPriceUpdate,
		ModeratorID: "mod1",
		ProposalID:  "prop1",
	}
	msg.Market.Value = market
	msg.Market.IsSpot = market == models.SpotMarket
	msg.Price.Set = true
	msg.Price.Value = mustFloat(price)
	msg.Timestamp.Set = true
	msg.Timestamp.Millis = ts
	return msg
}

func trade(market int, price, amountIn string, ts int64) models.MStreamMessage {
	msg := priceUpdate(market, price, ts)
	msg.Type = models.MsgTrade
	msg.AmountIn.Set = true
	msg.AmountIn.Value = mustFloat(amountIn)
	return msg
}

func mustFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		panic(err)
	}
	return v
}

// -----------------------------------------------------------------------------

func TestSubscribeLiveSeedsFromHistory(t *testing.T) {
	history := &fakeHistory{rows: []models.MHistoryRow{
		{Timestamp: 0, Market: 0, Open: 90, High: 95, Low: 89, Close: 92, Volume: 10},
		{Timestamp: 60_000, Market: 0, Open: 92, High: 101, Low: 92, Close: 100, Volume: 4},
		{Timestamp: 60_000, Market: 1, Open: 5, High: 6, Low: 5, Close: 6, Volume: 1},
	}}
	registry := newFakeRegistry()
	s := newTestSession(0, history, registry, nil)

	var bars []models.MBar
	_, err := s.SubscribeLive("1m", func(bar models.MBar) { bars = append(bars, bar) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// First sample in the seeded bucket continues from the last close
	registry.emit(priceUpdate(0, "105", 70_000))

	if len(bars) != 1 {
		t.Fatalf("got %d bar snapshots, want 1", len(bars))
	}
	if bars[0].Open != 100 {
		t.Errorf("seeded open = %f, want 100 (continuity from last historical close)", bars[0].Open)
	}
	if bars[0].Close != 105 || bars[0].High != 105 {
		t.Errorf("bar = %+v, want close/high 105", bars[0])
	}
	if bars[0].OpenTime != 60_000 {
		t.Errorf("openTime = %d, want 60000", bars[0].OpenTime)
	}
}

// -----------------------------------------------------------------------------

func TestSubscribeLiveProceedsUnseededOnNoData(t *testing.T) {
	history := &fakeHistory{} // zero rows -> ErrNoData internally
	registry := newFakeRegistry()
	s := newTestSession(0, history, registry, nil)

	var bars []models.MBar
	if _, err := s.SubscribeLive("1m", func(bar models.MBar) { bars = append(bars, bar) }); err != nil {
		t.Fatalf("empty history must not fail the subscription: %v", err)
	}

	registry.emit(priceUpdate(0, "42", 120_000))

	if len(bars) != 1 {
		t.Fatalf("got %d bar snapshots, want 1", len(bars))
	}
	if bars[0].Open != 42 || bars[0].Close != 42 {
		t.Errorf("unseeded first bar = %+v, want open=close=42", bars[0])
	}
}

// -----------------------------------------------------------------------------

func TestHistoryFetchWarmsStore(t *testing.T) {
	history := &fakeHistory{rows: []models.MHistoryRow{
		{Timestamp: 0, Market: 0, Open: 90, High: 95, Low: 89, Close: 92, Volume: 10},
		{Timestamp: 60_000, Market: 0, Open: 92, High: 101, Low: 92, Close: 100, Volume: 4},
	}}
	store := &fakeStore{}
	s := newTestSession(0, history, newFakeRegistry(), store)

	if _, err := s.SubscribeLive("1m", func(models.MBar) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.saved) != 2 {
		t.Fatalf("store holds %d bars after seeding, want the 2 fetched ones", len(store.saved))
	}
	if store.saved[1].bar.Close != 100 || store.saved[1].resolution != "1m" {
		t.Errorf("warmed bar = %+v", store.saved[1])
	}
}

// -----------------------------------------------------------------------------

func TestSeedFallsBackToStoredBars(t *testing.T) {
	history := &fakeHistory{err: errors.New("upstream 500")}
	store := &fakeStore{recent: []models.MBar{
		{OpenTime: 60_000, Open: 92, High: 101, Low: 92, Close: 100, Volume: 4},
	}}
	registry := newFakeRegistry()
	s := newTestSession(0, history, registry, store)

	var bars []models.MBar
	if _, err := s.SubscribeLive("1m", func(bar models.MBar) { bars = append(bars, bar) }); err != nil {
		t.Fatalf("a warm store must cover an upstream outage: %v", err)
	}

	// Sample in the seeded bucket continues from the stored close
	registry.emit(priceUpdate(0, "105", 70_000))

	if len(bars) != 1 {
		t.Fatalf("got %d bar snapshots, want 1", len(bars))
	}
	if bars[0].Open != 100 || bars[0].OpenTime != 60_000 {
		t.Errorf("bar = %+v, want continuity from the stored close 100", bars[0])
	}
}

// -----------------------------------------------------------------------------

func TestRecentStoredBars(t *testing.T) {
	stored := []models.MBar{
		{OpenTime: 0, Open: 1, High: 1, Low: 1, Close: 1},
		{OpenTime: 60_000, Open: 2, High: 2, Low: 2, Close: 2},
	}
	s := newTestSession(0, &fakeHistory{}, newFakeRegistry(), &fakeStore{recent: stored})

	bars, err := s.RecentStoredBars("1m", 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(bars) != 1 || bars[0].OpenTime != 60_000 {
		t.Errorf("bars = %+v, want the newest stored bar", bars)
	}

	empty := newTestSession(0, &fakeHistory{}, newFakeRegistry(), &fakeStore{})
	if _, err := empty.RecentStoredBars("1m", 10); !errors.Is(err, ErrNoData) {
		t.Errorf("empty store err = %v, want ErrNoData", err)
	}

	none := newTestSession(0, &fakeHistory{}, newFakeRegistry(), nil)
	if _, err := none.RecentStoredBars("1m", 10); !errors.Is(err, ErrNoData) {
		t.Errorf("disabled persistence err = %v, want ErrNoData", err)
	}
}

// -----------------------------------------------------------------------------

func TestSubscribeLivePropagatesHistoryError(t *testing.T) {
	history := &fakeHistory{err: errors.New("upstream 500")}
	registry := newFakeRegistry()
	s := newTestSession(0, history, registry, nil)

	if _, err := s.SubscribeLive("1m", func(models.MBar) {}); err == nil {
		t.Fatal("collaborator failure must propagate, not be swallowed as no-data")
	}
	if len(registry.activeTopics()) != 0 {
		t.Error("failed subscribe must not leave topics open")
	}
}

// -----------------------------------------------------------------------------

func TestInvalidResolutionRejected(t *testing.T) {
	s := newTestSession(0, &fakeHistory{}, newFakeRegistry(), nil)
	if _, err := s.SubscribeLive("7m", func(models.MBar) {}); err == nil {
		t.Fatal("unknown resolution must fail at subscription time")
	}
}

// -----------------------------------------------------------------------------

func TestEventRoutingIsolation(t *testing.T) {
	registry := newFakeRegistry()
	s0 := newTestSession(0, &fakeHistory{}, registry, nil)
	s1 := newTestSession(1, &fakeHistory{}, registry, nil)

	var bars0, bars1 []models.MBar
	s0.SubscribeLive("1m", func(bar models.MBar) { bars0 = append(bars0, bar) })
	s1.SubscribeLive("1m", func(bar models.MBar) { bars1 = append(bars1, bar) })

	registry.emit(priceUpdate(0, "10", 1_000))
	registry.emit(priceUpdate(1, "99", 2_000))
	registry.emit(priceUpdate(3, "55", 3_000)) // no session for market 3

	if len(bars0) != 1 || bars0[0].Close != 10 {
		t.Errorf("market 0 saw %d bars %+v, want exactly its own event", len(bars0), bars0)
	}
	if len(bars1) != 1 || bars1[0].Close != 99 {
		t.Errorf("market 1 saw %d bars %+v, want exactly its own event", len(bars1), bars1)
	}
}

// -----------------------------------------------------------------------------

func TestSpotEventsRouteToSpotSession(t *testing.T) {
	registry := newFakeRegistry()
	s := newTestSession(models.SpotMarket, &fakeHistory{}, registry, nil)

	var bars []models.MBar
	s.SubscribeLive("1m", func(bar models.MBar) { bars = append(bars, bar) })

	msg := models.MStreamMessage{
		Type:        models.MsgPriceUpdate,
		ModeratorID: "mod1",
		ProposalID:  "prop1",
	}
	msg.Market.Value = models.SpotMarket
	msg.Market.IsSpot = true
	msg.Price.Set = true
	msg.Price.Value = 150.5
	msg.Timestamp.Set = true
	msg.Timestamp.Millis = 1_000

	registry.emit(msg)

	if len(bars) != 1 || bars[0].Close != 150.5 {
		t.Fatalf("spot session bars = %+v, want one bar at 150.5", bars)
	}
}

// -----------------------------------------------------------------------------

func TestDerivedValueTakesPrecedence(t *testing.T) {
	registry := newFakeRegistry()
	s := newTestSession(0, &fakeHistory{}, registry, nil)

	var bars []models.MBar
	s.SubscribeLive("1m", func(bar models.MBar) { bars = append(bars, bar) })

	// Both fields present: the derived value wins
	msg := priceUpdate(0, "1.5", 1_000)
	msg.MarketCapUsd.Set = true
	msg.MarketCapUsd.Value = 1_500_000
	registry.emit(msg)

	// Derived value absent on the next event: fall back to raw price
	registry.emit(priceUpdate(0, "1.6", 2_000))

	if len(bars) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(bars))
	}
	if bars[0].Close != 1_500_000 {
		t.Errorf("first close = %f, want derived 1500000", bars[0].Close)
	}
	if bars[1].Close != 1.6 {
		t.Errorf("second close = %f, want raw 1.6", bars[1].Close)
	}
	if bars[1].High != 1_500_000 {
		t.Errorf("high = %f, the derived sample must remain in the bar", bars[1].High)
	}
}

// -----------------------------------------------------------------------------

func TestTradeVolumeAccumulates(t *testing.T) {
	registry := newFakeRegistry()
	s := newTestSession(0, &fakeHistory{}, registry, nil)

	var last models.MBar
	s.SubscribeLive("1m", func(bar models.MBar) { last = bar })

	registry.emit(trade(0, "10", "2.5", 1_000))
	registry.emit(priceUpdate(0, "11", 2_000)) // price-only, no volume
	registry.emit(trade(0, "12", "1.5", 3_000))

	if last.Volume != 4 {
		t.Errorf("volume = %f, want 4 (trade amounts only)", last.Volume)
	}
	if last.Close != 12 {
		t.Errorf("close = %f, want 12", last.Close)
	}
}

// -----------------------------------------------------------------------------

func TestMalformedValuesSkipped(t *testing.T) {
	registry := newFakeRegistry()
	s := newTestSession(0, &fakeHistory{}, registry, nil)

	var count int
	s.SubscribeLive("1m", func(models.MBar) { count++ })

	// Unparseable price decodes to NaN and must not reach the aggregator
	msg := priceUpdate(0, "10", 1_000)
	msg.Price.Value = math.NaN()
	registry.emit(msg)

	noTS := priceUpdate(0, "10", 1_000)
	noTS.Timestamp.Set = false
	registry.emit(noTS)

	if count != 0 {
		t.Errorf("malformed events produced %d snapshots, want 0", count)
	}
}

// -----------------------------------------------------------------------------

func TestCompletedBarPersistedOnRollover(t *testing.T) {
	registry := newFakeRegistry()
	store := &fakeStore{}
	s := newTestSession(0, &fakeHistory{}, registry, store)

	s.SubscribeLive("1m", func(models.MBar) {})

	registry.emit(priceUpdate(0, "10", 10_000))
	registry.emit(priceUpdate(0, "11", 50_000))
	registry.emit(priceUpdate(0, "12", 65_000)) // next bucket: closes the first bar

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.saved) != 1 {
		t.Fatalf("persisted %d bars, want 1 (the completed one)", len(store.saved))
	}
	got := store.saved[0]
	if got.resolution != "1m" || got.bar.OpenTime != 0 || got.bar.Close != 11 {
		t.Errorf("persisted %+v, want the closed 1m bar [0, close 11]", got)
	}
}

// -----------------------------------------------------------------------------

func TestTopicLifecycle(t *testing.T) {
	registry := newFakeRegistry()
	s := newTestSession(0, &fakeHistory{}, registry, nil)

	h1, _ := s.SubscribeLive("1m", func(models.MBar) {})
	h2, _ := s.SubscribeLive("5m", func(models.MBar) {})

	// Conditional market: prices plus trades
	if n := len(registry.activeTopics()); n != 2 {
		t.Fatalf("%d topics open, want 2 (prices + trades, shared by both subs)", n)
	}

	s.UnsubscribeLive(h1)
	if n := len(registry.activeTopics()); n != 2 {
		t.Errorf("topics closed while a subscriber remains (%d open)", n)
	}

	s.UnsubscribeLive(h2)
	if n := len(registry.activeTopics()); n != 0 {
		t.Errorf("%d topics still open after last unsubscribe", n)
	}
}

// -----------------------------------------------------------------------------

func TestSpotSessionOpensPricesOnly(t *testing.T) {
	registry := newFakeRegistry()
	s := newTestSession(models.SpotMarket, &fakeHistory{}, registry, nil)

	s.SubscribeLive("1m", func(models.MBar) {})

	topics := registry.activeTopics()
	if len(topics) != 1 || topics[0].Kind != models.TopicPrices {
		t.Fatalf("spot session topics = %+v, want a single prices topic", topics)
	}
}

// -----------------------------------------------------------------------------

func TestFetchHistoryFiltersToMarket(t *testing.T) {
	history := &fakeHistory{rows: []models.MHistoryRow{
		{Timestamp: 0, Market: 1, Open: 1, High: 1, Low: 1, Close: 1},
		{Timestamp: 0, Market: 0, Open: 2, High: 3, Low: 2, Close: 3},
		{Timestamp: 60_000, Market: 0, Open: math.NaN(), High: 3, Low: 2, Close: 3}, // discarded
	}}
	s := newTestSession(0, history, newFakeRegistry(), nil)

	bars, err := s.FetchHistory("1m", time.UnixMilli(0), time.UnixMilli(120_000))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(bars) != 1 || bars[0].Close != 3 {
		t.Fatalf("bars = %+v, want the single finite market-0 row", bars)
	}
}

// -----------------------------------------------------------------------------

func TestFetchHistoryNoData(t *testing.T) {
	history := &fakeHistory{rows: []models.MHistoryRow{
		{Timestamp: 0, Market: 2, Open: 1, High: 1, Low: 1, Close: 1},
	}}
	s := newTestSession(0, history, newFakeRegistry(), nil)

	_, err := s.FetchHistory("1m", time.UnixMilli(0), time.UnixMilli(60_000))
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("err = %v, want ErrNoData when no rows match the market", err)
	}

	history.err = errors.New("boom")
	_, err = s.FetchHistory("1m", time.UnixMilli(0), time.UnixMilli(60_000))
	if errors.Is(err, ErrNoData) || err == nil {
		t.Fatalf("err = %v, collaborator failures must stay distinguishable", err)
	}
}

// -----------------------------------------------------------------------------

func TestResolveSeries(t *testing.T) {
	s := newTestSession(0, &fakeHistory{}, newFakeRegistry(), nil)

	meta, err := s.ResolveSeries("2")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if meta.IsSpot || meta.SeriesKey != "2" {
		t.Errorf("meta = %+v, want conditional market 2", meta)
	}

	spot, err := s.ResolveSeries("spot")
	if err != nil {
		t.Fatalf("resolve spot: %v", err)
	}
	if !spot.IsSpot {
		t.Errorf("spot metadata not flagged: %+v", spot)
	}

	if _, err := s.ResolveSeries("9"); err == nil {
		t.Error("series key out of range must fail")
	}
}

// -----------------------------------------------------------------------------

func TestCloseDiscardsLateEvents(t *testing.T) {
	registry := newFakeRegistry()
	s := newTestSession(0, &fakeHistory{}, registry, nil)

	var count int
	s.SubscribeLive("1m", func(models.MBar) { count++ })

	// Keep the callback reference alive past Close, as a late-routed
	// event from the dispatch goroutine would
	subs := registry.activeTopics()
	if len(subs) == 0 {
		t.Fatal("no topics open")
	}

	registryEmitAfterClose := func() {
		registry.mu.Lock()
		cbs := make([]interfaces.StreamCallback, 0, len(registry.subs))
		for _, sub := range registry.subs {
			cbs = append(cbs, sub.cb)
		}
		registry.mu.Unlock()
		s.Close()
		for _, cb := range cbs {
			cb(priceUpdate(0, "10", 1_000))
		}
	}
	registryEmitAfterClose()

	if count != 0 {
		t.Errorf("closed session still produced %d snapshots", count)
	}
}

// -----------------------------------------------------------------------------

func TestManagerReusesSessions(t *testing.T) {
	registry := newFakeRegistry()
	m := NewManager(testConfig(), &fakeHistory{}, registry, nil, logger.NewLogger("Feed-test"))

	key := models.MMarketKey{EntityID: "prop1", Market: 0}
	a := m.Session("mod1", key)
	b := m.Session("mod1", key)
	if a != b {
		t.Error("same triple must resolve to the same session")
	}

	other := m.Session("mod1", models.MMarketKey{EntityID: "prop1", Market: 1})
	if other == a {
		t.Error("distinct markets must get distinct sessions")
	}

	m.Release("mod1", key)
	c := m.Session("mod1", key)
	if c == a {
		t.Error("released session must not be handed out again")
	}
}
