package models

// -----------------------------------------------------------------------------
// Core chart data types
// -----------------------------------------------------------------------------

// MBar represents one OHLC candlestick for a fixed time bucket.
// OpenTime is epoch milliseconds, floored to the resolution boundary.
// Invariant: Low <= min(Open, Close) <= max(Open, Close) <= High.
type MBar struct {
	OpenTime int64   `json:"open_time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

// -----------------------------------------------------------------------------

// MSample is a single incoming price/trade observation.
// Value is already normalized by the upstream (price or market-cap unit).
type MSample struct {
	Value     float64 `json:"value"`
	Volume    float64 `json:"volume"`
	Timestamp int64   `json:"timestamp"` // epoch millis
}

// -----------------------------------------------------------------------------

// SpotMarket is the sentinel market index for the underlying
// reference-price overlay series. The live transport sends either -1
// or the string "spot" for it; both normalize to this value.
const SpotMarket = -1

// MMarketKey identifies which logical price series a sample or
// subscription belongs to.
type MMarketKey struct {
	EntityID string `json:"entity_id"`
	Market   int    `json:"market"` // 0..3 conditional, SpotMarket for overlay
}

// -----------------------------------------------------------------------------

// IsSpot reports whether the key addresses the spot overlay series.
func (k MMarketKey) IsSpot() bool {
	return k.Market == SpotMarket
}

// -----------------------------------------------------------------------------

// MSeriesMetadata is static descriptive metadata for one series.
type MSeriesMetadata struct {
	SeriesKey string `json:"series_key"`
	Name      string `json:"name"`
	Precision int    `json:"precision"`
	IsSpot    bool   `json:"is_spot"`
}
