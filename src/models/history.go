package models

// -----------------------------------------------------------------------------
// Historical chart rows (REST origin)
// -----------------------------------------------------------------------------

// MHistoryRow is one parsed row from the history endpoint. OHLC fields
// may be NaN when the origin sent an unparseable decimal string; the
// feed layer discards such rows instead of failing the whole range.
type MHistoryRow struct {
	Timestamp int64   `json:"timestamp"` // epoch millis
	Market    int     `json:"market"`    // SpotMarket for the overlay series
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}
