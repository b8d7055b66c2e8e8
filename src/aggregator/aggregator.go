package aggregator

import (
	"chart-feed/src/models"
	"chart-feed/src/utils"
)

// -----------------------------------------------------------------------------
// BarAggregator
//
// Pure, stateful OHLC aggregation for a single resolution. Consumes
// discrete samples and maintains exactly one in-progress bar; history
// is the fetch layer's job. No I/O, not safe for concurrent use:
// callers serialize updates (the feed session routes from a single
// dispatch goroutine).
// -----------------------------------------------------------------------------

type BarAggregator struct {
	resolution   string
	resolutionMs int64
	hasBar       bool
	current      models.MBar
}

// -----------------------------------------------------------------------------

// NewBarAggregator creates an aggregator for a supported resolution.
// An unknown resolution is a programming error and fails construction.
func NewBarAggregator(resolution string) (*BarAggregator, error) {
	ms, err := utils.ResolutionMillis(resolution)
	if err != nil {
		return nil, err
	}

	return &BarAggregator{
		resolution:   resolution,
		resolutionMs: ms,
	}, nil
}

// -----------------------------------------------------------------------------

// Resolution returns the configured resolution name.
func (a *BarAggregator) Resolution() string {
	return a.resolution
}

// -----------------------------------------------------------------------------

// ResolutionMs returns the bucket duration in milliseconds.
func (a *BarAggregator) ResolutionMs() int64 {
	return a.resolutionMs
}

// -----------------------------------------------------------------------------

// UpdateBar folds one sample into the aggregation and returns the
// current bar by value. A sample in a later bucket implicitly closes
// the previous bar (no close event is emitted; the caller already got
// its last snapshot) and opens a new one. A sample for an already
// closed earlier bucket is dropped: the current bar is never rolled
// back and its invariants never violated.
func (a *BarAggregator) UpdateBar(value, volume float64, timestamp int64) models.MBar {
	bucketStart := utils.BucketStart(timestamp, a.resolutionMs)

	if !a.hasBar || bucketStart > a.current.OpenTime {
		a.current = models.MBar{
			OpenTime: bucketStart,
			Open:     value,
			High:     value,
			Low:      value,
			Close:    value,
			Volume:   volume,
		}
		a.hasBar = true
		return a.current
	}

	if bucketStart < a.current.OpenTime {
		// Late/out-of-order sample for a closed bucket
		return a.current
	}

	if value > a.current.High {
		a.current.High = value
	}
	if value < a.current.Low {
		a.current.Low = value
	}
	a.current.Close = value
	a.current.Volume += volume

	return a.current
}

// -----------------------------------------------------------------------------

// Seed primes a fresh aggregator with the last historical close so the
// first live bar opens continuously. Equivalent to a zero-volume
// update at the historical bar time.
func (a *BarAggregator) Seed(lastClose float64, barTime int64) models.MBar {
	return a.UpdateBar(lastClose, 0, barTime)
}

// -----------------------------------------------------------------------------

// Flush re-applies the current close at the given wall-clock time with
// zero volume. When the bucket has elapsed with no trades this rolls
// the bar forward so idle charts don't appear to hang open.
func (a *BarAggregator) Flush(nowMs int64) (models.MBar, bool) {
	if !a.hasBar {
		return models.MBar{}, false
	}
	return a.UpdateBar(a.current.Close, 0, nowMs), true
}

// -----------------------------------------------------------------------------

// CurrentBar returns the in-progress bar, if any.
func (a *BarAggregator) CurrentBar() (models.MBar, bool) {
	return a.current, a.hasBar
}
