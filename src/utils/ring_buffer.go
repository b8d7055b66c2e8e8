package utils

import (
	"chart-feed/src/models"
)

// -----------------------------------------------------------------------------
// BarRingBuffer is a fixed-size circular buffer of bars, used for cheap
// initial-snapshot serving without a storage round trip.
// True ring buffer - no resizing of the backing array on append.
// -----------------------------------------------------------------------------

const barFeatures = 6 // openTime, open, high, low, close, volume

type BarRingBuffer struct {
	data     [][barFeatures]float64
	capacity int
	index    int // Next write position
	size     int // Current number of elements
}

// -----------------------------------------------------------------------------

// NewBarRingBuffer creates a new buffer with fixed capacity
func NewBarRingBuffer(capacity int) *BarRingBuffer {
	if capacity <= 0 {
		capacity = 500 // Default reasonable size
	}

	return &BarRingBuffer{
		data:     make([][barFeatures]float64, capacity),
		capacity: capacity,
	}
}

// -----------------------------------------------------------------------------

// Append adds a bar. Appending a bar with the open time of the most
// recent entry replaces it in place, so the buffer holds one entry per
// bucket even though every in-progress snapshot passes through here.
func (rb *BarRingBuffer) Append(bar models.MBar) {
	row := [barFeatures]float64{
		float64(bar.OpenTime),
		bar.Open,
		bar.High,
		bar.Low,
		bar.Close,
		bar.Volume,
	}

	if rb.size > 0 {
		lastIdx := (rb.index - 1 + rb.capacity) % rb.capacity
		if int64(rb.data[lastIdx][0]) == bar.OpenTime {
			rb.data[lastIdx] = row
			return
		}
	}

	rb.data[rb.index] = row
	rb.index = (rb.index + 1) % rb.capacity

	// Size never exceeds capacity
	if rb.size < rb.capacity {
		rb.size++
	}
}

// -----------------------------------------------------------------------------

// GetLatest returns up to n most recent bars, ascending by time.
func (rb *BarRingBuffer) GetLatest(n int) []models.MBar {
	if rb.size == 0 || n <= 0 {
		return []models.MBar{}
	}

	count := n
	if n > rb.size {
		count = rb.size
	}

	result := make([]models.MBar, count)
	startIdx := (rb.index - count + rb.capacity) % rb.capacity

	for i := 0; i < count; i++ {
		idx := (startIdx + i) % rb.capacity
		row := rb.data[idx]

		result[i] = models.MBar{
			OpenTime: int64(row[0]),
			Open:     row[1],
			High:     row[2],
			Low:      row[3],
			Close:    row[4],
			Volume:   row[5],
		}
	}

	return result
}

// -----------------------------------------------------------------------------

// GetAll returns all bars in insertion order (oldest to newest)
func (rb *BarRingBuffer) GetAll() []models.MBar {
	return rb.GetLatest(rb.size)
}

// -----------------------------------------------------------------------------

// Size returns current number of elements
func (rb *BarRingBuffer) Size() int {
	return rb.size
}

// -----------------------------------------------------------------------------

// Capacity returns buffer capacity (fixed)
func (rb *BarRingBuffer) Capacity() int {
	return rb.capacity
}

// -----------------------------------------------------------------------------

// IsFull returns whether buffer is full
func (rb *BarRingBuffer) IsFull() bool {
	return rb.size == rb.capacity
}

// -----------------------------------------------------------------------------

// Clear resets the buffer
func (rb *BarRingBuffer) Clear() {
	rb.index = 0
	rb.size = 0
}
