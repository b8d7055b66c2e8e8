package utils

import (
	"testing"

	"chart-feed/src/models"
)

// -----------------------------------------------------------------------------

func bar(openTime int64, close float64) models.MBar {
	return models.MBar{OpenTime: openTime, Open: close, High: close, Low: close, Close: close, Volume: 1}
}

// -----------------------------------------------------------------------------

func TestRingBufferWrapsAtCapacity(t *testing.T) {
	rb := NewBarRingBuffer(3)
	for i := int64(0); i < 5; i++ {
		rb.Append(bar(i*60_000, float64(i)))
	}

	if rb.Size() != 3 || !rb.IsFull() {
		t.Fatalf("size = %d, want full at 3", rb.Size())
	}

	all := rb.GetAll()
	if len(all) != 3 || all[0].OpenTime != 120_000 || all[2].OpenTime != 240_000 {
		t.Errorf("GetAll = %+v, want the newest three ascending", all)
	}
}

// -----------------------------------------------------------------------------

func TestRingBufferReplacesSameBucket(t *testing.T) {
	rb := NewBarRingBuffer(10)
	rb.Append(bar(0, 10))
	rb.Append(bar(0, 11)) // in-progress snapshot of the same bucket
	rb.Append(bar(60_000, 12))

	if rb.Size() != 2 {
		t.Fatalf("size = %d, want 2 (one entry per bucket)", rb.Size())
	}
	all := rb.GetAll()
	if all[0].Close != 11 {
		t.Errorf("first bucket close = %f, want the replaced 11", all[0].Close)
	}
}

// -----------------------------------------------------------------------------

func TestRingBufferGetLatest(t *testing.T) {
	rb := NewBarRingBuffer(10)
	for i := int64(0); i < 4; i++ {
		rb.Append(bar(i*60_000, float64(i)))
	}

	latest := rb.GetLatest(2)
	if len(latest) != 2 || latest[0].OpenTime != 120_000 || latest[1].OpenTime != 180_000 {
		t.Errorf("GetLatest(2) = %+v", latest)
	}

	if got := rb.GetLatest(100); len(got) != 4 {
		t.Errorf("over-ask returned %d bars, want all 4", len(got))
	}
	if got := rb.GetLatest(0); len(got) != 0 {
		t.Errorf("GetLatest(0) returned %d bars", len(got))
	}
}

// -----------------------------------------------------------------------------

func TestResolutionTable(t *testing.T) {
	cases := map[string]int64{
		"1m":  60_000,
		"5m":  300_000,
		"15m": 900_000,
		"1h":  3_600_000,
		"4h":  14_400_000,
		"1d":  86_400_000,
	}
	for name, want := range cases {
		ms, err := ResolutionMillis(name)
		if err != nil || ms != want {
			t.Errorf("ResolutionMillis(%q) = %d, %v; want %d", name, ms, err, want)
		}
	}

	if _, err := ResolutionMillis("2w"); err == nil {
		t.Error("unknown resolution must error")
	}
	if IsValidResolution("7m") {
		t.Error("7m accepted")
	}
}

// -----------------------------------------------------------------------------

func TestBucketStartFloors(t *testing.T) {
	if got := BucketStart(65_000, 60_000); got != 60_000 {
		t.Errorf("BucketStart(65000, 1m) = %d, want 60000", got)
	}
	if got := BucketStart(60_000, 60_000); got != 60_000 {
		t.Errorf("boundary timestamp must map to its own bucket, got %d", got)
	}
}
