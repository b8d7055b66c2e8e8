package utils

import "fmt"

// -----------------------------------------------------------------------------

// Supported chart resolutions mapped to bucket durations in milliseconds.
// Bar boundaries are computed by integer flooring against these values.
var resolutionMillis = map[string]int64{
	"1m":  60_000,
	"5m":  300_000,
	"15m": 900_000,
	"1h":  3_600_000,
	"4h":  14_400_000,
	"1d":  86_400_000,
}

// -----------------------------------------------------------------------------

// ResolutionMillis returns the bucket duration for a resolution name.
// Unknown resolutions are a programming error and fail loudly.
func ResolutionMillis(resolution string) (int64, error) {
	ms, ok := resolutionMillis[resolution]
	if !ok {
		return 0, fmt.Errorf("invalid resolution: %q", resolution)
	}
	return ms, nil
}

// -----------------------------------------------------------------------------

// IsValidResolution reports whether the resolution name is supported.
func IsValidResolution(resolution string) bool {
	_, ok := resolutionMillis[resolution]
	return ok
}

// -----------------------------------------------------------------------------

// Resolutions returns the supported resolution names (unordered).
func Resolutions() []string {
	names := make([]string, 0, len(resolutionMillis))
	for name := range resolutionMillis {
		names = append(names, name)
	}
	return names
}

// -----------------------------------------------------------------------------

// BucketStart floors a timestamp onto its resolution boundary.
func BucketStart(timestampMs int64, resolutionMs int64) int64 {
	return (timestampMs / resolutionMs) * resolutionMs
}
