// Package mono supplies a monotonic clock for every latency and
// quiescence measurement in the controller: reactor tick cadence,
// CONVERGE_TIMEOUT, KEEPBUSY_INTERVAL, BUILDUP_TRY_INTERVAL, and the
// per-source timestamp gaps recorded into io.log.
package mono

import "time"

// base anchors NanoTime; time.Since(base) reads Go's monotonic clock.
var base = time.Now()

// NanoTime returns a monotonic nanosecond counter. Differences between
// two NanoTime() calls are meaningful; the absolute value is not.
func NanoTime() int64 { return base.UnixNano() + int64(time.Since(base)) }

// Since returns the elapsed duration since a prior NanoTime() reading.
func Since(start int64) time.Duration { return time.Duration(NanoTime() - start) }

// Seconds6dp converts a duration to seconds as a float64, for callers
// that print it with 6 decimal places (the stage-log line convention).
func Seconds6dp(d time.Duration) float64 {
	return float64(d) / float64(time.Second)
}
