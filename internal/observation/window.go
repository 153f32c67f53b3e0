// ABOUTME: Time window unification for observations
// ABOUTME: Aligns an anchor timestamp to a fixed-size window boundary

package observation

import "time"

// DefaultWindowMs is the window size used when none is requested.
const DefaultWindowMs int64 = 60_000

// TimeWindow is the aligned window an observation belongs to.
type TimeWindow struct {
	AnchorTsMs    int64 `json:"anchor_ts_ms"`
	WindowMs      int64 `json:"window_ms"`
	WindowStartMs int64 `json:"window_start_ms"`
	WindowEndMs   int64 `json:"window_end_ms"`
}

// UnifyTimeWindow aligns anchorMs (or now, when nil) to a windowMs boundary.
// windowMs <= 0 selects DefaultWindowMs.
func UnifyTimeWindow(anchorMs *int64, windowMs int64, now time.Time) TimeWindow {
	anchor := now.UnixMilli()
	if anchorMs != nil {
		anchor = *anchorMs
	}
	if windowMs <= 0 {
		windowMs = DefaultWindowMs
	}

	start := floorDiv(anchor, windowMs) * windowMs
	return TimeWindow{
		AnchorTsMs:    anchor,
		WindowMs:      windowMs,
		WindowStartMs: start,
		WindowEndMs:   start + windowMs,
	}
}

// ClampWindowStart moves the window start forward to earliestMs when the
// aligned start precedes it.
func ClampWindowStart(w TimeWindow, earliestMs int64) TimeWindow {
	if w.WindowStartMs < earliestMs {
		w.WindowStartMs = earliestMs
	}
	return w
}

// DataAgeMs is observedMs - sourceMs clamped at zero, so sources stamped in
// the future report an age of 0.
func DataAgeMs(observedMs, sourceMs int64) int64 {
	if age := observedMs - sourceMs; age > 0 {
		return age
	}
	return 0
}

// floorDiv rounds toward negative infinity so pre-epoch anchors align the
// same way as positive ones.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
