// Package observation builds the uniform envelope attached to every
// observability tool result.
//
// # Envelope
//
// An Observation wraps arbitrary payload data with:
//
//   - ts_ms: construction time
//   - data_age_ms: ts_ms minus the upstream source time, never negative
//   - quality_flags: a deduplicated set of degradation tags
//   - truncated / truncation_reason: whether the payload was cut short
//   - provenance: the calc version plus one RawProvenance per upstream fetch
//   - window: the aligned TimeWindow the observation belongs to
//
// # Purity
//
// Build is a pure function of its inputs and an explicit clock reading.
// Builder adds the audit side effect: after building, it hands the envelope
// to an AuditSink. Sink failures are logged and never surface to the caller.
//
// # Time windows
//
// Windows align on the requested window size:
//
//	window_start_ms = floor(anchor_ts_ms / window_ms) * window_ms
//	window_end_ms   = window_start_ms + window_ms
//
// window_ms defaults to DefaultWindowMs (60s).
package observation
