// ABOUTME: observability_ws_gap, feeds a sequence number into a named gap detector
// ABOUTME: Reports whether the message revealed a sequence or timing gap

package tools

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/2389/binance-mcp/internal/gap"
	"github.com/2389/binance-mcp/internal/observation"
)

const (
	wsGapCalcVersion  = "ws_gap_monitor:v1"
	wsGapDefaultLabel = "observability_ws"

	// maxGapDetectors bounds how many detectors tool callers can create.
	maxGapDetectors = 256
)

var gapLabelPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)

// gapLabel validates a caller-supplied detector label. Ingestor labels are
// off limits so a tool call cannot move a live stream's sequence.
func gapLabel(gaps *gap.Registry, label string) (string, error) {
	if label == "" {
		return wsGapDefaultLabel, nil
	}
	if !gapLabelPattern.MatchString(label) {
		return "", invalid("stream", "must be 1-64 characters of letters, digits, and _.:-")
	}
	if strings.HasPrefix(strings.ToLower(label), gap.StreamLabelPrefix) {
		return "", invalid("stream", "labels starting with %q are reserved for stream ingest", gap.StreamLabelPrefix)
	}
	if !gaps.Has(label) && gaps.Len() >= maxGapDetectors {
		return "", invalid("stream", "too many detectors; reuse an existing label")
	}
	return label, nil
}

func wsGapTool(deps *Deps) *Tool {
	const name = "observability_ws_gap"
	return &Tool{
		Definition: Definition{
			Name:        name,
			Description: "Detect websocket sequence or timing gaps and emit quality flags for downstream consumers.",
			InputSchema: inputSchema(
				`"seq": {"type": "number", "description": "Sequence number from the websocket payload."},
		"ts_ms": {"type": "number", "description": "Timestamp from the websocket payload."},
		"stream": {"type": "string", "description": "Detector label (letters, digits, _.:-; not ws_). Defaults to observability_ws."}`,
				"seq", "ts_ms",
			),
			OutputSchema: []byte(envelopeSchema),
		},
		Handler: func(ctx context.Context, args Args) (observation.Observation, error) {
			seq, err := args.OptionalInt64("seq")
			if err != nil {
				return observation.Observation{}, err
			}
			if seq == nil {
				return observation.Observation{}, invalid("seq", "is required")
			}
			tsMs, err := args.OptionalInt64("ts_ms")
			if err != nil {
				return observation.Observation{}, err
			}
			if tsMs == nil {
				return observation.Observation{}, invalid("ts_ms", "is required")
			}
			label, err := args.String("stream", wsGapDefaultLabel)
			if err != nil {
				return observation.Observation{}, err
			}
			if label, err = gapLabel(deps.Gaps, label); err != nil {
				return observation.Observation{}, err
			}
			anchor, windowMs, err := args.Window()
			if err != nil {
				return observation.Observation{}, err
			}

			ev := deps.Gaps.Get(label).Ingest(gap.Message{
				Seq:     *seq,
				TsMs:    *tsMs,
				Payload: json.RawMessage(args.Canonical()),
			})

			var flags []string
			if ev.QualityFlag != "" {
				flags = []string{ev.QualityFlag}
			}

			return deps.Builder.Observe(ctx, name, map[string]any{
				"stream":            label,
				"seq_received":      *seq,
				"ws_gap_detected":   ev.GapDetected,
				"expected_next_seq": ev.ExpectedNextSeq,
				"seq_gap":           ev.SeqGap,
				"time_gap":          ev.TimeGap,
			}, observation.Args{
				AnchorTsMs:   anchor,
				WindowMs:     windowMs,
				SourceTsMs:   *tsMs,
				QualityFlags: flags,
				CalcVersion:  wsGapCalcVersion,
				RawProvenance: []observation.RawProvenance{{
					Source:    "ws",
					Reference: "ingest",
					TsMs:      *tsMs,
				}},
			}), nil
		},
	}
}
