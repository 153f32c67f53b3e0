// ABOUTME: observability_time_window_snapshot, a synthetic observation of the aligned window
// ABOUTME: Lets callers establish a window anchor before calling data tools

package tools

import (
	"context"

	"github.com/2389/binance-mcp/internal/observation"
)

const timeWindowCalcVersion = "time_window_snapshot:v1"

func timeWindowSnapshotTool(deps *Deps) *Tool {
	const name = "observability_time_window_snapshot"
	return &Tool{
		Definition: Definition{
			Name:        name,
			Description: "Generate a synthetic observation describing the active unified time window and its anchor for downstream tools.",
			InputSchema: inputSchema(
				`"note": {"type": "string", "description": "Optional note describing the planned use of the window."}`,
			),
			OutputSchema: []byte(envelopeSchema),
		},
		Handler: func(ctx context.Context, args Args) (observation.Observation, error) {
			anchor, windowMs, err := args.Window()
			if err != nil {
				return observation.Observation{}, err
			}
			note, err := args.String("note", "anchor established")
			if err != nil {
				return observation.Observation{}, err
			}

			sourceTs := deps.now().UnixMilli()
			if anchor != nil {
				sourceTs = *anchor
			}

			return deps.Builder.Observe(ctx, name, map[string]any{"note": note}, observation.Args{
				AnchorTsMs:  anchor,
				WindowMs:    windowMs,
				SourceTsMs:  sourceTs,
				CalcVersion: timeWindowCalcVersion,
				RawProvenance: []observation.RawProvenance{{
					Source:    "internal",
					Reference: "time_window_snapshot",
					TsMs:      sourceTs,
				}},
			}), nil
		},
	}
}
