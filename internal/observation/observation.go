// ABOUTME: Observation envelope types, the pure Build function, and quality flag merging
// ABOUTME: Builder layers the audit side effect on top of Build

package observation

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// TruncationUnspecified is recorded when a caller marks data truncated
// without giving a reason.
const TruncationUnspecified = "unspecified"

// RawProvenance records one upstream fetch that contributed to an observation.
type RawProvenance struct {
	Source    string `json:"source"`
	Reference string `json:"reference"`
	TsMs      int64  `json:"ts_ms"`
	TTLMs     *int64 `json:"ttl_ms,omitempty"`
	Hash      string `json:"hash,omitempty"`
}

// Provenance is the calc version plus the upstream fetch chain.
type Provenance struct {
	CalcVersion string          `json:"calc_version"`
	Raw         []RawProvenance `json:"raw"`
}

// Observation is the envelope returned by every observability tool.
type Observation struct {
	TsMs             int64      `json:"ts_ms"`
	DataAgeMs        int64      `json:"data_age_ms"`
	QualityFlags     []string   `json:"quality_flags"`
	Truncated        bool       `json:"truncated"`
	TruncationReason string     `json:"truncation_reason,omitempty"`
	Provenance       Provenance `json:"provenance"`
	Window           TimeWindow `json:"window"`
	Data             any        `json:"data"`
}

// Args carries everything Build needs besides the payload.
type Args struct {
	AnchorTsMs       *int64
	SourceTsMs       int64
	WindowMs         int64
	QualityFlags     []string
	Truncated        bool
	TruncationReason string
	CalcVersion      string
	RawProvenance    []RawProvenance
}

// TTL returns a pointer suitable for RawProvenance.TTLMs.
func TTL(d time.Duration) *int64 {
	ms := d.Milliseconds()
	return &ms
}

// Build assembles an observation stamped at now. It has no side effects.
func Build(data any, args Args, now time.Time) Observation {
	tsMs := now.UnixMilli()

	flags := MergeQualityFlags(args.QualityFlags)

	reason := ""
	if args.Truncated {
		reason = args.TruncationReason
		if reason == "" {
			reason = TruncationUnspecified
		}
	}

	raw := make([]RawProvenance, len(args.RawProvenance))
	copy(raw, args.RawProvenance)

	return Observation{
		TsMs:             tsMs,
		DataAgeMs:        DataAgeMs(tsMs, args.SourceTsMs),
		QualityFlags:     flags,
		Truncated:        args.Truncated,
		TruncationReason: reason,
		Provenance: Provenance{
			CalcVersion: args.CalcVersion,
			Raw:         raw,
		},
		Window: UnifyTimeWindow(args.AnchorTsMs, args.WindowMs, now),
		Data:   data,
	}
}

// MergeQualityFlags returns the set union of all flags. Nil sets count as
// empty. The result is sorted and never nil.
func MergeQualityFlags(sets ...[]string) []string {
	seen := make(map[string]struct{})
	merged := make([]string, 0)
	for _, set := range sets {
		for _, flag := range set {
			if _, ok := seen[flag]; ok {
				continue
			}
			seen[flag] = struct{}{}
			merged = append(merged, flag)
		}
	}
	sort.Strings(merged)
	return merged
}

// Builder builds observations and forwards them to an audit sink.
type Builder struct {
	sink   AuditSink
	now    func() time.Time
	logger *slog.Logger
}

// BuilderConfig configures a Builder.
type BuilderConfig struct {
	Sink   AuditSink        // nil disables auditing
	Now    func() time.Time // defaults to time.Now
	Logger *slog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(cfg BuilderConfig) *Builder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Builder{
		sink:   cfg.Sink,
		now:    now,
		logger: logger.With("component", "observation"),
	}
}

// Now returns the builder's clock reading.
func (b *Builder) Now() time.Time {
	return b.now()
}

// Observe builds the observation for tool and records an audit entry.
func (b *Builder) Observe(ctx context.Context, tool string, data any, args Args) Observation {
	obs := Build(data, args, b.now())
	if b.sink == nil {
		return obs
	}

	record, err := NewAuditRecord(tool, obs, map[string]any{"calc_version": args.CalcVersion}, b.now())
	if err != nil {
		b.logger.Warn("failed to create audit record", "tool", tool, "error", err)
		return obs
	}
	if err := b.sink.Audit(ctx, record); err != nil {
		b.logger.Warn("audit sink failed", "tool", tool, "error", err)
	}
	return obs
}
