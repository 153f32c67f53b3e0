// ABOUTME: Per-stream gap detector tracking sequence continuity and message spacing
// ABOUTME: Flags sequence skips and silences longer than the configured maximum

package gap

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// DefaultMaxGap is the silence after which a message is flagged.
const DefaultMaxGap = 5 * time.Second

// TimeBasis selects which clock the time gap check uses.
type TimeBasis string

const (
	// TimeBasisReceipt measures wall-clock time between Ingest calls.
	TimeBasisReceipt TimeBasis = "receipt"
	// TimeBasisDeclared measures the difference between message timestamps.
	TimeBasisDeclared TimeBasis = "declared"
)

// ParseTimeBasis validates s. Empty means TimeBasisReceipt.
func ParseTimeBasis(s string) (TimeBasis, error) {
	switch TimeBasis(s) {
	case "", TimeBasisReceipt:
		return TimeBasisReceipt, nil
	case TimeBasisDeclared:
		return TimeBasisDeclared, nil
	default:
		return "", fmt.Errorf("unknown gap time basis %q", s)
	}
}

// Message is one sequenced stream message.
type Message struct {
	Seq     int64
	TsMs    int64
	Payload json.RawMessage
}

// Event is the classification of one ingested message.
type Event struct {
	Label           string `json:"label"`
	GapDetected     bool   `json:"gap_detected"`
	ExpectedNextSeq *int64 `json:"expected_next_seq,omitempty"`
	ReceivedSeq     int64  `json:"received_seq"`
	QualityFlag     string `json:"quality_flag,omitempty"`
	SeqGap          bool   `json:"seq_gap"`
	TimeGap         bool   `json:"time_gap"`
	ElapsedMs       int64  `json:"elapsed_ms"`
}

// Listener is notified of every detected gap.
type Listener func(Event)

// Config configures a Detector. Zero values take defaults.
type Config struct {
	MaxGap    time.Duration
	TimeBasis TimeBasis
	Now       func() time.Time
	Logger    *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxGap <= 0 {
		c.MaxGap = DefaultMaxGap
	}
	if c.TimeBasis == "" {
		c.TimeBasis = TimeBasisReceipt
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// State is a snapshot of what the detector has seen.
type State struct {
	LastSeq  *int64 `json:"last_seq,omitempty"`
	LastTsMs *int64 `json:"last_ts_ms,omitempty"`
}

// Detector is safe for concurrent use. It never resets: after a gap it
// resynchronises on the message that revealed it.
type Detector struct {
	label  string
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	lastSeq   int64
	hasSeq    bool
	lastTsMs  int64
	hasTs     bool
	listeners []Listener
}

// NewDetector creates a detector for the stream named label.
func NewDetector(label string, cfg Config) *Detector {
	cfg = cfg.withDefaults()
	return &Detector{
		label:  label,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "gap", "stream", label),
	}
}

// Label returns the stream label.
func (d *Detector) Label() string {
	return d.label
}

// QualityFlag is the flag attached to observations when this stream gaps.
func (d *Detector) QualityFlag() string {
	return d.label + "_gap_detected"
}

// OnGap registers a listener for detected gaps.
func (d *Detector) OnGap(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// Ingest classifies msg and records it as the latest message.
func (d *Detector) Ingest(msg Message) Event {
	d.mu.Lock()
	// Read under the lock so receipt times follow apply order.
	ts := d.cfg.Now().UnixMilli()
	if d.cfg.TimeBasis == TimeBasisDeclared {
		ts = msg.TsMs
	}

	ev := Event{Label: d.label, ReceivedSeq: msg.Seq}
	switch {
	case d.hasSeq && d.lastSeq == math.MaxInt64:
		// No successor exists; anything after MaxInt64 is out of sequence.
		ev.SeqGap = true
	case d.hasSeq:
		expected := d.lastSeq + 1
		ev.ExpectedNextSeq = &expected
		ev.SeqGap = msg.Seq != expected
	}
	if d.hasTs {
		ev.ElapsedMs = ts - d.lastTsMs
		ev.TimeGap = ev.ElapsedMs > d.cfg.MaxGap.Milliseconds()
	}
	ev.GapDetected = ev.SeqGap || ev.TimeGap
	if ev.GapDetected {
		ev.QualityFlag = d.QualityFlag()
	}

	d.lastSeq, d.hasSeq = msg.Seq, true
	d.lastTsMs, d.hasTs = ts, true

	var listeners []Listener
	if ev.GapDetected {
		listeners = append(listeners, d.listeners...)
	}
	d.mu.Unlock()

	if ev.GapDetected {
		d.logger.Warn("stream gap detected",
			"received_seq", ev.ReceivedSeq,
			"expected_next_seq", derefOr(ev.ExpectedNextSeq, -1),
			"seq_gap", ev.SeqGap,
			"time_gap", ev.TimeGap,
			"elapsed_ms", ev.ElapsedMs,
		)
		for _, l := range listeners {
			l(ev)
		}
	}
	return ev
}

// State returns the last recorded sequence and timestamp.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	var s State
	if d.hasSeq {
		seq := d.lastSeq
		s.LastSeq = &seq
	}
	if d.hasTs {
		ts := d.lastTsMs
		s.LastTsMs = &ts
	}
	return s
}

func derefOr(p *int64, fallback int64) int64 {
	if p == nil {
		return fallback
	}
	return *p
}
