// ABOUTME: Audit records for built observations and the sinks that receive them
// ABOUTME: Sinks log via slog, append payload hashes to the store, or fan out to several sinks

package observation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/2389/binance-mcp/internal/hashing"
)

// previewLen caps the payload preview stored in an audit record.
const previewLen = 128

// AuditRecord summarises one built observation.
type AuditRecord struct {
	Tool           string         `json:"tool"`
	TsMs           int64          `json:"ts_ms"`
	Hash           string         `json:"hash"`
	PayloadPreview string         `json:"payload_preview"`
	Meta           map[string]any `json:"meta,omitempty"`
}

// NewAuditRecord hashes payload and keeps a short preview of its encoding.
func NewAuditRecord(tool string, payload any, meta map[string]any, now time.Time) (AuditRecord, error) {
	var encoded string
	if s, ok := payload.(string); ok {
		encoded = s
	} else {
		data, err := json.Marshal(payload)
		if err != nil {
			return AuditRecord{}, fmt.Errorf("marshaling audit payload: %w", err)
		}
		encoded = string(data)
	}

	preview := encoded
	if len(preview) > previewLen {
		n := previewLen
		for n > 0 && !utf8.RuneStart(preview[n]) {
			n--
		}
		preview = preview[:n]
	}

	return AuditRecord{
		Tool:           tool,
		TsMs:           now.UnixMilli(),
		Hash:           hashing.SHA256(encoded),
		PayloadPreview: preview,
		Meta:           meta,
	}, nil
}

// AuditSink receives audit records.
type AuditSink interface {
	Audit(ctx context.Context, record AuditRecord) error
}

// SlogSink writes audit records to a logger.
type SlogSink struct {
	Logger *slog.Logger
}

// Audit implements AuditSink.
func (s SlogSink) Audit(ctx context.Context, record AuditRecord) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "AUDIT "+record.Tool+" "+record.Hash,
		"tool", record.Tool,
		"ts_ms", record.TsMs,
		"hash", record.Hash,
		"preview", record.PayloadPreview,
		"meta", record.Meta,
	)
	return nil
}

// HashAppender persists audit hashes. Implemented by *store.SQLiteStore.
type HashAppender interface {
	AppendPayloadHash(ctx context.Context, hash string) error
}

// StoreSink appends each record's hash to the payload_hashes table.
type StoreSink struct {
	Store HashAppender
}

// Audit implements AuditSink.
func (s StoreSink) Audit(ctx context.Context, record AuditRecord) error {
	if s.Store == nil {
		return nil
	}
	return s.Store.AppendPayloadHash(ctx, record.Hash)
}

// MultiSink forwards records to every sink and joins their errors.
type MultiSink []AuditSink

// Audit implements AuditSink.
func (m MultiSink) Audit(ctx context.Context, record AuditRecord) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Audit(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
