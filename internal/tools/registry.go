// ABOUTME: Tool registry dispatching calls by name
// ABOUTME: Applies the per-call timeout, memoises outputs, and records metrics and bus events

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/binance-mcp/internal/auth"
	"github.com/2389/binance-mcp/internal/events"
	"github.com/2389/binance-mcp/internal/observation"
)

// DefaultCallTimeout bounds a single tool call.
const DefaultCallTimeout = 60 * time.Second

// Call outcomes reported to the Recorder.
const (
	StatusOK      = "ok"
	StatusInvalid = "invalid"
	StatusError   = "error"
)

// OutputStore memoises tool outputs. Implemented by store.Store.
type OutputStore interface {
	SetToolOutput(ctx context.Context, tool, input, output string) error
	GetToolOutput(ctx context.Context, tool, input string) (string, error)
}

// Recorder receives per-call metrics. *metrics.Metrics satisfies it.
type Recorder interface {
	ToolCall(tool, status string, elapsed time.Duration)
}

// RegistryConfig configures a Registry. Every field is optional.
type RegistryConfig struct {
	Store       OutputStore
	Recorder    Recorder
	Events      Publisher
	CallTimeout time.Duration
	Logger      *slog.Logger
}

// Registry holds tools by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool

	store       OutputStore
	recorder    Recorder
	events      Publisher
	callTimeout time.Duration
	logger      *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Registry{
		tools:       make(map[string]*Tool),
		store:       cfg.Store,
		recorder:    cfg.Recorder,
		events:      cfg.Events,
		callTimeout: timeout,
		logger:      logger.With("component", "tools"),
	}
}

// Register adds tools. A later tool with the same name replaces an earlier one.
func (r *Registry) Register(tools ...*Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		if _, exists := r.tools[t.Definition.Name]; exists {
			r.logger.Warn("replacing tool", "tool", t.Definition.Name)
		}
		r.tools[t.Definition.Name] = t
	}
}

// List returns all definitions sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Get returns the tool named name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Call runs the named tool with raw JSON arguments.
func (r *Registry) Call(ctx context.Context, name string, raw json.RawMessage) (observation.Observation, error) {
	tool, ok := r.Get(name)
	if !ok {
		return observation.Observation{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	start := time.Now()
	args, err := ParseArgs(raw)
	if err != nil {
		r.finish(ctx, name, StatusInvalid, start, nil, err)
		return observation.Observation{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	obs, err := tool.Handler(callCtx, args)
	if err != nil {
		status := StatusError
		if errors.Is(err, ErrInvalidArgument) {
			status = StatusInvalid
		}
		r.finish(ctx, name, status, start, nil, err)
		return observation.Observation{}, err
	}

	r.memoise(ctx, name, args, obs)
	r.finish(ctx, name, StatusOK, start, obs.QualityFlags, nil)
	return obs, nil
}

// Replay returns the most recent memoised output for a call with these
// arguments, as stored JSON.
func (r *Registry) Replay(ctx context.Context, name string, raw json.RawMessage) (json.RawMessage, error) {
	if r.store == nil {
		return nil, errors.New("no output store configured")
	}
	args, err := ParseArgs(raw)
	if err != nil {
		return nil, err
	}
	out, err := r.store.GetToolOutput(ctx, name, args.Canonical())
	if err != nil {
		return nil, fmt.Errorf("loading output for %s: %w", name, err)
	}
	return json.RawMessage(out), nil
}

func (r *Registry) memoise(ctx context.Context, name string, args Args, obs observation.Observation) {
	if r.store == nil {
		return
	}
	out, err := json.Marshal(obs)
	if err != nil {
		r.logger.Warn("encoding tool output failed", "tool", name, "error", err)
		return
	}
	if err := r.store.SetToolOutput(ctx, name, args.Canonical(), string(out)); err != nil {
		r.logger.Warn("memoising tool output failed", "tool", name, "error", err)
	}
}

func (r *Registry) finish(ctx context.Context, name, status string, start time.Time, flags []string, err error) {
	elapsed := time.Since(start)
	if r.recorder != nil {
		r.recorder.ToolCall(name, status, elapsed)
	}

	var principalID string
	if a := auth.FromContext(ctx); a != nil {
		principalID = a.PrincipalID
	}

	logArgs := []any{"tool", name, "status", status, "duration_ms", elapsed.Milliseconds()}
	if principalID != "" {
		logArgs = append(logArgs, "principal_id", principalID)
	}
	if err != nil {
		r.logger.Warn("tool call failed", append(logArgs, "error", err)...)
	} else {
		r.logger.Debug("tool call completed", append(logArgs, "quality_flags", flags)...)
	}

	if r.events != nil {
		data := map[string]any{
			"tool":        name,
			"status":      status,
			"duration_ms": elapsed.Milliseconds(),
		}
		if flags != nil {
			data["quality_flags"] = flags
		}
		if principalID != "" {
			data["principal_id"] = principalID
		}
		if err != nil {
			data["error"] = err.Error()
		}
		r.events.Publish(events.New(events.TypeTool, data))
	}
}
