// ABOUTME: Server-Sent Events endpoints: the legacy SSE transport and the event bus stream
// ABOUTME: Legacy clients GET /sse, then POST JSON-RPC to /messages?sessionId=<id>

package mcp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/binance-mcp/internal/events"
)

// sseStream is one open legacy SSE connection.
type sseStream struct {
	id          string
	principalID string
	out         chan JSONRPCResponse
	done        chan struct{}
}

type sseStreams struct {
	mu      sync.RWMutex
	streams map[string]*sseStream
}

func newSSEStreams() *sseStreams {
	return &sseStreams{streams: make(map[string]*sseStream)}
}

func (s *sseStreams) open(principalID string) *sseStream {
	st := &sseStream{
		id:          uuid.New().String(),
		principalID: principalID,
		out:         make(chan JSONRPCResponse, 16),
		done:        make(chan struct{}),
	}
	s.mu.Lock()
	s.streams[st.id] = st
	s.mu.Unlock()
	return st
}

func (s *sseStreams) get(id string) (*sseStream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[id]
	return st, ok
}

func (s *sseStreams) close(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[id]; ok {
		close(st.done)
		delete(s.streams, id)
	}
}

// startSSE writes the event-stream headers. It returns nil when the writer
// cannot flush.
func startSSE(w http.ResponseWriter) http.Flusher {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return nil
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher
}

// writeSSE writes one event. data is written verbatim when it is a string
// and JSON-encoded otherwise.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, event, id string, data any) error {
	var payload string
	switch v := data.(type) {
	case string:
		payload = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding sse data: %w", err)
		}
		payload = string(b)
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// handleSSE opens a legacy SSE transport stream.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	principalID, err := s.authenticate(r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": authErrorMessage(err)})
		return
	}

	flusher := startSSE(w)
	if flusher == nil {
		return
	}

	st := s.streams.open(principalID)
	defer s.streams.close(st.id)
	s.logger.Info("SSE session opened", "session_id", st.id, "principal_id", principalID)

	if err := writeSSE(w, flusher, "endpoint", "", "/messages?sessionId="+st.id); err != nil {
		return
	}

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("SSE session closed", "session_id", st.id)
			return
		case resp := <-st.out:
			if err := writeSSE(w, flusher, "message", "", resp); err != nil {
				s.logger.Warn("writing SSE message failed", "session_id", st.id, "error", err)
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleSSEMessage accepts a JSON-RPC request for an open SSE stream and
// pushes the response onto that stream.
func (s *Server) handleSSEMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	st, ok := s.streams.get(sessionID)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no session for sessionId"})
		return
	}

	req, rpcErr := readRequest(r)
	if rpcErr != nil {
		s.writeJSON(w, http.StatusBadRequest, respond(req.ID, nil, rpcErr))
		return
	}

	w.WriteHeader(http.StatusAccepted)
	if req.isNotification() {
		return
	}

	result, rpcErr := s.dispatch(withPrincipal(r.Context(), st.principalID), req)
	select {
	case st.out <- respond(req.ID, result, rpcErr):
	case <-st.done:
		s.logger.Debug("SSE session closed before response", "session_id", sessionID)
	case <-r.Context().Done():
	}
}

// handleEvents streams bus events, starting with a health snapshot.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": authErrorMessage(err)})
		return
	}
	if s.bus == nil {
		http.Error(w, "event stream disabled", http.StatusNotFound)
		return
	}

	flusher := startSSE(w)
	if flusher == nil {
		return
	}

	ch, subID := s.bus.Subscribe(r.Context())
	defer s.bus.Unsubscribe(subID)

	initial := events.New(events.TypeHealth, s.healthSnapshot())
	if err := writeSSE(w, flusher, initial.Type, initial.ID, initial); err != nil {
		return
	}

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSE(w, flusher, ev.Type, ev.ID, ev); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
