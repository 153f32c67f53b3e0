// ABOUTME: Registry of named gap detectors shared by tools and stream ingestors
// ABOUTME: Detectors are created on first use and fan gap events out to registry listeners

package gap

import (
	"sort"
	"sync"
)

// StreamLabelPrefix marks detectors owned by the websocket ingestor. Only the
// ingestor may create or feed them.
const StreamLabelPrefix = "ws_"

// Registry owns one Detector per label.
type Registry struct {
	cfg Config

	mu        sync.RWMutex
	detectors map[string]*Detector
	listeners []Listener
}

// NewRegistry creates an empty registry whose detectors use cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:       cfg.withDefaults(),
		detectors: make(map[string]*Detector),
	}
}

// Get returns the detector for label, creating it if needed.
func (r *Registry) Get(label string) *Detector {
	r.mu.RLock()
	d, ok := r.detectors[label]
	r.mu.RUnlock()
	if ok {
		return d
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.detectors[label]; ok {
		return d
	}
	d = NewDetector(label, r.cfg)
	d.OnGap(r.dispatch)
	r.detectors[label] = d
	return d
}

// Has reports whether a detector exists for label.
func (r *Registry) Has(label string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.detectors[label]
	return ok
}

// Len returns the number of detectors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.detectors)
}

// Labels returns the known labels in sorted order.
func (r *Registry) Labels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	labels := make([]string, 0, len(r.detectors))
	for label := range r.detectors {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// OnGap registers a listener for gaps on every detector, current and future.
func (r *Registry) OnGap(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) dispatch(ev Event) {
	r.mu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}
}
