// ABOUTME: Bounded, TTL-limited set of recently seen keys
// ABOUTME: The stream ingestor uses it to drop aggTrade frames redelivered after a reconnect

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultSize bounds a Window when NewWindow is given a non-positive size.
const DefaultSize = 4096

type entry struct {
	key    string
	seenAt time.Time
}

// Window remembers keys for ttl, evicting the oldest once size keys are held.
// Expired keys are dropped lazily on access, so no goroutine is needed.
type Window struct {
	mu    sync.Mutex
	ttl   time.Duration
	size  int
	now   func() time.Time
	keys  map[string]*list.Element
	order *list.List // oldest at front
}

// NewWindow creates a Window. A zero ttl keeps keys until they are evicted
// by size.
func NewWindow(ttl time.Duration, size int) *Window {
	if size <= 0 {
		size = DefaultSize
	}
	return &Window{
		ttl:   ttl,
		size:  size,
		now:   time.Now,
		keys:  make(map[string]*list.Element),
		order: list.New(),
	}
}

// Seen reports whether key was recorded within the window and records it if
// not. The check and the insert happen under one lock.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.expireLocked(now)

	if _, ok := w.keys[key]; ok {
		return true
	}
	if w.order.Len() >= w.size {
		oldest := w.order.Front()
		w.order.Remove(oldest)
		delete(w.keys, oldest.Value.(*entry).key)
	}
	w.keys[key] = w.order.PushBack(&entry{key: key, seenAt: now})
	return false
}

// Len returns the number of live keys.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expireLocked(w.now())
	return w.order.Len()
}

// expireLocked drops keys older than ttl. Insertion order is also age
// order, so it stops at the first live key.
func (w *Window) expireLocked(now time.Time) {
	if w.ttl <= 0 {
		return
	}
	for e := w.order.Front(); e != nil; e = w.order.Front() {
		ent := e.Value.(*entry)
		if now.Sub(ent.seenAt) < w.ttl {
			return
		}
		w.order.Remove(e)
		delete(w.keys, ent.key)
	}
}
