package handlers

import (
	"sync"
	"time"

	"github.com/MegaGrindStone/chatwidget/internal/widget"
)

// registry holds the live widgets by conversation ID. Widgets that sat idle longer than idleTimeout are
// evicted whenever a new widget is added, and the registry never holds more than limit widgets unless every
// one of them is streaming.
type registry struct {
	mu      sync.Mutex
	widgets map[string]*liveWidget

	idleTimeout time.Duration
	limit       int
	now         func() time.Time
}

type liveWidget struct {
	w         *widget.Widget
	chatbotID string
	preview   bool

	lastUsed time.Time
}

func newRegistry(idleTimeout time.Duration, limit int, now func() time.Time) *registry {
	return &registry{
		widgets:     make(map[string]*liveWidget),
		idleTimeout: idleTimeout,
		limit:       limit,
		now:         now,
	}
}

// getLocked returns the live widget of the conversation and marks it used.
func (r *registry) getLocked(conversationID string) (*liveWidget, bool) {
	lw, ok := r.widgets[conversationID]
	if ok {
		lw.lastUsed = r.now()
	}
	return lw, ok
}

// addLocked registers lw and returns the widgets evicted to make room. The caller must close them after
// releasing the lock.
func (r *registry) addLocked(conversationID string, lw *liveWidget) []*liveWidget {
	now := r.now()
	lw.lastUsed = now

	var evicted []*liveWidget
	for id, candidate := range r.widgets {
		if r.idle(candidate, now) {
			evicted = append(evicted, candidate)
			delete(r.widgets, id)
		}
	}

	for r.limit > 0 && len(r.widgets) >= r.limit {
		id, oldest := r.oldestIdleLocked()
		if oldest == nil {
			break
		}
		evicted = append(evicted, oldest)
		delete(r.widgets, id)
	}

	r.widgets[conversationID] = lw
	return evicted
}

func (r *registry) removeLocked(conversationID string) (*liveWidget, bool) {
	lw, ok := r.widgets[conversationID]
	delete(r.widgets, conversationID)
	return lw, ok
}

func (r *registry) drain() []*liveWidget {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := make([]*liveWidget, 0, len(r.widgets))
	for _, lw := range r.widgets {
		live = append(live, lw)
	}
	r.widgets = make(map[string]*liveWidget)
	return live
}

func (r *registry) idle(lw *liveWidget, now time.Time) bool {
	if r.idleTimeout <= 0 || now.Sub(lw.lastUsed) < r.idleTimeout {
		return false
	}
	return lw.w.Status() != widget.StatusStreaming
}

func (r *registry) oldestIdleLocked() (string, *liveWidget) {
	var (
		oldestID string
		oldest   *liveWidget
	)
	for id, lw := range r.widgets {
		if lw.w.Status() == widget.StatusStreaming {
			continue
		}
		if oldest == nil || lw.lastUsed.Before(oldest.lastUsed) {
			oldestID, oldest = id, lw
		}
	}
	return oldestID, oldest
}

func closeWidgets(widgets []*liveWidget) {
	for _, lw := range widgets {
		lw.w.Close()
	}
}
