// Package dispatch routes non-control events to per-category handlers.
// The type->handler table is built once at startup and checked for
// exhaustiveness, so a catalog addition without a handler fails fast
// instead of silently dropping traffic.
package dispatch

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evowire/backend/internal/event"
)

// controlCategories are handled in-line by the server read loop and the
// registry, never by the dispatch table.
var controlCategories = map[event.Category]bool{
	event.CategoryConnection:     true,
	event.CategoryAuthentication: true,
	event.CategorySubscription:   true,
}

// Stats summarizes dispatch outcomes.
type Stats struct {
	Processed          int64   `json:"events_processed"`
	Failed             int64   `json:"events_failed"`
	SuccessRate        float64 `json:"success_rate"`
	AvgProcessingMs    float64 `json:"processing_avg_ms"`
	RegisteredHandlers int     `json:"registered_handlers"`
}

// Manager owns the dispatch table and the rolling outcome counters.
type Manager struct {
	handlers map[event.Type]Handler
	log      *zap.Logger

	mu        sync.Mutex
	processed int64
	failed    int64
	totalTime time.Duration
}

// NewManager builds the table over all non-control event types and
// verifies it is exhaustive.
func NewManager(b Broadcaster, log *zap.Logger) (*Manager, error) {
	m := &Manager{
		handlers: make(map[event.Type]Handler),
		log:      log,
	}

	all := []Handler{
		&instanceHandler{b: b, log: log},
		&messageHandler{b: b, log: log},
		&agentHandler{b: b, log: log},
		&systemHandler{b: b, log: log},
		&userHandler{b: b, log: log},
	}
	for _, h := range all {
		for _, t := range h.Supported() {
			if prev, dup := m.handlers[t]; dup {
				return nil, fmt.Errorf("dispatch: type %s claimed by both %T and %T", t, prev, h)
			}
			m.handlers[t] = h
		}
	}

	for _, t := range event.Types() {
		if controlCategories[event.CategoryOf(t)] {
			continue
		}
		if _, ok := m.handlers[t]; !ok {
			return nil, fmt.Errorf("dispatch: no handler for event type %s", t)
		}
	}

	return m, nil
}

// Routable reports whether the manager has a handler for t.
func (m *Manager) Routable(t event.Type) bool {
	_, ok := m.handlers[t]
	return ok
}

// Process routes one event. A panic inside a handler is recovered,
// logged, and counted as a failure: one malformed event must never
// interrupt the read loop serving other events.
func (m *Manager) Process(ev *event.Event) (ok bool) {
	handler, found := m.handlers[ev.Type]
	if !found {
		m.log.Warn("no handler for event type", zap.String("type", string(ev.Type)))
		m.record(false, 0)
		return false
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			m.log.Error("handler panicked",
				zap.String("type", string(ev.Type)),
				zap.Any("panic", rec),
			)
			m.record(false, time.Since(start))
			ok = false
		}
	}()

	ok = handler.Handle(ev)
	m.record(ok, time.Since(start))
	return ok
}

func (m *Manager) record(ok bool, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.processed++
	} else {
		m.failed++
	}
	m.totalTime += d
}

// Stats snapshots the outcome counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := m.processed + m.failed
	stats := Stats{
		Processed:          m.processed,
		Failed:             m.failed,
		RegisteredHandlers: len(m.handlers),
	}
	if total > 0 {
		stats.SuccessRate = float64(m.processed) / float64(total)
		stats.AvgProcessingMs = m.totalTime.Seconds() * 1000 / float64(total)
	}
	return stats
}
