package sshpool

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/gluk-w/claworc/fleetd/internal/logging"
)

// EventType identifies the type of connection event.
type EventType string

const (
	EventCreated       EventType = "created"
	EventResolveFailed EventType = "resolve_failed"
	EventDeferred      EventType = "deferred"
	EventConnecting    EventType = "connecting"
	EventConnected     EventType = "connected"
	EventConnectFailed EventType = "connect_failed"
	EventDisconnected  EventType = "disconnected"
	EventDrainRejected EventType = "drain_rejected"
	EventEvicted       EventType = "evicted"
	EventExpired       EventType = "expired"
	EventDestroyed     EventType = "destroyed"
)

// ConnectionEvent is one entry in a connection's event history.
type ConnectionEvent struct {
	Key       string    `json:"key"`
	Type      EventType `json:"type"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// maxEventsPerKey limits the number of stored events per key.
const maxEventsPerKey = 100

// emit records an event, logs it and notifies subscribers. Called on the
// loop.
func (p *Pool) emit(key string, typ EventType, details string) {
	ev := ConnectionEvent{Key: key, Type: typ, Details: details, Timestamp: p.now()}

	p.eventsMu.Lock()
	events := append(p.events[key], ev)
	if len(events) > maxEventsPerKey {
		events = events[len(events)-maxEventsPerKey:]
	}
	p.events[key] = events
	p.eventsMu.Unlock()

	level := zerolog.DebugLevel
	switch typ {
	case EventConnected, EventDestroyed, EventEvicted, EventExpired:
		level = zerolog.InfoLevel
	case EventResolveFailed, EventConnectFailed, EventDisconnected:
		level = zerolog.WarnLevel
	}
	p.log.WithLevel(level).Str("key", logging.Sanitize(key)).Str("event", string(typ)).Msg(details)

	for _, fn := range p.listeners {
		fn(ev)
	}
}

// OnEvent subscribes fn to every connection event. fn runs on the loop and
// must not block.
func (p *Pool) OnEvent(fn func(ConnectionEvent)) {
	p.listeners = append(p.listeners, fn)
}

// Events returns the stored events for key. Safe from any goroutine.
func (p *Pool) Events(key string) []ConnectionEvent {
	p.eventsMu.RLock()
	defer p.eventsMu.RUnlock()
	src := p.events[key]
	out := make([]ConnectionEvent, len(src))
	copy(out, src)
	return out
}

// RecentEvents returns the most recent n events for key.
func (p *Pool) RecentEvents(key string, n int) []ConnectionEvent {
	events := p.Events(key)
	if len(events) > n {
		events = events[len(events)-n:]
	}
	return events
}

// EventCountsByType counts events of typ per key, omitting keys with none.
func (p *Pool) EventCountsByType(typ EventType) map[string]int {
	p.eventsMu.RLock()
	defer p.eventsMu.RUnlock()
	out := make(map[string]int)
	for key, events := range p.events {
		n := 0
		for _, e := range events {
			if e.Type == typ {
				n++
			}
		}
		if n > 0 {
			out[key] = n
		}
	}
	return out
}
