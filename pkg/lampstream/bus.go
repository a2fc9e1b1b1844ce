// Package lampstream fans engine output out to subscribed map clients.
//
// The bus decouples the temporal engine from however many browsers are
// connected: publishes never block, slow clients miss intermediate frames
// instead of stalling the cursor, and a late subscriber immediately
// receives the latest snapshot of every source so the map is never blank.
package lampstream

import (
	"context"
	"encoding/json"

	"github.com/paulmach/orb/geojson"
)

// Update is one frame pushed to clients. Payload is pre-marshaled JSON so
// the bus serializes each snapshot once no matter how many listeners hang
// off it.
type Update struct {
	Kind    string // "data", "counters", or "date"
	Source  string // set for data updates
	Payload []byte
}

const (
	KindData     = "data"
	KindCounters = "counters"
	KindDate     = "date"
)

// Bus broadcasts updates without locks: a single goroutine owns the
// listener set and the latest-frame cache.
type Bus struct {
	publish     chan Update
	subscribe   chan subscription
	unsubscribe chan subscription
}

type subscription struct {
	ch chan Update
}

// NewBus starts the broadcaster. The goroutine is tied to the process
// lifetime; subscriber contexts prune individual listeners.
func NewBus(buffer int) *Bus {
	b := &Bus{
		publish:     make(chan Update, buffer),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
	}
	go b.run()
	return b
}

// Publish forwards an update to all listeners. Non-blocking so the engine
// goroutine never waits on a stuck client.
func (b *Bus) Publish(u Update) {
	select {
	case b.publish <- u:
	default:
	}
}

// Subscribe registers a listener. The returned channel first replays the
// latest frame of each kind/source, then receives live updates, and closes
// when ctx ends.
func (b *Bus) Subscribe(ctx context.Context, buffer int) <-chan Update {
	ch := make(chan Update, buffer)
	req := subscription{ch: ch}

	b.subscribe <- req

	go func() {
		<-ctx.Done()
		b.unsubscribe <- req
		close(ch)
	}()

	return ch
}

func (b *Bus) run() {
	listeners := make([]chan Update, 0)
	latest := make(map[string]Update) // keyed by kind+source

	for {
		select {
		case req := <-b.subscribe:
			listeners = append(listeners, req.ch)
			for _, u := range latest {
				select {
				case req.ch <- u:
				default:
				}
			}
		case req := <-b.unsubscribe:
			filtered := listeners[:0]
			for _, existing := range listeners {
				if existing != req.ch {
					filtered = append(filtered, existing)
				}
			}
			listeners = filtered
		case u := <-b.publish:
			latest[u.Kind+"/"+u.Source] = u
			for _, ch := range listeners {
				select {
				case ch <- u:
				default:
				}
			}
		}
	}
}

// =========================
// Engine collaborator shims
// =========================

// Surface adapts the bus to the engine's map-surface contract. Visibility
// toggles are forwarded as plain events; layer state itself lives in the
// client.
type Surface struct {
	Bus *Bus
}

// SetData marshals the collection once and broadcasts it under its source
// name. Marshal errors are swallowed: a frame that cannot be encoded is
// indistinguishable from a dropped frame to clients, and the next cursor
// change resends everything anyway.
func (s *Surface) SetData(source string, fc *geojson.FeatureCollection) {
	if s == nil || s.Bus == nil {
		return
	}
	payload, err := fc.MarshalJSON()
	if err != nil {
		return
	}
	s.Bus.Publish(Update{Kind: KindData, Source: source, Payload: payload})
}

// SetVisibility broadcasts a layer toggle.
func (s *Surface) SetVisibility(layer string, visible bool) {
	if s == nil || s.Bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{"layer": layer, "visible": visible})
	s.Bus.Publish(Update{Kind: KindData, Source: "visibility/" + layer, Payload: payload})
}

// Sink adapts the bus to the engine's UI-sink contract.
type Sink struct {
	Bus *Bus
}

// ShowCounts broadcasts the derived counters.
func (s *Sink) ShowCounts(newCount, total int) {
	if s == nil || s.Bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]int{"new": newCount, "total": total})
	s.Bus.Publish(Update{Kind: KindCounters, Payload: payload})
}

// ShowDate broadcasts the current-date label.
func (s *Sink) ShowDate(date string) {
	if s == nil || s.Bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"date": date})
	s.Bus.Publish(Update{Kind: KindDate, Payload: payload})
}
