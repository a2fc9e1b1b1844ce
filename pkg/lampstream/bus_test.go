package lampstream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

func waitUpdate(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return Update{}
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	bus := NewBus(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := bus.Subscribe(ctx, 8)
	bus.Publish(Update{Kind: KindCounters, Payload: []byte(`{"new":1,"total":2}`)})

	u := waitUpdate(t, ch)
	if u.Kind != KindCounters {
		t.Fatalf("unexpected update kind: %q", u.Kind)
	}
}

func TestLateSubscriberGetsLatestSnapshot(t *testing.T) {
	bus := NewBus(8)
	bus.Publish(Update{Kind: KindData, Source: "new-lamps", Payload: []byte(`{"stale":true}`)})
	bus.Publish(Update{Kind: KindData, Source: "new-lamps", Payload: []byte(`{"fresh":true}`)})

	// Give the bus goroutine a moment to drain its publish buffer.
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := bus.Subscribe(ctx, 8)

	u := waitUpdate(t, ch)
	if u.Source != "new-lamps" || string(u.Payload) != `{"fresh":true}` {
		t.Fatalf("late subscriber should see the latest frame, got %s %s", u.Source, u.Payload)
	}
}

func TestSurfaceMarshalsFeatureCollections(t *testing.T) {
	bus := NewBus(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := bus.Subscribe(ctx, 8)

	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(orb.Point{9.19, 45.46}))

	surface := &Surface{Bus: bus}
	surface.SetData("all-lamps", fc)

	u := waitUpdate(t, ch)
	if u.Kind != KindData || u.Source != "all-lamps" {
		t.Fatalf("unexpected update: %+v", u)
	}
	var decoded struct {
		Type     string            `json:"type"`
		Features []json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(u.Payload, &decoded); err != nil {
		t.Fatalf("payload is not valid GeoJSON: %v", err)
	}
	if decoded.Type != "FeatureCollection" || len(decoded.Features) != 1 {
		t.Fatalf("unexpected payload: %s", u.Payload)
	}
}

func TestSinkBroadcastsCountersAndDate(t *testing.T) {
	bus := NewBus(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := bus.Subscribe(ctx, 8)

	sink := &Sink{Bus: bus}
	sink.ShowCounts(3, 10)
	sink.ShowDate("2026-02-05")

	first := waitUpdate(t, ch)
	second := waitUpdate(t, ch)
	kinds := map[string]string{first.Kind: string(first.Payload), second.Kind: string(second.Payload)}

	if kinds[KindCounters] != `{"new":3,"total":10}` {
		t.Fatalf("unexpected counters payload: %q", kinds[KindCounters])
	}
	if kinds[KindDate] != `{"date":"2026-02-05"}` {
		t.Fatalf("unexpected date payload: %q", kinds[KindDate])
	}
}
