package timecursor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/paulmach/orb/geojson"

	"lampioni/pkg/geodata"
)

// recordingSurface captures SetData calls so tests can assert on what the
// engine published without a live map.
type recordingSurface struct {
	data map[string]*geojson.FeatureCollection
}

func newRecordingSurface() *recordingSurface {
	return &recordingSurface{data: make(map[string]*geojson.FeatureCollection)}
}

func (s *recordingSurface) SetData(source string, fc *geojson.FeatureCollection) {
	s.data[source] = fc
}

func (s *recordingSurface) SetVisibility(string, bool) {}

// recordingSink keeps only the latest values, like a real counter widget.
type recordingSink struct {
	newCount int
	total    int
	date     string
}

func (s *recordingSink) ShowCounts(newCount, total int) {
	s.newCount = newCount
	s.total = total
}

func (s *recordingSink) ShowDate(date string) { s.date = date }

func testCollections() (*geodata.Collection, *geodata.Collection) {
	baseline := &geodata.Collection{Kind: geodata.KindBaseline, Lamps: []geodata.Lamp{
		{OSMID: 1}, {OSMID: 2}, {OSMID: 3}, {OSMID: 4}, {OSMID: 5},
	}}
	newLamps := &geodata.Collection{Kind: geodata.KindNew, Lamps: []geodata.Lamp{
		{OSMID: 10, DateAdded: "2026-02-03"},
		{OSMID: 11, DateAdded: "2026-02-05"},
		{OSMID: 12, DateAdded: "2026-02-05"},
		{OSMID: 13}, // undated, effective at the baseline anchor
	}}
	return baseline, newLamps
}

func startEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e := NewEngine(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(e.Close)
	e.Start(ctx)
	return e
}

func TestBuildDateAxis(t *testing.T) {
	lamps := []geodata.Lamp{
		{DateAdded: "2026-02-05"},
		{DateAdded: "2026-02-03"},
	}
	axis := BuildDateAxis(lamps, nil, "2026-02-01")
	want := []string{"2026-02-01", "2026-02-03", "2026-02-05"}
	if len(axis) != len(want) {
		t.Fatalf("unexpected axis: %v", axis)
	}
	for i := range want {
		if axis[i] != want[i] {
			t.Fatalf("unexpected axis order: %v", axis)
		}
	}
}

func TestBuildDateAxisFallback(t *testing.T) {
	axis := BuildDateAxis(nil, nil, "2026-02-01")
	if len(axis) != 1 || axis[0] != "2026-02-01" {
		t.Fatalf("empty inputs should fall back to the baseline anchor: %v", axis)
	}
}

func TestBuildDateAxisIncludesDailySummary(t *testing.T) {
	axis := BuildDateAxis(nil, []string{"2026-02-09", "2026-02-02"}, "2026-02-01")
	want := []string{"2026-02-01", "2026-02-02", "2026-02-09"}
	for i := range want {
		if axis[i] != want[i] {
			t.Fatalf("unexpected axis: %v", axis)
		}
	}
}

func TestResetIdempotent(t *testing.T) {
	baseline, newLamps := testCollections()
	e := startEngine(t, Config{Baseline: baseline, New: newLamps, BaselineDate: "2026-02-01"})

	first, err := e.Reset()
	if err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	second, err := e.Reset()
	if err != nil {
		t.Fatalf("second reset failed: %v", err)
	}
	if first.Index != second.Index || first.NewCount != second.NewCount || first.Date != second.Date {
		t.Fatalf("reset not idempotent: %+v vs %+v", first, second)
	}
}

func TestCompletenessAtLatestDate(t *testing.T) {
	baseline, newLamps := testCollections()
	e := startEngine(t, Config{Baseline: baseline, New: newLamps, BaselineDate: "2026-02-01"})

	view, err := e.Reset()
	if err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if view.NewCount != len(newLamps.Lamps) {
		t.Fatalf("latest date must include every new lamp: got %d want %d", view.NewCount, len(newLamps.Lamps))
	}
	if view.Total != len(baseline.Lamps)+len(newLamps.Lamps) {
		t.Fatalf("unexpected total: %d", view.Total)
	}
}

func TestCountMonotonicity(t *testing.T) {
	baseline, newLamps := testCollections()
	e := startEngine(t, Config{Baseline: baseline, New: newLamps, BaselineDate: "2026-02-01"})

	prev := -1
	for i := range e.Axis() {
		if err := e.SetCursor(i); err != nil {
			t.Fatalf("set cursor %d: %v", i, err)
		}
		view, err := e.View()
		if err != nil {
			t.Fatalf("view at %d: %v", i, err)
		}
		if view.NewCount < prev {
			t.Fatalf("count decreased at index %d: %d < %d", i, view.NewCount, prev)
		}
		prev = view.NewCount
	}
}

func TestEffectiveDateFallbackInFilter(t *testing.T) {
	baseline, newLamps := testCollections()
	e := startEngine(t, Config{Baseline: baseline, New: newLamps, BaselineDate: "2026-02-01"})

	// Cursor at the baseline anchor (index 0): only the undated lamp counts.
	if err := e.SetCursor(0); err != nil {
		t.Fatalf("set cursor: %v", err)
	}
	view, err := e.View()
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.NewCount != 1 {
		t.Fatalf("undated lamp should be visible at the baseline date, got count %d", view.NewCount)
	}
	if view.NewLamps[0].OSMID != 13 {
		t.Fatalf("unexpected lamp at baseline date: %+v", view.NewLamps[0])
	}
}

func TestSetCursorOutOfRange(t *testing.T) {
	baseline, newLamps := testCollections()
	e := startEngine(t, Config{Baseline: baseline, New: newLamps, BaselineDate: "2026-02-01"})

	if err := e.SetCursor(-1); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange for -1, got %v", err)
	}
	if err := e.SetCursor(len(e.Axis())); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange past the end, got %v", err)
	}

	// A rejected move must not disturb the cursor.
	view, err := e.View()
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.Index != len(e.Axis())-1 {
		t.Fatalf("cursor moved after rejected SetCursor: %d", view.Index)
	}
}

func TestPublishKeepsSourcesAndCountersConsistent(t *testing.T) {
	baseline, newLamps := testCollections()
	surface := newRecordingSurface()
	sink := &recordingSink{}
	e := startEngine(t, Config{
		Baseline: baseline, New: newLamps, BaselineDate: "2026-02-01",
		Surface: surface, Sink: sink,
	})

	if err := e.SetCursor(1); err != nil { // 2026-02-03
		t.Fatalf("set cursor: %v", err)
	}

	newFC := surface.data[SourceNew]
	allFC := surface.data[SourceAll]
	if newFC == nil || allFC == nil {
		t.Fatal("engine did not publish both sources")
	}
	if len(newFC.Features) != 2 { // undated lamp + 2026-02-03 lamp
		t.Fatalf("unexpected new-lamps size: %d", len(newFC.Features))
	}
	if len(allFC.Features) != len(baseline.Lamps)+2 {
		t.Fatalf("all-lamps must be baseline plus filtered: %d", len(allFC.Features))
	}
	if sink.newCount != 2 || sink.total != len(baseline.Lamps)+2 {
		t.Fatalf("counters out of sync with sources: %+v", sink)
	}
	if sink.date != "2026-02-03" {
		t.Fatalf("unexpected date label: %q", sink.date)
	}
}

func TestApplyHashDate(t *testing.T) {
	baseline, newLamps := testCollections()
	e := startEngine(t, Config{Baseline: baseline, New: newLamps, BaselineDate: "2026-02-01"})

	applied, err := e.ApplyHashDate("2026-02-03")
	if err != nil || !applied {
		t.Fatalf("known date should apply: applied=%v err=%v", applied, err)
	}
	view, _ := e.View()
	if view.Date != "2026-02-03" {
		t.Fatalf("cursor not moved by hash date: %+v", view)
	}

	applied, err = e.ApplyHashDate("2031-01-01")
	if err != nil || applied {
		t.Fatalf("unknown date must be ignored: applied=%v err=%v", applied, err)
	}
	view, _ = e.View()
	if view.Date != "2026-02-03" {
		t.Fatalf("ignored date still moved the cursor: %+v", view)
	}
}

func TestPlaybackRewindsAndAutoStops(t *testing.T) {
	baseline, newLamps := testCollections()
	ticks := make(chan time.Time)
	cancelled := 0
	e := startEngine(t, Config{
		Baseline: baseline, New: newLamps, BaselineDate: "2026-02-01",
		NewTicker: func(time.Duration) (<-chan time.Time, func()) {
			return ticks, func() { cancelled++ }
		},
	})

	if _, err := e.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}

	// Starting at the end rewinds to the beginning before ticking.
	if err := e.Play(); err != nil {
		t.Fatalf("play: %v", err)
	}
	view, err := e.View()
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.Index != 0 {
		t.Fatalf("play from the end should rewind to 0, got %d", view.Index)
	}

	last := len(e.Axis()) - 1
	for i := 0; i < last; i++ {
		ticks <- time.Time{}
	}

	view, err = e.View()
	if err != nil {
		t.Fatalf("view after ticks: %v", err)
	}
	if view.Index != last {
		t.Fatalf("expected cursor at %d after %d ticks, got %d", last, last, view.Index)
	}
	playing, err := e.Playing()
	if err != nil {
		t.Fatalf("playing: %v", err)
	}
	if playing {
		t.Fatal("playback should auto-stop at the end of the axis")
	}
	if cancelled != 1 {
		t.Fatalf("ticker should be cancelled exactly once, got %d", cancelled)
	}
}

func TestStopIdempotent(t *testing.T) {
	baseline, newLamps := testCollections()
	ticks := make(chan time.Time)
	cancelled := 0
	e := startEngine(t, Config{
		Baseline: baseline, New: newLamps, BaselineDate: "2026-02-01",
		NewTicker: func(time.Duration) (<-chan time.Time, func()) {
			return ticks, func() { cancelled++ }
		},
	})

	if err := e.Stop(); err != nil { // stopping while stopped is a no-op
		t.Fatalf("stop: %v", err)
	}
	if err := e.Play(); err != nil {
		t.Fatalf("play: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if cancelled != 1 {
		t.Fatalf("ticker cancelled %d times, want 1", cancelled)
	}
}
