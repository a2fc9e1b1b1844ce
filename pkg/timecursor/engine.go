// Package timecursor owns the temporal filter behind the time slider.
//
// One logical "current date" cursor drives everything a viewer sees: the
// two date-sensitive map sources, the lamp counters, and the date label.
// All of that state lives inside a single goroutine fed by a command
// channel, so slider input, playback ticks, and hash decodes are
// serialized without mutexes, the same ownership pattern the rest of the
// codebase uses for caches and fan-out buses.
package timecursor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/paulmach/orb/geojson"

	"lampioni/pkg/geodata"
	"lampioni/pkg/maphash"
)

// Source names for the two date-sensitive map sources. The baseline-only
// source is filled once at startup and never touched again, so it has no
// name here.
const (
	SourceNew = "new-lamps"
	SourceAll = "all-lamps"
)

// DefaultPlaybackInterval is the tunable gap between playback steps.
const DefaultPlaybackInterval = 500 * time.Millisecond

// ErrOutOfRange rejects cursor indices outside the date axis. Callers that
// derive indices from user input clamp before calling; the engine itself
// never clamps silently.
var ErrOutOfRange = errors.New("cursor index out of range")

// MapSurface is where filtered feature collections land. The production
// implementation fans out to connected clients; tests record the calls.
type MapSurface interface {
	SetData(source string, fc *geojson.FeatureCollection)
	SetVisibility(layer string, visible bool)
}

// UISink receives the derived numbers and the current-date label.
type UISink interface {
	ShowCounts(newCount, total int)
	ShowDate(date string)
}

// FilteredView is the ephemeral result of one recompute: the new lamps at
// or before the cursor date, plus the derived counts. It is rebuilt on
// every cursor change and never cached.
type FilteredView struct {
	Index    int
	Date     string
	NewLamps []geodata.Lamp
	NewCount int
	Total    int
}

// BuildDateAxis collects every distinct effective date from the new lamps,
// the daily-additions histogram, and the baseline anchor into an ascending
// sequence. It cannot fail: with no events at all the axis degenerates to
// the baseline date alone.
func BuildDateAxis(newLamps []geodata.Lamp, dailyDates []string, baselineDate string) []string {
	seen := map[string]struct{}{baselineDate: {}}
	for _, lamp := range newLamps {
		seen[lamp.EffectiveDate(baselineDate)] = struct{}{}
	}
	for _, d := range dailyDates {
		if d != "" {
			seen[d] = struct{}{}
		}
	}

	axis := make([]string, 0, len(seen))
	for d := range seen {
		axis = append(axis, d)
	}
	sort.Strings(axis)
	return axis
}

// Config wires the engine to its data and collaborators.
type Config struct {
	Baseline     *geodata.Collection
	New          *geodata.Collection
	DailyDates   []string // extra axis members from stats.json
	BaselineDate string   // ISO anchor, e.g. "2026-02-01"

	Surface MapSurface
	Sink    UISink

	PlaybackInterval time.Duration
	// NewTicker lets tests drive playback by hand. nil means time.NewTicker.
	NewTicker func(time.Duration) (<-chan time.Time, func())
}

// Engine is the temporal filter. Construct with NewEngine, run with Start,
// and always Close so a playback ticker never outlives the view.
type Engine struct {
	cfg  Config
	axis []string

	cmds chan command
	done chan struct{}
}

type cmdKind int

const (
	cmdSetCursor cmdKind = iota
	cmdReset
	cmdView
	cmdViewAt
	cmdPlay
	cmdStop
	cmdApplyDate
)

type command struct {
	kind  cmdKind
	index int
	date  string
	reply chan reply
}

type reply struct {
	view    FilteredView
	playing bool
	applied bool
	err     error
}

// NewEngine builds the date axis once from the cached collections and
// parks the cursor at the most recent date. Start must be called before
// any other method.
func NewEngine(cfg Config) *Engine {
	if cfg.PlaybackInterval <= 0 {
		cfg.PlaybackInterval = DefaultPlaybackInterval
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		}
	}

	var lamps []geodata.Lamp
	if cfg.New != nil {
		lamps = cfg.New.Lamps
	}

	return &Engine{
		cfg:  cfg,
		axis: BuildDateAxis(lamps, cfg.DailyDates, cfg.BaselineDate),
		cmds: make(chan command),
		done: make(chan struct{}),
	}
}

// Axis returns a copy of the date axis for slider construction.
func (e *Engine) Axis() []string {
	out := make([]string, len(e.axis))
	copy(out, e.axis)
	return out
}

// IndexOf reports the axis position of a date, or -1 when absent.
func (e *Engine) IndexOf(date string) int {
	for i, d := range e.axis {
		if d == date {
			return i
		}
	}
	return -1
}

// Start launches the state-owning goroutine. The engine stops when ctx
// ends or Close is called, whichever comes first; both paths cancel a
// running playback ticker.
func (e *Engine) Start(ctx context.Context) {
	go e.run(ctx)
}

// Close shuts the engine down. Safe to call more than once.
func (e *Engine) Close() {
	select {
	case <-e.done:
	default:
		close(e.done)
	}
}

// SetCursor moves the filter boundary to an axis index and republishes.
// Out-of-range indices are rejected, never clamped.
func (e *Engine) SetCursor(index int) error {
	r, err := e.send(command{kind: cmdSetCursor, index: index})
	if err != nil {
		return err
	}
	return r.err
}

// Reset jumps to the most recent date and republishes the full view.
// Calling it twice is the same as once.
func (e *Engine) Reset() (FilteredView, error) {
	r, err := e.send(command{kind: cmdReset})
	if err != nil {
		return FilteredView{}, err
	}
	return r.view, nil
}

// View returns the current filtered view without moving the cursor.
func (e *Engine) View() (FilteredView, error) {
	r, err := e.send(command{kind: cmdView})
	if err != nil {
		return FilteredView{}, err
	}
	return r.view, nil
}

// ViewAt recomputes the view for an arbitrary axis index without moving
// the cursor or publishing. Read-only consumers (the HTTP data endpoints)
// use this so browsing history never disturbs the live slider.
func (e *Engine) ViewAt(index int) (FilteredView, error) {
	r, err := e.send(command{kind: cmdViewAt, index: index})
	if err != nil {
		return FilteredView{}, err
	}
	return r.view, r.err
}

// Play starts or restarts playback. Starting from the end rewinds to the
// beginning first so the animation always has somewhere to go.
func (e *Engine) Play() error {
	_, err := e.send(command{kind: cmdPlay})
	return err
}

// Stop cancels playback. Idempotent: stopping a stopped engine is a no-op.
func (e *Engine) Stop() error {
	_, err := e.send(command{kind: cmdStop})
	return err
}

// Playing reports whether the playback ticker is armed.
func (e *Engine) Playing() (bool, error) {
	r, err := e.send(command{kind: cmdView})
	if err != nil {
		return false, err
	}
	return r.playing, nil
}

// ApplyHashDate moves the cursor to a decoded hash date. Unknown dates are
// ignored, so a garbled link still applies its viewport elsewhere. The
// return value reports whether the cursor actually moved.
func (e *Engine) ApplyHashDate(date string) (bool, error) {
	r, err := e.send(command{kind: cmdApplyDate, date: date})
	if err != nil {
		return false, err
	}
	return r.applied, nil
}

// Hash encodes the shareable fragment for the given viewport and the
// current cursor. The date segment disappears when the cursor is at the
// latest date, keeping the common link short.
func (e *Engine) Hash(v maphash.Viewport) (string, error) {
	view, err := e.View()
	if err != nil {
		return "", err
	}
	return maphash.Encode(v, view.Date, view.Index == len(e.axis)-1), nil
}

// send performs one synchronous round trip with the state goroutine.
func (e *Engine) send(c command) (reply, error) {
	c.reply = make(chan reply, 1)
	select {
	case <-e.done:
		return reply{}, fmt.Errorf("engine closed")
	case e.cmds <- c:
	}
	select {
	case <-e.done:
		return reply{}, fmt.Errorf("engine closed")
	case r := <-c.reply:
		return r, nil
	}
}

// run owns the cursor and the playback ticker. Nothing outside this
// goroutine ever reads or writes them.
func (e *Engine) run(ctx context.Context) {
	cursor := len(e.axis) - 1

	var tick <-chan time.Time
	var cancelTick func()
	stopPlayback := func() {
		if cancelTick != nil {
			cancelTick()
			cancelTick = nil
			tick = nil
		}
	}
	defer stopPlayback()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case <-tick:
			if cursor >= len(e.axis)-1 {
				stopPlayback()
				continue
			}
			cursor++
			e.publish(cursor)
			if cursor == len(e.axis)-1 {
				stopPlayback()
			}
		case c := <-e.cmds:
			switch c.kind {
			case cmdSetCursor:
				if c.index < 0 || c.index >= len(e.axis) {
					c.reply <- reply{err: fmt.Errorf("%w: %d not in [0,%d)", ErrOutOfRange, c.index, len(e.axis))}
					continue
				}
				cursor = c.index
				view := e.publish(cursor)
				c.reply <- reply{view: view, playing: tick != nil}
			case cmdReset:
				cursor = len(e.axis) - 1
				view := e.publish(cursor)
				c.reply <- reply{view: view, playing: tick != nil}
			case cmdView:
				c.reply <- reply{view: e.filteredAt(cursor), playing: tick != nil}
			case cmdViewAt:
				if c.index < 0 || c.index >= len(e.axis) {
					c.reply <- reply{err: fmt.Errorf("%w: %d not in [0,%d)", ErrOutOfRange, c.index, len(e.axis))}
					continue
				}
				c.reply <- reply{view: e.filteredAt(c.index), playing: tick != nil}
			case cmdPlay:
				if tick == nil {
					if cursor == len(e.axis)-1 {
						cursor = 0
						e.publish(cursor)
					}
					tick, cancelTick = e.cfg.NewTicker(e.cfg.PlaybackInterval)
				}
				c.reply <- reply{playing: true}
			case cmdStop:
				stopPlayback()
				c.reply <- reply{playing: false}
			case cmdApplyDate:
				idx := e.IndexOf(c.date)
				if idx < 0 {
					c.reply <- reply{applied: false}
					continue
				}
				cursor = idx
				view := e.publish(cursor)
				c.reply <- reply{view: view, applied: true, playing: tick != nil}
			}
		}
	}
}

// filteredAt recomputes the view for an axis index. A full linear scan of
// the cached new collection per call; the datasets this serves stay well
// inside what that costs.
func (e *Engine) filteredAt(index int) FilteredView {
	date := e.axis[index]

	var filtered []geodata.Lamp
	if e.cfg.New != nil {
		filtered = make([]geodata.Lamp, 0, len(e.cfg.New.Lamps))
		for _, lamp := range e.cfg.New.Lamps {
			// Lexical comparison over ISO dates is chronological order.
			if lamp.EffectiveDate(e.cfg.BaselineDate) <= date {
				filtered = append(filtered, lamp)
			}
		}
	}

	return FilteredView{
		Index:    index,
		Date:     date,
		NewLamps: filtered,
		NewCount: len(filtered),
		Total:    e.cfg.Baseline.Len() + len(filtered),
	}
}

// publish recomputes and pushes the derived state to the collaborators.
func (e *Engine) publish(index int) FilteredView {
	view := e.filteredAt(index)

	if e.cfg.Surface != nil {
		newFC := geodata.FeatureCollectionOf(view.NewLamps)
		e.cfg.Surface.SetData(SourceNew, newFC)

		var merged []geodata.Lamp
		if e.cfg.Baseline != nil {
			merged = append(merged, e.cfg.Baseline.Lamps...)
		}
		merged = append(merged, view.NewLamps...)
		e.cfg.Surface.SetData(SourceAll, geodata.FeatureCollectionOf(merged))
	}

	if e.cfg.Sink != nil {
		e.cfg.Sink.ShowCounts(view.NewCount, view.Total)
		e.cfg.Sink.ShowDate(view.Date)
	}
	return view
}
