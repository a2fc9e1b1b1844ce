// Package geodata loads and caches the street-lamp datasets.
//
// Two fixed collections exist per session: the baseline snapshot and the
// new additions discovered after the baseline date. Both are read once at
// startup and never mutated afterwards; every later consumer works on
// derived copies so the cached slices stay safe to share between
// goroutines without locks.
package geodata

import (
	"fmt"
	"os"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Kind distinguishes the two cached collections. Baseline lamps are always
// shown; new lamps are subject to date filtering.
type Kind string

const (
	KindBaseline Kind = "baseline"
	KindNew      Kind = "new"
)

// Lamp is a single street-lamp point. Properties we never interpret stay in
// Props so exports reproduce the source file faithfully.
type Lamp struct {
	OSMID     int64
	User      string
	DateAdded string // ISO YYYY-MM-DD, empty when the lamp predates tracking
	Point     orb.Point
	Props     geojson.Properties
}

// EffectiveDate returns the date used for filtering: the recorded
// date_added, or the baseline anchor when the lamp carries none.
// Dates stay ISO strings on purpose: lexical comparison over YYYY-MM-DD
// matches chronological order, and parsing would change how malformed
// values sort.
func (l Lamp) EffectiveDate(baselineDate string) string {
	if l.DateAdded != "" {
		return l.DateAdded
	}
	return baselineDate
}

// Collection is an immutable cached dataset.
type Collection struct {
	Kind  Kind
	Lamps []Lamp
}

// Len reports the number of lamps so counters do not reach into the slice.
func (c *Collection) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Lamps)
}

// DecodeCollection parses a GeoJSON FeatureCollection into lamps.
// Non-point features are skipped rather than rejected: the source files
// occasionally mix in lit-area polygons and we only map point lamps.
func DecodeCollection(data []byte, kind Kind) (*Collection, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s collection: %w", kind, err)
	}

	lamps := make([]Lamp, 0, len(fc.Features))
	for _, f := range fc.Features {
		point, ok := f.Geometry.(orb.Point)
		if !ok {
			continue
		}
		lamps = append(lamps, lampFromFeature(f, point))
	}
	return &Collection{Kind: kind, Lamps: lamps}, nil
}

// LoadCollection reads and decodes a GeoJSON file from disk. The caller
// decides what a load failure means; we only annotate it with the path.
func LoadCollection(path string, kind Kind) (*Collection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return DecodeCollection(data, kind)
}

// FeatureCollection converts the cached lamps back into GeoJSON for the
// map surface. A fresh collection is built on every call so publishers can
// hand it out without worrying about later mutation.
func (c *Collection) FeatureCollection() *geojson.FeatureCollection {
	if c == nil {
		return geojson.NewFeatureCollection()
	}
	return FeatureCollectionOf(c.Lamps)
}

// FeatureCollectionOf builds a GeoJSON collection from an arbitrary lamp
// slice. Filtered subsets and merged views share this path with the cached
// collections.
func FeatureCollectionOf(lamps []Lamp) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, l := range lamps {
		fc.Append(l.Feature())
	}
	return fc
}

// Feature rebuilds the GeoJSON feature for one lamp, restoring the id and
// property layout the processing pipeline writes.
func (l Lamp) Feature() *geojson.Feature {
	f := geojson.NewFeature(l.Point)
	f.ID = fmt.Sprintf("node/%d", l.OSMID)

	props := make(geojson.Properties, len(l.Props)+4)
	for k, v := range l.Props {
		props[k] = v
	}
	props["osm_type"] = "node"
	props["osm_id"] = l.OSMID
	if l.User != "" {
		props["user"] = l.User
	}
	if l.DateAdded != "" {
		props["date_added"] = l.DateAdded
	}
	f.Properties = props
	return f
}

// lampFromFeature extracts the typed fields and keeps the rest verbatim.
func lampFromFeature(f *geojson.Feature, point orb.Point) Lamp {
	lamp := Lamp{
		Point: point,
		Props: make(geojson.Properties),
	}

	for k, v := range f.Properties {
		switch k {
		case "osm_id":
			lamp.OSMID = propInt64(v)
		case "user":
			if s, ok := v.(string); ok {
				lamp.User = s
			}
		case "date_added":
			if s, ok := v.(string); ok {
				lamp.DateAdded = strings.TrimSpace(s)
			}
		case "osm_type":
			// Re-added on export; storing it twice buys nothing.
		default:
			lamp.Props[k] = v
		}
	}

	if lamp.OSMID == 0 {
		lamp.OSMID = osmIDFromFeatureID(f.ID)
	}
	return lamp
}

// propInt64 tolerates the numeric types encoding/json produces.
func propInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

// osmIDFromFeatureID recovers the numeric id from "node/123" style ids.
func osmIDFromFeatureID(id any) int64 {
	s, ok := id.(string)
	if !ok {
		return 0
	}
	if idx := strings.LastIndexByte(s, '/'); idx >= 0 {
		s = s[idx+1:]
	}
	var n int64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
