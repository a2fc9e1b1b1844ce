// Package maphash implements the shareable URL fragment
//
//	#map=<zoom>/<lat>/<lng>[/<date>]
//
// It is the only persisted map state, so both directions are kept exact:
// encoding pins the float precision links are known by, and decoding is
// deliberately lenient so a garbled link degrades to a partial apply
// instead of an error page.
package maphash

import (
	"fmt"
	"strconv"
	"strings"
)

// Viewport is the camera part of the fragment.
type Viewport struct {
	Zoom float64
	Lat  float64
	Lng  float64
}

// State is the decode result. HasViewport reports whether all three camera
// numbers parsed; Date is the raw fourth segment, empty when absent. The
// caller checks Date against the date axis; membership is not this
// package's business.
type State struct {
	Viewport    Viewport
	HasViewport bool
	Date        string
}

// Encode renders the fragment. Zoom keeps one decimal and coordinates
// five, matching the precision links have always used. The date segment is
// omitted exactly when the cursor sits at the latest date so the common
// "today" link stays short.
func Encode(v Viewport, date string, atLatest bool) string {
	s := fmt.Sprintf("#map=%.1f/%.5f/%.5f", v.Zoom, v.Lat, v.Lng)
	if atLatest || date == "" {
		return s
	}
	return s + "/" + date
}

// Decode parses a fragment. Anything that does not match the grammar is
// ignored field by field: a bad coordinate drops the viewport but keeps
// the date, and vice versa. The zero State means nothing usable was found.
func Decode(fragment string) State {
	var state State

	raw := strings.TrimPrefix(strings.TrimSpace(fragment), "#")
	if !strings.HasPrefix(raw, "map=") {
		return state
	}
	raw = strings.TrimPrefix(raw, "map=")
	if raw == "" {
		return state
	}

	parts := strings.Split(raw, "/")
	if len(parts) < 3 || len(parts) > 4 {
		return state
	}

	zoom, errZoom := strconv.ParseFloat(parts[0], 64)
	lat, errLat := strconv.ParseFloat(parts[1], 64)
	lng, errLng := strconv.ParseFloat(parts[2], 64)
	if errZoom == nil && errLat == nil && errLng == nil {
		state.Viewport = Viewport{Zoom: zoom, Lat: lat, Lng: lng}
		state.HasViewport = true
	}

	if len(parts) == 4 {
		state.Date = strings.TrimSpace(parts[3])
	}
	return state
}
